package keeper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"keyroute-broker/pkg/model"
)

// cacheTTL bounds how long a successful verification is cached, keyed by
// raw token. Only successful verifications are cached.
const cacheTTL = 60 * time.Second

type cacheEntry struct {
	result    VerifyResult
	expiresAt time.Time
}

// HTTPKeeper is the real keeper client, talking the keeper's wire
// protocol over net/http with bounded per-call timeouts.
type HTTPKeeper struct {
	baseURL       string
	secret        string
	service       string
	client        *http.Client
	verifyTimeout time.Duration
	reportTimeout time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewHTTPKeeper constructs a keeper client against baseURL, authenticating
// outbound requests with the shared secret the broker and keeper agree on.
func NewHTTPKeeper(baseURL, secret, service string) *HTTPKeeper {
	return &HTTPKeeper{
		baseURL:       strings.TrimRight(baseURL, "/"),
		secret:        secret,
		service:       service,
		client:        &http.Client{},
		verifyTimeout: 5 * time.Second,
		reportTimeout: 10 * time.Second,
		cache:         make(map[string]cacheEntry),
	}
}

type verifyRequest struct {
	Token     string  `json:"token"`
	Service   string  `json:"service"`
	Operation string  `json:"operation"`
	Quantity  float64 `json:"quantity"`
}

type verifyResponse struct {
	Valid       bool    `json:"valid"`
	AgentID     string  `json:"agent_id"`
	Email       string  `json:"email"`
	Balance     float64 `json:"balance"`
	CostPerUnit float64 `json:"cost_per_unit"`
	CanAfford   bool    `json:"can_afford"`
	Error       string  `json:"error"`
}

// Verify checks a bearer token's validity and, for the given operation and
// quantity, whether the agent can afford it. Transport failures and
// timeouts never surface as a Go error: they map to Valid=false with an
// explanatory Error, leaving the caller to return 401.
func (k *HTTPKeeper) Verify(ctx context.Context, token, operation string, quantity float64) (VerifyResult, error) {
	if cached, ok := k.cacheGet(token); ok {
		return cached, nil
	}

	reqBody := verifyRequest{Token: token, Service: k.service, Operation: operation, Quantity: quantity}
	var respBody verifyResponse

	callCtx, cancel := context.WithTimeout(ctx, k.verifyTimeout)
	defer cancel()
	if err := k.post(callCtx, "/v1/services/verify", reqBody, &respBody); err != nil {
		return VerifyResult{Valid: false, Error: "Authentication service unavailable"}, nil
	}

	result := VerifyResult{
		Valid:       respBody.Valid,
		AgentID:     respBody.AgentID,
		Email:       respBody.Email,
		Balance:     respBody.Balance,
		CostPerUnit: respBody.CostPerUnit,
		CanAfford:   respBody.CanAfford,
		Error:       respBody.Error,
	}
	if result.Valid {
		k.cachePut(token, result)
	}
	return result, nil
}

type usageRequest struct {
	Service string               `json:"service"`
	Region  string               `json:"region"`
	Records []model.PendingUsage `json:"records"`
}

type usageResponse struct {
	Processed            int     `json:"processed"`
	TotalCreditsDeducted float64 `json:"total_credits_deducted"`
}

// ReportUsage delivers a batch of usage records. Any non-2xx or transport
// error is returned so the caller can re-enqueue the batch for retry.
func (k *HTTPKeeper) ReportUsage(ctx context.Context, region string, records []model.PendingUsage) error {
	body := usageRequest{Service: k.service, Region: region, Records: records}
	var respBody usageResponse

	callCtx, cancel := context.WithTimeout(ctx, k.reportTimeout)
	defer cancel()
	return k.post(callCtx, "/v1/services/usage", body, &respBody)
}

func (k *HTTPKeeper) post(ctx context.Context, path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, k.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Service-Secret", k.secret)

	resp, err := k.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("keeper responded %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (k *HTTPKeeper) cacheGet(token string) (VerifyResult, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	entry, ok := k.cache[token]
	if !ok || time.Now().After(entry.expiresAt) {
		return VerifyResult{}, false
	}
	return entry.result, true
}

func (k *HTTPKeeper) cachePut(token string, result VerifyResult) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.cache[token] = cacheEntry{result: result, expiresAt: time.Now().Add(cacheTTL)}
}
