package api

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"keyroute-broker/pkg/model"
	"keyroute-broker/pkg/registry"
	"keyroute-broker/pkg/wireguard"
)

const (
	minDuration     = 30
	maxDuration     = 3600
	defaultDuration = 300
)

var knownRegions = []string{"us-east", "us-west", "eu-central", "ap-southeast"}

// RegisterRoutes wires the five documented tunnel endpoints plus the
// non-client-facing /healthz liveness route onto mux. The ops-stream route
// is registered separately by cmd/broker.
func RegisterRoutes(mux *http.ServeMux, deps *Deps) {
	mux.HandleFunc("/v1/tunnel", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			handleCreateTunnel(w, r, deps)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/v1/tunnel/", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Path[len("/v1/tunnel/"):]
		if id == "" {
			http.Error(w, "tunnel id required", http.StatusBadRequest)
			return
		}
		switch r.Method {
		case http.MethodGet:
			handleGetTunnel(w, r, deps, id)
		case http.MethodDelete:
			handleDeleteTunnel(w, r, deps, id)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/v1/tunnels", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		handleListTunnels(w, r, deps)
	})
	mux.HandleFunc("/v1/regions", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, regionsResponse{Regions: knownRegions, Current: deps.Region})
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

func handleCreateTunnel(w http.ResponseWriter, r *http.Request, deps *Deps) {
	if deps.Draining.Load() {
		writeError(w, http.StatusServiceUnavailable, "broker is shutting down", nil)
		return
	}

	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "missing bearer token", nil)
		return
	}

	var req createTunnelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body", nil)
		return
	}
	duration := parseDuration(req.Duration)

	quantity := float64(duration) / 3600
	result, err := deps.Keeper.Verify(r.Context(), token, "tunnel_hour", quantity)
	if err != nil || !result.Valid {
		writeError(w, http.StatusUnauthorized, errOr(result.Error, "invalid or expired token"), nil)
		return
	}
	if !result.CanAfford {
		writeError(w, http.StatusPaymentRequired, "insufficient balance", map[string]interface{}{
			"balance":        result.Balance,
			"estimated_cost": quantity * result.CostPerUnit,
			"cost_per_hour":  result.CostPerUnit,
		})
		return
	}

	privKey, pubKey, err := deps.Peers.GenerateKeyPair()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to generate keys", nil)
		return
	}

	now := time.Now()
	id, err := newTunnelID()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to generate tunnel id", nil)
		return
	}
	tunnel := model.Tunnel{
		ID:               id,
		AgentID:          result.AgentID,
		Region:           deps.Region,
		CreatedAt:        now,
		ExpiresAt:        now.Add(time.Duration(duration) * time.Second),
		ClientPrivateKey: privKey,
		ClientPublicKey:  pubKey,
		Status:           model.StatusActive,
		LastBilledAt:     now,
	}

	created, err := deps.Registry.Create(tunnel)
	if err != nil {
		if errors.Is(err, registry.ErrSubnetExhausted) {
			writeError(w, http.StatusServiceUnavailable, "no client addresses available in this region", nil)
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to create tunnel", nil)
		return
	}

	if err := deps.Peers.AddPeer(r.Context(), created.ClientPublicKey, created.ClientIP); err != nil {
		deps.Registry.Rollback(created.ID)
		writeError(w, http.StatusServiceUnavailable, "failed to provision tunnel", nil)
		return
	}

	if deps.Notifier != nil {
		deps.Notifier.Notify("created", created)
	}

	config := wireguard.RenderClientConfig(created, deps.ServerPublicKey, deps.Endpoint)
	writeJSON(w, http.StatusCreated, createTunnelResponse{
		TunnelID:        created.ID,
		Region:          created.Region,
		WireguardConfig: config,
		Endpoint:        deps.Endpoint,
		ExpiresAt:       created.ExpiresAt.UTC().Format(time.RFC3339),
		ClientIP:        created.ClientIP,
	})
}

func handleGetTunnel(w http.ResponseWriter, r *http.Request, deps *Deps, id string) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "missing bearer token", nil)
		return
	}
	result, err := deps.Keeper.Verify(r.Context(), token, "tunnel_hour", 0)
	if err != nil || !result.Valid {
		writeError(w, http.StatusUnauthorized, errOr(result.Error, "invalid or expired token"), nil)
		return
	}

	t, ok := deps.Registry.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "tunnel not found", nil)
		return
	}
	if t.AgentID != result.AgentID {
		writeError(w, http.StatusForbidden, "tunnel belongs to a different agent", nil)
		return
	}

	now := time.Now()
	if t.Status == model.StatusActive && t.ExpiresAt.Before(now) {
		if expired, found := deps.Lifecycle.ExpireIfDue(r.Context(), t.ID, now); found {
			t = expired
		} else if fresh, ok := deps.Registry.Get(id); ok {
			// Lost the race to the scan loop or a concurrent GET/DELETE:
			// ExpireIfDue found nothing left to do because the winner
			// already transitioned this tunnel. Re-read rather than
			// serve the stale active snapshot fetched above.
			t = fresh
		}
	}

	writeJSON(w, http.StatusOK, tunnelStatusToResponse(t, now, deps.CostPerHour))
}

func handleDeleteTunnel(w http.ResponseWriter, r *http.Request, deps *Deps, id string) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "missing bearer token", nil)
		return
	}
	result, err := deps.Keeper.Verify(r.Context(), token, "tunnel_hour", 0)
	if err != nil || !result.Valid {
		writeError(w, http.StatusUnauthorized, errOr(result.Error, "invalid or expired token"), nil)
		return
	}

	existing, ok := deps.Registry.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "tunnel not found", nil)
		return
	}
	if existing.AgentID != result.AgentID {
		writeError(w, http.StatusForbidden, "tunnel belongs to a different agent", nil)
		return
	}

	closed, err := deps.Lifecycle.Close(r.Context(), id, time.Now())
	if err != nil {
		writeError(w, http.StatusBadRequest, "tunnel already closed", nil)
		return
	}

	writeJSON(w, http.StatusOK, closeTunnelResponse{
		TunnelID:        closed.ID,
		Status:          string(closed.Status),
		DurationSeconds: int64(closed.ExpiresAt.Sub(closed.CreatedAt).Seconds()),
		CostUSD:         closed.ExpiresAt.Sub(closed.CreatedAt).Hours() * deps.CostPerHour,
	})
}

func handleListTunnels(w http.ResponseWriter, r *http.Request, deps *Deps) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "missing bearer token", nil)
		return
	}
	result, err := deps.Keeper.Verify(r.Context(), token, "tunnel_hour", 0)
	if err != nil || !result.Valid {
		writeError(w, http.StatusUnauthorized, errOr(result.Error, "invalid or expired token"), nil)
		return
	}

	tunnels := deps.Registry.ListByAgent(result.AgentID)
	summaries := make([]tunnelSummary, 0, len(tunnels))
	for _, t := range tunnels {
		summaries = append(summaries, tunnelSummary{
			TunnelID:  t.ID,
			Region:    t.Region,
			Status:    string(t.Status),
			CreatedAt: t.CreatedAt.UTC().Format(time.RFC3339),
			ExpiresAt: t.ExpiresAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, listTunnelsResponse{
		AgentID: result.AgentID,
		Email:   result.Email,
		Balance: result.Balance,
		Tunnels: summaries,
	})
}

func tunnelStatusToResponse(t model.Tunnel, now time.Time, costPerHour float64) tunnelStatusResponse {
	var durationSeconds int64
	if t.Status == model.StatusActive {
		durationSeconds = int64(now.Sub(t.CreatedAt).Seconds())
	} else {
		durationSeconds = int64(t.ExpiresAt.Sub(t.CreatedAt).Seconds())
	}
	return tunnelStatusResponse{
		TunnelID:        t.ID,
		Region:          t.Region,
		Status:          string(t.Status),
		CreatedAt:       t.CreatedAt.UTC().Format(time.RFC3339),
		ExpiresAt:       t.ExpiresAt.UTC().Format(time.RFC3339),
		DurationSeconds: durationSeconds,
		CostUSD:         float64(durationSeconds) / 3600 * costPerHour,
	}
}

// parseDuration defaults to defaultDuration on a missing or unparseable
// field, clamping any parsed value to [minDuration, maxDuration]. Only a
// malformed JSON body (handled in handleCreateTunnel) rejects the request.
func parseDuration(raw json.RawMessage) int {
	if len(raw) == 0 {
		return defaultDuration
	}
	var seconds int
	if err := json.Unmarshal(raw, &seconds); err != nil {
		var f float64
		if err := json.Unmarshal(raw, &f); err != nil {
			return defaultDuration
		}
		seconds = int(f)
	}
	if seconds < minDuration {
		return minDuration
	}
	if seconds > maxDuration {
		return maxDuration
	}
	return seconds
}

func newTunnelID() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "tun_" + hex.EncodeToString(b), nil
}

func errOr(s, def string) string {
	if s != "" {
		return s
	}
	return def
}
