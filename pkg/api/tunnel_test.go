package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"keyroute-broker/pkg/keeper"
	"keyroute-broker/pkg/lifecycle"
	"keyroute-broker/pkg/metering"
	"keyroute-broker/pkg/model"
	"keyroute-broker/pkg/registry"
)

// fakePeerController is an in-memory test double; it never needs a kernel
// interface, unlike both the real linux controller and the build's own
// non-linux stub.
type fakePeerController struct {
	failAdd bool
	added   map[string]string
	removed map[string]bool
}

func newFakePeerController() *fakePeerController {
	return &fakePeerController{added: map[string]string{}, removed: map[string]bool{}}
}

func (f *fakePeerController) GenerateKeyPair() (string, string, error) {
	return "priv-key", "pub-key", nil
}

func (f *fakePeerController) AddPeer(_ context.Context, publicKey, clientIP string) error {
	if f.failAdd {
		return errFakeAddPeer
	}
	f.added[publicKey] = clientIP
	return nil
}

func (f *fakePeerController) RemovePeer(_ context.Context, publicKey string) error {
	f.removed[publicKey] = true
	return nil
}

func (f *fakePeerController) Reconcile(_ context.Context, _ map[string]bool) error {
	return nil
}

type fakeAddPeerErr struct{}

func (fakeAddPeerErr) Error() string { return "simulated add peer failure" }

var errFakeAddPeer = fakeAddPeerErr{}

// fakeNotifier records every ops-feed event fired during a test instead of
// standing up a real opsfeed.Hub and websocket connection.
type fakeNotifier struct {
	events []string
}

func (f *fakeNotifier) Notify(eventType string, t model.Tunnel) {
	f.events = append(f.events, eventType+":"+t.ID)
}

func newTestDeps(t *testing.T) (*Deps, *fakePeerController, *keeper.FakeKeeper, *fakeNotifier) {
	t.Helper()
	reg, err := registry.New("10.100.0.0/24")
	if err != nil {
		t.Fatal(err)
	}
	fk := keeper.NewFakeKeeper()
	fk.Accounts["good-token"] = keeper.FakeAccount{AgentID: "agent_1", Email: "a@example.test", Balance: 10, CostPerUnit: 0.10}
	fk.Accounts["poor-token"] = keeper.FakeAccount{AgentID: "agent_2", Email: "b@example.test", Balance: 0.01, CostPerUnit: 0.10}

	peers := newFakePeerController()
	notifier := &fakeNotifier{}
	meter := metering.New(reg, fk, notifier)
	super := lifecycle.New(reg, meter, peers, notifier)

	deps := &Deps{
		Registry:        reg,
		Keeper:          fk,
		Peers:           peers,
		Metering:        meter,
		Lifecycle:       super,
		Notifier:        notifier,
		Region:          "us-east",
		ServerPublicKey: "server-pub-key",
		Endpoint:        "broker.example.test:51820",
		CostPerHour:     0.10,
	}
	return deps, peers, fk, notifier
}

func newTestMux(deps *Deps) *http.ServeMux {
	mux := http.NewServeMux()
	RegisterRoutes(mux, deps)
	return mux
}

func TestCreateTunnelHappyPath(t *testing.T) {
	deps, peers, _, _ := newTestDeps(t)
	mux := newTestMux(deps)

	req := httptest.NewRequest(http.MethodPost, "/v1/tunnel", strings.NewReader(`{"duration":120}`))
	req.Header.Set("Authorization", "Bearer good-token")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp createTunnelResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(resp.TunnelID, "tun_") {
		t.Fatalf("unexpected tunnel id %q", resp.TunnelID)
	}
	if resp.ClientIP == "" {
		t.Fatalf("expected a client ip")
	}
	if _, ok := peers.added["pub-key"]; !ok {
		t.Fatalf("expected peer to be installed")
	}
	if !strings.Contains(resp.WireguardConfig, "PrivateKey = priv-key") {
		t.Fatalf("expected rendered config to carry the private key, got %s", resp.WireguardConfig)
	}
}

func TestCreateTunnelMissingToken(t *testing.T) {
	deps, _, _, _ := newTestDeps(t)
	mux := newTestMux(deps)

	req := httptest.NewRequest(http.MethodPost, "/v1/tunnel", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestCreateTunnelInsufficientBalance(t *testing.T) {
	deps, _, _, _ := newTestDeps(t)
	mux := newTestMux(deps)

	req := httptest.NewRequest(http.MethodPost, "/v1/tunnel", strings.NewReader(`{"duration":3600}`))
	req.Header.Set("Authorization", "Bearer poor-token")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["balance"].(float64) != 0.01 {
		t.Fatalf("expected echoed balance 0.01, got %v", body["balance"])
	}
}

func TestCreateTunnelDurationClamping(t *testing.T) {
	cases := []struct {
		body string
		want int64
	}{
		{`{"duration":29}`, 30},
		{`{"duration":3601}`, 3600},
		{`{}`, 300},
		{`{"duration":"not-a-number"}`, 300},
	}
	for _, tc := range cases {
		deps, _, _, _ := newTestDeps(t)
		mux := newTestMux(deps)

		req := httptest.NewRequest(http.MethodPost, "/v1/tunnel", strings.NewReader(tc.body))
		req.Header.Set("Authorization", "Bearer good-token")
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)

		if rec.Code != http.StatusCreated {
			t.Fatalf("body %q: expected 201, got %d: %s", tc.body, rec.Code, rec.Body.String())
		}
		var resp createTunnelResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatal(err)
		}
		got, err := time.Parse(time.RFC3339, resp.ExpiresAt)
		if err != nil {
			t.Fatal(err)
		}
		gotSeconds := int64(got.Sub(time.Now()).Round(time.Second).Seconds())
		if diff := gotSeconds - tc.want; diff > 1 || diff < -1 {
			t.Fatalf("body %q: expected duration ~%ds, got %ds", tc.body, tc.want, gotSeconds)
		}
	}
}

func TestCreateTunnelRollsBackOnPeerFailure(t *testing.T) {
	deps, peers, _, _ := newTestDeps(t)
	peers.failAdd = true
	mux := newTestMux(deps)

	req := httptest.NewRequest(http.MethodPost, "/v1/tunnel", strings.NewReader(`{"duration":60}`))
	req.Header.Set("Authorization", "Bearer good-token")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", rec.Code, rec.Body.String())
	}
	if deps.Registry.ActiveCount() != 0 {
		t.Fatalf("expected no active tunnels after rollback, got %d", deps.Registry.ActiveCount())
	}
}

func TestGetTunnelWrongOwnerForbidden(t *testing.T) {
	deps, _, _, _ := newTestDeps(t)
	mux := newTestMux(deps)

	createReq := httptest.NewRequest(http.MethodPost, "/v1/tunnel", strings.NewReader(`{"duration":120}`))
	createReq.Header.Set("Authorization", "Bearer good-token")
	createRec := httptest.NewRecorder()
	mux.ServeHTTP(createRec, createReq)

	var created createTunnelResponse
	if err := json.Unmarshal(createRec.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}

	getReq := httptest.NewRequest(http.MethodGet, "/v1/tunnel/"+created.TunnelID, nil)
	getReq.Header.Set("Authorization", "Bearer poor-token")
	getRec := httptest.NewRecorder()
	mux.ServeHTTP(getRec, getReq)

	if getRec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", getRec.Code)
	}
}

func TestDeleteTunnelNotIdempotent(t *testing.T) {
	deps, _, _, _ := newTestDeps(t)
	mux := newTestMux(deps)

	createReq := httptest.NewRequest(http.MethodPost, "/v1/tunnel", strings.NewReader(`{"duration":120}`))
	createReq.Header.Set("Authorization", "Bearer good-token")
	createRec := httptest.NewRecorder()
	mux.ServeHTTP(createRec, createReq)

	var created createTunnelResponse
	if err := json.Unmarshal(createRec.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}

	del := func() int {
		req := httptest.NewRequest(http.MethodDelete, "/v1/tunnel/"+created.TunnelID, nil)
		req.Header.Set("Authorization", "Bearer good-token")
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := del(); code != http.StatusOK {
		t.Fatalf("expected first delete to return 200, got %d", code)
	}
	if code := del(); code != http.StatusBadRequest {
		t.Fatalf("expected second delete to return 400, got %d", code)
	}
}

func TestCreateTunnelNotifiesCreated(t *testing.T) {
	deps, _, _, notifier := newTestDeps(t)
	mux := newTestMux(deps)

	req := httptest.NewRequest(http.MethodPost, "/v1/tunnel", strings.NewReader(`{"duration":120}`))
	req.Header.Set("Authorization", "Bearer good-token")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	var resp createTunnelResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(notifier.events) != 1 || notifier.events[0] != "created:"+resp.TunnelID {
		t.Fatalf("expected one created notification for %s, got %v", resp.TunnelID, notifier.events)
	}
}

// TestGetTunnelNeverRegressesToActiveUnderConcurrentExpiry stresses the
// exact race spec'd as "a 10s lifecycle ticker racing a handler": one
// goroutine repeatedly GETs a tunnel that is already past its expiry while
// another goroutine concurrently runs the scan-loop teardown
// (ScanOnce). Once a GET observes a terminal status, no later GET (in
// this goroutine's own sequence) may observe "active" again — the handler
// must re-read the registry itself whenever its own ExpireIfDue call loses
// the race, rather than rendering the stale snapshot it fetched up front.
func TestGetTunnelNeverRegressesToActiveUnderConcurrentExpiry(t *testing.T) {
	deps, _, _, _ := newTestDeps(t)
	mux := newTestMux(deps)

	createReq := httptest.NewRequest(http.MethodPost, "/v1/tunnel", strings.NewReader(`{"duration":30}`))
	createReq.Header.Set("Authorization", "Bearer good-token")
	createRec := httptest.NewRecorder()
	mux.ServeHTTP(createRec, createReq)

	var created createTunnelResponse
	if err := json.Unmarshal(createRec.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}

	// Backdate expiry so every GET from here on considers the tunnel due.
	tun, _ := deps.Registry.Get(created.TunnelID)
	tun.ExpiresAt = time.Now().Add(-time.Hour)
	deps.Registry.Rollback(tun.ID)
	if _, err := deps.Registry.Create(tun); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		deps.Lifecycle.ScanOnce(context.Background(), time.Now())
	}()

	sawTerminal := false
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			req := httptest.NewRequest(http.MethodGet, "/v1/tunnel/"+created.TunnelID, nil)
			req.Header.Set("Authorization", "Bearer good-token")
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)

			var status tunnelStatusResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
				t.Error(err)
				return
			}
			if status.Status == "active" {
				if sawTerminal {
					t.Errorf("status regressed to active after previously observing %q", status.Status)
					return
				}
				continue
			}
			sawTerminal = true
		}
	}()

	wg.Wait()
}

func TestCreateTunnelRejectedWhileDraining(t *testing.T) {
	deps, _, _, _ := newTestDeps(t)
	mux := newTestMux(deps)
	deps.Draining.Store(true)

	req := httptest.NewRequest(http.MethodPost, "/v1/tunnel", strings.NewReader(`{"duration":120}`))
	req.Header.Set("Authorization", "Bearer good-token")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 while draining, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestGetTunnelNotFound(t *testing.T) {
	deps, _, _, _ := newTestDeps(t)
	mux := newTestMux(deps)

	req := httptest.NewRequest(http.MethodGet, "/v1/tunnel/tun_doesnotexist", nil)
	req.Header.Set("Authorization", "Bearer good-token")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestListTunnelsEchoesAccountInfo(t *testing.T) {
	deps, _, _, _ := newTestDeps(t)
	mux := newTestMux(deps)

	createReq := httptest.NewRequest(http.MethodPost, "/v1/tunnel", strings.NewReader(`{"duration":60}`))
	createReq.Header.Set("Authorization", "Bearer good-token")
	mux.ServeHTTP(httptest.NewRecorder(), createReq)

	listReq := httptest.NewRequest(http.MethodGet, "/v1/tunnels", nil)
	listReq.Header.Set("Authorization", "Bearer good-token")
	listRec := httptest.NewRecorder()
	mux.ServeHTTP(listRec, listReq)

	var resp listTunnelsResponse
	if err := json.Unmarshal(listRec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.AgentID != "agent_1" || resp.Email != "a@example.test" {
		t.Fatalf("unexpected account echo: %+v", resp)
	}
	if len(resp.Tunnels) != 1 {
		t.Fatalf("expected one tunnel, got %d", len(resp.Tunnels))
	}
}

func TestRegionsRequiresNoAuth(t *testing.T) {
	deps, _, _, _ := newTestDeps(t)
	mux := newTestMux(deps)

	req := httptest.NewRequest(http.MethodGet, "/v1/regions", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp regionsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Current != "us-east" {
		t.Fatalf("expected current region us-east, got %s", resp.Current)
	}
}
