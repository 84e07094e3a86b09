package api

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync/atomic"

	"keyroute-broker/pkg/keeper"
	"keyroute-broker/pkg/lifecycle"
	"keyroute-broker/pkg/metering"
	"keyroute-broker/pkg/peer"
	"keyroute-broker/pkg/registry"
)

// Deps bundles everything the HTTP surface needs to orchestrate a request,
// assembled once in cmd/broker and passed to RegisterRoutes.
type Deps struct {
	Registry        *registry.Registry
	Keeper          keeper.Keeper
	Peers           peer.Controller
	Metering        *metering.Engine
	Lifecycle       *lifecycle.Supervisor
	Notifier        lifecycle.Notifier
	Region          string
	ServerPublicKey string
	Endpoint        string
	CostPerHour     float64

	// Draining is set once shutdown begins, before the final accrual pass
	// runs, so no tunnel created after that pass can go unmetered forever.
	// Zero value is "not draining"; nil-safe via the atomic.Bool zero value.
	Draining atomic.Bool
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string, extra map[string]interface{}) {
	body := map[string]interface{}{"error": msg}
	for k, v := range extra {
		body[k] = v
	}
	writeJSON(w, status, body)
}

// bearerToken extracts the raw token from an Authorization: Bearer header,
// returning "" if the header is absent or malformed.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(h, "Bearer ")
}
