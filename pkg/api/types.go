package api

import "encoding/json"

// createTunnelRequest is the body of POST /v1/tunnel. Duration is kept as
// a json.RawMessage so a malformed individual field (wrong type, not a
// body-level decode failure) falls back to the default instead of
// rejecting the whole request.
type createTunnelRequest struct {
	Duration json.RawMessage `json:"duration"`
	Region   string          `json:"region,omitempty"`
}

type createTunnelResponse struct {
	TunnelID        string `json:"tunnel_id"`
	Region          string `json:"region"`
	WireguardConfig string `json:"wireguard_config"`
	Endpoint        string `json:"endpoint"`
	ExpiresAt       string `json:"expires_at"`
	ClientIP        string `json:"client_ip"`
}

type tunnelStatusResponse struct {
	TunnelID        string  `json:"tunnel_id"`
	Region          string  `json:"region"`
	Status          string  `json:"status"`
	CreatedAt       string  `json:"created_at"`
	ExpiresAt       string  `json:"expires_at"`
	DurationSeconds int64   `json:"duration_seconds"`
	CostUSD         float64 `json:"cost_usd"`
}

type closeTunnelResponse struct {
	TunnelID        string  `json:"tunnel_id"`
	Status          string  `json:"status"`
	DurationSeconds int64   `json:"duration_seconds"`
	CostUSD         float64 `json:"cost_usd"`
}

type tunnelSummary struct {
	TunnelID  string `json:"tunnel_id"`
	Region    string `json:"region"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
	ExpiresAt string `json:"expires_at"`
}

type listTunnelsResponse struct {
	AgentID string          `json:"agent_id"`
	Email   string          `json:"email"`
	Balance float64         `json:"balance"`
	Tunnels []tunnelSummary `json:"tunnels"`
}

type regionsResponse struct {
	Regions []string `json:"regions"`
	Current string   `json:"current"`
}
