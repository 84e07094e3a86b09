package model

import "time"

// Status is the lifecycle state of a tunnel record.
type Status string

const (
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
	StatusClosed  Status = "closed"
)

// Tunnel is the central entity: a broker-side record authorizing exactly one
// WireGuard peer for a bounded duration. Terminal records (expired/closed)
// stay resident in the registry for the broker's lifetime; they are never
// mutated again except for the single expires_at overwrite on close.
type Tunnel struct {
	ID               string
	AgentID          string
	Region           string
	CreatedAt        time.Time
	ExpiresAt        time.Time
	ClientPrivateKey string
	ClientPublicKey  string
	ClientIP         string
	Status           Status
	LastBilledAt     time.Time
}

// UsageMetadata rides along with a pending usage record so the keeper can
// correlate billing with the tunnel that generated it.
type UsageMetadata struct {
	Region          string `json:"region"`
	TunnelID        string `json:"tunnel_id"`
	DurationSeconds int64  `json:"duration_seconds"`
}

// PendingUsage is an append-only queue entry awaiting delivery to the
// keeper. Ordering is FIFO for retries, but the keeper is commutative over
// records so strict ordering is not required.
type PendingUsage struct {
	ID        string        `json:"-"`
	AgentID   string        `json:"agent_id"`
	Operation string        `json:"operation"`
	Quantity  float64       `json:"quantity"`
	Timestamp time.Time     `json:"timestamp"`
	Metadata  UsageMetadata `json:"metadata"`
}
