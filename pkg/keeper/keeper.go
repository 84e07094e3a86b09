// Package keeper talks to the external identity/credit service: it
// verifies bearer tokens (with affordability), and reports accrued usage.
package keeper

import (
	"context"

	"keyroute-broker/pkg/model"
)

// VerifyResult mirrors the keeper's /v1/services/verify response.
type VerifyResult struct {
	Valid       bool
	AgentID     string
	Email       string
	Balance     float64
	CostPerUnit float64
	CanAfford   bool
	Error       string
}

// Keeper is the capability set the broker needs from the identity/credit
// service. Defined as an interface so the HTTP implementation, an
// in-memory fake, and an always-affordable fake can all stand in for it
// in tests and alternate deployments.
type Keeper interface {
	Verify(ctx context.Context, token, operation string, quantity float64) (VerifyResult, error)
	ReportUsage(ctx context.Context, region string, records []model.PendingUsage) error
}
