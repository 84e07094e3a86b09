package keeper

import (
	"context"
	"fmt"
	"sync"

	"keyroute-broker/pkg/model"
)

// FakeAccount is a verify-table entry for FakeKeeper.
type FakeAccount struct {
	AgentID     string
	Email       string
	Balance     float64
	CostPerUnit float64
}

// FakeKeeper is an in-memory Keeper for tests: a token table plus a
// capture of every reported usage record, so a test can assert on exactly
// what the metering engine delivered.
type FakeKeeper struct {
	mu               sync.Mutex
	Accounts         map[string]FakeAccount
	Reported         []model.PendingUsage
	FailReportsUntil int // ReportUsage fails this many more times, then succeeds
}

// NewFakeKeeper returns a FakeKeeper with an empty token table.
func NewFakeKeeper() *FakeKeeper {
	return &FakeKeeper{Accounts: make(map[string]FakeAccount)}
}

func (f *FakeKeeper) Verify(_ context.Context, token, _ string, quantity float64) (VerifyResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	acct, ok := f.Accounts[token]
	if !ok {
		return VerifyResult{Valid: false, Error: "invalid token"}, nil
	}
	cost := quantity * acct.CostPerUnit
	return VerifyResult{
		Valid:       true,
		AgentID:     acct.AgentID,
		Email:       acct.Email,
		Balance:     acct.Balance,
		CostPerUnit: acct.CostPerUnit,
		CanAfford:   acct.Balance >= cost,
	}, nil
}

func (f *FakeKeeper) ReportUsage(_ context.Context, _ string, records []model.PendingUsage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailReportsUntil > 0 {
		f.FailReportsUntil--
		return fmt.Errorf("simulated keeper failure")
	}
	f.Reported = append(f.Reported, records...)
	return nil
}

// AlwaysAffordableKeeper authorizes any bearer token with an effectively
// unlimited balance, for exercising the happy path without per-test
// account setup.
type AlwaysAffordableKeeper struct {
	*FakeKeeper
	CostPerUnit float64
}

// NewAlwaysAffordableKeeper returns a keeper that treats every token as a
// valid, well-funded agent named after the token itself.
func NewAlwaysAffordableKeeper() *AlwaysAffordableKeeper {
	return &AlwaysAffordableKeeper{FakeKeeper: NewFakeKeeper(), CostPerUnit: 0.10}
}

func (a *AlwaysAffordableKeeper) Verify(_ context.Context, token, _ string, _ float64) (VerifyResult, error) {
	if token == "" {
		return VerifyResult{Valid: false, Error: "invalid token"}, nil
	}
	return VerifyResult{
		Valid:       true,
		AgentID:     "agent_" + token,
		Email:       "agent_" + token + "@example.test",
		Balance:     1e9,
		CostPerUnit: a.CostPerUnit,
		CanAfford:   true,
	}, nil
}
