// Package lifecycle periodically scans the registry for tunnels past
// expiry, tears down their kernel peer, and runs each one's final
// accrual and an ops-feed notification.
package lifecycle

import (
	"context"
	"log"
	"time"

	"keyroute-broker/pkg/metering"
	"keyroute-broker/pkg/model"
	"keyroute-broker/pkg/peer"
	"keyroute-broker/pkg/registry"
)

// Notifier receives a lifecycle event. Satisfied by *opsfeed.Hub; kept as
// an interface here so lifecycle does not import opsfeed directly.
type Notifier interface {
	Notify(eventType string, t model.Tunnel)
}

// Supervisor runs the expiry scan.
type Supervisor struct {
	reg      *registry.Registry
	metering *metering.Engine
	peers    peer.Controller
	notifier Notifier
}

// New constructs a Supervisor wired to the given registry, metering
// engine, peer controller, and ops-feed notifier.
func New(reg *registry.Registry, m *metering.Engine, peers peer.Controller, notifier Notifier) *Supervisor {
	return &Supervisor{reg: reg, metering: m, peers: peers, notifier: notifier}
}

// ScanOnce expires every tunnel past its expires_at, tearing down its
// kernel peer and running its final accrual. Errors removing the kernel
// peer are logged, not fatal: the registry record has left the active state
// either way, so a stray kernel peer is caught by the next Reconcile at
// restart.
func (s *Supervisor) ScanOnce(ctx context.Context, now time.Time) {
	for _, t := range s.reg.ExpireAllDue(now) {
		s.finalize(ctx, t, "expired")
	}
}

func (s *Supervisor) finalize(ctx context.Context, t model.Tunnel, eventType string) {
	if err := s.peers.RemovePeer(ctx, t.ClientPublicKey); err != nil {
		log.Printf("lifecycle: remove peer for tunnel %s: %v", t.ID, err)
	}
	s.metering.FinalAccrual(t)
	if s.notifier != nil {
		s.notifier.Notify(eventType, t)
	}
}

// Close closes an active tunnel by id, running the same teardown as an
// expiry but with a "closed" event type. It exists so the HTTP DELETE
// handler and the scan loop share one code path for teardown bookkeeping.
func (s *Supervisor) Close(ctx context.Context, id string, now time.Time) (model.Tunnel, error) {
	t, err := s.reg.Close(id, now)
	if err != nil {
		return model.Tunnel{}, err
	}
	s.finalize(ctx, t, "closed")
	return t, nil
}

// ExpireIfDue transitions id to expired if it is active and past its
// expires_at, running the same teardown and notification as the scan
// loop. It exists so the HTTP GET handler's expire-on-read path shares
// one code path with ScanOnce instead of tearing down the peer and
// skipping the notification itself. Returns found=false (and leaves the
// record untouched) if id is missing, already terminal, or not yet due.
func (s *Supervisor) ExpireIfDue(ctx context.Context, id string, now time.Time) (model.Tunnel, bool) {
	t, ok := s.reg.Expire(id, now)
	if !ok {
		return model.Tunnel{}, false
	}
	s.finalize(ctx, t, "expired")
	return t, true
}

// Run ticks ScanOnce every interval until ctx is canceled.
func (s *Supervisor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.ScanOnce(ctx, now)
		}
	}
}
