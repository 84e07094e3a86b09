// Package metering turns registry accrual deltas into keeper usage
// reports: a pending queue, a periodic accrual tick, and a periodic
// delivery tick that re-enqueues on failure.
package metering

import (
	"context"
	"log"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"keyroute-broker/pkg/keeper"
	"keyroute-broker/pkg/model"
	"keyroute-broker/pkg/registry"
)

const operationName = "tunnel_hour"

func newRecordID() string {
	return uuid.NewString()
}

// Notifier receives an ops-feed event. Satisfied by *opsfeed.Hub; kept as
// an interface here so metering does not import opsfeed directly.
type Notifier interface {
	Notify(eventType string, t model.Tunnel)
}

// Engine owns the pending-usage queue and the goroutines that fill and
// drain it. The queue is memory-only: a crash or restart loses whatever
// has accrued but not yet been reported.
type Engine struct {
	reg      *registry.Registry
	keeper   keeper.Keeper
	notifier Notifier

	mu      sync.Mutex
	pending []model.PendingUsage
}

// New constructs a metering Engine over the given registry, keeper, and
// ops-feed notifier. notifier may be nil.
func New(reg *registry.Registry, kpr keeper.Keeper, notifier Notifier) *Engine {
	return &Engine{reg: reg, keeper: kpr, notifier: notifier}
}

func (e *Engine) enqueue(agentID string, hours float64, at time.Time, region, tunnelID string, durationSeconds int64) {
	if hours <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = append(e.pending, model.PendingUsage{
		ID:        newRecordID(),
		AgentID:   agentID,
		Operation: operationName,
		Quantity:  hours,
		Timestamp: at,
		Metadata: model.UsageMetadata{
			Region:          region,
			TunnelID:        tunnelID,
			DurationSeconds: durationSeconds,
		},
	})
}

// AccrueTick advances the registry's billing cursors and enqueues one
// pending record per tunnel that had at least a whole minute to bill,
// notifying the ops feed of each.
func (e *Engine) AccrueTick(now time.Time) {
	for _, d := range e.reg.AccrueActive(now) {
		e.enqueue(d.AgentID, d.Hours, now, d.Region, d.TunnelID, d.DurationSeconds)
		if e.notifier != nil {
			e.notifier.Notify("accrued", model.Tunnel{ID: d.TunnelID, AgentID: d.AgentID, Region: d.Region})
		}
	}
}

// FinalAccrual bills the remainder between a tunnel's last billed cursor
// and its terminal time (now: expires_at after Expire, or the close time
// after Close). Called once per tunnel at the moment it leaves the active
// state, so no usage between the last periodic tick and termination is lost.
func (e *Engine) FinalAccrual(t model.Tunnel) {
	delta := t.ExpiresAt.Sub(t.LastBilledAt)
	if delta <= 0 {
		return
	}
	hours := delta.Seconds() / 3600
	e.enqueue(t.AgentID, hours, t.ExpiresAt, t.Region, t.ID, int64(math.Round(delta.Seconds())))
}

// drain removes and returns everything currently pending, leaving the
// queue empty. Used both by the delivery tick and by shutdown.
func (e *Engine) drain() []model.PendingUsage {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.pending) == 0 {
		return nil
	}
	batch := e.pending
	e.pending = nil
	return batch
}

// requeue appends a batch back to the tail of the queue, used when delivery
// to the keeper fails and the records must be retried on the next tick.
func (e *Engine) requeue(batch []model.PendingUsage) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = append(e.pending, batch...)
}

func (e *Engine) deliver(ctx context.Context, region string) {
	batch := e.drain()
	if len(batch) == 0 {
		return
	}
	if err := e.keeper.ReportUsage(ctx, region, batch); err != nil {
		log.Printf("metering: report usage failed, re-enqueuing %d records: %v", len(batch), err)
		e.requeue(batch)
	}
}

// RunAccrualLoop ticks AccrueTick every interval until ctx is canceled.
func (e *Engine) RunAccrualLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			e.AccrueTick(now)
		}
	}
}

// RunDeliveryLoop ticks deliver every interval until ctx is canceled.
func (e *Engine) RunDeliveryLoop(ctx context.Context, interval time.Duration, region string) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.deliver(ctx, region)
		}
	}
}

// PendingCount reports the current queue depth, mostly for diagnostics.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// ShutdownDrain attempts one final, bounded-timeout delivery of whatever is
// still pending. Used during graceful shutdown after the last accrual pass.
func (e *Engine) ShutdownDrain(ctx context.Context, region string, timeout time.Duration) {
	batch := e.drain()
	if len(batch) == 0 {
		return
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := e.keeper.ReportUsage(callCtx, region, batch); err != nil {
		log.Printf("metering: shutdown drain failed to deliver %d records, discarding: %v", len(batch), err)
	}
}
