package registry

import (
	"errors"
	"sync"
	"time"

	"keyroute-broker/pkg/model"
)

var (
	ErrDuplicateID = errors.New("tunnel id already exists")
	ErrNotFound    = errors.New("tunnel not found")
	ErrNotActive   = errors.New("tunnel already closed")
)

// AccrualDelta is the billable slice produced by a periodic accrual pass
// for one active tunnel.
type AccrualDelta struct {
	TunnelID        string
	AgentID         string
	Region          string
	Hours           float64
	DurationSeconds int64
}

// Registry is the in-memory authoritative store of tunnel records, keyed by
// tunnel id. It is the only writer of tunnel records; every mutation,
// including IP allocation, happens under a single mutex. External calls
// (keeper, peer controller) are never made while this lock is held.
type Registry struct {
	mu        sync.Mutex
	tunnels   map[string]model.Tunnel
	allocator *ipAllocator
}

// New constructs a Registry whose client IPs are drawn from the given
// IPv4 CIDR (default 10.100.0.0/24).
func New(subnetCIDR string) (*Registry, error) {
	alloc, err := newIPAllocator(subnetCIDR)
	if err != nil {
		return nil, err
	}
	return &Registry{
		tunnels:   make(map[string]model.Tunnel),
		allocator: alloc,
	}, nil
}

// Create allocates a client IP and inserts the record. The caller is
// expected to have already generated keys and a tunnel id; ClientIP is
// overwritten by the allocator.
func (r *Registry) Create(t model.Tunnel) (model.Tunnel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tunnels[t.ID]; exists {
		return model.Tunnel{}, ErrDuplicateID
	}
	ip, err := r.allocator.allocate()
	if err != nil {
		return model.Tunnel{}, err
	}
	t.ClientIP = ip
	r.tunnels[t.ID] = t
	return t, nil
}

// Rollback removes a just-created record and releases its IP. It exists
// only so that a failed peer install can roll back cleanly: if AddPeer fails
// after Create succeeded, the record must disappear as if it never
// existed, unlike a genuinely terminal tunnel which stays resident.
func (r *Registry) Rollback(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tunnels[id]; ok {
		r.allocator.release(t.ClientIP)
		delete(r.tunnels, id)
	}
}

// Get returns a snapshot of the record for id.
func (r *Registry) Get(id string) (model.Tunnel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tunnels[id]
	return t, ok
}

// ListByAgent returns all records (any status) owned by agentID.
func (r *Registry) ListByAgent(agentID string) []model.Tunnel {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Tunnel, 0)
	for _, t := range r.tunnels {
		if t.AgentID == agentID {
			out = append(out, t)
		}
	}
	return out
}

// Expire transitions a single active, past-expiry tunnel to expired and
// releases its kernel-facing IP. It returns found=false if the tunnel does
// not exist, is not active, or is not yet past expires_at.
func (r *Registry) Expire(id string, now time.Time) (model.Tunnel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tunnels[id]
	if !ok || t.Status != model.StatusActive || !t.ExpiresAt.Before(now) {
		return model.Tunnel{}, false
	}
	t.Status = model.StatusExpired
	r.tunnels[id] = t
	r.allocator.release(t.ClientIP)
	return t, true
}

// ExpireAllDue scans every active tunnel and transitions those whose
// expires_at is in the past. Used by the lifecycle supervisor's periodic
// scan; the whole pass happens under one lock acquisition so concurrent
// GETs/DELETEs see a tunnel as either fully active or fully expired.
func (r *Registry) ExpireAllDue(now time.Time) []model.Tunnel {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Tunnel
	for id, t := range r.tunnels {
		if t.Status == model.StatusActive && t.ExpiresAt.Before(now) {
			t.Status = model.StatusExpired
			r.tunnels[id] = t
			r.allocator.release(t.ClientIP)
			out = append(out, t)
		}
	}
	return out
}

// Close transitions an active tunnel to closed, overwriting expires_at to
// now, and releases its IP. DELETE is not idempotent: a second call on an
// already-terminal tunnel returns ErrNotActive.
func (r *Registry) Close(id string, now time.Time) (model.Tunnel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tunnels[id]
	if !ok {
		return model.Tunnel{}, ErrNotFound
	}
	if t.Status != model.StatusActive {
		return model.Tunnel{}, ErrNotActive
	}
	t.Status = model.StatusClosed
	t.ExpiresAt = now
	r.tunnels[id] = t
	r.allocator.release(t.ClientIP)
	return t, nil
}

// AccrueActive advances the last_billed_at cursor for every active tunnel
// by as many whole minutes as have elapsed, returning one AccrualDelta per
// tunnel that had at least one whole minute to bill. Sub-minute remainders
// stay unbilled until the next tick or the tunnel's terminal transition.
func (r *Registry) AccrueActive(now time.Time) []AccrualDelta {
	r.mu.Lock()
	defer r.mu.Unlock()
	var deltas []AccrualDelta
	for id, t := range r.tunnels {
		if t.Status != model.StatusActive {
			continue
		}
		elapsed := now.Sub(t.LastBilledAt)
		if elapsed < time.Minute {
			continue
		}
		wholeMinutes := int64(elapsed / time.Minute)
		advance := time.Duration(wholeMinutes) * time.Minute
		t.LastBilledAt = t.LastBilledAt.Add(advance)
		r.tunnels[id] = t
		deltas = append(deltas, AccrualDelta{
			TunnelID:        t.ID,
			AgentID:         t.AgentID,
			Region:          t.Region,
			Hours:           float64(wholeMinutes) / 60,
			DurationSeconds: int64(advance.Seconds()),
		})
	}
	return deltas
}

// ActiveCount reports how many tunnels are currently active, mostly for
// diagnostics and tests.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range r.tunnels {
		if t.Status == model.StatusActive {
			n++
		}
	}
	return n
}
