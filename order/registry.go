package order

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrDuplicateOrder is returned when StartTracking sees a client order id
// that is already tracked and not yet terminal.
var ErrDuplicateOrder = errors.New("order: duplicate client order id")

// Registry owns the in-flight order records. The reconciliation poller takes
// its per-cycle poll set from here, and here is the only place records are
// added or dropped, which is what keeps poll sets stable within a cycle.
type Registry struct {
	mu     sync.RWMutex
	orders map[string]*InFlightOrder

	snapshot   map[string]*InFlightOrder
	snapshotAt time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		orders:   make(map[string]*InFlightOrder),
		snapshot: make(map[string]*InFlightOrder),
	}
}

// StartTracking registers a new record. An id that is already tracked is
// rejected unless the existing record is terminal, in which case the stale
// record is replaced (a restart can legitimately re-issue an approval id).
func (r *Registry) StartTracking(o *InFlightOrder) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.orders[o.clientOrderID]; ok && !existing.IsDone() {
		return fmt.Errorf("%w: %s", ErrDuplicateOrder, o.clientOrderID)
	}
	r.orders[o.clientOrderID] = o
	return nil
}

// StopTracking removes a record. Unknown ids are a silent no-op so the
// untrack path is idempotent.
func (r *Registry) StopTracking(clientOrderID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.orders, clientOrderID)
}

// Get returns the tracked record for the id, if any.
func (r *Registry) Get(clientOrderID string) (*InFlightOrder, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.orders[clientOrderID]
	return o, ok
}

// Active returns the non-terminal records sorted by client order id. This is
// the per-cycle poll set; terminal records never re-enter it, which is half
// of the at-most-once guarantee.
func (r *Registry) Active() []*InFlightOrder {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*InFlightOrder, 0, len(r.orders))
	for _, o := range r.orders {
		if !o.IsDone() {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].clientOrderID < out[j].clientOrderID })
	return out
}

// TradeOrders returns the active swap records (approvals excluded).
func (r *Registry) TradeOrders() []*InFlightOrder {
	var out []*InFlightOrder
	for _, o := range r.Active() {
		if !o.IsApproval() {
			out = append(out, o)
		}
	}
	return out
}

// ApprovalOrders returns the active token-approval records.
func (r *Registry) ApprovalOrders() []*InFlightOrder {
	var out []*InFlightOrder
	for _, o := range r.Active() {
		if o.IsApproval() {
			out = append(out, o)
		}
	}
	return out
}

// CancelingOrders returns the records whose cancel transaction is awaiting a
// receipt.
func (r *Registry) CancelingOrders() []*InFlightOrder {
	var out []*InFlightOrder
	for _, o := range r.Active() {
		if o.IsPendingCancel() {
			out = append(out, o)
		}
	}
	return out
}

// Len returns the number of tracked records, terminal ones included.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.orders)
}

// TrackingStates serializes the non-terminal records for persistence.
// Terminal records are done; there is nothing left to reconcile for them
// after a restart.
func (r *Registry) TrackingStates() (map[string]json.RawMessage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]json.RawMessage, len(r.orders))
	for id, o := range r.orders {
		if o.IsDone() {
			continue
		}
		raw, err := json.Marshal(o)
		if err != nil {
			return nil, fmt.Errorf("serialize order %s: %w", id, err)
		}
		out[id] = raw
	}
	return out, nil
}

// RestoreTrackingStates re-registers persisted records. Records that
// deserialize as terminal are skipped.
func (r *Registry) RestoreTrackingStates(states map[string]json.RawMessage) error {
	for id, raw := range states {
		o, err := FromJSON(raw)
		if err != nil {
			return fmt.Errorf("restore order %s: %w", id, err)
		}
		if o.IsDone() {
			continue
		}
		if err := r.StartTracking(o); err != nil {
			return err
		}
	}
	return nil
}

// RefreshSnapshot stores a point-in-time copy of the tracked records. The
// snapshot backs reporting surfaces that must not observe mid-cycle churn.
func (r *Registry) RefreshSnapshot(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := make(map[string]*InFlightOrder, len(r.orders))
	for id, o := range r.orders {
		snap[id] = o
	}
	r.snapshot = snap
	r.snapshotAt = now
}

// Snapshot returns the most recently stored snapshot and when it was taken.
func (r *Registry) Snapshot() (map[string]*InFlightOrder, time.Time) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*InFlightOrder, len(r.snapshot))
	for id, o := range r.snapshot {
		out[id] = o
	}
	return out, r.snapshotAt
}

// PositionBook owns the tracked range-liquidity positions.
type PositionBook struct {
	mu        sync.RWMutex
	positions map[string]*Position
}

func NewPositionBook() *PositionBook {
	return &PositionBook{positions: make(map[string]*Position)}
}

// Track registers a position. Duplicate non-terminal ids are rejected.
func (b *PositionBook) Track(p *Position) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.positions[p.positionID]; ok && !existing.IsDone() {
		return fmt.Errorf("%w: %s", ErrDuplicateOrder, p.positionID)
	}
	b.positions[p.positionID] = p
	return nil
}

// Untrack removes a position; unknown ids are a no-op.
func (b *PositionBook) Untrack(positionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.positions, positionID)
}

// Get returns the tracked position for the id, if any.
func (b *PositionBook) Get(positionID string) (*Position, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.positions[positionID]
	return p, ok
}

// Pending returns the positions with a transaction awaiting its receipt,
// sorted by position id.
func (b *PositionBook) Pending() []*Position {
	return b.filter(func(p *Position) bool { return p.IsPending() })
}

// Active returns the positions live on chain, sorted by position id.
func (b *PositionBook) Active() []*Position {
	return b.filter(func(p *Position) bool { return p.IsActive() })
}

// All returns every tracked position, sorted by position id.
func (b *PositionBook) All() []*Position {
	return b.filter(func(*Position) bool { return true })
}

func (b *PositionBook) filter(keep func(*Position) bool) []*Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Position, 0, len(b.positions))
	for _, p := range b.positions {
		if keep(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].positionID < out[j].positionID })
	return out
}

// TrackingStates serializes the non-terminal positions for persistence.
func (b *PositionBook) TrackingStates() (map[string]json.RawMessage, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]json.RawMessage, len(b.positions))
	for id, p := range b.positions {
		if p.IsDone() {
			continue
		}
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("serialize position %s: %w", id, err)
		}
		out[id] = raw
	}
	return out, nil
}

// RestoreTrackingStates re-registers persisted positions, skipping terminal
// ones.
func (b *PositionBook) RestoreTrackingStates(states map[string]json.RawMessage) error {
	for id, raw := range states {
		p, err := PositionFromJSON(raw)
		if err != nil {
			return fmt.Errorf("restore position %s: %w", id, err)
		}
		if p.IsDone() {
			continue
		}
		if err := b.Track(p); err != nil {
			return err
		}
	}
	return nil
}
