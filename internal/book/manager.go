// Package book tracks the keeper's view of its own resting orders. The
// exchange snapshot lags behind the keeper's actions, so the manager
// augments each snapshot with in-flight placements and cancellations until
// the exchange confirms them, keeping the band engine from double-placing
// or re-cancelling.
package book

import (
	"log/slog"
	"sort"
	"sync"

	"bandkeeper/pkg/types"
)

type placedEntry struct {
	order  types.Order
	cycles int
}

// Manager reconciles exchange snapshots with in-flight actions. In-flight
// entries that the exchange never confirms age out after maxCycles
// evaluation cycles, so a lost acknowledgement cannot wedge the book view
// forever.
type Manager struct {
	mu        sync.Mutex
	snapshot  []types.Order
	placed    map[string]placedEntry
	cancelled map[string]int // order id -> cycles since the cancel was sent
	maxCycles int

	logger *slog.Logger
}

// NewManager returns a manager whose in-flight entries expire after
// maxCycles cycles without confirmation.
func NewManager(maxCycles int, logger *slog.Logger) *Manager {
	if maxCycles < 1 {
		maxCycles = 1
	}
	return &Manager{
		placed:    make(map[string]placedEntry),
		cancelled: make(map[string]int),
		maxCycles: maxCycles,
		logger:    logger.With("component", "book"),
	}
}

// ApplySnapshot installs a fresh exchange snapshot and confirms in-flight
// entries against it: a placed order that appears in the snapshot and a
// cancelled order that no longer does are both settled.
func (m *Manager) ApplySnapshot(orders []types.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()

	present := make(map[string]bool, len(orders))
	for _, o := range orders {
		present[o.ID] = true
	}

	for id := range m.placed {
		if present[id] {
			delete(m.placed, id)
		}
	}
	for id := range m.cancelled {
		if !present[id] {
			delete(m.cancelled, id)
		}
	}

	m.snapshot = append([]types.Order(nil), orders...)
}

// Effective returns the keeper's working view: the snapshot minus orders
// with a pending cancel, plus pending placements the exchange has not
// reported yet.
func (m *Manager) Effective() []types.Order {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]types.Order, 0, len(m.snapshot)+len(m.placed))
	for _, o := range m.snapshot {
		if _, pending := m.cancelled[o.ID]; pending {
			continue
		}
		out = append(out, o)
	}

	pending := make([]types.Order, 0, len(m.placed))
	for _, e := range m.placed {
		pending = append(pending, e.order)
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].ID < pending[j].ID })
	return append(out, pending...)
}

// RecordPlaced notes a placement that has been dispatched but not yet
// confirmed by a snapshot.
func (m *Manager) RecordPlaced(order types.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Placed and cancelled are disjoint by construction.
	delete(m.cancelled, order.ID)
	m.placed[order.ID] = placedEntry{order: order}
}

// RecordCancelled notes a cancellation that has been dispatched but not yet
// reflected in a snapshot.
func (m *Manager) RecordCancelled(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.placed, id)
	m.cancelled[id] = 0
}

// EndCycle ages every in-flight entry by one cycle and drops entries the
// exchange failed to confirm within the cycle budget.
func (m *Manager) EndCycle() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, e := range m.placed {
		e.cycles++
		if e.cycles >= m.maxCycles {
			m.logger.Warn("pending placement never confirmed, dropping", "order_id", id)
			delete(m.placed, id)
			continue
		}
		m.placed[id] = e
	}
	for id, cycles := range m.cancelled {
		cycles++
		if cycles >= m.maxCycles {
			m.logger.Warn("pending cancel never confirmed, dropping", "order_id", id)
			delete(m.cancelled, id)
			continue
		}
		m.cancelled[id] = cycles
	}
}

// Pending reports the number of unconfirmed placements and cancels, used
// by the drain loop to decide when the book has settled.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.placed) + len(m.cancelled)
}
