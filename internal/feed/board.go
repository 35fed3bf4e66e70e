// Package feed keeps the live order list of every tenant and propagates
// order changes between instances.
package feed

import (
	"sort"
	"sync"
	"time"

	"github.com/iurnickita/orderdesk/internal/model"
)

const (
	EventUpsert = "upsert"
	EventDelete = "delete"
)

// OrderEvent carries a full order snapshot, never a delta.
type OrderEvent struct {
	Type      string      `json:"type"`
	TenantID  string      `json:"tenant_id"`
	Order     model.Order `json:"order"`
	EmittedAt time.Time   `json:"emitted_at"`
}

// closedTTL is how long an evicted order keeps rejecting late snapshots.
const closedTTL = time.Hour

type row struct {
	order      model.Order
	optimistic bool
}

// Board holds the latest known snapshot of every open order per tenant.
// Snapshots from the feed replace optimistic rows unconditionally and
// replace authoritative rows unless they are older. A terminal snapshot
// evicts the row.
type Board struct {
	mu       sync.RWMutex
	tenants  map[string]map[string]row
	closed   map[string]map[string]time.Time
	seeded   map[string]bool
	watchers map[string]map[chan struct{}]struct{}
}

func NewBoard() *Board {
	return &Board{
		tenants:  map[string]map[string]row{},
		closed:   map[string]map[string]time.Time{},
		seeded:   map[string]bool{},
		watchers: map[string]map[chan struct{}]struct{}{},
	}
}

// Apply stores an authoritative event. It reports whether the board changed.
func (b *Board) Apply(event OrderEvent) bool {
	tenantID := event.TenantID
	if tenantID == "" {
		tenantID = event.Order.TenantID
	}
	if tenantID == "" || event.Order.ID == "" {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	rows := b.rows(tenantID)
	existing, ok := rows[event.Order.ID]

	switch {
	case event.Type == EventDelete:
		if !ok {
			return false
		}
		delete(rows, event.Order.ID)
	case b.isClosed(tenantID, event.Order.ID):
		return false
	case ok && !existing.optimistic && event.Order.UpdatedAt.Before(existing.order.UpdatedAt):
		return false
	case event.Order.Status.Terminal():
		return b.evict(tenantID, event.Order)
	default:
		rows[event.Order.ID] = row{order: event.Order}
	}
	b.notify(tenantID)
	return true
}

// Reflect stores a local snapshot until the feed delivers the
// authoritative one. It never overwrites a newer row.
func (b *Board) Reflect(order model.Order) bool {
	if order.TenantID == "" || order.ID == "" {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	rows := b.rows(order.TenantID)
	if existing, ok := rows[order.ID]; ok && order.UpdatedAt.Before(existing.order.UpdatedAt) {
		return false
	}
	if b.isClosed(order.TenantID, order.ID) {
		return false
	}
	if order.Status.Terminal() {
		return b.evict(order.TenantID, order)
	}
	rows[order.ID] = row{order: order, optimistic: true}
	b.notify(order.TenantID)
	return true
}

// Seed loads a tenant's orders from the store. Rows the feed already
// delivered are kept when they are newer.
func (b *Board) Seed(tenantID string, orders []model.Order) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rows := b.rows(tenantID)
	for _, order := range orders {
		if order.Status.Terminal() || b.isClosed(tenantID, order.ID) {
			continue
		}
		if existing, ok := rows[order.ID]; ok && order.UpdatedAt.Before(existing.order.UpdatedAt) {
			continue
		}
		rows[order.ID] = row{order: order}
	}
	b.seeded[tenantID] = true
	b.notify(tenantID)
}

func (b *Board) Seeded(tenantID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.seeded[tenantID]
}

func (b *Board) Get(tenantID string, orderID string) (model.Order, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	r, ok := b.tenants[tenantID][orderID]
	return r.order, ok
}

// Orders returns a tenant's open orders, oldest first.
func (b *Board) Orders(tenantID string, activeOnly bool) []model.Order {
	b.mu.RLock()
	orders := make([]model.Order, 0, len(b.tenants[tenantID]))
	for _, r := range b.tenants[tenantID] {
		if activeOnly && r.order.Status.Terminal() {
			continue
		}
		orders = append(orders, r.order)
	}
	b.mu.RUnlock()

	sort.Slice(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].ID < orders[j].ID
		}
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
	return orders
}

// Watch signals on the returned channel whenever a tenant's rows change.
// Signals coalesce; the receiver should re-read the board.
func (b *Board) Watch(tenantID string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	b.mu.Lock()
	if b.watchers[tenantID] == nil {
		b.watchers[tenantID] = map[chan struct{}]struct{}{}
	}
	b.watchers[tenantID][ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.watchers[tenantID], ch)
			if len(b.watchers[tenantID]) == 0 {
				delete(b.watchers, tenantID)
			}
			b.mu.Unlock()
		})
	}
}

// rows and notify expect b.mu to be held.
func (b *Board) rows(tenantID string) map[string]row {
	rows, ok := b.tenants[tenantID]
	if !ok {
		rows = map[string]row{}
		b.tenants[tenantID] = rows
	}
	return rows
}

// Закрытый заказ больше не меняется: любой поздний снимок для него устарел
func (b *Board) isClosed(tenantID string, orderID string) bool {
	_, ok := b.closed[tenantID][orderID]
	return ok
}

// evict drops a terminal order and remembers it for closedTTL, measured
// on order timestamps so the board needs no clock of its own.
func (b *Board) evict(tenantID string, order model.Order) bool {
	closed, ok := b.closed[tenantID]
	if !ok {
		closed = map[string]time.Time{}
		b.closed[tenantID] = closed
	}
	closed[order.ID] = order.UpdatedAt
	for id, at := range closed {
		if at.Before(order.UpdatedAt.Add(-closedTTL)) {
			delete(closed, id)
		}
	}

	rows := b.rows(tenantID)
	if _, ok := rows[order.ID]; !ok {
		return false
	}
	delete(rows, order.ID)
	b.notify(tenantID)
	return true
}

func (b *Board) notify(tenantID string) {
	for ch := range b.watchers[tenantID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
