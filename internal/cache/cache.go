// Package cache bounds the product subset kept inside the terminal document
// for offline lookups. Recency is tracked locally per terminal; evictions are
// local-only ops and never travel to peers.
package cache

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/mcalero11/pos-inteligente-sv/internal/document"
	"github.com/mcalero11/pos-inteligente-sv/internal/model"
)

// Manager implements touch/get/evict over the document's product_cache field.
// A cache miss while offline is a recoverable condition, never an error, and
// nothing here blocks on the network.
type Manager struct {
	store *document.Store
	clock *document.Clock
	max   int

	mu       sync.Mutex
	lastUsed map[string]int64 // product id → last touch, monotonic
	counter  int64
}

func NewManager(store *document.Store, clock *document.Clock, maxCachedProducts int) *Manager {
	if maxCachedProducts <= 0 {
		maxCachedProducts = 100
	}
	return &Manager{
		store:    store,
		clock:    clock,
		max:      maxCachedProducts,
		lastUsed: map[string]int64{},
	}
}

// Get returns the cached product snapshot, recording a touch on hit. The
// second return mirrors map lookups: false means "not available offline".
func (m *Manager) Get(productID string) (model.Product, bool) {
	doc := m.store.Snapshot()
	p, ok := doc.ProductCache.Products[productID]
	if ok {
		m.Touch(productID)
	}
	return p, ok
}

// Touch records a use (cart addition, lookup) for LRU ordering.
func (m *Manager) Touch(productID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counter++
	m.lastUsed[productID] = m.counter
}

// Upsert stores a fresh catalog snapshot in the document and evicts down to
// the bound if needed. The upsert syncs (per-product LWW on updated_at); any
// eviction stays local.
func (m *Manager) Upsert(p model.Product) error {
	if p.UpdatedAt == 0 {
		p.UpdatedAt = m.clock.Now()
	}
	if _, err := m.store.ApplyLocal(document.UpsertProduct(p)); err != nil {
		return err
	}
	m.Touch(p.ID)
	return m.EvictIfNeeded()
}

// EvictIfNeeded drops least-recently-used products until the cache is within
// its bound. Products never touched on this terminal evict first.
func (m *Manager) EvictIfNeeded() error {
	doc := m.store.Snapshot()
	over := len(doc.ProductCache.Products) - m.max
	if over <= 0 {
		return nil
	}

	m.mu.Lock()
	type cand struct {
		id   string
		used int64
	}
	cands := make([]cand, 0, len(doc.ProductCache.Products))
	for id := range doc.ProductCache.Products {
		cands = append(cands, cand{id: id, used: m.lastUsed[id]})
	}
	m.mu.Unlock()

	for ; over > 0; over-- {
		victim := cands[0]
		idx := 0
		for i, c := range cands[1:] {
			if c.used < victim.used || (c.used == victim.used && c.id < victim.id) {
				victim, idx = c, i+1
			}
		}
		cands = append(cands[:idx], cands[idx+1:]...)

		if _, err := m.store.ApplyLocal(document.EvictProduct(victim.id)); err != nil {
			return err
		}
		m.mu.Lock()
		delete(m.lastUsed, victim.id)
		m.mu.Unlock()
		log.Debug().Str("product_id", victim.id).Msg("evicted least-recently-used product")
	}
	return nil
}

// Len reports the current cached product count.
func (m *Manager) Len() int {
	doc := m.store.Snapshot()
	return len(doc.ProductCache.Products)
}
