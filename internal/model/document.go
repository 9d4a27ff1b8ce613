package model

import (
	"github.com/shopspring/decimal"
)

// TerminalDocument is the root replicated unit, one per terminal. The document
// store owns the live copy; everyone else sees read-only snapshots.
type TerminalDocument struct {
	TerminalID  string `json:"terminal_id"`
	LastUpdated int64  `json:"last_updated"`

	CashRegister  CashRegister        `json:"cash_register"`
	TodaySales    []Sale              `json:"today_sales"`
	CurrentCart   *CurrentCart        `json:"current_cart"`
	ProductCache  ProductCache        `json:"product_cache"`
	CashMovements []LocalCashMovement `json:"cash_movements"`
}

// NewTerminalDocument returns the zero-state document for a freshly
// provisioned terminal: register closed, empty collections.
func NewTerminalDocument(terminalID string, now int64) *TerminalDocument {
	return &TerminalDocument{
		TerminalID:  terminalID,
		LastUpdated: now,
		CashRegister: CashRegister{
			TerminalID:      terminalID,
			Status:          RegisterClosed,
			OpeningBalance:  decimal.Zero,
			CurrentBalance:  decimal.Zero,
			ExpectedBalance: decimal.Zero,
			Discrepancy:     decimal.Zero,
		},
		TodaySales:    []Sale{},
		ProductCache:  ProductCache{Products: map[string]Product{}, LastUpdated: now},
		CashMovements: []LocalCashMovement{},
	}
}

// FindSale returns the sale with the given id, or nil.
func (d *TerminalDocument) FindSale(id string) *Sale {
	for i := range d.TodaySales {
		if d.TodaySales[i].ID == id {
			return &d.TodaySales[i]
		}
	}
	return nil
}

// HasMovement reports whether a movement id is already in the ledger.
func (d *TerminalDocument) HasMovement(id string) bool {
	for i := range d.CashMovements {
		if d.CashMovements[i].ID == id {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to hand out as a snapshot.
func (d *TerminalDocument) Clone() TerminalDocument {
	out := *d
	out.TodaySales = append([]Sale(nil), d.TodaySales...)
	for i := range out.TodaySales {
		out.TodaySales[i].Items = append([]SaleItem(nil), d.TodaySales[i].Items...)
	}
	out.CashMovements = append([]LocalCashMovement(nil), d.CashMovements...)
	out.ProductCache = ProductCache{
		Products:    make(map[string]Product, len(d.ProductCache.Products)),
		LastUpdated: d.ProductCache.LastUpdated,
	}
	for k, v := range d.ProductCache.Products {
		out.ProductCache.Products[k] = v
	}
	if d.CurrentCart != nil {
		cart := *d.CurrentCart
		cart.Items = make([]CartItem, len(d.CurrentCart.Items))
		for i, it := range d.CurrentCart.Items {
			cart.Items[i] = it
			cart.Items[i].Modifiers = append([]ItemModifier(nil), it.Modifiers...)
		}
		out.CurrentCart = &cart
	}
	return out
}

// PeerInfo is an ephemeral liveness record. Stale entries are marked offline
// but never deleted, so peer identity survives for reconciliation.
type PeerInfo struct {
	TerminalID string `json:"terminal_id"`
	Address    string `json:"address,omitempty"`
	LastSeen   int64  `json:"last_seen"`
	IsOnline   bool   `json:"is_online"`
	// IsServer marks the central reconciliation peer, which wins register
	// LWW ties over terminal-local clocks.
	IsServer bool `json:"is_server"`
}

// SyncStatus is the operator-facing health summary exposed over HTTP.
type SyncStatus struct {
	TerminalID     string `json:"terminal_id"`
	LastSyncAt     int64  `json:"last_sync_at"`
	PendingChanges int    `json:"pending_changes"`
	SyncInProgress bool   `json:"sync_in_progress"`
	LastError      string `json:"last_error,omitempty"`
	Degraded       bool   `json:"degraded"`
	GapSkips       int    `json:"gap_skips"`
}
