package model

import (
	"github.com/shopspring/decimal"
)

// Shared business constants. These mirror the values used by the reporting
// backend and must not drift from it.
var TaxRateIVA = decimal.NewFromFloat(0.13) // 13% IVA (El Salvador)

const (
	MaxOfflineDays = 7
	SyncIntervalMS = 30000
)

// PaymentMethod for a completed sale.
type PaymentMethod string

const (
	PaymentCash     PaymentMethod = "CASH"
	PaymentCard     PaymentMethod = "CARD"
	PaymentTransfer PaymentMethod = "TRANSFER"
	PaymentMixed    PaymentMethod = "MIXED"
)

// SaleStatus lifecycle: PENDING → COMPLETED, COMPLETED → VOIDED.
type SaleStatus string

const (
	SalePending   SaleStatus = "PENDING"
	SaleCompleted SaleStatus = "COMPLETED"
	SaleVoided    SaleStatus = "VOIDED"
)

// MovementType classifies a cash ledger entry.
type MovementType string

const (
	MovementOpening    MovementType = "OPENING"
	MovementSale       MovementType = "SALE"
	MovementWithdrawal MovementType = "WITHDRAWAL"
	MovementDeposit    MovementType = "DEPOSIT"
	MovementAdjustment MovementType = "ADJUSTMENT"
)

// RegisterStatus is the two-state register machine.
type RegisterStatus string

const (
	RegisterClosed RegisterStatus = "CLOSED"
	RegisterOpen   RegisterStatus = "OPEN"
)

// Product is a catalog snapshot cached on the terminal for offline lookups.
type Product struct {
	ID             string          `json:"id"`
	SKU            string          `json:"sku"`
	Name           string          `json:"name"`
	Description    string          `json:"description,omitempty"`
	Price          decimal.Decimal `json:"price"`
	TaxRate        decimal.Decimal `json:"tax_rate"`
	CategoryID     string          `json:"category_id"`
	Barcode        string          `json:"barcode,omitempty"`
	Unit           string          `json:"unit"` // UNIT | KG | LB | L
	StockTrackable bool            `json:"stock_trackable"`
	Active         bool            `json:"active"`
	UpdatedAt      int64           `json:"updated_at"` // unix millis
}

// SaleItem is a price/quantity snapshot frozen at sale time. Product name and
// unit price are copied, never referenced, so later catalog changes cannot
// rewrite history.
type SaleItem struct {
	ProductID   string          `json:"product_id"`
	ProductName string          `json:"product_name"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Discount    decimal.Decimal `json:"discount"`
	Tax         decimal.Decimal `json:"tax"`
	Subtotal    decimal.Decimal `json:"subtotal"`
	Total       decimal.Decimal `json:"total"`
}

// Sale is immutable once Status reaches COMPLETED or VOIDED. Voided sales keep
// their items for audit but are excluded from expected balance.
type Sale struct {
	ID            string          `json:"id"`
	TerminalID    string          `json:"terminal_id"`
	CashierID     string          `json:"cashier_id"`
	CustomerID    string          `json:"customer_id,omitempty"`
	Items         []SaleItem      `json:"items"`
	Subtotal      decimal.Decimal `json:"subtotal"`
	TaxTotal      decimal.Decimal `json:"tax_total"`
	DiscountTotal decimal.Decimal `json:"discount_total"`
	Total         decimal.Decimal `json:"total"`
	PaymentMethod PaymentMethod   `json:"payment_method"`
	Status        SaleStatus      `json:"status"`
	InvoiceNumber string          `json:"invoice_number,omitempty"`
	CreatedAt     int64           `json:"created_at"`
	CompletedAt   int64           `json:"completed_at,omitempty"`
	VoidedAt      int64           `json:"voided_at,omitempty"`
	VoidReason    string          `json:"void_reason,omitempty"`
}

// CashAmount returns the share of the sale that passed through the drawer.
// Card and transfer payments never touch the physical register.
func (s *Sale) CashAmount() decimal.Decimal {
	switch s.PaymentMethod {
	case PaymentCash, PaymentMixed:
		// Mixed payments record the cash share in the SALE movement amount;
		// the sale-level figure is the full total. Callers dealing with MIXED
		// must pass the explicit cash share instead.
		return s.Total
	default:
		return decimal.Zero
	}
}

// ItemModifier adjusts a cart item's price (e.g. "extra shot", "no bag").
type ItemModifier struct {
	Name            string          `json:"name"`
	PriceAdjustment decimal.Decimal `json:"price_adjustment"`
}

// CartItem is the mutable in-progress counterpart of SaleItem.
type CartItem struct {
	SaleItem
	Notes     string         `json:"notes,omitempty"`
	Modifiers []ItemModifier `json:"modifiers,omitempty"`
}

// LineTotal folds modifiers into the item total.
func (c *CartItem) LineTotal() decimal.Decimal {
	total := c.Total
	for _, m := range c.Modifiers {
		total = total.Add(m.PriceAdjustment.Mul(c.Quantity))
	}
	return total
}

// CurrentCart is the sale in progress. Terminal-local: it never crosses the
// sync boundary.
type CurrentCart struct {
	ID           string     `json:"id"`
	CustomerID   string     `json:"customer_id,omitempty"`
	Items        []CartItem `json:"items"`
	CreatedAt    int64      `json:"created_at"`
	LastModified int64      `json:"last_modified"`
}

// CashRegister is the single active register state per terminal.
type CashRegister struct {
	TerminalID      string          `json:"terminal_id"`
	Status          RegisterStatus  `json:"status"`
	OpeningBalance  decimal.Decimal `json:"opening_balance"`
	CurrentBalance  decimal.Decimal `json:"current_balance"`
	ExpectedBalance decimal.Decimal `json:"expected_balance"`
	OpenedAt        int64           `json:"opened_at,omitempty"`
	OpenedBy        string          `json:"opened_by,omitempty"`
	ClosedAt        int64           `json:"closed_at,omitempty"`
	ClosedBy        string          `json:"closed_by,omitempty"`
	// Discrepancy = counted − expected, recorded at close. A reportable
	// fact, not an error.
	Discrepancy decimal.Decimal `json:"discrepancy"`
}

// LocalCashMovement is an immutable ledger entry. Movements are NEVER modified
// or deleted — corrections create inverse ADJUSTMENT entries.
type LocalCashMovement struct {
	ID        string          `json:"id"`
	Type      MovementType    `json:"type"`
	Amount    decimal.Decimal `json:"amount"`
	SaleID    string          `json:"sale_id,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Timestamp int64           `json:"timestamp"`
	UserID    string          `json:"user_id"`
	// Unreconciled marks a SALE movement whose sale has not arrived yet
	// (partial merge). Retained and flagged, never dropped.
	Unreconciled bool `json:"unreconciled,omitempty"`
}

// ProductCache is the bounded offline product subset kept in the document.
type ProductCache struct {
	Products    map[string]Product `json:"products"`
	LastUpdated int64              `json:"last_updated"`
}
