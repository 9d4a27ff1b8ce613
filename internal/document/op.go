package document

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/mcalero11/pos-inteligente-sv/internal/model"
)

// OpType tags one mutation against a specific document field. Merge semantics
// are defined per type, never by whole-document diffing.
type OpType string

const (
	OpAppendSale          OpType = "append_sale"
	OpVoidSale            OpType = "void_sale"
	OpAddCashMovement     OpType = "add_cash_movement"
	OpSetRegisterState    OpType = "set_register_state"
	OpUpsertCachedProduct OpType = "upsert_cached_product"
	OpEvictCachedProduct  OpType = "evict_cached_product"
	OpSetCart             OpType = "set_cart"
	OpClearCart           OpType = "clear_cart"
	OpArchiveDay          OpType = "archive_day"
)

// Op is one tagged mutation. Exactly one payload field is set, matching Type.
type Op struct {
	Type OpType `json:"type"`

	Sale     *model.Sale              `json:"sale,omitempty"`
	Void     *VoidSale                `json:"void,omitempty"`
	Movement *model.LocalCashMovement `json:"movement,omitempty"`
	Register *model.CashRegister      `json:"register,omitempty"`
	Product  *model.Product           `json:"product,omitempty"`
	// ProductID is the eviction target for evict_cached_product.
	ProductID string             `json:"product_id,omitempty"`
	Cart      *model.CurrentCart `json:"cart,omitempty"`
	Archive   *ArchiveDay        `json:"archive,omitempty"`
}

// VoidSale marks a completed sale voided without removing it.
type VoidSale struct {
	SaleID   string `json:"sale_id"`
	Reason   string `json:"reason"`
	VoidedAt int64  `json:"voided_at"`
	VoidedBy string `json:"voided_by"`
}

// ArchiveDay moves a closed day's sales out of the live document, leaving a
// summary for the reporting layer.
type ArchiveDay struct {
	Date        string          `json:"date"` // YYYY-MM-DD
	Before      int64           `json:"before"`
	SaleCount   int             `json:"sale_count"`
	VoidedCount int             `json:"voided_count"`
	GrossTotal  decimal.Decimal `json:"gross_total"`
	TaxTotal    decimal.Decimal `json:"tax_total"`
}

// LocalOnly reports whether the op must never leave this terminal. Cart edits
// and cache evictions are single-owner by convention; syncing them would force
// merge semantics onto highly mutable state for no benefit.
func (o Op) LocalOnly() bool {
	switch o.Type {
	case OpSetCart, OpClearCart, OpEvictCachedProduct:
		return true
	}
	return false
}

// Validate checks the payload matches the tag before the op reaches the store.
func (o Op) Validate() error {
	switch o.Type {
	case OpAppendSale:
		if o.Sale == nil {
			return fmt.Errorf("%s: missing sale payload", o.Type)
		}
		if o.Sale.ID == "" {
			return fmt.Errorf("%s: sale id is required", o.Type)
		}
	case OpVoidSale:
		if o.Void == nil || o.Void.SaleID == "" {
			return fmt.Errorf("%s: missing void payload", o.Type)
		}
	case OpAddCashMovement:
		if o.Movement == nil || o.Movement.ID == "" {
			return fmt.Errorf("%s: missing movement payload", o.Type)
		}
	case OpSetRegisterState:
		if o.Register == nil {
			return fmt.Errorf("%s: missing register payload", o.Type)
		}
	case OpUpsertCachedProduct:
		if o.Product == nil || o.Product.ID == "" {
			return fmt.Errorf("%s: missing product payload", o.Type)
		}
	case OpEvictCachedProduct:
		if o.ProductID == "" {
			return fmt.Errorf("%s: missing product id", o.Type)
		}
	case OpSetCart:
		if o.Cart == nil {
			return fmt.Errorf("%s: missing cart payload", o.Type)
		}
	case OpClearCart:
		// no payload
	case OpArchiveDay:
		if o.Archive == nil {
			return fmt.Errorf("%s: missing archive payload", o.Type)
		}
	default:
		return fmt.Errorf("unknown op type %q", o.Type)
	}
	return nil
}

// helper constructors keep call sites terse

func AppendSale(s model.Sale) Op { return Op{Type: OpAppendSale, Sale: &s} }
func Void(v VoidSale) Op         { return Op{Type: OpVoidSale, Void: &v} }

func AddMovement(m model.LocalCashMovement) Op {
	return Op{Type: OpAddCashMovement, Movement: &m}
}

func SetRegister(r model.CashRegister) Op { return Op{Type: OpSetRegisterState, Register: &r} }
func UpsertProduct(p model.Product) Op    { return Op{Type: OpUpsertCachedProduct, Product: &p} }
func EvictProduct(id string) Op           { return Op{Type: OpEvictCachedProduct, ProductID: id} }
func SetCart(c model.CurrentCart) Op      { return Op{Type: OpSetCart, Cart: &c} }
func ClearCart() Op                       { return Op{Type: OpClearCart} }
func Archive(a ArchiveDay) Op             { return Op{Type: OpArchiveDay, Archive: &a} }

func (o Op) String() string {
	b, _ := json.Marshal(o)
	return string(b)
}
