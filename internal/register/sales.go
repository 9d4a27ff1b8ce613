package register

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/mcalero11/pos-inteligente-sv/internal/document"
	"github.com/mcalero11/pos-inteligente-sv/internal/model"
)

var (
	ErrEmptyCart     = errors.New("cart is empty")
	ErrSaleNotFound  = errors.New("sale not found")
	ErrAlreadyVoided = errors.New("sale is already voided")
)

// SetCart replaces the in-progress cart. Cart edits are terminal-local ops:
// they hit the change log for crash recovery but never cross the sync
// boundary.
func (m *Machine) SetCart(cart model.CurrentCart) error {
	if cart.ID == "" {
		cart.ID = uuid.NewString()
		cart.CreatedAt = m.clock.Now()
	}
	cart.LastModified = m.clock.Now()
	_, err := m.store.ApplyLocal(document.SetCart(cart))
	return err
}

// AbandonCart discards the in-progress sale without recording anything.
func (m *Machine) AbandonCart() error {
	_, err := m.store.ApplyLocal(document.ClearCart())
	return err
}

// CompleteCheckout converts the current cart into an immutable COMPLETED sale
// in one atomic change set: AppendSale + SALE cash movement + ClearCart.
// cashShare is the drawer-affecting amount: the full total for CASH, the
// declared cash portion for MIXED, zero for CARD/TRANSFER.
func (m *Machine) CompleteCheckout(cashierID, customerID string, payment model.PaymentMethod, cashShare decimal.Decimal) (*model.Sale, error) {
	doc := m.store.Snapshot()
	if doc.CashRegister.Status != model.RegisterOpen {
		return nil, ErrNotOpen
	}
	if doc.CurrentCart == nil || len(doc.CurrentCart.Items) == 0 {
		return nil, ErrEmptyCart
	}

	now := m.clock.Now()
	sale := model.Sale{
		ID:            uuid.NewString(),
		TerminalID:    doc.TerminalID,
		CashierID:     cashierID,
		CustomerID:    customerID,
		PaymentMethod: payment,
		Status:        model.SaleCompleted,
		CreatedAt:     now,
		CompletedAt:   now,
		Subtotal:      decimal.Zero,
		TaxTotal:      decimal.Zero,
		DiscountTotal: decimal.Zero,
		Total:         decimal.Zero,
	}

	// Freeze each cart item into a SaleItem snapshot, folding modifiers into
	// the line total. Historical sales must never chase later price changes.
	for _, item := range doc.CurrentCart.Items {
		frozen := item.SaleItem
		frozen.Total = item.LineTotal()
		sale.Items = append(sale.Items, frozen)
		sale.Subtotal = sale.Subtotal.Add(frozen.Subtotal)
		sale.TaxTotal = sale.TaxTotal.Add(frozen.Tax)
		sale.DiscountTotal = sale.DiscountTotal.Add(frozen.Discount)
		sale.Total = sale.Total.Add(frozen.Total)
	}
	if !sale.Total.Equal(sale.Subtotal.Add(sale.TaxTotal).Sub(sale.DiscountTotal)) {
		return nil, fmt.Errorf("checkout: total %s != subtotal %s + tax %s - discount %s",
			sale.Total, sale.Subtotal, sale.TaxTotal, sale.DiscountTotal)
	}

	ops := []document.Op{document.AppendSale(sale)}
	switch payment {
	case model.PaymentCash:
		cashShare = sale.Total
		fallthrough
	case model.PaymentMixed:
		if cashShare.IsPositive() {
			ops = append(ops, document.AddMovement(model.LocalCashMovement{
				ID:        uuid.NewString(),
				Type:      model.MovementSale,
				Amount:    cashShare,
				SaleID:    sale.ID,
				Timestamp: now,
				UserID:    cashierID,
			}))
		}
	}
	ops = append(ops, document.ClearCart())

	if _, err := m.store.ApplyLocal(ops...); err != nil {
		return nil, err
	}
	log.Info().Str("sale_id", sale.ID).Str("total", sale.Total.String()).
		Str("payment", string(payment)).Int("items", len(sale.Items)).Msg("checkout completed")
	return &sale, nil
}

// VoidSale marks a completed sale VOIDED, keeping its items for audit, and
// appends a compensating ADJUSTMENT for any cash that moved, so the voided
// sale stops counting toward the expected balance.
func (m *Machine) VoidSale(saleID, reason, by string) error {
	doc := m.store.Snapshot()
	sale := doc.FindSale(saleID)
	if sale == nil {
		return ErrSaleNotFound
	}
	if sale.Status == model.SaleVoided {
		return ErrAlreadyVoided
	}
	if doc.CashRegister.Status != model.RegisterOpen {
		return ErrNotOpen
	}

	now := m.clock.Now()
	ops := []document.Op{document.Void(document.VoidSale{
		SaleID:   saleID,
		Reason:   reason,
		VoidedAt: now,
		VoidedBy: by,
	})}

	// Reverse the cash that entered the drawer for this sale.
	var cash decimal.Decimal
	for _, mov := range doc.CashMovements {
		if mov.Type == model.MovementSale && mov.SaleID == saleID {
			cash = cash.Add(mov.Amount)
		}
	}
	if !cash.IsZero() {
		ops = append(ops, document.AddMovement(model.LocalCashMovement{
			ID:        uuid.NewString(),
			Type:      model.MovementAdjustment,
			Amount:    cash.Neg(),
			SaleID:    saleID,
			Reason:    fmt.Sprintf("void sale — %s", reason),
			Timestamp: now,
			UserID:    by,
		}))
	}

	_, err := m.store.ApplyLocal(ops...)
	if err == nil {
		log.Info().Str("sale_id", saleID).Str("reason", reason).Msg("sale voided")
	}
	return err
}
