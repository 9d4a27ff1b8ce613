package register

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcalero11/pos-inteligente-sv/internal/document"
	"github.com/mcalero11/pos-inteligente-sv/internal/model"
)

func newTestMachine(signer Signer) (*Machine, *document.Store) {
	clock := document.NewClock()
	store := document.NewStore("term-1", nil, clock)
	return NewMachine(store, clock, signer), store
}

func cartWith(total float64) model.CurrentCart {
	amount := decimal.NewFromFloat(total)
	return model.CurrentCart{
		Items: []model.CartItem{{
			SaleItem: model.SaleItem{
				ProductID:   "prod-1",
				ProductName: "Coffee",
				Quantity:    decimal.NewFromInt(1),
				UnitPrice:   amount,
				Subtotal:    amount,
				Discount:    decimal.Zero,
				Tax:         decimal.Zero,
				Total:       amount,
			},
		}},
	}
}

// mustBalance asserts the derived-balance invariant: current balance equals
// the opening float plus every non-OPENING movement in the cycle.
func mustBalance(t *testing.T, store *document.Store) {
	t.Helper()
	doc := store.Snapshot()
	reg := doc.CashRegister
	if reg.Status != model.RegisterOpen {
		return
	}
	sum := reg.OpeningBalance
	for _, m := range doc.CashMovements {
		if m.Type == model.MovementOpening || m.Timestamp < reg.OpenedAt {
			continue
		}
		sum = sum.Add(m.Amount)
	}
	require.True(t, reg.CurrentBalance.Equal(sum),
		"current %s != opening + movements %s", reg.CurrentBalance, sum)
}

// ── Lifecycle ────────────────────────────────────────────────────────────────

func TestOpenRegister(t *testing.T) {
	m, store := newTestMachine(nil)

	_, err := m.Open(decimal.NewFromInt(50), "ana")
	require.NoError(t, err)

	doc := store.Snapshot()
	assert.Equal(t, model.RegisterOpen, doc.CashRegister.Status)
	assert.True(t, doc.CashRegister.ExpectedBalance.Equal(decimal.NewFromInt(50)))
	assert.Equal(t, "ana", doc.CashRegister.OpenedBy)

	// Exactly one OPENING entry documents the float.
	require.Len(t, doc.CashMovements, 1)
	assert.Equal(t, model.MovementOpening, doc.CashMovements[0].Type)
	mustBalance(t, store)

	_, err = m.Open(decimal.NewFromInt(10), "bo")
	require.ErrorIs(t, err, ErrAlreadyOpen)
}

func TestOpenAfterServerClose(t *testing.T) {
	// A server-sourced close from the previous cycle must not pin the
	// register shut: the next Open carries a later timestamp and takes over.
	clock := document.NewClock()
	store := document.NewStore("term-1", nil, clock)
	m := NewMachine(store, clock, nil)

	closeTS := clock.Now()
	serverClose := &document.ChangeSet{
		ID:         "cs-central-1",
		TerminalID: "central",
		Seq:        1,
		Timestamp:  closeTS,
		Ops: []document.Op{document.SetRegister(model.CashRegister{
			TerminalID: "central",
			Status:     model.RegisterClosed,
			ClosedAt:   closeTS,
			ClosedBy:   "server",
		})},
	}
	_, err := store.MergeRemote(serverClose, true)
	require.NoError(t, err)
	require.Equal(t, model.RegisterClosed, store.Snapshot().CashRegister.Status)

	_, err = m.Open(decimal.NewFromInt(100), "ana")
	require.NoError(t, err)

	doc := store.Snapshot()
	assert.Equal(t, model.RegisterOpen, doc.CashRegister.Status)
	assert.Equal(t, "ana", doc.CashRegister.OpenedBy)
	require.Len(t, doc.CashMovements, 1)
	assert.Equal(t, model.MovementOpening, doc.CashMovements[0].Type)
	mustBalance(t, store)
}

func TestOpenRejectsNegativeFloat(t *testing.T) {
	m, _ := newTestMachine(nil)
	_, err := m.Open(decimal.NewFromInt(-1), "ana")
	require.ErrorIs(t, err, ErrInvalidAmount)
}

func TestCloseComputesDiscrepancy(t *testing.T) {
	m, store := newTestMachine(nil)
	_, err := m.Open(decimal.NewFromInt(50), "ana")
	require.NoError(t, err)

	require.NoError(t, m.SetCart(cartWith(200)))
	_, err = m.CompleteCheckout("ana", "", model.PaymentCash, decimal.Zero)
	require.NoError(t, err)

	doc := store.Snapshot()
	require.True(t, doc.CashRegister.ExpectedBalance.Equal(decimal.NewFromInt(250)),
		"expected %s", doc.CashRegister.ExpectedBalance)

	// Physical count came up two dollars short: recorded, never rejected.
	report, err := m.Close(decimal.NewFromInt(248), "ana")
	require.NoError(t, err)
	assert.True(t, report.Discrepancy.Equal(decimal.NewFromInt(-2)), "got %s", report.Discrepancy)
	assert.True(t, report.ExpectedBalance.Equal(decimal.NewFromInt(250)))

	doc = store.Snapshot()
	assert.Equal(t, model.RegisterClosed, doc.CashRegister.Status)
	assert.True(t, doc.CashRegister.Discrepancy.Equal(decimal.NewFromInt(-2)))
	assert.Equal(t, "ana", doc.CashRegister.ClosedBy)

	_, err = m.Close(decimal.NewFromInt(0), "ana")
	require.ErrorIs(t, err, ErrNotOpen)
}

type fakeSigner struct{ called bool }

func (f *fakeSigner) Sign(_ []byte) (string, error) {
	f.called = true
	return "attested", nil
}

func TestCloseIsSigned(t *testing.T) {
	signer := &fakeSigner{}
	m, _ := newTestMachine(signer)
	_, err := m.Open(decimal.NewFromInt(10), "ana")
	require.NoError(t, err)

	_, err = m.Close(decimal.NewFromInt(10), "ana")
	require.NoError(t, err)
	assert.True(t, signer.called)
}

// ── Manual movements ─────────────────────────────────────────────────────────

func TestManualMovements(t *testing.T) {
	m, store := newTestMachine(nil)
	_, err := m.Open(decimal.NewFromInt(50), "ana")
	require.NoError(t, err)

	require.NoError(t, m.Deposit(decimal.NewFromInt(20), "change run", "ana"))
	mustBalance(t, store)
	require.NoError(t, m.Withdraw(decimal.NewFromInt(5), "petty cash", "ana"))
	mustBalance(t, store)

	doc := store.Snapshot()
	assert.True(t, doc.CashRegister.ExpectedBalance.Equal(decimal.NewFromInt(65)),
		"got %s", doc.CashRegister.ExpectedBalance)

	require.ErrorIs(t, m.Deposit(decimal.Zero, "", "ana"), ErrInvalidAmount)
	require.ErrorIs(t, m.Deposit(decimal.NewFromInt(-20), "", "ana"), ErrInvalidAmount)
	require.ErrorIs(t, m.Withdraw(decimal.NewFromInt(-5), "", "ana"), ErrInvalidAmount)

	// Rejected amounts leave the ledger untouched.
	doc = store.Snapshot()
	assert.True(t, doc.CashRegister.ExpectedBalance.Equal(decimal.NewFromInt(65)),
		"got %s", doc.CashRegister.ExpectedBalance)
	mustBalance(t, store)
}

func TestMovementsRequireOpenRegister(t *testing.T) {
	m, _ := newTestMachine(nil)
	require.ErrorIs(t, m.Deposit(decimal.NewFromInt(1), "", "ana"), ErrNotOpen)
	require.ErrorIs(t, m.Withdraw(decimal.NewFromInt(1), "", "ana"), ErrNotOpen)
	require.ErrorIs(t, m.Adjust(decimal.NewFromInt(1), "", "ana"), ErrNotOpen)
}

// ── Checkout ─────────────────────────────────────────────────────────────────

func TestCheckoutCashSale(t *testing.T) {
	m, store := newTestMachine(nil)
	_, err := m.Open(decimal.NewFromInt(50), "ana")
	require.NoError(t, err)

	require.NoError(t, m.SetCart(cartWith(12.75)))
	sale, err := m.CompleteCheckout("ana", "cust-1", model.PaymentCash, decimal.Zero)
	require.NoError(t, err)
	assert.Equal(t, model.SaleCompleted, sale.Status)
	assert.True(t, sale.Total.Equal(decimal.NewFromFloat(12.75)))

	doc := store.Snapshot()
	assert.Nil(t, doc.CurrentCart, "cart cleared atomically with the sale")
	require.Len(t, doc.TodaySales, 1)
	assert.True(t, doc.CashRegister.ExpectedBalance.Equal(decimal.NewFromFloat(62.75)),
		"got %s", doc.CashRegister.ExpectedBalance)
	mustBalance(t, store)
}

func TestCheckoutCardLeavesDrawerAlone(t *testing.T) {
	m, store := newTestMachine(nil)
	_, err := m.Open(decimal.NewFromInt(50), "ana")
	require.NoError(t, err)

	require.NoError(t, m.SetCart(cartWith(30)))
	_, err = m.CompleteCheckout("ana", "", model.PaymentCard, decimal.Zero)
	require.NoError(t, err)

	doc := store.Snapshot()
	assert.True(t, doc.CashRegister.ExpectedBalance.Equal(decimal.NewFromInt(50)),
		"card sales never touch the drawer, got %s", doc.CashRegister.ExpectedBalance)
}

func TestCheckoutMixedRecordsCashShare(t *testing.T) {
	m, store := newTestMachine(nil)
	_, err := m.Open(decimal.NewFromInt(50), "ana")
	require.NoError(t, err)

	require.NoError(t, m.SetCart(cartWith(100)))
	_, err = m.CompleteCheckout("ana", "", model.PaymentMixed, decimal.NewFromInt(30))
	require.NoError(t, err)

	doc := store.Snapshot()
	assert.True(t, doc.CashRegister.ExpectedBalance.Equal(decimal.NewFromInt(80)),
		"got %s", doc.CashRegister.ExpectedBalance)
	mustBalance(t, store)
}

func TestCheckoutValidations(t *testing.T) {
	m, _ := newTestMachine(nil)

	require.NoError(t, m.SetCart(cartWith(10)))
	_, err := m.CompleteCheckout("ana", "", model.PaymentCash, decimal.Zero)
	require.ErrorIs(t, err, ErrNotOpen)

	_, err = m.Open(decimal.NewFromInt(10), "ana")
	require.NoError(t, err)
	require.NoError(t, m.AbandonCart())
	_, err = m.CompleteCheckout("ana", "", model.PaymentCash, decimal.Zero)
	require.ErrorIs(t, err, ErrEmptyCart)
}

func TestCheckoutFoldsModifiers(t *testing.T) {
	m, store := newTestMachine(nil)
	_, err := m.Open(decimal.NewFromInt(0), "ana")
	require.NoError(t, err)

	cart := cartWith(10)
	cart.Items[0].Modifiers = []model.ItemModifier{
		{Name: "extra shot", PriceAdjustment: decimal.NewFromFloat(0.50)},
	}
	require.NoError(t, m.SetCart(cart))

	// The modifier changes the line total without touching the subtotal, so
	// the arithmetic check must reject the cart as-is.
	_, err = m.CompleteCheckout("ana", "", model.PaymentCash, decimal.Zero)
	require.Error(t, err)

	cart.Items[0].Subtotal = decimal.NewFromFloat(10.50)
	require.NoError(t, m.SetCart(cart))
	sale, err := m.CompleteCheckout("ana", "", model.PaymentCash, decimal.Zero)
	require.NoError(t, err)
	assert.True(t, sale.Total.Equal(decimal.NewFromFloat(10.50)), "got %s", sale.Total)
	mustBalance(t, store)
}

// ── Void ─────────────────────────────────────────────────────────────────────

func TestVoidSaleReversesCash(t *testing.T) {
	m, store := newTestMachine(nil)
	_, err := m.Open(decimal.NewFromInt(50), "ana")
	require.NoError(t, err)

	require.NoError(t, m.SetCart(cartWith(20)))
	sale, err := m.CompleteCheckout("ana", "", model.PaymentCash, decimal.Zero)
	require.NoError(t, err)

	require.NoError(t, m.VoidSale(sale.ID, "customer returned", "ana"))

	doc := store.Snapshot()
	voided := doc.FindSale(sale.ID)
	require.NotNil(t, voided)
	assert.Equal(t, model.SaleVoided, voided.Status)
	assert.Equal(t, "customer returned", voided.VoidReason)
	assert.Len(t, voided.Items, 1, "voided sales keep their items for audit")

	// The compensating adjustment brings the drawer back to the float.
	assert.True(t, doc.CashRegister.ExpectedBalance.Equal(decimal.NewFromInt(50)),
		"got %s", doc.CashRegister.ExpectedBalance)
	mustBalance(t, store)

	require.ErrorIs(t, m.VoidSale(sale.ID, "again", "ana"), ErrAlreadyVoided)
	require.ErrorIs(t, m.VoidSale("ghost", "nope", "ana"), ErrSaleNotFound)
}
