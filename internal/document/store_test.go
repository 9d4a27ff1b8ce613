package document

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcalero11/pos-inteligente-sv/internal/model"
)

// ── In-memory Recorder ───────────────────────────────────────────────────────

type memRecorder struct {
	entries  []LogEntry
	failNext bool
}

func (r *memRecorder) Record(entries []LogEntry) error {
	if r.failNext {
		r.failNext = false
		return errors.New("disk full")
	}
	r.entries = append(r.entries, entries...)
	return nil
}

func newTestStore(id string) (*Store, *memRecorder) {
	rec := &memRecorder{}
	return NewStore(id, rec, NewClock()), rec
}

func saleFixture(id, terminal string, ts int64, total float64) model.Sale {
	amount := decimal.NewFromFloat(total)
	return model.Sale{
		ID:         id,
		TerminalID: terminal,
		CashierID:  "cashier-1",
		Items: []model.SaleItem{{
			ProductID:   "prod-1",
			ProductName: "Coffee",
			Quantity:    decimal.NewFromInt(1),
			UnitPrice:   amount,
			Subtotal:    amount,
			Total:       amount,
		}},
		Subtotal:      amount,
		Total:         amount,
		PaymentMethod: model.PaymentCash,
		Status:        model.SaleCompleted,
		CreatedAt:     ts,
		CompletedAt:   ts,
	}
}

func remoteSet(terminal string, seq uint64, ts int64, ops ...Op) *ChangeSet {
	return &ChangeSet{
		ID:         uuid.NewString(),
		TerminalID: terminal,
		Seq:        seq,
		Timestamp:  ts,
		Ops:        ops,
	}
}

// ── ApplyLocal ───────────────────────────────────────────────────────────────

func TestApplyLocalSplitsLocalOnlyOps(t *testing.T) {
	s, rec := newTestStore("term-a")

	product := model.Product{ID: "prod-1", Name: "Coffee", Price: decimal.NewFromFloat(1.50), UpdatedAt: 10}
	cart := model.CurrentCart{ID: "cart-1"}
	cs, err := s.ApplyLocal(UpsertProduct(product), SetCart(cart))
	require.NoError(t, err)

	// Two change sets recorded: the syncable product upsert and a
	// terminal-local cart edit that must never reach a peer.
	require.Len(t, rec.entries, 2)
	assert.False(t, rec.entries[0].LocalOnly)
	assert.True(t, rec.entries[1].LocalOnly)
	assert.Equal(t, OpUpsertCachedProduct, cs.Ops[0].Type)

	doc := s.Snapshot()
	assert.Contains(t, doc.ProductCache.Products, "prod-1")
	require.NotNil(t, doc.CurrentCart)
	assert.Equal(t, "cart-1", doc.CurrentCart.ID)
}

func TestApplyLocalWriteAheadFailureAborts(t *testing.T) {
	s, rec := newTestStore("term-a")
	rec.failNext = true

	_, err := s.ApplyLocal(AppendSale(saleFixture("sale-1", "term-a", 100, 10)))
	require.Error(t, err)

	assert.Empty(t, s.Snapshot().TodaySales)
	assert.Equal(t, uint64(0), s.Seq())

	// The store must recover once the log accepts writes again.
	_, err = s.ApplyLocal(AppendSale(saleFixture("sale-1", "term-a", 100, 10)))
	require.NoError(t, err)
	assert.Len(t, s.Snapshot().TodaySales, 1)
}

func TestApplyLocalRejectsMovementWithoutSale(t *testing.T) {
	s, _ := newTestStore("term-a")

	mov := model.LocalCashMovement{
		ID: "mov-1", Type: model.MovementSale, SaleID: "ghost",
		Amount: decimal.NewFromInt(5), Timestamp: 100, UserID: "u",
	}
	_, err := s.ApplyLocal(AddMovement(mov))
	require.ErrorIs(t, err, ErrMissingSale)

	// Same batch as the sale it references is fine.
	sale := saleFixture("sale-1", "term-a", 100, 5)
	mov.SaleID = "sale-1"
	_, err = s.ApplyLocal(AppendSale(sale), AddMovement(mov))
	require.NoError(t, err)
}

// ── MergeRemote ──────────────────────────────────────────────────────────────

func TestMergeRemoteIsIdempotent(t *testing.T) {
	s, _ := newTestStore("term-a")
	cs := remoteSet("term-b", 1, 500, AppendSale(saleFixture("sale-1", "term-b", 500, 100.00)))

	res, err := s.MergeRemote(cs, false)
	require.NoError(t, err)
	assert.True(t, res.Applied)

	_, err = s.MergeRemote(cs, false)
	require.ErrorIs(t, err, ErrAlreadyApplied)

	assert.Len(t, s.Snapshot().TodaySales, 1)
}

func TestReplayedSalesCountOnce(t *testing.T) {
	// A terminal reconnects after offline sales and the peer replays the
	// whole backlog twice; totals must not double.
	s, _ := newTestStore("term-a")
	cs1 := remoteSet("term-b", 1, 500, AppendSale(saleFixture("sale-1", "term-b", 500, 100.00)))
	cs2 := remoteSet("term-b", 2, 600, AppendSale(saleFixture("sale-2", "term-b", 600, 25.50)))

	for _, cs := range []*ChangeSet{cs1, cs2, cs1, cs2} {
		_, err := s.MergeRemote(cs, false)
		if err != nil {
			require.ErrorIs(t, err, ErrAlreadyApplied)
		}
	}

	doc := s.Snapshot()
	require.Len(t, doc.TodaySales, 2)
	total := decimal.Zero
	for _, sale := range doc.TodaySales {
		total = total.Add(sale.Total)
	}
	assert.True(t, total.Equal(decimal.NewFromFloat(125.50)), "got %s", total)
}

func TestDisjointMergesCommute(t *testing.T) {
	csA := remoteSet("term-a", 1, 500,
		AppendSale(saleFixture("sale-a", "term-a", 500, 10)),
		AddMovement(model.LocalCashMovement{
			ID: "mov-a", Type: model.MovementDeposit,
			Amount: decimal.NewFromInt(10), Timestamp: 510, UserID: "u",
		}))
	csB := remoteSet("term-b", 1, 600,
		AppendSale(saleFixture("sale-b", "term-b", 600, 20)),
		UpsertProduct(model.Product{ID: "prod-9", Name: "Tea", UpdatedAt: 600}))

	s1, _ := newTestStore("term-x")
	s2, _ := newTestStore("term-x")
	for _, cs := range []*ChangeSet{csA, csB} {
		_, err := s1.MergeRemote(cs, false)
		require.NoError(t, err)
	}
	for _, cs := range []*ChangeSet{csB, csA} {
		_, err := s2.MergeRemote(cs, false)
		require.NoError(t, err)
	}

	d1, d2 := s1.Snapshot(), s2.Snapshot()
	assert.Equal(t, d1.TodaySales, d2.TodaySales)
	assert.Equal(t, d1.CashMovements, d2.CashMovements)
	assert.Equal(t, d1.ProductCache.Products, d2.ProductCache.Products)
}

func TestRegisterConflictIsDeterministic(t *testing.T) {
	regA := model.CashRegister{TerminalID: "term-a", Status: model.RegisterOpen, OpenedBy: "ana"}
	regB := model.CashRegister{TerminalID: "term-b", Status: model.RegisterOpen, OpenedBy: "bo"}
	csA := remoteSet("term-a", 1, 700, SetRegister(regA))
	csB := remoteSet("term-b", 1, 700, SetRegister(regB))

	// Same timestamp: the terminal id tie-break must pick the same winner
	// regardless of merge order.
	s1, _ := newTestStore("term-x")
	_, err := s1.MergeRemote(csA, false)
	require.NoError(t, err)
	res1, err := s1.MergeRemote(csB, false)
	require.NoError(t, err)

	s2, _ := newTestStore("term-x")
	_, err = s2.MergeRemote(csB, false)
	require.NoError(t, err)
	res2, err := s2.MergeRemote(csA, false)
	require.NoError(t, err)

	assert.Equal(t, "term-b", s1.Snapshot().CashRegister.TerminalID)
	assert.Equal(t, "term-b", s2.Snapshot().CashRegister.TerminalID)

	require.Len(t, res1.Conflicts, 1)
	require.Len(t, res2.Conflicts, 1)
	assert.Equal(t, "cash_register", res1.Conflicts[0].Field)
	assert.Equal(t, "term-b", res1.Conflicts[0].WinnerTerminal)
	assert.Equal(t, "term-b", res2.Conflicts[0].WinnerTerminal)
}

func TestServerBreaksConcurrentRegisterTies(t *testing.T) {
	// Concurrent transitions (same timestamp): the server's view is trusted
	// over terminal clocks, whichever order the sets arrive in.
	terminal := remoteSet("term-z", 1, 900, SetRegister(model.CashRegister{
		TerminalID: "term-z", Status: model.RegisterOpen,
	}))
	server := remoteSet("central", 1, 900, SetRegister(model.CashRegister{
		TerminalID: "central", Status: model.RegisterClosed,
	}))

	s1, _ := newTestStore("term-x")
	for _, cs := range []*ChangeSet{terminal, server} {
		_, err := s1.MergeRemote(cs, cs.TerminalID == "central")
		require.NoError(t, err)
	}
	s2, _ := newTestStore("term-x")
	for _, cs := range []*ChangeSet{server, terminal} {
		_, err := s2.MergeRemote(cs, cs.TerminalID == "central")
		require.NoError(t, err)
	}
	assert.Equal(t, model.RegisterClosed, s1.Snapshot().CashRegister.Status)
	assert.Equal(t, model.RegisterClosed, s2.Snapshot().CashRegister.Status)
}

func TestLaterTransitionSupersedesServerState(t *testing.T) {
	// Server trust is scoped to ties: a causally-later transition always
	// takes over, so a server-sourced close cannot wedge the next cycle.
	s, _ := newTestStore("term-x")

	server := remoteSet("central", 1, 800, SetRegister(model.CashRegister{
		TerminalID: "central", Status: model.RegisterClosed,
	}))
	_, err := s.MergeRemote(server, true)
	require.NoError(t, err)
	assert.Equal(t, model.RegisterClosed, s.Snapshot().CashRegister.Status)

	late := remoteSet("term-a", 2, 1000, SetRegister(model.CashRegister{
		TerminalID: "term-a", Status: model.RegisterOpen,
	}))
	_, err = s.MergeRemote(late, false)
	require.NoError(t, err)
	assert.Equal(t, model.RegisterOpen, s.Snapshot().CashRegister.Status)
}

func TestLocalRegisterOpAfterServerMerge(t *testing.T) {
	// Merging a server-sourced close must not make later local transitions
	// lose last-writer-wins: the monotonic clock stamps local ops past
	// everything observed, so they apply fully, not partially.
	s, _ := newTestStore("term-a")

	server := remoteSet("central", 1, 1000, SetRegister(model.CashRegister{
		TerminalID: "central", Status: model.RegisterClosed,
	}))
	_, err := s.MergeRemote(server, true)
	require.NoError(t, err)

	now := s.clock.Now()
	_, err = s.ApplyLocal(SetRegister(model.CashRegister{
		TerminalID:      "term-a",
		Status:          model.RegisterOpen,
		OpeningBalance:  decimal.NewFromInt(100),
		CurrentBalance:  decimal.NewFromInt(100),
		ExpectedBalance: decimal.NewFromInt(100),
		OpenedAt:        now,
		OpenedBy:        "ana",
	}))
	require.NoError(t, err)

	doc := s.Snapshot()
	assert.Equal(t, model.RegisterOpen, doc.CashRegister.Status)
	assert.Equal(t, "term-a", doc.CashRegister.TerminalID)
}

func TestUnreconciledMovementQuarantine(t *testing.T) {
	s, _ := newTestStore("term-a")
	clockNow := s.clock.Now()

	_, err := s.ApplyLocal(SetRegister(model.CashRegister{
		TerminalID:      "term-a",
		Status:          model.RegisterOpen,
		OpeningBalance:  decimal.NewFromInt(50),
		CurrentBalance:  decimal.NewFromInt(50),
		ExpectedBalance: decimal.NewFromInt(50),
		OpenedAt:        clockNow,
		OpenedBy:        "ana",
	}))
	require.NoError(t, err)

	// A partial merge delivers the cash movement before its sale.
	movTS := s.clock.Now()
	mov := remoteSet("term-b", 1, movTS, AddMovement(model.LocalCashMovement{
		ID: "mov-1", Type: model.MovementSale, SaleID: "sale-1",
		Amount: decimal.NewFromInt(10), Timestamp: movTS, UserID: "bo",
	}))
	_, err = s.MergeRemote(mov, false)
	require.NoError(t, err)

	doc := s.Snapshot()
	require.Len(t, doc.CashMovements, 1)
	assert.True(t, doc.CashMovements[0].Unreconciled)
	assert.True(t, doc.CashRegister.CurrentBalance.Equal(decimal.NewFromInt(60)),
		"current includes quarantined cash, got %s", doc.CashRegister.CurrentBalance)
	assert.True(t, doc.CashRegister.ExpectedBalance.Equal(decimal.NewFromInt(50)),
		"expected excludes quarantined cash, got %s", doc.CashRegister.ExpectedBalance)

	// The sale arrives in a later sync and resolves the quarantine.
	sale := remoteSet("term-b", 2, s.clock.Now(), AppendSale(saleFixture("sale-1", "term-b", movTS, 10)))
	_, err = s.MergeRemote(sale, false)
	require.NoError(t, err)

	doc = s.Snapshot()
	assert.False(t, doc.CashMovements[0].Unreconciled)
	assert.True(t, doc.CashRegister.ExpectedBalance.Equal(decimal.NewFromInt(60)),
		"got %s", doc.CashRegister.ExpectedBalance)
}

func TestRemoteCartAndEvictionOpsAreIgnored(t *testing.T) {
	s, _ := newTestStore("term-a")
	_, err := s.ApplyLocal(UpsertProduct(model.Product{ID: "prod-1", Name: "Coffee", UpdatedAt: 5}))
	require.NoError(t, err)

	cs := remoteSet("term-b", 1, 100,
		SetCart(model.CurrentCart{ID: "foreign-cart"}),
		EvictProduct("prod-1"))
	_, err = s.MergeRemote(cs, false)
	require.NoError(t, err)

	doc := s.Snapshot()
	assert.Nil(t, doc.CurrentCart)
	assert.Contains(t, doc.ProductCache.Products, "prod-1")
}

func TestProductUpsertLWWByWatermark(t *testing.T) {
	s, _ := newTestStore("term-a")

	fresh := remoteSet("term-b", 1, 100, UpsertProduct(model.Product{ID: "prod-1", Name: "New", UpdatedAt: 200}))
	stale := remoteSet("term-c", 1, 150, UpsertProduct(model.Product{ID: "prod-1", Name: "Old", UpdatedAt: 100}))

	_, err := s.MergeRemote(fresh, false)
	require.NoError(t, err)
	_, err = s.MergeRemote(stale, false)
	require.NoError(t, err)

	assert.Equal(t, "New", s.Snapshot().ProductCache.Products["prod-1"].Name)
}

// ── Signatures, poisoning, snapshots ─────────────────────────────────────────

func TestMergeRemoteVerifiesSignature(t *testing.T) {
	s, _ := newTestStore("term-a")
	s.SetVerifier(func(_ []byte, sig string) bool { return sig == "good" })

	bad := remoteSet("term-b", 1, 100, AppendSale(saleFixture("sale-1", "term-b", 100, 10)))
	bad.Signature = "forged"
	_, err := s.MergeRemote(bad, false)
	require.Error(t, err)
	assert.Empty(t, s.Snapshot().TodaySales)

	good := remoteSet("term-b", 2, 110, AppendSale(saleFixture("sale-2", "term-b", 110, 10)))
	good.Signature = "good"
	_, err = s.MergeRemote(good, false)
	require.NoError(t, err)
	assert.Len(t, s.Snapshot().TodaySales, 1)
}

func TestPoisonedStoreRefusesMutations(t *testing.T) {
	s, _ := newTestStore("term-a")
	s.Poison(errors.New("checksum mismatch"))

	_, err := s.ApplyLocal(AppendSale(saleFixture("sale-1", "term-a", 100, 10)))
	require.ErrorIs(t, err, ErrStorePoisoned)

	_, err = s.MergeRemote(remoteSet("term-b", 1, 100, ClearCart()), false)
	require.ErrorIs(t, err, ErrStorePoisoned)

	// Reads stay available.
	assert.Equal(t, "term-a", s.Snapshot().TerminalID)
}

func TestImageRoundTrip(t *testing.T) {
	s, _ := newTestStore("term-a")
	_, err := s.ApplyLocal(AppendSale(saleFixture("sale-1", "term-a", 100, 42)))
	require.NoError(t, err)
	_, err = s.ApplyLocal(UpsertProduct(model.Product{ID: "prod-1", Name: "Coffee", UpdatedAt: 7}))
	require.NoError(t, err)

	img, err := s.SaveImage()
	require.NoError(t, err)

	restored := NewStore("term-a", nil, NewClock())
	require.NoError(t, restored.RestoreImage(img))

	want, got := s.Snapshot(), restored.Snapshot()
	// Compare through JSON: decimals that crossed the image round trip have
	// an allocated zero coefficient where freshly built ones hold nil, which
	// is equal by value but not by reflection.
	wantJSON, err := json.Marshal(want)
	require.NoError(t, err)
	gotJSON, err := json.Marshal(got)
	require.NoError(t, err)
	assert.JSONEq(t, string(wantJSON), string(gotJSON))
	assert.Equal(t, s.Seq(), restored.Seq())
}

func TestNotificationsOnCommit(t *testing.T) {
	s, _ := newTestStore("term-a")
	ch := s.Subscribe()

	cs, err := s.ApplyLocal(AppendSale(saleFixture("sale-1", "term-a", 100, 10)))
	require.NoError(t, err)

	n := <-ch
	assert.Equal(t, cs.ID, n.ChangeSetID)
	assert.False(t, n.Remote)

	remote := remoteSet("term-b", 1, 200, AppendSale(saleFixture("sale-2", "term-b", 200, 10)))
	_, err = s.MergeRemote(remote, false)
	require.NoError(t, err)

	n = <-ch
	assert.Equal(t, remote.ID, n.ChangeSetID)
	assert.True(t, n.Remote)
}
