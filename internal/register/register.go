// Package register enforces the cash register open/close lifecycle and the
// movement ledger rules on top of the document store. It never mutates the
// document directly: every transition becomes ops submitted through the
// store's single serialized apply path.
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
	ErrAlreadyOpen   = errors.New("cash register is already open")
	ErrNotOpen       = errors.New("cash register is not open")
	ErrInvalidAmount = errors.New("movement amount must be positive")
)

// Signer is the opaque attestation capability used for close events.
type Signer interface {
	Sign(payload []byte) (string, error)
}

// Archiver folds a finished day out of the live document. Close invokes it
// after a successful transition; the implementation decides whether the day
// can actually be archived yet (unacknowledged records defer it).
type Archiver interface {
	ArchiveClosedDay(before int64) error
}

// Machine drives the CLOSED ⇄ OPEN register state machine.
type Machine struct {
	store    *document.Store
	clock    *document.Clock
	signer   Signer
	archiver Archiver
}

func NewMachine(store *document.Store, clock *document.Clock, signer Signer) *Machine {
	return &Machine{store: store, clock: clock, signer: signer}
}

// SetArchiver installs the day-archival hook. Optional; without it closes
// simply leave the day in place for the next compaction pass.
func (m *Machine) SetArchiver(a Archiver) { m.archiver = a }

// CloseReport is returned by Close for the operator-facing layer.
type CloseReport struct {
	ExpectedBalance decimal.Decimal
	CountedBalance  decimal.Decimal
	// Discrepancy = counted − expected. Recorded, never an error.
	Discrepancy decimal.Decimal
	ChangeSetID string
}

// Open transitions CLOSED → OPEN with the given float. Fails synchronously if
// the register is already open; nothing is partially applied.
func (m *Machine) Open(openingBalance decimal.Decimal, by string) (*document.ChangeSet, error) {
	doc := m.store.Snapshot()
	if doc.CashRegister.Status == model.RegisterOpen {
		return nil, ErrAlreadyOpen
	}
	if openingBalance.IsNegative() {
		return nil, fmt.Errorf("open: %w", ErrInvalidAmount)
	}
	now := m.clock.Now()
	reg := model.CashRegister{
		TerminalID:      doc.TerminalID,
		Status:          model.RegisterOpen,
		OpeningBalance:  openingBalance,
		CurrentBalance:  openingBalance,
		ExpectedBalance: openingBalance,
		OpenedAt:        now,
		OpenedBy:        by,
		Discrepancy:     decimal.Zero,
	}
	// Exactly one OPENING entry per cycle. It documents the float and is
	// excluded from balance sums.
	opening := model.LocalCashMovement{
		ID:        uuid.NewString(),
		Type:      model.MovementOpening,
		Amount:    openingBalance,
		Timestamp: now,
		UserID:    by,
	}
	cs, err := m.store.ApplyLocal(document.SetRegister(reg), document.AddMovement(opening))
	if err != nil {
		return nil, err
	}
	log.Info().Str("terminal_id", doc.TerminalID).Str("opened_by", by).
		Str("opening_balance", openingBalance.String()).Msg("register opened")
	return cs, nil
}

// Close transitions OPEN → CLOSED against a physical count. A discrepancy is
// a reportable fact, not a failure. The resulting change set is signed so the
// close is non-repudiably attributable.
func (m *Machine) Close(countedBalance decimal.Decimal, by string) (*CloseReport, error) {
	doc := m.store.Snapshot()
	if doc.CashRegister.Status != model.RegisterOpen {
		return nil, ErrNotOpen
	}
	now := m.clock.Now()
	expected := doc.CashRegister.ExpectedBalance
	discrepancy := countedBalance.Sub(expected)

	reg := doc.CashRegister
	reg.Status = model.RegisterClosed
	reg.ClosedAt = now
	reg.ClosedBy = by
	reg.Discrepancy = discrepancy

	op := document.SetRegister(reg)
	var (
		cs  *document.ChangeSet
		err error
	)
	if m.signer != nil {
		cs, err = m.store.ApplyLocalSigned(m.signer.Sign, op)
	} else {
		cs, err = m.store.ApplyLocal(op)
	}
	if err != nil {
		return nil, err
	}
	if !discrepancy.IsZero() {
		log.Warn().Str("terminal_id", doc.TerminalID).Str("closed_by", by).
			Str("expected", expected.String()).Str("counted", countedBalance.String()).
			Str("discrepancy", discrepancy.String()).Msg("register closed with discrepancy")
	} else {
		log.Info().Str("terminal_id", doc.TerminalID).Str("closed_by", by).Msg("register closed")
	}
	if m.archiver != nil {
		// Archival failure never unwinds the close; the compactor will pick
		// the day up on its next run.
		if err := m.archiver.ArchiveClosedDay(now); err != nil {
			log.Warn().Err(err).Str("terminal_id", doc.TerminalID).
				Msg("day archival deferred after close")
		}
	}
	return &CloseReport{
		ExpectedBalance: expected,
		CountedBalance:  countedBalance,
		Discrepancy:     discrepancy,
		ChangeSetID:     cs.ID,
	}, nil
}

// Deposit records a manual cash deposit. Valid only while OPEN.
func (m *Machine) Deposit(amount decimal.Decimal, reason, by string) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	return m.manualMovement(model.MovementDeposit, amount, reason, by)
}

// Withdraw records a manual withdrawal. The caller states how much left the
// drawer; it is stored negative so ledger sums stay a plain fold.
func (m *Machine) Withdraw(amount decimal.Decimal, reason, by string) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	return m.manualMovement(model.MovementWithdrawal, amount.Neg(), reason, by)
}

// Adjust records a signed correction entry.
func (m *Machine) Adjust(amount decimal.Decimal, reason, by string) error {
	doc := m.store.Snapshot()
	if doc.CashRegister.Status != model.RegisterOpen {
		return ErrNotOpen
	}
	mov := model.LocalCashMovement{
		ID:        uuid.NewString(),
		Type:      model.MovementAdjustment,
		Amount:    amount,
		Reason:    reason,
		Timestamp: m.clock.Now(),
		UserID:    by,
	}
	_, err := m.store.ApplyLocal(document.AddMovement(mov))
	return err
}

func (m *Machine) manualMovement(typ model.MovementType, amount decimal.Decimal, reason, by string) error {
	doc := m.store.Snapshot()
	if doc.CashRegister.Status != model.RegisterOpen {
		return ErrNotOpen
	}
	mov := model.LocalCashMovement{
		ID:        uuid.NewString(),
		Type:      typ,
		Amount:    amount,
		Reason:    reason,
		Timestamp: m.clock.Now(),
		UserID:    by,
	}
	_, err := m.store.ApplyLocal(document.AddMovement(mov))
	return err
}
