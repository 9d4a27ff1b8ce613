package document

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mcalero11/pos-inteligente-sv/internal/model"
)

var (
	// ErrStorePoisoned is returned once local corruption has been detected.
	// The terminal refuses new mutations until an operator-driven resync.
	ErrStorePoisoned = errors.New("document store poisoned: corrupt change log, resync required")

	// ErrAlreadyApplied is returned by MergeRemote for duplicate deliveries.
	// Callers treat it as success (the ack still goes out).
	ErrAlreadyApplied = errors.New("change set already applied")

	// ErrMissingSale rejects a local SALE movement whose sale is absent.
	ErrMissingSale = errors.New("cash movement references unknown sale")
)

// ConflictDescriptor surfaces a single-valued field collision that LWW
// resolved but an operator may need to reconcile (e.g. two terminals both
// opened the same logical register).
type ConflictDescriptor struct {
	Field           string `json:"field"`
	WinnerTerminal  string `json:"winner_terminal"`
	WinnerTimestamp int64  `json:"winner_timestamp"`
	LoserTerminal   string `json:"loser_terminal"`
	LoserTimestamp  int64  `json:"loser_timestamp"`
	Detail          string `json:"detail"`
}

// MergeResult reports the outcome of merging one remote change set.
type MergeResult struct {
	Applied   bool
	Conflicts []ConflictDescriptor
}

// Notification is published to subscribers after each committed mutation.
type Notification struct {
	ChangeSetID string
	Remote      bool
}

// Recorder is the durable event sink (the change log). Record persists all
// entries of one mutation atomically; failure aborts the mutation.
type Recorder interface {
	Record(entries []LogEntry) error
}

// LogEntry is one change set handed to the Recorder.
type LogEntry struct {
	Set        *ChangeSet
	Raw        []byte
	Checksum   string
	LocalOnly  bool
	Remote     bool
	FromServer bool
}

// registerStamp tracks the LWW key of the last register transition so merges
// stay deterministic across restarts (rebuilt by replay).
type registerStamp struct {
	ts         int64
	terminalID string
	fromServer bool
}

// wins implements last-writer-wins over register transitions: timestamp
// first, then server trust, then terminal id. Server trust only breaks ties
// between concurrent transitions. A causally-later transition always
// supersedes (its timestamp is past the server's, guaranteed by
// clock.Observe on merge), so a server-sourced close never wedges the next
// open.
func (a registerStamp) wins(b registerStamp) bool {
	if a.ts != b.ts {
		return a.ts > b.ts
	}
	if a.fromServer != b.fromServer {
		return a.fromServer
	}
	return a.terminalID > b.terminalID
}

// Store owns the live TerminalDocument. All mutations — local ops and remote
// merges — serialize through one mutex, so merge logic needs no further
// locking; reads get consistent deep-copy snapshots.
type Store struct {
	mu       sync.Mutex
	doc      *model.TerminalDocument
	clock    *Clock
	rec      Recorder
	applied  map[string]struct{}
	regStamp registerStamp
	seq      uint64
	poisoned bool
	verify   func(payload []byte, sig string) bool

	subMu sync.Mutex
	subs  []chan Notification
}

// NewStore creates an empty store for the terminal. Call Rehydrate with the
// change log's records before accepting mutations.
func NewStore(terminalID string, rec Recorder, clock *Clock) *Store {
	if clock == nil {
		clock = NewClock()
	}
	return &Store{
		doc:     model.NewTerminalDocument(terminalID, clock.Now()),
		clock:   clock,
		rec:     rec,
		applied: map[string]struct{}{},
	}
}

// TerminalID returns the owning terminal's id.
func (s *Store) TerminalID() string { return s.doc.TerminalID }

// SetVerifier installs the opaque signature check applied to signed remote
// change sets. Key management stays outside the core.
func (s *Store) SetVerifier(verify func(payload []byte, sig string) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verify = verify
}

// Snapshot returns a read-only deep copy of the committed document.
func (s *Store) Snapshot() model.TerminalDocument {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Clone()
}

// Seq returns the last locally-produced sequence number.
func (s *Store) Seq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Subscribe returns a channel receiving a Notification after every committed
// mutation. Slow consumers drop notifications rather than block the store.
func (s *Store) Subscribe() <-chan Notification {
	ch := make(chan Notification, 16)
	s.subMu.Lock()
	s.subs = append(s.subs, ch)
	s.subMu.Unlock()
	return ch
}

func (s *Store) notify(n Notification) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- n:
		default: // drop for slow consumers
		}
	}
}

// Poison marks the store corrupt. Every later mutation fails with
// ErrStorePoisoned.
func (s *Store) Poison(cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.poisoned = true
	log.Error().Err(cause).Str("terminal_id", s.doc.TerminalID).
		Msg("document store poisoned, refusing further mutations")
}

// ApplyLocal validates ops, wraps them in change sets, persists them through
// the Recorder (write-ahead: the log write precedes the document mutation),
// applies them and notifies subscribers. Mixed-visibility batches are split so
// terminal-local ops (cart, evictions) never travel in a synced set. The
// returned set is the synced one when present, the local one otherwise.
func (s *Store) ApplyLocal(ops ...Op) (*ChangeSet, error) {
	return s.applyLocal(nil, ops)
}

// ApplyLocalSigned is ApplyLocal with a non-repudiable signature over the
// synced change set (used for register close events). The signature covers
// the set's canonical encoding with the signature field empty.
func (s *Store) ApplyLocalSigned(sign func(payload []byte) (string, error), ops ...Op) (*ChangeSet, error) {
	return s.applyLocal(sign, ops)
}

func (s *Store) applyLocal(sign func([]byte) (string, error), ops []Op) (*ChangeSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.poisoned {
		return nil, ErrStorePoisoned
	}
	if len(ops) == 0 {
		return nil, errors.New("apply: no ops")
	}
	for i, op := range ops {
		if err := op.Validate(); err != nil {
			return nil, fmt.Errorf("apply: op %d: %w", i, err)
		}
	}
	if err := s.validateLocal(ops); err != nil {
		return nil, err
	}

	var synced, local []Op
	for _, op := range ops {
		if op.LocalOnly() {
			local = append(local, op)
		} else {
			synced = append(synced, op)
		}
	}

	ts := s.clock.Now()
	var entries []LogEntry
	var sets []*ChangeSet
	build := func(batch []Op, localOnly bool) error {
		if len(batch) == 0 {
			return nil
		}
		s.seq++
		cs := &ChangeSet{
			ID:         uuid.NewString(),
			TerminalID: s.doc.TerminalID,
			Seq:        s.seq,
			Timestamp:  ts,
			Ops:        batch,
		}
		if sign != nil && !localOnly {
			payload, err := cs.Encode()
			if err != nil {
				return err
			}
			sig, err := sign(payload)
			if err != nil {
				return fmt.Errorf("sign change set: %w", err)
			}
			cs.Signature = sig
		}
		raw, err := cs.Encode()
		if err != nil {
			return err
		}
		entries = append(entries, LogEntry{
			Set: cs, Raw: raw, Checksum: ChecksumOf(raw), LocalOnly: localOnly,
		})
		sets = append(sets, cs)
		return nil
	}
	if err := build(synced, false); err != nil {
		return nil, err
	}
	if err := build(local, true); err != nil {
		return nil, err
	}

	// Write-ahead: a failed log write aborts the mutation entirely.
	if s.rec != nil {
		if err := s.rec.Record(entries); err != nil {
			s.seq -= uint64(len(sets))
			return nil, fmt.Errorf("record change set: %w", err)
		}
	}

	for _, cs := range sets {
		for _, op := range cs.Ops {
			conflict, err := s.applyOp(op, cs, false, false)
			if err != nil {
				// The log already holds the set; replay on restart converges.
				log.Error().Err(err).Str("change_set", cs.ID).Msg("local apply diverged from validation")
				return nil, err
			}
			// Local timestamps are monotonic past everything merged, so a
			// local op can displace merged state (overwrite conflict) but
			// never lose to it. Losing would mean the clock broke.
			if conflict != nil {
				log.Warn().Str("field", conflict.Field).Str("winner", conflict.WinnerTerminal).
					Str("loser", conflict.LoserTerminal).Str("detail", conflict.Detail).
					Msg("local op superseded merged state")
			}
		}
		s.applied[cs.ID] = struct{}{}
	}
	s.recomputeBalances()
	s.touch(ts)

	for _, cs := range sets {
		s.notify(Notification{ChangeSetID: cs.ID})
	}
	return sets[0], nil
}

// MergeRemote applies an externally-received change set through the same
// serialized path as local mutations. Duplicate sets are no-ops; conflicts on
// single-valued fields are resolved by LWW and surfaced, never dropped.
func (s *Store) MergeRemote(cs *ChangeSet, fromServer bool) (MergeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.poisoned {
		return MergeResult{}, ErrStorePoisoned
	}
	if _, dup := s.applied[cs.ID]; dup {
		return MergeResult{Applied: false}, ErrAlreadyApplied
	}

	if cs.Signature != "" && s.verify != nil {
		unsigned := *cs
		unsigned.Signature = ""
		payload, err := unsigned.Encode()
		if err != nil {
			return MergeResult{}, err
		}
		if !s.verify(payload, cs.Signature) {
			return MergeResult{}, fmt.Errorf("change set %s: signature verification failed", cs.ID)
		}
	}

	raw, err := cs.Encode()
	if err != nil {
		return MergeResult{}, err
	}
	if s.rec != nil {
		if err := s.rec.Record([]LogEntry{{
			Set: cs, Raw: raw, Checksum: ChecksumOf(raw), Remote: true, FromServer: fromServer,
		}}); err != nil {
			return MergeResult{}, fmt.Errorf("record remote change set: %w", err)
		}
	}

	res := MergeResult{Applied: true}
	for _, op := range cs.Ops {
		conflict, err := s.applyOp(op, cs, true, fromServer)
		if err != nil {
			return res, err
		}
		if conflict != nil {
			res.Conflicts = append(res.Conflicts, *conflict)
		}
	}
	s.applied[cs.ID] = struct{}{}
	s.recomputeBalances()
	s.clock.Observe(cs.Timestamp)
	s.touch(s.clock.Now())
	s.notify(Notification{ChangeSetID: cs.ID, Remote: true})
	return res, nil
}

// Rehydrate replays one change set from the log at startup, without
// re-recording it. Entries must be supplied in log order.
func (s *Store) Rehydrate(cs *ChangeSet, remote, fromServer bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.applied[cs.ID]; dup {
		return nil
	}
	for _, op := range cs.Ops {
		if _, err := s.applyOp(op, cs, remote, fromServer); err != nil {
			return fmt.Errorf("replay %s: %w", cs.ID, err)
		}
	}
	s.applied[cs.ID] = struct{}{}
	s.clock.Observe(cs.Timestamp)
	if !remote && cs.TerminalID == s.doc.TerminalID && cs.Seq > s.seq {
		s.seq = cs.Seq
	}
	s.recomputeBalances()
	s.touch(cs.Timestamp)
	return nil
}

// recomputeBalances rederives the open register's balances from the merged
// movement ledger. Deriving (rather than trusting the balances carried inside
// SetRegisterState ops) keeps concurrent merges convergent: whatever order
// movements arrive in, the sums agree once the ledgers do.
func (s *Store) recomputeBalances() {
	reg := &s.doc.CashRegister
	if reg.Status != model.RegisterOpen {
		return
	}
	current := reg.OpeningBalance
	expected := reg.OpeningBalance
	for i := range s.doc.CashMovements {
		m := &s.doc.CashMovements[i]
		// The OPENING entry documents the float; it is not an increment.
		if m.Type == model.MovementOpening || m.Timestamp < reg.OpenedAt {
			continue
		}
		current = current.Add(m.Amount)
		if !m.Unreconciled {
			expected = expected.Add(m.Amount)
		}
	}
	reg.CurrentBalance = current
	reg.ExpectedBalance = expected
}

// Image is the serializable store state saved by compaction snapshots.
// The register LWW stamp rides along so merge tie-breaks stay deterministic
// across restarts even after the originating change sets are compacted away.
type Image struct {
	Doc           model.TerminalDocument `json:"doc"`
	Seq           uint64                 `json:"seq"`
	RegTimestamp  int64                  `json:"reg_timestamp"`
	RegTerminal   string                 `json:"reg_terminal"`
	RegFromServer bool                   `json:"reg_from_server"`
}

// SaveImage serializes the committed state for a snapshot.
func (s *Store) SaveImage() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	img := Image{
		Doc:           s.doc.Clone(),
		Seq:           s.seq,
		RegTimestamp:  s.regStamp.ts,
		RegTerminal:   s.regStamp.terminalID,
		RegFromServer: s.regStamp.fromServer,
	}
	return json.Marshal(img)
}

// RestoreImage loads a snapshot taken by SaveImage. Call before replaying the
// records past the snapshot boundary.
func (s *Store) RestoreImage(raw []byte) error {
	var img Image
	if err := json.Unmarshal(raw, &img); err != nil {
		return fmt.Errorf("restore snapshot: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := img.Doc
	s.doc = &doc
	s.seq = img.Seq
	s.regStamp = registerStamp{ts: img.RegTimestamp, terminalID: img.RegTerminal, fromServer: img.RegFromServer}
	s.clock.Observe(doc.LastUpdated)
	return nil
}

// IsApplied reports whether a change set id is already in the applied set.
func (s *Store) IsApplied(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.applied[id]
	return ok
}

// touch keeps last_updated monotonically non-decreasing.
func (s *Store) touch(ts int64) {
	if ts > s.doc.LastUpdated {
		s.doc.LastUpdated = ts
	}
}

// validateLocal enforces referential and state invariants on locally
// originated ops before anything is persisted. Remote ops bypass this: their
// inconsistencies are quarantined at merge time instead.
func (s *Store) validateLocal(ops []Op) error {
	sales := map[string]bool{}
	for i := range s.doc.TodaySales {
		sales[s.doc.TodaySales[i].ID] = true
	}
	for _, op := range ops {
		if op.Type == OpAppendSale {
			sales[op.Sale.ID] = true
		}
	}
	for _, op := range ops {
		switch op.Type {
		case OpAddCashMovement:
			m := op.Movement
			if m.Type == model.MovementSale && !sales[m.SaleID] {
				return fmt.Errorf("%w: movement %s → sale %s", ErrMissingSale, m.ID, m.SaleID)
			}
		case OpVoidSale:
			target := s.doc.FindSale(op.Void.SaleID)
			if target == nil {
				return fmt.Errorf("void: sale %s not found", op.Void.SaleID)
			}
			if target.Status == model.SaleVoided {
				return fmt.Errorf("void: sale %s already voided", op.Void.SaleID)
			}
		}
	}
	return nil
}

// applyOp mutates the document under the store lock. remote selects the merge
// policies (union-dedupe, LWW, quarantine) over strict validation.
func (s *Store) applyOp(op Op, cs *ChangeSet, remote, fromServer bool) (*ConflictDescriptor, error) {
	switch op.Type {
	case OpAppendSale:
		return nil, s.applySale(*op.Sale)
	case OpVoidSale:
		s.applyVoid(*op.Void)
	case OpAddCashMovement:
		s.applyMovement(*op.Movement, remote)
	case OpSetRegisterState:
		return s.applyRegister(*op.Register, cs, fromServer), nil
	case OpUpsertCachedProduct:
		s.applyProduct(*op.Product)
	case OpEvictCachedProduct:
		if remote {
			return nil, nil // evictions never sync; ignore defensively
		}
		delete(s.doc.ProductCache.Products, op.ProductID)
	case OpSetCart:
		if remote {
			return nil, nil // cart is terminal-local
		}
		cart := *op.Cart
		s.doc.CurrentCart = &cart
	case OpClearCart:
		if remote {
			return nil, nil
		}
		s.doc.CurrentCart = nil
	case OpArchiveDay:
		s.applyArchive(*op.Archive)
	}
	return nil, nil
}

func (s *Store) applySale(sale model.Sale) error {
	if s.doc.FindSale(sale.ID) != nil {
		return nil // union with dedup on sale id
	}
	s.doc.TodaySales = append(s.doc.TodaySales, sale)
	sort.SliceStable(s.doc.TodaySales, func(i, j int) bool {
		a, b := &s.doc.TodaySales[i], &s.doc.TodaySales[j]
		if a.CreatedAt != b.CreatedAt {
			return a.CreatedAt < b.CreatedAt
		}
		return a.ID < b.ID
	})
	// A previously quarantined movement may now resolve.
	for i := range s.doc.CashMovements {
		m := &s.doc.CashMovements[i]
		if m.Unreconciled && m.SaleID == sale.ID {
			m.Unreconciled = false
			log.Info().Str("movement_id", m.ID).Str("sale_id", sale.ID).
				Msg("quarantined movement reconciled by late-arriving sale")
		}
	}
	return nil
}

func (s *Store) applyVoid(v VoidSale) {
	sale := s.doc.FindSale(v.SaleID)
	if sale == nil || sale.Status == model.SaleVoided {
		return // idempotent; late sale arrival cannot resurrect a void
	}
	sale.Status = model.SaleVoided
	sale.VoidedAt = v.VoidedAt
	sale.VoidReason = v.Reason
}

func (s *Store) applyMovement(m model.LocalCashMovement, remote bool) {
	if s.doc.HasMovement(m.ID) {
		return // union with dedup on movement id
	}
	if m.Type == model.MovementSale && m.SaleID != "" && s.doc.FindSale(m.SaleID) == nil {
		if !remote {
			// validateLocal should have caught this; be safe anyway.
			return
		}
		// Referential inconsistency after a partial merge: retain, flag,
		// wait for the sale to arrive in a later sync.
		m.Unreconciled = true
		log.Warn().Str("movement_id", m.ID).Str("sale_id", m.SaleID).
			Msg("movement references missing sale, quarantined as unreconciled")
	}
	s.doc.CashMovements = append(s.doc.CashMovements, m)
	sort.SliceStable(s.doc.CashMovements, func(i, j int) bool {
		a, b := &s.doc.CashMovements[i], &s.doc.CashMovements[j]
		if a.Timestamp != b.Timestamp {
			return a.Timestamp < b.Timestamp
		}
		return a.ID < b.ID
	})
}

func (s *Store) applyRegister(reg model.CashRegister, cs *ChangeSet, fromServer bool) *ConflictDescriptor {
	incoming := registerStamp{ts: cs.Timestamp, terminalID: cs.TerminalID, fromServer: fromServer}
	current := s.regStamp
	if current.terminalID == "" || incoming.wins(current) {
		s.doc.CashRegister = reg
		s.regStamp = incoming
		if current.terminalID != "" && current.terminalID != incoming.terminalID {
			return &ConflictDescriptor{
				Field:           "cash_register",
				WinnerTerminal:  incoming.terminalID,
				WinnerTimestamp: incoming.ts,
				LoserTerminal:   current.terminalID,
				LoserTimestamp:  current.ts,
				Detail:          "concurrent register transition overwritten by last writer",
			}
		}
		return nil
	}
	// Incoming transition loses: keep current state, surface the loser.
	if current.terminalID != incoming.terminalID {
		return &ConflictDescriptor{
			Field:           "cash_register",
			WinnerTerminal:  current.terminalID,
			WinnerTimestamp: current.ts,
			LoserTerminal:   incoming.terminalID,
			LoserTimestamp:  incoming.ts,
			Detail:          "incoming register transition lost last-writer-wins",
		}
	}
	return nil
}

func (s *Store) applyProduct(p model.Product) {
	existing, ok := s.doc.ProductCache.Products[p.ID]
	if ok && existing.UpdatedAt >= p.UpdatedAt {
		return // per-product LWW on the catalog watermark
	}
	s.doc.ProductCache.Products[p.ID] = p
	if p.UpdatedAt > s.doc.ProductCache.LastUpdated {
		s.doc.ProductCache.LastUpdated = p.UpdatedAt
	}
}

func (s *Store) applyArchive(a ArchiveDay) {
	var sales []model.Sale
	for _, sale := range s.doc.TodaySales {
		if sale.CreatedAt > a.Before {
			sales = append(sales, sale)
		}
	}
	s.doc.TodaySales = sales
	var movs []model.LocalCashMovement
	for _, m := range s.doc.CashMovements {
		if m.Timestamp > a.Before {
			movs = append(movs, m)
		}
	}
	s.doc.CashMovements = movs
	if sales == nil {
		s.doc.TodaySales = []model.Sale{}
	}
	if movs == nil {
		s.doc.CashMovements = []model.LocalCashMovement{}
	}
}
