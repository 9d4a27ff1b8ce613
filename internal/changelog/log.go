package changelog

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/mcalero11/pos-inteligente-sv/internal/document"
)

// ErrCorrupt is the fatal taxon: a checksum mismatch on replay. The caller
// must poison the document store and require an operator-driven resync.
var ErrCorrupt = errors.New("change log corrupt: checksum mismatch")

// ChangeRecord is one appended change set. Records are immutable; compaction
// is the only deletion path and only ever removes fully-acknowledged history.
type ChangeRecord struct {
	// Seq is the local log position (autoincrement) used as the per-peer
	// cursor. Distinct from the change set's own per-terminal sequence.
	Seq         uint64 `gorm:"primaryKey;autoIncrement"`
	SetID       string `gorm:"uniqueIndex;not null"`
	TerminalID  string `gorm:"index;not null"`
	TerminalSeq uint64 `gorm:"not null"`
	Timestamp   int64  `gorm:"index;not null"`
	Payload     []byte `gorm:"not null"`
	Checksum    string `gorm:"not null"`
	LocalOnly   bool   `gorm:"not null;default:false"`
	Remote      bool   `gorm:"not null;default:false"`
	FromServer  bool   `gorm:"not null;default:false"`
	CreatedAt   time.Time
}

// PeerCursor tracks how far a peer has acknowledged this terminal's log.
type PeerCursor struct {
	PeerID     string `gorm:"primaryKey"`
	LastAckSeq uint64 `gorm:"not null;default:0"`
	UpdatedAt  time.Time
}

// PendingRecord is a change set batch that could not be transmitted; it
// survives restarts and is retried with bounded backoff until acknowledged.
type PendingRecord struct {
	ID      string `gorm:"primaryKey"`
	PeerID  string `gorm:"index;not null"`
	UpToSeq uint64 `gorm:"not null"`
	// Payload is the encoded SyncMessage that failed to transmit, kept whole
	// so a retry needs no log re-read even across compaction.
	Payload     []byte `gorm:"not null"`
	RetryCount  int    `gorm:"not null;default:0"`
	NextRetryAt *time.Time
	LastError   *string
	CreatedAt   time.Time
}

// Snapshot accelerates restart: load the document image, then replay only
// records newer than UpToSeq.
type Snapshot struct {
	TerminalID string `gorm:"primaryKey"`
	Payload    []byte `gorm:"not null"`
	UpToSeq    uint64 `gorm:"not null"`
	UpdatedAt  time.Time
}

// ArchivedDay is the audit-preserving summary compaction leaves behind.
type ArchivedDay struct {
	Date        string          `gorm:"primaryKey"` // YYYY-MM-DD
	TerminalID  string          `gorm:"not null"`
	SaleCount   int             `gorm:"not null"`
	VoidedCount int             `gorm:"not null"`
	GrossTotal  decimal.Decimal `gorm:"type:decimal(12,2);not null"`
	TaxTotal    decimal.Decimal `gorm:"type:decimal(12,2);not null"`
	Before      int64           `gorm:"not null"`
	CreatedAt   time.Time
}

// Log is the append-only change log. It implements document.Recorder so the
// store's write-ahead discipline lands here: Record must succeed before the
// document mutates.
type Log struct {
	db *gorm.DB
}

func NewLog(db *gorm.DB) *Log { return &Log{db: db} }

// Record appends all entries of one mutation in a single transaction.
// Duplicate set ids are ignored (idempotent replay after retried syncs).
func (l *Log) Record(entries []document.LogEntry) error {
	return l.db.Transaction(func(tx *gorm.DB) error {
		for _, e := range entries {
			rec := ChangeRecord{
				SetID:       e.Set.ID,
				TerminalID:  e.Set.TerminalID,
				TerminalSeq: e.Set.Seq,
				Timestamp:   e.Set.Timestamp,
				Payload:     e.Raw,
				Checksum:    e.Checksum,
				LocalOnly:   e.LocalOnly,
				Remote:      e.Remote,
				FromServer:  e.FromServer,
			}
			res := tx.Where("set_id = ?", e.Set.ID).FirstOrCreate(&rec)
			if res.Error != nil {
				return fmt.Errorf("append change record %s: %w", e.Set.ID, res.Error)
			}
		}
		return nil
	})
}

// Stored pairs a decoded change set with its log position.
type Stored struct {
	Seq        uint64
	Set        *document.ChangeSet
	Remote     bool
	FromServer bool
}

// Since returns every syncable record after the cursor, in log order.
// Local-only records (cart edits, evictions) never leave the terminal.
func (l *Log) Since(cursor uint64, limit int) ([]Stored, error) {
	var recs []ChangeRecord
	q := l.db.Where("seq > ? AND local_only = ?", cursor, false).Order("seq asc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("read change log since %d: %w", cursor, err)
	}
	return l.decode(recs)
}

// Replay streams every record (local-only included) through fn in log order.
// Used at startup to rebuild the document; a checksum mismatch aborts with
// ErrCorrupt.
func (l *Log) Replay(fn func(Stored) error) error {
	var recs []ChangeRecord
	if err := l.db.Order("seq asc").Find(&recs).Error; err != nil {
		return fmt.Errorf("replay change log: %w", err)
	}
	stored, err := l.decode(recs)
	if err != nil {
		return err
	}
	for _, st := range stored {
		if err := fn(st); err != nil {
			return err
		}
	}
	return nil
}

// ReplayAfter is Replay restricted to records past a snapshot boundary.
func (l *Log) ReplayAfter(seq uint64, fn func(Stored) error) error {
	var recs []ChangeRecord
	if err := l.db.Where("seq > ?", seq).Order("seq asc").Find(&recs).Error; err != nil {
		return fmt.Errorf("replay change log after %d: %w", seq, err)
	}
	stored, err := l.decode(recs)
	if err != nil {
		return err
	}
	for _, st := range stored {
		if err := fn(st); err != nil {
			return err
		}
	}
	return nil
}

func (l *Log) decode(recs []ChangeRecord) ([]Stored, error) {
	out := make([]Stored, 0, len(recs))
	for _, rec := range recs {
		if !document.VerifyChecksum(rec.Payload, rec.Checksum) {
			log.Error().Str("set_id", rec.SetID).Uint64("seq", rec.Seq).
				Msg("change record failed checksum verification")
			return nil, fmt.Errorf("%w: record %d (%s)", ErrCorrupt, rec.Seq, rec.SetID)
		}
		cs, err := document.DecodeChangeSet(rec.Payload)
		if err != nil {
			return nil, fmt.Errorf("%w: record %d: %v", ErrCorrupt, rec.Seq, err)
		}
		out = append(out, Stored{Seq: rec.Seq, Set: cs, Remote: rec.Remote, FromServer: rec.FromServer})
	}
	return out, nil
}

// Head returns the latest log position.
func (l *Log) Head() (uint64, error) {
	var rec ChangeRecord
	err := l.db.Order("seq desc").First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return rec.Seq, nil
}

// Contains reports whether a change set id is already recorded.
func (l *Log) Contains(setID string) (bool, error) {
	var n int64
	if err := l.db.Model(&ChangeRecord{}).Where("set_id = ?", setID).Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}

// ── Peer cursors ─────────────────────────────────────────────────────────────

// Cursor returns the last log position the peer acknowledged.
func (l *Log) Cursor(peerID string) (uint64, error) {
	var c PeerCursor
	err := l.db.First(&c, "peer_id = ?", peerID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return c.LastAckSeq, nil
}

// AdvanceCursor moves a peer's cursor forward (never backward).
func (l *Log) AdvanceCursor(peerID string, seq uint64) error {
	cur, err := l.Cursor(peerID)
	if err != nil {
		return err
	}
	if seq <= cur {
		return nil
	}
	c := PeerCursor{PeerID: peerID, LastAckSeq: seq}
	return l.db.Save(&c).Error
}

// MinCursor returns the lowest acknowledged position across all known peers;
// compaction must never pass it. With no peers recorded it returns 0, which
// blocks compaction entirely (nothing is provably acknowledged).
func (l *Log) MinCursor() (uint64, error) {
	var cursors []PeerCursor
	if err := l.db.Find(&cursors).Error; err != nil {
		return 0, err
	}
	if len(cursors) == 0 {
		return 0, nil
	}
	min := cursors[0].LastAckSeq
	for _, c := range cursors[1:] {
		if c.LastAckSeq < min {
			min = c.LastAckSeq
		}
	}
	return min, nil
}

// ── Pending syncs ────────────────────────────────────────────────────────────

// SavePending upserts a pending retry record.
func (l *Log) SavePending(p *PendingRecord) error {
	return l.db.Save(p).Error
}

// DeletePending removes an acknowledged pending record.
func (l *Log) DeletePending(id string) error {
	return l.db.Delete(&PendingRecord{}, "id = ?", id).Error
}

// DuePending lists records whose next retry time has passed.
func (l *Log) DuePending(now time.Time, limit int) ([]PendingRecord, error) {
	var out []PendingRecord
	q := l.db.Where("next_retry_at IS NULL OR next_retry_at <= ?", now).Order("created_at asc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// DeletePendingUpTo clears every pending record for the peer that an ack at
// the given log position covers, returning how many were cleared.
func (l *Log) DeletePendingUpTo(peerID string, seq uint64) (int64, error) {
	res := l.db.Where("peer_id = ? AND up_to_seq <= ?", peerID, seq).Delete(&PendingRecord{})
	return res.RowsAffected, res.Error
}

// PendingCount reports outstanding unacknowledged batches (sync health).
func (l *Log) PendingCount() (int, error) {
	var n int64
	if err := l.db.Model(&PendingRecord{}).Count(&n).Error; err != nil {
		return 0, err
	}
	return int(n), nil
}

// ── Snapshots ────────────────────────────────────────────────────────────────

// SaveSnapshot stores the compacted document image.
func (l *Log) SaveSnapshot(terminalID string, payload []byte, upToSeq uint64) error {
	s := Snapshot{TerminalID: terminalID, Payload: payload, UpToSeq: upToSeq}
	return l.db.Save(&s).Error
}

// LoadSnapshot returns the stored image, or (nil, 0, nil) when none exists.
func (l *Log) LoadSnapshot(terminalID string) ([]byte, uint64, error) {
	var s Snapshot
	err := l.db.First(&s, "terminal_id = ?", terminalID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	return s.Payload, s.UpToSeq, nil
}
