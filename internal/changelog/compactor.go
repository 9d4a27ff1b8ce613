package changelog

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/mcalero11/pos-inteligente-sv/internal/document"
	"github.com/mcalero11/pos-inteligente-sv/internal/model"
)

// Compactor bounds document and log growth: sales and movements older than
// the retention window collapse into ArchivedDay summaries, and the log keeps
// only records not yet acknowledged by every known peer.
type Compactor struct {
	log      *Log
	store    *document.Store
	interval time.Duration
	// retention is how long live detail stays in the document.
	retention time.Duration
}

func NewCompactor(l *Log, store *document.Store, interval, retention time.Duration) *Compactor {
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	if retention <= 0 {
		retention = model.MaxOfflineDays * 24 * time.Hour
	}
	return &Compactor{log: l, store: store, interval: interval, retention: retention}
}

// Run ticks until the context ends. Grounded in the same goroutine-cron shape
// as the rest of the background workers.
func (c *Compactor) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	log.Info().Dur("interval", c.interval).Msg("compactor: started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("compactor: shutting down")
			return
		case <-ticker.C:
			before := time.Now().Add(-c.retention).UnixMilli()
			if err := c.Compact(before); err != nil {
				log.Error().Err(err).Msg("compactor: pass failed")
			}
		}
	}
}

// ArchiveClosedDay folds a just-closed day into its summary. Register close
// calls this; the acknowledgement guards in Compact still apply, so a day
// with unacknowledged records simply waits for a later pass.
func (c *Compactor) ArchiveClosedDay(before int64) error {
	return c.Compact(before)
}

// Compact archives document detail older than before and prunes acknowledged
// log records. Retention safety: nothing a peer has not acknowledged is ever
// removed — with no peer cursors at all, compaction is a no-op.
func (c *Compactor) Compact(before int64) error {
	minAcked, err := c.log.MinCursor()
	if err != nil {
		return fmt.Errorf("compact: %w", err)
	}
	if minAcked == 0 {
		log.Debug().Msg("compactor: no acknowledged history, skipping")
		return nil
	}

	// Never archive past the first unacknowledged record's timestamp: a sync
	// cycle may still need that data.
	var unacked []ChangeRecord
	if err := c.log.db.Where("seq > ? AND local_only = ?", minAcked, false).
		Order("seq asc").Limit(1).Find(&unacked).Error; err != nil {
		return fmt.Errorf("compact: %w", err)
	}
	if len(unacked) > 0 && unacked[0].Timestamp <= before {
		before = unacked[0].Timestamp - 1
	}
	if before <= 0 {
		return nil
	}

	doc := c.store.Snapshot()
	archive := summarize(&doc, before)
	if archive == nil {
		return c.prune(minAcked, before)
	}

	// The summary row is written first; losing detail without the summary
	// would break auditability.
	day := ArchivedDay{
		Date:        archive.Date,
		TerminalID:  doc.TerminalID,
		SaleCount:   archive.SaleCount,
		VoidedCount: archive.VoidedCount,
		GrossTotal:  archive.GrossTotal,
		TaxTotal:    archive.TaxTotal,
		Before:      before,
	}
	if err := c.log.db.Save(&day).Error; err != nil {
		return fmt.Errorf("compact: save archived day: %w", err)
	}

	if _, err := c.store.ApplyLocal(document.Archive(*archive)); err != nil {
		return fmt.Errorf("compact: archive ops: %w", err)
	}

	img, err := c.store.SaveImage()
	if err != nil {
		return fmt.Errorf("compact: snapshot: %w", err)
	}
	head, err := c.log.Head()
	if err != nil {
		return err
	}
	if err := c.log.SaveSnapshot(doc.TerminalID, img, head); err != nil {
		return fmt.Errorf("compact: save snapshot: %w", err)
	}

	log.Info().Str("date", archive.Date).Int("sales", archive.SaleCount).
		Str("gross", archive.GrossTotal.String()).Msg("compactor: day archived")
	return c.prune(minAcked, before)
}

// prune deletes log records every peer has acknowledged and that predate the
// archive boundary. The snapshot covers their effects.
func (c *Compactor) prune(minAcked uint64, before int64) error {
	res := c.log.db.Where("seq <= ? AND timestamp <= ?", minAcked, before).Delete(&ChangeRecord{})
	if res.Error != nil {
		return fmt.Errorf("compact: prune: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		log.Info().Int64("records", res.RowsAffected).Msg("compactor: pruned acknowledged log records")
	}
	return nil
}

// summarize folds everything older than before into an ArchiveDay, or nil
// when there is nothing to archive.
func summarize(doc *model.TerminalDocument, before int64) *document.ArchiveDay {
	a := document.ArchiveDay{
		Before:     before,
		GrossTotal: decimal.Zero,
		TaxTotal:   decimal.Zero,
	}
	for _, s := range doc.TodaySales {
		if s.CreatedAt > before {
			continue
		}
		a.SaleCount++
		if s.Status == model.SaleVoided {
			a.VoidedCount++
			continue
		}
		a.GrossTotal = a.GrossTotal.Add(s.Total)
		a.TaxTotal = a.TaxTotal.Add(s.TaxTotal)
		if a.Date == "" {
			a.Date = time.UnixMilli(s.CreatedAt).UTC().Format("2006-01-02")
		}
	}
	if a.SaleCount == 0 {
		return nil
	}
	if a.Date == "" {
		a.Date = time.UnixMilli(before).UTC().Format("2006-01-02")
	}
	return &a
}
