// Package changelog is the terminal's durable store: an append-only change
// log plus the sync bookkeeping tables (peer cursors, pending retries,
// document snapshots, archived-day summaries), all in one local sqlite file.
package changelog

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/glebarez/sqlite"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open connects to the terminal's sqlite file and migrates the schema. The
// caller must hold the process lock (see AcquireLock) first: no two processes
// may write the same terminal store.
func Open(dataDir, terminalID string) (*gorm.DB, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dataDir, terminalID+".db")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open change log %s: %w", path, err)
	}
	if err := db.AutoMigrate(
		&ChangeRecord{},
		&PeerCursor{},
		&PendingRecord{},
		&Snapshot{},
		&ArchivedDay{},
	); err != nil {
		return nil, fmt.Errorf("migrate change log schema: %w", err)
	}
	log.Info().Str("path", path).Msg("change log opened")
	return db, nil
}

// Lock is an exclusive advisory lock preventing a second process from opening
// the same terminal store (split-brain local writes).
type Lock struct {
	path string
	f    *os.File
}

// AcquireLock creates DATA_DIR/<terminal>.lock exclusively. A leftover lock
// from a crashed process must be removed by the operator; refusing to guess
// is safer than corrupting the log.
func AcquireLock(dataDir, terminalID string) (*Lock, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dataDir, terminalID+".lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("terminal store %s is locked by another process (stale lock? remove %s)", terminalID, path)
		}
		return nil, err
	}
	fmt.Fprintf(f, "%d\n", os.Getpid())
	return &Lock{path: path, f: f}, nil
}

// Release removes the lock file.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = l.f.Close()
	return os.Remove(l.path)
}
