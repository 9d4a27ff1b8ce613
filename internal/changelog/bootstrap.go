package changelog

import (
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/mcalero11/pos-inteligente-sv/internal/document"
)

// Restore rebuilds the document store from durable state at startup: load the
// latest snapshot when one exists, then replay every later record through the
// store's merge path. Corruption poisons the store — the terminal keeps
// serving reads but refuses mutations until an operator-driven resync.
func Restore(l *Log, store *document.Store) error {
	img, upTo, err := l.LoadSnapshot(store.TerminalID())
	if err != nil {
		return err
	}
	if img != nil {
		if err := store.RestoreImage(img); err != nil {
			store.Poison(err)
			return err
		}
	}

	apply := func(st Stored) error {
		return store.Rehydrate(st.Set, st.Remote, st.FromServer)
	}
	if img != nil {
		err = l.ReplayAfter(upTo, apply)
	} else {
		err = l.Replay(apply)
	}
	if err != nil {
		if errors.Is(err, ErrCorrupt) {
			store.Poison(err)
		}
		return err
	}
	log.Info().Str("terminal_id", store.TerminalID()).Uint64("snapshot_seq", upTo).
		Msg("document store restored from change log")
	return nil
}
