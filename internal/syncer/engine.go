// Package syncer exchanges change sets with peers and the reconciliation
// server: per-peer cursors decide what to send, failed sends persist as
// pending retries with bounded backoff, and inbound batches are sequenced and
// funneled through the document store's single merge path.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mcalero11/pos-inteligente-sv/internal/changelog"
	"github.com/mcalero11/pos-inteligente-sv/internal/document"
	"github.com/mcalero11/pos-inteligente-sv/internal/model"
)

// Transport moves opaque payloads between terminals. Implementations must be
// safe for concurrent use; the engine is transport-agnostic (LAN websocket or
// relay server behave identically).
type Transport interface {
	Send(ctx context.Context, peer model.PeerInfo, payload []byte) error
}

// Config tunes the engine. Zero values fall back to the shared defaults.
type Config struct {
	SyncInterval time.Duration // default SYNC_INTERVAL_MS
	SendTimeout  time.Duration // per attempt, not per retry series
	GapTimeout   time.Duration // out-of-order buffer deadline
	BatchLimit   int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	// DegradeAfter flags sync health once a pending record accumulates this
	// many failed attempts. Retries continue indefinitely regardless.
	DegradeAfter int
}

func (c *Config) defaults() {
	if c.SyncInterval <= 0 {
		c.SyncInterval = model.SyncIntervalMS * time.Millisecond
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.GapTimeout <= 0 {
		c.GapTimeout = 60 * time.Second
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = 200
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 5 * time.Minute
	}
	if c.DegradeAfter <= 0 {
		c.DegradeAfter = 8
	}
}

// inbound tracks sequencing state for one sending peer.
type inbound struct {
	lastUpTo uint64
	buffer   map[uint64]*SyncMessage // keyed by batch FromSeq
	gapSince time.Time
}

// Engine drives scheduled and event-triggered sync cycles. Peer syncs run in
// parallel; document mutation stays serialized inside the store.
type Engine struct {
	store     *document.Store
	log       *changelog.Log
	peers     *Directory
	transport Transport
	cfg       Config

	mu       sync.Mutex
	breakers map[string]*Breaker
	inbox    map[string]*inbound
	status   model.SyncStatus
}

func NewEngine(store *document.Store, l *changelog.Log, peers *Directory, transport Transport, cfg Config) *Engine {
	cfg.defaults()
	e := &Engine{
		store:     store,
		log:       l,
		peers:     peers,
		transport: transport,
		cfg:       cfg,
		breakers:  map[string]*Breaker{},
		inbox:     map[string]*inbound{},
		status:    model.SyncStatus{TerminalID: store.TerminalID()},
	}
	peers.OnDiscover(func(p model.PeerInfo) {
		// Event-triggered sync on discovery, off the caller's goroutine.
		go e.SyncPeer(context.Background(), p)
	})
	return e
}

// Run ticks the scheduled sync, the pending-retry scan and the liveness sweep
// until ctx ends.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.SyncInterval)
	retry := time.NewTicker(e.cfg.BackoffBase)
	defer ticker.Stop()
	defer retry.Stop()
	log.Info().Dur("interval", e.cfg.SyncInterval).Msg("sync engine started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("sync engine shutting down")
			return
		case <-ticker.C:
			e.peers.Sweep()
			e.flushGaps()
			for _, p := range e.peers.Alive() {
				go e.SyncPeer(ctx, p)
			}
		case <-retry.C:
			e.retryPending(ctx)
		}
	}
}

// SyncPeer pushes everything the peer has not acknowledged. Safe to call
// concurrently for different peers.
func (e *Engine) SyncPeer(ctx context.Context, peer model.PeerInfo) {
	e.setInProgress(true)
	defer e.setInProgress(false)

	cursor, err := e.log.Cursor(peer.TerminalID)
	if err != nil {
		e.noteError(err)
		return
	}
	stored, err := e.log.Since(cursor, e.cfg.BatchLimit)
	if err != nil {
		if errors.Is(err, changelog.ErrCorrupt) {
			e.store.Poison(err)
		}
		e.noteError(err)
		return
	}
	if len(stored) == 0 {
		return
	}

	msg, err := e.buildMessage(peer, cursor, stored)
	if err != nil {
		e.noteError(err)
		return
	}
	payload, err := msg.Encode()
	if err != nil {
		e.noteError(err)
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, e.cfg.SendTimeout)
	defer cancel()
	err = e.breaker(peer.TerminalID).Execute(func() error {
		return e.transport.Send(sendCtx, peer, payload)
	})
	if err != nil {
		log.Warn().Err(err).Str("peer", peer.TerminalID).Uint64("up_to", msg.Sequence).
			Msg("sync send failed, queued as pending")
		e.queuePending(peer, msg.Sequence, payload, err)
		return
	}
	// Sent, not yet acknowledged: the cursor only advances on ack.
	log.Debug().Str("peer", peer.TerminalID).Int("sets", len(stored)).
		Uint64("up_to", msg.Sequence).Msg("change batch sent")
}

func (e *Engine) buildMessage(peer model.PeerInfo, fromSeq uint64, stored []changelog.Stored) (*SyncMessage, error) {
	batch := ChangeBatch{FromSeq: fromSeq, UpToSeq: stored[len(stored)-1].Seq}
	for _, st := range stored {
		raw, err := st.Set.Encode()
		if err != nil {
			return nil, err
		}
		batch.Sets = append(batch.Sets, raw)
	}
	changes, err := json.Marshal(batch)
	if err != nil {
		return nil, err
	}
	return &SyncMessage{
		Kind:         KindChanges,
		FromTerminal: e.store.TerminalID(),
		ToTerminal:   peer.TerminalID,
		Changes:      changes,
		Timestamp:    time.Now().UnixMilli(),
		Sequence:     batch.UpToSeq,
	}, nil
}

// OnMessage handles one fully-received payload from the transport. Partial
// streams never reach here; the transport only delivers integrity-checked
// frames.
func (e *Engine) OnMessage(raw []byte, addr string) {
	msg, err := DecodeMessage(raw)
	if err != nil {
		log.Warn().Err(err).Msg("dropping malformed sync message")
		return
	}
	e.peers.Observe(msg.FromTerminal, addr, e.peers.IsServer(msg.FromTerminal))

	switch msg.Kind {
	case KindAck:
		e.onAck(msg)
	case KindChanges:
		e.onChanges(msg)
	}
}

func (e *Engine) onAck(msg *SyncMessage) {
	if err := e.log.AdvanceCursor(msg.FromTerminal, msg.Sequence); err != nil {
		e.noteError(err)
		return
	}
	e.clearPendingUpTo(msg.FromTerminal, msg.Sequence)
	e.mu.Lock()
	e.status.LastSyncAt = time.Now().UnixMilli()
	e.status.LastError = ""
	e.status.Degraded = false
	e.mu.Unlock()
	log.Debug().Str("peer", msg.FromTerminal).Uint64("acked", msg.Sequence).Msg("cursor advanced")
}

func (e *Engine) onChanges(msg *SyncMessage) {
	batch, err := decodeBatch(msg.Changes)
	if err != nil {
		log.Warn().Err(err).Str("peer", msg.FromTerminal).Msg("dropping malformed change batch")
		return
	}

	e.mu.Lock()
	in, ok := e.inbox[msg.FromTerminal]
	if !ok {
		in = &inbound{buffer: map[uint64]*SyncMessage{}}
		e.inbox[msg.FromTerminal] = in
	}
	switch {
	case in.lastUpTo == 0 || batch.FromSeq <= in.lastUpTo:
		// In order (or overlapping resend — merge dedupe handles it).
	default:
		// Gap: an earlier batch is missing. Buffer until it arrives or the
		// gap timeout forces a skip.
		if in.gapSince.IsZero() {
			in.gapSince = time.Now()
		}
		in.buffer[batch.FromSeq] = msg
		e.mu.Unlock()
		log.Warn().Str("peer", msg.FromTerminal).Uint64("expected", in.lastUpTo).
			Uint64("got_from", batch.FromSeq).Msg("out-of-order batch buffered")
		return
	}
	e.mu.Unlock()

	e.applyBatch(msg, batch)
	e.drainBuffered(msg.FromTerminal)
}

// applyBatch merges every set of one batch and acks the sender.
func (e *Engine) applyBatch(msg *SyncMessage, batch *ChangeBatch) {
	fromServer := e.peers.IsServer(msg.FromTerminal)
	for _, raw := range batch.Sets {
		cs, err := document.DecodeChangeSet(raw)
		if err != nil {
			log.Warn().Err(err).Str("peer", msg.FromTerminal).Msg("skipping malformed change set")
			continue
		}
		// Durable dedupe: the log survives restarts, the in-memory applied
		// set may not.
		if seen, err := e.log.Contains(cs.ID); err == nil && seen && !e.store.IsApplied(cs.ID) {
			continue
		}
		res, err := e.store.MergeRemote(cs, fromServer)
		if err != nil && !errors.Is(err, document.ErrAlreadyApplied) {
			e.noteError(err)
			log.Error().Err(err).Str("change_set", cs.ID).Msg("merge failed")
			continue
		}
		for _, c := range res.Conflicts {
			log.Warn().Str("field", c.Field).Str("winner", c.WinnerTerminal).
				Str("loser", c.LoserTerminal).Str("detail", c.Detail).
				Msg("merge conflict resolved by last-writer-wins")
		}
	}

	e.mu.Lock()
	in := e.inbox[msg.FromTerminal]
	if batch.UpToSeq > in.lastUpTo {
		in.lastUpTo = batch.UpToSeq
	}
	in.gapSince = time.Time{}
	e.status.LastSyncAt = time.Now().UnixMilli()
	e.mu.Unlock()

	e.sendAck(msg.FromTerminal, batch.UpToSeq)
}

// drainBuffered applies any buffered batches made contiguous by the last one.
func (e *Engine) drainBuffered(peerID string) {
	for {
		e.mu.Lock()
		in := e.inbox[peerID]
		var next *SyncMessage
		for from, m := range in.buffer {
			if from <= in.lastUpTo {
				next = m
				delete(in.buffer, from)
				break
			}
		}
		e.mu.Unlock()
		if next == nil {
			return
		}
		batch, err := decodeBatch(next.Changes)
		if err != nil {
			continue
		}
		e.applyBatch(next, batch)
	}
}

// flushGaps force-applies buffered batches whose gap never filled within the
// timeout. The skip is logged as an inconsistency marker and counted; the
// missing data will still arrive through a later full sync.
func (e *Engine) flushGaps() {
	e.mu.Lock()
	var expired []*SyncMessage
	for peerID, in := range e.inbox {
		if in.gapSince.IsZero() || time.Since(in.gapSince) < e.cfg.GapTimeout || len(in.buffer) == 0 {
			continue
		}
		for from, m := range in.buffer {
			expired = append(expired, m)
			delete(in.buffer, from)
		}
		in.gapSince = time.Time{}
		e.status.GapSkips++
		log.Warn().Str("peer", peerID).Int("batches", len(expired)).
			Msg("sequence gap timed out, applying buffered batches out of order")
	}
	e.mu.Unlock()

	for _, m := range expired {
		if batch, err := decodeBatch(m.Changes); err == nil {
			e.applyBatch(m, batch)
		}
	}
}

func (e *Engine) sendAck(peerID string, upTo uint64) {
	peer, ok := e.peers.Get(peerID)
	if !ok || peer.Address == "" {
		return
	}
	ack := SyncMessage{
		Kind:         KindAck,
		FromTerminal: e.store.TerminalID(),
		ToTerminal:   peerID,
		Timestamp:    time.Now().UnixMilli(),
		Sequence:     upTo,
	}
	payload, err := ack.Encode()
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.SendTimeout)
	defer cancel()
	if err := e.transport.Send(ctx, peer, payload); err != nil {
		log.Debug().Err(err).Str("peer", peerID).Msg("ack send failed, peer will resend")
	}
}

// Status returns the operator-facing sync health summary.
func (e *Engine) Status() model.SyncStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.status
	if n, err := e.log.PendingCount(); err == nil {
		st.PendingChanges = n
	}
	return st
}

func (e *Engine) breaker(peerID string) *Breaker {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.breakers[peerID]
	if !ok {
		b = NewBreaker(5, 2, e.cfg.BackoffMax)
		e.breakers[peerID] = b
	}
	return b
}

func (e *Engine) setInProgress(v bool) {
	e.mu.Lock()
	e.status.SyncInProgress = v
	e.mu.Unlock()
}

func (e *Engine) noteError(err error) {
	e.mu.Lock()
	e.status.LastError = err.Error()
	e.mu.Unlock()
}

// queuePending persists a failed transmission for bounded-backoff retry.
func (e *Engine) queuePending(peer model.PeerInfo, upTo uint64, payload []byte, cause error) {
	next := time.Now().Add(e.backoff(0))
	errMsg := cause.Error()
	rec := &changelog.PendingRecord{
		ID:          uuid.NewString(),
		PeerID:      peer.TerminalID,
		UpToSeq:     upTo,
		Payload:     payload,
		RetryCount:  0,
		NextRetryAt: &next,
		LastError:   &errMsg,
	}
	if err := e.log.SavePending(rec); err != nil {
		e.noteError(err)
		log.Error().Err(err).Str("peer", peer.TerminalID).Msg("failed to persist pending sync")
	}
}
