package syncer

// pending.go
// Bounded-exponential retry of change batches that could not be transmitted.
// Sync is never abandoned: past the degrade ceiling the status is flagged but
// retries continue for as long as offline operation lasts.

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
)

const retryBatchSize = 10

// backoff computes min(base * 2^retries, max) with ±20% jitter.
func (e *Engine) backoff(retries int) time.Duration {
	d := e.cfg.BackoffBase
	for i := 0; i < retries && d < e.cfg.BackoffMax; i++ {
		d *= 2
	}
	if d > e.cfg.BackoffMax {
		d = e.cfg.BackoffMax
	}
	jitter := time.Duration(float64(d) * 0.2 * (rand.Float64()*2 - 1))
	return d + jitter
}

// retryPending re-attempts due pending records through the per-peer breaker.
func (e *Engine) retryPending(ctx context.Context) {
	due, err := e.log.DuePending(time.Now(), retryBatchSize)
	if err != nil {
		e.noteError(err)
		return
	}
	for i := range due {
		rec := &due[i]
		peer, ok := e.peers.Get(rec.PeerID)
		if !ok || peer.Address == "" {
			// Peer has no reachable address yet; push the retry out without
			// burning an attempt.
			next := time.Now().Add(e.backoff(rec.RetryCount))
			rec.NextRetryAt = &next
			_ = e.log.SavePending(rec)
			continue
		}

		b := e.breaker(rec.PeerID)
		if b.State() == BreakerOpen {
			continue // don't hammer a downed peer; breaker will half-open
		}

		sendCtx, cancel := context.WithTimeout(ctx, e.cfg.SendTimeout)
		err := b.Execute(func() error {
			return e.transport.Send(sendCtx, peer, rec.Payload)
		})
		cancel()

		if err != nil {
			rec.RetryCount++
			errMsg := err.Error()
			rec.LastError = &errMsg
			next := time.Now().Add(e.backoff(rec.RetryCount))
			rec.NextRetryAt = &next
			_ = e.log.SavePending(rec)

			if rec.RetryCount >= e.cfg.DegradeAfter {
				e.mu.Lock()
				e.status.Degraded = true
				e.status.LastError = errMsg
				e.mu.Unlock()
				log.Error().Str("peer", rec.PeerID).Int("retries", rec.RetryCount).
					Msg("pending sync past retry ceiling, sync health degraded")
			} else {
				log.Warn().Str("peer", rec.PeerID).Int("retry_count", rec.RetryCount).
					Time("next_retry_at", next).Msg("pending sync retry failed, rescheduled")
			}
			continue
		}

		// Transmitted; the record stays until the peer's ack clears it, but
		// back off so a lost ack doesn't turn into a resend storm.
		next := time.Now().Add(e.backoff(rec.RetryCount + 1))
		rec.NextRetryAt = &next
		_ = e.log.SavePending(rec)
		log.Debug().Str("peer", rec.PeerID).Uint64("up_to", rec.UpToSeq).
			Msg("pending sync retransmitted, awaiting ack")
	}
}

// clearPendingUpTo drops every pending record the ack covers.
func (e *Engine) clearPendingUpTo(peerID string, ackSeq uint64) {
	n, err := e.log.DeletePendingUpTo(peerID, ackSeq)
	if err != nil {
		e.noteError(err)
		return
	}
	if n > 0 {
		log.Debug().Str("peer", peerID).Uint64("acked", ackSeq).Int64("cleared", n).
			Msg("pending syncs acknowledged")
	}
}
