package ingest

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// convQueue is one conversation's bounded FIFO plus the identity its
// worker flushes under. Exactly one goroutine drains ch.
type convQueue struct {
	key string
	ch  chan item

	userID    string
	threadID  string
	projectID string

	lastActivity atomic.Int64
	done         chan struct{}
}

func (q *convQueue) touch() { q.lastActivity.Store(time.Now().UnixNano()) }

func (q *convQueue) idleFor() time.Duration {
	return time.Since(time.Unix(0, q.lastActivity.Load()))
}

// localNow returns the batch timestamp in the configured UTC offset.
func (h *Handler) localNow() time.Time {
	offset := h.cfg.TZOffsetHours
	zone := time.FixedZone(fmt.Sprintf("UTC%+d", offset), offset*3600)
	return h.now().In(zone)
}

// runWorker is the lifecycle of one conversation queue. It idles until
// a message arrives, collects follow-ups for the batch window, then
// flushes the coalesced batch through the global semaphore. An idle
// queue exits and frees its slot; a stop mark drains the backlog first.
func (h *Handler) runWorker(q *convQueue) {
	defer h.removeQueue(q)

	batchWindow := h.cfg.BatchTimeout.Duration()
	idleTimeout := h.cfg.IdleTimeout.Duration()

	for {
		// Collecting: block for the first message of the next batch.
		var batch []item
		select {
		case it := <-q.ch:
			if it.stop {
				return
			}
			batch = append(batch, it)
			q.touch()
		case <-time.After(idleTimeout):
			h.logger.Debug("conversation queue idle, worker exiting",
				zap.String("key", q.key))
			return
		case <-h.stopCtx.Done():
			return
		}

		// Draining: keep absorbing messages while the window is open so
		// a burst becomes one agent turn.
		exiting := false
		timer := time.NewTimer(batchWindow)
	drain:
		for {
			select {
			case it := <-q.ch:
				if it.stop {
					exiting = true
					break drain
				}
				batch = append(batch, it)
				q.touch()
			case <-timer.C:
				break drain
			case <-h.stopCtx.Done():
				timer.Stop()
				return
			}
		}
		timer.Stop()

		// Flushing: one agent turn under the shared concurrency cap.
		select {
		case h.sem <- struct{}{}:
		case <-h.stopCtx.Done():
			return
		}
		h.flush(q, batch)
		<-h.sem

		if exiting {
			// Drain whatever raced in behind the stop mark. Still one
			// slot of the shared cap per flush; a stop with many live
			// queues must not stampede the agent.
			for {
				select {
				case it := <-q.ch:
					if it.stop {
						continue
					}
					h.sem <- struct{}{}
					h.flush(q, []item{it})
					<-h.sem
				default:
					return
				}
			}
		}
	}
}

func (h *Handler) flush(q *convQueue, batch []item) {
	if len(batch) == 0 {
		return
	}
	b := batchOf(q, batch, h.localNow())

	ctx, cancel := context.WithTimeout(h.stopCtx, flushWait)
	defer cancel()

	if err := h.sink.DispatchBatch(ctx, b); err != nil {
		h.logger.Error("dispatch failed",
			zap.String("key", q.key),
			zap.Int("batch_size", len(batch)),
			zap.Error(err))
	}
	h.processed.Add(1)
	MessagesProcessed.Inc()
	q.touch()
}
