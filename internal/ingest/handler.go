// Package ingest owns inbound message flow: one bounded FIFO queue per
// conversation, a coalescing worker per queue, and the registry of
// per-agent handlers in front of them. Messages are batched for up to
// the batch window and flushed to the dispatcher as one agent turn.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dialogd/internal/config"
)

var (
	// ErrQueueLimit is returned when the handler already tracks the
	// maximum number of conversation queues.
	ErrQueueLimit = errors.New("ingest: too many conversation queues")
	// ErrQueueFull is returned when a conversation queue rejected the
	// message even after the bounded blocking put.
	ErrQueueFull = errors.New("ingest: conversation queue full")
	// ErrSuppressed is returned when a human operator holds the
	// conversation and the bot must stay silent.
	ErrSuppressed = errors.New("ingest: manual response override active")
)

const (
	stopGrace     = 1 * time.Second
	flushWait     = 60 * time.Second
	flushPoll     = 700 * time.Millisecond
	blockedPut    = 1 * time.Second
	quoteAttempts = 3
)

// quoteBackoff is a var so tests can shrink the schedule.
var quoteBackoff = 1 * time.Second

// FileRef is one user-shared file forwarded to the agent.
type FileRef struct {
	URL  string `json:"url"`
	Mime string `json:"mime,omitempty"`
	Size int64  `json:"size,omitempty"`
	ID   string `json:"id,omitempty"`
}

// Batch is one coalesced agent turn handed to the sink. Content is the
// combined text, already carrying the date/time preamble.
type Batch struct {
	UserID    string
	ThreadID  string
	ProjectID string
	Content   string
	Images    []string
	Files     []FileRef
}

// Sink consumes flushed batches. The dispatcher implements it.
type Sink interface {
	DispatchBatch(ctx context.Context, b Batch) error
}

// OverrideStore answers whether a human operator holds a conversation.
// history.Store implements it.
type OverrideStore interface {
	ManualOverrideActive(ctx context.Context, agentID, customerID string) (bool, error)
}

// QuoteResolver fetches the text of a previously sent message, used to
// give the agent the quote a user replied to.
type QuoteResolver interface {
	QuotedText(ctx context.Context, customerID, messageID string) (string, error)
}

// AddRequest is one inbound message from a channel adapter.
type AddRequest struct {
	UserID             string
	ThreadID           string
	ProjectID          string
	Text               string
	AudioTranscription string
	Images             []string
	Shares             []string
	Stories            []string
	Files              []FileRef
	ReplyToMessageID   string
}

// Metrics is a snapshot of handler counters.
type Metrics struct {
	ActiveQueues      int
	MaxQueueSizeSeen  int
	MessagesProcessed int64
	MessagesDropped   int64
}

// Handler owns the conversation queues of one agent binding. Exactly
// one worker serves each queue; a shared semaphore caps how many
// flushes run the agent concurrently.
type Handler struct {
	agentID string
	cfg     config.IngestConfig

	sink      Sink
	overrides OverrideStore
	quotes    QuoteResolver
	logger    *zap.Logger

	sem chan struct{}

	mu     sync.Mutex
	queues map[string]*convQueue

	threadID  string
	projectID string

	stopCtx  context.Context
	stopAll  context.CancelFunc
	stopping atomic.Bool

	processed    atomic.Int64
	dropped      atomic.Int64
	maxQueueSeen atomic.Int64

	// now is swappable in tests to pin the batch date preamble.
	now func() time.Time
}

// NewHandler builds a handler for one agent. overrides and quotes may
// be nil; the corresponding checks are then skipped.
func NewHandler(agentID string, cfg config.IngestConfig, sink Sink, overrides OverrideStore, quotes QuoteResolver, logger *zap.Logger) (*Handler, error) {
	if agentID == "" {
		return nil, errors.New("ingest: agent id is required")
	}
	if sink == nil {
		return nil, errors.New("ingest: sink is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		agentID:   agentID,
		cfg:       cfg,
		sink:      sink,
		overrides: overrides,
		quotes:    quotes,
		logger:    logger.With(zap.String("agent_id", agentID)),
		sem:       make(chan struct{}, cfg.MaxConcurrent),
		queues:    make(map[string]*convQueue),
		stopCtx:   ctx,
		stopAll:   cancel,
		now:       time.Now,
	}, nil
}

// AgentID returns the agent this handler feeds.
func (h *Handler) AgentID() string { return h.agentID }

// SetConversation updates the default thread and project, applied when
// a cached handler is reused for a different conversation scope.
func (h *Handler) SetConversation(threadID, projectID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.threadID = threadID
	h.projectID = projectID
}

// Active reports whether any conversation worker is alive.
func (h *Handler) Active() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.queues) > 0
}

// Snapshot returns current counter values.
func (h *Handler) Snapshot() Metrics {
	h.mu.Lock()
	active := len(h.queues)
	h.mu.Unlock()
	return Metrics{
		ActiveQueues:      active,
		MaxQueueSizeSeen:  int(h.maxQueueSeen.Load()),
		MessagesProcessed: h.processed.Load(),
		MessagesDropped:   h.dropped.Load(),
	}
}

// Add enqueues one inbound message for its conversation. The queue and
// its worker are created on first use. Returns ErrSuppressed when a
// manual-response override is active, ErrQueueLimit or ErrQueueFull on
// resource pressure; both drops are counted.
func (h *Handler) Add(ctx context.Context, req AddRequest) error {
	if req.UserID == "" {
		return errors.New("ingest: empty user id")
	}
	if h.stopping.Load() {
		return errors.New("ingest: handler is stopping")
	}

	if h.overrides != nil {
		active, err := h.overrides.ManualOverrideActive(ctx, h.agentID, req.UserID)
		if err != nil {
			h.logger.Warn("manual override check failed", zap.Error(err))
		} else if active {
			return ErrSuppressed
		}
	}

	key := req.UserID
	if req.ThreadID != "" {
		key = req.ThreadID
	}

	q, err := h.queueFor(key, req)
	if err != nil {
		return err
	}
	q.touch()

	it := h.buildItem(ctx, req)

	select {
	case q.ch <- it:
	default:
		// Queue full. One bounded blocking attempt before dropping, so
		// a briefly stalled worker does not lose messages.
		select {
		case q.ch <- it:
		case <-time.After(blockedPut):
			h.dropped.Add(1)
			MessagesDropped.Inc()
			h.logger.Warn("dropping message, conversation queue full",
				zap.String("key", key), zap.Int("max", h.cfg.MaxQueueSize))
			return ErrQueueFull
		case <-ctx.Done():
			h.dropped.Add(1)
			MessagesDropped.Inc()
			return ctx.Err()
		}
	}

	if depth := int64(len(q.ch)); depth > h.maxQueueSeen.Load() {
		h.maxQueueSeen.Store(depth)
		MaxQueueSizeSeen.Set(float64(depth))
	}
	return nil
}

// queueFor returns the conversation queue for key, creating it and its
// worker under the total-queues cap.
func (h *Handler) queueFor(key string, req AddRequest) (*convQueue, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if q, ok := h.queues[key]; ok {
		return q, nil
	}
	if len(h.queues) >= h.cfg.MaxTotalQueues {
		h.dropped.Add(1)
		MessagesDropped.Inc()
		h.logger.Error("cannot create conversation queue: handler at capacity",
			zap.String("key", key), zap.Int("max_total_queues", h.cfg.MaxTotalQueues))
		return nil, ErrQueueLimit
	}

	q := &convQueue{
		key:       key,
		ch:        make(chan item, h.cfg.MaxQueueSize),
		userID:    req.UserID,
		threadID:  req.ThreadID,
		projectID: req.ProjectID,
		done:      make(chan struct{}),
	}
	q.touch()
	h.queues[key] = q
	ActiveQueues.Set(float64(len(h.queues)))
	go h.runWorker(q)
	return q, nil
}

// buildItem folds the request into one queue item: text plus audio
// transcription, quoted reply context, and media URLs.
func (h *Handler) buildItem(ctx context.Context, req AddRequest) item {
	var it item
	text := req.Text
	if req.AudioTranscription != "" {
		text += "\nТранскрипция аудиосообщения: " + req.AudioTranscription
	}
	if req.ReplyToMessageID != "" && h.quotes != nil {
		if quoted, err := h.resolveQuote(ctx, req.UserID, req.ReplyToMessageID); err != nil {
			h.logger.Warn("failed to resolve quoted message",
				zap.String("message_id", req.ReplyToMessageID), zap.Error(err))
		} else if quoted != "" {
			text += "\n[Предыдущее сообщение ассистента, на которое ответил пользователь: " + quoted + "]"
		}
	}
	it.text = strings.TrimPrefix(text, "\n")
	it.images = append(it.images, req.Images...)
	it.images = append(it.images, req.Shares...)
	it.images = append(it.images, req.Stories...)
	it.files = append(it.files, req.Files...)
	return it
}

func (h *Handler) resolveQuote(ctx context.Context, userID, messageID string) (string, error) {
	var lastErr error
	backoff := quoteBackoff
	for attempt := 1; attempt <= quoteAttempts; attempt++ {
		text, err := h.quotes.QuotedText(ctx, userID, messageID)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if attempt == quoteAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return "", fmt.Errorf("resolving quoted message after %d attempts: %w", quoteAttempts, lastErr)
}

// removeQueue takes a finished queue out of the map.
func (h *Handler) removeQueue(q *convQueue) {
	h.mu.Lock()
	if h.queues[q.key] == q {
		delete(h.queues, q.key)
	}
	ActiveQueues.Set(float64(len(h.queues)))
	h.mu.Unlock()
	close(q.done)
}

// FlushAll asks every worker to process its backlog and exit, waiting
// up to a minute for the maps to empty.
func (h *Handler) FlushAll(ctx context.Context) {
	h.signalStop()

	deadline := time.Now().Add(flushWait)
	for time.Now().Before(deadline) {
		h.mu.Lock()
		empty := len(h.queues) == 0
		h.mu.Unlock()
		if empty {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(flushPoll):
		}
	}
	h.logger.Info("flush_all timed out waiting for workers")
}

// Stop signals every worker, grants a short grace period, then cancels
// the survivors.
func (h *Handler) Stop(ctx context.Context) {
	h.stopping.Store(true)
	h.signalStop()

	select {
	case <-ctx.Done():
	case <-time.After(stopGrace):
	}
	h.stopAll()

	// Wait for workers to acknowledge cancellation.
	h.mu.Lock()
	waiting := make([]*convQueue, 0, len(h.queues))
	for _, q := range h.queues {
		waiting = append(waiting, q)
	}
	h.mu.Unlock()
	for _, q := range waiting {
		select {
		case <-q.done:
		case <-ctx.Done():
			return
		case <-time.After(stopGrace):
		}
	}
}

func (h *Handler) signalStop() {
	h.mu.Lock()
	targets := make([]*convQueue, 0, len(h.queues))
	for _, q := range h.queues {
		targets = append(targets, q)
	}
	h.mu.Unlock()

	for _, q := range targets {
		select {
		case q.ch <- item{stop: true}:
		default:
			go func(q *convQueue) {
				select {
				case q.ch <- item{stop: true}:
				case <-h.stopCtx.Done():
				}
			}(q)
		}
	}
}
