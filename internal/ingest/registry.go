package ingest

import (
	"context"
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dialogd/internal/config"
)

// HandlerKey builds the cache key for an agent binding, preferring the
// most specific conversation scope available.
func HandlerKey(agentID, threadID, projectID string) string {
	key := agentID
	if threadID != "" {
		key += "::thread::" + threadID
	}
	if projectID != "" {
		key += "::proj::" + projectID
	}
	if threadID == "" && projectID == "" {
		key += "::global"
	}
	return key
}

// keyCandidates lists lookup keys from most to least specific, so a
// handler cached for a narrower scope is reused before a global one.
func keyCandidates(agentID, threadID, projectID string) []string {
	var keys []string
	if threadID != "" && projectID != "" {
		keys = append(keys, agentID+"::thread::"+threadID+"::proj::"+projectID)
	}
	if threadID != "" {
		keys = append(keys, agentID+"::thread::"+threadID)
	}
	if projectID != "" {
		keys = append(keys, agentID+"::proj::"+projectID)
	}
	keys = append(keys, agentID+"::global")
	return keys
}

// AgentLookup maps an inbound channel to its active agent. The agent
// config store implements it.
type AgentLookup interface {
	AgentForChannel(ctx context.Context, channel string) (agentID, agentName string, err error)
}

// HandlerFactory builds the handler for one agent.
type HandlerFactory func(agentID string) (*Handler, error)

// Registry caches message handlers per agent binding, capped by an
// LRU. Evicted or swept handlers are stopped off-path so inbound
// traffic never waits for a drain.
type Registry struct {
	cfg     config.DispatchConfig
	factory HandlerFactory
	lookup  AgentLookup
	logger  *zap.Logger

	mu    sync.Mutex
	cache *lru.Cache[string, *Handler]

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

// NewRegistry builds a handler registry. lookup may be nil when only
// direct (websocket) traffic is served.
func NewRegistry(cfg config.DispatchConfig, factory HandlerFactory, lookup AgentLookup, logger *zap.Logger) (*Registry, error) {
	if factory == nil {
		return nil, errors.New("ingest: handler factory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		cfg:     cfg,
		factory: factory,
		lookup:  lookup,
		logger:  logger,
	}
	cache, err := lru.NewWithEvict(cfg.MaxHandlers, r.onEvict)
	if err != nil {
		return nil, err
	}
	r.cache = cache
	return r, nil
}

func (r *Registry) onEvict(key string, h *Handler) {
	HandlersEvicted.Inc()
	r.logger.Info("evicting message handler", zap.String("key", key))
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), flushWait)
		defer cancel()
		h.FlushAll(ctx)
		h.Stop(ctx)
	}()
}

// Acquire returns the handler for an agent binding, creating it on
// first use. A cached handler is re-pointed at the requested thread
// and project before it is handed back.
func (r *Registry) Acquire(agentID, threadID, projectID string) (*Handler, error) {
	if agentID == "" {
		return nil, errors.New("ingest: agent id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, key := range keyCandidates(agentID, threadID, projectID) {
		if h, ok := r.cache.Get(key); ok {
			h.SetConversation(threadID, projectID)
			return h, nil
		}
	}

	h, err := r.factory(agentID)
	if err != nil {
		return nil, err
	}
	h.SetConversation(threadID, projectID)
	r.cache.Add(HandlerKey(agentID, threadID, projectID), h)
	r.logger.Debug("created message handler",
		zap.String("agent_id", agentID),
		zap.Int("handlers", r.cache.Len()))
	return h, nil
}

// AcquireForChannel resolves the active agent bound to a channel and
// returns its handler.
func (r *Registry) AcquireForChannel(ctx context.Context, channel string) (*Handler, string, error) {
	if r.lookup == nil {
		return nil, "", errors.New("ingest: no agent lookup configured")
	}
	agentID, agentName, err := r.lookup.AgentForChannel(ctx, channel)
	if err != nil {
		return nil, "", err
	}
	h, err := r.Acquire(agentID, "", "")
	if err != nil {
		return nil, "", err
	}
	return h, agentName, nil
}

// Len returns how many handlers are cached.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cache.Len()
}

// StartSweep launches the periodic removal of handlers whose workers
// have all gone idle.
func (r *Registry) StartSweep() {
	ctx, cancel := context.WithCancel(context.Background())
	r.sweepCancel = cancel
	r.sweepDone = make(chan struct{})
	go func() {
		defer close(r.sweepDone)
		ticker := time.NewTicker(r.cfg.CleanupInterval.Duration())
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.sweep()
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (r *Registry) sweep() {
	r.mu.Lock()
	var stale []string
	for _, key := range r.cache.Keys() {
		if h, ok := r.cache.Peek(key); ok && !h.Active() {
			stale = append(stale, key)
		}
	}
	for _, key := range stale {
		r.cache.Remove(key)
	}
	r.mu.Unlock()
	if len(stale) > 0 {
		r.logger.Info("swept idle message handlers", zap.Int("count", len(stale)))
	}
}

// Shutdown stops the sweep and drains every cached handler.
func (r *Registry) Shutdown(ctx context.Context) {
	if r.sweepCancel != nil {
		r.sweepCancel()
		<-r.sweepDone
	}

	r.mu.Lock()
	handlers := make([]*Handler, 0, r.cache.Len())
	for _, key := range r.cache.Keys() {
		if h, ok := r.cache.Peek(key); ok {
			handlers = append(handlers, h)
		}
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range handlers {
		wg.Add(1)
		go func(h *Handler) {
			defer wg.Done()
			h.FlushAll(ctx)
			h.Stop(ctx)
		}(h)
	}
	wg.Wait()
}
