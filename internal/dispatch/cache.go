// Package dispatch orchestrates one user-to-agent round trip: resolve
// the cached agent instance, invoke it under a deadline, normalize the
// answer, deliver it on the conversation's channel and persist the
// exchange.
package dispatch

import (
	"context"
	"io"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dialogd/internal/agent"
	"github.com/fyrsmithlabs/dialogd/internal/config"
)

// Invoker runs one agent turn. agent.Instance implements it.
type Invoker interface {
	Invoke(ctx context.Context, req agent.InvokeRequest) (agent.Result, error)
}

// Key builds the cache key for a customer's agent instance, scoped to
// the project when one is set.
func Key(customerID, projectID string) string {
	if projectID != "" {
		return customerID + "::proj::" + projectID
	}
	return customerID
}

type cacheEntry struct {
	inst Invoker

	mu       sync.Mutex
	lastUsed time.Time
}

func (e *cacheEntry) touch() {
	e.mu.Lock()
	e.lastUsed = time.Now()
	e.mu.Unlock()
}

func (e *cacheEntry) idleFor() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return time.Since(e.lastUsed)
}

// Cache is the LRU of live agent instances. Eviction stops the
// instance off-path when it knows how to stop.
type Cache struct {
	idle   time.Duration
	logger *zap.Logger

	mu  sync.Mutex
	lru *lru.Cache[string, *cacheEntry]

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

// NewCache builds an instance cache sized by cfg.MaxAgents.
func NewCache(cfg config.DispatchConfig, logger *zap.Logger) (*Cache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Cache{idle: cfg.CleanupInterval.Duration(), logger: logger}
	inner, err := lru.NewWithEvict(cfg.MaxAgents, c.onEvict)
	if err != nil {
		return nil, err
	}
	c.lru = inner
	return c, nil
}

func (c *Cache) onEvict(key string, e *cacheEntry) {
	AgentsEvicted.Inc()
	c.logger.Debug("evicting agent instance", zap.String("key", key))
	go stopInstance(e.inst)
}

// stopInstance is best-effort: instances that expose a stop or close
// hook get it called, everything else is left to the collector.
func stopInstance(inst Invoker) {
	switch v := inst.(type) {
	case interface{ Stop() }:
		v.Stop()
	case io.Closer:
		_ = v.Close()
	}
}

// GetOrCreate returns the cached instance for key, building it through
// factory on a miss.
func (c *Cache) GetOrCreate(key string, factory func() (Invoker, error)) (Invoker, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.lru.Get(key); ok {
		e.touch()
		return e.inst, nil
	}
	inst, err := factory()
	if err != nil {
		return nil, err
	}
	c.lru.Add(key, &cacheEntry{inst: inst, lastUsed: time.Now()})
	return inst, nil
}

// Len returns the number of cached instances.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Sweep evicts instances idle longer than the cleanup interval.
func (c *Cache) Sweep() {
	c.mu.Lock()
	var stale []string
	for _, key := range c.lru.Keys() {
		if e, ok := c.lru.Peek(key); ok && e.idleFor() > c.idle {
			stale = append(stale, key)
		}
	}
	for _, key := range stale {
		c.lru.Remove(key)
	}
	c.mu.Unlock()
	if len(stale) > 0 {
		c.logger.Info("swept idle agent instances", zap.Int("count", len(stale)))
	}
}

// StartSweep runs Sweep on the cleanup interval until Shutdown.
func (c *Cache) StartSweep() {
	ctx, cancel := context.WithCancel(context.Background())
	c.sweepCancel = cancel
	c.sweepDone = make(chan struct{})
	go func() {
		defer close(c.sweepDone)
		ticker := time.NewTicker(c.idle)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.Sweep()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Shutdown stops the sweep loop.
func (c *Cache) Shutdown() {
	if c.sweepCancel != nil {
		c.sweepCancel()
		<-c.sweepDone
	}
}
