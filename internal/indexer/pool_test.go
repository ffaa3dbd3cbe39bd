package indexer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dialogd/internal/knowledge"
)

type recordingProc struct {
	mu   sync.Mutex
	jobs []knowledge.IndexJob
	done chan struct{}
}

func (r *recordingProc) Process(_ context.Context, job knowledge.IndexJob) {
	r.mu.Lock()
	r.jobs = append(r.jobs, job)
	r.mu.Unlock()
	if r.done != nil {
		r.done <- struct{}{}
	}
}

func (r *recordingProc) processed() []knowledge.IndexJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]knowledge.IndexJob(nil), r.jobs...)
}

func TestPoolProcessesScheduledJobs(t *testing.T) {
	proc := &recordingProc{done: make(chan struct{}, 8)}
	pool := NewPool(proc, 2, 10, zap.NewNop())
	pool.Start(context.Background())
	defer pool.Stop(context.Background())

	for _, id := range []string{"s1", "s2", "s3"} {
		require.NoError(t, pool.Schedule(context.Background(), knowledge.IndexJob{OwnerID: "owner-1", SourceID: id}))
	}

	for i := 0; i < 3; i++ {
		select {
		case <-proc.done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for jobs")
		}
	}

	jobs := proc.processed()
	require.Len(t, jobs, 3)
	seen := map[string]bool{}
	for _, j := range jobs {
		seen[j.SourceID] = true
	}
	assert.Equal(t, map[string]bool{"s1": true, "s2": true, "s3": true}, seen)
}

func TestPoolQueueFull(t *testing.T) {
	// Never started, so the single queue slot stays occupied.
	pool := NewPool(&recordingProc{}, 1, 1, zap.NewNop())

	require.NoError(t, pool.Schedule(context.Background(), knowledge.IndexJob{SourceID: "s1"}))
	assert.ErrorIs(t, pool.Schedule(context.Background(), knowledge.IndexJob{SourceID: "s2"}), ErrQueueFull)
}

func TestPoolStopDrainsQueue(t *testing.T) {
	proc := &recordingProc{}
	pool := NewPool(proc, 1, 10, zap.NewNop())

	for _, id := range []string{"s1", "s2", "s3"} {
		require.NoError(t, pool.Schedule(context.Background(), knowledge.IndexJob{SourceID: id}))
	}
	pool.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, pool.Stop(ctx))

	assert.Len(t, proc.processed(), 3)
	assert.ErrorIs(t, pool.Schedule(context.Background(), knowledge.IndexJob{SourceID: "s4"}), ErrStopped)

	// Stopping again is a no-op.
	require.NoError(t, pool.Stop(context.Background()))
}

func TestPoolDefaults(t *testing.T) {
	pool := NewPool(&recordingProc{}, 0, 0, nil)
	assert.Equal(t, 2, pool.workers)
	assert.Equal(t, 100, cap(pool.jobs))
}
