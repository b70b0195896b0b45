package runner

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/waldiez/runner/internal/broker"
)

// flakyQueue fails its first read, then cancels the pool's context and
// reports the cancellation on the next one.
type flakyQueue struct {
	mu     sync.Mutex
	reads  int
	cancel context.CancelFunc
}

func (q *flakyQueue) Enqueue(context.Context, broker.Job) error { return nil }

func (q *flakyQueue) Next(ctx context.Context) (broker.Job, string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reads++
	if q.reads == 1 {
		return broker.Job{}, "", errors.New("broker: read group: connection reset by peer")
	}
	q.cancel()
	return broker.Job{}, "", ctx.Err()
}

func (q *flakyQueue) Ack(context.Context, string) error { return nil }

func TestPoolRunSurvivesTransientQueueErrors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := &flakyQueue{cancel: cancel}
	pool := NewPool(Config{MaxJobs: 1}, queue, nil, nil, nil, nil, zap.NewNop())

	done := make(chan struct{})
	go func() {
		defer close(done)
		pool.Run(ctx)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("pool did not stop on context cancellation")
	}

	queue.mu.Lock()
	defer queue.mu.Unlock()
	assert.Equal(t, 2, queue.reads, "a transient read error should be retried, not end the pool")
}

func TestBuildVenvNamesFailingStep(t *testing.T) {
	pool := NewPool(Config{
		PythonBin: filepath.Join(t.TempDir(), "missing-python"),
	}, nil, nil, nil, nil, nil, zap.NewNop())

	_, err := pool.buildVenv(context.Background(), t.TempDir(), t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "venv failed")
}
