package worker_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"research-job-service/internal/entity"
	"research-job-service/internal/logger"
	"research-job-service/internal/service"
	"research-job-service/internal/worker"
)

type chanQueue struct {
	ids chan uuid.UUID

	mu      sync.Mutex
	acked   []uuid.UUID
	reaped  int
	ackedCh chan struct{}
}

func newChanQueue() *chanQueue {
	return &chanQueue{ids: make(chan uuid.UUID, 16), ackedCh: make(chan struct{}, 16)}
}

func (q *chanQueue) Enqueue(ctx context.Context, id uuid.UUID, _ service.Priority) error {
	q.ids <- id
	return nil
}

func (q *chanQueue) ClaimBlocking(ctx context.Context, timeout time.Duration) (uuid.UUID, error) {
	select {
	case id := <-q.ids:
		return id, nil
	case <-time.After(timeout):
		return uuid.Nil, service.ErrQueueEmpty
	case <-ctx.Done():
		return uuid.Nil, ctx.Err()
	}
}

func (q *chanQueue) Ack(ctx context.Context, id uuid.UUID) error {
	q.mu.Lock()
	q.acked = append(q.acked, id)
	q.mu.Unlock()
	q.ackedCh <- struct{}{}
	return nil
}

func (q *chanQueue) RequeueStale(ctx context.Context, maxPerLane int64) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reaped++
	return 0, nil
}

func TestPool_ProcessesAndAcks(t *testing.T) {
	steps := newFakeSteps(entity.StatusPending)
	queue := newChanQueue()
	proc := worker.NewProcessor(steps, worker.DryRun{}, logger.Discard())
	pool := worker.NewPool(queue, proc, 2, 20*time.Millisecond, logger.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	require.NoError(t, queue.Enqueue(ctx, steps.job.ID, service.PriorityNormal))

	select {
	case <-queue.ackedCh:
	case <-time.After(2 * time.Second):
		t.Fatal("job was not acked")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop")
	}

	assert.Equal(t, []uuid.UUID{steps.job.ID}, queue.acked)
	assert.Equal(t, entity.StatusCompleted, steps.job.Status)
}

func TestRunReaper_OnceWithoutInterval(t *testing.T) {
	queue := newChanQueue()
	worker.RunReaper(context.Background(), queue, 0, logger.Discard())
	assert.Equal(t, 1, queue.reaped)
}
