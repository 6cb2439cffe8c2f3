package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"research-job-service/internal/logger"
	"research-job-service/internal/service"
)

type Pool struct {
	queue        service.Queue
	processor    *Processor
	workers      int
	claimTimeout time.Duration
	logger       *logger.Logger
}

func NewPool(queue service.Queue, processor *Processor, workers int, claimTimeout time.Duration, log *logger.Logger) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if claimTimeout <= 0 {
		claimTimeout = 5 * time.Second
	}
	return &Pool{
		queue:        queue,
		processor:    processor,
		workers:      workers,
		claimTimeout: claimTimeout,
		logger:       log,
	}
}

// Run claims jobs until ctx is done and waits for in-flight jobs to return.
func (p *Pool) Run(ctx context.Context) {
	p.logger.Info("worker pool started", "workers", p.workers)

	jobCh := make(chan uuid.UUID)
	var wg sync.WaitGroup

	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			log := p.logger.With("worker", n)
			for id := range jobCh {
				if err := p.processor.Process(ctx, id); err != nil {
					log.Error("process job", "job_id", id, "error", err)
					if ctx.Err() != nil {
						// leave it in processing for the reaper
						continue
					}
				}

				// The job is terminal in the store (or was never started);
				// a crash before this point is covered by the reaper.
				if err := p.queue.Ack(context.WithoutCancel(ctx), id); err != nil {
					log.Error("ack job", "job_id", id, "error", err)
				}
			}
		}(i + 1)
	}

	defer func() {
		close(jobCh)
		wg.Wait()
		p.logger.Info("worker pool stopped")
	}()

	for {
		id, err := p.queue.ClaimBlocking(ctx, p.claimTimeout)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if !errors.Is(err, service.ErrQueueEmpty) {
				p.logger.Warn("claim job", "error", err)
			}
			continue
		}
		select {
		case jobCh <- id:
		case <-ctx.Done():
			return
		}
	}
}

// RunReaper moves jobs left in processing by a dead worker back to their
// queue: once right away, then every interval. RequeueStale cannot tell a
// dead worker's job from a live one, so a periodic interval may hand an
// in-flight job to a second worker; interval <= 0 reaps once and returns.
func RunReaper(ctx context.Context, queue service.Queue, interval time.Duration, log *logger.Logger) {
	reap := func() {
		n, err := queue.RequeueStale(ctx, 100)
		if err != nil {
			log.Error("requeue stale jobs", "error", err)
			return
		}
		if n > 0 {
			log.Info("requeued jobs from processing", "count", n)
		}
	}

	reap()
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reap()
		}
	}
}
