package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Priority selects the queue lane a job waits in.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// Clamp maps out-of-range values onto the nearest lane.
func (p Priority) Clamp() Priority {
	if p < PriorityLow {
		return PriorityLow
	}
	if p > PriorityHigh {
		return PriorityHigh
	}
	return p
}

// ErrQueueEmpty is returned by ClaimBlocking when nothing arrived before the
// timeout.
var ErrQueueEmpty = errors.New("queue empty")

type Queue interface {
	Enqueue(ctx context.Context, jobID uuid.UUID, priority Priority) error
	ClaimBlocking(ctx context.Context, timeout time.Duration) (uuid.UUID, error)
	Ack(ctx context.Context, jobID uuid.UUID) error
	RequeueStale(ctx context.Context, maxPerLane int64) (int64, error)
}

type Lane struct {
	QueueKey      string
	ProcessingKey string
}

// LanesFor derives the three lanes from base queue and processing keys.
func LanesFor(queueKey, processingKey string) (low, normal, high Lane) {
	lane := func(suffix string) Lane {
		return Lane{QueueKey: queueKey + ":" + suffix, ProcessingKey: processingKey + ":" + suffix}
	}
	return lane("low"), lane("normal"), lane("high")
}

// redisPriorityQueue is a reliable queue of research jobs over Redis lists.
//
// Claim moves an id from lane.queue to lane.processing (BRPOPLPUSH) and
// remembers the lane in processingMapKey; Ack removes it from there. Ids left
// in a processing list by a crashed worker are returned by RequeueStale, so
// delivery is at-least-once.
type redisPriorityQueue struct {
	rdb              *redis.Client
	processingMapKey string
	lanes            [3]Lane // indexed by Priority
}

func NewRedisPriorityQueue(rdb *redis.Client, processingMapKey string, low, normal, high Lane) Queue {
	return &redisPriorityQueue{
		rdb:              rdb,
		processingMapKey: processingMapKey,
		lanes:            [3]Lane{PriorityLow: low, PriorityNormal: normal, PriorityHigh: high},
	}
}

// byPriority lists lanes high to low.
func (q *redisPriorityQueue) byPriority() []Lane {
	return []Lane{q.lanes[PriorityHigh], q.lanes[PriorityNormal], q.lanes[PriorityLow]}
}

func (q *redisPriorityQueue) Enqueue(ctx context.Context, jobID uuid.UUID, priority Priority) error {
	ln := q.lanes[priority.Clamp()]
	return q.rdb.LPush(ctx, ln.QueueKey, jobID.String()).Err()
}

// ClaimBlocking takes the next job, high lanes first. Ready jobs are taken
// without blocking; otherwise the lanes are polled high to low in short
// blocking slots so a high priority job never waits behind a long block on
// the low lane. A timeout <= 0 waits until ctx is done.
func (q *redisPriorityQueue) ClaimBlocking(ctx context.Context, timeout time.Duration) (uuid.UUID, error) {
	forever := timeout <= 0
	deadline := time.Now().Add(timeout)

	slot := time.Second
	if !forever && timeout < slot {
		slot = timeout
	}

	for {
		if err := ctx.Err(); err != nil {
			return uuid.Nil, err
		}

		for _, ln := range q.byPriority() {
			raw, err := q.rdb.RPopLPush(ctx, ln.QueueKey, ln.ProcessingKey).Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return uuid.Nil, err
			}
			return q.claimed(ctx, ln, raw)
		}

		for _, ln := range q.byPriority() {
			wait := slot
			if !forever {
				remain := time.Until(deadline)
				if remain <= 0 {
					return uuid.Nil, ErrQueueEmpty
				}
				wait = min(wait, remain)
			}

			raw, err := q.rdb.BRPopLPush(ctx, ln.QueueKey, ln.ProcessingKey, wait).Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return uuid.Nil, err
			}
			return q.claimed(ctx, ln, raw)
		}
	}
}

func (q *redisPriorityQueue) claimed(ctx context.Context, ln Lane, raw string) (uuid.UUID, error) {
	// remember which processing list holds this id (for Ack)
	if err := q.rdb.HSet(ctx, q.processingMapKey, raw, ln.ProcessingKey).Err(); err != nil {
		return uuid.Nil, err
	}

	id, err := uuid.Parse(raw)
	if err != nil {
		// not ours; drop it so it isn't requeued forever
		_ = q.ackRaw(ctx, raw)
		return uuid.Nil, fmt.Errorf("queue holds invalid job id %q: %w", raw, err)
	}
	return id, nil
}

func (q *redisPriorityQueue) Ack(ctx context.Context, jobID uuid.UUID) error {
	return q.ackRaw(ctx, jobID.String())
}

func (q *redisPriorityQueue) ackRaw(ctx context.Context, raw string) error {
	processingKey, err := q.rdb.HGet(ctx, q.processingMapKey, raw).Result()
	if errors.Is(err, redis.Nil) {
		// lane unknown, try all of them
		for _, ln := range q.lanes {
			_ = q.rdb.LRem(ctx, ln.ProcessingKey, 1, raw).Err()
		}
		return nil
	}
	if err != nil {
		return err
	}

	if err := q.rdb.LRem(ctx, processingKey, 1, raw).Err(); err != nil {
		return err
	}
	return q.rdb.HDel(ctx, q.processingMapKey, raw).Err()
}

// RequeueStale moves up to maxPerLane ids per lane from processing back to
// the queue.
func (q *redisPriorityQueue) RequeueStale(ctx context.Context, maxPerLane int64) (int64, error) {
	var moved int64

	for _, ln := range q.byPriority() {
		for i := int64(0); i < maxPerLane; i++ {
			raw, err := q.rdb.RPopLPush(ctx, ln.ProcessingKey, ln.QueueKey).Result()
			if errors.Is(err, redis.Nil) {
				break
			}
			if err != nil {
				return moved, err
			}
			moved++
			_ = q.rdb.HDel(ctx, q.processingMapKey, raw).Err()
		}
	}

	return moved, nil
}
