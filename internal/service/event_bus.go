package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"research-job-service/internal/entity"
	"research-job-service/internal/logger"
)

// publishScript bumps the job's sequence counter and publishes the event
// stamped with the new value in one step, so channel order and seq order
// agree. ARGV[1] is the event JSON with its closing brace removed.
var publishScript = redis.NewScript(`
local seq = redis.call('INCR', KEYS[1])
redis.call('PUBLISH', KEYS[2], ARGV[1] .. ',"seq":' .. seq .. '}')
return seq
`)

// EventBus fans job events out over Redis pub/sub, one channel per job.
type EventBus struct {
	rdb    *redis.Client
	prefix string
	logger *logger.Logger
}

func NewEventBus(rdb *redis.Client, prefix string, log *logger.Logger) *EventBus {
	if prefix == "" {
		prefix = "jobs"
	}
	return &EventBus{rdb: rdb, prefix: prefix, logger: log}
}

func (b *EventBus) channel(id uuid.UUID) string {
	return b.prefix + ":events:" + id.String()
}

func (b *EventBus) seqKey(id uuid.UUID) string {
	return b.prefix + ":" + id.String() + ":seq"
}

// Publish assigns the next sequence number to ev and broadcasts it. The
// returned event carries the assigned seq.
func (b *EventBus) Publish(ctx context.Context, ev entity.Event) (entity.Event, error) {
	id, err := uuid.Parse(ev.JobID)
	if err != nil {
		return ev, fmt.Errorf("publish: %w", err)
	}

	ev.Seq = 0
	raw, err := json.Marshal(ev)
	if err != nil {
		return ev, fmt.Errorf("publish: encode event: %w", err)
	}
	// seq is omitempty, so raw ends with the last field's value and "}"
	prefix := string(raw[:len(raw)-1])

	seq, err := publishScript.Run(ctx, b.rdb, []string{b.seqKey(id), b.channel(id)}, prefix).Uint64()
	if err != nil {
		return ev, fmt.Errorf("publish: %w", err)
	}
	ev.Seq = seq

	b.logger.Debug("events: published",
		"job_id", ev.JobID,
		"type", ev.Type,
		"seq", seq)
	return ev, nil
}

// CurrentSeq returns the latest sequence number issued for a job, zero if
// none has been.
func (b *EventBus) CurrentSeq(ctx context.Context, id uuid.UUID) (uint64, error) {
	v, err := b.rdb.Get(ctx, b.seqKey(id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, err
	}
	return strconv.ParseUint(v, 10, 64)
}

// ErrSubscriberLagging ends a subscription whose reader fell more than
// subscriptionBuffer events behind. The reader should resynchronise from a
// fresh snapshot.
var ErrSubscriberLagging = errors.New("subscriber lagging")

const subscriptionBuffer = 256

// EventSubscription receives the events of one job.
type EventSubscription struct {
	ps     *redis.PubSub
	events chan entity.Event
	cancel context.CancelFunc
	once   sync.Once

	// written by forward before events is closed
	err error
}

// Subscribe starts listening on the job's channel. The subscription is
// active when Subscribe returns, so nothing published afterwards is missed.
func (b *EventBus) Subscribe(ctx context.Context, id uuid.UUID) (*EventSubscription, error) {
	ps := b.rdb.Subscribe(ctx, b.channel(id))
	// wait for the subscription confirmation
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	recvCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &EventSubscription{
		ps:     ps,
		events: make(chan entity.Event, subscriptionBuffer),
		cancel: cancel,
	}
	go sub.forward(recvCtx, b.logger.With("job_id", id))
	return sub, nil
}

// Events is closed when the subscription ends. Err then tells why.
func (s *EventSubscription) Events() <-chan entity.Event {
	return s.events
}

// Err reports why Events was closed: nil after Close, ErrSubscriberLagging
// when the reader fell behind, or the receive error from Redis. It must
// only be called once Events is closed.
func (s *EventSubscription) Err() error {
	return s.err
}

func (s *EventSubscription) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.ps.Close()
	})
	return err
}

func (s *EventSubscription) forward(ctx context.Context, log *logger.Logger) {
	defer close(s.events)

	for {
		msg, err := s.ps.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.err = fmt.Errorf("receive: %w", err)
			}
			return
		}

		var ev entity.Event
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			log.Warn("events: undecodable message", "error", err)
			continue
		}
		select {
		case s.events <- ev:
		default:
			// dropping one event would leave a silent gap in the stream
			s.err = ErrSubscriberLagging
			log.Warn("events: subscriber lagging, closing", "buffered", len(s.events))
			_ = s.ps.Close()
			return
		}
	}
}
