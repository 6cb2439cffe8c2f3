package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"research-job-service/internal/entity"
	"research-job-service/internal/logger"
	"research-job-service/internal/service"
)

func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func receive(t *testing.T, sub *service.EventSubscription) entity.Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return entity.Event{}
	}
}

func TestEventBus_PublishAssignsIncreasingSeq(t *testing.T) {
	ctx := context.Background()
	bus := service.NewEventBus(newRedis(t), "test", logger.Discard())
	id := uuid.New()

	sub, err := bus.Subscribe(ctx, id)
	require.NoError(t, err)
	defer sub.Close()

	progress := 20.0
	ev1, err := entity.NewEvent(entity.EventProgress, id.String(), entity.ProgressPayload{Progress: &progress})
	require.NoError(t, err)
	ev2, err := entity.NewEvent(entity.EventIteration, id.String(), entity.Iteration{ID: "it-1", Step: 1, Action: "search"})
	require.NoError(t, err)

	out1, err := bus.Publish(ctx, ev1)
	require.NoError(t, err)
	out2, err := bus.Publish(ctx, ev2)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), out1.Seq)
	assert.Equal(t, uint64(2), out2.Seq)

	got1 := receive(t, sub)
	got2 := receive(t, sub)
	assert.Equal(t, entity.EventProgress, got1.Type)
	assert.Equal(t, uint64(1), got1.Seq)
	assert.JSONEq(t, `{"progress":20}`, string(got1.Data))
	assert.Equal(t, entity.EventIteration, got2.Type)
	assert.Equal(t, uint64(2), got2.Seq)

	seq, err := bus.CurrentSeq(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)
}

func TestEventBus_ChannelsArePerJob(t *testing.T) {
	ctx := context.Background()
	bus := service.NewEventBus(newRedis(t), "test", logger.Discard())
	mine, other := uuid.New(), uuid.New()

	sub, err := bus.Subscribe(ctx, mine)
	require.NoError(t, err)
	defer sub.Close()

	report := "done"
	evOther, err := entity.NewEvent(entity.EventReport, other.String(), entity.ReportPayload{Report: &report})
	require.NoError(t, err)
	evMine, err := entity.NewEvent(entity.EventReport, mine.String(), entity.ReportPayload{Report: &report})
	require.NoError(t, err)

	_, err = bus.Publish(ctx, evOther)
	require.NoError(t, err)
	_, err = bus.Publish(ctx, evMine)
	require.NoError(t, err)

	got := receive(t, sub)
	assert.Equal(t, mine.String(), got.JobID)
	assert.Equal(t, uint64(1), got.Seq, "sequences are per job")
}

func TestEventBus_CurrentSeqWithoutEvents(t *testing.T) {
	bus := service.NewEventBus(newRedis(t), "test", logger.Discard())

	seq, err := bus.CurrentSeq(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Zero(t, seq)
}

func TestEventBus_PublishRejectsBadJobID(t *testing.T) {
	bus := service.NewEventBus(newRedis(t), "test", logger.Discard())

	_, err := bus.Publish(context.Background(), entity.Event{Type: entity.EventReport, JobID: "nope"})
	require.Error(t, err)
}

func TestEventBus_CloseEndsEvents(t *testing.T) {
	bus := service.NewEventBus(newRedis(t), "test", logger.Discard())

	sub, err := bus.Subscribe(context.Background(), uuid.New())
	require.NoError(t, err)
	require.NoError(t, sub.Close())

	select {
	case _, ok := <-sub.Events():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("events channel not closed")
	}
	assert.NoError(t, sub.Err(), "closing is not a failure")
	// second close is a no-op
	assert.NoError(t, sub.Close())
}

// A reader that stops consuming must be cut off rather than have events
// dropped from the middle of its stream.
func TestEventBus_LaggingSubscriberIsClosed(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	bus := service.NewEventBus(rdb, "test", logger.Discard())

	id := uuid.New()
	channel := "test:events:" + id.String()
	sub, err := bus.Subscribe(ctx, id)
	require.NoError(t, err)
	defer sub.Close()

	const published = 300
	for i := 0; i < published; i++ {
		progress := float64(i) / 3
		ev, err := entity.NewEvent(entity.EventProgress, id.String(), entity.ProgressPayload{Progress: &progress})
		require.NoError(t, err)
		_, err = bus.Publish(ctx, ev)
		require.NoError(t, err)
	}

	// the subscription drops its connection once it gives up
	require.Eventually(t, func() bool {
		return mr.PubSubNumSub(channel)[channel] == 0
	}, 2*time.Second, 10*time.Millisecond)

	var got []entity.Event
	for ev := range sub.Events() {
		got = append(got, ev)
	}
	assert.Less(t, len(got), published)
	for i, ev := range got {
		assert.Equal(t, uint64(i+1), ev.Seq, "delivered events have no gaps")
	}
	assert.ErrorIs(t, sub.Err(), service.ErrSubscriberLagging)
}
