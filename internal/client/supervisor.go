package client

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"research-job-service/internal/entity"
	"research-job-service/internal/logger"
	"research-job-service/internal/reconcile"
)

// State is the connection state of a subscription.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SnapshotFetcher loads the authoritative state of a job.
type SnapshotFetcher interface {
	FetchJob(ctx context.Context, id uuid.UUID) (entity.Job, error)
}

// EventStream is an open, ordered stream of events for one job.
type EventStream interface {
	Events() <-chan entity.Event
	Err() error
	Close()
}

// StreamDialer opens event streams.
type StreamDialer interface {
	Dial(ctx context.Context, id uuid.UUID) (EventStream, error)
}

// SupervisorConfig tunes reconnects and snapshot deadlines.
type SupervisorConfig struct {
	Backoff BackoffConfig `yaml:"backoff"`
	// InitialSnapshotTimeout bounds the first snapshot fetch. When it
	// expires the consumer receives an Update carrying the error.
	InitialSnapshotTimeout time.Duration `yaml:"initial_snapshot_timeout"`
	// SnapshotTimeout bounds snapshot fetches after a reconnect.
	SnapshotTimeout time.Duration `yaml:"snapshot_timeout"`
}

// DefaultSupervisorConfig returns the stock reconnect policy.
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		Backoff:                DefaultBackoff(),
		InitialSnapshotTimeout: 10 * time.Second,
		SnapshotTimeout:        10 * time.Second,
	}
}

// Supervisor creates subscriptions that keep a reconciled view of a job
// current across stream drops.
type Supervisor struct {
	fetcher SnapshotFetcher
	dialer  StreamDialer
	cfg     SupervisorConfig
	logger  *logger.Logger
}

func NewSupervisor(fetcher SnapshotFetcher, dialer StreamDialer, cfg SupervisorConfig, log *logger.Logger) *Supervisor {
	d := DefaultSupervisorConfig()
	if cfg.InitialSnapshotTimeout <= 0 {
		cfg.InitialSnapshotTimeout = d.InitialSnapshotTimeout
	}
	if cfg.SnapshotTimeout <= 0 {
		cfg.SnapshotTimeout = d.SnapshotTimeout
	}
	return &Supervisor{
		fetcher: fetcher,
		dialer:  dialer,
		cfg:     cfg,
		logger:  log,
	}
}

// Update is delivered to the consumer on every visible change: a new view,
// a connectivity change or a surfaced error.
type Update struct {
	View      reconcile.View
	State     State
	Connected bool
	// Err is set when the first connect or snapshot could not complete in
	// time, or when the job does not exist. The view is provisional or empty in that case.
	Err error
}

// Subscription is a live view of one job. Updates are delivered in order;
// the channel is closed after Unsubscribe or once the job turns out not to
// exist.
type Subscription struct {
	jobID   uuid.UUID
	fetcher SnapshotFetcher
	dialer  StreamDialer
	cfg     SupervisorConfig
	logger  *logger.Logger

	updates chan Update
	cancel  context.CancelFunc
	done    chan struct{}

	state          atomic.Int32
	protocolErrors atomic.Int64

	mu     sync.Mutex
	view   reconcile.View
	seeded bool
	err    error
}

// Subscribe starts tracking a job. Only an invalid job id is reported here;
// every later failure is handled by reconnecting or is surfaced through
// Updates.
func (s *Supervisor) Subscribe(ctx context.Context, jobID string) (*Subscription, error) {
	id, err := uuid.Parse(jobID)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidJobID, jobID)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		jobID:   id,
		fetcher: s.fetcher,
		dialer:  s.dialer,
		cfg:     s.cfg,
		logger:  s.logger.With("job_id", id),
		updates: make(chan Update, 16),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	sub.state.Store(int32(StateIdle))

	go sub.run(subCtx)
	return sub, nil
}

// Updates returns the ordered stream of changes.
func (s *Subscription) Updates() <-chan Update {
	return s.updates
}

// View returns the latest view and whether a snapshot has been applied yet.
func (s *Subscription) View() (reconcile.View, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view, s.seeded
}

// State returns the current connection state.
func (s *Subscription) State() State {
	return State(s.state.Load())
}

// Connected reports whether the view is backed by a live stream. While it
// is false the view is provisional.
func (s *Subscription) Connected() bool {
	return s.State() == StateConnected
}

// ProtocolErrors returns the number of malformed events dropped so far.
func (s *Subscription) ProtocolErrors() int64 {
	return s.protocolErrors.Load()
}

// Err returns the error that closed the subscription, if any.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed when the subscription has fully stopped.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Unsubscribe stops the subscription. When it returns the stream is closed,
// no in-flight snapshot will be applied and no further update is received:
// updates still queued for the consumer are discarded.
func (s *Subscription) Unsubscribe() {
	s.cancel()
	<-s.done
	for range s.updates {
	}
}

func (s *Subscription) run(ctx context.Context) {
	defer close(s.done)
	defer close(s.updates)
	defer s.setState(StateClosed)

	bo := s.cfg.Backoff.newBackoff()

	for {
		s.setState(StateConnecting)
		err := s.session(ctx, bo)
		if ctx.Err() != nil {
			return
		}

		if errors.Is(err, ErrNotFound) {
			s.logger.Warn("client: job not found, closing subscription")
			s.mu.Lock()
			s.err = err
			s.mu.Unlock()
			s.setState(StateClosed)
			s.emit(ctx, Update{View: s.current(), State: StateClosed, Err: err})
			return
		}

		delay := bo.Next()
		s.logger.Warn("client: stream disconnected",
			"error", err,
			"retry_in", delay)
		s.setState(StateDisconnected)
		s.emit(ctx, Update{View: s.current(), State: StateDisconnected})

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// session runs one connection: open the stream, load the snapshot, then fold
// events until the stream ends. The stream is opened before the snapshot is
// fetched so nothing published in between is lost; events that arrive during
// the fetch wait in the stream buffer and are folded on top of the snapshot.
func (s *Subscription) session(ctx context.Context, bo *reconnectBackoff) error {
	_, seeded := s.View()
	timeout := s.cfg.SnapshotTimeout
	if !seeded {
		timeout = s.cfg.InitialSnapshotTimeout
	}

	stream, release, err := s.dial(ctx, timeout)
	if err != nil {
		return s.setupFailed(ctx, seeded, "open stream", err)
	}
	defer release()
	defer stream.Close()

	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	snapshot, err := s.fetcher.FetchJob(fetchCtx, s.jobID)
	cancel()
	if err != nil {
		return s.setupFailed(ctx, seeded, "fetch snapshot", err)
	}
	if ctx.Err() != nil {
		// unsubscribed mid-fetch; the result must not be applied
		return ctx.Err()
	}

	view := reconcile.ApplySnapshot(s.current(), snapshot)
	s.store(view)
	s.setState(StateConnected)
	bo.Reset()
	s.logger.Info("client: connected",
		"status", view.Status,
		"progress", view.Progress)
	s.emit(ctx, Update{View: view, State: StateConnected, Connected: true})

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-stream.Events():
			if !ok {
				if err := stream.Err(); err != nil {
					return err
				}
				return errStreamClosed
			}

			next, err := reconcile.ApplyEvent(view, ev)
			if err != nil {
				s.protocolErrors.Add(1)
				s.logger.Warn("client: dropped malformed event",
					"type", ev.Type,
					"error", err)
				continue
			}
			if reflect.DeepEqual(next, view) {
				continue
			}
			view = next
			s.store(view)
			s.emit(ctx, Update{View: view, State: StateConnected, Connected: true})
		}
	}
}

// dial opens the stream within timeout. Only establishment is bounded: the
// returned stream lives until it is closed, after which release must be
// called.
func (s *Subscription) dial(ctx context.Context, timeout time.Duration) (EventStream, context.CancelFunc, error) {
	type result struct {
		stream EventStream
		err    error
	}

	dialCtx, cancel := context.WithCancel(ctx)
	ch := make(chan result, 1)
	go func() {
		stream, err := s.dialer.Dial(dialCtx, s.jobID)
		ch <- result{stream, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		if r.err != nil {
			cancel()
			return nil, nil, r.err
		}
		return r.stream, cancel, nil
	case <-timer.C:
	case <-ctx.Done():
	}

	cancel()
	// a dial that completes after we gave up is closed right away
	go func() {
		if r := <-ch; r.err == nil {
			r.stream.Close()
		}
	}()
	if ctx.Err() != nil {
		return nil, nil, ctx.Err()
	}
	return nil, nil, &NetworkError{
		Op:  "open stream",
		Err: fmt.Errorf("no response within %s: %w", timeout, context.DeadlineExceeded),
	}
}

// setupFailed reports a failed connect or snapshot. Until the first
// snapshot is applied every failure is surfaced to the consumer; later ones
// only show as a disconnect.
func (s *Subscription) setupFailed(ctx context.Context, seeded bool, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	err = fmt.Errorf("%s: %w", op, err)
	if !seeded && !errors.Is(err, ErrNotFound) {
		s.emit(ctx, Update{
			View:  s.current(),
			State: StateConnecting,
			Err:   fmt.Errorf("initial %w", err),
		})
	}
	return err
}

func (s *Subscription) current() reconcile.View {
	v, _ := s.View()
	return v
}

func (s *Subscription) store(v reconcile.View) {
	s.mu.Lock()
	s.view = v
	s.seeded = true
	s.mu.Unlock()
}

func (s *Subscription) setState(st State) {
	s.state.Store(int32(st))
}

// emit blocks until the consumer takes the update or the subscription ends.
func (s *Subscription) emit(ctx context.Context, u Update) {
	select {
	case s.updates <- u:
	case <-ctx.Done():
	}
}
