package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"research-job-service/internal/entity"
	"research-job-service/internal/logger"
)

const (
	defaultIdleTimeout  = 45 * time.Second
	defaultStreamBuffer = 256
)

// StreamClient opens server-sent event streams for jobs.
type StreamClient struct {
	baseURL     string
	httpClient  *http.Client
	idleTimeout time.Duration
	buffer      int
	logger      *logger.Logger
}

// NewStreamClient creates a stream client. idleTimeout bounds how long a
// stream may stay silent (heartbeats included) before it is considered dead;
// zero selects a default.
func NewStreamClient(baseURL string, idleTimeout time.Duration, log *logger.Logger) *StreamClient {
	if idleTimeout <= 0 {
		idleTimeout = defaultIdleTimeout
	}
	// No client timeout: streams are long lived and the idle timer guards
	// them once headers arrive. Until then the header timeout does.
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = idleTimeout

	return &StreamClient{
		baseURL:     baseURL,
		httpClient:  &http.Client{Transport: transport},
		idleTimeout: idleTimeout,
		buffer:      defaultStreamBuffer,
		logger:      log,
	}
}

// Stream is one open event stream. Events are delivered in the order the
// server sent them. The Events channel is closed when the stream ends; Err
// then reports why.
type Stream struct {
	jobID  uuid.UUID
	events chan entity.Event
	done   chan struct{}
	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

// Open connects to the job's event stream. It fails with ErrNotFound when the
// job doesn't exist and with a *NetworkError when the connection cannot be
// established.
func (c *StreamClient) Open(ctx context.Context, id uuid.UUID) (*Stream, error) {
	streamCtx, cancel := context.WithCancel(ctx)

	path := "/jobs/" + id.String() + "/events"
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, &NetworkError{Op: "open stream", Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("open stream: %w", ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		resp.Body.Close()
		cancel()
		return nil, &NetworkError{Op: "open stream", Code: resp.StatusCode}
	}

	s := &Stream{
		jobID:  id,
		events: make(chan entity.Event, c.buffer),
		done:   make(chan struct{}),
		cancel: cancel,
	}

	c.logger.Debug("client: stream opened", "job_id", id)

	go s.read(streamCtx, resp, c.idleTimeout, c.logger)
	return s, nil
}

// Dial is Open behind the EventStream interface used by the Supervisor.
func (c *StreamClient) Dial(ctx context.Context, id uuid.UUID) (EventStream, error) {
	s, err := c.Open(ctx, id)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Events returns the channel of decoded events.
func (s *Stream) Events() <-chan entity.Event {
	return s.events
}

// Err returns the reason the stream ended. It is meaningful once Events is
// closed.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close tears the stream down. When it returns the reader goroutine has
// exited and no undelivered event remains in the channel.
func (s *Stream) Close() {
	s.cancel()
	<-s.done
	for range s.events {
	}
}

func (s *Stream) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *Stream) read(ctx context.Context, resp *http.Response, idleTimeout time.Duration, log *logger.Logger) {
	defer close(s.done)
	defer close(s.events)
	defer resp.Body.Close()

	idle := time.AfterFunc(idleTimeout, func() {
		s.fail(&NetworkError{Op: "read stream", Err: errStreamIdle})
		s.cancel()
	})
	defer idle.Stop()

	reader := bufio.NewReader(resp.Body)
	var data []string

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			switch {
			case ctx.Err() != nil:
				s.fail(ctx.Err())
			case errors.Is(err, io.EOF):
				s.fail(&NetworkError{Op: "read stream", Err: errStreamClosed})
			default:
				s.fail(&NetworkError{Op: "read stream", Err: err})
			}
			return
		}
		idle.Reset(idleTimeout)

		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if len(data) == 0 {
				continue
			}
			ev := s.decode(strings.Join(data, "\n"), log)
			data = data[:0]
			select {
			case s.events <- ev:
			case <-ctx.Done():
				s.fail(ctx.Err())
				return
			}
		case strings.HasPrefix(line, ":"):
			// heartbeat comment
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		default:
			// event:, id: and retry: fields carry nothing the event body
			// doesn't already have.
		}
	}
}

// decode turns a frame into an event. A frame that is not an event object
// still yields an event (with no type) so the consumer can account for it as
// a protocol error instead of it vanishing here.
func (s *Stream) decode(frame string, log *logger.Logger) entity.Event {
	var ev entity.Event
	if err := json.Unmarshal([]byte(frame), &ev); err != nil {
		log.Warn("client: undecodable stream frame",
			"job_id", s.jobID,
			"error", err)
		return entity.Event{JobID: s.jobID.String(), Data: json.RawMessage(nil)}
	}
	return ev
}
