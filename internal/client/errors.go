package client

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates the job doesn't exist in the store. Not retried.
	ErrNotFound = errors.New("job not found")

	// ErrInvalidJobID indicates a job identifier that is not a UUID
	ErrInvalidJobID = errors.New("invalid job id")

	// errStreamClosed is reported when the server ends the stream cleanly
	errStreamClosed = errors.New("stream closed by server")

	// errStreamIdle is reported when no bytes (not even heartbeats) arrive
	// within the idle timeout
	errStreamIdle = errors.New("stream idle timeout")
)

// NetworkError is a transient transport failure: connection refused, reset,
// timeout or a 5xx from the store. The supervisor retries these.
type NetworkError struct {
	Op   string
	Code int
	Err  error
}

func (e *NetworkError) Error() string {
	switch {
	case e.Code != 0 && e.Err != nil:
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.Code, e.Err)
	case e.Code != 0:
		return fmt.Sprintf("%s: status %d", e.Op, e.Code)
	default:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var netErr *NetworkError
	return errors.As(err, &netErr)
}
