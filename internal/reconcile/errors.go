package reconcile

import (
	"fmt"

	"research-job-service/internal/entity"
)

// ProtocolError reports an event whose payload does not match its declared
// type. The event is dropped and the view is left unchanged.
type ProtocolError struct {
	Type   entity.EventType
	JobID  string
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s event for job %q: %s: %v", e.Type, e.JobID, e.Reason, e.Err)
	}
	return fmt.Sprintf("protocol error: %s event for job %q: %s", e.Type, e.JobID, e.Reason)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

func malformed(ev entity.Event, reason string, err error) *ProtocolError {
	return &ProtocolError{Type: ev.Type, JobID: ev.JobID, Reason: reason, Err: err}
}
