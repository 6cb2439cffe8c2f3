package entity

import (
	"encoding/json"
)

type EventType string

const (
	EventStatus    EventType = "status"
	EventProgress  EventType = "progress"
	EventIteration EventType = "iteration"
	EventSource    EventType = "source"
	EventReport    EventType = "report"
	EventError     EventType = "error"
)

// Event is one incremental change notification for a job. It is produced by
// the store when a change is persisted and consumed once by a reconciler.
type Event struct {
	Type  EventType       `json:"type"`
	JobID string          `json:"job_id"`
	Data  json.RawMessage `json:"data"`
	Seq   uint64          `json:"seq,omitempty"`
}

// Payload shapes per event type. Pointer fields are required on the wire;
// a nil pointer after decoding means the payload was malformed.

type StatusPayload struct {
	Status   *JobStatus `json:"status"`
	Progress *float64   `json:"progress,omitempty"`
}

type ProgressPayload struct {
	Progress *float64 `json:"progress"`
}

type ReportPayload struct {
	Report *string `json:"report"`
}

type ErrorPayload struct {
	Error *string `json:"error"`
}

// NewEvent marshals payload into an Event of the given type.
func NewEvent(typ EventType, jobID string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: typ, JobID: jobID, Data: data}, nil
}
