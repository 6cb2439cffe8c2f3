package reconcile

import (
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"research-job-service/internal/entity"
)

// ApplyEvent folds one stream event into v and returns the resulting view.
//
// It never fails for a well-formed event. A malformed event (payload does not
// match the declared type, unknown type, foreign job id) yields v unchanged
// together with a *ProtocolError. Events that are well-formed but stale, such
// as a status change after a terminal status, are dropped silently.
func ApplyEvent(v View, ev entity.Event) (View, error) {
	if err := checkJobID(v, ev); err != nil {
		return v, err
	}

	switch ev.Type {
	case entity.EventStatus:
		var p entity.StatusPayload
		if err := decode(ev, &p); err != nil {
			return v, err
		}
		if p.Status == nil || !p.Status.Valid() {
			return v, malformed(ev, "missing or unknown status", nil)
		}
		return applyStatus(v, *p.Status, p.Progress, ev.Seq), nil

	case entity.EventProgress:
		var p entity.ProgressPayload
		if err := decode(ev, &p); err != nil {
			return v, err
		}
		if p.Progress == nil {
			return v, malformed(ev, "missing progress", nil)
		}
		return applyProgress(v, *p.Progress, ev.Seq), nil

	case entity.EventIteration:
		var it entity.Iteration
		if err := decode(ev, &it); err != nil {
			return v, err
		}
		if it.ID == "" {
			return v, malformed(ev, "missing iteration id", nil)
		}
		if it.Step < 0 {
			return v, malformed(ev, "negative iteration step", nil)
		}
		out := v
		out.Iterations = upsert(v.Iterations, it, func(x entity.Iteration) bool { return x.ID == it.ID })
		return out, nil

	case entity.EventSource:
		var src entity.Source
		if err := decode(ev, &src); err != nil {
			return v, err
		}
		if src.URL == "" {
			return v, malformed(ev, "missing source url", nil)
		}
		out := v
		out.Sources = upsert(v.Sources, src, func(x entity.Source) bool { return x.URL == src.URL })
		return out, nil

	case entity.EventReport:
		var p entity.ReportPayload
		if err := decode(ev, &p); err != nil {
			return v, err
		}
		if p.Report == nil {
			return v, malformed(ev, "missing report", nil)
		}
		return applyReport(v, *p.Report, ev.Seq), nil

	case entity.EventError:
		var p entity.ErrorPayload
		if err := decode(ev, &p); err != nil {
			return v, err
		}
		if p.Error == nil {
			return v, malformed(ev, "missing error", nil)
		}
		return applyError(v, *p.Error, ev.Seq), nil

	default:
		return v, malformed(ev, "unknown event type", nil)
	}
}

func applyStatus(v View, next entity.JobStatus, progress *float64, seq uint64) View {
	if v.Status.Terminal() || !fresh(seq, v.marks.status) {
		return v
	}
	// pending -> running -> terminal only; a late "pending" after "running"
	// is dropped like a late status after a terminal one.
	if next.Rank() < v.Status.Rank() {
		return v
	}

	out := v
	out.Status = next
	out.marks.status = raise(v.marks.status, seq)
	if progress != nil && fresh(seq, v.marks.progress) {
		out.Progress = entity.ClampProgress(*progress)
		out.marks.progress = raise(v.marks.progress, seq)
	}
	return out
}

func applyProgress(v View, progress float64, seq uint64) View {
	if v.Status.Terminal() || !fresh(seq, v.marks.progress) {
		return v
	}
	out := v
	out.Progress = entity.ClampProgress(progress)
	out.marks.progress = raise(v.marks.progress, seq)
	return out
}

func applyReport(v View, report string, seq uint64) View {
	if !fresh(seq, v.marks.report) {
		return v
	}
	out := v
	out.Report = &report
	out.marks.report = raise(v.marks.report, seq)
	return out
}

func applyError(v View, msg string, seq uint64) View {
	if !fresh(seq, v.marks.failure) {
		return v
	}
	switch {
	case v.Status == entity.StatusFailed:
		// Trailing diagnostics for an already failed job refine the message.
	case v.Status.Terminal():
		return v
	}

	out := v
	out.Error = &msg
	out.Status = entity.StatusFailed
	out.marks.failure = raise(v.marks.failure, seq)
	out.marks.status = raise(v.marks.status, seq)
	return out
}

// upsert returns a new slice with item replacing the first element matching
// same, or appended when none matches. items is not modified.
func upsert[T any](items []T, item T, same func(T) bool) []T {
	for i := range items {
		if same(items[i]) {
			next := make([]T, len(items))
			copy(next, items)
			next[i] = item
			return next
		}
	}
	next := make([]T, len(items), len(items)+1)
	copy(next, items)
	return append(next, item)
}

func decode(ev entity.Event, dst any) error {
	if len(ev.Data) == 0 {
		return malformed(ev, "empty payload", nil)
	}
	if err := json.Unmarshal(ev.Data, dst); err != nil {
		return malformed(ev, "payload does not match type", err)
	}
	return nil
}

func checkJobID(v View, ev entity.Event) error {
	id, err := uuid.Parse(ev.JobID)
	if err != nil {
		return malformed(ev, "invalid job id", err)
	}
	if v.ID != uuid.Nil && id != v.ID {
		return malformed(ev, "event for another job", errors.New(id.String()))
	}
	return nil
}

// fresh reports whether an event with seq may overwrite a field whose
// watermark is mark. Unsequenced events always win.
func fresh(seq, mark uint64) bool {
	return seq == 0 || seq > mark
}

func raise(mark, seq uint64) uint64 {
	return max(mark, seq)
}
