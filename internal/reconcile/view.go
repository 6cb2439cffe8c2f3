// Package reconcile folds snapshots and stream events into a client-side
// view of a research job.
//
// Every fold takes a View by value and returns a new View; slices held by a
// View are never modified in place, so a View handed to a consumer stays
// valid after later folds.
package reconcile

import (
	"reflect"
	"slices"

	"research-job-service/internal/entity"
)

// View is the client-side projection of a job.
type View struct {
	entity.Job

	marks watermarks
}

// watermarks hold the highest sequence number folded into each
// last-writer-wins field. Zero means no sequenced event has been seen.
type watermarks struct {
	status   uint64
	progress uint64
	report   uint64
	failure  uint64
}

// NewView seeds a view from a snapshot.
func NewView(snapshot entity.Job) View {
	return ApplySnapshot(View{}, snapshot)
}

// ApplySnapshot replaces the whole view with snapshot. The snapshot is
// authoritative: nothing from the previous view survives.
func ApplySnapshot(_ View, snapshot entity.Job) View {
	job := snapshot
	job.Iterations = slices.Clone(snapshot.Iterations)
	job.Sources = slices.Clone(snapshot.Sources)

	return View{
		Job: job,
		marks: watermarks{
			status:   snapshot.Seq,
			progress: snapshot.Seq,
			report:   snapshot.Seq,
			failure:  snapshot.Seq,
		},
	}
}

// Equal compares two views treating iterations and sources as keyed
// collections. Slice order reflects arrival order and is not part of a
// view's identity.
func (v View) Equal(other View) bool {
	a, b := v, other
	a.Iterations, b.Iterations = nil, nil
	a.Sources, b.Sources = nil, nil
	if !reflect.DeepEqual(a, b) {
		return false
	}
	return sameByKey(v.Iterations, other.Iterations, func(it entity.Iteration) string { return it.ID }) &&
		sameByKey(v.Sources, other.Sources, func(s entity.Source) string { return s.URL })
}

// Terminal reports whether the job has reached a terminal status.
func (v View) Terminal() bool {
	return v.Status.Terminal()
}

func sameByKey[T any](a, b []T, key func(T) string) bool {
	if len(a) != len(b) {
		return false
	}
	byKey := make(map[string]T, len(a))
	for _, item := range a {
		byKey[key(item)] = item
	}
	for _, item := range b {
		other, ok := byKey[key(item)]
		if !ok || !reflect.DeepEqual(item, other) {
			return false
		}
	}
	return true
}
