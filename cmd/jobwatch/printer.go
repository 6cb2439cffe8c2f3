package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"research-job-service/internal/client"
	"research-job-service/internal/entity"
)

// printer writes one line per visible change between consecutive updates.
type printer struct {
	w io.Writer

	connected  bool
	status     entity.JobStatus
	progress   float64
	iterations map[string]bool
	sources    map[string]bool
	errText    string
	report     string
}

func newPrinter(w io.Writer) *printer {
	return &printer{
		w:          w,
		iterations: map[string]bool{},
		sources:    map[string]bool{},
		progress:   -1,
	}
}

func (p *printer) print(u client.Update) {
	if u.Connected != p.connected {
		p.connected = u.Connected
		if u.Connected {
			fmt.Fprintln(p.w, "* connected")
		} else {
			fmt.Fprintln(p.w, "* disconnected, state may be stale")
		}
	}
	if u.Err != nil {
		fmt.Fprintf(p.w, "! %v\n", u.Err)
	}

	v := u.View
	if v.Status == "" {
		return
	}

	if v.Status != p.status {
		p.status = v.Status
		fmt.Fprintf(p.w, "status   %s\n", v.Status)
	}
	if !v.Status.Terminal() && v.Progress != p.progress {
		p.progress = v.Progress
		fmt.Fprintf(p.w, "progress %.0f%%\n", v.Progress)
	}
	for _, it := range v.Iterations {
		if p.iterations[it.ID] {
			continue
		}
		p.iterations[it.ID] = true
		fmt.Fprintf(p.w, "step %-3d %s\n", it.Step, it.Action)
	}
	for _, src := range v.Sources {
		if p.sources[src.URL] {
			continue
		}
		p.sources[src.URL] = true
		fmt.Fprintf(p.w, "source   %s (%s)\n", src.Title, src.URL)
	}
	if v.Error != nil && *v.Error != p.errText {
		p.errText = *v.Error
		fmt.Fprintf(p.w, "error    %s\n", *v.Error)
	}
	if v.Status.Terminal() && v.Report != nil && *v.Report != p.report {
		p.report = *v.Report
		fmt.Fprintf(p.w, "\n%s\n", *v.Report)
	}
}

// follow prints updates until the job finishes, the subscription closes or
// ctx is done. A failed job or a missing one is reported as an error.
func follow(ctx context.Context, updates <-chan client.Update, p *printer) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			p.print(u)

			if errors.Is(u.Err, client.ErrNotFound) {
				return u.Err
			}
			// a view seen while disconnected may be missing later events
			if !u.Connected || !u.View.Status.Terminal() {
				continue
			}
			if u.View.Status == entity.StatusFailed {
				return fmt.Errorf("job %s failed", u.View.ID)
			}
			return nil
		}
	}
}
