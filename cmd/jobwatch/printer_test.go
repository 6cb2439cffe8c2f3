package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"research-job-service/internal/client"
	"research-job-service/internal/entity"
	"research-job-service/internal/reconcile"
)

func viewOf(status entity.JobStatus, progress float64, its ...entity.Iteration) reconcile.View {
	return reconcile.NewView(entity.Job{
		ID:         uuid.MustParse("11111111-1111-1111-1111-111111111111"),
		Query:      "q",
		Status:     status,
		Progress:   progress,
		Iterations: its,
	})
}

func TestFollow_PrintsChangesUntilCompleted(t *testing.T) {
	report := "all done"
	done := viewOf(entity.StatusCompleted, 100, entity.Iteration{ID: "a", Step: 0, Action: "plan"})
	done.Report = &report

	updates := make(chan client.Update, 4)
	updates <- client.Update{View: viewOf(entity.StatusPending, 0), Connected: true}
	updates <- client.Update{View: viewOf(entity.StatusRunning, 25, entity.Iteration{ID: "a", Step: 0, Action: "plan"}), Connected: true}
	updates <- client.Update{View: done, Connected: true}
	updates <- client.Update{View: done, Connected: true}

	var out bytes.Buffer
	require.NoError(t, follow(context.Background(), updates, newPrinter(&out)))

	assert.Equal(t, "* connected\n"+
		"status   pending\n"+
		"progress 0%\n"+
		"status   running\n"+
		"progress 25%\n"+
		"step 0   plan\n"+
		"status   completed\n"+
		"\nall done\n", out.String())
	assert.Len(t, updates, 1, "follow stops at the first terminal view")
}

func TestFollow_WaitsForConnectedTerminalView(t *testing.T) {
	updates := make(chan client.Update, 2)
	updates <- client.Update{View: viewOf(entity.StatusFailed, 0), Connected: false}
	close(updates)

	var out bytes.Buffer
	require.NoError(t, follow(context.Background(), updates, newPrinter(&out)))
	assert.Contains(t, out.String(), "status   failed")
}

func TestFollow_FailedJobIsAnError(t *testing.T) {
	msg := "timeout"
	v := viewOf(entity.StatusFailed, 0)
	v.Error = &msg

	updates := make(chan client.Update, 1)
	updates <- client.Update{View: v, Connected: true}

	var out bytes.Buffer
	err := follow(context.Background(), updates, newPrinter(&out))
	require.Error(t, err)
	assert.Contains(t, out.String(), "error    timeout")
}

func TestFollow_NotFound(t *testing.T) {
	updates := make(chan client.Update, 1)
	updates <- client.Update{State: client.StateClosed, Err: client.ErrNotFound}

	err := follow(context.Background(), updates, newPrinter(&bytes.Buffer{}))
	require.ErrorIs(t, err, client.ErrNotFound)
}

func TestPrinter_ReportsDisconnect(t *testing.T) {
	var out bytes.Buffer
	p := newPrinter(&out)
	p.print(client.Update{View: viewOf(entity.StatusRunning, 10), Connected: true})
	out.Reset()

	p.print(client.Update{View: viewOf(entity.StatusRunning, 10), Connected: false})
	assert.Equal(t, "* disconnected, state may be stale\n", out.String())
}

func TestFollow_ReportPrintedOnce(t *testing.T) {
	report := "final report"
	done := viewOf(entity.StatusCompleted, 100)
	done.Report = &report

	updates := make(chan client.Update, 3)
	updates <- client.Update{View: done, Connected: false}
	updates <- client.Update{View: done, Connected: false}
	updates <- client.Update{View: done, Connected: true}

	var out bytes.Buffer
	require.NoError(t, follow(context.Background(), updates, newPrinter(&out)))

	assert.Equal(t, 1, bytes.Count(out.Bytes(), []byte(report)))
}
