package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"research-job-service/internal/entity"
	"research-job-service/internal/logger"
	"research-job-service/internal/service"
)

// JobSteps is the part of service.JobService a worker drives. Every call
// persists and then publishes one event.
type JobSteps interface {
	GetJob(ctx context.Context, id uuid.UUID) (*entity.Job, error)
	SetStatus(ctx context.Context, id uuid.UUID, status entity.JobStatus, progress *float64) error
	SetProgress(ctx context.Context, id uuid.UUID, progress float64) error
	RecordIteration(ctx context.Context, id uuid.UUID, it entity.Iteration) (entity.Iteration, error)
	RecordSource(ctx context.Context, id uuid.UUID, src entity.Source) error
	SetReport(ctx context.Context, id uuid.UUID, report string) error
	FailJob(ctx context.Context, id uuid.UUID, errText string) error
}

// Recorder is handed to a Researcher to report work on one job. Its calls
// return service.ErrJobFinished once the job was cancelled.
type Recorder interface {
	Iteration(ctx context.Context, action string, result any) error
	Source(ctx context.Context, src entity.Source) error
	Progress(ctx context.Context, progress float64) error
}

// Researcher does the research for one job and returns the report.
type Researcher interface {
	Research(ctx context.Context, job *entity.Job, rec Recorder) (string, error)
}

type Processor struct {
	steps      JobSteps
	researcher Researcher
	logger     *logger.Logger
}

func NewProcessor(steps JobSteps, researcher Researcher, log *logger.Logger) *Processor {
	return &Processor{steps: steps, researcher: researcher, logger: log}
}

// Process runs one claimed job to a terminal status. A job that is already
// finished, or gets cancelled while running, is left as is.
func (p *Processor) Process(ctx context.Context, id uuid.UUID) error {
	start := time.Now()
	log := p.logger.With("job_id", id)

	job, err := p.steps.GetJob(ctx, id)
	if err != nil {
		log.Error("worker: get job", "error", err)
		return err
	}
	if job.Status.Terminal() {
		log.Info("worker: job already finished, skipping", "status", job.Status)
		return nil
	}

	zero := 0.0
	if err := p.steps.SetStatus(ctx, id, entity.StatusRunning, &zero); err != nil {
		if errors.Is(err, service.ErrJobFinished) {
			log.Info("worker: job finished before start")
			return nil
		}
		log.Error("worker: set running", "error", err)
		return err
	}
	log.Info("worker: job running")

	rec := &jobRecorder{steps: p.steps, id: id}
	report, err := p.researcher.Research(ctx, job, rec)
	if err == nil {
		err = p.steps.SetReport(ctx, id, report)
	}
	if err == nil {
		full := 100.0
		err = p.steps.SetStatus(ctx, id, entity.StatusCompleted, &full)
	}

	switch {
	case err == nil:
		log.Info("worker: job completed",
			"iterations", rec.step,
			"duration_ms", time.Since(start).Milliseconds())
		return nil
	case errors.Is(err, service.ErrJobFinished):
		log.Info("worker: job cancelled while running",
			"duration_ms", time.Since(start).Milliseconds())
		return nil
	case ctx.Err() != nil:
		// shutting down; the reaper hands the job to another worker
		return ctx.Err()
	}

	if failErr := p.steps.FailJob(ctx, id, err.Error()); failErr != nil && !errors.Is(failErr, service.ErrJobFinished) {
		log.Error("worker: record failure", "error", failErr)
	}
	log.Warn("worker: job failed",
		"duration_ms", time.Since(start).Milliseconds(),
		"error", err)
	return err
}

type jobRecorder struct {
	steps JobSteps
	id    uuid.UUID
	step  int
}

func (r *jobRecorder) Iteration(ctx context.Context, action string, result any) error {
	var raw json.RawMessage
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("encode iteration result: %w", err)
		}
		raw = b
	}

	_, err := r.steps.RecordIteration(ctx, r.id, entity.Iteration{
		Step:      r.step,
		Action:    action,
		Timestamp: time.Now().UTC(),
		Result:    raw,
	})
	if err != nil {
		return err
	}
	r.step++
	return nil
}

func (r *jobRecorder) Source(ctx context.Context, src entity.Source) error {
	if src.FetchedAt == nil {
		now := time.Now().UTC()
		src.FetchedAt = &now
	}
	return r.steps.RecordSource(ctx, r.id, src)
}

func (r *jobRecorder) Progress(ctx context.Context, progress float64) error {
	return r.steps.SetProgress(ctx, r.id, progress)
}
