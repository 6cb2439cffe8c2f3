package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"research-job-service/internal/entity"
	"research-job-service/internal/logger"
	"research-job-service/internal/repository/postgresql"
)

// Repository port (implemented by postgresql.JobRepository)
type JobRepository interface {
	Create(ctx context.Context, query string, jobContext json.RawMessage) (*entity.Job, error)
	GetByID(ctx context.Context, id uuid.UUID) (*entity.Job, error)
	List(ctx context.Context, limit, offset int) ([]entity.Job, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status entity.JobStatus, progress *float64) error
	SetProgress(ctx context.Context, id uuid.UUID, progress float64) error
	UpsertIteration(ctx context.Context, jobID uuid.UUID, it entity.Iteration) error
	UpsertSource(ctx context.Context, jobID uuid.UUID, src entity.Source) error
	SetReport(ctx context.Context, id uuid.UUID, report string) error
	Fail(ctx context.Context, id uuid.UUID, errText string) error
}

// JobQueue is the enqueue side of Queue.
type JobQueue interface {
	Enqueue(ctx context.Context, jobID uuid.UUID, priority Priority) error
}

// Publisher is the publish side of EventBus.
type Publisher interface {
	Publish(ctx context.Context, ev entity.Event) (entity.Event, error)
	CurrentSeq(ctx context.Context, id uuid.UUID) (uint64, error)
}

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = postgresql.ErrNotFound
	ErrJobFinished  = postgresql.ErrJobFinished
)

const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// JobService owns job state. Every mutation is persisted first and then
// published, so a subscriber that reads a snapshot after seeing an event
// never finds the store behind the event.
type JobService struct {
	repo   JobRepository
	queue  JobQueue
	events Publisher
	logger *logger.Logger
}

func NewJobService(repo JobRepository, queue JobQueue, events Publisher, log *logger.Logger) *JobService {
	return &JobService{repo: repo, queue: queue, events: events, logger: log}
}

type CreateJobRequest struct {
	Query    string
	Context  json.RawMessage
	Priority Priority
}

func (s *JobService) CreateJob(ctx context.Context, req CreateJobRequest) (*entity.Job, error) {
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return nil, fmt.Errorf("%w: query is required", ErrInvalidInput)
	}
	if len(req.Context) > 0 {
		var obj map[string]any
		if err := json.Unmarshal(req.Context, &obj); err != nil || obj == nil {
			return nil, fmt.Errorf("%w: context must be a JSON object", ErrInvalidInput)
		}
	}

	priority := req.Priority
	if priority != priority.Clamp() {
		priority = PriorityNormal
	}

	job, err := s.repo.Create(ctx, req.Query, req.Context)
	if err != nil {
		return nil, err
	}

	if err := s.queue.Enqueue(ctx, job.ID, priority); err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}

	s.logger.Info("jobs: created",
		"job_id", job.ID,
		"priority", int(priority))
	return job, nil
}

// GetJob returns a snapshot of the job. Its Seq is read before the rows, so
// every event with a higher seq is newer than the snapshot.
func (s *JobService) GetJob(ctx context.Context, id uuid.UUID) (*entity.Job, error) {
	seq, err := s.events.CurrentSeq(ctx, id)
	if err != nil {
		s.logger.Warn("jobs: read seq failed, serving unsequenced snapshot",
			"job_id", id,
			"error", err)
		seq = 0
	}

	job, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	job.Seq = seq
	return job, nil
}

func (s *JobService) ListJobs(ctx context.Context, limit, offset int) ([]entity.Job, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.List(ctx, limit, offset)
}

// SetStatus moves the job forward and publishes a status event.
func (s *JobService) SetStatus(ctx context.Context, id uuid.UUID, status entity.JobStatus, progress *float64) error {
	if err := s.repo.UpdateStatus(ctx, id, status, progress); err != nil {
		return err
	}
	if progress != nil {
		p := entity.ClampProgress(*progress)
		progress = &p
	}
	return s.publish(ctx, id, entity.EventStatus, entity.StatusPayload{Status: &status, Progress: progress})
}

// CancelJob stops a job that has not finished yet.
func (s *JobService) CancelJob(ctx context.Context, id uuid.UUID) error {
	return s.SetStatus(ctx, id, entity.StatusCancelled, nil)
}

func (s *JobService) SetProgress(ctx context.Context, id uuid.UUID, progress float64) error {
	if err := s.repo.SetProgress(ctx, id, progress); err != nil {
		return err
	}
	p := entity.ClampProgress(progress)
	return s.publish(ctx, id, entity.EventProgress, entity.ProgressPayload{Progress: &p})
}

// RecordIteration stores the iteration, assigning an id and a timestamp when
// it has none.
func (s *JobService) RecordIteration(ctx context.Context, id uuid.UUID, it entity.Iteration) (entity.Iteration, error) {
	if it.ID == "" {
		it.ID = uuid.NewString()
	}
	if it.Timestamp.IsZero() {
		it.Timestamp = time.Now().UTC()
	}
	if it.Step < 0 {
		return it, fmt.Errorf("%w: negative step", ErrInvalidInput)
	}
	if err := s.repo.UpsertIteration(ctx, id, it); err != nil {
		return it, err
	}
	return it, s.publish(ctx, id, entity.EventIteration, it)
}

func (s *JobService) RecordSource(ctx context.Context, id uuid.UUID, src entity.Source) error {
	if src.URL == "" {
		return fmt.Errorf("%w: source url is required", ErrInvalidInput)
	}
	if err := s.repo.UpsertSource(ctx, id, src); err != nil {
		return err
	}
	return s.publish(ctx, id, entity.EventSource, src)
}

func (s *JobService) SetReport(ctx context.Context, id uuid.UUID, report string) error {
	if err := s.repo.SetReport(ctx, id, report); err != nil {
		return err
	}
	return s.publish(ctx, id, entity.EventReport, entity.ReportPayload{Report: &report})
}

// FailJob records errText and moves the job to failed.
func (s *JobService) FailJob(ctx context.Context, id uuid.UUID, errText string) error {
	if err := s.repo.Fail(ctx, id, errText); err != nil {
		return err
	}
	return s.publish(ctx, id, entity.EventError, entity.ErrorPayload{Error: &errText})
}

func (s *JobService) publish(ctx context.Context, id uuid.UUID, typ entity.EventType, payload any) error {
	ev, err := entity.NewEvent(typ, id.String(), payload)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", typ, err)
	}
	if _, err := s.events.Publish(ctx, ev); err != nil {
		// the change is stored; subscribers catch up from the next snapshot
		s.logger.Error("jobs: publish failed",
			"job_id", id,
			"type", typ,
			"error", err)
		return fmt.Errorf("publish %s event: %w", typ, err)
	}
	return nil
}
