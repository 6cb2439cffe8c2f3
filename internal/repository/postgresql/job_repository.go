package postgresql

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"research-job-service/internal/entity"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrJobFinished is returned by writes that would change a job that has
	// already reached a terminal status.
	ErrJobFinished = errors.New("job already finished")
)

type JobRepository struct {
	pool *pgxpool.Pool
}

func NewJobRepository(pool *pgxpool.Pool) *JobRepository {
	return &JobRepository{pool: pool}
}

const jobColumns = `id, query, context, status, progress, report, error, created_at, updated_at, completed_at`

func scanJob(row pgx.Row) (*entity.Job, error) {
	var (
		job        entity.Job
		statusText string
		ctxBytes   []byte
	)
	if err := row.Scan(
		&job.ID,
		&job.Query,
		&ctxBytes, // NULL => nil
		&statusText,
		&job.Progress,
		&job.Report,
		&job.Error,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.CompletedAt,
	); err != nil {
		return nil, err
	}
	job.Status = entity.JobStatus(statusText)
	if ctxBytes != nil {
		job.Context = json.RawMessage(ctxBytes)
	}
	job.Iterations = []entity.Iteration{}
	job.Sources = []entity.Source{}
	return &job, nil
}

func (r *JobRepository) Create(ctx context.Context, query string, jobContext json.RawMessage) (*entity.Job, error) {
	var ctxArg any
	if len(jobContext) > 0 {
		ctxArg = jobContext
	}

	q := `
INSERT INTO jobs (query, context, status, progress)
VALUES ($1, $2, 'pending', 0)
RETURNING ` + jobColumns + `;
`
	job, err := scanJob(r.pool.QueryRow(ctx, q, query, ctxArg))
	if err != nil {
		return nil, err
	}
	return job, nil
}

// GetByID loads a job with its iterations (by step, then arrival) and sources
// (by fetch time).
func (r *JobRepository) GetByID(ctx context.Context, id uuid.UUID) (*entity.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1;`

	job, err := scanJob(r.pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if job.Iterations, err = r.iterations(ctx, id); err != nil {
		return nil, err
	}
	if job.Sources, err = r.sources(ctx, id); err != nil {
		return nil, err
	}
	return job, nil
}

// List returns jobs newest first without their iterations and sources.
func (r *JobRepository) List(ctx context.Context, limit, offset int) ([]entity.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs ORDER BY created_at DESC LIMIT $1 OFFSET $2;`

	rows, err := r.pool.Query(ctx, q, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := []entity.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// UpdateStatus moves a job forward along pending -> running -> terminal.
// Terminal statuses stamp completed_at. progress is optional.
func (r *JobRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status entity.JobStatus, progress *float64) error {
	if !status.Valid() {
		return fmt.Errorf("unknown status %q", status)
	}
	var progressArg any
	if progress != nil {
		progressArg = entity.ClampProgress(*progress)
	}

	const q = `
UPDATE jobs
SET status = $2,
    progress = COALESCE($3, progress),
    updated_at = now(),
    completed_at = CASE WHEN $2 IN ('completed', 'failed', 'cancelled') THEN now() ELSE completed_at END
WHERE id = $1
  AND status IN ('pending', 'running')
  AND NOT (status = 'running' AND $2 = 'pending');
`
	tag, err := r.pool.Exec(ctx, q, id, string(status), progressArg)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.missingOrFinished(ctx, id)
	}
	return nil
}

func (r *JobRepository) SetProgress(ctx context.Context, id uuid.UUID, progress float64) error {
	const q = `
UPDATE jobs SET progress = $2, updated_at = now()
WHERE id = $1 AND status IN ('pending', 'running');
`
	tag, err := r.pool.Exec(ctx, q, id, entity.ClampProgress(progress))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.missingOrFinished(ctx, id)
	}
	return nil
}

const upsertIterationSQL = `
INSERT INTO iterations (id, job_id, step, action, result, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (job_id, id) DO UPDATE
SET step = EXCLUDED.step, action = EXCLUDED.action, result = EXCLUDED.result;
`

// UpsertIteration stores an iteration keyed by (job, id). Re-delivering the
// same id for the same job replaces the previous row.
func (r *JobRepository) UpsertIteration(ctx context.Context, jobID uuid.UUID, it entity.Iteration) error {
	var resultArg any
	if len(it.Result) > 0 {
		resultArg = it.Result
	}

	if _, err := r.pool.Exec(ctx, upsertIterationSQL, it.ID, jobID, it.Step, it.Action, resultArg, it.Timestamp); err != nil {
		return translateFK(err)
	}
	return nil
}

// UpsertSource stores a source keyed by (job, url).
func (r *JobRepository) UpsertSource(ctx context.Context, jobID uuid.UUID, src entity.Source) error {
	const q = `
INSERT INTO sources (job_id, url, title, snippet, content, fetched_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (job_id, url) DO UPDATE
SET title = EXCLUDED.title,
    snippet = EXCLUDED.snippet,
    content = EXCLUDED.content,
    fetched_at = EXCLUDED.fetched_at;
`
	if _, err := r.pool.Exec(ctx, q, jobID, src.URL, src.Title, src.Snippet, src.Content, src.FetchedAt); err != nil {
		return translateFK(err)
	}
	return nil
}

func (r *JobRepository) SetReport(ctx context.Context, id uuid.UUID, report string) error {
	const q = `UPDATE jobs SET report = $2, updated_at = now() WHERE id = $1;`

	tag, err := r.pool.Exec(ctx, q, id, report)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Fail records an error and moves the job to failed. On an already failed
// job only the message is replaced; completed and cancelled jobs are left
// alone.
func (r *JobRepository) Fail(ctx context.Context, id uuid.UUID, errText string) error {
	const q = `
UPDATE jobs
SET status = 'failed',
    error = $2,
    updated_at = now(),
    completed_at = COALESCE(completed_at, now())
WHERE id = $1 AND status NOT IN ('completed', 'cancelled');
`
	tag, err := r.pool.Exec(ctx, q, id, errText)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.missingOrFinished(ctx, id)
	}
	return nil
}

func (r *JobRepository) iterations(ctx context.Context, jobID uuid.UUID) ([]entity.Iteration, error) {
	const q = `
SELECT id, step, action, result, created_at
FROM iterations
WHERE job_id = $1
ORDER BY step, created_at;
`
	rows, err := r.pool.Query(ctx, q, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []entity.Iteration{}
	for rows.Next() {
		var (
			it     entity.Iteration
			result []byte
		)
		if err := rows.Scan(&it.ID, &it.Step, &it.Action, &result, &it.Timestamp); err != nil {
			return nil, err
		}
		if result != nil {
			it.Result = json.RawMessage(result)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (r *JobRepository) sources(ctx context.Context, jobID uuid.UUID) ([]entity.Source, error) {
	const q = `
SELECT url, title, snippet, content, fetched_at
FROM sources
WHERE job_id = $1
ORDER BY fetched_at NULLS LAST, id;
`
	rows, err := r.pool.Query(ctx, q, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []entity.Source{}
	for rows.Next() {
		var src entity.Source
		if err := rows.Scan(&src.URL, &src.Title, &src.Snippet, &src.Content, &src.FetchedAt); err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

// missingOrFinished tells apart the two reasons a guarded update can match
// no rows.
func (r *JobRepository) missingOrFinished(ctx context.Context, id uuid.UUID) error {
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1);`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrJobFinished
}

// translateFK maps a foreign key violation (child row for an unknown job)
// to ErrNotFound.
func translateFK(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23503" {
		return ErrNotFound
	}
	return err
}
