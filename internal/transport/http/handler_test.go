package httptransport_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"research-job-service/internal/entity"
	"research-job-service/internal/logger"
	"research-job-service/internal/service"
	httptransport "research-job-service/internal/transport/http"
)

// ---- fakes ----

type repoWithJobs struct {
	mu       sync.Mutex
	createID uuid.UUID
	jobs     map[uuid.UUID]*entity.Job
}

func (r *repoWithJobs) Create(ctx context.Context, query string, jobContext json.RawMessage) (*entity.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j := &entity.Job{
		ID:         r.createID,
		Query:      query,
		Context:    jobContext,
		Status:     entity.StatusPending,
		CreatedAt:  time.Now().UTC(),
		Iterations: []entity.Iteration{},
		Sources:    []entity.Source{},
	}
	r.jobs[r.createID] = j
	cp := *j
	return &cp, nil
}

func (r *repoWithJobs) GetByID(ctx context.Context, id uuid.UUID) (*entity.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok {
		return nil, service.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (r *repoWithJobs) List(ctx context.Context, limit, offset int) ([]entity.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := []entity.Job{}
	for _, j := range r.jobs {
		out = append(out, *j)
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *repoWithJobs) mutate(id uuid.UUID, fn func(j *entity.Job)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok {
		return service.ErrNotFound
	}
	if j.Status.Terminal() {
		return service.ErrJobFinished
	}
	fn(j)
	return nil
}

func (r *repoWithJobs) UpdateStatus(ctx context.Context, id uuid.UUID, status entity.JobStatus, progress *float64) error {
	return r.mutate(id, func(j *entity.Job) {
		j.Status = status
		if progress != nil {
			j.Progress = *progress
		}
	})
}

func (r *repoWithJobs) SetProgress(ctx context.Context, id uuid.UUID, progress float64) error {
	return r.mutate(id, func(j *entity.Job) { j.Progress = progress })
}

func (r *repoWithJobs) UpsertIteration(ctx context.Context, jobID uuid.UUID, it entity.Iteration) error {
	return r.mutate(jobID, func(j *entity.Job) { j.Iterations = append(j.Iterations, it) })
}

func (r *repoWithJobs) UpsertSource(ctx context.Context, jobID uuid.UUID, src entity.Source) error {
	return r.mutate(jobID, func(j *entity.Job) { j.Sources = append(j.Sources, src) })
}

func (r *repoWithJobs) SetReport(ctx context.Context, id uuid.UUID, report string) error {
	return r.mutate(id, func(j *entity.Job) { j.Report = &report })
}

func (r *repoWithJobs) Fail(ctx context.Context, id uuid.UUID, errText string) error {
	return r.mutate(id, func(j *entity.Job) {
		j.Status = entity.StatusFailed
		j.Error = &errText
	})
}

type queueStub struct {
	enqueuedIDs        []uuid.UUID
	enqueuedPriorities []service.Priority
}

func (q *queueStub) Enqueue(ctx context.Context, jobID uuid.UUID, priority service.Priority) error {
	q.enqueuedIDs = append(q.enqueuedIDs, jobID)
	q.enqueuedPriorities = append(q.enqueuedPriorities, priority)
	return nil
}

// ---- helpers ----

type testEnv struct {
	router http.Handler
	svc    *service.JobService
	repo   *repoWithJobs
	queue  *queueStub
}

func newTestEnv(t *testing.T, createID uuid.UUID) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	log := logger.Discard()
	bus := service.NewEventBus(rdb, "test", log)
	repo := &repoWithJobs{createID: createID, jobs: map[uuid.UUID]*entity.Job{}}
	queue := &queueStub{}
	svc := service.NewJobService(repo, queue, bus, log)
	h := httptransport.NewHandler(svc, bus, time.Hour, log)

	return &testEnv{
		router: httptransport.Routes(h, []string{"*"}, log),
		svc:    svc,
		repo:   repo,
		queue:  queue,
	}
}

func (e *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) seed(id uuid.UUID, status entity.JobStatus) {
	e.repo.jobs[id] = &entity.Job{
		ID:         id,
		Query:      "seeded",
		Status:     status,
		CreatedAt:  time.Now().UTC(),
		Iterations: []entity.Iteration{},
		Sources:    []entity.Source{},
	}
}

// ---- tests ----

func TestHTTP_CreateJob_201_AndPriorityEnqueued(t *testing.T) {
	id := uuid.MustParse("33333333-3333-3333-3333-333333333333")
	env := newTestEnv(t, id)

	rr := env.do(http.MethodPost, "/jobs", `{"query":"history of tea","priority":2,"context":{"depth":"deep"}}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d, body=%s", rr.Code, rr.Body.String())
	}

	var job entity.Job
	if err := json.Unmarshal(rr.Body.Bytes(), &job); err != nil {
		t.Fatalf("invalid json response: %v, body=%s", err, rr.Body.String())
	}
	if job.ID != id {
		t.Fatalf("expected id=%s, got %s", id, job.ID)
	}
	if job.Status != entity.StatusPending {
		t.Fatalf("expected pending, got %s", job.Status)
	}

	if len(env.queue.enqueuedIDs) != 1 || env.queue.enqueuedIDs[0] != id {
		t.Fatalf("expected enqueue id=%s, got %#v", id, env.queue.enqueuedIDs)
	}
	if env.queue.enqueuedPriorities[0] != service.PriorityHigh {
		t.Fatalf("expected high priority, got %v", env.queue.enqueuedPriorities[0])
	}
}

func TestHTTP_CreateJob_DefaultPriorityIsNormal(t *testing.T) {
	env := newTestEnv(t, uuid.New())

	rr := env.do(http.MethodPost, "/jobs", `{"query":"tides"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d, body=%s", rr.Code, rr.Body.String())
	}
	if len(env.queue.enqueuedPriorities) != 1 || env.queue.enqueuedPriorities[0] != service.PriorityNormal {
		t.Fatalf("expected normal priority, got %#v", env.queue.enqueuedPriorities)
	}
}

func TestHTTP_CreateJob_400(t *testing.T) {
	env := newTestEnv(t, uuid.New())

	cases := map[string]string{
		"bad json":    `{"query":`,
		"blank query": `{"query":"   "}`,
	}
	for name, body := range cases {
		rr := env.do(http.MethodPost, "/jobs", body)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d, body=%s", name, rr.Code, rr.Body.String())
		}
	}
	if len(env.queue.enqueuedIDs) != 0 {
		t.Fatalf("nothing should be enqueued, got %#v", env.queue.enqueuedIDs)
	}
}

func TestHTTP_GetJob(t *testing.T) {
	id := uuid.New()
	env := newTestEnv(t, uuid.New())
	env.seed(id, entity.StatusRunning)

	if err := env.svc.SetProgress(context.Background(), id, 40); err != nil {
		t.Fatalf("SetProgress: %v", err)
	}

	rr := env.do(http.MethodGet, "/jobs/"+id.String(), "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body=%s", rr.Code, rr.Body.String())
	}

	var job entity.Job
	if err := json.Unmarshal(rr.Body.Bytes(), &job); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if job.Progress != 40 {
		t.Fatalf("expected progress 40, got %v", job.Progress)
	}
	if job.Seq != 1 {
		t.Fatalf("expected seq 1 after one event, got %d", job.Seq)
	}
}

func TestHTTP_GetJob_404_And_400(t *testing.T) {
	env := newTestEnv(t, uuid.New())

	rr := env.do(http.MethodGet, "/jobs/"+uuid.NewString(), "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	var body struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil || body.Message != "job not found" {
		t.Fatalf("expected error body, got %s (%v)", rr.Body.String(), err)
	}
	if cc := rr.Header().Get("Cache-Control"); cc != "no-store" {
		t.Fatalf("expected no-store, got %q", cc)
	}
	if rr := env.do(http.MethodGet, "/jobs/not-a-uuid", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestHTTP_ListJobs(t *testing.T) {
	env := newTestEnv(t, uuid.New())
	env.seed(uuid.New(), entity.StatusPending)
	env.seed(uuid.New(), entity.StatusCompleted)

	rr := env.do(http.MethodGet, "/jobs?limit=1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	var resp struct {
		Jobs  []entity.Job `json:"jobs"`
		Limit int          `json:"limit"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if len(resp.Jobs) != 1 || resp.Limit != 1 {
		t.Fatalf("expected one job with limit 1, got %d jobs, limit %d", len(resp.Jobs), resp.Limit)
	}

	if rr := env.do(http.MethodGet, "/jobs?offset=x", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad offset, got %d", rr.Code)
	}
}

func TestHTTP_CancelJob(t *testing.T) {
	running, done := uuid.New(), uuid.New()
	env := newTestEnv(t, uuid.New())
	env.seed(running, entity.StatusRunning)
	env.seed(done, entity.StatusCompleted)

	rr := env.do(http.MethodPost, "/jobs/"+running.String()+"/cancel", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body=%s", rr.Code, rr.Body.String())
	}
	var job entity.Job
	if err := json.Unmarshal(rr.Body.Bytes(), &job); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if job.Status != entity.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", job.Status)
	}

	if rr := env.do(http.MethodPost, "/jobs/"+done.String()+"/cancel", ""); rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 for finished job, got %d", rr.Code)
	}
	if rr := env.do(http.MethodPost, "/jobs/"+uuid.NewString()+"/cancel", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown job, got %d", rr.Code)
	}
}

func TestHTTP_StreamEvents_404(t *testing.T) {
	env := newTestEnv(t, uuid.New())

	srv := httptest.NewServer(env.router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/jobs/" + uuid.NewString() + "/events")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestHTTP_StreamEvents_DeliversPublishedEvents(t *testing.T) {
	id := uuid.New()
	env := newTestEnv(t, uuid.New())
	env.seed(id, entity.StatusRunning)

	srv := httptest.NewServer(env.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/jobs/"+id.String()+"/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("expected event stream, got %q", ct)
	}

	br := bufio.NewReader(resp.Body)
	line, err := br.ReadString('\n')
	if err != nil || line != ": connected\n" {
		t.Fatalf("expected connected comment, got %q (%v)", line, err)
	}

	if err := env.svc.SetProgress(context.Background(), id, 55); err != nil {
		t.Fatalf("SetProgress: %v", err)
	}

	var data string
	for data == "" {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if strings.HasPrefix(line, "data: ") {
			data = strings.TrimSpace(strings.TrimPrefix(line, "data: "))
		}
	}

	var ev entity.Event
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		t.Fatalf("invalid event json: %v, data=%s", err, data)
	}
	if ev.Type != entity.EventProgress || ev.JobID != id.String() || ev.Seq != 1 {
		t.Fatalf("unexpected event: %+v", ev)
	}
}
