package httptransport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"research-job-service/internal/entity"
	"research-job-service/internal/logger"
	"research-job-service/internal/service"
)

// EventSource is the subscribe side of service.EventBus.
type EventSource interface {
	Subscribe(ctx context.Context, id uuid.UUID) (*service.EventSubscription, error)
}

type Handler struct {
	jobSvc    *service.JobService
	events    EventSource
	heartbeat time.Duration
	logger    *logger.Logger
}

func NewHandler(jobSvc *service.JobService, events EventSource, heartbeat time.Duration, log *logger.Logger) *Handler {
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	return &Handler{jobSvc: jobSvc, events: events, heartbeat: heartbeat, logger: log}
}

type createJobDTO struct {
	Query    string                 `json:"query"`
	Context  map[string]interface{} `json:"context,omitempty"`
	Priority *int                   `json:"priority,omitempty"` // 0=low,1=normal,2=high (nil => default 1)
}

type listJobsResp struct {
	Jobs   []entity.Job `json:"jobs"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

// CreateJob godoc
// @Summary Create a research job
// @Description Stores the job (pending) and enqueues it for background research.
// @Tags jobs
// @Accept json
// @Produce json
// @Param request body createJobDTO true "research query, optional context and priority (0=low,1=normal,2=high)"
// @Success 201 {object} entity.Job
// @Failure 400 {object} apiError
// @Failure 500 {object} apiError
// @Router /jobs [post]
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var dto createJobDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}

	priority := service.PriorityNormal
	if dto.Priority != nil {
		priority = service.Priority(*dto.Priority)
	}

	var rawContext json.RawMessage
	if dto.Context != nil {
		var err error
		if rawContext, err = json.Marshal(dto.Context); err != nil {
			writeErr(w, http.StatusBadRequest, "invalid context")
			return
		}
	}

	job, err := h.jobSvc.CreateJob(r.Context(), service.CreateJobRequest{
		Query:    dto.Query,
		Context:  rawContext,
		Priority: priority,
	})
	if err != nil {
		h.writeServiceErr(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, job)
}

// GetJob godoc
// @Summary Get a job snapshot
// @Description Full job state with iterations and sources. seq is the last event sequence number reflected in the snapshot.
// @Tags jobs
// @Produce json
// @Param id path string true "job id (uuid)"
// @Success 200 {object} entity.Job
// @Failure 400 {object} apiError
// @Failure 404 {object} apiError
// @Router /jobs/{id} [get]
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	job, err := h.jobSvc.GetJob(r.Context(), id)
	if err != nil {
		h.writeServiceErr(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, job)
}

// ListJobs godoc
// @Summary List jobs
// @Description Newest first, without iterations and sources.
// @Tags jobs
// @Produce json
// @Param limit query int false "page size (default 20, max 100)"
// @Param offset query int false "items to skip"
// @Success 200 {object} listJobsResp
// @Failure 400 {object} apiError
// @Router /jobs [get]
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", service.DefaultListLimit)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid limit")
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid offset")
		return
	}
	limit = min(max(limit, 1), service.MaxListLimit)
	offset = max(offset, 0)

	jobs, err := h.jobSvc.ListJobs(r.Context(), limit, offset)
	if err != nil {
		h.writeServiceErr(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []entity.Job{}
	}

	writeJSON(w, http.StatusOK, listJobsResp{Jobs: jobs, Limit: limit, Offset: offset})
}

// CancelJob godoc
// @Summary Cancel a job
// @Tags jobs
// @Produce json
// @Param id path string true "job id (uuid)"
// @Success 200 {object} entity.Job
// @Failure 400 {object} apiError
// @Failure 404 {object} apiError
// @Failure 409 {object} apiError
// @Router /jobs/{id}/cancel [post]
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	if err := h.jobSvc.CancelJob(r.Context(), id); err != nil {
		h.writeServiceErr(w, r, err)
		return
	}

	job, err := h.jobSvc.GetJob(r.Context(), id)
	if err != nil {
		h.writeServiceErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// StreamEvents godoc
// @Summary Stream job events
// @Description Server-sent events, one JSON event per data frame. Comment frames (": ping") are heartbeats.
// @Tags jobs
// @Produce text/event-stream
// @Param id path string true "job id (uuid)"
// @Success 200 {object} entity.Event
// @Failure 400 {object} apiError
// @Failure 404 {object} apiError
// @Router /jobs/{id}/events [get]
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	log := h.logger.With("job_id", id, "req_id", middleware.GetReqID(r.Context()))

	flusher, ok := w.(http.Flusher)
	if !ok {
		log.Error("streaming not supported by response writer")
		writeErr(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	if _, err := h.jobSvc.GetJob(r.Context(), id); err != nil {
		h.writeServiceErr(w, r, err)
		return
	}

	sub, err := h.events.Subscribe(r.Context(), id)
	if err != nil {
		log.Error("subscribe failed", "error", err)
		writeErr(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	log.Info("stream: client connected")
	defer log.Info("stream: client disconnected")

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-sub.Events():
			if !ok {
				// ending the response makes the client reconnect and resnapshot
				log.Warn("stream: event source closed", "error", sub.Err())
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				log.Error("stream: encode event", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid id")
		return uuid.Nil, false
	}
	return id, true
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}
