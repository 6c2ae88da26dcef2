package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"mailflow/internal/domain"
	"mailflow/internal/export"
	"mailflow/internal/scheduler"
	"mailflow/internal/store"
)

type Server struct {
	r      *chi.Mux
	repo   store.Repository
	export *export.Service
}

func NewServer(repo store.Repository, exp *export.Service) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, repo: repo, export: exp}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)

	// Task API
	r.Post("/api/tasks", s.createTask)
	r.Get("/api/tasks", s.listTasks)
	r.Get("/api/tasks/{id}", s.getTask)
	r.Post("/api/tasks/{id}/transition", s.transitionTask)

	// Ingestion
	r.Post("/api/sends", s.createSend)
	r.Post("/api/sends/{id}/events", s.recordEvent)

	// Export + trajectory (read-only views for the analytics sync)
	r.Get("/api/export/{collection}", s.exportPage)
	r.Get("/api/sends/{id}/trajectory", s.trajectory)

	// Schedules
	r.Post("/api/schedules", s.createSchedule)
	r.Get("/api/schedules", s.listSchedules)

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("mailflow_up 1\n"))
}

type createTaskReq struct {
	TenantID       string          `json:"tenant_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Payload        json.RawMessage `json:"payload"`
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.TenantID == "" {
		http.Error(w, "tenant_id is required", 400)
		return
	}
	if req.IdempotencyKey == "" {
		http.Error(w, "idempotency_key is required", 400)
		return
	}
	t, err := s.repo.CreateTask(r.Context(), req.TenantID, req.IdempotencyKey, req.Payload)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			http.Error(w, err.Error(), 409)
			return
		}
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusAccepted, t)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, err := s.repo.Get(r.Context(), id)
	if err != nil {
		http.Error(w, "not found", 404)
		return
	}
	writeJSON(w, 200, t)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		http.Error(w, "tenant_id is required", 400)
		return
	}
	status := domain.Status(r.URL.Query().Get("status"))
	if status != "" && !domain.ValidStatus(status) {
		http.Error(w, "unknown status", 400)
		return
	}
	var tasks []domain.Task
	var err error
	if status != "" {
		tasks, err = s.repo.ListByStatus(r.Context(), tenantID, status)
	} else {
		tasks, err = s.repo.ListRecentTasks(r.Context(), tenantID, 50)
	}
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	writeJSON(w, 200, tasks)
}

type transitionReq struct {
	From domain.Status `json:"from"`
	To   domain.Status `json:"to"`
}

func (s *Server) transitionTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req transitionReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	t, err := s.repo.Transition(r.Context(), id, req.From, req.To)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrIllegalTransition):
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		case errors.Is(err, store.ErrInvalidTransition):
			http.Error(w, err.Error(), http.StatusConflict)
		case errors.Is(err, store.ErrNotFound):
			http.Error(w, "not found", 404)
		default:
			http.Error(w, err.Error(), 500)
		}
		return
	}
	writeJSON(w, 200, t)
}

type createSendReq struct {
	TenantID  string `json:"tenant_id"`
	TaskID    string `json:"task_id"`
	Recipient string `json:"recipient"`
	Subject   string `json:"subject"`
}

func (s *Server) createSend(w http.ResponseWriter, r *http.Request) {
	var req createSendReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.TenantID == "" || req.Recipient == "" {
		http.Error(w, "tenant_id and recipient are required", 400)
		return
	}
	snd, err := s.repo.CreateSend(r.Context(), domain.Send{
		TenantID: req.TenantID, TaskID: req.TaskID,
		Recipient: req.Recipient, Subject: req.Subject,
	})
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusCreated, snd)
}

type recordEventReq struct {
	EventType  string     `json:"event_type"`
	OccurredAt *time.Time `json:"occurred_at"`
}

func (s *Server) recordEvent(w http.ResponseWriter, r *http.Request) {
	sendID := chi.URLParam(r, "id")
	var req recordEventReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.EventType == "" {
		http.Error(w, "event_type is required", 400)
		return
	}
	snd, err := s.repo.GetSend(r.Context(), sendID)
	if err != nil {
		http.Error(w, "not found", 404)
		return
	}
	evt := domain.SendEvent{SendID: snd.ID, TenantID: snd.TenantID, EventType: req.EventType}
	if req.OccurredAt != nil {
		evt.OccurredAt = *req.OccurredAt
	}
	out, err := s.repo.RecordEvent(r.Context(), evt)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) exportPage(w http.ResponseWriter, r *http.Request) {
	col := export.Collection(chi.URLParam(r, "collection"))
	if !export.ValidCollection(col) {
		http.Error(w, "unknown collection", 404)
		return
	}
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		http.Error(w, "tenant_id is required", 400)
		return
	}

	limit := export.DefaultPageSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			http.Error(w, "limit must be numeric", 400)
			return
		}
		limit = export.ClampLimit(f, true)
	}

	page, err := s.export.ExportPage(r.Context(), tenantID, col, r.URL.Query().Get("cursor"), limit)
	if err != nil {
		if errors.Is(err, export.ErrBadCursor) {
			http.Error(w, err.Error(), 400)
			return
		}
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, page)
}

func (s *Server) trajectory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	events, err := s.export.Trajectory(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, events)
}

type createScheduleReq struct {
	TenantID string          `json:"tenant_id"`
	Name     string          `json:"name"`
	CronExpr string          `json:"cron_expr"`
	Payload  json.RawMessage `json:"payload"`
	Enabled  bool            `json:"enabled"`
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req createScheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.TenantID == "" || req.Name == "" || req.CronExpr == "" {
		http.Error(w, "tenant_id, name and cron_expr are required", 400)
		return
	}
	if err := scheduler.ValidateCronExpression(req.CronExpr); err != nil {
		http.Error(w, "invalid cron expression: "+err.Error(), 400)
		return
	}
	nextRun, err := scheduler.NextRunTime(req.CronExpr, time.Now())
	if err != nil {
		http.Error(w, "failed to calculate next run time: "+err.Error(), 400)
		return
	}
	id, err := s.repo.CreateSchedule(r.Context(), domain.Schedule{
		TenantID: req.TenantID, Name: req.Name, CronExpr: req.CronExpr,
		Payload: req.Payload, Enabled: req.Enabled, NextRun: nextRun,
	})
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		http.Error(w, "tenant_id is required", 400)
		return
	}
	schedules, err := s.repo.ListSchedules(r.Context(), tenantID)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if schedules == nil {
		schedules = []domain.Schedule{}
	}
	writeJSON(w, 200, schedules)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
