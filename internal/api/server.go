package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"wellflow/internal/domain"
	"wellflow/internal/registry"
	"wellflow/internal/scheduler"
	"wellflow/internal/worker"
)

type Tasks interface {
	Has(name string) bool
	List() []string
}

type Pool interface {
	Enqueue(ctx context.Context, name string, params domain.Params) (string, error)
	GetStatus(id string) (domain.TaskResult, bool)
	Retry(ctx context.Context, id string) (string, bool)
	Stats() worker.Stats
}

type Results interface {
	List(limit int) []domain.TaskResult
}

type Scheduler interface {
	Schedule(name, expr string, params domain.Params) (string, error)
	Unschedule(id string) bool
	List() []domain.ScheduledEntry
	Get(id string) (domain.ScheduledEntry, bool)
}

type Deps struct {
	Tasks       Tasks
	Pool        Pool
	Results     Results
	Scheduler   Scheduler
	Metrics     http.Handler
	Log         zerolog.Logger
	EnableDebug bool
}

type Server struct {
	r   *chi.Mux
	d   Deps
	log zerolog.Logger
}

func NewServer(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, d: d, log: d.Log.With().Str("comp", "api").Logger()}

	r.Get("/health", s.health)
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/registry", s.listRegistry)
		r.Get("/stats", s.stats)

		r.Post("/tasks", s.submitTask)
		r.Get("/tasks", s.listTasks)
		r.Get("/tasks/{id}", s.getTask)
		r.Post("/tasks/{id}/retry", s.retryTask)

		r.Post("/schedules", s.createSchedule)
		r.Get("/schedules", s.listSchedules)
		r.Get("/schedules/{id}", s.getSchedule)
		r.Delete("/schedules/{id}", s.deleteSchedule)
	})

	// Debug routes (pprof)
	if d.EnableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) listRegistry(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tasks": s.d.Tasks.List()})
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.d.Pool.Stats())
}

type submitReq struct {
	Name   string        `json:"name"`
	Params domain.Params `json:"params"`
}

type idResp struct {
	ID string `json:"id"`
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if !s.d.Tasks.Has(req.Name) {
		writeError(w, http.StatusBadRequest, "unknown task "+strconv.Quote(req.Name))
		return
	}
	id, err := s.d.Pool.Enqueue(r.Context(), req.Name, req.Params)
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, worker.ErrQueueFull) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			code = http.StatusServiceUnavailable
		}
		s.log.Warn().Err(err).Str("task", req.Name).Msg("enqueue failed")
		writeError(w, code, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, idResp{ID: id})
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	status := domain.TaskStatus(r.URL.Query().Get("status"))

	all := s.d.Results.List(0)
	out := make([]domain.TaskResult, 0, len(all))
	for _, t := range all {
		if status != "" && t.Status != status {
			continue
		}
		out = append(out, t)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, ok := s.d.Pool.GetStatus(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) retryTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.d.Pool.GetStatus(id); !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	newID, ok := s.d.Pool.Retry(r.Context(), id)
	if !ok {
		writeError(w, http.StatusConflict, "task is not retryable")
		return
	}
	writeJSON(w, http.StatusAccepted, idResp{ID: newID})
}

type createScheduleReq struct {
	Task   string        `json:"task"`
	Cron   string        `json:"cron"`
	Params domain.Params `json:"params"`
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req createScheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Task == "" {
		writeError(w, http.StatusBadRequest, "task is required")
		return
	}
	if req.Cron == "" {
		writeError(w, http.StatusBadRequest, "cron is required")
		return
	}

	id, err := s.d.Scheduler.Schedule(req.Task, req.Cron, req.Params)
	switch {
	case errors.Is(err, registry.ErrUnknownTask), errors.Is(err, scheduler.ErrInvalidExpression):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	e, _ := s.d.Scheduler.Get(id)
	writeJSON(w, http.StatusCreated, e)
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.d.Scheduler.List())
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	e, ok := s.d.Scheduler.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	if !s.d.Scheduler.Unschedule(chi.URLParam(r, "id")) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
