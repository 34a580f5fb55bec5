package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fleetsync/internal/assignlog"
	"fleetsync/internal/channel"
	"fleetsync/internal/domain"
	"fleetsync/internal/lifecycle"
	"fleetsync/internal/queue"
	"fleetsync/internal/remote"
)

// Service is what the operator surface reads and commands.
type Service interface {
	Ready(now time.Time) []queue.Ranked
	Tasks() []domain.Task
	Task(ctx context.Context, id string) (domain.Task, error)
	Robots() []domain.Robot
	History(since time.Time) []assignlog.Entry

	RemoteTasks(ctx context.Context) ([]domain.Task, error)
	RemoteReady(ctx context.Context) ([]domain.Task, error)
	RemoteLog(ctx context.Context) ([]remote.LogRecord, error)

	CreateTask(ctx context.Context, req remote.CreateTaskRequest) (domain.Task, error)
	ChangePriority(ctx context.Context, id string, boost int, rank *int) error
	ApplyOverride(ctx context.Context, id string, boost int, reason string) error
	RemoveOverride(ctx context.Context, id string) error
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	ConfirmStep(ctx context.Context, id string) error
	CurrentStep(ctx context.Context, id string) (remote.StepInfo, error)
	SendRobotCommand(ctx context.Context, robotID, command string, params map[string]any) error
}

type ChannelStatus interface {
	State() channel.State
	Attempts() int
}

// Archive is the durable copy of the assignment log.
type Archive interface {
	Since(ctx context.Context, since time.Time, limit int) ([]assignlog.Entry, error)
}

// Tail is the shared copy holding only the newest entries.
type Tail interface {
	Recent(ctx context.Context, n int64) ([]assignlog.Entry, error)
}

type Options struct {
	Debug    bool
	Gatherer prometheus.Gatherer
	Channel  ChannelStatus
	// Archive and Tail back ?source=sqlite and ?source=redis on the
	// assignment log; either may be nil.
	Archive Archive
	Tail    Tail
}

const defaultHistoryLimit = 500

type Server struct {
	r       *chi.Mux
	svc     Service
	ch      ChannelStatus
	archive Archive
	tail    Tail
}

func NewServer(svc Service, opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, svc: svc, ch: opts.Channel, archive: opts.Archive, tail: opts.Tail}

	r.Get("/health", s.health)
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	r.Get("/channel", s.channelStatus)
	r.Get("/robots", s.robots)
	r.Post("/robots/{id}/command", s.robotCommand)
	r.Get("/assignment-log", s.assignmentLog)
	r.Get("/assignment-log/remote", s.remoteLog)

	r.Route("/queue", func(r chi.Router) {
		r.Get("/ready", s.ready)
		r.Get("/tasks", s.listTasks)
		r.Get("/tasks/{id}", s.getTask)
		r.Put("/tasks/{id}/priority", s.changePriority)
		r.Post("/tasks/{id}/override", s.applyOverride)
		r.Delete("/tasks/{id}/override", s.removeOverride)
	})
	r.Route("/tasks", func(r chi.Router) {
		r.Get("/", s.remoteTasks)
		r.Post("/", s.createTask)
		r.Put("/{id}/pause", s.command(s.svc.Pause))
		r.Put("/{id}/resume", s.command(s.svc.Resume))
		r.Post("/{id}/confirm-step", s.command(s.svc.ConfirmStep))
		r.Get("/{id}/current-step", s.currentStep)
	})

	if opts.Debug {
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
	w.Write([]byte("ok"))
}

func (s *Server) channelStatus(w http.ResponseWriter, r *http.Request) {
	if s.ch == nil {
		writeJSON(w, http.StatusOK, map[string]any{"state": channel.Disconnected.String(), "attempts": 0})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": s.ch.State().String(), "attempts": s.ch.Attempts()})
}

// ready serves the local ordering, or the service's own with ?source=remote.
func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("source") == "remote" {
		tasks, err := s.svc.RemoteReady(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, tasks)
		return
	}
	writeJSON(w, http.StatusOK, s.svc.Ready(time.Now()))
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Tasks())
}

type taskView struct {
	domain.Task
	CurrentWaypoint string            `json:"current_waypoint"`
	Allowed         []lifecycle.Event `json:"allowed"`
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.svc.Task(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	allowed := lifecycle.Allowed(t.State)
	if allowed == nil {
		allowed = []lifecycle.Event{}
	}
	writeJSON(w, http.StatusOK, taskView{Task: t, CurrentWaypoint: t.CurrentWaypoint(), Allowed: allowed})
}

func (s *Server) remoteTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.svc.RemoteTasks(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) robots(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Robots())
}

func (s *Server) assignmentLog(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "since must be RFC3339: "+err.Error(), http.StatusBadRequest)
			return
		}
		since = t
	}
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	switch src := r.URL.Query().Get("source"); src {
	case "", "memory":
		writeJSON(w, http.StatusOK, s.svc.History(since))
	case "sqlite":
		if s.archive == nil {
			http.Error(w, "sqlite mirror not configured", http.StatusNotFound)
			return
		}
		entries, err := s.archive.Since(r.Context(), since, limit)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, nonNil(entries))
	case "redis":
		if s.tail == nil {
			http.Error(w, "redis mirror not configured", http.StatusNotFound)
			return
		}
		entries, err := s.tail.Recent(r.Context(), int64(limit))
		if err != nil {
			writeError(w, err)
			return
		}
		out := make([]assignlog.Entry, 0, len(entries))
		for _, e := range entries {
			if !e.Timestamp.Before(since) {
				out = append(out, e)
			}
		}
		writeJSON(w, http.StatusOK, out)
	default:
		http.Error(w, "unknown source "+strconv.Quote(src), http.StatusBadRequest)
	}
}

func (s *Server) remoteLog(w http.ResponseWriter, r *http.Request) {
	records, err := s.svc.RemoteLog(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func nonNil(entries []assignlog.Entry) []assignlog.Entry {
	if entries == nil {
		return []assignlog.Entry{}
	}
	return entries
}

type priorityReq struct {
	Boost      int  `json:"boost"`
	ManualRank *int `json:"manual_rank"`
}

func (s *Server) changePriority(w http.ResponseWriter, r *http.Request) {
	var req priorityReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.accepted(w, s.svc.ChangePriority(r.Context(), chi.URLParam(r, "id"), req.Boost, req.ManualRank))
}

type overrideReq struct {
	Boost  int    `json:"boost"`
	Reason string `json:"reason"`
}

func (s *Server) applyOverride(w http.ResponseWriter, r *http.Request) {
	var req overrideReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Reason == "" {
		http.Error(w, "reason is required", http.StatusBadRequest)
		return
	}
	s.accepted(w, s.svc.ApplyOverride(r.Context(), chi.URLParam(r, "id"), req.Boost, req.Reason))
}

func (s *Server) removeOverride(w http.ResponseWriter, r *http.Request) {
	s.accepted(w, s.svc.RemoveOverride(r.Context(), chi.URLParam(r, "id")))
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req remote.CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !req.Type.Valid() {
		http.Error(w, "unknown task type", http.StatusBadRequest)
		return
	}
	t, err := s.svc.CreateTask(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) command(fn func(context.Context, string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.accepted(w, fn(r.Context(), chi.URLParam(r, "id")))
	}
}

func (s *Server) currentStep(w http.ResponseWriter, r *http.Request) {
	step, err := s.svc.CurrentStep(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, step)
}

type robotCommandReq struct {
	Command string         `json:"command"`
	Params  map[string]any `json:"params"`
}

func (s *Server) robotCommand(w http.ResponseWriter, r *http.Request) {
	var req robotCommandReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Command == "" {
		http.Error(w, "command is required", http.StatusBadRequest)
		return
	}
	s.accepted(w, s.svc.SendRobotCommand(r.Context(), chi.URLParam(r, "id"), req.Command, req.Params))
}

// accepted answers a forwarded command. Local state follows once the service
// confirms, so success is 202 rather than the updated task.
func (s *Server) accepted(w http.ResponseWriter, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func writeError(w http.ResponseWriter, err error) {
	var rf *domain.RequestFailedError
	switch {
	case errors.As(err, &rf) && rf.Status == http.StatusNotFound:
		writeJSON(w, http.StatusNotFound, map[string]any{"error": err.Error(), "upstream_status": rf.Status})
	case errors.As(err, &rf):
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error(), "upstream_status": rf.Status})
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, domain.ErrInvalidBoost):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, domain.ErrInvalidTransition):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, domain.ErrConnection):
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
