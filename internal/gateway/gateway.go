// Package gateway exposes the run loop's task submission surface over HTTP:
// POST /v1/tasks to submit, DELETE /v1/tasks/{id} to cancel, GET /v1/healthz
// and GET /v1/metrics for liveness and scheduler depth, plus whatever
// channel handlers (e.g. the WebSocketChannel upgrade endpoint) are mounted
// alongside it. This is a consumer of the core's task submission contract,
// not part of the scheduler itself.
package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/basket/taskcore/internal/config"
	"github.com/basket/taskcore/internal/task"
)

// Submitter is the run loop surface the gateway needs to accept new tasks
// and cancel in-flight ones.
type Submitter interface {
	Submit(t *task.Task) error
	CancelTask(taskID string) error
	Len() (ready, delayed int)
}

// submitTaskRequest is the wire shape for POST /v1/tasks.
type submitTaskRequest struct {
	Type          string            `json:"type"`
	Priority      string            `json:"priority,omitempty"`
	Payload       json.RawMessage   `json:"payload,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	ReplyTo       *task.ReplyAddress `json:"reply_to,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

var priorityByName = map[string]task.Priority{
	"low":      task.Low,
	"normal":   task.Normal,
	"high":     task.High,
	"critical": task.Critical,
}

// Server wires the HTTP mux to a run loop and optional channel handlers.
type Server struct {
	mux    *http.ServeMux
	runner Submitter
	logger *slog.Logger
}

// New builds a Server. Additional handlers (e.g. a channel's upgrade
// endpoint) can be mounted on Mux() before Handler() is served.
func New(cfg config.GatewayConfig, runner Submitter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{mux: http.NewServeMux(), runner: runner, logger: logger}
	s.mux.HandleFunc("POST /v1/tasks", s.handleSubmit)
	s.mux.HandleFunc("DELETE /v1/tasks/{id}", s.handleCancel)
	s.mux.HandleFunc("GET /v1/healthz", s.handleHealthz)
	s.mux.HandleFunc("GET /v1/metrics", s.handleMetrics)
	return s
}

// Mux exposes the underlying mux so additional routes (channel upgrade
// endpoints) can be registered before serving.
func (s *Server) Mux() *http.ServeMux { return s.mux }

// Handler wraps the mux with CORS, request-size-limit, rate-limit, and auth
// middleware per cfg, in that order (outermost first).
func (s *Server) Handler(cfg config.GatewayConfig) http.Handler {
	var h http.Handler = s.mux
	h = NewAuthMiddleware(cfg.Auth).Wrap(h)
	h = NewRateLimitMiddleware(cfg.RateLimit).Wrap(h)
	h = RequestSizeLimitMiddleware(cfg.MaxRequestBytes)(h)
	h = NewCORSMiddleware(cfg.CORS)(h)
	return h
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}
	priority := task.Normal
	if req.Priority != "" {
		p, ok := priorityByName[req.Priority]
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown priority: "+req.Priority)
			return
		}
		priority = p
	}

	t := task.New(req.Type, priority, []byte(req.Payload))
	if req.CorrelationID != "" {
		t.CorrelationID = req.CorrelationID
	}
	t.ReplyTo = req.ReplyTo
	t.Metadata = req.Metadata

	if err := s.runner.Submit(t); err != nil {
		s.logger.Warn("gateway: submit failed", "task_type", req.Type, "error", err)
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"id": t.ID, "correlation_id": t.CorrelationID})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "task id is required")
		return
	}
	if err := s.runner.CancelTask(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	ready, delayed := s.runner.Len()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]int{"ready": ready, "delayed": delayed})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
