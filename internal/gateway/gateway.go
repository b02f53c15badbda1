// Package gateway exposes the task manager over HTTP and WebSocket.
//
// REST endpoints cover task enqueue, task and intent lookup, report
// ingress, and read-only stats snapshots. Two websocket endpoints carry
// the worker dispatch/report protocol and the dashboard event stream.
// Request bodies are validated against JSON Schemas before any state
// changes, and enqueue applies backpressure before persisting.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ironvale/taskforge/internal/bus"
	"github.com/ironvale/taskforge/internal/router"
	"github.com/ironvale/taskforge/internal/sizing"
	"github.com/ironvale/taskforge/internal/sla"
	"github.com/ironvale/taskforge/internal/store"
)

// Enqueuer is the slice of the dispatcher the gateway needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, task *store.Task) (router.Decision, error)
	QueueDepths() map[string]int
	Saturated() bool
}

// ReportSink accepts worker status reports for ordered application.
type ReportSink interface {
	Deliver(report bus.TaskUpdateEvent)
}

// IntentSubmitter turns a high-level goal into a tracked task.
type IntentSubmitter interface {
	SubmitIntent(ctx context.Context, spec store.IntentSpec) (*store.Intent, *store.Task, error)
}

// Config wires the gateway's collaborators. Store, Bus, and Dispatcher are
// required; a nil Intents disables the intent endpoints with 503.
type Config struct {
	Store      *store.Store
	Bus        *bus.Bus
	Dispatcher Enqueuer
	Reports    ReportSink
	Intents    IntentSubmitter
	Router     *router.Router
	Sizing     *sizing.Scheduler
	Budgets    sla.Budgets

	// DefaultMaxAttempts applies when an enqueue request omits
	// max_attempts. Zero falls back to the store default.
	DefaultMaxAttempts int

	// AuthToken, when non-empty, is required as a bearer token on every
	// endpoint except /healthz. Empty leaves the gateway open for local
	// development.
	AuthToken string

	// AllowOrigins lists browser origins accepted for CORS and websocket
	// upgrades.
	AllowOrigins []string

	Logger *slog.Logger
}

// Server is the HTTP/WebSocket front end.
type Server struct {
	cfg    Config
	logger *slog.Logger
}

// New builds a Server from the given config.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Budgets == nil {
		cfg.Budgets = sla.DefaultBudgets()
	}
	return &Server{
		cfg:    cfg,
		logger: logger.With("component", "gateway"),
	}
}

// Handler returns the routing handler with CORS and body limits applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", s.handleHealthz)

	mux.HandleFunc("/v1/tasks", s.handleTasks)
	mux.HandleFunc("/v1/tasks/", s.handleTaskByID)
	mux.HandleFunc("/v1/intents", s.handleIntents)
	mux.HandleFunc("/v1/intents/", s.handleIntentByID)

	mux.HandleFunc("/v1/stats/origins", s.handleStatsOrigins)
	mux.HandleFunc("/v1/stats/sizes", s.handleStatsSizes)
	mux.HandleFunc("/v1/stats/sla", s.handleStatsSLA)
	mux.HandleFunc("/v1/stats/queues", s.handleStatsQueues)
	mux.HandleFunc("/v1/stats/rollups", s.handleStatsRollups)

	mux.HandleFunc("/v1/worker/ws", s.handleWorkerWS)
	mux.HandleFunc("/v1/events/ws", s.handleEventsWS)

	var h http.Handler = mux
	h = requestSizeLimit(h, maxBodyBytes)
	h = corsMiddleware(s.cfg.AllowOrigins)(h)
	return h
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	switch r.Method {
	case http.MethodPost:
		s.handleEnqueue(w, r)
	case http.MethodGet:
		s.handleListTasks(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type enqueueRequest struct {
	TaskType      string          `json:"task_type"`
	Handler       string          `json:"handler"`
	Domain        string          `json:"domain,omitempty"`
	Origin        string          `json:"origin,omitempty"`
	CreatedBy     string          `json:"created_by,omitempty"`
	Priority      string          `json:"priority,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	DataSizeBytes int64           `json:"data_size_bytes,omitempty"`
	SLAMS         int64           `json:"sla_ms,omitempty"`
	MaxAttempts   int             `json:"max_attempts,omitempty"`
	IntentID      string          `json:"intent_id,omitempty"`
	ParentTaskID  string          `json:"parent_task_id,omitempty"`
}

type enqueueResponse struct {
	TaskID       string    `json:"task_id"`
	Status       string    `json:"status"`
	Route        string    `json:"route"`
	Reasoning    string    `json:"reasoning,omitempty"`
	RetryAfterMS int64     `json:"retry_after_ms,omitempty"`
	SLADeadline  time.Time `json:"sla_deadline"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := decodeValidated(r, enqueueSchema, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Check backpressure before persisting so a rejected task leaves no
	// row behind.
	if s.cfg.Dispatcher.Saturated() {
		w.Header().Set("Retry-After", "5")
		s.writeError(w, http.StatusTooManyRequests, "queue saturated")
		return
	}

	payload := "{}"
	if len(req.Payload) > 0 {
		payload = string(req.Payload)
	}
	dataSize := req.DataSizeBytes
	if dataSize == 0 {
		dataSize = int64(len(payload))
	}
	priority := store.Priority(req.Priority)
	if priority == "" {
		priority = store.PriorityNormal
	}
	slaMS := req.SLAMS
	if slaMS <= 0 {
		slaMS = s.cfg.Budgets.For(priority).Milliseconds()
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.cfg.DefaultMaxAttempts
	}

	spec := store.TaskSpec{
		TaskType:      req.TaskType,
		Handler:       req.Handler,
		Domain:        req.Domain,
		Origin:        router.Classify(req.Origin, req.CreatedBy, req.TaskType),
		Priority:      priority,
		Payload:       payload,
		DataSizeBytes: dataSize,
		SizeClass:     string(sizing.Classify(dataSize)),
		MaxAttempts:   maxAttempts,
		SLAMS:         slaMS,
		IntentID:      req.IntentID,
		ParentTaskID:  req.ParentTaskID,
	}
	task, err := s.cfg.Store.EnqueueTask(r.Context(), spec)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp := enqueueResponse{
		TaskID:      task.ID,
		Status:      string(task.Status),
		SLADeadline: task.SLADeadline,
	}
	decision, err := s.cfg.Dispatcher.Enqueue(r.Context(), task)
	if err != nil {
		// The row is already persisted. Park it so the janitor re-offers
		// it once the dispatcher has room again.
		if holdErr := s.cfg.Store.HoldTask(r.Context(), task.ID, time.Now().UTC().Add(5*time.Second), "enqueue_backpressure"); holdErr != nil {
			s.logger.Warn("hold after enqueue failure", "task_id", task.ID, "error", holdErr)
		}
		resp.Route = "held"
		resp.Reasoning = err.Error()
		s.writeJSON(w, http.StatusAccepted, resp)
		return
	}

	resp.Route = string(decision.Route)
	resp.Reasoning = decision.Reasoning
	if decision.Delay > 0 {
		resp.RetryAfterMS = decision.Delay.Milliseconds()
	}
	s.writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	qp := r.URL.Query()
	filter := store.TaskFilter{
		Status:   store.TaskStatus(qp.Get("status")),
		Origin:   qp.Get("origin"),
		TaskType: qp.Get("task_type"),
	}
	if v := qp.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	if v := qp.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Offset = n
		}
	}
	tasks, err := s.cfg.Store.ListTasks(r.Context(), filter)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"tasks": tasks,
		"count": len(tasks),
	})
}

func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/v1/tasks/")
	parts := strings.SplitN(rest, "/", 2)
	taskID := parts[0]
	if taskID == "" {
		s.writeError(w, http.StatusBadRequest, "task id required")
		return
	}

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.handleTaskSnapshot(w, r, taskID)
		return
	}

	switch parts[1] {
	case "reports":
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.handleReportIngress(w, r, taskID)
	case "events":
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.handleTaskEvents(w, r, taskID)
	default:
		s.writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) handleTaskSnapshot(w http.ResponseWriter, r *http.Request, taskID string) {
	task, err := s.cfg.Store.GetTask(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			s.writeError(w, http.StatusNotFound, "task not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	attempts, err := s.cfg.Store.ListAttempts(r.Context(), taskID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"task":     task,
		"attempts": attempts,
	})
}

func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request, taskID string) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	events, err := s.cfg.Store.ListTaskEvents(r.Context(), taskID, limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"task_id": taskID,
		"events":  events,
	})
}

type reportRequest struct {
	Status        string  `json:"status"`
	WorkerID      string  `json:"worker_id,omitempty"`
	AttemptNumber int     `json:"attempt_number"`
	Result        string  `json:"result,omitempty"`
	ErrorMessage  string  `json:"error_message,omitempty"`
	ErrorKind     string  `json:"error_kind,omitempty"`
	Retryable     bool    `json:"retryable,omitempty"`
	Progress      float64 `json:"progress,omitempty"`
	DurationMS    int64   `json:"duration_ms,omitempty"`
}

func (s *Server) handleReportIngress(w http.ResponseWriter, r *http.Request, taskID string) {
	var req reportRequest
	if err := decodeValidated(r, reportSchema, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := s.cfg.Store.GetTask(r.Context(), taskID); err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			s.writeError(w, http.StatusNotFound, "task not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.cfg.Reports.Deliver(bus.TaskUpdateEvent{
		TaskID:        taskID,
		Status:        req.Status,
		WorkerID:      req.WorkerID,
		AttemptNumber: req.AttemptNumber,
		Timestamp:     time.Now().UTC(),
		Result:        req.Result,
		ErrorMessage:  req.ErrorMessage,
		ErrorKind:     req.ErrorKind,
		Retryable:     req.Retryable,
		Progress:      req.Progress,
		DurationMS:    req.DurationMS,
	})
	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"task_id":  taskID,
		"accepted": true,
	})
}

type intentRequest struct {
	Goal            string  `json:"goal"`
	ExpectedOutcome string  `json:"expected_outcome,omitempty"`
	Domain          string  `json:"domain,omitempty"`
	Priority        string  `json:"priority,omitempty"`
	SLAMS           int64   `json:"sla_ms,omitempty"`
	Confidence      float64 `json:"confidence,omitempty"`
	RiskLevel       string  `json:"risk_level,omitempty"`
}

func (s *Server) handleIntents(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.Intents == nil {
		s.writeError(w, http.StatusServiceUnavailable, "intent bridge disabled")
		return
	}
	var req intentRequest
	if err := decodeValidated(r, intentSchema, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	intent, task, err := s.cfg.Intents.SubmitIntent(r.Context(), store.IntentSpec{
		Goal:            req.Goal,
		ExpectedOutcome: req.ExpectedOutcome,
		Domain:          req.Domain,
		Priority:        store.Priority(req.Priority),
		SLAMS:           req.SLAMS,
		Confidence:      req.Confidence,
		RiskLevel:       req.RiskLevel,
	})
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"intent_id": intent.ID,
		"task_id":   task.ID,
		"status":    intent.Status,
	})
}

func (s *Server) handleIntentByID(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	intentID := strings.TrimPrefix(r.URL.Path, "/v1/intents/")
	if intentID == "" || strings.Contains(intentID, "/") {
		s.writeError(w, http.StatusBadRequest, "intent id required")
		return
	}
	intent, err := s.cfg.Store.GetIntent(r.Context(), intentID)
	if err != nil {
		if errors.Is(err, store.ErrIntentNotFound) {
			s.writeError(w, http.StatusNotFound, "intent not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, intent)
}

func (s *Server) handleStatsOrigins(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.Router == nil {
		s.writeError(w, http.StatusServiceUnavailable, "router disabled")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"origins": s.cfg.Router.Snapshot(),
	})
}

func (s *Server) handleStatsSizes(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.Sizing == nil {
		s.writeError(w, http.StatusServiceUnavailable, "sizing disabled")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"workers": s.cfg.Sizing.Snapshot(),
	})
}

func (s *Server) handleStatsSLA(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sinceMin := 60
	if v := r.URL.Query().Get("since_minutes"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			sinceMin = n
		}
	}
	summary, err := s.cfg.Store.SLASummarySince(r.Context(), time.Now().UTC().Add(-time.Duration(sinceMin)*time.Minute))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleStatsQueues(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	backlog, err := s.cfg.Store.CountBacklog(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	statuses, err := s.cfg.Store.CountByStatus(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	byOrigin, err := s.cfg.Store.CountQueuedByOrigin(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"depths":    s.cfg.Dispatcher.QueueDepths(),
		"backlog":   backlog,
		"statuses":  statuses,
		"by_origin": byOrigin,
		"saturated": s.cfg.Dispatcher.Saturated(),
	})
}

func (s *Server) handleStatsRollups(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	qp := r.URL.Query()
	sinceHours := 24
	if v := qp.Get("since_hours"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			sinceHours = n
		}
	}
	limit := 100
	if v := qp.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	metrics, err := s.cfg.Store.ListHourlyMetrics(r.Context(), qp.Get("task_type"), time.Now().UTC().Add(-time.Duration(sinceHours)*time.Hour), limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"rollups": metrics,
	})
}
