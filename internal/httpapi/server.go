package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"

	"github.com/agentworkforce/tasksync/internal/jobs"
	"github.com/agentworkforce/tasksync/internal/remote"
	"github.com/agentworkforce/tasksync/internal/syncer"
)

const (
	DefaultMaxBodyBytes  = 4 << 20
	DefaultWatchInterval = 250 * time.Millisecond
	correlationHeader    = "X-Correlation-Id"
)

// SyncService is the part of the orchestrator the API needs.
type SyncService interface {
	Request(ctx context.Context, req syncer.Request) (jobs.Job, error)
	Status(ctx context.Context, id string) (jobs.Job, error)
	QueueDepth(ctx context.Context, syncKey string) (int64, error)
}

type ServerConfig struct {
	// JWTSecret enables bearer auth when set.
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	WatchInterval   time.Duration
	Logger          *zerolog.Logger
}

type Server struct {
	svc         SyncService
	cfg         ServerConfig
	logger      zerolog.Logger
	validator   *requestValidator
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(svc SyncService) *Server {
	return NewServerWithConfig(svc, ServerConfig{})
}

func NewServerWithConfig(svc SyncService, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.WatchInterval <= 0 {
		cfg.WatchInterval = DefaultWatchInterval
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		svc:         svc,
		cfg:         cfg,
		logger:      logger,
		validator:   mustRequestValidator(),
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	w.Header().Set(correlationHeader, correlationID)

	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" || parts[1] != "sync" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	var requiredScope string
	var route string
	switch {
	case len(parts) == 2 && r.Method == http.MethodPost:
		requiredScope = scopeWrite
		route = "request"
	case len(parts) == 2 && r.Method == http.MethodGet:
		requiredScope = scopeRead
		route = "status"
	case len(parts) == 4 && parts[2] == "jobs" && r.Method == http.MethodGet:
		requiredScope = scopeRead
		route = "job"
	case len(parts) == 3 && parts[2] == "watch" && r.Method == http.MethodGet:
		requiredScope = scopeRead
		route = "watch"
	case len(parts) == 3 && parts[2] == "queue" && r.Method == http.MethodGet:
		requiredScope = scopeRead
		route = "queue"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	now := time.Now().UTC()
	limitKey := clientAddress(r)
	if s.cfg.JWTSecret != "" {
		claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, requiredScope, now)
		if authErr != nil {
			writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
			return
		}
		limitKey = "sub:" + claims.Subject
	}
	if s.rateLimiter != nil && !s.rateLimiter.allow(limitKey, now) {
		retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return
	}

	switch route {
	case "request":
		s.handleRequest(w, r, correlationID)
	case "status":
		s.handleStatus(w, r, r.URL.Query().Get("jobId"), correlationID)
	case "job":
		s.handleStatus(w, r, parts[3], correlationID)
	case "watch":
		s.handleWatch(w, r, r.URL.Query().Get("jobId"), correlationID)
	case "queue":
		s.handleQueue(w, r, correlationID)
	}
}

type syncRequestBody struct {
	Action   string        `json:"action"`
	Endpoint string        `json:"endpoint"`
	Username string        `json:"username"`
	Password string        `json:"password"`
	Path     string        `json:"path"`
	Payload  *jobs.Payload `json:"payload"`
}

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	if err := s.validator.validate(body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", err.Error(), correlationID)
		return
	}
	var req syncRequestBody
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "invalid json body", correlationID)
		return
	}
	var payload jobs.Payload
	if req.Payload != nil {
		payload = *req.Payload
		if string(payload.Data) == "null" {
			payload.Data = nil
		}
	}

	job, err := s.svc.Request(r.Context(), syncer.Request{
		Action: req.Action,
		Target: remote.Target{
			Endpoint: req.Endpoint,
			Username: req.Username,
			Password: req.Password,
			Path:     req.Path,
		},
		Payload:       payload,
		CorrelationID: correlationID,
	})
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	// 200 only means the job is queued; status carries the progress.
	writeJSON(w, http.StatusOK, map[string]any{
		"jobId":   job.ID,
		"status":  job.Status,
		"syncKey": job.SyncKey,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, jobID, correlationID string) {
	if strings.TrimSpace(jobID) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "jobId is required", correlationID)
		return
	}
	job, err := s.svc.Status(r.Context(), jobID)
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, newJobView(job))
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request, correlationID string) {
	syncKey := strings.TrimSpace(r.URL.Query().Get("syncKey"))
	if syncKey == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "syncKey is required", correlationID)
		return
	}
	depth, err := s.svc.QueueDepth(r.Context(), syncKey)
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"syncKey": syncKey,
		"depth":   depth,
	})
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, syncer.ErrConfig):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error(), correlationID)
	case errors.Is(err, jobs.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "job not found", correlationID)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "unavailable", "request cancelled", correlationID)
	default:
		s.logger.Error().Err(err).Str("correlationId", correlationID).Msg("sync api request failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error", correlationID)
	}
}

// jobView is the public form of a job. The target is left out because it
// carries the remote credentials.
type jobView struct {
	JobID         string       `json:"jobId"`
	SyncKey       string       `json:"syncKey"`
	Action        jobs.Action  `json:"action"`
	Status        jobs.Status  `json:"status"`
	Result        *jobs.Result `json:"result,omitempty"`
	Error         string       `json:"error,omitempty"`
	CorrelationID string       `json:"correlationId,omitempty"`
	CreatedAt     time.Time    `json:"createdAt"`
	UpdatedAt     time.Time    `json:"updatedAt"`
	StartedAt     *time.Time   `json:"startedAt,omitempty"`
	FinishedAt    *time.Time   `json:"finishedAt,omitempty"`
}

func newJobView(job jobs.Job) jobView {
	return jobView{
		JobID:         job.ID,
		SyncKey:       job.SyncKey,
		Action:        job.Action,
		Status:        job.Status,
		Result:        job.Result,
		Error:         job.Error,
		CorrelationID: job.CorrelationID,
		CreatedAt:     job.CreatedAt,
		UpdatedAt:     job.UpdatedAt,
		StartedAt:     job.StartedAt,
		FinishedAt:    job.FinishedAt,
	}
}

func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(correlationHeader)); id != "" {
		return id
	}
	return xid.New().String()
}

func clientAddress(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "addr:" + r.RemoteAddr
	}
	return "addr:" + host
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
