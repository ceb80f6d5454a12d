package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/worksync/internal/localstore"
	"github.com/agentworkforce/worksync/internal/worksync"
)

type ServerConfig struct {
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	// StreamOrigins lists host patterns allowed to open the status stream
	// from a browser. Same-origin requests are always accepted.
	StreamOrigins []string
	Logger        *slog.Logger
}

// Server exposes the sync agent to local callers: forms, dashboards and
// other processes on the device.
type Server struct {
	agent       *worksync.Agent
	cfg         ServerConfig
	rateLimiter *rateLimiter
	hub         *statusHub
	logger      *slog.Logger
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

func NewServer(agent *worksync.Agent) *Server {
	return NewServerWithConfig(agent, ServerConfig{})
}

func NewServerWithConfig(agent *worksync.Agent, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	s := &Server{
		agent:       agent,
		cfg:         cfg,
		rateLimiter: limiter,
		hub:         newStatusHub(),
		logger:      cfg.Logger,
	}
	agent.Subscribe(s.hub.notify)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	w.Header().Set("X-Correlation-Id", correlationID)

	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	if s.rateLimiter != nil && !s.rateLimiter.allow(clientKey(r), time.Now().UTC()) {
		retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return
	}

	switch {
	case r.URL.Path == "/v1/status" && r.Method == http.MethodGet:
		s.handleStatus(w, r, correlationID)
		return
	case r.URL.Path == "/v1/status/stream" && r.Method == http.MethodGet:
		s.handleStatusStream(w, r)
		return
	case r.URL.Path == "/v1/queue" && r.Method == http.MethodGet:
		s.handleQueue(w, r, correlationID)
		return
	case r.URL.Path == "/v1/sync/drain" && r.Method == http.MethodPost:
		s.handleDrain(w, r, correlationID)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || len(parts) > 4 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}
	repo, ok := s.agent.RepositoryBySegment(parts[1])
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	switch {
	case len(parts) == 2 && r.Method == http.MethodGet:
		s.handleList(w, r, repo, correlationID)
	case len(parts) == 2 && r.Method == http.MethodPost:
		s.handleCreate(w, r, repo, correlationID)
	case len(parts) == 3 && r.Method == http.MethodGet:
		s.handleGet(w, r, repo, parts[2], correlationID)
	case len(parts) == 3 && (r.Method == http.MethodPatch || r.Method == http.MethodPut):
		s.handleUpdate(w, r, repo, parts[2], correlationID)
	case len(parts) == 3 && r.Method == http.MethodDelete:
		s.handleDelete(w, r, repo, parts[2], correlationID)
	case len(parts) == 4 && r.Method == http.MethodPost:
		s.handleTransition(w, r, repo, parts[2], parts[3], correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, correlationID string) {
	status, err := s.agent.Status(r.Context())
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request, correlationID string) {
	items, err := s.agent.Queue().Items(r.Context())
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	if items == nil {
		items = []localstore.QueueItem{}
	}
	statusFilter := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("status")))
	if statusFilter != "" {
		if statusFilter != string(localstore.QueueStatusPending) && statusFilter != string(localstore.QueueStatusError) {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid status", correlationID)
			return
		}
		filtered := make([]localstore.QueueItem, 0, len(items))
		for _, item := range items {
			if string(item.Status) == statusFilter {
				filtered = append(filtered, item)
			}
		}
		items = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request, correlationID string) {
	report, err := s.agent.Drain(r.Context())
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request, repo *worksync.Repository, correlationID string) {
	query := r.URL.Query()
	page, err := parseOptionalBoundedInt(query.Get("page"), 0, 1, 1_000_000)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid page", correlationID)
		return
	}
	pageSize, err := parseOptionalBoundedInt(query.Get("pageSize"), 0, 1, 1_000)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid pageSize", correlationID)
		return
	}
	filters := map[string]string{}
	for key, values := range query {
		if key == "page" || key == "pageSize" || len(values) == 0 {
			continue
		}
		filters[key] = values[0]
	}
	result, err := repo.GetAll(r.Context(), worksync.ListQuery{Filters: filters, Page: page, PageSize: pageSize})
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, repo *worksync.Repository, id, correlationID string) {
	record, err := repo.GetByID(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request, repo *worksync.Repository, correlationID string) {
	var body map[string]any
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	record, err := repo.Create(r.Context(), body)
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	s.agent.Changed()
	writeJSON(w, mutationStatus(record, http.StatusCreated), record)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request, repo *worksync.Repository, id, correlationID string) {
	var body map[string]any
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	record, err := repo.Update(r.Context(), id, body)
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	s.agent.Changed()
	writeJSON(w, mutationStatus(record, http.StatusOK), record)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, repo *worksync.Repository, id, correlationID string) {
	if err := repo.Delete(r.Context(), id); err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	s.agent.Changed()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request, repo *worksync.Repository, id, transition, correlationID string) {
	var body map[string]any
	if r.ContentLength != 0 {
		if !s.decodeJSONBody(w, r, correlationID, &body) {
			return
		}
	}
	var (
		record localstore.Record
		err    error
	)
	if transition == "reject" {
		reason, _ := body["motifRejet"].(string)
		if reason == "" {
			reason, _ = body["reason"].(string)
		}
		record, err = repo.Reject(r.Context(), id, reason)
	} else {
		record, err = repo.Transition(r.Context(), id, transition, body)
	}
	if err != nil {
		s.writeServiceError(w, err, correlationID)
		return
	}
	s.agent.Changed()
	writeJSON(w, http.StatusOK, record)
}

// mutationStatus answers 202 when the mutation was only queued locally.
func mutationStatus(record localstore.Record, confirmed int) int {
	if record.SyncStatus == localstore.SyncStatusPending {
		return http.StatusAccepted
	}
	return confirmed
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error, correlationID string) {
	var rejection *worksync.ServerRejection
	switch {
	case errors.Is(err, worksync.ErrOffline):
		writeError(w, http.StatusServiceUnavailable, "offline", err.Error(), correlationID)
	case errors.Is(err, worksync.ErrPendingSync):
		writeError(w, http.StatusConflict, "pending_sync", err.Error(), correlationID)
	case errors.Is(err, worksync.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error(), correlationID)
	case errors.As(err, &rejection):
		status := rejection.StatusCode
		if status < 400 || status > 599 {
			status = http.StatusBadGateway
		}
		code := rejection.Code
		if code == "" {
			code = "rejected"
		}
		writeError(w, status, code, rejection.Message, correlationID)
	case errors.Is(err, worksync.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case worksync.IsTransient(err):
		writeError(w, http.StatusBadGateway, "remote_unreachable", err.Error(), correlationID)
	case errors.Is(err, worksync.ErrStorageUnavailable):
		s.logger.Error("local store failure", "err", err, "correlation_id", correlationID)
		writeError(w, http.StatusInternalServerError, "storage_unavailable", err.Error(), correlationID)
	default:
		s.logger.Error("request failed", "err", err, "correlation_id", correlationID)
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Correlation-Id")); id != "" {
		return id
	}
	return "corr_" + uuid.NewString()
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
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

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
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

func parseOptionalBoundedInt(raw string, fallback, min, max int) (int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, err
	}
	if parsed < min || parsed > max {
		return 0, fmt.Errorf("out of range")
	}
	return parsed, nil
}
