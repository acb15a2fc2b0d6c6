package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/ogulcanaydogan/spend-guard/pkg/budget"
	"github.com/ogulcanaydogan/spend-guard/pkg/guard"
	"github.com/ogulcanaydogan/spend-guard/pkg/ledger"
	"github.com/ogulcanaydogan/spend-guard/pkg/pricing"
)

// Identity headers used when a request body omits user_id or project_id.
const (
	HeaderUser    = "X-SG-User"
	HeaderProject = "X-SG-Project"
)

const requestTimeout = 10 * time.Second

// Options configures optional endpoints.
type Options struct {
	// Metrics serves GET /metrics when non-nil.
	Metrics     http.Handler
	MaxBodySize int64
}

// Server provides the budget API, health check and metrics endpoints.
type Server struct {
	manager *budget.Manager
	opts    Options
	mux     *http.ServeMux
	logger  *slog.Logger
}

// NewServer creates an API server.
func NewServer(m *budget.Manager, opts Options, logger *slog.Logger) *Server {
	s := &Server{
		manager: m,
		opts:    opts,
		mux:     http.NewServeMux(),
		logger:  logger,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("POST /v1/check", s.handleCheck)
	s.mux.HandleFunc("POST /v1/spend", s.handleSpend)
	s.mux.HandleFunc("GET /v1/usage", s.handleUsage)
	s.mux.HandleFunc("GET /v1/limits", s.handleGetLimits)
	s.mux.HandleFunc("PUT /v1/limits", s.handlePutLimits)
	if s.opts.Metrics != nil {
		s.mux.Handle("GET /metrics", s.opts.Metrics)
	}
}

// Mount registers an extra handler, e.g. the proxy on "/".
func (s *Server) Mount(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// Handler returns the HTTP handler for this server.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-SG-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-SG-Request-ID", id)
		s.mux.ServeHTTP(w, r)
	})
}

type checkRequest struct {
	UserID          string  `json:"user_id"`
	ProjectID       string  `json:"project_id"`
	EstimatedCost   float64 `json:"estimated_cost"`
	Model           string  `json:"model"`
	Prompt          string  `json:"prompt"`
	MaxOutputTokens int64   `json:"max_output_tokens"`
}

type spendRequest struct {
	UserID            string   `json:"user_id"`
	ProjectID         string   `json:"project_id"`
	Amount            *float64 `json:"amount"`
	Model             string   `json:"model"`
	InputTokens       int64    `json:"input_tokens"`
	CachedInputTokens int64    `json:"cached_input_tokens"`
	OutputTokens      int64    `json:"output_tokens"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	if err := s.manager.Ping(ctx); err != nil {
		s.logger.Error("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"ledger": "disconnected",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"ledger": "connected",
	})
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if !s.decode(w, r, &req) {
		return
	}
	identity(r, &req.UserID, &req.ProjectID)

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	estimate := req.EstimatedCost
	if estimate == 0 && req.Model != "" && req.Prompt != "" {
		est, err := s.manager.EstimateCost(req.Model, req.Prompt, req.MaxOutputTokens)
		if err != nil {
			s.writeErr(w, err)
			return
		}
		estimate = est
	}

	err := s.manager.CheckAvailability(ctx, budget.CheckRequest{
		UserID:        req.UserID,
		ProjectID:     req.ProjectID,
		EstimatedCost: estimate,
	})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":             "allowed",
		"estimated_cost_usd": estimate,
	})
}

func (s *Server) handleSpend(w http.ResponseWriter, r *http.Request) {
	var req spendRequest
	if !s.decode(w, r, &req) {
		return
	}
	identity(r, &req.UserID, &req.ProjectID)

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	var (
		cost float64
		err  error
	)
	if req.Amount != nil {
		cost = *req.Amount
		err = s.manager.RecordSpend(ctx, budget.SpendRecord{
			UserID:    req.UserID,
			Amount:    cost,
			ProjectID: req.ProjectID,
			Model:     req.Model,
		})
	} else {
		cost, err = s.manager.RecordUsage(ctx, budget.UsageRecord{
			UserID:            req.UserID,
			ProjectID:         req.ProjectID,
			Model:             req.Model,
			InputTokens:       req.InputTokens,
			CachedInputTokens: req.CachedInputTokens,
			OutputTokens:      req.OutputTokens,
		})
	}
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "recorded",
		"cost_usd": cost,
	})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	userID := r.URL.Query().Get("user_id")
	projectID := r.URL.Query().Get("project_id")
	identity(r, &userID, &projectID)

	usage, err := s.manager.Usage(ctx, userID, projectID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":    userID,
		"project_id": projectID,
		"scopes":     usage,
	})
}

func (s *Server) handleGetLimits(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.Limits())
}

// handlePutLimits applies a partial update: omitted fields keep their value.
func (s *Server) handlePutLimits(w http.ResponseWriter, r *http.Request) {
	limits := s.manager.Limits()
	if !s.decode(w, r, &limits) {
		return
	}
	if err := s.manager.SetLimits(limits); err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, limits)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body := r.Body
	if s.opts.MaxBodySize > 0 {
		body = http.MaxBytesReader(w, r.Body, s.opts.MaxBodySize)
	}
	if err := json.NewDecoder(body).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// identity fills empty user and project IDs from the identity headers.
func identity(r *http.Request, userID, projectID *string) {
	if *userID == "" {
		*userID = r.Header.Get(HeaderUser)
	}
	if *projectID == "" {
		*projectID = r.Header.Get(HeaderProject)
	}
}

func (s *Server) writeErr(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	var exceeded *guard.ExceededError
	switch {
	case errors.As(err, &exceeded):
		writeJSON(w, status, map[string]any{
			"error":         err.Error(),
			"scope":         exceeded.Scope,
			"scope_id":      exceeded.ScopeID,
			"limit_usd":     exceeded.Limit,
			"used_usd":      exceeded.Used,
			"estimated_usd": exceeded.Estimated,
		})
		return
	case status >= http.StatusInternalServerError:
		s.logger.Error("request failed", "status", status, "error", err)
	}
	writeError(w, status, err.Error())
}

// StatusFor maps an error from the budget API onto an HTTP status code.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, budget.ErrValidation),
		errors.Is(err, pricing.ErrUnknownModel),
		errors.Is(err, budget.ErrNoPricing):
		return http.StatusBadRequest
	case errors.Is(err, guard.ErrBudgetExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, ledger.ErrCorruptData):
		return http.StatusInternalServerError
	case errors.Is(err, ledger.ErrBackend),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
