package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/ogulcanaydogan/spend-guard/pkg/budget"
	"github.com/ogulcanaydogan/spend-guard/pkg/guard"
)

// Control headers consumed by the proxy. They are never forwarded upstream.
const (
	HeaderTarget   = "X-SG-Target"
	HeaderProvider = "X-SG-Provider"
	HeaderUser     = "X-SG-User"
	HeaderProject  = "X-SG-Project"
)

// Options tunes the proxy handler.
type Options struct {
	DefaultProject string
	AddCostHeaders bool
	DenyOnExceed   bool
	MaxBodySize    int64
}

// Handler is a transparent proxy that enforces daily budgets in front of
// LLM APIs and records what each call cost.
type Handler struct {
	manager *budget.Manager
	opts    Options
	logger  *slog.Logger
}

// NewHandler creates a new proxy handler.
func NewHandler(m *budget.Manager, opts Options, logger *slog.Logger) *Handler {
	return &Handler{
		manager: m,
		opts:    opts,
		logger:  logger,
	}
}

// ServeHTTP handles proxied requests.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := uuid.NewString()
	w.Header().Set("X-SG-Request-ID", requestID)

	targetURL := r.Header.Get(HeaderTarget)
	if targetURL == "" {
		writeError(w, http.StatusBadRequest, "missing "+HeaderTarget+" header")
		return
	}

	target, err := url.Parse(targetURL)
	if err != nil || target.Host == "" {
		writeError(w, http.StatusBadRequest, "invalid target URL")
		return
	}

	if h.opts.MaxBodySize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxBodySize)
	}
	reqBody, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(reqBody))

	provider := DetectProvider(target.Host, target.Path)
	if provider == "" {
		provider = r.Header.Get(HeaderProvider)
	}

	reqInfo, err := ExtractRequestInfo(reqBody, provider)
	if err != nil {
		h.logger.Debug("request body not parsed", "request_id", requestID, "error", err)
	}

	user := r.Header.Get(HeaderUser)
	if user == "" && reqInfo != nil {
		user = reqInfo.User
	}
	if user == "" {
		writeError(w, http.StatusBadRequest, "missing "+HeaderUser+" header")
		return
	}
	project := r.Header.Get(HeaderProject)
	if project == "" {
		project = h.opts.DefaultProject
	}

	if !h.preflight(r.Context(), w, requestID, user, project, reqInfo) {
		return
	}

	rp := &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL = target
			req.Host = target.Host
			req.Header.Del(HeaderTarget)
			req.Header.Del(HeaderProvider)
			req.Header.Del(HeaderUser)
			req.Header.Del(HeaderProject)
			// Let the transport negotiate compression so usage can be read.
			req.Header.Del("Accept-Encoding")
		},
		ModifyResponse: func(resp *http.Response) error {
			return h.captureResponse(resp, provider, reqInfo, user, project, start)
		},
		ErrorHandler: func(w http.ResponseWriter, _ *http.Request, err error) {
			h.logger.Error("proxy error", "request_id", requestID, "error", err, "target", targetURL)
			writeError(w, http.StatusBadGateway, "upstream unavailable")
		},
	}

	rp.ServeHTTP(w, r)
}

// preflight runs the budget check. It reports whether the request may be
// forwarded, having written the rejection itself otherwise.
func (h *Handler) preflight(ctx context.Context, w http.ResponseWriter, requestID, user, project string, info *RequestInfo) bool {
	var estimate float64
	if info != nil && info.Model != "" {
		est, err := h.manager.EstimateCost(info.Model, info.Prompt, info.MaxOutputTokens)
		if err != nil {
			h.logger.Debug("no pre-flight estimate", "request_id", requestID, "model", info.Model, "error", err)
		} else {
			estimate = est
		}
	}

	err := h.manager.CheckAvailability(ctx, budget.CheckRequest{
		UserID:        user,
		ProjectID:     project,
		EstimatedCost: estimate,
	})
	if err == nil {
		return true
	}

	// DenyOnExceed only softens an exhausted budget. Ledger failures always
	// block the call.
	var exceeded *guard.ExceededError
	switch {
	case errors.Is(err, budget.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
		return false
	case errors.As(err, &exceeded) && !h.opts.DenyOnExceed:
		h.logger.Warn("budget exceeded, forwarding anyway", "request_id", requestID, "user", user, "scope", exceeded.Scope, "error", err)
		return true
	case errors.As(err, &exceeded):
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":     err.Error(),
			"scope":     exceeded.Scope,
			"scope_id":  exceeded.ScopeID,
			"limit_usd": exceeded.Limit,
			"used_usd":  exceeded.Used,
		})
		return false
	default:
		h.logger.Error("budget check unavailable", "request_id", requestID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "budget ledger unavailable")
		return false
	}
}

// captureResponse reads the upstream response, prices its usage, records
// the spend and injects cost headers.
func (h *Handler) captureResponse(resp *http.Response, provider string, reqInfo *RequestInfo, user, project string, start time.Time) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	resp.Body.Close()
	defer func() {
		resp.Body = io.NopCloser(bytes.NewReader(body))
		resp.ContentLength = int64(len(body))
		resp.Header.Set("Content-Length", strconv.Itoa(len(body)))
	}()

	usage, err := ExtractResponseUsage(body, provider)
	if err != nil {
		h.logger.Warn("failed to extract usage from response", "error", err)
		return nil
	}
	if usage == nil {
		return nil
	}

	modelName := usage.Model
	if modelName == "" && reqInfo != nil {
		modelName = reqInfo.Model
	}

	// The spend happened upstream, so record it even if the client went away.
	ctx := context.WithoutCancel(resp.Request.Context())
	cost, err := h.manager.RecordUsage(ctx, budget.UsageRecord{
		UserID:            user,
		ProjectID:         project,
		Model:             modelName,
		InputTokens:       usage.InputTokens,
		CachedInputTokens: usage.CachedInputTokens,
		OutputTokens:      usage.OutputTokens,
	})
	if err != nil {
		h.logger.Error("failed to record spend", "user", user, "model", modelName, "error", err)
	}

	if h.opts.AddCostHeaders {
		resp.Header.Set("X-SG-Cost", strconv.FormatFloat(cost, 'f', 6, 64))
		resp.Header.Set("X-SG-Input-Tokens", strconv.FormatInt(usage.InputTokens+usage.CachedInputTokens, 10))
		resp.Header.Set("X-SG-Output-Tokens", strconv.FormatInt(usage.OutputTokens, 10))
		resp.Header.Set("X-SG-Provider", provider)
		resp.Header.Set("X-SG-Model", modelName)
		resp.Header.Set("X-SG-Latency", time.Since(start).String())
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
