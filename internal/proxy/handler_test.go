package proxy_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ogulcanaydogan/spend-guard/internal/proxy"
	"github.com/ogulcanaydogan/spend-guard/pkg/budget"
	"github.com/ogulcanaydogan/spend-guard/pkg/ledger"
	"github.com/ogulcanaydogan/spend-guard/pkg/model"
	"github.com/ogulcanaydogan/spend-guard/pkg/pricing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// brokenLedger fails every call once broken is set.
type brokenLedger struct {
	ledger.Ledger
	broken atomic.Bool
}

func (b *brokenLedger) GetUsage(ctx context.Context, key string) (float64, error) {
	if b.broken.Load() {
		return 0, &ledger.BackendError{Op: "get", Key: key, Err: errors.New("connection refused")}
	}
	return b.Ledger.GetUsage(ctx, key)
}

type upstream struct {
	*httptest.Server
	mu      sync.Mutex
	hits    int
	headers http.Header
}

func (u *upstream) Hits() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.hits
}

func (u *upstream) Headers() http.Header {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.headers
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.mu.Lock()
		u.hits++
		u.headers = r.Header.Clone()
		u.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":    "chatcmpl-test",
			"model": "gpt-4o",
			"usage": map[string]any{
				"prompt_tokens":     24,
				"completion_tokens": 8,
				"total_tokens":      32,
			},
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": "Hello!"}},
			},
		})
	}))
	t.Cleanup(u.Close)
	return u
}

type fixture struct {
	handler  *proxy.Handler
	manager  *budget.Manager
	store    *brokenLedger
	upstream *upstream
}

func setupProxyTest(t *testing.T, opts proxy.Options) *fixture {
	t.Helper()

	catalog, err := pricing.LoadCatalogFromBytes([]byte(`
provider: openai
models:
  - model: gpt-4o
    input_per_million: 2.50
    output_per_million: 10.00
`))
	require.NoError(t, err)
	engine, err := pricing.NewEngine(nil, catalog)
	require.NoError(t, err)

	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	clock := model.ClockFunc(func() time.Time { return now })
	store := &brokenLedger{Ledger: ledger.NewMemory(clock)}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))
	m, err := budget.NewManager(store, engine, nil, nil, budget.Config{
		Limits: model.Limits{GlobalDailyUSD: 100, ProjectDailyUSD: 50, UserDailyUSD: 1},
		Clock:  clock,
	}, logger)
	require.NoError(t, err)

	return &fixture{
		handler:  proxy.NewHandler(m, opts, logger),
		manager:  m,
		store:    store,
		upstream: newUpstream(t),
	}
}

func chatRequest(t *testing.T, target string) *http.Request {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"model":      "gpt-4o",
		"max_tokens": 16,
		"messages":   []map[string]string{{"role": "user", "content": "Hello"}},
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	req.Header.Set(proxy.HeaderTarget, target+"/v1/chat/completions")
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestProxyHandler_MissingTarget(t *testing.T) {
	f := setupProxyTest(t, proxy.Options{})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil)
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-SG-Request-ID"))
}

func TestProxyHandler_InvalidTargetURL(t *testing.T) {
	f := setupProxyTest(t, proxy.Options{})

	req := httptest.NewRequest(http.MethodPost, "/test", nil)
	req.Header.Set(proxy.HeaderTarget, "://invalid-url")
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestProxyHandler_MissingUser(t *testing.T) {
	f := setupProxyTest(t, proxy.Options{DenyOnExceed: true})

	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, chatRequest(t, f.upstream.URL))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), proxy.HeaderUser)
	assert.Zero(t, f.upstream.Hits())
}

func TestProxyHandler_FullRoundTrip(t *testing.T) {
	f := setupProxyTest(t, proxy.Options{AddCostHeaders: true, DenyOnExceed: true})

	req := chatRequest(t, f.upstream.URL)
	req.Header.Set(proxy.HeaderUser, "u1")
	req.Header.Set(proxy.HeaderProject, "p1")
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	// 24 * 2.5e-6 + 8 * 10e-6
	assert.Equal(t, "0.000140", w.Header().Get("X-SG-Cost"))
	assert.Equal(t, "24", w.Header().Get("X-SG-Input-Tokens"))
	assert.Equal(t, "8", w.Header().Get("X-SG-Output-Tokens"))
	assert.Equal(t, "openai", w.Header().Get("X-SG-Provider"))
	assert.Equal(t, "gpt-4o", w.Header().Get("X-SG-Model"))
	assert.NotEmpty(t, w.Header().Get("X-SG-Latency"))
	assert.Contains(t, w.Body.String(), "chatcmpl-test")

	for _, h := range []string{proxy.HeaderTarget, proxy.HeaderUser, proxy.HeaderProject} {
		assert.Empty(t, f.upstream.Headers().Get(h), "%s must not reach upstream", h)
	}

	usage, err := f.manager.Usage(context.Background(), "u1", "p1")
	require.NoError(t, err)
	require.Len(t, usage, 3)
	for _, u := range usage {
		assert.InDelta(t, 0.00014, u.UsedUSD, 1e-12, u.Scope.Name())
	}
}

func TestProxyHandler_NoCostHeaders(t *testing.T) {
	f := setupProxyTest(t, proxy.Options{AddCostHeaders: false, DenyOnExceed: true})

	req := chatRequest(t, f.upstream.URL)
	req.Header.Set(proxy.HeaderUser, "u1")
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("X-SG-Cost"))
}

func TestProxyHandler_UserFromBody(t *testing.T) {
	f := setupProxyTest(t, proxy.Options{DenyOnExceed: true, DefaultProject: "default"})

	body := []byte(`{"model":"gpt-4o","user":"body-user","messages":[{"role":"user","content":"Hi"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	req.Header.Set(proxy.HeaderTarget, f.upstream.URL+"/v1/chat/completions")
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	usage, err := f.manager.Usage(context.Background(), "body-user", "default")
	require.NoError(t, err)
	assert.Greater(t, usage[2].UsedUSD, 0.0)
}

func TestProxyHandler_ExceededIsRejected(t *testing.T) {
	f := setupProxyTest(t, proxy.Options{DenyOnExceed: true})
	require.NoError(t, f.manager.RecordSpend(context.Background(), budget.SpendRecord{UserID: "u1", Amount: 1}))

	req := chatRequest(t, f.upstream.URL)
	req.Header.Set(proxy.HeaderUser, "u1")
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Zero(t, f.upstream.Hits())

	var resp map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "user", resp["scope"])
	assert.Equal(t, "u1", resp["scope_id"])
}

func TestProxyHandler_EstimateCountsTowardsLimit(t *testing.T) {
	f := setupProxyTest(t, proxy.Options{DenyOnExceed: true})
	// 0.9999 used; 16 output tokens at 10e-6 alone push past the $1 limit.
	require.NoError(t, f.manager.RecordSpend(context.Background(), budget.SpendRecord{UserID: "u1", Amount: 0.9999}))

	req := chatRequest(t, f.upstream.URL)
	req.Header.Set(proxy.HeaderUser, "u1")
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Zero(t, f.upstream.Hits())
}

func TestProxyHandler_BackendFailureFailsClosed(t *testing.T) {
	f := setupProxyTest(t, proxy.Options{DenyOnExceed: true})
	f.store.broken.Store(true)

	req := chatRequest(t, f.upstream.URL)
	req.Header.Set(proxy.HeaderUser, "u1")
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Zero(t, f.upstream.Hits())
}

func TestProxyHandler_DenyDisabledForwards(t *testing.T) {
	f := setupProxyTest(t, proxy.Options{DenyOnExceed: false})
	require.NoError(t, f.manager.RecordSpend(context.Background(), budget.SpendRecord{UserID: "u1", Amount: 5}))

	req := chatRequest(t, f.upstream.URL)
	req.Header.Set(proxy.HeaderUser, "u1")
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, f.upstream.Hits())
}

func TestProxyHandler_BackendDownDenyDisabledRejects(t *testing.T) {
	f := setupProxyTest(t, proxy.Options{DenyOnExceed: false})
	f.store.broken.Store(true)

	req := chatRequest(t, f.upstream.URL)
	req.Header.Set(proxy.HeaderUser, "u1")
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Zero(t, f.upstream.Hits())
}

func TestProxyHandler_BodyTooLarge(t *testing.T) {
	f := setupProxyTest(t, proxy.Options{DenyOnExceed: true, MaxBodySize: 16})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(strings.Repeat("x", 64)))
	req.Header.Set(proxy.HeaderTarget, f.upstream.URL+"/v1/chat/completions")
	req.Header.Set(proxy.HeaderUser, "u1")
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestProxyHandler_UpstreamDown(t *testing.T) {
	f := setupProxyTest(t, proxy.Options{DenyOnExceed: true})
	f.upstream.Close()

	req := chatRequest(t, f.upstream.URL)
	req.Header.Set(proxy.HeaderUser, "u1")
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadGateway, w.Code)

	usage, err := f.manager.Usage(context.Background(), "u1", "")
	require.NoError(t, err)
	assert.Zero(t, usage[1].UsedUSD)
}
