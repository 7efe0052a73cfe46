package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vincentbai/pagetrace/internal/database"
	"github.com/vincentbai/pagetrace/internal/metrics"
	"github.com/vincentbai/pagetrace/internal/models"
)

type testServer struct {
	*Server
	db      *database.Database
	metrics *metrics.Metrics
	handler http.Handler
}

func setupTestServer(t *testing.T, mutate ...func(*Options)) testServer {
	t.Helper()

	db, err := database.NewDatabase(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	opts := Options{Metrics: m, Gatherer: reg, Clock: quartz.NewMock(t)}
	for _, fn := range mutate {
		fn(&opts)
	}
	server := NewServer(db, "127.0.0.1:0", opts) // Port 0 for testing
	return testServer{Server: server, db: db, metrics: m, handler: server.Handler()}
}

func (ts testServer) do(t *testing.T, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	return w
}

func validBatch(n int) models.ErrorBatch {
	batch := models.ErrorBatch{SessionInfo: models.SessionInfo{SessionID: "err_s1", TotalErrors: n}}
	for i := range n {
		batch.Errors = append(batch.Errors, models.CapturedEvent{
			Type:      models.EventJavaScript,
			Message:   "boom",
			Timestamp: int64(1_700_000_000_000 + i),
			SessionID: "err_s1",
			ErrorID:   "id-" + string(rune('a'+i)),
			URL:       "https://example.com/chat.html",
		})
	}
	return batch
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestNewServer(t *testing.T) {
	ts := setupTestServer(t)
	assert.NotNil(t, ts.Server.db)
	assert.Equal(t, "127.0.0.1:0", ts.address)
	assert.Equal(t, 20, ts.opts.RecentErrors)
}

func TestHandleHealthz(t *testing.T) {
	ts := setupTestServer(t)
	w := ts.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
}

func TestHandleErrorsSuccess(t *testing.T) {
	ts := setupTestServer(t)

	w := ts.do(t, http.MethodPost, ErrorsPath, mustJSON(t, validBatch(3)))
	require.Equal(t, http.StatusNoContent, w.Code)

	summary, err := ts.db.Summary(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.TotalErrors)
	assert.Equal(t, 3.0, testutil.ToFloat64(ts.metrics.IngestedEvents.WithLabelValues("error")))
}

func TestHandleErrorsEmptyBatch(t *testing.T) {
	ts := setupTestServer(t)
	w := ts.do(t, http.MethodPost, ErrorsPath, mustJSON(t, models.ErrorBatch{}))
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestHandleErrorsInvalidJSON(t *testing.T) {
	ts := setupTestServer(t)
	w := ts.do(t, http.MethodPost, ErrorsPath, []byte(`{"errors": [invalid json]}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(ts.metrics.IngestFailures.WithLabelValues("errors", "bad_json")))
}

func TestHandleErrorsInvalidEvent(t *testing.T) {
	ts := setupTestServer(t)
	batch := validBatch(2)
	batch.Errors[1].SessionID = ""

	w := ts.do(t, http.MethodPost, ErrorsPath, mustJSON(t, batch))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "sessionId")

	summary, err := ts.db.Summary(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, summary.TotalErrors)
}

func TestHandleErrorsMethodNotAllowed(t *testing.T) {
	ts := setupTestServer(t)
	w := ts.do(t, http.MethodGet, ErrorsPath, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHandleErrorsStoreFailure(t *testing.T) {
	ts := setupTestServer(t)
	require.NoError(t, ts.db.Close())

	w := ts.do(t, http.MethodPost, ErrorsPath, mustJSON(t, validBatch(1)))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func funnelEvent(typ string, ts int64) models.FunnelEvent {
	return models.FunnelEvent{
		Type:       typ,
		FunnelID:   "signup",
		FunnelName: "User Signup",
		Timestamp:  ts,
		SessionID:  "funnel_s1",
	}
}

func TestHandleFunnelsSingleAndArray(t *testing.T) {
	ts := setupTestServer(t)

	w := ts.do(t, http.MethodPost, FunnelsPath, mustJSON(t, funnelEvent(models.FunnelStarted, 1)))
	require.Equal(t, http.StatusNoContent, w.Code)

	done := funnelEvent(models.FunnelCompleted, 2)
	elapsed := int64(4000)
	done.CompletionTime = &elapsed
	w = ts.do(t, http.MethodPost, FunnelsPath, mustJSON(t, []models.FunnelEvent{
		funnelEvent(models.FunnelStepCompleted, 2),
		done,
	}))
	require.Equal(t, http.StatusNoContent, w.Code)

	summary, err := ts.db.Summary(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, summary.Funnels, 1)
	assert.Equal(t, 1, summary.Funnels[0].Started)
	assert.Equal(t, 1, summary.Funnels[0].Completed)
	assert.InDelta(t, 4000, summary.Funnels[0].AvgCompletionTimeMS, 0.001)
	assert.Equal(t, 3.0, testutil.ToFloat64(ts.metrics.IngestedEvents.WithLabelValues("funnel")))
}

func TestHandleFunnelsRejects(t *testing.T) {
	ts := setupTestServer(t)

	cases := map[string][]byte{
		"not json":     []byte(`{"type":`),
		"scalar":       []byte(`42`),
		"unknown type": mustJSON(t, funnelEvent("funnel_exploded", 1)),
		"no funnel":    []byte(`{"type":"funnel_started","timestamp":1}`),
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			w := ts.do(t, http.MethodPost, FunnelsPath, body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}

	w := ts.do(t, http.MethodPost, FunnelsPath, []byte(`[]`))
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestHandleSummary(t *testing.T) {
	ts := setupTestServer(t)
	require.Equal(t, http.StatusNoContent, ts.do(t, http.MethodPost, ErrorsPath, mustJSON(t, validBatch(2))).Code)

	w := ts.do(t, http.MethodGet, SummaryPath, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var env models.Envelope[database.Summary]
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	assert.True(t, env.Success)
	assert.Equal(t, 2, env.Data.TotalErrors)
	assert.Equal(t, 1, env.Data.Sessions)
}

func TestHandleDashboard(t *testing.T) {
	ts := setupTestServer(t)
	batch := validBatch(1)
	batch.Errors[0].Message = "<img src=x onerror=alert(1)>"
	require.Equal(t, http.StatusNoContent, ts.do(t, http.MethodPost, ErrorsPath, mustJSON(t, batch)).Code)

	w := ts.do(t, http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.HasPrefix(w.Header().Get("Content-Type"), "text/html"))
	assert.NotContains(t, w.Body.String(), "<img src=x")
	assert.Contains(t, w.Body.String(), "&lt;img")
}

func TestMetricsRoute(t *testing.T) {
	ts := setupTestServer(t)
	ts.do(t, http.MethodPost, ErrorsPath, []byte("nope"))

	w := ts.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "pagetrace_collector_ingest_failures_total")
}

func TestRateLimit(t *testing.T) {
	ts := setupTestServer(t, func(o *Options) { o.RequestsPerMinute = 2 })

	for range 2 {
		assert.Equal(t, http.StatusNoContent, ts.do(t, http.MethodPost, ErrorsPath, mustJSON(t, models.ErrorBatch{})).Code)
	}
	w := ts.do(t, http.MethodPost, ErrorsPath, mustJSON(t, models.ErrorBatch{}))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	// Health checks are not limited.
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/healthz", nil).Code)
}

func TestCORSPreflight(t *testing.T) {
	ts := setupTestServer(t, func(o *Options) { o.AllowedOrigins = []string{"https://app.example.com"} })

	req := httptest.NewRequest(http.MethodOptions, ErrorsPath, nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Content-Type")
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)

	assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestServeShutsDownOnCancel(t *testing.T) {
	ts := setupTestServer(t, func(o *Options) { o.ShutdownTimeout = 5 * time.Second })

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ts.Serve(ctx, listener) }()

	url := "http://" + listener.Addr().String() + "/healthz"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}
}
