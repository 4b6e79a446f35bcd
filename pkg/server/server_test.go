package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pario-ai/folio/pkg/budget"
	"github.com/pario-ai/folio/pkg/models"
	"github.com/pario-ai/folio/pkg/ocr"
	"github.com/pario-ai/folio/pkg/scheduler"
)

type fakeEngine struct {
	resp         *models.ExtractResponse
	err          error
	gotDoc       models.Document
	gotParams    models.ExtractParams
	gotRange     [2]int
	gotRetention time.Duration
}

func (f *fakeEngine) ExtractText(_ context.Context, doc models.Document, start, end int, params models.ExtractParams) (*models.ExtractResponse, error) {
	f.gotDoc, f.gotParams, f.gotRange = doc, params, [2]int{start, end}
	return f.resp, f.err
}

func (f *fakeEngine) DefaultParams() models.ExtractParams {
	return models.ExtractParams{Model: "vision-1", DPI: 150}
}

func (f *fakeEngine) PurgeCache(_ context.Context, retention time.Duration) (int64, error) {
	f.gotRetention = retention
	return 3, nil
}

func (f *fakeEngine) CacheStats(context.Context) (models.CacheStats, error) {
	return models.CacheStats{Backend: "sqlite", Entries: 7, TokensSaved: 9000}, nil
}

type fakeTracker struct {
	summaries []models.UsageSummary
}

func (f *fakeTracker) Record(context.Context, models.RunRecord) error { return nil }
func (f *fakeTracker) Recent(context.Context, string, int) ([]models.RunRecord, error) {
	return nil, nil
}
func (f *fakeTracker) Summary(context.Context, string) ([]models.UsageSummary, error) {
	return f.summaries, nil
}
func (f *fakeTracker) TokensSince(context.Context, string, time.Time) (int64, error) { return 0, nil }
func (f *fakeTracker) Close() error                                                   { return nil }

func newTestServer(eng *fakeEngine, opts Options) *Server {
	opts.Logger = zerolog.Nop()
	if opts.Retention == 0 {
		opts.Retention = 720 * time.Hour
	}
	return New(eng, opts)
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func errorMessage(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Message string `json:"message"`
			Code    int    `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, w.Code, body.Error.Code)
	return body.Error.Message
}

func TestExtract(t *testing.T) {
	eng := &fakeEngine{resp: &models.ExtractResponse{
		BatchID: "b-1", StartPage: 2, EndPage: 3,
		Pages:    []models.OcrResult{{Page: 2, Text: "a", Source: models.SourceRemote}, {Page: 3, Text: "b", Source: models.SourceCache}},
		Summary:  models.BatchSummary{CacheHits: 1, CacheMisses: 1, RemotePages: 1, CacheHitRate: 50},
		FullText: "--- Page 2 ---\na\n\n--- Page 3 ---\nb",
	}}
	srv := newTestServer(eng, Options{})

	w := do(t, srv, http.MethodPost, "/v1/extract", `{"path":"/data/a.pdf","start_page":2,"end_page":3,"model":"vision-2"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var got models.ExtractResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "b-1", got.BatchID)
	assert.Len(t, got.Pages, 2)
	assert.Equal(t, 1, got.Summary.CacheHits)

	assert.Equal(t, [2]int{2, 3}, eng.gotRange)
	assert.Equal(t, "vision-2", eng.gotParams.Model)
	assert.Equal(t, 150, eng.gotParams.DPI)
	assert.Equal(t, "/data/a.pdf", eng.gotDoc.Path)
}

func TestExtractErrors(t *testing.T) {
	tests := []struct {
		name   string
		method string
		body   string
		err    error
		status int
	}{
		{"wrong method", http.MethodGet, "", nil, http.StatusMethodNotAllowed},
		{"bad json", http.MethodPost, `{"path":`, nil, http.StatusBadRequest},
		{"unknown field", http.MethodPost, `{"path":"a.pdf","pages":"1-3"}`, nil, http.StatusBadRequest},
		{"missing path", http.MethodPost, `{"start_page":1}`, nil, http.StatusBadRequest},
		{"invalid range", http.MethodPost, `{"path":"a.pdf","start_page":4,"end_page":2}`, fmt.Errorf("%w: 4-2", ocr.ErrInvalidRange), http.StatusBadRequest},
		{"missing document", http.MethodPost, `{"path":"a.pdf","start_page":1}`, fmt.Errorf("fingerprint document: %w", fs.ErrNotExist), http.StatusNotFound},
		{"cancelled", http.MethodPost, `{"path":"a.pdf","start_page":1}`, fmt.Errorf("%w: %w", scheduler.ErrCancelled, context.Canceled), http.StatusServiceUnavailable},
		{"budget exceeded", http.MethodPost, `{"path":"a.pdf","start_page":1}`, fmt.Errorf("%w: daily all-model cap of 10 tokens reached", budget.ErrBudgetExceeded), http.StatusTooManyRequests},
		{"render failure", http.MethodPost, `{"path":"a.pdf","start_page":1}`, fmt.Errorf("render pages: exit status 1"), http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(&fakeEngine{err: tt.err}, Options{})
			w := do(t, srv, tt.method, "/v1/extract", tt.body)
			assert.Equal(t, tt.status, w.Code)
			assert.NotEmpty(t, errorMessage(t, w))
		})
	}
}

func TestPurge(t *testing.T) {
	eng := &fakeEngine{}
	srv := newTestServer(eng, Options{Retention: 48 * time.Hour})

	w := do(t, srv, http.MethodPost, "/v1/cache/purge", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 48*time.Hour, eng.gotRetention)
	assert.JSONEq(t, `{"deleted":3,"retention":"48h0m0s"}`, w.Body.String())

	w = do(t, srv, http.MethodPost, "/v1/cache/purge", `{"retention":"2h"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2*time.Hour, eng.gotRetention)

	w = do(t, srv, http.MethodPost, "/v1/cache/purge", `{"retention":"soon"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, errorMessage(t, w), "invalid retention")

	w = do(t, srv, http.MethodPost, "/v1/cache/purge", `{"retention":"-1h"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCacheStats(t *testing.T) {
	srv := newTestServer(&fakeEngine{}, Options{})

	w := do(t, srv, http.MethodGet, "/v1/cache/stats", "")
	require.Equal(t, http.StatusOK, w.Code)

	var stats models.CacheStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, int64(7), stats.Entries)
	assert.Equal(t, int64(9000), stats.TokensSaved)

	w = do(t, srv, http.MethodDelete, "/v1/cache/stats", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestUsage(t *testing.T) {
	srv := newTestServer(&fakeEngine{}, Options{})
	w := do(t, srv, http.MethodGet, "/v1/usage", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	tr := &fakeTracker{summaries: []models.UsageSummary{{Model: "vision-1", Runs: 2, Pages: 8}}}
	srv = newTestServer(&fakeEngine{}, Options{Tracker: tr})
	w = do(t, srv, http.MethodGet, "/v1/usage?document=a.pdf", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"model":"vision-1"`)

	srv = newTestServer(&fakeEngine{}, Options{Tracker: &fakeTracker{}})
	w = do(t, srv, http.MethodGet, "/v1/usage", "")
	assert.JSONEq(t, `{"models":[]}`, w.Body.String())
}

type fakeBudget struct {
	statuses []models.BudgetStatus
}

func (f *fakeBudget) Status(context.Context) ([]models.BudgetStatus, error) {
	return f.statuses, nil
}

func TestBudget(t *testing.T) {
	srv := newTestServer(&fakeEngine{}, Options{})
	w := do(t, srv, http.MethodGet, "/v1/budget", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	b := &fakeBudget{statuses: []models.BudgetStatus{{
		Policy:    models.BudgetPolicy{Model: "vision-1", MaxTokens: 1000, Period: models.BudgetDaily},
		Used:      400,
		Remaining: 600,
	}}}
	srv = newTestServer(&fakeEngine{}, Options{Budget: b})
	w = do(t, srv, http.MethodGet, "/v1/budget", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Budgets []models.BudgetStatus `json:"budgets"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Budgets, 1)
	assert.Equal(t, int64(600), body.Budgets[0].Remaining)
	assert.Equal(t, "vision-1", body.Budgets[0].Policy.Model)
}

func TestHealth(t *testing.T) {
	srv := newTestServer(&fakeEngine{}, Options{})
	w := do(t, srv, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestListenAndServeShutdown(t *testing.T) {
	srv := newTestServer(&fakeEngine{}, Options{Listen: "127.0.0.1:0"})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
