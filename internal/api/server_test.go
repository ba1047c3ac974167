package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/visibility-cli/internal/intel"
	"github.com/sells-group/visibility-cli/internal/metrics"
	"github.com/sells-group/visibility-cli/internal/model"
	"github.com/sells-group/visibility-cli/internal/store"
)

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

type fakeRunner struct {
	mu      sync.Mutex
	batches []model.ScanBatch
}

func (f *fakeRunner) RunBatch(_ context.Context, b *model.ScanBatch) model.ScanBatchResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, *b)
	return model.ScanBatchResult{BatchID: b.ID, Success: true, Requested: len(b.EntityIDs)}
}

type testEnv struct {
	srv    *Server
	http   *httptest.Server
	store  *store.SQLiteStore
	runner *fakeRunner
	engine *intel.Engine
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	reg, err := intel.LoadRegistry(filepath.Join(t.TempDir(), "competitors.yaml"))
	require.NoError(t, err)
	engine := intel.NewEngine(intel.NewMemoryHistory(0), reg, intel.WithEngineClock(func() time.Time { return testNow }))

	runner := &fakeRunner{}
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	srv := New(st, runner, engine, opts...)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{srv: srv, http: ts, store: st, runner: runner, engine: engine}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.http.URL+path, rdr)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}

func TestCreateBatch(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.store.UpsertEntities(context.Background(), []model.Entity{
		{ID: "e1", Name: "Smith Toyota", Domain: "smithtoyota.com"},
		{ID: "e2", Name: "Jones Honda", Domain: "joneshonda.com"},
	})
	require.NoError(t, err)

	resp, body := env.do(t, http.MethodPost, "/batches", map[string]any{"scan_date": "2026-03-10"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))

	var b model.ScanBatch
	require.NoError(t, json.Unmarshal(body, &b))
	assert.Equal(t, model.BatchStatusPending, b.Status)
	assert.ElementsMatch(t, []string{"e1", "e2"}, b.EntityIDs)
	assert.Equal(t, time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC), b.ScanDate.UTC())

	env.srv.Wait()
	require.Len(t, env.runner.batches, 1)
	assert.Equal(t, b.ID, env.runner.batches[0].ID)

	resp, body = env.do(t, http.MethodGet, "/batches/"+b.ID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), b.ID)

	resp, body = env.do(t, http.MethodGet, "/batches?status=pending&limit=5", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var list []model.ScanBatch
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Len(t, list, 1)
}

func TestCreateBatch_Explicit(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.do(t, http.MethodPost, "/batches", map[string]any{"entity_ids": []string{"e9"}})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var b model.ScanBatch
	require.NoError(t, json.Unmarshal(body, &b))
	assert.Equal(t, []string{"e9"}, b.EntityIDs)
	assert.Equal(t, time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC), b.ScanDate.UTC())
	env.srv.Wait()
}

func TestCreateBatch_BadRequests(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		name string
		body any
	}{
		{"bad date", map[string]any{"entity_ids": []string{"e1"}, "scan_date": "03/14/2026"}},
		{"unknown field", map[string]any{"entities": []string{"e1"}}},
		{"empty catalog", map[string]any{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := env.do(t, http.MethodPost, "/batches", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
	assert.Empty(t, env.runner.batches)
}

func TestCreateBatch_NoRunner(t *testing.T) {
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	srv := New(st, nil, intel.NewEngine(intel.NewMemoryHistory(0), intel.NewRegistry()))
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/batches", "application/json", bytes.NewReader([]byte(`{"entity_ids":["e1"]}`)))
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestBatchScans(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	b, err := env.store.CreateBatch(ctx, []string{"e1"}, testNow)
	require.NoError(t, err)
	rec, err := env.store.CreateScanRecord(ctx, b.ID, "e1", testNow)
	require.NoError(t, err)

	resp, body := env.do(t, http.MethodGet, "/batches/"+b.ID+"/scans", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var recs []model.ScanRecord
	require.NoError(t, json.Unmarshal(body, &recs))
	require.Len(t, recs, 1)
	assert.Equal(t, rec.ID, recs[0].ID)

	resp, _ = env.do(t, http.MethodGet, "/batches/nope/scans", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/scans/"+rec.ID+"/rows", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestGetBatch_NotFound(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.do(t, http.MethodGet, "/batches/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, string(body), "not found")
}

func TestIntelEndpoints(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodPost, "/intel/www.smithtoyota.com/snapshots", map[string]any{
		"market_share": 30, "total_mentions": 50, "overall_score": 50,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var snap intel.Snapshot
	require.NoError(t, json.Unmarshal(body, &snap))
	assert.Equal(t, "smithtoyota.com", snap.Domain)
	assert.True(t, snap.RecordedAt.Equal(testNow))

	resp, _ = env.do(t, http.MethodPost, "/intel/smithtoyota.com/snapshots", map[string]any{"market_share": 150})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = env.do(t, http.MethodGet, "/intel/smithtoyota.com/history", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var points []intel.Snapshot
	require.NoError(t, json.Unmarshal(body, &points))
	assert.Len(t, points, 1)

	resp, body = env.do(t, http.MethodGet, "/intel/smithtoyota.com/trend?metric=market_share", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"domain":"smithtoyota.com","metric":"market_share","trend":0,"direction":"stable"}`, string(body))

	resp, _ = env.do(t, http.MethodGet, "/intel/smithtoyota.com/trend?metric=vibes", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = env.do(t, http.MethodGet, "/intel/www.smithtoyota.com", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var report intel.CompetitiveIntelligence
	require.NoError(t, json.Unmarshal(body, &report))
	assert.Equal(t, "smithtoyota.com", report.Domain)

	resp, _ = env.do(t, http.MethodGet, "/intel/smithtoyota.com/report", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	for _, path := range []string{"summary", "risk"} {
		resp, body = env.do(t, http.MethodGet, "/intel/smithtoyota.com/"+path, nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		assert.NotEmpty(t, body)
	}

	resp, body = env.do(t, http.MethodGet, "/intel/unknown.com/history", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[]`, string(body))
}

func TestCompetitors(t *testing.T) {
	env := newTestEnv(t)
	alpha := map[string]any{"domain": "alpha.com", "name": "Alpha Motors", "market_segment": "luxury", "size": "large"}

	resp, body := env.do(t, http.MethodPost, "/competitors", alpha)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	resp, _ = env.do(t, http.MethodPost, "/competitors", alpha)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/competitors", map[string]any{"domain": "b.com", "name": "B", "market_segment": "exotic", "size": "small"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = env.do(t, http.MethodGet, "/competitors", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cs []intel.Competitor
	require.NoError(t, json.Unmarshal(body, &cs))
	require.Len(t, cs, 1)
	assert.Equal(t, "alpha.com", cs[0].Domain)

	resp, _ = env.do(t, http.MethodDelete, "/competitors/alpha.com", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = env.do(t, http.MethodDelete, "/competitors/alpha.com", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.SnapshotRecorded()

	env := newTestEnv(t, WithGatherer(reg))
	resp, body := env.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "visibility_snapshots_recorded_total 1")
}

func TestMetricsEndpoint_Disabled(t *testing.T) {
	env := newTestEnv(t)
	resp, _ := env.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t, WithAllowedOrigins([]string{"https://dash.example"}))

	req, err := http.NewRequest(http.MethodOptions, env.http.URL+"/batches", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://dash.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck

	assert.Equal(t, "https://dash.example", resp.Header.Get("Access-Control-Allow-Origin"))
}
