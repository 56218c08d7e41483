package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/prospect-cli/internal/config"
	"github.com/sells-group/prospect-cli/internal/model"
	"github.com/sells-group/prospect-cli/internal/monitoring"
	"github.com/sells-group/prospect-cli/internal/pipeline"
	"github.com/sells-group/prospect-cli/internal/rules"
	"github.com/sells-group/prospect-cli/internal/store"
)

var asOf = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

func newTestRouter(t *testing.T) (http.Handler, *pipeline.Engine) {
	t.Helper()

	c, err := config.Load()
	require.NoError(t, err)

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "prospect.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	reg := prometheus.NewRegistry()
	engine, err := pipeline.New(c, rules.Default(),
		pipeline.WithStore(st),
		pipeline.WithMetrics(monitoring.NewMetrics(reg)),
	)
	require.NoError(t, err)

	api := &apiServer{
		engine:  engine,
		batches: st,
		checker: monitoring.NewChecker(st, monitoring.NewAlerter(c.Monitoring), c.Monitoring),
	}
	return buildRouter(api, reg, []string{"*"}), engine
}

func plumbingAd(pid, name string, daysBefore int) model.RawSignal {
	return model.RawSignal{
		Source:           model.SourceAdPlatform,
		PlatformEntityID: pid,
		RawName:          name,
		Geography:        "toronto",
		VerticalHint:     "plumbing",
		ObservedAt:       asOf.AddDate(0, 0, -daysBefore),
		Payload: model.SignalPayload{
			SpendLow:      1500,
			SpendHigh:     2500,
			Currency:      "USD",
			CreativeCount: 4,
			CreativeText:  []string{"24/7 emergency plumber", "Drain cleaning same day"},
		},
	}
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestRouter_Health(t *testing.T) {
	h, _ := newTestRouter(t)

	rr := do(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")

	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 0, body["profiles"])
}

func TestRouter_PostSignals(t *testing.T) {
	h, engine := newTestRouter(t)

	rr := do(t, h, http.MethodPost, "/v1/signals", []model.RawSignal{
		plumbingAd("X", "Acme Plumbing", 3),
		plumbingAd("X", "ACME plumbing", 1),
		{Source: model.SourceAdPlatform, RawName: "No Date Co", Geography: "toronto"},
	})
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

	var d model.Diagnostics
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &d))
	assert.Equal(t, 3, d.SignalsReceived)
	assert.Equal(t, 2, d.SignalsIngested)
	assert.Equal(t, 1, d.SignalsRejected)
	assert.Equal(t, 1, d.DuplicatesFolded)
	assert.Equal(t, 1, engine.Stats().Profiles)
}

func TestRouter_PostSignals_InvalidBody(t *testing.T) {
	h, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/signals", bytes.NewBufferString(`{"not":"an array"}`))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "invalid request body")
}

func TestRouter_BatchLifecycle(t *testing.T) {
	h, _ := newTestRouter(t)

	rr := do(t, h, http.MethodPost, "/v1/signals", []model.RawSignal{
		plumbingAd("X", "Acme Plumbing", 5),
		plumbingAd("Y", "Northside Drains", 2),
	})
	require.Equal(t, http.StatusAccepted, rr.Code)

	rr = do(t, h, http.MethodPost, "/v1/batches", batchRequest{AsOf: "2026-06-01", N: 5})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var b model.BatchResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &b))
	assert.NotEmpty(t, b.ID)
	assert.Equal(t, asOf, b.AsOf)
	assert.Len(t, b.Leads, 2)

	rr = do(t, h, http.MethodGet, "/v1/batches", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var list []store.BatchSummary
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, b.ID, list[0].ID)
	assert.Equal(t, 2, list[0].LeadCount)

	rr = do(t, h, http.MethodGet, "/v1/batches/"+b.ID, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var got model.BatchResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, b.ID, got.ID)
	assert.Equal(t, b.ConfigHash, got.ConfigHash)
}

func TestRouter_PostBatch_InvalidAsOf(t *testing.T) {
	h, _ := newTestRouter(t)

	rr := do(t, h, http.MethodPost, "/v1/batches", batchRequest{AsOf: "soon"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRouter_PostBatch_EmptyBody(t *testing.T) {
	h, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/batches", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var b model.BatchResult
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &b))
	assert.Empty(t, b.Leads)
}

func TestRouter_GetBatch_NotFound(t *testing.T) {
	h, _ := newTestRouter(t)

	rr := do(t, h, http.MethodGet, "/v1/batches/missing", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Contains(t, rr.Body.String(), "batch not found")
}

func TestRouter_ListBatches_InvalidLimit(t *testing.T) {
	h, _ := newTestRouter(t)

	rr := do(t, h, http.MethodGet, "/v1/batches?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRouter_Metrics(t *testing.T) {
	h, _ := newTestRouter(t)

	rr := do(t, h, http.MethodPost, "/v1/signals", []model.RawSignal{plumbingAd("X", "Acme Plumbing", 1)})
	require.Equal(t, http.StatusAccepted, rr.Code)

	rr = do(t, h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "prospect_signals_ingested_total")
}

func TestRouter_CORSPreflight(t *testing.T) {
	h, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodOptions, "/v1/signals", nil)
	req.Header.Set("Origin", "https://dash.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
}
