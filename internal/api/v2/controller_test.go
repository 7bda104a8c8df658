package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sensorvision/telemetry/internal/batching"
	"github.com/sensorvision/telemetry/internal/errors"
	"github.com/sensorvision/telemetry/internal/expression"
	"github.com/sensorvision/telemetry/internal/logger"
	"github.com/sensorvision/telemetry/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockIngester records readings and returns a canned error.
type mockIngester struct {
	mu       sync.Mutex
	readings []telemetry.Reading
	err      error
}

func (m *mockIngester) Ingest(_ context.Context, r telemetry.Reading) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readings = append(m.readings, r)
	return m.err
}

func (m *mockIngester) last(t *testing.T) telemetry.Reading {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.readings, "no reading ingested")
	return m.readings[len(m.readings)-1]
}

type fixedStats batching.Stats

func (f fixedStats) Stats() batching.Stats { return batching.Stats(f) }

func newTestRouter(t *testing.T, deps Dependencies) *echo.Echo {
	t.Helper()
	e := echo.New()
	New(e, deps, logger.Discard())
	return e
}

func do(t *testing.T, e *echo.Echo, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, http.NoBody)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	return out
}

func TestPostTelemetry_Accepted(t *testing.T) {
	t.Parallel()

	ing := &mockIngester{}
	e := newTestRouter(t, Dependencies{Ingest: ing})

	rec := do(t, e, http.MethodPost, "/api/v1/telemetry", `{
		"deviceId": "meter-1",
		"organizationId": 3,
		"timestamp": "2026-03-01T12:00:00+02:00",
		"variables": {"voltage": 230.5, "current": "2.5", "frequency": null},
		"metadata": {"location": "Plant A"}
	}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	r := ing.last(t)
	assert.Equal(t, "meter-1", r.DeviceID)
	assert.Equal(t, uint(3), r.OrganizationID)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), r.Timestamp)
	assert.Len(t, r.Values, 2, "null values are dropped")
	assert.Equal(t, "230.5", r.Values["voltage"].String())
	assert.Equal(t, "Plant A", r.MetadataString(telemetry.MetaLocation))

	body := decode(t, rec)
	assert.Equal(t, "accepted", body["status"])
	assert.InDelta(t, 2, body["variables"], 0)
}

func TestPostTelemetry_ErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{
			name: "validation",
			err:  errors.Newf("reading has no device id").Category(errors.CategoryValidation).Build(),
			want: http.StatusBadRequest,
		},
		{
			name: "not found",
			err:  errors.Newf("device not found").Category(errors.CategoryNotFound).Build(),
			want: http.StatusNotFound,
		},
		{
			name: "storage",
			err:  errors.Newf("disk full").Category(errors.CategoryDatabase).Build(),
			want: http.StatusInternalServerError,
		},
		{
			name: "queue full",
			err:  batching.ErrQueueFull,
			want: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e := newTestRouter(t, Dependencies{Ingest: &mockIngester{err: tt.err}})

			rec := do(t, e, http.MethodPost, "/api/v1/telemetry", `{"deviceId":"meter-1","variables":{"voltage":1}}`)
			assert.Equal(t, tt.want, rec.Code)
			body := decode(t, rec)
			assert.InDelta(t, tt.want, body["code"], 0)
			assert.Equal(t, tt.err.Error(), body["error"])
		})
	}
}

func TestPostTelemetry_InvalidJSON(t *testing.T) {
	t.Parallel()

	ing := &mockIngester{}
	e := newTestRouter(t, Dependencies{Ingest: ing})

	rec := do(t, e, http.MethodPost, "/api/v1/telemetry", `{"deviceId":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, ing.readings)
}

func TestPostSimpleIngest(t *testing.T) {
	t.Parallel()

	ing := &mockIngester{}
	e := newTestRouter(t, Dependencies{Ingest: ing})

	before := time.Now().UTC()
	rec := do(t, e, http.MethodPost, "/api/v1/ingest/meter-9?org=4", `{"kwConsumption": 1.25, "voltage": null}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	r := ing.last(t)
	assert.Equal(t, "meter-9", r.DeviceID)
	assert.Equal(t, uint(4), r.OrganizationID)
	assert.Len(t, r.Values, 1)
	assert.False(t, r.Timestamp.Before(before.Truncate(time.Second)))

	rec = do(t, e, http.MethodPost, "/api/v1/ingest/meter-9?org=x", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, e, http.MethodPost, "/api/v1/ingest/meter-9", `[1,2]`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExpressions(t *testing.T) {
	t.Parallel()

	e := newTestRouter(t, Dependencies{Ingest: &mockIngester{}, Expressions: expression.NewEngine(time.Minute)})

	t.Run("evaluate", func(t *testing.T) {
		rec := do(t, e, http.MethodPost, "/api/v1/expressions/evaluate",
			`{"expression":"voltage * current","variables":{"voltage":230,"current":2.5}}`)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, "575", decode(t, rec)["result"])
	})

	t.Run("syntax error reports position", func(t *testing.T) {
		rec := do(t, e, http.MethodPost, "/api/v1/expressions/evaluate", `{"expression":"1 + )"}`)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		body := decode(t, rec)
		assert.Contains(t, body["error"], "syntax error")
		assert.InDelta(t, 4, body["position"], 0)
	})

	t.Run("statistics need a device", func(t *testing.T) {
		rec := do(t, e, http.MethodPost, "/api/v1/expressions/evaluate", `{"expression":"avg(voltage, 5)","variables":{"voltage":1}}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("validate", func(t *testing.T) {
		rec := do(t, e, http.MethodPost, "/api/v1/expressions/validate", `{"expression":"sqrt(voltage)"}`)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, true, decode(t, rec)["valid"])

		rec = do(t, e, http.MethodPost, "/api/v1/expressions/validate", `{"expression":"nosuch(1)"}`)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, false, decode(t, rec)["valid"])
	})

	t.Run("functions filtered by category", func(t *testing.T) {
		rec := do(t, e, http.MethodGet, "/api/v1/expressions/functions?category=statistical", "")
		require.Equal(t, http.StatusOK, rec.Code)

		var body struct {
			Functions []expression.FunctionInfo `json:"functions"`
			Count     int                       `json:"count"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		require.NotEmpty(t, body.Functions)
		assert.Len(t, body.Functions, body.Count)
		for _, f := range body.Functions {
			assert.Equal(t, expression.CategoryStatistical, f.Category)
		}
	})
}

func TestBatchingStats(t *testing.T) {
	t.Parallel()

	direct := newTestRouter(t, Dependencies{Ingest: &mockIngester{}})
	rec := do(t, direct, http.MethodGet, "/api/v1/batching/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["enabled"])

	batched := newTestRouter(t, Dependencies{
		Ingest:  &mockIngester{},
		Batches: fixedStats{Pending: 7, BatchSize: 100},
	})
	rec = do(t, batched, http.MethodGet, "/api/v1/batching/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["enabled"])
	stats, ok := body["stats"].(map[string]any)
	require.True(t, ok)
	assert.InDelta(t, 7, stats["pending"], 0)
	assert.InDelta(t, 100, stats["batch_size"], 0)
}

func TestLiveRoute_RequiresOrganization(t *testing.T) {
	t.Parallel()

	e := newTestRouter(t, Dependencies{Ingest: &mockIngester{}, Live: wsFunc(func(w http.ResponseWriter, _ *http.Request, _ uint) error {
		w.WriteHeader(http.StatusTeapot)
		return nil
	})})

	rec := do(t, e, http.MethodGet, "/ws", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, e, http.MethodGet, "/ws?org=2", "")
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

type wsFunc func(w http.ResponseWriter, r *http.Request, organizationID uint) error

func (f wsFunc) ServeWS(w http.ResponseWriter, r *http.Request, organizationID uint) error {
	return f(w, r, organizationID)
}
