package api

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	apiv2 "github.com/sensorvision/telemetry/internal/api/v2"
	"github.com/sensorvision/telemetry/internal/errors"
	"github.com/sensorvision/telemetry/internal/logger"
	"github.com/sensorvision/telemetry/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type nopIngester struct{}

func (nopIngester) Ingest(context.Context, telemetry.Reading) error { return nil }

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, http.NoBody))
	return rec
}

func TestServer_Health(t *testing.T) {
	healthy := NewServer(Config{}, apiv2.Dependencies{Ingest: nopIngester{}}, logger.Discard())
	rec := get(t, healthy.Handler(), "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	failing := NewServer(Config{
		Health: func(context.Context) error { return errors.NewStd("database unreachable") },
	}, apiv2.Dependencies{Ingest: nopIngester{}}, logger.Discard())
	rec = get(t, failing.Handler(), "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"status":"unhealthy","error":"database unreachable"}`, rec.Body.String())
}

func TestServer_MetricsUsesGatherer(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "iot_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Add(3)

	s := NewServer(Config{Gatherer: reg}, apiv2.Dependencies{Ingest: nopIngester{}}, logger.Discard())
	rec := get(t, s.Handler(), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "iot_test_total 3")
}

func TestServer_RunStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	// Reserve a free port, then release it for the server.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	s := NewServer(Config{Listen: addr}, apiv2.Dependencies{Ingest: nopIngester{}}, logger.Discard())
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	client := &http.Client{Timeout: time.Second}
	require.Eventually(t, func() bool {
		resp, err := client.Get("http://" + addr + "/health")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)
	client.CloseIdleConnections()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
