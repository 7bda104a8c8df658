package broadcast

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sensorvision/telemetry/internal/alerting"
	"github.com/sensorvision/telemetry/internal/datastore/v2/entities"
	"github.com/sensorvision/telemetry/internal/logger"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	hub, err := NewHub(nil, logger.Discard())
	require.NoError(t, err)
	return hub
}

// dial connects a subscriber; callers close the returned server before the
// goroutine leak check runs.
func dial(t *testing.T, hub *Hub, org uint) (*websocket.Conn, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = hub.ServeWS(w, r, org)
	}))

	before := hub.Subscribers()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hub.Subscribers() == before+1 }, time.Second, 5*time.Millisecond)
	return conn, srv
}

func readEnvelope(t *testing.T, conn *websocket.Conn) map[string]json.RawMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func TestHub_PublishReachesOrganizationOnly(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"))
	hub := newTestHub(t)

	mine, srv1 := dial(t, hub, 1)
	defer srv1.Close()
	other, srv2 := dial(t, hub, 2)
	defer srv2.Close()

	hub.Publish(1, Point{
		DeviceID:  "meter-1",
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Values:    map[string]decimal.Decimal{"voltage": decimal.RequireFromString("230.5")},
	})

	env := readEnvelope(t, mine)
	assert.JSONEq(t, `"telemetry"`, string(env["type"]))
	var p Point
	require.NoError(t, json.Unmarshal(env["payload"], &p))
	assert.Equal(t, "meter-1", p.DeviceID)
	assert.True(t, decimal.RequireFromString("230.5").Equal(p.Values["voltage"]))

	require.NoError(t, other.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := other.ReadMessage()
	require.Error(t, err, "organization 2 must not receive organization 1 data")

	_ = mine.Close()
	_ = other.Close()
	assert.Eventually(t, func() bool { return hub.Subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHub_AlertSink(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"))
	hub := newTestHub(t)
	conn, srv := dial(t, hub, 3)
	defer srv.Close()

	var sink alerting.AlertSink = hub
	require.NoError(t, sink.OnAlert(&alerting.AlertEvent{
		Alert: entities.Alert{
			UUID:           "a1",
			Severity:       entities.SeverityHigh,
			Message:        "Rule 'Hot' triggered",
			TriggeredValue: decimal.NewFromInt(90),
		},
		RuleName:         "Hot",
		OrganizationID:   3,
		DeviceExternalID: "sensor-9",
	}))

	env := readEnvelope(t, conn)
	assert.JSONEq(t, `"alert"`, string(env["type"]))
	var payload AlertPayload
	require.NoError(t, json.Unmarshal(env["payload"], &payload))
	assert.Equal(t, "a1", payload.UUID)
	assert.Equal(t, "sensor-9", payload.DeviceID)
	assert.Equal(t, entities.SeverityHigh, payload.Severity)

	hub.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived), "got %v", err)
	_ = conn.Close()
}

func TestHub_SlowClientMissesMessages(t *testing.T) {
	hub := newTestHub(t)
	c := &client{hub: hub, send: make(chan []byte, 1), organizationID: 5}
	require.True(t, hub.register(c))

	hub.Publish(5, Point{DeviceID: "d"})
	hub.Publish(5, Point{DeviceID: "d"})
	hub.Publish(5, Point{DeviceID: "d"})

	assert.InDelta(t, 1, testutil.ToFloat64(hub.delivered), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(hub.missed), 0)

	hub.unregister(c)
	hub.unregister(c)
	assert.Equal(t, 0, hub.Subscribers())
}

func TestHub_ClosedRefusesRegistration(t *testing.T) {
	hub := newTestHub(t)
	hub.Close()
	assert.False(t, hub.register(&client{hub: hub, send: make(chan []byte, 1)}))
}
