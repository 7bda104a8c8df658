// Package broadcast pushes live telemetry and alerts to websocket
// subscribers of an organization.
package broadcast

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sensorvision/telemetry/internal/alerting"
	"github.com/sensorvision/telemetry/internal/logger"
	"github.com/sensorvision/telemetry/internal/metrics"
	"github.com/shopspring/decimal"
)

// sendBuffer is the per-client queue of outbound messages.
const sendBuffer = 64

// Message types on the wire.
const (
	TypeTelemetry = "telemetry"
	TypeAlert     = "alert"
)

// Point is one reading as pushed to subscribers.
type Point struct {
	DeviceID  string                     `json:"deviceId"`
	Timestamp time.Time                  `json:"timestamp"`
	Values    map[string]decimal.Decimal `json:"variables"`
}

// AlertPayload is the subscriber view of a fired alert.
type AlertPayload struct {
	UUID      string          `json:"id"`
	RuleName  string          `json:"ruleName"`
	DeviceID  string          `json:"deviceId"`
	Variable  string          `json:"variable"`
	Severity  string          `json:"severity"`
	Message   string          `json:"message"`
	Value     decimal.Decimal `json:"triggeredValue"`
	Timestamp time.Time       `json:"timestamp"`
}

type envelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Publisher delivers points to an organization's subscribers.
type Publisher interface {
	Publish(organizationID uint, p Point)
}

// Hub tracks subscribers per organization. Publishing never blocks: a client
// whose buffer is full misses the message.
type Hub struct {
	mu      sync.RWMutex
	clients map[uint]map[*client]struct{}
	closed  bool
	log     logger.Logger

	delivered prometheus.Counter
	missed    prometheus.Counter
	connected prometheus.GaugeFunc
}

// NewHub creates a Hub and registers its metrics on reg (nil disables export).
func NewHub(reg prometheus.Registerer, log logger.Logger) (*Hub, error) {
	h := &Hub{
		clients: make(map[uint]map[*client]struct{}),
		log:     log,
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Name:      "broadcast_messages_delivered_total",
			Help:      "Messages queued to websocket subscribers.",
		}),
		missed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Name:      "broadcast_messages_missed_total",
			Help:      "Messages skipped because a subscriber was too slow.",
		}),
	}
	h.connected = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metrics.Namespace,
		Name:      "broadcast_subscribers",
		Help:      "Connected websocket subscribers.",
	}, func() float64 { return float64(h.Subscribers()) })
	if err := metrics.Register(reg, h.delivered, h.missed, h.connected); err != nil {
		return nil, err
	}
	return h, nil
}

// Publish implements Publisher.
func (h *Hub) Publish(organizationID uint, p Point) {
	h.send(organizationID, envelope{Type: TypeTelemetry, Payload: p})
}

// OnAlert implements alerting.AlertSink.
func (h *Hub) OnAlert(event *alerting.AlertEvent) error {
	h.send(event.OrganizationID, envelope{Type: TypeAlert, Payload: AlertPayload{
		UUID:      event.Alert.UUID,
		RuleName:  event.RuleName,
		DeviceID:  event.DeviceExternalID,
		Variable:  event.Variable,
		Severity:  event.Alert.Severity,
		Message:   event.Alert.Message,
		Value:     event.Alert.TriggeredValue,
		Timestamp: event.Timestamp,
	}})
	return nil
}

func (h *Hub) send(organizationID uint, msg envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	subs := h.clients[organizationID]
	if len(subs) == 0 {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("failed to encode broadcast message", logger.String("type", msg.Type), logger.Error(err))
		return
	}
	for c := range subs {
		select {
		case c.send <- data:
			h.delivered.Inc()
		default:
			h.missed.Inc()
		}
	}
}

// Subscribers returns the number of connected clients.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, subs := range h.clients {
		n += len(subs)
	}
	return n
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	subs, ok := h.clients[c.organizationID]
	if !ok {
		subs = make(map[*client]struct{})
		h.clients[c.organizationID] = subs
	}
	subs[c] = struct{}{}
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.clients[c.organizationID]
	if _, ok := subs[c]; !ok {
		return
	}
	delete(subs, c)
	if len(subs) == 0 {
		delete(h.clients, c.organizationID)
	}
	close(c.send)
}

// Close disconnects every subscriber and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for org, subs := range h.clients {
		for c := range subs {
			close(c.send)
		}
		delete(h.clients, org)
	}
}
