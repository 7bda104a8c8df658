package mqtt

import (
	"context"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sensorvision/telemetry/internal/conf"
	"github.com/sensorvision/telemetry/internal/errors"
	"github.com/sensorvision/telemetry/internal/logger"
	"github.com/sensorvision/telemetry/internal/metrics"
	"github.com/sensorvision/telemetry/internal/telemetry"
)

const (
	connectTimeout    = 10 * time.Second
	disconnectQuiesce = 250 // milliseconds
	handleTimeout     = 30 * time.Second
)

// Ingester accepts decoded readings.
type Ingester interface {
	Ingest(ctx context.Context, r telemetry.Reading) error
}

// Subscriber consumes telemetry messages from an MQTT broker.
type Subscriber struct {
	settings conf.MQTTSettings
	ingest   Ingester
	log      logger.Logger
	client   paho.Client
	messages *prometheus.CounterVec

	ctx    context.Context
	cancel context.CancelFunc
}

// NewSubscriber creates a Subscriber. It does not connect until Start.
func NewSubscriber(settings conf.MQTTSettings, ingest Ingester, reg prometheus.Registerer, log logger.Logger) (*Subscriber, error) {
	s := &Subscriber{
		settings: settings,
		ingest:   ingest,
		log:      log,
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Name:      "mqtt_messages_total",
			Help:      "Telemetry messages received over MQTT, by result.",
		}, []string{"result"}),
	}
	if err := metrics.Register(reg, s.messages); err != nil {
		return nil, err
	}

	clientID := settings.ClientID
	if clientID == "" {
		clientID = "telemetryd-" + uuid.NewString()[:8]
	}
	opts := paho.NewClientOptions()
	opts.AddBroker(settings.Broker)
	opts.SetClientID(clientID)
	opts.SetUsername(settings.Username)
	opts.SetPassword(settings.Password)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetOnConnectHandler(s.onConnect)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		log.Warn("mqtt connection lost", logger.String("broker", settings.Broker), logger.Error(err))
	})
	s.client = paho.NewClient(opts)
	return s, nil
}

// Start connects to the broker. Subscription happens on every (re)connect.
// Readings are ingested under ctx until Stop.
func (s *Subscriber) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	token := s.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		s.cancel()
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		s.cancel()
		return errors.New(err).
			Component("mqtt").
			Category(errors.CategoryNetwork).
			Context("broker", s.settings.Broker).
			Build()
	}
	s.log.Info("mqtt connected", logger.String("broker", s.settings.Broker))
	return nil
}

// Stop disconnects and cancels in-flight ingestion.
func (s *Subscriber) Stop() {
	if s.client.IsConnected() {
		s.client.Disconnect(disconnectQuiesce)
	}
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Subscriber) onConnect(c paho.Client) {
	filter := TopicFilter(s.settings.TopicPrefix)
	token := c.Subscribe(filter, s.settings.QoS, func(_ paho.Client, msg paho.Message) {
		s.handle(msg.Topic(), msg.Payload())
	})
	go func() {
		<-token.Done()
		if err := token.Error(); err != nil {
			s.log.Error("mqtt subscribe failed", logger.String("filter", filter), logger.Error(err))
			return
		}
		s.log.Info("mqtt subscribed", logger.String("filter", filter))
	}()
}

func (s *Subscriber) handle(topic string, body []byte) {
	r, err := ParseMessage(s.settings.TopicPrefix, topic, body, time.Now())
	if err != nil {
		s.messages.WithLabelValues("invalid").Inc()
		s.log.Warn("discarding malformed mqtt message", logger.String("topic", topic), logger.Error(err))
		return
	}

	parent := s.ctx
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, handleTimeout)
	defer cancel()
	if err := s.ingest.Ingest(ctx, r); err != nil {
		s.messages.WithLabelValues("rejected").Inc()
		s.log.Warn("mqtt reading rejected",
			logger.String("topic", topic),
			logger.String("device_id", r.DeviceID),
			logger.Error(err))
		return
	}
	s.messages.WithLabelValues("accepted").Inc()
}

