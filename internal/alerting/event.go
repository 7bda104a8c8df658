package alerting

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sensorvision/telemetry/internal/datastore/v2/entities"
	"github.com/sensorvision/telemetry/internal/logger"
)

// AlertEvent is the trigger signal emitted when a rule fires.
type AlertEvent struct {
	Alert            entities.Alert
	RuleName         string
	Variable         string
	OrganizationID   uint
	DeviceExternalID string
	// SMSRecipients is set only when the rule asks for SMS fan-out.
	SMSRecipients []string
	Timestamp     time.Time
}

// AlertEventHandler processes alert events.
type AlertEventHandler func(event *AlertEvent)

const (
	// eventBusBufferSize is the capacity of the async event channel.
	// Events are dropped if the buffer is full to avoid blocking callers.
	eventBusBufferSize = 1000
)

// AlertBus is an async pub/sub for alert events. Publish never blocks the
// ingest path: events go to a buffered channel drained by one worker.
type AlertBus struct {
	handlers []AlertEventHandler
	mu       sync.RWMutex
	eventCh  chan *AlertEvent
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	dropped  atomic.Uint64
	log      logger.Logger
}

// NewAlertBus creates an alert bus and starts its worker.
func NewAlertBus(log logger.Logger) *AlertBus {
	return newAlertBus(eventBusBufferSize, log)
}

func newAlertBus(size int, log logger.Logger) *AlertBus {
	b := &AlertBus{
		eventCh: make(chan *AlertEvent, size),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
		log:     log,
	}
	go b.processLoop()
	return b
}

// Subscribe registers a handler for alert events.
func (b *AlertBus) Subscribe(handler AlertEventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, handler)
}

// Publish enqueues an event. It reports false when the event was dropped
// because the bus is stopped or its buffer is full.
func (b *AlertBus) Publish(event *AlertEvent) bool {
	select {
	case <-b.stopCh:
		return false
	default:
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	select {
	case b.eventCh <- event:
		return true
	default:
		b.dropped.Add(1)
		b.log.Warn("alert bus full, dropping event",
			logger.Uint64("rule_id", uint64(event.Alert.RuleID)),
			logger.String("device_id", event.DeviceExternalID))
		return false
	}
}

// Dropped returns how many events were discarded on a full buffer.
func (b *AlertBus) Dropped() uint64 { return b.dropped.Load() }

// Stop drains queued events and shuts the worker down. Safe to call
// multiple times.
func (b *AlertBus) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
	})
	<-b.done
}

func (b *AlertBus) processLoop() {
	defer close(b.done)
	for {
		select {
		case event := <-b.eventCh:
			b.dispatch(event)
		case <-b.stopCh:
			for {
				select {
				case event := <-b.eventCh:
					b.dispatch(event)
				default:
					return
				}
			}
		}
	}
}

func (b *AlertBus) dispatch(event *AlertEvent) {
	b.mu.RLock()
	handlers := make([]AlertEventHandler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	for _, handler := range handlers {
		b.safeCall(handler, event)
	}
}

// safeCall keeps the worker alive when a handler panics.
func (b *AlertBus) safeCall(handler AlertEventHandler, event *AlertEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("alert handler panicked",
				logger.Any("panic", r),
				logger.Uint64("rule_id", uint64(event.Alert.RuleID)))
		}
	}()
	handler(event)
}
