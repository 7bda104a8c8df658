// Package livemetrics keeps the latest value of every device variable and
// each device's online state as Prometheus gauges.
package livemetrics

import (
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sensorvision/telemetry/internal/logger"
	"github.com/sensorvision/telemetry/internal/metrics"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// DefaultMaxGauges caps the number of distinct variable gauges.
const DefaultMaxGauges = 1000

// deviceKey identifies a device. External ids are unique only within an
// organization.
type deviceKey struct {
	organizationID uint
	deviceID       string
}

func (k deviceKey) orgLabel() string { return strconv.FormatUint(uint64(k.organizationID), 10) }

type cellKey struct {
	deviceKey
	variable string
}

// cell holds float64 bits so writers never take a lock.
type cell struct {
	bits atomic.Uint64
}

func (c *cell) store(v float64) { c.bits.Store(math.Float64bits(v)) }

func (c *cell) load() float64 { return math.Float64frombits(c.bits.Load()) }

// Sink is a prometheus.Collector over lazily created gauge cells.
type Sink struct {
	variables sync.Map // cellKey -> *cell
	online    sync.Map // deviceKey -> *cell

	maxGauges int64
	gauges    atomic.Int64
	rejected  prometheus.Counter

	valueDesc  *prometheus.Desc
	statusDesc *prometheus.Desc

	log         logger.Logger
	warnLimiter *rate.Limiter
}

// NewSink creates a Sink. A non-positive maxGauges uses DefaultMaxGauges.
func NewSink(maxGauges int, log logger.Logger) *Sink {
	if maxGauges <= 0 {
		maxGauges = DefaultMaxGauges
	}
	return &Sink{
		maxGauges: int64(maxGauges),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Name:      "live_gauges_rejected_total",
			Help:      "Variable observations dropped because the gauge limit was reached",
		}),
		valueDesc: prometheus.NewDesc(
			prometheus.BuildFQName(metrics.Namespace, "", "variable_last_value"),
			"Most recent value reported for a device variable",
			[]string{"organizationId", "deviceId", "variable"}, nil,
		),
		statusDesc: prometheus.NewDesc(
			prometheus.BuildFQName(metrics.Namespace, "", "device_status"),
			"1 when the device is online, 0 otherwise",
			[]string{"organizationId", "deviceId", "status"}, nil,
		),
		log:         log.With(logger.String("component", "live-metrics")),
		warnLimiter: rate.NewLimiter(rate.Every(time.Minute), 1),
	}
}

// Observe overwrites the last value of a device variable.
func (s *Sink) Observe(organizationID uint, deviceID, variable string, value decimal.Decimal) {
	key := cellKey{deviceKey{organizationID, deviceID}, variable}
	v := value.InexactFloat64()
	if c, ok := s.variables.Load(key); ok {
		c.(*cell).store(v)
		return
	}

	if s.gauges.Add(1) > s.maxGauges {
		s.gauges.Add(-1)
		s.rejected.Inc()
		if s.warnLimiter.Allow() {
			s.log.Warn("live gauge limit reached, dropping new series",
				logger.Int64("limit", s.maxGauges),
				logger.Uint64("organization_id", uint64(organizationID)),
				logger.String("device_id", deviceID),
				logger.String("variable", variable))
		}
		return
	}
	fresh := &cell{}
	fresh.store(v)
	if existing, loaded := s.variables.LoadOrStore(key, fresh); loaded {
		s.gauges.Add(-1)
		existing.(*cell).store(v)
	}
}

// ObserveOnline sets the online gauge of a device.
func (s *Sink) ObserveOnline(organizationID uint, deviceID string, online bool) {
	v := 0.0
	if online {
		v = 1
	}
	c, _ := s.online.LoadOrStore(deviceKey{organizationID, deviceID}, &cell{})
	c.(*cell).store(v)
}

// Value returns the last observed value of a device variable.
func (s *Sink) Value(organizationID uint, deviceID, variable string) (float64, bool) {
	c, ok := s.variables.Load(cellKey{deviceKey{organizationID, deviceID}, variable})
	if !ok {
		return 0, false
	}
	return c.(*cell).load(), true
}

// Online reports the online gauge of a device and whether it was ever set.
func (s *Sink) Online(organizationID uint, deviceID string) (online, known bool) {
	c, ok := s.online.Load(deviceKey{organizationID, deviceID})
	if !ok {
		return false, false
	}
	return c.(*cell).load() == 1, true
}

// Describe implements prometheus.Collector.
func (s *Sink) Describe(ch chan<- *prometheus.Desc) {
	ch <- s.valueDesc
	ch <- s.statusDesc
	s.rejected.Describe(ch)
}

// Collect implements prometheus.Collector.
func (s *Sink) Collect(ch chan<- prometheus.Metric) {
	s.variables.Range(func(k, v any) bool {
		key := k.(cellKey)
		ch <- prometheus.MustNewConstMetric(s.valueDesc, prometheus.GaugeValue, v.(*cell).load(), key.orgLabel(), key.deviceID, key.variable)
		return true
	})
	s.online.Range(func(k, v any) bool {
		key := k.(deviceKey)
		ch <- prometheus.MustNewConstMetric(s.statusDesc, prometheus.GaugeValue, v.(*cell).load(), key.orgLabel(), key.deviceID, "ONLINE")
		return true
	})
	s.rejected.Collect(ch)
}
