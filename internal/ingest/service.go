// Package ingest accepts parsed readings and drives them through
// provisioning, persistence, live metrics, rule and synthetic evaluation,
// and broadcast.
package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sensorvision/telemetry/internal/batching"
	"github.com/sensorvision/telemetry/internal/broadcast"
	"github.com/sensorvision/telemetry/internal/conf"
	"github.com/sensorvision/telemetry/internal/datastore/v2/entities"
	"github.com/sensorvision/telemetry/internal/datastore/v2/repository"
	"github.com/sensorvision/telemetry/internal/errors"
	"github.com/sensorvision/telemetry/internal/logger"
	"github.com/sensorvision/telemetry/internal/metrics"
	"github.com/sensorvision/telemetry/internal/synthetic"
	"github.com/sensorvision/telemetry/internal/telemetry"
	"github.com/shopspring/decimal"
)

// ErrDeviceNotFound is returned for an unknown device when auto-provisioning
// is disabled.
var ErrDeviceNotFound = errors.NewStd("device not found and auto-provisioning is disabled")

// Failure reasons used as metric labels.
const (
	reasonValidation = "validation"
	reasonNotFound   = "not_found"
	reasonStorage    = "storage"
	reasonQueueFull  = "queue_full"
	reasonCanceled   = "canceled"
)

// Provisioner resolves organizations and devices.
type Provisioner interface {
	Organization(ctx context.Context, name string) (*entities.Organization, error)
	OrganizationByID(ctx context.Context, id uint) (*entities.Organization, error)
	Device(ctx context.Context, organizationID uint, externalID string, allowCreate bool) (*entities.Device, error)
}

// DeviceStatus records device liveness and descriptive metadata.
type DeviceStatus interface {
	MarkOnline(ctx context.Context, id uint, seenAt time.Time) (bool, error)
	UpdateMetadata(ctx context.Context, id uint, meta repository.DeviceMetadata) error
}

// Persister writes a reading synchronously.
type Persister interface {
	Save(ctx context.Context, r telemetry.Reading) error
}

// Queue accepts a reading for batched persistence without blocking.
type Queue interface {
	Enqueue(r telemetry.Reading) error
}

// LiveMetrics holds the latest value per device variable. Devices are keyed
// by organization and external id.
type LiveMetrics interface {
	Observe(organizationID uint, deviceID, variable string, value decimal.Decimal)
	ObserveOnline(organizationID uint, deviceID string, online bool)
}

// RuleEvaluator raises alerts for a reading.
type RuleEvaluator interface {
	Apply(ctx context.Context, device *entities.Device, r telemetry.Reading) ([]entities.Alert, error)
}

// SyntheticEvaluator derives computed variables for a reading.
type SyntheticEvaluator interface {
	Apply(ctx context.Context, device *entities.Device, r telemetry.Reading) ([]synthetic.Result, error)
}

// Dependencies are the collaborators of a Service. Queue is required only
// in batched mode; Rules, Synthetic, Live and Publisher are optional.
type Dependencies struct {
	Provisioner Provisioner
	Devices     DeviceStatus
	Store       Persister
	Queue       Queue
	Live        LiveMetrics
	Rules       RuleEvaluator
	Synthetic   SyntheticEvaluator
	Publisher   broadcast.Publisher
}

// Options control ingest behavior.
type Options struct {
	AutoProvision       bool
	Mode                string
	DefaultOrganization string
}

// OptionsFromSettings maps configuration onto Options.
func OptionsFromSettings(s conf.IngestSettings) Options {
	return Options{
		AutoProvision:       s.AutoProvision,
		Mode:                s.Mode,
		DefaultOrganization: s.DefaultOrganization,
	}
}

// Service is the single entry point for readings from every transport.
type Service struct {
	deps Dependencies
	opts Options
	log  logger.Logger

	ingested *prometheus.CounterVec
	failures *prometheus.CounterVec
	duration prometheus.Histogram
}

// NewService creates a Service.
func NewService(deps Dependencies, opts Options, reg prometheus.Registerer, log logger.Logger) (*Service, error) {
	switch opts.Mode {
	case conf.IngestModeDirect:
		if deps.Store == nil {
			return nil, configError("direct mode requires a store")
		}
	case conf.IngestModeBatched:
		if deps.Queue == nil {
			return nil, configError("batched mode requires a queue")
		}
	default:
		return nil, configError(fmt.Sprintf("unsupported ingest mode %q", opts.Mode))
	}
	if deps.Provisioner == nil || deps.Devices == nil {
		return nil, configError("provisioner and device status are required")
	}

	s := &Service{
		deps: deps,
		opts: opts,
		log:  log,
		ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Name:      "readings_ingested_total",
			Help:      "Readings accepted for persistence, by ingest mode.",
		}, []string{"mode"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Name:      "ingest_failures_total",
			Help:      "Readings rejected by the ingest pipeline, by reason.",
		}, []string{"reason"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metrics.Namespace,
			Name:      "ingest_duration_seconds",
			Help:      "Time spent ingesting one reading.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if err := metrics.Register(reg, s.ingested, s.failures, s.duration); err != nil {
		return nil, err
	}
	return s, nil
}

func configError(msg string) error {
	return errors.Newf("ingest: %s", msg).
		Component("ingest").
		Category(errors.CategoryConfiguration).
		Build()
}

// Ingest runs one reading through the pipeline. Validation, provisioning and
// persistence failures are returned; evaluation and broadcast failures are
// logged. Steps are not transactional. Once the reading is persisted,
// cancellation skips the remaining steps but Ingest still returns nil.
func (s *Service) Ingest(ctx context.Context, r telemetry.Reading) error {
	start := time.Now()
	defer func() { s.duration.Observe(time.Since(start).Seconds()) }()

	if err := r.Validate(); err != nil {
		return s.fail(reasonValidation, err)
	}

	if err := ctx.Err(); err != nil {
		return s.fail(reasonCanceled, err)
	}
	org, err := s.organization(ctx, r.OrganizationID)
	if err != nil {
		return s.fail(reasonFor(err), err)
	}

	if err := ctx.Err(); err != nil {
		return s.fail(reasonCanceled, err)
	}
	device, err := s.deps.Provisioner.Device(ctx, org.ID, r.DeviceID, s.opts.AutoProvision)
	if err != nil {
		if errors.IsCategory(err, errors.CategoryNotFound) {
			err = errors.New(fmt.Errorf("%w: %s", ErrDeviceNotFound, r.DeviceID)).
				Component("ingest").
				Category(errors.CategoryNotFound).
				Context("device_id", r.DeviceID).
				Context("organization_id", org.ID).
				Build()
		}
		return s.fail(reasonFor(err), err)
	}
	r.OrganizationID = org.ID

	if err := ctx.Err(); err != nil {
		return s.fail(reasonCanceled, err)
	}
	if err := s.touchDevice(ctx, device, r); err != nil {
		return s.fail(reasonStorage, err)
	}

	if err := ctx.Err(); err != nil {
		return s.fail(reasonCanceled, err)
	}
	if err := s.persist(ctx, r); err != nil {
		if errors.Is(err, batching.ErrQueueFull) {
			return s.fail(reasonQueueFull, err)
		}
		return s.fail(reasonStorage, err)
	}
	s.ingested.WithLabelValues(s.opts.Mode).Inc()

	if s.deps.Live != nil {
		s.deps.Live.ObserveOnline(org.ID, device.ExternalID, true)
		for name, v := range r.Values {
			s.deps.Live.Observe(org.ID, device.ExternalID, name, v)
		}
	}

	if err := ctx.Err(); err != nil {
		s.log.Debug("ingest canceled after persistence, skipping evaluation",
			logger.String("device_id", device.ExternalID),
			logger.Error(err))
		return nil
	}
	s.evaluate(ctx, device, r)

	if s.deps.Publisher != nil {
		s.deps.Publisher.Publish(org.ID, broadcast.Point{
			DeviceID:  device.ExternalID,
			Timestamp: r.Timestamp,
			Values:    r.Values,
		})
	}
	return nil
}

func (s *Service) organization(ctx context.Context, id uint) (*entities.Organization, error) {
	if id != 0 {
		return s.deps.Provisioner.OrganizationByID(ctx, id)
	}
	return s.deps.Provisioner.Organization(ctx, s.opts.DefaultOrganization)
}

// touchDevice applies reported metadata and marks the device online.
// Metadata is best effort.
func (s *Service) touchDevice(ctx context.Context, device *entities.Device, r telemetry.Reading) error {
	meta := repository.DeviceMetadata{
		Location:        r.MetadataString(telemetry.MetaLocation),
		SensorType:      r.MetadataString(telemetry.MetaSensorType),
		FirmwareVersion: r.MetadataString(telemetry.MetaFirmwareVersion),
	}
	if !meta.IsEmpty() {
		if err := s.deps.Devices.UpdateMetadata(ctx, device.ID, meta); err != nil {
			s.log.Warn("failed to update device metadata",
				logger.String("device_id", device.ExternalID),
				logger.Error(err))
		}
	}

	cameOnline, err := s.deps.Devices.MarkOnline(ctx, device.ID, r.Timestamp)
	if err != nil {
		return errors.New(err).
			Component("ingest").
			Category(errors.CategoryDatabase).
			Context("operation", "mark_online").
			Context("device_id", device.ExternalID).
			Build()
	}
	if cameOnline {
		s.log.Info("device came online",
			logger.String("device_id", device.ExternalID),
			logger.Uint64("organization_id", uint64(device.OrganizationID)))
	}
	return nil
}

func (s *Service) persist(ctx context.Context, r telemetry.Reading) error {
	if s.opts.Mode == conf.IngestModeBatched {
		return s.deps.Queue.Enqueue(r)
	}
	return s.deps.Store.Save(ctx, r)
}

// evaluate runs rules, then synthetic variables. Neither can fail the
// reading.
func (s *Service) evaluate(ctx context.Context, device *entities.Device, r telemetry.Reading) {
	if s.deps.Rules != nil {
		alerts, err := s.deps.Rules.Apply(ctx, device, r)
		if err != nil {
			s.log.Warn("rule evaluation failed",
				logger.String("device_id", device.ExternalID),
				logger.Error(err))
		} else if len(alerts) > 0 {
			s.log.Debug("rules triggered",
				logger.String("device_id", device.ExternalID),
				logger.Int("alerts", len(alerts)))
		}
	}

	if s.deps.Synthetic != nil {
		results, err := s.deps.Synthetic.Apply(ctx, device, r)
		if err != nil {
			s.log.Warn("synthetic evaluation failed",
				logger.String("device_id", device.ExternalID),
				logger.Error(err))
		}
		if s.deps.Live != nil {
			for _, res := range results {
				s.deps.Live.Observe(device.OrganizationID, device.ExternalID, res.Name, res.Value)
			}
		}
	}
}

func (s *Service) fail(reason string, err error) error {
	s.failures.WithLabelValues(reason).Inc()
	return err
}

func reasonFor(err error) string {
	switch {
	case errors.IsCategory(err, errors.CategoryValidation):
		return reasonValidation
	case errors.IsCategory(err, errors.CategoryNotFound):
		return reasonNotFound
	default:
		return reasonStorage
	}
}
