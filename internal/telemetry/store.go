package telemetry

import (
	"context"
	"maps"
	"slices"
	"time"

	"github.com/sensorvision/telemetry/internal/datastore/v2/entities"
	"github.com/sensorvision/telemetry/internal/datastore/v2/repository"
	"github.com/sensorvision/telemetry/internal/errors"
	"github.com/sensorvision/telemetry/internal/logger"
	"github.com/sensorvision/telemetry/internal/provisioning"
	"github.com/shopspring/decimal"
)

// Store persists readings into the variable/value tables. Readings must carry
// the resolved OrganizationID of an already provisioned device.
type Store struct {
	resolver  *provisioning.Resolver
	variables repository.VariableRepository
	log       logger.Logger
}

// NewStore creates a Store.
func NewStore(resolver *provisioning.Resolver, variables repository.VariableRepository, log logger.Logger) *Store {
	return &Store{
		resolver:  resolver,
		variables: variables,
		log:       log.With(logger.String("component", "telemetry-store")),
	}
}

// latest tracks the newest value per variable within one write.
type latest struct {
	value decimal.Decimal
	at    time.Time
}

// Save persists one reading.
func (s *Store) Save(ctx context.Context, r Reading) error {
	return s.SaveBatch(ctx, []Reading{r})
}

// SaveBatch persists readings with a single bulk insert of their values and
// one last-value update per touched variable.
func (s *Store) SaveBatch(ctx context.Context, readings []Reading) error {
	var values []entities.VariableValue
	newest := make(map[uint]latest)

	for _, r := range readings {
		if len(r.Values) == 0 {
			continue
		}
		device, err := s.resolver.Device(ctx, r.OrganizationID, r.DeviceID, false)
		if err != nil {
			return err
		}
		var valueContext map[string]any
		if len(r.Metadata) > 0 {
			valueContext = maps.Clone(r.Metadata)
		}
		for _, name := range slices.Sorted(maps.Keys(r.Values)) {
			variable, err := s.resolver.Variable(ctx, device.ID, name, entities.DataSourceAuto)
			if err != nil {
				return err
			}
			v := r.Values[name]
			values = append(values, entities.VariableValue{
				VariableID: variable.ID,
				Timestamp:  r.Timestamp,
				Value:      v,
				Context:    valueContext,
			})
			if cur, ok := newest[variable.ID]; !ok || !r.Timestamp.Before(cur.at) {
				newest[variable.ID] = latest{value: v, at: r.Timestamp}
			}
		}
	}
	if len(values) == 0 {
		return nil
	}

	if err := s.variables.AppendValues(ctx, values); err != nil {
		return errors.New(err).
			Component("telemetry-store").
			Category(errors.CategoryDatabase).
			Context("operation", "append_values").
			Context("count", len(values)).
			Build()
	}
	return s.updateLastValues(ctx, newest)
}

func (s *Store) updateLastValues(ctx context.Context, newest map[uint]latest) error {
	for id, l := range newest {
		applied, err := s.variables.UpdateLastValue(ctx, id, l.value, l.at)
		if err != nil {
			return errors.New(err).
				Component("telemetry-store").
				Category(errors.CategoryDatabase).
				Context("operation", "update_last_value").
				Context("variable_id", id).
				Build()
		}
		if !applied {
			s.log.Debug("kept newer cached value",
				logger.Uint64("variable_id", uint64(id)),
				logger.Time("reading_time", l.at))
		}
	}
	return nil
}

// SaveDerived records a computed value for a device variable, provisioning
// the variable with the given data source on first use.
func (s *Store) SaveDerived(ctx context.Context, deviceID uint, name, source string, value decimal.Decimal, at time.Time) error {
	variable, err := s.resolver.Variable(ctx, deviceID, name, source)
	if err != nil {
		return err
	}
	at = at.UTC()
	if err := s.variables.AppendValues(ctx, []entities.VariableValue{{
		VariableID: variable.ID,
		Timestamp:  at,
		Value:      value,
	}}); err != nil {
		return errors.New(err).
			Component("telemetry-store").
			Category(errors.CategoryDatabase).
			Context("operation", "append_values").
			Context("variable", name).
			Build()
	}
	return s.updateLastValues(ctx, map[uint]latest{variable.ID: {value: value, at: at}})
}

// QueryWindow returns samples of a device variable with from <= timestamp < to,
// oldest first.
func (s *Store) QueryWindow(ctx context.Context, deviceID uint, variable string, from, to time.Time) ([]Sample, error) {
	rows, err := s.variables.QueryValues(ctx, deviceID, variable, from.UTC(), to.UTC())
	if err != nil {
		return nil, errors.New(err).
			Component("telemetry-store").
			Category(errors.CategoryDatabase).
			Context("operation", "query_window").
			Context("variable", variable).
			Build()
	}
	samples := make([]Sample, len(rows))
	for i, row := range rows {
		samples[i] = Sample{Timestamp: row.Timestamp, Value: row.Value}
	}
	return samples, nil
}
