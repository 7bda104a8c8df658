package ingest

import (
	"context"
	"time"

	"github.com/sensorvision/telemetry/internal/datastore/v2/entities"
	"github.com/sensorvision/telemetry/internal/logger"
)

// DefaultOfflineAfter is used when no offline threshold is configured.
const DefaultOfflineAfter = 5 * time.Minute

// OfflineMarker flips silent devices to OFFLINE.
type OfflineMarker interface {
	MarkOfflineBefore(ctx context.Context, cutoff time.Time) ([]entities.Device, error)
}

// StatusMonitor periodically marks devices that stopped reporting as
// OFFLINE and clears their online gauge.
type StatusMonitor struct {
	devices      OfflineMarker
	live         LiveMetrics
	offlineAfter time.Duration
	log          logger.Logger
	now          func() time.Time
}

// NewStatusMonitor creates a StatusMonitor. live may be nil.
func NewStatusMonitor(devices OfflineMarker, live LiveMetrics, offlineAfter time.Duration, log logger.Logger) *StatusMonitor {
	if offlineAfter <= 0 {
		offlineAfter = DefaultOfflineAfter
	}
	return &StatusMonitor{
		devices:      devices,
		live:         live,
		offlineAfter: offlineAfter,
		log:          log,
		now:          time.Now,
	}
}

// Run sweeps every offlineAfter/2 until ctx is done.
func (m *StatusMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.offlineAfter / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := m.Sweep(ctx); err != nil {
				m.log.Error("device status sweep failed", logger.Error(err))
			}
		}
	}
}

// Sweep marks devices not seen within offlineAfter as OFFLINE and returns
// how many changed.
func (m *StatusMonitor) Sweep(ctx context.Context) (int, error) {
	stale, err := m.devices.MarkOfflineBefore(ctx, m.now().Add(-m.offlineAfter))
	if err != nil {
		return 0, err
	}
	for i := range stale {
		if m.live != nil {
			m.live.ObserveOnline(stale[i].OrganizationID, stale[i].ExternalID, false)
		}
		m.log.Info("device went offline",
			logger.String("device_id", stale[i].ExternalID),
			logger.Uint64("organization_id", uint64(stale[i].OrganizationID)))
	}
	return len(stale), nil
}
