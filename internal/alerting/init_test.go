package alerting

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sensorvision/telemetry/internal/conf"
	"github.com/sensorvision/telemetry/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestInitialize_SubscribesDispatcher(t *testing.T) {
	defer goleak.VerifyNone(t)

	svc, err := Initialize(newMockRepo(), conf.AlertingSettings{RetentionDays: 30}, nil, logger.Discard())
	require.NoError(t, err)
	require.NotNil(t, svc.Engine)

	svc.Bus.mu.RLock()
	handlerCount := len(svc.Bus.handlers)
	svc.Bus.mu.RUnlock()
	assert.Equal(t, 1, handlerCount)
	assert.NotNil(t, svc.Engine.cleanupStop, "retention should be running")

	svc.Stop()
}

func TestInitialize_DuplicateRegistrationFails(t *testing.T) {
	defer goleak.VerifyNone(t)

	reg := prometheus.NewRegistry()
	first, err := Initialize(newMockRepo(), conf.AlertingSettings{}, reg, logger.Discard())
	require.NoError(t, err)
	defer first.Stop()

	_, err = Initialize(newMockRepo(), conf.AlertingSettings{}, reg, logger.Discard())
	require.Error(t, err)
}
