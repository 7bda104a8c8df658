package repository

import (
	"testing"

	"github.com/sensorvision/telemetry/internal/datastore/v2/entities"
	"github.com/sensorvision/telemetry/internal/testutil/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyntheticVariableRepository(t *testing.T) {
	db := dbtest.Open(t)
	repo := NewSyntheticVariableRepository(db)
	ctx := t.Context()
	_, device := dbtest.SeedDevice(t, db, "acme", "meter-1")

	power := &entities.SyntheticVariable{DeviceID: device.ID, Name: "power", Expression: "voltage * current", Enabled: true}
	disabled := &entities.SyntheticVariable{DeviceID: device.ID, Name: "off", Expression: "1", Enabled: false}
	require.NoError(t, repo.Create(ctx, power))
	require.NoError(t, repo.Create(ctx, disabled))

	enabled, err := repo.ListEnabled(ctx, device.ID)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, "power", enabled[0].Name)

	all, err := repo.List(ctx, device.ID)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	got, err := repo.Get(ctx, power.ID)
	require.NoError(t, err)
	assert.Equal(t, "voltage * current", got.Expression)

	require.NoError(t, repo.Delete(ctx, disabled.ID))
	require.ErrorIs(t, repo.Delete(ctx, disabled.ID), ErrSyntheticVariableNotFound)
	_, err = repo.Get(ctx, disabled.ID)
	require.ErrorIs(t, err, ErrSyntheticVariableNotFound)
}
