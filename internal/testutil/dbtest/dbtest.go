// Package dbtest opens migrated in-memory SQLite databases for unit tests.
package dbtest

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/sensorvision/telemetry/internal/datastore/v2/entities"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gorm_logger "gorm.io/gorm/logger"
)

// Open returns a fresh in-memory database with every table migrated.
// The database is named after the test so parallel tests stay isolated, and
// uses a single connection so every query sees the same in-memory instance.
func Open(t testing.TB) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_foreign_keys=ON", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         gorm_logger.Default.LogMode(gorm_logger.Silent),
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err, "failed to open in-memory database")

	sqlDB, err := db.DB()
	require.NoError(t, err, "failed to get sql.DB")
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(entities.All()...), "failed to migrate tables")
	return db
}

// SeedDevice creates an organization and a device and returns both.
func SeedDevice(t testing.TB, db *gorm.DB, orgName, externalID string) (*entities.Organization, *entities.Device) {
	t.Helper()

	org := &entities.Organization{Name: orgName}
	require.NoError(t, db.Where(entities.Organization{Name: orgName}).FirstOrCreate(org).Error)

	device := &entities.Device{
		OrganizationID: org.ID,
		ExternalID:     externalID,
		Name:           externalID,
		Status:         entities.DeviceStatusUnknown,
	}
	require.NoError(t, db.Omit("Organization").Create(device).Error)
	return org, device
}
