package cmd

import (
	v2 "github.com/sensorvision/telemetry/internal/datastore/v2"
	"github.com/sensorvision/telemetry/internal/logger"
	"github.com/spf13/cobra"
)

func newMigrateCommand(load loadFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, log, err := load()
			if err != nil {
				return err
			}
			manager, err := v2.NewManager(settings.Database, false)
			if err != nil {
				return err
			}
			defer func() { _ = manager.Close() }()

			if err := manager.Initialize(); err != nil {
				return err
			}
			log.Info("schema migrated",
				logger.String("dialect", manager.Dialect()))
			return nil
		},
	}
}
