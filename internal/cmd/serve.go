package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sensorvision/telemetry/internal/alerting"
	"github.com/sensorvision/telemetry/internal/api"
	apiv2 "github.com/sensorvision/telemetry/internal/api/v2"
	"github.com/sensorvision/telemetry/internal/batching"
	"github.com/sensorvision/telemetry/internal/broadcast"
	"github.com/sensorvision/telemetry/internal/conf"
	v2 "github.com/sensorvision/telemetry/internal/datastore/v2"
	"github.com/sensorvision/telemetry/internal/datastore/v2/repository"
	"github.com/sensorvision/telemetry/internal/errors"
	"github.com/sensorvision/telemetry/internal/expression"
	"github.com/sensorvision/telemetry/internal/ingest"
	"github.com/sensorvision/telemetry/internal/livemetrics"
	"github.com/sensorvision/telemetry/internal/logger"
	"github.com/sensorvision/telemetry/internal/metrics"
	"github.com/sensorvision/telemetry/internal/mqtt"
	"github.com/sensorvision/telemetry/internal/provisioning"
	"github.com/sensorvision/telemetry/internal/synthetic"
	"github.com/sensorvision/telemetry/internal/telemetry"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	drainTimeout = 30 * time.Second
	sentryFlush  = 2 * time.Second
)

func newServeCommand(load loadFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the ingestion service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, log, err := load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, settings, log)
		},
	}
}

// serve wires the pipeline and blocks until ctx is canceled or a component
// fails.
func serve(ctx context.Context, settings *conf.Settings, log logger.Logger) error {
	reporter, err := errors.InitSentry(settings.Sentry.DSN, settings.Sentry.Environment, Version,
		errors.CategoryDatabase, errors.CategoryBatching)
	if err != nil {
		return err
	}
	if reporter != nil {
		errors.SetReporter(reporter)
		defer errors.FlushSentry(sentryFlush)
	}

	manager, err := v2.NewManager(settings.Database, false)
	if err != nil {
		return err
	}
	defer func() { _ = manager.Close() }()
	if err := manager.Initialize(); err != nil {
		return err
	}

	reg := metrics.NewRegistry()
	db := manager.DB()
	devices := repository.NewDeviceRepository(db)
	variables := repository.NewVariableRepository(db)
	rules := repository.NewRuleRepository(db)
	synthetics := repository.NewSyntheticVariableRepository(db)

	resolver := provisioning.NewResolver(devices, variables, settings.Ingest.ProvisionCacheTTL.Std(), log)
	readings := telemetry.NewStore(resolver, variables, log)

	live := livemetrics.NewSink(settings.Metrics.MaxDynamicGauges, log)
	if err := metrics.Register(reg, live); err != nil {
		return err
	}

	hub, err := broadcast.NewHub(reg, log)
	if err != nil {
		return err
	}
	defer hub.Close()

	alerts, err := alerting.Initialize(rules, settings.Alerting, reg, log, hub)
	if err != nil {
		return err
	}
	defer alerts.Stop()

	engine := expression.NewEngine(settings.Expression.CacheTTL.Std())
	derived, err := synthetic.NewEvaluator(synthetics, engine, readings, settings.Expression.QueryTimeout.Std(), reg, log)
	if err != nil {
		return err
	}

	deps := ingest.Dependencies{
		Provisioner: resolver,
		Devices:     devices,
		Store:       readings,
		Live:        live,
		Rules:       alerts.Engine,
		Synthetic:   derived,
		Publisher:   hub,
	}
	apiDeps := apiv2.Dependencies{
		Expressions: engine,
		Devices:     devices,
		Rules:       rules,
		Synthetics:  synthetics,
		Live:        hub,
	}

	var batcher *batching.Batcher
	if settings.Ingest.Mode == conf.IngestModeBatched {
		batcher, err = batching.New(batching.ConfigFromSettings(settings.Batching), readings, reg, log)
		if err != nil {
			return err
		}
		deps.Queue = batcher
		apiDeps.Batches = batcher
		defer func() {
			drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			defer cancel()
			if err := batcher.Close(drainCtx); err != nil {
				log.Error("failed to drain batch queue", logger.Error(err))
			}
		}()
	}

	service, err := ingest.NewService(deps, ingest.OptionsFromSettings(settings.Ingest), reg, log)
	if err != nil {
		return err
	}
	apiDeps.Ingest = service

	server := api.NewServer(api.Config{
		Listen:   settings.HTTP.Listen,
		Gatherer: reg,
		Health:   manager.Ping,
	}, apiDeps, log)
	monitor := ingest.NewStatusMonitor(devices, live, settings.Ingest.OfflineAfter.Std(), log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx) })
	g.Go(func() error { return monitor.Run(gctx) })

	if settings.MQTT.Enabled {
		subscriber, err := mqtt.NewSubscriber(settings.MQTT, service, reg, log)
		if err != nil {
			return err
		}
		g.Go(func() error {
			if err := subscriber.Start(gctx); err != nil {
				return err
			}
			<-gctx.Done()
			subscriber.Stop()
			return nil
		})
	}

	log.Info("telemetryd started",
		logger.String("version", Version),
		logger.String("mode", settings.Ingest.Mode),
		logger.String("database", manager.Dialect()),
		logger.Bool("mqtt", settings.MQTT.Enabled))

	err = g.Wait()
	log.Info("telemetryd stopping")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
