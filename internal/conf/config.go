// Package conf loads service settings from file, environment and flags.
package conf

import (
	"fmt"
	"strings"
	"time"

	"github.com/sensorvision/telemetry/internal/errors"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. TELEMETRY_INGEST_MODE.
const EnvPrefix = "TELEMETRY"

// Ingest modes.
const (
	IngestModeDirect  = "direct"
	IngestModeBatched = "batched"
)

// Queue overflow policies.
const (
	OverflowReject     = "reject"
	OverflowDropOldest = "drop_oldest"
)

// Settings is the root configuration.
type Settings struct {
	Database   DatabaseSettings   `mapstructure:"database" yaml:"database"`
	Ingest     IngestSettings     `mapstructure:"ingest" yaml:"ingest"`
	Batching   BatchingSettings   `mapstructure:"batching" yaml:"batching"`
	Expression ExpressionSettings `mapstructure:"expression" yaml:"expression"`
	Metrics    MetricsSettings    `mapstructure:"metrics" yaml:"metrics"`
	Alerting   AlertingSettings   `mapstructure:"alerting" yaml:"alerting"`
	HTTP       HTTPSettings       `mapstructure:"http" yaml:"http"`
	MQTT       MQTTSettings       `mapstructure:"mqtt" yaml:"mqtt"`
	Log        LogSettings        `mapstructure:"log" yaml:"log"`
	Sentry     SentrySettings     `mapstructure:"sentry" yaml:"sentry"`
}

type DatabaseSettings struct {
	Type string `mapstructure:"type" yaml:"type"` // sqlite or mysql
	Path string `mapstructure:"path" yaml:"path"`
	DSN  string `mapstructure:"dsn" yaml:"dsn"`
}

type IngestSettings struct {
	AutoProvision       bool     `mapstructure:"auto_provision" yaml:"auto_provision"`
	Mode                string   `mapstructure:"mode" yaml:"mode"`
	DefaultOrganization string   `mapstructure:"default_organization" yaml:"default_organization"`
	OfflineAfter        Duration `mapstructure:"offline_after" yaml:"offline_after"`
	ProvisionCacheTTL   Duration `mapstructure:"provision_cache_ttl" yaml:"provision_cache_ttl"`
}

type BatchingSettings struct {
	BatchSize            int      `mapstructure:"batch_size" yaml:"batch_size"`
	BatchTimeout         Duration `mapstructure:"batch_timeout" yaml:"batch_timeout"`
	MaxConcurrentBatches int      `mapstructure:"max_concurrent_batches" yaml:"max_concurrent_batches"`
	QueueCapacity        int      `mapstructure:"queue_capacity" yaml:"queue_capacity"`
	Overflow             string   `mapstructure:"overflow" yaml:"overflow"`
}

type ExpressionSettings struct {
	QueryTimeout Duration `mapstructure:"query_timeout" yaml:"query_timeout"`
	CacheTTL     Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`
}

type MetricsSettings struct {
	MaxDynamicGauges int `mapstructure:"max_dynamic_gauges" yaml:"max_dynamic_gauges"`
}

type AlertingSettings struct {
	RetentionDays int `mapstructure:"retention_days" yaml:"retention_days"`
}

type HTTPSettings struct {
	Listen string `mapstructure:"listen" yaml:"listen"`
}

type MQTTSettings struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	Broker      string `mapstructure:"broker" yaml:"broker"`
	TopicPrefix string `mapstructure:"topic_prefix" yaml:"topic_prefix"`
	ClientID    string `mapstructure:"client_id" yaml:"client_id"`
	Username    string `mapstructure:"username" yaml:"username"`
	Password    string `mapstructure:"password" yaml:"password"`
	QoS         byte   `mapstructure:"qos" yaml:"qos"`
}

type LogSettings struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

type SentrySettings struct {
	DSN         string `mapstructure:"dsn" yaml:"dsn"`
	Environment string `mapstructure:"environment" yaml:"environment"`
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.path", "telemetry.db")

	v.SetDefault("ingest.auto_provision", true)
	v.SetDefault("ingest.mode", IngestModeDirect)
	v.SetDefault("ingest.default_organization", "Default Organization")
	v.SetDefault("ingest.offline_after", "5m")
	v.SetDefault("ingest.provision_cache_ttl", "10m")

	v.SetDefault("batching.batch_size", 100)
	v.SetDefault("batching.batch_timeout", "5s")
	v.SetDefault("batching.max_concurrent_batches", 5)
	v.SetDefault("batching.queue_capacity", 10000)
	v.SetDefault("batching.overflow", OverflowReject)

	v.SetDefault("expression.query_timeout", "2s")
	v.SetDefault("expression.cache_ttl", "30m")

	v.SetDefault("metrics.max_dynamic_gauges", 1000)
	v.SetDefault("alerting.retention_days", 90)

	v.SetDefault("http.listen", ":8080")

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.topic_prefix", "devices")
	v.SetDefault("mqtt.qos", 1)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load reads settings from cfgFile (or the default search paths when empty),
// applies TELEMETRY_* environment overrides and validates the result.
func Load(v *viper.Viper, cfgFile string) (*Settings, error) {
	SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("telemetry")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/telemetry")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s, viper.DecodeHook(DurationDecodeHook())); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks cross-field constraints.
func (s *Settings) Validate() error {
	switch s.Database.Type {
	case "sqlite":
		if s.Database.Path == "" {
			return fmt.Errorf("database.path is required for sqlite")
		}
	case "mysql":
		if s.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for mysql")
		}
	default:
		return fmt.Errorf("unsupported database.type %q", s.Database.Type)
	}

	switch s.Ingest.Mode {
	case IngestModeDirect, IngestModeBatched:
	default:
		return fmt.Errorf("unsupported ingest.mode %q", s.Ingest.Mode)
	}

	switch s.Batching.Overflow {
	case OverflowReject, OverflowDropOldest:
	default:
		return fmt.Errorf("unsupported batching.overflow %q", s.Batching.Overflow)
	}

	if s.Batching.BatchSize <= 0 {
		return fmt.Errorf("batching.batch_size must be positive")
	}
	if s.Batching.MaxConcurrentBatches <= 0 {
		return fmt.Errorf("batching.max_concurrent_batches must be positive")
	}
	if s.Batching.QueueCapacity < s.Batching.BatchSize {
		return fmt.Errorf("batching.queue_capacity must be at least batching.batch_size")
	}
	if s.Batching.BatchTimeout.Std() < 10*time.Millisecond {
		return fmt.Errorf("batching.batch_timeout must be at least 10ms")
	}
	if s.Ingest.DefaultOrganization == "" {
		return fmt.Errorf("ingest.default_organization must not be empty")
	}
	return nil
}
