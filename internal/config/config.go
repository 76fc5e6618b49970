// Package config loads the settings of the docqw service.
package config

import (
	"time"

	"github.com/UniQw/docqw"
)

// Config holds all service configuration, grouped by concern.
type Config struct {
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
	Engine  EngineConfig  `mapstructure:"engine" yaml:"engine"`
	Tasks   TasksConfig   `mapstructure:"tasks" yaml:"tasks"`
	Results ResultsConfig `mapstructure:"results" yaml:"results"`
}

// ServerConfig contains the HTTP listener and process-wide settings.
type ServerConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr" validate:"required"`
	LogLevel string `mapstructure:"log_level" yaml:"log_level" validate:"required,oneof=debug info warn error"`
	// LoadModelsAtBoot warms the converter up before serving.
	LoadModelsAtBoot bool `mapstructure:"load_models_at_boot" yaml:"load_models_at_boot"`
}

// EngineConfig selects and configures the execution backend.
type EngineConfig struct {
	Kind   string       `mapstructure:"kind" yaml:"kind" validate:"required,oneof=local redis remote"`
	Local  LocalConfig  `mapstructure:"local" yaml:"local"`
	Redis  RedisConfig  `mapstructure:"redis" yaml:"redis"`
	Remote RemoteConfig `mapstructure:"remote" yaml:"remote"`
}

type LocalConfig struct {
	Workers int `mapstructure:"workers" yaml:"workers" validate:"gte=1"`
}

// RedisConfig is used by the redis engine, and by the shared cache whenever
// a URL is set.
type RedisConfig struct {
	URL            string        `mapstructure:"url" yaml:"url" validate:"omitempty,url"`
	Queue          string        `mapstructure:"queue" yaml:"queue" validate:"required"`
	ResultsPrefix  string        `mapstructure:"results_prefix" yaml:"results_prefix" validate:"required"`
	UpdatesChannel string        `mapstructure:"updates_channel" yaml:"updates_channel" validate:"required"`
	Workers        int           `mapstructure:"workers" yaml:"workers" validate:"gte=0"`
	VisibilityTTL  time.Duration `mapstructure:"visibility_ttl" yaml:"visibility_ttl" validate:"gte=0"`
	Retention      time.Duration `mapstructure:"retention" yaml:"retention" validate:"gte=0"`
}

// RemoteConfig points at the external pipeline service.
type RemoteConfig struct {
	Experimental bool `mapstructure:"experimental" yaml:"experimental"`
	// Transport is how runs are submitted: http posts to Endpoint, nats
	// publishes to NATSSubject on JetStream.
	Transport   string `mapstructure:"transport" yaml:"transport" validate:"oneof=http nats"`
	Endpoint    string `mapstructure:"endpoint" yaml:"endpoint" validate:"omitempty,url"`
	Token       string `mapstructure:"token" yaml:"-"`
	TokenPath   string `mapstructure:"token_path" yaml:"token_path"`
	CACertPath  string `mapstructure:"ca_cert_path" yaml:"ca_cert_path"`
	NATSURL     string `mapstructure:"nats_url" yaml:"nats_url" validate:"omitempty,url"`
	NATSSubject string `mapstructure:"nats_subject" yaml:"nats_subject"`
	// CallbackURL is where the pipeline posts progress for this service.
	CallbackURL string `mapstructure:"callback_url" yaml:"callback_url" validate:"omitempty,url"`
}

// TasksConfig holds the orchestrator tunables.
type TasksConfig struct {
	SingleUseResults   bool          `mapstructure:"single_use_results" yaml:"single_use_results"`
	ResultRemovalDelay time.Duration `mapstructure:"result_removal_delay" yaml:"result_removal_delay" validate:"gt=0"`
	PollInterval       time.Duration `mapstructure:"poll_interval" yaml:"poll_interval" validate:"gt=0"`
	SyncPollInterval   time.Duration `mapstructure:"sync_poll_interval" yaml:"sync_poll_interval" validate:"gt=0"`
	MaxSyncWait        time.Duration `mapstructure:"max_sync_wait" yaml:"max_sync_wait" validate:"gt=0"`
	QueueSweepInterval time.Duration `mapstructure:"queue_sweep_interval" yaml:"queue_sweep_interval" validate:"gt=0"`
	// CacheTTL bounds how long task metadata and result pointers live in the shared cache.
	CacheTTL time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl" validate:"gt=0"`
}

// ResultsConfig selects where the redis engine keeps result payloads.
type ResultsConfig struct {
	Store string        `mapstructure:"store" yaml:"store" validate:"oneof=redis minio"`
	TTL   time.Duration `mapstructure:"ttl" yaml:"ttl" validate:"gte=0"`
	MinIO MinIOConfig   `mapstructure:"minio" yaml:"minio"`
}

type MinIOConfig struct {
	Endpoint  string `mapstructure:"endpoint" yaml:"endpoint"`
	AccessKey string `mapstructure:"access_key" yaml:"access_key"`
	SecretKey string `mapstructure:"secret_key" yaml:"-"`
	Bucket    string `mapstructure:"bucket" yaml:"bucket"`
	Prefix    string `mapstructure:"prefix" yaml:"prefix"`
	UseSSL    bool   `mapstructure:"use_ssl" yaml:"use_ssl"`
}

// Orchestrator returns the orchestrator tunables.
func (c *Config) Orchestrator() docqw.Config {
	return docqw.Config{
		SingleUseResults:   c.Tasks.SingleUseResults,
		ResultRemovalDelay: c.Tasks.ResultRemovalDelay,
		PollInterval:       c.Tasks.PollInterval,
		SyncPollInterval:   c.Tasks.SyncPollInterval,
		MaxSyncWait:        c.Tasks.MaxSyncWait,
		QueueSweepInterval: c.Tasks.QueueSweepInterval,
	}
}

// EngineKind returns the parsed engine kind.
func (c *Config) EngineKind() docqw.EngineKind {
	k, _ := docqw.ParseEngineKind(c.Engine.Kind)
	return k
}
