package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. DOCQW_ENGINE_KIND.
const EnvPrefix = "DOCQW"

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":5001")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.load_models_at_boot", true)

	v.SetDefault("engine.kind", "local")
	v.SetDefault("engine.local.workers", 2)
	v.SetDefault("engine.redis.url", "")
	v.SetDefault("engine.redis.queue", "docqw")
	v.SetDefault("engine.redis.results_prefix", "docqw:results")
	v.SetDefault("engine.redis.updates_channel", "docqw:updates")
	v.SetDefault("engine.redis.workers", 2)
	v.SetDefault("engine.redis.visibility_ttl", "30s")
	v.SetDefault("engine.redis.retention", "24h")
	v.SetDefault("engine.remote.experimental", false)
	v.SetDefault("engine.remote.transport", "http")
	v.SetDefault("engine.remote.endpoint", "")
	v.SetDefault("engine.remote.token", "")
	v.SetDefault("engine.remote.token_path", "")
	v.SetDefault("engine.remote.ca_cert_path", "")
	v.SetDefault("engine.remote.nats_url", "")
	v.SetDefault("engine.remote.nats_subject", "docqw.runs")
	v.SetDefault("engine.remote.callback_url", "")

	v.SetDefault("tasks.single_use_results", true)
	v.SetDefault("tasks.result_removal_delay", "300s")
	v.SetDefault("tasks.poll_interval", "500ms")
	v.SetDefault("tasks.sync_poll_interval", "2s")
	v.SetDefault("tasks.max_sync_wait", "120s")
	v.SetDefault("tasks.queue_sweep_interval", "2s")
	v.SetDefault("tasks.cache_ttl", "24h")

	v.SetDefault("results.store", "redis")
	v.SetDefault("results.ttl", "24h")
	v.SetDefault("results.minio.endpoint", "")
	v.SetDefault("results.minio.access_key", "")
	v.SetDefault("results.minio.secret_key", "")
	v.SetDefault("results.minio.bucket", "docqw-results")
	v.SetDefault("results.minio.prefix", "results")
	v.SetDefault("results.minio.use_ssl", false)
}

// Load reads defaults, then the YAML file at path if path is not empty, then
// DOCQW_* environment variables, and validates the result. Environment
// variables take precedence over the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterStructValidation(engineRules, EngineConfig{})
	v.RegisterStructValidation(resultsRules, ResultsConfig{})
	return v
}

// engineRules enforces the settings each engine kind cannot run without.
func engineRules(sl validator.StructLevel) {
	e := sl.Current().Interface().(EngineConfig)
	switch e.Kind {
	case "redis":
		if e.Redis.URL == "" {
			sl.ReportError(e.Redis.URL, "Redis.URL", "url", "required_for_redis", "")
		}
	case "remote":
		if !e.Remote.Experimental {
			sl.ReportError(e.Remote.Experimental, "Remote.Experimental", "experimental", "required_for_remote", "")
		}
		if e.Remote.CallbackURL == "" {
			sl.ReportError(e.Remote.CallbackURL, "Remote.CallbackURL", "callback_url", "required_for_remote", "")
		}
		switch e.Remote.Transport {
		case "http":
			if e.Remote.Endpoint == "" {
				sl.ReportError(e.Remote.Endpoint, "Remote.Endpoint", "endpoint", "required_for_http", "")
			}
		case "nats":
			if e.Remote.NATSURL == "" {
				sl.ReportError(e.Remote.NATSURL, "Remote.NATSURL", "nats_url", "required_for_nats", "")
			}
			if e.Remote.NATSSubject == "" {
				sl.ReportError(e.Remote.NATSSubject, "Remote.NATSSubject", "nats_subject", "required_for_nats", "")
			}
		}
	}
}

func resultsRules(sl validator.StructLevel) {
	r := sl.Current().Interface().(ResultsConfig)
	if r.Store == "minio" {
		if r.MinIO.Endpoint == "" {
			sl.ReportError(r.MinIO.Endpoint, "MinIO.Endpoint", "endpoint", "required_for_minio", "")
		}
		if r.MinIO.Bucket == "" {
			sl.ReportError(r.MinIO.Bucket, "MinIO.Bucket", "bucket", "required_for_minio", "")
		}
	}
}

// Validate checks field constraints and the engine-specific rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Render returns the effective configuration as YAML. Secrets are left out.
func (c *Config) Render() (string, error) {
	b, err := yaml.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
