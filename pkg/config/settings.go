package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/openfroyo/epicflow/pkg/engine"
	"github.com/openfroyo/epicflow/pkg/telemetry"
)

// Settings are the runtime settings of the epicflow CLI and server. They
// come from (highest first) flags, EPICFLOW_* environment variables, the
// config file and defaults.
type Settings struct {
	// DB is the SQLite database path.
	DB string `mapstructure:"db" validate:"required"`

	// Plan lists work plan files or directories.
	Plan []string `mapstructure:"plan"`

	// Actor is recorded on transitions and audit entries.
	Actor string `mapstructure:"actor" validate:"required"`

	IdleTimeout  time.Duration `mapstructure:"idle_timeout" validate:"gte=0"`
	ReapInterval time.Duration `mapstructure:"reap_interval" validate:"gt=0"`

	// Listen is the read API address for "serve".
	Listen string `mapstructure:"listen" validate:"required"`

	// PolicyDir holds Rego policies for policy gates.
	PolicyDir string `mapstructure:"policy_dir"`

	// PluginDir holds WASM gate plugins.
	PluginDir string `mapstructure:"plugin_dir"`

	GateTimeout time.Duration `mapstructure:"gate_timeout" validate:"gt=0"`
	GateRetries int           `mapstructure:"gate_retries" validate:"gte=1"`

	// SSH settings shared by ssh gates that do not set their own.
	SSHKnownHosts string `mapstructure:"ssh_known_hosts"`

	// ArtifactDir receives files ssh gates list under artifacts.
	ArtifactDir string `mapstructure:"artifact_dir"`

	Log struct {
		Level  string `mapstructure:"level" validate:"oneof=trace debug info warn error"`
		Format string `mapstructure:"format" validate:"oneof=console json"`
	} `mapstructure:"log"`

	Metrics struct {
		Enabled bool `mapstructure:"enabled"`

		// Listen serves /metrics on its own address. Empty mounts it on the
		// read API.
		Listen string `mapstructure:"listen"`
	} `mapstructure:"metrics"`

	Tracing struct {
		Exporter string  `mapstructure:"exporter" validate:"oneof=none stdout otlp"`
		Endpoint string  `mapstructure:"endpoint"`
		Sampling float64 `mapstructure:"sampling" validate:"gte=0,lte=1"`
	} `mapstructure:"tracing"`
}

// NewViper returns a viper instance with epicflow defaults and environment
// binding. Nested keys map to variables like EPICFLOW_LOG_LEVEL.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("EPICFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	sched := engine.DefaultSchedulerConfig()
	v.SetDefault("db", ".epicflow/epicflow.db")
	v.SetDefault("plan", []string{})
	v.SetDefault("actor", "local-user")
	v.SetDefault("idle_timeout", sched.IdleTimeout)
	v.SetDefault("reap_interval", sched.ReapInterval)
	v.SetDefault("listen", "127.0.0.1:8420")
	v.SetDefault("policy_dir", "")
	v.SetDefault("plugin_dir", "")
	v.SetDefault("gate_timeout", 10*time.Minute)
	v.SetDefault("gate_retries", 3)
	v.SetDefault("ssh_known_hosts", "")
	v.SetDefault("artifact_dir", ".epicflow/artifacts")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen", "")
	v.SetDefault("tracing.exporter", "none")
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.sampling", 1.0)
	return v
}

// LoadSettings reads the config file (explicit, or epicflow.yaml in the
// working directory or $HOME/.config/epicflow) and decodes the settings.
func LoadSettings(v *viper.Viper, configFile string) (*Settings, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("epicflow")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/epicflow")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("failed to decode settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks the settings' struct tags.
func (s *Settings) Validate() error {
	if err := validator.New().Struct(s); err != nil {
		return engine.NewCodedError(engine.ErrCodeValidation, "invalid settings: "+err.Error(), err)
	}
	return nil
}

// SchedulerConfig returns the scheduler part of the settings.
func (s *Settings) SchedulerConfig() engine.SchedulerConfig {
	return engine.SchedulerConfig{
		IdleTimeout:  s.IdleTimeout,
		ReapInterval: s.ReapInterval,
	}
}

// TelemetryConfig maps the settings onto a telemetry configuration. Logs go
// to stderr so that command output on stdout stays machine readable.
func (s *Settings) TelemetryConfig(version string) *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = version
	cfg.Logging.Level = s.Log.Level
	cfg.Logging.Format = s.Log.Format
	cfg.Logging.Output = "stderr"
	cfg.Logging.EnableCaller = false
	cfg.Metrics.Enabled = s.Metrics.Enabled
	cfg.Metrics.ListenAddress = s.Listen
	if s.Metrics.Listen != "" {
		cfg.Metrics.ListenAddress = s.Metrics.Listen
	}
	cfg.Tracing.Enabled = s.Tracing.Exporter != "none"
	cfg.Tracing.Exporter = s.Tracing.Exporter
	cfg.Tracing.Endpoint = s.Tracing.Endpoint
	cfg.Tracing.SamplingRate = s.Tracing.Sampling
	return cfg
}
