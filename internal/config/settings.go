package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. PROCMAN_SHUTDOWN_GRACE.
const EnvPrefix = "PROCMAN"

// Settings holds runtime tunables. They are never written to the processes file.
type Settings struct {
	Config     string             `mapstructure:"config"`
	Logging    LoggingSettings    `mapstructure:"logging"`
	Supervisor SupervisorSettings `mapstructure:"supervisor"`
	Shutdown   ShutdownSettings   `mapstructure:"shutdown"`
	Logs       LogSettings        `mapstructure:"logs"`
	Docker     DockerSettings     `mapstructure:"docker"`
	Restart    RestartSettings    `mapstructure:"restart"`
	API        APISettings        `mapstructure:"api"`
}

// LoggingSettings configures the diagnostic logger.
type LoggingSettings struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// SupervisorSettings tunes single-entry transitions.
type SupervisorSettings struct {
	StopGrace       time.Duration `mapstructure:"stop_grace"`
	RestartDelay    time.Duration `mapstructure:"restart_delay"`
	BulkConcurrency int           `mapstructure:"bulk_concurrency"`
}

// ShutdownSettings bounds application exit.
type ShutdownSettings struct {
	Grace time.Duration `mapstructure:"grace"`
}

// LogSettings sizes the per-entry buffers.
type LogSettings struct {
	BufferLines      int `mapstructure:"buffer_lines"`
	SubscriberBuffer int `mapstructure:"subscriber_buffer"`
}

// DockerSettings selects and tunes the container driver.
type DockerSettings struct {
	Driver       string        `mapstructure:"driver"`
	Binary       string        `mapstructure:"binary"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	LogTail      int           `mapstructure:"log_tail"`
}

// RestartSettings drives auto_restart backoff.
type RestartSettings struct {
	MaxRetries int           `mapstructure:"max_retries"`
	BackoffMin time.Duration `mapstructure:"backoff_min"`
	BackoffMax time.Duration `mapstructure:"backoff_max"`
}

// APISettings configures the HTTP control API.
type APISettings struct {
	Addr string `mapstructure:"addr"`
}

const (
	DockerDriverCLI = "cli"
	DockerDriverAPI = "api"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("config", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.output_path", "stderr")

	v.SetDefault("supervisor.stop_grace", 5*time.Second)
	v.SetDefault("supervisor.restart_delay", 500*time.Millisecond)
	v.SetDefault("supervisor.bulk_concurrency", 0)

	v.SetDefault("shutdown.grace", 10*time.Second)

	v.SetDefault("logs.buffer_lines", 1000)
	v.SetDefault("logs.subscriber_buffer", 256)

	v.SetDefault("docker.driver", DockerDriverCLI)
	v.SetDefault("docker.binary", "docker")
	v.SetDefault("docker.poll_interval", 750*time.Millisecond)
	v.SetDefault("docker.log_tail", 100)

	v.SetDefault("restart.max_retries", 5)
	v.SetDefault("restart.backoff_min", time.Second)
	v.SetDefault("restart.backoff_max", 30*time.Second)

	v.SetDefault("api.addr", "127.0.0.1:7663")
}

// DefaultSettings returns the built-in defaults without consulting the
// environment or any settings file.
func DefaultSettings() Settings {
	v := viper.New()
	setDefaults(v)
	var s Settings
	_ = v.Unmarshal(&s)
	return s
}

// LoadSettings merges defaults, an optional procman.yaml and PROCMAN_*
// environment variables. An explicit path must exist; otherwise the file is
// searched in the working directory and the user config directory.
func LoadSettings(path string) (Settings, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("procman")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "procman"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return Settings{}, fmt.Errorf("read settings file: %w", err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("decode settings: %w", err)
	}
	if err := s.validate(); err != nil {
		return Settings{}, fmt.Errorf("settings validation failed: %w", err)
	}
	return s, nil
}

// ProcessesPath returns the configured processes file, or the default path.
func (s Settings) ProcessesPath() string {
	if strings.TrimSpace(s.Config) != "" {
		return s.Config
	}
	return DefaultPath()
}

func (s *Settings) validate() error {
	var errs []string

	switch strings.ToLower(s.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	switch strings.ToLower(s.Logging.Format) {
	case "json", "console", "text":
	default:
		errs = append(errs, "logging.format must be one of: json, console, text")
	}
	if s.Supervisor.StopGrace <= 0 {
		errs = append(errs, "supervisor.stop_grace must be positive")
	}
	if s.Supervisor.RestartDelay < 0 {
		errs = append(errs, "supervisor.restart_delay must not be negative")
	}
	if s.Supervisor.BulkConcurrency < 0 {
		errs = append(errs, "supervisor.bulk_concurrency must not be negative")
	}
	if s.Shutdown.Grace <= 0 {
		errs = append(errs, "shutdown.grace must be positive")
	}
	if s.Logs.BufferLines <= 0 {
		errs = append(errs, "logs.buffer_lines must be positive")
	}
	if s.Logs.SubscriberBuffer <= 0 {
		errs = append(errs, "logs.subscriber_buffer must be positive")
	}
	switch s.Docker.Driver {
	case DockerDriverCLI, DockerDriverAPI:
	default:
		errs = append(errs, "docker.driver must be one of: cli, api")
	}
	if s.Docker.Driver == DockerDriverCLI && strings.TrimSpace(s.Docker.Binary) == "" {
		errs = append(errs, "docker.binary is required for the cli driver")
	}
	if s.Docker.PollInterval <= 0 {
		errs = append(errs, "docker.poll_interval must be positive")
	}
	if s.Docker.LogTail < 0 {
		errs = append(errs, "docker.log_tail must not be negative")
	}
	if s.Restart.MaxRetries < 0 {
		errs = append(errs, "restart.max_retries must not be negative")
	}
	if s.Restart.BackoffMin <= 0 || s.Restart.BackoffMax < s.Restart.BackoffMin {
		errs = append(errs, "restart.backoff_min must be positive and not exceed restart.backoff_max")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
