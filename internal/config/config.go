package config

import (
	"os"
	"strings"
	"time"

	"codeberg.org/mutker/battmon/internal/device"
	"codeberg.org/mutker/battmon/internal/errors"
	"codeberg.org/mutker/battmon/internal/history"
	"codeberg.org/mutker/battmon/internal/metrics"
	"codeberg.org/mutker/battmon/internal/scheduler"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultEnvPrefix = "BATTMON"
	DefaultLogLevel  = "info"

	configName = "battmon"
	configType = "toml"
)

var errEmptyPrefix = errors.New().WithMessage(errors.ErrInvalidArgument, "environment prefix must not be empty")

// Config is the daemon configuration. Keys are the names used in the
// config file; environment variables are the upper-cased keys with the
// BATTMON_ prefix.
type Config struct {
	PollIntervalSeconds     int     `mapstructure:"poll_interval_seconds"`
	HostEnabled             bool    `mapstructure:"host_enabled"`
	DeviceDiscoveryMode     string  `mapstructure:"device_discovery_mode"`
	RetentionDays           int     `mapstructure:"retention_days"`
	DBPath                  string  `mapstructure:"db_path"`
	BackupDir               string  `mapstructure:"backup_dir"`
	BackendTimeoutSeconds   int     `mapstructure:"backend_timeout_seconds"`
	ConnectTimeoutSeconds   int     `mapstructure:"connect_timeout_seconds"`
	IdleTimeoutSeconds      int     `mapstructure:"idle_timeout_seconds"`
	MaxConsecutiveTimeouts  int     `mapstructure:"max_consecutive_timeouts"`
	EventQueueSize          int     `mapstructure:"event_queue_size"`
	CapabilityRecheckCycles int     `mapstructure:"capability_recheck_cycles"`
	HealthThreshold         float64 `mapstructure:"health_threshold"`
	LogLevel                string  `mapstructure:"log_level"`
	MetricsAddr             string  `mapstructure:"metrics_addr"`
	PIDFile                 string  `mapstructure:"pid_file"`

	// ConfigFile is the file the values were read from, if any.
	ConfigFile string `mapstructure:"-"`
}

// flagKeys maps command line flags onto configuration keys.
var flagKeys = map[string]string{
	"interval":         "poll_interval_seconds",
	"host":             "host_enabled",
	"discovery":        "device_discovery_mode",
	"retention-days":   "retention_days",
	"db":               "db_path",
	"backup-dir":       "backup_dir",
	"backend-timeout":  "backend_timeout_seconds",
	"connect-timeout":  "connect_timeout_seconds",
	"health-threshold": "health_threshold",
	"log-level":        "log_level",
	"metrics-addr":     "metrics_addr",
	"pid-file":         "pid_file",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("poll_interval_seconds", 60)
	v.SetDefault("host_enabled", true)
	v.SetDefault("device_discovery_mode", string(scheduler.DiscoveryNotification))
	v.SetDefault("retention_days", 0)
	v.SetDefault("db_path", history.DefaultDBPath())
	v.SetDefault("backup_dir", "")
	v.SetDefault("backend_timeout_seconds", 10)
	v.SetDefault("connect_timeout_seconds", 10)
	v.SetDefault("idle_timeout_seconds", 600)
	v.SetDefault("max_consecutive_timeouts", 3)
	v.SetDefault("event_queue_size", 64)
	v.SetDefault("capability_recheck_cycles", 10)
	v.SetDefault("health_threshold", 80.0)
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("metrics_addr", "")
	v.SetDefault("pid_file", "")
}

// RegisterFlags adds the configuration flags to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "Path to the configuration file")
	fs.Int("interval", 60, "Seconds between acquisition cycles")
	fs.Bool("host", true, "Sample the host battery")
	fs.String("discovery", string(scheduler.DiscoveryNotification), "Device discovery mode: notification or polling")
	fs.Int("retention-days", 0, "Prune samples older than this many days (0 keeps everything)")
	fs.String("db", "", "Path to the history database")
	fs.String("backup-dir", "", "Directory for history backups")
	fs.Int("backend-timeout", 10, "Seconds before a backend call is abandoned")
	fs.Int("connect-timeout", 10, "Seconds before a device connect is abandoned")
	fs.Float64("health-threshold", 80, "Health percent the trend projection aims at")
	fs.String("log-level", DefaultLogLevel, "Log level: debug, info, warning or error")
	fs.String("metrics-addr", "", "Serve Prometheus metrics on this address")
	fs.String("pid-file", "", "Refuse to start when this PID file names a running process")
}

// Load reads the configuration from defaults, the config file, the
// environment and the flags changed on fs, in increasing precedence. fs
// may be nil.
func Load(fs *pflag.FlagSet, opts ...Option) (*Config, error) {
	errFactory := errors.New()

	o := options{envPrefix: DefaultEnvPrefix}
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, err
		}
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(o.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, errFactory.Wrap(errors.ErrBindFlags, err)
				}
			}
		}
		if o.configPath == "" {
			if f := fs.Lookup("config"); f != nil && f.Changed {
				o.configPath = f.Value.String()
			}
		}
	}
	if o.configPath == "" {
		o.configPath = os.Getenv(o.envPrefix + "_CONFIG")
	}

	if o.configPath != "" {
		v.SetConfigFile(o.configPath)
		v.SetConfigType(configType)
	} else {
		v.SetConfigName(configName)
		v.SetConfigType(configType)
		v.AddConfigPath("/etc/battmon")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home + "/.config/battmon")
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if o.configPath != "" || !errors.As(err, &notFound) {
			return nil, errFactory.Wrap(errors.ErrReadConfig, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errFactory.Wrap(errors.ErrReadConfig, err)
	}
	cfg.ConfigFile = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the values and every component configuration derived
// from them.
func (c *Config) Validate() error {
	errFactory := errors.New()

	if !LogLevel(strings.ToLower(c.LogLevel)).IsValid() {
		return errFactory.WithData(errors.ErrInvalidLogLevel, c.LogLevel)
	}
	if c.PollIntervalSeconds < 1 {
		return errFactory.WithData(errors.ErrInvalidInterval, c.PollIntervalSeconds)
	}
	if c.HealthThreshold < 0 || c.HealthThreshold > 100 {
		return errFactory.WithMessage(errors.ErrInvalidConfig, "health threshold must be between 0 and 100")
	}

	for _, validate := range []func() error{
		c.Scheduler().Validate,
		c.Device().Validate,
		c.History().Validate,
		c.Metrics().Validate,
	} {
		if err := validate(); err != nil {
			return err
		}
	}

	return nil
}

func (c *Config) Scheduler() scheduler.Config {
	cfg := scheduler.DefaultConfig()
	cfg.PollInterval = seconds(c.PollIntervalSeconds)
	cfg.HostEnabled = c.HostEnabled
	cfg.DiscoveryMode = scheduler.DiscoveryMode(strings.ToLower(c.DeviceDiscoveryMode))
	cfg.BackendTimeout = seconds(c.BackendTimeoutSeconds)
	cfg.CapabilityRecheckCycles = c.CapabilityRecheckCycles
	cfg.RetentionDays = c.RetentionDays

	return cfg
}

func (c *Config) Device() device.Config {
	return device.Config{
		ConnectTimeout:         seconds(c.ConnectTimeoutSeconds),
		IdleTimeout:            seconds(c.IdleTimeoutSeconds),
		MaxConsecutiveTimeouts: c.MaxConsecutiveTimeouts,
		QueueSize:              c.EventQueueSize,
	}
}

func (c *Config) History() history.Config {
	return history.Config{
		DBPath:        c.DBPath,
		BackupDir:     c.BackupDir,
		RetentionDays: c.RetentionDays,
	}
}

func (c *Config) Metrics() metrics.Config {
	return metrics.Config{
		Addr:    c.MetricsAddr,
		Enabled: c.MetricsAddr != "",
	}
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
