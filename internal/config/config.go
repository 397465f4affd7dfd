// Package config loads daemon configuration from defaults, an optional YAML
// file, a .env file and TRANSFERD_ environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/units"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/transferd/transferd/internal/network"
	"github.com/transferd/transferd/internal/paths"
)

const envPrefix = "TRANSFERD"

// Version is set at build time with -ldflags "-X .../internal/config.Version=...".
var Version = "dev"

// Network monitor modes.
const (
	NetworkAuto   = "auto"
	NetworkStatic = "static"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig   `mapstructure:"server"`
	Database  DatabaseConfig `mapstructure:"database"`
	Logging   LoggingConfig  `mapstructure:"logging"`
	Downloads TransferConfig `mapstructure:"downloads"`
	Uploads   TransferConfig `mapstructure:"uploads"`
	Network   NetworkConfig  `mapstructure:"network"`
	Daemon    DaemonConfig   `mapstructure:"daemon"`
	S3        S3Config       `mapstructure:"s3"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// TransferConfig holds the defaults of one transfer kind. Throttle accepts
// plain byte counts or sizes such as "512KiB".
type TransferConfig struct {
	Dir             string `mapstructure:"dir"`
	ResponseDir     string `mapstructure:"response_dir"`
	Throttle        string `mapstructure:"throttle"`
	AllowMobileData bool   `mapstructure:"allow_mobile_data"`
}

// NetworkConfig selects how connectivity is detected.
type NetworkConfig struct {
	Mode         string        `mapstructure:"mode"`
	Class        string        `mapstructure:"class"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// DaemonConfig holds process lifecycle settings.
type DaemonConfig struct {
	IdleTimeout time.Duration `mapstructure:"idle_timeout"` // 0 disables idle shutdown
	LockDir     string        `mapstructure:"lock_dir"`
	PurgeAfter  time.Duration `mapstructure:"purge_after"`
}

// S3Config holds settings for s3:// downloads.
type S3Config struct {
	Profile  string `mapstructure:"profile"`
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"`
}

// Load reads configuration from file and environment variables.
// Priority: environment variables > config file > defaults
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	if configPath == "" {
		configPath = paths.ConfigFile()
	}
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 7480)

	v.SetDefault("database.path", paths.DefaultDatabasePath())

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.file", paths.DefaultLogPath())
	v.SetDefault("logging.max_size_mb", 10)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 30)
	v.SetDefault("logging.compress", true)

	v.SetDefault("downloads.dir", paths.DefaultDownloadDir())
	v.SetDefault("downloads.throttle", "0")
	v.SetDefault("downloads.allow_mobile_data", true)

	v.SetDefault("uploads.response_dir", paths.DefaultResponseDir())
	v.SetDefault("uploads.throttle", "0")
	v.SetDefault("uploads.allow_mobile_data", true)

	v.SetDefault("network.mode", NetworkAuto)
	v.SetDefault("network.class", network.ClassUnmetered.String())
	v.SetDefault("network.poll_interval", "10s")

	v.SetDefault("daemon.idle_timeout", "0s")
	v.SetDefault("daemon.lock_dir", paths.DefaultLockDir())
	v.SetDefault("daemon.purge_after", "720h")

	v.SetDefault("s3.profile", "")
	v.SetDefault("s3.region", "")
	v.SetDefault("s3.endpoint", "")
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}

	switch c.Network.Mode {
	case NetworkAuto:
		if c.Network.PollInterval <= 0 {
			return errors.New("network.poll_interval must be positive")
		}
	case NetworkStatic:
		if _, err := c.Network.StaticClass(); err != nil {
			return fmt.Errorf("network.class: %w", err)
		}
	default:
		return fmt.Errorf("network.mode must be %q or %q, got %q", NetworkAuto, NetworkStatic, c.Network.Mode)
	}

	if _, err := c.Downloads.ThrottleBytes(); err != nil {
		return fmt.Errorf("downloads.throttle: %w", err)
	}
	if _, err := c.Uploads.ThrottleBytes(); err != nil {
		return fmt.Errorf("uploads.throttle: %w", err)
	}
	if c.Daemon.IdleTimeout < 0 {
		return errors.New("daemon.idle_timeout must not be negative")
	}
	return nil
}

// ThrottleBytes parses the throttle into bytes per second.
func (t TransferConfig) ThrottleBytes() (int64, error) {
	return ParseSize(t.Throttle)
}

// StaticClass parses the configured class for static mode.
func (n NetworkConfig) StaticClass() (network.Class, error) {
	return network.ParseClass(n.Class)
}

// ParseSize parses "1048576", "512KiB" or "1MB" into bytes. Empty is zero.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("negative size %q", s)
		}
		return n, nil
	}
	n, err := units.ParseBase2Bytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("negative size %q", s)
	}
	return int64(n), nil
}

// Address returns the server address string.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
