// Package config loads fieldsync settings from defaults, an optional
// config file, a .env file and FIELDSYNC_* environment variables, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/roach88/fieldsync/internal/engine"
	"github.com/roach88/fieldsync/internal/logging"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "FIELDSYNC"

const (
	defaultDBPath        = "fieldsync.db"
	defaultEnvFile       = ".env"
	defaultListenAddr    = "127.0.0.1:8080"
	defaultLogLevel      = "info"
	defaultProbeInterval = 15 * time.Second
)

// Config holds every setting the CLI understands.
type Config struct {
	DBPath     string `mapstructure:"db_path"`
	DeviceID   string `mapstructure:"device_id"`
	RemoteURL  string `mapstructure:"remote_url"`
	TokenFile  string `mapstructure:"token_file"`
	Token      string `mapstructure:"token"`
	PolicyFile string `mapstructure:"policy_file"`

	SyncInterval       time.Duration `mapstructure:"sync_interval"`
	SendTimeout        time.Duration `mapstructure:"send_timeout"`
	MaxOpsPerDrain     int           `mapstructure:"max_ops_per_drain"`
	CommittedRetention time.Duration `mapstructure:"committed_retention"`
	BaseDelay          time.Duration `mapstructure:"base_delay"`
	MaxDelay           time.Duration `mapstructure:"max_delay"`
	MaxAttempts        int           `mapstructure:"max_attempts"`

	ProbeAddress     string        `mapstructure:"probe_address"`
	ProbeInterval    time.Duration `mapstructure:"probe_interval"`
	ConnectivityFile string        `mapstructure:"connectivity_file"`

	LogLevel      string `mapstructure:"log_level"`
	LogFile       string `mapstructure:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`
	LogMaxAgeDays int    `mapstructure:"log_max_age_days"`

	ListenAddr string `mapstructure:"listen_addr"`
	JWTSecret  string `mapstructure:"jwt_secret"`
}

type loadOptions struct {
	configFile string
	envFile    string
	lookupEnv  func(string) (string, bool)
}

// Option configures Load.
type Option func(*loadOptions)

// WithConfigFile merges the given yaml, toml or json file.
func WithConfigFile(path string) Option {
	return func(o *loadOptions) { o.configFile = path }
}

// WithEnvFile reads dotenv entries from path instead of ./.env.
func WithEnvFile(path string) Option {
	return func(o *loadOptions) { o.envFile = path }
}

// Load builds a validated Config.
func Load(opts ...Option) (*Config, error) {
	o := loadOptions{envFile: defaultEnvFile, lookupEnv: os.LookupEnv}
	for _, opt := range opts {
		opt(&o)
	}

	v := viper.New()
	setDefaults(v)

	if o.configFile != "" {
		v.SetConfigFile(o.configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", o.configFile, err)
		}
	}

	if err := applyEnvFile(v, o); err != nil {
		return nil, err
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

func setDefaults(v *viper.Viper) {
	backoff := engine.DefaultBackoff()
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "fieldsync"
	}

	v.SetDefault("db_path", defaultDBPath)
	v.SetDefault("device_id", host)
	v.SetDefault("remote_url", "")
	v.SetDefault("token_file", "")
	v.SetDefault("token", "")
	v.SetDefault("policy_file", "")
	v.SetDefault("sync_interval", 30*time.Second)
	v.SetDefault("send_timeout", 30*time.Second)
	v.SetDefault("max_ops_per_drain", 64)
	v.SetDefault("committed_retention", 24*time.Hour)
	v.SetDefault("base_delay", backoff.BaseDelay)
	v.SetDefault("max_delay", backoff.MaxDelay)
	v.SetDefault("max_attempts", backoff.MaxAttempts)
	v.SetDefault("probe_address", "")
	v.SetDefault("probe_interval", defaultProbeInterval)
	v.SetDefault("connectivity_file", "")
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("log_file", "")
	v.SetDefault("log_max_size_mb", 20)
	v.SetDefault("log_max_backups", 5)
	v.SetDefault("log_max_age_days", 28)
	v.SetDefault("listen_addr", defaultListenAddr)
	v.SetDefault("jwt_secret", "")
}

// applyEnvFile copies FIELDSYNC_* dotenv entries into v unless the real
// environment already sets them. The process environment is left alone.
func applyEnvFile(v *viper.Viper, o loadOptions) error {
	if o.envFile == "" {
		return nil
	}
	entries, err := godotenv.Read(o.envFile)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read env file %s: %w", o.envFile, err)
	}
	prefix := EnvPrefix + "_"
	for name, value := range entries {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		if _, set := o.lookupEnv(name); set {
			continue
		}
		v.Set(strings.ToLower(strings.TrimPrefix(name, prefix)), value)
	}
	return nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.DBPath == "" {
		errs = append(errs, errors.New("db_path is required"))
	}
	if strings.TrimSpace(c.DeviceID) == "" {
		errs = append(errs, errors.New("device_id is required"))
	}
	if c.SyncInterval < 0 {
		errs = append(errs, errors.New("sync_interval must not be negative"))
	}
	if c.SendTimeout <= 0 {
		errs = append(errs, errors.New("send_timeout must be positive"))
	}
	if c.MaxOpsPerDrain < 1 {
		errs = append(errs, errors.New("max_ops_per_drain must be at least 1"))
	}
	if c.CommittedRetention < 0 {
		errs = append(errs, errors.New("committed_retention must not be negative"))
	}
	if err := c.Backoff().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.ProbeAddress != "" && c.ProbeInterval <= 0 {
		errs = append(errs, errors.New("probe_interval must be positive when probe_address is set"))
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogMaxSizeMB < 0 || c.LogMaxBackups < 0 || c.LogMaxAgeDays < 0 {
		errs = append(errs, errors.New("log rotation settings must not be negative"))
	}
	if c.Token != "" && c.TokenFile != "" {
		errs = append(errs, errors.New("token and token_file are mutually exclusive"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Backoff returns the retry policy the engine should use.
func (c *Config) Backoff() engine.Backoff {
	return engine.Backoff{
		BaseDelay:   c.BaseDelay,
		MaxDelay:    c.MaxDelay,
		MaxAttempts: c.MaxAttempts,
	}
}
