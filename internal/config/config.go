package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"github.com/stone-age-io/svchost/pkg/catalog"
	"go.uber.org/zap/zapcore"
)

// Config is the host configuration
type Config struct {
	Service   ServiceConfig   `mapstructure:"service"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServiceConfig describes the service registration and lifecycle tuning
type ServiceConfig struct {
	Name         string        `mapstructure:"name"`
	DisplayName  string        `mapstructure:"display_name"`
	Description  string        `mapstructure:"description"`
	Dependencies []string      `mapstructure:"dependencies"`
	StartType    string        `mapstructure:"start_type"`
	Account      string        `mapstructure:"account"`
	Password     string        `mapstructure:"password"`
	WaitHint     time.Duration `mapstructure:"wait_hint"`
	QueueSize    int           `mapstructure:"queue_size"`
	StopTimeout  time.Duration `mapstructure:"stop_timeout"`

	CanStop          bool `mapstructure:"can_stop"`
	CanShutdown      bool `mapstructure:"can_shutdown"`
	CanPauseContinue bool `mapstructure:"can_pause_continue"`
}

// NATSConfig contains NATS connection settings
type NATSConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	URLs          []string      `mapstructure:"urls"`
	SubjectPrefix string        `mapstructure:"subject_prefix"`
	Auth          AuthConfig    `mapstructure:"auth"`
	TLS           TLSConfig     `mapstructure:"tls"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
	DrainTimeout  time.Duration `mapstructure:"drain_timeout"`
}

// AuthConfig contains NATS authentication settings
type AuthConfig struct {
	Type      string `mapstructure:"type"` // creds, token, userpass, none
	CredsFile string `mapstructure:"creds_file"`
	Token     string `mapstructure:"token"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
}

// TLSConfig contains TLS settings for the NATS connection
type TLSConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	CertFile           string `mapstructure:"cert_file"`
	KeyFile            string `mapstructure:"key_file"`
	CAFile             string `mapstructure:"ca_file"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
}

// HeartbeatConfig controls the periodic status heartbeat
type HeartbeatConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

const envPrefix = "SVCHOST"

var (
	serviceNamePattern  = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)
	subjectTokenPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// Load reads the configuration file at path, applies defaults and
// SVCHOST_* environment overrides, and validates the result. A missing
// file is not an error: defaults and environment are used alone.
func Load(path string) (*Config, error) {
	v := newViper(path)

	if err := v.ReadInConfig(); err != nil {
		if !os.IsNotExist(err) {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	return decode(v)
}

// Watch reloads the configuration whenever the file at path changes and
// passes every valid result to onChange. Invalid revisions are reported to
// onError and otherwise ignored. It returns an error if the file cannot be
// read, in which case nothing is watched.
func Watch(path string, onChange func(*Config), onError func(error)) error {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(v)
		if err != nil {
			onError(err)
			return
		}
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	}
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "svchost")
	v.SetDefault("service.display_name", "Service Host")
	v.SetDefault("service.description", "Runs svchost as a managed background service")
	v.SetDefault("service.dependencies", []string{})
	v.SetDefault("service.start_type", "auto")
	v.SetDefault("service.password", "")
	v.SetDefault("service.wait_hint", "0s")
	v.SetDefault("service.queue_size", 16)
	v.SetDefault("service.stop_timeout", "30s")
	v.SetDefault("service.can_stop", true)
	v.SetDefault("service.can_shutdown", true)
	v.SetDefault("service.can_pause_continue", true)

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.urls", []string{"nats://localhost:4222"})
	v.SetDefault("nats.subject_prefix", "svchost")
	v.SetDefault("nats.auth.type", "none")
	v.SetDefault("nats.tls.enabled", false)
	v.SetDefault("nats.max_reconnects", -1)
	v.SetDefault("nats.reconnect_wait", "2s")
	v.SetDefault("nats.drain_timeout", "10s")

	v.SetDefault("heartbeat.enabled", true)
	v.SetDefault("heartbeat.interval", "1m")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 3)

	UpdateConfigDefaults(v)
}

// validate checks the configuration for errors
func validate(cfg *Config) error {
	if err := validateService(&cfg.Service); err != nil {
		return err
	}

	if cfg.NATS.Enabled {
		if err := validateNATS(&cfg.NATS); err != nil {
			return err
		}
	}

	if cfg.Heartbeat.Enabled && cfg.Heartbeat.Interval < 10*time.Second {
		return fmt.Errorf("heartbeat interval must be at least 10 seconds")
	}

	if _, err := zapcore.ParseLevel(cfg.Logging.Level); err != nil {
		return fmt.Errorf("invalid log level: %s", cfg.Logging.Level)
	}
	if cfg.Logging.File == "" {
		return fmt.Errorf("logging.file is required")
	}

	return nil
}

func validateService(s *ServiceConfig) error {
	if s.Name == "" {
		return fmt.Errorf("service.name is required")
	}
	if len(s.Name) > 256 {
		return fmt.Errorf("service.name must not exceed 256 characters")
	}
	if !serviceNamePattern.MatchString(s.Name) {
		return fmt.Errorf("service.name must contain only alphanumeric characters, dots, dashes, and underscores")
	}

	if _, err := catalog.ParseStartType(s.StartType); err != nil {
		return fmt.Errorf("service.start_type: %w", err)
	}

	if s.WaitHint < 0 {
		return fmt.Errorf("service.wait_hint must not be negative")
	}
	if s.QueueSize < 1 {
		return fmt.Errorf("service.queue_size must be at least 1")
	}
	if s.StopTimeout < time.Second {
		return fmt.Errorf("service.stop_timeout must be at least 1 second")
	}
	if s.StopTimeout > 10*time.Minute {
		return fmt.Errorf("service.stop_timeout must not exceed 10 minutes")
	}

	return nil
}

func validateNATS(n *NATSConfig) error {
	if len(n.URLs) == 0 {
		return fmt.Errorf("at least one NATS URL is required")
	}

	if n.SubjectPrefix == "" {
		return fmt.Errorf("subject_prefix is required")
	}
	if len(n.SubjectPrefix) > 50 {
		return fmt.Errorf("subject_prefix must not exceed 50 characters")
	}
	if err := validateSubjectPrefix(n.SubjectPrefix); err != nil {
		return err
	}

	switch n.Auth.Type {
	case "none":
	case "creds":
		if n.Auth.CredsFile == "" {
			return fmt.Errorf("creds_file is required for creds auth")
		}
	case "token":
		if n.Auth.Token == "" {
			return fmt.Errorf("token is required for token auth")
		}
	case "userpass":
		if n.Auth.Username == "" || n.Auth.Password == "" {
			return fmt.Errorf("username and password are required for userpass auth")
		}
	default:
		return fmt.Errorf("invalid auth type: %s", n.Auth.Type)
	}

	if n.TLS.Enabled {
		if err := validateTLS(&n.TLS); err != nil {
			return err
		}
	}

	return nil
}

// validateSubjectPrefix checks that a prefix is a sequence of dot-separated
// tokens without wildcards
func validateSubjectPrefix(prefix string) error {
	if strings.HasPrefix(prefix, ".") || strings.HasSuffix(prefix, ".") {
		return fmt.Errorf("subject_prefix cannot start or end with a dot")
	}
	for _, token := range strings.Split(prefix, ".") {
		if token == "" {
			return fmt.Errorf("subject_prefix: consecutive dots not allowed")
		}
		if !subjectTokenPattern.MatchString(token) {
			return fmt.Errorf("subject_prefix token %q contains invalid characters", token)
		}
	}
	return nil
}

func validateTLS(t *TLSConfig) error {
	if t.CertFile != "" && t.KeyFile == "" {
		return fmt.Errorf("key_file is required when cert_file is set")
	}
	if t.KeyFile != "" && t.CertFile == "" {
		return fmt.Errorf("cert_file is required when key_file is set")
	}
	if t.CertFile != "" {
		if _, err := os.Stat(t.CertFile); err != nil {
			return fmt.Errorf("certificate file not found: %s", t.CertFile)
		}
	}
	if t.KeyFile != "" {
		if _, err := os.Stat(t.KeyFile); err != nil {
			return fmt.Errorf("key file not found: %s", t.KeyFile)
		}
	}
	if t.CAFile != "" {
		if _, err := os.Stat(t.CAFile); err != nil {
			return fmt.Errorf("CA file not found: %s", t.CAFile)
		}
	}
	return nil
}
