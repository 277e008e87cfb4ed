// Package config merges the daemon settings from defaults, a YAML file,
// an optional .env file, environment variables and bound CLI flags, in
// increasing order of precedence.
package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/zorak1103/nest-protect/internal/protect"
)

// Environment names accepted by nest.environment.
const (
	EnvironmentProduction = "production"
	EnvironmentFieldTest  = "fieldtest"
)

// dotEnvFiles are tried in order; the first one found is loaded.
var dotEnvFiles = []string{".env", "configs/.env"}

var dotEnvOnce sync.Once

// loadDotEnv exports the first .env file found. Variables already set in
// the process environment keep their value.
func loadDotEnv() {
	dotEnvOnce.Do(func() {
		for _, name := range dotEnvFiles {
			if _, err := os.Stat(name); err != nil {
				continue
			}
			_ = godotenv.Load(name)
			return
		}
	})
}

// mustBindEnv panics on a BindEnv error, which only happens for an empty key.
func mustBindEnv(v *viper.Viper, key string, envVars ...string) {
	if err := v.BindEnv(append([]string{key}, envVars...)...); err != nil {
		panic(fmt.Sprintf("config: binding %s: %v", key, err))
	}
}

// Config holds all configuration for the nest-protect daemon.
type Config struct {
	Nest    NestConfig    `mapstructure:"nest"`
	Updates UpdatesConfig `mapstructure:"updates"`
	MQTT    MQTTConfig    `mapstructure:"mqtt"`
	Influx  InfluxConfig  `mapstructure:"influx"`
	Store   StoreConfig   `mapstructure:"store"`
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// NestConfig holds the vendor account settings.
type NestConfig struct {
	// Environment selects production or fieldtest.
	Environment string `mapstructure:"environment"`
	// Host and ClientID override the environment's built-in values.
	Host     string `mapstructure:"host"`
	ClientID string `mapstructure:"client_id"`

	RefreshToken string `mapstructure:"refresh_token"`
	IssueToken   string `mapstructure:"issue_token"`
	Cookies      string `mapstructure:"cookies"`

	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	SubscribeTimeout time.Duration `mapstructure:"subscribe_timeout"`
}

// HasCredentials reports whether a credential chain is configured.
func (n NestConfig) HasCredentials() bool {
	return n.RefreshToken != "" || (n.IssueToken != "" && n.Cookies != "")
}

// UpdatesConfig holds update loop and setup retry timings.
type UpdatesConfig struct {
	ServiceCooldown   time.Duration `mapstructure:"service_cooldown"`
	UnknownCooldown   time.Duration `mapstructure:"unknown_cooldown"`
	SetupInitialDelay time.Duration `mapstructure:"setup_initial_delay"`
	SetupMaxDelay     time.Duration `mapstructure:"setup_max_delay"`
	// SetupMaxAttempts moves the entry to setup_error once spent (0 = retry forever).
	SetupMaxAttempts int `mapstructure:"setup_max_attempts"`
}

// MQTTConfig holds the discovery publisher settings.
type MQTTConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Broker          string `mapstructure:"broker"`
	ClientID        string `mapstructure:"client_id"`
	Username        string `mapstructure:"username"`
	Password        string `mapstructure:"password"`
	DiscoveryPrefix string `mapstructure:"discovery_prefix"`
	BaseTopic       string `mapstructure:"base_topic"`
	QoS             int    `mapstructure:"qos"`
}

// InfluxConfig holds the telemetry writer settings.
type InfluxConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	URL           string `mapstructure:"url"`
	Token         string `mapstructure:"token"`
	Org           string `mapstructure:"org"`
	Bucket        string `mapstructure:"bucket"`
	BatchSize     int    `mapstructure:"batch_size"`
	FlushInterval int    `mapstructure:"flush_interval"`
}

// StoreConfig holds the config-entry database settings.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig holds HTTP API settings.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// setDefaults registers every default value.
func setDefaults(v *viper.Viper) {
	v.SetDefault("nest.environment", EnvironmentProduction)
	v.SetDefault("nest.host", "")
	v.SetDefault("nest.client_id", "")
	v.SetDefault("nest.refresh_token", "")
	v.SetDefault("nest.issue_token", "")
	v.SetDefault("nest.cookies", "")
	v.SetDefault("nest.request_timeout", 30*time.Second)
	v.SetDefault("nest.subscribe_timeout", 24*time.Hour)

	loop := protect.DefaultLoopConfig()
	v.SetDefault("updates.service_cooldown", loop.ServiceCooldown)
	v.SetDefault("updates.unknown_cooldown", loop.UnknownCooldown)
	backoff := protect.DefaultBackoffConfig()
	v.SetDefault("updates.setup_initial_delay", backoff.InitialDelay)
	v.SetDefault("updates.setup_max_delay", backoff.MaxDelay)
	v.SetDefault("updates.setup_max_attempts", backoff.MaxAttempts)

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "nest-protect")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.discovery_prefix", "homeassistant")
	v.SetDefault("mqtt.base_topic", "nest-protect")
	v.SetDefault("mqtt.qos", 1)

	v.SetDefault("influx.enabled", false)
	v.SetDefault("influx.url", "http://localhost:8086")
	v.SetDefault("influx.token", "")
	v.SetDefault("influx.org", "")
	v.SetDefault("influx.bucket", "nest_protect")
	v.SetDefault("influx.batch_size", 100)
	v.SetDefault("influx.flush_interval", 10)

	v.SetDefault("store.path", "nest-protect.db")
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.level", "INFO")
}

// bindEnvironment enables environment variable overrides.
func bindEnvironment(v *viper.Viper) {
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	mustBindEnv(v, "nest.environment", "NEST_ENVIRONMENT")
	mustBindEnv(v, "nest.host", "NEST_HOST")
	mustBindEnv(v, "nest.client_id", "NEST_CLIENT_ID")
	mustBindEnv(v, "nest.refresh_token", "NEST_REFRESH_TOKEN")
	mustBindEnv(v, "nest.issue_token", "NEST_ISSUE_TOKEN")
	mustBindEnv(v, "nest.cookies", "NEST_COOKIES")
	mustBindEnv(v, "mqtt.enabled", "MQTT_ENABLED")
	mustBindEnv(v, "mqtt.broker", "MQTT_BROKER")
	mustBindEnv(v, "mqtt.username", "MQTT_USERNAME")
	mustBindEnv(v, "mqtt.password", "MQTT_PASSWORD")
	mustBindEnv(v, "influx.enabled", "INFLUX_ENABLED")
	mustBindEnv(v, "influx.url", "INFLUX_URL")
	mustBindEnv(v, "influx.token", "INFLUX_TOKEN")
	mustBindEnv(v, "influx.org", "INFLUX_ORG")
	mustBindEnv(v, "store.path", "NEST_PROTECT_DB")
	mustBindEnv(v, "server.port", "NEST_PROTECT_PORT")
	mustBindEnv(v, "logging.level", "NEST_PROTECT_LOG_LEVEL")
}

// read applies defaults, the config file and env bindings, then unmarshals.
func read(v *viper.Viper, configFile string) (*Config, error) {
	loadDotEnv()

	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	bindEnvironment(v)

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.Nest.Environment = strings.ToLower(strings.TrimSpace(cfg.Nest.Environment))
	return cfg, nil
}

// Load reads configFile, which may be empty, plus the environment and
// validates the result.
func Load(configFile string) (*Config, error) {
	return LoadWithViper(viper.New(), configFile)
}

// LoadWithViper is Load on a viper instance that already has flags bound.
func LoadWithViper(v *viper.Viper, configFile string) (*Config, error) {
	cfg, err := read(v, configFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadForDisplay is LoadWithViper without validation, so `nest-protect
// config` can print a configuration that would not start.
func LoadForDisplay(v *viper.Viper, configFile string) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	return read(v, configFile)
}

// MaskedConfig returns a copy with every secret passed through maskToken.
func (c *Config) MaskedConfig() Config {
	masked := *c
	masked.Nest.RefreshToken = maskToken(masked.Nest.RefreshToken)
	masked.Nest.IssueToken = maskToken(masked.Nest.IssueToken)
	masked.Nest.Cookies = maskToken(masked.Nest.Cookies)
	masked.MQTT.Password = maskToken(masked.MQTT.Password)
	masked.Influx.Token = maskToken(masked.Influx.Token)
	return masked
}

// maskToken keeps four characters on each end of a secret. Short secrets
// are hidden entirely and empty ones stay empty.
func maskToken(token string) string {
	const keep = 4
	switch {
	case token == "":
		return ""
	case len(token) <= 2*keep:
		return "****"
	}
	return token[:keep] + "****" + token[len(token)-keep:]
}

// validate checks that the configuration is consistent.
// Credentials are optional here because they may come from the entry store.
func (c *Config) validate() error {
	switch c.Nest.Environment {
	case EnvironmentProduction:
	case EnvironmentFieldTest:
		if c.Nest.Host == "" || c.Nest.ClientID == "" {
			return fmt.Errorf("nest.host and nest.client_id are required for the %s environment", EnvironmentFieldTest)
		}
	default:
		return fmt.Errorf("nest.environment must be %q or %q, got %q", EnvironmentProduction, EnvironmentFieldTest, c.Nest.Environment)
	}
	if c.Nest.IssueToken != "" && c.Nest.Cookies == "" {
		return fmt.Errorf("nest.cookies is required when nest.issue_token is set (set via NEST_COOKIES env var or config file)")
	}
	if c.Nest.RequestTimeout <= 0 || c.Nest.SubscribeTimeout <= 0 {
		return fmt.Errorf("nest.request_timeout and nest.subscribe_timeout must be positive")
	}
	if c.Updates.ServiceCooldown < 0 || c.Updates.UnknownCooldown < 0 {
		return fmt.Errorf("updates cool-downs must not be negative")
	}
	if c.Updates.SetupInitialDelay <= 0 || c.Updates.SetupMaxDelay < c.Updates.SetupInitialDelay {
		return fmt.Errorf("updates.setup_initial_delay must be positive and not exceed updates.setup_max_delay")
	}
	if c.Updates.SetupMaxAttempts < 0 {
		return fmt.Errorf("updates.setup_max_attempts must not be negative")
	}
	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
		}
	}
	if c.Influx.Enabled && (c.Influx.URL == "" || c.Influx.Token == "" || c.Influx.Org == "" || c.Influx.Bucket == "") {
		return fmt.Errorf("influx.url, influx.token, influx.org and influx.bucket are required when influx is enabled")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	return nil
}
