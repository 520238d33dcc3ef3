// Package config loads server settings from flags, environment and an
// optional YAML file through viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. SETTLE_STORE_DRIVER
const EnvPrefix = "SETTLE"

// Store drivers
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverDynamoDB = "dynamodb"
	DriverPostgres = "postgres"
)

// Config is the complete server configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Store     StoreConfig     `mapstructure:"store"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Processor ProcessorConfig `mapstructure:"processor"`
}

// ServerConfig controls the HTTP listener
type ServerConfig struct {
	Port string `mapstructure:"port"`
	// Env is "production" for JSON logs and gin release mode
	Env string `mapstructure:"env"`
}

// LogConfig controls zerolog
type LogConfig struct {
	Debug bool `mapstructure:"debug"`
}

// StoreConfig selects and configures the settlement store
type StoreConfig struct {
	Driver           string `mapstructure:"driver"`
	SQLitePath       string `mapstructure:"sqlite_path"`
	DynamoDBTable    string `mapstructure:"dynamodb_table"`
	DynamoDBEndpoint string `mapstructure:"dynamodb_endpoint"`
	DynamoDBRegion   string `mapstructure:"dynamodb_region"`
	PostgresDSN      string `mapstructure:"postgres_dsn"`
}

// RateLimitConfig is per client IP; zero disables a class
type RateLimitConfig struct {
	ReadPerMinute  int `mapstructure:"read_per_minute"`
	WritePerMinute int `mapstructure:"write_per_minute"`
}

// ProcessorConfig controls the status snapshot loop
type ProcessorConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// IsProduction reports whether the server runs in production mode
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

// Addr is the listen address
func (c *Config) Addr() string {
	return ":" + c.Server.Port
}

// Default returns the configuration used when nothing is overridden
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8080",
			Env:  "development",
		},
		Store: StoreConfig{
			Driver:         DriverMemory,
			SQLitePath:     "settlements.db",
			DynamoDBTable:  "settlements",
			DynamoDBRegion: "us-east-1",
		},
		RateLimit: RateLimitConfig{
			ReadPerMinute:  600,
			WritePerMinute: 120,
		},
		Processor: ProcessorConfig{
			Interval: time.Minute,
		},
	}
}

// SetDefaults registers defaults and environment bindings on v
func SetDefaults(v *viper.Viper) {
	defaults := Default()

	v.SetDefault("server.port", defaults.Server.Port)
	v.SetDefault("server.env", defaults.Server.Env)
	v.SetDefault("log.debug", defaults.Log.Debug)

	v.SetDefault("store.driver", defaults.Store.Driver)
	v.SetDefault("store.sqlite_path", defaults.Store.SQLitePath)
	v.SetDefault("store.dynamodb_table", defaults.Store.DynamoDBTable)
	v.SetDefault("store.dynamodb_endpoint", defaults.Store.DynamoDBEndpoint)
	v.SetDefault("store.dynamodb_region", defaults.Store.DynamoDBRegion)
	v.SetDefault("store.postgres_dsn", defaults.Store.PostgresDSN)

	v.SetDefault("ratelimit.read_per_minute", defaults.RateLimit.ReadPerMinute)
	v.SetDefault("ratelimit.write_per_minute", defaults.RateLimit.WritePerMinute)

	v.SetDefault("processor.interval", defaults.Processor.Interval)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Unprefixed names used by existing deployment scripts
	_ = v.BindEnv("server.port", EnvPrefix+"_SERVER_PORT", "PORT")
	_ = v.BindEnv("server.env", EnvPrefix+"_SERVER_ENV", "ENV")
	_ = v.BindEnv("log.debug", EnvPrefix+"_LOG_DEBUG", "DEBUG")
	_ = v.BindEnv("store.postgres_dsn", EnvPrefix+"_STORE_POSTGRES_DSN", "DATABASE_URL")
}

// Load reads the configuration from v into a Config and validates it
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// ValidationError is a single invalid setting
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects every invalid setting
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidDrivers lists the accepted store.driver values
func ValidDrivers() []string {
	return []string{DriverMemory, DriverSQLite, DriverDynamoDB, DriverPostgres}
}

// Validate returns every invalid setting
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError

	if strings.TrimSpace(c.Server.Port) == "" {
		errs = append(errs, ValidationError{Field: "server.port", Value: c.Server.Port, Message: "must not be empty"})
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Store.SQLitePath == "" {
			errs = append(errs, ValidationError{Field: "store.sqlite_path", Value: c.Store.SQLitePath, Message: "required for the sqlite driver"})
		}
	case DriverDynamoDB:
		if c.Store.DynamoDBTable == "" {
			errs = append(errs, ValidationError{Field: "store.dynamodb_table", Value: c.Store.DynamoDBTable, Message: "required for the dynamodb driver"})
		}
	case DriverPostgres:
		if strings.TrimSpace(c.Store.PostgresDSN) == "" {
			errs = append(errs, ValidationError{Field: "store.postgres_dsn", Value: c.Store.PostgresDSN, Message: "required for the postgres driver"})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "store.driver",
			Value:   c.Store.Driver,
			Message: fmt.Sprintf("must be one of %s", strings.Join(ValidDrivers(), ", ")),
		})
	}

	if c.RateLimit.ReadPerMinute < 0 {
		errs = append(errs, ValidationError{Field: "ratelimit.read_per_minute", Value: c.RateLimit.ReadPerMinute, Message: "must not be negative"})
	}
	if c.RateLimit.WritePerMinute < 0 {
		errs = append(errs, ValidationError{Field: "ratelimit.write_per_minute", Value: c.RateLimit.WritePerMinute, Message: "must not be negative"})
	}

	if c.Processor.Interval <= 0 {
		errs = append(errs, ValidationError{Field: "processor.interval", Value: c.Processor.Interval, Message: "must be positive"})
	}

	return errs
}
