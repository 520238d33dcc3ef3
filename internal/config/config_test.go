package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func newViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	return v
}

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "ENV", "DEBUG", "DATABASE_URL"} {
		t.Setenv(key, "")
	}

	cfg, err := Load(newViper())
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
	require.Equal(t, ":8080", cfg.Addr())
	require.False(t, cfg.IsProduction())
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("SETTLE_STORE_DRIVER", "sqlite")
	t.Setenv("SETTLE_STORE_SQLITE_PATH", "/tmp/negotiations.db")
	t.Setenv("SETTLE_RATELIMIT_WRITE_PER_MINUTE", "5")
	t.Setenv("SETTLE_PROCESSOR_INTERVAL", "30s")

	cfg, err := Load(newViper())
	require.NoError(t, err)
	require.Equal(t, DriverSQLite, cfg.Store.Driver)
	require.Equal(t, "/tmp/negotiations.db", cfg.Store.SQLitePath)
	require.Equal(t, 5, cfg.RateLimit.WritePerMinute)
	require.Equal(t, 30*time.Second, cfg.Processor.Interval)
}

func TestLoadHonoursUnprefixedVariables(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("ENV", "production")
	t.Setenv("DEBUG", "true")

	cfg, err := Load(newViper())
	require.NoError(t, err)
	require.Equal(t, "9090", cfg.Server.Port)
	require.True(t, cfg.IsProduction())
	require.True(t, cfg.Log.Debug)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settlement.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: "7000"
store:
  driver: dynamodb
  dynamodb_table: negotiations
  dynamodb_endpoint: http://localhost:8000
`), 0o600))

	v := newViper()
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())

	cfg, err := Load(v)
	require.NoError(t, err)
	require.Equal(t, "7000", cfg.Server.Port)
	require.Equal(t, DriverDynamoDB, cfg.Store.Driver)
	require.Equal(t, "negotiations", cfg.Store.DynamoDBTable)
	require.Equal(t, "http://localhost:8000", cfg.Store.DynamoDBEndpoint)
	require.Equal(t, "us-east-1", cfg.Store.DynamoDBRegion)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	v := newViper()
	v.Set("store.driver", "mysql")
	v.Set("ratelimit.read_per_minute", -1)
	v.Set("processor.interval", "0s")

	_, err := Load(v)
	require.Error(t, err)

	var errs ValidationErrors
	require.ErrorAs(t, err, &errs)
	require.Len(t, errs, 3)
	require.Equal(t, "store.driver", errs[0].Field)
	require.Contains(t, err.Error(), "3 validation errors")
}

func TestValidateDriverRequirements(t *testing.T) {
	cfg := Default()
	cfg.Store.Driver = DriverSQLite
	cfg.Store.SQLitePath = ""
	errs := cfg.Validate()
	require.Len(t, errs, 1)
	require.Equal(t, "store.sqlite_path", errs[0].Field)

	cfg = Default()
	cfg.Store.Driver = DriverDynamoDB
	cfg.Store.DynamoDBTable = ""
	errs = cfg.Validate()
	require.Len(t, errs, 1)
	require.Equal(t, "store.dynamodb_table", errs[0].Field)

	cfg = Default()
	cfg.Store.Driver = DriverPostgres
	errs = cfg.Validate()
	require.Len(t, errs, 1)
	require.Equal(t, "store.postgres_dsn", errs[0].Field)

	cfg.Store.PostgresDSN = "postgres://settle@localhost:5432/settle"
	require.Empty(t, cfg.Validate())
}

func TestLoadPostgresFromDatabaseURL(t *testing.T) {
	t.Setenv("SETTLE_STORE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "postgres://settle@db:5432/settle")

	cfg, err := Load(newViper())
	require.NoError(t, err)
	require.Equal(t, DriverPostgres, cfg.Store.Driver)
	require.Equal(t, "postgres://settle@db:5432/settle", cfg.Store.PostgresDSN)
}

func TestValidationErrorMessage(t *testing.T) {
	err := ValidationErrors{{Field: "server.port", Value: "", Message: "must not be empty"}}
	require.Equal(t, "server.port: must not be empty (got: )", err.Error())
}
