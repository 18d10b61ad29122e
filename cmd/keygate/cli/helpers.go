package cli

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-faster/errors"
	"github.com/spf13/viper"

	"github.com/keygate/keygate/internal/config"
	"github.com/keygate/keygate/internal/telemetry"
)

// dataDir holds the --data-dir persistent flag value (set on root command).
var dataDir string

// resolveDataDir returns the data directory from --data-dir,
// KEYGATE_DATA_DIR or the config file, with ~/.keygate as fallback.
func resolveDataDir() string {
	if dir := os.ExpandEnv(viper.GetString("data_dir")); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".keygate")
}

// effectiveConfig assembles the configuration from viper's layers (flags,
// environment, config file, defaults) with ${VAR} references expanded.
func effectiveConfig() *config.YAMLConfig {
	cfg := &config.YAMLConfig{
		Server: config.ServerConfig{
			Host:            viper.GetString("server.host"),
			Port:            viper.GetInt("server.port"),
			ShutdownTimeout: viper.GetString("server.shutdown_timeout"),
			CORSOrigins:     viper.GetStringSlice("server.cors_origins"),
			RateLimit:       viper.GetInt("server.rate_limit"),
		},
		Store: config.StoreConfig{
			Driver:       viper.GetString("store.driver"),
			DSN:          viper.GetString("store.dsn"),
			MaxOpenConns: viper.GetInt("store.max_open_conns"),
		},
		Auth: config.AuthConfig{
			AdminSecret: viper.GetString("auth.admin_secret"),
		},
		Log: config.LoggingConfig{
			Level:  viper.GetString("log.level"),
			Format: viper.GetString("log.format"),
		},
		DataDir: resolveDataDir(),
	}
	cfg.ExpandEnv()
	return cfg
}

// newLogger builds the process logger from the log.* settings.
func newLogger(w io.Writer, cfg *config.YAMLConfig) *slog.Logger {
	return telemetry.NewLogger(w, cfg.Log.Format, cfg.Log.Level)
}

// openStore opens the key store described by cfg. SQLite without a DSN
// lives in the data directory.
func openStore(cfg *config.YAMLConfig, logger *slog.Logger) (*config.Store, error) {
	driver, err := config.NormalizeDriver(cfg.Store.Driver)
	if err != nil {
		return nil, err
	}

	dsn := cfg.Store.DSN
	if driver == config.DriverSQLite && dsn == "" {
		if dsn, err = config.SQLiteDSN(cfg.DataDir); err != nil {
			return nil, err
		}
	} else if dsn == "" {
		return nil, errors.Errorf("store.dsn is required for the %s driver", driver)
	}

	store, err := config.Open(config.Options{
		Driver:       driver,
		DSN:          dsn,
		MaxOpenConns: cfg.Store.MaxOpenConns,
		Logger:       logger,
	})
	if err != nil {
		return nil, errors.Wrap(err, "open key store")
	}
	return store, nil
}

// openStoreQuiet opens the store for one-shot CLI commands, logging only
// warnings and above to stderr.
func openStoreQuiet() (*config.Store, error) {
	cfg := effectiveConfig()
	cfg.Log.Level = "warn"
	return openStore(cfg, newLogger(os.Stderr, cfg))
}

// versionString returns a display version string.
func versionString() string {
	if appVersion == "" || appVersion == "dev" {
		return "dev"
	}
	if strings.HasPrefix(appVersion, "v") {
		return appVersion
	}
	return "v" + appVersion
}
