package config

import (
	"os"
	"strings"

	"github.com/go-faster/errors"
	"gopkg.in/yaml.v3"
)

// YAMLConfig represents the top-level keygate configuration file. Field names
// match the viper keys read by the CLI.
type YAMLConfig struct {
	Server  ServerConfig  `yaml:"server"`
	Store   StoreConfig   `yaml:"store"`
	Auth    AuthConfig    `yaml:"auth"`
	Log     LoggingConfig `yaml:"log"`
	DataDir string        `yaml:"data_dir,omitempty"`
}

// ServerConfig controls the HTTP server behavior.
type ServerConfig struct {
	Host            string   `yaml:"host"`
	Port            int      `yaml:"port"`
	ShutdownTimeout string   `yaml:"shutdown_timeout"`
	CORSOrigins     []string `yaml:"cors_origins"`
	RateLimit       int      `yaml:"rate_limit"` // admin requests per minute per IP, 0 disables
}

// StoreConfig selects the database backing the key store.
type StoreConfig struct {
	Driver       string `yaml:"driver"`
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// AuthConfig controls authentication settings.
type AuthConfig struct {
	// AdminSecret is the out-of-band root credential. Empty disables it.
	AdminSecret string `yaml:"admin_secret"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ExpandEnv replaces ${VAR_NAME} references in the string fields that may
// hold credentials. Viper reads the file verbatim, so callers expand after
// unmarshalling.
func (c *YAMLConfig) ExpandEnv() {
	c.Store.DSN = os.ExpandEnv(c.Store.DSN)
	c.Auth.AdminSecret = os.ExpandEnv(c.Auth.AdminSecret)
	c.DataDir = os.ExpandEnv(c.DataDir)
}

// Redacted returns a copy safe to print: the admin secret is masked and the
// DSN password, if any, is hidden.
func (c *YAMLConfig) Redacted() *YAMLConfig {
	out := *c
	out.Server.CORSOrigins = append([]string(nil), c.Server.CORSOrigins...)
	if out.Auth.AdminSecret != "" {
		out.Auth.AdminSecret = "********"
	}
	out.Store.DSN = redactDSN(out.Store.DSN)
	return &out
}

// Marshal encodes c as YAML.
func (c *YAMLConfig) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, errors.Wrap(err, "marshal config")
	}
	return data, nil
}

// redactDSN hides the password in URL-style DSNs (postgres://u:p@host) and
// in go-sql-driver style DSNs (u:p@tcp(host)/db).
func redactDSN(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	if at < 0 {
		return dsn
	}
	userinfo := dsn[:at]
	start := 0
	if i := strings.Index(userinfo, "://"); i >= 0 {
		start = i + len("://")
	}
	colon := strings.Index(userinfo[start:], ":")
	if colon < 0 {
		return dsn
	}
	return dsn[:start+colon+1] + "****" + dsn[at:]
}

// DefaultYAMLConfig returns a YAMLConfig pre-filled with sensible defaults.
func DefaultYAMLConfig() *YAMLConfig {
	return &YAMLConfig{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ShutdownTimeout: "30s",
			CORSOrigins:     []string{"*"},
			RateLimit:       120,
		},
		Store: StoreConfig{
			Driver: DriverSQLite,
		},
		Auth: AuthConfig{
			AdminSecret: "${KEYGATE_AUTH_ADMIN_SECRET}",
		},
		Log: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// WriteDefaultConfig writes the default configuration to a YAML file.
func WriteDefaultConfig(path string) error {
	data, err := DefaultYAMLConfig().Marshal()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return errors.Wrap(err, "write config file")
	}
	return nil
}
