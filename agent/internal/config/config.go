package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values applied when fields are absent from the config file and
// the environment.
const (
	DefaultServiceURL      = "https://ingest.pgsnap.dev"
	DefaultRequestTimeout  = 30 * time.Second
	DefaultDBUser          = "postgres"
	DefaultDBHost          = "/var/run/postgresql"
	DefaultDBPort          = 5432
	DefaultTimeoutSeconds  = 60
	DefaultSQLLength       = 10000
	DefaultStatementsLimit = 10000
	DefaultCollectorBinary = "pgmetrics"

	// TestIdentity replaces the API key in test mode, where no request ever
	// reaches the collection service.
	TestIdentity = "test-mode"

	// AllDatabases is the database selection keyword that collects every
	// database on the instance.
	AllDatabases = "all"
)

// DefaultOmit is the list of report sections left out of every snapshot.
var DefaultOmit = []string{"log"}

// Environment variables recognised by Load. They override the config file.
const (
	EnvAPIKey          = "PGSNAP_API_KEY"
	EnvServiceURL      = "PGSNAP_SERVICE_URL"
	EnvRequestTimeout  = "PGSNAP_REQUEST_TIMEOUT"
	EnvDBUser          = "PGSNAP_DB_USER"
	EnvDBPassword      = "PGSNAP_DB_PASSWORD"
	EnvDBHost          = "PGSNAP_DB_HOST"
	EnvDBPort          = "PGSNAP_DB_PORT"
	EnvDatabases       = "PGSNAP_DATABASES"
	EnvTimeout         = "PGSNAP_TIMEOUT"
	EnvOmit            = "PGSNAP_OMIT"
	EnvSQLLength       = "PGSNAP_SQL_LENGTH"
	EnvStatementsLimit = "PGSNAP_STATEMENTS_LIMIT"
	EnvCollectorBinary = "PGSNAP_COLLECTOR_BIN"
	EnvTempDir         = "PGSNAP_TEMP_DIR"
	EnvTestMode        = "PGSNAP_TEST"
	EnvMetricsAddr     = "PGSNAP_METRICS_ADDR"
)

// Config is the complete, immutable agent configuration. It is built once
// by Load and passed by value to every component.
type Config struct {
	// Identity is the API key sent to the collection service on every request.
	Identity string `yaml:"api_key"`

	// TestMode runs a single collection with no network calls and exits.
	TestMode bool `yaml:"test_mode"`

	// MetricsAddr is the listen address for /metrics and /healthz.
	// Empty disables the listener.
	MetricsAddr string `yaml:"metrics_addr"`

	Service  Service  `yaml:"service"`
	Database Database `yaml:"db"`
	Collect  Collect  `yaml:"collect"`
}

// Service describes the remote collection service.
type Service struct {
	// URL is the base address; endpoint paths are appended to it.
	URL string `yaml:"url"`

	// RequestTimeout bounds every individual HTTP exchange.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// Database holds the connection target handed to the collection tool.
type Database struct {
	User string `yaml:"user"`
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// Password is the literal password. Prefer PasswordEnv in files.
	Password string `yaml:"password"`

	// PasswordEnv names an environment variable holding the password.
	// It is resolved once by Load.
	PasswordEnv string `yaml:"password_env"`

	// Databases is either ["all"] (or empty) or an ordered list of names.
	Databases []string `yaml:"databases"`
}

// All reports whether every database on the instance is collected.
func (d Database) All() bool {
	names := d.Names()
	return len(names) == 0 || (len(names) == 1 && strings.EqualFold(names[0], AllDatabases))
}

// Names returns the explicit database list, trimmed, with empty entries
// removed. Order is preserved.
func (d Database) Names() []string {
	out := make([]string, 0, len(d.Databases))
	for _, n := range d.Databases {
		if n = strings.TrimSpace(n); n != "" {
			out = append(out, n)
		}
	}
	return out
}

// IsLocal reports whether the host is reached without a network password:
// a unix socket directory or the loopback interface.
func (d Database) IsLocal() bool {
	switch h := strings.TrimSpace(d.Host); {
	case h == "", strings.HasPrefix(h, "/"):
		return true
	case h == "localhost", h == "127.0.0.1", h == "::1":
		return true
	default:
		return false
	}
}

// Collect holds the tunables passed to the collection tool.
type Collect struct {
	// Binary is the path or name of the collection tool.
	Binary string `yaml:"binary"`

	// TempDir is where snapshot files are written before upload.
	TempDir string `yaml:"temp_dir"`

	// TimeoutSeconds is forwarded to the tool as its own query timeout.
	TimeoutSeconds int `yaml:"timeout"`

	// Omit lists report sections the tool should skip.
	Omit []string `yaml:"omit"`

	SQLLength       int `yaml:"sql_length"`
	StatementsLimit int `yaml:"statements_limit"`
}

// Override mutates a Config after the file and environment are applied and
// before validation. Command-line flags are applied this way.
type Override func(*Config)

// Load builds the configuration from defaults, the optional YAML file at
// path, the PGSNAP_* environment and the given overrides, then validates it.
//
// An empty path skips the file. A path that does not exist is an error.
func Load(path string, overrides ...Override) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse yaml: %w", err)
		}
	}

	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	for _, o := range overrides {
		o(cfg)
	}

	if cfg.Database.Password == "" && cfg.Database.PasswordEnv != "" {
		cfg.Database.Password = os.Getenv(cfg.Database.PasswordEnv)
	}
	if cfg.TestMode && cfg.Identity == "" {
		cfg.Identity = TestIdentity
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// FileExists reports whether path names an existing file. main uses it to
// treat a missing default config file as "no file".
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return !errors.Is(err, fs.ErrNotExist)
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		Service: Service{
			URL:            DefaultServiceURL,
			RequestTimeout: DefaultRequestTimeout,
		},
		Database: Database{
			User:      DefaultDBUser,
			Host:      DefaultDBHost,
			Port:      DefaultDBPort,
			Databases: []string{AllDatabases},
		},
		Collect: Collect{
			Binary:          DefaultCollectorBinary,
			TimeoutSeconds:  DefaultTimeoutSeconds,
			Omit:            append([]string(nil), DefaultOmit...),
			SQLLength:       DefaultSQLLength,
			StatementsLimit: DefaultStatementsLimit,
		},
	}
}

type lookupFunc func(string) (string, bool)

// applyEnv overlays PGSNAP_* variables on cfg. Malformed numbers are errors.
func applyEnv(cfg *Config, lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %q is not an integer", key, v)
		}
		*dst = n
		return nil
	}

	str(EnvAPIKey, &cfg.Identity)
	str(EnvServiceURL, &cfg.Service.URL)
	str(EnvDBUser, &cfg.Database.User)
	str(EnvDBPassword, &cfg.Database.Password)
	str(EnvDBHost, &cfg.Database.Host)
	str(EnvCollectorBinary, &cfg.Collect.Binary)
	str(EnvTempDir, &cfg.Collect.TempDir)
	str(EnvMetricsAddr, &cfg.MetricsAddr)

	if v, ok := lookup(EnvRequestTimeout); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvRequestTimeout, err)
		}
		cfg.Service.RequestTimeout = d
	}
	for key, dst := range map[string]*int{
		EnvDBPort:          &cfg.Database.Port,
		EnvTimeout:         &cfg.Collect.TimeoutSeconds,
		EnvSQLLength:       &cfg.Collect.SQLLength,
		EnvStatementsLimit: &cfg.Collect.StatementsLimit,
	} {
		if err := num(key, dst); err != nil {
			return err
		}
	}
	if v, ok := lookup(EnvDatabases); ok && v != "" {
		// Kept raw so an all-blank list is caught by validate.
		cfg.Database.Databases = strings.Split(v, ",")
	}
	if v, ok := lookup(EnvOmit); ok {
		cfg.Collect.Omit = splitList(v)
	}
	if v, ok := lookup(EnvTestMode); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %q is not a boolean", EnvTestMode, v)
		}
		cfg.TestMode = b
	}
	return nil
}

// splitList splits a comma-separated value, dropping empty entries.
func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// validate checks required fields and structural constraints.
func validate(cfg *Config) error {
	if cfg.Identity == "" && !cfg.TestMode {
		return fmt.Errorf("api_key is required (set %s)", EnvAPIKey)
	}
	if !cfg.TestMode {
		u, err := url.Parse(cfg.Service.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("service.url %q must be an absolute http or https URL", cfg.Service.URL)
		}
		if cfg.Service.RequestTimeout <= 0 {
			return fmt.Errorf("service.request_timeout must be positive")
		}
	}
	if cfg.Database.Port < 1 || cfg.Database.Port > 65535 {
		return fmt.Errorf("db.port %d out of range", cfg.Database.Port)
	}
	if cfg.Database.User == "" {
		return fmt.Errorf("db.user is required")
	}
	if !cfg.Database.IsLocal() && cfg.Database.Password == "" {
		return fmt.Errorf("db.password is required for non-local host %q (set %s)", cfg.Database.Host, EnvDBPassword)
	}
	if len(cfg.Database.Databases) > 0 && len(cfg.Database.Names()) == 0 {
		return fmt.Errorf("db.databases lists no usable names")
	}
	if cfg.Collect.Binary == "" {
		return fmt.Errorf("collect.binary is required")
	}
	if cfg.Collect.TimeoutSeconds <= 0 {
		return fmt.Errorf("collect.timeout must be positive")
	}
	if cfg.Collect.SQLLength <= 0 {
		return fmt.Errorf("collect.sql_length must be positive")
	}
	if cfg.Collect.StatementsLimit <= 0 {
		return fmt.Errorf("collect.statements_limit must be positive")
	}
	return nil
}
