package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Target       Target    `yaml:"target"`
	Migration    Migration `yaml:"migration"`
	LogDir       string    `yaml:"log_dir"`
	LogLevel     string    `yaml:"log_level"`
	ProgressFile string    `yaml:"progress_file"`
	MetricsAddr  string    `yaml:"metrics_addr"`
	ShowProgress bool      `yaml:"show_progress"`
	Interactive  bool      `yaml:"interactive"`
}

// Target represents the SQL Server connection settings
type Target struct {
	ConnString            string `yaml:"conn_string"`
	Database              string `yaml:"database"`
	ConnectTimeoutSeconds int    `yaml:"connect_timeout"`
}

// Migration represents migration-specific configuration
type Migration struct {
	IncludeEmptyTables  bool     `yaml:"include_empty_tables"`
	AlwaysIncludeTables []string `yaml:"always_include_tables"`
	SQLTimeoutSeconds   int      `yaml:"sql_timeout"`
	BatchSize           int      `yaml:"batch_size"`
	CSVDir              string   `yaml:"csv_dir"`
	CSVChunkSize        int      `yaml:"csv_chunk_size"`
	ScriptsDir          string   `yaml:"scripts_dir"`
	Resume              bool     `yaml:"resume"`
	SkipPKCreation      bool     `yaml:"skip_pk_creation"`
}

// Default returns the configuration before any file, environment or flag
// overrides are applied.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Target: Target{
			ConnectTimeoutSeconds: 30,
		},
		Migration: Migration{
			SQLTimeoutSeconds: 300,
			BatchSize:         100,
			CSVChunkSize:      50000,
			ScriptsDir:        "./sql_scripts",
		},
		ShowProgress: true,
	}
}

// Load loads configuration from file, environment and command line flags,
// in that order of precedence (flags win).
func Load(configFile string, flags *pflag.FlagSet) (*Config, error) {
	cfg := Default()

	// Load from YAML file if provided
	if configFile != "" {
		if err := loadFromFile(cfg, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := loadFromEnv(cfg, os.LookupEnv); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	// Override with command line flags
	if flags != nil {
		if err := loadFromFlags(cfg, flags); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	if cfg.Target.Database == "" {
		cfg.Target.Database = ParseDatabaseName(cfg.Target.ConnString)
	}

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment.
// Variables already set are left alone; a missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	return nil
}

func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

type lookupFunc func(string) (string, bool)

func loadFromEnv(cfg *Config, lookup lookupFunc) error {
	if v, ok := lookup("MSSQL_TARGET_CONN_STR"); ok && v != "" {
		cfg.Target.ConnString = v
	}
	if v, ok := lookup("MSSQL_TARGET_DB_NAME"); ok && v != "" {
		cfg.Target.Database = v
	}
	if v, ok := lookup("EJ_LOG_DIR"); ok && v != "" {
		cfg.LogDir = v
	}
	if v, ok := lookup("EJ_CSV_DIR"); ok && v != "" {
		cfg.Migration.CSVDir = v
	}
	if v, ok := lookup("INCLUDE_EMPTY_TABLES"); ok && v == "1" {
		cfg.Migration.IncludeEmptyTables = true
	}
	if v, ok := lookup("RESUME"); ok && v == "1" {
		cfg.Migration.Resume = true
	}
	if v, ok := lookup("SKIP_PK_CREATION"); ok && v == "1" {
		cfg.Migration.SkipPKCreation = true
	}
	if v, ok := lookup("PROGRESS_FILE"); ok && v != "" {
		cfg.ProgressFile = v
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"SQL_TIMEOUT", &cfg.Migration.SQLTimeoutSeconds},
		{"BATCH_SIZE", &cfg.Migration.BatchSize},
		{"CSV_CHUNK_SIZE", &cfg.Migration.CSVChunkSize},
	}
	for _, e := range ints {
		v, ok := lookup(e.key)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", e.key, err)
		}
		*e.dst = n
	}

	if v, ok := lookup("PROMETHEUS_PORT"); ok && v != "" {
		port, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("PROMETHEUS_PORT: %w", err)
		}
		cfg.MetricsAddr = fmt.Sprintf(":%d", port)
	}

	return nil
}

func loadFromFlags(cfg *Config, flags *pflag.FlagSet) error {
	if flags.Changed("conn-string") {
		cfg.Target.ConnString, _ = flags.GetString("conn-string")
	}
	if flags.Changed("database") {
		cfg.Target.Database, _ = flags.GetString("database")
	}
	if flags.Changed("connect-timeout") {
		cfg.Target.ConnectTimeoutSeconds, _ = flags.GetInt("connect-timeout")
	}
	if flags.Changed("include-empty") {
		cfg.Migration.IncludeEmptyTables, _ = flags.GetBool("include-empty")
	}
	if flags.Changed("always-include") {
		cfg.Migration.AlwaysIncludeTables, _ = flags.GetStringSlice("always-include")
	}
	if flags.Changed("sql-timeout") {
		cfg.Migration.SQLTimeoutSeconds, _ = flags.GetInt("sql-timeout")
	}
	if flags.Changed("batch-size") {
		cfg.Migration.BatchSize, _ = flags.GetInt("batch-size")
	}
	if flags.Changed("csv-dir") {
		cfg.Migration.CSVDir, _ = flags.GetString("csv-dir")
	}
	if flags.Changed("csv-chunk-size") {
		cfg.Migration.CSVChunkSize, _ = flags.GetInt("csv-chunk-size")
	}
	if flags.Changed("scripts-dir") {
		cfg.Migration.ScriptsDir, _ = flags.GetString("scripts-dir")
	}
	if flags.Changed("resume") {
		cfg.Migration.Resume, _ = flags.GetBool("resume")
	}
	if flags.Changed("skip-pk-creation") {
		cfg.Migration.SkipPKCreation, _ = flags.GetBool("skip-pk-creation")
	}
	if flags.Changed("log-dir") {
		cfg.LogDir, _ = flags.GetString("log-dir")
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
	if flags.Changed("progress-file") {
		cfg.ProgressFile, _ = flags.GetString("progress-file")
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr, _ = flags.GetString("metrics-addr")
	}
	if flags.Changed("show-progress") {
		cfg.ShowProgress, _ = flags.GetBool("show-progress")
	}
	if flags.Changed("interactive") {
		cfg.Interactive, _ = flags.GetBool("interactive")
	}

	return nil
}

func (c *Config) validate() error {
	if c.Target.ConnString == "" {
		return fmt.Errorf("target connection string is required (MSSQL_TARGET_CONN_STR)")
	}
	if c.Target.Database == "" {
		return fmt.Errorf("target database name is required")
	}
	if c.Migration.SQLTimeoutSeconds <= 0 {
		return fmt.Errorf("sql timeout must be positive")
	}
	if c.Migration.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.Migration.CSVChunkSize <= 0 {
		return fmt.Errorf("csv chunk size must be positive")
	}
	if c.Target.ConnectTimeoutSeconds <= 0 {
		return fmt.Errorf("connect timeout must be positive")
	}
	return nil
}

// SQLTimeout returns the per-statement timeout
func (c *Config) SQLTimeout() time.Duration {
	return time.Duration(c.Migration.SQLTimeoutSeconds) * time.Second
}

// ConnectTimeout returns the connectivity check timeout
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.Target.ConnectTimeoutSeconds) * time.Second
}

// ProgressPath returns the progress store path for a run named name. An
// explicit progress_file wins; otherwise <log_dir>/<name>_progress.json.
func (c *Config) ProgressPath(name string) string {
	if c.ProgressFile != "" {
		return c.ProgressFile
	}
	return filepath.Join(c.LogDir, name+"_progress.json")
}

// AlwaysInclude returns the override set, lowercased.
func (c *Config) AlwaysInclude() map[string]struct{} {
	set := make(map[string]struct{}, len(c.Migration.AlwaysIncludeTables))
	for _, t := range c.Migration.AlwaysIncludeTables {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			set[t] = struct{}{}
		}
	}
	return set
}

// ParseDatabaseName extracts the database (or initial catalog) value from
// an ODBC or ADO style connection string, or from the query of a
// sqlserver:// URL.
func ParseDatabaseName(conn string) string {
	if len(conn) >= len("sqlserver://") && strings.EqualFold(conn[:len("sqlserver://")], "sqlserver://") {
		u, err := url.Parse(conn)
		if err != nil {
			return ""
		}
		for k, vs := range u.Query() {
			switch strings.ToLower(k) {
			case "database", "initial catalog":
				if len(vs) > 0 {
					return vs[0]
				}
			}
		}
		return ""
	}

	for _, part := range strings.Split(conn, ";") {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(k)) {
		case "database", "initial catalog":
			return strings.Trim(strings.TrimSpace(v), "{}")
		}
	}
	return ""
}
