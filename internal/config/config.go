// Package config resolves pgcopydb's configuration from defaults, an
// optional TOML file, environment variables, connection URIs, and CLI flags,
// applied in that order so that each later source overrides the earlier ones
// (flags winning last).
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/jackc/pgx/v5/pgconn"
)

// DatabaseConfig holds connection parameters for one PostgreSQL endpoint.
type DatabaseConfig struct {
	Host     string
	Port     uint16
	User     string
	Password string
	DBName   string
	RawURI   string
}

// ParseURI parses a postgres:// connection URI into the DatabaseConfig fields.
func (d *DatabaseConfig) ParseURI(uri string) error {
	u, err := url.Parse(uri)
	if err != nil {
		return fmt.Errorf("invalid connection URI: %w", err)
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return fmt.Errorf("unsupported URI scheme %q (expected postgres or postgresql)", u.Scheme)
	}

	d.RawURI = uri
	if u.Hostname() != "" {
		d.Host = u.Hostname()
	}
	if u.Port() != "" {
		p, err := strconv.ParseUint(u.Port(), 10, 16)
		if err != nil {
			return fmt.Errorf("invalid port in URI: %w", err)
		}
		d.Port = uint16(p)
	}
	if u.User != nil {
		if username := u.User.Username(); username != "" {
			d.User = username
		}
		if password, ok := u.User.Password(); ok {
			d.Password = password
		}
	}
	if dbname := trimLeadingSlash(u.Path); dbname != "" {
		d.DBName = dbname
	}
	return nil
}

func trimLeadingSlash(p string) string {
	if len(p) > 0 && p[0] == '/' {
		return p[1:]
	}
	return p
}

// DSN returns a standard connection string suitable for pgx.Connect.
func (d DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   d.DBName,
	}
	return u.String()
}

// ReplicationDSN returns a connection string with replication=database set,
// the form required to issue CREATE_REPLICATION_SLOT / START_REPLICATION.
func (d DatabaseConfig) ReplicationDSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.User, d.Password),
		Host:     fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:     d.DBName,
		RawQuery: "replication=database",
	}
	return u.String()
}

// ParseConfig returns a *pgconn.Config derived from the DSN, used by
// components that need low-level pgconn access (C2, C8).
func (d DatabaseConfig) ParseConfig() (*pgconn.Config, error) {
	return pgconn.ParseConfig(d.DSN())
}

// FilterConfig controls the namespace-aware inclusion filters of spec §4.3.
type FilterConfig struct {
	IncludeOnlySchema []string
	ExcludeSchema     []string
	IncludeOnlyTable  []string
	ExcludeTable      []string
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "console" or "json"
}

// Config is the top-level, fully-resolved configuration for a pgcopydb run.
type Config struct {
	Source DatabaseConfig
	Target DatabaseConfig

	TableJobs      int
	IndexJobs      int
	DropIfExists   bool
	SkipExtensions bool
	EndPos         string // textual LSN, parsed by callers via pglogrepl.ParseLSN
	Origin         string
	Plugin         string // wal2json | test_decoding | pgoutput
	Restart        bool
	Resume         bool
	Notice         bool
	StrictDecode   bool
	SlotName       string

	Filters FilterConfig
	Logging LoggingConfig

	WorkDir string
}

// Defaults returns a Config pre-populated with spec-documented defaults.
func Defaults() Config {
	return Config{
		TableJobs: 4,
		IndexJobs: 4,
		Plugin:    "pgoutput",
		Origin:    "pgcopydb",
		SlotName:  "pgcopydb",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// fileConfig mirrors the subset of Config that may come from a TOML file.
type fileConfig struct {
	TableJobs      int           `toml:"table_jobs"`
	IndexJobs      int           `toml:"index_jobs"`
	Plugin         string        `toml:"plugin"`
	Origin         string        `toml:"origin"`
	SlotName       string        `toml:"slot_name"`
	SkipExtensions bool          `toml:"skip_extensions"`
	Logging        LoggingConfig `toml:"logging"`
}

// LoadFile merges a TOML config file (if found) into cfg. A missing file is
// not an error; findConfigFile mirrors the teacher's appconfig lookup order.
func LoadFile(cfg *Config, explicitPath string) error {
	path := explicitPath
	if path == "" {
		path = findConfigFile()
	}
	if path == "" {
		return nil
	}

	var fc fileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	if fc.TableJobs > 0 {
		cfg.TableJobs = fc.TableJobs
	}
	if fc.IndexJobs > 0 {
		cfg.IndexJobs = fc.IndexJobs
	}
	if fc.Plugin != "" {
		cfg.Plugin = fc.Plugin
	}
	if fc.Origin != "" {
		cfg.Origin = fc.Origin
	}
	if fc.SlotName != "" {
		cfg.SlotName = fc.SlotName
	}
	cfg.SkipExtensions = cfg.SkipExtensions || fc.SkipExtensions
	if fc.Logging.Level != "" {
		cfg.Logging.Level = fc.Logging.Level
	}
	if fc.Logging.Format != "" {
		cfg.Logging.Format = fc.Logging.Format
	}
	return nil
}

func findConfigFile() string {
	candidates := []string{}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		candidates = append(candidates, filepath.Join(xdg, "pgcopydb", "config.toml"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".pgcopydb", "config.toml"))
	}
	candidates = append(candidates, "/etc/pgcopydb/config.toml")

	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// ApplyEnv overlays PGCOPYDB_* environment variables onto cfg, the
// environment surface documented in spec §6.
func ApplyEnv(cfg *Config) error {
	if v := os.Getenv("PGCOPYDB_SOURCE_PGURI"); v != "" {
		if err := cfg.Source.ParseURI(v); err != nil {
			return fmt.Errorf("PGCOPYDB_SOURCE_PGURI: %w", err)
		}
	}
	if v := os.Getenv("PGCOPYDB_TARGET_PGURI"); v != "" {
		if err := cfg.Target.ParseURI(v); err != nil {
			return fmt.Errorf("PGCOPYDB_TARGET_PGURI: %w", err)
		}
	}
	if v := os.Getenv("PGCOPYDB_TABLE_JOBS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PGCOPYDB_TABLE_JOBS: %w", err)
		}
		cfg.TableJobs = n
	}
	if v := os.Getenv("PGCOPYDB_INDEX_JOBS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PGCOPYDB_INDEX_JOBS: %w", err)
		}
		cfg.IndexJobs = n
	}
	return nil
}

// WorkDirBase returns the root directory under which per-run work
// directories are created, honoring XDG_DATA_HOME per spec §6.
func WorkDirBase() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "pgcopydb")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "pgcopydb")
	}
	return filepath.Join(home, ".local", "share", "pgcopydb")
}

// Validate checks required fields and normalizes defaults, mirroring the
// teacher's errors.Join aggregation style.
func (c *Config) Validate() error {
	var errs []error

	if c.Source.Host == "" {
		errs = append(errs, errors.New("source host is required (--source or PGCOPYDB_SOURCE_PGURI)"))
	}
	if c.Source.DBName == "" {
		errs = append(errs, errors.New("source database name is required"))
	}
	if c.Target.Host == "" {
		errs = append(errs, errors.New("target host is required (--target or PGCOPYDB_TARGET_PGURI)"))
	}
	if c.Target.DBName == "" {
		errs = append(errs, errors.New("target database name is required"))
	}
	switch c.Plugin {
	case "wal2json", "test_decoding", "pgoutput", "":
	default:
		errs = append(errs, fmt.Errorf("unsupported --plugin %q", c.Plugin))
	}
	if c.Restart && c.Resume {
		errs = append(errs, errors.New("--restart and --resume are mutually exclusive"))
	}
	if c.TableJobs < 1 {
		c.TableJobs = 4
	}
	if c.IndexJobs < 1 {
		c.IndexJobs = 4
	}
	if c.Plugin == "" {
		c.Plugin = "pgoutput"
	}

	return errors.Join(errs...)
}
