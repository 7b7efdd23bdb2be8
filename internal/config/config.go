package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"taskcal/internal/ics"
	"taskcal/internal/recur"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password,omitempty" json:"password,omitempty"`
	DB       int    `yaml:"db" json:"db"`
	Prefix   string `yaml:"prefix" json:"prefix"`
}

type SQLiteConfig struct {
	Path string `yaml:"path" json:"path"`
}

type LogConfig struct {
	Level string `yaml:"level" json:"level"`
	// File, when set, receives the log through a size-rotated writer.
	File string `yaml:"file,omitempty" json:"file,omitempty"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA zone that decides what "today" is and where
	// occurrence start times are placed.
	Timezone string `yaml:"timezone" json:"timezone"`

	// Backend selects the data source: memory, redis or sqlite.
	Backend string       `yaml:"backend" json:"backend"`
	Redis   RedisConfig  `yaml:"redis" json:"redis"`
	SQLite  SQLiteConfig `yaml:"sqlite" json:"sqlite"`

	// Horizon caps the steps expanded for a rule without a count.
	Horizon int `yaml:"horizon" json:"horizon"`

	// MonthDayOverflow decides what happens to day 29-31 in shorter months:
	// rollover, skip or clamp.
	MonthDayOverflow string `yaml:"month_day_overflow" json:"month_day_overflow"`

	// MonthDayFilter decides which monthly day-list dates are kept: anchor
	// (on or after the start's day-of-month), start (on or after the series
	// start) or strict (strictly after the advancing start date).
	MonthDayFilter string `yaml:"month_day_filter" json:"month_day_filter"`

	// MergeSameDescription collapses same-text reminders in each bucket.
	MergeSameDescription bool `yaml:"merge_same_description" json:"merge_same_description"`

	// RolloverCron recomputes every view so buckets follow the date.
	RolloverCron string `yaml:"rollover_cron" json:"rollover_cron"`
	// ImportCron refreshes the subscribed timetable feeds.
	ImportCron string `yaml:"import_cron" json:"import_cron"`

	// CacheDir stores downloaded feeds.
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`

	Feeds []ics.Feed `yaml:"feeds" json:"feeds"`

	// Users are tracked from startup; others are tracked on first request.
	Users []string `yaml:"users" json:"users"`

	Log LogConfig `yaml:"log" json:"log"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all
	// endpoints except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:               "127.0.0.1:8080",
		Timezone:             "Asia/Seoul",
		Backend:              BackendSQLite,
		Redis:                RedisConfig{Addr: "127.0.0.1:6379", Prefix: "taskcal"},
		SQLite:               SQLiteConfig{Path: "./var/taskcal.db"},
		Horizon:              recur.DefaultHorizon,
		MonthDayOverflow:     string(recur.OverflowRollover),
		MonthDayFilter:       string(recur.MonthFilterAnchor),
		MergeSameDescription: true,
		RolloverCron:         "0 0 * * *",
		ImportCron:           "*/30 * * * *",
		CacheDir:             "./var/ics-cache",
		Feeds:                []ics.Feed{},
		Users:                []string{},
		Log:                  LogConfig{Level: "info"},
	}
}

// Normalize fills in missing/zero values so partially-filled configs
// still behave correctly.
func (c *Config) Normalize() {
	def := DefaultConfig()
	if c.Listen == "" {
		c.Listen = def.Listen
	}
	if c.Timezone == "" {
		c.Timezone = def.Timezone
	}
	if c.Backend == "" {
		c.Backend = def.Backend
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = def.Redis.Addr
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = def.Redis.Prefix
	}
	if c.SQLite.Path == "" {
		c.SQLite.Path = def.SQLite.Path
	}
	if c.Horizon <= 0 {
		c.Horizon = def.Horizon
	}
	if c.MonthDayOverflow == "" {
		c.MonthDayOverflow = def.MonthDayOverflow
	}
	if c.MonthDayFilter == "" {
		c.MonthDayFilter = def.MonthDayFilter
	}
	if c.RolloverCron == "" {
		c.RolloverCron = def.RolloverCron
	}
	if c.ImportCron == "" {
		c.ImportCron = def.ImportCron
	}
	if c.CacheDir == "" {
		c.CacheDir = def.CacheDir
	}
	if c.Feeds == nil {
		c.Feeds = []ics.Feed{}
	}
	if c.Users == nil {
		c.Users = []string{}
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
}

// Validate reports settings that cannot work.
func (c *Config) Validate() error {
	var errs []error
	switch c.Backend {
	case BackendMemory, BackendRedis, BackendSQLite:
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q", c.Backend))
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone: %w", err))
	}
	if _, err := recur.ParseOverflow(c.MonthDayOverflow); err != nil {
		errs = append(errs, err)
	}
	if _, err := recur.ParseMonthFilter(c.MonthDayFilter); err != nil {
		errs = append(errs, err)
	}
	seen := make(map[string]bool)
	for i, f := range c.Feeds {
		if f.ID == "" || f.URL == "" || f.UID == "" {
			errs = append(errs, fmt.Errorf("feed %d: id, url and uid are required", i))
		}
		if seen[f.ID] {
			errs = append(errs, fmt.Errorf("feed %d: duplicate id %q", i, f.ID))
		}
		seen[f.ID] = true
	}
	return errors.Join(errs...)
}

// Location loads the configured timezone.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

// RecurOptions builds the expansion options.
func (c *Config) RecurOptions() (recur.Options, error) {
	overflow, err := recur.ParseOverflow(c.MonthDayOverflow)
	if err != nil {
		return recur.Options{}, err
	}
	filter, err := recur.ParseMonthFilter(c.MonthDayFilter)
	if err != nil {
		return recur.Options{}, err
	}
	return recur.Options{
		Overflow:    overflow,
		Horizon:     c.Horizon,
		MonthFilter: filter,
	}, nil
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist, a default config is written with 0600
//     perms and returned.
//   - Otherwise the YAML is read over the defaults, so keys missing from the
//     file keep their default values, and the result is normalized.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Normalize()
	return cfg, nil
}

// Save writes cfg to path atomically (temp file + rename) with 0600 perms,
// creating the parent directory with 0700.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}
	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".taskcal-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Save is a convenience method delegating to the package-level Save.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
