package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Settings holds all service configuration. Values come from an optional
// YAML file (TERMSHARE_CONFIG_FILE) overlaid by environment variables with
// the TERMSHARE_ prefix.
type Settings struct {
	ListenAddr string `envconfig:"LISTEN_ADDR" yaml:"listen_addr" default:":8000"`
	DataPath   string `envconfig:"DATA_PATH" yaml:"data_path" default:"/app/data"`
	LogPath    string `envconfig:"LOG_PATH" yaml:"log_path" default:""`

	// Durable snapshot cache (Redis). Empty RedisAddr disables persistence
	// and the service runs in-memory only.
	RedisAddr         string `envconfig:"REDIS_ADDR" yaml:"redis_addr" default:"localhost:6379"`
	SnapshotKeyPrefix string `envconfig:"SNAPSHOT_KEY_PREFIX" yaml:"snapshot_key_prefix" default:"termshare:sessions:"`

	// Audit log database (SQLite). Empty disables auditing.
	AuditDBPath        string `envconfig:"AUDIT_DB_PATH" yaml:"audit_db_path" default:"/app/data/termshare.db"`
	AuditRetentionDays int    `envconfig:"AUDIT_RETENTION_DAYS" yaml:"audit_retention_days" default:"90"`

	// Session lifecycle settings
	IdleTimeout  string `envconfig:"IDLE_TIMEOUT" yaml:"idle_timeout" default:"30m"`
	ReapSchedule string `envconfig:"REAP_SCHEDULE" yaml:"reap_schedule" default:"@every 1m"`

	// Output broadcaster settings
	PollTimeout  string `envconfig:"POLL_TIMEOUT" yaml:"poll_timeout" default:"1s"`
	PollMaxBytes int    `envconfig:"POLL_MAX_BYTES" yaml:"poll_max_bytes" default:"32768"`

	// Transport pool settings
	PoolMaxEntries int    `envconfig:"POOL_MAX_ENTRIES" yaml:"pool_max_entries" default:"32"`
	ConnectTimeout string `envconfig:"CONNECT_TIMEOUT" yaml:"connect_timeout" default:"30s"`
}

var Cfg Settings

// Load populates Cfg from the optional YAML file and the environment.
// Environment variables override file values, which override struct defaults.
func Load() {
	if err := LoadInto(&Cfg, os.Getenv("TERMSHARE_CONFIG_FILE")); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}

// LoadInto fills s from defaults, then the YAML file at path (if non-empty),
// then TERMSHARE_* environment variables.
func LoadInto(s *Settings, path string) error {
	// envconfig applies struct-tag defaults for unset env vars, so run it
	// first to establish the baseline, then let the file override defaults,
	// then re-apply the environment on top.
	if err := envconfig.Process("TERMSHARE", s); err != nil {
		return err
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, s); err != nil {
			return fmt.Errorf("parse config file %s: %w", path, err)
		}
		var env Settings
		if err := envconfig.Process("TERMSHARE", &env); err != nil {
			return err
		}
		overlayEnv(s, &env)
	}
	return nil
}

// overlayEnv copies explicitly-set environment values over file values.
func overlayEnv(s, env *Settings) {
	for _, v := range []struct {
		key string
		dst *string
		src string
	}{
		{"TERMSHARE_LISTEN_ADDR", &s.ListenAddr, env.ListenAddr},
		{"TERMSHARE_DATA_PATH", &s.DataPath, env.DataPath},
		{"TERMSHARE_LOG_PATH", &s.LogPath, env.LogPath},
		{"TERMSHARE_REDIS_ADDR", &s.RedisAddr, env.RedisAddr},
		{"TERMSHARE_SNAPSHOT_KEY_PREFIX", &s.SnapshotKeyPrefix, env.SnapshotKeyPrefix},
		{"TERMSHARE_AUDIT_DB_PATH", &s.AuditDBPath, env.AuditDBPath},
		{"TERMSHARE_IDLE_TIMEOUT", &s.IdleTimeout, env.IdleTimeout},
		{"TERMSHARE_REAP_SCHEDULE", &s.ReapSchedule, env.ReapSchedule},
		{"TERMSHARE_POLL_TIMEOUT", &s.PollTimeout, env.PollTimeout},
		{"TERMSHARE_CONNECT_TIMEOUT", &s.ConnectTimeout, env.ConnectTimeout},
	} {
		if _, ok := os.LookupEnv(v.key); ok {
			*v.dst = v.src
		}
	}
	if _, ok := os.LookupEnv("TERMSHARE_AUDIT_RETENTION_DAYS"); ok {
		s.AuditRetentionDays = env.AuditRetentionDays
	}
	if _, ok := os.LookupEnv("TERMSHARE_POLL_MAX_BYTES"); ok {
		s.PollMaxBytes = env.PollMaxBytes
	}
	if _, ok := os.LookupEnv("TERMSHARE_POOL_MAX_ENTRIES"); ok {
		s.PoolMaxEntries = env.PoolMaxEntries
	}
}

// IdleTimeoutDuration parses IdleTimeout, falling back to 30 minutes.
func (s Settings) IdleTimeoutDuration() time.Duration {
	return parseDuration(s.IdleTimeout, 30*time.Minute)
}

// PollTimeoutDuration parses PollTimeout, falling back to one second.
func (s Settings) PollTimeoutDuration() time.Duration {
	return parseDuration(s.PollTimeout, time.Second)
}

// ConnectTimeoutDuration parses ConnectTimeout, falling back to 30 seconds.
func (s Settings) ConnectTimeoutDuration() time.Duration {
	return parseDuration(s.ConnectTimeout, 30*time.Second)
}

func parseDuration(v string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
