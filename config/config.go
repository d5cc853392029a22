package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"gtfs2series.dev/ingest/model"
)

const (
	DefaultPath            = "gtfs2series.yml"
	EnvPrefix              = "GTFS2SERIES_"
	DefaultPort            = 5432
	DefaultScheduleSeconds = 86400
	DefaultRealtimeSeconds = 30
	DefaultTimeoutSeconds  = 60
	DefaultMaxRetries      = 3
	DefaultSubjectPrefix   = "gtfs2series"
)

type DatabaseConfig struct {
	System   string `yaml:"system" validate:"required,oneof=postgres postgresql sqlite3"`
	Host     string `yaml:"host" validate:"required_unless=System sqlite3"`
	Port     int    `yaml:"port" validate:"gte=0,lte=65535"`
	Name     string `yaml:"name" validate:"required"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode" validate:"omitempty,oneof=disable allow prefer require verify-ca verify-full"`
}

type GTFSConfig struct {
	ScheduleURL         string            `yaml:"schedule_url" validate:"omitempty,url"`
	VehiclePositionsURL string            `yaml:"vehicle_positions_url" validate:"omitempty,url"`
	TripUpdatesURL      string            `yaml:"trip_updates_url" validate:"omitempty,url"`
	AlertsURL           string            `yaml:"alerts_url" validate:"omitempty,url"`
	TransitSystem       string            `yaml:"transit_system" validate:"required"`
	Headers             map[string]string `yaml:"headers"`
}

// Intervals in seconds.
type SchedulerConfig struct {
	ScheduleFetchInterval int `yaml:"schedule_fetch_interval" validate:"gt=0"`
	RealtimeFetchInterval int `yaml:"realtime_fetch_interval" validate:"gt=0"`
}

type FetchConfig struct {
	Timeout int `yaml:"timeout" validate:"gt=0"`
	// Unset means DefaultMaxRetries, 0 disables retries.
	MaxRetries *int `yaml:"max_retries" validate:"omitempty,gte=0"`
}

type LogConfig struct {
	File  string `yaml:"file"`
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
}

// Empty Addr disables the metrics server.
type MetricsConfig struct {
	Addr string `yaml:"addr" validate:"omitempty,hostname_port"`
}

// Empty URL disables notifications.
type NATSConfig struct {
	URL           string `yaml:"url" validate:"omitempty,url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type Config struct {
	Database  DatabaseConfig  `yaml:"database" validate:"required"`
	GTFS      GTFSConfig      `yaml:"gtfs" validate:"required"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Fetch     FetchConfig     `yaml:"fetch"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	NATS      NATSConfig      `yaml:"nats"`
}

// A realtime URL along with the entity type it serves.
type RealtimeFeed struct {
	URL        string
	EntityType model.EntityType
}

// Load reads the YAML file at path, applies GTFS2SERIES_* environment
// overrides (a .env file in the working directory is loaded first)
// and validates the result. An empty path configures from the
// environment alone.
func Load(path string) (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.GTFS.ScheduleURL == "" && len(cfg.RealtimeFeeds()) == 0 {
		return nil, errors.New("invalid config: no schedule or realtime url")
	}

	return cfg, nil
}

func (c *Config) applyEnv() error {
	for env, dst := range map[string]*string{
		"DB_SYSTEM":             &c.Database.System,
		"DB_HOST":               &c.Database.Host,
		"DB_NAME":               &c.Database.Name,
		"DB_USER":               &c.Database.User,
		"DB_PASSWORD":           &c.Database.Password,
		"DB_SSLMODE":            &c.Database.SSLMode,
		"SCHEDULE_URL":          &c.GTFS.ScheduleURL,
		"VEHICLE_POSITIONS_URL": &c.GTFS.VehiclePositionsURL,
		"TRIP_UPDATES_URL":      &c.GTFS.TripUpdatesURL,
		"ALERTS_URL":            &c.GTFS.AlertsURL,
		"TRANSIT_SYSTEM":        &c.GTFS.TransitSystem,
		"LOG_FILE":              &c.Log.File,
		"LOG_LEVEL":             &c.Log.Level,
		"METRICS_ADDR":          &c.Metrics.Addr,
		"NATS_URL":              &c.NATS.URL,
	} {
		if v := os.Getenv(EnvPrefix + env); v != "" {
			*dst = v
		}
	}

	if v := os.Getenv(EnvPrefix + "DB_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %sDB_PORT: %q", EnvPrefix, v)
		}
		c.Database.Port = port
	}

	return nil
}

func (c *Config) applyDefaults() {
	if c.Database.Port == 0 && c.Database.System != "sqlite3" {
		c.Database.Port = DefaultPort
	}
	if c.Scheduler.ScheduleFetchInterval == 0 {
		c.Scheduler.ScheduleFetchInterval = DefaultScheduleSeconds
	}
	if c.Scheduler.RealtimeFetchInterval == 0 {
		c.Scheduler.RealtimeFetchInterval = DefaultRealtimeSeconds
	}
	if c.Fetch.Timeout == 0 {
		c.Fetch.Timeout = DefaultTimeoutSeconds
	}
	if c.Fetch.MaxRetries == nil {
		retries := DefaultMaxRetries
		c.Fetch.MaxRetries = &retries
	}
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = DefaultSubjectPrefix
	}
}

// DSN returns the connection string for Postgres, or the database
// file path for SQLite.
func (c *Config) DSN() string {
	db := c.Database
	if db.System == "sqlite3" {
		return db.Name
	}

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s", urlEscape(db.User), urlEscape(db.Password), db.Host, db.Port, db.Name)
	if db.SSLMode != "" {
		dsn += "?sslmode=" + db.SSLMode
	}
	return dsn
}

// RealtimeFeeds lists the configured realtime URLs.
func (c *Config) RealtimeFeeds() []RealtimeFeed {
	feeds := []RealtimeFeed{}
	for _, f := range []RealtimeFeed{
		{c.GTFS.VehiclePositionsURL, model.EntityVehicle},
		{c.GTFS.TripUpdatesURL, model.EntityTripUpdate},
		{c.GTFS.AlertsURL, model.EntityAlert},
	} {
		if f.URL != "" {
			feeds = append(feeds, f)
		}
	}
	return feeds
}

func (c *Config) ScheduleInterval() time.Duration {
	return time.Duration(c.Scheduler.ScheduleFetchInterval) * time.Second
}

func (c *Config) RealtimeInterval() time.Duration {
	return time.Duration(c.Scheduler.RealtimeFetchInterval) * time.Second
}

func (c *Config) Timeout() time.Duration {
	return time.Duration(c.Fetch.Timeout) * time.Second
}

func (c *Config) MaxRetries() uint64 {
	if c.Fetch.MaxRetries == nil {
		return DefaultMaxRetries
	}
	return uint64(*c.Fetch.MaxRetries)
}

func urlEscape(s string) string {
	// Minimal escape for DSN user/pass with special chars
	r := strings.NewReplacer("%", "%25", "@", "%40", ":", "%3A", "/", "%2F", "?", "%3F", "#", "%23")
	return r.Replace(s)
}
