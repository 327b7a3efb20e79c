package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	JWT       JWTConfig       `yaml:"jwt"`
	Redis     RedisConfig     `yaml:"redis"`
	Log       LogConfig       `yaml:"log"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port string `yaml:"port"`
	Mode string `yaml:"mode"` // debug, release, test
	// CORSOrigins restricts browser access; empty allows any origin.
	CORSOrigins []string `yaml:"cors_origins"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite, mysql, postgres
	DSN    string `yaml:"dsn"`
}

type JWTConfig struct {
	Secret     string `yaml:"secret"`
	ExpireHour int    `yaml:"expire_hour"`
}

// RedisConfig for the optional async trigger queue
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// TracingConfig exports execution spans over OTLP/HTTP.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"` // host:port, empty uses the OTEL_EXPORTER_OTLP_* env vars
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// SchedulerConfig holds the scheduling knobs. Durations are written as Go
// duration strings ("10m", "30s") and resolved by Load.
type SchedulerConfig struct {
	Enabled           bool   `yaml:"enabled"`
	Timezone          string `yaml:"timezone"`
	InstanceID        string `yaml:"instance_id"`
	Isolation         string `yaml:"isolation"` // process, goroutine
	LeaseDuration     string `yaml:"lease_duration"`
	HeartbeatInterval string `yaml:"heartbeat_interval"`
	CleanupInterval   string `yaml:"cleanup_interval"`
	ExecutionTimeout  string `yaml:"execution_timeout"`
	LogRetentionDays  int    `yaml:"log_retention_days"`
	// WorkdayCountry makes the built-in report task skip public holidays
	// (ISO code, CN, or NONE for weekdays only). Empty runs every day.
	WorkdayCountry string `yaml:"workday_country"`

	Lease     time.Duration `yaml:"-"`
	Heartbeat time.Duration `yaml:"-"`
	Cleanup   time.Duration `yaml:"-"`
	Timeout   time.Duration `yaml:"-"`
}

const (
	IsolationProcess   = "process"
	IsolationGoroutine = "goroutine"
)

func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); err == nil {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	cfg.overrideFromEnv()
	if err := cfg.Scheduler.resolve(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func DefaultConfig() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: "8080",
			Mode: "release",
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "fleetcron.db",
		},
		JWT: JWTConfig{
			Secret:     "fleetcron-secret-key-change-in-production",
			ExpireHour: 24,
		},
		Redis: RedisConfig{
			Enabled: false,
			Addr:    "localhost:6379",
			DB:      0,
		},
		Log: LogConfig{
			Level: "info",
		},
		Tracing: TracingConfig{
			SampleRatio: 1,
		},
		Scheduler: SchedulerConfig{
			Enabled:           true,
			Timezone:          "UTC",
			Isolation:         IsolationProcess,
			LeaseDuration:     "10m",
			HeartbeatInterval: "1m",
			CleanupInterval:   "5m",
			LogRetentionDays:  30,
		},
	}
	// Defaults are always valid.
	_ = cfg.Scheduler.resolve()
	return cfg
}

func (c *Config) overrideFromEnv() {
	if host := os.Getenv("SERVER_HOST"); host != "" {
		c.Server.Host = host
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		c.Server.Port = port
	}
	if mode := os.Getenv("SERVER_MODE"); mode != "" {
		c.Server.Mode = mode
	}
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		c.Server.CORSOrigins = splitList(origins)
	}
	if driver := os.Getenv("DB_DRIVER"); driver != "" {
		c.Database.Driver = driver
	}
	if dsn := os.Getenv("DB_DSN"); dsn != "" {
		c.Database.DSN = dsn
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		c.JWT.Secret = secret
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	if enabled := os.Getenv("SCHEDULER_ENABLED"); enabled != "" {
		if v, err := strconv.ParseBool(enabled); err == nil {
			c.Scheduler.Enabled = v
		}
	}
	if tz := os.Getenv("SCHEDULER_TIMEZONE"); tz != "" {
		c.Scheduler.Timezone = tz
	}
	if id := os.Getenv("SCHEDULER_INSTANCE_ID"); id != "" {
		c.Scheduler.InstanceID = id
	}
	if iso := os.Getenv("SCHEDULER_ISOLATION"); iso != "" {
		c.Scheduler.Isolation = iso
	}
	if lease := os.Getenv("SCHEDULER_LEASE_DURATION"); lease != "" {
		c.Scheduler.LeaseDuration = lease
	}
	if hb := os.Getenv("SCHEDULER_HEARTBEAT_INTERVAL"); hb != "" {
		c.Scheduler.HeartbeatInterval = hb
	}
	if cleanup := os.Getenv("SCHEDULER_CLEANUP_INTERVAL"); cleanup != "" {
		c.Scheduler.CleanupInterval = cleanup
	}
	if country := os.Getenv("SCHEDULER_WORKDAY_COUNTRY"); country != "" {
		c.Scheduler.WorkdayCountry = country
	}
	if endpoint := os.Getenv("TRACING_ENDPOINT"); endpoint != "" {
		c.Tracing.Enabled = true
		c.Tracing.Endpoint = endpoint
	}
	// Redis URL override (format: redis://:password@host:port/db)
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		c.Redis.Enabled = true
		c.parseRedisURL(redisURL)
	}
}

// parseRedisURL parses a Redis URL and sets config values
// Format: redis://:password@host:port/db
func (c *Config) parseRedisURL(redisURL string) {
	url := strings.TrimPrefix(redisURL, "redis://")

	if atIdx := strings.Index(url, "@"); atIdx != -1 {
		authPart := url[:atIdx]
		url = url[atIdx+1:]
		// Password format: :password or user:password
		if colonIdx := strings.Index(authPart, ":"); colonIdx != -1 {
			c.Redis.Password = authPart[colonIdx+1:]
		}
	}

	if slashIdx := strings.LastIndex(url, "/"); slashIdx != -1 {
		dbStr := url[slashIdx+1:]
		url = url[:slashIdx]
		if db, err := strconv.Atoi(dbStr); err == nil {
			c.Redis.DB = db
		}
	}

	c.Redis.Addr = url
}

func (s *SchedulerConfig) resolve() error {
	var err error
	if s.Lease, err = parseDurationOrDefault("scheduler.lease_duration", s.LeaseDuration, 10*time.Minute); err != nil {
		return err
	}
	if s.Heartbeat, err = parseDurationOrDefault("scheduler.heartbeat_interval", s.HeartbeatInterval, s.Lease/10); err != nil {
		return err
	}
	if s.Cleanup, err = parseDurationOrDefault("scheduler.cleanup_interval", s.CleanupInterval, 5*time.Minute); err != nil {
		return err
	}
	if s.Timeout, err = parseDurationOrDefault("scheduler.execution_timeout", s.ExecutionTimeout, 0); err != nil {
		return err
	}
	if s.Heartbeat <= 0 {
		return fmt.Errorf("scheduler.heartbeat_interval must be positive (lease_duration %s is too short to derive one)", s.Lease)
	}
	if s.Heartbeat >= s.Lease {
		return fmt.Errorf("scheduler.heartbeat_interval (%s) must be shorter than scheduler.lease_duration (%s)", s.Heartbeat, s.Lease)
	}
	switch s.Isolation {
	case "":
		s.Isolation = IsolationProcess
	case IsolationProcess, IsolationGoroutine:
	default:
		return fmt.Errorf("scheduler.isolation: unknown mode %q", s.Isolation)
	}
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			return fmt.Errorf("scheduler.timezone: %w", err)
		}
	}
	return nil
}

// Location returns the time zone used to evaluate cron expressions.
func (s *SchedulerConfig) Location() *time.Location {
	if s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}
