package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the PipeFlow server.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Engine    EngineConfig
	Artifacts ArtifactsConfig
	Schedule  ScheduleConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

// EngineConfig tunes the execution coordinator.
type EngineConfig struct {
	// WorkerID identifies this coordinator instance in execution leases.
	// Defaults to the hostname.
	WorkerID string

	// Runner selects the StepRunner implementation ("local" for now).
	Runner string

	// DefaultStepTimeout caps a step invocation when the step declares none.
	DefaultStepTimeout time.Duration

	// CancelGracePeriod bounds how long a cancel waits for in-flight
	// invocations to acknowledge before giving up.
	CancelGracePeriod time.Duration

	// RateLimitPerMin caps API requests per tenant per minute.
	RateLimitPerMin int
}

// ArtifactsConfig configures the optional S3-compatible artifact store.
// When Endpoint is empty, artifact uploads are disabled.
type ArtifactsConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// ScheduleConfig tunes the cron dispatcher for scheduled pipelines.
type ScheduleConfig struct {
	Enabled      bool
	PollInterval time.Duration
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	hostname, _ := os.Hostname()

	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("PIPEFLOW_PORT", 8080),
			Env:  envString("PIPEFLOW_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Engine: EngineConfig{
			WorkerID:           envString("ENGINE_WORKER_ID", hostname),
			Runner:             envString("ENGINE_RUNNER", "local"),
			DefaultStepTimeout: envDurationSecs("ENGINE_DEFAULT_STEP_TIMEOUT_SECS", 15*time.Minute),
			CancelGracePeriod:  envDurationSecs("ENGINE_CANCEL_GRACE_SECS", 10*time.Second),
			RateLimitPerMin:    envInt("ENGINE_RATE_LIMIT_PER_MIN", 120),
		},
		Artifacts: ArtifactsConfig{
			Endpoint:  os.Getenv("ARTIFACTS_ENDPOINT"),
			AccessKey: os.Getenv("ARTIFACTS_ACCESS_KEY"),
			SecretKey: os.Getenv("ARTIFACTS_SECRET_KEY"),
			Bucket:    envString("ARTIFACTS_BUCKET", "pipeflow-artifacts"),
			UseSSL:    envBool("ARTIFACTS_USE_SSL", false),
		},
		Schedule: ScheduleConfig{
			Enabled:      envBool("SCHEDULE_ENABLED", true),
			PollInterval: envDurationSecs("SCHEDULE_POLL_SECS", 30*time.Second),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

var validRunners = map[string]bool{
	"local": true,
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Engine.WorkerID == "" {
		return fmt.Errorf("ENGINE_WORKER_ID is required when no hostname is available")
	}
	if !validRunners[c.Engine.Runner] {
		return fmt.Errorf("ENGINE_RUNNER must be one of local; got %q", c.Engine.Runner)
	}

	if c.Artifacts.Endpoint != "" {
		if c.Artifacts.AccessKey == "" || c.Artifacts.SecretKey == "" {
			return fmt.Errorf("ARTIFACTS_ACCESS_KEY and ARTIFACTS_SECRET_KEY are required when ARTIFACTS_ENDPOINT is set")
		}
		if c.Artifacts.Bucket == "" {
			return fmt.Errorf("ARTIFACTS_BUCKET is required when ARTIFACTS_ENDPOINT is set")
		}
	}

	if c.Schedule.Enabled && c.Schedule.PollInterval < time.Second {
		return fmt.Errorf("SCHEDULE_POLL_SECS must be at least 1 second")
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
