// Package config loads process configuration from the environment and an optional .env file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Publish strategies.
const (
	PublishInline  = "inline"
	PublishStorage = "storage"
	PublishGDrive  = "gdrive"
)

// Job stores.
const (
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

// EngineConfig describes how to reach, and optionally launch, the render engine.
type EngineConfig struct {
	BaseURL      string
	Command      string
	Args         []string
	ReadyTimeout time.Duration
	InputDir     string
	ProgressWS   bool
}

// PollConfig tunes the completion wait.
type PollConfig struct {
	JobTimeout           time.Duration
	Interval             time.Duration
	BackoffMax           time.Duration
	MaxTransientFailures int
}

// PublishConfig selects and configures the output publisher.
type PublishConfig struct {
	Strategy        string
	StorageBaseURL  string
	StorageAPIKey   string
	DemoFallbackURL string
	GDriveClientID  string
	GDriveSecret    string
	GDriveRefresh   string
	GDriveFolderID  string
}

// JobsConfig configures the async queue and job status store.
type JobsConfig struct {
	RedisAddr   string
	Store       string
	DatabaseURL string
	ResultTTL   time.Duration
	Concurrency int
}

// Config is the full process configuration.
type Config struct {
	Engine                EngineConfig
	Poll                  PollConfig
	Publish               PublishConfig
	Jobs                  JobsConfig
	FetchTimeout          time.Duration
	DefaultNegativePrompt string
	TemplateDir           string
	HTTPPort              string
	ShutdownTimeout       time.Duration
}

// Load reads .env (if present) and the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv builds a Config from the current environment only.
func FromEnv() (*Config, error) {
	cfg := &Config{
		Engine: EngineConfig{
			BaseURL:      strings.TrimRight(Env("COMFY_BASE_URL", "http://127.0.0.1:8188"), "/"),
			Command:      Env("COMFY_COMMAND", ""),
			Args:         strings.Fields(Env("COMFY_ARGS", "")),
			ReadyTimeout: DurationEnv("COMFY_READY_TIMEOUT", 300*time.Second),
			InputDir:     Env("COMFY_INPUT_DIR", ""),
			ProgressWS:   BoolEnv("COMFY_PROGRESS_WS", false),
		},
		Poll: PollConfig{
			JobTimeout:           DurationEnv("JOB_TIMEOUT", 600*time.Second),
			Interval:             DurationEnv("POLL_INTERVAL", 2*time.Second),
			BackoffMax:           DurationEnv("POLL_BACKOFF_MAX", 0),
			MaxTransientFailures: IntEnv("POLL_MAX_TRANSIENT_FAILURES", 5),
		},
		Publish: PublishConfig{
			Strategy:        strings.ToLower(Env("PUBLISH_STRATEGY", PublishInline)),
			StorageBaseURL:  strings.TrimRight(Env("STORAGE_BASE_URL", ""), "/"),
			StorageAPIKey:   Env("STORAGE_API_KEY", ""),
			DemoFallbackURL: Env("PUBLISH_DEMO_FALLBACK_URL", ""),
			GDriveClientID:  Env("GDRIVE_CLIENT_ID", ""),
			GDriveSecret:    Env("GDRIVE_CLIENT_SECRET", ""),
			GDriveRefresh:   Env("GDRIVE_REFRESH_TOKEN", ""),
			GDriveFolderID:  Env("GDRIVE_FOLDER_ID", ""),
		},
		Jobs: JobsConfig{
			RedisAddr:   Env("REDIS_ADDR", "localhost:6379"),
			Store:       strings.ToLower(Env("JOB_STORE", StoreRedis)),
			DatabaseURL: Env("DATABASE_URL", ""),
			ResultTTL:   DurationEnv("JOB_RESULT_TTL", 24*time.Hour),
			Concurrency: IntEnv("WORKER_CONCURRENCY", 1),
		},
		FetchTimeout:          DurationEnv("FETCH_TIMEOUT", 30*time.Second),
		DefaultNegativePrompt: Env("DEFAULT_NEGATIVE_PROMPT", "blurry, low quality, distorted"),
		TemplateDir:           Env("TEMPLATE_DIR", ""),
		HTTPPort:              Env("HTTP_PORT", "8080"),
		ShutdownTimeout:       DurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings that cannot fall back to a default.
func (c *Config) Validate() error {
	switch c.Publish.Strategy {
	case PublishInline:
	case PublishStorage:
		if c.Publish.StorageBaseURL == "" || c.Publish.StorageAPIKey == "" {
			return fmt.Errorf("config: PUBLISH_STRATEGY=storage needs STORAGE_BASE_URL and STORAGE_API_KEY")
		}
	case PublishGDrive:
		if c.Publish.GDriveClientID == "" || c.Publish.GDriveSecret == "" || c.Publish.GDriveRefresh == "" {
			return fmt.Errorf("config: PUBLISH_STRATEGY=gdrive needs GDRIVE_CLIENT_ID, GDRIVE_CLIENT_SECRET and GDRIVE_REFRESH_TOKEN")
		}
	default:
		return fmt.Errorf("config: unknown PUBLISH_STRATEGY %q", c.Publish.Strategy)
	}

	switch c.Jobs.Store {
	case StoreRedis:
	case StorePostgres:
		if c.Jobs.DatabaseURL == "" {
			return fmt.Errorf("config: JOB_STORE=postgres needs DATABASE_URL")
		}
	default:
		return fmt.Errorf("config: unknown JOB_STORE %q", c.Jobs.Store)
	}

	if c.Poll.Interval <= 0 {
		c.Poll.Interval = 2 * time.Second
	}
	if c.Poll.MaxTransientFailures <= 0 {
		c.Poll.MaxTransientFailures = 5
	}
	if c.Jobs.Concurrency <= 0 {
		c.Jobs.Concurrency = 1
	}
	return nil
}

// Managed reports whether this process launches and owns the engine.
func (e EngineConfig) Managed() bool {
	return e.Command != ""
}
