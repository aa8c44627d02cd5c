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
	Addr          string
	BackendURL    string
	CollabURL     string
	DatabaseURL   string
	MigrationsDir string
	CORSOrigin    string
	LogLevel      string
	// Redis holds the persisted workflow step indicator.
	RedisURL string
	// Search
	MeiliURL       string
	MeiliMasterKey string
	// Object storage for export artifacts
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool
	// Git archive of assembled documents
	ArchiveDir string
	ExportMode string
	// StreamSecret signs event-stream tickets. Empty means a random per-process secret.
	StreamSecret string
	Workflow     Workflow
}

// Workflow holds the orchestrator tunables. They can also be set from the YAML file
// named by LEXDRAFT_CONFIG.
type Workflow struct {
	AutosaveDelay     time.Duration
	PollInterval      time.Duration
	PollMaxAttempts   int
	GenerationTimeout time.Duration
	AssemblyTimeout   time.Duration
	AutoValidate      bool
}

func Load() Config {
	return Config{
		Addr:           getenv("API_ADDR", ":8790"),
		BackendURL:     getenv("BACKEND_URL", "http://localhost:8000"),
		CollabURL:      getenv("COLLAB_URL", "http://localhost:8000"),
		DatabaseURL:    getenv("DATABASE_URL", ""),
		MigrationsDir:  getenv("MIGRATIONS_DIR", "./db/migrations"),
		CORSOrigin:     getenv("CORS_ORIGIN", "*"),
		LogLevel:       getenv("LOG_LEVEL", "info"),
		RedisURL:       getenv("REDIS_URL", ""),
		MeiliURL:       getenv("MEILI_URL", ""),
		MeiliMasterKey: getenv("MEILI_MASTER_KEY", ""),
		MinioEndpoint:  getenv("MINIO_ENDPOINT", ""),
		MinioAccessKey: getenv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey: getenv("MINIO_SECRET_KEY", ""),
		MinioBucket:    getenv("MINIO_BUCKET", "lexdraft-exports"),
		MinioUseSSL:    getenvBool("MINIO_USE_SSL", false),
		ArchiveDir:     getenv("ARCHIVE_DIR", ""),
		ExportMode:     getenv("EXPORT_MODE", "remote"),
		StreamSecret:   getenv("STREAM_TOKEN_SECRET", ""),
		Workflow: Workflow{
			AutosaveDelay:     time.Duration(getenvInt("AUTOSAVE_DELAY_MS", 1500)) * time.Millisecond,
			PollInterval:      time.Duration(getenvInt("POLL_INTERVAL_MS", 1500)) * time.Millisecond,
			PollMaxAttempts:   getenvInt("POLL_MAX_ATTEMPTS", 20),
			GenerationTimeout: time.Duration(getenvInt("GENERATION_TIMEOUT_SECONDS", 300)) * time.Second,
			AssemblyTimeout:   time.Duration(getenvInt("ASSEMBLY_TIMEOUT_SECONDS", 600)) * time.Second,
			AutoValidate:      getenvBool("AUTO_VALIDATE", true),
		},
	}
}

// LoadFile applies Load and then overlays the workflow section of a YAML file.
// An empty path returns the environment configuration unchanged.
func LoadFile(path string) (Config, error) {
	cfg := Load()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config file: %w", err)
	}
	if err := cfg.applyYAML(raw); err != nil {
		return cfg, err
	}
	return cfg, nil
}

type fileConfig struct {
	Workflow struct {
		AutosaveDelay     string `yaml:"autosave_delay"`
		PollInterval      string `yaml:"poll_interval"`
		PollMaxAttempts   *int   `yaml:"poll_max_attempts"`
		GenerationTimeout string `yaml:"generation_timeout"`
		AssemblyTimeout   string `yaml:"assembly_timeout"`
		AutoValidate      *bool  `yaml:"auto_validate"`
	} `yaml:"workflow"`
	ExportMode string `yaml:"export_mode"`
}

func (c *Config) applyYAML(raw []byte) error {
	var file fileConfig
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	durations := []struct {
		value  string
		target *time.Duration
		name   string
	}{
		{file.Workflow.AutosaveDelay, &c.Workflow.AutosaveDelay, "autosave_delay"},
		{file.Workflow.PollInterval, &c.Workflow.PollInterval, "poll_interval"},
		{file.Workflow.GenerationTimeout, &c.Workflow.GenerationTimeout, "generation_timeout"},
		{file.Workflow.AssemblyTimeout, &c.Workflow.AssemblyTimeout, "assembly_timeout"},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.value)
		if err != nil || parsed <= 0 {
			return fmt.Errorf("workflow.%s: invalid duration %q", d.name, d.value)
		}
		*d.target = parsed
	}
	if file.Workflow.PollMaxAttempts != nil {
		if *file.Workflow.PollMaxAttempts <= 0 {
			return fmt.Errorf("workflow.poll_max_attempts must be positive")
		}
		c.Workflow.PollMaxAttempts = *file.Workflow.PollMaxAttempts
	}
	if file.Workflow.AutoValidate != nil {
		c.Workflow.AutoValidate = *file.Workflow.AutoValidate
	}
	if file.ExportMode != "" {
		c.ExportMode = file.ExportMode
	}
	return nil
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
