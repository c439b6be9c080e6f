// Package config loads TerraFix's startup configuration from the
// process environment and validates it in a single pass. A missing
// required value is a fatal configuration error.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	terrafixerrors "github.com/terrafix/terrafix/internal/errors"
)

// LogLevel mirrors pkg/logging.Level as a string for struct-tag
// validation before the logger is constructed.
type LogLevel string

// Config is the process-wide startup configuration, sourced entirely
// from environment variables and validated once at the end of Load.
type Config struct {
	// Monitor client
	MonitorBaseURL      string `validate:"required"`
	MonitorToken        string
	MonitorClientID     string
	MonitorClientSecret string
	MonitorTokenURL     string

	// Repo host
	RepoHostToken   string `validate:"required"`
	RepoMappingPath string `validate:"required"`
	TerraformSubdir string `validate:"required"`

	// Path to (or name of, if on $PATH) the terraform binary used for
	// fmt/init/validate.
	TerraformExecPath string `validate:"required"`

	// Inference
	InferenceRegion  string `validate:"required"`
	InferenceModelID string `validate:"required"`

	// Dedup store
	DedupStoreURL      string `validate:"required"`
	DedupRetentionDays int    `validate:"min=1"`

	// Service loop
	PollIntervalSeconds int `validate:"min=1"`
	MaxWorkers          int `validate:"min=1,max=10"`

	// Ambient
	LogLevel LogLevel `validate:"required,oneof=DEBUG INFO WARNING ERROR CRITICAL"`

	// HTTP API
	HTTPAddr string

	// Key prefix for dedup store records.
	DedupKeyPrefix string
}

// RepoMapping maps resource-id patterns to repository references,
// loaded from a YAML file referenced by TERRAFIX_REPO_MAPPING_PATH. A
// pattern matches exactly or as a prefix (longest prefix wins), and a
// "default" pattern catches everything else; no glob syntax is applied.
type RepoMapping struct {
	Rules []RepoMappingRule `yaml:"rules"`
}

// RepoMappingRule is a single pattern -> repository binding.
type RepoMappingRule struct {
	Pattern string `yaml:"pattern"`
	Owner   string `yaml:"owner"`
	Repo    string `yaml:"repo"`
	Branch  string `yaml:"branch"`
}

var v = validator.New()

// Load reads every setting from the environment, applies defaults
// where the source is silent, validates the result in a single pass,
// and returns an error describing every missing/invalid field.
func Load() (*Config, error) {
	cfg := &Config{
		MonitorBaseURL:      os.Getenv("TERRAFIX_MONITOR_BASE_URL"),
		MonitorToken:        os.Getenv("TERRAFIX_MONITOR_TOKEN"),
		MonitorClientID:     os.Getenv("TERRAFIX_MONITOR_CLIENT_ID"),
		MonitorClientSecret: os.Getenv("TERRAFIX_MONITOR_CLIENT_SECRET"),
		MonitorTokenURL:     os.Getenv("TERRAFIX_MONITOR_TOKEN_URL"),

		RepoHostToken:   os.Getenv("TERRAFIX_REPO_HOST_TOKEN"),
		RepoMappingPath: os.Getenv("TERRAFIX_REPO_MAPPING_PATH"),
		TerraformSubdir: envOrDefault("TERRAFIX_TERRAFORM_SUBDIR", "terraform"),

		TerraformExecPath: envOrDefault("TERRAFIX_TERRAFORM_EXEC_PATH", "terraform"),

		InferenceRegion:  os.Getenv("TERRAFIX_INFERENCE_REGION"),
		InferenceModelID: os.Getenv("TERRAFIX_INFERENCE_MODEL_ID"),

		DedupStoreURL:      os.Getenv("TERRAFIX_DEDUP_STORE_URL"),
		DedupRetentionDays: envOrDefaultInt("TERRAFIX_DEDUP_RETENTION_DAYS", 30),
		DedupKeyPrefix:     envOrDefault("TERRAFIX_DEDUP_KEY_PREFIX", "terrafix"),

		PollIntervalSeconds: envOrDefaultInt("TERRAFIX_POLL_INTERVAL_SECONDS", 60),
		MaxWorkers:          envOrDefaultInt("TERRAFIX_MAX_WORKERS", 3),

		LogLevel: LogLevel(envOrDefault("TERRAFIX_LOG_LEVEL", "INFO")),
		HTTPAddr: envOrDefault("TERRAFIX_HTTP_ADDR", ":8080"),
	}

	if cfg.MonitorToken == "" && (cfg.MonitorClientID == "" || cfg.MonitorClientSecret == "" || cfg.MonitorTokenURL == "") {
		return nil, terrafixerrors.New(terrafixerrors.KindConfig, false, "load configuration",
			fmt.Errorf("TERRAFIX_MONITOR_TOKEN, or all of client-id/client-secret/token-url, must be set"))
	}

	if err := v.Struct(cfg); err != nil {
		return nil, terrafixerrors.New(terrafixerrors.KindConfig, false, "validate configuration", err)
	}

	return cfg, nil
}

// PollInterval is PollIntervalSeconds as a time.Duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// DedupRetention is DedupRetentionDays as a time.Duration.
func (c *Config) DedupRetention() time.Duration {
	return time.Duration(c.DedupRetentionDays) * 24 * time.Hour
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

// LoadRepoMapping reads and parses the YAML repo-mapping file at path.
func LoadRepoMapping(path string) (*RepoMapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, terrafixerrors.New(terrafixerrors.KindConfig, false, "read repo mapping file", err)
	}
	var mapping RepoMapping
	if err := yaml.Unmarshal(data, &mapping); err != nil {
		return nil, terrafixerrors.New(terrafixerrors.KindConfig, false, "parse repo mapping file", err)
	}
	return &mapping, nil
}
