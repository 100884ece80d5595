// Package config loads the runtime settings of the submission functions and the CLI.
//
// Values come from, in increasing priority: Default(), an optional file named by
// CONFIG_FILE, and environment variables. Nested keys map to environment names by
// replacing dots with underscores, so authority.base_url is AUTHORITY_BASE_URL.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Idempotency store backends.
const (
	StoreMemory    = "memory"
	StoreFirestore = "firestore"
)

// Bulk dispatch backends.
const (
	BulkHTTP     = "http"
	BulkWorkflow = "workflow"
)

// Config is the full runtime configuration.
type Config struct {
	ProjectID   string            `mapstructure:"project_id"`
	Authority   AuthorityConfig   `mapstructure:"authority"`
	Throttle    ThrottleConfig    `mapstructure:"throttle"`
	Retry       RetryConfig       `mapstructure:"retry"`
	Pipeline    PipelineConfig    `mapstructure:"pipeline"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency"`
	Receipts    ReceiptsConfig    `mapstructure:"receipts"`
	Bulk        BulkConfig        `mapstructure:"bulk"`
}

// AuthorityConfig locates the compliance authority gateway.
type AuthorityConfig struct {
	BaseURL      string `mapstructure:"base_url"`
	SessionToken string `mapstructure:"session_token"`
	// Per-call deadlines.
	DetailsTimeout        time.Duration `mapstructure:"details_timeout"`
	PrepareTimeout        time.Duration `mapstructure:"prepare_timeout"`
	DuplicateCheckTimeout time.Duration `mapstructure:"duplicate_check_timeout"`
	SubmitTimeout         time.Duration `mapstructure:"submit_timeout"`
	StatusTimeout         time.Duration `mapstructure:"status_timeout"`
	BulkSubmitTimeout     time.Duration `mapstructure:"bulk_submit_timeout"`
}

// ThrottleConfig controls the spacing of outbound calls.
type ThrottleConfig struct {
	Gap time.Duration `mapstructure:"gap"`
}

// RetryConfig holds the retry budget of each call site.
type RetryConfig struct {
	BaseDelay         time.Duration `mapstructure:"base_delay"`
	DetailsRetries    int           `mapstructure:"details_retries"`
	PrepareRetries    int           `mapstructure:"prepare_retries"`
	DuplicateRetries  int           `mapstructure:"duplicate_retries"`
	SubmitRetries     int           `mapstructure:"submit_retries"`
	StatusRetries     int           `mapstructure:"status_retries"`
	BulkSubmitRetries int           `mapstructure:"bulk_submit_retries"`
}

// PipelineConfig tunes the single-unit pipeline.
type PipelineConfig struct {
	MaxDocuments     int           `mapstructure:"max_documents"`
	SettleDelay      time.Duration `mapstructure:"settle_delay"`
	MinStageDuration time.Duration `mapstructure:"min_stage_duration"`
}

// IdempotencyConfig selects where submission records live.
type IdempotencyConfig struct {
	Store      string `mapstructure:"store"`
	Collection string `mapstructure:"collection"`
}

// ReceiptsConfig enables the receipt archive when Bucket is set.
type ReceiptsConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// BulkConfig selects how a batch is handed to the authority.
type BulkConfig struct {
	Backend          string `mapstructure:"backend"`
	WorkflowLocation string `mapstructure:"workflow_location"`
	WorkflowID       string `mapstructure:"workflow_id"`
}

// Default returns a Config with the production defaults.
func Default() Config {
	return Config{
		Authority: AuthorityConfig{
			DetailsTimeout:        20 * time.Second,
			PrepareTimeout:        60 * time.Second,
			DuplicateCheckTimeout: 30 * time.Second,
			SubmitTimeout:         120 * time.Second,
			StatusTimeout:         30 * time.Second,
			BulkSubmitTimeout:     30 * time.Second,
		},
		Throttle: ThrottleConfig{
			Gap: 700 * time.Millisecond,
		},
		Retry: RetryConfig{
			BaseDelay:         time.Second,
			DetailsRetries:    1,
			PrepareRetries:    1,
			DuplicateRetries:  1,
			SubmitRetries:     1,
			StatusRetries:     0,
			BulkSubmitRetries: 2,
		},
		Pipeline: PipelineConfig{
			MaxDocuments: 100,
			SettleDelay:  3 * time.Second,
		},
		Idempotency: IdempotencyConfig{
			Store:      StoreMemory,
			Collection: "submissionRecords",
		},
		Receipts: ReceiptsConfig{
			Prefix: "receipts",
		},
		Bulk: BulkConfig{
			Backend:          BulkHTTP,
			WorkflowLocation: "us-central1",
			WorkflowID:       "bulk-submission",
		},
	}
}

// Load reads the configuration from the environment and the optional CONFIG_FILE.
func Load() (Config, error) {
	return load(viper.New())
}

// LoadFile is Load with an explicit config file, which wins over CONFIG_FILE.
func LoadFile(path string) (Config, error) {
	v := viper.New()
	if path != "" {
		v.Set("config_file", path)
	}
	return load(v)
}

func load(v *viper.Viper) (Config, error) {
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// GOOGLE_CLOUD_PROJECT is what the functions runtime sets.
	if err := v.BindEnv("project_id", "PROJECT_ID", "GOOGLE_CLOUD_PROJECT"); err != nil {
		return Config{}, fmt.Errorf("failed to bind project id: %w", err)
	}

	if file := v.GetString("config_file"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config file %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("config_file", "")
	v.SetDefault("project_id", d.ProjectID)

	v.SetDefault("authority.base_url", d.Authority.BaseURL)
	v.SetDefault("authority.session_token", d.Authority.SessionToken)
	v.SetDefault("authority.details_timeout", d.Authority.DetailsTimeout)
	v.SetDefault("authority.prepare_timeout", d.Authority.PrepareTimeout)
	v.SetDefault("authority.duplicate_check_timeout", d.Authority.DuplicateCheckTimeout)
	v.SetDefault("authority.submit_timeout", d.Authority.SubmitTimeout)
	v.SetDefault("authority.status_timeout", d.Authority.StatusTimeout)
	v.SetDefault("authority.bulk_submit_timeout", d.Authority.BulkSubmitTimeout)

	v.SetDefault("throttle.gap", d.Throttle.Gap)

	v.SetDefault("retry.base_delay", d.Retry.BaseDelay)
	v.SetDefault("retry.details_retries", d.Retry.DetailsRetries)
	v.SetDefault("retry.prepare_retries", d.Retry.PrepareRetries)
	v.SetDefault("retry.duplicate_retries", d.Retry.DuplicateRetries)
	v.SetDefault("retry.submit_retries", d.Retry.SubmitRetries)
	v.SetDefault("retry.status_retries", d.Retry.StatusRetries)
	v.SetDefault("retry.bulk_submit_retries", d.Retry.BulkSubmitRetries)

	v.SetDefault("pipeline.max_documents", d.Pipeline.MaxDocuments)
	v.SetDefault("pipeline.settle_delay", d.Pipeline.SettleDelay)
	v.SetDefault("pipeline.min_stage_duration", d.Pipeline.MinStageDuration)

	v.SetDefault("idempotency.store", d.Idempotency.Store)
	v.SetDefault("idempotency.collection", d.Idempotency.Collection)

	v.SetDefault("receipts.bucket", d.Receipts.Bucket)
	v.SetDefault("receipts.prefix", d.Receipts.Prefix)

	v.SetDefault("bulk.backend", d.Bulk.Backend)
	v.SetDefault("bulk.workflow_location", d.Bulk.WorkflowLocation)
	v.SetDefault("bulk.workflow_id", d.Bulk.WorkflowID)
}

// Validate reports every setting that cannot work, joined into one error.
func (c Config) Validate() error {
	var errs []error
	if c.Authority.BaseURL == "" {
		errs = append(errs, errors.New("AUTHORITY_BASE_URL must be set"))
	}
	if c.Pipeline.MaxDocuments <= 0 {
		errs = append(errs, fmt.Errorf("pipeline.max_documents must be positive, got %d", c.Pipeline.MaxDocuments))
	}
	if c.Retry.BaseDelay < 0 || c.Throttle.Gap < 0 || c.Pipeline.SettleDelay < 0 || c.Pipeline.MinStageDuration < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}
	for name, n := range map[string]int{
		"retry.details_retries":     c.Retry.DetailsRetries,
		"retry.prepare_retries":     c.Retry.PrepareRetries,
		"retry.duplicate_retries":   c.Retry.DuplicateRetries,
		"retry.submit_retries":      c.Retry.SubmitRetries,
		"retry.status_retries":      c.Retry.StatusRetries,
		"retry.bulk_submit_retries": c.Retry.BulkSubmitRetries,
	} {
		if n < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %d", name, n))
		}
	}

	switch c.Idempotency.Store {
	case StoreMemory:
	case StoreFirestore:
		if c.ProjectID == "" {
			errs = append(errs, errors.New("PROJECT_ID must be set for the firestore idempotency store"))
		}
		if c.Idempotency.Collection == "" {
			errs = append(errs, errors.New("idempotency.collection must be set"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown idempotency store %q", c.Idempotency.Store))
	}

	switch c.Bulk.Backend {
	case BulkHTTP:
	case BulkWorkflow:
		if c.ProjectID == "" || c.Bulk.WorkflowID == "" || c.Bulk.WorkflowLocation == "" {
			errs = append(errs, errors.New("PROJECT_ID, bulk.workflow_id and bulk.workflow_location must be set for the workflow bulk backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown bulk backend %q", c.Bulk.Backend))
	}

	return errors.Join(errs...)
}
