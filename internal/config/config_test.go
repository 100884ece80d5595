package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 700*time.Millisecond, cfg.Throttle.Gap)
	assert.Equal(t, 100, cfg.Pipeline.MaxDocuments)
	assert.Equal(t, 120*time.Second, cfg.Authority.SubmitTimeout)
	assert.Equal(t, 20*time.Second, cfg.Authority.DetailsTimeout)
	assert.Equal(t, 1, cfg.Retry.SubmitRetries)
	assert.Equal(t, 1, cfg.Retry.PrepareRetries)
	assert.Equal(t, StoreMemory, cfg.Idempotency.Store)
	assert.Equal(t, BulkHTTP, cfg.Bulk.Backend)
	assert.Zero(t, cfg.Pipeline.MinStageDuration)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("AUTHORITY_BASE_URL", "https://gateway.example.test/api")
	t.Setenv("AUTHORITY_SUBMIT_TIMEOUT", "90s")
	t.Setenv("THROTTLE_GAP", "1s")
	t.Setenv("RETRY_SUBMIT_RETRIES", "3")
	t.Setenv("PROJECT_ID", "fiscal-prod")
	t.Setenv("IDEMPOTENCY_STORE", "firestore")

	cfg, err := load(viper.New())
	require.NoError(t, err)

	assert.Equal(t, "https://gateway.example.test/api", cfg.Authority.BaseURL)
	assert.Equal(t, 90*time.Second, cfg.Authority.SubmitTimeout)
	assert.Equal(t, time.Second, cfg.Throttle.Gap)
	assert.Equal(t, 3, cfg.Retry.SubmitRetries)
	assert.Equal(t, "fiscal-prod", cfg.ProjectID)
	assert.Equal(t, StoreFirestore, cfg.Idempotency.Store)
	assert.Equal(t, 60*time.Second, cfg.Authority.PrepareTimeout)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fiscal.yaml")
	content := `
authority:
  base_url: http://localhost:8080
pipeline:
  max_documents: 50
  settle_delay: 5s
bulk:
  backend: workflow
  workflow_id: bulk-dispatch
project_id: fiscal-dev
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("CONFIG_FILE", path)

	cfg, err := load(viper.New())
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8080", cfg.Authority.BaseURL)
	assert.Equal(t, 50, cfg.Pipeline.MaxDocuments)
	assert.Equal(t, 5*time.Second, cfg.Pipeline.SettleDelay)
	assert.Equal(t, BulkWorkflow, cfg.Bulk.Backend)
	assert.Equal(t, "bulk-dispatch", cfg.Bulk.WorkflowID)
	assert.Equal(t, "us-central1", cfg.Bulk.WorkflowLocation)
}

func TestLoadRequiresBaseURL(t *testing.T) {
	t.Setenv("AUTHORITY_BASE_URL", "")

	_, err := load(viper.New())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AUTHORITY_BASE_URL")
}

func TestValidate(t *testing.T) {
	valid := Default()
	valid.Authority.BaseURL = "http://gateway"

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults with base url", func(*Config) {}, ""},
		{"unknown store", func(c *Config) { c.Idempotency.Store = "redis" }, "unknown idempotency store"},
		{"firestore without project", func(c *Config) { c.Idempotency.Store = StoreFirestore }, "PROJECT_ID"},
		{"workflow without project", func(c *Config) { c.Bulk.Backend = BulkWorkflow }, "workflow bulk backend"},
		{"unknown bulk backend", func(c *Config) { c.Bulk.Backend = "pubsub" }, "unknown bulk backend"},
		{"zero ceiling", func(c *Config) { c.Pipeline.MaxDocuments = 0 }, "max_documents"},
		{"negative retries", func(c *Config) { c.Retry.SubmitRetries = -1 }, "retry.submit_retries"},
		{"negative status retries", func(c *Config) { c.Retry.StatusRetries = -2 }, "retry.status_retries"},
		{"negative gap", func(c *Config) { c.Throttle.Gap = -time.Second }, "negative"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
