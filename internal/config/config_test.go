// File: internal/config/config_test.go
package config

import (
	"bytes"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -- Constructor and Defaults Tests --

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, "bughive", cfg.Logger.ServiceName)
	assert.Equal(t, StoreDriverFile, cfg.Store.Driver)
	assert.Equal(t, 50, cfg.Crawl.MaxPages)
	assert.Equal(t, 5, cfg.Pipeline.ValidationConcurrency)
	assert.Equal(t, 5, cfg.Pipeline.AnalysisBatchSize)
	assert.Equal(t, 2, cfg.LLM.MaxRetriesPerTier)
	assert.Equal(t, 0.9, cfg.LLM.SafetyMargin)
	assert.Equal(t, 256, cfg.LLM.MinOutputTokens)
	assert.Equal(t, 2*time.Second, cfg.LLM.RetryDelay)
	assert.Equal(t, 0.8, cfg.Classify.EscalationThreshold)
	assert.Equal(t, 0.85, cfg.Classify.SimilarityThreshold)
	assert.True(t, cfg.Report.Narrative)

	require.Len(t, cfg.LLM.Tiers, 5)
	premium, ok := cfg.LLM.Tiers["premium"]
	require.True(t, ok)
	assert.Equal(t, "anthropic", premium.Transport)
	assert.Equal(t, 200000, premium.ContextWindow)
	assert.Equal(t, 15.0, premium.OutputCostPerMillion)

	require.NoError(t, cfg.Validate(), "defaults must validate on their own")
}

// -- Validation Logic Tests --

func TestConfigValidation(t *testing.T) {
	t.Run("Core Validation", func(t *testing.T) {
		cfg := NewDefaultConfig()
		assert.NoError(t, cfg.Validate())

		invalidPages := *cfg
		invalidPages.Crawl.MaxPages = 0
		err := invalidPages.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "crawl.max_pages must be a positive integer")

		invalidPool := *cfg
		invalidPool.Pipeline.ValidationConcurrency = 0
		err = invalidPool.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "pipeline.validation_concurrency must be a positive integer")

		postgresNoURL := *cfg
		postgresNoURL.Store.Driver = StoreDriverPostgres
		postgresNoURL.Database.URL = ""
		err = postgresNoURL.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "database.url is required")

		unknownDriver := *cfg
		unknownDriver.Store.Driver = "sqlite"
		assert.Error(t, unknownDriver.Validate())
	})

	t.Run("LLM Validation", func(t *testing.T) {
		base := NewDefaultConfig().LLM

		margin := base
		margin.SafetyMargin = 1.5
		err := margin.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "llm.safety_margin")

		retries := base
		retries.MaxRetriesPerTier = 0
		assert.Error(t, retries.Validate())

		unknownTier := base
		unknownTier.Tiers = map[string]TierConfig{
			"turbo": {Transport: "genai", Model: "m", ContextWindow: 1000},
		}
		err = unknownTier.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown model tier")

		badTransport := base
		badTransport.Tiers = map[string]TierConfig{
			"fast": {Transport: "carrier-pigeon", Model: "m", ContextWindow: 1000},
		}
		err = badTransport.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "is not supported")

		noCompaction := base
		noCompaction.Compaction.Enabled = false
		noCompaction.Compaction.KeepRecent = 0
		assert.NoError(t, noCompaction.Validate(), "compaction settings are ignored when disabled")
	})

	t.Run("Tracker Validation", func(t *testing.T) {
		valid := TrackerConfig{
			Enabled:     true,
			Token:       "ghp_testtoken123",
			Owner:       "test-owner",
			Repo:        "test-repo",
			MinPriority: "high",
		}
		assert.NoError(t, valid.Validate())

		disabled := valid
		disabled.Enabled = false
		disabled.Token = ""
		assert.NoError(t, disabled.Validate())

		missingRepo := valid
		missingRepo.Repo = ""
		err := missingRepo.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "tracker.owner and tracker.repo are required")

		missingToken := valid
		missingToken.Token = ""
		err = missingToken.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "GitHub token is required")

		badPriority := valid
		badPriority.MinPriority = "urgent"
		assert.Error(t, badPriority.Validate())
	})

	t.Run("Classify Validation", func(t *testing.T) {
		c := ClassifyConfig{EscalationThreshold: 0.8, HighConfidenceFloor: 0.6, SimilarityThreshold: 1.2}
		err := c.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "classify.similarity_threshold must be between 0.0 and 1.0")
	})
}

// -- Factory Function Tests --

func TestNewConfigFromViper(t *testing.T) {
	t.Run("Successful Load from YAML", func(t *testing.T) {
		yamlBytes := []byte(`
crawl:
  max_pages: 12
  max_depth: 2
llm:
  retry_delay: 250ms
`)
		v := viper.New()
		SetDefaults(v)
		v.SetConfigType("yaml")
		require.NoError(t, v.ReadConfig(bytes.NewBuffer(yamlBytes)))

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)
		assert.Equal(t, 12, cfg.Crawl.MaxPages)
		assert.Equal(t, 2, cfg.Crawl.MaxDepth)
		assert.Equal(t, 250*time.Millisecond, cfg.LLM.RetryDelay)
		assert.Equal(t, "info", cfg.Logger.Level, "defaults fill the gaps")
	})

	t.Run("Validation Failure", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)
		v.Set("pipeline.validation_concurrency", 0)

		cfg, err := NewConfigFromViper(v)
		assert.Error(t, err)
		assert.Nil(t, cfg)
		assert.Contains(t, err.Error(), "invalid configuration")
		assert.Contains(t, err.Error(), "pipeline.validation_concurrency must be a positive integer")
	})

	t.Run("Environment Variable Binding", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)
		v.Set("tracker.enabled", true)
		v.Set("tracker.owner", "owner")
		v.Set("tracker.repo", "repo")

		t.Setenv("BUGHIVE_GITHUB_TOKEN", "ghp_env_var_token_456")
		t.Setenv("BUGHIVE_ANTHROPIC_API_KEY", "sk-ant-test")
		t.Setenv("BUGHIVE_DATABASE_URL", "postgres://envvar/db")

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)
		assert.Equal(t, "ghp_env_var_token_456", cfg.Tracker.Token)
		assert.Equal(t, "sk-ant-test", cfg.LLM.Anthropic.APIKey)
		assert.Equal(t, "postgres://envvar/db", cfg.Database.URL)
	})
}
