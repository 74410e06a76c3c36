// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ScientiaCapital/bug-hive-sub000/api/schemas"
)

// Config holds the entire application configuration. It is built once at
// startup and handed to every component that needs it.
type Config struct {
	Logger   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Store    StoreConfig    `mapstructure:"store" yaml:"store"`
	Browser  BrowserConfig  `mapstructure:"browser" yaml:"browser"`
	Crawl    CrawlConfig    `mapstructure:"crawl" yaml:"crawl"`
	Pipeline PipelineConfig `mapstructure:"pipeline" yaml:"pipeline"`
	LLM      LLMConfig      `mapstructure:"llm" yaml:"llm"`
	Classify ClassifyConfig `mapstructure:"classify" yaml:"classify"`
	Cost     CostConfig     `mapstructure:"cost" yaml:"cost"`
	Tracker  TrackerConfig  `mapstructure:"tracker" yaml:"tracker"`
	Report   ReportConfig   `mapstructure:"report" yaml:"report"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color names for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// DatabaseConfig holds the PostgreSQL connection string.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// Checkpoint store drivers.
const (
	StoreDriverPostgres = "postgres"
	StoreDriverFile     = "file"
)

// StoreConfig selects where run checkpoints live.
type StoreConfig struct {
	Driver string `mapstructure:"driver" yaml:"driver"`
	// Dir is the checkpoint directory for the file driver. "~" is expanded.
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// BrowserConfig tunes the headless browser used for extraction.
type BrowserConfig struct {
	Headless          bool          `mapstructure:"headless" yaml:"headless"`
	IgnoreTLSErrors   bool          `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	UserAgent         string        `mapstructure:"user_agent" yaml:"user_agent"`
	Args              []string      `mapstructure:"args" yaml:"args"`
	ViewportWidth     int           `mapstructure:"viewport_width" yaml:"viewport_width"`
	ViewportHeight    int           `mapstructure:"viewport_height" yaml:"viewport_height"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	PostLoadWait      time.Duration `mapstructure:"post_load_wait" yaml:"post_load_wait"`
	ScreenshotDir     string        `mapstructure:"screenshot_dir" yaml:"screenshot_dir"`
	TextSampleLimit   int           `mapstructure:"text_sample_limit" yaml:"text_sample_limit"`
}

// CrawlConfig bounds the crawl.
type CrawlConfig struct {
	MaxPages int `mapstructure:"max_pages" yaml:"max_pages"`
	MaxDepth int `mapstructure:"max_depth" yaml:"max_depth"`
	// BatchSize is how many pages a single crawl step may claim and extract concurrently.
	BatchSize int `mapstructure:"batch_size" yaml:"batch_size"`
}

// PipelineConfig tunes the state machine.
type PipelineConfig struct {
	StepTimeout           time.Duration `mapstructure:"step_timeout" yaml:"step_timeout"`
	AnalysisBatchSize     int           `mapstructure:"analysis_batch_size" yaml:"analysis_batch_size"`
	ValidationConcurrency int           `mapstructure:"validation_concurrency" yaml:"validation_concurrency"`
	// StopOnCritical finishes the run once this many critical bugs exist. Zero disables it.
	StopOnCritical int `mapstructure:"stop_on_critical" yaml:"stop_on_critical"`
}

// LLMConfig configures the model router, its tiers and its transports.
type LLMConfig struct {
	MaxRetriesPerTier int           `mapstructure:"max_retries_per_tier" yaml:"max_retries_per_tier"`
	RetryDelay        time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
	CallTimeout       time.Duration `mapstructure:"call_timeout" yaml:"call_timeout"`
	SafetyMargin      float64       `mapstructure:"safety_margin" yaml:"safety_margin"`
	MinOutputTokens   int           `mapstructure:"min_output_tokens" yaml:"min_output_tokens"`
	DefaultMaxTokens  int           `mapstructure:"default_max_tokens" yaml:"default_max_tokens"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second" yaml:"requests_per_second"`

	Compaction CompactionConfig      `mapstructure:"compaction" yaml:"compaction"`
	Tiers      map[string]TierConfig `mapstructure:"tiers" yaml:"tiers"`

	Anthropic ProviderConfig `mapstructure:"anthropic" yaml:"anthropic"`
	GenAI     ProviderConfig `mapstructure:"genai" yaml:"genai"`
	Gateway   ProviderConfig `mapstructure:"gateway" yaml:"gateway"`
}

// CompactionConfig controls conversation compaction ahead of a model call.
type CompactionConfig struct {
	Enabled        bool    `mapstructure:"enabled" yaml:"enabled"`
	ThresholdRatio float64 `mapstructure:"threshold_ratio" yaml:"threshold_ratio"`
	KeepRecent     int     `mapstructure:"keep_recent" yaml:"keep_recent"`
}

// TierConfig binds a model tier to a backend.
type TierConfig struct {
	Transport            string  `mapstructure:"transport" yaml:"transport"`
	Model                string  `mapstructure:"model" yaml:"model"`
	Family               string  `mapstructure:"family" yaml:"family"`
	ContextWindow        int     `mapstructure:"context_window" yaml:"context_window"`
	InputCostPerMillion  float64 `mapstructure:"input_cost_per_million" yaml:"input_cost_per_million"`
	OutputCostPerMillion float64 `mapstructure:"output_cost_per_million" yaml:"output_cost_per_million"`
}

// ProviderConfig holds credentials and endpoint overrides for one transport.
type ProviderConfig struct {
	APIKey  string `mapstructure:"api_key" yaml:"api_key"`
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
}

// ClassifyConfig tunes the classification and deduplication engine.
type ClassifyConfig struct {
	EscalationThreshold float64 `mapstructure:"escalation_threshold" yaml:"escalation_threshold"`
	HighConfidenceFloor float64 `mapstructure:"high_confidence_floor" yaml:"high_confidence_floor"`
	SimilarityThreshold float64 `mapstructure:"similarity_threshold" yaml:"similarity_threshold"`
}

// CostConfig sets the spending limit for a run. Zero means unlimited.
type CostConfig struct {
	BudgetUSD float64 `mapstructure:"budget_usd" yaml:"budget_usd"`
}

// TrackerConfig configures GitHub issue filing.
type TrackerConfig struct {
	Enabled     bool     `mapstructure:"enabled" yaml:"enabled"`
	Token       string   `mapstructure:"token" yaml:"token"`
	Owner       string   `mapstructure:"owner" yaml:"owner"`
	Repo        string   `mapstructure:"repo" yaml:"repo"`
	BaseURL     string   `mapstructure:"base_url" yaml:"base_url"`
	MinPriority string   `mapstructure:"min_priority" yaml:"min_priority"`
	Labels      []string `mapstructure:"labels" yaml:"labels"`
}

// ReportConfig controls the end-of-run report.
type ReportConfig struct {
	Narrative    bool   `mapstructure:"narrative" yaml:"narrative"`
	MarkdownPath string `mapstructure:"markdown_path" yaml:"markdown_path"`
	JUnitPath    string `mapstructure:"junit_path" yaml:"junit_path"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "bughive")
	v.SetDefault("logger.log_file", "bughive.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Store --
	v.SetDefault("store.driver", StoreDriverFile)
	v.SetDefault("store.dir", "~/.bughive/sessions")

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.user_agent", "")
	v.SetDefault("browser.viewport_width", 1920)
	v.SetDefault("browser.viewport_height", 1080)
	v.SetDefault("browser.navigation_timeout", "45s")
	v.SetDefault("browser.post_load_wait", "1500ms")
	v.SetDefault("browser.text_sample_limit", 4000)

	// -- Crawl --
	v.SetDefault("crawl.max_pages", 50)
	v.SetDefault("crawl.max_depth", 3)
	v.SetDefault("crawl.batch_size", 5)

	// -- Pipeline --
	v.SetDefault("pipeline.step_timeout", "10m")
	v.SetDefault("pipeline.analysis_batch_size", 5)
	v.SetDefault("pipeline.validation_concurrency", 5)
	v.SetDefault("pipeline.stop_on_critical", 0)

	// -- LLM Router --
	v.SetDefault("llm.max_retries_per_tier", 2)
	v.SetDefault("llm.retry_delay", "2s")
	v.SetDefault("llm.call_timeout", "120s")
	v.SetDefault("llm.safety_margin", 0.9)
	v.SetDefault("llm.min_output_tokens", 256)
	v.SetDefault("llm.default_max_tokens", 4096)
	v.SetDefault("llm.requests_per_second", 5.0)
	v.SetDefault("llm.compaction.enabled", true)
	v.SetDefault("llm.compaction.threshold_ratio", 0.75)
	v.SetDefault("llm.compaction.keep_recent", 10)
	v.SetDefault("llm.gateway.base_url", "https://openrouter.ai/api/v1")
	v.SetDefault("llm.tiers", map[string]any{
		"premium": map[string]any{
			"transport": "anthropic", "model": "claude-sonnet-4-20250514", "family": "anthropic",
			"context_window": 200000, "input_cost_per_million": 3.0, "output_cost_per_million": 15.0,
		},
		"reasoning": map[string]any{
			"transport": "gateway", "model": "deepseek/deepseek-r1", "family": "open",
			"context_window": 64000, "input_cost_per_million": 0.55, "output_cost_per_million": 2.19,
		},
		"coding": map[string]any{
			"transport": "gateway", "model": "qwen/qwen-2.5-coder-32b-instruct", "family": "open",
			"context_window": 32768, "input_cost_per_million": 0.07, "output_cost_per_million": 0.16,
		},
		"general": map[string]any{
			"transport": "genai", "model": "gemini-2.5-flash", "family": "gemini",
			"context_window": 1048576, "input_cost_per_million": 0.30, "output_cost_per_million": 2.50,
		},
		"fast": map[string]any{
			"transport": "genai", "model": "gemini-2.5-flash-lite", "family": "gemini",
			"context_window": 1048576, "input_cost_per_million": 0.10, "output_cost_per_million": 0.40,
		},
	})

	// -- Classification --
	v.SetDefault("classify.escalation_threshold", 0.8)
	v.SetDefault("classify.high_confidence_floor", 0.6)
	v.SetDefault("classify.similarity_threshold", 0.85)

	// -- Cost --
	v.SetDefault("cost.budget_usd", 0.0)

	// -- Tracker --
	v.SetDefault("tracker.enabled", false)
	v.SetDefault("tracker.min_priority", string(schemas.PriorityMedium))
	v.SetDefault("tracker.labels", []string{"bughive"})

	// -- Report --
	v.SetDefault("report.narrative", true)
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data
	_ = v.BindEnv("database.url", "BUGHIVE_DATABASE_URL")
	_ = v.BindEnv("llm.anthropic.api_key", "BUGHIVE_ANTHROPIC_API_KEY")
	_ = v.BindEnv("llm.genai.api_key", "BUGHIVE_GEMINI_API_KEY")
	_ = v.BindEnv("llm.gateway.api_key", "BUGHIVE_GATEWAY_API_KEY")
	_ = v.BindEnv("tracker.token", "BUGHIVE_GITHUB_TOKEN")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Fall back to the provider's conventional variables.
	if cfg.LLM.Anthropic.APIKey == "" {
		cfg.LLM.Anthropic.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if cfg.LLM.GenAI.APIKey == "" {
		cfg.LLM.GenAI.APIKey = os.Getenv("GEMINI_API_KEY")
	}
	if cfg.Tracker.Enabled && cfg.Tracker.Token == "" {
		cfg.Tracker.Token = os.Getenv("GITHUB_TOKEN")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case StoreDriverFile:
		if c.Store.Dir == "" {
			return fmt.Errorf("store.dir is required for the file driver")
		}
	case StoreDriverPostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("database.url is required for the postgres driver")
		}
	default:
		return fmt.Errorf("store.driver must be %q or %q, got %q", StoreDriverFile, StoreDriverPostgres, c.Store.Driver)
	}
	if err := c.Crawl.Validate(); err != nil {
		return fmt.Errorf("crawl configuration invalid: %w", err)
	}
	if err := c.Pipeline.Validate(); err != nil {
		return fmt.Errorf("pipeline configuration invalid: %w", err)
	}
	if err := c.LLM.Validate(); err != nil {
		return fmt.Errorf("llm configuration invalid: %w", err)
	}
	if err := c.Classify.Validate(); err != nil {
		return fmt.Errorf("classify configuration invalid: %w", err)
	}
	if c.Cost.BudgetUSD < 0 {
		return fmt.Errorf("cost.budget_usd must not be negative")
	}
	if err := c.Tracker.Validate(); err != nil {
		return fmt.Errorf("tracker configuration invalid: %w", err)
	}
	return nil
}

// Validate checks the crawl bounds.
func (c *CrawlConfig) Validate() error {
	if c.MaxPages <= 0 {
		return fmt.Errorf("crawl.max_pages must be a positive integer")
	}
	if c.MaxDepth < 0 {
		return fmt.Errorf("crawl.max_depth must not be negative")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("crawl.batch_size must be a positive integer")
	}
	return nil
}

// Validate checks the state machine settings.
func (p *PipelineConfig) Validate() error {
	if p.StepTimeout <= 0 {
		return fmt.Errorf("pipeline.step_timeout must be a positive duration")
	}
	if p.AnalysisBatchSize <= 0 {
		return fmt.Errorf("pipeline.analysis_batch_size must be a positive integer")
	}
	if p.ValidationConcurrency <= 0 {
		return fmt.Errorf("pipeline.validation_concurrency must be a positive integer")
	}
	if p.StopOnCritical < 0 {
		return fmt.Errorf("pipeline.stop_on_critical must not be negative")
	}
	return nil
}

// Validate checks router settings and every configured tier.
func (l *LLMConfig) Validate() error {
	if l.MaxRetriesPerTier <= 0 {
		return fmt.Errorf("llm.max_retries_per_tier must be a positive integer")
	}
	if l.RetryDelay < 0 {
		return fmt.Errorf("llm.retry_delay must not be negative")
	}
	if l.CallTimeout <= 0 {
		return fmt.Errorf("llm.call_timeout must be a positive duration")
	}
	if l.SafetyMargin <= 0 || l.SafetyMargin > 1 {
		return fmt.Errorf("llm.safety_margin must be in (0, 1]")
	}
	if l.MinOutputTokens <= 0 {
		return fmt.Errorf("llm.min_output_tokens must be a positive integer")
	}
	if l.Compaction.Enabled {
		if l.Compaction.ThresholdRatio <= 0 || l.Compaction.ThresholdRatio > 1 {
			return fmt.Errorf("llm.compaction.threshold_ratio must be in (0, 1]")
		}
		if l.Compaction.KeepRecent <= 0 {
			return fmt.Errorf("llm.compaction.keep_recent must be a positive integer")
		}
	}
	if len(l.Tiers) == 0 {
		return fmt.Errorf("llm.tiers must configure at least one tier")
	}
	for name, tier := range l.Tiers {
		if _, err := schemas.ParseModelTier(name); err != nil {
			return fmt.Errorf("llm.tiers: %w", err)
		}
		switch schemas.TransportKind(strings.ToLower(tier.Transport)) {
		case schemas.TransportAnthropic, schemas.TransportGenAI, schemas.TransportGateway:
		default:
			return fmt.Errorf("llm.tiers.%s.transport %q is not supported", name, tier.Transport)
		}
		if tier.Model == "" {
			return fmt.Errorf("llm.tiers.%s.model is required", name)
		}
		if tier.ContextWindow <= 0 {
			return fmt.Errorf("llm.tiers.%s.context_window must be a positive integer", name)
		}
		if tier.InputCostPerMillion < 0 || tier.OutputCostPerMillion < 0 {
			return fmt.Errorf("llm.tiers.%s cost rates must not be negative", name)
		}
	}
	return nil
}

// Validate checks classification thresholds.
func (c *ClassifyConfig) Validate() error {
	for name, value := range map[string]float64{
		"classify.escalation_threshold":  c.EscalationThreshold,
		"classify.high_confidence_floor": c.HighConfidenceFloor,
		"classify.similarity_threshold":  c.SimilarityThreshold,
	} {
		if value < 0 || value > 1 {
			return fmt.Errorf("%s must be between 0.0 and 1.0", name)
		}
	}
	return nil
}

// Validate checks the tracker settings when filing is enabled.
func (t *TrackerConfig) Validate() error {
	if !t.Enabled {
		return nil
	}
	if t.Owner == "" || t.Repo == "" {
		return fmt.Errorf("tracker.owner and tracker.repo are required")
	}
	if t.Token == "" {
		return fmt.Errorf("GitHub token is required but not found. Ensure BUGHIVE_GITHUB_TOKEN is set")
	}
	if !schemas.Priority(t.MinPriority).Valid() {
		return fmt.Errorf("tracker.min_priority %q is not a known priority", t.MinPriority)
	}
	return nil
}
