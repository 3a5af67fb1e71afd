// Package config loads and validates hive's YAML configuration, mirroring
// the teacher codebase's config.Config pattern: a single struct assembled
// from defaults, an optional YAML file, and environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all hive configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	ModelRouter ModelRouterConfig `yaml:"model_router"`
	Quota       QuotaConfig       `yaml:"quota"`
	Store       StoreConfig       `yaml:"store"`
	Embedding   EmbeddingConfig   `yaml:"embedding"`
	Memory      MemoryConfig      `yaml:"memory"`
	Routing     RoutingConfig     `yaml:"routing"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Execution   ExecutionConfig   `yaml:"execution"`
	Logging     LoggingConfig     `yaml:"logging"`

	Profiles       map[string]Profile `yaml:"profiles"`
	DefaultProfile string             `yaml:"default_profile"`
}

// ModelRouterConfig configures the outbound HTTP client to the model-routing
// provider (C2).
type ModelRouterConfig struct {
	BaseURL         string `yaml:"base_url"`
	APIKey          string `yaml:"api_key"`
	SoftTimeout     string `yaml:"soft_timeout"`
	HardTimeout     string `yaml:"hard_timeout"`
	PricingURL      string `yaml:"pricing_url"`
	PricingRefresh  string `yaml:"pricing_refresh"`
}

func (c ModelRouterConfig) GetSoftTimeout() time.Duration { return parseDuration(c.SoftTimeout, 120*time.Second) }
func (c ModelRouterConfig) GetHardTimeout() time.Duration { return parseDuration(c.HardTimeout, 180*time.Second) }
func (c ModelRouterConfig) GetPricingRefresh() time.Duration {
	return parseDuration(c.PricingRefresh, 15*time.Minute)
}

// QuotaConfig configures the Cost & Quota Authority (C8) remote endpoint.
type QuotaConfig struct {
	BaseURL string `yaml:"base_url"`
	License string `yaml:"license"`
	Timeout string `yaml:"timeout"`
}

func (c QuotaConfig) GetTimeout() time.Duration { return parseDuration(c.Timeout, 15*time.Second) }

// StoreConfig configures the Knowledge Store (C1).
type StoreConfig struct {
	Path string `yaml:"path"` // default ~/.hive-ai.db per spec §6
}

// EmbeddingConfig selects and configures the embedding provider used by the
// Memory Engine for memory_semantic.
type EmbeddingConfig struct {
	Provider       string `yaml:"provider"` // "genai" | "ollama"
	OllamaEndpoint string `yaml:"ollama_endpoint"`
	OllamaModel    string `yaml:"ollama_model"`
	GenAIModel     string `yaml:"genai_model"`
	GenAIAPIKey    string `yaml:"genai_api_key"`
	Dimensions     int    `yaml:"dimensions"`
}

// MemoryConfig configures the Memory Engine's temporal layers and budgets.
type MemoryConfig struct {
	RecentWindow          string  `yaml:"recent_window"`
	TodayWindow           string  `yaml:"today_window"`
	WeekWindow            string  `yaml:"week_window"`
	ContextTokenBudget    int     `yaml:"context_token_budget"`
	PatternEditDistance   int     `yaml:"pattern_edit_distance"`
	TechLexicon           []string `yaml:"tech_lexicon"`
	ThemeKeywordMap       map[string][]string `yaml:"theme_keyword_map"`
	PatternWorkerPoolSize int     `yaml:"pattern_worker_pool_size"` // bounded goroutine pool size for CPU-bound pattern matching
}

// RoutingConfig holds the configurable keyword lists that drive the Context
// Orchestrator's direct-vs-consensus RoutingDecision (open question #2).
type RoutingConfig struct {
	SimpleOperationPatterns []string `yaml:"simple_operation_patterns"`
	ComplexIndicatorTokens  []string `yaml:"complex_indicator_tokens"`
	PriorSolutionOverlapThreshold float64 `yaml:"prior_solution_overlap_threshold"`
}

// PipelineConfig configures the Consensus Pipeline's deliberation protocol.
type PipelineConfig struct {
	MaxRounds          int `yaml:"max_rounds"` // hard cap, default 3
	UnanimityRounds    int `yaml:"unanimity_rounds"`
	MaxStageRetries    int `yaml:"max_stage_retries"`
}

// ExecutionConfig configures the Execution Engine's safety gate.
type ExecutionConfig struct {
	AllowedBinaries  []string `yaml:"allowed_binaries"`
	AllowedPathPrefixes []string `yaml:"allowed_path_prefixes"`
	DefaultTimeout   string   `yaml:"default_timeout"`
	AutoAcceptLow    bool     `yaml:"auto_accept_low"`
	WorkingDirectory string   `yaml:"working_directory"`
}

func (c ExecutionConfig) GetTimeout() time.Duration { return parseDuration(c.DefaultTimeout, 30*time.Second) }

// LoggingConfig configures the file-based category logger.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"`
	JSONFormat bool            `yaml:"json_format"`
	Categories map[string]bool `yaml:"categories"`
}

// Profile is a ConsensusProfile in YAML form: one model/temperature pair per
// pipeline stage.
type Profile struct {
	Generator StageSetting `yaml:"generator"`
	Refiner   StageSetting `yaml:"refiner"`
	Validator StageSetting `yaml:"validator"`
	Curator   StageSetting `yaml:"curator"`
}

// StageSetting is one stage's model + temperature within a Profile.
type StageSetting struct {
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// DefaultConfig returns hive's default configuration.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	dbPath := filepath.Join(home, ".hive-ai.db")

	return &Config{
		Name:    "hive",
		Version: "0.1.0",

		ModelRouter: ModelRouterConfig{
			BaseURL:        "https://router.example.com",
			SoftTimeout:    "120s",
			HardTimeout:    "180s",
			PricingURL:     "https://router.example.com/models/pricing",
			PricingRefresh: "15m",
		},

		Quota: QuotaConfig{
			BaseURL: "https://quota.example.com",
			Timeout: "15s",
		},

		Store: StoreConfig{Path: dbPath},

		Embedding: EmbeddingConfig{
			Provider:       "ollama",
			OllamaEndpoint: "http://localhost:11434",
			OllamaModel:    "embeddinggemma",
			GenAIModel:     "gemini-embedding-001",
			Dimensions:     768,
		},

		Memory: MemoryConfig{
			RecentWindow:        "2h",
			TodayWindow:         "24h",
			WeekWindow:          "168h",
			ContextTokenBudget:  8000,
			PatternEditDistance:   6,
			PatternWorkerPoolSize: 4,
			TechLexicon: []string{
				"typescript", "javascript", "react", "go", "golang", "python",
				"rust", "sql", "postgres", "docker", "kubernetes", "graphql",
			},
			ThemeKeywordMap: map[string][]string{
				"Authentication": {"auth", "login", "token", "session", "oauth"},
				"Database":       {"sql", "query", "migration", "schema", "index"},
			},
		},

		Routing: RoutingConfig{
			SimpleOperationPatterns: []string{
				"create file", "rename", "delete temp", "delete file", "move file",
			},
			ComplexIndicatorTokens: []string{
				"refactor", "architecture", "implement system", "optimise", "optimize",
				"security", "performance",
			},
			PriorSolutionOverlapThreshold: 0.6,
		},

		Pipeline: PipelineConfig{
			MaxRounds:       3,
			UnanimityRounds: 2,
			MaxStageRetries: 1,
		},

		Execution: ExecutionConfig{
			AllowedBinaries: []string{
				"go", "git", "grep", "ls", "mkdir", "cp", "mv",
				"npm", "npx", "node", "python", "python3", "pip",
				"cargo", "rustc", "make", "cmake",
			},
			DefaultTimeout:   "30s",
			WorkingDirectory: ".",
			AutoAcceptLow:    false,
		},

		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
		},

		DefaultProfile: "balanced",
		Profiles: map[string]Profile{
			"balanced": {
				Generator: StageSetting{Model: "router/generator-default", Temperature: 0.7},
				Refiner:   StageSetting{Model: "router/refiner-default", Temperature: 0.5},
				Validator: StageSetting{Model: "router/validator-default", Temperature: 0.3},
				Curator:   StageSetting{Model: "router/curator-default", Temperature: 0.4},
			},
		},
	}
}

// Load reads configuration from path, falling back to defaults if the file
// does not exist, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration to path as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("HIVE_MODEL_ROUTER_API_KEY"); key != "" {
		c.ModelRouter.APIKey = key
	}
	if url := os.Getenv("HIVE_MODEL_ROUTER_URL"); url != "" {
		c.ModelRouter.BaseURL = url
	}
	if path := os.Getenv("HIVE_DB"); path != "" {
		c.Store.Path = path
	}
	if key := os.Getenv("GENAI_API_KEY"); key != "" {
		c.Embedding.GenAIAPIKey = key
	}
	if endpoint := os.Getenv("OLLAMA_ENDPOINT"); endpoint != "" {
		c.Embedding.OllamaEndpoint = endpoint
	}
	if license := os.Getenv("HIVE_LICENSE"); license != "" {
		c.Quota.License = license
	}
}

// Validate checks the configuration for obvious misconfiguration.
func (c *Config) Validate() error {
	if c.ModelRouter.BaseURL == "" {
		return fmt.Errorf("model_router.base_url is required")
	}
	if _, ok := c.Profiles[c.DefaultProfile]; !ok {
		return fmt.Errorf("default_profile %q not found in profiles", c.DefaultProfile)
	}
	return nil
}

// GetProfile resolves a ConsensusProfile by id, falling back to the default.
func (c *Config) GetProfile(id string) Profile {
	if p, ok := c.Profiles[id]; ok {
		return p
	}
	return c.Profiles[c.DefaultProfile]
}
