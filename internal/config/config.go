// Package config loads the runtime configuration consumed at engine
// startup: model/provider selection, the loop and cycle thresholds, agent
// limits, and plugin/observability wiring. The file format is YAML with
// environment-variable expansion, unknown fields rejected.
package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	LLM           LLMConfig           `yaml:"llm"`
	Conversation  ConversationConfig  `yaml:"conversation"`
	Tools         ToolsConfig         `yaml:"tools"`
	Loop          LoopConfig          `yaml:"loop"`
	Agents        AgentsConfig        `yaml:"agents"`
	Watchdog      WatchdogConfig      `yaml:"watchdog"`
	Sessions      SessionsConfig      `yaml:"sessions"`
	Plugins       PluginsConfig       `yaml:"plugins"`
	Observability ObservabilityConfig `yaml:"observability"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// LLMConfig selects and tunes the model backend.
type LLMConfig struct {
	// Provider is one of anthropic, openai, bedrock, failover.
	Provider string `yaml:"provider"`
	// Model names the default model for the chosen provider.
	Model string `yaml:"model"`
	// FailoverOrder lists providers for the failover chain, primary first.
	FailoverOrder []string `yaml:"failover_order"`

	Temperature     float64 `yaml:"temperature"`
	MaxTokens       int     `yaml:"max_tokens"`
	ReasoningEffort string  `yaml:"reasoning_effort"`

	Anthropic AnthropicConfig `yaml:"anthropic"`
	OpenAI    OpenAIConfig    `yaml:"openai"`
	Bedrock   BedrockConfig   `yaml:"bedrock"`
}

// AnthropicConfig carries Anthropic connection settings.
type AnthropicConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// OpenAIConfig carries OpenAI connection settings.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// BedrockConfig carries AWS Bedrock connection settings.
type BedrockConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
}

// ConversationConfig bounds one conversation's context accounting.
type ConversationConfig struct {
	// ContextSize is the model context window in estimator tokens.
	ContextSize int `yaml:"context_size"`
	// CompactThreshold is the context-usage percentage handed to the
	// engine, which appends its flush reminder once usage reaches it.
	CompactThreshold int `yaml:"compact_threshold"`
	// MaxIterations bounds model/tool round trips per turn.
	MaxIterations int `yaml:"max_iterations"`
	// MaxTurnDurationMin is the per-turn wall-clock budget in minutes.
	// Zero means unbounded.
	MaxTurnDurationMin int `yaml:"max_turn_duration_min"`
}

// ToolsConfig tunes tool dispatch.
type ToolsConfig struct {
	// ParallelTools enables the safe-concurrent batch path; false forces
	// every batch sequential.
	ParallelTools *bool `yaml:"parallel_tools"`
	// ToolCallMaxRetries bounds repair rounds for malformed tool calls.
	ToolCallMaxRetries int `yaml:"tool_call_max_retries"`
	// BashTimeout bounds shell tool executions.
	BashTimeout time.Duration `yaml:"bash_timeout"`
	// ToolResultMaxContextPercent caps a single tool result's share of the
	// context window; ToolResultMinTokens is the floor below which results
	// are never truncated.
	ToolResultMaxContextPercent int `yaml:"tool_result_max_context_percent"`
	ToolResultMinTokens         int `yaml:"tool_result_min_tokens"`

	ExploratoryToolThreshold      int `yaml:"exploratory_tool_threshold"`
	ExploratoryToolSternThreshold int `yaml:"exploratory_tool_stern_threshold"`
}

// LoopConfig carries the loop/cycle-detection thresholds.
type LoopConfig struct {
	MaxToolHistory        int     `yaml:"max_tool_history"`
	CycleThreshold        int     `yaml:"cycle_threshold"`
	SimilarCallThreshold  int     `yaml:"similar_call_threshold"`
	RepeatedFileThreshold int     `yaml:"repeated_file_threshold"`
	MinSearchesForHitRate int     `yaml:"min_searches_for_hit_rate"`
	HitRateThreshold      float64 `yaml:"hit_rate_threshold"`
	EmptyStreakThreshold  int     `yaml:"empty_streak_threshold"`
	CycleBreakThreshold   int     `yaml:"cycle_break_threshold"`
}

// AgentsConfig bounds sub-agent delegation.
type AgentsConfig struct {
	MaxAgentDepth      int `yaml:"max_agent_depth"`
	MaxAgentCycleDepth int `yaml:"max_agent_cycle_depth"`
	// PoolSweepSchedule is a cron expression for the idle-entry sweep.
	PoolSweepSchedule string `yaml:"pool_sweep_schedule"`
	// PoolMaxIdle is the idle duration after which a swept entry is
	// discarded.
	PoolMaxIdle time.Duration `yaml:"pool_max_idle"`
}

// WatchdogConfig tunes the activity monitor.
type WatchdogConfig struct {
	TimeoutMs       int `yaml:"timeout_ms"`
	CheckIntervalMs int `yaml:"check_interval_ms"`
}

// SessionsConfig selects transcript persistence.
type SessionsConfig struct {
	// Backend is one of memory, sqlite.
	Backend string `yaml:"backend"`
	// Path is the sqlite database file.
	Path string `yaml:"path"`
}

// PluginsConfig wires background plugin daemons.
type PluginsConfig struct {
	// Dirs are watched for changes to drive pool eviction.
	Dirs []string `yaml:"dirs"`
	// Daemons maps plugin name to its local RPC socket.
	Daemons map[string]string `yaml:"daemons"`
	// CallTimeout bounds one plugin RPC round trip.
	CallTimeout time.Duration `yaml:"call_timeout"`
}

// ObservabilityConfig wires metrics and tracing.
type ObservabilityConfig struct {
	MetricsAddr  string  `yaml:"metrics_addr"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

// LoggingConfig tunes slog output.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is one of text, json.
	Format string `yaml:"format"`
}

// Load reads, expands, parses, defaults and validates the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a config document from raw YAML bytes.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	decoder := yaml.NewDecoder(strings.NewReader(expanded))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		if err == io.EOF {
			cfg = Config{}
		} else {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "anthropic"
	}
	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = 4096
	}
	if cfg.LLM.Anthropic.APIKey == "" {
		cfg.LLM.Anthropic.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if cfg.LLM.OpenAI.APIKey == "" {
		cfg.LLM.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	}

	if cfg.Conversation.ContextSize == 0 {
		cfg.Conversation.ContextSize = 200000
	}
	if cfg.Conversation.CompactThreshold == 0 {
		cfg.Conversation.CompactThreshold = 85
	}
	if cfg.Conversation.MaxIterations == 0 {
		cfg.Conversation.MaxIterations = 25
	}

	if cfg.Tools.ParallelTools == nil {
		enabled := true
		cfg.Tools.ParallelTools = &enabled
	}
	if cfg.Tools.ToolCallMaxRetries == 0 {
		cfg.Tools.ToolCallMaxRetries = 3
	}
	if cfg.Tools.BashTimeout == 0 {
		cfg.Tools.BashTimeout = 2 * time.Minute
	}
	if cfg.Tools.ToolResultMaxContextPercent == 0 {
		cfg.Tools.ToolResultMaxContextPercent = 20
	}
	if cfg.Tools.ToolResultMinTokens == 0 {
		cfg.Tools.ToolResultMinTokens = 500
	}
	if cfg.Tools.ExploratoryToolThreshold == 0 {
		cfg.Tools.ExploratoryToolThreshold = 5
	}
	if cfg.Tools.ExploratoryToolSternThreshold == 0 {
		cfg.Tools.ExploratoryToolSternThreshold = 10
	}

	if cfg.Loop.MaxToolHistory == 0 {
		cfg.Loop.MaxToolHistory = 50
	}
	if cfg.Loop.CycleThreshold == 0 {
		cfg.Loop.CycleThreshold = 3
	}
	if cfg.Loop.SimilarCallThreshold == 0 {
		cfg.Loop.SimilarCallThreshold = 3
	}
	if cfg.Loop.RepeatedFileThreshold == 0 {
		cfg.Loop.RepeatedFileThreshold = 3
	}
	if cfg.Loop.MinSearchesForHitRate == 0 {
		cfg.Loop.MinSearchesForHitRate = 5
	}
	if cfg.Loop.HitRateThreshold == 0 {
		cfg.Loop.HitRateThreshold = 0.3
	}
	if cfg.Loop.EmptyStreakThreshold == 0 {
		cfg.Loop.EmptyStreakThreshold = 3
	}
	if cfg.Loop.CycleBreakThreshold == 0 {
		cfg.Loop.CycleBreakThreshold = 3
	}

	if cfg.Agents.MaxAgentDepth == 0 {
		cfg.Agents.MaxAgentDepth = 3
	}
	if cfg.Agents.MaxAgentCycleDepth == 0 {
		cfg.Agents.MaxAgentCycleDepth = 2
	}
	if cfg.Agents.PoolSweepSchedule == "" {
		cfg.Agents.PoolSweepSchedule = "@every 5m"
	}
	if cfg.Agents.PoolMaxIdle == 0 {
		cfg.Agents.PoolMaxIdle = 30 * time.Minute
	}

	if cfg.Watchdog.TimeoutMs == 0 {
		cfg.Watchdog.TimeoutMs = 5 * 60 * 1000
	}
	if cfg.Watchdog.CheckIntervalMs == 0 {
		cfg.Watchdog.CheckIntervalMs = 5000
	}

	if cfg.Sessions.Backend == "" {
		cfg.Sessions.Backend = "memory"
	}
	if cfg.Plugins.CallTimeout == 0 {
		cfg.Plugins.CallTimeout = 30 * time.Second
	}
	if cfg.Observability.SamplingRate == 0 {
		cfg.Observability.SamplingRate = 1.0
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

func validate(cfg *Config) error {
	switch cfg.LLM.Provider {
	case "anthropic", "openai", "bedrock", "failover":
	default:
		return fmt.Errorf("config: unknown llm provider %q", cfg.LLM.Provider)
	}
	switch cfg.Sessions.Backend {
	case "memory":
	case "sqlite":
		if cfg.Sessions.Path == "" {
			return fmt.Errorf("config: sessions.path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("config: unknown sessions backend %q", cfg.Sessions.Backend)
	}
	if cfg.Loop.HitRateThreshold < 0 || cfg.Loop.HitRateThreshold > 1 {
		return fmt.Errorf("config: loop.hit_rate_threshold must be within [0,1]")
	}
	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown logging level %q", cfg.Logging.Level)
	}
	return nil
}
