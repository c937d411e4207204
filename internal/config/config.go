// File: internal/config/config.go
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger LoggerConfig `mapstructure:"logger" yaml:"logger"`
	Engine EngineConfig `mapstructure:"engine" yaml:"engine"`
	Agent  AgentConfig  `mapstructure:"agent" yaml:"agent"`
	Verify VerifyConfig `mapstructure:"verify" yaml:"verify"`
	Git    GitConfig    `mapstructure:"git" yaml:"git"`
	GitHub GitHubConfig `mapstructure:"github" yaml:"github"`
	Admin  AdminConfig  `mapstructure:"admin" yaml:"admin"`
}

// LoggerConfig controls the zap logger and its optional rotated file sink.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// EngineConfig controls the goal lifecycle engine and the retry scheduler.
type EngineConfig struct {
	// RepoRoot is the checkout the engine evolves. Defaults to the working dir.
	RepoRoot string `mapstructure:"repo_root" yaml:"repo_root"`
	// DataDir holds the persisted JSON documents and self-evolution diffs.
	DataDir          string        `mapstructure:"data_dir" yaml:"data_dir"`
	TickInterval     time.Duration `mapstructure:"tick_interval" yaml:"tick_interval"`
	MaxFixAttempts   int           `mapstructure:"max_fix_attempts" yaml:"max_fix_attempts"`
	MaxRetryAttempts int           `mapstructure:"max_retry_attempts" yaml:"max_retry_attempts"`
	RetryBase        time.Duration `mapstructure:"retry_base" yaml:"retry_base"`
	RetryMax         time.Duration `mapstructure:"retry_max" yaml:"retry_max"`
	// SelfSource marks the engine's own source tree; changes at or under this
	// path trigger the isolated self-modification commit path.
	SelfSource string `mapstructure:"self_source" yaml:"self_source"`
	// HardRollback enables `git reset --hard` recovery when an isolated
	// self-commit fails verification.
	HardRollback bool          `mapstructure:"hard_rollback" yaml:"hard_rollback"`
	StageTimeout time.Duration `mapstructure:"stage_timeout" yaml:"stage_timeout"`
}

// AgentBackend selects the code-generation agent implementation.
type AgentBackend string

const (
	BackendCLI AgentBackend = "cli"
	BackendLLM AgentBackend = "llm"
)

// AgentConfig controls the code-generation agent collaborator.
type AgentConfig struct {
	Backend AgentBackend `mapstructure:"backend" yaml:"backend"`
	// Command and Args define the agent binary for the cli backend. The
	// prompt is delivered on stdin.
	Command string        `mapstructure:"command" yaml:"command"`
	Args    []string      `mapstructure:"args" yaml:"args"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
	// RateLimitMarkers are substrings of agent output that classify a
	// failure as rate-limited (and therefore retryable).
	RateLimitMarkers []string `mapstructure:"rate_limit_markers" yaml:"rate_limit_markers"`
	// MinInterval spaces successive agent invocations.
	MinInterval time.Duration   `mapstructure:"min_interval" yaml:"min_interval"`
	LLM         LLMRouterConfig `mapstructure:"llm" yaml:"llm"`
}

// LLMProvider identifies a model provider.
type LLMProvider string

const ProviderGemini LLMProvider = "gemini"

// LLMRouterConfig configures the model routing logic: the fast model serves
// short generations (commit messages, structure review), the powerful model
// serves planning and step execution.
type LLMRouterConfig struct {
	Provider      LLMProvider   `mapstructure:"provider" yaml:"provider"`
	APIKey        string        `mapstructure:"api_key" yaml:"api_key"`
	FastModel     string        `mapstructure:"fast_model" yaml:"fast_model"`
	PowerfulModel string        `mapstructure:"powerful_model" yaml:"powerful_model"`
	APITimeout    time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	Temperature   float32       `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens     int           `mapstructure:"max_tokens" yaml:"max_tokens"`
}

// VerifyConfig controls the verification collaborator.
type VerifyConfig struct {
	// Commands run in order through the platform shell; the first failure
	// ends the run.
	Commands []string      `mapstructure:"commands" yaml:"commands"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// GitConfig controls the git safety and commit pipeline.
type GitConfig struct {
	StableTag string `mapstructure:"stable_tag" yaml:"stable_tag"`
	// Remote and Branch are the explicit push target; missing pieces are
	// filled from the upstream tracking ref.
	Remote  string        `mapstructure:"remote" yaml:"remote"`
	Branch  string        `mapstructure:"branch" yaml:"branch"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// GitHubConfig enables the optional post-push commit comment.
type GitHubConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Token   string `mapstructure:"token" yaml:"token"`
	Owner   string `mapstructure:"owner" yaml:"owner"`
	Repo    string `mapstructure:"repo" yaml:"repo"`
}

// AdminConfig controls the admin HTTP surface.
type AdminConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// SetDefaults initializes default values for all configuration parameters.
func SetDefaults(v *viper.Viper) {
	// Logger defaults
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "evolved")
	v.SetDefault("logger.log_file", "evolved.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// Engine defaults
	v.SetDefault("engine.repo_root", ".")
	v.SetDefault("engine.data_dir", defaultDataDir())
	v.SetDefault("engine.tick_interval", "30s")
	v.SetDefault("engine.max_fix_attempts", 3)
	v.SetDefault("engine.max_retry_attempts", 5)
	v.SetDefault("engine.retry_base", "30s")
	v.SetDefault("engine.retry_max", "30m")
	v.SetDefault("engine.self_source", "internal/engine")
	v.SetDefault("engine.hard_rollback", false)
	v.SetDefault("engine.stage_timeout", "20m")

	// Agent defaults
	v.SetDefault("agent.backend", "cli")
	v.SetDefault("agent.command", "codex")
	v.SetDefault("agent.args", []string{"exec", "--full-auto", "-"})
	v.SetDefault("agent.timeout", "15m")
	v.SetDefault("agent.rate_limit_markers", []string{"rate limit", "429", "usage limit reached", "quota exceeded"})
	v.SetDefault("agent.min_interval", "2s")
	v.SetDefault("agent.llm.provider", "gemini")
	v.SetDefault("agent.llm.fast_model", "gemini-2.0-flash")
	v.SetDefault("agent.llm.powerful_model", "gemini-2.5-pro")
	v.SetDefault("agent.llm.api_timeout", "2m")
	v.SetDefault("agent.llm.temperature", 0.2)
	v.SetDefault("agent.llm.max_tokens", 8192)

	// Verify defaults
	v.SetDefault("verify.commands", []string{"go build ./...", "go test ./..."})
	v.SetDefault("verify.timeout", "10m")

	// Git defaults
	v.SetDefault("git.stable_tag", "stable")
	v.SetDefault("git.remote", "")
	v.SetDefault("git.branch", "")
	v.SetDefault("git.timeout", "2m")

	// GitHub defaults
	v.SetDefault("github.enabled", false)

	// Admin defaults
	v.SetDefault("admin.addr", "127.0.0.1:8345")
}

// defaultDataDir resolves ~/.evolved, falling back to a relative directory
// when the home directory cannot be determined.
func defaultDataDir() string {
	home, err := homedir.Dir()
	if err != nil {
		return ".evolved"
	}
	return filepath.Join(home, ".evolved")
}

// Load reads configuration from the given file (optional), environment
// variables with the EVOLVED_ prefix, and defaults.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("evolved")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("EVOLVED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; proceed with defaults and env vars.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// NewDefaultConfig creates a configuration populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Cannot happen with defaults only.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}
