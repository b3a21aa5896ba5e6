// Package config loads process configuration from an optional YAML file with
// environment variable overrides, and enforces production secret hygiene at
// startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Placeholder values that must never reach production.
const (
	placeholderDBPassword  = "changeme"
	placeholderStoreKey    = "minioadmin"
	placeholderStoreSecret = "minioadmin"
)

// Config is the process-wide configuration shared by the orchestrator and
// the scheduler worker.
type Config struct {
	ProductionMode bool `yaml:"production_mode"`

	DatabaseURL   string `yaml:"database_url"`
	RedisURL      string `yaml:"redis_url"`
	RedisPassword string `yaml:"redis_password"`

	Providers ProvidersConfig `yaml:"providers"`
	Models    ModelsConfig    `yaml:"models"`
	Agent     AgentConfig     `yaml:"agent"`
	Modules   ModulesConfig   `yaml:"modules"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Guests    GuestConfig     `yaml:"guests"`

	ObjectStoreAccessKey string `yaml:"object_store_access_key"`
	ObjectStoreSecretKey string `yaml:"object_store_secret_key"`
}

// ProvidersConfig holds per-vendor API keys.
type ProvidersConfig struct {
	AnthropicAPIKey string `yaml:"anthropic_api_key"`
	OpenAIAPIKey    string `yaml:"openai_api_key"`
	GeminiAPIKey    string `yaml:"gemini_api_key"`
}

// ModelsConfig selects default models and the fallback chain. Fallback chain
// entries are "provider/model" pairs tried in order on transient errors.
type ModelsConfig struct {
	DefaultModel       string   `yaml:"default_model"`
	SummarizationModel string   `yaml:"summarization_model"`
	EmbeddingModel     string   `yaml:"embedding_model"`
	FallbackChain      []string `yaml:"fallback_chain"`
}

// AgentConfig bounds the agent loop and the context builder.
type AgentConfig struct {
	MaxIterations              int     `yaml:"max_agent_iterations"`
	ConversationTimeoutMinutes int     `yaml:"conversation_timeout_minutes"`
	WorkingMemoryMessages      int     `yaml:"working_memory_messages"`
	MinimalMemoryMessages      int     `yaml:"minimal_memory_messages"`
	ToolResultMaxChars         int     `yaml:"tool_result_max_chars"`
	HistoryToolResultMaxChars  int     `yaml:"history_tool_result_max_chars"`
	MemoryRelevanceThreshold   float64 `yaml:"memory_relevance_threshold"`
	ToolSchemaTokenBudget      int     `yaml:"tool_schema_token_budget"`
}

// ModulesConfig maps module names to their service base URLs.
type ModulesConfig struct {
	ServiceURLs          map[string]string `yaml:"service_urls"`
	ExecutionTimeout     time.Duration     `yaml:"tool_execution_timeout"`
	SlowModules          []string          `yaml:"slow_modules"`
	SlowExecutionTimeout time.Duration     `yaml:"slow_tool_execution_timeout"`
}

// SchedulerConfig tunes the background worker.
type SchedulerConfig struct {
	LoopInterval    time.Duration `yaml:"loop_interval"`
	ContinueTimeout time.Duration `yaml:"continue_timeout"`
	WebhookPort     int           `yaml:"webhook_port"`
}

// ServerConfig configures the orchestrator HTTP server.
type ServerConfig struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	OrchestratorURL string `yaml:"orchestrator_url"`
}

// AuthConfig holds shared service secrets.
type AuthConfig struct {
	ServiceToken            string `yaml:"service_auth_token"`
	CredentialEncryptionKey string `yaml:"credential_encryption_key"`
	PortalJWTSecret         string `yaml:"portal_jwt_secret"`
}

// GuestConfig controls auto-created guest users.
type GuestConfig struct {
	TokenBudget    int64    `yaml:"default_guest_token_budget"`
	DefaultModules []string `yaml:"default_guest_modules"`
}

// Default returns a configuration with all documented defaults applied.
func Default() *Config {
	return &Config{
		Models: ModelsConfig{
			DefaultModel:       "claude-sonnet-4-5",
			SummarizationModel: "gpt-4o-mini",
			EmbeddingModel:     "text-embedding-3-small",
		},
		Agent: AgentConfig{
			MaxIterations:              10,
			ConversationTimeoutMinutes: 30,
			WorkingMemoryMessages:      12,
			MinimalMemoryMessages:      2,
			ToolResultMaxChars:         3000,
			HistoryToolResultMaxChars:  1500,
			MemoryRelevanceThreshold:   0.75,
			ToolSchemaTokenBudget:      4000,
		},
		Modules: ModulesConfig{
			ServiceURLs:          map[string]string{},
			ExecutionTimeout:     120 * time.Second,
			SlowExecutionTimeout: 300 * time.Second,
		},
		Scheduler: SchedulerConfig{
			LoopInterval:    10 * time.Second,
			ContinueTimeout: 180 * time.Second,
			WebhookPort:     8091,
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8090,
		},
		Guests: GuestConfig{
			TokenBudget:    5000,
			DefaultModules: []string{"research"},
		},
	}
}

// Load reads the optional YAML file at path (skipped when empty), applies
// environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.DatabaseURL, "DATABASE_URL")
	setString(&c.RedisURL, "REDIS_URL")
	setString(&c.RedisPassword, "REDIS_PASSWORD")
	setBool(&c.ProductionMode, "PRODUCTION_MODE")

	setString(&c.Providers.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	setString(&c.Providers.OpenAIAPIKey, "OPENAI_API_KEY")
	setString(&c.Providers.GeminiAPIKey, "GEMINI_API_KEY")

	setString(&c.Models.DefaultModel, "DEFAULT_MODEL")
	setString(&c.Models.SummarizationModel, "SUMMARIZATION_MODEL")
	setString(&c.Models.EmbeddingModel, "EMBEDDING_MODEL")
	if v := os.Getenv("FALLBACK_CHAIN"); v != "" {
		c.Models.FallbackChain = splitList(v)
	}

	setInt(&c.Agent.MaxIterations, "MAX_AGENT_ITERATIONS")
	setInt(&c.Agent.ConversationTimeoutMinutes, "CONVERSATION_TIMEOUT_MINUTES")
	setInt(&c.Agent.WorkingMemoryMessages, "WORKING_MEMORY_MESSAGES")
	setInt(&c.Agent.MinimalMemoryMessages, "MINIMAL_MEMORY_MESSAGES")
	setInt(&c.Agent.ToolResultMaxChars, "TOOL_RESULT_MAX_CHARS")
	setInt(&c.Agent.HistoryToolResultMaxChars, "HISTORY_TOOL_RESULT_MAX_CHARS")
	setFloat(&c.Agent.MemoryRelevanceThreshold, "MEMORY_RELEVANCE_THRESHOLD")
	setInt(&c.Agent.ToolSchemaTokenBudget, "TOOL_SCHEMA_TOKEN_BUDGET")

	setSeconds(&c.Modules.ExecutionTimeout, "TOOL_EXECUTION_TIMEOUT")
	if v := os.Getenv("SLOW_MODULES"); v != "" {
		c.Modules.SlowModules = splitList(v)
	}
	if v := os.Getenv("MODULE_SERVICE_URLS"); v != "" {
		urls, err := parseURLMap(v)
		if err == nil {
			c.Modules.ServiceURLs = urls
		}
	}

	setSeconds(&c.Scheduler.LoopInterval, "LOOP_INTERVAL_SECONDS")
	setString(&c.Server.OrchestratorURL, "ORCHESTRATOR_URL")

	setString(&c.Auth.ServiceToken, "SERVICE_AUTH_TOKEN")
	setString(&c.Auth.CredentialEncryptionKey, "CREDENTIAL_ENCRYPTION_KEY")
	setString(&c.Auth.PortalJWTSecret, "PORTAL_JWT_SECRET")

	setInt64(&c.Guests.TokenBudget, "DEFAULT_GUEST_TOKEN_BUDGET")
	if v := os.Getenv("DEFAULT_GUEST_MODULES"); v != "" {
		c.Guests.DefaultModules = splitList(v)
	}

	setString(&c.ObjectStoreAccessKey, "OBJECT_STORE_ACCESS_KEY")
	setString(&c.ObjectStoreSecretKey, "OBJECT_STORE_SECRET_KEY")
}

// Validate enforces baseline sanity plus, in production mode, strict secret
// checks: no empty auth material, no placeholder database password, no
// default object-store credentials.
func (c *Config) Validate() error {
	if c.Agent.MaxIterations <= 0 {
		return fmt.Errorf("max_agent_iterations must be positive")
	}
	if c.Agent.MinimalMemoryMessages > c.Agent.WorkingMemoryMessages {
		return fmt.Errorf("minimal_memory_messages exceeds working_memory_messages")
	}
	if c.Scheduler.LoopInterval <= 0 {
		return fmt.Errorf("scheduler loop_interval must be positive")
	}

	if !c.ProductionMode {
		return nil
	}

	if strings.TrimSpace(c.Auth.ServiceToken) == "" {
		return fmt.Errorf("production mode: service_auth_token is required")
	}
	if strings.TrimSpace(c.Auth.CredentialEncryptionKey) == "" {
		return fmt.Errorf("production mode: credential_encryption_key is required")
	}
	if strings.TrimSpace(c.Auth.PortalJWTSecret) == "" {
		return fmt.Errorf("production mode: portal_jwt_secret is required")
	}
	if strings.Contains(c.DatabaseURL, placeholderDBPassword) {
		return fmt.Errorf("production mode: database_url still uses the placeholder password")
	}
	if c.ObjectStoreAccessKey == placeholderStoreKey || c.ObjectStoreSecretKey == placeholderStoreSecret {
		return fmt.Errorf("production mode: object store credentials are defaults")
	}
	return nil
}

// ConversationTimeout returns the idle window after which a new conversation
// starts in the same channel/thread.
func (c *Config) ConversationTimeout() time.Duration {
	return time.Duration(c.Agent.ConversationTimeoutMinutes) * time.Minute
}

// ModuleTimeout returns the execution deadline for the named module,
// honoring the slow-module override list.
func (c *Config) ModuleTimeout(module string) time.Duration {
	for _, slow := range c.Modules.SlowModules {
		if strings.EqualFold(strings.TrimSpace(slow), module) {
			return c.Modules.SlowExecutionTimeout
		}
	}
	return c.Modules.ExecutionTimeout
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			*dst = b
		}
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			*dst = f
		}
	}
}

func setSeconds(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil && n > 0 {
			*dst = time.Duration(n) * time.Second
		}
	}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// parseURLMap parses "name=url,name=url" pairs.
func parseURLMap(v string) (map[string]string, error) {
	out := map[string]string{}
	for _, pair := range strings.Split(v, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, url, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid module url entry %q", pair)
		}
		out[strings.TrimSpace(name)] = strings.TrimSpace(url)
	}
	return out, nil
}
