// Package config defines the YAML configuration tree for the kk-ai-nl2sql
// server, with env-var expansion and .env loading.
package config

import (
	"fmt"

	"github.com/hwk-1212/kk-ai-nl2sql/pkg/observability"
)

// Config is the root configuration.
type Config struct {
	Server        ServerConfig            `yaml:"server"`
	Logging       LoggingConfig           `yaml:"logging"`
	Database      DatabaseConfig          `yaml:"database"`
	Redis         RedisConfig             `yaml:"redis"`
	LLM           LLMConfig               `yaml:"llm"`
	Pricing       map[string]ModelPricing `yaml:"pricing"`
	Memory        MemoryConfig            `yaml:"memory"`
	RAG           RAGConfig               `yaml:"rag"`
	Chat          ChatConfig              `yaml:"chat"`
	Tools         ToolsConfig             `yaml:"tools"`
	Observability observability.Config    `yaml:"observability"`
}

// SetDefaults applies defaults across the tree.
func (c *Config) SetDefaults() {
	c.Server.SetDefaults()
	c.Logging.SetDefaults()
	c.Database.SetDefaults()
	c.Redis.SetDefaults()
	c.LLM.SetDefaults()
	c.Memory.SetDefaults()
	c.RAG.SetDefaults()
	c.Chat.SetDefaults()
	c.Observability.SetDefaults()
}

// Validate checks the tree for misconfiguration.
func (c *Config) Validate() error {
	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := c.LLM.Validate(); err != nil {
		return fmt.Errorf("llm: %w", err)
	}
	if err := c.Chat.Validate(); err != nil {
		return fmt.Errorf("chat: %w", err)
	}
	return nil
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8000
	}
}

// Address returns the listen address.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "text"
	}
}

// RedisConfig configures the quota counter store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

func (c *RedisConfig) SetDefaults() {
	if c.Addr == "" {
		c.Addr = "localhost:6379"
	}
}

// LLMConfig holds the upstream provider table.
type LLMConfig struct {
	// Providers maps a provider name to its endpoint settings.
	Providers map[string]*ProviderConfig `yaml:"providers"`
	// DefaultModel is used when a request omits the model id.
	DefaultModel string `yaml:"default_model"`
}

func (c *LLMConfig) SetDefaults() {
	if c.DefaultModel == "" {
		c.DefaultModel = "deepseek-chat"
	}
	for _, p := range c.Providers {
		p.SetDefaults()
	}
}

func (c *LLMConfig) Validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider is required")
	}
	for name, p := range c.Providers {
		if p.BaseURL == "" {
			return fmt.Errorf("provider %q: base_url is required", name)
		}
		if len(p.Models) == 0 {
			return fmt.Errorf("provider %q: at least one model is required", name)
		}
	}
	return nil
}

// ProviderConfig describes one OpenAI-compatible upstream.
type ProviderConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	// Models lists the model ids served by this upstream.
	Models []string `yaml:"models"`
	// TimeoutSeconds bounds a single streaming request (0 = no timeout).
	TimeoutSeconds int `yaml:"timeout_seconds"`
	MaxRetries     int `yaml:"max_retries"`
}

func (c *ProviderConfig) SetDefaults() {
	if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
}

// MemoryConfig configures the external memory service client.
type MemoryConfig struct {
	Enabled        bool   `yaml:"enabled"`
	BaseURL        string `yaml:"base_url"`
	Token          string `yaml:"token"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

func (c *MemoryConfig) SetDefaults() {
	if c.TimeoutSeconds == 0 {
		c.TimeoutSeconds = 3
	}
}

// RAGConfig configures passage retrieval.
type RAGConfig struct {
	Qdrant    QdrantConfig    `yaml:"qdrant"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Rerank    RerankConfig    `yaml:"rerank"`
	TopK      int             `yaml:"top_k"`
}

func (c *RAGConfig) SetDefaults() {
	if c.Qdrant.Host == "" {
		c.Qdrant.Host = "localhost"
	}
	if c.Qdrant.Port == 0 {
		c.Qdrant.Port = 6334
	}
	if c.TopK == 0 {
		c.TopK = 5
	}
}

// QdrantConfig configures the vector store connection.
type QdrantConfig struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	APIKey string `yaml:"api_key,omitempty"`
	UseTLS bool   `yaml:"use_tls,omitempty"`
}

// EmbeddingConfig configures the query embedding endpoint.
type EmbeddingConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
}

// RerankConfig configures the optional rerank endpoint.
type RerankConfig struct {
	Enabled bool   `yaml:"enabled"`
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
}

// ModelPricing is the billing rate for one model, in currency units per
// thousand tokens. Models missing from the pricing table bill at a built-in
// default rate.
type ModelPricing struct {
	Input  float64 `yaml:"input"`
	Output float64 `yaml:"output"`
}

// ChatConfig bounds the orchestrator loop.
type ChatConfig struct {
	// MaxToolRounds caps LLM invocations per turn.
	MaxToolRounds int `yaml:"max_tool_rounds"`
	// MaxContextMessages caps the history slice passed to the LLM.
	MaxContextMessages int `yaml:"max_context_messages"`
	// SystemPrompt overrides the built-in assistant preamble.
	SystemPrompt string `yaml:"system_prompt"`
}

func (c *ChatConfig) SetDefaults() {
	if c.MaxToolRounds == 0 {
		c.MaxToolRounds = 10
	}
	if c.MaxContextMessages == 0 {
		c.MaxContextMessages = 20
	}
}

func (c *ChatConfig) Validate() error {
	if c.MaxToolRounds < 1 {
		return fmt.Errorf("max_tool_rounds must be positive")
	}
	if c.MaxContextMessages < 1 {
		return fmt.Errorf("max_context_messages must be positive")
	}
	return nil
}

// ToolsConfig configures the built-in tool set.
type ToolsConfig struct {
	// EnabledBuiltins filters the built-in partition exposed to the LLM.
	// Empty means all builtins.
	EnabledBuiltins []string `yaml:"enabled_builtins"`
	// WebSearch configures the external search backend for the web_search
	// builtin. Unset leaves the tool degraded (returns a notice).
	WebSearch WebSearchConfig `yaml:"web_search"`
	// SQLRowLimit caps rows returned by the execute_sql builtin.
	SQLRowLimit int `yaml:"sql_row_limit"`
}

// WebSearchConfig configures the web_search builtin backend.
type WebSearchConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}
