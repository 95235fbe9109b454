// Package config provides centralized configuration for the MCP relay.
// Configuration is layered: built-in defaults, then an optional YAML or TOML
// file, then environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	EnvDev  Environment = "dev"
	EnvTest Environment = "test"
	EnvProd Environment = "prod"
)

// Transport names accepted in server.transport.
const (
	TransportHTTP  = "http"
	TransportStdio = "stdio"
)

// Config holds all application configuration.
type Config struct {
	Environment   Environment         `yaml:"environment" toml:"environment" json:"environment"`
	Server        ServerConfig        `yaml:"server" toml:"server" json:"server"`
	Logging       LoggingConfig       `yaml:"logging" toml:"logging" json:"logging"`
	Auth          AuthConfig          `yaml:"auth" toml:"auth" json:"-"`
	Conversations ConversationsConfig `yaml:"conversations" toml:"conversations" json:"conversations"`
	Agents        AgentsConfig        `yaml:"agents" toml:"agents" json:"agents"`
}

// ServerConfig holds listener and request limits.
type ServerConfig struct {
	Addr      string `yaml:"addr" toml:"addr" json:"addr"`
	Transport string `yaml:"transport" toml:"transport" json:"transport"`

	ReadTimeout     time.Duration `yaml:"read_timeout" toml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" toml:"write_timeout" json:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" toml:"idle_timeout" json:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout" json:"shutdown_timeout"`

	// AgentTimeout bounds a single dispatch. Zero disables it.
	AgentTimeout time.Duration `yaml:"agent_timeout" toml:"agent_timeout" json:"agent_timeout"`

	// Request body size limit (DoS protection)
	MaxBodySize int64 `yaml:"max_body_size" toml:"max_body_size" json:"max_body_size"`
	Compress    bool  `yaml:"compress" toml:"compress" json:"compress"`
}

// LoggingConfig selects the log level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level" json:"level"`
	Format string `yaml:"format" toml:"format" json:"format"`
}

// AuthConfig holds credentials. None of it is ever serialized.
type AuthConfig struct {
	// Tokens are static bearer tokens accepted by the server.
	Tokens    []string `yaml:"tokens" toml:"tokens"`
	JWTSecret string   `yaml:"jwt_secret" toml:"jwt_secret"`
	// SigningSecret enables X-MCP-Signature-256 verification of request bodies.
	SigningSecret string `yaml:"signing_secret" toml:"signing_secret"`
}

// Enabled reports whether any authenticator is configured.
func (a AuthConfig) Enabled() bool {
	return len(a.Tokens) > 0 || a.JWTSecret != ""
}

// ConversationsConfig controls the conversation store.
type ConversationsConfig struct {
	Disabled      bool          `yaml:"disabled" toml:"disabled" json:"disabled"`
	Retention     time.Duration `yaml:"retention" toml:"retention" json:"retention"`
	PurgeInterval time.Duration `yaml:"purge_interval" toml:"purge_interval" json:"purge_interval"`
	// ArchivePath, when set, persists transcripts to a SQLite database.
	ArchivePath string `yaml:"archive_path" toml:"archive_path" json:"archive_path"`
	// ArchiveRetention prunes archived transcripts older than this. Zero
	// keeps them forever.
	ArchiveRetention time.Duration `yaml:"archive_retention" toml:"archive_retention" json:"archive_retention"`
}

// AgentsConfig holds per-agent settings.
type AgentsConfig struct {
	Echo     EchoConfig `yaml:"echo" toml:"echo" json:"echo"`
	OpenAI   LLMConfig  `yaml:"openai" toml:"openai" json:"openai"`
	DeepSeek LLMConfig  `yaml:"deepseek" toml:"deepseek" json:"deepseek"`
}

// EchoConfig configures the echo agent.
type EchoConfig struct {
	Disabled bool `yaml:"disabled" toml:"disabled" json:"disabled"`
}

// LLMConfig configures an agent backed by a chat completions API.
type LLMConfig struct {
	Disabled     bool          `yaml:"disabled" toml:"disabled" json:"disabled"`
	Endpoint     string        `yaml:"endpoint" toml:"endpoint" json:"endpoint"`
	APIKey       string        `yaml:"api_key" toml:"api_key" json:"-"`
	Model        string        `yaml:"model" toml:"model" json:"model"`
	SystemPrompt string        `yaml:"system_prompt" toml:"system_prompt" json:"system_prompt"`
	Timeout      time.Duration `yaml:"timeout" toml:"timeout" json:"timeout"`
	MaxTokens    int           `yaml:"max_tokens" toml:"max_tokens" json:"max_tokens"`
	MaxRetries   int           `yaml:"max_retries" toml:"max_retries" json:"max_retries"`
}

// Active reports whether the agent should be registered.
func (c LLMConfig) Active() bool { return !c.Disabled && c.APIKey != "" }

// Default returns the configuration used when nothing else is set.
func Default() *Config {
	return &Config{
		Environment: EnvDev,
		Server: ServerConfig{
			Addr:            ":8080",
			Transport:       TransportHTTP,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			IdleTimeout:     300 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			AgentTimeout:    90 * time.Second,
			MaxBodySize:     1 << 20,
			Compress:        true,
		},
		Logging: LoggingConfig{Level: "debug", Format: "text"},
		Conversations: ConversationsConfig{
			Retention:     24 * time.Hour,
			PurgeInterval: 10 * time.Minute,
		},
		Agents: AgentsConfig{
			OpenAI: LLMConfig{
				Endpoint:   "https://api.openai.com/v1",
				Model:      "gpt-3.5-turbo",
				Timeout:    30 * time.Second,
				MaxRetries: 2,
			},
			DeepSeek: LLMConfig{
				Endpoint:   "https://api.deepseek.ai/v1",
				Model:      "deepseek-chat",
				Timeout:    30 * time.Second,
				MaxRetries: 2,
			},
		},
	}
}

// Load builds the configuration. path may be empty, in which case only
// defaults and environment variables apply. Files ending in .toml are parsed
// as TOML, everything else as YAML. ${VAR} references in the file are
// expanded before parsing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	expanded := expandEnvVars(string(data))

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(expanded, c); err != nil {
			return fmt.Errorf("parsing config file: %w", err)
		}
	default:
		if err := yaml.Unmarshal([]byte(expanded), c); err != nil {
			return fmt.Errorf("parsing config file: %w", err)
		}
	}
	return nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables expand to an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func (c *Config) applyEnv() {
	if env := Environment(getEnv("ENVIRONMENT", "")); env != "" {
		c.Environment = env
	}
	if c.Environment != EnvDev && c.Environment != EnvTest && c.Environment != EnvProd {
		c.Environment = EnvDev
	}

	if port := os.Getenv("PORT"); port != "" {
		c.Server.Addr = ":" + port
	}
	c.Server.Addr = getEnv("MCP_ADDR", c.Server.Addr)
	c.Server.Transport = getEnv("MCP_TRANSPORT", c.Server.Transport)
	c.Server.ReadTimeout = getDurationEnv("HTTP_READ_TIMEOUT", c.Server.ReadTimeout)
	c.Server.WriteTimeout = getDurationEnv("HTTP_WRITE_TIMEOUT", c.Server.WriteTimeout)
	c.Server.IdleTimeout = getDurationEnv("HTTP_IDLE_TIMEOUT", c.Server.IdleTimeout)
	c.Server.AgentTimeout = getDurationEnv("AGENT_TIMEOUT", c.Server.AgentTimeout)
	c.Server.MaxBodySize = getInt64Env("MAX_BODY_SIZE", c.Server.MaxBodySize)
	c.Server.Compress = getBoolEnv("HTTP_COMPRESS", c.Server.Compress)

	c.Logging.Level = getEnv("LOG_LEVEL", logLevelForEnv(c.Environment, c.Logging.Level))
	c.Logging.Format = getEnv("LOG_FORMAT", c.Logging.Format)

	if tokens := os.Getenv("MCP_AUTH_TOKENS"); tokens != "" {
		c.Auth.Tokens = splitList(tokens)
	}
	c.Auth.JWTSecret = getEnv("MCP_JWT_SECRET", c.Auth.JWTSecret)
	c.Auth.SigningSecret = getEnv("MCP_SIGNING_SECRET", c.Auth.SigningSecret)

	c.Conversations.Disabled = getBoolEnv("CONVERSATIONS_DISABLED", c.Conversations.Disabled)
	c.Conversations.Retention = getDurationEnv("CONVERSATION_RETENTION", c.Conversations.Retention)
	c.Conversations.PurgeInterval = getDurationEnv("CONVERSATION_PURGE_INTERVAL", c.Conversations.PurgeInterval)
	c.Conversations.ArchivePath = getEnv("CONVERSATION_ARCHIVE", c.Conversations.ArchivePath)
	c.Conversations.ArchiveRetention = getDurationEnv("CONVERSATION_ARCHIVE_RETENTION", c.Conversations.ArchiveRetention)

	c.Agents.Echo.Disabled = getBoolEnv("ECHO_DISABLED", c.Agents.Echo.Disabled)
	applyLLMEnv(&c.Agents.OpenAI, "OPENAI")
	applyLLMEnv(&c.Agents.DeepSeek, "DEEPSEEK")
}

func applyLLMEnv(c *LLMConfig, prefix string) {
	c.Disabled = getBoolEnv(prefix+"_DISABLED", c.Disabled)
	c.APIKey = getEnv(prefix+"_API_KEY", c.APIKey)
	c.Endpoint = getEnv(prefix+"_ENDPOINT", c.Endpoint)
	c.Model = getEnv(prefix+"_MODEL", c.Model)
	c.Timeout = getDurationEnv(prefix+"_TIMEOUT", c.Timeout)
	c.MaxTokens = getIntEnv(prefix+"_MAX_TOKENS", c.MaxTokens)
	c.MaxRetries = getIntEnv(prefix+"_MAX_RETRIES", c.MaxRetries)
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Server.Transport != TransportHTTP && c.Server.Transport != TransportStdio {
		return fmt.Errorf("server.transport must be %q or %q, got %q", TransportHTTP, TransportStdio, c.Server.Transport)
	}
	if c.Server.Transport == TransportHTTP && c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Server.MaxBodySize <= 0 {
		return fmt.Errorf("server.max_body_size must be positive")
	}
	if c.Environment == EnvProd && c.Server.Transport == TransportHTTP && !c.Auth.Enabled() {
		return fmt.Errorf("auth.tokens or auth.jwt_secret is required in production")
	}
	if !c.Conversations.Disabled && c.Conversations.Retention <= 0 {
		return fmt.Errorf("conversations.retention must be positive")
	}
	if !c.Conversations.Disabled && c.Conversations.PurgeInterval <= 0 {
		return fmt.Errorf("conversations.purge_interval must be positive")
	}
	for name, llm := range map[string]LLMConfig{"openai": c.Agents.OpenAI, "deepseek": c.Agents.DeepSeek} {
		if llm.Active() && (llm.Endpoint == "" || llm.Model == "") {
			return fmt.Errorf("agents.%s requires endpoint and model", name)
		}
	}
	return nil
}

// IsProd returns true if running in production.
func (c *Config) IsProd() bool { return c.Environment == EnvProd }

func logLevelForEnv(env Environment, fallback string) string {
	if env == EnvProd && (fallback == "" || fallback == "debug") {
		return "info"
	}
	if fallback == "" {
		return "debug"
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getIntEnv(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func getInt64Env(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			return n
		}
	}
	return defaultVal
}

func getBoolEnv(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		switch strings.ToLower(val) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	return defaultVal
}

func getDurationEnv(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
