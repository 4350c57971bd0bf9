package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/modelgateway/relay/pkg/observability"
)

// Config is the full gateway configuration. Every section carries its own
// defaults and validation so a partial YAML file yields a runnable setup.
type Config struct {
	Server    ServerConfig                `yaml:"server"`
	Logging   LoggingConfig               `yaml:"logging"`
	Metrics   MetricsConfig               `yaml:"metrics"`
	Tracing   observability.TracerConfig  `yaml:"tracing"`
	Store     StoreConfig                 `yaml:"store"`
	Cache     CacheConfig                 `yaml:"cache"`
	Blob      BlobConfig                  `yaml:"blob"`
	Providers ProvidersConfig             `yaml:"providers"`
	Tools     ToolsConfig                 `yaml:"tools"`
	Runner    RunnerConfig                `yaml:"runner"`
	Credits   CreditsConfig               `yaml:"credits"`
	Tenants   []TenantConfig              `yaml:"tenants"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr string `yaml:"addr"`
	// BaseURL, when set, is prepended to run URLs returned in responses.
	BaseURL string `yaml:"base_url"`
	// FeedbackSecret enables signed feedback tokens when non-empty.
	FeedbackSecret string `yaml:"feedback_secret"`
}

func (c *ServerConfig) SetDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
}

func (c *ServerConfig) Validate() error {
	return nil
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
}

func (c *LoggingConfig) Validate() error {
	switch strings.ToLower(c.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.Level)
	}
	switch c.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("invalid log format %q", c.Format)
	}
	return nil
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

func (c *MetricsConfig) SetDefaults() {
	if c.Namespace == "" {
		c.Namespace = "relay"
	}
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Backend string      `yaml:"backend"`
	Mongo   MongoConfig `yaml:"mongo"`
}

type MongoConfig struct {
	URI      string        `yaml:"uri"`
	Database string        `yaml:"database"`
	Timeout  time.Duration `yaml:"timeout"`
}

func (c *StoreConfig) SetDefaults() {
	if c.Backend == "" {
		if c.Mongo.URI != "" {
			c.Backend = "mongo"
		} else {
			c.Backend = "memory"
		}
	}
	if c.Mongo.Database == "" {
		c.Mongo.Database = "relay"
	}
	if c.Mongo.Timeout <= 0 {
		c.Mongo.Timeout = 5 * time.Second
	}
}

func (c *StoreConfig) Validate() error {
	switch c.Backend {
	case "memory":
	case "mongo":
		if c.Mongo.URI == "" {
			return fmt.Errorf("store.mongo.uri is required for the mongo backend")
		}
	default:
		return fmt.Errorf("invalid store backend %q", c.Backend)
	}
	return nil
}

// CacheConfig selects the run cache backend.
type CacheConfig struct {
	Backend string        `yaml:"backend"`
	TTL     time.Duration `yaml:"ttl"`
	Redis   RedisConfig   `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

func (c *CacheConfig) SetDefaults() {
	if c.Backend == "" {
		if c.Redis.Addr != "" {
			c.Backend = "redis"
		} else {
			c.Backend = "memory"
		}
	}
	if c.TTL <= 0 {
		c.TTL = 24 * time.Hour
	}
}

func (c *CacheConfig) Validate() error {
	switch c.Backend {
	case "memory", "none":
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("cache.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("invalid cache backend %q", c.Backend)
	}
	return nil
}

// BlobConfig selects where oversized run payloads are offloaded.
type BlobConfig struct {
	Backend string   `yaml:"backend"`
	S3      S3Config `yaml:"s3"`
}

type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`
}

func (c *BlobConfig) SetDefaults() {
	if c.Backend == "" {
		if c.S3.Bucket != "" {
			c.Backend = "s3"
		} else {
			c.Backend = "memory"
		}
	}
}

func (c *BlobConfig) Validate() error {
	switch c.Backend {
	case "memory", "none":
	case "s3":
		if c.S3.Bucket == "" {
			return fmt.Errorf("blob.s3.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("invalid blob backend %q", c.Backend)
	}
	return nil
}

// ProvidersConfig carries the upstream LLM credentials. Empty keys leave the
// provider unregistered.
type ProvidersConfig struct {
	OpenAIAPIKey    string        `yaml:"openai_api_key"`
	AnthropicAPIKey string        `yaml:"anthropic_api_key"`
	GoogleAPIKey    string        `yaml:"google_api_key"`
	MistralAPIKey   string        `yaml:"mistral_api_key"`
	XAIAPIKey       string        `yaml:"xai_api_key"`
	CerebrasAPIKey  string        `yaml:"cerebras_api_key"`
	Bedrock         BedrockConfig `yaml:"bedrock"`
}

type BedrockConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
}

func (c *ProvidersConfig) Validate() error {
	if c.Bedrock.Enabled && c.Bedrock.Region == "" {
		return fmt.Errorf("providers.bedrock.region is required when bedrock is enabled")
	}
	return nil
}

// Empty reports whether no provider has credentials at all.
func (c *ProvidersConfig) Empty() bool {
	return c.OpenAIAPIKey == "" && c.AnthropicAPIKey == "" && c.GoogleAPIKey == "" &&
		c.MistralAPIKey == "" && c.XAIAPIKey == "" && c.CerebrasAPIKey == "" && !c.Bedrock.Enabled
}

// ToolsConfig carries hosted tool credentials.
type ToolsConfig struct {
	GoogleSearchAPIKey   string `yaml:"google_search_api_key"`
	GoogleSearchEngineID string `yaml:"google_search_engine_id"`
	PerplexityAPIKey     string `yaml:"perplexity_api_key"`
}

// RunnerConfig tunes the retry and tool-loop behavior.
type RunnerConfig struct {
	TransientRetries int           `yaml:"transient_retries"`
	BaseDelay        time.Duration `yaml:"base_delay"`
	ToolDepth        int           `yaml:"tool_depth"`
}

func (c *RunnerConfig) SetDefaults() {
	if c.TransientRetries <= 0 {
		c.TransientRetries = 2
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 500 * time.Millisecond
	}
	if c.ToolDepth <= 0 {
		c.ToolDepth = 8
	}
}

type CreditsConfig struct {
	// FloorUSD is the lowest a balance may go when charging an in-flight
	// run. Negative values allow bounded overdraft.
	FloorUSD float64 `yaml:"floor_usd"`
}

// TenantConfig seeds a tenant into the in-memory directory. Ignored when the
// store backend is mongo, where tenants live in the database.
type TenantConfig struct {
	Name                  string   `yaml:"name"`
	UID                   int64    `yaml:"uid"`
	Tokens                []string `yaml:"tokens"`
	CreditsUSD            float64  `yaml:"credits_usd"`
	LowCreditThresholdUSD float64  `yaml:"low_credit_threshold_usd"`
}

func (c *TenantConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("tenant name is required")
	}
	if c.UID == 0 {
		return fmt.Errorf("tenant %q needs a non-zero uid", c.Name)
	}
	if len(c.Tokens) == 0 {
		return fmt.Errorf("tenant %q needs at least one token", c.Name)
	}
	return nil
}

// SetDefaults fills in defaults section by section.
func (c *Config) SetDefaults() {
	c.Server.SetDefaults()
	c.Logging.SetDefaults()
	c.Metrics.SetDefaults()
	c.Store.SetDefaults()
	c.Cache.SetDefaults()
	c.Blob.SetDefaults()
	c.Runner.SetDefaults()
}

// Validate checks the whole configuration.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return err
	}
	if err := c.Logging.Validate(); err != nil {
		return err
	}
	if err := c.Store.Validate(); err != nil {
		return err
	}
	if err := c.Cache.Validate(); err != nil {
		return err
	}
	if err := c.Blob.Validate(); err != nil {
		return err
	}
	if err := c.Providers.Validate(); err != nil {
		return err
	}
	seen := make(map[string]bool, len(c.Tenants))
	for i := range c.Tenants {
		t := &c.Tenants[i]
		if err := t.Validate(); err != nil {
			return err
		}
		if seen[t.Name] {
			return fmt.Errorf("duplicate tenant %q", t.Name)
		}
		seen[t.Name] = true
	}
	return nil
}
