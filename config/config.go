package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the quiz chain service
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Quiz         QuizConfig         `mapstructure:"quiz"`
	LLM          LLMConfig          `mapstructure:"llm"`
	Chain        ChainConfig        `mapstructure:"chain"`
	Capabilities CapabilitiesConfig `mapstructure:"capabilities"`
	Policy       PolicyConfig       `mapstructure:"policy"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry"`
	Runs         RunsConfig         `mapstructure:"runs"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port string `mapstructure:"port"`
}

// Address returns host:port for the listener.
func (s ServerConfig) Address() string {
	return strings.TrimSpace(s.Host) + ":" + strings.TrimPrefix(strings.TrimSpace(s.Port), ":")
}

// QuizConfig holds the expected caller credentials.
type QuizConfig struct {
	Secret string `mapstructure:"secret"`
	Email  string `mapstructure:"email"`
}

// LLMConfig configures the reasoning backend (OpenAI or Azure OpenAI compatible).
type LLMConfig struct {
	Provider    string        `mapstructure:"provider"` // openai, azure
	BaseURL     string        `mapstructure:"base_url"`
	APIKey      string        `mapstructure:"api_key"`
	Model       string        `mapstructure:"model"`
	APIVersion  string        `mapstructure:"api_version"`
	Temperature float64       `mapstructure:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// Normalize applies defaults for unset LLM values.
func (c LLMConfig) Normalize() LLMConfig {
	c.Provider = strings.ToLower(strings.TrimSpace(c.Provider))
	if c.Provider == "" {
		if strings.Contains(c.BaseURL, ".azure.com") {
			c.Provider = "azure"
		} else {
			c.Provider = "openai"
		}
	}
	if c.Model == "" {
		c.Model = "gpt-4o"
	}
	if c.Provider == "azure" && c.APIVersion == "" {
		c.APIVersion = apiVersionFromEndpoint(c.BaseURL)
		if c.APIVersion == "" {
			c.APIVersion = "2024-05-01-preview"
		}
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 4096
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	return c
}

// Validate checks the LLM configuration.
func (c LLMConfig) Validate() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return fmt.Errorf("llm.api_key required")
	}
	if c.Provider == "azure" && strings.TrimSpace(c.BaseURL) == "" {
		return fmt.Errorf("llm.base_url required for azure provider")
	}
	if c.Provider != "openai" && c.Provider != "azure" {
		return fmt.Errorf("llm.provider %q not supported", c.Provider)
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("llm.temperature must be within [0, 2]")
	}
	return nil
}

// ChainConfig bounds a single chain run.
type ChainConfig struct {
	TimeBudget    time.Duration `mapstructure:"time_budget"`
	MaxHops       int           `mapstructure:"max_hops"`
	MaxConcurrent int           `mapstructure:"max_concurrent"`
}

// Normalize applies defaults for unset chain values.
func (c ChainConfig) Normalize() ChainConfig {
	if c.TimeBudget <= 0 {
		c.TimeBudget = 3 * time.Minute
	}
	if c.MaxHops <= 0 {
		c.MaxHops = 20
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	return c
}

// CapabilitiesConfig tunes the individual capabilities.
type CapabilitiesConfig struct {
	FetchTimeout    time.Duration `mapstructure:"fetch_timeout"`
	RenderTimeout   time.Duration `mapstructure:"render_timeout"`
	DownloadTimeout time.Duration `mapstructure:"download_timeout"`
	SubmitTimeout   time.Duration `mapstructure:"submit_timeout"`
	MaxChars        int           `mapstructure:"max_chars"`
	DownloadsDir    string        `mapstructure:"downloads_dir"`
	UserAgent       string        `mapstructure:"user_agent"`
}

// Normalize applies defaults for unset capability values.
func (c CapabilitiesConfig) Normalize() CapabilitiesConfig {
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 30 * time.Second
	}
	if c.RenderTimeout <= 0 {
		c.RenderTimeout = 30 * time.Second
	}
	if c.DownloadTimeout <= 0 {
		c.DownloadTimeout = 60 * time.Second
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = 30 * time.Second
	}
	if c.MaxChars <= 0 {
		c.MaxChars = 20000
	}
	if strings.TrimSpace(c.DownloadsDir) == "" {
		wd, err := os.Getwd()
		if err != nil {
			wd = os.TempDir()
		}
		c.DownloadsDir = filepath.Join(wd, "downloads")
	}
	if strings.TrimSpace(c.UserAgent) == "" {
		c.UserAgent = "quizchain/1.0"
	}
	return c
}

// PolicyConfig points at the optional network policy file.
type PolicyConfig struct {
	File         string `mapstructure:"file"`
	MaxDownload  string `mapstructure:"max_download"`
	BlockPrivate bool   `mapstructure:"block_private"`
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	ServiceName  string `mapstructure:"service_name"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

// RunsConfig selects where run snapshots are kept.
type RunsConfig struct {
	Backend string        `mapstructure:"backend"` // memory, redis
	TTL     time.Duration `mapstructure:"ttl"`
	Limit   int           `mapstructure:"limit"`
	Redis   RedisConfig   `mapstructure:"redis"`
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Normalize applies defaults for unset run store values.
func (r RunsConfig) Normalize() RunsConfig {
	r.Backend = strings.ToLower(strings.TrimSpace(r.Backend))
	if r.Backend == "" {
		r.Backend = "memory"
	}
	if r.TTL <= 0 {
		r.TTL = 24 * time.Hour
	}
	if r.Limit <= 0 {
		r.Limit = 500
	}
	if r.Redis.Timeout <= 0 {
		r.Redis.Timeout = 3 * time.Second
	}
	return r
}

// Validate checks the run store configuration.
func (r RunsConfig) Validate() error {
	switch r.Backend {
	case "memory":
		return nil
	case "redis":
		if strings.TrimSpace(r.Redis.Addr) == "" {
			return fmt.Errorf("runs.redis.addr required for redis backend")
		}
		return nil
	default:
		return fmt.Errorf("runs.backend %q not supported", r.Backend)
	}
}

// Normalize applies defaults to every section.
func (c *Config) Normalize() {
	if strings.TrimSpace(c.Server.Port) == "" {
		c.Server.Port = "8000"
	}
	if strings.TrimSpace(c.Server.Host) == "" {
		c.Server.Host = "0.0.0.0"
	}
	c.LLM = c.LLM.Normalize()
	c.Chain = c.Chain.Normalize()
	c.Capabilities = c.Capabilities.Normalize()
	c.Runs = c.Runs.Normalize()
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "quizchain"
	}
}

// Validate checks settings required to serve requests.
func (c *Config) Validate() error {
	if err := c.LLM.Validate(); err != nil {
		return err
	}
	if err := c.Runs.Validate(); err != nil {
		return err
	}
	if c.Chain.MaxHops < 1 {
		return fmt.Errorf("chain.max_hops must be >= 1")
	}
	return nil
}

// envBindings maps config keys to the environment variables that may set them, in
// order of precedence.
var envBindings = map[string][]string{
	"quiz.secret":       {"QUIZCHAIN_QUIZ_SECRET", "QUIZ_SECRET"},
	"quiz.email":        {"QUIZCHAIN_QUIZ_EMAIL", "STUDENT_EMAIL"},
	"llm.base_url":      {"QUIZCHAIN_LLM_BASE_URL", "AZURE_AI_ENDPOINT"},
	"llm.api_key":       {"QUIZCHAIN_LLM_API_KEY", "AZURE_AI_CREDENTIAL", "OPENAI_API_KEY"},
	"llm.model":         {"QUIZCHAIN_LLM_MODEL", "AZURE_MODEL_NAME"},
	"llm.api_version":   {"QUIZCHAIN_LLM_API_VERSION", "AZURE_API_VERSION"},
	"server.port":       {"QUIZCHAIN_SERVER_PORT", "PORT"},
	"server.host":       {"QUIZCHAIN_SERVER_HOST", "HOST"},
	"runs.redis.addr":   {"QUIZCHAIN_RUNS_REDIS_ADDR", "REDIS_ADDR"},
	"llm.temperature":   {"QUIZCHAIN_LLM_TEMPERATURE"},
	"chain.time_budget": {"QUIZCHAIN_CHAIN_TIME_BUDGET"},
	"chain.max_hops":    {"QUIZCHAIN_CHAIN_MAX_HOPS"},
}

// LoadConfig reads config.yaml (optional unless path is given), overlays environment
// variables, applies defaults and validates the result.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.SetDefault("llm.temperature", 0.1)
	v.SetDefault("llm.max_tokens", 4096)
	v.SetDefault("chain.time_budget", "3m")
	v.SetDefault("chain.max_hops", 20)
	v.SetDefault("runs.backend", "memory")

	if path == "" {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		if exe, err := os.Executable(); err == nil {
			v.AddConfigPath(filepath.Dir(exe))
		}
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("QUIZCHAIN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, envs := range envBindings {
		args := append([]string{key}, envs...)
		if err := v.BindEnv(args...); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func apiVersionFromEndpoint(endpoint string) string {
	idx := strings.Index(endpoint, "api-version=")
	if idx == -1 {
		return ""
	}
	rest := endpoint[idx+len("api-version="):]
	if amp := strings.IndexByte(rest, '&'); amp != -1 {
		rest = rest[:amp]
	}
	return rest
}
