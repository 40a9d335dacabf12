package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/zhouzirui/z-relay/backend/internal/service/ai/oaicompat"
)

const (
	ProviderOpenAI = "openai"
	ProviderArk    = "ark"
)

// Config aggregates every setting of the service.
type Config struct {
	Server  ServerConfig
	AI      AIConfig
	Session SessionConfig
	Auth    AuthConfig
	Log     LogConfig
}

// Load reads configuration from the environment. When CONFIG_FILE names a
// YAML file, its keys (environment variable names) act as defaults that the
// real environment overrides.
func Load() (*Config, error) {
	src, err := newSource(strings.TrimSpace(os.Getenv("CONFIG_FILE")))
	if err != nil {
		return nil, err
	}

	server, err := src.loadServerConfig()
	if err != nil {
		return nil, err
	}

	ai, err := src.loadAIConfig()
	if err != nil {
		return nil, err
	}

	session, err := src.loadSessionConfig()
	if err != nil {
		return nil, err
	}

	auth, err := src.loadAuthConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:  server,
		AI:      ai,
		Session: session,
		Auth:    auth,
		Log:     src.loadLogConfig(),
	}, nil
}

// ServerConfig describes the HTTP listener.
type ServerConfig struct {
	Addr        string
	CorsOrigins []string
}

// AIConfig describes the upstream completion API and sampling parameters.
type AIConfig struct {
	Provider        string
	APIKey          string
	AccessKey       string
	SecretKey       string
	Model           string
	BaseURL         string
	Region          string
	Temperature     *float64
	TopP            *float64
	MaxTokens       *int
	Stop            []string
	Timeout         time.Duration
	SystemPrompt    string
	FallbackMessage string
	Breaker         BreakerConfig
}

// BreakerConfig controls the circuit breaker around upstream calls.
type BreakerConfig struct {
	Enabled          bool
	FailureThreshold uint32
	MaxRequests      uint32
	Timeout          time.Duration
}

// DefaultBreakerConfig returns the breaker settings used when the environment
// is silent. The breaker is shared by every session, so it is off unless
// LLM_BREAKER_ENABLED turns it on.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Enabled:          false,
		FailureThreshold: 5,
		MaxRequests:      8,
		Timeout:          60 * time.Second,
	}
}

// SessionConfig controls greeting and transcript retention.
type SessionConfig struct {
	Greeting      string
	IdleTTL       time.Duration
	EvictInterval time.Duration
}

// AuthConfig controls access-token issuing.
type AuthConfig struct {
	Secret   string
	TokenTTL time.Duration
}

// LogConfig selects zerolog level and output format.
type LogConfig struct {
	Level  string
	Format string
}

// Enabled reports whether credentials and a model are configured.
func (c AIConfig) Enabled() bool {
	if c.Model == "" {
		return false
	}
	if c.Provider == ProviderArk {
		return c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != "")
	}
	return c.APIKey != ""
}

// NewChatModel creates the chat model for the configured provider.
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, errors.Errorf("llm credentials or model missing for provider %q", c.Provider)
	}

	switch c.Provider {
	case ProviderArk:
		return c.newArkChatModel(ctx)
	case ProviderOpenAI, "":
		return oaicompat.NewChatModel(oaicompat.Config{
			APIKey:  c.APIKey,
			BaseURL: c.BaseURL,
			Model:   c.Model,
		})
	default:
		return nil, errors.Errorf("unknown llm provider %q", c.Provider)
	}
}

func (c AIConfig) newArkChatModel(ctx context.Context) (model.ChatModel, error) {
	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

func (s source) loadServerConfig() (ServerConfig, error) {
	port := s.get("PORT")
	if port == "" {
		port = "8000"
	}

	var addr string
	switch {
	case strings.Contains(port, ":"):
		// Accept ":8000" or "127.0.0.1:8000" verbatim.
		addr = port
	case strings.Contains(port, " "):
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	default:
		addr = s.getOrDefault("HOST", "0.0.0.0") + ":" + port
	}

	return ServerConfig{
		Addr:        addr,
		CorsOrigins: s.list("CORS_ORIGINS", []string{"*"}),
	}, nil
}

func (s source) loadAIConfig() (AIConfig, error) {
	temperature, err := s.optionalFloat("LLM_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}
	if temperature == nil {
		zero := 0.0
		temperature = &zero
	}

	topP, err := s.optionalFloat("LLM_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}
	if topP == nil {
		one := 1.0
		topP = &one
	}

	maxTokens, err := s.optionalInt("LLM_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}
	if maxTokens == nil {
		def := 512
		maxTokens = &def
	}

	timeout, err := s.duration("LLM_TIMEOUT", 0)
	if err != nil {
		return AIConfig{}, err
	}

	breaker := DefaultBreakerConfig()
	if breaker.Enabled, err = s.boolean("LLM_BREAKER_ENABLED", breaker.Enabled); err != nil {
		return AIConfig{}, err
	}
	breakerFailures, err := s.optionalInt("LLM_BREAKER_FAILURES")
	if err != nil {
		return AIConfig{}, err
	}
	if breakerFailures != nil && *breakerFailures > 0 {
		breaker.FailureThreshold = uint32(*breakerFailures)
	}
	breakerRequests, err := s.optionalInt("LLM_BREAKER_MAX_REQUESTS")
	if err != nil {
		return AIConfig{}, err
	}
	if breakerRequests != nil && *breakerRequests > 0 {
		breaker.MaxRequests = uint32(*breakerRequests)
	}
	if breaker.Timeout, err = s.duration("LLM_BREAKER_TIMEOUT", breaker.Timeout); err != nil {
		return AIConfig{}, err
	}

	provider := strings.ToLower(s.getOrDefault("LLM_PROVIDER", ProviderOpenAI))

	apiKey := s.get("LLM_API_KEY")
	if apiKey == "" {
		apiKey = s.get("GROQ_API_KEY")
	}
	if apiKey == "" && provider == ProviderArk {
		apiKey = s.get("ARK_API_KEY")
	}

	baseURL := s.get("LLM_BASE_URL")
	if baseURL == "" {
		if provider == ProviderArk {
			baseURL = "https://ark.cn-beijing.volces.com/api/v3"
		} else {
			baseURL = oaicompat.DefaultBaseURL
		}
	}

	return AIConfig{
		Provider:        provider,
		APIKey:          apiKey,
		AccessKey:       s.get("ARK_ACCESS_KEY"),
		SecretKey:       s.get("ARK_SECRET_KEY"),
		Model:           s.get("MODEL_NAME"),
		BaseURL:         baseURL,
		Region:          s.getOrDefault("ARK_REGION", "cn-beijing"),
		Temperature:     temperature,
		TopP:            topP,
		MaxTokens:       maxTokens,
		Stop:            s.list("LLM_STOP", nil),
		Timeout:         timeout,
		SystemPrompt:    s.get("SYSTEM_PROMPT"),
		FallbackMessage: s.get("LLM_FALLBACK_MESSAGE"),
		Breaker:         breaker,
	}, nil
}

func (s source) loadSessionConfig() (SessionConfig, error) {
	idle, err := s.duration("SESSION_IDLE_TTL", 24*time.Hour)
	if err != nil {
		return SessionConfig{}, err
	}
	interval, err := s.duration("SESSION_EVICT_INTERVAL", time.Minute)
	if err != nil {
		return SessionConfig{}, err
	}
	return SessionConfig{
		Greeting:      s.get("SESSION_GREETING"),
		IdleTTL:       idle,
		EvictInterval: interval,
	}, nil
}

func (s source) loadAuthConfig() (AuthConfig, error) {
	ttl, err := s.duration("TOKEN_TTL", time.Hour)
	if err != nil {
		return AuthConfig{}, err
	}
	return AuthConfig{
		Secret:   s.get("JWT_SECRET"),
		TokenTTL: ttl,
	}, nil
}

func (s source) loadLogConfig() LogConfig {
	return LogConfig{
		Level:  strings.ToLower(s.getOrDefault("LOG_LEVEL", "info")),
		Format: strings.ToLower(s.getOrDefault("LOG_FORMAT", "console")),
	}
}

// source resolves keys from the environment first, then the optional file.
type source struct {
	file map[string]string
}

func newSource(path string) (source, error) {
	if path == "" {
		return source{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return source{}, errors.Wrapf(err, "read config file %s", path)
	}

	raw := map[string]any{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return source{}, errors.Wrapf(err, "parse config file %s", path)
	}

	file := make(map[string]string, len(raw))
	for key, value := range raw {
		switch v := value.(type) {
		case nil:
		case []any:
			parts := make([]string, 0, len(v))
			for _, item := range v {
				parts = append(parts, fmt.Sprint(item))
			}
			file[strings.ToUpper(key)] = strings.Join(parts, ",")
		default:
			file[strings.ToUpper(key)] = fmt.Sprint(v)
		}
	}
	return source{file: file}, nil
}

func (s source) get(key string) string {
	if value, ok := os.LookupEnv(key); ok {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return strings.TrimSpace(s.file[key])
}

func (s source) getOrDefault(key, defaultValue string) string {
	if value := s.get(key); value != "" {
		return value
	}
	return defaultValue
}

func (s source) list(key string, defaultValue []string) []string {
	raw := s.get(key)
	if raw == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func (s source) boolean(key string, defaultValue bool) (bool, error) {
	raw := s.get(key)
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func (s source) duration(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := s.get(key)
	if raw == "" {
		return defaultValue, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("invalid %s value %q: must not be negative", key, raw)
	}
	return val, nil
}

func (s source) optionalFloat(key string) (*float64, error) {
	raw := s.get(key)
	if raw == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return &val, nil
}

func (s source) optionalInt(key string) (*int, error) {
	raw := s.get(key)
	if raw == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return &val, nil
}
