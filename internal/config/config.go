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
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server  ServerConfig
	AI      AIConfig
	Storage StorageConfig
	Auth    AuthConfig
	Chat    ChatConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	storage, err := loadStorageConfig()
	if err != nil {
		return nil, err
	}

	auth, err := loadAuthConfig()
	if err != nil {
		return nil, err
	}

	chat, err := loadChatConfig(server)
	if err != nil {
		return nil, err
	}

	return &Config{Server: server, AI: ai, Storage: storage, Auth: auth, Chat: chat}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// AIConfig 描述大模型相关配置。
type AIConfig struct {
	APIKey         string
	AccessKey      string
	SecretKey      string
	Model          string
	BaseURL        string
	Region         string
	Temperature    *float64
	TopP           *float64
	MaxTokens      *int
	StreamResponse bool
	HistoryLimit   int
	SystemPrompt   string
}

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("ark credentials or model missing: set ARK_API_KEY + ARK_MODEL or an AK/SK pair")
	}

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

func loadAIConfig() (AIConfig, error) {
	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	topP, err := parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	stream, err := parseBoolEnv("ARK_STREAM", true)
	if err != nil {
		return AIConfig{}, err
	}

	historyLimit := 20
	if override, err := parseOptionalIntEnv("CHAT_HISTORY_LIMIT"); err != nil {
		return AIConfig{}, err
	} else if override != nil {
		historyLimit = *override
	}

	modelName := strings.TrimSpace(os.Getenv("ARK_MODEL"))
	if modelName == "" {
		// 兼容旧的 Model 变量名。
		modelName = strings.TrimSpace(os.Getenv("Model"))
	}

	return AIConfig{
		APIKey:         strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:      strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:      strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:          modelName,
		BaseURL:        getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:         getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature:    temperature,
		TopP:           topP,
		MaxTokens:      maxTokens,
		StreamResponse: stream,
		HistoryLimit:   historyLimit,
		SystemPrompt:   strings.TrimSpace(os.Getenv("CHAT_SYSTEM_PROMPT")),
	}, nil
}

// 支持的存储后端。
const (
	BackendMemory = "memory"
	BackendBadger = "badger"
	BackendSQLite = "sqlite"
)

// StorageConfig 描述消息持久化后端。
type StorageConfig struct {
	Backend    string
	BadgerPath string
	SQLitePath string
}

func loadStorageConfig() (StorageConfig, error) {
	backend := strings.ToLower(getEnvOrDefault("STORAGE_BACKEND", BackendMemory))
	switch backend {
	case BackendMemory, BackendBadger, BackendSQLite:
	default:
		return StorageConfig{}, fmt.Errorf("invalid STORAGE_BACKEND value %q", backend)
	}

	return StorageConfig{
		Backend:    backend,
		BadgerPath: getEnvOrDefault("BADGER_PATH", "data/badger"),
		SQLitePath: getEnvOrDefault("SQLITE_PATH", "data/chat.db"),
	}, nil
}

// AuthConfig 描述令牌签发与校验配置。
type AuthConfig struct {
	JWTSecret  string
	AnonKey    string
	ServiceKey string
	Issuer     string
	TokenTTL   time.Duration
	DevTokens  bool
}

func loadAuthConfig() (AuthConfig, error) {
	ttl, err := parseDurationEnv("AUTH_TOKEN_TTL", 24*time.Hour)
	if err != nil {
		return AuthConfig{}, err
	}

	devTokens, err := parseBoolEnv("AUTH_DEV_TOKENS", false)
	if err != nil {
		return AuthConfig{}, err
	}

	return AuthConfig{
		JWTSecret:  strings.TrimSpace(os.Getenv("AUTH_JWT_SECRET")),
		AnonKey:    strings.TrimSpace(os.Getenv("AUTH_ANON_KEY")),
		ServiceKey: strings.TrimSpace(os.Getenv("AUTH_SERVICE_KEY")),
		Issuer:     getEnvOrDefault("AUTH_ISSUER", "serenity"),
		TokenTTL:   ttl,
		DevTokens:  devTokens,
	}, nil
}

// ChatConfig 描述会话客户端访问补全与存储接口的方式。
type ChatConfig struct {
	CompletionURL   string
	RestURL         string
	MaxPendingBytes int
	MaxRequestBytes int64
	RequestTimeout  time.Duration
	RateLimit       float64
	RateBurst       int
}

func loadChatConfig(server ServerConfig) (ChatConfig, error) {
	local := "http://localhost" + server.Addr
	if !strings.HasPrefix(server.Addr, ":") {
		local = "http://" + server.Addr
	}

	maxPending := 64 * 1024
	if override, err := parseOptionalIntEnv("CHAT_MAX_PENDING_BYTES"); err != nil {
		return ChatConfig{}, err
	} else if override != nil && *override > 0 {
		maxPending = *override
	}

	maxRequest := int64(16 << 20)
	if override, err := parseOptionalIntEnv("CHAT_MAX_REQUEST_BYTES"); err != nil {
		return ChatConfig{}, err
	} else if override != nil && *override > 0 {
		maxRequest = int64(*override)
	}

	timeout, err := parseDurationEnv("CHAT_REQUEST_TIMEOUT", 2*time.Minute)
	if err != nil {
		return ChatConfig{}, err
	}

	rateLimit := 1.0
	if override, err := parseOptionalFloatEnv("CHAT_RATE_LIMIT"); err != nil {
		return ChatConfig{}, err
	} else if override != nil {
		rateLimit = *override
	}

	burst := 5
	if override, err := parseOptionalIntEnv("CHAT_RATE_BURST"); err != nil {
		return ChatConfig{}, err
	} else if override != nil && *override > 0 {
		burst = *override
	}

	return ChatConfig{
		CompletionURL:   getEnvOrDefault("CHAT_COMPLETION_URL", local+"/functions/v1/chat"),
		RestURL:         getEnvOrDefault("CHAT_REST_URL", local),
		MaxPendingBytes: maxPending,
		MaxRequestBytes: maxRequest,
		RequestTimeout:  timeout,
		RateLimit:       rateLimit,
		RateBurst:       burst,
	}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
