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

	"github.com/zhouzirui/z-copilot/backend/internal/model/chat"
)

// DefaultBaseURL 是未配置 COPILOT_BASE_URL 时使用的本地 AI 服务地址。
const DefaultBaseURL = "http://localhost:3000"

// Config 聚合整个服务的配置项。
type Config struct {
	Server  ServerConfig
	Copilot CopilotConfig
	Store   StoreConfig
	Log     LogConfig
	AI      AIConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	copilot, err := loadCopilotConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:  server,
		Copilot: copilot,
		Store:   loadStoreConfig(),
		Log:     loadLogConfig(),
		AI:      ai,
	}, nil
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

// CopilotConfig 描述上游 AI 流式接口的访问方式。
type CopilotConfig struct {
	BaseURL       string
	Mode          chat.Mode
	HeaderTimeout time.Duration
}

func loadCopilotConfig() (CopilotConfig, error) {
	mode, err := loadMode()
	if err != nil {
		return CopilotConfig{}, err
	}

	timeout := 30
	if override, err := parseOptionalIntEnv("COPILOT_HEADER_TIMEOUT"); err != nil {
		return CopilotConfig{}, err
	} else if override != nil {
		if *override < 0 {
			return CopilotConfig{}, fmt.Errorf("invalid COPILOT_HEADER_TIMEOUT value %d", *override)
		}
		timeout = *override
	}

	return CopilotConfig{
		BaseURL:       strings.TrimRight(getEnvOrDefault("COPILOT_BASE_URL", DefaultBaseURL), "/"),
		Mode:          mode,
		HeaderTimeout: time.Duration(timeout) * time.Second,
	}, nil
}

// loadMode 优先读取 COPILOT_MODE，未设置时兼容 agent/reasoning 两个开关。
func loadMode() (chat.Mode, error) {
	if raw := strings.TrimSpace(os.Getenv("COPILOT_MODE")); raw != "" {
		mode, err := chat.ParseMode(raw)
		if err != nil {
			return "", fmt.Errorf("invalid COPILOT_MODE: %w", err)
		}
		return mode, nil
	}

	agent, err := parseBoolEnv("COPILOT_AGENT", false)
	if err != nil {
		return "", err
	}
	reasoning, err := parseBoolEnv("COPILOT_REASONING", false)
	if err != nil {
		return "", err
	}
	return chat.ModeFromFlags(agent, reasoning), nil
}

// StoreConfig 描述会话持久化后端。
type StoreConfig struct {
	Backend string
	Path    string
}

func loadStoreConfig() StoreConfig {
	return StoreConfig{
		Backend: getEnvOrDefault("COPILOT_STORE", "file"),
		Path:    getEnvOrDefault("COPILOT_STORE_PATH", ".copilot"),
	}
}

// LogConfig 描述日志级别与输出格式。
type LogConfig struct {
	Level       string
	Development bool
}

func loadLogConfig() LogConfig {
	env := strings.ToLower(getEnvOrDefault("APP_ENV", "development"))
	return LogConfig{
		Level:       getEnvOrDefault("LOG_LEVEL", "info"),
		Development: env == "development" || env == "dev",
	}
}

// AIConfig 描述本地开发用上游（Ark 大模型）的配置。
type AIConfig struct {
	APIKey      string
	AccessKey   string
	SecretKey   string
	Model       string
	BaseURL     string
	Region      string
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
	DevUpstream bool
}

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("Ark 凭证或模型配置缺失，至少提供 ARK_API_KEY + Model 或 AK/SK 组合")
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

	devUpstream, err := parseBoolEnv("COPILOT_DEV_UPSTREAM", false)
	if err != nil {
		return AIConfig{}, err
	}

	return AIConfig{
		APIKey:      strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:   strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:   strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:       strings.TrimSpace(os.Getenv("Model")),
		BaseURL:     getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:      getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature: temperature,
		TopP:        topP,
		MaxTokens:   maxTokens,
		DevUpstream: devUpstream,
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
