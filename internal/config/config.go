package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config 描述了 OpenTrip 在启动阶段需要加载的核心配置。
type Config struct {
	Server    ServerConfig    `json:"server"`
	LLM       LLMConfig       `json:"llm"`
	Search    SearchConfig    `json:"search"`
	Cache     CacheConfig     `json:"cache"`
	TaskStore TaskStoreConfig `json:"task_store"`
	TaskQueue TaskQueueConfig `json:"task_queue"`
	Agent     AgentConfig     `json:"agent"`
	Logging   LoggingConfig   `json:"logging"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// LLMConfig 用于配置大模型推理的调用方式。
type LLMConfig struct {
	Provider string       `json:"provider"`
	OpenAI   OpenAIConfig `json:"openai"`
}

// OpenAIConfig 描述通过 OpenAI Chat Completions 完成推理所需的信息。
// 密钥可以直接写在配置中，或通过 api_key_env 指定的环境变量注入。
type OpenAIConfig struct {
	APIKey         string  `json:"api_key"`
	APIKeyEnv      string  `json:"api_key_env"`
	BaseURL        string  `json:"base_url"`
	Model          string  `json:"model"`
	Temperature    float64 `json:"temperature"`
	TimeoutSeconds int     `json:"timeout_seconds"`
}

// Timeout 返回模型调用超时时间。
func (c OpenAIConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ResolveAPIKey 返回生效的 API Key。
func (c OpenAIConfig) ResolveAPIKey() string {
	if key := strings.TrimSpace(c.APIKey); key != "" {
		return key
	}
	if c.APIKeyEnv != "" {
		return strings.TrimSpace(os.Getenv(c.APIKeyEnv))
	}
	return ""
}

// SearchConfig 描述访问检索服务所需的信息。
type SearchConfig struct {
	APIKey         string `json:"api_key"`
	APIKeyEnv      string `json:"api_key_env"`
	BaseURL        string `json:"base_url"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	EnginesPath    string `json:"engines_path"`
}

// Timeout 返回检索调用超时时间。
func (c SearchConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ResolveAPIKey 返回生效的 API Key。
func (c SearchConfig) ResolveAPIKey() string {
	if key := strings.TrimSpace(c.APIKey); key != "" {
		return key
	}
	if c.APIKeyEnv != "" {
		return strings.TrimSpace(os.Getenv(c.APIKeyEnv))
	}
	return ""
}

// CacheConfig 控制检索结果缓存。
type CacheConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Password   string `json:"password"`
	DB         int    `json:"db"`
	Prefix     string `json:"prefix"`
	TTLSeconds int    `json:"ttl_seconds"`
}

// TTL 返回缓存条目的有效期。
func (c CacheConfig) TTL() time.Duration {
	if c.TTLSeconds <= 0 {
		return 0
	}
	return time.Duration(c.TTLSeconds) * time.Second
}

// TaskStoreConfig 描述任务存储后端。
type TaskStoreConfig struct {
	Driver  string `json:"driver"`
	DSN     string `json:"dsn"`
	Retries int    `json:"retries"`
}

// TaskQueueConfig 描述任务队列后端。
type TaskQueueConfig struct {
	Driver   string              `json:"driver"`
	Worker   int                 `json:"worker"`
	Redis    RedisQueueSettings  `json:"redis"`
	RabbitMQ RabbitQueueSettings `json:"rabbitmq"`
}

// RedisQueueSettings 是 Redis 队列的连接参数。
type RedisQueueSettings struct {
	Address   string `json:"address"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	Queue     string `json:"queue"`
	BlockWait int    `json:"block_wait_seconds"`
}

// RabbitQueueSettings 是 RabbitMQ 队列的连接参数。
type RabbitQueueSettings struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// AgentConfig 控制编排器行为。
type AgentConfig struct {
	SystemPrompt       string `json:"system_prompt"`
	MaxTurns           int    `json:"max_turns"`
	ToolTimeoutSeconds int    `json:"tool_timeout_seconds"`
}

// ToolTimeout 返回单次工具调用的超时时间。
func (c AgentConfig) ToolTimeout() time.Duration {
	if c.ToolTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.ToolTimeoutSeconds) * time.Second
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level       string      `json:"level"`
	Format      string      `json:"format"`
	OutputPaths []string    `json:"output_paths"`
	Audit       AuditConfig `json:"audit"`
}

// AuditConfig 控制审计日志输出。
type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.OpenAI.APIKeyEnv == "" {
		c.LLM.OpenAI.APIKeyEnv = "OPENAI_API_KEY"
	}

	if c.Search.APIKeyEnv == "" {
		c.Search.APIKeyEnv = "SERPAPI_API_KEY"
	}
	if c.Search.EnginesPath != "" && !filepath.IsAbs(c.Search.EnginesPath) {
		c.Search.EnginesPath = filepath.Join(baseDir, c.Search.EnginesPath)
	}

	if c.TaskStore.Driver == "" {
		c.TaskStore.Driver = "memory"
	}
	if c.TaskQueue.Driver == "" {
		c.TaskQueue.Driver = "memory"
	}
	if c.TaskQueue.Worker <= 0 {
		c.TaskQueue.Worker = 2
	}
}

// Validate 检查必要的配置项是否齐备。配置错误在启动阶段即失败，
// 进程不会开始对外服务。
func (c *Config) Validate() error {
	if c.LLM.Provider != "openai" {
		return fmt.Errorf("未知的大模型 provider: %s", c.LLM.Provider)
	}
	if c.LLM.OpenAI.ResolveAPIKey() == "" {
		return errors.New("OpenAI provider 需要配置 api_key 或 api_key_env")
	}
	if c.Search.ResolveAPIKey() == "" {
		return errors.New("检索服务需要配置 api_key 或 api_key_env")
	}
	switch c.TaskStore.Driver {
	case "memory":
	case "mysql":
		if strings.TrimSpace(c.TaskStore.DSN) == "" {
			return errors.New("mysql 任务存储需要配置 dsn")
		}
	default:
		return fmt.Errorf("未知的任务存储驱动: %s", c.TaskStore.Driver)
	}
	switch c.TaskQueue.Driver {
	case "memory":
	case "redis":
		if c.TaskQueue.Redis.Address == "" {
			return errors.New("redis 任务队列需要配置 address")
		}
	case "rabbitmq":
		if c.TaskQueue.RabbitMQ.URL == "" {
			return errors.New("rabbitmq 任务队列需要配置 url")
		}
	default:
		return fmt.Errorf("未知的任务队列驱动: %s", c.TaskQueue.Driver)
	}
	if c.Cache.Enabled && c.Cache.Address == "" {
		return errors.New("启用检索缓存需要配置 redis address")
	}
	return nil
}
