package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config 描述了网关在启动阶段需要加载的核心配置。
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	LLM       LLMConfig       `yaml:"llm"`
	Session   SessionConfig   `yaml:"session"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	RAG       RAGConfig       `yaml:"rag"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `yaml:"address"`
}

// LoggingConfig 控制日志输出方式。
type LoggingConfig struct {
	Level       string      `yaml:"level"`
	Format      string      `yaml:"format"`
	OutputPaths []string    `yaml:"output_paths"`
	Audit       AuditConfig `yaml:"audit"`
}

// AuditConfig 控制审计日志的落盘与轮转。
type AuditConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// LLMConfig 描述默认的大模型调用参数。
type LLMConfig struct {
	Provider       string  `yaml:"provider"`
	Model          string  `yaml:"model"`
	SystemPrompt   string  `yaml:"system_prompt"`
	Temperature    float64 `yaml:"temperature"`
	MaxTokens      int     `yaml:"max_tokens"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
	ContextTokens  int     `yaml:"context_tokens"`
}

// SessionConfig 描述会话历史的存储方式与上限。
type SessionConfig struct {
	Driver     string      `yaml:"driver"`
	MaxHistory int         `yaml:"max_history"`
	Redis      RedisConfig `yaml:"redis"`
}

// RedisConfig 描述 Redis 会话存储的连接参数。
type RedisConfig struct {
	Address   string `yaml:"address"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// EmbeddingConfig 描述向量化调用的批量与重试参数。
type EmbeddingConfig struct {
	Provider         string `yaml:"provider"`
	Model            string `yaml:"model"`
	BatchSize        int    `yaml:"batch_size"`
	MaxAttempts      int    `yaml:"max_attempts"`
	InitialBackoffMS int    `yaml:"initial_backoff_ms"`
	MaxBackoffMS     int    `yaml:"max_backoff_ms"`
}

// RAGConfig 描述知识库切块与检索参数。
type RAGConfig struct {
	ChunkSize int `yaml:"chunk_size"`
	Overlap   int `yaml:"overlap"`
	TopK      int `yaml:"top_k"`
}

// Load 负责解析指定路径的 YAML 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "deepseek"
	}
	if c.LLM.Temperature <= 0 {
		c.LLM.Temperature = 0.7
	}
	if c.LLM.MaxTokens <= 0 {
		c.LLM.MaxTokens = 2048
	}
	if c.LLM.TimeoutSeconds <= 0 {
		c.LLM.TimeoutSeconds = 60
	}
	if c.LLM.ContextTokens <= 0 {
		c.LLM.ContextTokens = 3072
	}

	if c.Session.Driver == "" {
		c.Session.Driver = "memory"
	}
	if c.Session.MaxHistory <= 0 {
		c.Session.MaxHistory = 20
	}
	if c.Session.Redis.KeyPrefix == "" {
		c.Session.Redis.KeyPrefix = "llmgw:session:"
	}

	if c.Embedding.Provider == "" {
		c.Embedding.Provider = "openai"
	}
	if c.Embedding.Model == "" {
		c.Embedding.Model = "text-embedding-3-small"
	}
	if c.Embedding.BatchSize <= 0 {
		c.Embedding.BatchSize = 16
	}
	if c.Embedding.MaxAttempts <= 0 {
		c.Embedding.MaxAttempts = 3
	}
	if c.Embedding.InitialBackoffMS <= 0 {
		c.Embedding.InitialBackoffMS = 500
	}
	if c.Embedding.MaxBackoffMS <= 0 {
		c.Embedding.MaxBackoffMS = 10000
	}

	if c.RAG.ChunkSize <= 0 {
		c.RAG.ChunkSize = 500
	}
	if c.RAG.Overlap < 0 || c.RAG.Overlap >= c.RAG.ChunkSize {
		c.RAG.Overlap = 50
	}
	if c.RAG.TopK <= 0 {
		c.RAG.TopK = 3
	}
}
