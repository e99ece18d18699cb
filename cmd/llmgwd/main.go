package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"OpenLLM-Gateway/internal/api"
	"OpenLLM-Gateway/internal/chat"
	"OpenLLM-Gateway/internal/config"
	"OpenLLM-Gateway/internal/embedding"
	"OpenLLM-Gateway/internal/keys"
	"OpenLLM-Gateway/internal/llm"
	"OpenLLM-Gateway/internal/llm/openaicompat"
	"OpenLLM-Gateway/internal/observability/alerting"
	"OpenLLM-Gateway/internal/rag"
	"OpenLLM-Gateway/internal/session"
	"OpenLLM-Gateway/pkg/logger"
)

// main 是网关守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("llmgwd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("LLMGW_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "llmgw.yaml")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	// 凭证来源：环境变量，按 Provider 约定的变量名解析。
	source := keys.NewEnvSource()

	registry := llm.NewRegistry(source)
	openaicompat.RegisterBuiltins(registry, time.Duration(cfg.LLM.TimeoutSeconds)*time.Second)

	store, err := createSessionStore(cfg)
	if err != nil {
		return err
	}
	if closer, ok := store.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	chatSvc := chat.NewService(registry, store, cfg.LLM.Provider, cfg.LLM.Model,
		chat.WithSystemPrompt(cfg.LLM.SystemPrompt),
		chat.WithTemperature(cfg.LLM.Temperature),
		chat.WithMaxTokens(cfg.LLM.MaxTokens),
		chat.WithContextTokens(cfg.LLM.ContextTokens),
		chat.WithTimeout(time.Duration(cfg.LLM.TimeoutSeconds)*time.Second),
	)

	engine, err := createRAGEngine(ctx, cfg, registry, chatSvc)
	if err != nil {
		return err
	}

	alerter := alerting.NewFanout(alerting.LogNotifier{})

	server := api.NewServer(cfg.Server.Address, chatSvc,
		api.WithRAGEngine(engine),
		api.WithAlerter(alerter),
	)

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func createSessionStore(cfg *config.Config) (session.Store, error) {
	switch cfg.Session.Driver {
	case "", "memory":
		return session.NewMemoryStore(cfg.Session.MaxHistory), nil
	case "redis":
		return session.NewRedisStore(session.RedisStoreConfig{
			Address:    cfg.Session.Redis.Address,
			Password:   cfg.Session.Redis.Password,
			DB:         cfg.Session.Redis.DB,
			KeyPrefix:  cfg.Session.Redis.KeyPrefix,
			MaxHistory: cfg.Session.MaxHistory,
		})
	default:
		return nil, fmt.Errorf("未知的会话存储驱动: %s", cfg.Session.Driver)
	}
}

// createRAGEngine 构造知识库引擎。向量化 Provider 未配置凭证时
// 跳过知识库功能，只记录一条警告。
func createRAGEngine(ctx context.Context, cfg *config.Config, registry *llm.Registry, chatSvc *chat.Service) (*rag.Engine, error) {
	embedder, err := registry.CreateEmbedder(ctx, cfg.Embedding.Provider, cfg.Embedding.Model)
	if err != nil {
		logger.L().Warn("知识库未启用：向量化客户端创建失败", "error", err)
		return nil, nil
	}

	client := embedding.NewClient(embedder, cfg.Embedding.Model,
		embedding.WithBatchSize(cfg.Embedding.BatchSize),
		embedding.WithRetry(cfg.Embedding.MaxAttempts,
			time.Duration(cfg.Embedding.InitialBackoffMS)*time.Millisecond,
			time.Duration(cfg.Embedding.MaxBackoffMS)*time.Millisecond),
	)

	engine := rag.NewEngine(client, chatSvc,
		rag.WithTopK(cfg.RAG.TopK),
		rag.WithChunker(rag.NewChunker(cfg.RAG.ChunkSize, cfg.RAG.Overlap)),
	)
	return engine, nil
}
