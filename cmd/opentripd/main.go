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

	"OpenTrip-Agent/internal/agent"
	"OpenTrip-Agent/internal/api"
	"OpenTrip-Agent/internal/config"
	"OpenTrip-Agent/internal/llm"
	"OpenTrip-Agent/internal/llm/openai"
	"OpenTrip-Agent/internal/observability/alerting"
	"OpenTrip-Agent/internal/session"
	"OpenTrip-Agent/internal/task"
	"OpenTrip-Agent/internal/tool"
	"OpenTrip-Agent/internal/travel"
	"OpenTrip-Agent/internal/travel/serpapi"
	"OpenTrip-Agent/pkg/logger"
)

// main 是 OpenTrip 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("opentripd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("OPENTRIP_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "opentrip.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
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

	// 初始化大模型客户端。
	llmClient, err := createLLMClient(cfg)
	if err != nil {
		return err
	}

	// 初始化检索客户端与工具注册表。
	registry, searchCache, err := buildToolRegistry(cfg)
	if err != nil {
		return err
	}
	if searchCache != nil {
		defer searchCache.Close()
	}

	agentOpts := []agent.Option{
		agent.WithSystemPrompt(cfg.Agent.SystemPrompt),
		agent.WithMaxTurns(cfg.Agent.MaxTurns),
		agent.WithToolTimeout(cfg.Agent.ToolTimeout()),
	}
	if cfg.LLM.Provider == "openai" {
		agentOpts = append(agentOpts, agent.WithLLMTimeout(cfg.LLM.OpenAI.Timeout()))
	}
	ag := agent.New(llmClient, registry, agentOpts...)

	var taskStore task.Store
	switch cfg.TaskStore.Driver {
	case "", "memory":
		taskStore = task.NewMemoryStore()
	case "mysql":
		store, err := task.NewMySQLStore(cfg.TaskStore.DSN)
		if err != nil {
			return err
		}
		taskStore = store
	default:
		return fmt.Errorf("未知的任务存储驱动: %s", cfg.TaskStore.Driver)
	}
	defer func() {
		_ = taskStore.Close()
	}()

	var taskQueue task.Queue
	switch cfg.TaskQueue.Driver {
	case "", "memory":
		taskQueue = task.NewMemoryQueue(1024)
	case "redis":
		queue, err := task.NewRedisQueue(task.RedisQueueConfig{
			Address:   cfg.TaskQueue.Redis.Address,
			Password:  cfg.TaskQueue.Redis.Password,
			DB:        cfg.TaskQueue.Redis.DB,
			Queue:     cfg.TaskQueue.Redis.Queue,
			BlockWait: time.Duration(cfg.TaskQueue.Redis.BlockWait) * time.Second,
		})
		if err != nil {
			return err
		}
		taskQueue = queue
	case "rabbitmq":
		queue, err := task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:        cfg.TaskQueue.RabbitMQ.URL,
			Queue:      cfg.TaskQueue.RabbitMQ.Queue,
			Prefetch:   cfg.TaskQueue.RabbitMQ.Prefetch,
			Durable:    cfg.TaskQueue.RabbitMQ.Durable,
			AutoDelete: cfg.TaskQueue.RabbitMQ.AutoDelete,
		})
		if err != nil {
			return err
		}
		taskQueue = queue
	default:
		return fmt.Errorf("未知的队列驱动: %s", cfg.TaskQueue.Driver)
	}
	defer func() {
		if err := taskQueue.Close(); err != nil {
			logger.L().Warn("关闭任务队列失败", "error", err)
		}
	}()

	taskService := task.NewService(taskStore, taskQueue, cfg.TaskStore.Retries)
	processor := task.NewProcessor(ag, taskStore, taskQueue, taskQueue,
		task.WithWorkerCount(cfg.TaskQueue.Worker),
		task.WithAlertDispatcher(alerting.NewFanout(alerting.LogNotifier{})),
	)

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()

	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("任务处理器异常退出", "error", err)
		}
	}()

	sessions := session.NewManager()
	server := api.NewServer(cfg.Server.Address, ag, sessions, taskService)

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func createLLMClient(cfg *config.Config) (llm.Client, error) {
	switch cfg.LLM.Provider {
	case "", "openai":
		return openai.NewClient(openai.Config{
			APIKey:      cfg.LLM.OpenAI.ResolveAPIKey(),
			BaseURL:     cfg.LLM.OpenAI.BaseURL,
			Model:       cfg.LLM.OpenAI.Model,
			Temperature: cfg.LLM.OpenAI.Temperature,
			Timeout:     cfg.LLM.OpenAI.Timeout(),
		})
	default:
		return nil, fmt.Errorf("未知的大模型 provider: %s", cfg.LLM.Provider)
	}
}

// buildToolRegistry 装配检索客户端、引擎定义、结果缓存和旅行工具集。
func buildToolRegistry(cfg *config.Config) (*tool.Registry, *travel.RedisCache, error) {
	searcher, err := serpapi.NewClient(serpapi.Config{
		APIKey:  cfg.Search.ResolveAPIKey(),
		BaseURL: cfg.Search.BaseURL,
		Timeout: cfg.Search.Timeout(),
	})
	if err != nil {
		return nil, nil, err
	}

	defs, err := travel.LoadEngineDefinitions(cfg.Search.EnginesPath)
	if err != nil {
		return nil, nil, err
	}

	toolsOpts := []travel.ToolsOption{travel.WithEngineDefinitions(defs)}

	var searchCache *travel.RedisCache
	if cfg.Cache.Enabled {
		searchCache, err = travel.NewRedisCache(travel.RedisCacheConfig{
			Address:  cfg.Cache.Address,
			Password: cfg.Cache.Password,
			DB:       cfg.Cache.DB,
			Prefix:   cfg.Cache.Prefix,
			TTL:      cfg.Cache.TTL(),
		})
		if err != nil {
			return nil, nil, err
		}
		toolsOpts = append(toolsOpts, travel.WithCache(searchCache))
	}

	registry := tool.NewRegistry()
	if err := travel.NewTools(searcher, toolsOpts...).RegisterAll(registry); err != nil {
		if searchCache != nil {
			_ = searchCache.Close()
		}
		return nil, nil, err
	}
	return registry, searchCache, nil
}
