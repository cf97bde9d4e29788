// Command kk-server runs the multi-tenant chat backend.
//
// Usage:
//
//	kk-server serve --config config.yaml
//	kk-server version
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/redis/go-redis/v9"

	"github.com/hwk-1212/kk-ai-nl2sql/pkg/config"
	"github.com/hwk-1212/kk-ai-nl2sql/pkg/llms"
	"github.com/hwk-1212/kk-ai-nl2sql/pkg/logger"
	"github.com/hwk-1212/kk-ai-nl2sql/pkg/memory"
	"github.com/hwk-1212/kk-ai-nl2sql/pkg/observability"
	"github.com/hwk-1212/kk-ai-nl2sql/pkg/orchestrator"
	"github.com/hwk-1212/kk-ai-nl2sql/pkg/quota"
	"github.com/hwk-1212/kk-ai-nl2sql/pkg/rag"
	"github.com/hwk-1212/kk-ai-nl2sql/pkg/server"
	"github.com/hwk-1212/kk-ai-nl2sql/pkg/store"
	"github.com/hwk-1212/kk-ai-nl2sql/pkg/tools"
)

// CLI defines the command-line interface.
type CLI struct {
	Version VersionCmd `cmd:"" help:"Show version information."`
	Serve   ServeCmd   `cmd:"" help:"Start the chat server."`

	Config    string `short:"c" help:"Path to config file." type:"path" default:"config.yaml"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (text or json)." default:"text"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("kk-server version %s\n", version)
	return nil
}

// ServeCmd starts the chat server.
type ServeCmd struct {
	Host string `help:"Listen host override."`
	Port int    `help:"Listen port override."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	cfg, err := config.LoadConfig(cli.Config)
	if err != nil {
		return err
	}
	if c.Host != "" {
		cfg.Server.Host = c.Host
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	obs := observability.NewManager(cfg.Observability)
	if err := obs.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	pool := config.NewDBPool()
	defer pool.Close()
	db, err := pool.Open(&cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	st, err := store.New(db, cfg.Database.DriverName())
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	guard := quota.NewGuard(quota.NewRedisCounter(redisClient))

	providers, err := llms.NewProviderRegistryFromConfig(cfg.LLM)
	if err != nil {
		return fmt.Errorf("failed to build providers: %w", err)
	}

	builtins := tools.NewBuiltinSet()
	if err := tools.RegisterDefaults(builtins, tools.BuiltinOptions{
		SQLRowLimit:     cfg.Tools.SQLRowLimit,
		WebSearchURL:    cfg.Tools.WebSearch.BaseURL,
		WebSearchAPIKey: cfg.Tools.WebSearch.APIKey,
	}); err != nil {
		return fmt.Errorf("failed to register builtins: %w", err)
	}

	var memoryManager *memory.Manager
	if cfg.Memory.Enabled {
		memoryManager = memory.NewManager(
			memory.NewClient(cfg.Memory.Token, cfg.Memory.BaseURL),
			memory.ManagerOptions{
				RecallEnabled: true,
				SaveEnabled:   true,
				RecallTimeout: time.Duration(cfg.Memory.TimeoutSeconds) * time.Second,
			})
	}

	var retriever *rag.Retriever
	if cfg.RAG.Embedding.BaseURL != "" {
		vectors, err := rag.NewQdrantStore(rag.QdrantConfig{
			Host:   cfg.RAG.Qdrant.Host,
			Port:   cfg.RAG.Qdrant.Port,
			APIKey: cfg.RAG.Qdrant.APIKey,
			UseTLS: cfg.RAG.Qdrant.UseTLS,
		})
		if err != nil {
			return fmt.Errorf("failed to connect vector store: %w", err)
		}

		embedder := rag.NewOpenAIEmbedder(cfg.RAG.Embedding.BaseURL, cfg.RAG.Embedding.APIKey, cfg.RAG.Embedding.Model)

		var reranker *rag.Reranker
		if cfg.RAG.Rerank.Enabled {
			reranker = rag.NewReranker(cfg.RAG.Rerank.BaseURL, cfg.RAG.Rerank.APIKey)
		}
		retriever = rag.NewRetriever(embedder, vectors, reranker, slog.Default())
	}

	prices := make(quota.PriceTable, len(cfg.Pricing))
	for model, p := range cfg.Pricing {
		prices[model] = quota.Pricing{Input: p.Input, Output: p.Output}
	}

	orch := orchestrator.New(orchestrator.Deps{
		Providers:  providers,
		Store:      st,
		Builtins:   builtins,
		MCPFactory: tools.DefaultMCPClientFactory,
		Memory:     memoryManager,
		Retriever:  retriever,
		Guard:      guard,
		Prices:     prices,
		Logger:     slog.Default(),
	}, orchestrator.Config{
		MaxToolRounds:      cfg.Chat.MaxToolRounds,
		MaxContextMessages: cfg.Chat.MaxContextMessages,
		SystemPrompt:       cfg.Chat.SystemPrompt,
		EnabledBuiltins:    cfg.Tools.EnabledBuiltins,
		RAGTopK:            cfg.RAG.TopK,
	})

	srv := server.New(cfg.Server, st, orch, slog.Default())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func initLogger(cli *CLI) (func(), error) {
	output := os.Stderr
	cleanup := func() {}

	if cli.LogFile != "" {
		file, closeFile, err := logger.OpenLogFile(cli.LogFile)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		output = file
		cleanup = closeFile
	}

	logger.Init(logger.ParseLevel(cli.LogLevel), output, cli.LogFormat)
	return cleanup, nil
}

func main() {
	_ = config.LoadEnvFiles()

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("kk-server"),
		kong.Description("Multi-tenant AI data-analysis chat backend."),
		kong.UsageOnError(),
	)

	cleanup, err := initLogger(&cli)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer cleanup()

	if err := ctx.Run(&cli); err != nil {
		slog.Error("command failed", "error", err)
		cleanup()
		os.Exit(1)
	}
}
