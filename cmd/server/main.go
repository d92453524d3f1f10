package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xingchen-labs/emotion-companion/internal/api"
	"github.com/xingchen-labs/emotion-companion/internal/config"
	"github.com/xingchen-labs/emotion-companion/internal/core"
	"github.com/xingchen-labs/emotion-companion/internal/llm"
	"github.com/xingchen-labs/emotion-companion/internal/logging"
)

func main() {
	if err := run(); err != nil {
		logging.Default().Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	checkKnowledge := flag.Bool("check-knowledge", false, "Load the knowledge base, report item counts and exit")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		// The logger is not configured yet.
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		os.Exit(2)
	}
	logger, err := logging.Configure(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to configure logging:", err)
		os.Exit(2)
	}
	logger.Info("service starting", cfg.LogAttrs()...)

	ctx := context.Background()

	kb := core.LoadKnowledgeBase(ctx, os.DirFS(cfg.KnowledgeDir))
	if *checkKnowledge {
		for _, f := range kb.Files() {
			fmt.Printf("%-12s %-10s %d\n", f.Name, f.Label, kb.Count(f.Name))
		}
		fmt.Printf("total        %d\n", kb.Len())
		return nil
	}

	gateway, closeGateway, err := newGateway(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeGateway()

	chatService := core.NewChatService(
		core.NewEmotionService(),
		core.NewRAGService(kb, gateway),
		gateway,
		core.WithTemperature(cfg.Temperature),
		core.WithMaxTokens(cfg.MaxTokens),
		core.WithThinking(cfg.EnableThinking),
	)

	apiHandler := api.NewAPIHandler(chatService)
	router := api.NewRouter(apiHandler)

	serverAddr := fmt.Sprintf(":%s", cfg.HTTPPort)
	srv := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		// Streams stay open for as long as the model keeps talking.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", serverAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	logger.Info("server exiting gracefully")
	return nil
}

func newGateway(ctx context.Context, cfg *config.Config) (llm.Gateway, func(), error) {
	switch cfg.Provider {
	case config.ProviderGemini:
		g, err := llm.NewGemini(ctx, llm.GeminiConfig{
			APIKey:         cfg.GeminiAPIKey,
			Model:          cfg.GeminiModel,
			EmbeddingModel: cfg.GeminiEmbeddingModel,
		})
		if err != nil {
			return nil, nil, err
		}
		return g, g.Close, nil
	default:
		m := llm.NewModelScope(llm.ModelScopeConfig{
			BaseURL:        cfg.ModelScopeBaseURL,
			APIKey:         cfg.ModelScopeAPIKey,
			Model:          cfg.ModelScopeModel,
			EmbeddingModel: cfg.ModelScopeEmbeddingModel,
		})
		return m, func() {}, nil
	}
}
