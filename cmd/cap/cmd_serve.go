package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"cap/internal/cache"
	"cap/internal/config"
	"cap/internal/llm"
	"cap/internal/logging"
	"cap/internal/pipeline"
	"cap/internal/server"
	"cap/internal/triplestore"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer log.Sync()

	systemPrompt, err := cfg.SystemPrompt()
	if err != nil {
		return err
	}

	store := triplestore.NewClient(triplestore.Config{
		Host:     cfg.Virtuoso.Host,
		Port:     cfg.Virtuoso.Port,
		Username: cfg.Virtuoso.Username,
		Password: cfg.Virtuoso.Password,
		Endpoint: cfg.Virtuoso.Endpoint,
		Timeout:  config.GetDuration(cfg.Virtuoso.Timeout, 30*time.Second),
	}, logging.For(log, logging.CategorySPARQL))

	model := llm.NewClient(llm.Config{
		BaseURL:          cfg.Ollama.BaseURL,
		Model:            cfg.Ollama.Model,
		Timeout:          config.GetDuration(cfg.Ollama.Timeout, 120*time.Second),
		NLToSPARQLPrompt: systemPrompt,
	}, logging.For(log, logging.CategoryLLM))

	queryCache := cache.New(cache.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		TTL:      config.GetDuration(cfg.Redis.TTL, cache.DefaultTTL),
	}, logging.For(log, logging.CategoryCache))
	defer queryCache.Close()

	pipe := pipeline.New(store, model, queryCache,
		logging.For(log, logging.CategoryPipeline),
		pipeline.WithStallWindow(config.GetDuration(cfg.Pipeline.StallWindow, pipeline.DefaultStallWindow)),
		pipeline.WithMaxItems(cfg.Pipeline.MaxItems))

	srv := server.New(server.Config{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		ShutdownTimeout: config.GetDuration(cfg.Server.ShutdownTimeout, 15*time.Second),
	}, pipe, logging.For(log, logging.CategoryServer))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Dependencies may still be starting; report but do not refuse to serve.
	if err := store.TestConnection(ctx); err != nil {
		log.Warn("triplestore unreachable at startup", zap.Error(err))
	}
	if err := queryCache.HealthCheck(ctx); err != nil {
		log.Warn("redis unreachable at startup", zap.Error(err))
	}
	if !model.HealthCheck(ctx) {
		log.Warn("ollama unreachable at startup")
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		return srv.Shutdown(context.Background())
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("server exited: %w", err)
	}
	return nil
}
