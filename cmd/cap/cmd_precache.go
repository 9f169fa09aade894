package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"cap/internal/cache"
	"cap/internal/config"
	"cap/internal/logging"
)

func newPrecacheCmd() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "precache",
		Short: "Seed the query cache from a question-to-SPARQL mappings file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPrecache(file)
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "path to the mappings file (MESSAGE user / MESSAGE assistant blocks)")
	cmd.MarkFlagRequired("file")
	return cmd
}

func runPrecache(file string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer log.Sync()

	store := cache.New(cache.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		TTL:      config.GetDuration(cfg.Redis.TTL, cache.DefaultTTL),
	}, logging.For(log, logging.CategoryCache))
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	stats, err := store.PrecacheFile(ctx, file)
	if err != nil {
		return err
	}

	fmt.Printf("precached %d/%d queries (%d skipped, %d failed)\n",
		stats.Cached, stats.Total, stats.Skipped, stats.Failed)
	for _, e := range stats.Errors {
		fmt.Println("  error:", e)
	}
	return nil
}
