package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/shopimg/shopimg/internal/cdn"
	"github.com/shopimg/shopimg/internal/config"
	"github.com/shopimg/shopimg/internal/database"
	"github.com/shopimg/shopimg/internal/processing"
	"github.com/shopimg/shopimg/internal/repository"
	"github.com/shopimg/shopimg/internal/storage"
	"github.com/shopimg/shopimg/internal/variants"
	"github.com/shopimg/shopimg/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if cfg.RedisAddr == "" {
		log.Fatal("worker requires SHOPIMG_REDIS_ADDR")
	}

	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("connect database: %v", err)
	}
	defer pool.Close()
	if err := database.EnsureSchema(ctx, pool); err != nil {
		log.Fatalf("ensure schema: %v", err)
	}
	images := repository.NewImageRepository(pool)

	backend, err := storage.NewFromConfig(ctx, cfg)
	if err != nil {
		log.Fatalf("init storage: %v", err)
	}

	// The worker keeps its own cache instance only for invalidation inside
	// the pipeline; served traffic goes through the API process.
	cache := cdn.New(backend, cfg.CacheMaxBytes)
	pipeline := processing.NewPipeline(images, backend, variants.NewGenerator(), cache)

	server := asynq.NewServer(asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, asynq.Config{
		Concurrency: cfg.Workers,
	})
	mux := asynq.NewServeMux()
	worker.NewProcessor(pipeline).Register(mux)

	go func() {
		<-ctx.Done()
		server.Shutdown()
	}()

	if err := server.Run(mux); err != nil {
		log.Printf("worker stopped: %v", err)
		os.Exit(1)
	}
}
