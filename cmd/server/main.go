package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/shopimg/shopimg/internal/api"
	"github.com/shopimg/shopimg/internal/cdn"
	"github.com/shopimg/shopimg/internal/config"
	"github.com/shopimg/shopimg/internal/database"
	"github.com/shopimg/shopimg/internal/processing"
	"github.com/shopimg/shopimg/internal/queue"
	"github.com/shopimg/shopimg/internal/repository"
	"github.com/shopimg/shopimg/internal/storage"
	"github.com/shopimg/shopimg/internal/validate"
	"github.com/shopimg/shopimg/internal/variants"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
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
	products := repository.NewProductRepository(pool)

	backend, err := storage.NewFromConfig(ctx, cfg)
	if err != nil {
		log.Fatalf("init storage: %v", err)
	}

	cache := cdn.New(backend, cfg.CacheMaxBytes)
	pipeline := processing.NewPipeline(images, backend, variants.NewGenerator(), cache)

	// With redis configured jobs go through asynq and a separate worker
	// binary; without it a pool inside this process handles generation.
	var dispatcher processing.Dispatcher
	if cfg.RedisAddr != "" {
		client := asynq.NewClient(asynq.RedisClientOpt{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer client.Close()
		dispatcher = queue.NewDispatcher(client)
		log.Printf("dispatching jobs to redis at %s", cfg.RedisAddr)
	} else {
		workers := processing.NewPool(pipeline, cfg.Workers)
		workers.Start(ctx)
		dispatcher = workers
		log.Printf("dispatching jobs to %d in-process workers", cfg.Workers)
	}

	srv := api.New(cfg, images, products, backend, cache, validate.New(cfg), pipeline, dispatcher)
	if err := srv.Run(ctx); err != nil {
		log.Printf("server stopped: %v", err)
		os.Exit(1)
	}
}
