package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"analysis-coordinator/cmd"
	"analysis-coordinator/internal/database"
	"analysis-coordinator/internal/dispatch"
	"analysis-coordinator/internal/extsync"
	"analysis-coordinator/internal/messaging"
	"analysis-coordinator/internal/registry"
	"analysis-coordinator/internal/tasks"

	"github.com/caarlos0/env/v11"
)

type WorkerConfig struct {
	DatabaseURL       string `env:"DATABASE_URL,notEmpty,required"`
	RabbitMQURL       string `env:"RABBITMQ_URL,notEmpty,required"`
	CallbackBaseURL   string `env:"CALLBACK_BASE_URL,notEmpty,required"`
	ContentServiceURL string `env:"CONTENT_SERVICE_URL"`
	AbortOnRateLimit  bool   `env:"ABORT_ON_RATE_LIMIT" envDefault:"false"`
	Concurrency       int    `env:"CONCURRENCY" envDefault:"4"`
}

func main() {
	log.Println("Starting worker process...")

	cmd.LoadEnvFile()

	var cfg WorkerConfig
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	db, err := database.NewDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	publisher, err := messaging.NewRabbitMQPublisher(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}
	defer publisher.Close()

	receiver, err := messaging.NewRabbitMQReceiver(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}
	defer receiver.Close()

	reg := registry.NewRegistry(db)
	service := tasks.NewService(db, reg, publisher, cfg.CallbackBaseURL)
	dispatcher := dispatch.NewDispatcher(db, service, reg)

	var syncer messaging.SyncHandler
	if cfg.ContentServiceURL != "" {
		client := extsync.NewRateLimitClient(cfg.ContentServiceURL, cfg.AbortOnRateLimit)
		syncer = extsync.NewSynchronizer(db, service, client)
	}

	worker := messaging.NewWorker(receiver, dispatcher, syncer, cfg.Concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Println("Worker started. Waiting for tasks. Press Ctrl+C to exit.")
	worker.Run(ctx)

	log.Println("Worker process stopped.")
}
