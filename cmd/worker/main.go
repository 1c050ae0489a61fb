package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/efebarandurmaz/lograg/internal/app"
	"github.com/efebarandurmaz/lograg/internal/config"
	"github.com/efebarandurmaz/lograg/internal/logging"
	"github.com/efebarandurmaz/lograg/internal/secrets"
	temporalmod "github.com/efebarandurmaz/lograg/internal/temporal"
)

func main() {
	configPath := ""
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	} else if _, err := os.Stat("lograg.yaml"); err == nil {
		configPath = "lograg.yaml"
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("loading .env: %v", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	ctx := context.Background()
	if err := secrets.Apply(ctx, cfg); err != nil {
		log.Fatalf("secrets: %v", err)
	}
	logger := logging.Setup(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

	a, err := app.Build(ctx, cfg, logger, app.Options{})
	if err != nil {
		logger.Fatal().Err(err).Msg("assembling pipeline")
	}
	defer a.Close(context.Background())

	c, err := temporalmod.Dial(cfg.Temporal, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("connecting to temporal")
	}
	defer c.Close()

	w, err := temporalmod.StartWorker(c, cfg.Temporal.TaskQueue, temporalmod.NewActivities(a.Pipeline, logger))
	if err != nil {
		logger.Fatal().Err(err).Msg("starting worker")
	}

	fmt.Printf("Worker started on task queue: %s (vector store: %s)\n", cfg.Temporal.TaskQueue, a.Backend.Name())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	w.Stop()
	fmt.Println("Worker stopped")
}
