package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"fashion-trainer/internal/config"
	"fashion-trainer/internal/trainer"
)

func main() {
	cfgPath := flag.String("config", "configs/fashion.yaml", "Path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	overrides, err := config.FromEnv()
	if err != nil {
		log.Fatalf("failed to read environment: %v", err)
	}
	cfg.ApplyOverrides(overrides)

	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := trainer.Run(ctx, cfg, log.Default()); err != nil {
		log.Fatalf("training failed: %v", err)
	}
}
