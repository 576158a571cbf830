package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/pablobfonseca/go-claim-triage/app"
	"github.com/pablobfonseca/go-claim-triage/config"
	"github.com/pablobfonseca/go-claim-triage/logging"
)

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		log.Fatal("Invalid configuration: ", err)
	}
	logger, err := logging.New(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel})
	if err != nil {
		log.Fatal("Failed to create logger: ", err)
	}
	defer logger.Sync()

	// Setup context with cancellation for clean shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to start", zap.Error(err))
	}
	defer a.Close()

	pool := a.Worker()
	pool.Start(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Stopping workers...")
	pool.Stop()
	logger.Info("Workers stopped")
}
