package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"proctorhub/internal/app"
	"proctorhub/internal/config"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

// loadConfig reads .env, then resolves file > environment > defaults
func loadConfig() (*config.Config, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, err
	}
	return config.LoadConfigWithPrecedence(os.Getenv("PROCTORHUB_CONFIG_FILE"))
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}

	application, err := app.NewApplication(cfg)
	if err != nil {
		return errors.Wrap(err, "failed to create application")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)

	if err := application.Start(ctx); err != nil {
		return errors.Wrap(err, "application error")
	}

	sig := <-signalCh
	log.Printf("main: received %v, shutting down", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	return application.Stop(shutdownCtx)
}
