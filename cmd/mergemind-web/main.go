package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/johnayoung/mergemind/internal/app"
	"github.com/johnayoung/mergemind/internal/config"
	"github.com/johnayoung/mergemind/internal/logger"
	"github.com/johnayoung/mergemind/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		envFile    string
		addr       string
		askTimeout time.Duration
	)
	flag.StringVar(&configPath, "config", "", "Path to a YAML config file")
	flag.StringVar(&envFile, "env-file", "", "Path to a .env file (default ./.env when present)")
	flag.StringVar(&addr, "addr", "", "Listen address (default from config, :8080)")
	flag.DurationVar(&askTimeout, "ask-timeout", 5*time.Minute, "Upper bound for one /ask request")
	flag.Parse()

	var envFiles []string
	if envFile != "" {
		envFiles = append(envFiles, envFile)
	}
	if err := config.LoadEnv(envFiles...); err != nil {
		return err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	cfg.LoadCredentials(os.LookupEnv)
	if addr != "" {
		cfg.Web.Address = addr
	}

	if err := logger.Init(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, OutputPaths: cfg.Log.Outputs}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Named("web")

	for _, id := range cfg.BackendIDs() {
		b := cfg.Backends[id]
		log.Info("backend", "id", id, "vendor", b.Vendor, "model", b.Model, "key_env", b.APIKeyEnv, "key", cfg.CredentialHint(id))
	}

	srv := server.New(app.New(cfg), server.Config{
		AppName:    cfg.Web.AppName,
		AskTimeout: askTimeout,
		Logger:     logger.Named("http"),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.Web.Address)
		errCh <- srv.Listen(cfg.Web.Address)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.ShutdownWithContext(shutdownCtx)
}
