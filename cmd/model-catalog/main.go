package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/johnayoung/mergemind/internal/catalog"
	"github.com/johnayoung/mergemind/internal/config"
	"github.com/johnayoung/mergemind/internal/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "ERROR:", err.Error())
		os.Exit(1)
	}
}

func run() error {
	var (
		outPath       string
		envFile       string
		openaiEnabled bool
		orEnabled     bool
		timeout       time.Duration
	)
	flag.StringVar(&outPath, "out", "", "Output file path (defaults to stdout)")
	flag.StringVar(&envFile, "env-file", "", "Path to a .env file (default ./.env when present)")
	flag.BoolVar(&openaiEnabled, "openai", true, "Fetch OpenAI models (requires OPENAI_API_KEY)")
	flag.BoolVar(&orEnabled, "openrouter", true, "Fetch OpenRouter models (uses OPENROUTER_API_KEY if set)")
	flag.DurationVar(&timeout, "timeout", 20*time.Second, "HTTP timeout")
	flag.Parse()

	if err := logger.Init(logger.Config{Level: "info"}); err != nil {
		return err
	}
	log := logger.Named("catalog")

	var envFiles []string
	if envFile != "" {
		envFiles = append(envFiles, envFile)
	}
	if err := config.LoadEnv(envFiles...); err != nil {
		return err
	}

	ctx := context.Background()
	f := catalog.NewFetcher(timeout)
	cat := &catalog.Catalog{GeneratedAt: time.Now().UTC()}
	var failed []string

	if openaiEnabled {
		models, err := f.OpenAI(ctx, strings.TrimSpace(os.Getenv("OPENAI_API_KEY")))
		if err != nil {
			log.Warn("source failed", "source", catalog.SourceOpenAI, "error", err)
			failed = append(failed, catalog.SourceOpenAI)
		} else {
			cat.Models = append(cat.Models, models...)
		}
	}
	if orEnabled {
		models, err := f.OpenRouter(ctx, strings.TrimSpace(os.Getenv("OPENROUTER_API_KEY")))
		if err != nil {
			log.Warn("source failed", "source", catalog.SourceOpenRouter, "error", err)
			failed = append(failed, catalog.SourceOpenRouter)
		} else {
			cat.Models = append(cat.Models, models...)
		}
	}
	cat.Sort()

	// Partial output is still written when one source fails.
	w := os.Stdout
	if outPath != "" {
		file, err := os.Create(outPath)
		if err != nil {
			return err
		}
		defer file.Close()
		w = file
	}
	if err := cat.Write(w); err != nil {
		return err
	}
	log.Info("catalog written", "models", len(cat.Models), "failed_sources", failed)

	if len(cat.Models) == 0 && len(failed) > 0 {
		return fmt.Errorf("all sources failed: %s", strings.Join(failed, ", "))
	}
	return nil
}
