// Command crucible is a minimal front end for the provider gateway: list
// the active provider's models or stream one chat completion. The real
// consumer is the agent orchestrator; this exists for smoke-testing a
// provider setup from the shell.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/joho/godotenv/autoload"
	"go.uber.org/zap"

	"github.com/crucible-ai/crucible/config"
	"github.com/crucible-ai/crucible/internal/dump"
	"github.com/crucible-ai/crucible/llm"
	"github.com/crucible-ai/crucible/llm/gateway"
)

var version = "dev"

func main() {
	var (
		listModels = flag.Bool("models", false, "list the active provider's models")
		modelID    = flag.String("model", "", "model id for -prompt")
		prompt     = flag.String("prompt", "", "send one user prompt and stream the reply")
		providerID = flag.String("provider", "", "switch to this provider id before running")
		verbose    = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	logger := newLogger(*verbose)
	defer logger.Sync() //nolint:errcheck

	if err := run(logger, *listModels, *modelID, *prompt, *providerID); err != nil {
		logger.Error("command failed", zap.Error(err))
		os.Exit(1)
	}
}

func newLogger(verbose bool) *zap.Logger {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg = zap.NewDevelopmentConfig()
	}
	logger, err := cfg.Build()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to build logger:", err)
		os.Exit(1)
	}
	return logger
}

func run(logger *zap.Logger, listModels bool, modelID, prompt, providerID string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	settings := config.LoadSettings("", logger)

	cwd, err := os.Getwd()
	if err != nil {
		return err
	}
	var overrides []llm.ProviderDetails
	if wf := config.LoadWorkflow(cwd, logger); wf != nil {
		overrides = wf.Providers
	}

	var recorder *dump.Recorder
	if settings.Dump.Enabled {
		recorder, err = dump.NewRecorder(settings.Dump.Dir, logger)
		if err != nil {
			return fmt.Errorf("failed to open dump directory: %w", err)
		}
	}

	service := gateway.NewService(gateway.Options{
		Overrides:   overrides,
		RetryConfig: &settings.Retry,
		HTTPConfig:  &settings.HTTP,
		Version:     version,
		Logger:      logger,
		Recorder:    recorder,
	})

	if providerID != "" {
		if err := switchProvider(service, providerID); err != nil {
			return err
		}
	}
	provider, err := service.ActiveProvider()
	if err != nil {
		return err
	}
	logger.Info("using provider", zap.String("provider", provider.ID()))

	switch {
	case listModels:
		models, err := service.Models(ctx, provider)
		if err != nil {
			return err
		}
		for _, m := range models {
			fmt.Println(m.ID)
		}
		return nil

	case prompt != "":
		if modelID == "" {
			return fmt.Errorf("-prompt requires -model")
		}
		return chat(ctx, service, provider, llm.ModelID(modelID), prompt)

	default:
		flag.Usage()
		return nil
	}
}

func switchProvider(service *gateway.Service, id string) error {
	for _, details := range service.Providers() {
		if details.ID == id {
			provider, err := details.Provider()
			if err != nil {
				return err
			}
			return service.UpdateProvider(provider)
		}
	}
	return fmt.Errorf("provider %q not in resolved catalog", id)
}

func chat(ctx context.Context, service *gateway.Service, provider llm.Provider, model llm.ModelID, prompt string) error {
	stream, err := service.Chat(ctx, model, llm.Context{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt}},
	}, provider)
	if err != nil {
		return err
	}

	for item := range stream {
		if item.Err != nil {
			return item.Err
		}
		fmt.Print(item.Message.Content)
	}
	fmt.Println()
	return nil
}
