package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattjoyce/cloudagent/internal/config"
	"github.com/mattjoyce/cloudagent/internal/mockapi"
)

func runMock(args []string) error {
	fs := flag.NewFlagSet("mock", flag.ExitOnError)
	configPath := configFlag(fs)
	listen := fs.String("listen", "", "listen address (overrides mock.listen)")
	scriptsFile := fs.String("scripts", "", "scripts file (overrides mock.scripts_file)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.LoadOptional(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *listen != "" {
		cfg.Mock.Listen = *listen
	}
	if *scriptsFile != "" {
		cfg.Mock.ScriptsFile = *scriptsFile
	}

	logger := newLogger(os.Stdout, cfg.Service.LogLevel)

	scripts, err := mockapi.LoadScripts(cfg.Mock.ScriptsFile)
	if err != nil {
		return err
	}
	logger.Info("starting mock backend", "version", version, "config", *configPath, "scripts", len(scripts.Scripts))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := mockapi.New(mockapi.Config{
		Listen:    cfg.Mock.Listen,
		Token:     cfg.Mock.Token,
		StepDelay: cfg.Mock.StepDelay,
	}, scripts, logger)
	if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
