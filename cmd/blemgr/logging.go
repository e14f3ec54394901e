package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blemgr/pkg/config"
	"github.com/srg/blemgr/session"
)

// loadConfig reads --config (defaults when unset) and applies --log-level.
// Without either, logging is silent.
func loadConfig(cmd *cobra.Command) (*config.Config, *logrus.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	level, _ := cmd.Flags().GetString("log-level")

	cfg := config.DefaultConfig()
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, nil, err
		}
		cfg = loaded
	}

	if level != "" {
		if _, err := logrus.ParseLevel(level); err != nil {
			return nil, nil, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", level)
		}
		cfg.LogLevel = level
	}

	logger := cfg.NewLogger()
	if level == "" && path == "" {
		logger.SetLevel(logrus.PanicLevel)
	}
	return cfg, logger, nil
}

// openSession returns the process-wide session; callers release it with session.ShutdownShared
var openSession = func(cfg *config.Config, logger *logrus.Logger, opts ...session.Option) (*session.Manager, error) {
	m, err := session.Shared(cfg, logger, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open BLE session: %w", err)
	}
	return m, nil
}

// signalContext is cancelled on Ctrl+C or SIGTERM
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
