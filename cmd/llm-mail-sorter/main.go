package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/dig"
	"go.uber.org/zap"

	"github.com/mikey/llm-mail-sorter/internal/adapters/host"
	"github.com/mikey/llm-mail-sorter/internal/config"
	"github.com/mikey/llm-mail-sorter/internal/core"
	"github.com/mikey/llm-mail-sorter/internal/di"
)

// Exit codes contractual with the browser-side extension wrapper.
const (
	exitOK            = 0
	exitRuntime       = 1
	exitInvalidConfig = 2
	exitMissingKey    = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	container, err := di.BuildContainer(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build dependency container: %v\n", err)
		return exitRuntime
	}

	err = container.Invoke(func(h *host.Host, logger *zap.Logger) error {
		defer logger.Sync()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		logger.Info("native messaging host starting", zap.Int("pid", os.Getpid()))
		return h.Run(ctx)
	})
	if err != nil {
		cause := dig.RootCause(err)
		fmt.Fprintf(os.Stderr, "llm-mail-sorter: %v\n", cause)
		switch {
		case errors.Is(cause, config.ErrInvalid):
			return exitInvalidConfig
		case errors.Is(cause, core.ErrKeyNotFound):
			return exitMissingKey
		default:
			return exitRuntime
		}
	}
	return exitOK
}
