package di

import (
	"os"

	"go.uber.org/dig"
	"go.uber.org/zap"

	"github.com/mikey/llm-mail-sorter/internal/adapters/host"
	"github.com/mikey/llm-mail-sorter/internal/adapters/secrets"
	"github.com/mikey/llm-mail-sorter/internal/config"
	"github.com/mikey/llm-mail-sorter/internal/core"
	"github.com/mikey/llm-mail-sorter/internal/factory"
	"github.com/mikey/llm-mail-sorter/internal/logging"
)

// BuildContainer creates and configures a dependency injection container
// for the native messaging host.
func BuildContainer(configPath string) (*dig.Container, error) {
	container := dig.New()

	// Register configuration
	if err := container.Provide(func() (*config.Config, error) {
		if configPath != "" {
			return config.NewFromFile(configPath)
		}
		return config.New()
	}); err != nil {
		return nil, err
	}
	if err := container.Provide(config.NewManager); err != nil {
		return nil, err
	}
	if err := container.Provide(func(m *config.Manager) *config.Snapshot {
		return m.Current()
	}); err != nil {
		return nil, err
	}

	// Register logger
	if err := container.Provide(func(snap *config.Snapshot) (*zap.Logger, error) {
		return logging.InitLogger(snap.Logging)
	}); err != nil {
		return nil, err
	}

	// Register secret store. A missing OS keyring degrades to an
	// in-memory store so configurations that need no secrets still run.
	if err := container.Provide(func(logger *zap.Logger) core.SecretStore {
		store, err := secrets.NewKeyringStore()
		if err != nil {
			logger.Warn("OS keyring unavailable, secrets limited to this process", zap.Error(err))
			return secrets.NewMemoryStore()
		}
		return store
	}); err != nil {
		return nil, err
	}

	// Register the host over stdio
	if err := container.Provide(func(
		manager *config.Manager,
		secretStore core.SecretStore,
		logger *zap.Logger,
	) (*host.Host, error) {
		build := func(snap *config.Snapshot) (*host.Runtime, error) {
			return factory.BuildRuntime(snap, secretStore, logger)
		}
		return host.New(os.Stdin, os.Stdout, manager, build, logger)
	}); err != nil {
		return nil, err
	}

	return container, nil
}
