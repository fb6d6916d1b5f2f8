package service

import (
	"context"
	"fmt"

	"github.com/lead-router/internal/config"
	"github.com/lead-router/internal/logging"
	"github.com/lead-router/internal/storage"
)

// Backend is an opened store plus the payment lock that fronts it
type Backend struct {
	Repos  Repositories
	Locker PaymentLocker
	// Checks probe the external dependencies, keyed by name
	Checks  map[string]func(ctx context.Context) error
	closers []func()
}

// OpenBackend connects the configured store and payment lock. Postgres schema
// migrations are applied first when migrate is set.
func OpenBackend(cfg *config.Config, migrate bool) (*Backend, error) {
	logger := logging.GetGlobalLogger()
	b := &Backend{Checks: make(map[string]func(ctx context.Context) error)}

	switch cfg.Database.Backend {
	case "memory":
		logger.Warn("Using in-memory store: ledger state is lost on restart")
		b.Repos = NewMemoryRepositories(storage.NewMemoryStore())

	default:
		if migrate {
			if err := storage.RunMigrations(cfg.Database.Postgres.URL(), storage.DefaultMigrationsPath); err != nil {
				return nil, err
			}
			logger.Info("Postgres migrations applied")
		}

		db, err := storage.NewPostgresDB(&cfg.Database.Postgres)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, db.Close)
		b.Checks["postgres"] = db.Ping
		b.Repos = NewPostgresRepositories(db)
	}

	if cfg.Database.Redis.Host == "" {
		if cfg.Database.Backend != "memory" {
			logger.Warn("REDIS_HOST is empty: payment locks only cover this process")
		}
		b.Locker = storage.NewLocalPaymentLock()
		return b, nil
	}

	rc, err := storage.NewRedisClient(&cfg.Database.Redis)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("payment lock: %w", err)
	}
	b.closers = append(b.closers, func() { _ = rc.Close() })
	b.Checks["redis"] = rc.Ping
	b.Locker = storage.NewPaymentLock(rc.Client(), cfg.Database.Redis.LockTTL)
	return b, nil
}

// Close releases connections in reverse order of opening
func (b *Backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
	b.closers = nil
}
