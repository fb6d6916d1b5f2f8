package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/lead-router/internal/config"
)

// testContext creates a context with timeout for tests
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func testPostgresConfig() *config.PostgresConfig {
	cfg := &config.PostgresConfig{
		Host:           "localhost",
		Port:           "5432",
		Database:       "lead_router_test",
		User:           "router",
		Password:       "router_dev_password",
		MaxConnections: 5,
	}
	if host := os.Getenv("TEST_POSTGRES_HOST"); host != "" {
		cfg.Host = host
	}
	return cfg
}

// openTestPostgres connects to the integration database, applies migrations and
// empties every table. The test is skipped when Postgres is not reachable.
func openTestPostgres(t *testing.T) *PostgresDB {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	cfg := testPostgresConfig()
	db, err := NewPostgresDB(cfg)
	if err != nil {
		t.Skipf("Skipping test - Postgres not available: %v", err)
	}
	t.Cleanup(db.Close)

	if err := RunMigrations(cfg.URL(), "../../migrations/postgres"); err != nil {
		t.Fatalf("RunMigrations() error = %v", err)
	}

	_, err = db.Pool().Exec(testContext(t), `
		TRUNCATE deliveries, purchase_log, lead_purchases, lead_assignments,
			credit_transactions, leads, providers
	`)
	if err != nil {
		t.Fatalf("failed to truncate tables: %v", err)
	}
	return db
}
