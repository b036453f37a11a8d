//go:build integration

package main

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestMigratorWithRealPostgres runs the base schemas and a file migration
// against real PostgreSQL.
// Run with: go test -tags=integration -timeout 120s -run TestMigratorWithRealPostgres ./cmd/migrator/...
func TestMigratorWithRealPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			log.Printf("failed to terminate postgres container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer pool.Close()

	if err := applyBaseSchemas(ctx, pool); err != nil {
		t.Fatalf("applyBaseSchemas: %v", err)
	}
	for _, table := range []string{"governance_audit", "handler_content"} {
		var exists bool
		err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name=$1)`, table).Scan(&exists)
		if err != nil || !exists {
			t.Fatalf("table %s missing: exists=%v err=%v", table, exists, err)
		}
	}
	// base schemas are idempotent
	if err := applyBaseSchemas(ctx, pool); err != nil {
		t.Fatalf("second applyBaseSchemas: %v", err)
	}

	dir := t.TempDir()
	migFile := filepath.Join(dir, "001_dispatch_state.sql")
	if err := os.WriteFile(migFile, []byte("CREATE TABLE dispatch_state (id SERIAL PRIMARY KEY);"), 0644); err != nil {
		t.Fatalf("failed to write migration: %v", err)
	}

	if err := runMigrations(ctx, pool, dir, nil, nil, func(format string, args ...any) {}); err != nil {
		t.Fatalf("runMigrations failed: %v", err)
	}

	var exists bool
	err = pool.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE filename='001_dispatch_state.sql')").Scan(&exists)
	if err != nil || !exists {
		t.Fatalf("migration not recorded: exists=%v err=%v", exists, err)
	}
	if _, err := pool.Exec(ctx, "INSERT INTO dispatch_state DEFAULT VALUES"); err != nil {
		t.Fatalf("dispatch_state not created: %v", err)
	}

	// second run skips everything already applied
	if err := runMigrations(ctx, pool, dir, nil, nil, func(format string, args ...any) {}); err != nil {
		t.Fatalf("second runMigrations failed: %v", err)
	}
}
