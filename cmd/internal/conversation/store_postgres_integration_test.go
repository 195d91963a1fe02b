package conversation

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Integration tests are enabled when ZERO_DATABASE_URL is set.
// This keeps local "go test ./..." fast & deterministic without requiring Postgres.

func TestPostgresStore_Contract(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	t.Cleanup(pool.Close)

	runStoreContract(t, func(t *testing.T) Store {
		schema := mustCreateTestSchema(t, pool)
		t.Cleanup(func() { mustDropSchema(t, pool, schema) })

		ctx, cancel := context.WithTimeout(context.Background(), 12*time.Second)
		defer cancel()
		if err := ApplySchema(ctx, pool, schema); err != nil {
			t.Fatalf("apply schema: %v", err)
		}

		st, err := NewPostgresStore(pool, WithSchema(schema))
		if err != nil {
			t.Fatalf("new postgres store: %v", err)
		}
		return st
	})
}

func TestWithSchema_RejectsBadIdentifiers(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"", "  ", "1abc", "a-b", `x"; DROP TABLE y; --`} {
		st := &PostgresStore{}
		if err := WithSchema(s)(st); err == nil {
			t.Fatalf("expected error for schema %q", s)
		}
	}
	st := &PostgresStore{}
	if err := WithSchema("zero_it_1")(st); err != nil || st.schema != "zero_it_1" {
		t.Fatalf("expected valid schema to apply, got %q err=%v", st.schema, err)
	}
}

func TestNewPostgresStore_NilPool(t *testing.T) {
	t.Parallel()

	if _, err := NewPostgresStore(nil); err == nil {
		t.Fatalf("expected error for nil pool")
	}
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("ZERO_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: ZERO_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(raw)
	if err != nil {
		t.Fatalf("parse ZERO_DATABASE_URL: %v", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer pingCancel()

	c, err := pool.Acquire(pingCtx)
	if err != nil {
		pool.Close()
		t.Fatalf("acquire: %v", err)
	}
	c.Release()

	return pool
}

func mustCreateTestSchema(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()

	schema := "zero_it_" + strings.ToLower(uid(t)[16:])

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := pool.Exec(ctx, `CREATE SCHEMA `+pgx.Identifier{schema}.Sanitize()); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return schema
}

func mustDropSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
}
