package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pressly/goose/v3"

	// pgx stdlib driver for goose's database/sql handle.
	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/postgres/*.sql
var postgresMigrationsFS embed.FS

var gooseMu sync.Mutex

const migrationLockTimeout = 45 * time.Second

// ApplyPostgresMigrations runs the embedded goose migrations while holding a
// Postgres advisory lock, so concurrent autoflow processes migrate once.
func ApplyPostgresMigrations(ctx context.Context, dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open db for migrations: %w", err)
	}
	defer db.Close()

	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire dedicated connection: %w", err)
	}
	defer conn.Close()

	lockCtx, cancel := context.WithTimeout(ctx, migrationLockTimeout)
	defer cancel()
	if _, err := conn.ExecContext(lockCtx,
		"select pg_advisory_lock(hashtext($1), hashtext($2))", "autoflow", "migrations",
	); err != nil {
		return fmt.Errorf("acquire migration advisory lock: %w", err)
	}
	defer func() {
		if _, err := conn.ExecContext(context.WithoutCancel(ctx),
			"select pg_advisory_unlock(hashtext($1), hashtext($2))", "autoflow", "migrations",
		); err != nil {
			slog.WarnContext(ctx, "failed to release migration advisory lock", "error", err)
		}
	}()

	gooseMu.Lock()
	defer gooseMu.Unlock()
	goose.SetBaseFS(postgresMigrationsFS)
	defer goose.SetBaseFS(nil)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations/postgres"); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}
