// Package migrations embeds the scheduler's schema migrations and applies
// them with goose. cmd/scheduler runs Up at startup; cmd/schedule never
// migrates.
package migrations

import (
	"context"
	"embed"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
)

//go:embed *.sql
var fs embed.FS

// Up applies every pending migration.
func Up(ctx context.Context, db *sqlx.DB) error {
	goose.SetBaseFS(fs)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db.DB, "."); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// Status returns the current migration version.
func Status(ctx context.Context, db *sqlx.DB) (int64, error) {
	goose.SetBaseFS(fs)
	if err := goose.SetDialect("postgres"); err != nil {
		return 0, fmt.Errorf("failed to set migration dialect: %w", err)
	}
	return goose.GetDBVersionContext(ctx, db.DB)
}
