package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
)

//go:embed migrations/sqlite/*.sql migrations/mysql/*.sql
var embedMigrations embed.FS

// runMigrations applies all pending migrations for the dialect using goose.
func runMigrations(ctx context.Context, db *sql.DB, dialect string) error {
	var gooseDialect database.Dialect
	switch dialect {
	case DialectSQLite:
		gooseDialect = database.DialectSQLite3
	case DialectMySQL:
		gooseDialect = database.DialectMySQL
	default:
		return fmt.Errorf("unsupported SQL dialect %q", dialect)
	}

	// Each dialect has its own flat directory of .sql files.
	migrationFS, err := fs.Sub(embedMigrations, "migrations/"+dialect)
	if err != nil {
		return fmt.Errorf("failed to create sub filesystem: %w", err)
	}

	provider, err := goose.NewProvider(gooseDialect, db, migrationFS)
	if err != nil {
		return fmt.Errorf("failed to create goose provider: %w", err)
	}

	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	return nil
}
