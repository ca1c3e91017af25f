package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sync"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var gooseInitMu sync.Mutex

// ApplyMigrations executes all embedded migrations against db. Goose tracks
// applied versions, so startup always calls this unconditionally.
func ApplyMigrations(ctx context.Context, db *sql.DB) error {
	gooseInitMu.Lock()
	defer func() {
		goose.SetBaseFS(nil)
		gooseInitMu.Unlock()
	}()
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("sqlite: set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("sqlite: apply migrations: %w", err)
	}
	return nil
}
