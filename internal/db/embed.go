package db

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DevMode reads migrations from MigrationsDir on disk instead of the copy
// compiled into the binary, so schema edits apply without a rebuild.
var (
	DevMode       = false
	MigrationsDir = "internal/db/migrations"
)

// getMigrationsFS returns a filesystem whose root holds the migration files.
func getMigrationsFS() (fs.FS, error) {
	if DevMode {
		if _, err := os.Stat(MigrationsDir); err != nil {
			return nil, fmt.Errorf("migrations directory %s: %w", MigrationsDir, err)
		}
		return os.DirFS(MigrationsDir), nil
	}
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	return sub, nil
}
