package store

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// RunMigrations applies all pending migrations from the given directory.
// A database that is already up to date is not an error.
func RunMigrations(databaseURL, migrationsDir string) error {
	sourceURL := "file://" + migrationsDir

	// golang-migrate's postgres driver expects a postgres:// scheme.
	url := databaseURL
	if strings.HasPrefix(url, "postgresql://") {
		url = "postgres://" + strings.TrimPrefix(url, "postgresql://")
	}

	m, err := migrate.New(sourceURL, url)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}
