package migrate

import (
	"errors"
	"fmt"

	gomigrate "github.com/golang-migrate/migrate/v4"
	"github.com/rs/zerolog"

	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
)

// Run applies all pending SQL migrations from path against the database.
func Run(dsn, path string, logger zerolog.Logger) error {
	if dsn == "" {
		return fmt.Errorf("database.dsn is required for migrations")
	}
	if path == "" {
		path = "migrations"
	}

	m, err := gomigrate.New(fmt.Sprintf("file://%s", path), dsn)
	if err != nil {
		return fmt.Errorf("creating migrate instance: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil {
		if errors.Is(err, gomigrate.ErrNoChange) {
			logger.Info().Msg("migrations already up to date")
			return nil
		}
		return fmt.Errorf("applying migrations: %w", err)
	}

	logger.Info().Str("path", path).Msg("migrations applied")
	return nil
}
