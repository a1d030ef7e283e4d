package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
)

// sqlFS contains the embedded SQL migration files.
//
//go:embed sql/*.sql
var sqlFS embed.FS

func newMigrator(db *sql.DB) (*migrate.Migrate, error) {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("migrations: create postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(sqlFS, "sql")
	if err != nil {
		return nil, fmt.Errorf("migrations: open embedded migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("migrations: init migrate instance: %w", err)
	}
	return m, nil
}

// Up applies all pending database migrations. It is safe to call multiple
// times; when the database schema is up to date, the function is a no-op.
func Up(db *sql.DB, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	m, err := newMigrator(db)
	if err != nil {
		return err
	}

	currentVersion := uint(0)
	if v, dirty, verr := m.Version(); verr == nil {
		currentVersion = v
		logger.Info("migrations: current schema version", zap.Uint("version", v), zap.Bool("dirty", dirty))
	} else if errors.Is(verr, migrate.ErrNilVersion) {
		logger.Info("migrations: no existing migration version (fresh database)")
	} else {
		logger.Warn("migrations: unable to determine current version", zap.Error(verr))
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Info("migrations: database is up to date", zap.Uint("version", currentVersion))
			return nil
		}
		return fmt.Errorf("migrations: apply: %w", err)
	}

	if v, _, err := m.Version(); err == nil {
		logger.Info("migrations: applied migrations", zap.Uint("version", v))
	} else {
		logger.Warn("migrations: applied migrations but failed to read new version", zap.Error(err))
	}
	return nil
}

// Version reports the current schema version and whether it is dirty.
// A fresh database reports version 0.
func Version(db *sql.DB) (uint, bool, error) {
	m, err := newMigrator(db)
	if err != nil {
		return 0, false, err
	}
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("migrations: read version: %w", err)
	}
	return v, dirty, nil
}

// ForceVersion sets the recorded schema version without running migrations
// and clears the dirty flag.
func ForceVersion(db *sql.DB, version uint) error {
	m, err := newMigrator(db)
	if err != nil {
		return err
	}
	if err := m.Force(int(version)); err != nil {
		return fmt.Errorf("migrations: force version %d: %w", version, err)
	}
	return nil
}

// FixDirtyDatabase rolls a dirty schema back to the last clean version so
// the failed migration can be retried.
func FixDirtyDatabase(db *sql.DB) error {
	v, dirty, err := Version(db)
	if err != nil {
		return err
	}
	if !dirty {
		return nil
	}
	prev := int(v) - 1
	if prev < 1 {
		prev = -1
	}

	m, err := newMigrator(db)
	if err != nil {
		return err
	}
	if err := m.Force(prev); err != nil {
		return fmt.Errorf("migrations: clear dirty version %d: %w", v, err)
	}
	return nil
}

// IsDirty reports whether err is the migrate dirty-version error.
func IsDirty(err error) bool {
	var dirty migrate.ErrDirty
	return errors.As(err, &dirty)
}
