// Package migrate applies a dialect's schema forward-only, tracked by the
// chronicle_migrations table (one row per applied version, the highest being
// current) so startup never re-runs or downgrades a schema that's already
// current.
package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Migration is one forward-only step. Version must be strictly increasing
// across a dialect's migration list.
type Migration struct {
	Version int
	SQL     string
}

// Run applies every migration with Version greater than the database's
// current recorded version, in ascending order, each in its own
// transaction. It creates the chronicle_migrations tracking table first if
// absent, so the very first call on a fresh database is also safe. ph
// renders the dialect's bind placeholder for argument i (1-based), matching
// store.Dialect.Placeholder.
func Run(ctx context.Context, db *sql.DB, bootstrapSchema string, migrations []Migration, ph func(i int) string, now func() time.Time) error {
	if _, err := db.ExecContext(ctx, bootstrapSchema); err != nil {
		return fmt.Errorf("migrate: apply bootstrap schema: %w", err)
	}

	current, err := currentVersion(ctx, db)
	if err != nil {
		return fmt.Errorf("migrate: read current version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if err := applyOne(ctx, db, m, ph, now()); err != nil {
			return fmt.Errorf("migrate: version %d: %w", m.Version, err)
		}
		current = m.Version
	}
	return nil
}

func currentVersion(ctx context.Context, db *sql.DB) (int, error) {
	var version sql.NullInt64
	err := db.QueryRowContext(ctx, `SELECT MAX(version) FROM chronicle_migrations`).Scan(&version)
	if err != nil {
		return 0, err
	}
	return int(version.Int64), nil
}

func applyOne(ctx context.Context, db *sql.DB, m Migration, ph func(i int) string, now time.Time) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
		return err
	}
	insert := fmt.Sprintf(`INSERT INTO chronicle_migrations (version, applied_at) VALUES (%s, %s)`, ph(1), ph(2))
	if _, err := tx.ExecContext(ctx, insert, m.Version, now); err != nil {
		return err
	}
	return tx.Commit()
}
