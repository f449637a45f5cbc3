// Package migrate creates and tracks the tables the data layer depends on.
package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Migration represents a single database migration
type Migration struct {
	Version   int64
	Name      string
	Up        string
	Down      string
	Applied   bool
	AppliedAt time.Time
}

// Tracker manages migration history in the schema_migrations table
type Tracker struct {
	db *sql.DB
}

// NewTracker creates a new migration tracker
func NewTracker(db *sql.DB) *Tracker {
	return &Tracker{db: db}
}

// Initialize ensures the schema_migrations table exists
func (t *Tracker) Initialize(ctx context.Context) error {
	const stmt = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version BIGINT PRIMARY KEY,
	name VARCHAR(255) NOT NULL,
	applied_at TIMESTAMP NOT NULL,
	up_sql TEXT,
	down_sql TEXT
)`
	if _, err := t.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to initialize migrations table: %w", err)
	}
	return nil
}

// GetApplied returns all applied migrations sorted by version
func (t *Tracker) GetApplied(ctx context.Context) ([]*Migration, error) {
	const stmt = `
SELECT version, name, applied_at, up_sql, down_sql
FROM schema_migrations
ORDER BY version ASC`

	rows, err := t.db.QueryContext(ctx, stmt)
	if err != nil {
		return nil, fmt.Errorf("failed to query migrations: %w", err)
	}
	defer rows.Close()

	var migrations []*Migration
	for rows.Next() {
		m := &Migration{Applied: true}
		var upSQL, downSQL sql.NullString
		if err := rows.Scan(&m.Version, &m.Name, &m.AppliedAt, &upSQL, &downSQL); err != nil {
			return nil, fmt.Errorf("failed to scan migration: %w", err)
		}
		m.Up = upSQL.String
		m.Down = downSQL.String
		migrations = append(migrations, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating migrations: %w", err)
	}
	return migrations, nil
}

// IsApplied checks if a migration version has been applied
func (t *Tracker) IsApplied(ctx context.Context, version int64) (bool, error) {
	var n int
	err := t.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE version = $1", version).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check migration status: %w", err)
	}
	return n > 0, nil
}

// Record marks a migration as applied inside tx
func (t *Tracker) Record(ctx context.Context, tx *sql.Tx, m *Migration) error {
	const stmt = `
INSERT INTO schema_migrations (version, name, applied_at, up_sql, down_sql)
VALUES ($1, $2, $3, $4, $5)`
	if _, err := tx.ExecContext(ctx, stmt, m.Version, m.Name, time.Now().UTC(), m.Up, m.Down); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}
	return nil
}

// Remove removes a migration record inside tx
func (t *Tracker) Remove(ctx context.Context, tx *sql.Tx, version int64) error {
	result, err := tx.ExecContext(ctx, "DELETE FROM schema_migrations WHERE version = $1", version)
	if err != nil {
		return fmt.Errorf("failed to remove migration: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("migration version %d not found", version)
	}
	return nil
}

// GetPending returns migrations that haven't been applied yet
func (t *Tracker) GetPending(ctx context.Context, all []*Migration) ([]*Migration, error) {
	applied, err := t.GetApplied(ctx)
	if err != nil {
		return nil, err
	}

	appliedSet := make(map[int64]bool, len(applied))
	for _, m := range applied {
		appliedSet[m.Version] = true
	}

	var pending []*Migration
	for _, m := range all {
		if !appliedSet[m.Version] {
			pending = append(pending, m)
		}
	}
	return pending, nil
}
