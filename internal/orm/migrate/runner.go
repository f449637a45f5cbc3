package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
)

// Runner applies migrations, one transaction per migration
type Runner struct {
	db      *sql.DB
	tracker *Tracker
	logger  *zap.Logger
}

// NewRunner creates a new migration runner
func NewRunner(db *sql.DB, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		db:      db,
		tracker: NewTracker(db),
		logger:  logger,
	}
}

// Tracker returns the runner's tracker
func (r *Runner) Tracker() *Tracker {
	return r.tracker
}

// MigrateUp applies every pending migration in version order and returns
// the applied ones
func (r *Runner) MigrateUp(ctx context.Context, migrations []*Migration) ([]*Migration, error) {
	if err := r.tracker.Initialize(ctx); err != nil {
		return nil, err
	}

	pending, err := r.tracker.GetPending(ctx, migrations)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending migrations: %w", err)
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].Version < pending[j].Version })

	if len(pending) == 0 {
		r.logger.Info("no pending migrations")
		return nil, nil
	}

	for _, m := range pending {
		if err := r.apply(ctx, m, m.Up, func(tx *sql.Tx) error { return r.tracker.Record(ctx, tx, m) }); err != nil {
			return nil, fmt.Errorf("migration %s failed: %w", m.Name, err)
		}
	}
	return pending, nil
}

// MigrateDown rolls back the most recently applied migration
func (r *Runner) MigrateDown(ctx context.Context) (*Migration, error) {
	applied, err := r.tracker.GetApplied(ctx)
	if err != nil {
		return nil, err
	}
	if len(applied) == 0 {
		return nil, errors.New("no migrations to rollback")
	}

	last := applied[len(applied)-1]
	if last.Down == "" {
		return nil, fmt.Errorf("migration %s has no down migration", last.Name)
	}
	if err := r.apply(ctx, last, last.Down, func(tx *sql.Tx) error { return r.tracker.Remove(ctx, tx, last.Version) }); err != nil {
		return nil, fmt.Errorf("rollback failed: %w", err)
	}
	return last, nil
}

func (r *Runner) apply(ctx context.Context, m *Migration, stmt string, track func(tx *sql.Tx) error) error {
	if stmt == "" {
		return errors.New("migration has no SQL")
	}
	start := time.Now()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			r.logger.Warn("failed to rollback migration transaction", zap.Error(err))
		}
	}()

	if _, err := tx.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}
	if err := track(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	r.logger.Info("migration applied",
		zap.Int64("version", m.Version),
		zap.String("name", m.Name),
		zap.Duration("took", time.Since(start)))
	return nil
}

// Status returns the current migration status
func (r *Runner) Status(ctx context.Context, all []*Migration) (*MigrationStatus, error) {
	if err := r.tracker.Initialize(ctx); err != nil {
		return nil, err
	}
	applied, err := r.tracker.GetApplied(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get applied migrations: %w", err)
	}
	pending, err := r.tracker.GetPending(ctx, all)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending migrations: %w", err)
	}

	return &MigrationStatus{
		Total:   len(all),
		Applied: applied,
		Pending: pending,
	}, nil
}

// MigrationStatus represents the current state of migrations
type MigrationStatus struct {
	Total   int
	Applied []*Migration
	Pending []*Migration
}

// Summary returns a human-readable summary
func (s *MigrationStatus) Summary() string {
	return fmt.Sprintf("Total: %d migrations (%d applied, %d pending)",
		s.Total,
		len(s.Applied),
		len(s.Pending))
}
