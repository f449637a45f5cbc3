// Package revision stores append-only before/after snapshots of entities.
package revision

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/conduit-lang/datalayer/internal/orm/query"
	"github.com/conduit-lang/datalayer/internal/orm/transaction"
)

// Keys recorded by the repository
const (
	KeyCreate = "Create Data"
	KeyUpdate = "Update Data"
)

// Table is the revision table name
const Table = "revisions"

// Revision is an immutable snapshot of an entity change
type Revision struct {
	ID               int64
	OldValue         *string
	NewValue         *string
	RevisionableType string
	RevisionableID   int64
	Key              string
	UserID           *int64
	CreatedAt        time.Time
}

// Snapshot serializes v for OldValue or NewValue. A nil v yields nil.
func Snapshot(v interface{}) (*string, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize revision snapshot: %w", err)
	}
	s := string(raw)
	return &s, nil
}

// Store appends and lists revisions. Rows are never updated or deleted.
type Store struct {
	db     query.Querier
	logger *zap.Logger
	now    func() time.Time
}

// NewStore creates a revision store reading through db
func NewStore(db query.Querier, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger, now: time.Now}
}

// Record appends rev using q, which may be an open transaction. A nil q
// joins the transaction carried by ctx, if any, else writes through the
// store's own handle.
func (s *Store) Record(ctx context.Context, q query.Querier, rev *Revision) error {
	if q == nil {
		q = transaction.QuerierFrom(ctx, s.db)
	}
	if rev.CreatedAt.IsZero() {
		rev.CreatedAt = s.now().UTC()
	}

	stmt := fmt.Sprintf(`INSERT INTO %s (old_value, new_value, revisionable_type, revisionable_id, key, user_id, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`, Table)

	err := q.QueryRowContext(ctx, stmt,
		rev.OldValue, rev.NewValue, rev.RevisionableType, rev.RevisionableID, rev.Key, rev.UserID, rev.CreatedAt,
	).Scan(&rev.ID)
	if err != nil {
		return fmt.Errorf("failed to record revision for %s %d: %w", rev.RevisionableType, rev.RevisionableID, err)
	}

	s.logger.Debug("revision recorded",
		zap.String("type", rev.RevisionableType),
		zap.Int64("id", rev.RevisionableID),
		zap.String("key", rev.Key))
	return nil
}

// List returns the revisions of one entity in insertion order
func (s *Store) List(ctx context.Context, entityType string, entityID int64) ([]*Revision, error) {
	stmt := fmt.Sprintf(`SELECT id, old_value, new_value, revisionable_type, revisionable_id, key, user_id, created_at
FROM %s WHERE revisionable_type = $1 AND revisionable_id = $2 ORDER BY id ASC`, Table)

	rows, err := s.db.QueryContext(ctx, stmt, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to list revisions: %w", err)
	}
	defer rows.Close()

	var out []*Revision
	for rows.Next() {
		var (
			rev      Revision
			oldValue sql.NullString
			newValue sql.NullString
			userID   sql.NullInt64
		)
		if err := rows.Scan(&rev.ID, &oldValue, &newValue, &rev.RevisionableType, &rev.RevisionableID, &rev.Key, &userID, &rev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan revision: %w", err)
		}
		if oldValue.Valid {
			rev.OldValue = &oldValue.String
		}
		if newValue.Valid {
			rev.NewValue = &newValue.String
		}
		if userID.Valid {
			rev.UserID = &userID.Int64
		}
		out = append(out, &rev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
