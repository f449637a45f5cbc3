package relationships

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/conduit-lang/datalayer/internal/orm/crud"
	"github.com/conduit-lang/datalayer/internal/orm/query"
	"github.com/conduit-lang/datalayer/internal/orm/schema"
)

// SyncFunc applies the pending relation IDs of entity through q
type SyncFunc func(ctx context.Context, q query.Querier, entity schema.Entity) error

// Syncer writes pending relation IDs to the store:
//
//   - many2many replaces the owner's join rows with the pending IDs
//   - has_many and has_one point the referenced rows' foreign key at the owner
//   - belongs_to sets the owner's foreign key to the first pending ID
type Syncer struct {
	registry *schema.Registry
	logger   *zap.Logger
}

// NewSyncer creates a new relation syncer
func NewSyncer(registry *schema.Registry, logger *zap.Logger) *Syncer {
	if registry == nil {
		registry = schema.Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Syncer{registry: registry, logger: logger}
}

// Sync applies every pending relation of entity. Pending names that do not
// resolve to a relation are skipped with a warning.
func (s *Syncer) Sync(ctx context.Context, q query.Querier, entity schema.Entity) error {
	base := entity.Record()
	if !base.HasPending() {
		return nil
	}
	sch, err := s.registry.ForType(reflect.TypeOf(entity))
	if err != nil {
		return err
	}

	names := make([]string, 0, len(base.PendingRelations))
	for name := range base.PendingRelations {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		f, ok := sch.Relation(name)
		if !ok {
			s.logger.Warn("pending relation does not exist",
				zap.String("entity", sch.Name),
				zap.String("relation", name))
			continue
		}
		ids := dedupe(base.PendingRelations[name])
		if err := s.syncOne(ctx, q, sch, f, base.ID, ids); err != nil {
			return fmt.Errorf("failed to sync %s.%s: %w", sch.Name, f.Name, crud.ConvertDBError(err))
		}
		s.logger.Debug("relation synced",
			zap.String("entity", sch.Name),
			zap.String("relation", f.Name),
			zap.Int64("id", base.ID),
			zap.Int("count", len(ids)))
	}
	return nil
}

func (s *Syncer) syncOne(ctx context.Context, q query.Querier, owner *schema.EntitySchema, f *schema.Field, ownerID int64, ids []int64) error {
	rel := f.Relation
	switch rel.Kind {
	case schema.ManyToMany:
		if _, err := q.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE %s = $1", rel.JoinTable, rel.ForeignKey), ownerID); err != nil {
			return err
		}
		stmt := fmt.Sprintf("INSERT INTO %s (%s, %s) VALUES ($1, $2)", rel.JoinTable, rel.ForeignKey, rel.References)
		for _, id := range ids {
			if _, err := q.ExecContext(ctx, stmt, ownerID, id); err != nil {
				return err
			}
		}
		return nil

	case schema.HasOne, schema.HasMany:
		if len(ids) == 0 {
			return nil
		}
		target, err := s.registry.ForType(rel.Target)
		if err != nil {
			return err
		}
		args := []interface{}{ownerID}
		placeholders := make([]string, len(ids))
		for i, id := range ids {
			args = append(args, id)
			placeholders[i] = fmt.Sprintf("$%d", i+2)
		}
		_, err = q.ExecContext(ctx, fmt.Sprintf("UPDATE %s SET %s = $1 WHERE id IN (%s)",
			target.Table, rel.ForeignKey, strings.Join(placeholders, ", ")), args...)
		return err

	case schema.BelongsTo:
		if len(ids) == 0 {
			return nil
		}
		_, err := q.ExecContext(ctx, fmt.Sprintf("UPDATE %s SET %s = $1 WHERE id = $2",
			owner.Table, rel.ForeignKey), ids[0], ownerID)
		return err
	}
	return fmt.Errorf("%w: %s", ErrInvalidRelationType, rel.Kind)
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id == 0 || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
