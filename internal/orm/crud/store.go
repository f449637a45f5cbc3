// Package crud persists entities through parameterized SQL statements.
package crud

import (
	"context"
	"database/sql"
	"fmt"
	"reflect"
	"strings"

	"go.uber.org/zap"

	"github.com/conduit-lang/datalayer/internal/orm/query"
	"github.com/conduit-lang/datalayer/internal/orm/schema"
)

// Store reads and writes entity rows. Every method takes the querier to run
// against so callers choose between the database handle and a transaction.
type Store struct {
	registry *schema.Registry
	logger   *zap.Logger
}

// NewStore creates a store resolving entity schemas from registry
func NewStore(registry *schema.Registry, logger *zap.Logger) *Store {
	if registry == nil {
		registry = schema.Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{registry: registry, logger: logger}
}

// Registry returns the schema registry of the store
func (s *Store) Registry() *schema.Registry {
	return s.registry
}

// Insert writes entity as a new row and stores the generated id on it
func (s *Store) Insert(ctx context.Context, q query.Querier, entity schema.Entity) error {
	sch, ptr, err := s.resolve(entity)
	if err != nil {
		return err
	}

	var (
		cols         []string
		placeholders []string
		args         []interface{}
	)
	for _, f := range sch.Columns() {
		if f.Name == "id" && entity.Record().ID == 0 {
			continue
		}
		v, err := schema.ColumnValue(schema.FieldValue(ptr, f))
		if err != nil {
			return fmt.Errorf("failed to encode %s.%s: %w", sch.Name, f.Name, err)
		}
		cols = append(cols, f.Name)
		args = append(args, v)
		placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
	}
	if len(cols) == 0 {
		return ErrNoColumns
	}

	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING id",
		sch.Table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))

	s.logger.Debug("insert", zap.String("table", sch.Table), zap.String("sql", stmt))

	var id int64
	if err := q.QueryRowContext(ctx, stmt, args...).Scan(&id); err != nil {
		return fmt.Errorf("failed to insert %s: %w", sch.Name, ConvertDBError(err))
	}
	entity.Record().ID = id
	return nil
}

// Update writes the named columns of entity to its row. Unknown and
// unmapped columns are skipped; id is never written.
func (s *Store) Update(ctx context.Context, q query.Querier, entity schema.Entity, columns []string) error {
	sch, ptr, err := s.resolve(entity)
	if err != nil {
		return err
	}

	var (
		sets []string
		args []interface{}
	)
	seen := make(map[string]bool, len(columns))
	for _, name := range columns {
		f, ok := sch.Column(name)
		if !ok || f.Name == "id" || seen[f.Name] {
			continue
		}
		seen[f.Name] = true
		v, err := schema.ColumnValue(schema.FieldValue(ptr, f))
		if err != nil {
			return fmt.Errorf("failed to encode %s.%s: %w", sch.Name, f.Name, err)
		}
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", f.Name, len(args)))
	}
	if len(sets) == 0 {
		return ErrNoColumns
	}

	args = append(args, entity.Record().ID)
	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE id = $%d", sch.Table, strings.Join(sets, ", "), len(args))

	s.logger.Debug("update", zap.String("table", sch.Table), zap.String("sql", stmt))

	res, err := q.ExecContext(ctx, stmt, args...)
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", sch.Name, ConvertDBError(err))
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete physically removes the row of entity
func (s *Store) Delete(ctx context.Context, q query.Querier, entity schema.Entity) error {
	sch, _, err := s.resolve(entity)
	if err != nil {
		return err
	}

	stmt := fmt.Sprintf("DELETE FROM %s WHERE id = $1", sch.Table)
	res, err := q.ExecContext(ctx, stmt, entity.Record().ID)
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", sch.Name, ConvertDBError(err))
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// Find runs b and hydrates every row into a new entity of sch
func (s *Store) Find(ctx context.Context, q query.Querier, sch *schema.EntitySchema, b *query.Builder) ([]reflect.Value, error) {
	rows, err := b.All(ctx, q)
	if err != nil {
		return nil, ConvertDBError(err)
	}
	return s.hydrateAll(sch, rows)
}

// FindPage runs one page of b and returns the hydrated rows plus the total
func (s *Store) FindPage(ctx context.Context, q query.Querier, sch *schema.EntitySchema, b *query.Builder, page, size int) ([]reflect.Value, int64, error) {
	rows, total, err := b.Paginate(ctx, q, page, size)
	if err != nil {
		return nil, 0, ConvertDBError(err)
	}
	items, err := s.hydrateAll(sch, rows)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// FindOne runs b and hydrates the first row. Zero rows yield ErrNotFound.
func (s *Store) FindOne(ctx context.Context, q query.Querier, sch *schema.EntitySchema, b *query.Builder) (reflect.Value, error) {
	row, err := b.First(ctx, q)
	if err != nil {
		return reflect.Value{}, ConvertDBError(err)
	}
	return Hydrate(sch, row)
}

func (s *Store) hydrateAll(sch *schema.EntitySchema, rows []map[string]interface{}) ([]reflect.Value, error) {
	items := make([]reflect.Value, 0, len(rows))
	for _, row := range rows {
		v, err := Hydrate(sch, row)
		if err != nil {
			return nil, err
		}
		items = append(items, v)
	}
	return items, nil
}

func (s *Store) resolve(entity schema.Entity) (*schema.EntitySchema, reflect.Value, error) {
	ptr := reflect.ValueOf(entity)
	if ptr.Kind() != reflect.Pointer || ptr.IsNil() {
		return nil, reflect.Value{}, fmt.Errorf("crud: entity must be a non-nil pointer, got %T", entity)
	}
	sch, err := s.registry.ForType(ptr.Type())
	if err != nil {
		return nil, reflect.Value{}, err
	}
	return sch, ptr, nil
}

// Hydrate builds a new entity of sch from a scanned row. The returned value
// is a pointer to the entity.
func Hydrate(sch *schema.EntitySchema, row map[string]interface{}) (reflect.Value, error) {
	ptr := sch.New()
	for col, raw := range row {
		f, ok := sch.Column(col)
		if !ok {
			continue
		}
		if err := schema.Assign(schema.FieldValue(ptr, f), raw); err != nil {
			return reflect.Value{}, fmt.Errorf("failed to decode %s.%s: %w", sch.Name, col, err)
		}
	}
	return ptr, nil
}

// Exists reports whether a row with id exists in the table of sch,
// ignoring soft-delete state
func (s *Store) Exists(ctx context.Context, q query.Querier, sch *schema.EntitySchema, id int64) (bool, error) {
	n, err := query.For(sch).Where("id", query.OpEqual, id).Count(ctx, q)
	if err != nil {
		return false, ConvertDBError(err)
	}
	return n > 0, nil
}

var _ query.Querier = (*sql.DB)(nil)
