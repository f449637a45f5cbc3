package relationships

import (
	"context"
	"fmt"
	"reflect"

	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/conduit-lang/datalayer/internal/orm/crud"
	"github.com/conduit-lang/datalayer/internal/orm/query"
	"github.com/conduit-lang/datalayer/internal/orm/schema"
)

// DefaultMaxDepth bounds how many relation hops one include path may take
const DefaultMaxDepth = 10

// LoaderOption configures a Loader
type LoaderOption func(*Loader)

// WithMaxDepth sets the maximum include depth
func WithMaxDepth(n int) LoaderOption {
	return func(l *Loader) {
		if n > 0 {
			l.maxDepth = n
		}
	}
}

// Loader eager-loads relations onto hydrated entities with one batched
// query per relation and level
type Loader struct {
	registry *schema.Registry
	logger   *zap.Logger
	maxDepth int
}

// NewLoader creates a new relationship loader
func NewLoader(registry *schema.Registry, logger *zap.Logger, opts ...LoaderOption) *Loader {
	if registry == nil {
		registry = schema.Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Loader{registry: registry, logger: logger, maxDepth: DefaultMaxDepth}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load loads every include path onto items, which must be pointers to
// entities of sch. Soft-deleted related rows are not loaded.
func (l *Loader) Load(ctx context.Context, q query.Querier, sch *schema.EntitySchema, items []reflect.Value, paths []string) error {
	return l.load(ctx, q, sch, items, paths, 1)
}

// batch is the result of loading one relation for a set of owners
type batch struct {
	related []reflect.Value
	attach  func()
}

func (l *Loader) load(ctx context.Context, q query.Querier, sch *schema.EntitySchema, items []reflect.Value, paths []string, depth int) error {
	if len(items) == 0 || len(paths) == 0 {
		return nil
	}
	if depth > l.maxDepth {
		return ErrMaxDepthExceeded
	}

	order, nested := splitPaths(paths)
	for _, name := range order {
		f, ok := sch.Relation(name)
		if !ok {
			return fmt.Errorf("%w: %s.%s", ErrUnknownRelationship, sch.Name, name)
		}
		target, err := l.registry.ForType(f.Relation.Target)
		if err != nil {
			return err
		}

		var b *batch
		switch f.Relation.Kind {
		case schema.BelongsTo:
			b, err = l.belongsTo(ctx, q, sch, f, target, items)
		case schema.HasOne, schema.HasMany:
			b, err = l.hasMany(ctx, q, f, target, items)
		case schema.ManyToMany:
			b, err = l.manyToMany(ctx, q, f, target, items)
		default:
			err = fmt.Errorf("%w: %s", ErrInvalidRelationType, f.Relation.Kind)
		}
		if err != nil {
			return fmt.Errorf("failed to load relationship %s: %w", name, err)
		}

		// Nested levels load first so value-typed relations copy complete entities.
		if err := l.load(ctx, q, target, b.related, nested[name], depth+1); err != nil {
			return err
		}
		b.attach()

		l.logger.Debug("relation loaded",
			zap.String("entity", sch.Name),
			zap.String("relation", f.Name),
			zap.Int("owners", len(items)),
			zap.Int("related", len(b.related)))
	}
	return nil
}

// belongsTo loads the targets referenced by the owners' foreign key column
func (l *Loader) belongsTo(ctx context.Context, q query.Querier, owner *schema.EntitySchema, f *schema.Field, target *schema.EntitySchema, items []reflect.Value) (*batch, error) {
	rel := f.Relation
	keys := make([]int64, len(items))
	var ids []interface{}
	seen := make(map[int64]bool)

	for i, it := range items {
		id, ok, err := columnInt(it, owner, rel.ForeignKey)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		keys[i] = id
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}

	related, err := l.fetch(ctx, q, target, "id", ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]reflect.Value, len(related))
	for _, r := range related {
		byID[idOf(r)] = r
	}

	return &batch{related: related, attach: func() {
		for i, it := range items {
			if r, ok := byID[keys[i]]; ok {
				setOne(schema.FieldValue(it, f), r, rel)
			}
		}
	}}, nil
}

// hasMany loads the targets whose foreign key points at the owners
func (l *Loader) hasMany(ctx context.Context, q query.Querier, f *schema.Field, target *schema.EntitySchema, items []reflect.Value) (*batch, error) {
	rel := f.Relation
	ids := make([]interface{}, 0, len(items))
	for _, it := range items {
		ids = append(ids, idOf(it))
	}

	related, err := l.fetch(ctx, q, target, rel.ForeignKey, ids)
	if err != nil {
		return nil, err
	}
	grouped := make(map[int64][]reflect.Value)
	for _, r := range related {
		ownerID, ok, err := columnInt(r, target, rel.ForeignKey)
		if err != nil {
			return nil, err
		}
		if ok {
			grouped[ownerID] = append(grouped[ownerID], r)
		}
	}

	return &batch{related: related, attach: func() {
		for _, it := range items {
			group := grouped[idOf(it)]
			dst := schema.FieldValue(it, f)
			if rel.Many {
				setMany(dst, group, rel)
			} else if len(group) > 0 {
				setOne(dst, group[0], rel)
			}
		}
	}}, nil
}

// manyToMany loads the targets linked to the owners through the join table
func (l *Loader) manyToMany(ctx context.Context, q query.Querier, f *schema.Field, target *schema.EntitySchema, items []reflect.Value) (*batch, error) {
	rel := f.Relation
	ownerIDs := make([]interface{}, 0, len(items))
	for _, it := range items {
		ownerIDs = append(ownerIDs, idOf(it))
	}

	rows, err := query.NewBuilder(rel.JoinTable, []string{rel.ForeignKey, rel.References}).
		WhereIn(rel.ForeignKey, ownerIDs).
		All(ctx, q)
	if err != nil {
		return nil, crud.ConvertDBError(err)
	}

	links := make(map[int64][]int64)
	var ids []interface{}
	seen := make(map[int64]bool)
	for _, row := range rows {
		ownerID, err := cast.ToInt64E(row[rel.ForeignKey])
		if err != nil {
			return nil, fmt.Errorf("invalid %s.%s: %w", rel.JoinTable, rel.ForeignKey, err)
		}
		ref, err := cast.ToInt64E(row[rel.References])
		if err != nil {
			return nil, fmt.Errorf("invalid %s.%s: %w", rel.JoinTable, rel.References, err)
		}
		links[ownerID] = append(links[ownerID], ref)
		if !seen[ref] {
			seen[ref] = true
			ids = append(ids, ref)
		}
	}

	related, err := l.fetch(ctx, q, target, "id", ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]reflect.Value, len(related))
	for _, r := range related {
		byID[idOf(r)] = r
	}

	return &batch{related: related, attach: func() {
		for _, it := range items {
			var group []reflect.Value
			for _, ref := range links[idOf(it)] {
				if r, ok := byID[ref]; ok {
					group = append(group, r)
				}
			}
			setMany(schema.FieldValue(it, f), group, rel)
		}
	}}, nil
}

// fetch hydrates the active rows of target whose column is one of ids
func (l *Loader) fetch(ctx context.Context, q query.Querier, target *schema.EntitySchema, column string, ids []interface{}) ([]reflect.Value, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if _, ok := target.Column(column); !ok {
		return nil, fmt.Errorf("%s has no column %s", target.Name, column)
	}

	b := query.For(target).WhereIn(column, ids).OrderBy("id", "asc")
	if b.HasColumn("deleted_at") {
		b.WhereNull("deleted_at")
	}
	rows, err := b.All(ctx, q)
	if err != nil {
		return nil, crud.ConvertDBError(err)
	}

	out := make([]reflect.Value, 0, len(rows))
	for _, row := range rows {
		v, err := crud.Hydrate(target, row)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func idOf(ptr reflect.Value) int64 {
	return ptr.Interface().(schema.Entity).Record().ID
}

// columnInt reads an integer column of the entity at ptr. A nil or zero
// value reports false.
func columnInt(ptr reflect.Value, sch *schema.EntitySchema, column string) (int64, bool, error) {
	f, ok := sch.Column(column)
	if !ok {
		return 0, false, fmt.Errorf("%s has no column %s", sch.Name, column)
	}
	v := schema.FieldValue(ptr, f)
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return 0, false, nil
		}
		v = v.Elem()
	}
	id, err := cast.ToInt64E(v.Interface())
	if err != nil {
		return 0, false, fmt.Errorf("invalid %s.%s: %w", sch.Name, column, err)
	}
	return id, id != 0, nil
}

func setOne(dst, ptr reflect.Value, rel *schema.Relation) {
	if rel.ElemPointer {
		dst.Set(ptr)
		return
	}
	dst.Set(ptr.Elem())
}

// setMany assigns a non-nil slice so loaded but empty relations are
// distinguishable from relations that were not requested
func setMany(dst reflect.Value, group []reflect.Value, rel *schema.Relation) {
	out := reflect.MakeSlice(dst.Type(), 0, len(group))
	for _, ptr := range group {
		if rel.ElemPointer {
			out = reflect.Append(out, ptr)
		} else {
			out = reflect.Append(out, ptr.Elem())
		}
	}
	dst.Set(out)
}
