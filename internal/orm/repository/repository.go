// Package repository sequences the generic create, read, update, delete,
// restore and reorder operations of one entity type: transactions,
// revisions, relation synchronization, lifecycle hooks and audit entries.
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/conduit-lang/datalayer/internal/audit"
	"github.com/conduit-lang/datalayer/internal/orm/crud"
	"github.com/conduit-lang/datalayer/internal/orm/filter"
	"github.com/conduit-lang/datalayer/internal/orm/hooks"
	"github.com/conduit-lang/datalayer/internal/orm/query"
	"github.com/conduit-lang/datalayer/internal/orm/relationships"
	"github.com/conduit-lang/datalayer/internal/orm/revision"
	"github.com/conduit-lang/datalayer/internal/orm/schema"
	"github.com/conduit-lang/datalayer/internal/orm/tracking"
	"github.com/conduit-lang/datalayer/internal/orm/transaction"
	"github.com/conduit-lang/datalayer/internal/orm/transform"
	"github.com/conduit-lang/datalayer/internal/security"
	"github.com/conduit-lang/datalayer/internal/tz"
)

// Entity constrains PT to a pointer to T that embeds schema.Base
type Entity[T any] interface {
	*T
	schema.Entity
}

// Repository runs the generic operations for entity type T
type Repository[T any, PT Entity[T]] struct {
	deps     Deps
	schema   *schema.EntitySchema
	settings settings
	logger   *zap.Logger
}

// New creates a repository for T
func New[T any, PT Entity[T]](deps Deps, opts ...Option) (*Repository[T, PT], error) {
	if deps.DB == nil {
		return nil, fmt.Errorf("repository: database handle is required")
	}
	deps = deps.withDefaults()

	sch, err := deps.Registry.Of(PT(new(T)))
	if err != nil {
		return nil, err
	}

	s := settings{retry: transaction.DefaultRetryConfig()}
	for _, opt := range opts {
		opt(&s)
	}
	if s.sync == nil {
		s.sync = relationships.NewSyncer(deps.Registry, deps.Logger).Sync
	}

	return &Repository[T, PT]{
		deps:     deps,
		schema:   sch,
		settings: s,
		logger:   deps.Logger.With(zap.String("entity", sch.Name)),
	}, nil
}

// Schema returns the schema of T
func (r *Repository[T, PT]) Schema() *schema.EntitySchema {
	return r.schema
}

// call is the per-operation state shared by the steps of one operation
type call struct {
	name    string
	req     *Request
	actor   *security.Actor
	offset  time.Duration
	tree    filter.Tree
	tx      *transaction.Transaction
	changes *tracking.ChangeSet
}

func (r *Repository[T, PT]) start(ctx context.Context, name string, req *Request) *call {
	if req == nil {
		req = &Request{}
	}
	c := &call{name: name, req: req, tree: filter.Parse(req.Filter)}
	if actor, ok := r.deps.Security.Resolve(ctx); ok {
		c.actor = actor
	}

	var userTZ string
	if c.actor != nil {
		userTZ = c.actor.Timezone
	}
	c.offset = tz.Resolve(userTZ, settingTimezone(req.Settings), r.now())
	return c
}

func (c *call) actorID() *int64 {
	if c.actor == nil {
		return nil
	}
	id := c.actor.ID
	return &id
}

func (c *call) hookActor() int64 {
	if c.actor == nil {
		return 0
	}
	return c.actor.ID
}

func settingTimezone(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	var settings map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &settings); err != nil {
		return ""
	}
	if v, ok := settings["timezone"].(string); ok {
		return v
	}
	return ""
}

func (r *Repository[T, PT]) now() time.Time {
	return r.deps.Now().UTC()
}

func (r *Repository[T, PT]) includes(c *call) relationships.IncludeSet {
	suppress := c.req.WithoutDefaultIncludes || c.tree.WithoutDefaultIncludes()
	return relationships.ResolveIncludes(c.req.Include, r.schema.DefaultIncludes, suppress)
}

// compile builds the filtered, ordered and scoped query of a call
func (r *Repository[T, PT]) compile(ctx context.Context, c *call) *query.Builder {
	compiled := filter.Compile(c.tree, r.schema, filter.Options{
		Search: c.tree.Search(),
		Offset: c.offset,
		Now:    r.now(),
		Logger: r.logger,
	})
	b := compiled.Apply(query.For(r.schema))
	if r.settings.customFilter != nil {
		r.settings.customFilter(ctx, b, c.tree)
	}
	return b
}

// where adds the comparison of a single-row lookup
func (r *Repository[T, PT]) where(b *query.Builder, field string, value interface{}) error {
	f, ok := r.schema.Field(field)
	if !ok || !f.Mapped() {
		return ValidationFailure("%s has no field %s", r.schema.Name, field)
	}
	if text, isText := value.(string); isText {
		v, err := filter.Convert(f, text)
		if err != nil {
			return ValidationFailure("invalid %s value %q", field, text)
		}
		value = v
	}
	b.Where(f.Name, query.OpEqual, value)
	return nil
}

// findBy fetches the row of T whose field equals value, loading paths
func (r *Repository[T, PT]) findBy(ctx context.Context, q query.Querier, b *query.Builder, field string, value interface{}, paths []string) (PT, error) {
	if err := r.where(b, field, value); err != nil {
		return nil, err
	}
	v, err := r.deps.Store.FindOne(ctx, q, r.schema, b)
	if err != nil {
		if crud.IsNotFound(err) {
			return nil, NotFound("%s not found", r.schema.Name)
		}
		return nil, err
	}
	if err := r.deps.Loader.Load(ctx, q, r.schema, []reflect.Value{v}, paths); err != nil {
		return nil, err
	}
	return v.Interface().(PT), nil
}

func (r *Repository[T, PT]) pageSize(req *Request) int {
	if req.All {
		return 0
	}
	size := r.deps.Options.DefaultPageSize
	if req.Take > 0 {
		size = req.Take
	}
	if max := r.deps.Options.MaxPageSize; max > 0 && size > max {
		size = max
	}
	return size
}

// List returns one page of entities matching the request filter
func (r *Repository[T, PT]) List(ctx context.Context, req *Request) (*Page, error) {
	c := r.start(ctx, "list", req)
	inc := r.includes(c)
	b := r.compile(ctx, c)

	page := c.req.Page
	if page < 1 {
		page = 1
	}
	size := r.pageSize(c.req)

	items, total, err := r.deps.Store.FindPage(ctx, r.deps.DB, r.schema, b, page, size)
	if err != nil {
		return nil, r.fail(ctx, c, err)
	}
	if !inc.Empty() {
		if err := r.deps.Loader.Load(ctx, r.deps.DB, r.schema, items, inc.Paths); err != nil {
			return nil, r.fail(ctx, c, err)
		}
		if inc.Parent {
			if err := r.resolveParents(ctx, items, inc.ParentPaths); err != nil {
				return nil, r.fail(ctx, c, err)
			}
		}
	}

	out := &Page{Items: make([]*transform.Map, 0, len(items))}
	for _, v := range items {
		m, err := r.deps.Transformer.Transform(v.Interface(), c.offset)
		if err != nil {
			return nil, r.fail(ctx, c, err)
		}
		out.Items = append(out.Items, m)
	}

	out.Meta = Meta{Page: page, PageSize: size, Total: total, Pages: 1}
	if size > 0 {
		out.Meta.Pages = int((total + int64(size) - 1) / int64(size))
	} else {
		out.Meta.Page = 1
	}

	r.audit(c, audit.SeverityInfo, "%s list (%d of %d)", r.schema.Name, len(out.Items), total)
	return out, nil
}

// Get returns the entity whose comparison field (default id) equals
// req.Criteria
func (r *Repository[T, PT]) Get(ctx context.Context, req *Request) (*transform.Map, error) {
	c := r.start(ctx, "get", req)
	inc := r.includes(c)

	entity, err := r.findBy(ctx, r.deps.DB, r.compile(ctx, c), c.tree.Field(), c.req.Criteria, inc.Paths)
	if err != nil {
		return nil, r.fail(ctx, c, err)
	}
	if inc.Parent {
		if err := r.resolveParents(ctx, []reflect.Value{reflect.ValueOf(entity)}, inc.ParentPaths); err != nil {
			return nil, r.fail(ctx, c, err)
		}
	}

	m, err := r.deps.Transformer.Transform(entity, c.offset)
	if err != nil {
		return nil, r.fail(ctx, c, err)
	}
	r.audit(c, audit.SeverityInfo, "%s %d viewed", r.schema.Name, entity.Record().ID)
	return m, nil
}

// Revisions returns the revision history of the entity with id
func (r *Repository[T, PT]) Revisions(ctx context.Context, id int64) ([]*revision.Revision, error) {
	c := r.start(ctx, "revisions", &Request{Criteria: id})
	revs, err := r.deps.Revisions.List(ctx, r.schema.Name, id)
	if err != nil {
		return nil, r.fail(ctx, c, err)
	}
	return revs, nil
}

// fire runs the hooks of hookType for entity
func (r *Repository[T, PT]) fire(ctx context.Context, c *call, hookType hooks.HookType, op hooks.Operation, entity PT, q query.Querier) error {
	if !r.deps.Hooks.Has(r.schema.Type, hookType) {
		return nil
	}
	data, err := r.plain(entity)
	if err != nil {
		return err
	}
	if tx, ok := q.(*transaction.Transaction); ok {
		ctx = transaction.WithContext(ctx, tx)
	}
	return r.deps.Hooks.Fire(ctx, &hooks.Event{
		Type:      hookType,
		Operation: op,
		Schema:    r.schema,
		Entity:    entity,
		Data:      data,
		Tx:        q,
		ActorID:   c.hookActor(),
		Changes:   c.changes,
	})
}

// plain returns the UTC transformed form of entity as a plain map
func (r *Repository[T, PT]) plain(entity PT) (map[string]interface{}, error) {
	m, err := r.deps.Transformer.Transform(entity, 0)
	if err != nil || m == nil {
		return nil, err
	}
	return m.ToMap(), nil
}

// snapshot serializes entity for a revision
func (r *Repository[T, PT]) snapshot(entity PT) (*string, error) {
	m, err := r.deps.Transformer.Transform(entity, 0)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, nil
	}
	return revision.Snapshot(m)
}

func (r *Repository[T, PT]) audit(c *call, severity audit.Severity, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if c.req.ActionMessage != "" {
		msg = c.req.ActionMessage
	}
	r.deps.Audit.Log(msg, severity, c.actorID())
}

// pendingPaths returns the relation names of the pending bag that resolve
// to relations of T
func (r *Repository[T, PT]) pendingPaths(rec *schema.Base) []string {
	var paths []string
	for name := range rec.PendingRelations {
		if f, ok := r.schema.Relation(name); ok {
			paths = append(paths, f.Name)
		}
	}
	sort.Strings(paths)
	return paths
}

// syncRelations re-fetches entity with its pending relations loaded and
// runs relation synchronization in a transaction of its own
func (r *Repository[T, PT]) syncRelations(ctx context.Context, entity PT) error {
	rec := entity.Record()
	b := query.For(r.schema)
	fetched, err := r.findBy(ctx, r.deps.DB, b, "id", rec.ID, r.pendingPaths(rec))
	if err != nil {
		return err
	}
	for name, ids := range rec.PendingRelations {
		fetched.Record().AddPending(name, ids...)
	}

	return r.deps.Transactions.RunWithRetry(ctx, r.settings.retry, func(tx *transaction.Transaction) error {
		return r.settings.sync(tx.Context(), tx, fetched)
	})
}

// reload fetches the entity with id including the default relations
func (r *Repository[T, PT]) reload(ctx context.Context, id int64) (PT, error) {
	return r.findBy(ctx, r.deps.DB, query.For(r.schema), "id", id, r.schema.DefaultIncludes)
}
