package repository

import (
	"context"
	"fmt"
	"reflect"

	"go.uber.org/zap"

	"github.com/conduit-lang/datalayer/internal/audit"
	"github.com/conduit-lang/datalayer/internal/orm/hooks"
	"github.com/conduit-lang/datalayer/internal/orm/query"
	"github.com/conduit-lang/datalayer/internal/orm/revision"
	"github.com/conduit-lang/datalayer/internal/orm/schema"
	"github.com/conduit-lang/datalayer/internal/orm/tracking"
	"github.com/conduit-lang/datalayer/internal/orm/transaction"
	"github.com/conduit-lang/datalayer/internal/orm/transform"
)

// construct builds a new T from data at the caller's offset
func (r *Repository[T, PT]) construct(c *call, data map[string]interface{}) (PT, error) {
	if len(data) == 0 {
		return nil, ValidationFailure("%s payload is empty", r.schema.Name)
	}
	entity := PT(new(T))
	if err := r.deps.Constructor.Construct(data, entity, c.offset); err != nil {
		r.logger.Debug("construct failed", zap.Error(err))
		return nil, ValidationFailure("%s payload is invalid", r.schema.Name)
	}
	return entity, nil
}

// Create persists a new entity built from req.Body
func (r *Repository[T, PT]) Create(ctx context.Context, req *Request) (*transform.Map, error) {
	c := r.start(ctx, "create", req)

	entity, err := r.construct(c, c.req.Body)
	if err != nil {
		return nil, r.fail(ctx, c, err)
	}
	if err := r.fire(ctx, c, hooks.BeforeCreate, hooks.OpCreate, entity, nil); err != nil {
		return nil, r.fail(ctx, c, err)
	}

	rec := entity.Record()
	now := r.now()
	rec.ID = 0
	rec.CreatedAt = &now
	rec.CreatedBy = c.actorID()
	rec.DeletedAt, rec.DeletedBy = nil, nil
	if rec.CreatedBy == nil {
		r.logger.Warn("creating entity without creator identity")
	}

	if c.tx, err = r.deps.Transactions.Begin(ctx); err != nil {
		return nil, r.fail(ctx, c, err)
	}
	if err := r.deps.Store.Insert(ctx, c.tx, entity); err != nil {
		return nil, r.fail(ctx, c, err)
	}
	if r.schema.Revisionable {
		c.tx.OnCommit(func() { r.recordCreate(c, entity) })
	}
	if err := c.tx.Commit(); err != nil {
		return nil, r.fail(ctx, c, err)
	}

	if rec.HasPending() {
		if err := r.syncRelations(ctx, entity); err != nil {
			return nil, r.fail(ctx, c, err)
		}
	}
	if err := r.fire(ctx, c, hooks.AfterCreate, hooks.OpCreate, entity, nil); err != nil {
		return nil, r.fail(ctx, c, err)
	}

	r.audit(c, audit.SeverityInfo, "%s %d created", r.schema.Name, rec.ID)
	return r.result(ctx, c, rec.ID)
}

// recordCreate writes the create revision on a detached task
func (r *Repository[T, PT]) recordCreate(c *call, entity PT) {
	newValue, err := r.snapshot(entity)
	if err != nil {
		r.logger.Warn("failed to snapshot created entity", zap.Error(err))
		return
	}
	rev := &revision.Revision{
		NewValue:         newValue,
		RevisionableType: r.schema.Name,
		RevisionableID:   entity.Record().ID,
		Key:              revision.KeyCreate,
		UserID:           c.actorID(),
		CreatedAt:        r.now(),
	}
	r.deps.Hooks.Detach(fmt.Sprintf("%s_create_revision", r.schema.Name), func(ctx context.Context) error {
		return r.deps.Revisions.Record(ctx, nil, rev)
	})
}

// result reloads id with the default includes and transforms it
func (r *Repository[T, PT]) result(ctx context.Context, c *call, id int64) (*transform.Map, error) {
	entity, err := r.reload(ctx, id)
	if err != nil {
		return nil, r.fail(ctx, c, err)
	}
	m, err := r.deps.Transformer.Transform(entity, c.offset)
	if err != nil {
		return nil, r.fail(ctx, c, err)
	}
	return m, nil
}

// apply copies the fields addressed by data from incoming onto current and
// returns the columns to write. Relations, id, password fields and audit
// stamps are never copied.
func (r *Repository[T, PT]) apply(data map[string]interface{}, current, incoming PT) []string {
	var columns []string
	dst, src := reflect.ValueOf(current), reflect.ValueOf(incoming)
	for _, f := range r.deps.Constructor.Fields(data, r.schema) {
		if f.IsRelation() || !f.Mapped() || f.Name == "id" || f.Caps.Has(schema.CapPassword) || f.IsAuditStamp() {
			continue
		}
		schema.FieldValue(dst, f).Set(schema.FieldValue(src, f))
		columns = append(columns, f.Name)
	}
	for name, ids := range incoming.Record().PendingRelations {
		current.Record().AddPending(name, ids...)
	}
	return columns
}

func (r *Repository[T, PT]) stampUpdate(c *call, rec *schema.Base, columns []string) []string {
	now := r.now()
	rec.UpdatedAt = &now
	rec.UpdatedBy = c.actorID()
	return append(columns, "updated_at", "updated_by")
}

// Update copies the fields present in req.Body onto the row whose
// comparison field equals req.Criteria
func (r *Repository[T, PT]) Update(ctx context.Context, req *Request) (*transform.Map, error) {
	c := r.start(ctx, "update", req)

	incoming, err := r.construct(c, c.req.Body)
	if err != nil {
		return nil, r.fail(ctx, c, err)
	}
	current, err := r.findBy(ctx, r.deps.DB, r.compile(ctx, c), c.tree.Field(), c.req.Criteria, nil)
	if err != nil {
		return nil, r.fail(ctx, c, err)
	}

	if c.tx, err = r.deps.Transactions.Begin(ctx); err != nil {
		return nil, r.fail(ctx, c, err)
	}

	if r.schema.Revisionable {
		if err := r.recordUpdate(ctx, c, current, incoming); err != nil {
			return nil, r.fail(ctx, c, err)
		}
	}

	var before map[string]interface{}
	track := r.deps.Hooks.Has(r.schema.Type, hooks.BeforeUpdate) || r.deps.Hooks.Has(r.schema.Type, hooks.AfterUpdate)
	if track {
		if before, err = r.plain(current); err != nil {
			return nil, r.fail(ctx, c, err)
		}
	}

	columns := r.apply(c.req.Body, current, incoming)
	if track {
		after, err := r.plain(current)
		if err != nil {
			return nil, r.fail(ctx, c, err)
		}
		c.changes = tracking.Diff(before, after)
	}
	if r.settings.beforeUpdate != nil {
		if err := r.settings.beforeUpdate(ctx, current, incoming, c.req.Body); err != nil {
			return nil, r.fail(ctx, c, err)
		}
	}
	if err := r.fire(ctx, c, hooks.BeforeUpdate, hooks.OpUpdate, current, c.tx); err != nil {
		return nil, r.fail(ctx, c, err)
	}

	columns = r.stampUpdate(c, current.Record(), columns)
	if err := r.deps.Store.Update(ctx, c.tx, current, columns); err != nil {
		return nil, r.fail(ctx, c, err)
	}
	if err := c.tx.Commit(); err != nil {
		return nil, r.fail(ctx, c, err)
	}

	if current.Record().HasPending() {
		if err := r.syncRelations(ctx, current); err != nil {
			return nil, r.fail(ctx, c, err)
		}
	}
	if err := r.fire(ctx, c, hooks.AfterUpdate, hooks.OpUpdate, current, nil); err != nil {
		return nil, r.fail(ctx, c, err)
	}

	r.audit(c, audit.SeverityInfo, "%s %d updated", r.schema.Name, current.Record().ID)
	return r.result(ctx, c, current.Record().ID)
}

// recordUpdate writes the update revision inside the update transaction
func (r *Repository[T, PT]) recordUpdate(ctx context.Context, c *call, current, incoming PT) error {
	oldValue, err := r.snapshot(current)
	if err != nil {
		return err
	}
	newValue, err := r.snapshot(incoming)
	if err != nil {
		return err
	}
	return r.deps.Revisions.Record(transaction.WithContext(ctx, c.tx), nil, &revision.Revision{
		OldValue:         oldValue,
		NewValue:         newValue,
		RevisionableType: r.schema.Name,
		RevisionableID:   current.Record().ID,
		Key:              revision.KeyUpdate,
		UserID:           c.actorID(),
		CreatedAt:        r.now(),
	})
}

// Delete soft deletes the matching row, or removes it when the row is
// flagged force_delete
func (r *Repository[T, PT]) Delete(ctx context.Context, req *Request) (*transform.Map, error) {
	c := r.start(ctx, "delete", req)

	current, err := r.findBy(ctx, r.deps.DB, r.compile(ctx, c), c.tree.Field(), c.req.Criteria, r.schema.DefaultIncludes)
	if err != nil {
		return nil, r.fail(ctx, c, err)
	}
	rec := current.Record()
	force := rec.ForceDelete
	op := hooks.OpDelete
	if force {
		op = hooks.OpForceDelete
	}

	if err := r.fire(ctx, c, hooks.BeforeDelete, op, current, nil); err != nil {
		return nil, r.fail(ctx, c, err)
	}

	if c.tx, err = r.deps.Transactions.Begin(ctx); err != nil {
		return nil, r.fail(ctx, c, err)
	}
	if force {
		err = r.deps.Store.Delete(ctx, c.tx, current)
	} else {
		now := r.now()
		rec.DeletedAt = &now
		rec.DeletedBy = c.actorID()
		rec.RestoredAt, rec.RestoredBy = nil, nil
		err = r.deps.Store.Update(ctx, c.tx, current, []string{"deleted_at", "deleted_by", "restored_at", "restored_by"})
	}
	if err != nil {
		return nil, r.fail(ctx, c, err)
	}
	if err := c.tx.Commit(); err != nil {
		return nil, r.fail(ctx, c, err)
	}

	if err := r.fire(ctx, c, hooks.AfterDelete, op, current, nil); err != nil {
		return nil, r.fail(ctx, c, err)
	}

	verb := "deleted"
	if force {
		verb = "permanently deleted"
	}
	r.audit(c, audit.SeverityInfo, "%s %d %s", r.schema.Name, rec.ID, verb)

	m, err := r.deps.Transformer.Transform(current, c.offset)
	if err != nil {
		return nil, r.fail(ctx, c, err)
	}
	return m, nil
}

// Restore clears the soft-delete marker of the matching row. Restoring an
// active row changes nothing.
func (r *Repository[T, PT]) Restore(ctx context.Context, req *Request) (*transform.Map, error) {
	c := r.start(ctx, "restore", req)

	b := query.For(r.schema)
	if r.settings.customFilter != nil {
		r.settings.customFilter(ctx, b, c.tree)
	}
	current, err := r.findBy(ctx, r.deps.DB, b, c.tree.Field(), c.req.Criteria, nil)
	if err != nil {
		return nil, r.fail(ctx, c, err)
	}
	rec := current.Record()

	if rec.IsDeleted() {
		if err := r.restore(ctx, c, current); err != nil {
			return nil, r.fail(ctx, c, err)
		}
		r.audit(c, audit.SeverityInfo, "%s %d restored", r.schema.Name, rec.ID)
	} else {
		r.logger.Debug("restore of an active row ignored", zap.Int64("id", rec.ID))
	}

	m, err := r.deps.Transformer.Transform(current, c.offset)
	if err != nil {
		return nil, r.fail(ctx, c, err)
	}
	return m, nil
}

func (r *Repository[T, PT]) restore(ctx context.Context, c *call, current PT) error {
	if err := r.fire(ctx, c, hooks.BeforeDelete, hooks.OpRestore, current, nil); err != nil {
		return err
	}

	var err error
	if c.tx, err = r.deps.Transactions.Begin(ctx); err != nil {
		return err
	}
	rec := current.Record()
	now := r.now()
	rec.DeletedAt, rec.DeletedBy = nil, nil
	rec.RestoredAt = &now
	rec.RestoredBy = c.actorID()
	if err := r.deps.Store.Update(ctx, c.tx, current, []string{"deleted_at", "deleted_by", "restored_at", "restored_by"}); err != nil {
		return err
	}
	if err := c.tx.Commit(); err != nil {
		return err
	}

	return r.fire(ctx, c, hooks.AfterDelete, hooks.OpRestore, current, nil)
}

// UpdateOrdering writes the position of every entry of req.Ordering to the
// configured ordering field. Each entry commits in its own transaction, so
// a failure leaves the earlier entries committed.
func (r *Repository[T, PT]) UpdateOrdering(ctx context.Context, req *Request) error {
	c := r.start(ctx, "reorder", req)

	field := r.deps.Options.OrderingField
	if _, ok := r.schema.Column(field); !ok {
		return r.fail(ctx, c, ValidationFailure("%s has no ordering field %s", r.schema.Name, field))
	}

	for i, entry := range c.req.Ordering {
		data := make(map[string]interface{}, len(entry.Data)+1)
		for k, v := range entry.Data {
			data[k] = v
		}
		delete(data, "id")
		data[field] = i

		err := r.deps.Transactions.RunWithRetry(ctx, r.settings.retry, func(tx *transaction.Transaction) error {
			return r.reorderEntry(ctx, c, tx, entry, data)
		})
		if err != nil {
			return r.fail(ctx, c, err)
		}
	}

	r.audit(c, audit.SeverityInfo, "%s reordered (%d entries)", r.schema.Name, len(c.req.Ordering))
	return nil
}

func (r *Repository[T, PT]) reorderEntry(ctx context.Context, c *call, tx *transaction.Transaction, entry OrderEntry, data map[string]interface{}) error {
	lookup := entry.Field
	if lookup == "" {
		lookup = "id"
	}
	current, err := r.findBy(ctx, tx, query.For(r.schema), lookup, entry.Value, nil)
	if err != nil {
		return err
	}
	incoming, err := r.construct(c, data)
	if err != nil {
		return err
	}
	columns := r.stampUpdate(c, current.Record(), r.apply(data, current, incoming))
	return r.deps.Store.Update(ctx, tx, current, columns)
}
