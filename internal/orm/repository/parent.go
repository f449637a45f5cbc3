package repository

import (
	"context"
	"reflect"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/conduit-lang/datalayer/internal/orm/crud"
	"github.com/conduit-lang/datalayer/internal/orm/query"
)

// parentLookups bounds the concurrent parent fetches of one list
const parentLookups = 4

// resolveParents fills the self-referential parent relation of items. Each
// distinct parent is fetched once and its own relations named by paths are
// loaded before it is attached.
func (r *Repository[T, PT]) resolveParents(ctx context.Context, items []reflect.Value, paths []string) error {
	f := r.schema.Parent
	if f == nil || len(items) == 0 {
		return nil
	}
	fk, ok := r.schema.Column(f.Relation.ForeignKey)
	if !ok {
		return nil
	}

	var ids []int64
	seen := map[int64]bool{}
	for _, item := range items {
		id, ok := parentID(reflect.Indirect(item).FieldByIndex(fk.Index))
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var mu sync.Mutex
	parents := make(map[int64]reflect.Value, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parentLookups)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			b := query.For(r.schema).WhereNull("deleted_at").Where("id", query.OpEqual, id)
			v, err := r.deps.Store.FindOne(gctx, r.deps.DB, r.schema, b)
			if err != nil {
				if crud.IsNotFound(err) {
					return nil
				}
				return err
			}
			mu.Lock()
			parents[id] = v
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	loaded := make([]reflect.Value, 0, len(parents))
	for _, id := range ids {
		if v, ok := parents[id]; ok {
			loaded = append(loaded, v)
		}
	}
	if err := r.deps.Loader.Load(ctx, r.deps.DB, r.schema, loaded, paths); err != nil {
		return err
	}

	for _, item := range items {
		id, ok := parentID(reflect.Indirect(item).FieldByIndex(fk.Index))
		if !ok {
			continue
		}
		parent, ok := parents[id]
		if !ok {
			continue
		}
		fv := reflect.Indirect(item).FieldByIndex(f.Index)
		if fv.Kind() == reflect.Pointer {
			fv.Set(parent)
		} else {
			fv.Set(parent.Elem())
		}
	}
	return nil
}

func parentID(v reflect.Value) (int64, bool) {
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return 0, false
		}
		v = v.Elem()
	}
	switch v.Kind() {
	case reflect.Int, reflect.Int32, reflect.Int64:
		if v.Int() == 0 {
			return 0, false
		}
		return v.Int(), true
	}
	return 0, false
}
