package repository

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conduit-lang/datalayer/internal/audit"
	"github.com/conduit-lang/datalayer/internal/config"
	"github.com/conduit-lang/datalayer/internal/orm/hooks"
	"github.com/conduit-lang/datalayer/internal/orm/migrate"
	"github.com/conduit-lang/datalayer/internal/orm/query"
	"github.com/conduit-lang/datalayer/internal/orm/schema"
	"github.com/conduit-lang/datalayer/internal/orm/transform"
	"github.com/conduit-lang/datalayer/internal/security"
)

type project struct {
	schema.Base
	Name     string   `db:"name"`
	Code     string   `db:"code"`
	Secret   string   `db:"secret" repo:"password"`
	Ordering int64    `db:"ordering"`
	ParentID *int64   `db:"parent_id"`
	Parent   *project `repo:"relation,kind=belongs_to"`
	Tags     []*tag   `repo:"relation,kind=many2many"`
}

func (project) Revisionable() bool { return true }

type tag struct {
	schema.Base
	Label string `db:"label"`
}

type memorySink struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (s *memorySink) Write(ctx context.Context, e audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

func (s *memorySink) messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.Message)
	}
	return out
}

type fixture struct {
	db   *sql.DB
	repo *Repository[project, *project]
	exec *hooks.Executor
	sink *memorySink
	ctx  context.Context
	tags []*tag
}

var fixedNow = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	registry := schema.NewRegistry()
	tm := migrate.NewTypeMapper(migrate.SQLite)
	for _, e := range []interface{}{&project{}, &tag{}} {
		sch := registry.MustOf(e)
		_, err := db.Exec(tm.CreateTable(sch) + tm.CreateJoinTables(sch))
		require.NoError(t, err)
	}
	_, err = migrate.NewRunner(db, nil).MigrateUp(context.Background(), migrate.CoreMigrations(migrate.SQLite))
	require.NoError(t, err)

	options := config.DefaultOptions()
	hasher := transform.HasherFunc(func(plain string) (string, error) { return "hashed:" + plain, nil })
	sink := &memorySink{}
	exec := hooks.NewExecutor(nil, nil)

	repo, err := New[project](Deps{
		DB:          db,
		Registry:    registry,
		Options:     options,
		Constructor: transform.NewConstructor(registry, options.Transform(hasher, nil)),
		Hooks:       exec,
		Audit:       audit.NewLogger(sink, nil, nil),
		Now:         func() time.Time { return fixedNow },
	}, opts...)
	require.NoError(t, err)

	f := &fixture{
		db:   db,
		repo: repo,
		exec: exec,
		sink: sink,
		ctx:  security.WithActor(context.Background(), &security.Actor{ID: 7}),
	}
	for _, label := range []string{"red", "green", "blue"} {
		tg := &tag{Label: label}
		require.NoError(t, repo.deps.Store.Insert(context.Background(), db, tg))
		f.tags = append(f.tags, tg)
	}
	return f
}

func (f *fixture) create(t *testing.T, body map[string]interface{}) int64 {
	t.Helper()
	m, err := f.repo.Create(f.ctx, &Request{Body: body})
	require.NoError(t, err)
	id, ok := m.Get("id")
	require.True(t, ok)
	return id.(int64)
}

func (f *fixture) text(t *testing.T, id int64, col string) string {
	t.Helper()
	var v sql.NullString
	require.NoError(t, f.db.QueryRow("SELECT "+col+" FROM projects WHERE id = $1", id).Scan(&v))
	return v.String
}

func (f *fixture) number(t *testing.T, id int64, col string) int64 {
	t.Helper()
	var v sql.NullInt64
	require.NoError(t, f.db.QueryRow("SELECT "+col+" FROM projects WHERE id = $1", id).Scan(&v))
	return v.Int64
}

func (f *fixture) isNull(t *testing.T, id int64, col string) bool {
	t.Helper()
	var null bool
	require.NoError(t, f.db.QueryRow("SELECT "+col+" IS NULL FROM projects WHERE id = $1", id).Scan(&null))
	return null
}

func TestRepository_CreateStampsAndMasks(t *testing.T) {
	f := newFixture(t)
	m, err := f.repo.Create(f.ctx, &Request{Body: map[string]interface{}{
		"name":   "Apollo",
		"code":   "AP",
		"secret": "pw",
	}})
	require.NoError(t, err)

	secret, _ := m.Get("secret")
	assert.Equal(t, "***", secret)
	createdBy, _ := m.Get("createdBy")
	assert.Equal(t, int64(7), createdBy)

	id, _ := m.Get("id")
	assert.Equal(t, "hashed:pw", f.text(t, id.(int64), "secret"))

	assert.Eventually(t, func() bool {
		for _, msg := range f.sink.messages() {
			if msg == "project 1 created" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRepository_CreateRejectsEmptyPayload(t *testing.T) {
	f := newFixture(t)
	_, err := f.repo.Create(f.ctx, &Request{})
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, CodeOf(err))

	var repoErr *Error
	require.True(t, errors.As(err, &repoErr))
	assert.NotEmpty(t, repoErr.OperationID)
}

func TestRepository_CreateSynchronizesRelations(t *testing.T) {
	synced := make(chan map[string][]int64, 1)
	f := newFixture(t, WithRelationSync(func(ctx context.Context, q query.Querier, e schema.Entity) error {
		synced <- e.Record().PendingRelations
		return nil
	}))

	f.create(t, map[string]interface{}{"name": "Gemini", "tags": []interface{}{f.tags[0].ID, f.tags[1].ID}})

	select {
	case pending := <-synced:
		assert.Equal(t, []int64{f.tags[0].ID, f.tags[1].ID}, pending["tags"])
	default:
		t.Fatal("relation sync was not invoked")
	}
}

func TestRepository_DefaultSyncWritesJoinRows(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, map[string]interface{}{"name": "Mercury", "tags": []interface{}{f.tags[2].ID}})

	m, err := f.repo.Get(f.ctx, &Request{Criteria: id, Include: "tags"})
	require.NoError(t, err)
	tags, ok := m.Get("tags")
	require.True(t, ok)
	require.Len(t, tags, 1)
	label, _ := tags.([]*transform.Map)[0].Get("label")
	assert.Equal(t, "blue", label)
}

func TestRepository_ListFiltersAndPaginates(t *testing.T) {
	f := newFixture(t)
	for _, name := range []string{"a", "b", "c", "d"} {
		f.create(t, map[string]interface{}{"name": name})
	}

	page, err := f.repo.List(f.ctx, &Request{Filter: `{"id": {"value": "[]"}}`})
	require.NoError(t, err)
	assert.Empty(t, page.Items)
	assert.Equal(t, int64(0), page.Meta.Total)

	page, err = f.repo.List(f.ctx, &Request{Filter: `{"id": {"value": "[1,2,3]"}}`})
	require.NoError(t, err)
	assert.Len(t, page.Items, 3)

	page, err = f.repo.List(f.ctx, &Request{Take: 3, Page: 2})
	require.NoError(t, err)
	assert.Len(t, page.Items, 1)
	assert.Equal(t, Meta{Page: 2, PageSize: 3, Total: 4, Pages: 2}, page.Meta)

	page, err = f.repo.List(f.ctx, &Request{All: true, Take: 1})
	require.NoError(t, err)
	assert.Len(t, page.Items, 4)
}

func TestRepository_GetNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.repo.Get(f.ctx, &Request{Criteria: int64(404)})
	assert.True(t, IsNotFound(err))
}

func TestRepository_GetByComparisonField(t *testing.T) {
	f := newFixture(t)
	f.create(t, map[string]interface{}{"name": "Vostok", "code": "VK"})

	m, err := f.repo.Get(f.ctx, &Request{Filter: `{"field": "code"}`, Criteria: "VK"})
	require.NoError(t, err)
	name, _ := m.Get("name")
	assert.Equal(t, "Vostok", name)

	_, err = f.repo.Get(f.ctx, &Request{Filter: `{"field": "missing"}`, Criteria: "VK"})
	assert.Equal(t, http.StatusNotFound, CodeOf(err))
}

func TestRepository_UnknownIncludeIsBadRequest(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, map[string]interface{}{"name": "Soyuz"})

	_, err := f.repo.Get(f.ctx, &Request{Criteria: id, Include: "bogus"})
	assert.Equal(t, http.StatusBadRequest, CodeOf(err))
}

func TestRepository_ParentInclude(t *testing.T) {
	f := newFixture(t)
	root := f.create(t, map[string]interface{}{"name": "root"})
	child := f.create(t, map[string]interface{}{"name": "child", "parentId": root})

	m, err := f.repo.Get(f.ctx, &Request{Criteria: child, Include: "parent"})
	require.NoError(t, err)
	parent, ok := m.Get("parent")
	require.True(t, ok)
	name, _ := parent.(*transform.Map).Get("name")
	assert.Equal(t, "root", name)
}

func TestRepository_UpdateIsPartial(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, map[string]interface{}{"name": "Alpha", "code": "A", "secret": "pw"})

	m, err := f.repo.Update(f.ctx, &Request{Criteria: id, Body: map[string]interface{}{
		"name":   "Renamed",
		"secret": "changed",
	}})
	require.NoError(t, err)

	name, _ := m.Get("name")
	code, _ := m.Get("code")
	assert.Equal(t, "Renamed", name)
	assert.Equal(t, "A", code)
	assert.Equal(t, "hashed:pw", f.text(t, id, "secret"))
	updatedBy, _ := m.Get("updatedBy")
	assert.Equal(t, int64(7), updatedBy)

	revs, err := f.repo.Revisions(f.ctx, id)
	require.NoError(t, err)
	var update int
	for _, rev := range revs {
		if rev.Key == "Update Data" {
			update++
			require.NotNil(t, rev.OldValue)
			assert.Contains(t, *rev.OldValue, `"name":"Alpha"`)
		}
	}
	assert.Equal(t, 1, update)
}

func TestRepository_UpdateIgnoresAuditStamps(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, map[string]interface{}{"name": "Zarya"})
	_, err := f.repo.Delete(f.ctx, &Request{Criteria: id})
	require.NoError(t, err)
	_, err = f.repo.Restore(f.ctx, &Request{Criteria: id})
	require.NoError(t, err)

	_, err = f.repo.Update(f.ctx, &Request{Criteria: id, Body: map[string]interface{}{
		"name":       "Zvezda",
		"deletedAt":  "2024-01-01T00:00:00Z",
		"deleted_by": 99,
		"createdBy":  99,
	}})
	require.NoError(t, err)

	assert.Equal(t, "Zvezda", f.text(t, id, "name"))
	assert.True(t, f.isNull(t, id, "deleted_at"))
	assert.True(t, f.isNull(t, id, "deleted_by"))
	assert.False(t, f.isNull(t, id, "restored_at"))
	assert.Equal(t, int64(7), f.number(t, id, "created_by"))

	err = f.repo.UpdateOrdering(f.ctx, &Request{Ordering: []OrderEntry{
		{Field: "id", Value: id, Data: map[string]interface{}{"deletedAt": "2024-01-01T00:00:00Z"}},
	}})
	require.NoError(t, err)
	assert.True(t, f.isNull(t, id, "deleted_at"))
	assert.Equal(t, int64(0), f.number(t, id, "ordering"))
}

func TestRepository_UpdateMissingRow(t *testing.T) {
	f := newFixture(t)
	_, err := f.repo.Update(f.ctx, &Request{Criteria: int64(99), Body: map[string]interface{}{"name": "x"}})
	assert.True(t, IsNotFound(err))
}

func TestRepository_CreateRevisionIsRecorded(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, map[string]interface{}{"name": "Skylab"})

	assert.Eventually(t, func() bool {
		revs, err := f.repo.Revisions(f.ctx, id)
		return err == nil && len(revs) == 1 && revs[0].Key == "Create Data" && revs[0].OldValue == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRepository_SoftDeleteAndRestore(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, map[string]interface{}{"name": "Mir"})

	m, err := f.repo.Delete(f.ctx, &Request{Criteria: id})
	require.NoError(t, err)
	deletedAt, _ := m.Get("deletedAt")
	assert.NotNil(t, deletedAt)

	page, err := f.repo.List(f.ctx, &Request{})
	require.NoError(t, err)
	assert.Empty(t, page.Items)

	page, err = f.repo.List(f.ctx, &Request{Filter: `{"withTrashed": 1}`})
	require.NoError(t, err)
	assert.Len(t, page.Items, 1)

	_, err = f.repo.Get(f.ctx, &Request{Criteria: id})
	assert.True(t, IsNotFound(err))

	_, err = f.repo.Restore(f.ctx, &Request{Criteria: id})
	require.NoError(t, err)
	assert.True(t, f.isNull(t, id, "deleted_at"))
	assert.False(t, f.isNull(t, id, "restored_at"))
	assert.Equal(t, int64(7), f.number(t, id, "restored_by"))
}

func TestRepository_RestoreActiveRowChangesNothing(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, map[string]interface{}{"name": "ISS"})

	_, err := f.repo.Restore(f.ctx, &Request{Criteria: id})
	require.NoError(t, err)
	assert.True(t, f.isNull(t, id, "deleted_at"))
	assert.True(t, f.isNull(t, id, "restored_at"))
}

func TestRepository_ForceDelete(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, map[string]interface{}{"name": "Tiangong"})
	_, err := f.db.Exec("UPDATE projects SET force_delete = 1 WHERE id = $1", id)
	require.NoError(t, err)

	_, err = f.repo.Delete(f.ctx, &Request{Criteria: id})
	require.NoError(t, err)

	var n int
	require.NoError(t, f.db.QueryRow("SELECT COUNT(*) FROM projects WHERE id = $1", id).Scan(&n))
	assert.Zero(t, n)
}

func TestRepository_ForbiddenHookPassesThrough(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, map[string]interface{}{"name": "Salyut"})

	f.exec.On(&project{}, hooks.BeforeDelete, func(ctx context.Context, ev *hooks.Event) error {
		return Forbidden("not allowed")
	})

	_, err := f.repo.Delete(f.ctx, &Request{Criteria: id})
	assert.Equal(t, http.StatusForbidden, CodeOf(err))
	assert.True(t, f.isNull(t, id, "deleted_at"))
}

func TestRepository_FailingBeforeUpdateRollsBack(t *testing.T) {
	f := newFixture(t, WithBeforeUpdate(func(ctx context.Context, current, incoming schema.Entity, data map[string]interface{}) error {
		return errors.New("rejected")
	}))
	id := f.create(t, map[string]interface{}{"name": "Alpha"})

	_, err := f.repo.Update(f.ctx, &Request{Criteria: id, Body: map[string]interface{}{"name": "Beta"}})
	assert.Equal(t, http.StatusInternalServerError, CodeOf(err))
	assert.Equal(t, "Alpha", f.text(t, id, "name"))

	revs, err := f.repo.Revisions(f.ctx, id)
	require.NoError(t, err)
	for _, rev := range revs {
		assert.NotEqual(t, "Update Data", rev.Key)
	}
}

func TestRepository_UpdateOrdering(t *testing.T) {
	f := newFixture(t)
	a := f.create(t, map[string]interface{}{"name": "a"})
	b := f.create(t, map[string]interface{}{"name": "b"})
	c := f.create(t, map[string]interface{}{"name": "c"})

	err := f.repo.UpdateOrdering(f.ctx, &Request{Ordering: []OrderEntry{
		{Field: "id", Value: c},
		{Field: "id", Value: a, Data: map[string]interface{}{"id": int64(999), "code": "first"}},
		{Field: "id", Value: b},
	}})
	require.NoError(t, err)

	assert.Equal(t, int64(0), f.number(t, c, "ordering"))
	assert.Equal(t, int64(1), f.number(t, a, "ordering"))
	assert.Equal(t, int64(2), f.number(t, b, "ordering"))
	assert.Equal(t, "first", f.text(t, a, "code"))

	err = f.repo.UpdateOrdering(f.ctx, &Request{Ordering: []OrderEntry{
		{Field: "id", Value: b},
		{Field: "id", Value: int64(404)},
	}})
	assert.True(t, IsNotFound(err))
	assert.Equal(t, int64(0), f.number(t, b, "ordering"), "entries before the failure stay committed")
}

func TestRequestSnapshotCutsCycles(t *testing.T) {
	body := map[string]interface{}{"name": "loop"}
	body["self"] = body

	out := requestSnapshot(&Request{Filter: `{"id": 1}`, Body: body})
	assert.Contains(t, out, `"self":"[cycle]"`)
	assert.Contains(t, out, `"filter":"{\"id\": 1}"`)
}

func TestRepository_UpdateHooksSeeChanges(t *testing.T) {
	f := newFixture(t)
	id := f.create(t, map[string]interface{}{"name": "Alpha", "code": "A"})

	var changed []string
	var inTx bool
	f.exec.On(&project{}, hooks.BeforeUpdate, func(ctx context.Context, ev *hooks.Event) error {
		changed = ev.Changes.ChangedFields()
		inTx = ev.Tx != nil
		if ev.Changes.ChangedTo("code", "LOCKED") {
			return Forbidden("code is locked")
		}
		return nil
	})

	_, err := f.repo.Update(f.ctx, &Request{Criteria: id, Body: map[string]interface{}{"name": "Beta", "code": "A"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"name"}, changed)
	assert.True(t, inTx)

	_, err = f.repo.Update(f.ctx, &Request{Criteria: id, Body: map[string]interface{}{"code": "LOCKED"}})
	assert.Equal(t, http.StatusForbidden, CodeOf(err))
	assert.Equal(t, "A", f.text(t, id, "code"))
}
