package crud

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conduit-lang/datalayer/internal/orm/query"
	"github.com/conduit-lang/datalayer/internal/orm/schema"
)

type widget struct {
	schema.Base
	Name   string        `db:"name"`
	Weight *float64      `db:"weight"`
	Shelf  time.Duration `db:"shelf"`
	Parts  []*widget     `repo:"relation,kind=has_many,fk=parent_id"`
}

func newMockStore(t *testing.T) (*Store, *sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(schema.NewRegistry(), nil), db, mock
}

func TestStore_Insert(t *testing.T) {
	store, db, mock := newMockStore(t)

	mock.ExpectQuery("INSERT INTO widgets (created_at, created_by, updated_at, updated_by, deleted_at, deleted_by, restored_at, restored_by, force_delete, name, weight, shelf) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12) RETURNING id").
		WithArgs(nil, nil, nil, nil, nil, nil, nil, nil, false, "bolt", nil, int64(time.Minute)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(17)))

	w := &widget{Name: "bolt", Shelf: time.Minute}
	require.NoError(t, store.Insert(context.Background(), db, w))
	assert.Equal(t, int64(17), w.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Update(t *testing.T) {
	store, db, mock := newMockStore(t)

	mock.ExpectExec("UPDATE widgets SET name = $1, weight = $2 WHERE id = $3").
		WithArgs("nut", 2.5, int64(4)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	weight := 2.5
	w := &widget{Base: schema.Base{ID: 4}, Name: "nut", Weight: &weight}
	require.NoError(t, store.Update(context.Background(), db, w, []string{"name", "weight", "id", "parts", "bogus", "name"}))
	assert.NoError(t, mock.ExpectationsWereMet())

	err := store.Update(context.Background(), db, w, []string{"id"})
	assert.ErrorIs(t, err, ErrNoColumns)
}

func TestStore_UpdateMissingRow(t *testing.T) {
	store, db, mock := newMockStore(t)

	mock.ExpectExec("UPDATE widgets SET name = $1 WHERE id = $2").
		WithArgs("nut", int64(99)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.Update(context.Background(), db, &widget{Base: schema.Base{ID: 99}, Name: "nut"}, []string{"name"})
	assert.True(t, IsNotFound(err))
}

func TestStore_Delete(t *testing.T) {
	store, db, mock := newMockStore(t)

	mock.ExpectExec("DELETE FROM widgets WHERE id = $1").
		WithArgs(int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Delete(context.Background(), db, &widget{Base: schema.Base{ID: 3}}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_RejectsNonPointer(t *testing.T) {
	store, db, _ := newMockStore(t)
	err := store.Insert(context.Background(), db, nil)
	assert.Error(t, err)
}

func TestStore_SQLiteRoundTrip(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	defer db.Close()
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`CREATE TABLE widgets (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		created_at TIMESTAMP, created_by INTEGER,
		updated_at TIMESTAMP, updated_by INTEGER,
		deleted_at TIMESTAMP, deleted_by INTEGER,
		restored_at TIMESTAMP, restored_by INTEGER,
		force_delete BOOLEAN NOT NULL DEFAULT 0,
		name TEXT NOT NULL UNIQUE,
		weight REAL,
		shelf INTEGER
	)`)
	require.NoError(t, err)

	store := NewStore(schema.NewRegistry(), nil)
	ctx := context.Background()
	created := time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC)
	by := int64(5)

	w := &widget{Base: schema.Base{CreatedAt: &created, CreatedBy: &by}, Name: "gear", Shelf: time.Hour}
	require.NoError(t, store.Insert(ctx, db, w))
	require.NotZero(t, w.ID)

	err = store.Insert(ctx, db, &widget{Name: "gear"})
	assert.True(t, IsUniqueViolation(err), "got %v", err)

	sch := store.Registry().MustOf(&widget{})
	got, err := store.FindOne(ctx, db, sch, query.For(sch).Where("id", query.OpEqual, w.ID))
	require.NoError(t, err)

	loaded := got.Interface().(*widget)
	assert.Equal(t, "gear", loaded.Name)
	assert.Equal(t, time.Hour, loaded.Shelf)
	require.NotNil(t, loaded.CreatedAt)
	assert.True(t, created.Equal(*loaded.CreatedAt))
	require.NotNil(t, loaded.CreatedBy)
	assert.Equal(t, by, *loaded.CreatedBy)
	assert.Nil(t, loaded.DeletedAt)

	_, err = store.FindOne(ctx, db, sch, query.For(sch).Where("id", query.OpEqual, int64(404)))
	assert.True(t, IsNotFound(err))

	ok, err := store.Exists(ctx, db, sch, w.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	items, total, err := store.FindPage(ctx, db, sch, query.For(sch), 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Len(t, items, 1)
}
