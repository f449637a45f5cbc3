// Package schema derives entity metadata from Go struct definitions.
//
// Every entity embeds Base, which carries identity, audit stamps and the
// soft-delete markers. Field behavior is declared with struct tags:
//
//	type Company struct {
//		schema.Base
//		Name     string  `db:"name"`
//		Secret   string  `db:"secret" repo:"password"`
//		Settings string  `db:"settings" repo:"json"`
//		Tags     []*Tag  `repo:"relation,kind=many2many,join=company_tags"`
//	}
//
// The derived EntitySchema is cached process-wide per reflect.Type.
package schema

import "time"

// Base holds the fields every entity record carries.
type Base struct {
	ID          int64      `db:"id"`
	CreatedAt   *time.Time `db:"created_at"`
	CreatedBy   *int64     `db:"created_by"`
	UpdatedAt   *time.Time `db:"updated_at"`
	UpdatedBy   *int64     `db:"updated_by"`
	DeletedAt   *time.Time `db:"deleted_at"`
	DeletedBy   *int64     `db:"deleted_by"`
	RestoredAt  *time.Time `db:"restored_at"`
	RestoredBy  *int64     `db:"restored_by"`
	ForceDelete bool       `db:"force_delete"`

	// PendingRelations maps a relation field name to the IDs received for it
	// during construction. It is never persisted.
	PendingRelations map[string][]int64 `db:"-"`
}

// Record returns the embedded base record.
func (b *Base) Record() *Base { return b }

// AddPending appends ids to the pending relation bag for name.
func (b *Base) AddPending(name string, ids ...int64) {
	if b.PendingRelations == nil {
		b.PendingRelations = make(map[string][]int64)
	}
	b.PendingRelations[name] = append(b.PendingRelations[name], ids...)
}

// HasPending reports whether any relation IDs were collected.
func (b *Base) HasPending() bool {
	return len(b.PendingRelations) > 0
}

// IsDeleted reports whether the record is soft deleted.
func (b *Base) IsDeleted() bool {
	return b.DeletedAt != nil
}

// Entity is implemented by any struct embedding Base.
type Entity interface {
	Record() *Base
}

// DefaultIncluder lists relation paths loaded unless the caller suppresses them.
type DefaultIncluder interface {
	DefaultIncludes() []string
}

// Searchable lists the columns matched by the free-text search term.
type Searchable interface {
	SearchableFields() []string
}

// Revisionable entities get a revision row on every create and update.
type Revisionable interface {
	Revisionable() bool
}

// AppendOnly marks log-style entities. They are never scoped by deleted_at.
type AppendOnly interface {
	AppendOnly() bool
}

// TableNamer overrides the default pluralized table name.
type TableNamer interface {
	TableName() string
}

// Initializer is called on every entity read back from the store.
type Initializer interface {
	Initialize()
}
