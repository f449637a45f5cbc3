package migrate

import (
	"fmt"
	"sort"
	"strings"

	"github.com/conduit-lang/datalayer/internal/orm/schema"
)

// Dialect selects the SQL flavor of generated DDL
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite3"
)

// DialectFor maps a database/sql driver name to a dialect
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case "pgx", "postgres", "postgresql":
		return Postgres, nil
	case "sqlite3", "sqlite":
		return SQLite, nil
	}
	return "", fmt.Errorf("unsupported driver %q", driver)
}

// TypeMapper maps field kinds to column types of one dialect
type TypeMapper struct {
	dialect Dialect
}

// NewTypeMapper creates a new TypeMapper
func NewTypeMapper(dialect Dialect) *TypeMapper {
	return &TypeMapper{dialect: dialect}
}

// PrimaryKey returns the auto-incrementing id column definition
func (tm *TypeMapper) PrimaryKey() string {
	if tm.dialect == SQLite {
		return "id INTEGER PRIMARY KEY AUTOINCREMENT"
	}
	return "id BIGSERIAL PRIMARY KEY"
}

// MapType returns the column type of f
func (tm *TypeMapper) MapType(f *schema.Field) string {
	pg := tm.dialect == Postgres
	switch f.Kind {
	case schema.KindInt32:
		return "INTEGER"
	case schema.KindInt64, schema.KindInt, schema.KindUint, schema.KindDuration:
		return "BIGINT"
	case schema.KindFloat:
		if pg {
			return "DOUBLE PRECISION"
		}
		return "REAL"
	case schema.KindBool:
		return "BOOLEAN"
	case schema.KindTime:
		if pg {
			return "TIMESTAMPTZ"
		}
		return "TIMESTAMP"
	case schema.KindBytes:
		if pg {
			return "BYTEA"
		}
		return "BLOB"
	default:
		return "TEXT"
	}
}

// CreateTable generates the CREATE TABLE statement of an entity
func (tm *TypeMapper) CreateTable(s *schema.EntitySchema) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n  %s", s.Table, tm.PrimaryKey())

	for _, f := range s.Columns() {
		if f.Name == "id" {
			continue
		}
		def := f.Name + " " + tm.MapType(f)
		switch {
		case f.Name == "force_delete":
			def += " NOT NULL DEFAULT FALSE"
		case !f.Nullable && f.Kind == schema.KindBool:
			def += " NOT NULL DEFAULT FALSE"
		}
		b.WriteString(",\n  ")
		b.WriteString(def)
	}
	b.WriteString("\n);\n")

	if _, ok := s.Column("deleted_at"); ok {
		fmt.Fprintf(&b, "CREATE INDEX IF NOT EXISTS idx_%s_deleted_at ON %s(deleted_at);\n", s.Table, s.Table)
	}
	return b.String()
}

// CreateJoinTables generates the join tables of every many-to-many
// relation of s
func (tm *TypeMapper) CreateJoinTables(s *schema.EntitySchema) string {
	var stmts []string
	for _, f := range s.Relations() {
		rel := f.Relation
		if rel.Kind != schema.ManyToMany {
			continue
		}
		stmts = append(stmts, fmt.Sprintf(
			"CREATE TABLE IF NOT EXISTS %s (\n  %s BIGINT NOT NULL,\n  %s BIGINT NOT NULL,\n  PRIMARY KEY (%s, %s)\n);\n",
			rel.JoinTable, rel.ForeignKey, rel.References, rel.ForeignKey, rel.References))
	}
	sort.Strings(stmts)
	return strings.Join(stmts, "")
}

// EntityMigration builds a migration creating the table and join tables of
// an entity
func EntityMigration(version int64, s *schema.EntitySchema, dialect Dialect) *Migration {
	tm := NewTypeMapper(dialect)
	down := fmt.Sprintf("DROP TABLE IF EXISTS %s;\n", s.Table)
	for _, f := range s.Relations() {
		if f.Relation.Kind == schema.ManyToMany {
			down += fmt.Sprintf("DROP TABLE IF EXISTS %s;\n", f.Relation.JoinTable)
		}
	}
	return &Migration{
		Version: version,
		Name:    "create_" + s.Table,
		Up:      tm.CreateTable(s) + tm.CreateJoinTables(s),
		Down:    down,
	}
}
