// Package query builds and executes parameterized SELECT statements over a
// single entity table.
package query

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/conduit-lang/datalayer/internal/orm/schema"
)

// Querier is satisfied by both *sql.DB and *sql.Tx
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Builder provides a fluent API for building SQL queries
type Builder struct {
	table    string
	columns  []string
	allowed  map[string]bool
	where    *PredicateGroup
	orderBy  []string
	limit    *int
	offset   *int
	includes []string
}

// NewBuilder creates a builder selecting columns from table. Conditions and
// ordering may only reference the given columns.
func NewBuilder(table string, columns []string) *Builder {
	validateIdentifier(table)
	allowed := make(map[string]bool, len(columns))
	for _, c := range columns {
		validateIdentifier(c)
		allowed[c] = true
	}
	return &Builder{
		table:   table,
		columns: columns,
		allowed: allowed,
		where:   NewPredicateGroup(false),
	}
}

// For creates a builder over the table of an entity schema
func For(s *schema.EntitySchema) *Builder {
	return NewBuilder(s.Table, s.ColumnNames())
}

// Table returns the table the builder selects from
func (b *Builder) Table() string {
	return b.table
}

// HasColumn reports whether name is a selectable column
func (b *Builder) HasColumn(name string) bool {
	return b.allowed[name]
}

func (b *Builder) checkField(field string) {
	if !b.allowed[field] {
		panic(fmt.Sprintf("field %s does not exist on table %s", field, b.table))
	}
}

// Where adds an AND condition to the query
func (b *Builder) Where(field string, op Operator, value interface{}) *Builder {
	b.checkField(field)
	b.where.Add(field, op, value)
	return b
}

// WhereIn adds a WHERE IN condition
func (b *Builder) WhereIn(field string, values []interface{}) *Builder {
	return b.Where(field, OpIn, values)
}

// WhereNull adds a WHERE IS NULL condition
func (b *Builder) WhereNull(field string) *Builder {
	return b.Where(field, OpIsNull, nil)
}

// WhereNotNull adds a WHERE IS NOT NULL condition
func (b *Builder) WhereNotNull(field string) *Builder {
	return b.Where(field, OpIsNotNull, nil)
}

// WhereGroup adds a nested predicate group, AND-combined with the rest
func (b *Builder) WhereGroup(group *PredicateGroup) *Builder {
	for _, f := range group.Fields() {
		b.checkField(f)
	}
	b.where.AddGroup(group)
	return b
}

// OrderBy adds an ORDER BY clause
func (b *Builder) OrderBy(field string, direction string) *Builder {
	b.checkField(field)
	dir := strings.ToUpper(direction)
	if dir != "ASC" && dir != "DESC" {
		dir = "ASC"
	}
	b.orderBy = append(b.orderBy, fmt.Sprintf("%s %s", field, dir))
	return b
}

// Limit sets the LIMIT clause
func (b *Builder) Limit(n int) *Builder {
	b.limit = &n
	return b
}

// Offset sets the OFFSET clause
func (b *Builder) Offset(n int) *Builder {
	b.offset = &n
	return b
}

// Includes records relation paths to eager load after the query runs
func (b *Builder) Includes(paths ...string) *Builder {
	b.includes = append(b.includes, paths...)
	return b
}

// IncludePaths returns the recorded include paths
func (b *Builder) IncludePaths() []string {
	return b.includes
}

// ToSQL generates the SQL query and parameter bindings
func (b *Builder) ToSQL() (string, []interface{}, error) {
	var sb strings.Builder
	args := make([]interface{}, 0)
	paramCounter := 1

	cols := "*"
	if len(b.columns) > 0 {
		cols = strings.Join(b.columns, ", ")
	}
	fmt.Fprintf(&sb, "SELECT %s FROM %s", cols, b.table)

	where, err := b.where.ToSQL(&paramCounter, &args)
	if err != nil {
		return "", nil, fmt.Errorf("failed to build condition: %w", err)
	}
	if where != "" {
		sb.WriteString(" WHERE ")
		sb.WriteString(where)
	}

	if len(b.orderBy) > 0 {
		sb.WriteString(" ORDER BY ")
		sb.WriteString(strings.Join(b.orderBy, ", "))
	}

	if b.limit != nil {
		fmt.Fprintf(&sb, " LIMIT $%d", paramCounter)
		args = append(args, *b.limit)
		paramCounter++
	}

	if b.offset != nil {
		fmt.Fprintf(&sb, " OFFSET $%d", paramCounter)
		args = append(args, *b.offset)
	}

	return sb.String(), args, nil
}

// CountSQL generates a COUNT(*) statement with the same predicate
func (b *Builder) CountSQL() (string, []interface{}, error) {
	args := make([]interface{}, 0)
	paramCounter := 1

	where, err := b.where.ToSQL(&paramCounter, &args)
	if err != nil {
		return "", nil, fmt.Errorf("failed to build condition: %w", err)
	}

	sqlStr := fmt.Sprintf("SELECT COUNT(*) FROM %s", b.table)
	if where != "" {
		sqlStr += " WHERE " + where
	}
	return sqlStr, args, nil
}

// All executes the query and returns all matching rows
func (b *Builder) All(ctx context.Context, db Querier) ([]map[string]interface{}, error) {
	sqlStr, args, err := b.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to generate SQL: %w", err)
	}

	rows, err := db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	results, err := ScanRows(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan rows: %w", err)
	}
	return results, nil
}

// First executes the query and returns the first matching row
func (b *Builder) First(ctx context.Context, db Querier) (map[string]interface{}, error) {
	results, err := b.Clone().Limit(1).All(ctx, db)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, sql.ErrNoRows
	}
	return results[0], nil
}

// Count executes the query and returns the number of matching rows
func (b *Builder) Count(ctx context.Context, db Querier) (int64, error) {
	sqlStr, args, err := b.CountSQL()
	if err != nil {
		return 0, fmt.Errorf("failed to generate SQL: %w", err)
	}

	var count int64
	if err := db.QueryRowContext(ctx, sqlStr, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to execute count query: %w", err)
	}
	return count, nil
}

// Paginate returns one page of rows plus the total row count. Pages are
// 1-based; a size of zero or less returns every row.
func (b *Builder) Paginate(ctx context.Context, db Querier, page, size int) ([]map[string]interface{}, int64, error) {
	total, err := b.Count(ctx, db)
	if err != nil {
		return nil, 0, err
	}

	q := b.Clone()
	if size > 0 {
		if page < 1 {
			page = 1
		}
		q.Limit(size).Offset((page - 1) * size)
	}

	rows, err := q.All(ctx, db)
	if err != nil {
		return nil, 0, err
	}
	return rows, total, nil
}

// Clone creates a copy of the builder
func (b *Builder) Clone() *Builder {
	clone := &Builder{
		table:    b.table,
		columns:  b.columns,
		allowed:  b.allowed,
		where:    cloneGroup(b.where),
		orderBy:  append([]string(nil), b.orderBy...),
		includes: append([]string(nil), b.includes...),
	}
	if b.limit != nil {
		limit := *b.limit
		clone.limit = &limit
	}
	if b.offset != nil {
		offset := *b.offset
		clone.offset = &offset
	}
	return clone
}

func cloneGroup(g *PredicateGroup) *PredicateGroup {
	c := &PredicateGroup{Or: g.Or}
	c.Conditions = append(c.Conditions, g.Conditions...)
	for _, sub := range g.Groups {
		c.Groups = append(c.Groups, cloneGroup(sub))
	}
	return c
}

// ScanRows scans SQL rows into a slice of maps keyed by column name
func ScanRows(rows *sql.Rows) ([]map[string]interface{}, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var results []map[string]interface{}
	for rows.Next() {
		values := make([]interface{}, len(columns))
		valuePtrs := make([]interface{}, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}

		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, err
		}

		record := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			record[col] = values[i]
		}
		results = append(results, record)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// validateIdentifier panics unless identifier only contains letters, digits,
// underscores and dots
func validateIdentifier(identifier string) {
	if identifier == "" {
		panic("invalid identifier: empty")
	}
	for _, char := range identifier {
		if !((char >= 'a' && char <= 'z') ||
			(char >= 'A' && char <= 'Z') ||
			(char >= '0' && char <= '9') ||
			char == '_' || char == '.') {
			panic(fmt.Sprintf("invalid identifier: %s (contains invalid character: %c)", identifier, char))
		}
	}
}

// ValidIdentifier reports whether identifier is safe to interpolate
func ValidIdentifier(identifier string) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	validateIdentifier(identifier)
	return true
}
