package filter

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/conduit-lang/datalayer/internal/orm/query"
	"github.com/conduit-lang/datalayer/internal/orm/schema"
)

// Scope is the soft-delete visibility applied to a query
type Scope int

const (
	// ScopeActive returns rows whose deleted_at is null
	ScopeActive Scope = iota
	// ScopeAll returns every row
	ScopeAll
	// ScopeTrashed returns soft-deleted rows only
	ScopeTrashed
)

// Order is a single ordering directive
type Order struct {
	Field     string
	Direction string
}

// Options carries the per-request inputs of a compilation
type Options struct {
	// Search is the free-text term matched against searchable fields
	Search string
	// Offset is the caller's timezone offset
	Offset time.Duration
	// Now anchors relative date ranges; zero means time.Now
	Now time.Time
	// Logger receives debug entries for dropped fragments
	Logger *zap.Logger
}

// Compiled is the output of Compile
type Compiled struct {
	Where  *query.PredicateGroup
	Search *query.PredicateGroup
	Order  Order
	Scope  Scope
}

// DefaultOrder is used when the filter carries no usable ordering
var DefaultOrder = Order{Field: "id", Direction: "asc"}

// Compile builds predicates, ordering and soft-delete scope for entity s
func Compile(tree Tree, s *schema.EntitySchema, opts Options) *Compiled {
	c := &compiler{tree: tree, schema: s, opts: opts, log: opts.Logger}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	if c.opts.Now.IsZero() {
		c.opts.Now = time.Now().UTC()
	}
	return c.run()
}

// Apply adds the compiled clauses to b
func (c *Compiled) Apply(b *query.Builder) *query.Builder {
	for _, cond := range c.Where.Conditions {
		b.Where(cond.Field, cond.Operator, cond.Value)
	}
	for _, g := range c.Where.Groups {
		b.WhereGroup(g)
	}
	b.WhereGroup(c.Search)
	ScopeQuery(b, c.Scope)
	return b.OrderBy(c.Order.Field, c.Order.Direction)
}

// ScopeQuery restricts b to the rows visible under scope
func ScopeQuery(b *query.Builder, scope Scope) *query.Builder {
	if !b.HasColumn("deleted_at") {
		return b
	}
	switch scope {
	case ScopeActive:
		b.WhereNull("deleted_at")
	case ScopeTrashed:
		b.WhereNotNull("deleted_at")
	}
	return b
}

type compiler struct {
	tree   Tree
	schema *schema.EntitySchema
	opts   Options
	log    *zap.Logger
}

func (c *compiler) run() *Compiled {
	out := &Compiled{
		Where:  query.NewPredicateGroup(false),
		Search: query.NewPredicateGroup(true),
		Order:  DefaultOrder,
		Scope:  c.scope(),
	}

	if c.tree.Empty() && c.opts.Search == "" {
		return out
	}

	c.date(out.Where)

	for _, f := range c.schema.Fields {
		if !filterable(f) {
			continue
		}

		if f.Name != "date" {
			if tok, ok := c.tree.Get(f.CamelName, f.Name); ok {
				c.field(out.Where, f, tok)
			}
		}

		if c.opts.Search != "" && c.schema.IsSearchable(f) {
			c.search(out.Search, f)
		}
	}

	out.Order = c.order()
	return out
}

func filterable(f *schema.Field) bool {
	if f.Caps.Any(schema.CapRelation | schema.CapNotMapped | schema.CapJSON | schema.CapSimpleJSON | schema.CapIgnore) {
		return false
	}
	return f.Name != "translations"
}

func (c *compiler) drop(field, reason string) {
	c.log.Debug("filter fragment dropped",
		zap.String("entity", c.schema.Name),
		zap.String("field", field),
		zap.String("reason", reason))
}

func (c *compiler) field(where *query.PredicateGroup, f *schema.Field, tok Value) {
	op := "=="
	valueTok := tok
	if tok.IsObject() {
		if o, ok := tok.Get("operator"); ok && strings.TrimSpace(o.Text()) != "" {
			op = strings.TrimSpace(o.Text())
		}
		if v, ok := tok.Get("value"); ok {
			valueTok = v
		}
	}
	text := valueTok.Text()

	var list []interface{}
	if looksLikeArray(text) {
		decoded, err := c.typedList(f, text)
		if err != nil {
			c.drop(f.Name, err.Error())
			return
		}
		if len(decoded) == 0 {
			op = "none"
		} else {
			op = "contains"
			list = decoded
		}
	}

	switch op {
	case "none":
		where.Add(f.Name, query.OpNone, nil)

	case "contains":
		if list != nil {
			where.Add(f.Name, query.OpIn, list)
			return
		}
		if f.Kind != schema.KindString {
			c.drop(f.Name, "contains on non-text field")
			return
		}
		where.Add(f.Name, query.OpContains, text)

	case "notContains":
		if f.Kind != schema.KindString {
			c.drop(f.Name, "notContains on non-text field")
			return
		}
		where.Add(f.Name, query.OpNotContains, text)

	case "between":
		target := f
		if name, ok := tok.Get("field"); ok && strings.TrimSpace(name.Text()) != "" {
			col, ok := c.schema.Field(strings.TrimSpace(name.Text()))
			if !ok || !col.Mapped() {
				c.drop(f.Name, "between on unknown field")
				return
			}
			target = col
		}
		from, _ := tok.Get("from")
		to, _ := tok.Get("to")
		if from.Text() == "" || to.Text() == "" {
			return
		}
		lo, err1 := Convert(target, from.Text())
		hi, err2 := Convert(target, to.Text())
		if err1 != nil || err2 != nil {
			c.drop(f.Name, "between bounds do not match field type")
			return
		}
		where.Add(target.Name, query.OpBetween, []interface{}{lo, hi})

	default:
		cmp, ok := query.ParseComparison(op)
		if !ok {
			c.drop(f.Name, "unknown operator "+op)
			return
		}
		if text == "null" || valueTok.IsNull() {
			if cmp != query.OpEqual && cmp != query.OpNotEqual {
				c.drop(f.Name, "null with ordering operator")
				return
			}
			where.Add(f.Name, cmp, nil)
			return
		}
		v, err := Convert(f, text)
		if err != nil {
			c.drop(f.Name, err.Error())
			return
		}
		where.Add(f.Name, cmp, v)
	}
}

// date handles the reserved "date" entry: {field, type, from, to}
func (c *compiler) date(where *query.PredicateGroup) {
	tok, ok := c.tree.Get("date")
	if !ok || !tok.IsObject() {
		return
	}

	get := func(key string) string {
		v, _ := tok.Get(key)
		return strings.TrimSpace(v.Text())
	}

	kind := get("type")
	fieldName := get("field")
	if kind == "" || fieldName == "" {
		c.drop("date", "incomplete date range")
		return
	}

	f, ok := c.schema.Field(fieldName)
	if !ok || !f.Mapped() || f.Kind != schema.KindTime {
		c.drop("date", "unknown date field "+fieldName)
		return
	}

	lo, hi, ok := ResolveRange(kind, get("from"), get("to"), c.opts.Now, c.opts.Offset)
	if !ok {
		c.drop("date", "unresolvable date range "+kind)
		return
	}

	c.log.Debug("date filter applied",
		zap.String("entity", c.schema.Name),
		zap.String("field", f.Name),
		zap.Time("from", lo),
		zap.Time("to", hi))
	where.Add(f.Name, query.OpBetween, []interface{}{lo, hi})
}

func (c *compiler) search(group *query.PredicateGroup, f *schema.Field) {
	switch {
	case f.Kind == schema.KindString:
		group.Add(f.Name, query.OpContains, c.opts.Search)
	case f.Kind.IsInteger():
		if n, err := strconv.ParseInt(c.opts.Search, 10, 64); err == nil {
			group.Add(f.Name, query.OpEqual, n)
		}
	}
}

func (c *compiler) order() Order {
	tok, ok := c.tree.Get("order")
	if !ok || !tok.IsObject() {
		return DefaultOrder
	}

	field := "id"
	if v, ok := tok.Get("field"); ok {
		field = strings.TrimSpace(v.Text())
	}
	way := "asc"
	if v, ok := tok.Get("way"); ok {
		way = strings.ToLower(strings.TrimSpace(v.Text()))
	}
	if field == "" || (way != "asc" && way != "desc") {
		return DefaultOrder
	}

	f, ok := c.schema.Field(field)
	if !ok || !f.Mapped() {
		c.drop("order", "unknown order field "+field)
		return DefaultOrder
	}
	return Order{Field: f.Name, Direction: way}
}

func (c *compiler) scope() Scope {
	switch {
	case c.schema.AppendOnly:
		return ScopeAll
	case c.tree.WithTrashed():
		return ScopeAll
	case c.tree.OnlyTrashed():
		return ScopeTrashed
	}
	return ScopeActive
}

// typedList decodes a JSON array literal into values of the field's type
func (c *compiler) typedList(f *schema.Field, text string) ([]interface{}, error) {
	var raw []interface{}
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}

	out := make([]interface{}, 0, len(raw))
	for _, item := range raw {
		if item == nil {
			continue
		}
		v, err := Convert(f, fmt.Sprint(item))
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Convert coerces filter text into a value comparable with the column of f
func Convert(f *schema.Field, text string) (interface{}, error) {
	switch f.Kind {
	case schema.KindInt32, schema.KindInt64, schema.KindInt, schema.KindUint:
		return parseInt(text)
	case schema.KindFloat:
		return cast.ToFloat64E(strings.TrimSpace(text))
	case schema.KindBool:
		return cast.ToBoolE(strings.TrimSpace(text))
	case schema.KindTime:
		t, err := ParseTime(text)
		if err != nil {
			return nil, err
		}
		return t.UTC(), nil
	case schema.KindDuration:
		d, err := cast.ToDurationE(strings.TrimSpace(text))
		if err != nil {
			return nil, err
		}
		return int64(d), nil
	}
	return text, nil
}

func parseInt(text string) (int64, error) {
	text = strings.TrimSpace(text)
	if n, err := strconv.ParseInt(text, 10, 64); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(text, 64)
	if err != nil || f != float64(int64(f)) {
		return 0, fmt.Errorf("%q is not an integer", text)
	}
	return int64(f), nil
}
