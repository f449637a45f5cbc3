package schema

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
)

// EntitySchema is the cached metadata of one entity type
type EntitySchema struct {
	Type             reflect.Type
	Name             string
	Table            string
	Fields           []*Field
	DefaultIncludes  []string
	SearchableFields []string
	Revisionable     bool
	AppendOnly       bool

	// Parent is the self-referential belongs_to relation named "parent", if any
	Parent *Field

	byName  map[string]*Field
	byCamel map[string]*Field
	byGo    map[string]*Field
	byLower map[string]*Field
}

// Field looks up a field by column name, camelCase name or Go name, falling
// back to a case-insensitive match
func (s *EntitySchema) Field(name string) (*Field, bool) {
	if f, ok := s.byName[name]; ok {
		return f, true
	}
	if f, ok := s.byCamel[name]; ok {
		return f, true
	}
	if f, ok := s.byGo[name]; ok {
		return f, true
	}
	if f, ok := s.byName[SnakeCase(name)]; ok {
		return f, true
	}
	f, ok := s.byLower[strings.ToLower(name)]
	return f, ok
}

// Column returns the mapped field for a column name
func (s *EntitySchema) Column(name string) (*Field, bool) {
	f, ok := s.byName[name]
	if !ok || !f.Mapped() {
		return nil, false
	}
	return f, true
}

// Columns returns all fields backed by a column, in declaration order
func (s *EntitySchema) Columns() []*Field {
	cols := make([]*Field, 0, len(s.Fields))
	for _, f := range s.Fields {
		if f.Mapped() {
			cols = append(cols, f)
		}
	}
	return cols
}

// ColumnNames returns the names of all mapped columns
func (s *EntitySchema) ColumnNames() []string {
	cols := s.Columns()
	names := make([]string, len(cols))
	for i, f := range cols {
		names[i] = f.Name
	}
	return names
}

// Relations returns every relation field
func (s *EntitySchema) Relations() []*Field {
	var rels []*Field
	for _, f := range s.Fields {
		if f.IsRelation() {
			rels = append(rels, f)
		}
	}
	return rels
}

// Relation returns the relation field with the given name
func (s *EntitySchema) Relation(name string) (*Field, bool) {
	f, ok := s.Field(name)
	if !ok || !f.IsRelation() {
		return nil, false
	}
	return f, true
}

// IsSearchable reports whether the field takes part in free-text search
func (s *EntitySchema) IsSearchable(f *Field) bool {
	for _, name := range s.SearchableFields {
		if name == f.Name || name == f.GoName || name == f.CamelName {
			return true
		}
	}
	return false
}

// New allocates a zero entity and returns a pointer to it
func (s *EntitySchema) New() reflect.Value {
	return reflect.New(s.Type)
}

// Registry caches entity schemas keyed by struct type. Lookups after the
// first build never take the lock.
type Registry struct {
	schemas sync.Map
	mu      sync.Mutex
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{}
}

var defaultRegistry = NewRegistry()

// Default returns the process-wide registry
func Default() *Registry {
	return defaultRegistry
}

// Of returns the schema for the type of entity (a struct or pointer to struct)
func (r *Registry) Of(entity any) (*EntitySchema, error) {
	if entity == nil {
		return nil, fmt.Errorf("schema: nil entity")
	}
	return r.ForType(reflect.TypeOf(entity))
}

// MustOf is like Of but panics on an invalid entity definition
func (r *Registry) MustOf(entity any) *EntitySchema {
	s, err := r.Of(entity)
	if err != nil {
		panic(err)
	}
	return s
}

// ForType returns the schema for t, building and caching it on first use
func (r *Registry) ForType(t reflect.Type) (*EntitySchema, error) {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if s, ok := r.schemas.Load(t); ok {
		return s.(*EntitySchema), nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.schemas.Load(t); ok {
		return s.(*EntitySchema), nil
	}

	s, err := build(t)
	if err != nil {
		return nil, err
	}
	r.schemas.Store(t, s)
	return s, nil
}

// GetFields returns the field descriptors of t
func (r *Registry) GetFields(t reflect.Type) ([]*Field, error) {
	s, err := r.ForType(t)
	if err != nil {
		return nil, err
	}
	return s.Fields, nil
}

// GetDefaultIncludes returns the default include paths of t
func (r *Registry) GetDefaultIncludes(t reflect.Type) []string {
	s, err := r.ForType(t)
	if err != nil {
		return nil
	}
	return s.DefaultIncludes
}

// GetSearchableFields returns the searchable columns of t
func (r *Registry) GetSearchableFields(t reflect.Type) []string {
	s, err := r.ForType(t)
	if err != nil {
		return nil
	}
	return s.SearchableFields
}

// IsRevisionable reports whether t records revisions
func (r *Registry) IsRevisionable(t reflect.Type) bool {
	s, err := r.ForType(t)
	if err != nil {
		return false
	}
	return s.Revisionable
}

var entityType = reflect.TypeOf((*Entity)(nil)).Elem()

func build(t reflect.Type) (*EntitySchema, error) {
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("schema: %s is not a struct", t)
	}
	if !reflect.PointerTo(t).Implements(entityType) {
		return nil, fmt.Errorf("schema: %s does not embed schema.Base", t)
	}

	s := &EntitySchema{
		Type:    t,
		Name:    t.Name(),
		Table:   TableName(t.Name()),
		byName:  make(map[string]*Field),
		byCamel: make(map[string]*Field),
		byGo:    make(map[string]*Field),
		byLower: make(map[string]*Field),
	}

	if err := collectFields(s, t, nil); err != nil {
		return nil, err
	}

	zero := reflect.New(t).Interface()
	if v, ok := zero.(TableNamer); ok {
		s.Table = v.TableName()
	}
	if v, ok := zero.(DefaultIncluder); ok {
		s.DefaultIncludes = v.DefaultIncludes()
	}
	if v, ok := zero.(Searchable); ok {
		s.SearchableFields = v.SearchableFields()
	}
	if v, ok := zero.(Revisionable); ok {
		s.Revisionable = v.Revisionable()
	}
	if v, ok := zero.(AppendOnly); ok {
		s.AppendOnly = v.AppendOnly()
	}

	if f, ok := s.byName["parent"]; ok && f.IsRelation() && f.Relation.Kind == BelongsTo && f.Relation.Target == t {
		s.Parent = f
	}

	return s, nil
}

func collectFields(s *EntitySchema, t reflect.Type, index []int) error {
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		idx := append(append([]int(nil), index...), i)

		if sf.Anonymous && sf.Type.Kind() == reflect.Struct && sf.Tag.Get("db") == "" {
			if err := collectFields(s, sf.Type, idx); err != nil {
				return err
			}
			continue
		}
		if !sf.IsExported() {
			continue
		}

		f, err := buildField(s, sf, idx)
		if err != nil {
			return fmt.Errorf("schema: %s.%s: %w", t.Name(), sf.Name, err)
		}
		if f == nil {
			continue
		}
		if _, dup := s.byName[f.Name]; dup {
			return fmt.Errorf("schema: %s declares %q twice", s.Name, f.Name)
		}

		s.Fields = append(s.Fields, f)
		s.byName[f.Name] = f
		s.byCamel[f.CamelName] = f
		s.byGo[f.GoName] = f
		s.byLower[strings.ToLower(f.CamelName)] = f
	}
	return nil
}

func buildField(s *EntitySchema, sf reflect.StructField, index []int) (*Field, error) {
	opts, err := parseRepoTag(sf.Tag.Get("repo"))
	if err != nil {
		return nil, err
	}

	dbTag := sf.Tag.Get("db")
	if dbTag == "-" && opts.caps == 0 {
		return nil, nil
	}

	name := dbTag
	if name == "" || name == "-" {
		name = SnakeCase(sf.Name)
	}
	if n, ok := opts.options["name"]; ok {
		name = n
	}

	base := sf.Type
	nullable := false
	if base.Kind() == reflect.Pointer {
		base = base.Elem()
		nullable = true
	}

	f := &Field{
		Name:      name,
		CamelName: CamelCase(name),
		GoName:    sf.Name,
		Index:     index,
		Type:      sf.Type,
		Kind:      kindOf(base),
		Nullable:  nullable,
		Caps:      opts.caps,
	}
	if dbTag == "-" && !f.Caps.Has(CapRelation) {
		f.Caps |= CapNotMapped
	}

	if f.Caps.Has(CapRelation) {
		rel, err := buildRelation(s, f, opts.options)
		if err != nil {
			return nil, err
		}
		f.Relation = rel
	}
	return f, nil
}

func buildRelation(s *EntitySchema, f *Field, options map[string]string) (*Relation, error) {
	t := f.Type
	rel := &Relation{}

	if t.Kind() == reflect.Slice {
		rel.Many = true
		t = t.Elem()
	}
	if t.Kind() == reflect.Pointer {
		rel.ElemPointer = true
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("relation target must be a struct, got %s", t)
	}
	rel.Target = t

	kind, err := parseRelationKind(options["kind"], rel.Many)
	if err != nil {
		return nil, err
	}
	if (kind == HasMany || kind == ManyToMany) != rel.Many {
		return nil, fmt.Errorf("relation kind %s does not match field type %s", kind, f.Type)
	}
	rel.Kind = kind

	owner := SnakeCase(s.Name)
	switch kind {
	case BelongsTo:
		rel.ForeignKey = f.Name + "_id"
	case HasOne, HasMany:
		rel.ForeignKey = owner + "_id"
	case ManyToMany:
		rel.JoinTable = owner + "_" + f.Name
		rel.ForeignKey = owner + "_id"
		rel.References = Singular(f.Name) + "_id"
	}

	if v, ok := options["fk"]; ok {
		rel.ForeignKey = v
	}
	if v, ok := options["join"]; ok {
		rel.JoinTable = v
	}
	if v, ok := options["ref"]; ok {
		rel.References = v
	}
	return rel, nil
}
