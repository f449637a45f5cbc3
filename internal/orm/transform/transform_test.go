package transform

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/conduit-lang/datalayer/internal/orm/schema"
	"github.com/conduit-lang/datalayer/internal/security"
)

type owner struct {
	schema.Base
	Name         string               `db:"name"`
	Secret       string               `db:"secret" repo:"password"`
	Settings     string               `db:"settings" repo:"json"`
	Meta         *string              `db:"meta" repo:"simplejson"`
	StartsAt     *time.Time           `db:"starts_at"`
	Birthday     *time.Time           `db:"birthday" repo:"notz"`
	Period       time.Duration        `db:"period"`
	Pets         []*pet               `repo:"relation,kind=has_many"`
	Translations []*ownerTranslation  `repo:"relation,kind=has_many"`
	Tags         []*label             `repo:"relation,kind=many2many"`
	Note         string               `db:"-" repo:"notmapped"`
}

type pet struct {
	schema.Base
	Name    string `db:"name"`
	OwnerID int64  `db:"owner_id"`
	Owner   *owner `repo:"relation,kind=belongs_to"`
}

type ownerTranslation struct {
	schema.Base
	OwnerID int64  `db:"owner_id"`
	Locale  string `db:"locale"`
	Title   string `db:"title"`
}

type label struct {
	schema.Base
	Title string `db:"title"`
}

type priority int

const (
	priorityLow priority = iota + 1
	priorityHigh
)

func (p *priority) UnmarshalText(text []byte) error {
	switch string(text) {
	case "low":
		*p = priorityLow
	case "high":
		*p = priorityHigh
	default:
		return fmt.Errorf("unknown priority %q", text)
	}
	return nil
}

type ticket struct {
	schema.Base
	Title    string        `db:"title"`
	Priority priority      `db:"priority"`
	Fallback *priority     `db:"fallback"`
	Period   time.Duration `db:"period"`
}

func plainHasher() Hasher {
	return HasherFunc(func(p string) (string, error) { return "hashed:" + p, nil })
}

func TestTransform_MasksPasswordAndUsesCamelKeys(t *testing.T) {
	tr := NewTransformer(schema.NewRegistry(), Options{})

	m, err := tr.Transform(&owner{Base: schema.Base{ID: 7}, Name: "Ada", Secret: "$2a$..."}, 0)
	require.NoError(t, err)

	secret, _ := m.Get("secret")
	assert.Equal(t, "***", secret)
	name, _ := m.Get("name")
	assert.Equal(t, "Ada", name)
	assert.True(t, m.Has("startsAt"))
	assert.True(t, m.Has("createdAt"))
	assert.Equal(t, "id", m.Keys()[0])
}

func TestTransform_TimezoneShift(t *testing.T) {
	starts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	birthday := time.Date(1990, 6, 1, 0, 0, 0, 0, time.UTC)
	o := &owner{Base: schema.Base{ID: 1}, StartsAt: &starts, Birthday: &birthday}

	tr := NewTransformer(schema.NewRegistry(), Options{TimezoneHandling: true})
	m, err := tr.Transform(o, 2*time.Hour)
	require.NoError(t, err)

	v, _ := m.Get("startsAt")
	shifted := v.(time.Time)
	assert.Equal(t, 14, shifted.Hour())
	assert.True(t, shifted.Equal(starts))

	v, _ = m.Get("birthday")
	assert.Equal(t, 0, v.(time.Time).Hour())

	tr = NewTransformer(schema.NewRegistry(), Options{})
	m, err = tr.Transform(o, 2*time.Hour)
	require.NoError(t, err)
	v, _ = m.Get("startsAt")
	assert.Equal(t, 12, v.(time.Time).Hour())
}

func TestTransform_JSONFields(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	tr := NewTransformer(schema.NewRegistry(), Options{Logger: zap.New(core)})

	meta := "{'a':1}"
	m, err := tr.Transform(&owner{Base: schema.Base{ID: 1}, Settings: "{'theme':'dark'}", Meta: &meta}, 0)
	require.NoError(t, err)
	settings, _ := m.Get("settings")
	assert.Equal(t, map[string]interface{}{"theme": "dark"}, settings)
	decoded, _ := m.Get("meta")
	assert.Equal(t, map[string]interface{}{"a": float64(1)}, decoded)

	m, err = tr.Transform(&owner{Base: schema.Base{ID: 2}, Settings: "['x','y']"}, 0)
	require.NoError(t, err)
	settings, _ = m.Get("settings")
	assert.Equal(t, []interface{}{"x", "y"}, settings)

	bad := "not json"
	m, err = tr.Transform(&owner{Base: schema.Base{ID: 3}, Settings: "oops{", Meta: &bad}, 0)
	require.NoError(t, err)
	settings, _ = m.Get("settings")
	assert.Equal(t, "oops{", settings)
	assert.False(t, m.Has("meta"))
	assert.Equal(t, 1, logs.FilterMessage("stored json field is not valid JSON").Len())
}

func TestTransform_CyclesTerminate(t *testing.T) {
	o := &owner{Base: schema.Base{ID: 1}, Name: "Ada"}
	p := &pet{Base: schema.Base{ID: 10}, Name: "Rex", OwnerID: 1, Owner: o}
	o.Pets = []*pet{p}

	tr := NewTransformer(schema.NewRegistry(), Options{})
	m, err := tr.Transform(o, 0)
	require.NoError(t, err)

	pets, _ := m.Get("pets")
	require.Len(t, pets, 1)
	petMap := pets.([]*Map)[0]
	back, ok := petMap.Get("owner")
	require.True(t, ok)
	backMap := back.(*Map)
	name, _ := backMap.Get("name")
	assert.Equal(t, "Ada", name)
	assert.False(t, backMap.Has("pets"))

	raw, err := json.Marshal(m)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(raw), `{"id":1,`))
}

func TestTransform_Translations(t *testing.T) {
	o := &owner{
		Base: schema.Base{ID: 1},
		Translations: []*ownerTranslation{
			{Base: schema.Base{ID: 1}, OwnerID: 1, Locale: "en", Title: "Hello"},
			{Base: schema.Base{ID: 2}, OwnerID: 1, Locale: "de", Title: "Hallo"},
		},
	}

	m, err := NewTransformer(schema.NewRegistry(), Options{}).Transform(o, 0)
	require.NoError(t, err)

	assert.False(t, m.Has("translations"))
	de, ok := m.Get("de")
	require.True(t, ok)
	title, _ := de.(*Map).Get("title")
	assert.Equal(t, "Hallo", title)
	assert.True(t, m.Has("en"))
}

func TestTransformCollection(t *testing.T) {
	tr := NewTransformer(schema.NewRegistry(), Options{})
	shared := &label{Base: schema.Base{ID: 3}, Title: "vip"}
	items := []*owner{
		{Base: schema.Base{ID: 1}, Tags: []*label{shared}},
		{Base: schema.Base{ID: 2}, Tags: []*label{shared}},
	}

	out, err := tr.TransformCollection(items, 0)
	require.NoError(t, err)
	require.Len(t, out, 2)
	for _, m := range out {
		tags, _ := m.Get("tags")
		require.Len(t, tags, 1)
	}

	_, err = tr.TransformCollection(&owner{}, 0)
	assert.Error(t, err)
}

func TestConstruct_ScalarsAndPassword(t *testing.T) {
	c := NewConstructor(schema.NewRegistry(), Options{Hasher: plainHasher(), TimezoneHandling: true})

	var o owner
	err := c.Construct(map[string]interface{}{
		"name":     "Ada",
		"secret":   "pw",
		"startsAt": "2024-03-01 14:00:00",
		"birthday": "1990-06-01",
		"period":   "01:30",
		"unknown":  "ignored",
	}, &o, 2*time.Hour)
	require.NoError(t, err)

	assert.Equal(t, "Ada", o.Name)
	assert.Equal(t, "hashed:pw", o.Secret)
	require.NotNil(t, o.StartsAt)
	assert.Equal(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), *o.StartsAt)
	require.NotNil(t, o.Birthday)
	assert.Equal(t, time.Date(1990, 6, 1, 0, 0, 0, 0, time.UTC), *o.Birthday)
	assert.Equal(t, 90*time.Minute, o.Period)
}

func TestConstruct_EmptyStringResetsField(t *testing.T) {
	c := NewConstructor(schema.NewRegistry(), Options{Hasher: plainHasher()})
	now := time.Now()
	o := owner{Name: "Ada", StartsAt: &now}

	require.NoError(t, c.Construct(map[string]interface{}{"name": "", "startsAt": ""}, &o, 0))
	assert.Empty(t, o.Name)
	assert.Nil(t, o.StartsAt)
}

func TestConstruct_JSONFieldsStoredFlattened(t *testing.T) {
	c := NewConstructor(schema.NewRegistry(), Options{Hasher: plainHasher()})

	var o owner
	require.NoError(t, c.Construct(map[string]interface{}{
		"settings": map[string]interface{}{"theme": "dark"},
		"meta":     "{\n\"a\": 1\n}",
	}, &o, 0))

	assert.Equal(t, "{'theme':'dark'}", o.Settings)
	require.NotNil(t, o.Meta)
	assert.Equal(t, "{'a': 1}", *o.Meta)

	m, err := NewTransformer(schema.NewRegistry(), Options{}).Transform(&o, 0)
	require.NoError(t, err)
	settings, _ := m.Get("settings")
	assert.Equal(t, map[string]interface{}{"theme": "dark"}, settings)
}

func TestConstruct_RelationIDsBecomePending(t *testing.T) {
	c := NewConstructor(schema.NewRegistry(), Options{Hasher: plainHasher()})

	var o owner
	require.NoError(t, c.Construct(map[string]interface{}{
		"tags": []interface{}{float64(1), "2", map[string]interface{}{"id": json.Number("3")}},
		"relations": map[string]interface{}{
			"pets": []interface{}{},
		},
	}, &o, 0))

	assert.Equal(t, []int64{1, 2, 3}, o.PendingRelations["tags"])
	ids, ok := o.PendingRelations["pets"]
	assert.True(t, ok)
	assert.Empty(t, ids)
	assert.Nil(t, o.Tags)
}

func TestConstruct_RoundTrip(t *testing.T) {
	starts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	in := &owner{Base: schema.Base{ID: 4}, Name: "Ada", StartsAt: &starts, Period: time.Hour}

	opts := Options{TimezoneHandling: true, Hasher: plainHasher()}
	m, err := NewTransformer(schema.NewRegistry(), opts).Transform(in, -5*time.Hour)
	require.NoError(t, err)

	var out owner
	require.NoError(t, NewConstructor(schema.NewRegistry(), opts).Construct(m.ToMap(), &out, -5*time.Hour))

	assert.Equal(t, in.ID, out.ID)
	assert.Equal(t, in.Name, out.Name)
	require.NotNil(t, out.StartsAt)
	assert.True(t, starts.Equal(*out.StartsAt))
	assert.Equal(t, time.Hour, out.Period)
}

func TestConstruct_RejectsNonPointer(t *testing.T) {
	c := NewConstructor(schema.NewRegistry(), Options{})
	err := c.Construct(map[string]interface{}{}, owner{}, 0)
	assert.ErrorIs(t, err, ErrConstruct)
}

func TestBcryptHasherIsDefault(t *testing.T) {
	c := NewConstructor(schema.NewRegistry(), Options{})
	var o owner
	require.NoError(t, c.Construct(map[string]interface{}{"secret": "hunter2"}, &o, 0))
	assert.True(t, security.CheckPassword("hunter2", o.Secret))
}

func TestConstruct_EnumByName(t *testing.T) {
	c := NewConstructor(schema.NewRegistry(), Options{})

	var tk ticket
	require.NoError(t, c.Construct(map[string]interface{}{
		"title":    "Leak",
		"priority": "high",
		"fallback": "low",
	}, &tk, 0))
	assert.Equal(t, priorityHigh, tk.Priority)
	require.NotNil(t, tk.Fallback)
	assert.Equal(t, priorityLow, *tk.Fallback)

	tk = ticket{}
	require.NoError(t, c.Construct(map[string]interface{}{"priority": 1}, &tk, 0))
	assert.Equal(t, priorityLow, tk.Priority)

	err := c.Construct(map[string]interface{}{"priority": "urgent"}, &ticket{}, 0)
	assert.Error(t, err)
}

func TestConstruct_InvalidDurationIsSkipped(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	c := NewConstructor(schema.NewRegistry(), Options{Logger: zap.New(core)})

	var tk ticket
	err := c.Construct(map[string]interface{}{
		"title":  "Drill",
		"period": "nope",
	}, &tk, 0)
	require.NoError(t, err)
	assert.Equal(t, "Drill", tk.Title)
	assert.Zero(t, tk.Period)
	assert.Equal(t, 1, logs.FilterMessage("invalid duration value ignored").Len())
}

func TestConstruct_SystemTimestampsNormalizeToUTC(t *testing.T) {
	c := NewConstructor(schema.NewRegistry(), Options{TimezoneHandling: true})
	local := time.Date(2024, 3, 1, 14, 0, 0, 0, time.FixedZone("UTC+2", 2*60*60))

	var o owner
	require.NoError(t, c.Construct(map[string]interface{}{
		"createdAt": local,
		"startsAt":  time.Date(2024, 3, 1, 14, 0, 0, 0, time.UTC),
	}, &o, 2*time.Hour))

	require.NotNil(t, o.CreatedAt)
	assert.Equal(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), *o.CreatedAt)
	assert.Equal(t, time.UTC, o.CreatedAt.Location())
	require.NotNil(t, o.StartsAt)
	assert.Equal(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), *o.StartsAt)
}
