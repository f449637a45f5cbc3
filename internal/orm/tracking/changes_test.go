package tracking

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDiff(t *testing.T) {
	before := map[string]interface{}{
		"name":   "Alpha",
		"code":   "A",
		"status": "draft",
		"notes":  "old",
		"tags":   []interface{}{"x"},
	}
	after := map[string]interface{}{
		"name":   "Renamed",
		"code":   "A",
		"status": "published",
		"tags":   []interface{}{"x"},
		"owner":  int64(7),
	}

	cs := Diff(before, after)
	assert.True(t, cs.HasChanges())
	assert.Equal(t, []string{"name", "notes", "owner", "status"}, cs.ChangedFields())
	assert.False(t, cs.Changed("code"))
	assert.False(t, cs.Changed("tags"))

	assert.True(t, cs.ChangedTo("status", "published"))
	assert.True(t, cs.ChangedFrom("status", "draft"))
	assert.False(t, cs.ChangedTo("status", "draft"))

	notes := cs.Change("notes")
	assert.Equal(t, "old", notes.OldValue)
	assert.Nil(t, notes.NewValue)

	assert.Nil(t, cs.Change("owner").OldValue)
	assert.Equal(t, map[string]interface{}{
		"name":   "Renamed",
		"notes":  nil,
		"owner":  int64(7),
		"status": "published",
	}, cs.Data())
}

func TestDiff_TimesCompareByInstant(t *testing.T) {
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	cs := Diff(
		map[string]interface{}{"due": at},
		map[string]interface{}{"due": at.In(time.FixedZone("+02:00", 2*3600))},
	)
	assert.False(t, cs.HasChanges())

	cs = Diff(map[string]interface{}{"due": at}, map[string]interface{}{"due": at.Add(time.Minute)})
	assert.True(t, cs.Changed("due"))
}

func TestDiff_CopiesValues(t *testing.T) {
	after := map[string]interface{}{"meta": map[string]interface{}{"k": "v"}}
	cs := Diff(nil, after)
	after["meta"].(map[string]interface{})["k"] = "mutated"

	assert.Equal(t, map[string]interface{}{"k": "v"}, cs.Change("meta").NewValue)
}

func TestNilChangeSet(t *testing.T) {
	var cs *ChangeSet
	assert.False(t, cs.HasChanges())
	assert.False(t, cs.Changed("name"))
	assert.Nil(t, cs.ChangedFields())
	assert.Empty(t, cs.Data())
}
