package tree

import (
	"slices"
	"testing"

	"github.com/openmined/livedb/internal/dbpath"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample() Model {
	return FromValue(map[string]any{
		"users": map[string]any{
			"alice": map[string]any{"age": float64(30), "name": "Alice"},
			"bob":   map[string]any{"age": float64(25), "name": "Bob"},
		},
		"flag": true,
	})
}

func TestModel_ChildAndValue(t *testing.T) {
	root := sample()

	alice := root.Child(dbpath.Parse("/users/alice"))
	require.True(t, alice.Exists())
	assert.Equal(t, "alice", alice.Key())
	assert.Equal(t, "/users/alice", alice.Path().String())
	assert.Equal(t, map[string]any{"age": float64(30), "name": "Alice"}, alice.Value())
	assert.Equal(t, []string{"age", "name"}, alice.ChildKeys())

	missing := root.Child(dbpath.Parse("/users/carol/age"))
	assert.False(t, missing.Exists())
	assert.Nil(t, missing.Value())
	assert.Equal(t, "/users/carol/age", missing.Path().String())

	parent, ok := alice.Parent()
	require.True(t, ok)
	assert.Equal(t, "users", parent.Key())
	assert.Equal(t, 2, parent.NumChildren())

	_, ok = root.Parent()
	assert.False(t, ok)
}

func TestModel_HashIsContentBased(t *testing.T) {
	a := sample()
	b := sample()
	assert.NotEmpty(t, a.Hash())
	assert.Equal(t, a.Hash(), b.Hash())

	c := FromValue(map[string]any{"flag": true})
	assert.NotEqual(t, a.Hash(), c.Hash())
	assert.Equal(t, "", New().Hash())

	// numbers and strings with the same text differ
	assert.NotEqual(t, FromValue("1").Hash(), FromValue(float64(1)).Hash())
}

func TestModel_RerootSharesSiblings(t *testing.T) {
	root := sample()
	bobBefore := root.Child(dbpath.Parse("/users/bob"))

	updated := root.Child(dbpath.Parse("/users/alice/age")).SetData(float64(31)).Reroot()

	assert.Equal(t, float64(31), updated.Child(dbpath.Parse("/users/alice/age")).Value())
	// old version untouched
	assert.Equal(t, float64(30), root.Child(dbpath.Parse("/users/alice/age")).Value())
	// untouched sibling is the very same node
	bobAfter := updated.Child(dbpath.Parse("/users/bob"))
	assert.Equal(t, bobBefore.id, bobAfter.id)
	assert.Equal(t, root.Child(dbpath.Parse("/flag")).id, updated.Child(dbpath.Parse("/flag")).id)
}

func TestModel_RerootCreatesMissingAncestors(t *testing.T) {
	root := New()
	updated := root.Child(dbpath.Parse("/a/b/c")).SetData("x").Reroot()
	assert.Equal(t, map[string]any{"a": map[string]any{"b": map[string]any{"c": "x"}}}, updated.Value())
}

func TestModel_RerootRemovesEmptiedAncestors(t *testing.T) {
	root := FromValue(map[string]any{"a": map[string]any{"b": "x"}, "c": "y"})
	updated := root.Child(dbpath.Parse("/a/b")).SetData(nil).Reroot()
	assert.Equal(t, map[string]any{"c": "y"}, updated.Value())
	assert.False(t, updated.Child(dbpath.Parse("/a")).Exists())
}

func TestModel_AdoptAcrossArenas(t *testing.T) {
	root := sample()
	other := FromValue(map[string]any{"x": float64(1)})

	updated := root.Child(dbpath.Parse("/users/bob")).Adopt(other).Reroot()
	assert.Equal(t, map[string]any{"x": float64(1)}, updated.Child(dbpath.Parse("/users/bob")).Value())
	assert.Equal(t, other.Hash(), updated.Child(dbpath.Parse("/users/bob")).Hash())
}

func TestModel_Compact(t *testing.T) {
	root := sample()
	for i := 0; i < 10; i++ {
		root = root.Child(dbpath.Parse("/counter")).SetData(float64(i)).Reroot()
	}
	before := root.ArenaLen()
	compacted := root.Compact()

	assert.Less(t, compacted.ArenaLen(), before)
	assert.Equal(t, root.Hash(), compacted.Hash())
	assert.Equal(t, root.Value(), compacted.Value())
}

func TestModel_ArraysAndSpecialKeys(t *testing.T) {
	m := FromValue([]any{"a", "b"})
	assert.Equal(t, map[string]any{"0": "a", "1": "b"}, m.Value())

	m = FromValue(map[string]any{".value": "v", ".priority": float64(1)})
	assert.Equal(t, "v", m.Value())
	assert.True(t, m.IsLeaf())

	assert.False(t, FromValue(map[string]any{}).Exists())
}

func TestCompareKeys(t *testing.T) {
	keys := []string{"b", "10", "a", "2", "-1", "01"}
	slices.SortFunc(keys, CompareKeys)
	assert.Equal(t, []string{"-1", "2", "10", "01", "a", "b"}, keys)
}
