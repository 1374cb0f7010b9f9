package tree

import (
	"fmt"
	"slices"
	"strconv"

	"github.com/openmined/livedb/internal/dbpath"
)

// link is one step of a Model's lineage: the ancestor node and the key it is stored under.
type link struct {
	id  NodeID
	key string
}

// Model is a handle to a location in one version of the tree. Handles are values; deriving a
// new version never changes what an existing handle sees.
type Model struct {
	arena   *Arena
	id      NodeID
	key     string
	lineage []link // ancestors from the root down, non-owning
}

// New returns an empty root in a fresh arena.
func New() Model {
	return Model{arena: NewArena(), id: noNode}
}

// FromValue builds a root holding v.
func FromValue(v any) Model {
	return New().SetData(v)
}

// Key returns the last path segment of the location, "" for the root.
func (m Model) Key() string {
	return m.key
}

// Path returns the location of the handle.
func (m Model) Path() dbpath.Path {
	segments := make([]string, 0, len(m.lineage))
	for i := 1; i < len(m.lineage); i++ {
		segments = append(segments, m.lineage[i].key)
	}
	if len(m.lineage) > 0 {
		segments = append(segments, m.key)
	}
	return dbpath.New(segments...)
}

// Exists reports whether there is data at the location.
func (m Model) Exists() bool {
	return m.arena != nil && m.id != noNode
}

// Hash is the content hash of the subtree, "" when empty.
func (m Model) Hash() string {
	if !m.Exists() {
		return ""
	}
	return m.arena.get(m.id).hash
}

// Equal compares content hashes.
func (m Model) Equal(other Model) bool {
	return m.Hash() == other.Hash()
}

// IsLeaf reports whether the location holds a scalar.
func (m Model) IsLeaf() bool {
	return m.Exists() && m.arena.get(m.id).children == nil
}

// ChildKeys returns the keys of the direct children in key order.
func (m Model) ChildKeys() []string {
	if !m.Exists() {
		return nil
	}
	return slices.Clone(m.arena.get(m.id).keys)
}

// NumChildren returns the number of direct children.
func (m Model) NumChildren() int {
	if !m.Exists() {
		return 0
	}
	return len(m.arena.get(m.id).keys)
}

// ChildByKey returns the handle of a direct child. The child may not exist.
func (m Model) ChildByKey(key string) Model {
	child := Model{
		arena:   m.arena,
		id:      noNode,
		key:     key,
		lineage: append(slices.Clip(m.lineage), link{id: m.id, key: m.key}),
	}
	if m.Exists() {
		if id, ok := m.arena.get(m.id).children[key]; ok {
			child.id = id
		}
	}
	return child
}

// Child navigates down a relative path.
func (m Model) Child(p dbpath.Path) Model {
	cur := m
	for i := 0; i < p.Len(); i++ {
		cur = cur.ChildByKey(p.Segment(i))
	}
	return cur
}

// Parent returns the handle this one was navigated from. The root has no parent.
func (m Model) Parent() (Model, bool) {
	n := len(m.lineage)
	if n == 0 {
		return Model{}, false
	}
	up := m.lineage[n-1]
	return Model{arena: m.arena, id: up.id, key: up.key, lineage: m.lineage[:n-1]}, true
}

// Ancestor returns the ancestor at the given depth, 0 being the root.
func (m Model) Ancestor(depth int) (Model, bool) {
	if depth < 0 || depth > len(m.lineage) {
		return Model{}, false
	}
	cur := m
	for len(cur.lineage) > depth {
		cur, _ = cur.Parent()
	}
	return cur, true
}

// Depth is the number of segments between the root and the location.
func (m Model) Depth() int {
	return len(m.lineage)
}

// Clone returns a handle at the same location. Without keepData the clone is empty.
func (m Model) Clone(keepData bool) Model {
	c := m
	c.lineage = slices.Clip(m.lineage)
	if !keepData {
		c.id = noNode
	}
	if c.arena == nil {
		c.arena = NewArena()
	}
	return c
}

// SetData replaces the data at the handle's location with v. v must be made of the shapes
// produced by JSON decoding: nil, bool, string, numbers, []any and map[string]any.
func (m Model) SetData(v any) Model {
	c := m.Clone(false)
	c.id = c.arena.build(v)
	return c
}

// Adopt returns a handle at m's location holding the data of other, which may come from any
// version or arena.
func (m Model) Adopt(other Model) Model {
	c := m.Clone(false)
	if other.Exists() {
		c.id = c.arena.importNode(other.arena, other.id)
	}
	return c
}

// Reroot builds the ancestors of the handle so that its data becomes part of a new version and
// returns that version's root. Siblings along the way are shared, not copied.
func (m Model) Reroot() Model {
	cur := m.Clone(true)
	for i := len(m.lineage) - 1; i >= 0; i-- {
		up := m.lineage[i]

		children := make(map[string]NodeID)
		if up.id != noNode {
			for k, id := range cur.arena.get(up.id).children {
				children[k] = id
			}
		}
		children[cur.key] = cur.id

		cur = Model{
			arena:   cur.arena,
			id:      cur.arena.newInner(children),
			key:     up.key,
			lineage: m.lineage[:i:i],
		}
	}
	return cur
}

// Compact copies the data reachable from a root handle into a fresh arena, dropping every node
// that older versions kept alive. Handles into the old arena stay valid.
func (m Model) Compact() Model {
	if len(m.lineage) != 0 {
		panic("tree: compact on a non-root handle")
	}
	fresh := NewArena()
	return Model{arena: fresh, id: fresh.importNode(m.arena, m.id), key: m.key}
}

// ArenaLen is the number of entries in the arena backing the handle.
func (m Model) ArenaLen() int {
	if m.arena == nil {
		return 0
	}
	return m.arena.Len()
}

// Value exports the subtree as JSON shaped data: nil, scalars or map[string]any.
func (m Model) Value() any {
	if !m.Exists() {
		return nil
	}
	return m.arena.export(m.id)
}

func (m Model) String() string {
	return fmt.Sprintf("%s=%v", m.Path(), m.Value())
}

func (a *Arena) export(id NodeID) any {
	e := a.get(id)
	if e.children == nil {
		return e.leaf
	}
	out := make(map[string]any, len(e.children))
	for k, cid := range e.children {
		out[k] = a.export(cid)
	}
	return out
}

func (a *Arena) build(v any) NodeID {
	switch x := v.(type) {
	case nil:
		return noNode
	case map[string]any:
		if inner, ok := x[".value"]; ok {
			return a.build(inner)
		}
		children := make(map[string]NodeID, len(x))
		for k, cv := range x {
			if k == ".priority" {
				continue
			}
			children[k] = a.build(cv)
		}
		return a.newInner(children)
	case []any:
		children := make(map[string]NodeID, len(x))
		for i, cv := range x {
			children[strconv.Itoa(i)] = a.build(cv)
		}
		return a.newInner(children)
	case string, bool, float64:
		return a.newLeaf(x)
	case float32:
		return a.newLeaf(float64(x))
	case int:
		return a.newLeaf(float64(x))
	case int32:
		return a.newLeaf(float64(x))
	case int64:
		return a.newLeaf(float64(x))
	case uint64:
		return a.newLeaf(float64(x))
	case interface{ Float64() (float64, error) }:
		f, err := x.Float64()
		if err != nil {
			return a.newLeaf(fmt.Sprint(x))
		}
		return a.newLeaf(f)
	default:
		return a.newLeaf(fmt.Sprint(x))
	}
}
