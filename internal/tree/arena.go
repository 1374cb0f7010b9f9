// Package tree stores the locally cached copy of the database as an immutable-per-version tree.
//
// Nodes live in an append-only Arena and are addressed by NodeID. A node owns its children
// through key to id slots and never points at its parent; the way up is carried by the Model
// handle that navigated down (its lineage). Every update creates fresh nodes for the changed
// location and its ancestors and shares every untouched subtree with the previous version.
package tree

import (
	"sync"
)

// NodeID addresses an entry in an Arena.
type NodeID int32

// noNode marks a location without data.
const noNode NodeID = -1

type entry struct {
	leaf     any // string, float64 or bool; nil for inner nodes
	children map[string]NodeID
	keys     []string // children keys in key order
	hash     string
}

// Arena is the append-only node storage shared by every version derived from the same root.
// Entries are immutable once added, so readers only need the lock to guard slice growth.
type Arena struct {
	mu      sync.RWMutex
	entries []entry
}

// NewArena creates an empty arena.
func NewArena() *Arena {
	return &Arena{entries: make([]entry, 0, 64)}
}

// Len returns the number of entries ever allocated in the arena, live or not.
func (a *Arena) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.entries)
}

func (a *Arena) get(id NodeID) entry {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.entries[id]
}

func (a *Arena) add(e entry) NodeID {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
	return NodeID(len(a.entries) - 1)
}

func (a *Arena) newLeaf(v any) NodeID {
	return a.add(entry{leaf: v, hash: leafHash(v)})
}

// newInner creates an inner node owning the given children. Empty child ids are dropped and
// a node left without children is no node at all.
func (a *Arena) newInner(children map[string]NodeID) NodeID {
	for k, id := range children {
		if id == noNode {
			delete(children, k)
		}
	}
	if len(children) == 0 {
		return noNode
	}

	keys := sortedKeys(children)
	hashes := make([]string, len(keys))
	for i, k := range keys {
		hashes[i] = a.get(children[k]).hash
	}

	return a.add(entry{
		children: children,
		keys:     keys,
		hash:     innerHash(keys, hashes),
	})
}

// importNode deep copies the subtree rooted at id in src into a.
func (a *Arena) importNode(src *Arena, id NodeID) NodeID {
	if id == noNode {
		return noNode
	}
	if src == a {
		return id
	}

	e := src.get(id)
	if e.children == nil {
		return a.newLeaf(e.leaf)
	}

	children := make(map[string]NodeID, len(e.children))
	for k, cid := range e.children {
		children[k] = a.importNode(src, cid)
	}
	return a.newInner(children)
}
