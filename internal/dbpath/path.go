// Package dbpath implements the immutable location type used to address nodes in the database tree.
package dbpath

import (
	"slices"
	"strings"
)

const separator = "/"

// Path is an immutable ordered sequence of key segments. The zero value is the root.
type Path struct {
	segments []string
}

// Root returns the root path.
func Root() Path {
	return Path{}
}

// Parse splits a slash separated string into a Path. Empty segments are dropped,
// so "", "/" and "//" all parse to the root.
func Parse(s string) Path {
	parts := strings.Split(s, separator)
	segments := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			segments = append(segments, p)
		}
	}
	return Path{segments: segments}
}

// New builds a Path from individual segments.
func New(segments ...string) Path {
	return Parse(strings.Join(segments, separator))
}

func (p Path) Len() int {
	return len(p.segments)
}

func (p Path) IsRoot() bool {
	return len(p.segments) == 0
}

// Segment returns the i-th segment.
func (p Path) Segment(i int) string {
	return p.segments[i]
}

// Segments returns a copy of the segments.
func (p Path) Segments() []string {
	return slices.Clone(p.segments)
}

// Key returns the last segment, or "" for the root.
func (p Path) Key() string {
	if len(p.segments) == 0 {
		return ""
	}
	return p.segments[len(p.segments)-1]
}

// Parent returns the path without its last segment. The parent of the root is the root.
func (p Path) Parent() Path {
	if len(p.segments) == 0 {
		return p
	}
	return Path{segments: p.segments[:len(p.segments)-1:len(p.segments)-1]}
}

// Child derives a new path with the given relative path appended.
func (p Path) Child(rel string) Path {
	extra := Parse(rel)
	if extra.IsRoot() {
		return p
	}
	segments := make([]string, 0, len(p.segments)+len(extra.segments))
	segments = append(segments, p.segments...)
	segments = append(segments, extra.segments...)
	return Path{segments: segments}
}

// Prefix returns the first n segments of p.
func (p Path) Prefix(n int) Path {
	n = min(max(n, 0), len(p.segments))
	return Path{segments: p.segments[:n:n]}
}

// Equal reports whether both paths have the same segment sequence.
func (p Path) Equal(other Path) bool {
	return slices.Equal(p.segments, other.segments)
}

// IncludesOrEqualTo reports whether p is an ancestor of, or equal to, other.
func (p Path) IncludesOrEqualTo(other Path) bool {
	if len(p.segments) > len(other.segments) {
		return false
	}
	return slices.Equal(p.segments, other.segments[:len(p.segments)])
}

// Includes reports whether p is a strict ancestor of other.
func (p Path) Includes(other Path) bool {
	return len(p.segments) < len(other.segments) && p.IncludesOrEqualTo(other)
}

// Relative returns other expressed relative to p. It returns false if p does not include other.
func (p Path) Relative(other Path) (Path, bool) {
	if !p.IncludesOrEqualTo(other) {
		return Path{}, false
	}
	return Path{segments: other.segments[len(p.segments):]}, true
}

// String serializes the path with a leading slash, the root being "/".
func (p Path) String() string {
	return separator + strings.Join(p.segments, separator)
}
