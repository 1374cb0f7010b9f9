// Package query pairs a database path with the optional ordering/limit parameters of a subscription.
package query

import (
	"fmt"
	"strconv"

	"github.com/openmined/livedb/internal/dbpath"
)

// ViewFrom selects which end of the ordered children a limit is applied from.
type ViewFrom string

const (
	ViewFromLeft  ViewFrom = "l" // limitToFirst
	ViewFromRight ViewFrom = "r" // limitToLast
)

const (
	IndexKey   = ".key"
	IndexValue = ".value"
)

// Params are the filter parameters of a query. The zero value means "no filter".
type Params struct {
	Limit    int
	ViewFrom ViewFrom
	// Index is ".key", ".value" or the name of a child key to order by
	Index string
}

// IsZero reports whether no parameter is set.
func (p Params) IsZero() bool {
	return p == Params{}
}

// Query is a path plus optional filter parameters.
type Query struct {
	Path   dbpath.Path
	Params Params
}

// New returns an unfiltered query for path.
func New(path dbpath.Path) Query {
	return Query{Path: path}
}

// WithParams returns a query for path filtered by params.
func WithParams(path dbpath.Path, params Params) Query {
	return Query{Path: path, Params: params}
}

// HasQuery distinguishes a filtered subscription from a plain path subscription.
func (q Query) HasQuery() bool {
	return !q.Params.IsZero()
}

// Equal compares path and parameters.
func (q Query) Equal(other Query) bool {
	return q.Path.Equal(other.Path) && q.Params == other.Params
}

// Object returns the protocol level representation `{l, vf, i}`. Unset fields are omitted.
func (q Query) Object() map[string]any {
	obj := make(map[string]any, 3)
	if q.Params.Limit > 0 {
		obj["l"] = q.Params.Limit
	}
	if q.Params.ViewFrom != "" {
		obj["vf"] = string(q.Params.ViewFrom)
	}
	if q.Params.Index != "" {
		obj["i"] = q.Params.Index
	}
	return obj
}

func (q Query) String() string {
	if !q.HasQuery() {
		return q.Path.String()
	}
	return fmt.Sprintf("%s?l=%d&vf=%s&i=%s", q.Path, q.Params.Limit, q.Params.ViewFrom, q.Params.Index)
}

// FromObject rebuilds a query from its protocol representation, as found in server pushes.
// A nil object yields an unfiltered query.
func FromObject(path dbpath.Path, obj map[string]any) (Query, error) {
	q := New(path)
	if len(obj) == 0 {
		return q, nil
	}

	if raw, ok := obj["l"]; ok {
		limit, err := toInt(raw)
		if err != nil {
			return q, fmt.Errorf("query: invalid limit: %w", err)
		}
		q.Params.Limit = limit
	}
	if raw, ok := obj["vf"]; ok {
		vf, _ := raw.(string)
		switch ViewFrom(vf) {
		case ViewFromLeft, ViewFromRight:
			q.Params.ViewFrom = ViewFrom(vf)
		default:
			return q, fmt.Errorf("query: invalid view from %q", vf)
		}
	}
	if raw, ok := obj["i"]; ok {
		idx, ok := raw.(string)
		if !ok {
			return q, fmt.Errorf("query: invalid index %v", raw)
		}
		q.Params.Index = idx
	}
	return q, nil
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case uint64:
		return int(n), nil
	case float64:
		return int(n), nil
	case string:
		return strconv.Atoi(n)
	case interface{ Int64() (int64, error) }:
		i, err := n.Int64()
		return int(i), err
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}
