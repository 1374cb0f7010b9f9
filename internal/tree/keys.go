package tree

import (
	"math"
	"slices"
	"strconv"
	"strings"
)

// CompareKeys orders keys the way the server does: keys that are 32-bit integers come first in
// numeric order, all other keys follow in lexicographic order.
func CompareKeys(a, b string) int {
	ai, aInt := intKey(a)
	bi, bInt := intKey(b)

	switch {
	case aInt && bInt:
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		}
		return 0
	case aInt:
		return -1
	case bInt:
		return 1
	default:
		return strings.Compare(a, b)
	}
}

func intKey(k string) (int64, bool) {
	n, err := strconv.ParseInt(k, 10, 64)
	if err != nil || n < math.MinInt32 || n > math.MaxInt32 || strconv.FormatInt(n, 10) != k {
		return 0, false
	}
	return n, true
}

func sortedKeys(m map[string]NodeID) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, CompareKeys)
	return keys
}
