package tree

import (
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"math"
	"strconv"
	"strings"
)

// leafHash hashes a scalar as "<type>:<repr>", numbers rendered as big endian IEEE 754 hex.
func leafHash(v any) string {
	var text string
	switch x := v.(type) {
	case string:
		text = "string:" + x
	case bool:
		text = "boolean:" + strconv.FormatBool(x)
	case float64:
		text = "number:" + ieee754Hex(x)
	default:
		return ""
	}
	return sha1Base64(text)
}

// innerHash hashes the ":key:childHash" concatenation of the children in key order.
func innerHash(keys, hashes []string) string {
	var b strings.Builder
	for i, k := range keys {
		if hashes[i] == "" {
			continue
		}
		b.WriteString(":")
		b.WriteString(k)
		b.WriteString(":")
		b.WriteString(hashes[i])
	}
	if b.Len() == 0 {
		return ""
	}
	return sha1Base64(b.String())
}

func ieee754Hex(f float64) string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], math.Float64bits(f))
	return hex.EncodeToString(buf[:])
}

func sha1Base64(s string) string {
	sum := sha1.Sum([]byte(s))
	return base64.StdEncoding.EncodeToString(sum[:])
}
