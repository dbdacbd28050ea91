// Package decode recovers semantic values from the CDC wire encoding.
//
// The upstream connector serialises non-string column types (numerics,
// bytea, some timestamps) as base64-looking strings. Hashing those strings
// directly would never match a hash computed from the live row, so every
// value is pushed through an explicit decision tree before it reaches the
// canonicaliser.
package decode

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"strconv"
	"unicode"
	"unicode/utf8"
)

// maxIntValue bounds base64-decoded integers: values at or above 10^12 are
// not treated as numeric (they are more likely truncated byte strings).
const maxIntValue = 1_000_000_000_000

// Value decodes a single wire value. Non-strings pass through unchanged.
// A string is a decode candidate only if it is non-empty, ends in '=' and
// consists entirely of base64 alphabet characters; anything else is returned
// as-is. Decoded integers are returned as json.Number so the canonical JSON
// emitter reproduces them verbatim.
func Value(v interface{}) interface{} {
	s, ok := v.(string)
	if !ok {
		return v
	}
	if !looksBase64(s) {
		return s
	}

	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return s
	}

	// 1-8 bytes: candidate big-endian unsigned integer (cents-style amounts).
	if len(raw) >= 1 && len(raw) <= 8 {
		var buf [8]byte
		copy(buf[8-len(raw):], raw)
		n := binary.BigEndian.Uint64(buf[:])
		if n > 0 && n < maxIntValue {
			return json.Number(strconv.FormatUint(n, 10))
		}
	}

	if utf8.Valid(raw) {
		return string(raw)
	}

	// Latin-1 always decodes; accept only if it is mostly printable text.
	if s1, ok := latin1String(raw); ok {
		return s1
	}

	return s
}

// Record applies Value recursively: leaves are decoded, containers are
// preserved.
func Record(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, e := range t {
			out[k] = Record(e)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = Record(e)
		}
		return out
	default:
		return Value(v)
	}
}

func looksBase64(s string) bool {
	if s == "" || s[len(s)-1] != '=' {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z':
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '+' || c == '/' || c == '=':
		default:
			return false
		}
	}
	return true
}

func latin1String(raw []byte) (string, bool) {
	runes := make([]rune, len(raw))
	printable := 0
	for i, b := range raw {
		runes[i] = rune(b)
		if unicode.IsPrint(rune(b)) {
			printable++
		}
	}
	if len(raw) == 0 || float64(printable) <= float64(len(raw))*0.8 {
		return "", false
	}
	return string(runes), true
}
