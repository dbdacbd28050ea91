// Package canonical implements the transaction hash contract shared by the
// agent and the verifier.
//
// Both sides must produce byte-identical output for the same row payload:
// timestamp-bearing fields are normalised to a fixed string form, then the
// payload is serialised as compact JSON with sorted keys, and the transaction
// hash is the lowercase hex sha-256 of those bytes.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Epoch thresholds for `_at` fields: values above epochMsFloor are epoch
// timestamps; values above epochUsFloor are in microseconds, below in
// milliseconds.
const (
	epochMsFloor = 1_000_000_000_000
	epochUsFloor = 1_000_000_000_000_000
)

// Canonicalizer produces the canonical byte form of a row payload. The
// timezone used for epoch-to-string conversion is part of the deployment
// contract: agent and verifier must be configured with the same location or
// hashes will not match across hosts.
type Canonicalizer struct {
	loc *time.Location
}

// New returns a Canonicalizer converting `_at` epochs in loc. A nil loc
// means the host's local zone, which matches the reference deployment.
func New(loc *time.Location) *Canonicalizer {
	if loc == nil {
		loc = time.Local
	}
	return &Canonicalizer{loc: loc}
}

// Bytes returns the canonical JSON encoding of payload: `_at` fields
// normalised, keys sorted ascending, "," and ":" separators, UTF-8, no
// trailing newline.
func (c *Canonicalizer) Bytes(payload map[string]interface{}) ([]byte, error) {
	normalized := c.normalize(payload)
	var buf bytes.Buffer
	if err := encodeValue(&buf, normalized); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Hash returns the lowercase hex sha-256 of Bytes(payload).
func (c *Canonicalizer) Hash(payload map[string]interface{}) (string, error) {
	b, err := c.Bytes(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// normalize rewrites top-level `_at` fields. Strings are left alone; numbers
// above the epoch floor are converted to a naive datetime string with at
// least millisecond precision.
func (c *Canonicalizer) normalize(payload map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		if strings.HasSuffix(k, "_at") {
			if s, converted := c.normalizeTimestamp(v); converted {
				out[k] = s
				continue
			}
		}
		out[k] = v
	}
	return out
}

func (c *Canonicalizer) normalizeTimestamp(v interface{}) (string, bool) {
	var epoch int64
	switch t := v.(type) {
	case string:
		return "", false
	case json.Number:
		f, err := t.Float64()
		if err != nil || f <= epochMsFloor {
			return "", false
		}
		if i, err := t.Int64(); err == nil {
			epoch = i
		} else {
			epoch = int64(f)
		}
	case int64:
		if t <= epochMsFloor {
			return "", false
		}
		epoch = t
	case float64:
		if t <= epochMsFloor {
			return "", false
		}
		epoch = int64(t)
	default:
		return "", false
	}

	var ts time.Time
	if epoch > epochUsFloor {
		ts = time.UnixMicro(epoch).In(c.loc)
	} else {
		ts = time.UnixMilli(epoch).In(c.loc)
	}
	return FormatTimestamp(ts), true
}

// FormatTimestamp renders ts as YYYY-MM-DDTHH:MM:SS.ffffff with trailing
// zeros stripped from the fraction, guaranteeing at least millisecond
// precision ("…:05" becomes "…:05.000").
func FormatTimestamp(ts time.Time) string {
	s := ts.Format("2006-01-02T15:04:05.000000")
	s = strings.TrimRight(s, "0")
	s = strings.TrimSuffix(s, ".")
	if !strings.Contains(s, ".") {
		s += ".000"
	}
	return s
}

// encodeValue writes the compact canonical JSON form of v. Key order is the
// total ascending byte order on strings; numeric literals are emitted
// verbatim (json.Number) so re-encoding never changes a value's spelling.
func encodeValue(buf *bytes.Buffer, v interface{}) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		return encodeString(buf, t)
	case json.Number:
		buf.WriteString(string(t))
	case int:
		buf.WriteString(strconv.Itoa(t))
	case int64:
		buf.WriteString(strconv.FormatInt(t, 10))
	case uint64:
		buf.WriteString(strconv.FormatUint(t, 10))
	case float64:
		b, err := json.Marshal(t)
		if err != nil {
			return err
		}
		buf.Write(b)
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeString(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := encodeValue(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []interface{}:
		buf.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeValue(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		return fmt.Errorf("canonical: unsupported value type %T", v)
	}
	return nil
}

// encodeString uses a non-HTML-escaping encoder: '<', '>' and '&' appear
// literally, matching the wire contract.
func encodeString(buf *bytes.Buffer, s string) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return err
	}
	b := tmp.Bytes()
	// Encode appends a newline.
	buf.Write(bytes.TrimSuffix(b, []byte("\n")))
	return nil
}
