package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/marcoeg/etrap/pkg/decode"
)

// Operation is the mapped CDC operation of one change event.
type Operation string

const (
	OpInsert   Operation = "INSERT"
	OpUpdate   Operation = "UPDATE"
	OpDelete   Operation = "DELETE"
	OpSnapshot Operation = "SNAPSHOT"
)

var operationMap = map[string]Operation{
	"c": OpInsert,
	"u": OpUpdate,
	"d": OpDelete,
	"r": OpSnapshot,
}

// Source describes where a change event originated.
type Source struct {
	Database    string
	Schema      string
	Table       string
	TimestampMs int64
	LSN         interface{}
	TxID        interface{}
	User        string
}

// Event is one row-level mutation read from the broker. Stream and MessageID
// are used only for acknowledgement.
type Event struct {
	Stream    string
	MessageID string
	Operation Operation
	Key       map[string]interface{}
	Before    map[string]interface{}
	After     map[string]interface{}
	Source    Source
	Timestamp int64 // ms
}

// RowPayload is the image whose hash anchors the event: after for
// INSERT/UPDATE/SNAPSHOT, before for DELETE.
func (e *Event) RowPayload() map[string]interface{} {
	if e.Operation == OpDelete {
		return e.Before
	}
	return e.After
}

// Message is one raw broker message.
type Message struct {
	Stream string
	ID     string
	Values map[string]interface{}
}

// ParseEvent parses a raw broker message into a normalised Event, running
// every before/after value through the wire decoder. It returns an error for
// malformed JSON and for events whose images violate the operation invariant
// (INSERT/SNAPSHOT need after, DELETE needs before, UPDATE needs both);
// callers drop and acknowledge those.
func ParseEvent(msg Message) (*Event, error) {
	value, err := parseJSONField(msg.Values, "value")
	if err != nil {
		return nil, fmt.Errorf("parse value: %w", err)
	}
	key, err := parseJSONField(msg.Values, "key")
	if err != nil {
		return nil, fmt.Errorf("parse key: %w", err)
	}

	rawOp, _ := value["op"].(string)
	op, ok := operationMap[rawOp]
	if !ok {
		return nil, fmt.Errorf("unknown operation %q", rawOp)
	}

	before := decodeImage(value["before"])
	after := decodeImage(value["after"])

	switch op {
	case OpInsert, OpSnapshot:
		if after == nil {
			return nil, fmt.Errorf("%s event missing after image", op)
		}
	case OpDelete:
		if before == nil {
			return nil, fmt.Errorf("DELETE event missing before image")
		}
	case OpUpdate:
		if before == nil || after == nil {
			return nil, fmt.Errorf("UPDATE event missing before or after image")
		}
	}

	src := parseSource(value["source"])
	ts := src.TimestampMs
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}

	return &Event{
		Stream:    msg.Stream,
		MessageID: msg.ID,
		Operation: op,
		Key:       key,
		Before:    before,
		After:     after,
		Source:    src,
		Timestamp: ts,
	}, nil
}

// parseJSONField reads a JSON object out of a message field. Missing or
// blank fields mean an empty object.
func parseJSONField(values map[string]interface{}, name string) (map[string]interface{}, error) {
	raw, _ := values[name].(string)
	if strings.TrimSpace(raw) == "" {
		return map[string]interface{}{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	var out map[string]interface{}
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]interface{}{}
	}
	return out, nil
}

func decodeImage(v interface{}) map[string]interface{} {
	m, ok := v.(map[string]interface{})
	if !ok || m == nil {
		return nil
	}
	return decode.Record(m).(map[string]interface{})
}

func parseSource(v interface{}) Source {
	m, _ := v.(map[string]interface{})
	src := Source{}
	if m == nil {
		return src
	}
	src.Database, _ = m["db"].(string)
	src.Schema, _ = m["schema"].(string)
	src.Table, _ = m["table"].(string)
	src.User, _ = m["user"].(string)
	src.LSN = m["lsn"]
	src.TxID = m["txId"]
	if n, ok := m["ts_ms"].(json.Number); ok {
		if i, err := n.Int64(); err == nil {
			src.TimestampMs = i
		}
	}
	return src
}
