package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// RequestID is a JSON-RPC id: a string, a number, or absent. It keeps the
// original JSON token, so ids relayed through the gateway go back to the
// caller exactly as they arrived.
type RequestID struct {
	raw json.RawMessage
}

// NewRequestID builds an id from a string or an integer. Any other value
// yields a nil id.
func NewRequestID(value any) *RequestID {
	switch v := value.(type) {
	case string:
		raw, _ := json.Marshal(v)
		return &RequestID{raw: raw}
	case int:
		return &RequestID{raw: strconv.AppendInt(nil, int64(v), 10)}
	case int64:
		return &RequestID{raw: strconv.AppendInt(nil, v, 10)}
	case uint64:
		return &RequestID{raw: strconv.AppendUint(nil, v, 10)}
	default:
		return &RequestID{}
	}
}

// String renders string ids unquoted and numeric ids as written.
func (id *RequestID) String() string {
	if id.IsNil() {
		return ""
	}
	if id.raw[0] == '"' {
		var s string
		if err := json.Unmarshal(id.raw, &s); err == nil {
			return s
		}
	}
	return string(id.raw)
}

func (id *RequestID) IsNil() bool {
	return id == nil || len(id.raw) == 0
}

// Equal reports whether both ids carry the same token.
func (id *RequestID) Equal(other *RequestID) bool {
	if id.IsNil() || other.IsNil() {
		return id.IsNil() && other.IsNil()
	}
	return bytes.Equal(id.raw, other.raw)
}

func (id *RequestID) MarshalJSON() ([]byte, error) {
	if id.IsNil() {
		return []byte("null"), nil
	}
	return id.raw, nil
}

func (id *RequestID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		id.raw = nil
		return nil
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("invalid JSON-RPC id: %w", err)
		}
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("JSON-RPC id must be a string or number, got: %s", data)
		}
	}
	id.raw = append(json.RawMessage(nil), data...)
	return nil
}
