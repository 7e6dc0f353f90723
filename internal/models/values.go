package models

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// FieldValue is a single field name paired with its recorded JSON value.
// The value stays opaque to the engine; it is compared and restored as-is.
type FieldValue struct {
	Key   string
	Value json.RawMessage
}

// FieldValues is an order-preserving mapping of field names to JSON
// values. Ordinary Go maps randomise key order, which would make the
// canonical log hash non-deterministic, so the pairs are kept as a
// slice and serialized in insertion order.
type FieldValues []FieldValue

// NewFieldValues builds a FieldValues from alternating key/value pairs.
func NewFieldValues(pairs ...FieldValue) FieldValues {
	return FieldValues(pairs)
}

// Get returns the value recorded for key.
func (v FieldValues) Get(key string) (json.RawMessage, bool) {
	for _, pair := range v {
		if pair.Key == key {
			return pair.Value, true
		}
	}
	return nil, false
}

// Set replaces the value for key, appending when the key is new.
func (v *FieldValues) Set(key string, value json.RawMessage) {
	for i, pair := range *v {
		if pair.Key == key {
			(*v)[i].Value = value
			return
		}
	}
	*v = append(*v, FieldValue{Key: key, Value: value})
}

// Keys returns the field names in recorded order.
func (v FieldValues) Keys() []string {
	keys := make([]string, 0, len(v))
	for _, pair := range v {
		keys = append(keys, pair.Key)
	}
	return keys
}

// Len reports the number of recorded fields.
func (v FieldValues) Len() int {
	return len(v)
}

// Clone returns an independent copy.
func (v FieldValues) Clone() FieldValues {
	if v == nil {
		return nil
	}
	out := make(FieldValues, len(v))
	for i, pair := range v {
		out[i] = FieldValue{Key: pair.Key, Value: append(json.RawMessage(nil), pair.Value...)}
	}
	return out
}

// MarshalJSON encodes the pairs as a JSON object in recorded order.
func (v FieldValues) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, pair := range v {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(pair.Key)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		if len(pair.Value) == 0 {
			buf.WriteString("null")
		} else {
			compact := bytes.Buffer{}
			if err := json.Compact(&compact, pair.Value); err != nil {
				return nil, fmt.Errorf("field %q holds invalid JSON: %w", pair.Key, err)
			}
			buf.Write(compact.Bytes())
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object preserving its document order.
func (v *FieldValues) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*v = nil
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	token, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := token.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("field values must be a JSON object")
	}

	out := FieldValues{}
	for dec.More() {
		keyToken, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyToken.(string)
		if !ok {
			return fmt.Errorf("field values contain a non-string key")
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return err
		}
		out = append(out, FieldValue{Key: key, Value: raw})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}

	*v = out
	return nil
}

// Value implements driver.Valuer so the mapping persists as a JSON column.
func (v FieldValues) Value() (driver.Value, error) {
	if v == nil {
		return nil, nil
	}
	data, err := v.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (v *FieldValues) Scan(src interface{}) error {
	switch value := src.(type) {
	case nil:
		*v = nil
		return nil
	case []byte:
		return v.UnmarshalJSON(value)
	case string:
		return v.UnmarshalJSON([]byte(value))
	default:
		return fmt.Errorf("unsupported field values source %T", src)
	}
}

// GormDataType tells GORM to treat the column as JSON.
func (FieldValues) GormDataType() string {
	return "json"
}

// JSONEqual reports whether two raw JSON values are semantically equal,
// ignoring insignificant whitespace.
func JSONEqual(a, b json.RawMessage) bool {
	return bytes.Equal(compactJSON(a), compactJSON(b))
}

func compactJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("null")
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return bytes.TrimSpace(raw)
	}
	return buf.Bytes()
}
