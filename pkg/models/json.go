package models

import (
	"database/sql/driver"
	"fmt"

	json "github.com/goccy/go-json"
)

// Document is an open key/value property tree stored as JSONB.
// Internal code traffics in the tree; schema validation happens at the
// API boundary only.
type Document map[string]interface{}

// Scan implements sql.Scanner for Document.
func (d *Document) Scan(src interface{}) error {
	if src == nil {
		*d = nil
		return nil
	}

	var data []byte
	switch v := src.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("Document: unsupported type %T", src)
	}

	if len(data) == 0 {
		*d = nil
		return nil
	}

	return json.Unmarshal(data, d)
}

// Value implements driver.Valuer for Document.
func (d Document) Value() (driver.Value, error) {
	if d == nil {
		return nil, nil
	}
	return json.Marshal(d)
}

// String returns a field of the document as a string, or "" when the
// field is absent or not a string.
func (d Document) String(key string) string {
	if d == nil {
		return ""
	}
	if s, ok := d[key].(string); ok {
		return s
	}
	return ""
}

// StringArray is a custom type for JSON string arrays in JSONB columns.
type StringArray []string

// Scan implements sql.Scanner for StringArray.
func (a *StringArray) Scan(src interface{}) error {
	if src == nil {
		*a = nil
		return nil
	}

	var data []byte
	switch v := src.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("StringArray: unsupported type %T", src)
	}

	if len(data) == 0 {
		*a = nil
		return nil
	}

	return json.Unmarshal(data, a)
}

// Value implements driver.Valuer for StringArray.
func (a StringArray) Value() (driver.Value, error) {
	if a == nil {
		return nil, nil
	}
	return json.Marshal(a)
}

// Contains reports whether the array holds s.
func (a StringArray) Contains(s string) bool {
	for _, v := range a {
		if v == s {
			return true
		}
	}
	return false
}
