package driver

import (
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j/db"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"
)

// TypeConversionError represents an error during type conversion from database types.
type TypeConversionError struct {
	Expected string
	Actual   string
	Field    string
}

func (e *TypeConversionError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("type conversion error for field %q: expected %s, got %s", e.Field, e.Expected, e.Actual)
	}
	return fmt.Sprintf("type conversion error: expected %s, got %s", e.Expected, e.Actual)
}

// NewTypeConversionError creates a new TypeConversionError.
func NewTypeConversionError(expected, actual, field string) *TypeConversionError {
	return &TypeConversionError{Expected: expected, Actual: actual, Field: field}
}

// AsDBNode safely converts a record value to dbtype.Node.
func AsDBNode(v any) (dbtype.Node, bool) {
	node, ok := v.(dbtype.Node)
	return node, ok
}

// AsDBRelationship safely converts a record value to dbtype.Relationship.
func AsDBRelationship(v any) (dbtype.Relationship, bool) {
	rel, ok := v.(dbtype.Relationship)
	return rel, ok
}

// AsString safely converts a record value to string.
func AsString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

// AsInt64 safely converts a record value to int64.
func AsInt64(v any) (int64, bool) {
	i, ok := v.(int64)
	return i, ok
}

// AsFloat64 accepts float64 and int64, since Cypher arithmetic may yield either.
func AsFloat64(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int64:
		return float64(x), true
	default:
		return 0, false
	}
}

// AsStringSlice accepts []string and the []any lists the driver returns.
func AsStringSlice(v any) ([]string, bool) {
	switch x := v.(type) {
	case []string:
		return x, true
	case []any:
		out := make([]string, 0, len(x))
		for _, item := range x {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}

// AsFloat32Slice decodes a stored embedding.
func AsFloat32Slice(v any) ([]float32, bool) {
	switch x := v.(type) {
	case []float32:
		return x, true
	case []float64:
		out := make([]float32, len(x))
		for i, f := range x {
			out[i] = float32(f)
		}
		return out, true
	case []any:
		out := make([]float32, 0, len(x))
		for _, item := range x {
			f, ok := AsFloat64(item)
			if !ok {
				return nil, false
			}
			out = append(out, float32(f))
		}
		return out, true
	default:
		return nil, false
	}
}

// AsTime parses an RFC 3339 timestamp property.
func AsTime(v any) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		return x.UTC(), true
	case string:
		t, err := time.Parse(time.RFC3339Nano, x)
		if err != nil {
			return time.Time{}, false
		}
		return t.UTC(), true
	default:
		return time.Time{}, false
	}
}

// MustDBNode reads a node column from a record.
func MustDBNode(record *db.Record, field string) (dbtype.Node, error) {
	v, _ := record.Get(field)
	node, ok := AsDBNode(v)
	if !ok {
		return dbtype.Node{}, NewTypeConversionError("dbtype.Node", fmt.Sprintf("%T", v), field)
	}
	return node, nil
}

// MustString reads a string column from a record.
func MustString(record *db.Record, field string) (string, error) {
	v, _ := record.Get(field)
	s, ok := AsString(v)
	if !ok {
		return "", NewTypeConversionError("string", fmt.Sprintf("%T", v), field)
	}
	return s, nil
}

// MustInt64 reads an integer column from a record.
func MustInt64(record *db.Record, field string) (int64, error) {
	v, _ := record.Get(field)
	i, ok := AsInt64(v)
	if !ok {
		return 0, NewTypeConversionError("int64", fmt.Sprintf("%T", v), field)
	}
	return i, nil
}

func timeString(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func float64s(v []float32) []float64 {
	if len(v) == 0 {
		return nil
	}
	out := make([]float64, len(v))
	for i, f := range v {
		out[i] = float64(f)
	}
	return out
}
