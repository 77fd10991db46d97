package tracking

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
)

// Snapshot is a flat, JSON-safe view of an entity's persisted fields.
type Snapshot map[string]any

// FieldChange holds one field's value on each side of a mutation.
type FieldChange struct {
	Before any `json:"before"`
	After  any `json:"after"`
}

// Diff maps field names to their before/after values, for fields that
// differ. Absent keys are modeled as nil.
type Diff map[string]FieldChange

// Normalize coerces a field mapping into a Snapshot whose values are
// all JSON-native. Timestamps, unique identifiers and other non-native
// types are stored in their canonical string form so the snapshot is
// always safely serializable.
func Normalize(fields map[string]any) Snapshot {
	if fields == nil {
		return Snapshot{}
	}
	out := make(Snapshot, len(fields))
	for k, v := range fields {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case nil, bool, string,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64, json.Number:
		return val
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	case *time.Time:
		if val == nil {
			return nil
		}
		return val.UTC().Format(time.RFC3339Nano)
	case uuid.UUID:
		return val.String()
	case []byte:
		return string(val)
	case map[string]any:
		return map[string]any(Normalize(val))
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeValue(item)
		}
		return out
	case fmt.Stringer:
		return val.String()
	case error:
		return val.Error()
	default:
		rv := reflect.ValueOf(v)
		if rv.Kind() == reflect.Ptr {
			if rv.IsNil() {
				return nil
			}
			return normalizeValue(rv.Elem().Interface())
		}
		return fmt.Sprintf("%v", v)
	}
}

// ComputeDiff reports, for the union of keys across before and after,
// every key whose value differs. Missing keys compare as nil.
func ComputeDiff(before, after Snapshot) Diff {
	diff := Diff{}
	for k, b := range before {
		a, ok := after[k]
		if !ok {
			a = nil
		}
		if !equalValue(b, a) {
			diff[k] = FieldChange{Before: b, After: a}
		}
	}
	for k, a := range after {
		if _, ok := before[k]; !ok {
			if !equalValue(nil, a) {
				diff[k] = FieldChange{Before: nil, After: a}
			}
		}
	}
	return diff
}

func equalValue(a, b any) bool {
	if a == nil && b == nil {
		return true
	}
	return reflect.DeepEqual(a, b)
}
