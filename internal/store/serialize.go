package store

import (
	"encoding/json"
	"fmt"

	"github.com/brokerhq/chatkernel/internal/kernelerr"
)

// serializeValue converts an application-level value into its SQLite
// storage representation according to the field's declared type, following
// spec.md §4.1 "Typed serialization" exactly: str coerces-or-fails, int
// rejects bool explicitly, float coerces, bool stores 0/1, json accepts
// dict/list/string, json_collection is never directly settable.
func serializeValue(value any, ftype FieldType, fieldName, storeName string) (any, error) {
	op := "store.serializeValue"
	switch ftype {
	case TypeStr:
		switch v := value.(type) {
		case string:
			return v, nil
		case nil:
			return nil, nil
		case int, int64, float64, bool:
			return fmt.Sprintf("%v", v), nil
		default:
			return nil, kernelerr.New(kernelerr.TypeMismatch, op, fmt.Sprintf("field %q of store %q: cannot coerce %T to str", fieldName, storeName, value))
		}

	case TypeInt:
		switch v := value.(type) {
		case bool:
			// bool must never silently coerce to 0/1 for an int field.
			return nil, kernelerr.New(kernelerr.TypeMismatch, op, fmt.Sprintf("field %q of store %q: bool is not a valid int", fieldName, storeName))
		case int:
			return int64(v), nil
		case int64:
			return v, nil
		case float64:
			return int64(v), nil
		case string:
			var i int64
			if _, err := fmt.Sscanf(v, "%d", &i); err != nil {
				return nil, kernelerr.New(kernelerr.TypeMismatch, op, fmt.Sprintf("field %q of store %q: %q is not a valid int", fieldName, storeName, v))
			}
			return i, nil
		case nil:
			return nil, nil
		default:
			return nil, kernelerr.New(kernelerr.TypeMismatch, op, fmt.Sprintf("field %q of store %q: cannot coerce %T to int", fieldName, storeName, value))
		}

	case TypeFloat:
		switch v := value.(type) {
		case bool:
			return nil, kernelerr.New(kernelerr.TypeMismatch, op, fmt.Sprintf("field %q of store %q: bool is not a valid float", fieldName, storeName))
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		case float64:
			return v, nil
		case string:
			var f float64
			if _, err := fmt.Sscanf(v, "%g", &f); err != nil {
				return nil, kernelerr.New(kernelerr.TypeMismatch, op, fmt.Sprintf("field %q of store %q: %q is not a valid float", fieldName, storeName, v))
			}
			return f, nil
		case nil:
			return nil, nil
		default:
			return nil, kernelerr.New(kernelerr.TypeMismatch, op, fmt.Sprintf("field %q of store %q: cannot coerce %T to float", fieldName, storeName, value))
		}

	case TypeBool:
		switch v := value.(type) {
		case bool:
			if v {
				return int64(1), nil
			}
			return int64(0), nil
		case nil:
			return nil, nil
		default:
			// accept any truthy/falsy value per spec, mirroring Python's bool()
			return boolToInt(truthy(v)), nil
		}

	case TypeJSON:
		switch v := value.(type) {
		case nil:
			return nil, nil
		case string:
			if v == "" {
				return nil, kernelerr.New(kernelerr.TypeMismatch, op, fmt.Sprintf("field %q of store %q: empty string is not valid json", fieldName, storeName))
			}
			var probe any
			if err := json.Unmarshal([]byte(v), &probe); err != nil {
				return nil, kernelerr.New(kernelerr.TypeMismatch, op, fmt.Sprintf("field %q of store %q: invalid json string: %v", fieldName, storeName, err))
			}
			// store the original text verbatim to preserve key order.
			return v, nil
		default:
			b, err := json.Marshal(v)
			if err != nil {
				return nil, kernelerr.New(kernelerr.TypeMismatch, op, fmt.Sprintf("field %q of store %q: cannot serialize to json: %v", fieldName, storeName, err))
			}
			return string(b), nil
		}

	case TypeJSONCollection:
		return nil, kernelerr.New(kernelerr.TypeMismatch, op, fmt.Sprintf("field %q of store %q: json_collection fields cannot be set directly, use CollectionAppend", fieldName, storeName))

	default:
		return nil, kernelerr.New(kernelerr.Validation, op, "unknown field type")
	}
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// truthy mirrors Python's bool(x) for the types a str/int/float/json field
// might plausibly receive: zero values, empty strings/slices/maps, and nil
// are false; everything else is true.
func truthy(v any) bool {
	switch x := v.(type) {
	case string:
		return x != ""
	case int:
		return x != 0
	case int64:
		return x != 0
	case float64:
		return x != 0
	case []any:
		return len(x) != 0
	case map[string]any:
		return len(x) != 0
	default:
		return v != nil
	}
}

// deserializeValue converts a stored SQLite value back into an
// application-level value. Unparseable JSON is returned raw (as the stored
// string) rather than erroring, per spec.md's Corruption handling: "logged;
// raw value returned; op continues."
func deserializeValue(raw any, ftype FieldType, warn func(msg string)) any {
	if raw == nil {
		return nil
	}
	switch ftype {
	case TypeStr:
		return toString(raw)
	case TypeInt:
		return toInt64(raw)
	case TypeFloat:
		return toFloat64(raw)
	case TypeBool:
		return toInt64(raw) != 0
	case TypeJSON, TypeJSONCollection:
		s := toString(raw)
		var decoded any
		if err := json.Unmarshal([]byte(s), &decoded); err != nil {
			if warn != nil {
				warn(fmt.Sprintf("corrupt json value, returning raw string: %v", err))
			}
			return s
		}
		return decoded
	default:
		return raw
	}
}

func toString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	default:
		return fmt.Sprintf("%v", x)
	}
}

func toInt64(v any) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case int:
		return int64(x)
	case float64:
		return int64(x)
	case []byte:
		var i int64
		fmt.Sscanf(string(x), "%d", &i)
		return i
	case string:
		var i int64
		fmt.Sscanf(x, "%d", &i)
		return i
	default:
		return 0
	}
}

func toFloat64(v any) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case int64:
		return float64(x)
	case int:
		return float64(x)
	case []byte:
		var f float64
		fmt.Sscanf(string(x), "%g", &f)
		return f
	case string:
		var f float64
		fmt.Sscanf(x, "%g", &f)
		return f
	default:
		return 0
	}
}
