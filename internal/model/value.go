package model

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"time"
)

// Normalize converts a Go value into the canonical document value set:
// nil, string, bool, int64, float64, []any and map[string]any.
//
// Conversions:
//   - all signed and unsigned integer kinds become int64 (uint64 above
//     math.MaxInt64 becomes float64)
//   - float32 becomes float64
//   - time.Time becomes an RFC 3339 UTC string with nanoseconds
//   - json.Number becomes int64 when integral, float64 otherwise
//   - slices and arrays become []any, string-keyed maps become map[string]any
//
// Any other type is rejected.
func Normalize(v any) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case string:
		return val, nil
	case bool:
		return val, nil
	case int64:
		return val, nil
	case int:
		return int64(val), nil
	case int32:
		return int64(val), nil
	case int16:
		return int64(val), nil
	case int8:
		return int64(val), nil
	case uint8:
		return int64(val), nil
	case uint16:
		return int64(val), nil
	case uint32:
		return int64(val), nil
	case uint:
		return normalizeUint(uint64(val)), nil
	case uint64:
		return normalizeUint(val), nil
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return nil, fmt.Errorf("non-finite number %v", val)
		}
		return val, nil
	case float32:
		return Normalize(float64(val))
	case json.Number:
		if n, err := val.Int64(); err == nil {
			return n, nil
		}
		f, err := val.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid number %q: %w", val.String(), err)
		}
		return Normalize(f)
	case time.Time:
		return FormatTime(val), nil
	case *time.Time:
		if val == nil {
			return nil, nil
		}
		return FormatTime(*val), nil
	case Fields:
		return normalizeMap(val)
	case map[string]any:
		return normalizeMap(val)
	case []any:
		arr := make([]any, len(val))
		for i, elem := range val {
			n, err := Normalize(elem)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			arr[i] = n
		}
		return arr, nil
	}

	return normalizeReflect(v)
}

// NormalizeFields normalizes every value of a document.
// A nil input yields an empty, non-nil Fields.
func NormalizeFields(f Fields) (Fields, error) {
	out := make(Fields, len(f))
	for k, v := range f {
		n, err := Normalize(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		out[k] = n
	}
	return out, nil
}

func normalizeMap(m map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(m))
	for k, v := range m {
		n, err := Normalize(v)
		if err != nil {
			return nil, fmt.Errorf("[%q]: %w", k, err)
		}
		out[k] = n
	}
	return out, nil
}

func normalizeUint(u uint64) any {
	if u > math.MaxInt64 {
		return float64(u)
	}
	return int64(u)
}

// normalizeReflect handles typed slices and maps ([]string, map[any]any, ...)
// produced by decoders.
func normalizeReflect(v any) (any, error) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.Uint8 {
			return nil, fmt.Errorf("unsupported type: %T", v)
		}
		arr := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			n, err := Normalize(rv.Index(i).Interface())
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			arr[i] = n
		}
		return arr, nil
	case reflect.Map:
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			key, ok := iter.Key().Interface().(string)
			if !ok {
				return nil, fmt.Errorf("unsupported map key type: %T", iter.Key().Interface())
			}
			n, err := Normalize(iter.Value().Interface())
			if err != nil {
				return nil, fmt.Errorf("[%q]: %w", key, err)
			}
			out[key] = n
		}
		return out, nil
	case reflect.String:
		return rv.String(), nil
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return normalizeUint(rv.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return Normalize(rv.Float())
	case reflect.Pointer:
		if rv.IsNil() {
			return nil, nil
		}
		return Normalize(rv.Elem().Interface())
	}
	return nil, fmt.Errorf("unsupported type: %T", v)
}

// FormatTime renders a timestamp the way normalized documents store it.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// TimeValue interprets a document value as a point in time.
// Accepts time.Time, RFC 3339 strings and integer unix milliseconds.
func TimeValue(v any) (time.Time, bool) {
	switch val := v.(type) {
	case time.Time:
		return val, true
	case string:
		t, err := time.Parse(time.RFC3339Nano, val)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	case int64:
		return time.UnixMilli(val), true
	case int:
		return time.UnixMilli(int64(val)), true
	case float64:
		return time.UnixMilli(int64(val)), true
	}
	return time.Time{}, false
}

// IndexKey returns the lookup key used by secondary indexes for a scalar
// value. Non-scalar values (arrays, objects, null) are not indexable.
func IndexKey(v any) (string, bool) {
	n, err := Normalize(v)
	if err != nil {
		return "", false
	}
	switch val := n.(type) {
	case string:
		return "s:" + val, true
	case int64:
		return "n:" + strconv.FormatInt(val, 10), true
	case float64:
		if val == math.Trunc(val) && math.Abs(val) < 1<<53 {
			return "n:" + strconv.FormatInt(int64(val), 10), true
		}
		return "n:" + strconv.FormatFloat(val, 'g', -1, 64), true
	case bool:
		return "b:" + strconv.FormatBool(val), true
	}
	return "", false
}
