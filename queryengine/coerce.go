package queryengine

import (
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
	"time"
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// coerce converts a scanned value to the JSON representation of col's type.
func coerce(col Column, v interface{}) (interface{}, error) {
	if b, ok := v.([]byte); ok && col.Type != TypeComplex {
		v = string(b)
	}
	if v == nil {
		if !col.Nullable {
			return nil, &CoercionError{Column: col.Name, Type: col.Type, Value: v, Reason: "null in non-nullable column"}
		}
		return nil, nil
	}

	var (
		out interface{}
		err error
	)
	switch col.Type {
	case TypeText:
		out, err = toText(v)
	case TypeInteger:
		out, err = toInteger(v)
	case TypeFloat:
		out, err = toFloat(v)
	case TypeBoolean:
		out, err = toBoolean(v)
	case TypeDecimal:
		out, err = toDecimal(v)
	case TypeTimestamp:
		var t time.Time
		if t, err = toTime(v); err == nil {
			out = t.UTC().Format(time.RFC3339Nano)
		}
	case TypeDate:
		var t time.Time
		if t, err = toTime(v); err == nil {
			out = t.Format(time.DateOnly)
		}
	case TypeComplex:
		out, err = toComplex(v)
	default:
		err = fmt.Errorf("unknown column type")
	}
	if err != nil {
		return nil, &CoercionError{Column: col.Name, Type: col.Type, Value: v, Reason: err.Error()}
	}
	return out, nil
}

func toText(v interface{}) (interface{}, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano), nil
	case bool, int64, int, int32, float64, float32:
		return fmt.Sprint(x), nil
	}
	return nil, fmt.Errorf("unsupported source value")
}

func toInteger(v interface{}) (interface{}, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case bool:
		if x {
			return int64(1), nil
		}
		return int64(0), nil
	case float64:
		if x != math.Trunc(x) || math.IsInf(x, 0) || math.IsNaN(x) {
			return nil, fmt.Errorf("not an integral value")
		}
		return int64(x), nil
	case string:
		return strconv.ParseInt(strings.TrimSpace(x), 10, 64)
	}
	return nil, fmt.Errorf("unsupported source value")
}

func toFloat(v interface{}) (interface{}, error) {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int64:
		f = float64(x)
	case int:
		f = float64(x)
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return nil, err
		}
		f = parsed
	default:
		return nil, fmt.Errorf("unsupported source value")
	}
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return nil, fmt.Errorf("not a finite number")
	}
	return f, nil
}

func toBoolean(v interface{}) (interface{}, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case int64:
		if x == 0 || x == 1 {
			return x == 1, nil
		}
	case string:
		return strconv.ParseBool(strings.TrimSpace(x))
	}
	return nil, fmt.Errorf("not a boolean")
}

// toDecimal keeps decimals as exact strings.
func toDecimal(v interface{}) (interface{}, error) {
	switch x := v.(type) {
	case int64:
		return strconv.FormatInt(x, 10), nil
	case float64:
		if math.IsInf(x, 0) || math.IsNaN(x) {
			return nil, fmt.Errorf("not a finite number")
		}
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case string:
		s := strings.TrimSpace(x)
		if _, ok := new(big.Rat).SetString(s); !ok || strings.ContainsAny(s, "/eE") {
			return nil, fmt.Errorf("not a decimal literal")
		}
		return s, nil
	}
	return nil, fmt.Errorf("unsupported source value")
}

func toTime(v interface{}) (time.Time, error) {
	switch x := v.(type) {
	case time.Time:
		return x, nil
	case int64:
		return time.Unix(x, 0).UTC(), nil
	case string:
		s := strings.TrimSpace(x)
		for _, layout := range timestampLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t, nil
			}
		}
		return time.Time{}, fmt.Errorf("unrecognized time format")
	}
	return time.Time{}, fmt.Errorf("unsupported source value")
}

// toComplex passes JSON text through and encodes anything else.
func toComplex(v interface{}) (interface{}, error) {
	switch x := v.(type) {
	case []byte:
		if !json.Valid(x) {
			return nil, fmt.Errorf("invalid JSON")
		}
		return json.RawMessage(x), nil
	case string:
		if !json.Valid([]byte(x)) {
			return nil, fmt.Errorf("invalid JSON")
		}
		return json.RawMessage(x), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}
