package materialize

import (
	"strings"
	"unicode"

	apperrors "github.com/kbukum/modelrun/errors"
	"github.com/kbukum/modelrun/queryengine"
	"github.com/kbukum/modelrun/store"
)

// typeTable maps source engine type names to destination column types.
var typeTable = map[string]queryengine.ColumnType{
	"UInt8":   queryengine.TypeInteger,
	"UInt16":  queryengine.TypeInteger,
	"UInt32":  queryengine.TypeInteger,
	"UInt64":  queryengine.TypeInteger,
	"UInt128": queryengine.TypeInteger,
	"UInt256": queryengine.TypeInteger,
	"Int8":    queryengine.TypeInteger,
	"Int16":   queryengine.TypeInteger,
	"Int32":   queryengine.TypeInteger,
	"Int64":   queryengine.TypeInteger,
	"Int128":  queryengine.TypeInteger,
	"Int256":  queryengine.TypeInteger,

	"Float32": queryengine.TypeFloat,
	"Float64": queryengine.TypeFloat,

	"Decimal":    queryengine.TypeDecimal,
	"Decimal32":  queryengine.TypeDecimal,
	"Decimal64":  queryengine.TypeDecimal,
	"Decimal128": queryengine.TypeDecimal,
	"Decimal256": queryengine.TypeDecimal,

	"Bool":    queryengine.TypeBoolean,
	"Boolean": queryengine.TypeBoolean,

	"String":      queryengine.TypeText,
	"FixedString": queryengine.TypeText,
	"UUID":        queryengine.TypeText,
	"Enum8":       queryengine.TypeText,
	"Enum16":      queryengine.TypeText,
	"IPv4":        queryengine.TypeText,
	"IPv6":        queryengine.TypeText,

	"DateTime":   queryengine.TypeTimestamp,
	"DateTime32": queryengine.TypeTimestamp,
	"DateTime64": queryengine.TypeTimestamp,
	"Date":       queryengine.TypeDate,
	"Date32":     queryengine.TypeDate,

	"Array":  queryengine.TypeComplex,
	"Map":    queryengine.TypeComplex,
	"Tuple":  queryengine.TypeComplex,
	"Nested": queryengine.TypeComplex,
	"JSON":   queryengine.TypeComplex,
	"Object": queryengine.TypeComplex,
}

// unwrap strips a single wrapper such as Nullable(...) from t.
func unwrap(t, wrapper string) (string, bool) {
	if strings.HasPrefix(t, wrapper+"(") && strings.HasSuffix(t, ")") {
		return strings.TrimSpace(t[len(wrapper)+1 : len(t)-1]), true
	}
	return t, false
}

// MapType translates a source type string. LowCardinality and Nullable
// wrappers are peeled off, nullability is reported separately, and any
// parenthesized precision suffix is dropped before the lookup.
func MapType(sourceType string) (queryengine.ColumnType, bool, bool) {
	t := strings.TrimSpace(sourceType)
	t, _ = unwrap(t, "LowCardinality")
	t, nullable := unwrap(t, "Nullable")
	t, _ = unwrap(t, "LowCardinality")
	if i := strings.IndexByte(t, '('); i >= 0 {
		t = strings.TrimSpace(t[:i])
	}
	dest, ok := typeTable[t]
	return dest, nullable, ok
}

// Naming conventions for output column names.
const (
	NamingPreserve  = "preserve"
	NamingSnakeCase = "snake_case"
)

// OutputColumns maps a model's declared columns to output columns. An
// unknown source type is an error.
func OutputColumns(cols []store.Column, naming string) ([]queryengine.Column, error) {
	out := make([]queryengine.Column, 0, len(cols))
	for _, c := range cols {
		dest, nullable, ok := MapType(c.Type)
		if !ok {
			return nil, apperrors.UnknownColumnType(c.Name, c.Type)
		}
		out = append(out, queryengine.Column{
			Name:     ColumnName(c.Name, naming),
			Source:   c.Name,
			Type:     dest,
			Nullable: nullable,
		})
	}
	return out, nil
}

// ColumnName applies the naming convention to a source column name.
func ColumnName(name, naming string) string {
	if naming != NamingSnakeCase {
		return name
	}
	var b strings.Builder
	runes := []rune(name)
	for i, r := range runes {
		switch {
		case r == ' ' || r == '-' || r == '.':
			b.WriteByte('_')
		case unicode.IsUpper(r):
			if i > 0 && (unicode.IsLower(runes[i-1]) || unicode.IsDigit(runes[i-1]) ||
				(i+1 < len(runes) && unicode.IsLower(runes[i+1]) && unicode.IsUpper(runes[i-1]))) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
