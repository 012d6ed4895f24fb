package jsonldb

import (
	"math"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/maruel/tablecache/internal/table"
)

// Values decoded from JSON or read from SQLite are coerced according to the
// affinity of their column, following SQLite's rules:
//
//	TEXT:    numbers → string, bool → "0"/"1"
//	INTEGER: floats are truncated, bool → 0/1, numeric strings are parsed
//	REAL:    numbers → float64, numeric strings are parsed
//	NUMERIC: whole floats → int64, fractional → float64, numeric strings parsed
//	BLOB:    no coercion
//
// json.Number values from a decoder in UseNumber mode are treated as numeric
// strings. See https://www.sqlite.org/datatype3.html.

// Affinity is the SQLite-compatible type affinity of a column.
type Affinity int

const (
	// AffinityBLOB has no type preference; values are kept as-is.
	AffinityBLOB Affinity = iota
	// AffinityTEXT converts numeric values to their string representation.
	AffinityTEXT
	// AffinityINTEGER forces integer representation.
	AffinityINTEGER
	// AffinityREAL forces floating point representation.
	AffinityREAL
	// AffinityNUMERIC stores as INTEGER if whole number, REAL otherwise.
	AffinityNUMERIC
)

func (a Affinity) String() string {
	switch a {
	case AffinityTEXT:
		return "TEXT"
	case AffinityINTEGER:
		return "INTEGER"
	case AffinityREAL:
		return "REAL"
	case AffinityNUMERIC:
		return "NUMERIC"
	default:
		return "BLOB"
	}
}

// ColumnTypeAffinity returns the affinity for a column type.
func ColumnTypeAffinity(t table.ColumnType) Affinity {
	switch t {
	case table.ColumnTypeText, table.ColumnTypeDate:
		return AffinityTEXT
	case table.ColumnTypeNumber:
		return AffinityNUMERIC
	default:
		return AffinityBLOB
	}
}

// DeclaredTypeAffinity returns the affinity SQLite assigns to a column
// declared with the given type name.
func DeclaredTypeAffinity(decl string) Affinity {
	d := strings.ToUpper(decl)
	switch {
	case strings.Contains(d, "INT"):
		return AffinityINTEGER
	case strings.Contains(d, "CHAR"), strings.Contains(d, "CLOB"), strings.Contains(d, "TEXT"):
		return AffinityTEXT
	case d == "", strings.Contains(d, "BLOB"):
		return AffinityBLOB
	case strings.Contains(d, "REAL"), strings.Contains(d, "FLOA"), strings.Contains(d, "DOUB"):
		return AffinityREAL
	default:
		return AffinityNUMERIC
	}
}

// CoerceValue applies type coercion to a value based on affinity. Nil values
// pass through unchanged.
func CoerceValue(value any, affinity Affinity) any {
	if value == nil {
		return nil
	}
	if n, ok := value.(json.Number); ok {
		value = n.String()
		if affinity == AffinityBLOB {
			affinity = AffinityNUMERIC
		}
	}
	value = table.Normalize(value)
	switch affinity {
	case AffinityTEXT:
		return coerceToText(value)
	case AffinityINTEGER:
		return coerceToInteger(value)
	case AffinityREAL:
		return coerceToReal(value)
	case AffinityNUMERIC:
		return coerceToNumeric(value)
	default:
		return value
	}
}

func coerceToText(value any) any {
	switch v := value.(type) {
	case float64:
		if isWhole(v) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(v, 10)
	case bool:
		if v {
			return "1"
		}
		return "0"
	default:
		return value
	}
}

func coerceToInteger(value any) any {
	switch v := value.(type) {
	case float64:
		return int64(v)
	case string:
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return int64(f)
		}
		return v
	case bool:
		return boolToInt(v)
	default:
		return value
	}
}

func coerceToReal(value any) any {
	switch v := value.(type) {
	case int64:
		return float64(v)
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
		return v
	case bool:
		return float64(boolToInt(v))
	default:
		return value
	}
}

func coerceToNumeric(value any) any {
	switch v := value.(type) {
	case float64:
		if isWhole(v) {
			return int64(v)
		}
		return v
	case string:
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			if isWhole(f) {
				return int64(f)
			}
			return f
		}
		return v
	case bool:
		return boolToInt(v)
	default:
		return value
	}
}

func isWhole(f float64) bool {
	return f == math.Trunc(f) && !math.IsInf(f, 0) && !math.IsNaN(f) && f >= math.MinInt64 && f <= math.MaxInt64
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
