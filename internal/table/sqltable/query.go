// Translates filters to SQL and converts values between SQLite and rows.

package sqltable

import (
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/maruel/tablecache/internal/jsonldb"
	"github.com/maruel/tablecache/internal/table"
)

// where returns the WHERE clause for the current filters, with a leading
// space, or an empty string.
func (t *Table) where() (string, []any, error) {
	if len(t.filters) == 0 {
		return "", nil, nil
	}
	var args []any
	parts := make([]string, len(t.filters))
	for i := range t.filters {
		p, err := t.condition(&t.filters[i], &args)
		if err != nil {
			return "", nil, err
		}
		parts[i] = p
	}
	return " WHERE " + strings.Join(parts, " AND "), args, nil
}

// condition mirrors table.Match: nil sorts first, text operators compare
// lowercase text and a missing value is an empty string.
func (t *Table) condition(f *table.Filter, args *[]any) (string, error) {
	if len(f.And) > 0 || len(f.Or) > 0 {
		sub, sep := f.And, " AND "
		if len(f.And) == 0 {
			sub, sep = f.Or, " OR "
		}
		parts := make([]string, len(sub))
		for i := range sub {
			p, err := t.condition(&sub[i], args)
			if err != nil {
				return "", err
			}
			parts[i] = p
		}
		return "(" + strings.Join(parts, sep) + ")", nil
	}
	if f.Column == "" {
		return "1", nil
	}
	col := quote(f.Column)
	v := f.Value
	if v != nil {
		v = t.bind(f.Column, v)
	}
	text := "LOWER(COALESCE(" + col + ", ''))"
	switch f.Operator {
	case table.FilterOpEquals:
		if v == nil {
			return col + " IS NULL", nil
		}
		*args = append(*args, v)
		return col + " = ?", nil
	case table.FilterOpNotEquals:
		*args = append(*args, v)
		return col + " IS NOT ?", nil
	case table.FilterOpGreaterThan, table.FilterOpGreaterEqual:
		op := map[table.FilterOp]string{table.FilterOpGreaterThan: ">", table.FilterOpGreaterEqual: ">="}[f.Operator]
		if v == nil {
			if f.Operator == table.FilterOpGreaterEqual {
				return "1", nil
			}
			return col + " IS NOT NULL", nil
		}
		*args = append(*args, v)
		return col + " " + op + " ?", nil
	case table.FilterOpLessThan, table.FilterOpLessEqual:
		op := map[table.FilterOp]string{table.FilterOpLessThan: "<", table.FilterOpLessEqual: "<="}[f.Operator]
		if v == nil {
			if f.Operator == table.FilterOpLessEqual {
				return col + " IS NULL", nil
			}
			return "0", nil
		}
		*args = append(*args, v)
		return "(" + col + " IS NULL OR " + col + " " + op + " ?)", nil
	case table.FilterOpContains, table.FilterOpNotContains, table.FilterOpStartsWith, table.FilterOpEndsWith:
		pattern := escapeLike(strings.ToLower(fmt.Sprint(valueOrEmpty(f.Value))))
		switch f.Operator {
		case table.FilterOpStartsWith:
			pattern += "%"
		case table.FilterOpEndsWith:
			pattern = "%" + pattern
		default:
			pattern = "%" + pattern + "%"
		}
		*args = append(*args, pattern)
		if f.Operator == table.FilterOpNotContains {
			return text + ` NOT LIKE ? ESCAPE '\'`, nil
		}
		return text + ` LIKE ? ESCAPE '\'`, nil
	case table.FilterOpIsEmpty:
		return "(" + col + " IS NULL OR " + col + " = '')", nil
	case table.FilterOpIsNotEmpty:
		return "(" + col + " IS NOT NULL AND " + col + " <> '')", nil
	default:
		return "", fmt.Errorf("invalid operator %q on column %q", f.Operator, f.Column)
	}
}

func valueOrEmpty(v any) any {
	if v == nil {
		return ""
	}
	return v
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// bind converts a value to what is stored for the column.
func (t *Table) bind(column string, v any) any {
	switch x := table.Normalize(v).(type) {
	case nil:
		return nil
	case bool:
		if x {
			return int64(1)
		}
		return int64(0)
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case map[string]any, []any:
		if b, err := json.Marshal(x); err == nil {
			return string(b)
		}
		return x
	default:
		return jsonldb.CoerceValue(x, t.affin[column])
	}
}

// decode converts a value read from the driver to the column's type.
func (t *Table) decode(column string, v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case []byte:
		if t.types[column] != table.ColumnTypeBlob {
			v = string(x)
		}
	}
	switch t.types[column] {
	case table.ColumnTypeBool:
		switch x := table.Normalize(v).(type) {
		case int64:
			return x != 0
		case float64:
			return x != 0
		}
	case table.ColumnTypeDate:
		if s, ok := v.(string); ok {
			for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05", time.DateOnly} {
				if tm, err := time.Parse(layout, s); err == nil {
					return tm
				}
			}
		}
	case table.ColumnTypeJSONB:
		if s, ok := v.(string); ok {
			var out any
			if err := json.Unmarshal([]byte(s), &out); err == nil {
				return out
			}
		}
	}
	return table.Normalize(v)
}
