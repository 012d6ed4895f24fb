// Provides filter and sort definitions and their in-memory evaluation.

package table

import (
	"bytes"
	"cmp"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Filter defines a condition on row values.
type Filter struct {
	Column   string   `json:"column,omitempty" yaml:"column,omitempty"`
	Operator FilterOp `json:"operator,omitempty" yaml:"operator,omitempty"`
	Value    any      `json:"value,omitempty" yaml:"value,omitempty"`

	// Compound filters (mutually exclusive with Column/Operator/Value)
	And []Filter `json:"and,omitempty" yaml:"and,omitempty"`
	Or  []Filter `json:"or,omitempty" yaml:"or,omitempty"`
}

// FilterOp defines the comparison operator for a filter.
type FilterOp string

const (
	// FilterOpEquals matches if value equals the filter value.
	FilterOpEquals FilterOp = "equals"
	// FilterOpNotEquals matches if value does not equal the filter value.
	FilterOpNotEquals FilterOp = "not_equals"
	// FilterOpContains matches if value contains the filter value (text).
	FilterOpContains FilterOp = "contains"
	// FilterOpNotContains matches if value does not contain the filter value.
	FilterOpNotContains FilterOp = "not_contains"
	// FilterOpStartsWith matches if value starts with the filter value.
	FilterOpStartsWith FilterOp = "starts_with"
	// FilterOpEndsWith matches if value ends with the filter value.
	FilterOpEndsWith FilterOp = "ends_with"
	// FilterOpGreaterThan matches if value is greater than the filter value.
	FilterOpGreaterThan FilterOp = "gt"
	// FilterOpLessThan matches if value is less than the filter value.
	FilterOpLessThan FilterOp = "lt"
	// FilterOpGreaterEqual matches if value is greater than or equal to the filter value.
	FilterOpGreaterEqual FilterOp = "gte"
	// FilterOpLessEqual matches if value is less than or equal to the filter value.
	FilterOpLessEqual FilterOp = "lte"
	// FilterOpIsEmpty matches if value is empty/null.
	FilterOpIsEmpty FilterOp = "is_empty"
	// FilterOpIsNotEmpty matches if value is not empty/null.
	FilterOpIsNotEmpty FilterOp = "is_not_empty"
)

// Valid returns true for a known operator.
func (op FilterOp) Valid() bool {
	switch op {
	case FilterOpEquals, FilterOpNotEquals, FilterOpContains, FilterOpNotContains,
		FilterOpStartsWith, FilterOpEndsWith, FilterOpGreaterThan, FilterOpLessThan,
		FilterOpGreaterEqual, FilterOpLessEqual, FilterOpIsEmpty, FilterOpIsNotEmpty:
		return true
	}
	return false
}

// Equals returns an equality filter.
func Equals(column string, value any) Filter {
	return Filter{Column: column, Operator: FilterOpEquals, Value: value}
}

// Columns returns every column referenced by the filter, including nested ones.
func (f *Filter) Columns() []string {
	var out []string
	if f.Column != "" {
		out = append(out, f.Column)
	}
	for i := range f.And {
		out = append(out, f.And[i].Columns()...)
	}
	for i := range f.Or {
		out = append(out, f.Or[i].Columns()...)
	}
	return out
}

// Validate checks operators recursively.
func (f *Filter) Validate() error {
	if f.Column != "" && !f.Operator.Valid() {
		return fmt.Errorf("invalid operator %q on column %q", f.Operator, f.Column)
	}
	for i := range f.And {
		if err := f.And[i].Validate(); err != nil {
			return err
		}
	}
	for i := range f.Or {
		if err := f.Or[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Equal reports whether two filters are structurally identical.
func (f *Filter) Equal(o *Filter) bool {
	if f.Column != o.Column || f.Operator != o.Operator || len(f.And) != len(o.And) || len(f.Or) != len(o.Or) {
		return false
	}
	if (f.Value == nil) != (o.Value == nil) || Compare(f.Value, o.Value) != 0 {
		return false
	}
	for i := range f.And {
		if !f.And[i].Equal(&o.And[i]) {
			return false
		}
	}
	for i := range f.Or {
		if !f.Or[i].Equal(&o.Or[i]) {
			return false
		}
	}
	return true
}

// Sort defines the sort order for a column.
type Sort struct {
	Column    string  `json:"column" yaml:"column"`
	Direction SortDir `json:"direction,omitempty" yaml:"direction,omitempty"`
}

// SortDir defines the sort direction.
type SortDir string

const (
	// SortAsc sorts in ascending order (A-Z, 0-9, oldest-newest).
	SortAsc SortDir = "asc"
	// SortDesc sorts in descending order (Z-A, 9-0, newest-oldest).
	SortDesc SortDir = "desc"
)

// Match checks if values match all filter conditions.
func Match(values map[string]any, filters []Filter) bool {
	for i := range filters {
		if !matchesFilter(values, &filters[i]) {
			return false
		}
	}
	return true
}

// FilterRows returns the rows matching all filters.
func FilterRows(rows []*Row, filters []Filter) []*Row {
	if len(filters) == 0 {
		return rows
	}
	result := make([]*Row, 0, len(rows))
	for _, r := range rows {
		if Match(r.Values, filters) {
			result = append(result, r)
		}
	}
	return result
}

// SortRows sorts rows in place by the given sort criteria. The sort is stable.
func SortRows(rows []*Row, sorts []Sort) {
	if len(sorts) == 0 {
		return
	}
	slices.SortStableFunc(rows, func(a, b *Row) int {
		return CompareValues(a.Values, b.Values, sorts)
	})
}

// CompareValues orders two rows' values by the sort criteria.
func CompareValues(a, b map[string]any, sorts []Sort) int {
	for i := range sorts {
		s := &sorts[i]
		c := Compare(a[s.Column], b[s.Column])
		if c != 0 {
			if s.Direction == SortDesc {
				return -c
			}
			return c
		}
	}
	return 0
}

// matchesFilter checks if values match a single filter condition.
func matchesFilter(values map[string]any, f *Filter) bool {
	if len(f.And) > 0 {
		for i := range f.And {
			if !matchesFilter(values, &f.And[i]) {
				return false
			}
		}
		return true
	}

	if len(f.Or) > 0 {
		for i := range f.Or {
			if matchesFilter(values, &f.Or[i]) {
				return true
			}
		}
		return false
	}

	if f.Column == "" {
		return true
	}

	value, ok := values[f.Column]
	if !ok {
		return f.Operator == FilterOpIsEmpty
	}
	return matchesOperator(value, f.Operator, f.Value)
}

// matchesOperator applies the filter operator to compare values.
func matchesOperator(value any, op FilterOp, filterValue any) bool {
	switch op {
	case FilterOpIsEmpty:
		return isEmpty(value)
	case FilterOpIsNotEmpty:
		return !isEmpty(value)
	case FilterOpEquals:
		return Compare(value, filterValue) == 0
	case FilterOpNotEquals:
		return Compare(value, filterValue) != 0
	case FilterOpGreaterThan:
		return Compare(value, filterValue) > 0
	case FilterOpLessThan:
		return Compare(value, filterValue) < 0
	case FilterOpGreaterEqual:
		return Compare(value, filterValue) >= 0
	case FilterOpLessEqual:
		return Compare(value, filterValue) <= 0
	case FilterOpContains:
		return strings.Contains(lower(value), lower(filterValue))
	case FilterOpNotContains:
		return !strings.Contains(lower(value), lower(filterValue))
	case FilterOpStartsWith:
		return strings.HasPrefix(lower(value), lower(filterValue))
	case FilterOpEndsWith:
		return strings.HasSuffix(lower(value), lower(filterValue))
	default:
		return false
	}
}

func isEmpty(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case string:
		return v == ""
	case []byte:
		return len(v) == 0
	case []any:
		return len(v) == 0
	default:
		return false
	}
}

// Compare compares two values, returning -1, 0, or 1. nil sorts first.
// Integers and floats compare numerically; mismatched types fall back to
// their string representations.
func Compare(a, b any) int {
	a, b = Normalize(a), Normalize(b)
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}

	switch va := a.(type) {
	case string:
		if vb, ok := b.(string); ok {
			return cmp.Compare(va, vb)
		}
	case int64:
		switch vb := b.(type) {
		case int64:
			return cmp.Compare(va, vb)
		case float64:
			return cmp.Compare(float64(va), vb)
		}
	case float64:
		switch vb := b.(type) {
		case float64:
			return cmp.Compare(va, vb)
		case int64:
			return cmp.Compare(va, float64(vb))
		}
	case bool:
		if vb, ok := b.(bool); ok {
			switch {
			case va == vb:
				return 0
			case !va:
				return -1
			default:
				return 1
			}
		}
	case time.Time:
		if vb, ok := b.(time.Time); ok {
			return va.Compare(vb)
		}
	case []byte:
		if vb, ok := b.([]byte); ok {
			return bytes.Compare(va, vb)
		}
	}
	return cmp.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func lower(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.ToLower(t)
	default:
		return strings.ToLower(fmt.Sprint(t))
	}
}
