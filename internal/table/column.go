package table

// ColumnType is the value type of a column.
type ColumnType string

const (
	// ColumnTypeText stores text values.
	ColumnTypeText ColumnType = "text"
	// ColumnTypeNumber stores integer or floating point values.
	ColumnTypeNumber ColumnType = "number"
	// ColumnTypeBool stores booleans.
	ColumnTypeBool ColumnType = "bool"
	// ColumnTypeDate stores timestamps.
	ColumnTypeDate ColumnType = "date"
	// ColumnTypeBlob stores raw bytes.
	ColumnTypeBlob ColumnType = "blob"
	// ColumnTypeJSONB stores structured values.
	ColumnTypeJSONB ColumnType = "jsonb"
)

// Column describes one column of a source.
//
// Columns are read once per cache and never change for its lifetime.
type Column struct {
	Name       string     `json:"name" yaml:"name"`
	Type       ColumnType `json:"type" yaml:"type"`
	ReadOnly   bool       `json:"read_only,omitempty" yaml:"read_only,omitempty"`
	Persistent bool       `json:"persistent,omitempty" yaml:"persistent,omitempty"`
	Nullable   bool       `json:"nullable,omitempty" yaml:"nullable,omitempty"`
	PrimaryKey bool       `json:"primary_key,omitempty" yaml:"primary_key,omitempty"`
}

// Row is the materialized data of one row.
type Row struct {
	ID     ID
	Values map[string]any
}

// Clone returns a copy of the row. Values are copied shallowly.
func (r *Row) Clone() *Row {
	c := &Row{ID: r.ID, Values: make(map[string]any, len(r.Values))}
	for k, v := range r.Values {
		c.Values[k] = v
	}
	return c
}

// Key returns the values of the given columns, in order.
func (r *Row) Key(columns []string) []any {
	out := make([]any, len(columns))
	for i, c := range columns {
		out[i] = r.Values[c]
	}
	return out
}

// IdentityFor returns the persistent ID of a row from its key columns, or the
// positional ID when the source has no key.
func IdentityFor(values map[string]any, keyColumns []string, rowNumber int64) ID {
	if len(keyColumns) == 0 {
		return PositionID(rowNumber)
	}
	key := make([]any, len(keyColumns))
	for i, c := range keyColumns {
		key[i] = values[c]
	}
	return PersistentID(key...)
}
