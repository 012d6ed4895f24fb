// Handles the schema header and reflection-based schema generation.

package jsonldb

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/maruel/tablecache/internal/table"
)

var errSchemaVersionRequired = errors.New("schema version is required")

// currentVersion is the current version of the JSONL table format.
const currentVersion = "1.0"

// Column is a table column in storage.
type Column struct {
	Name        string           `json:"name"`
	Type        table.ColumnType `json:"type"`
	Required    bool             `json:"required,omitempty"`
	Description string           `json:"description,omitempty"`
}

// Header is the first line of a JSONL data file.
type Header struct {
	Version string   `json:"version"`
	Key     []string `json:"key,omitempty"`
	Columns []Column `json:"columns"`
}

// NewHeader returns a header of the current version.
func NewHeader(key []string, columns []Column) Header {
	return Header{Version: currentVersion, Key: key, Columns: columns}
}

// Validate checks that the schema header is well-formed.
func (h *Header) Validate() error {
	if h.Version == "" {
		return errSchemaVersionRequired
	}
	if major, _, _ := strings.Cut(h.Version, "."); major != "1" {
		return fmt.Errorf("unsupported schema version %q", h.Version)
	}
	seen := make(map[string]bool, len(h.Columns))
	for i, col := range h.Columns {
		if col.Name == "" {
			return fmt.Errorf("column %d: name is required", i)
		}
		if seen[col.Name] {
			return fmt.Errorf("column %d: duplicate name %q", i, col.Name)
		}
		seen[col.Name] = true
		switch col.Type {
		case table.ColumnTypeText, table.ColumnTypeNumber, table.ColumnTypeBool,
			table.ColumnTypeDate, table.ColumnTypeBlob, table.ColumnTypeJSONB:
		case "":
			return fmt.Errorf("column %d: type is required", i)
		default:
			return fmt.Errorf("column %d: unknown type %q", i, col.Type)
		}
	}
	for _, k := range h.Key {
		if !seen[k] {
			return fmt.Errorf("unknown key column %q", k)
		}
	}
	return nil
}

// Column returns the named column.
func (h *Header) Column(name string) (*Column, bool) {
	for i := range h.Columns {
		if h.Columns[i].Name == name {
			return &h.Columns[i], true
		}
	}
	return nil, false
}

// SchemaFromType extracts column definitions from a struct type.
//
// Column names and types come from the exported fields and their json tags.
// Descriptions and required fields come from the JSON Schema generated by
// github.com/invopop/jsonschema, so `jsonschema:"description=..."` tags are
// honored.
func SchemaFromType[T any]() ([]Column, error) {
	t := reflect.TypeFor[T]()
	switch t.Kind() {
	case reflect.Pointer:
		if t.Elem().Kind() != reflect.Struct {
			return nil, fmt.Errorf("type must be a struct or pointer to struct, got %s", t.Kind())
		}
		t = t.Elem()
	case reflect.Struct:
	default:
		return nil, fmt.Errorf("type must be a struct or pointer to struct, got %s", t.Kind())
	}

	r := jsonschema.Reflector{Anonymous: true, DoNotReference: true}
	schema := r.ReflectFromType(t)
	required := make(map[string]bool)
	for _, name := range schema.Required {
		required[name] = true
	}

	var columns []Column
	for i := range t.NumField() {
		field := t.Field(i)
		if !field.IsExported() || field.Tag.Get("json") == "-" {
			continue
		}
		name := jsonFieldName(&field)
		col := Column{Name: name, Type: goTypeToColumnType(field.Type), Required: required[name]}
		if schema.Properties != nil {
			if prop, ok := schema.Properties.Get(name); ok && prop != nil {
				col.Description = prop.Description
			}
		}
		columns = append(columns, col)
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("type %s has no exported fields", t)
	}
	return columns, nil
}

// jsonFieldName returns the JSON field name for a struct field.
func jsonFieldName(field *reflect.StructField) string {
	tag := field.Tag.Get("json")
	name, _, _ := strings.Cut(tag, ",")
	if name == "" {
		return field.Name
	}
	return name
}

// goTypeToColumnType maps Go types to column types.
func goTypeToColumnType(t reflect.Type) table.ColumnType {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == reflect.TypeFor[time.Time]() {
		return table.ColumnTypeDate
	}
	if t.Kind() == reflect.Slice && t.Elem().Kind() == reflect.Uint8 {
		return table.ColumnTypeBlob
	}
	switch t.Kind() {
	case reflect.String:
		return table.ColumnTypeText
	case reflect.Bool:
		return table.ColumnTypeBool
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return table.ColumnTypeNumber
	case reflect.Struct, reflect.Slice, reflect.Array, reflect.Map:
		return table.ColumnTypeJSONB
	default:
		return table.ColumnTypeText
	}
}
