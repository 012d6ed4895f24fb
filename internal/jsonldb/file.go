package jsonldb

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"iter"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/goccy/go-json"
	"github.com/maruel/tablecache/internal/table"
)

var (
	errHeaderMissing = errors.New("schema header is missing")
	errFileExists    = errors.New("file already exists")
)

// File is a JSONL table file and its in-memory copy.
type File struct {
	path string

	mu     sync.RWMutex
	header Header
	rows   []map[string]any
	digest *xxhash.Digest
}

// Create writes a new file holding only the header. It fails if the file
// exists.
func Create(path string, h Header) (*File, error) {
	if err := h.Validate(); err != nil {
		return nil, fmt.Errorf("invalid header for %s: %w", path, err)
	}
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("%w: %s", errFileExists, path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	f := &File{path: path, header: h, digest: xxhash.New()}
	if err := f.Replace(nil); err != nil {
		return nil, err
	}
	return f, nil
}

// Open loads an existing file.
func Open(path string) (*File, error) {
	f := &File{path: path, digest: xxhash.New()}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read table file %s: %w", path, err)
	}
	if err := f.parse(data); err != nil {
		return nil, err
	}
	return f, nil
}

// Path returns the file path.
func (f *File) Path() string {
	return f.path
}

// Header returns a copy of the schema header.
func (f *File) Header() Header {
	f.mu.RLock()
	defer f.mu.RUnlock()
	h := f.header
	h.Key = slices.Clone(h.Key)
	h.Columns = slices.Clone(h.Columns)
	return h
}

// Len returns the number of rows.
func (f *File) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.rows)
}

// All returns an iterator over copies of all rows.
func (f *File) All() iter.Seq[map[string]any] {
	return func(yield func(map[string]any) bool) {
		f.mu.RLock()
		defer f.mu.RUnlock()
		for _, row := range f.rows {
			if !yield(maps.Clone(row)) {
				return
			}
		}
	}
}

// Append adds a row at the end of the file.
func (f *File) Append(row map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	clean, err := f.header.checkRow(row)
	if err != nil {
		return err
	}
	data, err := json.Marshal(clean)
	if err != nil {
		return fmt.Errorf("failed to marshal row: %w", err)
	}
	data = append(data, '\n')
	fd, err := os.OpenFile(f.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open table file for append: %w", err)
	}
	defer func() {
		_ = fd.Close()
	}()
	if _, err := fd.Write(data); err != nil {
		return fmt.Errorf("failed to write row: %w", err)
	}
	_, _ = f.digest.Write(data)
	f.rows = append(f.rows, clean)
	return nil
}

// Replace replaces all rows and rewrites the file atomically.
func (f *File) Replace(rows []map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	clean := make([]map[string]any, len(rows))
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	if err := enc.Encode(&f.header); err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}
	for i, row := range rows {
		var err error
		if clean[i], err = f.header.checkRow(row); err != nil {
			return fmt.Errorf("row %d: %w", i, err)
		}
		if err := enc.Encode(clean[i]); err != nil {
			return fmt.Errorf("failed to marshal row %d: %w", i, err)
		}
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), "."+filepath.Base(f.path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create table file: %w", err)
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write table file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write table file: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("failed to replace table file: %w", err)
	}
	f.digest.Reset()
	_, _ = f.digest.Write(buf.Bytes())
	f.rows = clean
	return nil
}

// Reload rereads the file if its content differs from what was last read or
// written, and reports whether it did.
func (f *File) Reload() (bool, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return false, fmt.Errorf("failed to read table file %s: %w", f.path, err)
	}
	f.mu.RLock()
	same := xxhash.Sum64(data) == f.digest.Sum64()
	f.mu.RUnlock()
	if same {
		return false, nil
	}
	return true, f.parse(data)
}

func (f *File) parse(data []byte) error {
	var h Header
	var rows []map[string]any
	n := 0
	for line := range bytes.Lines(data) {
		n++
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if h.Version == "" {
			if err := json.Unmarshal(line, &h); err != nil {
				return fmt.Errorf("failed to unmarshal header in %s: %w", f.path, err)
			}
			if err := h.Validate(); err != nil {
				return fmt.Errorf("invalid header in %s: %w", f.path, err)
			}
			continue
		}
		row, err := h.decodeRow(line)
		if err != nil {
			return fmt.Errorf("%s:%d: %w", f.path, n, err)
		}
		rows = append(rows, row)
	}
	if h.Version == "" {
		return fmt.Errorf("%w in %s", errHeaderMissing, f.path)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.header = h
	f.rows = rows
	f.digest.Reset()
	_, _ = f.digest.Write(data)
	return nil
}

// checkRow returns a copy of row holding every column, after checking that
// it has no unknown column and no missing required value.
func (h *Header) checkRow(row map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(h.Columns))
	for _, col := range h.Columns {
		v := table.Normalize(row[col.Name])
		if v == nil && col.Required {
			return nil, fmt.Errorf("column %q is required", col.Name)
		}
		out[col.Name] = v
	}
	if len(row) > len(out) {
		for _, k := range slices.Sorted(maps.Keys(row)) {
			if _, ok := out[k]; !ok {
				return nil, fmt.Errorf("unknown column %q", k)
			}
		}
	}
	return out, nil
}

func (h *Header) decodeRow(line []byte) (map[string]any, error) {
	d := json.NewDecoder(bytes.NewReader(line))
	d.UseNumber()
	var raw map[string]any
	if err := d.Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal row: %w", err)
	}
	row := make(map[string]any, len(h.Columns))
	for _, col := range h.Columns {
		v, err := decodeValue(col.Type, raw[col.Name])
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", col.Name, err)
		}
		row[col.Name] = v
		delete(raw, col.Name)
	}
	if len(raw) > 0 {
		return nil, fmt.Errorf("unknown column %q", slices.Sorted(maps.Keys(raw))[0])
	}
	return row, nil
}

func decodeValue(t table.ColumnType, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case table.ColumnTypeText:
		return CoerceValue(v, AffinityTEXT), nil
	case table.ColumnTypeNumber:
		switch n := CoerceValue(v, AffinityNUMERIC).(type) {
		case int64, float64:
			return n, nil
		default:
			return nil, fmt.Errorf("not a number: %v", v)
		}
	case table.ColumnTypeBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
		return nil, fmt.Errorf("not a bool: %v", v)
	case table.ColumnTypeDate:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("not a date: %v", v)
		}
		return time.Parse(time.RFC3339Nano, s)
	case table.ColumnTypeBlob:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("not a blob: %v", v)
		}
		return base64.StdEncoding.DecodeString(s)
	default:
		return plain(v), nil
	}
}

// plain replaces json.Number values nested in v with int64 or float64.
func plain(v any) any {
	switch t := v.(type) {
	case json.Number:
		return CoerceValue(t, AffinityNUMERIC)
	case map[string]any:
		for k, e := range t {
			t[k] = plain(e)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = plain(e)
		}
		return t
	default:
		return v
	}
}
