// Package jsonltable implements a table.Gateway over a JSONL file.
//
// Rows are held in a memtable.Table and the whole file is rewritten on each
// commit. Watch reloads the file when another process edits it.
package jsonltable

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/maruel/tablecache/internal/jsonldb"
	"github.com/maruel/tablecache/internal/table"
	"github.com/maruel/tablecache/internal/table/memtable"
)

// Options configures a Table.
type Options struct {
	// Path is the JSONL file. It must exist.
	Path string
	// Name defaults to the file name without extension.
	Name string
	// AutoIncrement generates the value of a single integer key column on
	// insert.
	AutoIncrement bool
	// VersionColumn, if set, is checked on update and incremented on every
	// write. It is read-only to callers.
	VersionColumn string
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Table is a JSONL-backed gateway.
//
// Gateway methods must be called from a single goroutine. Watch may run
// concurrently with them.
type Table struct {
	*memtable.Table

	file    *jsonldb.File
	log     *slog.Logger
	inTx    bool
	changed atomic.Bool
}

// Open loads the file at opts.Path.
func Open(opts Options) (*Table, error) {
	f, err := jsonldb.Open(opts.Path)
	if err != nil {
		return nil, err
	}
	h := f.Header()
	name := opts.Name
	if name == "" {
		base := filepath.Base(opts.Path)
		name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	mt, err := memtable.New(memtable.Options{
		Name:          name,
		Columns:       columns(&h, opts.VersionColumn),
		KeyColumns:    h.Key,
		AutoIncrement: opts.AutoIncrement,
		VersionColumn: opts.VersionColumn,
	})
	if err != nil {
		return nil, fmt.Errorf("invalid table %s: %w", opts.Path, err)
	}
	t := &Table{Table: mt, file: f, log: opts.Logger}
	if t.log == nil {
		t.log = slog.Default()
	}
	if err := t.load(); err != nil {
		return nil, err
	}
	return t, nil
}

func columns(h *jsonldb.Header, versionColumn string) []table.Column {
	out := make([]table.Column, len(h.Columns))
	for i, c := range h.Columns {
		out[i] = table.Column{
			Name:       c.Name,
			Type:       c.Type,
			ReadOnly:   c.Name == versionColumn,
			Persistent: true,
			Nullable:   !c.Required,
		}
		for _, k := range h.Key {
			if k == c.Name {
				out[i].PrimaryKey = true
			}
		}
	}
	return out
}

// Path returns the file path.
func (t *Table) Path() string {
	return t.file.Path()
}

// BeginTransaction implements table.Gateway.
func (t *Table) BeginTransaction(ctx context.Context) error {
	if err := t.reloadIfChanged(); err != nil {
		return err
	}
	if err := t.Table.BeginTransaction(ctx); err != nil {
		return err
	}
	t.inTx = true
	return nil
}

// Commit implements table.Gateway. The file is rewritten before the
// in-memory transaction is committed; if writing fails the transaction stays
// open for Rollback.
func (t *Table) Commit(ctx context.Context) error {
	if !t.inTx {
		return t.Table.Commit(ctx)
	}
	all := t.Table.All()
	rows := make([]map[string]any, len(all))
	for i, r := range all {
		rows[i] = r.Values
	}
	if err := t.file.Replace(rows); err != nil {
		return err
	}
	if err := t.Table.Commit(ctx); err != nil {
		return err
	}
	t.inTx = false
	t.log.DebugContext(ctx, "Saved table", "path", t.file.Path(), "rows", len(rows))
	return nil
}

// Rollback implements table.Gateway.
func (t *Table) Rollback(ctx context.Context) error {
	t.inTx = false
	return t.Table.Rollback(ctx)
}

// Results implements table.Gateway.
func (t *Table) Results(ctx context.Context, offset, limit int) (table.Rows, error) {
	if err := t.reloadIfChanged(); err != nil {
		return nil, err
	}
	return t.Table.Results(ctx, offset, limit)
}

// Count implements table.Gateway.
func (t *Table) Count(ctx context.Context) (int, error) {
	if err := t.reloadIfChanged(); err != nil {
		return 0, err
	}
	return t.Table.Count(ctx)
}

// ContainsRowWithKey implements table.Gateway.
func (t *Table) ContainsRowWithKey(ctx context.Context, key ...any) (bool, error) {
	if err := t.reloadIfChanged(); err != nil {
		return false, err
	}
	return t.Table.ContainsRowWithKey(ctx, key...)
}

// Watch watches the file until ctx is canceled. When another process changes
// it, the rows are reloaded on the next read and onChange is called from the
// watcher goroutine.
func (t *Table) Watch(ctx context.Context, onChange func()) error {
	path, err := filepath.Abs(t.file.Path())
	if err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Editors and File.Replace rename over the file, so watch the directory.
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return err
	}
	go func() {
		defer func() { _ = w.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != path || !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				changed, err := t.file.Reload()
				if err != nil {
					t.log.WarnContext(ctx, "Error reloading table", "path", path, "err", err)
					continue
				}
				if changed {
					t.log.InfoContext(ctx, "Table modified externally", "path", path)
					t.changed.Store(true)
					if onChange != nil {
						onChange()
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				t.log.WarnContext(ctx, "Error watching table", "path", path, "err", err)
			}
		}
	}()
	return nil
}

func (t *Table) reloadIfChanged() error {
	if t.inTx || !t.changed.Swap(false) {
		return nil
	}
	if err := t.load(); err != nil {
		t.changed.Store(true)
		return err
	}
	return nil
}

func (t *Table) load() error {
	var rows []*table.Row
	for values := range t.file.All() {
		rows = append(rows, &table.Row{Values: values})
	}
	if err := t.Table.Load(rows); err != nil {
		return fmt.Errorf("failed to load %s: %w", t.file.Path(), err)
	}
	return nil
}
