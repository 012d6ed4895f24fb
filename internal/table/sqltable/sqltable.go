// Package sqltable implements a table.Gateway over a SQLite table or query.
//
// Filters and sorts are pushed down as WHERE and ORDER BY clauses, paging as
// LIMIT and OFFSET. Writes are keyed by the primary key and, when a version
// column is configured, guarded by it.
package sqltable

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/maruel/tablecache/internal/jsonldb"
	"github.com/maruel/tablecache/internal/table"

	// Registers the "sqlite" driver.
	_ "modernc.org/sqlite"
)

var (
	errTxActive      = errors.New("transaction already active")
	errNoTx          = errors.New("no active transaction")
	errSourceMissing = errors.New("either a table or a query is required")
)

// DriverName is the database/sql driver name registered by this package.
const DriverName = "sqlite"

// Open opens a SQLite database. Use ":memory:" for a private in-memory
// database.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open(DriverName, dsn)
	if err != nil {
		return nil, err
	}
	// SQLite serializes writers; a single connection also keeps ":memory:"
	// databases alive and shared across statements.
	db.SetMaxOpenConns(1)
	return db, nil
}

// Options configures a Table.
type Options struct {
	DB *sql.DB
	// Table is the table name. Mutually exclusive with Query.
	Table string
	// Query is a read-only SELECT statement. Rows are identified by
	// position.
	Query string
	// KeyColumns overrides the primary key reported by the database.
	KeyColumns []string
	// VersionColumn, if set, is checked on update and incremented on every
	// write.
	VersionColumn string
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Table is a SQLite gateway.
//
// It is not safe for concurrent use.
type Table struct {
	db      *sql.DB
	tx      *sql.Tx
	name    string
	from    string
	table   string
	columns []table.Column
	types   map[string]table.ColumnType
	affin   map[string]jsonldb.Affinity
	keys    []string
	version string

	filters []table.Filter
	sorts   []table.Sort
}

// New describes the table or query and returns a gateway over it.
func New(ctx context.Context, opts Options) (*Table, error) {
	if opts.DB == nil {
		return nil, errors.New("db is required")
	}
	t := &Table{
		db:      opts.DB,
		types:   map[string]table.ColumnType{},
		affin:   map[string]jsonldb.Affinity{},
		version: opts.VersionColumn,
	}
	var err error
	switch {
	case opts.Table != "" && opts.Query == "":
		t.name = opts.Table
		t.table = opts.Table
		t.from = quote(opts.Table)
		err = t.describeTable(ctx, opts.KeyColumns)
	case opts.Query != "" && opts.Table == "":
		t.name = opts.Query
		t.from = "(" + opts.Query + ")"
		err = t.describeQuery(ctx)
	default:
		return nil, errSourceMissing
	}
	if err != nil {
		return nil, fmt.Errorf("failed to describe %s: %w", t.name, err)
	}
	if t.version != "" {
		if _, ok := t.types[t.version]; !ok {
			return nil, fmt.Errorf("unknown version column %q", t.version)
		}
		for i := range t.columns {
			if t.columns[i].Name == t.version {
				t.columns[i].ReadOnly = true
			}
		}
	}
	return t, nil
}

func (t *Table) describeTable(ctx context.Context, keys []string) error {
	rows, err := t.db.QueryContext(ctx, "SELECT name, type, \"notnull\", pk FROM pragma_table_info(?)", t.table)
	if err != nil {
		return err
	}
	defer func() {
		_ = rows.Close()
	}()
	type pk struct {
		name string
		pos  int
	}
	var pks []pk
	for rows.Next() {
		var name, decl string
		var notNull, pos int
		if err := rows.Scan(&name, &decl, &notNull, &pos); err != nil {
			return err
		}
		t.addColumn(name, decl)
		c := &t.columns[len(t.columns)-1]
		c.Persistent = true
		c.PrimaryKey = pos > 0
		c.Nullable = notNull == 0 && pos == 0
		if pos > 0 {
			pks = append(pks, pk{name, pos})
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(t.columns) == 0 {
		return errors.New("no such table")
	}
	if len(keys) == 0 {
		slices.SortFunc(pks, func(a, b pk) int { return a.pos - b.pos })
		for _, p := range pks {
			keys = append(keys, p.name)
		}
	}
	for _, k := range keys {
		if _, ok := t.types[k]; !ok {
			return fmt.Errorf("unknown key column %q", k)
		}
	}
	for i := range t.columns {
		t.columns[i].PrimaryKey = slices.Contains(keys, t.columns[i].Name)
		if t.columns[i].PrimaryKey {
			t.columns[i].Nullable = false
		}
	}
	t.keys = keys
	return nil
}

func (t *Table) describeQuery(ctx context.Context) error {
	rows, err := t.db.QueryContext(ctx, "SELECT * FROM "+t.from+" LIMIT 0")
	if err != nil {
		return err
	}
	defer func() {
		_ = rows.Close()
	}()
	cts, err := rows.ColumnTypes()
	if err != nil {
		return err
	}
	for _, ct := range cts {
		t.addColumn(ct.Name(), ct.DatabaseTypeName())
		c := &t.columns[len(t.columns)-1]
		c.ReadOnly = true
		c.Nullable = true
	}
	return rows.Err()
}

func (t *Table) addColumn(name, decl string) {
	typ := columnType(decl)
	t.columns = append(t.columns, table.Column{Name: name, Type: typ})
	t.types[name] = typ
	t.affin[name] = jsonldb.DeclaredTypeAffinity(decl)
}

// columnType maps a declared SQL type to a column type.
func columnType(decl string) table.ColumnType {
	d := strings.ToUpper(decl)
	switch {
	case strings.Contains(d, "BOOL"):
		return table.ColumnTypeBool
	case strings.Contains(d, "DATE"), strings.Contains(d, "TIME"):
		return table.ColumnTypeDate
	case strings.Contains(d, "JSON"):
		return table.ColumnTypeJSONB
	}
	switch jsonldb.DeclaredTypeAffinity(decl) {
	case jsonldb.AffinityINTEGER, jsonldb.AffinityREAL, jsonldb.AffinityNUMERIC:
		return table.ColumnTypeNumber
	case jsonldb.AffinityBLOB:
		if d == "" {
			return table.ColumnTypeText
		}
		return table.ColumnTypeBlob
	default:
		return table.ColumnTypeText
	}
}

// Name implements table.Gateway.
func (t *Table) Name() string {
	return t.name
}

// Columns implements table.Gateway.
func (t *Table) Columns(_ context.Context) ([]table.Column, error) {
	return slices.Clone(t.columns), nil
}

// PrimaryKeyColumns implements table.Gateway.
func (t *Table) PrimaryKeyColumns() []string {
	return slices.Clone(t.keys)
}

// BeginTransaction implements table.Gateway.
func (t *Table) BeginTransaction(ctx context.Context) error {
	if t.tx != nil {
		return errTxActive
	}
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	t.tx = tx
	return nil
}

// Commit implements table.Gateway.
func (t *Table) Commit(_ context.Context) error {
	if t.tx == nil {
		return errNoTx
	}
	err := t.tx.Commit()
	t.tx = nil
	return err
}

// Rollback implements table.Gateway.
func (t *Table) Rollback(_ context.Context) error {
	if t.tx == nil {
		return errNoTx
	}
	err := t.tx.Rollback()
	t.tx = nil
	return err
}

func (t *Table) q() querier {
	if t.tx != nil {
		return t.tx
	}
	return t.db
}

// Results implements table.Gateway.
func (t *Table) Results(ctx context.Context, offset, limit int) (table.Rows, error) {
	where, args, err := t.where()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}
	query := "SELECT " + t.selectList() + " FROM " + t.from + where + t.orderBy() + " LIMIT ? OFFSET ?"
	r, err := t.q().QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, err
	}
	return &rows{t: t, r: r, pos: int64(offset)}, nil
}

// Count implements table.Gateway.
func (t *Table) Count(ctx context.Context) (int, error) {
	where, args, err := t.where()
	if err != nil {
		return 0, err
	}
	var n int
	err = t.q().QueryRowContext(ctx, "SELECT COUNT(*) FROM "+t.from+where, args...).Scan(&n)
	return n, err
}

// ContainsRowWithKey implements table.Gateway.
func (t *Table) ContainsRowWithKey(ctx context.Context, key ...any) (bool, error) {
	if len(t.keys) == 0 {
		return false, table.ErrUnsupported
	}
	if len(key) != len(t.keys) {
		return false, fmt.Errorf("got %d key values, want %d", len(key), len(t.keys))
	}
	where, args, err := t.where()
	if err != nil {
		return false, err
	}
	cond, kargs := t.keyCondition(key)
	if where == "" {
		where = " WHERE " + cond
	} else {
		where += " AND " + cond
	}
	var one int
	err = t.q().QueryRowContext(ctx, "SELECT 1 FROM "+t.from+where+" LIMIT 1", append(args, kargs...)...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// StoreRow implements table.Gateway.
func (t *Table) StoreRow(ctx context.Context, row *table.Row) (int, error) {
	if t.table == "" || len(t.keys) == 0 {
		return 0, table.ErrUnsupported
	}
	if row.ID.IsTemporary() {
		return t.insert(ctx, row)
	}
	return t.update(ctx, row)
}

// RemoveRow implements table.Gateway.
func (t *Table) RemoveRow(ctx context.Context, row *table.Row) (bool, error) {
	if t.table == "" || len(t.keys) == 0 {
		return false, table.ErrUnsupported
	}
	cond, args := t.keyCondition(row.ID.Values())
	res, err := t.q().ExecContext(ctx, "DELETE FROM "+t.from+" WHERE "+cond, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SetFilters implements table.Gateway.
func (t *Table) SetFilters(filters []table.Filter) error {
	for i := range filters {
		for _, c := range filters[i].Columns() {
			if _, ok := t.types[c]; !ok {
				return fmt.Errorf("unknown filter column %q", c)
			}
		}
	}
	t.filters = slices.Clone(filters)
	return nil
}

// SetOrderBy implements table.Gateway.
func (t *Table) SetOrderBy(sorts []table.Sort) error {
	for _, s := range sorts {
		if _, ok := t.types[s.Column]; !ok {
			return fmt.Errorf("unknown sort column %q", s.Column)
		}
	}
	t.sorts = slices.Clone(sorts)
	return nil
}

// RespectsPagingLimits implements table.Gateway.
func (t *Table) RespectsPagingLimits() bool {
	return true
}

func (t *Table) insert(ctx context.Context, row *table.Row) (int, error) {
	var names, marks []string
	var args []any
	for _, c := range t.columns {
		v := row.Values[c.Name]
		if c.Name == t.version {
			v = int64(1)
		}
		if v == nil {
			continue
		}
		names = append(names, quote(c.Name))
		marks = append(marks, "?")
		args = append(args, t.bind(c.Name, v))
	}
	query := "INSERT INTO " + t.from + " DEFAULT VALUES"
	if len(names) > 0 {
		query = "INSERT INTO " + t.from + " (" + strings.Join(names, ", ") + ") VALUES (" + strings.Join(marks, ", ") + ")"
	}
	res, err := t.q().ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	rowid, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	r, err := t.q().QueryContext(ctx, "SELECT "+t.selectList()+" FROM "+t.from+" WHERE rowid = ?", rowid)
	if err != nil {
		return 0, err
	}
	stored := &rows{t: t, r: r}
	defer func() {
		_ = stored.Close()
	}()
	if !stored.Next() {
		if err := stored.Err(); err != nil {
			return 0, err
		}
		return 0, fmt.Errorf("inserted row %d not found", rowid)
	}
	s := stored.Row()
	row.ID = s.ID
	for k, v := range s.Values {
		row.Values[k] = v
	}
	return 1, nil
}

func (t *Table) update(ctx context.Context, row *table.Row) (int, error) {
	var sets []string
	var args []any
	for _, c := range t.columns {
		if c.PrimaryKey || c.Name == t.version {
			continue
		}
		sets = append(sets, quote(c.Name)+" = ?")
		args = append(args, t.bind(c.Name, row.Values[c.Name]))
	}
	if t.version != "" {
		sets = append(sets, quote(t.version)+" = COALESCE("+quote(t.version)+", 0) + 1")
	}
	if len(sets) == 0 {
		sets = append(sets, quote(t.keys[0])+" = "+quote(t.keys[0]))
	}
	keyCond, kargs := t.keyCondition(row.ID.Values())
	cond := keyCond
	args = append(args, kargs...)
	if t.version != "" {
		cond += " AND " + quote(t.version) + " IS ?"
		args = append(args, t.bind(t.version, row.Values[t.version]))
	}
	res, err := t.q().ExecContext(ctx, "UPDATE "+t.from+" SET "+strings.Join(sets, ", ")+" WHERE "+cond, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if t.version == "" {
		return int(n), nil
	}
	var v any
	err = t.q().QueryRowContext(ctx, "SELECT "+quote(t.version)+" FROM "+t.from+" WHERE "+keyCond, kargs...).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, &table.OptimisticLockError{ID: row.ID, Version: row.Values[t.version]}
	}
	row.Values[t.version] = table.Normalize(v)
	return int(n), nil
}

// keyCondition returns the condition matching the key values.
func (t *Table) keyCondition(key []any) (string, []any) {
	parts := make([]string, len(t.keys))
	args := make([]any, len(t.keys))
	for i, k := range t.keys {
		parts[i] = quote(k) + " = ?"
		if i < len(key) {
			args[i] = t.bind(k, key[i])
		}
	}
	return strings.Join(parts, " AND "), args
}

func (t *Table) selectList() string {
	names := make([]string, len(t.columns))
	for i, c := range t.columns {
		names[i] = quote(c.Name)
	}
	return strings.Join(names, ", ")
}

func (t *Table) orderBy() string {
	var parts []string
	for _, s := range t.sorts {
		dir := " ASC"
		if s.Direction == table.SortDesc {
			dir = " DESC"
		}
		parts = append(parts, quote(s.Column)+dir)
	}
	for _, k := range t.keys {
		parts = append(parts, quote(k))
	}
	if len(t.keys) == 0 && t.table != "" {
		parts = append(parts, "rowid")
	}
	if len(parts) == 0 {
		return ""
	}
	return " ORDER BY " + strings.Join(parts, ", ")
}

// quote returns an SQL identifier.
func quote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// rows is a table.Rows over *sql.Rows.
type rows struct {
	t   *Table
	r   *sql.Rows
	pos int64
	cur *table.Row
	err error
}

func (r *rows) Next() bool {
	if r.err != nil || !r.r.Next() {
		return false
	}
	vals := make([]any, len(r.t.columns))
	ptrs := make([]any, len(vals))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := r.r.Scan(ptrs...); err != nil {
		r.err = err
		return false
	}
	r.pos++
	values := make(map[string]any, len(vals))
	for i, c := range r.t.columns {
		values[c.Name] = r.t.decode(c.Name, vals[i])
	}
	r.cur = &table.Row{ID: table.IdentityFor(values, r.t.keys, r.pos), Values: values}
	return true
}

func (r *rows) Row() *table.Row {
	return r.cur
}

func (r *rows) Err() error {
	if r.err != nil {
		return r.err
	}
	return r.r.Err()
}

func (r *rows) Close() error {
	return r.r.Close()
}
