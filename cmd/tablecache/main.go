// Package main is the entry point for the tablecache command.
//
// tablecache opens a JSONL file or a SQLite table through a paged row cache
// and prints its rows. Configuration is read from a YAML file and CLI flags;
// flags that are explicitly set win.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/lmittmann/tint"
	"github.com/maruel/tablecache/internal/config"
	"github.com/maruel/tablecache/internal/jsonldb"
	"github.com/maruel/tablecache/internal/table"
	"github.com/maruel/tablecache/internal/table/jsonltable"
	"github.com/maruel/tablecache/internal/table/sqltable"
	"github.com/maruel/tablecache/internal/tabcache"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

func main() {
	if err := mainImpl(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "tablecache: %v\n", err)
		os.Exit(1)
	}
}

func mainImpl() error {
	version := flag.Bool("version", false, "Print version and exit")
	configPath := flag.String("config", "", "YAML configuration file")
	kind := flag.String("kind", "", "Source kind (jsonl, sqlite); defaults to the file extension")
	path := flag.String("path", "", "JSONL file or SQLite database")
	tableName := flag.String("table", "", "SQLite table")
	query := flag.String("query", "", "SQLite SELECT statement; rows are read-only")
	pageLength := flag.Int("page-length", tabcache.DefaultPageLength, "Rows per page")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	watch := flag.Bool("watch", false, "Print the first page again whenever the JSONL file changes")
	initPath := flag.String("init", "", "Create a demo JSONL file at this path and exit")
	flag.Usage = func() {
		out := flag.CommandLine.Output()
		_, _ = fmt.Fprintf(out, "usage: tablecache [flags] [count | list [offset [limit]] | first | last]\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *version {
		printVersion()
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()
	ll := &slog.LevelVar{}
	if err := ll.UnmarshalText([]byte(*logLevel)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", *logLevel, err)
	}
	logger := slog.New(tint.NewHandler(colorable.NewColorable(os.Stderr), &tint.Options{
		Level:      ll,
		TimeFormat: "15:04:05.000", // Like time.TimeOnly plus milliseconds.
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			switch t := a.Value.Any().(type) {
			case string:
				if t == "" {
					return slog.Attr{}
				}
			case nil:
				return slog.Attr{}
			}
			return a
		},
	}))
	slog.SetDefault(logger)

	if *initPath != "" {
		return writeDemo(*initPath)
	}

	cfg := &config.Config{}
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return err
		}
	}
	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})
	if set["path"] {
		cfg.Source.Path = *path
	}
	if set["kind"] {
		cfg.Source.Kind = *kind
	} else if cfg.Source.Kind == "" {
		cfg.Source.Kind = config.KindSQLite
		if strings.HasSuffix(cfg.Source.Path, ".jsonl") {
			cfg.Source.Kind = config.KindJSONL
			cfg.Source.AutoIncrement = true
		}
	}
	if set["table"] {
		cfg.Source.Table = *tableName
	}
	if set["query"] {
		cfg.Source.Query = *query
	}
	if set["page-length"] {
		cfg.Cache.PageLength = *pageLength
		cfg.Cache.Overlap = nil
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if *watch && cfg.Source.Kind != config.KindJSONL {
		return errors.New("-watch requires a jsonl source")
	}

	gw, watcher, closeSource, err := openSource(ctx, &cfg.Source)
	if err != nil {
		return err
	}
	defer closeSource()

	opts := cfg.Options()
	opts.Notifications = true
	c, err := tabcache.New(ctx, gw, opts)
	if err != nil {
		return err
	}
	defer c.Close()
	if err := c.SetFilters(cfg.Filters); err != nil {
		return err
	}
	if err := c.Sort(cfg.Sorts...); err != nil {
		return err
	}

	if err := run(ctx, c, flag.Args(), os.Stdout); err != nil {
		return err
	}
	if !*watch {
		return nil
	}

	changed := make(chan struct{}, 1)
	err = watcher.Watch(ctx, func() {
		tabcache.DefaultRegistry.NotifyName(gw.Name())
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	if err != nil {
		return fmt.Errorf("failed to watch %s: %w", watcher.Path(), err)
	}
	slog.InfoContext(ctx, "Watching", "path", watcher.Path())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
			if err := run(ctx, c, flag.Args(), os.Stdout); err != nil {
				return err
			}
		}
	}
}

// openSource returns the gateway described by s. watcher is set for JSONL
// sources.
func openSource(ctx context.Context, s *config.Source) (table.Gateway, *jsonltable.Table, func(), error) {
	switch s.Kind {
	case config.KindJSONL:
		t, err := jsonltable.Open(jsonltable.Options{
			Path:          s.Path,
			AutoIncrement: s.AutoIncrement,
			VersionColumn: s.VersionColumn,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		return t, t, func() {}, nil
	default:
		db, err := sqltable.Open(s.Path)
		if err != nil {
			return nil, nil, nil, err
		}
		t, err := sqltable.New(ctx, sqltable.Options{
			DB:            db,
			Table:         s.Table,
			Query:         s.Query,
			KeyColumns:    s.Key,
			VersionColumn: s.VersionColumn,
		})
		if err != nil {
			_ = db.Close()
			return nil, nil, nil, err
		}
		return t, nil, func() { _ = db.Close() }, nil
	}
}

// run executes the command in args.
func run(ctx context.Context, c *tabcache.Cache, args []string, w io.Writer) error {
	cmd := "list"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}
	switch cmd {
	case "count":
		if len(args) != 0 {
			return fmt.Errorf("unknown arguments: %v", args)
		}
		n, err := c.Size(ctx)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, n)
		return err
	case "list":
		if len(args) > 2 {
			return fmt.Errorf("unknown arguments: %v", args[2:])
		}
		nums := []int{0, c.PageLength()}
		for i, a := range args {
			n, err := strconv.Atoi(a)
			if err != nil || n < 0 {
				return fmt.Errorf("invalid number %q", a)
			}
			nums[i] = n
		}
		return list(ctx, c, nums[0], nums[1], w)
	case "first", "last":
		if len(args) != 0 {
			return fmt.Errorf("unknown arguments: %v", args)
		}
		id, err := c.FirstID(ctx)
		if cmd == "last" {
			id, err = c.LastID(ctx)
		}
		if err != nil {
			return err
		}
		i, err := c.IndexOfID(ctx, id)
		if err != nil {
			return err
		}
		return list(ctx, c, i, 1, w)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// list prints up to limit rows starting at offset as a table.
func list(ctx context.Context, c *tabcache.Cache, offset, limit int, w io.Writer) error {
	size, err := c.Size(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	cols := c.Columns()
	names := make([]string, len(cols))
	for i, col := range cols {
		names[i] = col.Name
	}
	_, _ = fmt.Fprintln(tw, "#\t"+strings.Join(names, "\t"))
	for i := offset; i < size && i < offset+limit; i++ {
		id, err := c.IDByIndex(ctx, i)
		if err != nil {
			return err
		}
		it, err := c.Item(ctx, id)
		if err != nil {
			return err
		}
		cells := make([]string, len(cols))
		for j, col := range cols {
			cells[j] = format(it.Get(col.Name))
		}
		_, _ = fmt.Fprintf(tw, "%d\t%s\n", i, strings.Join(cells, "\t"))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%d of %d rows\n", min(limit, max(size-offset, 0)), size)
	return err
}

func format(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case time.Time:
		return t.Format(time.DateTime)
	case []byte:
		return fmt.Sprintf("<%d bytes>", len(t))
	default:
		return fmt.Sprint(t)
	}
}

// demoRow is a row of the demo file.
type demoRow struct {
	ID      int64     `json:"id" jsonschema:"description=Primary key"`
	Name    string    `json:"name" jsonschema:"description=Display name"`
	Score   float64   `json:"score,omitempty"`
	Created time.Time `json:"created"`
}

func writeDemo(path string) error {
	cols, err := jsonldb.SchemaFromType[demoRow]()
	if err != nil {
		return err
	}
	f, err := jsonldb.Create(path, jsonldb.NewHeader([]string{"id"}, cols))
	if err != nil {
		return err
	}
	names := []string{"ada", "grace", "edsger", "barbara", "ken", "dennis", "margaret", "donald"}
	rows := make([]map[string]any, 0, 250)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range cap(rows) {
		rows = append(rows, map[string]any{
			"id":      i + 1,
			"name":    fmt.Sprintf("%s-%03d", names[i%len(names)], i),
			"score":   float64(i%97) / 4,
			"created": start.Add(time.Duration(i) * time.Hour),
		})
	}
	if err := f.Replace(rows); err != nil {
		return err
	}
	slog.Info("Created demo table", "path", path, "rows", len(rows))
	return nil
}

func printVersion() {
	version, goVersion, revision, dirty := getBuildInfo()
	fmt.Printf("tablecache %s\n", version)
	fmt.Printf("  Go version: %s\n", goVersion)
	fmt.Printf("  Revision:   %s\n", revision)
	if dirty {
		fmt.Printf("  Modified:   true\n")
	}
}

func getBuildInfo() (version, goVersion, revision string, dirty bool) {
	version = "unknown"
	goVersion = "unknown"
	revision = "unknown"
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	version = info.Main.Version
	if version == "" || version == "(devel)" {
		version = "dev"
	}
	goVersion = info.GoVersion
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			revision = setting.Value
		case "vcs.modified":
			dirty = setting.Value == "true"
		}
	}
	return
}
