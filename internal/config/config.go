// Package config loads the YAML configuration of the tablecache command.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/maruel/tablecache/internal/table"
	"github.com/maruel/tablecache/internal/tabcache"
	"gopkg.in/yaml.v3"
)

// Source kinds.
const (
	KindJSONL  = "jsonl"
	KindSQLite = "sqlite"
)

// Config is the content of a configuration file.
type Config struct {
	Source  Source         `yaml:"source"`
	Cache   Cache          `yaml:"cache"`
	Filters []table.Filter `yaml:"filters,omitempty"`
	Sorts   []table.Sort   `yaml:"sorts,omitempty"`
}

// Source selects the data source.
type Source struct {
	// Kind is "jsonl" or "sqlite".
	Kind string `yaml:"kind"`
	// Path is the JSONL file or the SQLite database.
	Path string `yaml:"path"`
	// Table and Query select the SQLite rows; exactly one is required.
	Table string `yaml:"table,omitempty"`
	Query string `yaml:"query,omitempty"`
	// Key overrides the primary key of a SQLite table.
	Key           []string `yaml:"key,omitempty"`
	VersionColumn string   `yaml:"version_column,omitempty"`
	// AutoIncrement applies to JSONL files with a single numeric key.
	AutoIncrement bool `yaml:"auto_increment,omitempty"`
}

// Cache holds the cache settings. Zero values select the defaults.
type Cache struct {
	PageLength   int           `yaml:"page_length,omitempty"`
	CacheRatio   int           `yaml:"cache_ratio,omitempty"`
	Overlap      *int          `yaml:"overlap,omitempty"`
	SizeValidity time.Duration `yaml:"size_validity,omitempty"`
	AutoCommit   bool          `yaml:"auto_commit,omitempty"`
}

// Load reads and validates the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Parse decodes and validates a configuration. Unknown fields are errors.
func Parse(data []byte) (*Config, error) {
	c := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	s := &c.Source
	switch s.Kind {
	case KindJSONL:
		if s.Table != "" || s.Query != "" || len(s.Key) != 0 {
			return errors.New("source: table, query and key apply to sqlite only; a jsonl file declares its key")
		}
	case KindSQLite:
		if (s.Table == "") == (s.Query == "") {
			return errors.New("source: exactly one of table or query is required")
		}
		if s.AutoIncrement {
			return errors.New("source: auto_increment applies to jsonl only")
		}
	case "":
		return errors.New("source: kind is required")
	default:
		return fmt.Errorf("source: unknown kind %q", s.Kind)
	}
	if s.Path == "" {
		return errors.New("source: path is required")
	}
	for i := range c.Filters {
		if err := c.Filters[i].Validate(); err != nil {
			return fmt.Errorf("filters[%d]: %w", i, err)
		}
	}
	for i, srt := range c.Sorts {
		if srt.Column == "" {
			return fmt.Errorf("sorts[%d]: column is required", i)
		}
		if srt.Direction != "" && srt.Direction != table.SortAsc && srt.Direction != table.SortDesc {
			return fmt.Errorf("sorts[%d]: invalid direction %q", i, srt.Direction)
		}
	}
	o := c.Options()
	if err := o.Validate(); err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	return nil
}

// Options returns the cache options, applying defaults to unset fields.
func (c *Config) Options() tabcache.Options {
	o := tabcache.DefaultOptions()
	if c.Cache.PageLength != 0 {
		o.PageLength = c.Cache.PageLength
		o.Overlap = c.Cache.PageLength
	}
	if c.Cache.CacheRatio != 0 {
		o.CacheRatio = c.Cache.CacheRatio
	}
	if c.Cache.Overlap != nil {
		o.Overlap = *c.Cache.Overlap
	}
	if c.Cache.SizeValidity != 0 {
		o.SizeValidity = c.Cache.SizeValidity
	}
	o.AutoCommit = c.Cache.AutoCommit
	return o
}
