// Package jsonldb stores a table of loosely typed rows in a JSONL file.
//
// # File Format
//
// Line 1 is a [Header] holding the format version, the primary-key columns
// and the column definitions. Every following line is one JSON object keyed
// by column name. Dates are RFC 3339 strings and blobs are base64 strings.
//
// # Concurrency
//
// [File] is safe for concurrent use. Writers replace the file atomically
// (write to a temporary file, then rename) so a reader or a file watcher
// never observes a partial table. [File.Reload] compares the xxhash of the
// file content with the last content read or written, so reloading after
// one's own write is a no-op.
package jsonldb
