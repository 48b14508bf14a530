// Package logging configures structured slog output for docindex.
//
// Records are JSON encoded and written to a size-rotated file under
// ~/.docindex/logs/, optionally mirrored to stderr. The stdio MCP server
// uses file-only output because stdout carries the protocol stream.
package logging
