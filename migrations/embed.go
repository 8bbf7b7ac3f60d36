// Package migrations embeds the versioned SQL schema applied by cmd/migrate and,
// when enabled, by the server at startup.
package migrations

import "embed"

// FS holds the NNNNNN_name.{up,down}.sql files
//
//go:embed *.sql
var FS embed.FS
