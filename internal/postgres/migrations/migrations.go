// Package migrations embeds the SQL migration files that goose applies at startup.
package migrations

import "embed"

// FS exposes the embedded migration files to goose.
//
//go:embed *.sql
var FS embed.FS
