// Package migrations embeds the engine's PostgreSQL schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
