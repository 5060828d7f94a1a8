// Package migrations embeds the SQL schema migrations for hub.db.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
