// Package migrations embeds the SQL schema applied by "messenger migrate".
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS

// Files lists the migrations in the order they must be applied.
var Files = []string{
	"001_create_messages.sql",
	"002_create_execution_records.sql",
}
