// Package migrations embeds the goose SQL migrations that define the local
// store schema: records, outbox, conflicts and sync metadata.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
