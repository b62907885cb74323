// Package migrations embeds the goose SQL migrations shared by the local
// replica and the reference backend.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
