// Package migrations exposes the embedded SQL migrations.
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS
