// Package migrations holds the SQL schema for the PHI access gateway.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
