package migrations

import "embed"

// Files holds the SQL migrations shipped with the binaries.
//
//go:embed sql/*.sql
var Files embed.FS
