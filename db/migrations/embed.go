// Package dbmigrations exposes embedded SQL migrations for trader binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into trader binaries.
//
//go:embed *.sql
var Files embed.FS
