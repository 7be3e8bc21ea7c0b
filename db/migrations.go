// Package db embeds the SQL migrations shipped with the API binary.
package db

import (
	"embed"
	"io/fs"
)

//go:embed migrations/*.sql
var Migrations embed.FS

// FS returns the migrations directory as the root of an fs.FS.
func FS() fs.FS {
	sub, err := fs.Sub(Migrations, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}
