// Package migrations embeds SQL migration files for use at runtime.
// Migrations are embedded so they work regardless of working directory.
package migrations

import (
	"embed"
	"io/fs"
)

//go:embed sqlite/*.sql postgres/*.sql
var all embed.FS

// SQLite holds the device state store and collector SQLite sink schema
// (e.g. 001_sdk_state.sql).
var SQLite = mustSub("sqlite")

// Postgres holds the collector Postgres sink schema.
var Postgres = mustSub("postgres")

func mustSub(dir string) fs.FS {
	sub, err := fs.Sub(all, dir)
	if err != nil {
		panic(err)
	}
	return sub
}
