//go:build !(sqlite_vec && cgo)

package store

import (
	_ "modernc.org/sqlite"
)

// sqliteDriver selects the pure-Go SQLite driver. Build with the sqlite_vec
// tag and cgo enabled to switch to the cgo driver with the sqlite-vec
// extension preloaded.
const sqliteDriver = "sqlite"
