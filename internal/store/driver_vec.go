//go:build sqlite_vec && cgo

package store

import (
	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

// driverName selects the cgo sqlite driver with the real sqlite-vec
// extension. vec0 tables persist through sqlite-vec's shadow tables.
const driverName = "sqlite3"

func init() {
	// Register sqlite-vec as an auto-loadable extension for every new
	// connection of the mattn driver.
	vec.Auto()
}
