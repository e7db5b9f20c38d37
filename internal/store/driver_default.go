//go:build !(sqlite_vec && cgo)

package store

import (
	_ "modernc.org/sqlite"
)

// driverName selects the pure-Go sqlite driver. The vec0 virtual table and
// vec_distance_cosine are provided by the compat shim in vec_compat.go.
const driverName = "sqlite"
