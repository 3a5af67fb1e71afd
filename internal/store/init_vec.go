//go:build sqlite_vec && cgo

package store

import (
	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
)

func init() {
	// vec.Auto() registers sqlite-vec as an auto-loadable extension for
	// every mattn/go-sqlite3 connection opened afterward.
	vec.Auto()
}
