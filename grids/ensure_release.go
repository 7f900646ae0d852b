//go:build !debug

package grids

// ensure compiles to nothing in release builds. Build with -tags debug to
// trap broken partition invariants.
func ensure(cond bool, format string, args ...interface{}) {}

const debugMode = false
