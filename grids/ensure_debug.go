//go:build debug

package grids

import (
	"fmt"
	"log"
)

// ensure traps the calling process on a broken partition invariant. The
// panic unwinds through the fabric, which tears down every rank together;
// no rank exits alone.
func ensure(cond bool, format string, args ...interface{}) {
	if !cond {
		msg := fmt.Sprintf(format, args...)
		log.Printf("ensure failed: %s", msg)
		panic(msg)
	}
}

const debugMode = true
