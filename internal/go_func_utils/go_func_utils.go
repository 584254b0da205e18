package go_func_utils

import (
	"log"
	"runtime/debug"
)

// SafeGo runs fn on its own goroutine. The console owns stdout, so a panic is
// written to logger together with the goroutine name and stack before the
// process crashes.
func SafeGo(logger *log.Logger, name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Printf("PANIC in %s: %v\n%s", name, r, debug.Stack())
				panic(r)
			}
		}()
		fn()
	}()
}
