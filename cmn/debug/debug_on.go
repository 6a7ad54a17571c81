//go:build debug

// Package debug provides assertion helpers that compile to no-ops unless
// built with the "debug" build tag.
package debug

import (
	"fmt"
	"sync"
)

func ON() bool { return true }

func Func(f func()) { f() }

func Assert(cond bool, args ...any) {
	if !cond {
		panic(fmt.Sprintln(append([]any{"assertion failed:"}, args...)...))
	}
}

func AssertFunc(f func() bool, args ...any) { Assert(f(), args...) }

func AssertNoErr(err error) {
	if err != nil {
		panic(fmt.Sprintf("assertion failed: unexpected error: %v", err))
	}
}

func Assertf(cond bool, f string, args ...any) {
	if !cond {
		panic("assertion failed: " + fmt.Sprintf(f, args...))
	}
}

// best-effort: Go's sync.Mutex/RWMutex expose no "is locked" query; these
// exist so call sites read the same under both build tags.
func AssertMutexLocked(_ *sync.Mutex)      {}
func AssertRWMutexLocked(_ *sync.RWMutex)  {}
func AssertRWMutexRLocked(_ *sync.RWMutex) {}
