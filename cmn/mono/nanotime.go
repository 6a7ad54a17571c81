//go:build !mono

// Package mono provides low-level monotonic time.
package mono

import "time"

var start = time.Now()

// NanoTime returns a monotonically increasing nanosecond counter. Unlike the
// "mono" build's linkname into the runtime, this reads time.Since, which Go
// guarantees is monotonic on all supported platforms.
func NanoTime() int64 { return int64(time.Since(start)) }
