package otel

import (
	"os"
	"sync/atomic"
)

// traceEnabled gates per-batch debug events, which are noisy on large
// backfills. Set once from FEEDINGTUBE_TRACE.
var traceEnabled atomic.Bool

func init() {
	traceEnabled.Store(os.Getenv("FEEDINGTUBE_TRACE") != "")
}

// TraceEnabled reports whether FEEDINGTUBE_TRACE is set.
func TraceEnabled() bool {
	return traceEnabled.Load()
}

// SetTraceEnabled overrides the flag, for the --trace CLI flag and tests.
func SetTraceEnabled(v bool) {
	traceEnabled.Store(v)
}
