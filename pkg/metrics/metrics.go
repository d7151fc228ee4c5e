// Package metrics gates and exposes Prometheus instrumentation for the
// tracker. Collecting metrics is optional: every call site on the hot
// announce/scrape path checks Enabled() before doing any extra bookkeeping
// (e.g. time.Since), so a tracker run with metrics disabled pays nothing
// for them beyond the branch.
package metrics

import "sync/atomic"

var enabled atomic.Bool

// Enable turns on metrics collection process-wide. Call once at startup
// after registering an HTTP handler for promhttp.Handler().
func Enable() { enabled.Store(true) }

// Disable turns off metrics collection, e.g. in unit tests that don't want
// to pay for histogram buckets.
func Disable() { enabled.Store(false) }

// Enabled reports whether metrics collection is currently turned on.
func Enabled() bool { return enabled.Load() }
