// Package dipstick implements a configurable instrumentation pipeline for
// application metrics.
//
// Application code defines named markers, counters, levels, gauges, timers
// and percentiles on an InputScope; values recorded through the returned
// handles are dispatched to one or more backends (statsd, graphite,
// prometheus push, text, log), optionally after being aggregated into
// summary statistics over time windows.
//
// Usage:
//
//  1. Pick or compose a scope: a backend's Metrics(), an AtomicBucket,
//     the DefaultProxy, or stages such as Queued, Cached and MultiScope.
//  2. Define the required metrics via the New* constructors.
//  3. Record values during application lifetime; recording never blocks on
//     or fails from backend errors.
//  4. Flush explicitly, or periodically with FlushEvery.
//
// Metrics may be declared through the proxy before any backend is chosen;
// backends can be bound and rebound per namespace at runtime.
package dipstick
