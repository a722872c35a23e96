// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - REST requests, rate-limit waits and 429s per bucket scope
//   - Gateway session state, reconnects, heartbeat latency and zombie detections
//   - Entity cache hits, misses and fetches
//   - Archive batch flushes
//
// All collectors are registered on Registry, which is what Handler serves.
package metrics
