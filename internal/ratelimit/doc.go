// Package ratelimit tracks the remote API's rate-limit buckets.
//
// Buckets are discovered from response headers: the server names the bucket
// a route belongs to (X-RateLimit-Bucket), and several routes may share one.
// Until a route has seen its first response it has no bucket and requests
// on it are admitted optimistically.
//
// A process-wide global bucket is consulted before any per-route bucket.
// It blocks everything after a global 429 and optionally enforces a
// requests-per-window ceiling of its own.
//
// Each bucket carries its own mutex so unrelated routes never contend.
// The registry lock only guards the route and bucket maps.
package ratelimit
