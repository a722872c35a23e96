// Package rest sends requests to the remote REST API.
//
// Client performs single HTTP attempts. Dispatcher sits in front of it and
// is what callers use: it admits every request through a ratelimit.Registry,
// serializes requests that share a bucket, and retries 429 responses after
// the wait the server asked for.
//
// Callers see either a Response, an *APIError for any other 4xx/5xx, or a
// *RateLimitError once the 429 retry budget is spent.
package rest
