// Package cache provides TTL caches in front of the REST dispatcher.
//
// EntityCache caches entities by id. Concurrent lookups of a missing or
// expired id share a single fetch. A not-found response is reported as
// absence rather than an error and is only remembered when configured.
//
// Value caches one value, such as the bot's own user.
package cache
