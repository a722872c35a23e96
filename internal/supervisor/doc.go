// Package supervisor keeps one gateway session alive per configured shard.
//
// Sessions reconnect on their own. The supervisor handles what a session
// cannot: a session that stopped for good is replaced by a fresh one after
// an exponential backoff, forever, unless the gateway rejected the
// credentials. Deaths are noticed through the session's Done channel, with
// a periodic poll as a fallback.
package supervisor
