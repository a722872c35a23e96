// Package model defines the small set of shared types the runtime needs
// without decoding domain entities.
//
// Conventions:
//   - IDs: Snowflake strings (decimal uint64), validated before use in routes
//   - Intents: bit flags sent in the identify payload
//   - Presence: the payload of a presence update (op 3)
package model
