// Package archive stores gateway dispatch events in PostgreSQL.
//
// Writer is a gateway.EventHandler. Events are buffered in memory and
// written with pgx batches when the batch is full or the flush interval
// elapses. When the database falls behind, rows beyond MaxPending are
// dropped and counted rather than blocking the session.
package archive
