// Package database builds the PostgreSQL connection pool used by the event
// archive.
package database
