// Package database provides PostgreSQL connectivity for the session store.
//
// Uses pgx for connection pooling and tern for the embedded schema
// migrations. Query latency and failures are reported through a pgx
// QueryTracer.
package database
