// Package stores provides the SQLite execution journal.
//
// Each execution is stored with its outcome, attempt count, error code and
// the records it streamed. Scripts are stored zstd-compressed and indexed
// by their BLAKE3 digest, so the history of one script can be listed
// across executions. Migrations are embedded and applied with
// golang-migrate.
package stores
