// Package stores provides the local SQLite index of downloaded builds,
// engine sessions, and the per-session step log. It runs in WAL mode
// with embedded golang-migrate migrations.
package stores
