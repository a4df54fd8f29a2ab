// Package storage persists scheduled jobs.
//
// Two drivers are available:
//   - "file": the whole job set is held in memory and every mutation rewrites
//     a single JSON array file atomically. Mutations go through one writer
//     goroutine in FIFO order, and memory only changes after the file does.
//   - "sqlite": one row per job in a SQLite database, safe to share between
//     the daemon and one-shot CLI processes.
package storage
