package storage

// Package storage persists timer run history.
//
// It currently supports:
//   - Appending one record per command run
//   - Querying recent runs per timer (or across all timers)
//
// History is advisory: the daemon runs fine with storage disabled, and
// write failures never block or fail a timer run.
