// Package cmd implements the command-line interface of the memdb server.
//
// The package is organized into several subpackages:
//
//   - serve: Starts the memdb server (port, worker threads, shards, metrics endpoint, ...)
//   - bench: In-process benchmarks of the store and the worker pool
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// All flags can also be set with MEMDB_<FLAG> environment variables (dashes become
// underscores), read from the environment or from .env and .env.local files.
//
// See memdb -help for a list of all commands.
package cmd
