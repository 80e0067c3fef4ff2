// Package control
// Author: momentics <momentics@gmail.com>
//
// Configuration, scoped driver properties, runtime metrics, debug probes and
// logging for hioload-net.
//
// Provides concurrent-safe state handling primitives including:
//   - Config loading from TOML or YAML files with defaults
//   - Scoped driver properties with reload listeners
//   - Counters for flushes, upcalls and splitter failures
//   - Debug probes exporting pool and runtime state
//   - zap loggers with optional lumberjack file rotation
package control
