// Package logx configures the daemon's structured logging.
//
// Logger is a small value type on top of zerolog so that:
//   - console output stays readable (short timestamp + short caller)
//   - file output is JSON, one event per line
//   - levels and sinks can be swapped at runtime (config hot reload)
package logx
