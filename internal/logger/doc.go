// Package logger provides a small wrapper around zap to offer:
//   - a global sugared logger with a console encoder,
//   - context helpers (ToContext/FromContext/WithName/WithKV),
//   - level parsing utilities for the --log-level flag,
//   - convenience functions (Infof, ErrorKV, etc.).
//
// Every service receives a context and extracts its logger from it, so stage
// names and the target function travel with each log line.
package logger
