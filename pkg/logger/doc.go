// Package logger builds the process-wide slog.Logger from environment
// configuration: JSON for production aggregation, text for local
// development.
package logger
