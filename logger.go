package gamewire

import "log/slog"

// Logger is the structured logging interface used throughout the transport.
// Its shape matches *slog.Logger so the standard logger drops in unchanged,
// while applications remain free to supply their own implementation.
type Logger interface {
	// Debug logs a debug-level message with optional key-value pairs.
	Debug(msg string, args ...any)
	// Info logs an info-level message with optional key-value pairs.
	Info(msg string, args ...any)
	// Warn logs a warning-level message with optional key-value pairs.
	Warn(msg string, args ...any)
	// Error logs an error-level message with optional key-value pairs.
	Error(msg string, args ...any)
}

// defaultLogger returns the process-wide slog logger.
func defaultLogger() Logger {
	return slog.Default()
}
