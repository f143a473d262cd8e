// Package logging defines the structured-logging interface the sync core
// logs through. The daemon wires in slog; tests plug in a discarding
// implementation.
package logging

import "context"

// Logger is a context-aware, structured logger. The variadic args are
// key-value pairs:
//
//	log.Info(ctx, "sync cycle complete", "sent", sent, "applied", applied)
type Logger interface {
	// Debug logs fine-grained detail, off by default in production.
	Debug(ctx context.Context, msg string, args ...any)

	// Info logs normal operation.
	Info(ctx context.Context, msg string, args ...any)

	// Warn logs unusual but non-fatal conditions.
	Warn(ctx context.Context, msg string, args ...any)

	// Error logs failures.
	Error(ctx context.Context, msg string, args ...any)

	// With returns a child logger that always carries the given key-value
	// pairs.
	With(args ...any) Logger
}
