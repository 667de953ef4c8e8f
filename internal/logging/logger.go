// Package logging provides the structured, context-aware logger used by the
// service layers.
package logging

import "context"

// Logger is a structured logger. The variadic args are key-value pairs:
//
//	log.Info(ctx, "login succeeded", "account_id", id)
type Logger interface {
	Debug(ctx context.Context, msg string, args ...any)
	Info(ctx context.Context, msg string, args ...any)
	Warn(ctx context.Context, msg string, args ...any)
	Error(ctx context.Context, msg string, args ...any)

	// With returns a child logger that always includes the given pairs.
	With(args ...any) Logger
}
