package log

import (
	"context"
	"fmt"
)

// SafeError logs an error with explicit production-aware sanitization.
// When production is true only the concrete error type is logged, never
// the error message, which may embed connection strings, credentials, or
// raw broker replies. Extra fields (attempt counters, delays) pass
// through untouched and must not carry sensitive data.
func SafeError(ctx context.Context, logger Logger, msg string, err error, production bool, fields ...Field) {
	if logger == nil || err == nil {
		return
	}

	if !logger.Enabled(LevelError) {
		return
	}

	entry := make([]Field, 0, len(fields)+1)

	if production {
		entry = append(entry, String("error_type", fmt.Sprintf("%T", err)))
	} else {
		entry = append(entry, Err(err))
	}

	entry = append(entry, fields...)

	logger.Log(ctx, LevelError, msg, entry...)
}
