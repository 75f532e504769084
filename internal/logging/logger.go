package logging

import (
	"log/slog"
	"os"
)

// secretKeys are attribute keys whose values never belong in logs.
var secretKeys = map[string]bool{
	"access_token":  true,
	"refresh_token": true,
	"client_secret": true,
	"device_code":   true,
}

func redactSecrets(_ []string, a slog.Attr) slog.Attr {
	if secretKeys[a.Key] {
		a.Value = slog.StringValue("[redacted]")
	}

	return a
}

// NewLogger creates a structured logger appropriate for the environment.
// Production uses JSON format, development uses human-readable text.
// Token and secret attributes are redacted in both.
func NewLogger(env string) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level:       slog.LevelInfo,
		ReplaceAttr: redactSecrets,
	}

	if env == "production" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		opts.Level = slog.LevelDebug
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
