// Package logging provides structured logging for isodb.
//
// # Overview
//
// The logging package wraps log/slog behind a small interface:
//
//   - Four levels (debug, info, warn, error)
//   - Text and JSON output formats
//   - Session IDs to follow one connection's statements
//   - Field-based contextual logging
//
// # Creating a Logger
//
//	logger := logging.New(logging.Config{
//	    Level:  "debug",
//	    Format: "json",
//	    Output: "stderr",
//	})
//
// For tests, use a no-op logger:
//
//	logger := logging.NewNop()
//
// # Structured Logging
//
//	logger.WithSession(logging.NewSessionID()).Warn("lock wait timed out",
//	    "tx", 12,
//	    "key", "account/1",
//	)
//
// Output (text format):
//
//	time=2026-10-16T10:30:00.000Z level=WARN msg="lock wait timed out" session=5f0c... tx=12 key=account/1
package logging
