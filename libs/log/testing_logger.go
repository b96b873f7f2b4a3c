package log

import (
	"io"
	"testing"

	"github.com/rs/zerolog"
)

// NewTestingLogger converts a testing.T into a logging interface to make test
// failures and verbose provide better feedback associated with test failures.
// This logger is written to the test console with no level filtering.
//
// By default, the log level is set to debug.
func NewTestingLogger(t testing.TB) Logger {
	return NewTestingLoggerWithLevel(t, LogLevelDebug)
}

// NewTestingLoggerWithLevel creates a testing logger instance at a specific
// level that wraps the behavior of testing.T.Log().
func NewTestingLoggerWithLevel(t testing.TB, level string) Logger {
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		t.Fatalf("unexpected log level (%s): %v", level, err)
	}

	return defaultLogger{
		Logger: zerolog.New(newSyncWriter(testingWriter{t})).Level(logLevel),
	}
}

type testingWriter struct {
	t testing.TB
}

func (tw testingWriter) Write(in []byte) (int, error) {
	tw.t.Log(string(in))
	return len(in), nil
}

// NewTestingLoggerWithOutput creates a testing logger that writes to the
// given writer instead of the test console, useful for asserting on output.
func NewTestingLoggerWithOutput(w io.Writer) Logger {
	return defaultLogger{
		Logger: zerolog.New(newSyncWriter(w)).Level(zerolog.DebugLevel),
	}
}
