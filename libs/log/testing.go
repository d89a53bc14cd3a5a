package log

import (
	"io"
	"os"
	"testing"
)

// TestingLogger returns a Logger which writes plain text to STDOUT if testing
// is being run with the verbose (-v) flag, a nop Logger otherwise.
//
// Note that the call to TestingLogger() must be made inside a test (not in the
// init func) because verbose flag only set at the time of testing.
func TestingLogger() Logger {
	return TestingLoggerWithOutput(os.Stdout)
}

// TestingLoggerWithOutput is TestingLogger writing to w.
func TestingLoggerWithOutput(w io.Writer) Logger {
	if !testing.Verbose() {
		return NewNopLogger()
	}
	return MustNewLogger(LogFormatPlain, LogLevelDebug, NewSyncWriter(w))
}

// MustNewLogger is NewLogger that panics on error.
func MustNewLogger(format, level string, w io.Writer) Logger {
	logger, err := NewLogger(format, level, w)
	if err != nil {
		panic(err)
	}
	return logger
}
