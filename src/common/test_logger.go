package common

import (
	"os"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"
)

// TestLogLevel is the level used by test loggers. It can be overridden with
// the PEERNET_TEST_LOG environment variable.
var TestLogLevel = logrus.InfoLevel

func init() {
	if lvl, err := logrus.ParseLevel(os.Getenv("PEERNET_TEST_LOG")); err == nil {
		TestLogLevel = lvl
	}
}

// This can be used as the destination for a logger and it'll
// map them into calls to testing.T.Log, so that you only see
// the logging for failed tests.
type testLoggerAdapter struct {
	t      testing.TB
	prefix string

	// set once the test is over; t.Log panics after that
	done int32
}

func newTestLoggerAdapter(t testing.TB, prefix string) *testLoggerAdapter {
	a := &testLoggerAdapter{t: t, prefix: prefix}
	t.Cleanup(func() { atomic.StoreInt32(&a.done, 1) })
	return a
}

func (a *testLoggerAdapter) Write(d []byte) (int, error) {
	if atomic.LoadInt32(&a.done) == 1 {
		return len(d), nil
	}
	if d[len(d)-1] == '\n' {
		d = d[:len(d)-1]
	}
	if a.prefix != "" {
		l := a.prefix + ": " + string(d)
		a.t.Log(l)
		return len(l), nil
	}
	a.t.Log(string(d))
	return len(d), nil
}

// NewTestLogger returns a logger that writes through t.Log.
func NewTestLogger(t testing.TB, level logrus.Level) *logrus.Logger {
	logger := logrus.New()
	logger.Out = newTestLoggerAdapter(t, "")
	logger.Level = level
	return logger
}

// NewTestEntry is NewTestLogger wrapped in an Entry, with a prefix added to
// every line.
func NewTestEntry(t testing.TB, level logrus.Level) *logrus.Entry {
	logger := logrus.New()
	logger.Out = newTestLoggerAdapter(t, t.Name())
	logger.Level = level
	return logrus.NewEntry(logger)
}
