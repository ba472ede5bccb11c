package logging

import (
	"reflect"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestLogger is a Logger that records every entry, down to TraceLevel, for
// assertions in tests.
type TestLogger struct {
	*Logger
	logs *observer.ObservedLogs
}

// NewTestLogger returns a TestLogger with the default config.
func NewTestLogger() *TestLogger {
	core, logs := observer.New(TraceLevel)
	return &TestLogger{
		Logger: &Logger{zap: zap.New(core), config: NewDefaultConfig()},
		logs:   logs,
	}
}

// All returns the recorded entries in order.
func (t *TestLogger) All() []observer.LoggedEntry { return t.logs.All() }

// FilterMessage returns the entries whose message contains msg.
func (t *TestLogger) FilterMessage(msg string) *observer.ObservedLogs {
	return t.logs.FilterMessageSnippet(msg)
}

// Count returns how many entries at level mention msg.
func (t *TestLogger) Count(level zapcore.Level, msg string) int {
	n := 0
	for _, e := range t.logs.FilterMessageSnippet(msg).All() {
		if e.Level == level {
			n++
		}
	}
	return n
}

func (t *TestLogger) AssertLogged(tb testing.TB, level zapcore.Level, msg string) {
	tb.Helper()
	if t.Count(level, msg) == 0 {
		tb.Errorf("no %s entry containing %q; recorded:\n%s", level, msg, t.dump())
	}
}

func (t *TestLogger) AssertNotLogged(tb testing.TB, level zapcore.Level, msg string) {
	tb.Helper()
	if n := t.Count(level, msg); n > 0 {
		tb.Errorf("%d unexpected %s entries containing %q", n, level, msg)
	}
}

// AssertField checks that an entry mentioning msg carries key=want. Fields
// are compared through their context map, so strings, ints and bools all
// match their natural Go values.
func (t *TestLogger) AssertField(tb testing.TB, msg, key string, want any) {
	tb.Helper()
	for _, e := range t.logs.FilterMessageSnippet(msg).All() {
		got, ok := e.ContextMap()[key]
		if !ok {
			continue
		}
		if reflect.DeepEqual(normalizeInt(got), normalizeInt(want)) {
			return
		}
	}
	tb.Errorf("no entry containing %q with %s=%v; recorded:\n%s", msg, key, want, t.dump())
}

func (t *TestLogger) dump() string {
	var b strings.Builder
	for _, e := range t.logs.All() {
		b.WriteString("  ")
		b.WriteString(e.Level.String())
		b.WriteString(" ")
		b.WriteString(e.Message)
		b.WriteString("\n")
	}
	return b.String()
}

// normalizeInt widens integer kinds so zap's int64 matches an untyped int.
func normalizeInt(v any) any {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case uint:
		return int64(n)
	case uint32:
		return int64(n)
	default:
		return v
	}
}
