package logging

import (
	"fmt"
	"strings"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestLogger is a Logger that keeps every entry in memory, for tests
// asserting on what a component logged.
type TestLogger struct {
	*Logger
	logs *observer.ObservedLogs
}

// NewTestLogger records entries at every level, trace included.
func NewTestLogger() *TestLogger {
	core, logs := observer.New(TraceLevel)
	return &TestLogger{Logger: &Logger{zap: zap.New(core)}, logs: logs}
}

// Entries returns the entries whose message contains msg.
func (t *TestLogger) Entries(msg string) []observer.LoggedEntry {
	return t.logs.FilterMessageSnippet(msg).All()
}

// AssertLogged fails tb unless an entry at level has a message containing msg.
func (t *TestLogger) AssertLogged(tb assert.TestingT, level zapcore.Level, msg string) bool {
	for _, e := range t.Entries(msg) {
		if e.Level == level {
			return true
		}
	}
	return assert.Fail(tb, fmt.Sprintf("no %s entry containing %q", level, msg), t.dump())
}

// AssertField fails tb unless an entry containing msg carries key=want.
func (t *TestLogger) AssertField(tb assert.TestingT, msg, key string, want any) bool {
	for _, e := range t.Entries(msg) {
		if got, ok := e.ContextMap()[key]; ok && assert.ObjectsAreEqual(want, got) {
			return true
		}
	}
	return assert.Fail(tb, fmt.Sprintf("no entry containing %q with %s=%v", msg, key, want), t.dump())
}

func (t *TestLogger) dump() string {
	var b strings.Builder
	for _, e := range t.logs.All() {
		fmt.Fprintf(&b, "%s %s %v\n", e.Level, e.Message, e.ContextMap())
	}
	return b.String()
}
