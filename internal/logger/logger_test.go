package logger

import (
	"bytes"
	"strings"
	"testing"
)

type captureSink struct {
	entries []Entry
}

func (c *captureSink) Log(e Entry) { c.entries = append(c.entries, e) }

func TestEnabledRespectsComponentLevels(t *testing.T) {
	l := New(&captureSink{}, map[Component]Level{ComponentCommand: LevelDebug})
	defer l.Close()
	if !l.Enabled(ComponentCommand, LevelInfo) {
		t.Errorf("LevelDebug component should also be enabled at LevelInfo")
	}
	if l.Enabled(ComponentAuth, LevelInfo) {
		t.Errorf("an unconfigured component should default to LevelOff")
	}
}

func TestLogDeliversEnabledEntries(t *testing.T) {
	sink := &captureSink{}
	l := New(sink, map[Component]Level{ComponentSession: LevelInfo})
	l.Log(ComponentSession, LevelInfo, "checkout", "id", 1)
	l.Close()
	if len(sink.entries) != 1 {
		t.Fatalf("len(sink.entries) = %d; want 1", len(sink.entries))
	}
	if sink.entries[0].Message != "checkout" {
		t.Errorf("Message = %q; want checkout", sink.entries[0].Message)
	}
}

func TestLogDropsDisabledEntries(t *testing.T) {
	sink := &captureSink{}
	l := New(sink, map[Component]Level{ComponentSession: LevelOff})
	l.Log(ComponentSession, LevelInfo, "checkout")
	l.Close()
	if len(sink.entries) != 0 {
		t.Errorf("expected a disabled-level entry to be dropped, got %d entries", len(sink.entries))
	}
}

func TestNilLoggerIsSafe(t *testing.T) {
	var l *Logger
	if l.Enabled(ComponentCommand, LevelInfo) {
		t.Errorf("a nil logger should report nothing enabled")
	}
	l.Log(ComponentCommand, LevelInfo, "should not panic")
}

func TestWriterSinkFormatsKeyValuePairs(t *testing.T) {
	var buf bytes.Buffer
	sink := NewWriterSink(&buf)
	sink.Log(Entry{Component: ComponentServer, Level: LevelDebug, Message: "heartbeat", KeyValues: []interface{}{"rtt", "5ms"}})
	got := buf.String()
	if !strings.Contains(got, "[server]") || !strings.Contains(got, "DEBUG") || !strings.Contains(got, "heartbeat") || !strings.Contains(got, "rtt=5ms") {
		t.Errorf("unexpected formatted line: %q", got)
	}
}

func TestTruncateShortString(t *testing.T) {
	if got := Truncate("short"); got != "short" {
		t.Errorf("Truncate(%q) = %q; want unchanged", "short", got)
	}
}

func TestMergeLevelsPrimaryWinsOverFallback(t *testing.T) {
	fallback := map[Component]Level{ComponentAuth: LevelDebug}
	primary := map[Component]Level{ComponentAuth: LevelOff}
	got := mergeLevels(primary, fallback)
	if got[ComponentAuth] != LevelOff {
		t.Errorf("mergeLevels should let primary override fallback, got %v", got[ComponentAuth])
	}
}
