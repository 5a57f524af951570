package loadtrace

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestTraceIDDeterminism(t *testing.T) {
	first := New("chat.csv", "upload", 1024)
	second := New("chat.csv", "file", 1024)
	if first.TraceID != second.TraceID {
		t.Fatalf("expected deterministic trace id, got %q and %q", first.TraceID, second.TraceID)
	}

	different := New("chat.csv", "upload", 2048)
	if first.TraceID == different.TraceID {
		t.Fatalf("expected different trace id when size changes")
	}
}

func TestCounterIncrements(t *testing.T) {
	trace := New("chat.csv", "upload", 10)

	if count := trace.Add(StageSeen, 5); count != 5 {
		t.Fatalf("expected seen to be 5, got %d", count)
	}

	if count := trace.IncCounter(StageDropped("bad_timestamp")); count != 1 {
		t.Fatalf("expected dropped_bad_timestamp to be 1, got %d", count)
	}

	if count := trace.IncCounter(StageDropped("bad_timestamp")); count != 2 {
		t.Fatalf("expected dropped_bad_timestamp to be 2 after increment, got %d", count)
	}

	if count := trace.Count(StageNormalizedOK); count != 0 {
		t.Fatalf("expected untouched stage to be 0, got %d", count)
	}
}

func TestNilTraceIsSafe(t *testing.T) {
	var trace *LoadTrace
	if trace.Add(StageSeen, 1) != 0 || trace.Count(StageSeen) != 0 {
		t.Fatalf("expected nil trace to count nothing")
	}
	trace.LogTrace(nil, "ignored")
}

func TestLogTrace(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	trace := New("chat.csv", "reload", 42)
	trace.Add(StageSeen, 3)
	trace.LogTrace(logger, "dataset: loaded")

	out := buf.String()
	for _, want := range []string{"dataset: loaded", "origin=reload", "bytes=42", "trace_id=" + trace.TraceID} {
		if !strings.Contains(out, want) {
			t.Fatalf("log line missing %q: %s", want, out)
		}
	}
}
