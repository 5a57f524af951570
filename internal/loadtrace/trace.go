package loadtrace

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
)

// Stage represents a step of loading a chat table.
type Stage string

const (
	StageSeen         Stage = "seen"
	StageNormalizedOK Stage = "normalized_ok"

	StageDroppedPrefix = "dropped_"
)

// StageDropped creates a Stage for a dropped row with the given reason.
func StageDropped(reason string) Stage {
	return Stage(fmt.Sprintf("%s%s", StageDroppedPrefix, reason))
}

// LoadTrace captures counters for one dataset load.
type LoadTrace struct {
	Source  string
	Origin  string // "upload" | "file" | "reload"
	Bytes   int64
	TraceID string

	mu       sync.Mutex
	counters map[Stage]int64
}

// New constructs a trace for a source of the given size.
func New(source, origin string, size int64) *LoadTrace {
	return &LoadTrace{
		Source:   source,
		Origin:   origin,
		Bytes:    size,
		TraceID:  computeTraceID(source, size),
		counters: make(map[Stage]int64),
	}
}

// Add increments the counter for the provided stage by n and returns the
// updated value.
func (t *LoadTrace) Add(stage Stage, n int64) int64 {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.counters[stage] += n
	return t.counters[stage]
}

// IncCounter increments the counter for the provided stage by one.
func (t *LoadTrace) IncCounter(stage Stage) int64 {
	return t.Add(stage, 1)
}

// Count returns the current value for a stage.
func (t *LoadTrace) Count(stage Stage) int64 {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counters[stage]
}

// LogTrace logs the trace metadata and counters using structured logging.
func (t *LoadTrace) LogTrace(logger *slog.Logger, msg string) {
	if t == nil {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info(msg,
		"trace_id", t.TraceID,
		"source", t.Source,
		"origin", t.Origin,
		"bytes", t.Bytes,
		"counters", t.snapshotCounters(),
	)
}

func (t *LoadTrace) snapshotCounters() map[Stage]int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	copy := make(map[Stage]int64, len(t.counters))
	for stage, count := range t.counters {
		copy[stage] = count
	}

	return copy
}

func computeTraceID(source string, size int64) string {
	digest := sha256.Sum256([]byte(source + "\x1f" + strconv.FormatInt(size, 10)))
	return hex.EncodeToString(digest[:])
}
