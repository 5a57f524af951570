// Package dataset holds the chat records of the current session. A dataset is
// built once per load and never mutated; a new load replaces it whole.
package dataset

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/you/chatlens/internal/chatlog"
	"github.com/you/chatlens/internal/core"
	"github.com/you/chatlens/internal/csvio"
	"github.com/you/chatlens/internal/loadtrace"
)

// Load origins.
const (
	OriginUpload = "upload"
	OriginFile   = "file"
	OriginReload = "reload"
)

// ErrNoDataset is returned before the first successful load.
var ErrNoDataset = errors.New("no dataset loaded")

// Dataset is one loaded chat table with its normalized records.
type Dataset struct {
	ID       string
	Name     string
	Origin   string
	Bytes    int64
	LoadedAt time.Time
	TraceID  string
	Records  []core.ChatRecord
	Stats    chatlog.Stats
}

// Event is the notification sent to stream subscribers after a load.
type Event struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Origin   string    `json:"origin"`
	LoadedAt time.Time `json:"loaded_at"`
	Records  int       `json:"records"`
	Dropped  int       `json:"dropped"`
}

// Event summarizes the dataset for subscribers.
func (d *Dataset) Event() Event {
	return Event{
		ID:       d.ID,
		Name:     d.Name,
		Origin:   d.Origin,
		LoadedAt: d.LoadedAt,
		Records:  len(d.Records),
		Dropped:  d.Stats.DroppedTotal(),
	}
}

// Load decodes and normalizes raw CSV bytes into a new dataset. Malformed CSV
// and wrong column counts are returned as errors; chatlog.ErrColumnCount can be
// matched with errors.Is.
func Load(name, origin string, raw []byte) (*Dataset, error) {
	trace := loadtrace.New(name, origin, int64(len(raw)))

	table, err := csvio.ReadTable(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	records, stats, err := chatlog.Normalize(table)
	if err != nil {
		return nil, err
	}

	trace.Add(loadtrace.StageSeen, int64(stats.Seen))
	trace.Add(loadtrace.StageNormalizedOK, int64(stats.Kept))
	for reason, n := range stats.Dropped {
		trace.Add(loadtrace.StageDropped(reason), int64(n))
	}
	trace.LogTrace(slog.Default(), "dataset: loaded")

	return &Dataset{
		ID:       uuid.NewString(),
		Name:     name,
		Origin:   origin,
		Bytes:    int64(len(raw)),
		LoadedAt: time.Now().UTC(),
		TraceID:  trace.TraceID,
		Records:  records,
		Stats:    stats,
	}, nil
}

// Holder publishes the current dataset to concurrent readers.
type Holder struct {
	current atomic.Pointer[Dataset]
}

// Current returns the loaded dataset or ErrNoDataset.
func (h *Holder) Current() (*Dataset, error) {
	ds := h.current.Load()
	if ds == nil {
		return nil, ErrNoDataset
	}
	return ds, nil
}

// Replace swaps in ds and returns the previous dataset, if any.
func (h *Holder) Replace(ds *Dataset) *Dataset {
	if ds == nil {
		panic(fmt.Sprintf("dataset: Replace(nil) on %p", h))
	}
	return h.current.Swap(ds)
}
