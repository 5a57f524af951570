// Package chatlog normalizes raw chat tables into records and computes the
// aggregate views shown by the analyzer.
package chatlog

import (
	"errors"
	"fmt"

	"github.com/you/chatlens/internal/core"
)

// ExpectedColumns is the fixed width of a chat table: timestamp, user, text.
const ExpectedColumns = 3

// ErrColumnCount is returned when a table does not have exactly three columns.
var ErrColumnCount = errors.New("chat table must have exactly 3 columns (date_time, user_name, text)")

// Drop reasons reported in Stats.Dropped.
const (
	DropNullTimestamp = "null_timestamp"
	DropNullUser      = "null_user"
	DropNullText      = "null_text"
	DropBadTimestamp  = "bad_timestamp"
)

// Stats summarizes one normalization pass.
type Stats struct {
	Seen    int            `json:"seen"`
	Kept    int            `json:"kept"`
	Dropped map[string]int `json:"dropped"`
}

// DroppedTotal sums the drop counters.
func (s Stats) DroppedTotal() int {
	n := 0
	for _, v := range s.Dropped {
		n += v
	}
	return n
}

// Normalize assigns the three columns positionally, drops rows with a null or
// unparsable timestamp or a null user or text, and derives features for the
// rest. Record order follows row order.
func Normalize(table core.RawTable) ([]core.ChatRecord, Stats, error) {
	stats := Stats{Dropped: make(map[string]int)}
	if cols := table.Columns(); cols != ExpectedColumns {
		return nil, stats, fmt.Errorf("%w: got %d", ErrColumnCount, cols)
	}

	records := make([]core.ChatRecord, 0, len(table.Rows))
	for i := range table.Rows {
		stats.Seen++

		rawTs, ok := table.Cell(i, 0)
		if !ok {
			stats.Dropped[DropNullTimestamp]++
			continue
		}
		user, ok := table.Cell(i, 1)
		if !ok {
			stats.Dropped[DropNullUser]++
			continue
		}
		text, ok := table.Cell(i, 2)
		if !ok {
			stats.Dropped[DropNullText]++
			continue
		}
		ts, ok := ParseTimestamp(rawTs)
		if !ok {
			stats.Dropped[DropBadTimestamp]++
			continue
		}

		records = append(records, Derive(ts, user, text))
	}
	stats.Kept = len(records)
	return records, stats, nil
}
