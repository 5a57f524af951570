package chatlog

import (
	"math"
	"sort"
	"time"

	"github.com/you/chatlens/internal/core"
)

// Summary holds the headline numbers of a dataset.
type Summary struct {
	TotalMessages int        `json:"total_messages"`
	Users         int        `json:"users"`
	First         *time.Time `json:"first,omitempty"`
	Last          *time.Time `json:"last,omitempty"`
	MediaMessages int        `json:"media_messages"`
	URLs          int        `json:"urls"`
	Nonverbal     int        `json:"nonverbal"`
}

func Summarize(records []core.ChatRecord) Summary {
	s := Summary{TotalMessages: len(records)}
	users := make(map[string]struct{})
	for i := range records {
		r := &records[i]
		users[r.User] = struct{}{}
		if s.First == nil || r.Timestamp.Before(*s.First) {
			t := r.Timestamp
			s.First = &t
		}
		if s.Last == nil || r.Timestamp.After(*s.Last) {
			t := r.Timestamp
			s.Last = &t
		}
		if r.IsMediaPlaceholder {
			s.MediaMessages++
		}
		s.URLs += len(r.URLs)
		s.Nonverbal += len(r.Nonverbal)
	}
	s.Users = len(users)
	return s
}

// HourHistogram counts messages per hour of day.
func HourHistogram(records []core.ChatRecord) [24]int {
	var h [24]int
	for _, r := range records {
		h[r.Hour]++
	}
	return h
}

// DayCount is the number of messages on one calendar date.
type DayCount struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

// DailyCounts returns per-date message counts in ascending date order.
func DailyCounts(records []core.ChatRecord) []DayCount {
	counts := make(map[string]int)
	for _, r := range records {
		counts[r.Timestamp.Format(time.DateOnly)]++
	}
	out := make([]DayCount, 0, len(counts))
	for d, n := range counts {
		out = append(out, DayCount{Date: d, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}

// Bin is one bar of an integer histogram.
type Bin struct {
	Value int `json:"value"`
	Count int `json:"count"`
}

func histogram(records []core.ChatRecord, value func(*core.ChatRecord) int) []Bin {
	counts := make(map[int]int)
	for i := range records {
		counts[value(&records[i])]++
	}
	out := make([]Bin, 0, len(counts))
	for v, n := range counts {
		out = append(out, Bin{Value: v, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Value < out[j].Value })
	return out
}

// LengthHistogram bins messages by character count.
func LengthHistogram(records []core.ChatRecord) []Bin {
	return histogram(records, func(r *core.ChatRecord) int { return r.MessageLength })
}

// WordCountHistogram bins messages by whitespace word count.
func WordCountHistogram(records []core.ChatRecord) []Bin {
	return histogram(records, func(r *core.ChatRecord) int { return r.WordCount })
}

// NonverbalCountHistogram bins messages by number of nonverbal expressions.
func NonverbalCountHistogram(records []core.ChatRecord) []Bin {
	return histogram(records, func(r *core.ChatRecord) int { return len(r.Nonverbal) })
}

// LengthSummary is a five-number summary of one user's message lengths.
type LengthSummary struct {
	User   string  `json:"user"`
	Count  int     `json:"count"`
	Min    float64 `json:"min"`
	Q1     float64 `json:"q1"`
	Median float64 `json:"median"`
	Q3     float64 `json:"q3"`
	Max    float64 `json:"max"`
}

// LengthStats summarizes message lengths below maxLen for the most active
// users. A user left with no messages under maxLen is omitted.
func LengthStats(records []core.ChatRecord, topUserLimit, maxLen int) []LengthSummary {
	if topUserLimit <= 0 {
		return []LengthSummary{}
	}
	users := keysOf(UserActivity(records, topUserLimit))
	idx := indexSet(users)
	lengths := make([][]float64, len(users))
	for _, r := range records {
		ui, ok := idx[r.User]
		if !ok || (maxLen > 0 && r.MessageLength >= maxLen) {
			continue
		}
		lengths[ui] = append(lengths[ui], float64(r.MessageLength))
	}

	out := make([]LengthSummary, 0, len(users))
	for i, u := range users {
		vals := lengths[i]
		if len(vals) == 0 {
			continue
		}
		sort.Float64s(vals)
		out = append(out, LengthSummary{
			User:   u,
			Count:  len(vals),
			Min:    vals[0],
			Q1:     quantile(vals, 0.25),
			Median: quantile(vals, 0.5),
			Q3:     quantile(vals, 0.75),
			Max:    vals[len(vals)-1],
		})
	}
	return out
}

// quantile uses linear interpolation between closest ranks; sorted must be
// ascending and non-empty.
func quantile(sorted []float64, q float64) float64 {
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

// Example is a message that contained nonverbal expressions.
type Example struct {
	User      string   `json:"user_name"`
	Text      string   `json:"text"`
	Nonverbal []string `json:"nonverbal"`
}

// NonverbalExamples returns the first limit messages with any nonverbal
// expression, in record order.
func NonverbalExamples(records []core.ChatRecord, limit int) []Example {
	out := []Example{}
	for _, r := range records {
		if limit > 0 && len(out) >= limit {
			break
		}
		if len(r.Nonverbal) == 0 {
			continue
		}
		out = append(out, Example{User: r.User, Text: r.Text, Nonverbal: r.Nonverbal})
	}
	return out
}
