package chatlog

import (
	"sort"

	"github.com/you/chatlens/internal/core"
)

// KV is a ranked key with its occurrence count.
type KV struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// Matrix is a dense row × column table. Rows and Cols label Values.
type Matrix[T int | float64] struct {
	Rows   []string `json:"rows"`
	Cols   []string `json:"cols"`
	Values [][]T    `json:"values"`
}

// At returns the cell for the given labels.
func (m Matrix[T]) At(row, col string) (T, bool) {
	var zero T
	ri, ci := indexOf(m.Rows, row), indexOf(m.Cols, col)
	if ri < 0 || ci < 0 {
		return zero, false
	}
	return m.Values[ri][ci], true
}

func indexOf(list []string, v string) int {
	for i, s := range list {
		if s == v {
			return i
		}
	}
	return -1
}

// counter counts keys and remembers the order each was first seen in, which
// breaks ties when ranking.
type counter struct {
	index  map[string]int
	keys   []string
	counts []int
}

func newCounter() *counter {
	return &counter{index: make(map[string]int)}
}

func (c *counter) add(key string) {
	i, ok := c.index[key]
	if !ok {
		i = len(c.keys)
		c.index[key] = i
		c.keys = append(c.keys, key)
		c.counts = append(c.counts, 0)
	}
	c.counts[i]++
}

// ranked returns up to limit keys by descending count; limit <= 0 means all.
func (c *counter) ranked(limit int) []KV {
	out := make([]KV, len(c.keys))
	for i, k := range c.keys {
		out[i] = KV{Key: k, Count: c.counts[i]}
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].Count > out[b].Count })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func keysOf(kvs []KV) []string {
	out := make([]string, len(kvs))
	for i, kv := range kvs {
		out[i] = kv.Key
	}
	return out
}

func indexSet(keys []string) map[string]int {
	m := make(map[string]int, len(keys))
	for i, k := range keys {
		m[k] = i
	}
	return m
}

// TopWords flattens all tokens and returns the limit most frequent.
func TopWords(records []core.ChatRecord, limit int) []KV {
	if limit <= 0 {
		return []KV{}
	}
	c := newCounter()
	for _, r := range records {
		for _, t := range r.Tokens {
			c.add(t)
		}
	}
	return c.ranked(limit)
}

// UserActivity ranks users by message count; limit <= 0 returns every user.
func UserActivity(records []core.ChatRecord, limit int) []KV {
	c := newCounter()
	for _, r := range records {
		c.add(r.User)
	}
	return c.ranked(limit)
}

// UserTopWords ranks the tokens of a single user.
func UserTopWords(records []core.ChatRecord, user string, limit int) []KV {
	if limit <= 0 {
		return []KV{}
	}
	c := newCounter()
	for _, r := range records {
		if r.User != user {
			continue
		}
		for _, t := range r.Tokens {
			c.add(t)
		}
	}
	return c.ranked(limit)
}

// UserWordMatrix counts how often each of the most active users used each of
// the globally most frequent words. Every top user gets a row, even one whose
// counts are all zero; every top word gets a column.
func UserWordMatrix(records []core.ChatRecord, topUserLimit, topWordLimit int) Matrix[int] {
	users := []string{}
	if topUserLimit > 0 {
		users = keysOf(UserActivity(records, topUserLimit))
	}
	words := keysOf(TopWords(records, topWordLimit))

	values := make([][]int, len(users))
	for i := range values {
		values[i] = make([]int, len(words))
	}

	userIdx, wordIdx := indexSet(users), indexSet(words)
	for _, r := range records {
		ui, ok := userIdx[r.User]
		if !ok {
			continue
		}
		for _, t := range r.Tokens {
			if wi, ok := wordIdx[t]; ok {
				values[ui][wi]++
			}
		}
	}
	return Matrix[int]{Rows: users, Cols: words, Values: values}
}

// NonverbalMatrix relates the users producing the most nonverbal expressions
// to the most frequent expressions. Each row sums to 1. Users and expressions
// with no pair inside both top sets are left out rather than zero-filled.
func NonverbalMatrix(records []core.ChatRecord, topUserLimit, topExpressionLimit int) Matrix[float64] {
	empty := Matrix[float64]{Rows: []string{}, Cols: []string{}, Values: [][]float64{}}
	if topUserLimit <= 0 || topExpressionLimit <= 0 {
		return empty
	}

	userCounts, exprCounts := newCounter(), newCounter()
	for _, r := range records {
		for _, e := range r.Nonverbal {
			userCounts.add(r.User)
			exprCounts.add(e)
		}
	}
	users := keysOf(userCounts.ranked(topUserLimit))
	exprs := keysOf(exprCounts.ranked(topExpressionLimit))
	userIdx, exprIdx := indexSet(users), indexSet(exprs)

	counts := make([][]int, len(users))
	for i := range counts {
		counts[i] = make([]int, len(exprs))
	}
	rowSum := make([]int, len(users))
	colSum := make([]int, len(exprs))
	for _, r := range records {
		ui, ok := userIdx[r.User]
		if !ok {
			continue
		}
		for _, e := range r.Nonverbal {
			ei, ok := exprIdx[e]
			if !ok {
				continue
			}
			counts[ui][ei]++
			rowSum[ui]++
			colSum[ei]++
		}
	}

	var keptCols []int
	for ei := range exprs {
		if colSum[ei] > 0 {
			keptCols = append(keptCols, ei)
		}
	}

	out := empty
	for _, ei := range keptCols {
		out.Cols = append(out.Cols, exprs[ei])
	}
	for ui, u := range users {
		if rowSum[ui] == 0 {
			continue
		}
		row := make([]float64, len(keptCols))
		for j, ei := range keptCols {
			row[j] = float64(counts[ui][ei]) / float64(rowSum[ui])
		}
		out.Rows = append(out.Rows, u)
		out.Values = append(out.Values, row)
	}
	return out
}
