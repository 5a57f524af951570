package core

import "time"

// RawTable is an uploaded chat table before normalization. Cells are kept as
// read; an empty or missing cell, or one spelled as an NA marker, counts as
// null.
type RawTable struct {
	Header []string
	Rows   [][]string
}

// Cell returns the value at (row, col) and whether it is non-null.
func (t RawTable) Cell(row, col int) (string, bool) {
	if row < 0 || row >= len(t.Rows) {
		return "", false
	}
	r := t.Rows[row]
	if col < 0 || col >= len(r) || IsNull(r[col]) {
		return "", false
	}
	return r[col], true
}

// naMarkers are the cell spellings read as missing values by the usual
// spreadsheet and dataframe exports. Matching is exact, with no trimming.
var naMarkers = map[string]struct{}{
	"": {}, "#N/A": {}, "#N/A N/A": {}, "#NA": {}, "-1.#IND": {}, "-1.#QNAN": {},
	"-NaN": {}, "-nan": {}, "1.#IND": {}, "1.#QNAN": {}, "<NA>": {}, "N/A": {},
	"NA": {}, "NULL": {}, "NaN": {}, "None": {}, "n/a": {}, "nan": {}, "null": {},
}

// IsNull reports whether a raw cell is a missing value.
func IsNull(cell string) bool {
	_, ok := naMarkers[cell]
	return ok
}

// Columns reports the table width: the header length, or the widest row when
// the header is missing.
func (t RawTable) Columns() int {
	if len(t.Header) > 0 {
		return len(t.Header)
	}
	n := 0
	for _, r := range t.Rows {
		if len(r) > n {
			n = len(r)
		}
	}
	return n
}

// ChatRecord is one normalized chat line with its derived features.
type ChatRecord struct {
	Timestamp time.Time `json:"date_time"`
	User      string    `json:"user_name"`
	Text      string    `json:"text"`

	Year    int    `json:"year"`
	Month   int    `json:"month"`
	Day     int    `json:"day"`
	Weekday string `json:"weekday"`
	Hour    int    `json:"hour"`

	MessageLength      int      `json:"msg_len"`
	WordCount          int      `json:"msg_word_count"`
	IsMediaPlaceholder bool     `json:"audio_visual"`
	Nonverbal          []string `json:"nonverbal"`
	URLs               []string `json:"url"`
	Tokens             []string `json:"tokens"`
}
