// Package csvio reads chat tables from CSV and writes the derived record table
// back out as UTF-8 with a byte order mark.
package csvio

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"
	"unicode/utf8"

	"golang.org/x/text/encoding/korean"
	xunicode "golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/you/chatlens/internal/core"
)

// Header is the column layout of an exported record table.
var Header = []string{
	"date_time", "user_name", "text",
	"year", "month", "day", "weekday", "hour",
	"msg_len", "msg_word_count", "audio_visual",
	"nonverbal", "nonverbal_count", "url", "url_count", "tokens",
}

const exportTimeLayout = "2006-01-02 15:04:05"

// Decode converts raw upload bytes to UTF-8. A UTF-8 BOM is stripped; bytes
// that are not valid UTF-8 are read as EUC-KR (CP949), which older Windows
// chat exports use.
func Decode(raw []byte) ([]byte, error) {
	raw = bytes.TrimPrefix(raw, []byte("\xef\xbb\xbf"))
	if utf8.Valid(raw) {
		return raw, nil
	}
	out, _, err := transform.Bytes(korean.EUCKR.NewDecoder(), raw)
	if err != nil {
		return nil, fmt.Errorf("decode euc-kr: %w", err)
	}
	return out, nil
}

// ReadTable parses CSV into a raw table. The first record becomes the header.
// Rows may be shorter or longer than the header; missing cells read as null.
func ReadTable(r io.Reader) (core.RawTable, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return core.RawTable{}, fmt.Errorf("read csv: %w", err)
	}
	data, err := Decode(raw)
	if err != nil {
		return core.RawTable{}, err
	}

	cr := csv.NewReader(bytes.NewReader(data))
	cr.FieldsPerRecord = -1
	rows, err := cr.ReadAll()
	if err != nil {
		return core.RawTable{}, fmt.Errorf("parse csv: %w", err)
	}
	if len(rows) == 0 {
		return core.RawTable{}, nil
	}
	return core.RawTable{Header: rows[0], Rows: rows[1:]}, nil
}

// WriteRecords writes the derived table with a leading BOM. List columns are
// JSON arrays.
func WriteRecords(w io.Writer, records []core.ChatRecord) error {
	tw := transform.NewWriter(w, xunicode.UTF8BOM.NewEncoder())
	cw := csv.NewWriter(tw)
	if err := cw.Write(Header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for i := range records {
		row, err := encodeRecord(&records[i])
		if err != nil {
			return err
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write row %d: %w", i, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return tw.Close()
}

func encodeRecord(r *core.ChatRecord) ([]string, error) {
	nonverbal, err := json.Marshal(r.Nonverbal)
	if err != nil {
		return nil, fmt.Errorf("encode nonverbal: %w", err)
	}
	urls, err := json.Marshal(r.URLs)
	if err != nil {
		return nil, fmt.Errorf("encode urls: %w", err)
	}
	tokens, err := json.Marshal(r.Tokens)
	if err != nil {
		return nil, fmt.Errorf("encode tokens: %w", err)
	}
	media := "0"
	if r.IsMediaPlaceholder {
		media = "1"
	}
	return []string{
		r.Timestamp.Format(exportTimeLayout),
		r.User,
		r.Text,
		strconv.Itoa(r.Year),
		strconv.Itoa(r.Month),
		strconv.Itoa(r.Day),
		r.Weekday,
		strconv.Itoa(r.Hour),
		strconv.Itoa(r.MessageLength),
		strconv.Itoa(r.WordCount),
		media,
		string(nonverbal),
		strconv.Itoa(len(r.Nonverbal)),
		string(urls),
		strconv.Itoa(len(r.URLs)),
		string(tokens),
	}, nil
}

// ReadRecords reads a table produced by WriteRecords.
func ReadRecords(r io.Reader) ([]core.ChatRecord, error) {
	table, err := ReadTable(r)
	if err != nil {
		return nil, err
	}
	if len(table.Header) != len(Header) {
		return nil, fmt.Errorf("export header has %d columns, want %d", len(table.Header), len(Header))
	}

	out := make([]core.ChatRecord, 0, len(table.Rows))
	for i, row := range table.Rows {
		rec, err := decodeRecord(row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+1, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func decodeRecord(row []string) (core.ChatRecord, error) {
	if len(row) != len(Header) {
		return core.ChatRecord{}, fmt.Errorf("got %d cells, want %d", len(row), len(Header))
	}
	ts, err := time.Parse(exportTimeLayout, row[0])
	if err != nil {
		return core.ChatRecord{}, fmt.Errorf("date_time: %w", err)
	}

	ints := make([]int, 0, 7)
	for _, idx := range []int{3, 4, 5, 7, 8, 9, 10} {
		n, err := strconv.Atoi(row[idx])
		if err != nil {
			return core.ChatRecord{}, fmt.Errorf("%s: %w", Header[idx], err)
		}
		ints = append(ints, n)
	}

	rec := core.ChatRecord{
		Timestamp:          ts,
		User:               row[1],
		Text:               row[2],
		Year:               ints[0],
		Month:              ints[1],
		Day:                ints[2],
		Weekday:            row[6],
		Hour:               ints[3],
		MessageLength:      ints[4],
		WordCount:          ints[5],
		IsMediaPlaceholder: ints[6] == 1,
	}
	for _, col := range []struct {
		idx int
		dst *[]string
	}{{11, &rec.Nonverbal}, {13, &rec.URLs}, {15, &rec.Tokens}} {
		if err := json.Unmarshal([]byte(row[col.idx]), col.dst); err != nil {
			return core.ChatRecord{}, fmt.Errorf("%s: %w", Header[col.idx], err)
		}
	}
	return rec, nil
}
