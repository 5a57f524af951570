package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pkg/errors"

	"github.com/you/chatlens/internal/core"
	"github.com/you/chatlens/internal/dataset"
	"github.com/you/chatlens/internal/httpapi"
)

// MemoryPath keeps the archive in process memory.
const MemoryPath = ":memory:"

const schema = `CREATE TABLE IF NOT EXISTS records (
  seq INTEGER PRIMARY KEY,
  dataset_id TEXT NOT NULL,
  ts TEXT NOT NULL,
  wall TEXT NOT NULL,
  user_name TEXT NOT NULL,
  user_key TEXT NOT NULL DEFAULT '',
  text TEXT NOT NULL,
  year INTEGER NOT NULL,
  month INTEGER NOT NULL,
  day INTEGER NOT NULL,
  weekday TEXT NOT NULL,
  hour INTEGER NOT NULL,
  msg_len INTEGER NOT NULL,
  msg_word_count INTEGER NOT NULL,
  audio_visual INTEGER NOT NULL DEFAULT 0,
  nonverbal_json TEXT NOT NULL DEFAULT '[]',
  nonverbal_count INTEGER NOT NULL DEFAULT 0,
  url_json TEXT NOT NULL DEFAULT '[]',
  url_count INTEGER NOT NULL DEFAULT 0,
  tokens_json TEXT NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS records_ts ON records (ts);`

// tsLayout is fixed width so that text order matches time order.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

const recordColumns = "ts, wall, user_name, text, year, month, day, weekday, hour, msg_len, msg_word_count, audio_visual, nonverbal_json, url_json, tokens_json"

// SQLiteSink archives the current dataset for filtered listing.
type SQLiteSink struct {
	db *sql.DB

	mu        sync.RWMutex
	datasetID string
}

func OpenSQLite(path string) (*SQLiteSink, error) {
	if strings.TrimSpace(path) == "" {
		path = MemoryPath
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// One connection: every :memory: connection is its own database.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "apply schema")
	}
	if err := migrateSQLite(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "migrate schema")
	}
	if path != MemoryPath {
		if _, err := db.Exec(`PRAGMA journal_mode=wal;`); err != nil {
			_ = db.Close()
			return nil, errors.Wrap(err, "set WAL")
		}
	}
	return &SQLiteSink{db: db}, nil
}

func (s *SQLiteSink) Close() error { return s.db.Close() }

func (s *SQLiteSink) Ping() error {
	return s.db.Ping()
}

// RawDB exposes the handle for pragma tuning.
func (s *SQLiteSink) RawDB() *sql.DB { return s.db }

func (s *SQLiteSink) String() string {
	return fmt.Sprintf("SQLiteSink{%p}", s.db)
}

// ReplaceDataset swaps the archived rows for ds in one transaction.
func (s *SQLiteSink) ReplaceDataset(ctx context.Context, ds *dataset.Dataset) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin replace")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM records;`); err != nil {
		return errors.Wrap(err, "clear records")
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO records (dataset_id, `+recordColumns+`, nonverbal_count, url_count, user_key)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`)
	if err != nil {
		return errors.Wrap(err, "prepare insert")
	}
	defer stmt.Close()

	for i := range ds.Records {
		rec := &ds.Records[i]
		_, err = stmt.ExecContext(ctx,
			ds.ID,
			rec.Timestamp.UTC().Format(tsLayout),
			rec.Timestamp.Format(time.RFC3339Nano),
			rec.User,
			rec.Text,
			rec.Year, rec.Month, rec.Day, rec.Weekday, rec.Hour,
			rec.MessageLength,
			rec.WordCount,
			rec.IsMediaPlaceholder,
			jsonList(rec.Nonverbal),
			jsonList(rec.URLs),
			jsonList(rec.Tokens),
			len(rec.Nonverbal),
			len(rec.URLs),
			userKey(rec.User),
		)
		if err != nil {
			return errors.Wrapf(err, "insert record %d", i)
		}
	}

	if err = tx.Commit(); err != nil {
		return errors.Wrap(err, "commit replace")
	}
	s.mu.Lock()
	s.datasetID = ds.ID
	s.mu.Unlock()
	return nil
}

// DatasetID is the ID of the dataset whose rows are archived, or "" before
// the first successful replace. A failed replace leaves it unchanged.
func (s *SQLiteSink) DatasetID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.datasetID
}

func jsonList(values []string) string {
	if len(values) == 0 {
		return "[]"
	}
	b, err := json.Marshal(values)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func (s *SQLiteSink) CountRecords(ctx context.Context, filters httpapi.Filters) (int64, error) {
	query, args := buildRecordQuery(filters, true)
	var n int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "count")
	}
	return n, nil
}

func (s *SQLiteSink) ListRecords(ctx context.Context, filters httpapi.Filters) ([]core.ChatRecord, error) {
	query, args := buildRecordQuery(filters, false)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list records")
	}
	defer rows.Close()

	out := []core.ChatRecord{}
	for rows.Next() {
		var (
			rec                     core.ChatRecord
			ts, wall                string
			nonverbal, urls, tokens string
		)
		if err := rows.Scan(&ts, &wall, &rec.User, &rec.Text,
			&rec.Year, &rec.Month, &rec.Day, &rec.Weekday, &rec.Hour,
			&rec.MessageLength, &rec.WordCount, &rec.IsMediaPlaceholder,
			&nonverbal, &urls, &tokens); err != nil {
			return nil, errors.Wrap(err, "scan record")
		}
		if t, err := time.Parse(time.RFC3339Nano, wall); err == nil {
			rec.Timestamp = t
		} else if t, err := time.Parse(tsLayout, ts); err == nil {
			rec.Timestamp = t
		}
		rec.Nonverbal = decodeList(nonverbal)
		rec.URLs = decodeList(urls)
		rec.Tokens = decodeList(tokens)
		out = append(out, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate records")
	}
	return out, nil
}

// userKey is the folded user name matched by the user filter. SQLite's
// LOWER only folds ASCII, so folding happens here.
func userKey(user string) string { return strings.ToLower(user) }

func decodeList(raw string) []string {
	out := []string{}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

func buildRecordQuery(filters httpapi.Filters, count bool) (string, []any) {
	var builder strings.Builder
	if count {
		builder.WriteString("SELECT COUNT(*) FROM records")
	} else {
		builder.WriteString("SELECT " + recordColumns + " FROM records")
	}

	var (
		conditions []string
		args       []any
	)

	if len(filters.Users) > 0 {
		ors := make([]string, 0, len(filters.Users))
		for _, u := range filters.Users {
			ors = append(ors, "instr(user_key, ?) > 0")
			args = append(args, strings.ToLower(u))
		}
		conditions = append(conditions, fmt.Sprintf("(%s)", strings.Join(ors, " OR ")))
	}

	if filters.Since != nil {
		conditions = append(conditions, "ts >= ?")
		args = append(args, filters.Since.UTC().Format(tsLayout))
	}
	if filters.Until != nil {
		conditions = append(conditions, "ts < ?")
		args = append(args, filters.Until.UTC().Format(tsLayout))
	}
	if filters.MediaOnly {
		conditions = append(conditions, "audio_visual = 1")
	}
	if filters.HasNonverbal {
		conditions = append(conditions, "nonverbal_count > 0")
	}
	if filters.HasURL {
		conditions = append(conditions, "url_count > 0")
	}

	if len(conditions) > 0 {
		builder.WriteString(" WHERE ")
		builder.WriteString(strings.Join(conditions, " AND "))
	}

	if !count {
		order := "DESC"
		if filters.Order == httpapi.OrderAsc {
			order = "ASC"
		}
		builder.WriteString(" ORDER BY ts ")
		builder.WriteString(order)
		builder.WriteString(", seq ")
		builder.WriteString(order)
		limit := filters.Limit
		if limit <= 0 {
			limit = defaultListLimit
		}
		builder.WriteString(" LIMIT ?")
		args = append(args, limit)
	}

	builder.WriteString(";")
	return builder.String(), args
}

const defaultListLimit = 100
