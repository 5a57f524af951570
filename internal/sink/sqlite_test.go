package sink

import (
	"context"
	"testing"
	"time"

	"github.com/you/chatlens/internal/dataset"
	"github.com/you/chatlens/internal/httpapi"
)

const archiveCSV = "Date,User,Message\n" +
	"2024-01-01 10:00,Alice,안녕 ㅋㅋ\n" +
	"2024-01-01 11:00,Bob,사진\n" +
	"2024-01-02 09:30,alice2,링크 https://example.com\n" +
	"2024-01-03 20:15,Carol,그냥 말\n"

func loadArchive(t *testing.T) (*SQLiteSink, *dataset.Dataset) {
	t.Helper()
	s, err := OpenSQLite("")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	ds, err := dataset.Load("chat.csv", dataset.OriginUpload, []byte(archiveCSV))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := s.ReplaceDataset(context.Background(), ds); err != nil {
		t.Fatalf("replace: %v", err)
	}
	return s, ds
}

func TestReplaceDatasetCounts(t *testing.T) {
	s, _ := loadArchive(t)
	n, err := s.CountRecords(context.Background(), httpapi.Filters{})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 4 {
		t.Fatalf("expected 4 records, got %d", n)
	}

	// A second load replaces rather than appends.
	ds, err := dataset.Load("small.csv", dataset.OriginUpload, []byte("a,b,c\n2024-02-01 00:00,Z,끝\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := s.ReplaceDataset(context.Background(), ds); err != nil {
		t.Fatalf("replace: %v", err)
	}
	n, err = s.CountRecords(context.Background(), httpapi.Filters{})
	if err != nil || n != 1 {
		t.Fatalf("expected 1 record after replace, got %d (%v)", n, err)
	}
}

func TestListRecordsFilters(t *testing.T) {
	s, _ := loadArchive(t)
	ctx := context.Background()

	list, err := s.ListRecords(ctx, httpapi.Filters{Users: []string{"alice"}, Order: httpapi.OrderAsc})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].User != "Alice" || list[1].User != "alice2" {
		t.Fatalf("unexpected user filter result: %+v", list)
	}

	list, err = s.ListRecords(ctx, httpapi.Filters{MediaOnly: true})
	if err != nil || len(list) != 1 || list[0].User != "Bob" {
		t.Fatalf("unexpected media filter result: %+v (%v)", list, err)
	}

	list, err = s.ListRecords(ctx, httpapi.Filters{HasURL: true})
	if err != nil || len(list) != 1 || len(list[0].URLs) != 1 {
		t.Fatalf("unexpected url filter result: %+v (%v)", list, err)
	}

	list, err = s.ListRecords(ctx, httpapi.Filters{HasNonverbal: true})
	if err != nil || len(list) != 1 || list[0].Nonverbal[0] != "ㅋㅋ" {
		t.Fatalf("unexpected nonverbal filter result: %+v (%v)", list, err)
	}

	since := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	until := time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)
	list, err = s.ListRecords(ctx, httpapi.Filters{Since: &since, Until: &until})
	if err != nil || len(list) != 1 || list[0].User != "alice2" {
		t.Fatalf("unexpected time window result: %+v (%v)", list, err)
	}

	list, err = s.ListRecords(ctx, httpapi.Filters{Limit: 2})
	if err != nil || len(list) != 2 || list[0].User != "Carol" {
		t.Fatalf("expected newest first with limit, got %+v (%v)", list, err)
	}
}

func TestListRecordsRestoresFeatures(t *testing.T) {
	s, ds := loadArchive(t)
	list, err := s.ListRecords(context.Background(), httpapi.Filters{Order: httpapi.OrderAsc})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != len(ds.Records) {
		t.Fatalf("expected %d records, got %d", len(ds.Records), len(list))
	}
	for i := range list {
		want := ds.Records[i]
		got := list[i]
		if !got.Timestamp.Equal(want.Timestamp) || got.MessageLength != want.MessageLength || got.Weekday != want.Weekday {
			t.Fatalf("record %d mismatch: %+v vs %+v", i, got, want)
		}
		if len(got.Tokens) != len(want.Tokens) {
			t.Fatalf("record %d tokens mismatch: %v vs %v", i, got.Tokens, want.Tokens)
		}
	}
}

type recordingBroadcaster struct {
	events []dataset.Event
}

func (r *recordingBroadcaster) Broadcast(ev dataset.Event) { r.events = append(r.events, ev) }

func TestWithAPIBroadcastsAfterArchive(t *testing.T) {
	s, err := OpenSQLite(MemoryPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	rec := &recordingBroadcaster{}
	w := WithAPI(s, rec)
	ds, err := dataset.Load("chat.csv", dataset.OriginFile, []byte(archiveCSV))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := w.ReplaceDataset(context.Background(), ds); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if len(rec.events) != 1 || rec.events[0].ID != ds.ID || rec.events[0].Records != 4 {
		t.Fatalf("unexpected events %+v", rec.events)
	}

	// Without an archive the event still goes out.
	noDB := WithAPI(nil, rec)
	if err := noDB.ReplaceDataset(context.Background(), ds); err != nil {
		t.Fatalf("replace without db: %v", err)
	}
	if len(rec.events) != 2 {
		t.Fatalf("expected second event, got %d", len(rec.events))
	}
}

func TestApplySQLitePragmasDisabled(t *testing.T) {
	s, err := OpenSQLite(MemoryPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	ApplySQLitePragmas(context.Background(), s.RawDB(), false)
	ApplySQLitePragmas(context.Background(), s.RawDB(), true)
	if err := s.Ping(); err != nil {
		t.Fatalf("ping after pragmas: %v", err)
	}
}

func TestUserFilterIsLiteralAndUnicodeFolded(t *testing.T) {
	s, err := OpenSQLite(MemoryPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	ds, err := dataset.Load("users.csv", dataset.OriginUpload, []byte("Date,User,Message\n"+
		"2024-01-01 10:00,a_b,하나\n"+
		"2024-01-01 10:01,axb,둘\n"+
		"2024-01-01 10:02,50%off,셋\n"+
		"2024-01-01 10:03,ÉCOLE,넷\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	ctx := context.Background()
	if err := s.ReplaceDataset(ctx, ds); err != nil {
		t.Fatalf("replace: %v", err)
	}

	for _, tc := range []struct {
		user string
		want string
	}{
		{"a_b", "a_b"},
		{"%", "50%off"},
		{"école", "ÉCOLE"},
	} {
		filters := httpapi.Filters{Users: []string{tc.user}}
		list, err := s.ListRecords(ctx, filters)
		if err != nil {
			t.Fatalf("list %q: %v", tc.user, err)
		}
		if len(list) != 1 || list[0].User != tc.want {
			t.Fatalf("user %q: expected only %s, got %+v", tc.user, tc.want, list)
		}
		for _, rec := range ds.Records {
			if filters.Matches(rec) != (rec.User == tc.want) {
				t.Fatalf("user %q: in-memory filter disagrees on %s", tc.user, rec.User)
			}
		}
	}
}

func TestListRecordsTieOrder(t *testing.T) {
	s, err := OpenSQLite(MemoryPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	ds, err := dataset.Load("ties.csv", dataset.OriginUpload, []byte("Date,User,Message\n"+
		"2024-01-01 10:00,first,하나\n"+
		"2024-01-01 10:00,second,둘\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	ctx := context.Background()
	if err := s.ReplaceDataset(ctx, ds); err != nil {
		t.Fatalf("replace: %v", err)
	}

	desc, err := s.ListRecords(ctx, httpapi.Filters{Order: httpapi.OrderDesc})
	if err != nil || len(desc) != 2 || desc[0].User != "second" {
		t.Fatalf("expected later file row first when descending, got %+v (%v)", desc, err)
	}
	asc, err := s.ListRecords(ctx, httpapi.Filters{Order: httpapi.OrderAsc})
	if err != nil || len(asc) != 2 || asc[0].User != "first" {
		t.Fatalf("expected file order when ascending, got %+v (%v)", asc, err)
	}
}

func TestDatasetIDTracksCommittedReplace(t *testing.T) {
	s, ds := loadArchive(t)
	if got := s.DatasetID(); got != ds.ID {
		t.Fatalf("expected archived id %s, got %s", ds.ID, got)
	}

	next, err := dataset.Load("next.csv", dataset.OriginUpload, []byte("Date,User,Message\n2024-02-01 00:00,NEW,새\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.ReplaceDataset(ctx, next); err == nil {
		t.Fatalf("expected replace with a cancelled context to fail")
	}
	if got := s.DatasetID(); got != ds.ID {
		t.Fatalf("failed replace changed archived id to %s", got)
	}
	n, err := s.CountRecords(context.Background(), httpapi.Filters{})
	if err != nil || n != int64(len(ds.Records)) {
		t.Fatalf("expected previous rows intact, got %d (%v)", n, err)
	}
}
