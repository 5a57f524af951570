package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/you/chatlens/internal/chatlog"
	"github.com/you/chatlens/internal/core"
	"github.com/you/chatlens/internal/dataset"
)

const fruitCSV = "Date,User,Message\n" +
	"2024-01-01 10:00,A,사과 바나나 ㅋㅋ\n" +
	"2024-01-01 11:00,B,사과 :)\n" +
	"2024-01-02 10:30,A,사과 체리\n" +
	"2024-01-02 12:00,C,사진\n"

func newTestServer(t *testing.T, opts Options) (*Server, *dataset.Service) {
	t.Helper()
	svc := dataset.NewService(nil, nil)
	srv := New(svc, nil, opts)
	svc.SetObserver(srv)
	return srv, svc
}

func do(t *testing.T, h http.Handler, method, target string, body []byte, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func uploadFruit(t *testing.T, h http.Handler) {
	t.Helper()
	rec := do(t, h, http.MethodPost, "/upload?name=fruit.csv", []byte(fruitCSV), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("upload: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestNoDatasetReturns404(t *testing.T) {
	srv, _ := newTestServer(t, Options{})
	for _, path := range []string{"/summary", "/words", "/matrix/user-words", "/histogram/hours", "/records", "/export.csv"} {
		rec := do(t, srv.Handler(), http.MethodGet, path, nil, nil)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("%s: expected 404, got %d", path, rec.Code)
		}
		var payload map[string]string
		if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
			t.Fatalf("%s: decode: %v", path, err)
		}
		if payload["error"] != "no dataset loaded" {
			t.Fatalf("%s: unexpected body %v", path, payload)
		}
	}
}

func TestUploadThenViews(t *testing.T) {
	srv, _ := newTestServer(t, Options{})
	h := srv.Handler()

	rec := do(t, h, http.MethodPost, "/upload?name=fruit.csv", []byte(fruitCSV), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("upload: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var up struct {
		Dataset dataset.Event   `json:"dataset"`
		Summary chatlog.Summary `json:"summary"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &up); err != nil {
		t.Fatalf("decode upload: %v", err)
	}
	if up.Dataset.Name != "fruit.csv" || up.Summary.TotalMessages != 4 || up.Summary.Users != 3 {
		t.Fatalf("unexpected upload response %+v", up)
	}

	rec = do(t, h, http.MethodGet, "/words?limit=2", nil, nil)
	var words []chatlog.KV
	if err := json.Unmarshal(rec.Body.Bytes(), &words); err != nil {
		t.Fatalf("decode words: %v", err)
	}
	want := []chatlog.KV{{Key: "사과", Count: 3}, {Key: "바나나", Count: 1}}
	if diff := cmp.Diff(want, words); diff != "" {
		t.Fatalf("words mismatch (-want +got):\n%s", diff)
	}

	rec = do(t, h, http.MethodGet, "/matrix/user-words?users=2&words=2", nil, nil)
	var matrix chatlog.Matrix[int]
	if err := json.Unmarshal(rec.Body.Bytes(), &matrix); err != nil {
		t.Fatalf("decode matrix: %v", err)
	}
	if diff := cmp.Diff([]string{"A", "B"}, matrix.Rows); diff != "" {
		t.Fatalf("matrix rows (-want +got):\n%s", diff)
	}
	if v, _ := matrix.At("A", "사과"); v != 2 {
		t.Fatalf("expected A/사과 = 2, got %d", v)
	}

	rec = do(t, h, http.MethodGet, "/users/A/words", nil, nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "체리") {
		t.Fatalf("unexpected user words: %d %s", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodGet, "/histogram/hours", nil, nil)
	var hours struct {
		Bins []hourBin `json:"bins"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &hours); err != nil {
		t.Fatalf("decode hours: %v", err)
	}
	if len(hours.Bins) != 24 || hours.Bins[10].Count != 2 {
		t.Fatalf("unexpected hour bins %+v", hours.Bins)
	}

	if rec := do(t, h, http.MethodGet, "/histogram/bogus", nil, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown histogram, got %d", rec.Code)
	}

	rec = do(t, h, http.MethodGet, "/nonverbal/examples", nil, nil)
	var examples []chatlog.Example
	if err := json.Unmarshal(rec.Body.Bytes(), &examples); err != nil {
		t.Fatalf("decode examples: %v", err)
	}
	if len(examples) != 2 || examples[1].Nonverbal[0] != ":)" {
		t.Fatalf("unexpected examples %+v", examples)
	}
}

func TestViewQueryValidation(t *testing.T) {
	srv, _ := newTestServer(t, Options{})
	h := srv.Handler()
	uploadFruit(t, h)

	cases := map[string]string{
		"/words?limit=5000":             "limit must be at most 1000",
		"/words?limit=abc":              "limit must be a positive integer",
		"/matrix/nonverbal?users=0":     "users must be a positive integer",
		"/matrix/user-words?words=1001": "words must be at most 1000",
	}
	for target, msg := range cases {
		rec := do(t, h, http.MethodGet, target, nil, nil)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", target, rec.Code)
		}
		if !strings.Contains(rec.Body.String(), msg) {
			t.Fatalf("%s: expected %q in %s", target, msg, rec.Body.String())
		}
	}
}

func TestUploadErrors(t *testing.T) {
	srv, svc := newTestServer(t, Options{MaxUploadBytes: 1024})
	h := srv.Handler()

	if rec := do(t, h, http.MethodPost, "/upload", []byte("a,b\n1,2\n"), nil); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for two columns, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/upload", []byte("a,b,c\n\"open,x,y\n"), nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed csv, got %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/upload", nil, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty body, got %d", rec.Code)
	}
	big := []byte("a,b,c\n" + strings.Repeat("2024-01-01 10:00,A,가나다라마바사\n", 100))
	if rec := do(t, h, http.MethodPost, "/upload", big, nil); rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 for oversized body, got %d", rec.Code)
	}
	if _, err := svc.Current(); err == nil {
		t.Fatalf("failed uploads must not load a dataset")
	}
}

func TestMultipartUpload(t *testing.T) {
	srv, svc := newTestServer(t, Options{})

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "KakaoTalk_chat.csv")
	if err != nil {
		t.Fatalf("form file: %v", err)
	}
	_, _ = fw.Write([]byte(fruitCSV))
	_ = mw.Close()

	header := http.Header{"Content-Type": []string{mw.FormDataContentType()}}
	rec := do(t, srv.Handler(), http.MethodPost, "/upload", body.Bytes(), header)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	ds, err := svc.Current()
	if err != nil || ds.Name != "KakaoTalk_chat.csv" {
		t.Fatalf("unexpected dataset %+v (%v)", ds, err)
	}
}

func TestRecordsInMemory(t *testing.T) {
	srv, _ := newTestServer(t, Options{})
	h := srv.Handler()
	uploadFruit(t, h)

	rec := do(t, h, http.MethodGet, "/records?user=a&order=asc", nil, nil)
	var list []struct {
		User string `json:"user_name"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list) != 2 || list[0].Text != "사과 바나나 ㅋㅋ" {
		t.Fatalf("unexpected records %+v", list)
	}

	rec = do(t, h, http.MethodGet, "/count?nonverbal=true", nil, nil)
	if !strings.Contains(rec.Body.String(), `"count":2`) {
		t.Fatalf("unexpected count body %s", rec.Body.String())
	}

	if rec := do(t, h, http.MethodGet, "/records?order=sideways", nil, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad order, got %d", rec.Code)
	}
}

func TestExportCSV(t *testing.T) {
	srv, _ := newTestServer(t, Options{})
	h := srv.Handler()
	uploadFruit(t, h)

	rec := do(t, h, http.MethodGet, "/export.csv", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !bytes.HasPrefix(rec.Body.Bytes(), []byte("\xef\xbb\xbfdate_time,")) {
		t.Fatalf("expected BOM and header, got %q", rec.Body.String()[:20])
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, "fruit_features.csv") {
		t.Fatalf("unexpected content disposition %q", cd)
	}
}

func TestRateLimit(t *testing.T) {
	srv, _ := newTestServer(t, Options{RateLimitRPS: 1, RateLimitBurst: 1})
	h := srv.Handler()

	if rec := do(t, h, http.MethodGet, "/healthz", nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("expected first request allowed, got %d", rec.Code)
	}
	rec := do(t, h, http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
}

func TestCORS(t *testing.T) {
	srv, _ := newTestServer(t, Options{CORSOrigins: []string{"https://dash.example"}})
	h := srv.Handler()

	preflight := http.Header{
		"Origin":                        []string{"https://dash.example"},
		"Access-Control-Request-Method": []string{"POST"},
	}
	rec := do(t, h, http.MethodOptions, "/upload", nil, preflight)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 preflight, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://dash.example" {
		t.Fatalf("unexpected allow origin %q", got)
	}

	rec = do(t, h, http.MethodOptions, "/upload", nil, http.Header{"Origin": []string{"https://evil.example"}})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for disallowed preflight, got %d", rec.Code)
	}

	rec = do(t, h, http.MethodGet, "/healthz", nil, http.Header{"Origin": []string{"https://evil.example"}})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for disallowed origin, got %d", rec.Code)
	}
}

type broadcastArchive struct{ srv *Server }

func (b broadcastArchive) ReplaceDataset(_ context.Context, ds *dataset.Dataset) error {
	b.srv.Broadcast(ds.Event())
	return nil
}

func TestStreamReceivesDatasetEvent(t *testing.T) {
	srv, svc := newTestServer(t, Options{})
	svc.SetArchive(broadcastArchive{srv: srv})

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil || line != ":ok\n" {
		t.Fatalf("expected :ok preamble, got %q (%v)", line, err)
	}

	if _, err := svc.Ingest(ctx, "fruit.csv", dataset.OriginUpload, []byte(fruitCSV)); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev dataset.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if ev.Name != "fruit.csv" || ev.Records != 4 {
			t.Fatalf("unexpected event %+v", ev)
		}
		return
	}
}

func TestShutdownClosesStreams(t *testing.T) {
	srv, _ := newTestServer(t, Options{})
	ch, ok := srv.subscribe("sse")
	if !ok {
		t.Fatalf("subscribe failed")
	}
	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if _, open := <-ch; open {
		t.Fatalf("expected client channel closed")
	}
	if _, ok := srv.subscribe("ws"); ok {
		t.Fatalf("expected subscribe to fail after shutdown")
	}
	srv.Broadcast(dataset.Event{ID: "late"})
}

// fixedStore is an archive that holds one dataset's rows.
type fixedStore struct {
	id   string
	rows []core.ChatRecord
}

func (f *fixedStore) DatasetID() string { return f.id }

func (f *fixedStore) CountRecords(context.Context, Filters) (int64, error) {
	return int64(len(f.rows)), nil
}

func (f *fixedStore) ListRecords(context.Context, Filters) ([]core.ChatRecord, error) {
	return f.rows, nil
}

func TestRecordsFallBackWhenArchiveIsStale(t *testing.T) {
	store := &fixedStore{id: "previous", rows: []core.ChatRecord{{User: "OLD", Text: "old message"}}}
	svc := dataset.NewService(nil, nil)
	srv := New(svc, store, Options{})
	uploadFruit(t, srv.Handler())

	rec := do(t, srv.Handler(), http.MethodGet, "/records?user=old", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("records: expected 200, got %d", rec.Code)
	}
	var list []core.ChatRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode records: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected stale archive rows to be ignored, got %+v", list)
	}

	rec = do(t, srv.Handler(), http.MethodGet, "/count", nil, nil)
	if !strings.Contains(rec.Body.String(), `"count":4`) {
		t.Fatalf("expected in-memory count of 4, got %s", rec.Body.String())
	}

	// Once the archive holds the current dataset it serves listings again.
	ds, err := svc.Current()
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	store.id = ds.ID
	rec = do(t, srv.Handler(), http.MethodGet, "/count", nil, nil)
	if !strings.Contains(rec.Body.String(), `"count":1`) {
		t.Fatalf("expected archive count of 1, got %s", rec.Body.String())
	}
}

func TestFilterRecordsTieOrder(t *testing.T) {
	at := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	records := []core.ChatRecord{
		{Timestamp: at, User: "first"},
		{Timestamp: at, User: "second"},
		{Timestamp: at.Add(time.Minute), User: "later"},
	}
	users := func(list []core.ChatRecord) []string {
		out := make([]string, 0, len(list))
		for _, r := range list {
			out = append(out, r.User)
		}
		return out
	}

	if diff := cmp.Diff([]string{"later", "second", "first"}, users(filterRecords(records, Filters{Order: OrderDesc}))); diff != "" {
		t.Fatalf("desc order mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"first", "second", "later"}, users(filterRecords(records, Filters{Order: OrderAsc}))); diff != "" {
		t.Fatalf("asc order mismatch (-want +got):\n%s", diff)
	}
}
