package httpapi

import (
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"path"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/you/chatlens/internal/chatlog"
	"github.com/you/chatlens/internal/core"
	"github.com/you/chatlens/internal/csvio"
	"github.com/you/chatlens/internal/dataset"
)

// viewQuery holds the numeric knobs of the aggregate views. Zero means the
// view does not use the knob.
type viewQuery struct {
	Limit       int `query:"limit" validate:"omitempty,min=1,max=1000"`
	Users       int `query:"users" validate:"omitempty,min=1,max=1000"`
	Words       int `query:"words" validate:"omitempty,min=1,max=1000"`
	Expressions int `query:"expressions" validate:"omitempty,min=1,max=1000"`
	MaxLen      int `query:"max_len" validate:"omitempty,min=1,max=100000"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		if name := f.Tag.Get("query"); name != "" {
			return name
		}
		return f.Name
	})
	return v
}

// parseViewQuery overlays the request's parameters on defaults and validates
// the result.
func parseViewQuery(values url.Values, q viewQuery) (viewQuery, error) {
	for key, dst := range map[string]*int{
		"limit":       &q.Limit,
		"users":       &q.Users,
		"words":       &q.Words,
		"expressions": &q.Expressions,
		"max_len":     &q.MaxLen,
	} {
		raw := values.Get(key)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return viewQuery{}, fmt.Errorf("%s must be a positive integer", key)
		}
		*dst = n
	}
	if err := validate.Struct(q); err != nil {
		return viewQuery{}, describeValidation(err)
	}
	return q, nil
}

func describeValidation(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "min":
		return fmt.Errorf("%s must be at least %s", fe.Field(), fe.Param())
	case "max":
		return fmt.Errorf("%s must be at most %s", fe.Field(), fe.Param())
	default:
		return fmt.Errorf("%s is invalid", fe.Field())
	}
}

// current writes a 404 and reports false when nothing is loaded.
func (s *Server) current(w http.ResponseWriter) (*dataset.Dataset, bool) {
	ds, err := s.data.Current()
	if err != nil {
		if errors.Is(err, dataset.ErrNoDataset) {
			writeError(w, http.StatusNotFound, err.Error())
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return nil, false
	}
	return ds, true
}

// viewRequest resolves the dataset and query for a view handler.
func (s *Server) viewRequest(w http.ResponseWriter, r *http.Request, defaults viewQuery) (*dataset.Dataset, viewQuery, bool) {
	q, err := parseViewQuery(r.URL.Query(), defaults)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, viewQuery{}, false
	}
	ds, ok := s.current(w)
	if !ok {
		return nil, viewQuery{}, false
	}
	return ds, q, true
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	name, raw, err := readUpload(r, s.opts.MaxUploadBytes)
	if err != nil {
		if isTooLarge(err) {
			writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("upload exceeds %d bytes", s.opts.MaxUploadBytes))
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(raw) == 0 {
		writeError(w, http.StatusBadRequest, "empty upload")
		return
	}

	ds, err := s.data.Ingest(r.Context(), name, dataset.OriginUpload, raw)
	if err != nil {
		if errors.Is(err, chatlog.ErrColumnCount) {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, summaryResponse{
		Dataset: ds.Event(),
		Summary: chatlog.Summarize(ds.Records),
		Stats:   ds.Stats,
	})
}

// readUpload accepts a multipart "file" field or a raw CSV body.
func readUpload(r *http.Request, maxBytes int64) (string, []byte, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(maxBytes); err != nil {
			return "", nil, err
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			return "", nil, errors.New("multipart upload needs a \"file\" field")
		}
		defer file.Close()
		raw, err := io.ReadAll(file)
		if err != nil {
			return "", nil, err
		}
		return path.Base(header.Filename), raw, nil
	}

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return "", nil, err
	}
	name := strings.TrimSpace(r.URL.Query().Get("name"))
	if name == "" {
		name = "upload.csv"
	}
	return name, raw, nil
}

func isTooLarge(err error) bool {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return true
	}
	return strings.Contains(err.Error(), "request body too large")
}

type summaryResponse struct {
	Dataset dataset.Event   `json:"dataset"`
	Summary chatlog.Summary `json:"summary"`
	Stats   chatlog.Stats   `json:"stats"`
}

func (s *Server) handleSummary(w http.ResponseWriter, _ *http.Request) {
	ds, ok := s.current(w)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, summaryResponse{
		Dataset: ds.Event(),
		Summary: chatlog.Summarize(ds.Records),
		Stats:   ds.Stats,
	})
}

func (s *Server) handleWords(w http.ResponseWriter, r *http.Request) {
	ds, q, ok := s.viewRequest(w, r, viewQuery{Limit: 50})
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, chatlog.TopWords(ds.Records, q.Limit))
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	ds, q, ok := s.viewRequest(w, r, viewQuery{})
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, chatlog.UserActivity(ds.Records, q.Limit))
}

func (s *Server) handleUserWords(w http.ResponseWriter, r *http.Request) {
	ds, q, ok := s.viewRequest(w, r, viewQuery{Limit: 20})
	if !ok {
		return
	}
	user := r.PathValue("user")
	writeJSON(w, http.StatusOK, map[string]any{
		"user":  user,
		"words": chatlog.UserTopWords(ds.Records, user, q.Limit),
	})
}

func (s *Server) handleUserWordMatrix(w http.ResponseWriter, r *http.Request) {
	ds, q, ok := s.viewRequest(w, r, viewQuery{Users: 20, Words: 20})
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, chatlog.UserWordMatrix(ds.Records, q.Users, q.Words))
}

func (s *Server) handleNonverbalMatrix(w http.ResponseWriter, r *http.Request) {
	ds, q, ok := s.viewRequest(w, r, viewQuery{Users: 15, Expressions: 20})
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, chatlog.NonverbalMatrix(ds.Records, q.Users, q.Expressions))
}

func (s *Server) handleNonverbalExamples(w http.ResponseWriter, r *http.Request) {
	ds, q, ok := s.viewRequest(w, r, viewQuery{Limit: 10})
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, chatlog.NonverbalExamples(ds.Records, q.Limit))
}

type hourBin struct {
	Hour  int `json:"hour"`
	Count int `json:"count"`
}

func (s *Server) handleHistogram(w http.ResponseWriter, r *http.Request) {
	kind := r.PathValue("kind")
	var view func([]core.ChatRecord) any
	switch kind {
	case "hours":
		view = func(records []core.ChatRecord) any {
			hist := chatlog.HourHistogram(records)
			out := make([]hourBin, len(hist))
			for h, n := range hist {
				out[h] = hourBin{Hour: h, Count: n}
			}
			return out
		}
	case "days":
		view = func(records []core.ChatRecord) any { return chatlog.DailyCounts(records) }
	case "lengths":
		view = func(records []core.ChatRecord) any { return chatlog.LengthHistogram(records) }
	case "words":
		view = func(records []core.ChatRecord) any { return chatlog.WordCountHistogram(records) }
	case "nonverbal":
		view = func(records []core.ChatRecord) any { return chatlog.NonverbalCountHistogram(records) }
	default:
		writeError(w, http.StatusNotFound, "unknown histogram "+strconv.Quote(kind))
		return
	}

	ds, ok := s.current(w)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"kind": kind, "bins": view(ds.Records)})
}

func (s *Server) handleLengths(w http.ResponseWriter, r *http.Request) {
	ds, q, ok := s.viewRequest(w, r, viewQuery{Users: 15, MaxLen: 100})
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, chatlog.LengthStats(ds.Records, q.Users, q.MaxLen))
}

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	filters, err := FiltersFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ds, ok := s.current(w)
	if !ok {
		return
	}
	store := s.archiveFor(ds)
	if store == nil {
		writeJSON(w, http.StatusOK, filterRecords(ds.Records, filters))
		return
	}
	list, err := store.ListRecords(r.Context(), filters)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	filters, err := FiltersFromRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ds, ok := s.current(w)
	if !ok {
		return
	}
	var count int64
	if store := s.archiveFor(ds); store == nil {
		filters.Limit = 0
		count = int64(len(filterRecords(ds.Records, filters)))
	} else {
		count, err = store.CountRecords(r.Context(), filters)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "count failed: "+err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": count})
}

// archiveFor returns the store when it holds ds, or nil when listings must be
// served from memory: no archive configured, or the last archive write for ds
// failed and the store still holds an older dataset.
func (s *Server) archiveFor(ds *dataset.Dataset) Store {
	if s.store == nil {
		return nil
	}
	if id := s.store.DatasetID(); id != ds.ID {
		slog.Warn("http: archive is stale, listing from memory", "archived", id, "current", ds.ID)
		return nil
	}
	return s.store
}

// filterRecords applies filters in memory. Matches are ordered by timestamp,
// then by file position, both in the requested direction, which is the
// archive's ts, seq order. A zero limit keeps every match.
func filterRecords(records []core.ChatRecord, f Filters) []core.ChatRecord {
	idx := []int{}
	for i, rec := range records {
		if f.Matches(rec) {
			idx = append(idx, i)
		}
	}
	sort.Slice(idx, func(a, b int) bool {
		ta, tb := records[idx[a]].Timestamp, records[idx[b]].Timestamp
		if f.Order == OrderAsc {
			if !ta.Equal(tb) {
				return ta.Before(tb)
			}
			return idx[a] < idx[b]
		}
		if !ta.Equal(tb) {
			return ta.After(tb)
		}
		return idx[a] > idx[b]
	})
	if f.Limit > 0 && len(idx) > f.Limit {
		idx = idx[:f.Limit]
	}
	out := make([]core.ChatRecord, 0, len(idx))
	for _, i := range idx {
		out = append(out, records[i])
	}
	return out
}

func (s *Server) handleExport(w http.ResponseWriter, _ *http.Request) {
	ds, ok := s.current(w)
	if !ok {
		return
	}
	base := strings.TrimSuffix(ds.Name, path.Ext(ds.Name))
	if base == "" {
		base = "chat"
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{
		"filename": base + "_features.csv",
	}))
	if err := csvio.WriteRecords(w, ds.Records); err != nil {
		log.Printf("http: export %s: %v", ds.ID, err)
	}
}
