package httpapi

import (
	"net/http"
	"runtime"
	"time"

	"github.com/you/chatlens/internal/dataset"
)

// BuildInfo describes the compiled binary.
type BuildInfo struct {
	Version  string
	Revision string
	BuiltAt  time.Time
}

type infoResponse struct {
	Version  string         `json:"version"`
	Revision string         `json:"rev"`
	BuiltAt  string         `json:"built_at,omitempty"`
	Go       string         `json:"go"`
	Dataset  *dataset.Event `json:"dataset,omitempty"`
	Archive  bool           `json:"archive"`
}

func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	resp := infoResponse{
		Version:  s.opts.Build.Version,
		Revision: s.opts.Build.Revision,
		Go:       runtime.Version(),
		Archive:  s.store != nil,
	}
	if !s.opts.Build.BuiltAt.IsZero() {
		resp.BuiltAt = s.opts.Build.BuiltAt.UTC().Format(time.RFC3339)
	}
	if ds, err := s.data.Current(); err == nil {
		ev := ds.Event()
		resp.Dataset = &ev
	}
	writeJSON(w, http.StatusOK, resp)
}
