// Package source loads the chat table from a fixed path and keeps it fresh.
package source

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/you/chatlens/internal/dataset"
)

// Loader ingests raw CSV bytes into the current dataset.
type Loader interface {
	Ingest(ctx context.Context, name, origin string, raw []byte) (*dataset.Dataset, error)
}

type Source struct {
	path   string
	loader Loader

	mu sync.Mutex
}

func New(path string, loader Loader) *Source {
	return &Source{path: strings.TrimSpace(path), loader: loader}
}

func (s *Source) Path() string { return s.path }

// Load reads the file and ingests it. Loads are serialized so a watch event
// and a manual reload cannot interleave reads.
func (s *Source) Load(ctx context.Context, origin string) (*dataset.Dataset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return nil, fmt.Errorf("source path not configured")
	}
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read source: %w", err)
	}
	ds, err := s.loader.Ingest(ctx, filepath.Base(s.path), origin, raw)
	if err != nil {
		return nil, fmt.Errorf("ingest %s: %w", s.path, err)
	}
	slog.Info("source: loaded", "path", s.path, "origin", origin, "dataset", ds.ID, "records", len(ds.Records))
	return ds, nil
}

// ReloadSource serves the admin reload endpoint.
func (s *Source) ReloadSource() (string, error) {
	ds, err := s.Load(context.Background(), dataset.OriginReload)
	if err != nil {
		return "", err
	}
	return ds.ID, nil
}
