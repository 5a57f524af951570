package dataset

import (
	"context"
	"log"
	"sync"
	"time"
)

// archiveTimeout bounds one archive write. The write is detached from the
// caller's context so a client that disconnects mid-upload cannot leave the
// archive holding the previous dataset.
const archiveTimeout = time.Minute

// Archiver mirrors a dataset somewhere else (SQLite, subscribers).
type Archiver interface {
	ReplaceDataset(ctx context.Context, ds *Dataset) error
}

// Observer receives load outcomes, typically for metrics.
type Observer interface {
	ObserveLoad(ds *Dataset)
	ObserveLoadError(origin string, err error)
	ObserveArchiveError(err error)
}

// Service loads datasets and publishes them to the holder and the archive.
type Service struct {
	holder *Holder

	mu       sync.Mutex
	archive  Archiver
	observer Observer
}

func NewService(holder *Holder, archive Archiver) *Service {
	if holder == nil {
		holder = &Holder{}
	}
	return &Service{holder: holder, archive: archive}
}

// Holder exposes the dataset holder read by request handlers.
func (s *Service) Holder() *Holder { return s.holder }

// Current returns the loaded dataset or ErrNoDataset.
func (s *Service) Current() (*Dataset, error) { return s.holder.Current() }

// SetObserver installs the load observer.
func (s *Service) SetObserver(o Observer) {
	s.mu.Lock()
	s.observer = o
	s.mu.Unlock()
}

// SetArchive installs the archive used by later loads.
func (s *Service) SetArchive(a Archiver) {
	s.mu.Lock()
	s.archive = a
	s.mu.Unlock()
}

// Ingest parses raw, swaps the result in, and archives it. Parsing happens
// outside the lock; swap and archive are serialized so the archive always
// mirrors the most recent dataset. An archive failure is logged and reported
// but does not fail the load.
func (s *Service) Ingest(ctx context.Context, name, origin string, raw []byte) (*Dataset, error) {
	ds, err := Load(name, origin, raw)
	if err != nil {
		s.mu.Lock()
		obs := s.observer
		s.mu.Unlock()
		if obs != nil {
			obs.ObserveLoadError(origin, err)
		}
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.holder.Replace(ds)
	if s.observer != nil {
		s.observer.ObserveLoad(ds)
	}
	if s.archive != nil {
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), archiveTimeout)
		err := s.archive.ReplaceDataset(actx, ds)
		cancel()
		if err != nil {
			log.Printf("dataset: archive %s: %v", ds.ID, err)
			if s.observer != nil {
				s.observer.ObserveArchiveError(err)
			}
		}
	}
	return ds, nil
}
