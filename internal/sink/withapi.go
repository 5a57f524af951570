package sink

import (
	"context"

	"github.com/you/chatlens/internal/dataset"
)

type broadcaster interface {
	Broadcast(dataset.Event)
}

// WithBroadcast archives a dataset and then announces it. Either side may be
// nil.
type WithBroadcast struct {
	base *SQLiteSink
	api  broadcaster
}

func WithAPI(base *SQLiteSink, api broadcaster) *WithBroadcast {
	return &WithBroadcast{base: base, api: api}
}

func (w *WithBroadcast) ReplaceDataset(ctx context.Context, ds *dataset.Dataset) error {
	var err error
	if w.base != nil {
		err = w.base.ReplaceDataset(ctx, ds)
	}
	// The in-memory dataset is live either way.
	if w.api != nil {
		w.api.Broadcast(ds.Event())
	}
	return err
}
