package fetch

import (
	"context"
	"fmt"
	"time"

	"github.com/cryptobookkeeper/cryptosync/pkg/db/models"
	"github.com/cryptobookkeeper/cryptosync/pkg/source"
)

// Mux routes fetches to the adapter registered for the source's kind. A
// source whose kind has no adapter fails fatally: retrying cannot conjure an
// adapter, and the sync engine records the failure without touching other
// sources.
type Mux struct {
	byKind map[models.Kind]Fetcher
}

// NewMux returns an empty adapter mux.
func NewMux() *Mux {
	return &Mux{byKind: make(map[models.Kind]Fetcher)}
}

// Register binds an adapter to one or more kinds. Later registrations for a
// kind win.
func (m *Mux) Register(f Fetcher, kinds ...models.Kind) {
	for _, k := range kinds {
		m.byKind[k] = f
	}
}

// Fetch dispatches to the adapter registered for src.Kind.
func (m *Mux) Fetch(ctx context.Context, src source.Source, since time.Time, pageSizeHint int) ([]models.RawRecord, error) {
	f, ok := m.byKind[src.Kind]
	if !ok {
		return nil, Fatal(fmt.Errorf("no adapter registered for kind %q", src.Kind))
	}
	return f.Fetch(ctx, src, since, pageSizeHint)
}
