package etl

import (
	"context"
	"fmt"

	"github.com/synaptica-ai/theranorm/pkg/therapy"
)

// RecordSink receives transformed records from a loader. The pipeline owns
// the sink, so loaders never touch storage directly.
type RecordSink interface {
	// WriteRecord validates, standardizes, and stores one therapy record.
	WriteRecord(ctx context.Context, record *therapy.Record) error

	// WriteRxNormBrand maps an RxNorm brand concept to a drug concept.
	WriteRxNormBrand(ctx context.Context, brandID, recordID string) error
}

// Loader extracts and transforms one source's data.
type Loader interface {
	Source() therapy.SourceName

	// Load streams the source's records into the sink and returns the
	// source data version it processed.
	Load(ctx context.Context, sink RecordSink) (version string, err error)
}

// LoaderFactory builds a fresh Loader for one load pass.
type LoaderFactory func() Loader

// loaders is populated at init time by each source loader. Dispatch is a
// plain map lookup over the closed SourceName enum.
var loaders = map[therapy.SourceName]LoaderFactory{}

// RegisterLoader installs a source's loader factory. Call from the loader's
// init function. Registering a source twice panics.
func RegisterLoader(src therapy.SourceName, factory LoaderFactory) {
	if _, ok := loaders[src]; ok {
		panic(fmt.Sprintf("etl: loader already registered for %s", src))
	}
	loaders[src] = factory
}

// NewLoader builds the registered loader for a source.
func NewLoader(src therapy.SourceName) (Loader, error) {
	factory, ok := loaders[src]
	if !ok {
		return nil, fmt.Errorf("etl: no loader registered for %s", src)
	}
	return factory(), nil
}

// RegisteredSources lists sources with an installed loader.
func RegisteredSources() []therapy.SourceName {
	out := make([]therapy.SourceName, 0, len(loaders))
	for _, src := range therapy.SourceNames {
		if _, ok := loaders[src]; ok {
			out = append(out, src)
		}
	}
	return out
}
