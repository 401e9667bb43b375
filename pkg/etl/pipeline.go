package etl

import (
	"context"
	"fmt"

	"github.com/synaptica-ai/theranorm/pkg/common/kafka"
	"github.com/synaptica-ai/theranorm/pkg/common/logger"
	"github.com/synaptica-ai/theranorm/pkg/storage"
	"github.com/synaptica-ai/theranorm/pkg/therapy"
)

// Pipeline runs full source reloads: purge the source's rows, stream the
// loader's records through standardization into the store, then write the
// source metadata row last so a partially loaded source never probes as
// complete. producer may be nil to skip event publication.
type Pipeline struct {
	store    storage.Store
	catalog  Catalog
	producer *kafka.Producer
}

func NewPipeline(store storage.Store, catalog Catalog, producer *kafka.Producer) *Pipeline {
	return &Pipeline{store: store, catalog: catalog, producer: producer}
}

// ReloadSource replaces all of one source's data with a fresh load.
func (p *Pipeline) ReloadSource(ctx context.Context, src therapy.SourceName) error {
	meta, ok := p.catalog.Lookup(src)
	if !ok {
		return fmt.Errorf("etl: source %s not in catalog", src)
	}
	loader, err := NewLoader(src)
	if err != nil {
		return err
	}

	logger.Log.WithField("source", src).Info("Reloading source")
	if err := p.store.DeleteSource(ctx, src); err != nil {
		return err
	}

	sink := &storeSink{store: p.store}
	version, err := loader.Load(ctx, sink)
	if err != nil {
		return fmt.Errorf("etl: load %s: %w", src, err)
	}
	meta.Version = version

	if err := p.store.AddSourceMetadata(ctx, src, &meta); err != nil {
		return err
	}
	if err := p.store.CompleteWriteTransaction(ctx); err != nil {
		return err
	}
	logger.Log.WithFields(map[string]interface{}{
		"source":  src,
		"version": version,
		"records": sink.count,
	}).Info("Source load complete")

	if p.producer != nil {
		err := p.producer.PublishEvent(ctx, "source-loaded", string(src), map[string]interface{}{
			"version": version,
			"records": sink.count,
		})
		if err != nil {
			logger.Log.WithError(err).WithField("source", src).Warning("Failed to publish load event")
		}
	}
	return nil
}

// storeSink standardizes and persists loader output. Records failing
// validation are dropped with a log line rather than aborting the load.
type storeSink struct {
	store storage.Store
	count int
}

func (s *storeSink) WriteRecord(ctx context.Context, record *therapy.Record) error {
	if err := StandardizeRecord(record); err != nil {
		logger.Log.WithError(err).Warning("Skipping invalid record")
		return nil
	}
	if err := s.store.AddRecord(ctx, record); err != nil {
		return err
	}
	s.count++
	return nil
}

func (s *storeSink) WriteRxNormBrand(ctx context.Context, brandID, recordID string) error {
	return s.store.AddRxNormBrand(ctx, brandID, recordID)
}
