package etl

import (
	"context"
	"testing"

	"github.com/synaptica-ai/theranorm/pkg/storage"
	"github.com/synaptica-ai/theranorm/pkg/therapy"
)

type stubLoader struct {
	src     therapy.SourceName
	records []*therapy.Record
	brands  [][2]string
}

func (l *stubLoader) Source() therapy.SourceName { return l.src }

func (l *stubLoader) Load(ctx context.Context, sink RecordSink) (string, error) {
	for _, r := range l.records {
		if err := sink.WriteRecord(ctx, r); err != nil {
			return "", err
		}
	}
	for _, b := range l.brands {
		if err := sink.WriteRxNormBrand(ctx, b[0], b[1]); err != nil {
			return "", err
		}
	}
	return "2026-01-05", nil
}

func TestPipelineReloadSource(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()

	stale := &therapy.Record{SrcName: therapy.RxNorm}
	stale.ConceptID = "rxcui:999"
	stale.Label = "staledrug"
	if err := store.AddRecord(ctx, stale); err != nil {
		t.Fatalf("AddRecord failed: %v", err)
	}

	fresh := &therapy.Record{SrcName: therapy.RxNorm}
	fresh.ConceptID = "rxcui:2555"
	fresh.Label = "cisplatin"
	invalid := &therapy.Record{SrcName: therapy.RxNorm}

	loaders = map[therapy.SourceName]LoaderFactory{}
	RegisterLoader(therapy.RxNorm, func() Loader {
		return &stubLoader{
			src:     therapy.RxNorm,
			records: []*therapy.Record{fresh, invalid},
			brands:  [][2]string{{"rxcui:565822", "rxcui:2555"}},
		}
	})

	pipeline := NewPipeline(store, DefaultCatalog(), nil)
	if err := pipeline.ReloadSource(ctx, therapy.RxNorm); err != nil {
		t.Fatalf("ReloadSource failed: %v", err)
	}

	// stale rows purged, fresh rows written, invalid rows skipped
	if _, err := store.GetRecordByID(ctx, "rxcui:999", true, false); err == nil {
		t.Error("stale record should have been deleted")
	}
	if _, err := store.GetRecordByID(ctx, "rxcui:2555", true, false); err != nil {
		t.Errorf("fresh record missing: %v", err)
	}
	if got, err := store.GetRxNormIDByBrand(ctx, "rxcui:565822"); err != nil || got != "rxcui:2555" {
		t.Errorf("brand mapping = %q, %v", got, err)
	}

	meta, err := store.GetSourceMetadata(ctx, therapy.RxNorm)
	if err != nil {
		t.Fatalf("GetSourceMetadata failed: %v", err)
	}
	if meta.Version != "2026-01-05" {
		t.Errorf("version = %q, want loader-stamped version", meta.Version)
	}
}

func TestLoaderRegistry(t *testing.T) {
	loaders = map[therapy.SourceName]LoaderFactory{}
	RegisterLoader(therapy.NCIt, func() Loader { return &stubLoader{src: therapy.NCIt} })

	if _, err := NewLoader(therapy.NCIt); err != nil {
		t.Fatalf("NewLoader failed: %v", err)
	}
	if _, err := NewLoader(therapy.Wikidata); err == nil {
		t.Error("expected error for unregistered source")
	}

	got := RegisteredSources()
	if len(got) != 1 || got[0] != therapy.NCIt {
		t.Errorf("RegisteredSources = %v", got)
	}

	defer func() {
		if recover() == nil {
			t.Error("duplicate registration should panic")
		}
	}()
	RegisterLoader(therapy.NCIt, func() Loader { return &stubLoader{src: therapy.NCIt} })
}
