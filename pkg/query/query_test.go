package query

import (
	"context"
	"errors"
	"testing"

	"github.com/synaptica-ai/theranorm/pkg/storage"
	"github.com/synaptica-ai/theranorm/pkg/therapy"
)

func record(conceptID string, src therapy.SourceName, label string) *therapy.Record {
	r := &therapy.Record{SrcName: src}
	r.ConceptID = conceptID
	r.Label = label
	return r
}

// newFixtureStore seeds a small cisplatin-flavored dataset: a three-source
// concept group plus an ungrouped NCIt record.
func newFixtureStore(t *testing.T) *storage.MemoryStore {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemoryStore()

	for _, src := range therapy.SourceNames {
		meta := &therapy.SourceMeta{DataLicense: "test", Version: "2026-01"}
		if err := store.AddSourceMetadata(ctx, src, meta); err != nil {
			t.Fatalf("AddSourceMetadata(%s) failed: %v", src, err)
		}
	}

	rx := record("rxcui:2555", therapy.RxNorm, "cisplatin")
	rx.TradeNames = []string{"Platinol"}
	ncit := record("ncit:C376", therapy.NCIt, "Cisplatin")
	ncit.Aliases = []string{"CDDP"}
	chembl := record("chembl:CHEMBL11359", therapy.ChEMBL, "CISPLATIN")
	loner := record("ncit:C999", therapy.NCIt, "obscuredrug")
	for _, r := range []*therapy.Record{rx, ncit, chembl, loner} {
		if err := store.AddRecord(context.Background(), r); err != nil {
			t.Fatalf("AddRecord(%s) failed: %v", r.ConceptID, err)
		}
	}

	merged := record("rxcui:2555", "", "cisplatin")
	merged.Xrefs = []string{"ncit:C376", "chembl:CHEMBL11359"}
	merged.Aliases = []string{"CDDP", "CISPLATIN", "Cisplatin"}
	merged.TradeNames = []string{"Platinol"}
	if err := store.AddMergedRecord(ctx, merged); err != nil {
		t.Fatalf("AddMergedRecord failed: %v", err)
	}
	for _, id := range []string{"rxcui:2555", "ncit:C376", "chembl:CHEMBL11359"} {
		if err := store.UpdateMergeRef(ctx, id, "rxcui:2555"); err != nil {
			t.Fatalf("UpdateMergeRef(%s) failed: %v", id, err)
		}
	}
	return store
}

func TestSearchTierOrdering(t *testing.T) {
	ctx := context.Background()
	q := NewQueryHandler(newFixtureStore(t))

	// "cddp" is an NCIt alias only; "cisplatin" is a label in three sources
	result, err := q.Search(ctx, "cisplatin", "", "", true)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	for _, src := range []therapy.SourceName{therapy.RxNorm, therapy.NCIt, therapy.ChEMBL} {
		matches := result.SourceMatches[src]
		if matches == nil {
			t.Fatalf("no match entry for %s", src)
		}
		if matches.MatchType != therapy.MatchLabel {
			t.Errorf("%s match type = %d, want %d", src, matches.MatchType, therapy.MatchLabel)
		}
	}
	if result.SourceMatches[therapy.Wikidata].MatchType != therapy.MatchNone {
		t.Errorf("unmatched source should report NO_MATCH")
	}

	result, err = q.Search(ctx, "CDDP", "", "", true)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	matches := result.SourceMatches[therapy.NCIt]
	if matches.MatchType != therapy.MatchAlias {
		t.Errorf("alias match type = %d, want %d", matches.MatchType, therapy.MatchAlias)
	}
	if len(matches.Records) != 1 || matches.Records[0].ConceptID != "ncit:C376" {
		t.Errorf("alias records = %+v", matches.Records)
	}

	// trade name outranks alias
	result, err = q.Search(ctx, "platinol", "", "", true)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if result.SourceMatches[therapy.RxNorm].MatchType != therapy.MatchTradeName {
		t.Errorf("trade name match type = %d", result.SourceMatches[therapy.RxNorm].MatchType)
	}
}

func TestSearchConceptID(t *testing.T) {
	ctx := context.Background()
	q := NewQueryHandler(newFixtureStore(t))

	result, err := q.Search(ctx, "ncit:C376", "", "", true)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	matches := result.SourceMatches[therapy.NCIt]
	if matches.MatchType != therapy.MatchConceptID {
		t.Errorf("match type = %d, want %d", matches.MatchType, therapy.MatchConceptID)
	}
}

func TestSearchSourceSelection(t *testing.T) {
	ctx := context.Background()
	q := NewQueryHandler(newFixtureStore(t))

	if _, err := q.Search(ctx, "cisplatin", "rxnorm", "ncit", true); err == nil {
		t.Fatal("expected error for incl and excl together")
	} else {
		var invalid *InvalidParameterError
		if !errors.As(err, &invalid) {
			t.Fatalf("expected InvalidParameterError, got %v", err)
		}
	}

	if _, err := q.Search(ctx, "cisplatin", "notasource", "", true); err == nil {
		t.Fatal("expected error for unknown source name")
	}

	result, err := q.Search(ctx, "cisplatin", "RxNorm", "", true)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(result.SourceMatches) != 1 {
		t.Errorf("incl should restrict sources, got %d entries", len(result.SourceMatches))
	}
	if _, ok := result.SourceMatches[therapy.RxNorm]; !ok {
		t.Errorf("RxNorm missing from restricted search")
	}
}

func TestSearchEmptyQuery(t *testing.T) {
	ctx := context.Background()
	q := NewQueryHandler(newFixtureStore(t))

	result, err := q.Search(ctx, "", "", "", true)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(result.SourceMatches) != len(therapy.SourceNames) {
		t.Fatalf("got %d source entries", len(result.SourceMatches))
	}
	for src, matches := range result.SourceMatches {
		if matches.MatchType != therapy.MatchNone || len(matches.Records) != 0 {
			t.Errorf("%s should be NO_MATCH with no records", src)
		}
	}
}

func TestNamespaceInference(t *testing.T) {
	ctx := context.Background()
	q := NewQueryHandler(newFixtureStore(t))

	result, err := q.Normalize(ctx, "CHEMBL11359", true)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if result.MatchType != therapy.MatchConceptID {
		t.Fatalf("match type = %d, want %d", result.MatchType, therapy.MatchConceptID)
	}
	if result.Therapy == nil || result.Therapy.ConceptID != "rxcui:2555" {
		t.Fatalf("inference should resolve to the merged concept: %+v", result.Therapy)
	}
	var foundWarning bool
	for _, w := range result.Warnings {
		if w["inferred_namespace"] == "chembl" && w["adjusted_query"] == "chembl:CHEMBL11359" {
			foundWarning = true
		}
	}
	if !foundWarning {
		t.Errorf("inference warning missing: %v", result.Warnings)
	}

	// inference off
	result, err = q.Normalize(ctx, "CHEMBL11359", false)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if result.MatchType != therapy.MatchNone {
		t.Errorf("match type = %d with inference disabled", result.MatchType)
	}
}

func TestDrugsAtFDASubspaceInference(t *testing.T) {
	ctx := context.Background()
	store := newFixtureStore(t)
	nda := record("drugsatfda.nda:018057", therapy.DrugsAtFDA, "CISPLATIN")
	if err := store.AddRecord(ctx, nda); err != nil {
		t.Fatalf("AddRecord failed: %v", err)
	}
	q := NewQueryHandler(store)

	result, err := q.Normalize(ctx, "NDA018057", true)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if result.MatchType != therapy.MatchConceptID {
		t.Fatalf("match type = %d", result.MatchType)
	}
	if result.Therapy.ConceptID != "drugsatfda.nda:018057" {
		t.Errorf("resolved %q, want subspaced Drugs@FDA concept", result.Therapy.ConceptID)
	}
}

func TestNormalizeTierFallback(t *testing.T) {
	ctx := context.Background()
	q := NewQueryHandler(newFixtureStore(t))

	// alias query resolves through the group to the merged record
	result, err := q.Normalize(ctx, "CDDP", true)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if result.MatchType != therapy.MatchAlias {
		t.Errorf("match type = %d, want %d", result.MatchType, therapy.MatchAlias)
	}
	if result.Therapy == nil || result.Therapy.ConceptID != "rxcui:2555" {
		t.Errorf("therapy = %+v, want merged concept", result.Therapy)
	}
	if _, ok := result.SourceMeta[therapy.RxNorm]; !ok {
		t.Errorf("source meta missing for contributing source")
	}
}

func TestNormalizeSoleMemberPassthrough(t *testing.T) {
	ctx := context.Background()
	q := NewQueryHandler(newFixtureStore(t))

	result, err := q.Normalize(ctx, "obscuredrug", true)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if result.MatchType != therapy.MatchLabel {
		t.Errorf("match type = %d", result.MatchType)
	}
	if result.Therapy == nil || result.Therapy.ConceptID != "ncit:C999" {
		t.Errorf("sole group member should stand in for the group: %+v", result.Therapy)
	}
}

func TestNormalizeBrokenMergeRef(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	for _, src := range therapy.SourceNames {
		if err := store.AddSourceMetadata(ctx, src, &therapy.SourceMeta{DataLicense: "test"}); err != nil {
			t.Fatalf("AddSourceMetadata failed: %v", err)
		}
	}
	orphan := record("ncit:C100", therapy.NCIt, "orphandrug")
	if err := store.AddRecord(ctx, orphan); err != nil {
		t.Fatalf("AddRecord failed: %v", err)
	}
	if err := store.UpdateMergeRef(ctx, "ncit:C100", "rxcui:404"); err != nil {
		t.Fatalf("UpdateMergeRef failed: %v", err)
	}

	q := NewQueryHandler(store)
	result, err := q.Normalize(ctx, "orphandrug", true)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if result.MatchType != therapy.MatchNone {
		t.Errorf("dangling merge ref should yield NO_MATCH, got %d", result.MatchType)
	}
}

func TestNormalizeUnmerged(t *testing.T) {
	ctx := context.Background()
	q := NewQueryHandler(newFixtureStore(t))

	result, err := q.NormalizeUnmerged(ctx, "cisplatin", true)
	if err != nil {
		t.Fatalf("NormalizeUnmerged failed: %v", err)
	}
	if result.NormalizedConceptID != "rxcui:2555" {
		t.Errorf("normalized concept = %q", result.NormalizedConceptID)
	}
	if len(result.SourceMatches) != 3 {
		t.Fatalf("got %d sources, want 3: %+v", len(result.SourceMatches), result.SourceMatches)
	}
	for _, src := range []therapy.SourceName{therapy.RxNorm, therapy.NCIt, therapy.ChEMBL} {
		matches, ok := result.SourceMatches[src]
		if !ok || len(matches.Records) != 1 {
			t.Errorf("missing unmerged records for %s", src)
		}
	}
}

func TestCharWarnings(t *testing.T) {
	ctx := context.Background()
	q := NewQueryHandler(newFixtureStore(t))

	result, err := q.Normalize(ctx, "cisplatin\u00a0", true)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if len(result.Warnings) == 0 {
		t.Fatal("expected non-breaking space warning")
	}
	if _, ok := result.Warnings[0]["non_breaking_space_characters"]; !ok {
		t.Errorf("unexpected warning payload: %v", result.Warnings[0])
	}
}

// countingStore fails the test if any backend call happens.
type countingStore struct {
	storage.Store
	t *testing.T
}

func (c *countingStore) GetRecordByID(ctx context.Context, conceptID string, caseSensitive, merge bool) (*therapy.Record, error) {
	c.t.Errorf("unexpected GetRecordByID(%s)", conceptID)
	return nil, storage.ErrNotFound
}

func (c *countingStore) GetRefsByType(ctx context.Context, searchTerm string, refType therapy.RefType) ([]string, error) {
	c.t.Errorf("unexpected GetRefsByType(%s)", searchTerm)
	return nil, nil
}

func (c *countingStore) GetSourceMetadata(ctx context.Context, src therapy.SourceName) (*therapy.SourceMeta, error) {
	c.t.Errorf("unexpected GetSourceMetadata(%s)", src)
	return nil, storage.ErrNotFound
}

func TestNormalizeEmptyQueryShortCircuits(t *testing.T) {
	ctx := context.Background()
	q := NewQueryHandler(&countingStore{Store: storage.NewMemoryStore(), t: t})

	result, err := q.Normalize(ctx, "", true)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if result.MatchType != therapy.MatchNone {
		t.Errorf("match type = %d", result.MatchType)
	}
}
