package merge

import (
	"context"
	"encoding/json"
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

func seed(t *testing.T, store storage.Store, records ...*therapy.Record) {
	t.Helper()
	ctx := context.Background()
	for _, r := range records {
		if err := store.AddRecord(ctx, r); err != nil {
			t.Fatalf("AddRecord(%s) failed: %v", r.ConceptID, err)
		}
	}
}

func runMerge(t *testing.T, store storage.Store, seeds []string) {
	t.Helper()
	if err := New(store).CreateMergedConcepts(context.Background(), seeds); err != nil {
		t.Fatalf("CreateMergedConcepts failed: %v", err)
	}
}

func TestGroupClosure(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()

	rx := record("rxcui:2555", therapy.RxNorm, "cisplatin")
	rx.Xrefs = []string{"ncit:C376"}
	rx.Aliases = []string{"CDDP"}
	ncit := record("ncit:C376", therapy.NCIt, "Cisplatin")
	ncit.Xrefs = []string{"chembl:CHEMBL11359"}
	chembl := record("chembl:CHEMBL11359", therapy.ChEMBL, "CISPLATIN")
	seed(t, store, rx, ncit, chembl)

	runMerge(t, store, []string{"rxcui:2555", "ncit:C376", "chembl:CHEMBL11359"})

	merged, err := store.GetRecordByID(ctx, "rxcui:2555", false, true)
	if err != nil {
		t.Fatalf("merged record missing: %v", err)
	}
	if merged.ConceptID != "rxcui:2555" {
		t.Errorf("anchor = %q, want highest-priority member", merged.ConceptID)
	}
	wantXrefs := []string{"ncit:C376", "chembl:CHEMBL11359"}
	if len(merged.Xrefs) != 2 || merged.Xrefs[0] != wantXrefs[0] || merged.Xrefs[1] != wantXrefs[1] {
		t.Errorf("xrefs = %v, want %v", merged.Xrefs, wantXrefs)
	}
	if merged.Label != "cisplatin" {
		t.Errorf("label = %q, want label from highest-priority record", merged.Label)
	}
	// divergent labels demote to aliases
	found := map[string]bool{}
	for _, a := range merged.Aliases {
		found[a] = true
	}
	if !found["CDDP"] || !found["Cisplatin"] || !found["CISPLATIN"] {
		t.Errorf("aliases = %v, want union plus divergent labels", merged.Aliases)
	}

	// every member points at the same merged record
	for _, id := range []string{"rxcui:2555", "ncit:C376", "chembl:CHEMBL11359"} {
		got, err := store.GetRecordByID(ctx, id, true, false)
		if err != nil {
			t.Fatalf("GetRecordByID(%s) failed: %v", id, err)
		}
		if got.MergeRef != "rxcui:2555" {
			t.Errorf("%s merge ref = %q, want rxcui:2555", id, got.MergeRef)
		}
	}
}

func TestMergeIdempotence(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()

	rx := record("rxcui:2555", therapy.RxNorm, "cisplatin")
	rx.Xrefs = []string{"ncit:C376"}
	rx.Aliases = []string{"CDDP", "cis-DDP"}
	ncit := record("ncit:C376", therapy.NCIt, "Cisplatin")
	ncit.Aliases = []string{"Platinol"}
	seed(t, store, rx, ncit)

	seeds := []string{"ncit:C376", "rxcui:2555"}
	runMerge(t, store, seeds)
	first, err := store.GetRecordByID(ctx, "rxcui:2555", false, true)
	if err != nil {
		t.Fatalf("merged record missing: %v", err)
	}

	if err := store.DeleteNormalizedConcepts(ctx); err != nil {
		t.Fatalf("DeleteNormalizedConcepts failed: %v", err)
	}
	// reversed seed order must not change the output
	runMerge(t, store, []string{"rxcui:2555", "ncit:C376"})
	second, err := store.GetRecordByID(ctx, "rxcui:2555", false, true)
	if err != nil {
		t.Fatalf("merged record missing after rerun: %v", err)
	}

	a, _ := json.Marshal(first)
	b, _ := json.Marshal(second)
	if string(a) != string(b) {
		t.Errorf("merge not idempotent:\n%s\n%s", a, b)
	}
}

func TestSingletonGroupsDiscarded(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	seed(t, store, record("ncit:C999", therapy.NCIt, "obscuredrug"))

	runMerge(t, store, []string{"ncit:C999"})

	if _, err := store.GetRecordByID(ctx, "ncit:C999", false, true); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("singleton group produced a merged record: %v", err)
	}
	got, err := store.GetRecordByID(ctx, "ncit:C999", true, false)
	if err != nil {
		t.Fatalf("GetRecordByID failed: %v", err)
	}
	if got.MergeRef != "" {
		t.Errorf("singleton got merge ref %q", got.MergeRef)
	}
}

func TestUNIIExpansion(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()

	rx := record("rxcui:2555", therapy.RxNorm, "cisplatin")
	rx.AssociatedWith = []string{"unii:Q20Q21Q62J"}
	single := record("drugsatfda.nda:018057", therapy.DrugsAtFDA, "CISPLATIN")
	single.AssociatedWith = []string{"unii:Q20Q21Q62J"}
	compound := record("drugsatfda.nda:206352", therapy.DrugsAtFDA, "combo product")
	compound.AssociatedWith = []string{"unii:Q20Q21Q62J", "unii:9100L32L2N"}
	seed(t, store, rx, single, compound)

	runMerge(t, store, []string{"rxcui:2555"})

	merged, err := store.GetRecordByID(ctx, "rxcui:2555", false, true)
	if err != nil {
		t.Fatalf("merged record missing: %v", err)
	}
	if len(merged.Xrefs) != 1 || merged.Xrefs[0] != "drugsatfda.nda:018057" {
		t.Errorf("xrefs = %v, want only the single-UNII Drugs@FDA record", merged.Xrefs)
	}
	if got, _ := store.GetRecordByID(ctx, "drugsatfda.nda:206352", true, false); got.MergeRef != "" {
		t.Errorf("compound product was pulled into the group")
	}
}

func TestBrandRedirection(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()

	ncit := record("ncit:C1855", therapy.NCIt, "Levothyroxine")
	ncit.Xrefs = []string{"rxcui:565822"}
	rx := record("rxcui:10582", therapy.RxNorm, "levothyroxine")
	seed(t, store, ncit, rx)
	if err := store.AddRxNormBrand(ctx, "rxcui:565822", "rxcui:10582"); err != nil {
		t.Fatalf("AddRxNormBrand failed: %v", err)
	}

	runMerge(t, store, []string{"ncit:C1855"})

	merged, err := store.GetRecordByID(ctx, "rxcui:10582", false, true)
	if err != nil {
		t.Fatalf("brand redirect did not join group: %v", err)
	}
	if len(merged.Xrefs) != 1 || merged.Xrefs[0] != "ncit:C1855" {
		t.Errorf("xrefs = %v", merged.Xrefs)
	}
}

func TestSortRecordsBiosimilarPromotion(t *testing.T) {
	base := record("rxcui:224905", therapy.RxNorm, "trastuzumab")
	biosimilar := record("rxcui:2119711", therapy.RxNorm, "trastuzumab-anns")
	ncit := record("ncit:C1647", therapy.NCIt, "Trastuzumab")

	records, err := sortRecords([]*therapy.Record{ncit, base, biosimilar})
	if err != nil {
		t.Fatalf("sortRecords failed: %v", err)
	}
	if records[0].ConceptID != "rxcui:224905" {
		t.Errorf("front record = %s, want the base biologic", records[0].ConceptID)
	}

	// with one RxNorm record, no promotion happens even for suffixed labels
	records, err = sortRecords([]*therapy.Record{ncit, biosimilar})
	if err != nil {
		t.Fatalf("sortRecords failed: %v", err)
	}
	if records[0].ConceptID != "rxcui:2119711" {
		t.Errorf("front record = %s, want plain priority order", records[0].ConceptID)
	}
}

func TestSortRecordsRejectsUnknownSource(t *testing.T) {
	bad := record("mystery:1", "MysteryDB", "x")
	if _, err := sortRecords([]*therapy.Record{bad}); err == nil {
		t.Fatal("expected error for unrecognized source")
	}
}
