package etl

import (
	"fmt"
	"testing"

	"github.com/synaptica-ai/theranorm/pkg/therapy"
)

func TestStandardizeRecord(t *testing.T) {
	record := &therapy.Record{SrcName: therapy.RxNorm}
	record.ConceptID = "rxcui:2555"
	record.Label = "  cisplatin "
	record.Aliases = []string{"CDDP", " CDDP ", "", "cisplatin", "Platinol"}
	record.TradeNames = []string{"Platinol", "Platinol"}

	if err := StandardizeRecord(record); err != nil {
		t.Fatalf("StandardizeRecord failed: %v", err)
	}
	if record.Label != "cisplatin" {
		t.Errorf("label = %q", record.Label)
	}
	if len(record.TradeNames) != 1 || record.TradeNames[0] != "Platinol" {
		t.Errorf("trade names = %v", record.TradeNames)
	}
	// label and trade names are excluded from aliases, duplicates collapsed
	if len(record.Aliases) != 1 || record.Aliases[0] != "CDDP" {
		t.Errorf("aliases = %v", record.Aliases)
	}
}

func TestStandardizeDropsOversizedFields(t *testing.T) {
	record := &therapy.Record{SrcName: therapy.ChEMBL}
	record.ConceptID = "chembl:CHEMBL25"
	for i := 0; i < searchableFieldMax+1; i++ {
		record.Aliases = append(record.Aliases, fmt.Sprintf("alias-%02d", i))
	}
	record.Xrefs = []string{"rxcui:1191"}

	if err := StandardizeRecord(record); err != nil {
		t.Fatalf("StandardizeRecord failed: %v", err)
	}
	if record.Aliases != nil {
		t.Errorf("oversized alias list should be dropped, got %d entries", len(record.Aliases))
	}
	if len(record.Xrefs) != 1 {
		t.Errorf("xrefs should survive, got %v", record.Xrefs)
	}
}

func TestStandardizeRejectsInvalidRecords(t *testing.T) {
	noID := &therapy.Record{SrcName: therapy.RxNorm}
	if err := StandardizeRecord(noID); err == nil {
		t.Error("expected error for missing concept_id")
	}

	badSrc := &therapy.Record{SrcName: "MysteryDB"}
	badSrc.ConceptID = "mystery:1"
	if err := StandardizeRecord(badSrc); err == nil {
		t.Error("expected error for unknown source")
	}
}

func TestCatalogLookup(t *testing.T) {
	catalog := DefaultCatalog()
	meta, ok := catalog.Lookup(therapy.RxNorm)
	if !ok {
		t.Fatal("RxNorm missing from default catalog")
	}
	if meta.DataLicense == "" || meta.DataLicenseURL == "" {
		t.Errorf("incomplete metadata: %+v", meta)
	}
	if _, ok := catalog.Lookup("MysteryDB"); ok {
		t.Error("unknown source should miss")
	}
}
