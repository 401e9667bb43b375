package therapy

import "testing"

func TestSourceForConceptID(t *testing.T) {
	cases := []struct {
		conceptID string
		want      SourceName
		ok        bool
	}{
		{"rxcui:2555", RxNorm, true},
		{"RXCUI:2555", RxNorm, true},
		{"ncit:C376", NCIt, true},
		{"drugsatfda.nda:018057", DrugsAtFDA, true},
		{"drugsatfda.anda:074656", DrugsAtFDA, true},
		{"iuphar.ligand:5343", GuideToPharmacology, true},
		{"unii:Q20Q21Q62J", "", false},
		{"nocolon", "", false},
	}
	for _, tc := range cases {
		got, ok := SourceForConceptID(tc.conceptID)
		if got != tc.want || ok != tc.ok {
			t.Errorf("SourceForConceptID(%q) = %q, %v; want %q, %v", tc.conceptID, got, ok, tc.want, tc.ok)
		}
	}
}

func TestNamespaceLUIPatterns(t *testing.T) {
	cases := []struct {
		query string
		want  SourceName
	}{
		{"CHEMBL11359", ChEMBL},
		{"chembl11359", ChEMBL},
		{"15663-27-1", ChemIDplus},
		{"Q412415", Wikidata},
		{"P715", Wikidata},
		{"C376", NCIt},
		{"DB00515", DrugBank},
		{"NDA018057", DrugsAtFDA},
		{"ANDA074656", DrugsAtFDA},
	}
	for _, tc := range cases {
		var matched []SourceName
		for _, lui := range NamespaceLUIs {
			if lui.Pattern.MatchString(tc.query) {
				matched = append(matched, lui.Source)
			}
		}
		found := false
		for _, src := range matched {
			if src == tc.want {
				found = true
			}
		}
		if !found {
			t.Errorf("query %q matched %v, want %s", tc.query, matched, tc.want)
		}
	}

	for _, query := range []string{"cisplatin", "rxcui:2555", "DB123", ""} {
		for _, lui := range NamespaceLUIs {
			if lui.Pattern.MatchString(query) {
				t.Errorf("query %q should not match %s pattern", query, lui.Source)
			}
		}
	}
}

func TestSourceByName(t *testing.T) {
	if src, ok := SourceByName("rxnorm"); !ok || src != RxNorm {
		t.Errorf("SourceByName(rxnorm) = %q, %v", src, ok)
	}
	if src, ok := SourceByName("GUIDETOPHARMACOLOGY"); !ok || src != GuideToPharmacology {
		t.Errorf("SourceByName(GUIDETOPHARMACOLOGY) = %q, %v", src, ok)
	}
	if _, ok := SourceByName("MysteryDB"); ok {
		t.Error("unknown name should miss")
	}
}
