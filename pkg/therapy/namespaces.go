package therapy

import (
	"regexp"
	"strings"
)

// Namespace prefixes for concept IDs. Sources we ingest directly map back to
// a SourceName via PrefixLookup; the rest appear only in associated_with
// references.
const (
	PrefixATC              = "atc"
	PrefixChEBI            = "CHEBI"
	PrefixChEMBL           = "chembl"
	PrefixChemIDplus       = "chemidplus"
	PrefixCVX              = "cvx"
	PrefixDrugBank         = "drugbank"
	PrefixDrugCentral      = "drugcentral"
	PrefixDrugsAtFDAANDA   = "drugsatfda.anda"
	PrefixDrugsAtFDANDA    = "drugsatfda.nda"
	PrefixHCPCS            = "hcpcs"
	PrefixHemOnc           = "hemonc"
	PrefixInChIKey         = "inchikey"
	PrefixIUPHARLigand     = "iuphar.ligand"
	PrefixMMSL             = "mmsl"
	PrefixMeSH             = "mesh"
	PrefixNCIt             = "ncit"
	PrefixNDC              = "ndc"
	PrefixPubChemCompound  = "pubchem.compound"
	PrefixPubChemSubstance = "pubchem.substance"
	PrefixRxNorm           = "rxcui"
	PrefixSPL              = "spl"
	PrefixUMLS             = "umls"
	PrefixUNII             = "unii"
	PrefixUniProt          = "uniprot"
	PrefixUSP              = "usp"
	PrefixVANDF            = "vandf"
	PrefixWikidata         = "wikidata"
)

// PrefixLookup maps a concept ID namespace prefix (lowercased) to the source
// it belongs to, for sources we ingest directly.
var PrefixLookup = map[string]SourceName{
	PrefixChEMBL:         ChEMBL,
	PrefixChemIDplus:     ChemIDplus,
	PrefixDrugBank:       DrugBank,
	PrefixDrugsAtFDAANDA: DrugsAtFDA,
	PrefixDrugsAtFDANDA:  DrugsAtFDA,
	PrefixHemOnc:         HemOnc,
	PrefixIUPHARLigand:   GuideToPharmacology,
	PrefixNCIt:           NCIt,
	PrefixRxNorm:         RxNorm,
	PrefixWikidata:       Wikidata,
}

// SourcePrefix returns the canonical namespace prefix for a source's own
// concept IDs. Drugs@FDA is subspaced by application type and handled
// separately during namespace inference.
var SourcePrefix = map[SourceName]string{
	ChEMBL:              PrefixChEMBL,
	ChemIDplus:          PrefixChemIDplus,
	DrugBank:            PrefixDrugBank,
	HemOnc:              PrefixHemOnc,
	GuideToPharmacology: PrefixIUPHARLigand,
	NCIt:                PrefixNCIt,
	RxNorm:              PrefixRxNorm,
	Wikidata:            PrefixWikidata,
}

// SourceForConceptID resolves the owning source of a namespaced concept ID,
// if its prefix belongs to a source we ingest.
func SourceForConceptID(conceptID string) (SourceName, bool) {
	prefix, _, found := strings.Cut(conceptID, ":")
	if !found {
		return "", false
	}
	src, ok := PrefixLookup[strings.ToLower(prefix)]
	return src, ok
}

// NamespaceLUI pairs a Local Unique Identifier pattern with the source whose
// namespace it implies. Patterns are tried in order during inference.
type NamespaceLUI struct {
	Pattern *regexp.Regexp
	Source  SourceName
}

var NamespaceLUIs = []NamespaceLUI{
	{regexp.MustCompile(`(?i)^CHEMBL\d+$`), ChEMBL},
	{regexp.MustCompile(`(?i)^\d+-\d+-\d+$`), ChemIDplus},
	{regexp.MustCompile(`(?i)^(Q|P)\d+$`), Wikidata},
	{regexp.MustCompile(`(?i)^C\d+$`), NCIt},
	{regexp.MustCompile(`(?i)^DB\d{5}$`), DrugBank},
	{regexp.MustCompile(`(?i)^(A?NDA)(\d+)$`), DrugsAtFDA},
}

// DrugsAtFDALUI extracts the application subspace and number from a raw
// Drugs@FDA query like "NDA020303" or "ANDA074656".
var DrugsAtFDALUI = regexp.MustCompile(`(?i)^(A?NDA)(\d+)$`)
