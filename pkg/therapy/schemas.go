package therapy

import (
	"strings"
	"time"
)

// ApprovalRating reflects a drug's regulatory approval status as evaluated by
// an individual source. Sources sometimes disagree (different regulatory
// arenas, stale data), so each source's rating is retained as a distinct
// value and a record may carry several.
type ApprovalRating string

const (
	ChemblPhaseNull    ApprovalRating = "chembl_phase_null"
	ChemblPhase05      ApprovalRating = "chembl_phase_0.5"
	ChemblPhase1       ApprovalRating = "chembl_phase_1"
	ChemblPhase2       ApprovalRating = "chembl_phase_2"
	ChemblPhase3       ApprovalRating = "chembl_phase_3"
	ChemblPhase4       ApprovalRating = "chembl_phase_4"
	ChemblWithdrawn    ApprovalRating = "chembl_withdrawn"
	FDAOTC             ApprovalRating = "fda_otc"
	FDAPrescription    ApprovalRating = "fda_prescription"
	FDADiscontinued    ApprovalRating = "fda_discontinued"
	FDATentative       ApprovalRating = "fda_tentative"
	HemOncApproved     ApprovalRating = "hemonc_approved"
	GtoPdbApproved     ApprovalRating = "gtopdb_approved"
	GtoPdbWithdrawn    ApprovalRating = "gtopdb_withdrawn"
	RxNormPrescribable ApprovalRating = "rxnorm_prescribable"
)

// Indication records a disease indication attached by a regulatory body.
type Indication struct {
	DiseaseID           string            `json:"disease_id"`
	DiseaseLabel        string            `json:"disease_label"`
	NormalizedDiseaseID string            `json:"normalized_disease_id,omitempty"`
	SupplementalInfo    map[string]string `json:"supplemental_info,omitempty"`
}

// Therapy is a pharmacologic substance used to treat a medical condition, as
// represented by a single source (or by a merged concept group).
type Therapy struct {
	ConceptID       string           `json:"concept_id"`
	Label           string           `json:"label,omitempty"`
	Aliases         []string         `json:"aliases,omitempty"`
	TradeNames      []string         `json:"trade_names,omitempty"`
	Xrefs           []string         `json:"xrefs,omitempty"`
	AssociatedWith  []string         `json:"associated_with,omitempty"`
	ApprovalRatings []ApprovalRating `json:"approval_ratings,omitempty"`
	ApprovalYear    []string         `json:"approval_year,omitempty"`
	HasIndication   []Indication     `json:"has_indication,omitempty"`
}

// Record is a Therapy as persisted: the therapy payload plus storage-side
// attribution. MergeRef is set on identity records belonging to a concept
// group of size > 1 and points at the group's merged record.
type Record struct {
	Therapy
	SrcName  SourceName `json:"src_name"`
	MergeRef string     `json:"merge_ref,omitempty"`
}

// RecordType distinguishes full records from one another in storage.
type RecordType string

const (
	RecordTypeIdentity RecordType = "identity"
	RecordTypeMerger   RecordType = "merger"
)

// RefType enumerates reference (search term -> concept IDs) row kinds.
// RefTypes lists them in descending MatchType order; the query tier loop
// depends on that ordering.
type RefType string

const (
	RefLabel          RefType = "label"
	RefTradeName      RefType = "trade_name"
	RefAlias          RefType = "alias"
	RefXref           RefType = "xref"
	RefAssociatedWith RefType = "associated_with"
)

var RefTypes = []RefType{RefLabel, RefTradeName, RefAlias, RefXref, RefAssociatedWith}

// RxBrandItemType marks RxNorm brand -> ingredient mapping rows. Not a
// RefType because it must not be publicly searchable.
const RxBrandItemType = "rx_brand"

// MatchType scores how a query matched a record.
type MatchType int

const (
	MatchNone           MatchType = 0
	MatchAssociatedWith MatchType = 60
	MatchXref           MatchType = 60
	MatchAlias          MatchType = 60
	MatchTradeName      MatchType = 80
	MatchLabel          MatchType = 80
	MatchConceptID      MatchType = 100
)

// MatchTypeForRef maps a reference row kind to the match score it awards.
func MatchTypeForRef(rt RefType) MatchType {
	switch rt {
	case RefLabel:
		return MatchLabel
	case RefTradeName:
		return MatchTradeName
	case RefAlias:
		return MatchAlias
	case RefXref:
		return MatchXref
	case RefAssociatedWith:
		return MatchAssociatedWith
	}
	return MatchNone
}

// SourceName identifies one of the ingested sources, with canonical
// capitalization.
type SourceName string

const (
	Wikidata            SourceName = "Wikidata"
	ChEMBL              SourceName = "ChEMBL"
	NCIt                SourceName = "NCIt"
	DrugBank            SourceName = "DrugBank"
	ChemIDplus          SourceName = "ChemIDplus"
	RxNorm              SourceName = "RxNorm"
	HemOnc              SourceName = "HemOnc"
	DrugsAtFDA          SourceName = "DrugsAtFDA"
	GuideToPharmacology SourceName = "GuideToPHARMACOLOGY"
)

// SourceNames lists every ingested source.
var SourceNames = []SourceName{
	Wikidata,
	ChEMBL,
	NCIt,
	DrugBank,
	ChemIDplus,
	RxNorm,
	HemOnc,
	DrugsAtFDA,
	GuideToPharmacology,
}

// SourcePriority ranks sources for merged-record synthesis and
// disambiguation. Lower value wins.
var SourcePriority = map[SourceName]int{
	RxNorm:              1,
	NCIt:                2,
	HemOnc:              3,
	DrugBank:            4,
	DrugsAtFDA:          5,
	GuideToPharmacology: 6,
	ChEMBL:              7,
	ChemIDplus:          8,
	Wikidata:            9,
}

// SourceByName resolves a case-insensitive source name string.
func SourceByName(name string) (SourceName, bool) {
	for _, s := range SourceNames {
		if strings.EqualFold(string(s), name) {
			return s, true
		}
	}
	return "", false
}

// DataLicenseAttributes describes reuse constraints on a source's data.
type DataLicenseAttributes struct {
	NonCommercial bool `json:"non_commercial" yaml:"non_commercial"`
	ShareAlike    bool `json:"share_alike" yaml:"share_alike"`
	Attribution   bool `json:"attribution" yaml:"attribution"`
}

// SourceMeta holds license and versioning details for a source.
type SourceMeta struct {
	DataLicense           string                `json:"data_license" yaml:"data_license"`
	DataLicenseURL        string                `json:"data_license_url" yaml:"data_license_url"`
	Version               string                `json:"version" yaml:"version"`
	DataURL               string                `json:"data_url,omitempty" yaml:"data_url"`
	RdpURL                string                `json:"rdp_url,omitempty" yaml:"rdp_url"`
	DataLicenseAttributes DataLicenseAttributes `json:"data_license_attributes" yaml:"data_license_attributes"`
}

// ServiceMeta describes the normalizer service itself on query responses.
type ServiceMeta struct {
	Name             string    `json:"name"`
	Version          string    `json:"version"`
	ResponseDatetime time.Time `json:"response_datetime"`
}

const ServiceName = "theranorm"

// Version is stamped at build time via -ldflags.
var Version = "unknown"

func NewServiceMeta() ServiceMeta {
	return ServiceMeta{
		Name:             ServiceName,
		Version:          Version,
		ResponseDatetime: time.Now().UTC(),
	}
}
