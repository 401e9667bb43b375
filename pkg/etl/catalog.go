package etl

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/synaptica-ai/theranorm/pkg/therapy"
	"gopkg.in/yaml.v3"
)

// Catalog carries license and attribution details for each source, keyed by
// canonical source name. Versions are stamped by the loaders at load time.
type Catalog struct {
	Sources map[therapy.SourceName]therapy.SourceMeta `yaml:"sources"`
}

func LoadCatalog(path string) (Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return DefaultCatalog(), err
	}
	var cat Catalog
	if err := yaml.Unmarshal(content, &cat); err != nil {
		return Catalog{}, err
	}
	if len(cat.Sources) == 0 {
		return Catalog{}, fmt.Errorf("source catalog empty")
	}
	return cat, nil
}

func (c Catalog) Lookup(src therapy.SourceName) (therapy.SourceMeta, bool) {
	meta, ok := c.Sources[src]
	return meta, ok
}

func DefaultCatalog() Catalog {
	return Catalog{Sources: map[therapy.SourceName]therapy.SourceMeta{
		therapy.RxNorm: {
			DataLicense:    "UMLS Metathesaurus",
			DataLicenseURL: "https://www.nlm.nih.gov/research/umls/rxnorm/docs/termsofservice.html",
			DataURL:        "https://download.nlm.nih.gov/umls/kss/rxnorm/",
			DataLicenseAttributes: therapy.DataLicenseAttributes{
				NonCommercial: false, ShareAlike: false, Attribution: true,
			},
		},
		therapy.NCIt: {
			DataLicense:    "CC BY 4.0",
			DataLicenseURL: "https://creativecommons.org/licenses/by/4.0/legalcode",
			DataURL:        "https://evs.nci.nih.gov/ftp1/NCI_Thesaurus/",
			DataLicenseAttributes: therapy.DataLicenseAttributes{
				NonCommercial: false, ShareAlike: false, Attribution: true,
			},
		},
		therapy.HemOnc: {
			DataLicense:    "CC BY 4.0",
			DataLicenseURL: "https://creativecommons.org/licenses/by/4.0/legalcode",
			DataURL:        "https://dataverse.harvard.edu/dataverse/HemOnc",
			DataLicenseAttributes: therapy.DataLicenseAttributes{
				NonCommercial: false, ShareAlike: false, Attribution: true,
			},
		},
		therapy.DrugBank: {
			DataLicense:    "CC0 1.0",
			DataLicenseURL: "https://creativecommons.org/publicdomain/zero/1.0/legalcode",
			DataURL:        "https://go.drugbank.com/releases/latest#open-data",
			DataLicenseAttributes: therapy.DataLicenseAttributes{
				NonCommercial: false, ShareAlike: false, Attribution: false,
			},
		},
		therapy.DrugsAtFDA: {
			DataLicense:    "CC0",
			DataLicenseURL: "https://creativecommons.org/publicdomain/zero/1.0/legalcode",
			DataURL:        "https://www.fda.gov/drugs/drug-approvals-and-databases/drugsfda-data-files",
			DataLicenseAttributes: therapy.DataLicenseAttributes{
				NonCommercial: false, ShareAlike: false, Attribution: false,
			},
		},
		therapy.GuideToPharmacology: {
			DataLicense:    "CC BY-SA 4.0",
			DataLicenseURL: "https://creativecommons.org/licenses/by-sa/4.0/",
			DataURL:        "https://www.guidetopharmacology.org/download.jsp",
			DataLicenseAttributes: therapy.DataLicenseAttributes{
				NonCommercial: false, ShareAlike: true, Attribution: true,
			},
		},
		therapy.ChEMBL: {
			DataLicense:    "CC BY-SA 3.0",
			DataLicenseURL: "https://creativecommons.org/licenses/by-sa/3.0/",
			DataURL:        "https://ftp.ebi.ac.uk/pub/databases/chembl/ChEMBLdb/latest/",
			DataLicenseAttributes: therapy.DataLicenseAttributes{
				NonCommercial: false, ShareAlike: true, Attribution: true,
			},
		},
		therapy.ChemIDplus: {
			DataLicense:    "custom",
			DataLicenseURL: "https://www.nlm.nih.gov/databases/download/terms_and_conditions.html",
			DataURL:        "https://ftp.nlm.nih.gov/projects/chemidlease/",
			DataLicenseAttributes: therapy.DataLicenseAttributes{
				NonCommercial: false, ShareAlike: false, Attribution: true,
			},
		},
		therapy.Wikidata: {
			DataLicense:    "CC0 1.0",
			DataLicenseURL: "https://creativecommons.org/publicdomain/zero/1.0/",
			DataLicenseAttributes: therapy.DataLicenseAttributes{
				NonCommercial: false, ShareAlike: false, Attribution: false,
			},
		},
	}}
}
