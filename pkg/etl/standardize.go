package etl

import (
	"fmt"
	"sort"
	"strings"

	"github.com/synaptica-ai/theranorm/pkg/common/logger"
	"github.com/synaptica-ai/theranorm/pkg/therapy"
)

// searchableFieldMax caps list-valued searchable fields. A record with more
// than this many aliases (etc.) is almost always noise from the source, and
// every entry becomes an indexed row; the field is dropped instead.
const searchableFieldMax = 20

// StandardizeRecord normalizes a record's searchable fields in place:
// whitespace trimmed, duplicates and empties removed, the label excluded
// from aliases and trade names, values sorted, and oversized fields dropped.
// Returns an error for records that cannot be stored at all.
func StandardizeRecord(record *therapy.Record) error {
	if record.ConceptID == "" {
		return fmt.Errorf("record has no concept_id")
	}
	if _, ok := therapy.SourcePriority[record.SrcName]; !ok {
		return fmt.Errorf("record %s has unrecognized source %q", record.ConceptID, record.SrcName)
	}

	record.Label = strings.TrimSpace(record.Label)

	record.TradeNames = cleanField(record, "trade_names", record.TradeNames, record.Label, nil)
	record.Aliases = cleanField(record, "aliases", record.Aliases, record.Label, record.TradeNames)
	record.Xrefs = cleanField(record, "xrefs", record.Xrefs, "", nil)
	record.AssociatedWith = cleanField(record, "associated_with", record.AssociatedWith, "", nil)

	sort.Strings(record.ApprovalYear)
	sort.Slice(record.ApprovalRatings, func(i, j int) bool {
		return record.ApprovalRatings[i] < record.ApprovalRatings[j]
	})
	sort.Slice(record.HasIndication, func(i, j int) bool {
		a, b := record.HasIndication[i], record.HasIndication[j]
		if a.DiseaseID != b.DiseaseID {
			return a.DiseaseID < b.DiseaseID
		}
		return a.DiseaseLabel < b.DiseaseLabel
	})
	return nil
}

func cleanField(record *therapy.Record, fieldName string, values []string, label string, exclude []string) []string {
	if len(values) == 0 {
		return nil
	}
	excluded := make(map[string]struct{}, len(exclude)+1)
	for _, v := range exclude {
		excluded[v] = struct{}{}
	}
	if label != "" {
		excluded[label] = struct{}{}
	}

	seen := make(map[string]struct{}, len(values))
	var cleaned []string
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := excluded[v]; ok {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		cleaned = append(cleaned, v)
	}
	if len(cleaned) > searchableFieldMax {
		logger.Log.WithFields(map[string]interface{}{
			"concept_id": record.ConceptID,
			"field":      fieldName,
			"count":      len(cleaned),
		}).Debug("Dropping oversized searchable field")
		return nil
	}
	sort.Strings(cleaned)
	return cleaned
}
