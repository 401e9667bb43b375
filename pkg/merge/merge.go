package merge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/synaptica-ai/theranorm/pkg/common/logger"
	"github.com/synaptica-ai/theranorm/pkg/storage"
	"github.com/synaptica-ai/theranorm/pkg/therapy"
)

// biologicSuffixPattern matches FDA nonproprietary biologic names, which
// carry a four-letter suffix after the base name ("trastuzumab-anns").
var biologicSuffixPattern = regexp.MustCompile(`^(.*)[ -][a-z]{4}$`)

// Merger builds concept groups by closing over cross-source references and
// writes one merged record per group.
//
// groups keys every member concept ID to its group, so overlapping seeds
// reuse prior closures instead of re-traversing. uniiToDrugsAtFDA and
// failedLookups cache expansion results and dead ends; neither is captured in
// groups, so separate maps are needed to avoid repeat queries.
type Merger struct {
	store storage.Store

	groups           map[string]map[string]struct{}
	uniiToDrugsAtFDA map[string][]string
	failedLookups    map[string]struct{}
}

func New(store storage.Store) *Merger {
	return &Merger{
		store:            store,
		groups:           make(map[string]map[string]struct{}),
		uniiToDrugsAtFDA: make(map[string][]string),
		failedLookups:    make(map[string]struct{}),
	}
}

// CreateMergedConcepts builds concept groups from the given seed IDs,
// generates a merged record for every group of more than one member, and
// points each member's identity record at it.
func (m *Merger) CreateMergedConcepts(ctx context.Context, recordIDs []string) error {
	logger.Log.WithField("seeds", len(recordIDs)).Info("Generating concept groups")
	start := time.Now()
	for _, recordID := range recordIDs {
		group, err := m.buildGroup(ctx, recordID)
		if err != nil {
			return err
		}
		for conceptID := range group {
			m.groups[conceptID] = group
		}
	}
	logger.Log.WithField("elapsed", time.Since(start).String()).Debug("Built concept groups")

	for conceptID, group := range m.groups {
		if len(group) <= 1 {
			delete(m.groups, conceptID)
		}
	}

	logger.Log.Info("Creating merged records")
	start = time.Now()
	uploaded := make(map[string]struct{})
	for conceptID, group := range m.groups {
		if _, ok := uploaded[conceptID]; ok {
			continue
		}
		merged, err := m.generateMergedRecord(ctx, group)
		if err != nil {
			return err
		}
		if err := m.store.AddMergedRecord(ctx, merged); err != nil {
			return err
		}
		for member := range group {
			if err := m.store.UpdateMergeRef(ctx, member, merged.ConceptID); err != nil {
				if errors.Is(err, storage.ErrConditionFailed) {
					logger.Log.WithFields(map[string]interface{}{
						"concept_id": member,
						"merge_ref":  merged.ConceptID,
					}).Error("Updating nonexistent record")
					continue
				}
				logger.Log.WithError(err).WithField("concept_id", member).Error("Failed to write merge ref")
			}
		}
		for member := range group {
			uploaded[member] = struct{}{}
		}
	}
	if err := m.store.CompleteWriteTransaction(ctx); err != nil {
		return err
	}
	logger.Log.WithField("elapsed", time.Since(start).String()).Info("Merged concept generation successful")
	return nil
}

// buildGroup computes the reference closure for a seed concept ID with a
// worklist traversal. Group sizes can reach hundreds of members, so the
// closure is kept iterative rather than walking the reference graph on the
// call stack.
func (m *Merger) buildGroup(ctx context.Context, seed string) (map[string]struct{}, error) {
	if group, ok := m.groups[seed]; ok {
		return group, nil
	}

	group := make(map[string]struct{})
	visited := make(map[string]struct{})
	worklist := []string{seed}
	for len(worklist) > 0 {
		recordID := worklist[len(worklist)-1]
		worklist = worklist[:len(worklist)-1]
		if _, ok := visited[recordID]; ok {
			continue
		}
		visited[recordID] = struct{}{}

		// A previously closed group is final; absorb it without re-expansion.
		if prior, ok := m.groups[recordID]; ok {
			for id := range prior {
				group[id] = struct{}{}
			}
			continue
		}
		// Drugs@FDA records join groups only through the UNII rule and are
		// never expanded outbound.
		if strings.HasPrefix(recordID, "drugsatfda") {
			group[recordID] = struct{}{}
			continue
		}
		if _, ok := m.failedLookups[recordID]; ok {
			continue
		}

		record, err := m.store.GetRecordByID(ctx, recordID, true, false)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				logger.Log.WithError(err).WithField("concept_id", recordID).Error("Lookup failed during group traversal")
				m.failedLookups[recordID] = struct{}{}
				continue
			}
			// RxNorm xrefs sometimes point at brand concepts, which have no
			// identity record of their own. Redirect to the ingredient.
			if strings.HasPrefix(recordID, "rxcui") {
				ingredient, err := m.store.GetRxNormIDByBrand(ctx, recordID)
				if err == nil {
					worklist = append(worklist, ingredient)
					continue
				}
			}
			logger.Log.WithField("concept_id", recordID).Warning("Unable to resolve lookup in concept group")
			m.failedLookups[recordID] = struct{}{}
			continue
		}

		group[record.ConceptID] = struct{}{}
		outbound, err := m.outboundRefs(ctx, record)
		if err != nil {
			return nil, err
		}
		for _, ref := range outbound {
			if _, ok := visited[ref]; !ok {
				worklist = append(worklist, ref)
			}
		}
	}
	return group, nil
}

// outboundRefs collects a record's xrefs plus Drugs@FDA concepts reached
// through its UNII codes, consulting the per-UNII cache first.
func (m *Merger) outboundRefs(ctx context.Context, record *therapy.Record) ([]string, error) {
	refs := append([]string(nil), record.Xrefs...)
	for _, assoc := range record.AssociatedWith {
		if !strings.HasPrefix(assoc, "unii:") {
			continue
		}
		if cached, ok := m.uniiToDrugsAtFDA[assoc]; ok {
			refs = append(refs, cached...)
			continue
		}
		dafda, err := storage.GetDrugsAtFDAFromUNII(ctx, m.store, strings.ToLower(assoc))
		if err != nil {
			return nil, err
		}
		m.uniiToDrugsAtFDA[assoc] = dafda
		refs = append(refs, dafda...)
	}
	return refs, nil
}

// sortRecords orders group members by source priority, tiebreaking on
// concept ID. If the front record looks like an RxNorm biosimilar and the
// group holds more than one RxNorm record, the base therapeutic concept is
// promoted so the merged label reads "trastuzumab" rather than
// "trastuzumab-anns".
func sortRecords(records []*therapy.Record) ([]*therapy.Record, error) {
	for _, record := range records {
		if _, ok := therapy.SourcePriority[record.SrcName]; !ok {
			return nil, fmt.Errorf("prohibited source %q in concept_id %s", record.SrcName, record.ConceptID)
		}
	}
	sort.Slice(records, func(i, j int) bool {
		pi, pj := therapy.SourcePriority[records[i].SrcName], therapy.SourcePriority[records[j].SrcName]
		if pi != pj {
			return pi < pj
		}
		return records[i].ConceptID < records[j].ConceptID
	})

	rxnormCount := 0
	for _, record := range records {
		if record.SrcName == therapy.RxNorm {
			rxnormCount++
		}
	}
	if rxnormCount <= 1 {
		return records, nil
	}
	match := biologicSuffixPattern.FindStringSubmatch(records[0].Label)
	if match == nil {
		return records, nil
	}
	base := strings.ToLower(match[1])
	for i := 1; i < len(records); i++ {
		record := records[i]
		if record.SrcName == therapy.RxNorm && strings.ToLower(record.Label) == base {
			logger.Log.WithField("concept_id", record.ConceptID).Debug("Reordering RxNorm entry ahead of biosimilars")
			copy(records[1:i+1], records[:i])
			records[0] = record
			break
		}
	}
	return records, nil
}

// generateMergedRecord synthesizes one record from a concept group.
// Set-like fields are unioned and sorted; scalar-like fields take the value
// from the highest-priority source that has one.
func (m *Merger) generateMergedRecord(ctx context.Context, group map[string]struct{}) (*therapy.Record, error) {
	records := make([]*therapy.Record, 0, len(group))
	for conceptID := range group {
		record, err := m.store.GetRecordByID(ctx, conceptID, true, false)
		if err != nil {
			logger.Log.WithError(err).WithField("concept_id", conceptID).Error("Could not retrieve record for merge generation")
			continue
		}
		records = append(records, record)
	}
	records, err := sortRecords(records)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("no records resolvable in concept group")
	}

	merged := &therapy.Record{}
	merged.ConceptID = records[0].ConceptID
	for _, record := range records[1:] {
		merged.Xrefs = append(merged.Xrefs, record.ConceptID)
	}

	aliases := make(map[string]struct{})
	tradeNames := make(map[string]struct{})
	associatedWith := make(map[string]struct{})
	approvalRatings := make(map[therapy.ApprovalRating]struct{})
	approvalYears := make(map[string]struct{})
	indicationKeys := make(map[string]struct{})
	for _, record := range records {
		for _, a := range record.Aliases {
			aliases[a] = struct{}{}
		}
		for _, t := range record.TradeNames {
			tradeNames[t] = struct{}{}
		}
		for _, a := range record.AssociatedWith {
			associatedWith[a] = struct{}{}
		}
		for _, r := range record.ApprovalRatings {
			approvalRatings[r] = struct{}{}
		}
		for _, y := range record.ApprovalYear {
			approvalYears[y] = struct{}{}
		}
		if record.Label != "" {
			if merged.Label == "" {
				merged.Label = record.Label
			} else if record.Label != merged.Label {
				aliases[record.Label] = struct{}{}
			}
		}
		for _, ind := range record.HasIndication {
			key, err := json.Marshal(ind)
			if err != nil {
				return nil, fmt.Errorf("marshal indication for %s: %w", record.ConceptID, err)
			}
			if _, ok := indicationKeys[string(key)]; ok {
				continue
			}
			indicationKeys[string(key)] = struct{}{}
			merged.HasIndication = append(merged.HasIndication, ind)
		}
	}

	// Unions are sorted so repeated merge runs produce identical records.
	merged.Aliases = sortedSet(aliases)
	merged.TradeNames = sortedSet(tradeNames)
	merged.AssociatedWith = sortedSet(associatedWith)
	merged.ApprovalYear = sortedSet(approvalYears)
	for r := range approvalRatings {
		merged.ApprovalRatings = append(merged.ApprovalRatings, r)
	}
	sort.Slice(merged.ApprovalRatings, func(i, j int) bool {
		return merged.ApprovalRatings[i] < merged.ApprovalRatings[j]
	})
	return merged, nil
}

func sortedSet(values map[string]struct{}) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, 0, len(values))
	for v := range values {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
