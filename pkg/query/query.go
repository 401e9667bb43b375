package query

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/synaptica-ai/theranorm/pkg/common/logger"
	"github.com/synaptica-ai/theranorm/pkg/storage"
	"github.com/synaptica-ai/theranorm/pkg/therapy"
)

// InvalidParameterError reports unusable user-supplied query parameters, e.g.
// requesting source inclusions and exclusions at once.
type InvalidParameterError struct {
	Detail string
}

func (e *InvalidParameterError) Error() string {
	return e.Detail
}

var nbspPattern = regexp.MustCompile("\u00a0|&nbsp;")

// Warning is a keyed advisory attached to a response without failing it.
type Warning map[string]interface{}

// SourceSearchMatches holds one source's results for a search query.
type SourceSearchMatches struct {
	MatchType  therapy.MatchType   `json:"match_type"`
	Records    []*therapy.Record   `json:"records"`
	SourceMeta *therapy.SourceMeta `json:"source_meta_"`
}

// SearchResult reports per-source matches for a query.
type SearchResult struct {
	Query         string                                      `json:"query"`
	Warnings      []Warning                                   `json:"warnings"`
	SourceMatches map[therapy.SourceName]*SourceSearchMatches `json:"source_matches"`
	ServiceMeta   therapy.ServiceMeta                         `json:"service_meta_"`
}

// NormalizeResult reports the single normalized concept for a query.
type NormalizeResult struct {
	Query       string                                     `json:"query"`
	MatchType   therapy.MatchType                          `json:"match_type"`
	Warnings    []Warning                                  `json:"warnings,omitempty"`
	Therapy     *therapy.Record                            `json:"therapy,omitempty"`
	SourceMeta  map[therapy.SourceName]*therapy.SourceMeta `json:"source_meta_,omitempty"`
	ServiceMeta therapy.ServiceMeta                        `json:"service_meta_"`
}

// MatchesNormalized groups one source's records under a normalized concept.
type MatchesNormalized struct {
	Records    []*therapy.Record   `json:"records"`
	SourceMeta *therapy.SourceMeta `json:"source_meta_"`
}

// UnmergedResult reports every source record under the normalized concept.
type UnmergedResult struct {
	Query               string                                    `json:"query"`
	MatchType           therapy.MatchType                         `json:"match_type"`
	Warnings            []Warning                                 `json:"warnings,omitempty"`
	NormalizedConceptID string                                    `json:"normalized_concept_id,omitempty"`
	SourceMatches       map[therapy.SourceName]*MatchesNormalized `json:"source_matches"`
	ServiceMeta         therapy.ServiceMeta                       `json:"service_meta_"`
}

// QueryHandler resolves user queries against the record store. Source
// metadata is cached per handler instance; two handlers never share cache
// state.
type QueryHandler struct {
	store storage.Store

	metaMu    sync.RWMutex
	metaCache map[therapy.SourceName]*therapy.SourceMeta
}

func NewQueryHandler(store storage.Store) *QueryHandler {
	return &QueryHandler{
		store:     store,
		metaCache: make(map[therapy.SourceName]*therapy.SourceMeta),
	}
}

// sourceMeta returns cached metadata for a source, consulting the store on
// first use. ErrNotFound is passed through so callers can tell an unloaded
// source from a backend failure.
func (q *QueryHandler) sourceMeta(ctx context.Context, src therapy.SourceName) (*therapy.SourceMeta, error) {
	q.metaMu.RLock()
	meta, ok := q.metaCache[src]
	q.metaMu.RUnlock()
	if ok {
		return meta, nil
	}
	meta, err := q.store.GetSourceMetadata(ctx, src)
	if err != nil {
		return nil, err
	}
	q.metaMu.Lock()
	q.metaCache[src] = meta
	q.metaMu.Unlock()
	return meta, nil
}

func charWarnings(query string) []Warning {
	if !nbspPattern.MatchString(query) {
		return nil
	}
	logger.Log.WithField("query", query).Warning("Query contains non-breaking space characters")
	return []Warning{{
		"non_breaking_space_characters": "Query contains non-breaking space characters",
	}}
}

// getRecord degrades transient single-record read failures to a miss, with a
// log line, so one flaky key cannot fail a whole query.
func (q *QueryHandler) getRecord(ctx context.Context, conceptID string, merge bool) *therapy.Record {
	record, err := q.store.GetRecordByID(ctx, conceptID, false, merge)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			logger.Log.WithError(err).WithField("concept_id", conceptID).Error("Record lookup failed")
		}
		return nil
	}
	return record
}

type inference struct {
	record  *therapy.Record
	warning Warning
}

// inferNamespace tries known LUI patterns against a bare query and looks up
// the concept ID each one implies. When several patterns hit, the
// highest-priority source's record wins.
func (q *QueryHandler) inferNamespace(ctx context.Context, query string) *inference {
	type candidate struct {
		record     *therapy.Record
		namespace  string
		inferredID string
	}
	var candidates []candidate
	for _, lui := range therapy.NamespaceLUIs {
		match := lui.Pattern.FindStringSubmatch(query)
		if match == nil {
			continue
		}
		var namespace, inferredID string
		if lui.Source == therapy.DrugsAtFDA {
			parts := therapy.DrugsAtFDALUI.FindStringSubmatch(query)
			namespace = "drugsatfda." + strings.ToLower(parts[1])
			inferredID = namespace + ":" + parts[2]
		} else {
			namespace = therapy.SourcePrefix[lui.Source]
			inferredID = namespace + ":" + query
		}
		record := q.getRecord(ctx, inferredID, false)
		if record != nil {
			candidates = append(candidates, candidate{record, namespace, inferredID})
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		pi := therapy.SourcePriority[candidates[i].record.SrcName]
		pj := therapy.SourcePriority[candidates[j].record.SrcName]
		if pi != pj {
			return pi < pj
		}
		return candidates[i].record.ConceptID < candidates[j].record.ConceptID
	})
	var alternates []string
	for _, c := range candidates[1:] {
		alternates = append(alternates, c.inferredID)
	}
	return &inference{
		record: candidates[0].record,
		warning: Warning{
			"inferred_namespace":         candidates[0].namespace,
			"adjusted_query":             candidates[0].inferredID,
			"alternate_inferred_matches": alternates,
		},
	}
}

// availableSources lists sources with metadata in the store, keyed by
// lowercased name for case-insensitive matching of incl/excl parameters.
func (q *QueryHandler) availableSources(ctx context.Context) map[string]therapy.SourceName {
	out := make(map[string]therapy.SourceName, len(therapy.SourceNames))
	for _, src := range therapy.SourceNames {
		if _, err := q.sourceMeta(ctx, src); err == nil {
			out[strings.ToLower(string(src))] = src
		}
	}
	return out
}

func resolveQuerySources(available map[string]therapy.SourceName, incl, excl string) (map[therapy.SourceName]struct{}, error) {
	selected := make(map[therapy.SourceName]struct{})
	switch {
	case incl != "" && excl != "":
		return nil, &InvalidParameterError{Detail: "Cannot request both source inclusions and exclusions."}
	case incl != "":
		var invalid []string
		for _, name := range strings.Split(incl, ",") {
			name = strings.TrimSpace(name)
			if src, ok := available[strings.ToLower(name)]; ok {
				selected[src] = struct{}{}
			} else {
				invalid = append(invalid, name)
			}
		}
		if len(invalid) > 0 {
			return nil, &InvalidParameterError{Detail: fmt.Sprintf("Invalid source name(s): %v", invalid)}
		}
	case excl != "":
		excluded := make(map[string]struct{})
		var invalid []string
		for _, name := range strings.Split(excl, ",") {
			name = strings.TrimSpace(name)
			if _, ok := available[strings.ToLower(name)]; !ok {
				invalid = append(invalid, name)
			}
			excluded[strings.ToLower(name)] = struct{}{}
		}
		if len(invalid) > 0 {
			return nil, &InvalidParameterError{Detail: fmt.Sprintf("Invalid source name(s): %v", invalid)}
		}
		for lower, src := range available {
			if _, ok := excluded[lower]; !ok {
				selected[src] = struct{}{}
			}
		}
	default:
		for _, src := range available {
			selected[src] = struct{}{}
		}
	}
	return selected, nil
}

// Search fetches matching records from each requested source. incl and excl
// are comma-separated, case-insensitive source name lists; at most one may
// be set. With infer, namespace inference is attempted on bare local IDs.
func (q *QueryHandler) Search(ctx context.Context, queryStr, incl, excl string, infer bool) (*SearchResult, error) {
	available := q.availableSources(ctx)
	sources, err := resolveQuerySources(available, incl, excl)
	if err != nil {
		return nil, err
	}

	response := &SearchResult{
		Query:         queryStr,
		Warnings:      charWarnings(queryStr),
		SourceMatches: make(map[therapy.SourceName]*SourceSearchMatches, len(sources)),
		ServiceMeta:   therapy.NewServiceMeta(),
	}
	if queryStr == "" {
		q.fillNoMatches(ctx, response, sources)
		return response, nil
	}
	trimmed := strings.TrimSpace(queryStr)

	// Concept ID tier. Inference and direct lookup can both land, on
	// different sources.
	var idMatches []*therapy.Record
	if infer {
		if inf := q.inferNamespace(ctx, trimmed); inf != nil {
			idMatches = append(idMatches, inf.record)
			response.Warnings = append(response.Warnings, inf.warning)
		}
	}
	if prefixKnown(trimmed) {
		if record := q.getRecord(ctx, trimmed, false); record != nil {
			idMatches = append(idMatches, record)
		}
	}
	for _, record := range idMatches {
		if q.addSearchMatch(ctx, response, sources, record, therapy.MatchConceptID) {
			delete(sources, record.SrcName)
		}
	}
	if len(sources) == 0 {
		return response, nil
	}

	lowered := strings.ToLower(trimmed)
	for _, refType := range therapy.RefTypes {
		conceptIDs, err := q.store.GetRefsByType(ctx, lowered, refType)
		if err != nil {
			return nil, err
		}
		matched := make(map[therapy.SourceName]struct{})
		for _, conceptID := range conceptIDs {
			record := q.getRecord(ctx, conceptID, false)
			if record == nil {
				logger.Log.WithField("concept_id", conceptID).Error("Unable to retrieve record")
				continue
			}
			if q.addSearchMatch(ctx, response, sources, record, therapy.MatchTypeForRef(refType)) {
				matched[record.SrcName] = struct{}{}
			}
		}
		for src := range matched {
			delete(sources, src)
		}
		if len(sources) == 0 {
			return response, nil
		}
	}

	q.fillNoMatches(ctx, response, sources)
	return response, nil
}

// addSearchMatch files a record under its source. Within one source, only
// records from the first (highest) matched tier are kept.
func (q *QueryHandler) addSearchMatch(ctx context.Context, response *SearchResult, sources map[therapy.SourceName]struct{}, record *therapy.Record, matchType therapy.MatchType) bool {
	if _, ok := sources[record.SrcName]; !ok {
		if _, filed := response.SourceMatches[record.SrcName]; !filed {
			return false
		}
	}
	matches, ok := response.SourceMatches[record.SrcName]
	if !ok {
		meta, err := q.sourceMeta(ctx, record.SrcName)
		if err != nil {
			logger.Log.WithError(err).WithField("source", record.SrcName).Error("Source metadata lookup failed")
			return false
		}
		response.SourceMatches[record.SrcName] = &SourceSearchMatches{
			MatchType:  matchType,
			Records:    []*therapy.Record{record},
			SourceMeta: meta,
		}
		return true
	}
	if matches.MatchType != matchType {
		return true
	}
	for _, existing := range matches.Records {
		if existing.ConceptID == record.ConceptID {
			return true
		}
	}
	matches.Records = append(matches.Records, record)
	return true
}

func (q *QueryHandler) fillNoMatches(ctx context.Context, response *SearchResult, sources map[therapy.SourceName]struct{}) {
	for src := range sources {
		meta, err := q.sourceMeta(ctx, src)
		if err != nil {
			logger.Log.WithError(err).WithField("source", src).Error("Source metadata lookup failed")
			continue
		}
		response.SourceMatches[src] = &SourceSearchMatches{
			MatchType:  therapy.MatchNone,
			Records:    []*therapy.Record{},
			SourceMeta: meta,
		}
	}
}

func prefixKnown(query string) bool {
	lowered := strings.ToLower(query)
	for prefix := range therapy.PrefixLookup {
		if strings.HasPrefix(lowered, prefix) {
			return true
		}
	}
	return false
}

// normalizedMatch is the outcome of a normalized lookup: the record to
// present (merged, or a sole group member) and how the query reached it.
type normalizedMatch struct {
	record    *therapy.Record
	merged    bool
	matchType therapy.MatchType
	warnings  []Warning
}

// lookupNormalized finds the normalized concept for a query: merged concept
// ID first, then identity concept ID, then namespace inference, then the
// reference tiers in descending match order.
func (q *QueryHandler) lookupNormalized(ctx context.Context, query string, infer bool) *normalizedMatch {
	if query == "" {
		return nil
	}
	queryStr := strings.ToLower(strings.TrimSpace(query))

	if record := q.getRecord(ctx, queryStr, true); record != nil {
		return &normalizedMatch{record: record, merged: true, matchType: therapy.MatchConceptID}
	}
	if record := q.getRecord(ctx, queryStr, false); record != nil {
		return q.resolveMerge(ctx, query, record, therapy.MatchConceptID, nil)
	}
	if infer {
		if inf := q.inferNamespace(ctx, strings.TrimSpace(query)); inf != nil {
			return q.resolveMerge(ctx, query, inf.record, therapy.MatchConceptID, []Warning{inf.warning})
		}
	}

	for _, refType := range therapy.RefTypes {
		conceptIDs, err := q.store.GetRefsByType(ctx, queryStr, refType)
		if err != nil {
			logger.Log.WithError(err).WithField("query", queryStr).Error("Reference lookup failed")
			continue
		}
		var records []*therapy.Record
		for _, conceptID := range conceptIDs {
			if record := q.getRecord(ctx, conceptID, false); record != nil {
				records = append(records, record)
			}
		}
		sort.Slice(records, func(i, j int) bool {
			pi := therapy.SourcePriority[records[i].SrcName]
			pj := therapy.SourcePriority[records[j].SrcName]
			if pi != pj {
				return pi < pj
			}
			return records[i].ConceptID < records[j].ConceptID
		})
		for _, record := range records {
			if match := q.resolveMerge(ctx, query, record, therapy.MatchTypeForRef(refType), nil); match != nil {
				return match
			}
		}
	}
	return nil
}

// resolveMerge maps an identity record to its group's merged record. A
// record with no merge ref is the sole member of its group and stands in
// directly. A dangling merge ref is logged and treated as no match.
func (q *QueryHandler) resolveMerge(ctx context.Context, query string, record *therapy.Record, matchType therapy.MatchType, warnings []Warning) *normalizedMatch {
	if record.MergeRef == "" {
		return &normalizedMatch{record: record, matchType: matchType, warnings: warnings}
	}
	merged := q.getRecord(ctx, record.MergeRef, true)
	if merged == nil {
		logger.Log.WithFields(map[string]interface{}{
			"merge_ref":  record.MergeRef,
			"concept_id": record.ConceptID,
			"query":      query,
		}).Error("Merge ref lookup failed")
		return nil
	}
	return &normalizedMatch{record: merged, merged: true, matchType: matchType, warnings: warnings}
}

// Normalize returns the merged concept for a query.
func (q *QueryHandler) Normalize(ctx context.Context, query string, infer bool) (*NormalizeResult, error) {
	response := &NormalizeResult{
		Query:       query,
		MatchType:   therapy.MatchNone,
		Warnings:    charWarnings(query),
		ServiceMeta: therapy.NewServiceMeta(),
	}
	match := q.lookupNormalized(ctx, query, infer)
	if match == nil {
		return response, nil
	}
	response.Warnings = append(response.Warnings, match.warnings...)
	response.MatchType = match.matchType
	response.Therapy = match.record
	response.SourceMeta = q.mergedMeta(ctx, match.record)
	return response, nil
}

// mergedMeta collects metadata for each ingested source contributing to a
// normalized record, keyed off concept ID namespaces.
func (q *QueryHandler) mergedMeta(ctx context.Context, record *therapy.Record) map[therapy.SourceName]*therapy.SourceMeta {
	out := make(map[therapy.SourceName]*therapy.SourceMeta)
	ids := append([]string{record.ConceptID}, record.Xrefs...)
	for _, id := range ids {
		src, ok := therapy.SourceForConceptID(id)
		if !ok {
			continue
		}
		if _, seen := out[src]; seen {
			continue
		}
		meta, err := q.sourceMeta(ctx, src)
		if err != nil {
			logger.Log.WithError(err).WithField("source", src).Error("Source metadata lookup failed")
			continue
		}
		out[src] = meta
	}
	return out
}

// NormalizeUnmerged returns all source records under the normalized concept
// for a query.
func (q *QueryHandler) NormalizeUnmerged(ctx context.Context, query string, infer bool) (*UnmergedResult, error) {
	response := &UnmergedResult{
		Query:         query,
		MatchType:     therapy.MatchNone,
		Warnings:      charWarnings(query),
		SourceMatches: make(map[therapy.SourceName]*MatchesNormalized),
		ServiceMeta:   therapy.NewServiceMeta(),
	}
	match := q.lookupNormalized(ctx, query, infer)
	if match == nil {
		return response, nil
	}
	response.Warnings = append(response.Warnings, match.warnings...)
	response.MatchType = match.matchType
	response.NormalizedConceptID = match.record.ConceptID

	if !match.merged {
		q.addUnmergedRecord(ctx, response, match.record)
		return response, nil
	}
	// Walk the group membership off the merged record. Unfetchable members
	// are skipped; some ChemIDplus references have no identity record.
	ids := append([]string{match.record.ConceptID}, match.record.Xrefs...)
	for _, id := range ids {
		record := q.getRecord(ctx, id, false)
		if record == nil {
			continue
		}
		q.addUnmergedRecord(ctx, response, record)
	}
	return response, nil
}

func (q *QueryHandler) addUnmergedRecord(ctx context.Context, response *UnmergedResult, record *therapy.Record) {
	matches, ok := response.SourceMatches[record.SrcName]
	if !ok {
		meta, err := q.sourceMeta(ctx, record.SrcName)
		if err != nil {
			logger.Log.WithError(err).WithField("source", record.SrcName).Error("Source metadata lookup failed")
			return
		}
		response.SourceMatches[record.SrcName] = &MatchesNormalized{
			Records:    []*therapy.Record{record},
			SourceMeta: meta,
		}
		return
	}
	matches.Records = append(matches.Records, record)
}
