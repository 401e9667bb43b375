package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/synaptica-ai/theranorm/pkg/therapy"
)

var (
	// ErrNotFound marks a genuinely absent record, as opposed to a
	// transient backend failure. Callers decide whether to retry wrapped
	// backend errors; ErrNotFound is final.
	ErrNotFound = errors.New("record not found")

	// ErrInitialization covers backend connection/setup failures. Fatal at
	// startup.
	ErrInitialization = errors.New("database initialization failed")

	// ErrRead covers failures partway through a multi-call read sequence
	// (paginated scans, indexed deletes).
	ErrRead = errors.New("database read failed")

	// ErrWrite covers failed writes.
	ErrWrite = errors.New("database write failed")
)

// ErrConditionFailed is returned by UpdateMergeRef when the target identity
// record does not exist. It satisfies errors.Is(err, ErrWrite).
var ErrConditionFailed = fmt.Errorf("%w: no such record exists", ErrWrite)

// Store is the key-value contract the merge and query engines run against.
// Every row kind (identity, merged, reference, brand mapping, source
// metadata) lives in one namespace addressed by a composite key: a partition
// discriminator `lower(term)##item_type` and a concept-ID sort key.
//
// Writes are buffered where the backend supports batching; callers must
// invoke CompleteWriteTransaction to flush. Reads observe only flushed
// writes.
type Store interface {
	// GetRecordByID fetches the identity (or, with merge set, the merged)
	// record for a concept ID. Case-sensitive lookups are exact-key and
	// cheaper; case-insensitive lookups query the partition and take the
	// first row. Returns ErrNotFound when absent.
	GetRecordByID(ctx context.Context, conceptID string, caseSensitive, merge bool) (*therapy.Record, error)

	// GetRefsByType returns concept IDs whose records carry searchTerm under
	// the given relation. Empty, never an error, on no match.
	GetRefsByType(ctx context.Context, searchTerm string, refType therapy.RefType) ([]string, error)

	// GetSourceMetadata returns license/version info for a source, or
	// ErrNotFound if the source has never been loaded.
	GetSourceMetadata(ctx context.Context, src therapy.SourceName) (*therapy.SourceMeta, error)

	// GetRxNormIDByBrand dereferences an RxNorm brand concept to its active
	// ingredient concept ID via the one-directional brand table.
	GetRxNormIDByBrand(ctx context.Context, brandID string) (string, error)

	// GetAllConceptIDs returns every identity record's concept ID. Paginates
	// internally; used by the merge engine's bootstrap pass.
	GetAllConceptIDs(ctx context.Context) ([]string, error)

	// GetAllRecords streams records to fn. RecordTypeIdentity yields all
	// source records; RecordTypeMerger yields the normalized universe:
	// merged records plus identity records with no merge ref.
	GetAllRecords(ctx context.Context, recordType therapy.RecordType, fn func(*therapy.Record) error) error

	// AddRecord writes an identity record and derives reference rows from
	// its label, trade names, aliases, xrefs, and associated_with values.
	AddRecord(ctx context.Context, record *therapy.Record) error

	// AddMergedRecord writes a merged record.
	AddMergedRecord(ctx context.Context, record *therapy.Record) error

	// AddRxNormBrand maps an RxNorm brand concept to a drug concept.
	AddRxNormBrand(ctx context.Context, brandID, recordID string) error

	// AddSourceMetadata writes a source metadata row.
	AddSourceMetadata(ctx context.Context, src therapy.SourceName, meta *therapy.SourceMeta) error

	// UpdateMergeRef points an identity record at its merged record. The
	// update is conditional on the record existing; ErrConditionFailed
	// otherwise.
	UpdateMergeRef(ctx context.Context, conceptID, mergeRef string) error

	// DeleteNormalizedConcepts removes every merged record. Run before a
	// fresh merge pass.
	DeleteNormalizedConcepts(ctx context.Context) error

	// DeleteSource removes all rows attributed to a source, including
	// derived reference rows. Run before reloading that source.
	DeleteSource(ctx context.Context, src therapy.SourceName) error

	// CheckSchemaInitialized reports whether backing tables exist.
	CheckSchemaInitialized(ctx context.Context) bool

	// CheckTablesPopulated runs rudimentary probes for source, identity, and
	// merged rows.
	CheckTablesPopulated(ctx context.Context) bool

	// CompleteWriteTransaction flushes buffered writes.
	CompleteWriteTransaction(ctx context.Context) error

	Close() error
}

// GetDrugsAtFDAFromUNII returns Drugs@FDA concepts associated with the given
// UNII, excluding records carrying more than one UNII. Drugs@FDA tracks
// compound therapies with a UNII per component; following those references
// would merge distinct therapies under the compound's umbrella.
func GetDrugsAtFDAFromUNII(ctx context.Context, s Store, unii string) ([]string, error) {
	refs, err := s.GetRefsByType(ctx, unii, therapy.RefAssociatedWith)
	if err != nil {
		return nil, err
	}
	var concepts []string
	for _, conceptID := range refs {
		if !strings.HasPrefix(conceptID, "drugsatfda") {
			continue
		}
		record, err := s.GetRecordByID(ctx, conceptID, false, false)
		if err != nil {
			continue
		}
		uniis := 0
		for _, a := range record.AssociatedWith {
			if strings.HasPrefix(a, "unii") {
				uniis++
			}
		}
		if uniis == 1 {
			concepts = append(concepts, record.ConceptID)
		}
	}
	return concepts, nil
}

// labelAndType builds the partition discriminator for a row.
func labelAndType(term, itemType string) string {
	return strings.ToLower(term) + "##" + itemType
}

// sourceConceptID builds the sort key for a source metadata row.
func sourceConceptID(src therapy.SourceName) string {
	return "source:" + strings.ToLower(string(src))
}

// refTerms collects the normalized reference terms derived from an identity
// record, keyed by relation type. Terms are lowercased and deduplicated.
func refTerms(record *therapy.Record) map[therapy.RefType][]string {
	fields := map[therapy.RefType][]string{
		therapy.RefLabel:          nil,
		therapy.RefTradeName:      record.TradeNames,
		therapy.RefAlias:          record.Aliases,
		therapy.RefXref:           record.Xrefs,
		therapy.RefAssociatedWith: record.AssociatedWith,
	}
	if record.Label != "" {
		fields[therapy.RefLabel] = []string{record.Label}
	}
	out := make(map[therapy.RefType][]string, len(fields))
	for refType, values := range fields {
		if len(values) == 0 {
			continue
		}
		seen := make(map[string]struct{}, len(values))
		var terms []string
		for _, v := range values {
			lowered := strings.ToLower(v)
			if lowered == "" {
				continue
			}
			if _, ok := seen[lowered]; ok {
				continue
			}
			seen[lowered] = struct{}{}
			terms = append(terms, lowered)
		}
		if len(terms) > 0 {
			out[refType] = terms
		}
	}
	return out
}
