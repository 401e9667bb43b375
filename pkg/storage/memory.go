package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/synaptica-ai/theranorm/pkg/therapy"
)

// MemoryStore is an in-process Store used in tests and local tooling. It
// reproduces the composite-key semantics of the production backends: one
// partition per lower(term)##item_type, rows sorted by concept ID.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[string]map[string]*memoryRow
}

type memoryRow struct {
	itemType string
	srcName  therapy.SourceName
	record   *therapy.Record
	meta     *therapy.SourceMeta
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]map[string]*memoryRow)}
}

func (m *MemoryStore) put(pk, sk string, row *memoryRow) {
	bucket, ok := m.rows[pk]
	if !ok {
		bucket = make(map[string]*memoryRow)
		m.rows[pk] = bucket
	}
	bucket[sk] = row
}

func (m *MemoryStore) GetRecordByID(ctx context.Context, conceptID string, caseSensitive, merge bool) (*therapy.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	itemType := string(therapy.RecordTypeIdentity)
	if merge {
		itemType = string(therapy.RecordTypeMerger)
	}
	bucket := m.rows[labelAndType(conceptID, itemType)]
	if len(bucket) == 0 {
		return nil, ErrNotFound
	}
	if caseSensitive {
		if row, ok := bucket[conceptID]; ok {
			return cloneRecord(row.record), nil
		}
		return nil, ErrNotFound
	}
	keys := sortedKeys(bucket)
	return cloneRecord(bucket[keys[0]].record), nil
}

func (m *MemoryStore) GetRefsByType(ctx context.Context, searchTerm string, refType therapy.RefType) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bucket := m.rows[labelAndType(searchTerm, string(refType))]
	return sortedKeys(bucket), nil
}

func (m *MemoryStore) GetSourceMetadata(ctx context.Context, src therapy.SourceName) (*therapy.SourceMeta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bucket := m.rows[labelAndType(string(src), "source")]
	row, ok := bucket[sourceConceptID(src)]
	if !ok {
		return nil, ErrNotFound
	}
	meta := *row.meta
	return &meta, nil
}

func (m *MemoryStore) GetRxNormIDByBrand(ctx context.Context, brandID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bucket := m.rows[labelAndType(brandID, therapy.RxBrandItemType)]
	if len(bucket) != 1 {
		return "", ErrNotFound
	}
	return sortedKeys(bucket)[0], nil
}

func (m *MemoryStore) GetAllConceptIDs(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []string
	for _, bucket := range m.rows {
		for sk, row := range bucket {
			if row.itemType != string(therapy.RecordTypeIdentity) {
				continue
			}
			ids = append(ids, sk)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryStore) GetAllRecords(ctx context.Context, recordType therapy.RecordType, fn func(*therapy.Record) error) error {
	m.mu.RLock()
	records := make([]*therapy.Record, 0)
	for _, bucket := range m.rows {
		for _, row := range bucket {
			if row.record == nil {
				continue
			}
			switch recordType {
			case therapy.RecordTypeIdentity:
				if row.itemType == string(therapy.RecordTypeIdentity) {
					records = append(records, cloneRecord(row.record))
				}
			default:
				if row.itemType == string(therapy.RecordTypeMerger) ||
					(row.itemType == string(therapy.RecordTypeIdentity) && row.record.MergeRef == "") {
					records = append(records, cloneRecord(row.record))
				}
			}
		}
	}
	m.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool { return records[i].ConceptID < records[j].ConceptID })
	for _, record := range records {
		if err := fn(record); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryStore) AddRecord(ctx context.Context, record *therapy.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := cloneRecord(record)
	m.put(labelAndType(record.ConceptID, string(therapy.RecordTypeIdentity)), record.ConceptID, &memoryRow{
		itemType: string(therapy.RecordTypeIdentity),
		srcName:  record.SrcName,
		record:   stored,
	})
	for refType, terms := range refTerms(record) {
		for _, term := range terms {
			m.put(labelAndType(term, string(refType)), strings.ToLower(record.ConceptID), &memoryRow{
				itemType: string(refType),
				srcName:  record.SrcName,
			})
		}
	}
	return nil
}

func (m *MemoryStore) AddMergedRecord(ctx context.Context, record *therapy.Record) error {
	src, ok := therapy.SourceForConceptID(record.ConceptID)
	if !ok {
		return fmt.Errorf("%w: unknown namespace in %s", ErrWrite, record.ConceptID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stored := cloneRecord(record)
	stored.SrcName = src
	sk := strings.ToLower(record.ConceptID)
	m.put(labelAndType(record.ConceptID, string(therapy.RecordTypeMerger)), sk, &memoryRow{
		itemType: string(therapy.RecordTypeMerger),
		srcName:  src,
		record:   stored,
	})
	return nil
}

func (m *MemoryStore) AddRxNormBrand(ctx context.Context, brandID, recordID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.put(labelAndType(brandID, therapy.RxBrandItemType), recordID, &memoryRow{
		itemType: therapy.RxBrandItemType,
		srcName:  therapy.RxNorm,
	})
	return nil
}

func (m *MemoryStore) AddSourceMetadata(ctx context.Context, src therapy.SourceName, meta *therapy.SourceMeta) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := *meta
	m.put(labelAndType(string(src), "source"), sourceConceptID(src), &memoryRow{
		itemType: "source",
		srcName:  src,
		meta:     &stored,
	})
	return nil
}

func (m *MemoryStore) UpdateMergeRef(ctx context.Context, conceptID, mergeRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bucket := m.rows[labelAndType(conceptID, string(therapy.RecordTypeIdentity))]
	row, ok := bucket[conceptID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrConditionFailed, conceptID)
	}
	row.record.MergeRef = strings.ToLower(mergeRef)
	return nil
}

func (m *MemoryStore) DeleteNormalizedConcepts(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for pk, bucket := range m.rows {
		for sk, row := range bucket {
			if row.itemType == string(therapy.RecordTypeMerger) {
				delete(bucket, sk)
			}
		}
		if len(bucket) == 0 {
			delete(m.rows, pk)
		}
	}
	return nil
}

func (m *MemoryStore) DeleteSource(ctx context.Context, src therapy.SourceName) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for pk, bucket := range m.rows {
		for sk, row := range bucket {
			if row.srcName == src {
				delete(bucket, sk)
			}
		}
		if len(bucket) == 0 {
			delete(m.rows, pk)
		}
	}
	return nil
}

func (m *MemoryStore) CheckSchemaInitialized(ctx context.Context) bool {
	return true
}

func (m *MemoryStore) CheckTablesPopulated(ctx context.Context) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sources, identities, mergers := 0, 0, 0
	for _, bucket := range m.rows {
		for _, row := range bucket {
			switch row.itemType {
			case "source":
				sources++
			case string(therapy.RecordTypeIdentity):
				identities++
			case string(therapy.RecordTypeMerger):
				mergers++
			}
		}
	}
	return sources >= len(therapy.SourceNames) && identities > 0 && mergers > 0
}

func (m *MemoryStore) CompleteWriteTransaction(ctx context.Context) error {
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}

func sortedKeys(bucket map[string]*memoryRow) []string {
	keys := make([]string, 0, len(bucket))
	for k := range bucket {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func cloneRecord(record *therapy.Record) *therapy.Record {
	if record == nil {
		return nil
	}
	out := *record
	out.Aliases = append([]string(nil), record.Aliases...)
	out.TradeNames = append([]string(nil), record.TradeNames...)
	out.Xrefs = append([]string(nil), record.Xrefs...)
	out.AssociatedWith = append([]string(nil), record.AssociatedWith...)
	out.ApprovalRatings = append([]therapy.ApprovalRating(nil), record.ApprovalRatings...)
	out.ApprovalYear = append([]string(nil), record.ApprovalYear...)
	out.HasIndication = append([]therapy.Indication(nil), record.HasIndication...)
	return &out
}
