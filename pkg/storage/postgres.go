package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/synaptica-ai/theranorm/pkg/common/logger"
	"github.com/synaptica-ai/theranorm/pkg/therapy"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

type recordModel struct {
	LabelAndType string         `gorm:"primaryKey;column:label_and_type"`
	ConceptID    string         `gorm:"primaryKey;column:concept_id"`
	ItemType     string         `gorm:"column:item_type;index"`
	SrcName      string         `gorm:"column:src_name;index"`
	MergeRef     string         `gorm:"column:merge_ref"`
	Doc          datatypes.JSON `gorm:"column:doc"`
}

func (recordModel) TableName() string {
	return "therapy_records"
}

// PostgresStore mirrors the DynamoDB composite-key layout on a single
// relational table, for deployments without AWS infrastructure.
type PostgresStore struct {
	db *gorm.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInitialization, err)
	}
	if err := db.AutoMigrate(&recordModel{}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInitialization, err)
	}
	logger.Log.Info("Connected to PostgreSQL")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) GetRecordByID(ctx context.Context, conceptID string, caseSensitive, merge bool) (*therapy.Record, error) {
	itemType := string(therapy.RecordTypeIdentity)
	sortKey := conceptID
	if merge {
		itemType = string(therapy.RecordTypeMerger)
		sortKey = strings.ToLower(conceptID)
		caseSensitive = true
	}

	var row recordModel
	q := s.db.WithContext(ctx).Where("label_and_type = ?", labelAndType(conceptID, itemType))
	if caseSensitive {
		q = q.Where("concept_id = ?", sortKey)
	} else {
		q = q.Order("concept_id")
	}
	if err := q.First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: get %s: %v", ErrRead, conceptID, err)
	}
	return rowToRecord(&row)
}

func (s *PostgresStore) GetRefsByType(ctx context.Context, searchTerm string, refType therapy.RefType) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).
		Model(&recordModel{}).
		Where("label_and_type = ?", labelAndType(searchTerm, string(refType))).
		Order("concept_id").
		Pluck("concept_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("%w: refs for %q: %v", ErrRead, searchTerm, err)
	}
	return ids, nil
}

func (s *PostgresStore) GetSourceMetadata(ctx context.Context, src therapy.SourceName) (*therapy.SourceMeta, error) {
	var row recordModel
	err := s.db.WithContext(ctx).
		Where("label_and_type = ? AND concept_id = ?", labelAndType(string(src), "source"), sourceConceptID(src)).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: source meta %s: %v", ErrRead, src, err)
	}
	var meta therapy.SourceMeta
	if err := json.Unmarshal(row.Doc, &meta); err != nil {
		return nil, fmt.Errorf("%w: source meta %s: %v", ErrRead, src, err)
	}
	return &meta, nil
}

func (s *PostgresStore) GetRxNormIDByBrand(ctx context.Context, brandID string) (string, error) {
	var ids []string
	err := s.db.WithContext(ctx).
		Model(&recordModel{}).
		Where("label_and_type = ?", labelAndType(brandID, therapy.RxBrandItemType)).
		Pluck("concept_id", &ids).Error
	if err != nil {
		return "", fmt.Errorf("%w: brand %s: %v", ErrRead, brandID, err)
	}
	if len(ids) != 1 {
		return "", ErrNotFound
	}
	return ids[0], nil
}

func (s *PostgresStore) GetAllConceptIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).
		Model(&recordModel{}).
		Where("item_type = ?", string(therapy.RecordTypeIdentity)).
		Order("concept_id").
		Pluck("concept_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("%w: concept id sweep: %v", ErrRead, err)
	}
	return ids, nil
}

func (s *PostgresStore) GetAllRecords(ctx context.Context, recordType therapy.RecordType, fn func(*therapy.Record) error) error {
	q := s.db.WithContext(ctx).Model(&recordModel{})
	if recordType == therapy.RecordTypeIdentity {
		q = q.Where("item_type = ?", string(therapy.RecordTypeIdentity))
	} else {
		q = q.Where(
			"item_type = ? OR (item_type = ? AND merge_ref = '')",
			string(therapy.RecordTypeMerger), string(therapy.RecordTypeIdentity),
		)
	}

	var rows []recordModel
	result := q.Order("concept_id").FindInBatches(&rows, 500, func(tx *gorm.DB, batch int) error {
		for i := range rows {
			record, err := rowToRecord(&rows[i])
			if err != nil {
				return err
			}
			if err := fn(record); err != nil {
				return err
			}
		}
		return nil
	})
	if result.Error != nil {
		return fmt.Errorf("%w: record sweep: %v", ErrRead, result.Error)
	}
	return nil
}

func (s *PostgresStore) AddRecord(ctx context.Context, record *therapy.Record) error {
	doc, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("%w: marshal %s: %v", ErrWrite, record.ConceptID, err)
	}
	rows := []recordModel{{
		LabelAndType: labelAndType(record.ConceptID, string(therapy.RecordTypeIdentity)),
		ConceptID:    record.ConceptID,
		ItemType:     string(therapy.RecordTypeIdentity),
		SrcName:      string(record.SrcName),
		MergeRef:     record.MergeRef,
		Doc:          doc,
	}}
	for refType, terms := range refTerms(record) {
		for _, term := range terms {
			rows = append(rows, recordModel{
				LabelAndType: labelAndType(term, string(refType)),
				ConceptID:    strings.ToLower(record.ConceptID),
				ItemType:     string(refType),
				SrcName:      string(record.SrcName),
			})
		}
	}
	if err := s.db.WithContext(ctx).Save(&rows).Error; err != nil {
		return fmt.Errorf("%w: add %s: %v", ErrWrite, record.ConceptID, err)
	}
	return nil
}

func (s *PostgresStore) AddMergedRecord(ctx context.Context, record *therapy.Record) error {
	src, ok := therapy.SourceForConceptID(record.ConceptID)
	if !ok {
		return fmt.Errorf("%w: unknown namespace in %s", ErrWrite, record.ConceptID)
	}
	stored := *record
	stored.SrcName = src
	doc, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("%w: marshal %s: %v", ErrWrite, record.ConceptID, err)
	}
	row := recordModel{
		LabelAndType: labelAndType(record.ConceptID, string(therapy.RecordTypeMerger)),
		ConceptID:    strings.ToLower(record.ConceptID),
		ItemType:     string(therapy.RecordTypeMerger),
		SrcName:      string(src),
		Doc:          doc,
	}
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("%w: add merged %s: %v", ErrWrite, record.ConceptID, err)
	}
	return nil
}

func (s *PostgresStore) AddRxNormBrand(ctx context.Context, brandID, recordID string) error {
	row := recordModel{
		LabelAndType: labelAndType(brandID, therapy.RxBrandItemType),
		ConceptID:    recordID,
		ItemType:     therapy.RxBrandItemType,
		SrcName:      string(therapy.RxNorm),
	}
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("%w: brand %s: %v", ErrWrite, brandID, err)
	}
	return nil
}

func (s *PostgresStore) AddSourceMetadata(ctx context.Context, src therapy.SourceName, meta *therapy.SourceMeta) error {
	doc, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("%w: source meta %s: %v", ErrWrite, src, err)
	}
	row := recordModel{
		LabelAndType: labelAndType(string(src), "source"),
		ConceptID:    sourceConceptID(src),
		ItemType:     "source",
		SrcName:      string(src),
		Doc:          doc,
	}
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("%w: source meta %s: %v", ErrWrite, src, err)
	}
	return nil
}

func (s *PostgresStore) UpdateMergeRef(ctx context.Context, conceptID, mergeRef string) error {
	result := s.db.WithContext(ctx).
		Model(&recordModel{}).
		Where(
			"label_and_type = ? AND concept_id = ?",
			labelAndType(conceptID, string(therapy.RecordTypeIdentity)), conceptID,
		).
		Update("merge_ref", strings.ToLower(mergeRef))
	if result.Error != nil {
		return fmt.Errorf("%w: merge ref for %s: %v", ErrWrite, conceptID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrConditionFailed, conceptID)
	}
	return nil
}

func (s *PostgresStore) DeleteNormalizedConcepts(ctx context.Context) error {
	err := s.db.WithContext(ctx).
		Where("item_type = ?", string(therapy.RecordTypeMerger)).
		Delete(&recordModel{}).Error
	if err != nil {
		return fmt.Errorf("%w: delete normalized: %v", ErrWrite, err)
	}
	return nil
}

func (s *PostgresStore) DeleteSource(ctx context.Context, src therapy.SourceName) error {
	err := s.db.WithContext(ctx).
		Where("src_name = ?", string(src)).
		Delete(&recordModel{}).Error
	if err != nil {
		return fmt.Errorf("%w: delete source %s: %v", ErrWrite, src, err)
	}
	return nil
}

func (s *PostgresStore) CheckSchemaInitialized(ctx context.Context) bool {
	return s.db.WithContext(ctx).Migrator().HasTable(&recordModel{})
}

func (s *PostgresStore) CheckTablesPopulated(ctx context.Context) bool {
	var sources int64
	s.db.WithContext(ctx).Model(&recordModel{}).
		Where("item_type = ?", "source").Count(&sources)
	if sources < int64(len(therapy.SourceNames)) {
		logger.Log.Info("Source metadata rows are missing")
		return false
	}
	var identities int64
	s.db.WithContext(ctx).Model(&recordModel{}).
		Where("item_type = ?", string(therapy.RecordTypeIdentity)).Limit(1).Count(&identities)
	if identities == 0 {
		logger.Log.Info("Identity records are missing")
		return false
	}
	var mergers int64
	s.db.WithContext(ctx).Model(&recordModel{}).
		Where("item_type = ?", string(therapy.RecordTypeMerger)).Limit(1).Count(&mergers)
	if mergers == 0 {
		logger.Log.Info("Merged records are missing")
		return false
	}
	return true
}

func (s *PostgresStore) CompleteWriteTransaction(ctx context.Context) error {
	return nil
}

func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func rowToRecord(row *recordModel) (*therapy.Record, error) {
	var record therapy.Record
	if err := json.Unmarshal(row.Doc, &record); err != nil {
		return nil, fmt.Errorf("%w: unmarshal %s: %v", ErrRead, row.ConceptID, err)
	}
	if row.MergeRef != "" {
		record.MergeRef = row.MergeRef
	}
	return &record, nil
}
