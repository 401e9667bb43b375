package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/synaptica-ai/theranorm/pkg/common/logger"
	"github.com/synaptica-ai/theranorm/pkg/therapy"
)

const (
	attrLabelAndType = "label_and_type"
	attrConceptID    = "concept_id"
	attrItemType     = "item_type"
	attrSrcName      = "src_name"
	attrMergeRef     = "merge_ref"
	attrDoc          = "doc"

	srcIndex      = "src_index"
	itemTypeIndex = "item_type_index"

	// DynamoDB caps BatchWriteItem at 25 requests.
	batchMax = 25
)

// DynamoClient is the slice of the DynamoDB API the store depends on.
type DynamoClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
}

// DynamoStore keeps every row kind in one table keyed by
// (label_and_type, concept_id), with secondary indexes over item_type and
// src_name for bulk operations. Record payloads are stored as a JSON document
// attribute; merge_ref is kept as a top-level attribute so it can be set with
// a conditional update without rewriting the document.
type DynamoStore struct {
	client DynamoClient
	table  string
	batch  []types.WriteRequest
}

func NewDynamoStore(ctx context.Context, client DynamoClient, table string) (*DynamoStore, error) {
	s := &DynamoStore{client: client, table: table}
	if !s.CheckSchemaInitialized(ctx) {
		if err := s.createTable(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInitialization, err)
		}
	}
	return s, nil
}

func (s *DynamoStore) createTable(ctx context.Context) error {
	_, err := s.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName:   aws.String(s.table),
		BillingMode: types.BillingModePayPerRequest,
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(attrLabelAndType), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String(attrConceptID), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String(attrItemType), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String(attrSrcName), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(attrLabelAndType), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String(attrConceptID), KeyType: types.KeyTypeRange},
		},
		GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{
			{
				IndexName: aws.String(srcIndex),
				KeySchema: []types.KeySchemaElement{
					{AttributeName: aws.String(attrSrcName), KeyType: types.KeyTypeHash},
					{AttributeName: aws.String(attrConceptID), KeyType: types.KeyTypeRange},
				},
				Projection: &types.Projection{ProjectionType: types.ProjectionTypeKeysOnly},
			},
			{
				IndexName: aws.String(itemTypeIndex),
				KeySchema: []types.KeySchemaElement{
					{AttributeName: aws.String(attrItemType), KeyType: types.KeyTypeHash},
					{AttributeName: aws.String(attrConceptID), KeyType: types.KeyTypeRange},
				},
				Projection: &types.Projection{ProjectionType: types.ProjectionTypeKeysOnly},
			},
		},
	})
	return err
}

func (s *DynamoStore) GetRecordByID(ctx context.Context, conceptID string, caseSensitive, merge bool) (*therapy.Record, error) {
	itemType := string(therapy.RecordTypeIdentity)
	sortKey := conceptID
	if merge {
		itemType = string(therapy.RecordTypeMerger)
		sortKey = strings.ToLower(conceptID)
		caseSensitive = true
	}
	pk := labelAndType(conceptID, itemType)

	if caseSensitive {
		out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
			TableName: aws.String(s.table),
			Key: map[string]types.AttributeValue{
				attrLabelAndType: &types.AttributeValueMemberS{Value: pk},
				attrConceptID:    &types.AttributeValueMemberS{Value: sortKey},
			},
		})
		if err != nil {
			return nil, fmt.Errorf("%w: get %s: %v", ErrRead, conceptID, err)
		}
		if out.Item == nil {
			return nil, ErrNotFound
		}
		return itemToRecord(out.Item)
	}

	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("label_and_type = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: pk},
		},
		Limit: aws.Int32(1),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: query %s: %v", ErrRead, conceptID, err)
	}
	if len(out.Items) == 0 {
		return nil, ErrNotFound
	}
	return itemToRecord(out.Items[0])
}

func (s *DynamoStore) GetRefsByType(ctx context.Context, searchTerm string, refType therapy.RefType) ([]string, error) {
	pk := labelAndType(searchTerm, string(refType))
	var ids []string
	var startKey map[string]types.AttributeValue
	for {
		out, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.table),
			KeyConditionExpression: aws.String("label_and_type = :pk"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk": &types.AttributeValueMemberS{Value: pk},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: refs for %q: %v", ErrRead, searchTerm, err)
		}
		for _, item := range out.Items {
			if id, ok := stringAttr(item, attrConceptID); ok {
				ids = append(ids, id)
			}
		}
		if out.LastEvaluatedKey == nil {
			break
		}
		startKey = out.LastEvaluatedKey
	}
	return ids, nil
}

func (s *DynamoStore) GetSourceMetadata(ctx context.Context, src therapy.SourceName) (*therapy.SourceMeta, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			attrLabelAndType: &types.AttributeValueMemberS{Value: labelAndType(string(src), "source")},
			attrConceptID:    &types.AttributeValueMemberS{Value: sourceConceptID(src)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: source meta %s: %v", ErrRead, src, err)
	}
	if out.Item == nil {
		return nil, ErrNotFound
	}
	doc, ok := stringAttr(out.Item, attrDoc)
	if !ok {
		return nil, fmt.Errorf("%w: source meta %s missing doc", ErrRead, src)
	}
	var meta therapy.SourceMeta
	if err := json.Unmarshal([]byte(doc), &meta); err != nil {
		return nil, fmt.Errorf("%w: source meta %s: %v", ErrRead, src, err)
	}
	return &meta, nil
}

func (s *DynamoStore) GetRxNormIDByBrand(ctx context.Context, brandID string) (string, error) {
	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("label_and_type = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: labelAndType(brandID, therapy.RxBrandItemType)},
		},
	})
	if err != nil {
		return "", fmt.Errorf("%w: brand %s: %v", ErrRead, brandID, err)
	}
	if len(out.Items) != 1 {
		return "", ErrNotFound
	}
	id, ok := stringAttr(out.Items[0], attrConceptID)
	if !ok {
		return "", ErrNotFound
	}
	return id, nil
}

func (s *DynamoStore) GetAllConceptIDs(ctx context.Context) ([]string, error) {
	var ids []string
	var startKey map[string]types.AttributeValue
	for {
		out, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.table),
			IndexName:              aws.String(itemTypeIndex),
			KeyConditionExpression: aws.String("item_type = :t"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":t": &types.AttributeValueMemberS{Value: string(therapy.RecordTypeIdentity)},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: concept id sweep: %v", ErrRead, err)
		}
		for _, item := range out.Items {
			if id, ok := stringAttr(item, attrConceptID); ok {
				ids = append(ids, id)
			}
		}
		if out.LastEvaluatedKey == nil {
			return ids, nil
		}
		startKey = out.LastEvaluatedKey
	}
}

func (s *DynamoStore) GetAllRecords(ctx context.Context, recordType therapy.RecordType, fn func(*therapy.Record) error) error {
	var filter string
	values := map[string]types.AttributeValue{}
	if recordType == therapy.RecordTypeIdentity {
		filter = "item_type = :identity"
		values[":identity"] = &types.AttributeValueMemberS{Value: string(therapy.RecordTypeIdentity)}
	} else {
		// Normalized universe: merged records plus identity records that
		// belong to no group.
		filter = "item_type = :merger OR (item_type = :identity AND attribute_not_exists(merge_ref))"
		values[":merger"] = &types.AttributeValueMemberS{Value: string(therapy.RecordTypeMerger)}
		values[":identity"] = &types.AttributeValueMemberS{Value: string(therapy.RecordTypeIdentity)}
	}

	var startKey map[string]types.AttributeValue
	for {
		out, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:                 aws.String(s.table),
			FilterExpression:          aws.String(filter),
			ExpressionAttributeValues: values,
			ExclusiveStartKey:         startKey,
		})
		if err != nil {
			return fmt.Errorf("%w: record sweep: %v", ErrRead, err)
		}
		for _, item := range out.Items {
			record, err := itemToRecord(item)
			if err != nil {
				return err
			}
			if err := fn(record); err != nil {
				return err
			}
		}
		if out.LastEvaluatedKey == nil {
			return nil
		}
		startKey = out.LastEvaluatedKey
	}
}

func (s *DynamoStore) AddRecord(ctx context.Context, record *therapy.Record) error {
	item, err := recordToItem(record, therapy.RecordTypeIdentity, record.ConceptID)
	if err != nil {
		return err
	}
	if err := s.queuePut(ctx, item); err != nil {
		return err
	}
	for refType, terms := range refTerms(record) {
		for _, term := range terms {
			refItem := map[string]types.AttributeValue{
				attrLabelAndType: &types.AttributeValueMemberS{Value: labelAndType(term, string(refType))},
				attrConceptID:    &types.AttributeValueMemberS{Value: strings.ToLower(record.ConceptID)},
				attrItemType:     &types.AttributeValueMemberS{Value: string(refType)},
				attrSrcName:      &types.AttributeValueMemberS{Value: string(record.SrcName)},
			}
			if err := s.queuePut(ctx, refItem); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *DynamoStore) AddMergedRecord(ctx context.Context, record *therapy.Record) error {
	src, ok := therapy.SourceForConceptID(record.ConceptID)
	if !ok {
		return fmt.Errorf("%w: unknown namespace in %s", ErrWrite, record.ConceptID)
	}
	stored := *record
	stored.SrcName = src
	item, err := recordToItem(&stored, therapy.RecordTypeMerger, strings.ToLower(record.ConceptID))
	if err != nil {
		return err
	}
	return s.queuePut(ctx, item)
}

func (s *DynamoStore) AddRxNormBrand(ctx context.Context, brandID, recordID string) error {
	return s.queuePut(ctx, map[string]types.AttributeValue{
		attrLabelAndType: &types.AttributeValueMemberS{Value: labelAndType(brandID, therapy.RxBrandItemType)},
		attrConceptID:    &types.AttributeValueMemberS{Value: recordID},
		attrItemType:     &types.AttributeValueMemberS{Value: therapy.RxBrandItemType},
		attrSrcName:      &types.AttributeValueMemberS{Value: string(therapy.RxNorm)},
	})
}

func (s *DynamoStore) AddSourceMetadata(ctx context.Context, src therapy.SourceName, meta *therapy.SourceMeta) error {
	doc, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("%w: source meta %s: %v", ErrWrite, src, err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item: map[string]types.AttributeValue{
			attrLabelAndType: &types.AttributeValueMemberS{Value: labelAndType(string(src), "source")},
			attrConceptID:    &types.AttributeValueMemberS{Value: sourceConceptID(src)},
			attrItemType:     &types.AttributeValueMemberS{Value: "source"},
			attrSrcName:      &types.AttributeValueMemberS{Value: string(src)},
			attrDoc:          &types.AttributeValueMemberS{Value: string(doc)},
		},
	})
	if err != nil {
		return fmt.Errorf("%w: source meta %s: %v", ErrWrite, src, err)
	}
	return nil
}

func (s *DynamoStore) UpdateMergeRef(ctx context.Context, conceptID, mergeRef string) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			attrLabelAndType: &types.AttributeValueMemberS{Value: labelAndType(conceptID, string(therapy.RecordTypeIdentity))},
			attrConceptID:    &types.AttributeValueMemberS{Value: conceptID},
		},
		UpdateExpression:    aws.String("SET merge_ref = :r"),
		ConditionExpression: aws.String("attribute_exists(label_and_type)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":r": &types.AttributeValueMemberS{Value: strings.ToLower(mergeRef)},
		},
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return fmt.Errorf("%w: %s", ErrConditionFailed, conceptID)
		}
		return fmt.Errorf("%w: merge ref for %s: %v", ErrWrite, conceptID, err)
	}
	return nil
}

func (s *DynamoStore) DeleteNormalizedConcepts(ctx context.Context) error {
	return s.deleteByIndex(ctx, itemTypeIndex, "item_type = :t", map[string]types.AttributeValue{
		":t": &types.AttributeValueMemberS{Value: string(therapy.RecordTypeMerger)},
	})
}

func (s *DynamoStore) DeleteSource(ctx context.Context, src therapy.SourceName) error {
	return s.deleteByIndex(ctx, srcIndex, "src_name = :s", map[string]types.AttributeValue{
		":s": &types.AttributeValueMemberS{Value: string(src)},
	})
}

// deleteByIndex pages through an index query and batch-deletes the matched
// rows by their table keys.
func (s *DynamoStore) deleteByIndex(ctx context.Context, index, keyCondition string, values map[string]types.AttributeValue) error {
	var startKey map[string]types.AttributeValue
	for {
		out, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:                 aws.String(s.table),
			IndexName:                 aws.String(index),
			KeyConditionExpression:    aws.String(keyCondition),
			ExpressionAttributeValues: values,
			ExclusiveStartKey:         startKey,
		})
		if err != nil {
			return fmt.Errorf("%w: delete sweep over %s: %v", ErrRead, index, err)
		}
		for _, item := range out.Items {
			pk, okPK := stringAttr(item, attrLabelAndType)
			sk, okSK := stringAttr(item, attrConceptID)
			if !okPK || !okSK {
				continue
			}
			err := s.queue(ctx, types.WriteRequest{
				DeleteRequest: &types.DeleteRequest{Key: map[string]types.AttributeValue{
					attrLabelAndType: &types.AttributeValueMemberS{Value: pk},
					attrConceptID:    &types.AttributeValueMemberS{Value: sk},
				}},
			})
			if err != nil {
				return err
			}
		}
		if out.LastEvaluatedKey == nil {
			return s.CompleteWriteTransaction(ctx)
		}
		startKey = out.LastEvaluatedKey
	}
}

func (s *DynamoStore) CheckSchemaInitialized(ctx context.Context) bool {
	_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(s.table),
	})
	if err != nil {
		logger.Log.WithError(err).WithField("table", s.table).Debug("Table schema not initialized")
		return false
	}
	return true
}

func (s *DynamoStore) CheckTablesPopulated(ctx context.Context) bool {
	sources, err := s.countByItemType(ctx, "source", int32(len(therapy.SourceNames)))
	if err != nil || sources < len(therapy.SourceNames) {
		logger.Log.Info("Source metadata rows are missing")
		return false
	}
	identities, err := s.countByItemType(ctx, string(therapy.RecordTypeIdentity), 1)
	if err != nil || identities == 0 {
		logger.Log.Info("Identity records are missing")
		return false
	}
	mergers, err := s.countByItemType(ctx, string(therapy.RecordTypeMerger), 1)
	if err != nil || mergers == 0 {
		logger.Log.Info("Merged records are missing")
		return false
	}
	return true
}

func (s *DynamoStore) countByItemType(ctx context.Context, itemType string, limit int32) (int, error) {
	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		IndexName:              aws.String(itemTypeIndex),
		KeyConditionExpression: aws.String("item_type = :t"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":t": &types.AttributeValueMemberS{Value: itemType},
		},
		Select: types.SelectCount,
		Limit:  aws.Int32(limit),
	})
	if err != nil {
		return 0, fmt.Errorf("%w: population probe %s: %v", ErrRead, itemType, err)
	}
	return int(out.Count), nil
}

func (s *DynamoStore) queuePut(ctx context.Context, item map[string]types.AttributeValue) error {
	return s.queue(ctx, types.WriteRequest{PutRequest: &types.PutRequest{Item: item}})
}

func (s *DynamoStore) queue(ctx context.Context, req types.WriteRequest) error {
	s.batch = append(s.batch, req)
	if len(s.batch) >= batchMax {
		return s.CompleteWriteTransaction(ctx)
	}
	return nil
}

// CompleteWriteTransaction flushes the buffered batch, resubmitting any
// unprocessed items until DynamoDB accepts them all.
func (s *DynamoStore) CompleteWriteTransaction(ctx context.Context) error {
	pending := s.batch
	s.batch = nil
	for len(pending) > 0 {
		chunk := pending
		if len(chunk) > batchMax {
			chunk = chunk[:batchMax]
		}
		pending = pending[len(chunk):]

		out, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]types.WriteRequest{s.table: chunk},
		})
		if err != nil {
			return fmt.Errorf("%w: batch flush: %v", ErrWrite, err)
		}
		if unprocessed := out.UnprocessedItems[s.table]; len(unprocessed) > 0 {
			pending = append(pending, unprocessed...)
		}
	}
	return nil
}

func (s *DynamoStore) Close() error {
	return nil
}

func recordToItem(record *therapy.Record, recordType therapy.RecordType, sortKey string) (map[string]types.AttributeValue, error) {
	doc, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal %s: %v", ErrWrite, record.ConceptID, err)
	}
	item := map[string]types.AttributeValue{
		attrLabelAndType: &types.AttributeValueMemberS{Value: labelAndType(record.ConceptID, string(recordType))},
		attrConceptID:    &types.AttributeValueMemberS{Value: sortKey},
		attrItemType:     &types.AttributeValueMemberS{Value: string(recordType)},
		attrSrcName:      &types.AttributeValueMemberS{Value: string(record.SrcName)},
		attrDoc:          &types.AttributeValueMemberS{Value: string(doc)},
	}
	if record.MergeRef != "" {
		item[attrMergeRef] = &types.AttributeValueMemberS{Value: record.MergeRef}
	}
	return item, nil
}

func itemToRecord(item map[string]types.AttributeValue) (*therapy.Record, error) {
	doc, ok := stringAttr(item, attrDoc)
	if !ok {
		return nil, fmt.Errorf("%w: record item missing doc", ErrRead)
	}
	var record therapy.Record
	if err := json.Unmarshal([]byte(doc), &record); err != nil {
		return nil, fmt.Errorf("%w: unmarshal record: %v", ErrRead, err)
	}
	if ref, ok := stringAttr(item, attrMergeRef); ok {
		record.MergeRef = ref
	}
	return &record, nil
}

func stringAttr(item map[string]types.AttributeValue, name string) (string, bool) {
	attr, ok := item[name].(*types.AttributeValueMemberS)
	if !ok {
		return "", false
	}
	return attr.Value, true
}
