// Package dynamodb provides a storage medium on Amazon DynamoDB. Writes are
// committed with TransactWriteItems guarded by version conditions.
package dynamodb

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/cockroachdb/errors"

	"github.com/mindflow/mindflow/internal/core/storage"
)

// maxTransactItems is DynamoDB's limit for one TransactWriteItems call
const maxTransactItems = 100

// API is the subset of the DynamoDB client the medium uses
type API interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// recordItem is the table layout. PK is the partition key; the table has
// no sort key.
type recordItem struct {
	PK        string `dynamodbav:"PK"`
	Data      []byte `dynamodbav:"Data"`
	Version   int64  `dynamodbav:"Version"`
	UpdatedAt int64  `dynamodbav:"UpdatedAt"` // unix nanos, 0 when unset
}

// Medium implements storage.Medium over one DynamoDB table
type Medium struct {
	client    API
	tableName string
}

// NewMedium wraps a DynamoDB client
func NewMedium(client API, tableName string) *Medium {
	return &Medium{client: client, tableName: tableName}
}

// Name identifies the medium
func (m *Medium) Name() string { return "dynamodb" }

// Acquire opens a handle. DynamoDB handles never block each other.
func (m *Medium) Acquire(ctx context.Context) (storage.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, "acquire dynamodb medium")
	}
	return &handle{
		m:      m,
		seen:   make(map[string]int64),
		staged: make(map[string]*storage.Record),
	}, nil
}

// Close is a no-op; the AWS client holds no per-medium resources
func (m *Medium) Close() error { return nil }

type handle struct {
	m      *Medium
	seen   map[string]int64           // version observed by Get, 0 when absent
	staged map[string]*storage.Record // nil value stages a delete
	closed bool
}

func (h *handle) check(key string) error {
	if h.closed {
		return storage.ErrHandleClosed
	}
	return storage.ValidateKey(key)
}

func (h *handle) Get(ctx context.Context, key string) (*storage.Record, error) {
	if err := h.check(key); err != nil {
		return nil, err
	}
	out, err := h.m.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(h.m.tableName),
		Key:            map[string]types.AttributeValue{"PK": &types.AttributeValueMemberS{Value: key}},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load %s", key)
	}
	if len(out.Item) == 0 {
		h.seen[key] = 0
		return nil, storage.ErrKeyNotFound
	}

	var item recordItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, errors.Wrapf(err, "corrupt record %s", key)
	}
	h.seen[key] = item.Version
	rec := &storage.Record{Data: item.Data, Version: item.Version}
	if item.UpdatedAt != 0 {
		rec.UpdatedAt = time.Unix(0, item.UpdatedAt).UTC()
	}
	return rec, nil
}

func (h *handle) Put(_ context.Context, key string, rec storage.Record) error {
	if err := h.check(key); err != nil {
		return err
	}
	rec.Data = append([]byte(nil), rec.Data...)
	h.staged[key] = &rec
	return nil
}

func (h *handle) Delete(_ context.Context, key string) error {
	if err := h.check(key); err != nil {
		return err
	}
	h.staged[key] = nil
	return nil
}

func (h *handle) Keys(ctx context.Context, prefix string) ([]string, error) {
	if h.closed {
		return nil, storage.ErrHandleClosed
	}
	input := &dynamodb.ScanInput{
		TableName:                aws.String(h.m.tableName),
		ProjectionExpression:     aws.String("#pk"),
		ExpressionAttributeNames: map[string]string{"#pk": "PK"},
		ConsistentRead:           aws.Bool(true),
	}
	if prefix != "" {
		input.FilterExpression = aws.String("begins_with(#pk, :prefix)")
		input.ExpressionAttributeValues = map[string]types.AttributeValue{
			":prefix": &types.AttributeValueMemberS{Value: prefix},
		}
	}

	var keys []string
	for {
		out, err := h.m.client.Scan(ctx, input)
		if err != nil {
			return nil, errors.Wrap(err, "failed to list keys")
		}
		for _, item := range out.Items {
			if pk, ok := item["PK"].(*types.AttributeValueMemberS); ok {
				keys = append(keys, pk.Value)
			}
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}
	sort.Strings(keys)
	return keys, nil
}

func (h *handle) Commit(ctx context.Context) error {
	if h.closed {
		return storage.ErrHandleClosed
	}
	defer h.release()
	if len(h.staged) == 0 {
		return nil
	}
	if len(h.staged) > maxTransactItems {
		return errors.Newf("dynamodb transaction holds at most %d writes, got %d", maxTransactItems, len(h.staged))
	}

	keys := make([]string, 0, len(h.staged))
	for key := range h.staged {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	items := make([]types.TransactWriteItem, 0, len(keys))
	for _, key := range keys {
		item, err := h.writeItem(key, h.staged[key])
		if err != nil {
			return err
		}
		items = append(items, item)
	}

	_, err := h.m.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
	if err != nil {
		var canceled *types.TransactionCanceledException
		if errors.As(err, &canceled) && conditionFailed(canceled) {
			return errors.Wrap(storage.ErrConcurrentWrite, "dynamodb condition check failed")
		}
		return errors.Wrap(err, "commit dynamodb transaction")
	}
	return nil
}

// writeItem builds one transactional write. Keys read through this handle
// are guarded so the write only lands on the version that was read.
func (h *handle) writeItem(key string, rec *storage.Record) (types.TransactWriteItem, error) {
	var condition *string
	names := map[string]string{"#pk": "PK"}
	var values map[string]types.AttributeValue
	if want, read := h.seen[key]; read {
		if want == 0 {
			condition = aws.String("attribute_not_exists(#pk)")
		} else {
			condition = aws.String("#version = :version")
			names["#version"] = "Version"
			values = map[string]types.AttributeValue{
				":version": &types.AttributeValueMemberN{Value: strconv.FormatInt(want, 10)},
			}
		}
	}
	if condition == nil {
		names = nil
	}

	if rec == nil {
		return types.TransactWriteItem{Delete: &types.Delete{
			TableName:                 aws.String(h.m.tableName),
			Key:                       map[string]types.AttributeValue{"PK": &types.AttributeValueMemberS{Value: key}},
			ConditionExpression:       condition,
			ExpressionAttributeNames:  names,
			ExpressionAttributeValues: values,
		}}, nil
	}

	item := recordItem{PK: key, Data: rec.Data, Version: rec.Version}
	if !rec.UpdatedAt.IsZero() {
		item.UpdatedAt = rec.UpdatedAt.UnixNano()
	}
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return types.TransactWriteItem{}, errors.Wrapf(err, "marshal %s", key)
	}
	return types.TransactWriteItem{Put: &types.Put{
		TableName:                 aws.String(h.m.tableName),
		Item:                      av,
		ConditionExpression:       condition,
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	}}, nil
}

func conditionFailed(e *types.TransactionCanceledException) bool {
	for _, reason := range e.CancellationReasons {
		if aws.ToString(reason.Code) == "ConditionalCheckFailed" {
			return true
		}
	}
	return false
}

func (h *handle) Close() error {
	if !h.closed {
		h.release()
	}
	return nil
}

func (h *handle) release() {
	h.closed = true
	h.staged = nil
	h.seen = nil
}
