package dynamodb

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// fakeAPI is an in-memory table that understands the condition expressions
// the medium issues
type fakeAPI struct {
	mu       sync.Mutex
	items    map[string]map[string]types.AttributeValue
	pageSize int
	failWith error
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{items: make(map[string]map[string]types.AttributeValue), pageSize: 2}
}

func pkOf(key map[string]types.AttributeValue) string {
	return key["PK"].(*types.AttributeValueMemberS).Value
}

func (f *fakeAPI) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}
	return &dynamodb.GetItemOutput{Item: f.items[pkOf(in.Key)]}, nil
}

func (f *fakeAPI) conditionHolds(pk string, condition *string, values map[string]types.AttributeValue) bool {
	current, exists := f.items[pk]
	switch aws.ToString(condition) {
	case "":
		return true
	case "attribute_not_exists(#pk)":
		return !exists
	case "#version = :version":
		if !exists {
			return false
		}
		have := current["Version"].(*types.AttributeValueMemberN).Value
		return have == values[":version"].(*types.AttributeValueMemberN).Value
	}
	panic("unexpected condition " + aws.ToString(condition))
}

func (f *fakeAPI) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}

	reasons := make([]types.CancellationReason, len(in.TransactItems))
	failed := false
	for i, item := range in.TransactItems {
		var ok bool
		switch {
		case item.Put != nil:
			ok = f.conditionHolds(pkOf(item.Put.Item), item.Put.ConditionExpression, item.Put.ExpressionAttributeValues)
		case item.Delete != nil:
			ok = f.conditionHolds(pkOf(item.Delete.Key), item.Delete.ConditionExpression, item.Delete.ExpressionAttributeValues)
		}
		reasons[i].Code = aws.String("None")
		if !ok {
			reasons[i].Code = aws.String("ConditionalCheckFailed")
			failed = true
		}
	}
	if failed {
		return nil, &types.TransactionCanceledException{Message: aws.String("canceled"), CancellationReasons: reasons}
	}

	for _, item := range in.TransactItems {
		if item.Put != nil {
			f.items[pkOf(item.Put.Item)] = item.Put.Item
		} else {
			delete(f.items, pkOf(item.Delete.Key))
		}
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

func (f *fakeAPI) Scan(_ context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return nil, f.failWith
	}

	prefix := ""
	if v, ok := in.ExpressionAttributeValues[":prefix"]; ok {
		prefix = v.(*types.AttributeValueMemberS).Value
	}
	var pks []string
	for pk := range f.items {
		if strings.HasPrefix(pk, prefix) {
			pks = append(pks, pk)
		}
	}
	sort.Strings(pks)

	start := 0
	if in.ExclusiveStartKey != nil {
		last := pkOf(in.ExclusiveStartKey)
		start = sort.SearchStrings(pks, last) + 1
	}
	end := start + f.pageSize
	out := &dynamodb.ScanOutput{}
	if end < len(pks) {
		out.LastEvaluatedKey = map[string]types.AttributeValue{"PK": &types.AttributeValueMemberS{Value: pks[end-1]}}
	} else {
		end = len(pks)
	}
	for _, pk := range pks[start:end] {
		out.Items = append(out.Items, map[string]types.AttributeValue{"PK": &types.AttributeValueMemberS{Value: pk}})
	}
	return out, nil
}
