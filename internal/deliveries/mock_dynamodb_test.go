package deliveries

import (
	"context"
	"errors"
	"strings"
	"sync"

	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// simpleMock is a small in-memory table keyed by delivery_key. It understands
// attribute_(not_)exists conditions and "SET a = :b, ..." updates.
type simpleMock struct {
	mu          sync.Mutex
	table       map[string]map[string]types.AttributeValue
	putCalls    int
	updateCalls int
}

func newSimpleMock() *simpleMock {
	return &simpleMock{table: map[string]map[string]types.AttributeValue{}}
}

func keyOf(item map[string]types.AttributeValue) string {
	return item["delivery_key"].(*types.AttributeValueMemberS).Value
}

func conditionHolds(cond *string, item map[string]types.AttributeValue) bool {
	if cond == nil {
		return true
	}
	switch *cond {
	case "attribute_not_exists(delivery_key)":
		return item == nil
	case "attribute_exists(delivery_key)":
		return item != nil
	}
	panic("simpleMock: unsupported condition " + *cond)
}

func (m *simpleMock) PutItem(ctx context.Context, params *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putCalls++
	k := keyOf(params.Item)
	if !conditionHolds(params.ConditionExpression, m.table[k]) {
		return nil, &types.ConditionalCheckFailedException{}
	}
	m.table[k] = params.Item
	return &dyn.PutItemOutput{}, nil
}

func (m *simpleMock) GetItem(ctx context.Context, params *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.table[keyOf(params.Key)]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: item}, nil
}

func (m *simpleMock) UpdateItem(ctx context.Context, params *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateCalls++
	k := keyOf(params.Key)
	item := m.table[k]
	if !conditionHolds(params.ConditionExpression, item) {
		return nil, &types.ConditionalCheckFailedException{}
	}
	if item == nil {
		return nil, errors.New("simpleMock: upsert not supported")
	}
	next := map[string]types.AttributeValue{}
	for a, v := range item {
		next[a] = v
	}
	for _, assignment := range strings.Split(strings.TrimPrefix(*params.UpdateExpression, "SET "), ",") {
		lr := strings.SplitN(assignment, "=", 2)
		attr := strings.TrimSpace(lr[0])
		if alias, ok := params.ExpressionAttributeNames[attr]; ok {
			attr = alias
		}
		next[attr] = params.ExpressionAttributeValues[strings.TrimSpace(lr[1])]
	}
	m.table[k] = next
	return &dyn.UpdateItemOutput{Attributes: next}, nil
}

func (m *simpleMock) Query(ctx context.Context, params *dyn.QueryInput, optFns ...func(*dyn.Options)) (*dyn.QueryOutput, error) {
	return &dyn.QueryOutput{}, nil
}

func (m *simpleMock) TransactWriteItems(ctx context.Context, params *dyn.TransactWriteItemsInput, optFns ...func(*dyn.Options)) (*dyn.TransactWriteItemsOutput, error) {
	return nil, errors.New("simpleMock: transactions not supported")
}
