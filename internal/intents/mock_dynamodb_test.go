package intents

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// fakeDynamo is a small in-memory table keyed by intent_id. It understands the condition and
// update expressions DynamoStore emits: attribute_(not_)exists, "#x IN (...)" clauses joined
// with AND, and "SET a = :b, ..." updates. The mutex makes every call atomic, like a real
// conditional write.
type fakeDynamo struct {
	mu    sync.Mutex
	items map[string]map[string]types.AttributeValue

	updateCalls int
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: map[string]map[string]types.AttributeValue{}}
}

func (m *fakeDynamo) PutItem(ctx context.Context, in *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := keyOf(in.Item)
	if in.ConditionExpression != nil && !evalCondition(*in.ConditionExpression, m.items[k], in.ExpressionAttributeNames, in.ExpressionAttributeValues) {
		return nil, &types.ConditionalCheckFailedException{}
	}
	m.items[k] = copyItem(in.Item)
	return &dyn.PutItemOutput{}, nil
}

func (m *fakeDynamo) GetItem(ctx context.Context, in *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[keyOf(in.Key)]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: copyItem(item)}, nil
}

func (m *fakeDynamo) UpdateItem(ctx context.Context, in *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateCalls++
	k := keyOf(in.Key)
	current := m.items[k]
	if in.ConditionExpression != nil && !evalCondition(*in.ConditionExpression, current, in.ExpressionAttributeNames, in.ExpressionAttributeValues) {
		return nil, &types.ConditionalCheckFailedException{}
	}
	next := applyUpdate(current, in.Key, *in.UpdateExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues)
	m.items[k] = next
	out := &dyn.UpdateItemOutput{}
	if in.ReturnValues == types.ReturnValueAllNew {
		out.Attributes = copyItem(next)
	}
	return out, nil
}

func (m *fakeDynamo) Query(ctx context.Context, in *dyn.QueryInput, optFns ...func(*dyn.Options)) (*dyn.QueryOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []map[string]types.AttributeValue
	sortAttr := ""
	switch *in.IndexName {
	case ReferenceIndex:
		want := in.ExpressionAttributeValues[":reference_id"].(*types.AttributeValueMemberS).Value
		for _, item := range m.items {
			if s, ok := item["reference_id"].(*types.AttributeValueMemberS); ok && s.Value == want {
				matched = append(matched, copyItem(item))
			}
		}
		sortAttr = "created_at"
	case StatusIndex:
		want := in.ExpressionAttributeValues[":status"].(*types.AttributeValueMemberS).Value
		before := in.ExpressionAttributeValues[":updated_before"].(*types.AttributeValueMemberS).Value
		for _, item := range m.items {
			s, ok := item["status"].(*types.AttributeValueMemberS)
			if !ok || s.Value != want {
				continue
			}
			// Sort keys of type S compare byte-wise, as in DynamoDB.
			if item["updated_at"].(*types.AttributeValueMemberS).Value < before {
				matched = append(matched, copyItem(item))
			}
		}
		sortAttr = "updated_at"
	default:
		return nil, errors.New("unknown index")
	}

	forward := in.ScanIndexForward == nil || *in.ScanIndexForward
	sort.Slice(matched, func(i, j int) bool {
		a := matched[i][sortAttr].(*types.AttributeValueMemberS).Value
		b := matched[j][sortAttr].(*types.AttributeValueMemberS).Value
		if forward {
			return a < b
		}
		return a > b
	})
	if in.Limit != nil && int(*in.Limit) < len(matched) {
		matched = matched[:*in.Limit]
	}
	return &dyn.QueryOutput{Items: matched, Count: int32(len(matched))}, nil
}

func (m *fakeDynamo) TransactWriteItems(ctx context.Context, in *dyn.TransactWriteItemsInput, optFns ...func(*dyn.Options)) (*dyn.TransactWriteItemsOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, it := range in.TransactItems {
		switch {
		case it.Put != nil:
			p := it.Put
			if p.ConditionExpression != nil && !evalCondition(*p.ConditionExpression, m.items[keyOf(p.Item)], p.ExpressionAttributeNames, p.ExpressionAttributeValues) {
				return nil, &types.TransactionCanceledException{}
			}
		case it.Update != nil:
			u := it.Update
			if u.ConditionExpression != nil && !evalCondition(*u.ConditionExpression, m.items[keyOf(u.Key)], u.ExpressionAttributeNames, u.ExpressionAttributeValues) {
				return nil, &types.TransactionCanceledException{}
			}
		}
	}
	for _, it := range in.TransactItems {
		switch {
		case it.Put != nil:
			m.items[keyOf(it.Put.Item)] = copyItem(it.Put.Item)
		case it.Update != nil:
			u := it.Update
			k := keyOf(u.Key)
			m.items[k] = applyUpdate(m.items[k], u.Key, *u.UpdateExpression, u.ExpressionAttributeNames, u.ExpressionAttributeValues)
		}
	}
	return &dyn.TransactWriteItemsOutput{}, nil
}

func keyOf(item map[string]types.AttributeValue) string {
	return item["intent_id"].(*types.AttributeValueMemberS).Value
}

func copyItem(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	out := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}

func resolveName(token string, names map[string]string) string {
	if strings.HasPrefix(token, "#") {
		return names[token]
	}
	return token
}

func evalCondition(cond string, item map[string]types.AttributeValue, names map[string]string, values map[string]types.AttributeValue) bool {
	for _, clause := range strings.Split(cond, " AND ") {
		clause = strings.TrimSpace(clause)
		switch {
		case strings.HasPrefix(clause, "attribute_not_exists("):
			attr := resolveName(strings.TrimSuffix(strings.TrimPrefix(clause, "attribute_not_exists("), ")"), names)
			if item != nil {
				if _, ok := item[attr]; ok {
					return false
				}
			}
		case strings.HasPrefix(clause, "attribute_exists("):
			attr := resolveName(strings.TrimSuffix(strings.TrimPrefix(clause, "attribute_exists("), ")"), names)
			if item == nil {
				return false
			}
			if _, ok := item[attr]; !ok {
				return false
			}
		case strings.Contains(clause, " IN ("):
			parts := strings.SplitN(clause, " IN (", 2)
			attr := resolveName(strings.TrimSpace(parts[0]), names)
			if item == nil {
				return false
			}
			cur, ok := item[attr].(*types.AttributeValueMemberS)
			if !ok {
				return false
			}
			found := false
			for _, p := range strings.Split(strings.TrimSuffix(parts[1], ")"), ",") {
				if v, ok := values[strings.TrimSpace(p)].(*types.AttributeValueMemberS); ok && v.Value == cur.Value {
					found = true
				}
			}
			if !found {
				return false
			}
		default:
			panic("fakeDynamo: unsupported condition clause " + clause)
		}
	}
	return true
}

func applyUpdate(current, key map[string]types.AttributeValue, expr string, names map[string]string, values map[string]types.AttributeValue) map[string]types.AttributeValue {
	next := copyItem(current)
	for k, v := range key {
		next[k] = v
	}
	for _, assignment := range strings.Split(strings.TrimPrefix(expr, "SET "), ",") {
		lr := strings.SplitN(assignment, "=", 2)
		attr := resolveName(strings.TrimSpace(lr[0]), names)
		next[attr] = values[strings.TrimSpace(lr[1])]
	}
	return next
}
