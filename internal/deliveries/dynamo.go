package deliveries

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/imrishuroy/go-checkout-reconciler/internal/aws"
)

// DynamoRecorder stores delivery records, payload included, in DynamoDB.
type DynamoRecorder struct {
	client    aws.DynamoDBAPI
	tableName string
	ttlWindow time.Duration
	nowFunc   func() time.Time
}

// NewDynamoRecorder returns a recorder whose records expire after ttlWindow.
func NewDynamoRecorder(client aws.DynamoDBAPI, tableName string, ttlWindow time.Duration) *DynamoRecorder {
	return &DynamoRecorder{
		client:    client,
		tableName: tableName,
		ttlWindow: ttlWindow,
		nowFunc:   time.Now,
	}
}

func (r *DynamoRecorder) Begin(ctx context.Context, key, channel string, payload []byte) (bool, error) {
	now := r.nowFunc().UTC()
	if len(payload) > maxPayloadBytes {
		payload = payload[:maxPayloadBytes]
	}
	rec := Record{
		DeliveryKey: key,
		Status:      StatusReceived,
		Channel:     channel,
		Payload:     string(payload),
		FirstSeenAt: now,
		LastSeenAt:  now,
		ExpiresAt:   now.Add(r.ttlWindow).Unix(),
	}
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return false, fmt.Errorf("marshal record: %w", err)
	}

	_, err = r.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &r.tableName,
		Item:                item,
		ConditionExpression: awsString("attribute_not_exists(delivery_key)"),
	})
	if err == nil {
		return false, nil
	}
	if !isConditionFailed(err) {
		return false, fmt.Errorf("put item: %w", err)
	}

	// seen before: bump last_seen_at and inspect the stored status
	out, err := r.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                 &r.tableName,
		Key:                       deliveryKey(key),
		UpdateExpression:          awsString("SET last_seen_at = :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{":now": mustTime(now)},
		ReturnValues:              types.ReturnValueAllNew,
	})
	if err != nil {
		return false, fmt.Errorf("update item (last seen): %w", err)
	}
	var existing Record
	if err := attributevalue.UnmarshalMap(out.Attributes, &existing); err != nil {
		return false, fmt.Errorf("unmarshal item: %w", err)
	}
	return existing.Status == StatusProcessed, nil
}

func (r *DynamoRecorder) Complete(ctx context.Context, key, outcome string) error {
	_, err := r.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:           &r.tableName,
		Key:                 deliveryKey(key),
		UpdateExpression:    awsString("SET #s = :processed, outcome = :outcome, last_seen_at = :now"),
		ConditionExpression: awsString("attribute_exists(delivery_key)"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":processed": &types.AttributeValueMemberS{Value: StatusProcessed},
			":outcome":   &types.AttributeValueMemberS{Value: outcome},
			":now":       mustTime(r.nowFunc().UTC()),
		},
	})
	if err != nil {
		return fmt.Errorf("update item (complete): %w", err)
	}
	return nil
}

// Get retrieves a delivery record by key. If not found, returns (nil, nil).
func (r *DynamoRecorder) Get(ctx context.Context, key string) (*Record, error) {
	out, err := r.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &r.tableName,
		Key:       deliveryKey(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var rec Record
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal item: %w", err)
	}
	return &rec, nil
}

func deliveryKey(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"delivery_key": &types.AttributeValueMemberS{Value: key}}
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	var sc smithy.APIError
	return errors.As(err, &sc) && sc.ErrorCode() == "ConditionalCheckFailedException"
}

func mustTime(t time.Time) types.AttributeValue {
	av, err := attributevalue.Marshal(t)
	if err != nil {
		panic(err)
	}
	return av
}

func awsString(s string) *string { return &s }
