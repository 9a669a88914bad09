package intents

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"github.com/imrishuroy/go-checkout-reconciler/internal/aws"
)

// GSI names on the intents table. Both are sparse: session guard items carry neither key.
const (
	ReferenceIndex = "reference_id-created_at-index"
	StatusIndex    = "status-updated_at-index"

	sessionGuardPrefix = "session#"
)

// sessionGuard reserves a checkout session id for exactly one intent. It lives in the intents
// table under intent_id = "session#<id>" and is written in the same transaction as the intent.
type sessionGuard struct {
	IntentID      string    `dynamodbav:"intent_id"`
	OwnerIntentID string    `dynamodbav:"owner_intent_id"`
	CreatedAt     time.Time `dynamodbav:"created_at"`
}

// DynamoStore persists intents in a DynamoDB table keyed by intent_id.
type DynamoStore struct {
	client    aws.DynamoDBAPI
	tableName string
	nowFunc   func() time.Time
}

// NewDynamoStore creates a DynamoStore bound to tableName.
func NewDynamoStore(client aws.DynamoDBAPI, tableName string) *DynamoStore {
	return &DynamoStore{
		client:    client,
		tableName: tableName,
		nowFunc:   time.Now,
	}
}

// RecordIntent creates a PENDING intent. With a checkout session id the write is an upsert
// keyed on the session: the intent and its session guard are put in one transaction, and a
// cancelled transaction means the session already exists.
func (s *DynamoStore) RecordIntent(ctx context.Context, in NewIntent) (*CheckoutIntent, error) {
	now := s.nowFunc().UTC()
	ci := CheckoutIntent{
		IntentID:          uuid.NewString(),
		ReferenceID:       in.ReferenceID,
		CheckoutSessionID: in.CheckoutSessionID,
		AmountCents:       in.AmountCents,
		Currency:          in.Currency,
		Locale:            in.Locale,
		Status:            StatusPending,
		Metadata:          in.Metadata,
		ExpiresAt:         now.Add(ExpiryWindow),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	item, err := marshalMap(ci)
	if err != nil {
		return nil, fmt.Errorf("marshal intent: %w", err)
	}

	if in.CheckoutSessionID == "" {
		_, err := s.client.PutItem(ctx, &dyn.PutItemInput{
			TableName:           &s.tableName,
			Item:                item,
			ConditionExpression: awsString("attribute_not_exists(intent_id)"),
		})
		if err != nil {
			return nil, fmt.Errorf("put intent: %w", err)
		}
		return &ci, nil
	}

	guardItem, err := marshalMap(sessionGuard{
		IntentID:      sessionGuardPrefix + in.CheckoutSessionID,
		OwnerIntentID: ci.IntentID,
		CreatedAt:     now,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal session guard: %w", err)
	}

	_, err = s.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{
				TableName:           &s.tableName,
				Item:                item,
				ConditionExpression: awsString("attribute_not_exists(intent_id)"),
			}},
			{Put: &types.Put{
				TableName:           &s.tableName,
				Item:                guardItem,
				ConditionExpression: awsString("attribute_not_exists(intent_id)"),
			}},
		},
	})
	if err == nil {
		return &ci, nil
	}
	var tce *types.TransactionCanceledException
	if !errors.As(err, &tce) {
		return nil, fmt.Errorf("transact write intent: %w", err)
	}
	return s.refreshPending(ctx, in, now)
}

// refreshPending updates the intent owning in.CheckoutSessionID if it is still PENDING and
// returns it unchanged otherwise.
func (s *DynamoStore) refreshPending(ctx context.Context, in NewIntent, now time.Time) (*CheckoutIntent, error) {
	owner, err := s.sessionOwner(ctx, in.CheckoutSessionID)
	if err != nil {
		return nil, err
	}
	if owner == "" {
		return nil, fmt.Errorf("session %s: guard vanished during upsert", in.CheckoutSessionID)
	}

	metadata, err := attributevalue.Marshal(in.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	input, err := s.transitionInput(owner, StatusPending, []Status{StatusPending}, "", now, map[string]types.AttributeValue{
		":amount_cents": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", in.AmountCents)},
		":currency":     &types.AttributeValueMemberS{Value: in.Currency},
		":locale":       &types.AttributeValueMemberS{Value: in.Locale},
		":metadata":     metadata,
		":expires_at":   mustTime(now.Add(ExpiryWindow)),
	})
	if err != nil {
		return nil, err
	}
	input.ReturnValues = types.ReturnValueAllNew

	out, err := s.client.UpdateItem(ctx, input)
	if err != nil {
		if isConditionFailed(err) {
			existing, getErr := s.Get(ctx, owner)
			if getErr != nil {
				return nil, getErr
			}
			if existing == nil {
				return nil, ErrNotFound
			}
			return existing, nil
		}
		return nil, fmt.Errorf("update item (refresh pending): %w", err)
	}
	var ci CheckoutIntent
	if err := attributevalue.UnmarshalMap(out.Attributes, &ci); err != nil {
		return nil, fmt.Errorf("unmarshal intent: %w", err)
	}
	return &ci, nil
}

// Get fetches an intent by id. Returns (nil, nil) if not found.
func (s *DynamoStore) Get(ctx context.Context, intentID string) (*CheckoutIntent, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tableName,
		Key:            intentKey(intentID),
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var ci CheckoutIntent
	if err := attributevalue.UnmarshalMap(out.Item, &ci); err != nil {
		return nil, fmt.Errorf("unmarshal intent: %w", err)
	}
	return &ci, nil
}

// FindByIdentifiers resolves by checkout session id first, then falls back to the newest
// intent carrying referenceID. The reference lookup reads a GSI and is eventually consistent.
func (s *DynamoStore) FindByIdentifiers(ctx context.Context, checkoutSessionID, referenceID string) (*CheckoutIntent, error) {
	if checkoutSessionID != "" {
		owner, err := s.sessionOwner(ctx, checkoutSessionID)
		if err != nil {
			return nil, err
		}
		if owner != "" {
			ci, err := s.Get(ctx, owner)
			if err != nil || ci != nil {
				return ci, err
			}
		}
	}
	if referenceID == "" {
		return nil, nil
	}

	out, err := s.client.Query(ctx, &dyn.QueryInput{
		TableName:              &s.tableName,
		IndexName:              awsString(ReferenceIndex),
		KeyConditionExpression: awsString("reference_id = :reference_id"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":reference_id": &types.AttributeValueMemberS{Value: referenceID},
		},
		ScanIndexForward: awsBool(false),
		Limit:            awsInt32(1),
	})
	if err != nil {
		return nil, fmt.Errorf("query reference index: %w", err)
	}
	if len(out.Items) == 0 {
		return nil, nil
	}
	var ci CheckoutIntent
	if err := attributevalue.UnmarshalMap(out.Items[0], &ci); err != nil {
		return nil, fmt.Errorf("unmarshal intent: %w", err)
	}
	return &ci, nil
}

// AttachSession assigns the gateway session id to an intent that has none yet.
func (s *DynamoStore) AttachSession(ctx context.Context, intentID, checkoutSessionID string) (*CheckoutIntent, error) {
	now := s.nowFunc().UTC()
	guardItem, err := marshalMap(sessionGuard{
		IntentID:      sessionGuardPrefix + checkoutSessionID,
		OwnerIntentID: intentID,
		CreatedAt:     now,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal session guard: %w", err)
	}

	_, err = s.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{
				TableName:           &s.tableName,
				Item:                guardItem,
				ConditionExpression: awsString("attribute_not_exists(intent_id)"),
			}},
			{Update: &types.Update{
				TableName:           &s.tableName,
				Key:                 intentKey(intentID),
				UpdateExpression:    awsString("SET checkout_session_id = :checkout_session_id, updated_at = :updated_at"),
				ConditionExpression: awsString("attribute_exists(intent_id) AND attribute_not_exists(checkout_session_id)"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":checkout_session_id": &types.AttributeValueMemberS{Value: checkoutSessionID},
					":updated_at":          mustTime(now),
				},
			}},
		},
	})
	if err != nil {
		var tce *types.TransactionCanceledException
		if !errors.As(err, &tce) {
			return nil, fmt.Errorf("transact write session: %w", err)
		}
		ci, getErr := s.Get(ctx, intentID)
		if getErr != nil {
			return nil, getErr
		}
		if ci == nil {
			return nil, ErrNotFound
		}
		if ci.CheckoutSessionID == checkoutSessionID {
			return ci, nil
		}
		return nil, ErrSessionTaken
	}
	return s.Get(ctx, intentID)
}

// ClaimProcessing conditionally moves PENDING -> PROCESSING in a single UpdateItem.
func (s *DynamoStore) ClaimProcessing(ctx context.Context, intentID string) (bool, error) {
	err := s.transition(ctx, intentID, StatusProcessing, nil)
	if errors.Is(err, ErrInvalidTransition) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *DynamoStore) MarkCompleted(ctx context.Context, intentID, orderID, result string) error {
	return s.transitionWith(ctx, intentID, StatusCompleted, "attribute_not_exists(order_id)", map[string]types.AttributeValue{
		":order_id": &types.AttributeValueMemberS{Value: orderID},
		":result":   &types.AttributeValueMemberS{Value: result},
	})
}

func (s *DynamoStore) MarkFailed(ctx context.Context, intentID, result string) error {
	return s.transition(ctx, intentID, StatusFailed, map[string]types.AttributeValue{
		":result": &types.AttributeValueMemberS{Value: result},
	})
}

func (s *DynamoStore) MarkExpired(ctx context.Context, intentID string) error {
	return s.transition(ctx, intentID, StatusExpired, nil)
}

// ResetForRetry moves FAILED|EXPIRED back to PENDING with a fresh expiry window.
func (s *DynamoStore) ResetForRetry(ctx context.Context, intentID string) error {
	return s.transition(ctx, intentID, StatusPending, map[string]types.AttributeValue{
		":expires_at":     mustTime(s.nowFunc().UTC().Add(ExpiryWindow)),
		":sweep_attempts": &types.AttributeValueMemberN{Value: "0"},
	})
}

// ListStuckProcessing returns PROCESSING intents whose updated_at is older than updatedBefore.
func (s *DynamoStore) ListStuckProcessing(ctx context.Context, updatedBefore time.Time, limit int) ([]CheckoutIntent, error) {
	input := &dyn.QueryInput{
		TableName:                &s.tableName,
		IndexName:                awsString(StatusIndex),
		KeyConditionExpression:   awsString("#status = :status AND updated_at < :updated_before"),
		ExpressionAttributeNames: map[string]string{"#status": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":status":         &types.AttributeValueMemberS{Value: string(StatusProcessing)},
			":updated_before": mustTime(updatedBefore.UTC()),
		},
		ScanIndexForward: awsBool(true),
	}
	if limit > 0 {
		input.Limit = awsInt32(int32(limit))
	}
	out, err := s.client.Query(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("query status index: %w", err)
	}
	var found []CheckoutIntent
	if err := attributevalue.UnmarshalListOfMaps(out.Items, &found); err != nil {
		return nil, fmt.Errorf("unmarshal intents: %w", err)
	}
	return found, nil
}

// RecordSweepAttempt stores the attempt counter; it also bumps updated_at, which spaces out
// sweeper retries by one stuck window.
func (s *DynamoStore) RecordSweepAttempt(ctx context.Context, intentID string, attempts int) error {
	input, err := s.transitionInput(intentID, StatusProcessing, []Status{StatusProcessing}, "", s.nowFunc().UTC(), map[string]types.AttributeValue{
		":sweep_attempts": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", attempts)},
	})
	if err != nil {
		return err
	}
	return s.apply(ctx, intentID, input)
}

func (s *DynamoStore) transition(ctx context.Context, intentID string, to Status, set map[string]types.AttributeValue) error {
	return s.transitionWith(ctx, intentID, to, "", set)
}

func (s *DynamoStore) transitionWith(ctx context.Context, intentID string, to Status, extraCond string, set map[string]types.AttributeValue) error {
	input, err := s.transitionInput(intentID, to, allowedFrom[to], extraCond, s.nowFunc().UTC(), set)
	if err != nil {
		return err
	}
	return s.apply(ctx, intentID, input)
}

// apply runs a conditional update and maps a failed condition to ErrNotFound or
// ErrInvalidTransition.
func (s *DynamoStore) apply(ctx context.Context, intentID string, input *dyn.UpdateItemInput) error {
	_, err := s.client.UpdateItem(ctx, input)
	if err == nil {
		return nil
	}
	if !isConditionFailed(err) {
		return fmt.Errorf("update item: %w", err)
	}
	ci, getErr := s.Get(ctx, intentID)
	if getErr != nil {
		return getErr
	}
	if ci == nil {
		return ErrNotFound
	}
	return ErrInvalidTransition
}

// transitionInput builds "SET #status = :status, #updated_at = :updated_at, #<attr> = :<attr>..."
// guarded by "#status IN (:from0, ...)". Name and value placeholders always mirror the
// attribute name.
func (s *DynamoStore) transitionInput(intentID string, to Status, from []Status, extraCond string, now time.Time, set map[string]types.AttributeValue) (*dyn.UpdateItemInput, error) {
	if len(from) == 0 {
		return nil, fmt.Errorf("no transition into %s", to)
	}
	values := map[string]types.AttributeValue{
		":status":     &types.AttributeValueMemberS{Value: string(to)},
		":updated_at": mustTime(now),
	}
	names := make([]string, 0, len(set))
	for placeholder, v := range set {
		values[placeholder] = v
		names = append(names, strings.TrimPrefix(placeholder, ":"))
	}
	sort.Strings(names)

	attrNames := map[string]string{"#status": "status", "#updated_at": "updated_at"}
	update := "SET #status = :status, #updated_at = :updated_at"
	for _, n := range names {
		attrNames["#"+n] = n
		update += fmt.Sprintf(", #%s = :%s", n, n)
	}

	fromPlaceholders := make([]string, len(from))
	for i, st := range from {
		p := fmt.Sprintf(":from%d", i)
		fromPlaceholders[i] = p
		values[p] = &types.AttributeValueMemberS{Value: string(st)}
	}
	cond := "attribute_exists(intent_id) AND #status IN (" + strings.Join(fromPlaceholders, ", ") + ")"
	if extraCond != "" {
		cond += " AND " + extraCond
	}

	return &dyn.UpdateItemInput{
		TableName:                 &s.tableName,
		Key:                       intentKey(intentID),
		UpdateExpression:          &update,
		ConditionExpression:       &cond,
		ExpressionAttributeNames:  attrNames,
		ExpressionAttributeValues: values,
	}, nil
}

func (s *DynamoStore) sessionOwner(ctx context.Context, checkoutSessionID string) (string, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tableName,
		Key:            intentKey(sessionGuardPrefix + checkoutSessionID),
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return "", fmt.Errorf("get session guard: %w", err)
	}
	if len(out.Item) == 0 {
		return "", nil
	}
	var g sessionGuard
	if err := attributevalue.UnmarshalMap(out.Item, &g); err != nil {
		return "", fmt.Errorf("unmarshal session guard: %w", err)
	}
	return g.OwnerIntentID, nil
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "ConditionalCheckFailedException"
}

func intentKey(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"intent_id": &types.AttributeValueMemberS{Value: id},
	}
}

// timeLayout is fixed width, so the byte-wise order DynamoDB applies to S sort keys and
// key conditions is also time order. RFC3339Nano drops trailing zeros and is not.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func encodeTime(t time.Time) (types.AttributeValue, error) {
	return &types.AttributeValueMemberS{Value: t.UTC().Format(timeLayout)}, nil
}

// marshalMap is attributevalue.MarshalMap with every time.Time written in timeLayout.
func marshalMap(in any) (map[string]types.AttributeValue, error) {
	return attributevalue.MarshalMapWithOptions(in, func(o *attributevalue.EncoderOptions) {
		o.EncodeTime = encodeTime
	})
}

func mustTime(t time.Time) types.AttributeValue {
	av, _ := encodeTime(t)
	return av
}

func awsString(s string) *string { return &s }
func awsBool(b bool) *bool       { return &b }
func awsInt32(n int32) *int32    { return &n }
