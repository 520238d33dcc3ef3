// Package repository holds SettlementStore backends that live outside the
// settlement package because they pull in a cloud SDK.
package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ksred/klear-negotiation/internal/settlement"
)

// dynamodbAPI is the minimal DynamoDB interface required by DynamoStore.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// DynamoStore keeps one item per settlement keyed by "id". Swaps are
// conditional puts on the last_seen attribute.
type DynamoStore struct {
	api       dynamodbAPI
	tableName string
	guard     settlement.Guard
	now       func() time.Time
}

// NewDynamoStore creates a store over tableName
func NewDynamoStore(api dynamodbAPI, tableName string) (*DynamoStore, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &DynamoStore{api: api, tableName: tableName, now: time.Now}, nil
}

func idKey(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"id": &types.AttributeValueMemberS{Value: id},
	}
}

func (d *DynamoStore) Get(ctx context.Context, id string) (*settlement.Settlement, error) {
	out, err := d.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.tableName),
		Key:            idKey(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: Get: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, settlement.NotFoundError(id)
	}

	s, err := itemToSettlement(out.Item)
	if err != nil {
		return nil, fmt.Errorf("repository: Get unmarshal: %w", err)
	}
	return s, nil
}

func (d *DynamoStore) List(ctx context.Context) ([]settlement.Settlement, error) {
	var (
		settlements []settlement.Settlement
		startKey    map[string]types.AttributeValue
	)
	for {
		out, err := d.api.Scan(ctx, &dynamodb.ScanInput{
			TableName:         aws.String(d.tableName),
			ConsistentRead:    aws.Bool(true),
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("repository: List scan: %w", err)
		}
		for _, item := range out.Items {
			s, err := itemToSettlement(item)
			if err != nil {
				return nil, fmt.Errorf("repository: List unmarshal: %w", err)
			}
			settlements = append(settlements, *s)
		}
		if len(out.LastEvaluatedKey) == 0 {
			return settlements, nil
		}
		startKey = out.LastEvaluatedKey
	}
}

func (d *DynamoStore) Create(ctx context.Context, amount decimal.Decimal) (*settlement.Settlement, error) {
	s := settlement.NewSettlement(uuid.New().String(), amount, d.now().UTC())

	_, err := d.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.tableName),
		Item:                settlementItem(s),
		ConditionExpression: aws.String("attribute_not_exists(id)"),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: Create: %w", err)
	}
	return s, nil
}

func (d *DynamoStore) CompareAndSwap(ctx context.Context, id string, expected uint64, mutate settlement.Mutation) (*settlement.Settlement, error) {
	current, err := d.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	next, err := d.guard.Next(current, expected, mutate)
	if err != nil {
		return nil, err
	}
	next.UpdatedAt = d.now().UTC()

	_, err = d.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.tableName),
		Item:                settlementItem(next),
		ConditionExpression: aws.String("last_seen = :expected"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":expected": &types.AttributeValueMemberN{Value: strconv.FormatUint(current.LastSeen, 10)},
		},
	})
	if err == nil {
		return next, nil
	}

	var conditionFailed *types.ConditionalCheckFailedException
	if !errors.As(err, &conditionFailed) {
		return nil, fmt.Errorf("repository: CompareAndSwap: %w", err)
	}

	// Another writer committed between our read and put.
	latest, err := d.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := d.guard.Check(latest, expected); err != nil {
		return nil, err
	}
	return nil, settlement.ConflictError(expected, latest.LastSeen)
}

func settlementItem(s *settlement.Settlement) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"id":              &types.AttributeValueMemberS{Value: s.SettlementID},
		"amount":          &types.AttributeValueMemberS{Value: s.Amount.String()},
		"status":          &types.AttributeValueMemberS{Value: string(s.Status)},
		"counter_offered": &types.AttributeValueMemberBOOL{Value: s.CounterOffered},
		"last_seen":       &types.AttributeValueMemberN{Value: strconv.FormatUint(s.LastSeen, 10)},
		"created_at":      &types.AttributeValueMemberS{Value: s.CreatedAt.UTC().Format(time.RFC3339Nano)},
		"updated_at":      &types.AttributeValueMemberS{Value: s.UpdatedAt.UTC().Format(time.RFC3339Nano)},
	}
	if s.LastRespondedAt != nil {
		item["last_responded_at"] = &types.AttributeValueMemberS{Value: s.LastRespondedAt.UTC().Format(time.RFC3339Nano)}
	}
	return item
}

func itemToSettlement(item map[string]types.AttributeValue) (*settlement.Settlement, error) {
	id, err := strAttr(item, "id")
	if err != nil {
		return nil, err
	}
	rawAmount, err := strAttr(item, "amount")
	if err != nil {
		return nil, err
	}
	amount, err := decimal.NewFromString(rawAmount)
	if err != nil {
		return nil, fmt.Errorf("repository: parse amount: %w", err)
	}
	status, err := strAttr(item, "status")
	if err != nil {
		return nil, err
	}
	counterOffered, err := boolAttr(item, "counter_offered")
	if err != nil {
		return nil, err
	}
	lastSeen, err := uintAttr(item, "last_seen")
	if err != nil {
		return nil, err
	}
	createdAt, err := timeAttr(item, "created_at")
	if err != nil {
		return nil, err
	}
	updatedAt, err := timeAttr(item, "updated_at")
	if err != nil {
		return nil, err
	}

	s := &settlement.Settlement{
		SettlementID:   id,
		Amount:         amount,
		Status:         settlement.Status(status),
		CounterOffered: counterOffered,
		LastSeen:       lastSeen,
		CreatedAt:      createdAt,
		UpdatedAt:      updatedAt,
	}
	if _, ok := item["last_responded_at"]; ok {
		respondedAt, err := timeAttr(item, "last_responded_at")
		if err != nil {
			return nil, err
		}
		s.LastRespondedAt = &respondedAt
	}
	return s, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func boolAttr(item map[string]types.AttributeValue, key string) (bool, error) {
	v, ok := item[key]
	if !ok {
		return false, fmt.Errorf("repository: missing attribute %q", key)
	}
	b, ok := v.(*types.AttributeValueMemberBOOL)
	if !ok {
		return false, fmt.Errorf("repository: attribute %q is not a bool", key)
	}
	return b.Value, nil
}

func uintAttr(item map[string]types.AttributeValue, key string) (uint64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseUint(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}

func timeAttr(item map[string]types.AttributeValue, key string) (time.Time, error) {
	raw, err := strAttr(item, key)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return t, nil
}
