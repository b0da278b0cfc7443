package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"pika-helper/internal/domain"
)

const skState = "STATE"

// DynamoDBAPI is the subset of *dynamodb.Client used by the store.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// dynamoStore keeps one item per session:
//
//	PK = SESSION#<id>, SK = STATE, payload = JSON session, version, ttl
//
// The table's TTL attribute must be set to "ttl".
type dynamoStore struct {
	api       DynamoDBAPI
	tableName string
	ttl       time.Duration
	now       func() time.Time
}

func newDynamoStore(api DynamoDBAPI, tableName string, ttl time.Duration, now func() time.Time) (*dynamoStore, error) {
	if api == nil {
		return nil, fmt.Errorf("%w: dynamodb api must not be nil", ErrInvalidConfig)
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, fmt.Errorf("%w: table name must not be empty", ErrInvalidConfig)
	}
	return &dynamoStore{api: api, tableName: tableName, ttl: ttl, now: now}, nil
}

func sessionPK(id string) string {
	return "SESSION#" + id
}

func (s *dynamoStore) key(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: sessionPK(id)},
		"SK": &types.AttributeValueMemberS{Value: skState},
	}
}

func (s *dynamoStore) Get(ctx context.Context, id string) (*domain.Session, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            s.key(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: get session: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, nil
	}

	// DynamoDB deletes expired items lazily, so honour ttl on read.
	if exp, err := intAttr(out.Item, "ttl"); err == nil && s.now().Unix() >= exp {
		return nil, nil
	}
	sess, err := itemToSession(out.Item)
	if err != nil {
		return nil, fmt.Errorf("repository: get session: %w", err)
	}
	return sess, nil
}

func (s *dynamoStore) Create(ctx context.Context, sess *domain.Session) error {
	now := s.now()
	sess.Version = 1
	stamp(sess, now)
	item, err := s.sessionItem(sess, now)
	if err != nil {
		return fmt.Errorf("repository: create session: %w", err)
	}

	// Expired items linger until DynamoDB reaps them, so they may be replaced.
	_, err = s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(s.tableName),
		Item:                     item,
		ConditionExpression:      aws.String("attribute_not_exists(PK) OR #ttl <= :now"),
		ExpressionAttributeNames: map[string]string{"#ttl": "ttl"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return ErrVersionConflict
		}
		return fmt.Errorf("repository: create session: %w", err)
	}
	return nil
}

func (s *dynamoStore) Update(ctx context.Context, sess *domain.Session) error {
	expected := sess.Version
	now := s.now()

	next := *sess
	next.Version = expected + 1
	stamp(&next, now)
	item, err := s.sessionItem(&next, now)
	if err != nil {
		return fmt.Errorf("repository: update session: %w", err)
	}

	_, err = s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("version = :expected"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":expected": &types.AttributeValueMemberN{Value: strconv.FormatInt(expected, 10)},
		},
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			if len(ccf.Item) == 0 {
				return ErrNotFound
			}
			return ErrVersionConflict
		}
		return fmt.Errorf("repository: update session: %w", err)
	}
	sess.Version = next.Version
	sess.CreatedAt = next.CreatedAt
	sess.UpdatedAt = next.UpdatedAt
	return nil
}

func (s *dynamoStore) Close() error { return nil }

func (s *dynamoStore) sessionItem(sess *domain.Session, now time.Time) (map[string]types.AttributeValue, error) {
	payload, err := json.Marshal(sess)
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}
	item := s.key(sess.ID)
	item["sessionId"] = &types.AttributeValueMemberS{Value: sess.ID}
	item["payload"] = &types.AttributeValueMemberS{Value: string(payload)}
	item["version"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(sess.Version, 10)}
	item["updatedAt"] = &types.AttributeValueMemberS{Value: sess.UpdatedAt.UTC().Format(time.RFC3339)}
	item["ttl"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Add(s.ttl).Unix(), 10)}
	return item, nil
}

func itemToSession(item map[string]types.AttributeValue) (*domain.Session, error) {
	payload, err := strAttr(item, "payload")
	if err != nil {
		return nil, err
	}
	version, err := intAttr(item, "version")
	if err != nil {
		return nil, err
	}
	var sess domain.Session
	if err := json.Unmarshal([]byte(payload), &sess); err != nil {
		return nil, fmt.Errorf("repository: decode payload: %w", err)
	}
	// The version attribute is authoritative for the condition expression.
	sess.Version = version
	if sess.Steps == nil {
		sess.Steps = make(map[domain.Step]*domain.StepState)
	}
	return &sess, nil
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

func intAttr(item map[string]types.AttributeValue, key string) (int64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
