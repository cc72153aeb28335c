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

	"nexus-assistant/internal/domain"
)

const (
	skPrefixTurn = "TURN#"
	ttlDuration  = 30 * 24 * time.Hour // 30-day TTL

	// Fixed width so sort keys order lexically by time.
	turnTimeLayout = "2006-01-02T15:04:05.000000000Z"

	// TransactWriteItems accepts at most 100 actions.
	maxTransactItems = 100
)

// dynamodbAPI is the minimal DynamoDB interface required by the store.
// Defined here for testability.
type dynamodbAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// DynamoConversationStore keeps conversation turns in a single DynamoDB table
// keyed by user. Items expire through the table's TTL attribute.
type DynamoConversationStore struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

// NewDynamoConversationStore creates a conversation store over tableName.
func NewDynamoConversationStore(api dynamodbAPI, tableName string) (*DynamoConversationStore, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &DynamoConversationStore{api: api, tableName: tableName, now: time.Now}, nil
}

// userPK returns the DynamoDB partition key for a user's conversation.
func userPK(userID string) string {
	return "USER#" + userID
}

// turnSK returns the sort key for a turn. seq orders turns written in the same
// call; the turn ID suffix keeps concurrent writers apart.
func turnSK(ts time.Time, seq int, id string) string {
	return fmt.Sprintf("%s%s#%03d#%s", skPrefixTurn, ts.UTC().Format(turnTimeLayout), seq, id)
}

// ttlValue returns a Unix timestamp 30 days after ts.
func ttlValue(ts time.Time) int64 {
	return ts.Add(ttlDuration).Unix()
}

// AppendTurns writes turns in order. Several turns are written in one
// transaction so a turn pair is never half-saved. The sort key derives from
// the turn ID and CreatedAt, so rewriting stored turns fails the put
// condition and is reported as success.
func (s *DynamoConversationStore) AppendTurns(ctx context.Context, turns ...domain.ConversationTurn) error {
	if len(turns) == 0 {
		return nil
	}
	if len(turns) > maxTransactItems {
		return domain.NewValidationError("turns", fmt.Sprintf("at most %d turns per call", maxTransactItems))
	}
	now := s.now().UTC()
	prepared, err := prepareTurns(turns, now)
	if err != nil {
		return err
	}

	items := make([]map[string]types.AttributeValue, 0, len(prepared))
	for i, t := range prepared {
		items = append(items, turnItem(t, turnSK(t.CreatedAt, i, t.ID), ttlValue(now)))
	}

	if len(items) == 1 {
		_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:           aws.String(s.tableName),
			Item:                items[0],
			ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
		})
		if err != nil && !alreadyWritten(err) {
			return storeErr("AppendTurns put", err)
		}
		return nil
	}

	tx := make([]types.TransactWriteItem, 0, len(items))
	for _, item := range items {
		tx = append(tx, types.TransactWriteItem{
			Put: &types.Put{
				TableName:           aws.String(s.tableName),
				Item:                item,
				ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
			},
		})
	}
	_, err = s.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: tx})
	if err != nil && !alreadyWritten(err) {
		return storeErr("AppendTurns transact", err)
	}
	return nil
}

// alreadyWritten reports whether err only says the items already exist.
func alreadyWritten(err error) bool {
	var condErr *types.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		return true
	}
	var txErr *types.TransactionCanceledException
	if !errors.As(err, &txErr) {
		return false
	}
	conflict := false
	for _, r := range txErr.CancellationReasons {
		switch aws.ToString(r.Code) {
		case "ConditionalCheckFailed":
			conflict = true
		case "", "None":
		default:
			return false
		}
	}
	return conflict
}

// Recent queries the newest limit turns of userID and returns them oldest
// first.
func (s *DynamoConversationStore) Recent(ctx context.Context, userID string, limit int) ([]domain.ConversationTurn, error) {
	if limit <= 0 {
		return nil, nil
	}
	in := &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: userPK(userID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixTurn},
		},
		// Read newest first so LIMIT favors the most recent context.
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
	}

	out, err := s.api.Query(ctx, in)
	if err != nil {
		return nil, storeErr("Recent query", err)
	}

	turns := make([]domain.ConversationTurn, 0, len(out.Items))
	for _, item := range out.Items {
		t, err := itemToTurn(item)
		if err != nil {
			return nil, fmt.Errorf("repository: Recent unmarshal: %w", err)
		}
		turns = append(turns, t)
	}
	// Reverse to chronological order before returning to prompt assembly.
	reverseTurns(turns)
	return turns, nil
}

func turnItem(t domain.ConversationTurn, sk string, ttl int64) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: userPK(t.UserID)},
		"SK":        &types.AttributeValueMemberS{Value: sk},
		"userId":    &types.AttributeValueMemberS{Value: t.UserID},
		"role":      &types.AttributeValueMemberS{Value: t.Role},
		"content":   &types.AttributeValueMemberS{Value: t.Content},
		"createdAt": &types.AttributeValueMemberN{Value: strconv.FormatInt(t.CreatedAt.UnixMilli(), 10)},
		"ttl":       &types.AttributeValueMemberN{Value: strconv.FormatInt(ttl, 10)},
	}
}

// itemToTurn converts a DynamoDB attribute map to a ConversationTurn.
func itemToTurn(item map[string]types.AttributeValue) (domain.ConversationTurn, error) {
	sk, err := strAttr(item, "SK")
	if err != nil {
		return domain.ConversationTurn{}, err
	}
	userID, err := strAttr(item, "userId")
	if err != nil {
		return domain.ConversationTurn{}, err
	}
	role, err := strAttr(item, "role")
	if err != nil {
		return domain.ConversationTurn{}, err
	}
	if !domain.ValidRole(role) {
		return domain.ConversationTurn{}, fmt.Errorf("repository: unknown role %q", role)
	}
	content, _ := strAttr(item, "content") // allow empty
	createdAt, err := int64Attr(item, "createdAt")
	if err != nil {
		return domain.ConversationTurn{}, err
	}

	return domain.ConversationTurn{
		ID:        sk,
		UserID:    userID,
		Role:      role,
		Content:   content,
		CreatedAt: fromMillis(createdAt),
	}, nil
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

func int64Attr(item map[string]types.AttributeValue, key string) (int64, error) {
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
