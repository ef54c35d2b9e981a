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

	"dialogue-core/internal/domain"
	"dialogue-core/internal/resilience"
)

// Items carry no TTL attribute: expiring turns one by one would leave a
// conversation with a gap at the front. Retention is by archiving.
const (
	skPrefixTurn = "TURN#"
	skMeta       = "META#"
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// Client stores conversations in a single DynamoDB table: one item per turn
// (SK TURN#<seq>) and one META# item per conversation.
type Client struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName, now: time.Now}, nil
}

// convPK returns the DynamoDB partition key for a conversation.
func convPK(conversationKey string) string {
	return "CONV#" + conversationKey
}

// turnSK returns the sort key for a turn. The sequence number is zero padded
// so that lexical order matches numeric order.
func turnSK(seq int64) string {
	return fmt.Sprintf("%s%020d", skPrefixTurn, seq)
}

func metaKey(conversationKey string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: convPK(conversationKey)},
		"SK": &types.AttributeValueMemberS{Value: skMeta},
	}
}

// Load reads the META# item and every turn of a conversation in sequence
// order. It returns domain.ErrNotFound when neither exists.
func (c *Client) Load(ctx context.Context, conversationKey string) (domain.Conversation, error) {
	pk := convPK(conversationKey)

	metaOut, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            metaKey(conversationKey),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: Load get meta: %w", err)
	}

	conv := domain.NewConversation(conversationKey)
	hasMeta := metaOut != nil && len(metaOut.Item) > 0
	if hasMeta {
		if status, err := strAttr(metaOut.Item, "status"); err == nil && status != "" {
			conv.Status = domain.Status(status)
		}
		if last, err := strAttr(metaOut.Item, "lastActivity"); err == nil {
			conv.LastActivity, _ = time.Parse(time.RFC3339Nano, last)
		}
	}

	var startKey map[string]types.AttributeValue
	for {
		out, err := c.api.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(c.tableName),
			KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":     &types.AttributeValueMemberS{Value: pk},
				":prefix": &types.AttributeValueMemberS{Value: skPrefixTurn},
			},
			ScanIndexForward:  aws.Bool(true),
			ConsistentRead:    aws.Bool(true),
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return domain.Conversation{}, fmt.Errorf("repository: Load query turns: %w", err)
		}
		for _, item := range out.Items {
			turn, err := itemToTurn(item)
			if err != nil {
				return domain.Conversation{}, fmt.Errorf("repository: Load unmarshal: %w", err)
			}
			conv.Turns = append(conv.Turns, turn)
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		startKey = out.LastEvaluatedKey
	}

	if !hasMeta && len(conv.Turns) == 0 {
		return domain.Conversation{}, fmt.Errorf("repository: Load %q: %w", conversationKey, domain.ErrNotFound)
	}
	for i, t := range conv.Turns {
		if t.Seq != int64(i+1) {
			return domain.Conversation{}, resilience.Terminal(resilience.ClassIntegrityConflict,
				fmt.Errorf("repository: Load %q: turn %d has sequence number %d: %w", conversationKey, i+1, t.Seq, domain.ErrCorrupt))
		}
	}
	if n := len(conv.Turns); n > 0 {
		conv.Seq = conv.Turns[n-1].Seq
		if conv.LastActivity.IsZero() {
			conv.LastActivity = conv.Turns[n-1].CreatedAt
		}
	}
	return conv, nil
}

// AppendDurable writes turn at expectedSeq together with the META# update in
// one transaction. If a turn already exists at that position the write is
// acknowledged when it carries the same role and content and reported as
// domain.ErrConflict otherwise.
func (c *Client) AppendDurable(ctx context.Context, conversationKey string, turn domain.Turn, expectedSeq int64) error {
	if expectedSeq < 1 || turn.Seq != expectedSeq {
		return resilience.Terminal(resilience.ClassMalformedRequest,
			fmt.Errorf("repository: AppendDurable: turn sequence %d does not match expected %d", turn.Seq, expectedSeq))
	}
	if !turn.Role.Valid() {
		return resilience.Terminal(resilience.ClassMalformedRequest,
			fmt.Errorf("repository: AppendDurable: invalid role %q", turn.Role))
	}

	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                turnItem(conversationKey, turn),
					ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
				},
			},
			{
				Update: metaUpdate(c.tableName, conversationKey, turn),
			},
		},
	})
	if err == nil {
		return nil
	}
	if !turnConditionFailed(err) {
		return fmt.Errorf("repository: AppendDurable: %w", err)
	}

	existing, getErr := c.getTurn(ctx, conversationKey, expectedSeq)
	if getErr != nil {
		return fmt.Errorf("repository: AppendDurable read existing turn: %w", getErr)
	}
	if existing.SameContent(turn) {
		return nil
	}
	return resilience.Terminal(resilience.ClassIntegrityConflict,
		fmt.Errorf("repository: AppendDurable %q seq %d: %w", conversationKey, expectedSeq, domain.ErrConflict))
}

func (c *Client) getTurn(ctx context.Context, conversationKey string, seq int64) (domain.Turn, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: convPK(conversationKey)},
			"SK": &types.AttributeValueMemberS{Value: turnSK(seq)},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Turn{}, err
	}
	if out == nil || len(out.Item) == 0 {
		// The conflicting item is no longer readable; let the caller retry.
		return domain.Turn{}, resilience.Transient(errors.New("repository: conflicting turn not found"))
	}
	return itemToTurn(out.Item)
}

// turnConditionFailed reports whether the transaction was cancelled because
// the turn item already exists.
func turnConditionFailed(err error) bool {
	var tce *types.TransactionCanceledException
	if !errors.As(err, &tce) {
		return false
	}
	if len(tce.CancellationReasons) == 0 {
		return false
	}
	return aws.ToString(tce.CancellationReasons[0].Code) == "ConditionalCheckFailed"
}

func turnItem(conversationKey string, turn domain.Turn) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":              &types.AttributeValueMemberS{Value: convPK(conversationKey)},
		"SK":              &types.AttributeValueMemberS{Value: turnSK(turn.Seq)},
		"conversationKey": &types.AttributeValueMemberS{Value: conversationKey},
		"seq":             &types.AttributeValueMemberN{Value: strconv.FormatInt(turn.Seq, 10)},
		"role":            &types.AttributeValueMemberS{Value: string(turn.Role)},
		"content":         &types.AttributeValueMemberS{Value: turn.Content},
		"createdAt":       &types.AttributeValueMemberS{Value: turn.CreatedAt.UTC().Format(time.RFC3339Nano)},
	}
}

// metaUpdate bumps the persisted turn count and activity time without
// touching a status set elsewhere (e.g. archived).
func metaUpdate(table, conversationKey string, turn domain.Turn) *types.Update {
	return &types.Update{
		TableName:        aws.String(table),
		Key:              metaKey(conversationKey),
		UpdateExpression: aws.String("SET conversationKey = :ck, lastActivity = :la, #status = if_not_exists(#status, :active) ADD turns :one"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ck":     &types.AttributeValueMemberS{Value: conversationKey},
			":la":     &types.AttributeValueMemberS{Value: turn.CreatedAt.UTC().Format(time.RFC3339Nano)},
			":active": &types.AttributeValueMemberS{Value: string(domain.StatusActive)},
			":one":    &types.AttributeValueMemberN{Value: "1"},
		},
	}
}

// GetState returns the caller-defined state stored on the META# item. A
// conversation without state yields the zero value.
func (c *Client) GetState(ctx context.Context, conversationKey string) (domain.ConversationState, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            metaKey(conversationKey),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.ConversationState{}, fmt.Errorf("repository: GetState: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.ConversationState{}, nil
	}
	name, err := strAttr(out.Item, "stateName")
	if err != nil {
		return domain.ConversationState{}, nil
	}
	st := domain.ConversationState{Name: name}
	if raw, err := strAttr(out.Item, "stateData"); err == nil && raw != "" {
		if err := json.Unmarshal([]byte(raw), &st.Data); err != nil {
			return domain.ConversationState{}, fmt.Errorf("repository: GetState unmarshal data: %w", err)
		}
	}
	if updated, err := strAttr(out.Item, "stateUpdatedAt"); err == nil {
		st.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	}
	return st, nil
}

// PutState replaces the conversation's state and returns it as stored.
func (c *Client) PutState(ctx context.Context, conversationKey string, st domain.ConversationState) (domain.ConversationState, error) {
	data := "{}"
	if len(st.Data) > 0 {
		buf, err := json.Marshal(st.Data)
		if err != nil {
			return domain.ConversationState{}, resilience.Terminal(resilience.ClassMalformedRequest,
				fmt.Errorf("repository: PutState marshal data: %w", err))
		}
		data = string(buf)
	}
	st.UpdatedAt = c.now().UTC()

	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(c.tableName),
		Key:              metaKey(conversationKey),
		UpdateExpression: aws.String("SET conversationKey = :ck, stateName = :name, stateData = :data, stateUpdatedAt = :at, #status = if_not_exists(#status, :active)"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ck":     &types.AttributeValueMemberS{Value: conversationKey},
			":name":   &types.AttributeValueMemberS{Value: st.Name},
			":data":   &types.AttributeValueMemberS{Value: data},
			":at":     &types.AttributeValueMemberS{Value: st.UpdatedAt.Format(time.RFC3339Nano)},
			":active": &types.AttributeValueMemberS{Value: string(domain.StatusActive)},
		},
	})
	if err != nil {
		return domain.ConversationState{}, fmt.Errorf("repository: PutState: %w", err)
	}
	return st, nil
}

// Archive sets the conversation's status to archived. Archiving twice is
// harmless.
func (c *Client) Archive(ctx context.Context, conversationKey string) error {
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(c.tableName),
		Key:              metaKey(conversationKey),
		UpdateExpression: aws.String("SET conversationKey = :ck, #status = :archived"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ck":       &types.AttributeValueMemberS{Value: conversationKey},
			":archived": &types.AttributeValueMemberS{Value: string(domain.StatusArchived)},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: Archive: %w", err)
	}
	return nil
}

// itemToTurn converts a DynamoDB attribute map to a Turn.
func itemToTurn(item map[string]types.AttributeValue) (domain.Turn, error) {
	seq, err := intAttr(item, "seq")
	if err != nil {
		return domain.Turn{}, err
	}
	role, err := strAttr(item, "role")
	if err != nil {
		return domain.Turn{}, err
	}
	content, err := strAttr(item, "content")
	if err != nil {
		return domain.Turn{}, err
	}
	createdAt, _ := strAttr(item, "createdAt") // allow empty
	ts, _ := time.Parse(time.RFC3339Nano, createdAt)

	return domain.Turn{
		Seq:       seq,
		Role:      domain.Role(role),
		Content:   content,
		CreatedAt: ts,
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
