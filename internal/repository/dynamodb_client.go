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

	"cityassist-agent/internal/domain"
)

const (
	skPrefixTurn   = "TURN#"
	skMeta         = "META#"
	statusComplete = "complete"
	ttlDuration    = 30 * 24 * time.Hour // 30-day TTL
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Client wraps a DynamoDB table holding session transcripts. Only completed
// turns (user prompt plus final assistant reply) are stored; tool traffic
// never reaches the table.
type Client struct {
	api       dynamodbAPI
	tableName string
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName}, nil
}

// sessionPK returns the DynamoDB partition key for a session.
func sessionPK(sessionID string) string {
	return "SESSION#" + sessionID
}

// turnSK returns the sort key for a turn using the current UTC timestamp.
func turnSK(ts time.Time) string {
	return skPrefixTurn + ts.UTC().Format(time.RFC3339Nano)
}

// ttlValue returns a Unix timestamp 30 days in the future.
func ttlValue() int64 {
	return time.Now().Add(ttlDuration).Unix()
}

// GetTranscript returns the session's completed turns expanded into
// chronological user/assistant chat messages.
func (c *Client) GetTranscript(ctx context.Context, sessionID string, limit int) ([]domain.ChatMessage, error) {
	pk := sessionPK(sessionID)

	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: pk},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixTurn},
		},
		// Read newest first so LIMIT favors the most recent context.
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
	}

	out, err := c.api.Query(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("repository: GetTranscript query: %w", err)
	}

	turns := make([]domain.Turn, 0, len(out.Items))
	for _, item := range out.Items {
		turn, err := itemToTurn(item)
		if err != nil {
			return nil, fmt.Errorf("repository: GetTranscript unmarshal: %w", err)
		}
		turns = append(turns, turn)
	}
	// Reverse to chronological order before expanding into messages.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}

	msgs := make([]domain.ChatMessage, 0, 2*len(turns))
	for _, turn := range turns {
		msgs = append(msgs, turnToMessages(turn)...)
	}
	return msgs, nil
}

// turnToMessages expands a completed turn into its user and assistant
// messages; incomplete or empty turns contribute nothing.
func turnToMessages(turn domain.Turn) []domain.ChatMessage {
	if turn.Status != statusComplete {
		return nil
	}
	prompt := strings.TrimSpace(turn.Prompt)
	reply := strings.TrimSpace(turn.Reply)
	if prompt == "" || reply == "" {
		return nil
	}
	return []domain.ChatMessage{
		{Role: "user", Content: prompt},
		{Role: "assistant", Content: reply},
	}
}

// GetSessionTurnCount returns the persisted completed turn count for a session.
func (c *Client) GetSessionTurnCount(ctx context.Context, sessionID string) (int, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: sessionPK(sessionID)},
			"SK": &types.AttributeValueMemberS{Value: skMeta},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return 0, fmt.Errorf("repository: GetSessionTurnCount get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return 0, nil
	}

	turns, err := intAttr(out.Item, "turns")
	if err != nil {
		return 0, fmt.Errorf("repository: GetSessionTurnCount decode turns: %w", err)
	}
	return turns, nil
}

// SaveCompletedTurn writes the turn and the updated session metadata in one
// transaction.
func (c *Client) SaveCompletedTurn(ctx context.Context, sessionID, prompt, reply string, turns int) error {
	if strings.TrimSpace(sessionID) == "" {
		return errors.New("repository: SaveCompletedTurn: session id is required")
	}

	turn := NewTurn(sessionID, prompt, reply)
	meta := NewSessionMeta(sessionID, turns)

	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                turnItem(turn),
					ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
				},
			},
			{
				Put: &types.Put{
					TableName: aws.String(c.tableName),
					Item:      metaItem(meta),
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: SaveCompletedTurn: %w", err)
	}
	return nil
}

// NewTurn constructs a completed Turn with PK/SK/TTL set from sessionID and
// the current time.
func NewTurn(sessionID, prompt, reply string) domain.Turn {
	now := time.Now().UTC()
	return domain.Turn{
		PK:        sessionPK(sessionID),
		SK:        turnSK(now),
		SessionID: sessionID,
		Prompt:    prompt,
		Reply:     reply,
		Status:    statusComplete,
		TTL:       ttlValue(),
	}
}

// NewSessionMeta constructs a SessionMeta record.
func NewSessionMeta(sessionID string, turns int) domain.SessionMeta {
	return domain.SessionMeta{
		PK:           sessionPK(sessionID),
		SK:           skMeta,
		SessionID:    sessionID,
		LastActivity: time.Now().UTC().Format(time.RFC3339),
		Turns:        turns,
		TTL:          ttlValue(),
	}
}

// itemToTurn converts a DynamoDB attribute map to a Turn.
func itemToTurn(item map[string]types.AttributeValue) (domain.Turn, error) {
	pk, err := strAttr(item, "PK")
	if err != nil {
		return domain.Turn{}, err
	}
	sk, err := strAttr(item, "SK")
	if err != nil {
		return domain.Turn{}, err
	}
	prompt, err := strAttr(item, "prompt")
	if err != nil {
		return domain.Turn{}, err
	}
	reply, _ := strAttr(item, "reply")   // allow empty
	status, _ := strAttr(item, "status") // allow empty

	return domain.Turn{
		PK:     pk,
		SK:     sk,
		Prompt: prompt,
		Reply:  reply,
		Status: status,
	}, nil
}

func turnItem(turn domain.Turn) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":        &types.AttributeValueMemberS{Value: turn.PK},
		"SK":        &types.AttributeValueMemberS{Value: turn.SK},
		"sessionId": &types.AttributeValueMemberS{Value: turn.SessionID},
		"prompt":    &types.AttributeValueMemberS{Value: turn.Prompt},
		"reply":     &types.AttributeValueMemberS{Value: turn.Reply},
		"status":    &types.AttributeValueMemberS{Value: turn.Status},
		"ttl":       &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", turn.TTL)},
	}
}

func metaItem(meta domain.SessionMeta) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":           &types.AttributeValueMemberS{Value: meta.PK},
		"SK":           &types.AttributeValueMemberS{Value: meta.SK},
		"sessionId":    &types.AttributeValueMemberS{Value: meta.SessionID},
		"lastActivity": &types.AttributeValueMemberS{Value: meta.LastActivity},
		"turns":        &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", meta.Turns)},
		"ttl":          &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", meta.TTL)},
	}
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

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
