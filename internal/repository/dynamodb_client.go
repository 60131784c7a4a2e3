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

	"chatku/internal/domain"
)

const (
	skPrefixReq = "REQ#"
	skMeta      = "META#"
	ttlDuration = 30 * 24 * time.Hour // 30-day TTL
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Client stores the request ledger in one DynamoDB table. Items of a model
// share the partition MODEL#<id>: one META# counter plus one REQ# item per
// request. No message content is ever written.
type Client struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName, now: time.Now}, nil
}

func modelPK(model string) string {
	return "MODEL#" + model
}

// reqSK orders requests chronologically; the correlation id keeps two
// requests in the same instant distinct.
func reqSK(ts time.Time, correlationID string) string {
	return skPrefixReq + ts.UTC().Format(time.RFC3339Nano) + "#" + correlationID
}

func (c *Client) ttlValue() int64 {
	return c.now().Add(ttlDuration).Unix()
}

// RecordRequest writes the request item and bumps the model counter in one
// transaction.
func (c *Client) RecordRequest(ctx context.Context, rec domain.RequestRecord) error {
	if strings.TrimSpace(rec.Model) == "" {
		return errors.New("repository: RecordRequest: model is required")
	}
	now := c.now().UTC()
	rec.PK = modelPK(rec.Model)
	rec.SK = reqSK(now, rec.CorrelationID)
	rec.CreatedAt = now.Format(time.RFC3339Nano)
	rec.TTL = c.ttlValue()

	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                requestItem(rec),
					ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
				},
			},
			{
				Update: &types.Update{
					TableName: aws.String(c.tableName),
					Key: map[string]types.AttributeValue{
						"PK": &types.AttributeValueMemberS{Value: rec.PK},
						"SK": &types.AttributeValueMemberS{Value: skMeta},
					},
					UpdateExpression: aws.String("ADD requests :one SET model = :model, lastActivity = :ts, #ttl = :ttl"),
					ExpressionAttributeNames: map[string]string{
						"#ttl": "ttl",
					},
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":one":   &types.AttributeValueMemberN{Value: "1"},
						":model": &types.AttributeValueMemberS{Value: rec.Model},
						":ts":    &types.AttributeValueMemberS{Value: now.Format(time.RFC3339)},
						":ttl":   &types.AttributeValueMemberN{Value: strconv.FormatInt(rec.TTL, 10)},
					},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: RecordRequest: %w", err)
	}
	return nil
}

// GetModelCounter returns the aggregate counter for model. A model without
// requests yields a zero counter.
func (c *Client) GetModelCounter(ctx context.Context, model string) (domain.ModelCounter, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: modelPK(model)},
			"SK": &types.AttributeValueMemberS{Value: skMeta},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.ModelCounter{}, fmt.Errorf("repository: GetModelCounter get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.ModelCounter{PK: modelPK(model), SK: skMeta, Model: model}, nil
	}

	requests, err := intAttr(out.Item, "requests")
	if err != nil {
		return domain.ModelCounter{}, fmt.Errorf("repository: GetModelCounter decode requests: %w", err)
	}
	lastActivity, _ := strAttr(out.Item, "lastActivity") // allow empty
	ttl, _ := intAttr(out.Item, "ttl")                   // allow empty
	return domain.ModelCounter{
		PK:           modelPK(model),
		SK:           skMeta,
		Model:        model,
		LastActivity: lastActivity,
		Requests:     requests,
		TTL:          int64(ttl),
	}, nil
}

// GetRecentRequests returns up to limit ledger entries for model, oldest
// first.
func (c *Client) GetRecentRequests(ctx context.Context, model string, limit int) ([]domain.RequestRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	out, err := c.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: modelPK(model)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixReq},
		},
		// Read newest first so LIMIT favors the most recent requests.
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: GetRecentRequests query: %w", err)
	}

	recs := make([]domain.RequestRecord, 0, len(out.Items))
	for _, item := range out.Items {
		rec, err := itemToRequest(item)
		if err != nil {
			return nil, fmt.Errorf("repository: GetRecentRequests unmarshal: %w", err)
		}
		recs = append(recs, rec)
	}
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
	return recs, nil
}

func requestItem(rec domain.RequestRecord) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: rec.PK},
		"SK":             &types.AttributeValueMemberS{Value: rec.SK},
		"correlationId":  &types.AttributeValueMemberS{Value: rec.CorrelationID},
		"requestedModel": &types.AttributeValueMemberS{Value: rec.RequestedModel},
		"model":          &types.AttributeValueMemberS{Value: rec.Model},
		"provider":       &types.AttributeValueMemberS{Value: string(rec.Provider)},
		"fallback":       &types.AttributeValueMemberBOOL{Value: rec.Fallback},
		"outcome":        &types.AttributeValueMemberS{Value: rec.Outcome},
		"reason":         &types.AttributeValueMemberS{Value: rec.Reason},
		"chars":          &types.AttributeValueMemberN{Value: strconv.Itoa(rec.Chars)},
		"durationMs":     &types.AttributeValueMemberN{Value: strconv.FormatInt(rec.DurationMillis, 10)},
		"createdAt":      &types.AttributeValueMemberS{Value: rec.CreatedAt},
		"ttl":            &types.AttributeValueMemberN{Value: strconv.FormatInt(rec.TTL, 10)},
	}
}

func itemToRequest(item map[string]types.AttributeValue) (domain.RequestRecord, error) {
	pk, err := strAttr(item, "PK")
	if err != nil {
		return domain.RequestRecord{}, err
	}
	sk, err := strAttr(item, "SK")
	if err != nil {
		return domain.RequestRecord{}, err
	}
	model, err := strAttr(item, "model")
	if err != nil {
		return domain.RequestRecord{}, err
	}
	outcome, err := strAttr(item, "outcome")
	if err != nil {
		return domain.RequestRecord{}, err
	}
	correlationID, _ := strAttr(item, "correlationId")   // allow empty
	requestedModel, _ := strAttr(item, "requestedModel") // allow empty
	provider, _ := strAttr(item, "provider")             // allow empty
	reason, _ := strAttr(item, "reason")                 // allow empty
	chars, _ := intAttr(item, "chars")                   // allow empty
	duration, _ := intAttr(item, "durationMs")           // allow empty
	createdAt, _ := strAttr(item, "createdAt")           // allow empty
	fallback := false
	if v, ok := item["fallback"].(*types.AttributeValueMemberBOOL); ok {
		fallback = v.Value
	}

	return domain.RequestRecord{
		PK:             pk,
		SK:             sk,
		CorrelationID:  correlationID,
		RequestedModel: requestedModel,
		Model:          model,
		Provider:       domain.Provider(provider),
		Fallback:       fallback,
		Outcome:        outcome,
		Reason:         reason,
		Chars:          chars,
		DurationMillis: int64(duration),
		CreatedAt:      createdAt,
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
