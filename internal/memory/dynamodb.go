package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/ent0n29/ragchat/internal/apperr"
	"github.com/ent0n29/ragchat/internal/reliability"
)

const (
	// Row at seq 0 of every conversation partition tracks the last sequence.
	dynamoMetaSeq = 0
	// Partition holding the global turn id counter.
	dynamoCounterKey = "#turn-ids"
)

// DynamoConfig selects the table and, for local development, an endpoint
// override with static credentials (e.g. DynamoDB Local).
type DynamoConfig struct {
	Table           string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// DynamoAPI is the part of the DynamoDB client the store uses.
type DynamoAPI interface {
	CreateTable(ctx context.Context, in *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// DynamoStore keeps each conversation in its own partition, sorted by seq.
// Batches are written with one conditional transaction so a failed append
// leaves nothing behind.
type DynamoStore struct {
	client DynamoAPI
	table  string
	logger *slog.Logger
}

func NewDynamoStore(ctx context.Context, cfg DynamoConfig, logger *slog.Logger) (*DynamoStore, error) {
	if strings.TrimSpace(cfg.Table) == "" {
		return nil, fmt.Errorf("dynamodb table is required")
	}
	opts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{URL: endpoint}, nil
		})
		opts = append(opts, config.WithEndpointResolverWithOptions(resolver))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.StaticCredentialsProvider{
			Value: aws.Credentials{AccessKeyID: cfg.AccessKeyID, SecretAccessKey: cfg.SecretAccessKey},
		}))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	s := newDynamoStore(dynamodb.NewFromConfig(awsCfg), cfg.Table, logger)
	if err := s.ensureTable(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func newDynamoStore(client DynamoAPI, table string, logger *slog.Logger) *DynamoStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &DynamoStore{client: client, table: table, logger: logger}
}

// Client exposes the table client so sibling stores can share the table.
func (s *DynamoStore) Client() DynamoAPI { return s.client }

func (s *DynamoStore) Table() string { return s.table }

func (s *DynamoStore) ensureTable(ctx context.Context) error {
	_, err := s.client.CreateTable(ctx, &dynamodb.CreateTableInput{
		TableName: aws.String(s.table),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String("conversation_id"), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String("seq"), AttributeType: types.ScalarAttributeTypeN},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String("conversation_id"), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String("seq"), KeyType: types.KeyTypeRange},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	var inUse *types.ResourceInUseException
	if err != nil && !errors.As(err, &inUse) {
		return fmt.Errorf("create dynamodb table %s: %w", s.table, err)
	}
	return nil
}

func (s *DynamoStore) Append(ctx context.Context, turn Turn) (Turn, error) {
	out, err := s.AppendBatch(ctx, []Turn{turn})
	if err != nil {
		return Turn{}, err
	}
	return out[0], nil
}

func (s *DynamoStore) AppendBatch(ctx context.Context, turns []Turn) ([]Turn, error) {
	conversationID, prepared, err := prepareBatch(ctx, "memory.append", turns)
	if err != nil || len(prepared) == 0 {
		return nil, err
	}

	var out []Turn
	err = reliability.Retry(ctx, reliability.DefaultPolicy, isTransactionConflict, func(int) error {
		batch := make([]Turn, len(prepared))
		copy(batch, prepared)
		if err := s.appendOnce(ctx, conversationID, batch); err != nil {
			return err
		}
		out = batch
		return nil
	})
	if err != nil {
		return nil, apperr.Persistence("memory.append", err)
	}
	return out, nil
}

func (s *DynamoStore) appendOnce(ctx context.Context, conversationID string, batch []Turn) error {
	last, found, err := s.lastSequence(ctx, conversationID)
	if err != nil {
		return err
	}
	firstID, err := s.allocateIDs(ctx, len(batch))
	if err != nil {
		return err
	}

	prev := last
	items := make([]types.TransactWriteItem, 0, len(batch)+1)
	for i := range batch {
		batch[i].ID = firstID + int64(i)
		batch[i].Sequence = nextSequence(batch[i].Sequence, last)
		last = batch[i].Sequence
		items = append(items, types.TransactWriteItem{Put: &types.Put{
			TableName:           aws.String(s.table),
			Item:                turnToItem(batch[i]),
			ConditionExpression: aws.String("attribute_not_exists(seq)"),
		}})
	}

	// The meta row doubles as an optimistic lock on the partition.
	meta := &types.Put{
		TableName: aws.String(s.table),
		Item: map[string]types.AttributeValue{
			"conversation_id": &types.AttributeValueMemberS{Value: conversationID},
			"seq":             numberAttr(dynamoMetaSeq),
			"last_seq":        numberAttr(last),
		},
	}
	if found {
		meta.ConditionExpression = aws.String("last_seq = :prev")
		meta.ExpressionAttributeValues = map[string]types.AttributeValue{":prev": numberAttr(prev)}
	} else {
		meta.ConditionExpression = aws.String("attribute_not_exists(seq)")
	}
	items = append(items, types.TransactWriteItem{Put: meta})

	if _, err := s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items}); err != nil {
		return fmt.Errorf("transact write: %w", err)
	}
	return nil
}

func (s *DynamoStore) lastSequence(ctx context.Context, conversationID string) (int64, bool, error) {
	res, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		ConsistentRead: aws.Bool(true),
		Key: map[string]types.AttributeValue{
			"conversation_id": &types.AttributeValueMemberS{Value: conversationID},
			"seq":             numberAttr(dynamoMetaSeq),
		},
	})
	if err != nil {
		return 0, false, fmt.Errorf("read last sequence: %w", err)
	}
	if len(res.Item) == 0 {
		return 0, false, nil
	}
	last, err := numberValue(res.Item["last_seq"])
	if err != nil {
		return 0, false, fmt.Errorf("decode last sequence: %w", err)
	}
	return last, true, nil
}

// allocateIDs reserves n consecutive ids and returns the first one.
func (s *DynamoStore) allocateIDs(ctx context.Context, n int) (int64, error) {
	res, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			"conversation_id": &types.AttributeValueMemberS{Value: dynamoCounterKey},
			"seq":             numberAttr(dynamoMetaSeq),
		},
		UpdateExpression:          aws.String("ADD next_id :n"),
		ExpressionAttributeValues: map[string]types.AttributeValue{":n": numberAttr(int64(n))},
		ReturnValues:              types.ReturnValueUpdatedNew,
	})
	if err != nil {
		return 0, fmt.Errorf("allocate ids: %w", err)
	}
	top, err := numberValue(res.Attributes["next_id"])
	if err != nil {
		return 0, fmt.Errorf("decode id counter: %w", err)
	}
	return top - int64(n) + 1, nil
}

func (s *DynamoStore) ListActive(ctx context.Context, conversationID string, limit int) ([]Turn, error) {
	all, err := s.queryTurns(ctx, conversationID, true)
	if err != nil {
		return nil, apperr.Persistence("memory.list", err)
	}
	return recentTail(all, limit), nil
}

func (s *DynamoStore) SoftDelete(ctx context.Context, conversationID string) (int, error) {
	active, err := s.queryTurns(ctx, conversationID, true)
	if err != nil {
		return 0, apperr.Persistence("memory.soft_delete", err)
	}
	return s.markDeleted(ctx, "memory.soft_delete", active)
}

func (s *DynamoStore) SoftDeleteByIDs(ctx context.Context, conversationID string, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	want := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	active, err := s.queryTurns(ctx, conversationID, true)
	if err != nil {
		return 0, apperr.Persistence("memory.soft_delete_ids", err)
	}
	selected := active[:0]
	for _, t := range active {
		if _, ok := want[t.ID]; ok {
			selected = append(selected, t)
		}
	}
	return s.markDeleted(ctx, "memory.soft_delete_ids", selected)
}

func (s *DynamoStore) SetFeedback(ctx context.Context, conversationID string, id int64, rating int, feedback string) error {
	active, err := s.queryTurns(ctx, conversationID, true)
	if err != nil {
		return apperr.Persistence("memory.feedback", err)
	}
	for _, t := range active {
		if t.ID != id {
			continue
		}
		_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName: aws.String(s.table),
			Key: map[string]types.AttributeValue{
				"conversation_id": &types.AttributeValueMemberS{Value: t.ConversationID},
				"seq":             numberAttr(t.Sequence),
			},
			UpdateExpression:    aws.String("SET rating = :rating, feedback = :feedback, modified_at = :now"),
			ConditionExpression: aws.String("lifecycle = :active"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":rating":   numberAttr(int64(rating)),
				":feedback": &types.AttributeValueMemberS{Value: feedback},
				":active":   &types.AttributeValueMemberS{Value: string(LifecycleActive)},
				":now":      &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339Nano)},
			},
		})
		var condFailed *types.ConditionalCheckFailedException
		if errors.As(err, &condFailed) {
			break
		}
		if err != nil {
			return apperr.Persistence("memory.feedback", fmt.Errorf("rate turn %d: %w", id, err))
		}
		return nil
	}
	return apperr.NotFound("memory.feedback", "turn %d not found", id)
}

func (s *DynamoStore) markDeleted(ctx context.Context, op string, turns []Turn) (int, error) {
	n := 0
	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, t := range turns {
		_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName: aws.String(s.table),
			Key: map[string]types.AttributeValue{
				"conversation_id": &types.AttributeValueMemberS{Value: t.ConversationID},
				"seq":             numberAttr(t.Sequence),
			},
			UpdateExpression:    aws.String("SET lifecycle = :deleted, modified_at = :now"),
			ConditionExpression: aws.String("lifecycle = :active"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":deleted": &types.AttributeValueMemberS{Value: string(LifecycleDeleted)},
				":active":  &types.AttributeValueMemberS{Value: string(LifecycleActive)},
				":now":     &types.AttributeValueMemberS{Value: now},
			},
		})
		var condFailed *types.ConditionalCheckFailedException
		if errors.As(err, &condFailed) {
			continue
		}
		if err != nil {
			return n, apperr.Persistence(op, fmt.Errorf("mark turn %d deleted: %w", t.ID, err))
		}
		n++
	}
	return n, nil
}

// queryTurns reads the whole partition in ascending sequence order.
func (s *DynamoStore) queryTurns(ctx context.Context, conversationID string, activeOnly bool) ([]Turn, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		ConsistentRead:         aws.Bool(true),
		KeyConditionExpression: aws.String("conversation_id = :cid AND seq > :meta"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":cid":  &types.AttributeValueMemberS{Value: conversationID},
			":meta": numberAttr(dynamoMetaSeq),
		},
		ScanIndexForward: aws.Bool(true),
	}
	if activeOnly {
		in.FilterExpression = aws.String("lifecycle = :active")
		in.ExpressionAttributeValues[":active"] = &types.AttributeValueMemberS{Value: string(LifecycleActive)}
	}

	var out []Turn
	for {
		res, err := s.client.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("query conversation %s: %w", conversationID, err)
		}
		for _, item := range res.Items {
			t, err := itemToTurn(s.logger, item)
			if err != nil {
				return nil, err
			}
			out = append(out, t)
		}
		if len(res.LastEvaluatedKey) == 0 {
			return out, nil
		}
		in.ExclusiveStartKey = res.LastEvaluatedKey
	}
}

func (s *DynamoStore) Close() error { return nil }

func turnToItem(t Turn) map[string]types.AttributeValue {
	ts := t.CreatedAt.UTC().Format(time.RFC3339Nano)
	return map[string]types.AttributeValue{
		"conversation_id": &types.AttributeValueMemberS{Value: t.ConversationID},
		"seq":             numberAttr(t.Sequence),
		"id":              numberAttr(t.ID),
		"role":            &types.AttributeValueMemberS{Value: string(t.Role)},
		"content":         &types.AttributeValueMemberS{Value: t.Text},
		"lifecycle":       &types.AttributeValueMemberS{Value: string(t.Lifecycle)},
		"creator":         &types.AttributeValueMemberS{Value: t.Creator},
		"created_at":      &types.AttributeValueMemberS{Value: ts},
		"modified_at":     &types.AttributeValueMemberS{Value: ts},
	}
}

func itemToTurn(logger *slog.Logger, item map[string]types.AttributeValue) (Turn, error) {
	var t Turn
	var err error
	if t.ID, err = numberValue(item["id"]); err != nil {
		return Turn{}, fmt.Errorf("decode turn id: %w", err)
	}
	if t.Sequence, err = numberValue(item["seq"]); err != nil {
		return Turn{}, fmt.Errorf("decode turn seq: %w", err)
	}
	t.ConversationID = stringValue(item["conversation_id"])
	t.Role = decodeRole(logger, stringValue(item["role"]))
	t.Text = stringValue(item["content"])
	t.Lifecycle = Lifecycle(stringValue(item["lifecycle"]))
	t.Creator = stringValue(item["creator"])
	t.Feedback = stringValue(item["feedback"])
	if av, ok := item["rating"]; ok {
		rating, _ := numberValue(av)
		t.Rating = int(rating)
	}
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, stringValue(item["created_at"]))
	return t, nil
}

func numberAttr(v int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
}

func numberValue(av types.AttributeValue) (int64, error) {
	n, ok := av.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("attribute is %T, want number", av)
	}
	return strconv.ParseInt(n.Value, 10, 64)
}

func stringValue(av types.AttributeValue) string {
	if s, ok := av.(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

func isTransactionConflict(err error) bool {
	var canceled *types.TransactionCanceledException
	var conflict *types.TransactionConflictException
	return errors.As(err, &canceled) || errors.As(err, &conflict)
}
