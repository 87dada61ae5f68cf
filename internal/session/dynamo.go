package session

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// dynamoSessionPartition is the transcript-table partition holding sessions.
const dynamoSessionPartition = "#sessions"

// DynamoAPI is the part of the DynamoDB client the session store uses.
type DynamoAPI interface {
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// DynamoStore keeps sessions in one partition of the transcript table, one
// item per session, sorted by a hash of the session ID.
type DynamoStore struct {
	client DynamoAPI
	table  string
}

func NewDynamoStore(client DynamoAPI, table string) *DynamoStore {
	return &DynamoStore{client: client, table: table}
}

func (s *DynamoStore) Save(ctx context.Context, sess *Session) error {
	body, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", sess.ID, err)
	}
	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.table),
		Key:              sessionKey(sess.ID),
		UpdateExpression: aws.String("SET session_id = :id, body = :body"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":id":   &types.AttributeValueMemberS{Value: sess.ID},
			":body": &types.AttributeValueMemberS{Value: string(body)},
		},
	})
	if err != nil {
		return fmt.Errorf("save session %s: %w", sess.ID, err)
	}
	return nil
}

func (s *DynamoStore) LoadAll(ctx context.Context) ([]*Session, error) {
	var (
		out   []*Session
		start map[string]types.AttributeValue
	)
	for {
		page, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.table),
			KeyConditionExpression: aws.String("conversation_id = :cid"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":cid": &types.AttributeValueMemberS{Value: dynamoSessionPartition},
			},
			ExclusiveStartKey: start,
		})
		if err != nil {
			return nil, fmt.Errorf("query sessions: %w", err)
		}
		for _, item := range page.Items {
			raw, ok := item["body"].(*types.AttributeValueMemberS)
			if !ok {
				continue
			}
			var sess Session
			if err := json.Unmarshal([]byte(raw.Value), &sess); err != nil {
				return nil, fmt.Errorf("decode session: %w", err)
			}
			out = append(out, &sess)
		}
		if len(page.LastEvaluatedKey) == 0 {
			return out, nil
		}
		start = page.LastEvaluatedKey
	}
}

func sessionKey(id string) map[string]types.AttributeValue {
	h := fnv.New64a()
	_, _ = h.Write([]byte(id))
	// Positive and never zero: seq 0 is the partition's metadata row.
	seq := int64(h.Sum64()>>2) + 1
	return map[string]types.AttributeValue{
		"conversation_id": &types.AttributeValueMemberS{Value: dynamoSessionPartition},
		"seq":             &types.AttributeValueMemberN{Value: fmt.Sprint(seq)},
	}
}
