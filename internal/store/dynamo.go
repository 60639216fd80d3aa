package store

import (
	"context"
	"fmt"
	"strconv"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoAPI is the subset of the DynamoDB client the store uses.
type DynamoAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// DynamoStore reads access lists from one table and writes presence to
// another. Either table name may be empty when that role is unused.
//
// Access table items: deviceId (S, key), allowedUsers (SS or L of S),
// type (S, legacy), robotType (S). Presence table items: robotId (S, key),
// connectionId (S), status (S), ownerUserId (S), updatedAt (N, unix ms).
type DynamoStore struct {
	client        DynamoAPI
	aclTable      string
	presenceTable string
}

func NewDynamoStore(client DynamoAPI, aclTable, presenceTable string) *DynamoStore {
	return &DynamoStore{client: client, aclTable: aclTable, presenceTable: presenceTable}
}

// NewDynamoStoreFromEnv builds a client from the default AWS credential
// chain (environment, shared config, instance role).
func NewDynamoStoreFromEnv(ctx context.Context, aclTable, presenceTable string) (*DynamoStore, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewDynamoStore(dynamodb.NewFromConfig(cfg), aclTable, presenceTable), nil
}

func (s *DynamoStore) Device(ctx context.Context, deviceID string) (DeviceRecord, error) {
	if s.aclTable == "" {
		return DeviceRecord{}, ErrNotFound
	}
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: &s.aclTable,
		Key: map[string]types.AttributeValue{
			"deviceId": &types.AttributeValueMemberS{Value: deviceID},
		},
	})
	if err != nil {
		return DeviceRecord{}, fmt.Errorf("get device %s: %w", deviceID, err)
	}
	if len(out.Item) == 0 {
		return DeviceRecord{}, ErrNotFound
	}

	rec := DeviceRecord{
		DeviceID:   deviceID,
		Kind:       stringAttr(out.Item, "robotType"),
		LegacyType: stringAttr(out.Item, "type"),
	}
	switch v := out.Item["allowedUsers"].(type) {
	case *types.AttributeValueMemberSS:
		rec.AllowedUsers = append(rec.AllowedUsers, v.Value...)
	case *types.AttributeValueMemberL:
		for _, item := range v.Value {
			if s, ok := item.(*types.AttributeValueMemberS); ok {
				rec.AllowedUsers = append(rec.AllowedUsers, s.Value)
			}
		}
	}
	return rec, nil
}

func (s *DynamoStore) AllowedUsers(ctx context.Context, deviceID string) ([]string, error) {
	rec, err := s.Device(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	return rec.AllowedUsers, nil
}

func (s *DynamoStore) SavePresence(ctx context.Context, rec PresenceRecord) error {
	if s.presenceTable == "" {
		return nil
	}
	item := map[string]types.AttributeValue{
		"robotId":   &types.AttributeValueMemberS{Value: rec.DeviceID},
		"status":    &types.AttributeValueMemberS{Value: rec.Status},
		"updatedAt": &types.AttributeValueMemberN{Value: strconv.FormatInt(rec.UpdatedAt.UnixMilli(), 10)},
	}
	if rec.ConnectionID != "" {
		item["connectionId"] = &types.AttributeValueMemberS{Value: rec.ConnectionID}
	}
	if rec.OwnerSubject != "" {
		item["ownerUserId"] = &types.AttributeValueMemberS{Value: rec.OwnerSubject}
	}
	if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: &s.presenceTable,
		Item:      item,
	}); err != nil {
		return fmt.Errorf("put presence %s: %w", rec.DeviceID, err)
	}
	return nil
}

func stringAttr(item map[string]types.AttributeValue, key string) string {
	if v, ok := item[key].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}
