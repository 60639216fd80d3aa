package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceRecord_EffectiveKind(t *testing.T) {
	assert.Equal(t, "rover", DeviceRecord{Kind: "rover", LegacyType: "robot"}.EffectiveKind())
	assert.Equal(t, "robot", DeviceRecord{LegacyType: "robot"}.EffectiveKind())
	assert.Equal(t, "", DeviceRecord{}.EffectiveKind())
}

func TestMemoryStore_LoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "acl.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
devices:
  robot-1:
    kind: rover
    allowedUsers: [alice, bob]
  robot-2:
    type: arm
`), 0o600))

	s, err := LoadMemoryStore(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"robot-1", "robot-2"}, s.DeviceIDs())

	users, err := s.AllowedUsers(context.Background(), "robot-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, users)

	rec, err := s.Device(context.Background(), "robot-2")
	require.NoError(t, err)
	assert.Equal(t, "arm", rec.EffectiveKind())
	assert.Empty(t, rec.AllowedUsers)

	_, err = s.AllowedUsers(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_EmptyPath(t *testing.T) {
	s, err := LoadMemoryStore("")
	require.NoError(t, err)
	assert.Empty(t, s.DeviceIDs())
}

func TestSQLiteStore_DevicesAndPresence(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQLite(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	_, err = s.Device(ctx, "robot-1")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.PutDevice(ctx, DeviceRecord{DeviceID: "robot-1", LegacyType: "robot", AllowedUsers: []string{"bob", "alice"}}))
	rec, err := s.Device(ctx, "robot-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, rec.AllowedUsers)
	assert.Equal(t, "robot", rec.EffectiveKind())

	require.NoError(t, s.PutDevice(ctx, DeviceRecord{DeviceID: "robot-1", Kind: "rover"}))
	users, err := s.AllowedUsers(ctx, "robot-1")
	require.NoError(t, err)
	assert.Empty(t, users)

	at := time.UnixMilli(1_700_000_000_000)
	require.NoError(t, s.SavePresence(ctx, PresenceRecord{DeviceID: "robot-1", ConnectionID: "c1", Status: "online", OwnerSubject: "alice", UpdatedAt: at}))
	require.NoError(t, s.SavePresence(ctx, PresenceRecord{DeviceID: "robot-1", Status: "offline", UpdatedAt: at.Add(time.Second)}))

	p, err := s.LoadPresence(ctx, "robot-1")
	require.NoError(t, err)
	assert.Equal(t, "offline", p.Status)
	assert.Equal(t, "", p.ConnectionID)
	assert.Equal(t, "alice", p.OwnerSubject, "owner survives an offline write")
	assert.Equal(t, at.Add(time.Second).UnixMilli(), p.UpdatedAt.UnixMilli())
}

type fakeDynamo struct {
	items map[string]map[string]types.AttributeValue
	puts  []*dynamodb.PutItemInput
	err   error
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	key := in.Key["deviceId"].(*types.AttributeValueMemberS).Value
	return &dynamodb.GetItemOutput{Item: f.items[key]}, nil
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.puts = append(f.puts, in)
	return &dynamodb.PutItemOutput{}, nil
}

func TestDynamoStore_Device(t *testing.T) {
	fake := &fakeDynamo{items: map[string]map[string]types.AttributeValue{
		"robot-1": {
			"deviceId":     &types.AttributeValueMemberS{Value: "robot-1"},
			"allowedUsers": &types.AttributeValueMemberSS{Value: []string{"alice"}},
			"type":         &types.AttributeValueMemberS{Value: "robot"},
			"robotType":    &types.AttributeValueMemberS{Value: "rover"},
		},
		"robot-2": {
			"deviceId": &types.AttributeValueMemberS{Value: "robot-2"},
			"allowedUsers": &types.AttributeValueMemberL{Value: []types.AttributeValue{
				&types.AttributeValueMemberS{Value: "bob"},
			}},
		},
	}}
	s := NewDynamoStore(fake, "acl", "presence")
	ctx := context.Background()

	rec, err := s.Device(ctx, "robot-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, rec.AllowedUsers)
	assert.Equal(t, "rover", rec.EffectiveKind())

	users, err := s.AllowedUsers(ctx, "robot-2")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, users)

	_, err = s.Device(ctx, "robot-3")
	assert.ErrorIs(t, err, ErrNotFound)

	fake.err = errors.New("throttled")
	_, err = s.Device(ctx, "robot-1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestDynamoStore_SavePresence(t *testing.T) {
	fake := &fakeDynamo{}
	s := NewDynamoStore(fake, "acl", "RobotPresenceTable")
	at := time.UnixMilli(1_700_000_000_000)

	require.NoError(t, s.SavePresence(context.Background(), PresenceRecord{
		DeviceID: "robot-1", ConnectionID: "c1", Status: "online", OwnerSubject: "alice", UpdatedAt: at,
	}))
	require.Len(t, fake.puts, 1)
	put := fake.puts[0]
	assert.Equal(t, "RobotPresenceTable", *put.TableName)
	assert.Equal(t, "robot-1", put.Item["robotId"].(*types.AttributeValueMemberS).Value)
	assert.Equal(t, "c1", put.Item["connectionId"].(*types.AttributeValueMemberS).Value)
	assert.Equal(t, "alice", put.Item["ownerUserId"].(*types.AttributeValueMemberS).Value)
	assert.Equal(t, strconv.FormatInt(at.UnixMilli(), 10), put.Item["updatedAt"].(*types.AttributeValueMemberN).Value)

	require.NoError(t, s.SavePresence(context.Background(), PresenceRecord{DeviceID: "robot-1", Status: "offline", UpdatedAt: at}))
	assert.NotContains(t, fake.puts[1].Item, "connectionId")
}

type countingReader struct {
	*MemoryStore
	calls int
}

func (c *countingReader) Device(ctx context.Context, deviceID string) (DeviceRecord, error) {
	c.calls++
	return c.MemoryStore.Device(ctx, deviceID)
}

func TestCachedReader(t *testing.T) {
	mem := NewMemoryStore()
	mem.Put(DeviceRecord{DeviceID: "robot-1", AllowedUsers: []string{"alice"}})
	next := &countingReader{MemoryStore: mem}
	c := NewCachedReader(next, 16, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		users, err := c.AllowedUsers(ctx, "robot-1")
		require.NoError(t, err)
		assert.Equal(t, []string{"alice"}, users)
	}
	assert.Equal(t, 1, next.calls)

	for i := 0; i < 2; i++ {
		_, err := c.AllowedUsers(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	}
	assert.Equal(t, 2, next.calls, "misses are cached")

	mem.Put(DeviceRecord{DeviceID: "robot-1", AllowedUsers: []string{"bob"}})
	c.Invalidate("robot-1")
	users, err := c.AllowedUsers(ctx, "robot-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, users)
}
