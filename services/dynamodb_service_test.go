package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"chathub/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDynamo records requests and replays canned responses.
type fakeDynamo struct {
	created     []string
	createErr   error
	getItem     map[string]types.AttributeValue
	queryPages  []*dynamodb.QueryOutput
	scanPages   []*dynamodb.ScanOutput
	scans       []*dynamodb.ScanInput
	updates     []*dynamodb.UpdateItemInput
	updateOut   *dynamodb.UpdateItemOutput
	updateErr   error
	deletes     []*dynamodb.DeleteItemInput
	deleteErr   error
	batches     []*dynamodb.BatchWriteItemInput
	transacts   []*dynamodb.TransactWriteItemsInput
	transactErr []error
}

func (f *fakeDynamo) CreateTable(_ context.Context, in *dynamodb.CreateTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	f.created = append(f.created, aws.ToString(in.TableName))
	return &dynamodb.CreateTableOutput{}, f.createErr
}

func (f *fakeDynamo) GetItem(_ context.Context, _ *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	return &dynamodb.GetItemOutput{Item: f.getItem}, nil
}

func (f *fakeDynamo) Query(_ context.Context, _ *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	if len(f.queryPages) == 0 {
		return &dynamodb.QueryOutput{}, nil
	}
	page := f.queryPages[0]
	f.queryPages = f.queryPages[1:]
	return page, nil
}

func (f *fakeDynamo) Scan(_ context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.scans = append(f.scans, in)
	if len(f.scanPages) == 0 {
		return &dynamodb.ScanOutput{}, nil
	}
	page := f.scanPages[0]
	f.scanPages = f.scanPages[1:]
	return page, nil
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.updates = append(f.updates, in)
	if f.updateOut == nil {
		return &dynamodb.UpdateItemOutput{}, f.updateErr
	}
	return f.updateOut, f.updateErr
}

func (f *fakeDynamo) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.deletes = append(f.deletes, in)
	return &dynamodb.DeleteItemOutput{}, f.deleteErr
}

func (f *fakeDynamo) BatchWriteItem(_ context.Context, in *dynamodb.BatchWriteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	f.batches = append(f.batches, in)
	return &dynamodb.BatchWriteItemOutput{}, nil
}

func (f *fakeDynamo) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	f.transacts = append(f.transacts, in)
	var err error
	if len(f.transactErr) > 0 {
		err = f.transactErr[0]
		f.transactErr = f.transactErr[1:]
	}
	return &dynamodb.TransactWriteItemsOutput{}, err
}

func conversationItem(id string, userID int64, updated time.Time, count int64) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"ConversationID": str(id),
		"UserID":         num(userID),
		"Title":          str("title " + id),
		"Model":          str("qwen"),
		"CreatedAt":      str(formatDynamoTime(updated.Add(-time.Hour))),
		"UpdatedAt":      str(formatDynamoTime(updated)),
		"MessageCount":   num(count),
	}
}

func TestDynamoStore_EnsureTables(t *testing.T) {
	fake := &fakeDynamo{}
	store := NewDynamoStore(fake, "test_", nil)

	require.NoError(t, store.EnsureTables(context.Background()))
	assert.Equal(t, []string{"test_conversations", "test_messages"}, fake.created)

	fake.createErr = &types.ResourceInUseException{Message: aws.String("exists")}
	assert.NoError(t, store.EnsureTables(context.Background()))

	fake.createErr = errors.New("boom")
	assert.Error(t, store.EnsureTables(context.Background()))
}

func TestDynamoStore_FindConversation(t *testing.T) {
	fake := &fakeDynamo{}
	store := NewDynamoStore(fake, "", nil)

	_, err := store.FindConversation(context.Background(), "c-1")
	assert.ErrorIs(t, err, ErrNotFound)

	at := time.Date(2025, 3, 1, 10, 0, 0, 123, time.UTC)
	fake.getItem = conversationItem("c-1", 7, at, 3)
	conv, err := store.FindConversation(context.Background(), "c-1")
	require.NoError(t, err)
	assert.Equal(t, "c-1", conv.ConversationID)
	assert.Equal(t, int64(7), conv.UserID)
	assert.Equal(t, "qwen", conv.Model)
	assert.True(t, conv.UpdatedAt.Equal(at))
}

func TestDynamoStore_CommitBuildsOneTransaction(t *testing.T) {
	fake := &fakeDynamo{}
	store := NewDynamoStore(fake, "", nil)
	at := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	uow := store.Begin()
	uow.CreateConversation(&models.Conversation{UserID: 7, ConversationID: "c-1", Title: "hi", Model: "qwen", CreatedAt: at, UpdatedAt: at})
	user := &models.Message{ConversationID: "c-1", Role: models.RoleUser, Content: "hi", Timestamp: at}
	uow.AppendMessage(user)
	uow.TouchUpdated("c-1", at)
	require.NoError(t, uow.Commit(context.Background()))
	assert.Error(t, uow.Commit(context.Background()))

	require.Len(t, fake.transacts, 1)
	items := fake.transacts[0].TransactItems
	require.Len(t, items, 2)

	put := items[0].Put
	require.NotNil(t, put)
	assert.Equal(t, "messages", aws.ToString(put.TableName))
	assert.NotZero(t, user.ID)
	assert.Equal(t, num(user.ID), put.Item["Seq"])
	_, hasReasoning := put.Item["Reasoning"]
	assert.False(t, hasReasoning)

	upd := items[1].Update
	require.NotNil(t, upd)
	assert.Equal(t, "conversations", aws.ToString(upd.TableName))
	expr := aws.ToString(upd.UpdateExpression)
	assert.Contains(t, expr, "Title = if_not_exists(Title, :title)")
	assert.Contains(t, expr, "UpdatedAt = :at")
	assert.Contains(t, expr, "ADD MessageCount :n")
	assert.Equal(t, num(1), upd.ExpressionAttributeValues[":n"])
	assert.Contains(t, aws.ToString(upd.ConditionExpression), "UpdatedAt <= :at")
}

func TestDynamoStore_CommitRetriesWithoutStaleTouch(t *testing.T) {
	canceled := &types.TransactionCanceledException{
		Message: aws.String("canceled"),
		CancellationReasons: []types.CancellationReason{
			{Code: aws.String("None")},
			{Code: aws.String("ConditionalCheckFailed")},
		},
	}
	fake := &fakeDynamo{transactErr: []error{canceled}}
	store := NewDynamoStore(fake, "", nil)
	at := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	reasoning := "r"

	uow := store.Begin()
	uow.AppendMessage(&models.Message{ConversationID: "c-1", Role: models.RoleAssistant, Content: "a", Reasoning: &reasoning, Timestamp: at})
	uow.TouchUpdated("c-1", at)
	require.NoError(t, uow.Commit(context.Background()))

	require.Len(t, fake.transacts, 2)
	// the retry carries only the message
	retry := fake.transacts[1].TransactItems
	require.Len(t, retry, 1)
	require.NotNil(t, retry[0].Put)
	assert.Equal(t, str("r"), retry[0].Put.Item["Reasoning"])
}

func TestDynamoStore_CommitRetriesSeqCollision(t *testing.T) {
	collided := &types.TransactionCanceledException{
		Message: aws.String("canceled"),
		CancellationReasons: []types.CancellationReason{
			{Code: aws.String("ConditionalCheckFailed")},
			{Code: aws.String("None")},
			{Code: aws.String("None")},
		},
	}
	fake := &fakeDynamo{transactErr: []error{collided}}
	store := NewDynamoStore(fake, "", nil)
	at := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	uow := store.Begin()
	user := &models.Message{ConversationID: "c-1", Role: models.RoleUser, Content: "q", Timestamp: at}
	reply := &models.Message{ConversationID: "c-1", Role: models.RoleAssistant, Content: "a", Timestamp: at}
	uow.AppendMessage(user)
	uow.AppendMessage(reply)
	uow.TouchUpdated("c-1", at)
	require.NoError(t, uow.Commit(context.Background()))

	require.Len(t, fake.transacts, 2)
	first, retry := fake.transacts[0].TransactItems, fake.transacts[1].TransactItems
	require.Len(t, retry, 3)
	assert.NotEqual(t, first[0].Put.Item["Seq"], retry[0].Put.Item["Seq"])
	assert.NotNil(t, retry[2].Update, "the touch is kept")

	assert.Equal(t, num(user.ID), retry[0].Put.Item["Seq"])
	assert.Equal(t, user.ID+1, reply.ID)
	assert.Equal(t, at.UnixMicro(), user.ID/1000)
	assert.Equal(t, at.UnixMicro(), reply.ID/1000)
}

func TestDynamoStore_CommitGivesUpAfterRepeatedCollisions(t *testing.T) {
	collided := &types.TransactionCanceledException{
		Message:             aws.String("canceled"),
		CancellationReasons: []types.CancellationReason{{Code: aws.String("ConditionalCheckFailed")}},
	}
	fake := &fakeDynamo{transactErr: []error{collided, collided, collided, collided}}
	store := NewDynamoStore(fake, "", nil)

	uow := store.Begin()
	uow.AppendMessage(&models.Message{ConversationID: "c-1", Role: models.RoleUser, Content: "q", Timestamp: time.Now()})
	err := uow.Commit(context.Background())
	var canceled *types.TransactionCanceledException
	assert.ErrorAs(t, err, &canceled)
	assert.Len(t, fake.transacts, maxCommitAttempts)
}

func TestDynamoStore_CommitSurfacesOtherErrors(t *testing.T) {
	fake := &fakeDynamo{transactErr: []error{errors.New("throttled")}}
	store := NewDynamoStore(fake, "", nil)

	uow := store.Begin()
	uow.TouchUpdated("c-1", time.Now())
	assert.Error(t, uow.Commit(context.Background()))
	assert.Len(t, fake.transacts, 1)
}

func TestDynamoStore_ListConversationsSortsByUpdated(t *testing.T) {
	t0 := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	fake := &fakeDynamo{scanPages: []*dynamodb.ScanOutput{
		{
			Items:            []map[string]types.AttributeValue{conversationItem("old", 7, t0, 1)},
			LastEvaluatedKey: map[string]types.AttributeValue{"ConversationID": str("old")},
		},
		{Items: []map[string]types.AttributeValue{conversationItem("new", 7, t0.Add(time.Hour), 4)}},
	}}
	store := NewDynamoStore(fake, "", nil)

	convs, err := store.ListConversations(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, "new", convs[0].ConversationID)
	assert.Equal(t, 4, convs[0].MessageCount)
	assert.Equal(t, "old", convs[1].ConversationID)
	require.Len(t, fake.scans, 2)
	assert.NotNil(t, fake.scans[1].ExclusiveStartKey)
}

func TestDynamoStore_ListMessagesDecodesReasoning(t *testing.T) {
	at := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	fake := &fakeDynamo{queryPages: []*dynamodb.QueryOutput{{Items: []map[string]types.AttributeValue{
		encodeMessage(&models.Message{ID: 1, ConversationID: "c-1", Role: models.RoleUser, Content: "q", Timestamp: at}),
		encodeMessage(&models.Message{ID: 2, ConversationID: "c-1", Role: models.RoleAssistant, Content: "a", Reasoning: aws.String("r"), Timestamp: at}),
	}}}}
	store := NewDynamoStore(fake, "", nil)

	msgs, err := store.ListMessages(context.Background(), "c-1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Nil(t, msgs[0].Reasoning)
	require.NotNil(t, msgs[1].Reasoning)
	assert.Equal(t, "r", *msgs[1].Reasoning)
	assert.Equal(t, int64(2), msgs[1].ID)
	assert.True(t, msgs[1].Timestamp.Equal(at))
}

func TestDynamoStore_ListLegacyMessagesTreatsBlankReasoningAsMissing(t *testing.T) {
	legacy := func(seq int64, reasoning *string) map[string]types.AttributeValue {
		m := &models.Message{ID: seq, ConversationID: "c-1", Role: models.RoleAssistant,
			Content: "a\n\n[推理过程]\nb", Reasoning: reasoning, Timestamp: time.Now()}
		return encodeMessage(m)
	}
	empty, blank, split := "", "  \n", "already split"
	fake := &fakeDynamo{scanPages: []*dynamodb.ScanOutput{
		{Items: []map[string]types.AttributeValue{legacy(1, nil), legacy(2, &empty)},
			LastEvaluatedKey: map[string]types.AttributeValue{"Seq": num(2)}},
		{Items: []map[string]types.AttributeValue{legacy(3, &blank), legacy(4, &split)}},
	}}
	store := NewDynamoStore(fake, "", nil)

	msgs, err := store.ListLegacyMessages(context.Background())
	require.NoError(t, err)
	ids := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []int64{1, 2, 3}, ids)

	require.Len(t, fake.scans, 2)
	filter := aws.ToString(fake.scans[0].FilterExpression)
	assert.NotContains(t, filter, "attribute_not_exists(Reasoning)")
	assert.Contains(t, filter, "contains(#c, :marker)")
}

func TestDynamoStore_RenameUnknownIsNotFound(t *testing.T) {
	fake := &fakeDynamo{updateErr: &types.ConditionalCheckFailedException{Message: aws.String("missing")}}
	store := NewDynamoStore(fake, "", nil)

	_, err := store.RenameConversation(context.Background(), "missing", "x", time.Now())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDynamoStore_UpdateMessageSplit(t *testing.T) {
	fake := &fakeDynamo{}
	store := NewDynamoStore(fake, "", nil)

	require.NoError(t, store.UpdateMessageSplit(context.Background(), &models.Message{ID: 5, ConversationID: "c-1", Content: "a"}))
	require.NoError(t, store.UpdateMessageSplit(context.Background(), &models.Message{ID: 5, ConversationID: "c-1", Content: "a", Reasoning: aws.String("r")}))

	require.Len(t, fake.updates, 2)
	assert.True(t, strings.HasSuffix(aws.ToString(fake.updates[0].UpdateExpression), "REMOVE Reasoning"))
	assert.Equal(t, str("r"), fake.updates[1].ExpressionAttributeValues[":reasoning"])
}

func TestDynamoStore_DeleteConversationBatchesMessages(t *testing.T) {
	at := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	var items []map[string]types.AttributeValue
	for i := 0; i < 30; i++ {
		items = append(items, encodeMessage(&models.Message{ID: int64(i), ConversationID: "c-1", Role: models.RoleUser, Content: "q", Timestamp: at}))
	}
	fake := &fakeDynamo{queryPages: []*dynamodb.QueryOutput{{Items: items}}}
	store := NewDynamoStore(fake, "", nil)

	require.NoError(t, store.DeleteConversation(context.Background(), "c-1"))
	require.Len(t, fake.batches, 2)
	assert.Len(t, fake.batches[0].RequestItems["messages"], 25)
	assert.Len(t, fake.batches[1].RequestItems["messages"], 5)
	require.Len(t, fake.deletes, 1)

	fake.deleteErr = &types.ConditionalCheckFailedException{Message: aws.String("missing")}
	assert.ErrorIs(t, store.DeleteConversation(context.Background(), "c-2"), ErrNotFound)
}
