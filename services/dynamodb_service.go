package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"strconv"
	"strings"
	"time"

	"chathub/config"
	"chathub/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Fixed width so that string comparison orders timestamps.
const dynamoTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// DynamoAPI is the subset of the DynamoDB client the store uses.
type DynamoAPI interface {
	CreateTable(ctx context.Context, in *dynamodb.CreateTableInput, opts ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, opts ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, opts ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// NewDynamoDBClient builds a client for cfg. A configured endpoint means a
// local DynamoDB, which accepts any static credentials.
func NewDynamoDBClient(ctx context.Context, cfg config.DynamoDBConfig) (*dynamodb.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{URL: cfg.Endpoint}, nil
		})
		opts = append(opts,
			awsconfig.WithEndpointResolverWithOptions(resolver),
			awsconfig.WithCredentialsProvider(credentials.StaticCredentialsProvider{
				Value: aws.Credentials{AccessKeyID: "dummy", SecretAccessKey: "dummy", SessionToken: "dummy"},
			}),
		)
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return dynamodb.NewFromConfig(awsCfg), nil
}

// DynamoStore keeps conversations and messages in two DynamoDB tables.
// Messages are keyed by (ConversationID, Seq).
type DynamoStore struct {
	db                 DynamoAPI
	conversationsTable string
	messagesTable      string
	logger             *slog.Logger
}

var _ ChatStore = (*DynamoStore)(nil)

func NewDynamoStore(db DynamoAPI, tablePrefix string, logger *slog.Logger) *DynamoStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &DynamoStore{
		db:                 db,
		conversationsTable: tablePrefix + "conversations",
		messagesTable:      tablePrefix + "messages",
		logger:             logger.With("component", "dynamodb"),
	}
}

// EnsureTables creates the tables if they do not exist yet.
func (s *DynamoStore) EnsureTables(ctx context.Context) error {
	tables := []*dynamodb.CreateTableInput{
		{
			TableName: aws.String(s.conversationsTable),
			AttributeDefinitions: []types.AttributeDefinition{
				{AttributeName: aws.String("ConversationID"), AttributeType: types.ScalarAttributeTypeS},
			},
			KeySchema: []types.KeySchemaElement{
				{AttributeName: aws.String("ConversationID"), KeyType: types.KeyTypeHash},
			},
			BillingMode: types.BillingModePayPerRequest,
		},
		{
			TableName: aws.String(s.messagesTable),
			AttributeDefinitions: []types.AttributeDefinition{
				{AttributeName: aws.String("ConversationID"), AttributeType: types.ScalarAttributeTypeS},
				{AttributeName: aws.String("Seq"), AttributeType: types.ScalarAttributeTypeN},
			},
			KeySchema: []types.KeySchemaElement{
				{AttributeName: aws.String("ConversationID"), KeyType: types.KeyTypeHash},
				{AttributeName: aws.String("Seq"), KeyType: types.KeyTypeRange},
			},
			BillingMode: types.BillingModePayPerRequest,
		},
	}
	for _, in := range tables {
		_, err := s.db.CreateTable(ctx, in)
		var inUse *types.ResourceInUseException
		if errors.As(err, &inUse) {
			continue
		}
		if err != nil {
			return fmt.Errorf("create table %s: %w", aws.ToString(in.TableName), err)
		}
		s.logger.Info("created table", "table", aws.ToString(in.TableName))
	}
	return nil
}

func (s *DynamoStore) FindConversation(ctx context.Context, conversationID string) (*models.Conversation, error) {
	out, err := s.db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.conversationsTable),
		Key:            map[string]types.AttributeValue{"ConversationID": str(conversationID)},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, ErrNotFound
	}
	conv, _ := decodeConversation(out.Item)
	return &conv, nil
}

func (s *DynamoStore) Begin() UnitOfWork {
	return &dynamoUnit{store: s}
}

type dynamoUnit struct {
	pendingWrites
	store *DynamoStore
}

func (u *dynamoUnit) Commit(ctx context.Context) error {
	if u.done {
		return errors.New("unit of work already finished")
	}
	defer func() { u.done = true }()
	if u.empty() {
		return nil
	}

	slot := rand.Int63n(seqSlots)
	withTouch := true
	for attempt := 1; ; attempt++ {
		u.assignSeqs(slot)
		items, touchIdx := u.transactItems(withTouch)
		_, err := u.store.db.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})

		var canceled *types.TransactionCanceledException
		if attempt < maxCommitAttempts && errors.As(err, &canceled) {
			retry := false
			// A newer turn already moved UpdatedAt forward; keep it and write the rest.
			if touchConditionFailed(canceled, touchIdx) {
				withTouch, retry = false, true
			}
			// Another turn took the same Seq in the same microsecond.
			if seqConflict(canceled, len(u.messages)) {
				slot = (slot + 1 + rand.Int63n(seqSlots-1)) % seqSlots
				retry = true
			}
			if retry {
				continue
			}
		}
		if err != nil {
			return fmt.Errorf("transact write: %w", err)
		}
		return nil
	}
}

// Seq is UnixMicro*1000 + slot*10 + position. A unit holds fewer than ten
// messages, so Seqs of one unit stay ordered and inside their microsecond.
const (
	seqSlots          = 100
	maxCommitAttempts = 3
)

func (u *dynamoUnit) assignSeqs(slot int64) {
	for i, m := range u.messages {
		m.ID = m.Timestamp.UnixMicro()*1000 + slot*10 + int64(i)
	}
}

// transactItems builds one Put per message and one Update per touched
// conversation. touchIdx lists the positions of updates that carry the
// UpdatedAt condition.
func (u *dynamoUnit) transactItems(withTouch bool) ([]types.TransactWriteItem, []int) {
	var items []types.TransactWriteItem
	for _, m := range u.messages {
		items = append(items, types.TransactWriteItem{Put: &types.Put{
			TableName:           aws.String(u.store.messagesTable),
			Item:                encodeMessage(m),
			ConditionExpression: aws.String("attribute_not_exists(Seq)"),
		}})
	}

	ids := map[string]bool{}
	var order []string
	add := func(id string) {
		if !ids[id] {
			ids[id] = true
			order = append(order, id)
		}
	}
	if u.conversation != nil {
		add(u.conversation.ConversationID)
	}
	for _, m := range u.messages {
		add(m.ConversationID)
	}
	for _, t := range u.touches {
		add(t.conversationID)
	}

	var touchIdx []int
	for _, id := range order {
		upd, touched := u.conversationUpdate(id, withTouch)
		if upd == nil {
			continue
		}
		if touched {
			touchIdx = append(touchIdx, len(items))
		}
		items = append(items, types.TransactWriteItem{Update: upd})
	}
	return items, touchIdx
}

func (u *dynamoUnit) conversationUpdate(id string, withTouch bool) (*types.Update, bool) {
	var sets []string
	values := map[string]types.AttributeValue{}

	var touchAt time.Time
	for _, t := range u.touches {
		if t.conversationID == id && t.at.After(touchAt) {
			touchAt = t.at
		}
	}
	touched := withTouch && !touchAt.IsZero()

	if c := u.conversation; c != nil && c.ConversationID == id {
		sets = append(sets,
			"UserID = if_not_exists(UserID, :uid)",
			"Title = if_not_exists(Title, :title)",
			"Model = if_not_exists(Model, :model)",
			"CreatedAt = if_not_exists(CreatedAt, :created)",
		)
		values[":uid"] = num(c.UserID)
		values[":title"] = str(c.Title)
		values[":model"] = str(c.Model)
		values[":created"] = str(formatDynamoTime(c.CreatedAt))
		if !touched {
			sets = append(sets, "UpdatedAt = if_not_exists(UpdatedAt, :created)")
		}
	}

	var cond *string
	if touched {
		sets = append(sets, "UpdatedAt = :at")
		values[":at"] = str(formatDynamoTime(touchAt))
		cond = aws.String("attribute_not_exists(UpdatedAt) OR UpdatedAt <= :at")
	}

	userMsgs := 0
	for _, m := range u.messages {
		if m.ConversationID == id && m.Role == models.RoleUser {
			userMsgs++
		}
	}

	var expr []string
	if len(sets) > 0 {
		expr = append(expr, "SET "+strings.Join(sets, ", "))
	}
	if userMsgs > 0 {
		expr = append(expr, "ADD MessageCount :n")
		values[":n"] = num(int64(userMsgs))
	}
	if len(expr) == 0 {
		return nil, false
	}

	return &types.Update{
		TableName:                 aws.String(u.store.conversationsTable),
		Key:                       map[string]types.AttributeValue{"ConversationID": str(id)},
		UpdateExpression:          aws.String(strings.Join(expr, " ")),
		ConditionExpression:       cond,
		ExpressionAttributeValues: values,
	}, touched
}

// seqConflict reports whether one of the message Puts, which come first in
// the transaction, failed its attribute_not_exists(Seq) condition.
func seqConflict(e *types.TransactionCanceledException, messages int) bool {
	for i := 0; i < messages && i < len(e.CancellationReasons); i++ {
		if aws.ToString(e.CancellationReasons[i].Code) == "ConditionalCheckFailed" {
			return true
		}
	}
	return false
}

func touchConditionFailed(e *types.TransactionCanceledException, touchIdx []int) bool {
	for _, i := range touchIdx {
		if i < len(e.CancellationReasons) && aws.ToString(e.CancellationReasons[i].Code) == "ConditionalCheckFailed" {
			return true
		}
	}
	return false
}

func (s *DynamoStore) ListConversations(ctx context.Context, userID int64) ([]models.ConversationSummary, error) {
	out := make([]models.ConversationSummary, 0)
	var startKey map[string]types.AttributeValue
	for {
		page, err := s.db.Scan(ctx, &dynamodb.ScanInput{
			TableName:                 aws.String(s.conversationsTable),
			FilterExpression:          aws.String("UserID = :uid"),
			ExpressionAttributeValues: map[string]types.AttributeValue{":uid": num(userID)},
			ExclusiveStartKey:         startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("scan conversations: %w", err)
		}
		for _, item := range page.Items {
			conv, count := decodeConversation(item)
			out = append(out, models.ConversationSummary{Conversation: conv, MessageCount: count})
		}
		if len(page.LastEvaluatedKey) == 0 {
			break
		}
		startKey = page.LastEvaluatedKey
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (s *DynamoStore) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	out := make([]models.Message, 0)
	var startKey map[string]types.AttributeValue
	for {
		page, err := s.db.Query(ctx, &dynamodb.QueryInput{
			TableName:                 aws.String(s.messagesTable),
			KeyConditionExpression:    aws.String("ConversationID = :cid"),
			ExpressionAttributeValues: map[string]types.AttributeValue{":cid": str(conversationID)},
			ScanIndexForward:          aws.Bool(true),
			ConsistentRead:            aws.Bool(true),
			ExclusiveStartKey:         startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("query messages: %w", err)
		}
		for _, item := range page.Items {
			out = append(out, decodeMessage(item))
		}
		if len(page.LastEvaluatedKey) == 0 {
			break
		}
		startKey = page.LastEvaluatedKey
	}
	return out, nil
}

func (s *DynamoStore) ListLegacyMessages(ctx context.Context) ([]models.Message, error) {
	out := make([]models.Message, 0)
	var startKey map[string]types.AttributeValue
	for {
		page, err := s.db.Scan(ctx, &dynamodb.ScanInput{
			TableName:        aws.String(s.messagesTable),
			FilterExpression: aws.String("#r = :assistant AND contains(#c, :marker)"),
			ExpressionAttributeNames: map[string]string{
				"#r": "Role",
				"#c": "Content",
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":assistant": str(models.RoleAssistant),
				":marker":    str(legacyReasoningBareToken),
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("scan legacy messages: %w", err)
		}
		// Blank reasoning counts as missing, as in the SQL store. A filter
		// expression cannot trim, so this check happens here.
		for _, item := range page.Items {
			m := decodeMessage(item)
			if m.Reasoning != nil && strings.TrimSpace(*m.Reasoning) != "" {
				continue
			}
			out = append(out, m)
		}
		if len(page.LastEvaluatedKey) == 0 {
			break
		}
		startKey = page.LastEvaluatedKey
	}
	return out, nil
}

func (s *DynamoStore) UpdateMessageSplit(ctx context.Context, msg *models.Message) error {
	in := &dynamodb.UpdateItemInput{
		TableName: aws.String(s.messagesTable),
		Key: map[string]types.AttributeValue{
			"ConversationID": str(msg.ConversationID),
			"Seq":            num(msg.ID),
		},
		ExpressionAttributeNames:  map[string]string{"#c": "Content"},
		ExpressionAttributeValues: map[string]types.AttributeValue{":content": str(msg.Content)},
	}
	if msg.Reasoning != nil {
		in.UpdateExpression = aws.String("SET #c = :content, Reasoning = :reasoning")
		in.ExpressionAttributeValues[":reasoning"] = str(*msg.Reasoning)
	} else {
		in.UpdateExpression = aws.String("SET #c = :content REMOVE Reasoning")
	}
	if _, err := s.db.UpdateItem(ctx, in); err != nil {
		return fmt.Errorf("update message %d: %w", msg.ID, err)
	}
	return nil
}

func (s *DynamoStore) RenameConversation(ctx context.Context, conversationID, title string, at time.Time) (*models.Conversation, error) {
	out, err := s.db.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.conversationsTable),
		Key:                 map[string]types.AttributeValue{"ConversationID": str(conversationID)},
		UpdateExpression:    aws.String("SET Title = :title, UpdatedAt = :at"),
		ConditionExpression: aws.String("attribute_exists(ConversationID)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":title": str(title),
			":at":    str(formatDynamoTime(at)),
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	var condErr *types.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("rename conversation: %w", err)
	}
	conv, _ := decodeConversation(out.Attributes)
	return &conv, nil
}

func (s *DynamoStore) DeleteConversation(ctx context.Context, conversationID string) error {
	msgs, err := s.ListMessages(ctx, conversationID)
	if err != nil {
		return err
	}

	const batchSize = 25
	for start := 0; start < len(msgs); start += batchSize {
		end := min(start+batchSize, len(msgs))
		reqs := make([]types.WriteRequest, 0, end-start)
		for _, m := range msgs[start:end] {
			reqs = append(reqs, types.WriteRequest{DeleteRequest: &types.DeleteRequest{
				Key: map[string]types.AttributeValue{
					"ConversationID": str(conversationID),
					"Seq":            num(m.ID),
				},
			}})
		}
		pending := map[string][]types.WriteRequest{s.messagesTable: reqs}
		for attempt := 0; len(pending) > 0 && attempt < 5; attempt++ {
			out, err := s.db.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
			if err != nil {
				return fmt.Errorf("delete messages: %w", err)
			}
			pending = out.UnprocessedItems
		}
		if len(pending) > 0 {
			return fmt.Errorf("delete messages: %d requests left unprocessed", len(pending[s.messagesTable]))
		}
	}

	_, err = s.db.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(s.conversationsTable),
		Key:                 map[string]types.AttributeValue{"ConversationID": str(conversationID)},
		ConditionExpression: aws.String("attribute_exists(ConversationID)"),
	})
	var condErr *types.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return nil
}

// --- item codec ---

func str(v string) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: v}
}

func num(v int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
}

func formatDynamoTime(t time.Time) string {
	return t.UTC().Format(dynamoTimeLayout)
}

func getS(item map[string]types.AttributeValue, key string) (string, bool) {
	v, ok := item[key].(*types.AttributeValueMemberS)
	if !ok {
		return "", false
	}
	return v.Value, true
}

func getN(item map[string]types.AttributeValue, key string) int64 {
	v, ok := item[key].(*types.AttributeValueMemberN)
	if !ok {
		return 0
	}
	n, _ := strconv.ParseInt(v.Value, 10, 64)
	return n
}

func getTime(item map[string]types.AttributeValue, key string) time.Time {
	s, _ := getS(item, key)
	t, _ := time.Parse(dynamoTimeLayout, s)
	return t.UTC()
}

func encodeMessage(m *models.Message) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"ConversationID": str(m.ConversationID),
		"Seq":            num(m.ID),
		"Role":           str(m.Role),
		"Content":        str(m.Content),
		"Timestamp":      str(formatDynamoTime(m.Timestamp)),
	}
	if m.Reasoning != nil {
		item["Reasoning"] = str(*m.Reasoning)
	}
	return item
}

func decodeMessage(item map[string]types.AttributeValue) models.Message {
	m := models.Message{
		ID:        getN(item, "Seq"),
		Timestamp: getTime(item, "Timestamp"),
	}
	m.ConversationID, _ = getS(item, "ConversationID")
	m.Role, _ = getS(item, "Role")
	m.Content, _ = getS(item, "Content")
	if r, ok := getS(item, "Reasoning"); ok {
		m.Reasoning = &r
	}
	return m
}

func decodeConversation(item map[string]types.AttributeValue) (models.Conversation, int) {
	c := models.Conversation{
		UserID:    getN(item, "UserID"),
		CreatedAt: getTime(item, "CreatedAt"),
		UpdatedAt: getTime(item, "UpdatedAt"),
	}
	c.ConversationID, _ = getS(item, "ConversationID")
	c.Title, _ = getS(item, "Title")
	c.Model, _ = getS(item, "Model")
	return c, int(getN(item, "MessageCount"))
}
