package services

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"chathub/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *SQLStore {
	t.Helper()
	store, err := OpenSQLStore(context.Background(), "sqlite", filepath.Join(t.TempDir(), "chathub.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestOpenSQLStore_UnsupportedDriver(t *testing.T) {
	_, err := OpenSQLStore(context.Background(), "mysql", "whatever")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported driver")
}

func TestOpenSQLStore_MigrateIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chathub.db")
	first, err := OpenSQLStore(context.Background(), "sqlite", path)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := OpenSQLStore(context.Background(), "sqlite", path)
	require.NoError(t, err)
	defer second.Close()
	assert.NoError(t, second.Ping(context.Background()))
}

func TestPostgresConnString(t *testing.T) {
	cases := []struct{ in, want string }{
		{"postgres://u:p@db/chat", "postgres://u:p@db/chat?sslmode=disable"},
		{"postgres://u:p@db/chat?connect_timeout=5", "postgres://u:p@db/chat?connect_timeout=5&sslmode=disable"},
		{"postgres://db/chat?sslmode=require", "postgres://db/chat?sslmode=require"},
		{"host=db dbname=chat", "host=db dbname=chat sslmode=disable"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, postgresConnString(tc.in), tc.in)
	}
}

func TestRebind(t *testing.T) {
	pg := &SQLStore{dialect: "postgres"}
	assert.Equal(t, "a = $1 AND b = $2", pg.rebind("a = ? AND b = ?"))

	lite := &SQLStore{dialect: "sqlite"}
	assert.Equal(t, "a = ? AND b = ?", lite.rebind("a = ? AND b = ?"))
}

func TestFindActiveCredential(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	_, err := store.FindActiveCredential(ctx, "siliconflow")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.PutCredential(ctx, &models.Credential{Provider: "siliconflow", APIKey: "old", IsActive: true}))
	require.NoError(t, store.PutCredential(ctx, &models.Credential{Provider: "siliconflow", APIKey: "off", IsActive: false}))
	require.NoError(t, store.PutCredential(ctx, &models.Credential{Provider: "siliconflow", APIKey: "", IsActive: true}))
	require.NoError(t, store.PutCredential(ctx, &models.Credential{Provider: "other", APIKey: "nope", IsActive: true}))
	require.NoError(t, store.PutCredential(ctx, &models.Credential{
		Provider: "siliconflow", APIKey: "new", BaseURL: "http://proxy/v1", IsActive: true,
	}))

	cred, err := store.FindActiveCredential(ctx, "siliconflow")
	require.NoError(t, err)
	assert.Equal(t, "new", cred.APIKey)
	assert.Equal(t, "http://proxy/v1", cred.BaseURL)
	assert.True(t, cred.IsActive)
}

func TestUsers(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	u := &models.User{Username: "alice", Token: "tok-1", IsActive: true}
	require.NoError(t, store.CreateUser(ctx, u))
	assert.NotZero(t, u.ID)

	got, err := store.FindUserByToken(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)
	assert.Equal(t, "alice", got.Username)
	assert.True(t, got.IsActive)

	_, err = store.FindUserByToken(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Error(t, store.CreateUser(ctx, &models.User{Username: "alice", Token: "tok-2"}))
}

func stageTurn(uow UnitOfWork, convID string, at time.Time, create bool) *models.Message {
	if create {
		uow.CreateConversation(&models.Conversation{
			UserID: 7, ConversationID: convID, Title: "hello", Model: "m",
			CreatedAt: at, UpdatedAt: at,
		})
	}
	msg := &models.Message{ConversationID: convID, Role: models.RoleUser, Content: "hello", Timestamp: at}
	uow.AppendMessage(msg)
	uow.TouchUpdated(convID, at)
	return msg
}

func TestUnitOfWork_CommitAndRollback(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	t0 := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	discarded := store.Begin()
	stageTurn(discarded, "c-1", t0, true)
	discarded.Rollback()
	_, err := store.FindConversation(ctx, "c-1")
	assert.ErrorIs(t, err, ErrNotFound)

	uow := store.Begin()
	msg := stageTurn(uow, "c-1", t0, true)
	require.NoError(t, uow.Commit(ctx))
	assert.NotZero(t, msg.ID)
	uow.Rollback()
	assert.Error(t, uow.Commit(ctx))

	conv, err := store.FindConversation(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), conv.UserID)
	assert.Equal(t, "hello", conv.Title)
	assert.True(t, conv.UpdatedAt.Equal(t0))

	msgs, err := store.ListMessages(ctx, "c-1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.Nil(t, msgs[0].Reasoning)
}

func TestUnitOfWork_ConcurrentCreateKeepsFirst(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	t0 := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	first := store.Begin()
	stageTurn(first, "c-1", t0, true)
	second := store.Begin()
	stageTurn(second, "c-1", t0.Add(time.Second), true)

	require.NoError(t, first.Commit(ctx))
	require.NoError(t, second.Commit(ctx))

	msgs, err := store.ListMessages(ctx, "c-1")
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestUnitOfWork_UpdatedAtNeverMovesBackwards(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	t0 := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	uow := store.Begin()
	stageTurn(uow, "c-1", t0.Add(time.Minute), true)
	require.NoError(t, uow.Commit(ctx))

	late := store.Begin()
	stageTurn(late, "c-1", t0, false)
	require.NoError(t, late.Commit(ctx))

	conv, err := store.FindConversation(ctx, "c-1")
	require.NoError(t, err)
	assert.True(t, conv.UpdatedAt.Equal(t0.Add(time.Minute)))
}

func TestListConversations(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	t0 := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	a := store.Begin()
	stageTurn(a, "older", t0, true)
	a.AppendMessage(&models.Message{ConversationID: "older", Role: models.RoleAssistant, Content: "hi", Timestamp: t0})
	require.NoError(t, a.Commit(ctx))

	b := store.Begin()
	stageTurn(b, "newer", t0.Add(time.Hour), true)
	require.NoError(t, b.Commit(ctx))

	again := store.Begin()
	stageTurn(again, "older", t0.Add(2*time.Hour), false)
	require.NoError(t, again.Commit(ctx))

	convs, err := store.ListConversations(ctx, 7)
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, "older", convs[0].ConversationID)
	assert.Equal(t, 2, convs[0].MessageCount)
	assert.Equal(t, "newer", convs[1].ConversationID)
	assert.Equal(t, 1, convs[1].MessageCount)

	none, err := store.ListConversations(ctx, 99)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRenameAndDeleteConversation(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	t0 := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	uow := store.Begin()
	stageTurn(uow, "c-1", t0, true)
	require.NoError(t, uow.Commit(ctx))

	conv, err := store.RenameConversation(ctx, "c-1", "renamed", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "renamed", conv.Title)
	assert.True(t, conv.UpdatedAt.Equal(t0.Add(time.Minute)))

	_, err = store.RenameConversation(ctx, "missing", "x", t0)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.DeleteConversation(ctx, "c-1"))
	_, err = store.FindConversation(ctx, "c-1")
	assert.ErrorIs(t, err, ErrNotFound)
	msgs, err := store.ListMessages(ctx, "c-1")
	require.NoError(t, err)
	assert.Empty(t, msgs)

	assert.ErrorIs(t, store.DeleteConversation(ctx, "c-1"), ErrNotFound)
}

func TestLegacyMessages(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	t0 := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	done := "already split"

	uow := store.Begin()
	stageTurn(uow, "c-1", t0, true)
	legacy := &models.Message{ConversationID: "c-1", Role: models.RoleAssistant,
		Content: "answer\n\n[推理过程]\nthinking", Timestamp: t0}
	uow.AppendMessage(legacy)
	uow.AppendMessage(&models.Message{ConversationID: "c-1", Role: models.RoleAssistant,
		Content: "plain", Timestamp: t0})
	uow.AppendMessage(&models.Message{ConversationID: "c-1", Role: models.RoleAssistant,
		Content: "x [推理过程] y", Reasoning: &done, Timestamp: t0})
	require.NoError(t, uow.Commit(ctx))

	found, err := store.ListLegacyMessages(ctx)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, legacy.ID, found[0].ID)

	require.True(t, SplitLegacyReasoning(&found[0]))
	require.NoError(t, store.UpdateMessageSplit(ctx, &found[0]))

	found, err = store.ListLegacyMessages(ctx)
	require.NoError(t, err)
	assert.Empty(t, found)

	msgs, err := store.ListMessages(ctx, "c-1")
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	assert.Equal(t, "answer", msgs[1].Content)
	require.NotNil(t, msgs[1].Reasoning)
	assert.Equal(t, "thinking", *msgs[1].Reasoning)
}
