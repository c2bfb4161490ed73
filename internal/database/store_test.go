package database

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) Store {
	t.Helper()

	db, err := NewDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { CloseDB(db) })

	return NewStore(db, nil)
}

func TestCreateAndGetConversation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	conv, err := store.CreateConversation(ctx, "sales questions")
	require.NoError(t, err)
	require.NotEmpty(t, conv.ID)
	assert.Equal(t, "sales questions", conv.Title)
	assert.False(t, conv.CreatedAt.IsZero())

	got, err := store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, conv.ID, got.ID)
	assert.Equal(t, conv.Title, got.Title)
}

func TestGetConversationNotFound(t *testing.T) {
	store := newTestStore(t)

	got, err := store.GetConversation(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = store.GetConversation(context.Background(), "")
	assert.Error(t, err)
}

func TestSaveAndListExchanges(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	conv, err := store.CreateConversation(ctx, "t")
	require.NoError(t, err)

	first := &Exchange{
		ConversationID: conv.ID,
		Question:       "how many users?",
		Answer:         "There are 42 users.",
		NeedsDB:        true,
		SQLQuery:       sql.NullString{String: "SELECT count(*) FROM users", Valid: true},
		ResultRows:     1,
	}
	require.NoError(t, store.SaveExchange(ctx, first))
	assert.NotZero(t, first.ID)

	second := &Exchange{
		ConversationID: conv.ID,
		Question:       "what is SQL?",
		Answer:         "A query language.",
	}
	require.NoError(t, store.SaveExchange(ctx, second))

	exchanges, err := store.ListExchanges(ctx, conv.ID, 10)
	require.NoError(t, err)
	require.Len(t, exchanges, 2)
	assert.Equal(t, "how many users?", exchanges[0].Question)
	assert.True(t, exchanges[0].SQLQuery.Valid)
	assert.False(t, exchanges[1].SQLQuery.Valid)
	assert.Equal(t, "what is SQL?", exchanges[1].Question)
}

func TestSaveExchangeValidation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	assert.Error(t, store.SaveExchange(ctx, nil))
	assert.Error(t, store.SaveExchange(ctx, &Exchange{Question: "q"}))
	assert.Error(t, store.SaveExchange(ctx, &Exchange{ConversationID: "c"}))
}

func TestSaveExchangeBumpsConversation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	older, err := store.CreateConversation(ctx, "older")
	require.NoError(t, err)
	newer, err := store.CreateConversation(ctx, "newer")
	require.NoError(t, err)

	// Saving into the older conversation moves it to the top of the list.
	require.NoError(t, store.SaveExchange(ctx, &Exchange{
		ConversationID: older.ID, Question: "q", Answer: "a",
		CreatedAt: time.Now().UTC().Add(time.Second),
	}))

	list, err := store.ListConversations(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	if assert.Equal(t, older.ID, list[0].ID) {
		assert.Equal(t, newer.ID, list[1].ID)
	}
}

func TestDeleteConversation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	conv, err := store.CreateConversation(ctx, "t")
	require.NoError(t, err)
	require.NoError(t, store.SaveExchange(ctx, &Exchange{ConversationID: conv.ID, Question: "q", Answer: "a"}))

	require.NoError(t, store.DeleteConversation(ctx, conv.ID))

	got, err := store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	exchanges, err := store.ListExchanges(ctx, conv.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, exchanges)

	// Deleting again reports not found.
	assert.ErrorIs(t, store.DeleteConversation(ctx, conv.ID), sql.ErrNoRows)
}

func TestDeleteAllConversations(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		conv, err := store.CreateConversation(ctx, "t")
		require.NoError(t, err)
		require.NoError(t, store.SaveExchange(ctx, &Exchange{ConversationID: conv.ID, Question: "q", Answer: "a"}))
	}

	require.NoError(t, store.DeleteAllConversations(ctx))

	list, err := store.ListConversations(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestPruneExchangesBefore(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	stale, err := store.CreateConversation(ctx, "stale")
	require.NoError(t, err)
	fresh, err := store.CreateConversation(ctx, "fresh")
	require.NoError(t, err)

	old := time.Now().UTC().Add(-48 * time.Hour)
	require.NoError(t, store.SaveExchange(ctx, &Exchange{
		ConversationID: stale.ID, Question: "old q", Answer: "old a", CreatedAt: old,
	}))
	require.NoError(t, store.SaveExchange(ctx, &Exchange{
		ConversationID: fresh.ID, Question: "new q", Answer: "new a",
	}))

	pruned, err := store.PruneExchangesBefore(ctx, time.Now().UTC().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	// The emptied conversation disappears with its exchanges.
	got, err := store.GetConversation(ctx, stale.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = store.GetConversation(ctx, fresh.ID)
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestRunMaintenance(t *testing.T) {
	store := newTestStore(t)
	assert.NoError(t, store.RunMaintenance(context.Background()))

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, store.RunMaintenance(cancelled))
}
