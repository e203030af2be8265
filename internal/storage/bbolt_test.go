package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatcore/internal/models"
)

func newTestBbolt(t *testing.T) *BboltStorage {
	t.Helper()
	store, err := NewBboltStorage(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestBboltStorage(t *testing.T) {
	testStore(t, newTestBbolt(t))
}

func TestBboltStorage_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	ctx := context.Background()

	store, err := NewBboltStorage(path)
	require.NoError(t, err)
	_, _, err = store.CreateChat(ctx, "a", "b", 1)
	require.NoError(t, err)
	_, _, err = store.AppendMessage(ctx, models.Message{ID: "m1", ChatID: models.DMChatID("a", "b"), SenderID: "a", Type: models.MessageTypeText, Body: "x", Timestamp: 2})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = NewBboltStorage(path)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	chat, err := store.Chat(ctx, models.DMChatID("a", "b"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), chat.LastSeq)
	assert.Equal(t, 1, chat.UnreadCounts["b"])

	msgs, err := store.ListMessages(ctx, chat.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m1", msgs[0].ID)
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "mongo", "", "")
	assert.Error(t, err)
}
