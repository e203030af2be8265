package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatcore/internal/models"
)

// testStore runs the behaviour every Store implementation must share.
func testStore(t *testing.T, store Store) {
	ctx := context.Background()
	suffix := uuid.NewString()[:8]
	alice := "alice-" + suffix
	bob := "bob-" + suffix
	carol := "carol-" + suffix

	t.Run("Users", func(t *testing.T) {
		require.NoError(t, store.UpsertUser(ctx, models.User{ID: alice, UserName: "alice", DisplayName: "Alice"}))
		require.NoError(t, store.UpsertUser(ctx, models.User{ID: bob, UserName: "bob"}))
		require.NoError(t, store.UpsertUser(ctx, models.User{ID: carol, UserName: "carol"}))

		u, err := store.User(ctx, alice)
		require.NoError(t, err)
		assert.Equal(t, "Alice", u.DisplayName)

		_, err = store.User(ctx, "ghost-"+suffix)
		assert.ErrorIs(t, err, models.ErrNotFound)

		users, err := store.ListUsers(ctx)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, len(users), 3)
	})

	t.Run("FriendRequests", func(t *testing.T) {
		req := models.FriendRequest{FromID: alice, ToID: bob, Status: models.FriendRequestPending, CreatedAt: 10}
		require.NoError(t, store.UpsertFriendRequest(ctx, req))

		got, err := store.FriendRequest(ctx, alice, bob)
		require.NoError(t, err)
		assert.Equal(t, req, got)

		incoming, err := store.IncomingFriendRequests(ctx, bob)
		require.NoError(t, err)
		assert.Equal(t, []models.FriendRequest{req}, incoming)

		err = store.AcceptFriendRequest(ctx, carol, bob, 11)
		assert.ErrorIs(t, err, models.ErrNotFound)

		require.NoError(t, store.AcceptFriendRequest(ctx, alice, bob, 12))

		for _, pair := range [][2]string{{alice, bob}, {bob, alice}} {
			ok, err := store.AreFriends(ctx, pair[0], pair[1])
			require.NoError(t, err)
			assert.True(t, ok, "friendship must be symmetric")
		}

		_, err = store.FriendRequest(ctx, alice, bob)
		assert.ErrorIs(t, err, models.ErrNotFound, "accepting consumes the request")

		friends, err := store.Friends(ctx, alice)
		require.NoError(t, err)
		assert.Equal(t, []string{bob}, friends)

		require.NoError(t, store.UpsertFriendRequest(ctx, models.FriendRequest{FromID: carol, ToID: alice, Status: models.FriendRequestPending}))
		require.NoError(t, store.DeleteFriendRequest(ctx, carol, alice))
		assert.ErrorIs(t, store.DeleteFriendRequest(ctx, carol, alice), models.ErrNotFound)
	})

	t.Run("RemoveFriendship", func(t *testing.T) {
		require.NoError(t, store.UpsertFriendRequest(ctx, models.FriendRequest{FromID: carol, ToID: bob, Status: models.FriendRequestPending}))
		require.NoError(t, store.AcceptFriendRequest(ctx, carol, bob, 1))
		require.NoError(t, store.RemoveFriendship(ctx, bob, carol))

		ok, err := store.AreFriends(ctx, carol, bob)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.ErrorIs(t, store.RemoveFriendship(ctx, bob, carol), models.ErrNotFound)
	})

	chatID := models.DMChatID(alice, bob)

	t.Run("CreateChat", func(t *testing.T) {
		chat, created, err := store.CreateChat(ctx, bob, alice, 100)
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, chatID, chat.ID)
		assert.Equal(t, models.SortedPair(alice, bob), chat.Participants)
		assert.Equal(t, models.UnreadCounts{alice: 0, bob: 0}, chat.UnreadCounts)

		again, created, err := store.CreateChat(ctx, alice, bob, 200)
		require.NoError(t, err)
		assert.False(t, created, "one chat per pair")
		assert.Equal(t, chat.CreatedAt, again.CreatedAt)

		_, _, err = store.CreateChat(ctx, alice, alice, 1)
		assert.ErrorIs(t, err, models.ErrInvalidInput)

		_, err = store.Chat(ctx, "dm_nobody_"+suffix)
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	var first models.Message

	t.Run("AppendMessage", func(t *testing.T) {
		msg, chat, err := store.AppendMessage(ctx, models.Message{
			ID: uuid.NewString(), ChatID: chatID, SenderID: alice,
			Type: models.MessageTypeText, Body: "hi", Timestamp: 1000, ClientID: "c1",
		})
		require.NoError(t, err)
		first = msg

		assert.Equal(t, int64(1), msg.Seq)
		assert.False(t, msg.Seen)
		assert.Equal(t, "c1", msg.ClientID)
		assert.Equal(t, 1, chat.UnreadCounts[bob])
		assert.Equal(t, 0, chat.UnreadCounts[alice])
		require.NotNil(t, chat.LastMessage)
		assert.Equal(t, msg.ID, chat.LastMessage.MessageID)
		assert.Equal(t, int64(1000), chat.UpdatedAt)

		// Retried append with the same id does not duplicate.
		again, chat, err := store.AppendMessage(ctx, models.Message{
			ID: msg.ID, ChatID: chatID, SenderID: alice, Type: models.MessageTypeText, Body: "hi", Timestamp: 1001,
		})
		require.NoError(t, err)
		assert.Equal(t, msg, again)
		assert.Equal(t, 1, chat.UnreadCounts[bob])
		assert.Equal(t, int64(1), chat.LastSeq)

		_, _, err = store.AppendMessage(ctx, models.Message{ID: uuid.NewString(), ChatID: "dm_missing_" + suffix, SenderID: alice})
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("LastMessageByTimestamp", func(t *testing.T) {
		late, _, err := store.AppendMessage(ctx, models.Message{
			ID: uuid.NewString(), ChatID: chatID, SenderID: bob, Type: models.MessageTypeText, Body: "late", Timestamp: 5000,
		})
		require.NoError(t, err)

		// An older timestamp arriving afterwards is stored but does not
		// replace the summary.
		_, chat, err := store.AppendMessage(ctx, models.Message{
			ID: uuid.NewString(), ChatID: chatID, SenderID: alice, Type: models.MessageTypeImage, ImageURL: "https://img/x.png", Timestamp: 4000,
		})
		require.NoError(t, err)
		assert.Equal(t, late.ID, chat.LastMessage.MessageID)
		assert.Equal(t, int64(3), chat.LastSeq)
		assert.Equal(t, models.UnreadCounts{alice: 1, bob: 2}, chat.UnreadCounts)
	})

	t.Run("MarkSeen", func(t *testing.T) {
		_, _, err := store.MarkSeen(ctx, chatID, first.ID, alice)
		assert.ErrorIs(t, err, models.ErrInvalidState, "sender cannot mark own message")

		_, _, err = store.MarkSeen(ctx, chatID, first.ID, carol)
		assert.ErrorIs(t, err, models.ErrNotAuthorized)

		_, _, err = store.MarkSeen(ctx, chatID, "nope", bob)
		assert.ErrorIs(t, err, models.ErrNotFound)

		chat, changed, err := store.MarkSeen(ctx, chatID, first.ID, bob)
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, 1, chat.UnreadCounts[bob])

		chat, changed, err = store.MarkSeen(ctx, chatID, first.ID, bob)
		require.NoError(t, err)
		assert.False(t, changed)
		assert.Equal(t, 1, chat.UnreadCounts[bob])

		msg, err := store.Message(ctx, chatID, first.ID)
		require.NoError(t, err)
		assert.True(t, msg.Seen)
	})

	t.Run("ListMessages", func(t *testing.T) {
		all, err := store.ListMessages(ctx, chatID, 0, 0)
		require.NoError(t, err)
		require.Len(t, all, 3)
		for i, m := range all {
			assert.Equal(t, int64(i+1), m.Seq)
		}

		page, err := store.ListMessages(ctx, chatID, 2, 1)
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, "late", page[0].Body)

		_, err = store.ListMessages(ctx, "dm_missing_"+suffix, 0, 10)
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("ListChats", func(t *testing.T) {
		require.NoError(t, store.UpsertFriendRequest(ctx, models.FriendRequest{FromID: alice, ToID: carol, Status: models.FriendRequestPending}))
		require.NoError(t, store.AcceptFriendRequest(ctx, alice, carol, 1))
		other, _, err := store.CreateChat(ctx, alice, carol, 9000)
		require.NoError(t, err)

		chats, err := store.ListChats(ctx, alice)
		require.NoError(t, err)
		require.Len(t, chats, 2)
		assert.Equal(t, other.ID, chats[0].ID, "most recently active first")
		assert.Equal(t, chatID, chats[1].ID)
	})

	t.Run("ConcurrentAppendsKeepUnreadExact", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := range 20 {
			sender := alice
			if i%2 == 1 {
				sender = bob
			}
			wg.Go(func() {
				_, _, err := store.AppendMessage(ctx, models.Message{
					ID: uuid.NewString(), ChatID: chatID, SenderID: sender,
					Type: models.MessageTypeText, Body: fmt.Sprintf("m%d", i), Timestamp: int64(10000 + i),
				})
				assert.NoError(t, err)
			})
		}
		wg.Wait()

		msgs, err := store.ListMessages(ctx, chatID, 0, 0)
		require.NoError(t, err)
		require.Len(t, msgs, 23)

		unseen := map[string]int{}
		for i, m := range msgs {
			assert.Equal(t, int64(i+1), m.Seq, "sequence must be gapless")
			if !m.Seen {
				unseen[m.SenderID]++
			}
		}

		chat, err := store.Chat(ctx, chatID)
		require.NoError(t, err)
		assert.Equal(t, unseen[bob], chat.UnreadCounts[alice])
		assert.Equal(t, unseen[alice], chat.UnreadCounts[bob])
		assert.Equal(t, int64(23), chat.LastSeq)
	})
}
