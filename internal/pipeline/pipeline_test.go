package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"chatcore/internal/chat"
	"chatcore/internal/models"
	"chatcore/internal/registry"
	"chatcore/internal/registry/registrytest"
	"chatcore/internal/rooms"
	"chatcore/internal/storage"
)

type env struct {
	store    *storage.BboltStorage
	registry *registry.Registry
	rooms    *rooms.Router
	pipeline *Pipeline
	chatID   string
}

func newEnv(t *testing.T, friends bool) *env {
	t.Helper()
	ctx := context.Background()

	store, err := storage.NewBboltStorage(filepath.Join(t.TempDir(), "pipeline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	if friends {
		require.NoError(t, store.UpsertFriendRequest(ctx, models.FriendRequest{FromID: "alice", ToID: "bob", Status: models.FriendRequestPending}))
		require.NoError(t, store.AcceptFriendRequest(ctx, "alice", "bob", 1))
	}
	c, _, err := store.CreateChat(ctx, "alice", "bob", 1)
	require.NoError(t, err)

	reg := registry.New()
	router := rooms.New(store, nil)
	p := New(store, store, router, reg, chat.NewLocks(), nil, Config{Retries: 3, RetryInterval: time.Millisecond}, nil)

	return &env{store: store, registry: reg, rooms: router, pipeline: p, chatID: c.ID}
}

func (e *env) connect(t *testing.T, userID string, join bool) *registrytest.Conn {
	t.Helper()
	conn := registrytest.NewConn(userID)
	e.registry.Register(userID, conn)
	if join {
		require.NoError(t, e.rooms.Join(context.Background(), conn, e.chatID))
	}
	return conn
}

func eventsOf[T models.ServerEvent](evs []models.ServerEvent) []T {
	var out []T
	for _, ev := range evs {
		if v, ok := ev.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

func TestSubmit_DeliversToJoinedRecipient(t *testing.T) {
	e := newEnv(t, true)
	alice := e.connect(t, "alice", false)
	bob := e.connect(t, "bob", true)

	msg, err := e.pipeline.Submit(context.Background(), SubmitRequest{
		SenderID: "alice", ChatID: e.chatID, Type: models.MessageTypeText, Body: "hi", ClientID: "tmp-1",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	assert.NotZero(t, msg.Timestamp)
	assert.Equal(t, int64(1), msg.Seq)

	bobEvents := bob.Drain()
	got := eventsOf[models.MessageEvent](bobEvents)
	require.Len(t, got, 1)
	assert.Equal(t, "hi", got[0].NewMessage.Body)
	assert.Equal(t, msg.Timestamp, got[0].NewMessage.Timestamp)
	assert.Equal(t, "tmp-1", got[0].NewMessage.ClientID)

	unread := eventsOf[models.UnreadCountUpdateEvent](bobEvents)
	require.Len(t, unread, 1)
	assert.Equal(t, 1, unread[0].UnreadCounts["bob"])
	require.Len(t, eventsOf[models.LastMessageUpdateEvent](bobEvents), 1)

	aliceEvents := alice.Drain()
	require.Len(t, eventsOf[models.MessageEvent](aliceEvents), 1, "sender receives the stored copy")
	require.Len(t, eventsOf[models.LastMessageUpdateEvent](aliceEvents), 1)
	assert.Empty(t, eventsOf[models.UnreadCountUpdateEvent](aliceEvents))

	c, err := e.store.Chat(context.Background(), e.chatID)
	require.NoError(t, err)
	assert.Equal(t, 1, c.UnreadCounts["bob"])
}

func TestSubmit_RecipientOnChatListGetsSummaries(t *testing.T) {
	e := newEnv(t, true)
	bob := e.connect(t, "bob", false)

	_, err := e.pipeline.Submit(context.Background(), SubmitRequest{SenderID: "alice", ChatID: e.chatID, Body: "hey"})
	require.NoError(t, err)

	evs := bob.Drain()
	assert.Empty(t, eventsOf[models.MessageEvent](evs), "not joined, no message event")
	summary := eventsOf[models.LastMessageUpdateEvent](evs)
	require.Len(t, summary, 1)
	assert.Equal(t, "hey", summary[0].LastMessage.Body)
	require.Len(t, eventsOf[models.UnreadCountUpdateEvent](evs), 1)
}

func TestSubmit_RejectsNonFriends(t *testing.T) {
	e := newEnv(t, false)
	alice := e.connect(t, "alice", true)
	bob := e.connect(t, "bob", true)

	_, err := e.pipeline.Submit(context.Background(), SubmitRequest{SenderID: "alice", ChatID: e.chatID, Body: "hi"})
	assert.ErrorIs(t, err, models.ErrNotAuthorized)

	msgs, err := e.store.ListMessages(context.Background(), e.chatID, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs, "nothing persisted")
	assert.Empty(t, alice.Drain())
	assert.Empty(t, bob.Drain(), "no fan-out")
}

func TestSubmit_RejectsOutsider(t *testing.T) {
	e := newEnv(t, true)
	_, err := e.pipeline.Submit(context.Background(), SubmitRequest{SenderID: "mallory", ChatID: e.chatID, Body: "hi"})
	assert.ErrorIs(t, err, models.ErrNotAuthorized)

	_, err = e.pipeline.Submit(context.Background(), SubmitRequest{SenderID: "alice", ChatID: "dm_x_y", Body: "hi"})
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestSubmit_Validation(t *testing.T) {
	e := newEnv(t, true)
	ctx := context.Background()

	tests := []SubmitRequest{
		{SenderID: "alice", ChatID: e.chatID},
		{SenderID: "alice", ChatID: e.chatID, Type: models.MessageTypeImage, Body: "caption only"},
		{SenderID: "alice", ChatID: e.chatID, Type: models.MessageTypeImage, ImageURL: "javascript:alert(1)"},
		{SenderID: "alice", ChatID: e.chatID, Type: "video", Body: "x"},
		{SenderID: "alice", Body: "x"},
		{SenderID: "alice", ChatID: e.chatID, Body: string(make([]byte, DefaultMaxBodyBytes+1))},
	}
	for _, req := range tests {
		_, err := e.pipeline.Submit(ctx, req)
		assert.ErrorIs(t, err, models.ErrInvalidInput, "%+v", req.Type)
	}

	msg, err := e.pipeline.Submit(ctx, SubmitRequest{SenderID: "alice", ChatID: e.chatID, Type: models.MessageTypeImage, ImageURL: "https://cdn/x.png"})
	require.NoError(t, err)
	assert.Equal(t, models.MessageTypeImage, msg.Type)
}

func TestSubmit_PreservesPerChatOrder(t *testing.T) {
	e := newEnv(t, true)
	alice := e.connect(t, "alice", true)
	bob := e.connect(t, "bob", true)

	var wg sync.WaitGroup
	for i := range 20 {
		sender := "alice"
		if i%2 == 1 {
			sender = "bob"
		}
		wg.Go(func() {
			_, err := e.pipeline.Submit(context.Background(), SubmitRequest{SenderID: sender, ChatID: e.chatID, Body: "m"})
			assert.NoError(t, err)
		})
	}
	wg.Wait()

	stored, err := e.store.ListMessages(context.Background(), e.chatID, 0, 0)
	require.NoError(t, err)
	require.Len(t, stored, 20)

	for _, conn := range []*registrytest.Conn{alice, bob} {
		got := eventsOf[models.MessageEvent](conn.Drain())
		require.Len(t, got, 20)
		for i, ev := range got {
			assert.Equal(t, stored[i].ID, ev.NewMessage.ID, "delivery order must match persisted order")
		}
	}
}

type flakyStore struct {
	Store
	failures atomic.Int32
	calls    atomic.Int32
}

func (f *flakyStore) AppendMessage(ctx context.Context, msg models.Message) (models.Message, models.Chat, error) {
	f.calls.Add(1)
	if f.failures.Add(-1) >= 0 {
		return models.Message{}, models.Chat{}, errors.New("disk busy")
	}
	return f.Store.AppendMessage(ctx, msg)
}

func TestSubmit_RetriesTransientFailures(t *testing.T) {
	e := newEnv(t, true)
	flaky := &flakyStore{Store: e.store}
	flaky.failures.Store(2)
	e.pipeline.store = flaky

	msg, err := e.pipeline.Submit(context.Background(), SubmitRequest{SenderID: "alice", ChatID: e.chatID, Body: "persist me"})
	require.NoError(t, err)
	assert.Equal(t, int32(3), flaky.calls.Load())

	stored, err := e.store.ListMessages(context.Background(), e.chatID, 0, 0)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, msg.ID, stored[0].ID)
}

func TestSubmit_ExhaustedRetriesAreRetryable(t *testing.T) {
	e := newEnv(t, true)
	bob := e.connect(t, "bob", true)
	flaky := &flakyStore{Store: e.store}
	flaky.failures.Store(100)
	e.pipeline.store = flaky

	_, err := e.pipeline.Submit(context.Background(), SubmitRequest{SenderID: "alice", ChatID: e.chatID, Body: "lost?"})
	require.ErrorIs(t, err, models.ErrTransientIO)
	assert.True(t, models.NewErrorEvent(models.EventSendMessage, err).Retryable)
	assert.Equal(t, int32(4), flaky.calls.Load(), "one attempt plus three retries")
	assert.Empty(t, bob.Drain())
}

type closedStore struct {
	Store
}

func (closedStore) Chat(context.Context, string) (models.Chat, error) {
	return models.Chat{}, errors.New("bbolt: database not open")
}

func TestSubmit_ChatLookupFailureIsTransient(t *testing.T) {
	e := newEnv(t, true)
	e.pipeline.store = closedStore{Store: e.store}

	_, err := e.pipeline.Submit(context.Background(), SubmitRequest{SenderID: "alice", ChatID: e.chatID, Body: "hi"})
	require.ErrorIs(t, err, models.ErrTransientIO)
	ev := models.NewErrorEvent(models.EventSendMessage, err)
	assert.Equal(t, models.CodeTransientIO, ev.Code)
	assert.True(t, ev.Retryable)

	e.pipeline.store = e.store
	_, err = e.pipeline.Submit(context.Background(), SubmitRequest{SenderID: "alice", ChatID: "dm_x_y", Body: "hi"})
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.NotErrorIs(t, err, models.ErrTransientIO)
}

type mockFriends struct {
	mock.Mock
}

func (m *mockFriends) AreFriends(ctx context.Context, a, b string) (bool, error) {
	args := m.Called(ctx, a, b)
	return args.Bool(0), args.Error(1)
}

func TestSubmit_FriendLookupFailureIsTransient(t *testing.T) {
	e := newEnv(t, true)
	friends := &mockFriends{}
	friends.On("AreFriends", mock.Anything, "alice", "bob").Return(false, errors.New("identity provider down"))
	e.pipeline.friends = friends

	_, err := e.pipeline.Submit(context.Background(), SubmitRequest{SenderID: "alice", ChatID: e.chatID, Body: "hi"})
	assert.ErrorIs(t, err, models.ErrTransientIO)
	friends.AssertExpectations(t)
}

func TestSubmit_RecordsSpan(t *testing.T) {
	e := newEnv(t, true)
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	e.pipeline.tracer = tp.Tracer("test")

	_, err := e.pipeline.Submit(context.Background(), SubmitRequest{SenderID: "alice", ChatID: e.chatID, Body: "traced"})
	require.NoError(t, err)
	_, err = e.pipeline.Submit(context.Background(), SubmitRequest{SenderID: "mallory", ChatID: e.chatID, Body: "x"})
	require.Error(t, err)

	spans := rec.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "pipeline.submit", spans[0].Name())
	assert.Equal(t, "NotAuthorized", spans[1].Status().Description)
}
