package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"chatcore/internal/models"
)

type readItem struct {
	env models.Envelope
	err error
}

type mockWS struct {
	readCh  chan readItem
	writeCh chan any
	closeCh chan struct{}

	mu          sync.Mutex
	closed      bool
	errToReturn error
}

func newMockWS() *mockWS {
	return &mockWS{
		readCh:  make(chan readItem, 10),
		writeCh: make(chan any, 10),
		closeCh: make(chan struct{}),
	}
}

func (m *mockWS) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.closeCh)
	return nil
}

func (m *mockWS) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *mockWS) failWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errToReturn = err
}

func (m *mockWS) err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errToReturn
}

func (m *mockWS) WriteJSON(v any) error {
	if err := m.err(); err != nil {
		return err
	}
	m.writeCh <- v
	return nil
}

func (m *mockWS) ReadJSON(v any) error {
	if err := m.err(); err != nil {
		return err
	}
	select {
	case item, ok := <-m.readCh:
		if !ok {
			return errors.New("closed")
		}
		if item.err != nil {
			return item.err
		}
		if ptr, ok := v.(*models.Envelope); ok {
			*ptr = item.env
		}
		return nil
	case <-m.closeCh:
		return errors.New("connection closed")
	}
}

func (m *mockWS) sendEvent(t *testing.T, name models.EventName, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	m.readCh <- readItem{env: models.Envelope{Event: name, Data: data}}
}

func (m *mockWS) next(t *testing.T) models.Envelope {
	t.Helper()
	select {
	case v := <-m.writeCh:
		env, ok := v.(models.Envelope)
		if !ok {
			t.Fatalf("WS received wrong type: %T", v)
		}
		return env
	case <-time.After(time.Second):
		t.Fatal("WS did not receive a frame")
	}
	return models.Envelope{}
}

type mockHub struct {
	connectCh    chan string
	disconnectCh chan string
	dispatchCh   chan models.ClientEvent
	dispatchErr  error
}

func newMockHub() *mockHub {
	return &mockHub{
		connectCh:    make(chan string, 10),
		disconnectCh: make(chan string, 10),
		dispatchCh:   make(chan models.ClientEvent, 10),
	}
}

func (m *mockHub) Connect(c *Connection) {
	m.connectCh <- c.UserID()
}

func (m *mockHub) Disconnect(c *Connection) {
	c.Close()
	m.disconnectCh <- c.UserID()
}

func (m *mockHub) Dispatch(_ context.Context, _ *Connection, ev models.ClientEvent) error {
	m.dispatchCh <- ev
	return m.dispatchErr
}

func startConn(t *testing.T, hub *mockHub, ws *mockWS, limiter *rate.Limiter) (*Connection, context.CancelFunc, chan error) {
	t.Helper()
	conn := NewConnection(hub, ws, "user1", limiter, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	done := make(chan error, 1)
	go func() {
		done <- conn.Handle(ctx)
	}()
	return conn, cancel, done
}

func waitDone(t *testing.T, done chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(time.Second):
		t.Fatal("Handle did not return")
	}
	return nil
}

func TestConnection_Lifecycle(t *testing.T) {
	hub := newMockHub()
	ws := newMockWS()

	conn, cancel, done := startConn(t, hub, ws, nil)

	select {
	case id := <-hub.connectCh:
		if id != "user1" {
			t.Errorf("Expected Connect with user1, got %s", id)
		}
	case <-time.After(time.Second):
		t.Fatal("Connect not called")
	}

	// 1. Client -> Hub
	ws.sendEvent(t, models.EventSendMessage, models.SendMessageRequest{ChatID: "chat1", Message: "hello"})

	select {
	case received := <-hub.dispatchCh:
		req, ok := received.(models.SendMessageRequest)
		if !ok || req.Message != "hello" {
			t.Errorf("Hub received wrong event: %#v", received)
		}
	case <-time.After(time.Second):
		t.Error("Hub did not receive dispatched event")
	}

	// 2. Server -> Client
	if !conn.Send(models.UserOnlineEvent{UserID: "friend"}) {
		t.Fatal("Send on a live connection failed")
	}
	env := ws.next(t)
	if env.Event != models.EventUserOnline {
		t.Errorf("Expected userOnline, got %s", env.Event)
	}
	var online models.UserOnlineEvent
	if err := json.Unmarshal(env.Data, &online); err != nil || online.UserID != "friend" {
		t.Errorf("WS received wrong payload: %s", env.Data)
	}

	// 3. Stop
	cancel()
	if err := waitDone(t, done); err != nil {
		t.Errorf("Handle returned error: %v", err)
	}

	select {
	case id := <-hub.disconnectCh:
		if id != "user1" {
			t.Errorf("Expected Disconnect with user1, got %s", id)
		}
	default:
		t.Error("Disconnect not called")
	}

	if !ws.isClosed() {
		t.Error("WS Close not called")
	}
	if conn.Send(models.UserOnlineEvent{UserID: "friend"}) {
		t.Error("Send succeeded after the connection ended")
	}
}

func TestConnection_WSError(t *testing.T) {
	hub := newMockHub()
	ws := newMockWS()

	// Simulate ReadJSON error immediately
	ws.failWith(errors.New("read error"))

	_, _, done := startConn(t, hub, ws, nil)

	if err := waitDone(t, done); err == nil {
		t.Error("Expected error from Handle, got nil")
	}
	if !ws.isClosed() {
		t.Error("WS Close not called")
	}
}

func TestConnection_CloseEndsSession(t *testing.T) {
	hub := newMockHub()
	ws := newMockWS()

	conn, _, done := startConn(t, hub, ws, nil)
	<-hub.connectCh

	// A newer connection for the same user displaces this one.
	conn.Close()

	if err := waitDone(t, done); err != nil {
		t.Errorf("Handle returned error: %v", err)
	}
	if !ws.isClosed() {
		t.Error("WS Close not called")
	}
	if !conn.Closed() {
		t.Error("Connection not reported closed")
	}
}

func TestConnection_DispatchErrorGoesToClient(t *testing.T) {
	hub := newMockHub()
	hub.dispatchErr = models.ErrNotAuthorized
	ws := newMockWS()

	startConn(t, hub, ws, nil)

	ws.sendEvent(t, models.EventJoin, models.JoinRequest{ChatID: "someone-elses"})
	<-hub.dispatchCh

	env := ws.next(t)
	if env.Event != models.EventError {
		t.Fatalf("Expected error event, got %s", env.Event)
	}
	var errEv models.ErrorEvent
	if err := json.Unmarshal(env.Data, &errEv); err != nil {
		t.Fatal(err)
	}
	if errEv.Code != models.CodeNotAuthorized || errEv.Event != models.EventJoin || errEv.Retryable {
		t.Errorf("Unexpected error event: %+v", errEv)
	}
}

func TestConnection_BadFramesKeepConnection(t *testing.T) {
	hub := newMockHub()
	ws := newMockWS()

	_, _, done := startConn(t, hub, ws, nil)

	ws.readCh <- readItem{err: &json.SyntaxError{Offset: 1}}
	ws.readCh <- readItem{env: models.Envelope{Event: "dance"}}

	for range 2 {
		env := ws.next(t)
		var errEv models.ErrorEvent
		if err := json.Unmarshal(env.Data, &errEv); err != nil {
			t.Fatal(err)
		}
		if errEv.Code != models.CodeInvalidInput {
			t.Errorf("Expected InvalidInput, got %+v", errEv)
		}
	}

	// Still serving.
	ws.sendEvent(t, models.EventLeave, models.LeaveRequest{ChatID: "c"})
	select {
	case <-hub.dispatchCh:
	case <-time.After(time.Second):
		t.Fatal("Connection stopped after a bad frame")
	}

	select {
	case err := <-done:
		t.Fatalf("Handle returned early: %v", err)
	default:
	}
}

func TestConnection_RateLimited(t *testing.T) {
	hub := newMockHub()
	ws := newMockWS()

	startConn(t, hub, ws, rate.NewLimiter(rate.Every(time.Hour), 1))

	ws.sendEvent(t, models.EventStopTyping, models.StopTypingRequest{ChatID: "c"})
	ws.sendEvent(t, models.EventStopTyping, models.StopTypingRequest{ChatID: "c"})

	<-hub.dispatchCh

	env := ws.next(t)
	var errEv models.ErrorEvent
	if err := json.Unmarshal(env.Data, &errEv); err != nil {
		t.Fatal(err)
	}
	if errEv.Code != models.CodeRateLimited || !errEv.Retryable {
		t.Errorf("Expected retryable RateLimited, got %+v", errEv)
	}

	select {
	case ev := <-hub.dispatchCh:
		t.Errorf("Rate limited event was dispatched: %#v", ev)
	default:
	}
}

func TestConnection_SlowConsumerIsClosed(t *testing.T) {
	conn := NewConnection(newMockHub(), newMockWS(), "user1", nil, nil)

	for i := range outboxSize {
		if !conn.Send(models.UserOnlineEvent{UserID: "f"}) {
			t.Fatalf("Send %d failed before the outbox filled", i)
		}
	}
	if conn.Send(models.UserOnlineEvent{UserID: "f"}) {
		t.Error("Send succeeded on a full outbox")
	}
	if !conn.Closed() {
		t.Error("Slow connection was not closed")
	}
}
