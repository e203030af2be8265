// Package typing holds ephemeral per-chat typing indicators that expire on their own.
package typing

import (
	"log/slog"
	"sync"
	"time"

	"chatcore/internal/metrics"
	"chatcore/internal/models"
)

// DefaultTimeout is twice the client's 1.5s keystroke debounce.
const DefaultTimeout = 3 * time.Second

type Broadcaster interface {
	Broadcast(chatID string, ev models.ServerEvent, exceptUserID string) int
}

type Timer interface {
	Stop() bool
}

type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

type key struct {
	chatID string
	userID string
}

type state struct {
	startedAt time.Time
	refreshed time.Time
	gen       uint64
	timer     Timer
}

type Coordinator struct {
	out     Broadcaster
	clock   Clock
	timeout time.Duration
	log     *slog.Logger

	mu     sync.Mutex
	states map[key]*state
	gen    uint64
}

type Option func(*Coordinator)

func WithClock(c Clock) Option {
	return func(co *Coordinator) { co.clock = c }
}

func WithTimeout(d time.Duration) Option {
	return func(co *Coordinator) {
		if d > 0 {
			co.timeout = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(co *Coordinator) { co.log = l }
}

func New(out Broadcaster, opts ...Option) *Coordinator {
	c := &Coordinator{
		out:     out,
		clock:   realClock{},
		timeout: DefaultTimeout,
		log:     slog.Default(),
		states:  make(map[key]*state),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Start records or refreshes the typing state of userID in chatID.
// Only the Idle to Typing transition is broadcast.
func (c *Coordinator) Start(chatID, userID string) {
	k := key{chatID: chatID, userID: userID}
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.gen++
	gen := c.gen

	if st, ok := c.states[k]; ok {
		st.timer.Stop()
		st.refreshed = now
		st.gen = gen
		st.timer = c.clock.AfterFunc(c.timeout, func() { c.expire(k, gen) })
		return
	}

	c.states[k] = &state{
		startedAt: now,
		refreshed: now,
		gen:       gen,
		timer:     c.clock.AfterFunc(c.timeout, func() { c.expire(k, gen) }),
	}
	c.out.Broadcast(chatID, models.UserTypingEvent{ChatID: chatID, UserID: userID}, userID)
}

// Stop clears the state and broadcasts userStoppedTyping. It does nothing
// when userID was not typing.
func (c *Coordinator) Stop(chatID, userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked(key{chatID: chatID, userID: userID})
}

// StopAll clears typing state of userID in every given chat.
func (c *Coordinator) StopAll(userID string, chatIDs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, chatID := range chatIDs {
		c.stopLocked(key{chatID: chatID, userID: userID})
	}
}

func (c *Coordinator) IsTyping(chatID, userID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.states[key{chatID: chatID, userID: userID}]
	return ok
}

func (c *Coordinator) stopLocked(k key) {
	st, ok := c.states[k]
	if !ok {
		return
	}
	st.timer.Stop()
	delete(c.states, k)
	c.out.Broadcast(k.chatID, models.UserStoppedTypingEvent{ChatID: k.chatID, UserID: k.userID}, k.userID)
}

func (c *Coordinator) expire(k key, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.states[k]
	// A refresh or stop after this timer fired wins.
	if !ok || st.gen != gen {
		return
	}
	delete(c.states, k)
	metrics.IncTypingExpired()
	c.log.Debug("typing expired", "chat_id", k.chatID, "user_id", k.userID,
		"typing_for", c.clock.Now().Sub(st.startedAt))
	c.out.Broadcast(k.chatID, models.UserStoppedTypingEvent{ChatID: k.chatID, UserID: k.userID}, k.userID)
}
