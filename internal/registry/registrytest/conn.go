// Package registrytest provides an in-memory registry.Conn for tests.
package registrytest

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"chatcore/internal/models"
)

// Conn records every event sent to it on a buffered channel.
type Conn struct {
	id     string
	userID string
	Events chan models.ServerEvent

	mu     sync.Mutex
	closed bool
}

func NewConn(userID string) *Conn {
	return &Conn{
		id:     uuid.NewString(),
		userID: userID,
		Events: make(chan models.ServerEvent, 64),
	}
}

func (c *Conn) ID() string     { return c.id }
func (c *Conn) UserID() string { return c.userID }

func (c *Conn) Send(ev models.ServerEvent) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.Events <- ev:
		return true
	default:
		return false
	}
}

func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Next waits for the next event or returns nil after timeout.
func (c *Conn) Next(timeout time.Duration) models.ServerEvent {
	select {
	case ev := <-c.Events:
		return ev
	case <-time.After(timeout):
		return nil
	}
}

// Drain returns every event queued so far.
func (c *Conn) Drain() []models.ServerEvent {
	var out []models.ServerEvent
	for {
		select {
		case ev := <-c.Events:
			out = append(out, ev)
		default:
			return out
		}
	}
}
