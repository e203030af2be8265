package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"chatcore/internal/metrics"
	"chatcore/internal/models"
	"chatcore/internal/registry"
)

const outboxSize = 256

var errRateLimited = errors.New("too many events")

type wsConnection interface {
	Close() error
	WriteJSON(v any) error
	ReadJSON(v any) error
}

type eventHub interface {
	Connect(c *Connection)
	Disconnect(c *Connection)
	Dispatch(ctx context.Context, c *Connection, ev models.ClientEvent) error
}

type inbound struct {
	env models.Envelope
	err error
}

// Connection is one websocket session. Events pushed by the core are queued
// on a bounded outbox and written by the main loop, so Send never blocks.
type Connection struct {
	id         string
	ws         wsConnection
	hub        eventHub
	userID     string
	limiter    *rate.Limiter
	log        *slog.Logger
	fromClient chan inbound
	outbox     chan models.ServerEvent
	errorCh    chan error
	done       chan struct{}
	closeOnce  sync.Once
}

var _ registry.Conn = (*Connection)(nil)

func NewConnection(
	hub eventHub,
	ws wsConnection,
	userID string,
	limiter *rate.Limiter,
	log *slog.Logger,
) *Connection {
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 0)
	}
	if log == nil {
		log = slog.Default()
	}
	id := uuid.NewString()
	return &Connection{
		id:         id,
		ws:         ws,
		hub:        hub,
		userID:     userID,
		limiter:    limiter,
		log:        log.With("conn_id", id, "user_id", userID),
		fromClient: make(chan inbound),
		outbox:     make(chan models.ServerEvent, outboxSize),
		errorCh:    make(chan error, 2),
		done:       make(chan struct{}),
	}
}

func (c *Connection) ID() string     { return c.id }
func (c *Connection) UserID() string { return c.userID }

// Send queues ev without blocking. A connection whose outbox is full is
// closed; the client recovers by reconnecting and refetching.
func (c *Connection) Send(ev models.ServerEvent) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.outbox <- ev:
		return true
	case <-c.done:
		return false
	default:
		c.log.Warn("outbox full, closing slow connection", "event", ev.EventName())
		c.Close()
		return false
	}
}

// Close stops the session. It is safe to call from any goroutine, any number of times.
func (c *Connection) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Connection) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.hub.Connect(c)
	defer func() {
		close(c.errorCh)
		c.hub.Disconnect(c)
	}()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpMessages(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	// The first goroutine to finish decides the outcome. An outer cancel
	// surfaces here as a nil error from mainLoop.
	err := <-c.errorCh
	c.Close()
	_ = c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (c *Connection) pumpMessages(ctx context.Context) error {
	for {
		var msg inbound
		if err := c.ws.ReadJSON(&msg.env); err != nil {
			// A malformed frame is reported back; the socket itself is still fine.
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if !errors.As(err, &syntaxErr) && !errors.As(err, &typeErr) {
				return err
			}
			msg = inbound{err: fmt.Errorf("malformed frame: %v: %w", err, models.ErrInvalidInput)}
		}
		select {
		case c.fromClient <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	for {
		select {
		case msg := <-c.fromClient:
			c.processClientMessage(ctx, msg)
		case ev := <-c.outbox:
			if err := c.write(ev); err != nil {
				return err
			}
		case <-c.done:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Connection) write(ev models.ServerEvent) error {
	env, err := models.NewEnvelope(ev)
	if err != nil {
		c.log.Error("failed to encode event", "event", ev.EventName(), "error", err)
		return nil
	}
	if err := c.ws.WriteJSON(env); err != nil {
		return err
	}
	metrics.IncWSEvent("out", string(ev.EventName()))
	return nil
}

// processClientMessage never fails the connection. Request errors are
// reported to this client only.
func (c *Connection) processClientMessage(ctx context.Context, msg inbound) {
	if msg.err != nil {
		c.sendError("", msg.err)
		return
	}
	metrics.IncWSEvent("in", string(msg.env.Event))

	if !c.limiter.Allow() {
		c.sendError(msg.env.Event, errRateLimited)
		return
	}

	ev, err := models.DecodeClientEvent(msg.env)
	if err != nil {
		c.sendError(msg.env.Event, err)
		return
	}

	if err := c.hub.Dispatch(ctx, c, ev); err != nil {
		c.sendError(ev.EventName(), err)
	}
}

func (c *Connection) sendError(event models.EventName, err error) {
	errEv := models.NewErrorEvent(event, err)
	if errors.Is(err, errRateLimited) {
		errEv.Code = models.CodeRateLimited
		errEv.Retryable = true
	}
	metrics.IncWSError(string(event), errEv.Code)
	if errEv.Code == models.CodeInternal {
		c.log.Error("request failed", "event", event, "error", err)
	} else {
		c.log.Debug("request rejected", "event", event, "code", errEv.Code, "error", err)
	}
	c.Send(errEv)
}
