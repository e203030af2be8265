// Package presence announces online and offline transitions to friends.
package presence

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"chatcore/internal/events"
	"chatcore/internal/metrics"
	"chatcore/internal/models"
	"chatcore/internal/registry"
)

const DefaultLookupTimeout = 2 * time.Second

type Friends interface {
	Friends(ctx context.Context, userID string) ([]string, error)
}

type Connections interface {
	Lookup(userID string) (registry.Conn, bool)
	IsOnline(userID string) bool
	OnlineUserIDs() map[string]struct{}
	Len() int
}

// Tracker implements registry.Observer. Friend lookups run outside the
// registry lock, and every broadcast re-checks live registry state so a
// transition that raced with the lookup is not announced stale.
type Tracker struct {
	friends Friends
	conns   Connections
	pub     events.Publisher
	timeout time.Duration
	log     *slog.Logger
}

var _ registry.Observer = (*Tracker)(nil)

func New(friends Friends, conns Connections, pub events.Publisher, timeout time.Duration, log *slog.Logger) *Tracker {
	if timeout <= 0 {
		timeout = DefaultLookupTimeout
	}
	if pub == nil {
		pub = events.Noop()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{friends: friends, conns: conns, pub: pub, timeout: timeout, log: log}
}

// Connected replies with the online friends snapshot and, when the user just
// came online, tells those friends.
func (t *Tracker) Connected(c registry.Conn, cameOnline bool) {
	metrics.SetWSActive(t.conns.Len())
	userID := c.UserID()

	friendIDs := t.lookup(userID)
	online := t.onlineAmong(friendIDs)

	if !c.Send(models.OnlineFriendsEvent{FriendIDs: online}) {
		t.log.Debug("dropped onlineFriends", "user_id", userID, "conn_id", c.ID())
	}

	if !cameOnline {
		return
	}
	// The user may have disconnected while we looked up friends. A replacement
	// registered meanwhile was told it is not an online transition, so the
	// announcement is still owed and made here.
	if !t.conns.IsOnline(userID) {
		return
	}
	t.broadcast(online, models.UserOnlineEvent{UserID: userID})
	t.publish(events.KeyPresenceOnline, userID)
}

func (t *Tracker) Disconnected(userID string) {
	metrics.SetWSActive(t.conns.Len())

	friendIDs := t.lookup(userID)
	if t.conns.IsOnline(userID) {
		// Reconnected meanwhile; the new connection already announced itself.
		return
	}
	t.broadcast(t.onlineAmong(friendIDs), models.UserOfflineEvent{UserID: userID})
	t.publish(events.KeyPresenceOffline, userID)
}

// OnlineFriends is the intersection of userID's friends with the live registry.
func (t *Tracker) OnlineFriends(userID string) []string {
	return t.onlineAmong(t.lookup(userID))
}

// RequestOnlineStatus answers a point query from live registry state.
func (t *Tracker) RequestOnlineStatus(friendID string) models.OnlineStatusEvent {
	return models.OnlineStatusEvent{UserID: friendID, Online: t.conns.IsOnline(friendID)}
}

// lookup degrades to no friends on failure; presence is eventually consistent.
func (t *Tracker) lookup(userID string) []string {
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()

	ids, err := t.friends.Friends(ctx, userID)
	if err != nil {
		t.log.Warn("friend lookup failed, presence degraded", "user_id", userID, "error", err)
		return nil
	}
	return ids
}

func (t *Tracker) onlineAmong(friendIDs []string) []string {
	live := t.conns.OnlineUserIDs()
	online := make([]string, 0, len(friendIDs))
	for _, id := range friendIDs {
		if _, ok := live[id]; ok {
			online = append(online, id)
		}
	}
	sort.Strings(online)
	return online
}

func (t *Tracker) broadcast(userIDs []string, ev models.ServerEvent) {
	for _, id := range userIDs {
		conn, ok := t.conns.Lookup(id)
		if !ok {
			continue
		}
		if !conn.Send(ev) {
			metrics.IncWSDropped(string(ev.EventName()))
			t.log.Debug("dropped presence event", "event", ev.EventName(), "user_id", id)
		}
	}
}

func (t *Tracker) publish(key, userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()
	if err := t.pub.Publish(ctx, key, events.PresenceChanged{UserID: userID}); err != nil {
		t.log.Warn("failed to publish presence event", "routing_key", key, "user_id", userID, "error", err)
	}
}
