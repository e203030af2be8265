package ws

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"chatcore/internal/auth"
	"chatcore/internal/models"
)

const writeWait = 10 * time.Second

type Authenticator interface {
	GetUserID(token string) (string, error)
}

type ServerConfig struct {
	// AllowInsecureUserID trusts ?userId= when no token is presented.
	AllowInsecureUserID bool
	EventsPerSecond     float64
	EventBurst          int
	// ReadLimit caps a single inbound frame.
	ReadLimit int64
}

type Server struct {
	hub      *Hub
	auth     Authenticator
	cfg      ServerConfig
	upgrader *websocket.Upgrader
	log      *slog.Logger
}

func NewServer(hub *Hub, auth Authenticator, cfg ServerConfig, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		hub:  hub,
		auth: auth,
		cfg:  cfg,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for now
			},
		},
		log: log,
	}
}

func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	userID, err := s.identify(r)
	if err != nil {
		s.log.Debug("websocket upgrade rejected", "error", err)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("error upgrading to websocket", "error", err)
		return
	}
	if s.cfg.ReadLimit > 0 {
		ws.SetReadLimit(s.cfg.ReadLimit)
	}

	var limiter *rate.Limiter
	if s.cfg.EventsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.EventsPerSecond), s.cfg.EventBurst)
	}

	conn := NewConnection(s.hub, &gorillaConn{Conn: ws}, userID, limiter, s.log)
	s.log.Debug("websocket connected", "user_id", userID, "conn_id", conn.ID())

	if err := conn.Handle(r.Context()); err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
			s.log.Debug("websocket closed by client", "user_id", userID, "conn_id", conn.ID())
			return
		}
		s.log.Info("websocket connection ended", "user_id", userID, "conn_id", conn.ID(), "error", err)
	}
}

func (s *Server) identify(r *http.Request) (string, error) {
	if token := auth.TokenFromRequest(r); token != "" {
		return s.auth.GetUserID(token)
	}
	if s.cfg.AllowInsecureUserID {
		if userID := r.URL.Query().Get("userId"); userID != "" {
			return userID, nil
		}
	}
	return "", fmt.Errorf("no credentials: %w", models.ErrNotAuthorized)
}

// gorillaConn bounds every write so a stalled client cannot pin the main loop.
type gorillaConn struct {
	*websocket.Conn
}

func (g *gorillaConn) WriteJSON(v any) error {
	if err := g.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return g.Conn.WriteJSON(v)
}

// ReadJSON reads the whole frame before decoding it. Transport errors come
// from the read, so an empty or truncated payload surfaces as a
// *json.SyntaxError and never as io.ErrUnexpectedEOF.
func (g *gorillaConn) ReadJSON(v any) error {
	_, r, err := g.NextReader()
	if err != nil {
		return err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
