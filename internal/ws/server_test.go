package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatcore/internal/models"
)

type staticAuth map[string]string

func (a staticAuth) GetUserID(token string) (string, error) {
	if id, ok := a[token]; ok {
		return id, nil
	}
	return "", models.ErrNotAuthorized
}

func dialServer(t *testing.T, h *testHub, token string) *websocket.Conn {
	t.Helper()
	srv := NewServer(h.Hub, staticAuth{"t-alice": "alice"}, ServerConfig{ReadLimit: 4096}, nil)
	ts := httptest.NewServer(http.HandlerFunc(srv.HandleConnections))
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// readEvent skips frames until one carries the event T.
func readEvent[T models.ServerEvent](t *testing.T, conn *websocket.Conn) T {
	t.Helper()
	var want T
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var env models.Envelope
		require.NoError(t, conn.ReadJSON(&env), "waiting for %s", want.EventName())
		if env.Event != want.EventName() {
			continue
		}
		require.NoError(t, json.Unmarshal(env.Data, &want))
		return want
	}
}

func TestServer_EmptyAndTruncatedFramesKeepConnection(t *testing.T) {
	h := newTestHub(t)
	conn := dialServer(t, h, "t-alice")
	readEvent[models.OnlineFriendsEvent](t, conn)

	for _, frame := range []string{"", `{"event":"join","data":`, "   "} {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
		errEv := readEvent[models.ErrorEvent](t, conn)
		assert.Equal(t, models.CodeInvalidInput, errEv.Code, "frame %q", frame)
	}

	data, err := json.Marshal(models.OnlineStatusRequest{FriendID: "bob"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(models.Envelope{Event: models.EventRequestOnlineStatus, Data: data}))
	status := readEvent[models.OnlineStatusEvent](t, conn)
	assert.Equal(t, "bob", status.UserID)
	assert.False(t, status.Online)
	assert.True(t, h.IsOnline("alice"))
}

func TestServer_RejectsUnknownToken(t *testing.T) {
	h := newTestHub(t)
	srv := NewServer(h.Hub, staticAuth{}, ServerConfig{}, nil)
	ts := httptest.NewServer(http.HandlerFunc(srv.HandleConnections))
	defer ts.Close()

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/?token=nope", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
