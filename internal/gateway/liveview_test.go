package gateway

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// wsPair upgrades one server-side connection and returns both ends.
func wsPair(t *testing.T) (server, client *websocket.Conn) {
	t.Helper()

	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	serverConns := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverConns <- conn
		// Hold the server side open until the client goes away. The
		// registry owns writes; reading here is the only safe wait.
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	select {
	case server = <-serverConns:
	case <-time.After(2 * time.Second):
		t.Fatal("server connection not established")
	}
	return server, client
}

func TestRegistryGeneratesConnectionID(t *testing.T) {
	reg := NewLiveRegistry(zap.NewNop())
	server, _ := wsPair(t)

	c := reg.Register("sess-1", "", server)
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, 1, reg.Count())
}

func TestRegistryKeepsSuppliedConnectionID(t *testing.T) {
	reg := NewLiveRegistry(zap.NewNop())
	server, _ := wsPair(t)

	c := reg.Register("sess-1", "viewer-7", server)
	assert.Equal(t, "viewer-7", c.ID)

	got, ok := reg.Get("viewer-7")
	require.True(t, ok)
	assert.Same(t, c, got)
}

func TestRegistryReconnectDisplacesStalePeer(t *testing.T) {
	reg := NewLiveRegistry(zap.NewNop())
	s1, _ := wsPair(t)
	s2, _ := wsPair(t)

	old := reg.Register("sess-1", "viewer-1", s1)
	reg.Register("sess-1", "viewer-1", s2)

	assert.Equal(t, 1, reg.Count())
	assert.Error(t, old.Send([]byte("frame")), "displaced peer should be closed")

	got, ok := reg.Get("viewer-1")
	require.True(t, ok)
	assert.NoError(t, got.Send([]byte("frame")))
}

func TestRegistrySendDelivers(t *testing.T) {
	reg := NewLiveRegistry(zap.NewNop())
	server, client := wsPair(t)

	reg.Register("sess-1", "viewer-1", server)
	require.NoError(t, reg.SendTo("viewer-1", []byte(`{"method":"frame"}`)))

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := client.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, `{"method":"frame"}`, string(data))
}

func TestRegistrySendToUnknownPeer(t *testing.T) {
	reg := NewLiveRegistry(zap.NewNop())
	assert.Error(t, reg.SendTo("ghost", []byte("x")))
}

func TestRegistryBroadcastScopedToSession(t *testing.T) {
	reg := NewLiveRegistry(zap.NewNop())
	sA, cA := wsPair(t)
	sB, cB := wsPair(t)

	reg.Register("sess-a", "viewer-a", sA)
	reg.Register("sess-b", "viewer-b", sB)

	reg.Broadcast("sess-a", []byte("frame-a"))

	cA.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := cA.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "frame-a", string(data))

	cB.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err = cB.ReadMessage()
	assert.Error(t, err, "peer on another session should receive nothing")
}

func TestRegistryRemoveIsIdempotent(t *testing.T) {
	reg := NewLiveRegistry(zap.NewNop())
	server, _ := wsPair(t)

	c := reg.Register("sess-1", "viewer-1", server)
	reg.Remove(c)
	reg.Remove(c)

	assert.Equal(t, 0, reg.Count())
	assert.Error(t, c.Send([]byte("late")))
}

func TestRegistryStaleCleanupKeepsReconnectedPeer(t *testing.T) {
	reg := NewLiveRegistry(zap.NewNop())
	s1, _ := wsPair(t)
	s2, c2 := wsPair(t)

	stale := reg.Register("sess-1", "viewer-1", s1)
	fresh := reg.Register("sess-1", "viewer-1", s2)

	// The displaced handler tears itself down after the reconnect has
	// taken over the slot; the new peer must survive that cleanup.
	reg.Remove(stale)

	got, ok := reg.Get("viewer-1")
	require.True(t, ok, "reconnected peer must still be registered after stale cleanup")
	assert.Same(t, fresh, got)

	require.NoError(t, fresh.Send([]byte("frame")))
	c2.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := c2.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "frame", string(data))
}

func TestLiveConnBufferOverflowCloses(t *testing.T) {
	// No write pump draining, so the buffer fills and the peer is cut off
	// instead of blocking the sender.
	c := &LiveConn{ID: "slow", send: make(chan []byte, 2)}

	require.NoError(t, c.Send([]byte("1")))
	require.NoError(t, c.Send([]byte("2")))
	assert.Error(t, c.Send([]byte("3")))
	assert.Error(t, c.Send([]byte("4")), "closed peer stays closed")
}

func TestLiveConnBufferOverflowEvictsFromRegistry(t *testing.T) {
	reg := NewLiveRegistry(zap.NewNop())
	c := &LiveConn{ID: "slow", SessionID: "sess-1", send: make(chan []byte, 1)}
	c.evict = reg.Remove
	reg.conns[c.ID] = c

	require.NoError(t, c.Send([]byte("1")))
	assert.Error(t, c.Send([]byte("2")))

	assert.Equal(t, 0, reg.Count(), "overflowing peer should leave no dead registry entry")
	assert.Error(t, reg.SendTo("slow", []byte("x")))
}
