package gateway

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024
)

// LiveConn is a registered live-view peer. The connection id is stable
// across reconnects: a peer that supplies the same id after dropping its
// socket takes over the registry slot, so server-pushed frames keep
// routing to it.
type LiveConn struct {
	ID        string
	SessionID string
	CreatedAt time.Time

	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	evict  func(*LiveConn)
	mu     sync.Mutex
	closed bool
}

// Drained is closed once the write pump has flushed every queued frame and
// shut the socket down. Callers that must deliver a final frame wait on it
// before tearing the connection away.
func (c *LiveConn) Drained() <-chan struct{} {
	return c.done
}

// Send queues a message for the peer without blocking. A peer that cannot
// drain its buffer is disconnected and dropped from the registry rather
// than allowed to stall the screencast pipeline.
func (c *LiveConn) Send(message []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("live connection %s: closed", c.ID)
	}
	select {
	case c.send <- message:
		c.mu.Unlock()
		return nil
	default:
		c.closed = true
		close(c.send)
		evict := c.evict
		c.mu.Unlock()
		if evict != nil {
			evict(c)
		}
		return fmt.Errorf("live connection %s: send buffer full", c.ID)
	}
}

func (c *LiveConn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// writePump drains the send buffer onto the socket and keeps the peer
// alive with periodic pings. Runs until the buffer is closed or a write
// fails. A closed buffer is drained fully before the close frame goes out,
// so frames queued ahead of a close still reach the peer.
func (c *LiveConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		close(c.done)
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// LiveRegistry tracks live-view peers keyed by connection id. All mutation
// goes through Register and Remove; callers never touch the map directly.
type LiveRegistry struct {
	mu    sync.RWMutex
	conns map[string]*LiveConn
	log   *zap.Logger
}

func NewLiveRegistry(log *zap.Logger) *LiveRegistry {
	return &LiveRegistry{
		conns: make(map[string]*LiveConn),
		log:   log.Named("live"),
	}
}

// Register adds a peer under connID, generating an id when the caller
// supplies none. A reconnecting peer reusing its id displaces the stale
// entry.
func (r *LiveRegistry) Register(sessionID, connID string, conn *websocket.Conn) *LiveConn {
	if connID == "" {
		connID = uuid.New().String()
	}

	c := &LiveConn{
		ID:        connID,
		SessionID: sessionID,
		CreatedAt: time.Now(),
		conn:      conn,
		send:      make(chan []byte, 256),
		done:      make(chan struct{}),
		evict:     r.Remove,
	}

	r.mu.Lock()
	if old, ok := r.conns[connID]; ok {
		old.close()
	}
	r.conns[connID] = c
	r.mu.Unlock()

	go c.writePump()

	r.log.Info("live peer registered",
		zap.String("connection_id", connID),
		zap.String("session_id", sessionID))
	return c
}

// Remove drops the peer and closes its send buffer. The registry entry is
// deleted only when it is still this exact peer: a stale handler cleaning
// up after being displaced by a reconnect must not unregister its
// successor.
func (r *LiveRegistry) Remove(c *LiveConn) {
	r.mu.Lock()
	registered := r.conns[c.ID] == c
	if registered {
		delete(r.conns, c.ID)
	}
	r.mu.Unlock()

	c.close()
	if registered {
		r.log.Info("live peer removed", zap.String("connection_id", c.ID))
	}
}

// Get returns the peer registered under connID.
func (r *LiveRegistry) Get(connID string) (*LiveConn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[connID]
	return c, ok
}

// SendTo delivers a message to a single peer.
func (r *LiveRegistry) SendTo(connID string, message []byte) error {
	c, ok := r.Get(connID)
	if !ok {
		return fmt.Errorf("live connection %s not found", connID)
	}
	return c.Send(message)
}

// Broadcast delivers a message to every peer watching sessionID.
func (r *LiveRegistry) Broadcast(sessionID string, message []byte) {
	r.mu.RLock()
	peers := make([]*LiveConn, 0, len(r.conns))
	for _, c := range r.conns {
		if c.SessionID == sessionID {
			peers = append(peers, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range peers {
		if err := c.Send(message); err != nil {
			r.log.Warn("broadcast drop", zap.String("connection_id", c.ID), zap.Error(err))
			r.Remove(c)
		}
	}
}

// Count reports the number of registered peers.
func (r *LiveRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
