package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/autocrawlerHQ/browserhub/internal/chrome"
	"github.com/autocrawlerHQ/browserhub/internal/extension"
	"github.com/autocrawlerHQ/browserhub/internal/protocol"
	"github.com/autocrawlerHQ/browserhub/internal/session"
)

const dialTimeout = 10 * time.Second

// Gateway upgrades incoming DevTools connections and relays them to the
// backing browser. Each upgrade is classified as browser-level, page-level,
// or live-view; browser and page routes resolve a session first and hold
// its lease for the lifetime of the socket.
type Gateway struct {
	sessions *session.Manager
	dispatch *protocol.Dispatcher
	live     *LiveRegistry
	upgrader websocket.Upgrader
	dialer   *websocket.Dialer
	log      *zap.Logger
}

func New(sessions *session.Manager, dispatch *protocol.Dispatcher, log *zap.Logger) *Gateway {
	return &Gateway{
		sessions: sessions,
		dispatch: dispatch,
		live:     NewLiveRegistry(log),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  maxMessageSize,
			WriteBufferSize: maxMessageSize,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		dialer: &websocket.Dialer{
			HandshakeTimeout: dialTimeout,
		},
		log: log.Named("gateway"),
	}
}

// Live exposes the live-view peer registry.
func (g *Gateway) Live() *LiveRegistry {
	return g.live
}

// HandleBrowser serves /devtools/browser/:id. An empty id launches a fresh
// session; otherwise the id must name a live one.
func (g *Gateway) HandleBrowser(w http.ResponseWriter, r *http.Request, sessionID string, opts chrome.LaunchOptions, feats chrome.Features) {
	sess, err := g.sessions.Request(r.Context(), sessionID, opts, feats)
	if err != nil {
		g.log.Warn("browser upgrade: session resolution failed",
			zap.String("session_id", sessionID), zap.Error(err))
		http.Error(w, "could not resolve session", resolveStatus(err))
		return
	}

	info := protocol.ConnInfo{SessionID: sess.ID()}
	g.proxy(w, r, sess, sess.WSEndpoint(), info)
}

// HandlePage serves /devtools/page/:id. The page id normally names an
// existing target somewhere in the session map; a client-generated
// placeholder id (a UUID, which real DevTools target ids never are) gets a
// fresh session with a blank page instead.
func (g *Gateway) HandlePage(w http.ResponseWriter, r *http.Request, pageID string) {
	ctx := r.Context()

	sess, target, err := g.sessions.FindByPage(ctx, pageID)
	if err != nil {
		if !errors.Is(err, session.ErrSessionNotFound) || !isPlaceholderPage(pageID) {
			g.log.Warn("page upgrade: session resolution failed",
				zap.String("page_id", pageID), zap.Error(err))
			http.Error(w, "could not resolve session", http.StatusRequestTimeout)
			return
		}
		sess, target, err = g.launchForPage(ctx)
		if err != nil {
			g.log.Error("page upgrade: launch failed", zap.Error(err))
			http.Error(w, "could not resolve session", resolveStatus(err))
			return
		}
	}

	info := protocol.ConnInfo{SessionID: sess.ID(), PageID: target.ID}
	g.proxy(w, r, sess, pageEndpoint(sess, target.ID), info)
}

// HandleLive serves /live?session=&connection=. The peer is registered in
// the live registry under a stable connection id and relayed to the
// session's browser endpoint; synthetic-domain calls (notably the live
// keep-alive ping) are answered locally on the way through. When the
// browser side ends first the peer receives a liveComplete event before
// the socket closes.
func (g *Gateway) HandleLive(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		http.Error(w, "missing session parameter", http.StatusBadRequest)
		return
	}

	sess, err := g.sessions.Get(sessionID)
	if err != nil {
		g.log.Warn("live upgrade: session resolution failed",
			zap.String("session_id", sessionID), zap.Error(err))
		http.Error(w, "could not resolve session", http.StatusRequestTimeout)
		return
	}

	clientConn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("live upgrade failed", zap.Error(err))
		return
	}

	browserConn, _, err := g.dialer.DialContext(r.Context(), sess.WSEndpoint(), nil)
	if err != nil {
		g.log.Error("live upgrade: browser dial failed", zap.Error(err))
		clientConn.Close()
		return
	}

	connID := r.URL.Query().Get("connection")
	peer := g.live.Register(sessionID, connID, clientConn)
	ctx := protocol.WithConnInfo(context.Background(), protocol.ConnInfo{SessionID: sessionID})

	results := make(chan proxyResult, 2)
	go func() {
		browserConn.SetReadLimit(maxMessageSize)
		for {
			_, data, err := browserConn.ReadMessage()
			if err != nil {
				results <- proxyResult{err: err, browserSide: true}
				return
			}
			// A Send failure means the peer is gone (displaced or slow),
			// not the browser.
			if err := peer.Send(data); err != nil {
				results <- proxyResult{err: err}
				return
			}
		}
	}()

	go func() {
		clientConn.SetReadLimit(maxMessageSize)
		clientConn.SetReadDeadline(time.Now().Add(pongWait))
		clientConn.SetPongHandler(func(string) error {
			clientConn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
		for {
			_, data, err := clientConn.ReadMessage()
			if err != nil {
				results <- proxyResult{err: err}
				return
			}
			clientConn.SetReadDeadline(time.Now().Add(pongWait))

			msg, perr := protocol.ParseMessage(data)
			if perr == nil {
				if reply, handled := g.dispatch.Dispatch(ctx, msg); handled {
					if err := peer.Send(reply.Encode()); err != nil {
						results <- proxyResult{err: err}
						return
					}
					continue
				}
			}
			if err := browserConn.WriteMessage(websocket.TextMessage, data); err != nil {
				results <- proxyResult{err: err, browserSide: true}
				return
			}
		}
	}()

	res := <-results
	if res.browserSide {
		if isCloseError(res.err) {
			g.log.Warn("live browser relay ended", zap.Error(res.err))
		}
		// Every peer watching this session is about to lose its feed.
		g.live.Broadcast(sessionID, protocol.NewEvent(extension.EventLiveComplete, map[string]string{
			"sessionId": sessionID,
		}).Encode())
	} else if isCloseError(res.err) {
		g.log.Debug("live peer disconnected", zap.Error(res.err))
	}

	// Remove closes the send buffer; the write pump flushes anything still
	// queued (the liveComplete event above included) before it shuts the
	// socket. Wait for that flush rather than closing underneath it.
	g.live.Remove(peer)
	select {
	case <-peer.Drained():
	case <-time.After(writeWait):
	}
	browserConn.Close()
	clientConn.Close()
}

// proxyResult tags which side of the relay failed. Browser-side failures
// close the session outright so a half-open process never lingers; a
// client disconnect only runs complete(), preserving any keep-alive lease.
type proxyResult struct {
	err         error
	browserSide bool
}

// proxy relays bytes between the client socket and target until either
// side closes. complete() runs exactly once regardless of which side goes
// first.
func (g *Gateway) proxy(w http.ResponseWriter, r *http.Request, sess *session.Session, target string, info protocol.ConnInfo) {
	clientConn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("upgrade failed", zap.Error(err))
		g.sessions.Complete(sess)
		return
	}

	// Dial with a fresh header set: forwarding the client's Origin trips
	// the browser's own origin check.
	dialCtx, cancel := context.WithTimeout(r.Context(), dialTimeout)
	browserConn, _, err := g.dialer.DialContext(dialCtx, target, nil)
	cancel()
	if err != nil {
		g.log.Error("browser dial failed",
			zap.String("session_id", sess.ID()), zap.String("target", target), zap.Error(err))
		clientConn.Close()
		g.sessions.Close(sess)
		return
	}

	p := &pipe{client: clientConn, browser: browserConn}
	ctx := protocol.WithConnInfo(context.Background(), info)

	results := make(chan proxyResult, 2)
	go func() { results <- g.pumpClient(ctx, p) }()
	go func() { results <- p.pumpBrowser() }()

	res := <-results
	clientConn.Close()
	browserConn.Close()
	<-results

	if res.browserSide {
		g.log.Warn("proxy ended on browser side",
			zap.String("session_id", sess.ID()), zap.Error(res.err))
		if cerr := g.sessions.Close(sess); cerr != nil && !errors.Is(cerr, session.ErrSessionNotFound) {
			g.log.Warn("session close failed", zap.Error(cerr))
		}
	} else if isCloseError(res.err) {
		g.log.Debug("client disconnected",
			zap.String("session_id", sess.ID()), zap.Error(res.err))
	}
	g.sessions.Complete(sess)
}

// pipe couples a client socket with its resolved browser socket. Both pump
// goroutines write to the client side (relayed frames and locally answered
// commands), so those writes are serialized.
type pipe struct {
	client  *websocket.Conn
	browser *websocket.Conn
	mu      sync.Mutex
}

func (p *pipe) writeClient(messageType int, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.client.SetWriteDeadline(time.Now().Add(writeWait))
	return p.client.WriteMessage(messageType, data)
}

// pumpClient moves client frames to the browser, answering synthetic-domain
// commands locally instead of forwarding them.
func (g *Gateway) pumpClient(ctx context.Context, p *pipe) proxyResult {
	p.client.SetReadLimit(maxMessageSize)
	for {
		messageType, data, err := p.client.ReadMessage()
		if err != nil {
			return proxyResult{err: err}
		}

		msg, perr := protocol.ParseMessage(data)
		if perr == nil {
			if reply, handled := g.dispatch.Dispatch(ctx, msg); handled {
				if err := p.writeClient(websocket.TextMessage, reply.Encode()); err != nil {
					return proxyResult{err: err}
				}
				continue
			}
		}

		if err := p.browser.WriteMessage(messageType, data); err != nil {
			return proxyResult{err: err, browserSide: true}
		}
	}
}

// pumpBrowser moves browser frames to the client verbatim.
func (p *pipe) pumpBrowser() proxyResult {
	p.browser.SetReadLimit(maxMessageSize)
	for {
		messageType, data, err := p.browser.ReadMessage()
		if err != nil {
			return proxyResult{err: err, browserSide: true}
		}
		if err := p.writeClient(messageType, data); err != nil {
			return proxyResult{err: err}
		}
	}
}

func (g *Gateway) launchForPage(ctx context.Context) (*session.Session, chrome.Target, error) {
	sess, err := g.sessions.Request(ctx, "", chrome.LaunchOptions{}, chrome.Features{})
	if err != nil {
		return nil, chrome.Target{}, err
	}
	target, err := sess.NewTarget(ctx, "")
	if err != nil {
		g.sessions.Close(sess)
		return nil, chrome.Target{}, err
	}
	return sess, target, nil
}

// pageEndpoint builds the real DevTools page endpoint for a target inside
// the session's browser.
func pageEndpoint(sess *session.Session, targetID string) string {
	base := strings.Replace(sess.HTTPBase(), "http", "ws", 1)
	return base + "/devtools/page/" + targetID
}

// isPlaceholderPage reports whether a page id was generated by this
// service rather than by the browser. Browser target ids are 32 bare hex
// characters; placeholders are canonical hyphenated UUIDs.
func isPlaceholderPage(pageID string) bool {
	if len(pageID) != 36 {
		return false
	}
	_, err := uuid.Parse(pageID)
	return err == nil
}

// resolveStatus maps a session resolution failure onto an upgrade response
// code. Admission rejections get 429, matching the REST surface, so
// clients can back off instead of retrying a timeout.
func resolveStatus(err error) int {
	if errors.Is(err, session.ErrTooManySessions) {
		return http.StatusTooManyRequests
	}
	return http.StatusRequestTimeout
}

// isCloseError reports whether err is a WebSocket close handshake rather
// than a transport failure. Used only to pick a log level.
func isCloseError(err error) bool {
	if err == nil {
		return false
	}
	var ce *websocket.CloseError
	return errors.As(err, &ce)
}
