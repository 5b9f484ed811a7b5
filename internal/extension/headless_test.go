package extension

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-rod/rod/lib/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/autocrawlerHQ/browserhub/internal/chrome"
	"github.com/autocrawlerHQ/browserhub/internal/protocol"
	"github.com/autocrawlerHQ/browserhub/internal/session"
)

type stubBrowser struct {
	id string
}

func (s *stubBrowser) ID() string         { return s.id }
func (s *stubBrowser) WSEndpoint() string { return "ws://127.0.0.1:9222/devtools/browser/" + s.id }
func (s *stubBrowser) HTTPBase() string   { return "http://127.0.0.1:9222" }
func (s *stubBrowser) PID() int           { return 1 }
func (s *stubBrowser) Version(ctx context.Context) (*proto.BrowserGetVersionResult, error) {
	return &proto.BrowserGetVersionResult{}, nil
}
func (s *stubBrowser) Targets(ctx context.Context) ([]chrome.Target, error) { return nil, nil }
func (s *stubBrowser) NewTarget(ctx context.Context, url string) (chrome.Target, error) {
	return chrome.Target{}, nil
}
func (s *stubBrowser) ActivateTarget(ctx context.Context, targetID string) error { return nil }
func (s *stubBrowser) CloseTarget(ctx context.Context, targetID string) error    { return nil }
func (s *stubBrowser) Close() error                                              { return nil }

func setup(t *testing.T) (*protocol.Dispatcher, *session.Manager, *session.Session) {
	t.Helper()

	launch := func(ctx context.Context, opts chrome.LaunchOptions, feats chrome.Features) (session.Browser, error) {
		return &stubBrowser{id: "sess-1"}, nil
	}
	mgr := session.NewManager(5, launch, zap.NewNop())
	s, err := mgr.Request(context.Background(), "", chrome.LaunchOptions{}, chrome.Features{})
	require.NoError(t, err)

	d := protocol.NewDispatcher(zap.NewNop())
	svc := NewHeadlessService(mgr, "hub.example.net:3000", zap.NewNop())
	require.NoError(t, svc.Register(d))

	return d, mgr, s
}

func command(t *testing.T, id int64, method string, params interface{}) *protocol.Message {
	t.Helper()
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		require.NoError(t, err)
		raw = data
	}
	return &protocol.Message{ID: &id, Method: method, Params: raw}
}

func dispatchAs(t *testing.T, d *protocol.Dispatcher, info protocol.ConnInfo, msg *protocol.Message) *protocol.Message {
	t.Helper()
	reply, handled := d.Dispatch(protocol.WithConnInfo(context.Background(), info), msg)
	require.True(t, handled)
	require.NotNil(t, reply)
	return reply
}

func TestKeepAlive_ExtendsAndReturnsReconnectURL(t *testing.T) {
	d, _, s := setup(t)
	info := protocol.ConnInfo{SessionID: s.ID()}

	reply := dispatchAs(t, d, info, command(t, 1, "HeadlessService.keepAlive", map[string]interface{}{"ms": 30000}))
	require.Nil(t, reply.Error)

	var result struct {
		ReconnectURL string `json:"reconnectUrl"`
		ExpiresAt    string `json:"expiresAt"`
	}
	require.NoError(t, json.Unmarshal(reply.Result, &result))

	assert.Equal(t, "ws://hub.example.net:3000/devtools/browser/sess-1", result.ReconnectURL)

	deadline, err := time.Parse(time.RFC3339, result.ExpiresAt)
	require.NoError(t, err)
	assert.True(t, deadline.After(time.Now().Add(25*time.Second)))

	got := s.ExpiresAt()
	require.NotNil(t, got)
}

func TestKeepAlive_NonNumericMS(t *testing.T) {
	d, mgr, s := setup(t)
	info := protocol.ConnInfo{SessionID: s.ID()}

	reply := dispatchAs(t, d, info, command(t, 2, "HeadlessService.keepAlive", map[string]interface{}{"ms": "not-a-number"}))

	require.NotNil(t, reply.Error)
	assert.Equal(t, protocol.CodeInvalidParams, reply.Error.Code)
	assert.Nil(t, s.ExpiresAt(), "invalid keep-alive must not change the lease")
	assert.Equal(t, 1, mgr.Count(), "connection stays usable, session still live")
}

func TestKeepAlive_MissingMS(t *testing.T) {
	d, _, s := setup(t)
	info := protocol.ConnInfo{SessionID: s.ID()}

	reply := dispatchAs(t, d, info, command(t, 3, "HeadlessService.keepAlive", map[string]interface{}{}))
	require.NotNil(t, reply.Error)
	assert.Equal(t, protocol.CodeInvalidParams, reply.Error.Code)
}

func TestKeepAlive_UnknownSession(t *testing.T) {
	d, _, _ := setup(t)
	info := protocol.ConnInfo{SessionID: "ghost"}

	reply := dispatchAs(t, d, info, command(t, 4, "HeadlessService.keepAlive", map[string]interface{}{"ms": 1000}))
	require.NotNil(t, reply.Error)
	assert.Equal(t, protocol.CodeSessionNotFound, reply.Error.Code)
}

func TestLiveURL(t *testing.T) {
	d, _, s := setup(t)
	info := protocol.ConnInfo{SessionID: s.ID()}

	reply := dispatchAs(t, d, info, command(t, 5, "HeadlessService.liveURL", nil))
	require.Nil(t, reply.Error)

	var result struct {
		LiveURL string `json:"liveURL"`
	}
	require.NoError(t, json.Unmarshal(reply.Result, &result))
	assert.Contains(t, result.LiveURL, "ws://hub.example.net:3000/live?session=sess-1")
	assert.Contains(t, result.LiveURL, "connection=")
}

func TestDebuggerURLAndIdentity(t *testing.T) {
	d, _, s := setup(t)
	info := protocol.ConnInfo{SessionID: s.ID(), PageID: "page-9"}

	reply := dispatchAs(t, d, info, command(t, 6, "HeadlessService.debuggerURL", nil))
	require.Nil(t, reply.Error)
	var dbg struct {
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
		DevtoolsFrontendURL  string `json:"devtoolsFrontendUrl"`
	}
	require.NoError(t, json.Unmarshal(reply.Result, &dbg))
	assert.Equal(t, "ws://hub.example.net:3000/devtools/browser/sess-1", dbg.WebSocketDebuggerURL)
	assert.Contains(t, dbg.DevtoolsFrontendURL, "inspector.html")

	reply = dispatchAs(t, d, info, command(t, 7, "HeadlessService.browserId", nil))
	require.Nil(t, reply.Error)
	assert.Contains(t, string(reply.Result), "sess-1")

	reply = dispatchAs(t, d, info, command(t, 8, "HeadlessService.pageId", nil))
	require.Nil(t, reply.Error)
	assert.Contains(t, string(reply.Result), "page-9")
}

func TestPageID_BrowserScopedConnection(t *testing.T) {
	d, _, s := setup(t)
	info := protocol.ConnInfo{SessionID: s.ID()}

	reply := dispatchAs(t, d, info, command(t, 9, "HeadlessService.pageId", nil))
	require.NotNil(t, reply.Error)
	assert.Equal(t, protocol.CodeInvalidRequest, reply.Error.Code)
}

func TestVendorMethodsFallThrough(t *testing.T) {
	d, _, s := setup(t)
	id := int64(10)
	ctx := protocol.WithConnInfo(context.Background(), protocol.ConnInfo{SessionID: s.ID()})

	_, handled := d.Dispatch(ctx, &protocol.Message{ID: &id, Method: "Page.navigate"})
	assert.False(t, handled)
}
