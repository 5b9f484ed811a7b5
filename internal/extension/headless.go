// Package extension implements the HeadlessService synthetic CDP domain: the
// commands the service answers itself instead of forwarding to the browser.
package extension

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/autocrawlerHQ/browserhub/internal/protocol"
	"github.com/autocrawlerHQ/browserhub/internal/session"
)

const DomainName = "HeadlessService"

// EventLiveComplete is emitted to live-view peers when their session ends.
const EventLiveComplete = DomainName + ".liveComplete"

// HeadlessService binds the synthetic domain's handlers to the session
// manager and the externally reachable host.
type HeadlessService struct {
	sessions     *session.Manager
	externalHost string
	log          *zap.Logger
}

func NewHeadlessService(sessions *session.Manager, externalHost string, log *zap.Logger) *HeadlessService {
	return &HeadlessService{
		sessions:     sessions,
		externalHost: externalHost,
		log:          log,
	}
}

// Domain declares the HeadlessService descriptor. Declaration failures are
// construction-time errors.
func (h *HeadlessService) Domain() (*protocol.Domain, error) {
	dom := protocol.NewDomain(DomainName)

	commands := []protocol.Command{
		{
			Name:       "keepAlive",
			Parameters: []protocol.Param{{Name: "ms", Type: "number"}},
			Returns: []protocol.Param{
				{Name: "reconnectUrl", Type: "string"},
				{Name: "expiresAt", Type: "string"},
			},
		},
		{
			Name:    "liveURL",
			Returns: []protocol.Param{{Name: "liveURL", Type: "string"}},
		},
		{
			Name: "debuggerURL",
			Returns: []protocol.Param{
				{Name: "webSocketDebuggerUrl", Type: "string"},
				{Name: "devtoolsFrontendUrl", Type: "string"},
			},
		},
		{
			Name:    "browserId",
			Returns: []protocol.Param{{Name: "browserId", Type: "string"}},
		},
		{
			Name:    "pageId",
			Returns: []protocol.Param{{Name: "pageId", Type: "string"}},
		},
	}
	for _, cmd := range commands {
		if err := dom.AddCommand(cmd); err != nil {
			return nil, err
		}
	}

	if err := dom.AddEvent(protocol.Event{
		Name:       "liveComplete",
		Parameters: []protocol.Param{{Name: "sessionId", Type: "string"}},
	}); err != nil {
		return nil, err
	}

	return dom, nil
}

// Register declares the domain on the dispatcher and binds all handlers.
func (h *HeadlessService) Register(d *protocol.Dispatcher) error {
	dom, err := h.Domain()
	if err != nil {
		return err
	}
	if err := d.AddDomain(dom); err != nil {
		return err
	}

	handlers := map[string]protocol.Handler{
		"keepAlive":   h.keepAlive,
		"liveURL":     h.liveURL,
		"debuggerURL": h.debuggerURL,
		"browserId":   h.browserID,
		"pageId":      h.pageID,
	}
	for name, handler := range handlers {
		if err := d.Register(dom, name, handler); err != nil {
			return err
		}
	}
	return nil
}

type keepAliveParams struct {
	MS *float64 `json:"ms"`
}

type keepAliveResult struct {
	ReconnectURL string `json:"reconnectUrl"`
	ExpiresAt    string `json:"expiresAt"`
}

func (h *HeadlessService) keepAlive(ctx context.Context, req *protocol.Message) (interface{}, *protocol.Error) {
	info, ok := protocol.ConnInfoFrom(ctx)
	if !ok {
		return nil, errorOf(protocol.CodeInvalidRequest, "no session bound to connection")
	}

	var params keepAliveParams
	if err := req.UnmarshalParams(&params); err != nil || params.MS == nil || *params.MS <= 0 {
		return nil, errorOf(protocol.CodeInvalidParams, "ms must be a positive number")
	}

	deadline, err := h.sessions.KeepAlive(info.SessionID, int64(*params.MS))
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			return nil, errorOf(protocol.CodeSessionNotFound, info.SessionID)
		}
		return nil, errorOf(protocol.CodeInternalError, err.Error())
	}

	return keepAliveResult{
		ReconnectURL: session.BrowserDebuggerURL(h.externalHost, info.SessionID),
		ExpiresAt:    deadline.Format(time.RFC3339),
	}, nil
}

func (h *HeadlessService) liveURL(ctx context.Context, req *protocol.Message) (interface{}, *protocol.Error) {
	info, ok := protocol.ConnInfoFrom(ctx)
	if !ok {
		return nil, errorOf(protocol.CodeInvalidRequest, "no session bound to connection")
	}
	if _, err := h.sessions.Get(info.SessionID); err != nil {
		return nil, errorOf(protocol.CodeSessionNotFound, info.SessionID)
	}

	return map[string]string{
		"liveURL": "ws://" + h.externalHost + "/live?session=" + info.SessionID +
			"&connection=" + uuid.New().String(),
	}, nil
}

func (h *HeadlessService) debuggerURL(ctx context.Context, req *protocol.Message) (interface{}, *protocol.Error) {
	info, ok := protocol.ConnInfoFrom(ctx)
	if !ok {
		return nil, errorOf(protocol.CodeInvalidRequest, "no session bound to connection")
	}

	return map[string]string{
		"webSocketDebuggerUrl": session.BrowserDebuggerURL(h.externalHost, info.SessionID),
		"devtoolsFrontendUrl": "http://" + h.externalHost +
			"/devtools/inspector.html?ws=" + h.externalHost + "/devtools/browser/" + info.SessionID,
	}, nil
}

func (h *HeadlessService) browserID(ctx context.Context, req *protocol.Message) (interface{}, *protocol.Error) {
	info, ok := protocol.ConnInfoFrom(ctx)
	if !ok {
		return nil, errorOf(protocol.CodeInvalidRequest, "no session bound to connection")
	}
	return map[string]string{"browserId": info.SessionID}, nil
}

func (h *HeadlessService) pageID(ctx context.Context, req *protocol.Message) (interface{}, *protocol.Error) {
	info, ok := protocol.ConnInfoFrom(ctx)
	if !ok || info.PageID == "" {
		return nil, errorOf(protocol.CodeInvalidRequest, "no page bound to connection")
	}
	return map[string]string{"pageId": info.PageID}, nil
}

func errorOf(code protocol.Code, detail string) *protocol.Error {
	return &protocol.Error{Code: code, Message: code.Message(), Data: detail}
}
