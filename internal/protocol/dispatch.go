package protocol

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Handler resolves one synthetic-domain command. It returns the result value
// on success or an *Error describing the failure; exactly one of the two is
// non-nil.
type Handler func(ctx context.Context, req *Message) (interface{}, *Error)

// ConnInfo carries the identity of the proxied connection a command arrived
// on. Handlers read it from the request context.
type ConnInfo struct {
	SessionID string
	PageID    string
}

type connInfoKey struct{}

func WithConnInfo(ctx context.Context, info ConnInfo) context.Context {
	return context.WithValue(ctx, connInfoKey{}, info)
}

func ConnInfoFrom(ctx context.Context) (ConnInfo, bool) {
	info, ok := ctx.Value(connInfoKey{}).(ConnInfo)
	return info, ok
}

// Dispatcher maps domain-qualified method names to handlers. Commands with a
// registered handler are answered locally; everything else falls through to
// the proxy pipe. The dispatcher guarantees that every command it claims
// receives exactly one reply, even when the handler panics.
type Dispatcher struct {
	mu       sync.RWMutex
	domains  map[string]*Domain
	handlers map[string]Handler
	log      *zap.Logger
}

func NewDispatcher(log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		domains:  make(map[string]*Domain),
		handlers: make(map[string]Handler),
		log:      log,
	}
}

// AddDomain registers a synthetic domain. Registering two domains with the
// same name is a construction-time error.
func (d *Dispatcher) AddDomain(dom *Domain) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.domains[dom.Name()]; ok {
		return fmt.Errorf("duplicate domain %q", dom.Name())
	}
	d.domains[dom.Name()] = dom
	return nil
}

// Register binds a handler to a command previously declared on dom. The
// command must exist in the domain descriptor.
func (d *Dispatcher) Register(dom *Domain, command string, h Handler) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.domains[dom.Name()]; !ok {
		return fmt.Errorf("domain %q not added", dom.Name())
	}
	if _, ok := dom.Command(command); !ok {
		return fmt.Errorf("domain %s: command %q not declared", dom.Name(), command)
	}
	method := dom.QualifiedName(command)
	if _, ok := d.handlers[method]; ok {
		return fmt.Errorf("duplicate handler for %s", method)
	}
	d.handlers[method] = h
	return nil
}

// Domains returns all registered domain descriptors.
func (d *Dispatcher) Domains() []*Domain {
	d.mu.RLock()
	defer d.mu.RUnlock()

	doms := make([]*Domain, 0, len(d.domains))
	for _, dom := range d.domains {
		doms = append(doms, dom)
	}
	return doms
}

// Dispatch routes one client message. It returns (reply, true) when the
// message named a synthetic command and must not be forwarded, or
// (nil, false) when the message belongs to the real browser.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Message) (*Message, bool) {
	if !req.IsCommand() {
		return nil, false
	}

	d.mu.RLock()
	h, ok := d.handlers[req.Method]
	d.mu.RUnlock()
	if !ok {
		return nil, false
	}

	return d.invoke(ctx, h, req), true
}

// invoke runs the handler and always produces a reply. A panicking handler
// must not leave the request id unanswered: a stalled id wedges most CDP
// client libraries.
func (d *Dispatcher) invoke(ctx context.Context, h Handler, req *Message) (reply *Message) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("handler panic",
				zap.String("method", req.Method),
				zap.Any("panic", r))
			reply = NewErrorResponse(req, CodeInternalError, fmt.Sprintf("%v", r))
		}
	}()

	result, herr := h(ctx, req)
	if herr != nil {
		return &Message{ID: req.ID, SessionID: req.SessionID, Error: herr}
	}
	return NewResponse(req, result)
}
