package protocol

import (
	"context"
	"testing"

	"go.uber.org/zap"
)

func testDomain(t *testing.T) *Domain {
	t.Helper()
	d := NewDomain("HeadlessService")
	if err := d.AddCommand(Command{Name: "keepAlive", Parameters: []Param{{Name: "ms", Type: "number"}}}); err != nil {
		t.Fatal(err)
	}
	if err := d.AddCommand(Command{Name: "browserId"}); err != nil {
		t.Fatal(err)
	}
	return d
}

func TestDomain_DuplicateCommand(t *testing.T) {
	d := NewDomain("HeadlessService")
	if err := d.AddCommand(Command{Name: "liveURL"}); err != nil {
		t.Fatal(err)
	}
	if err := d.AddCommand(Command{Name: "liveURL"}); err == nil {
		t.Error("duplicate command registration should fail")
	}
}

func TestDomain_DuplicateEvent(t *testing.T) {
	d := NewDomain("HeadlessService")
	if err := d.AddEvent(Event{Name: "liveComplete"}); err != nil {
		t.Fatal(err)
	}
	if err := d.AddEvent(Event{Name: "liveComplete"}); err == nil {
		t.Error("duplicate event registration should fail")
	}
}

func TestDispatcher_RegisterUndeclaredCommand(t *testing.T) {
	d := NewDispatcher(zap.NewNop())
	dom := testDomain(t)
	if err := d.AddDomain(dom); err != nil {
		t.Fatal(err)
	}

	err := d.Register(dom, "noSuchCommand", func(ctx context.Context, req *Message) (interface{}, *Error) {
		return nil, nil
	})
	if err == nil {
		t.Error("registering a handler for an undeclared command should fail")
	}
}

func TestDispatcher_DuplicateDomain(t *testing.T) {
	d := NewDispatcher(zap.NewNop())
	if err := d.AddDomain(NewDomain("HeadlessService")); err != nil {
		t.Fatal(err)
	}
	if err := d.AddDomain(NewDomain("HeadlessService")); err == nil {
		t.Error("duplicate domain registration should fail")
	}
}

func TestDispatcher_Fallthrough(t *testing.T) {
	d := NewDispatcher(zap.NewNop())

	id := int64(1)
	reply, handled := d.Dispatch(context.Background(), &Message{ID: &id, Method: "Page.navigate"})
	if handled {
		t.Error("unregistered method should fall through")
	}
	if reply != nil {
		t.Error("fallthrough must not produce a reply")
	}
}

func TestDispatcher_EventsFallThrough(t *testing.T) {
	d := NewDispatcher(zap.NewNop())
	dom := testDomain(t)
	if err := d.AddDomain(dom); err != nil {
		t.Fatal(err)
	}
	err := d.Register(dom, "browserId", func(ctx context.Context, req *Message) (interface{}, *Error) {
		return map[string]string{"browserId": "b"}, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	// A message with no id is an event, never a command, even when the
	// method matches a registered handler.
	_, handled := d.Dispatch(context.Background(), &Message{Method: "HeadlessService.browserId"})
	if handled {
		t.Error("events must not be dispatched as commands")
	}
}

func TestDispatcher_ExactlyOneReply(t *testing.T) {
	d := NewDispatcher(zap.NewNop())
	dom := testDomain(t)
	if err := d.AddDomain(dom); err != nil {
		t.Fatal(err)
	}
	err := d.Register(dom, "browserId", func(ctx context.Context, req *Message) (interface{}, *Error) {
		return map[string]string{"browserId": "bid"}, nil
	})
	if err != nil {
		t.Fatal(err)
	}

	id := int64(9)
	req := &Message{ID: &id, SessionID: "flat-1", Method: "HeadlessService.browserId"}

	reply, handled := d.Dispatch(context.Background(), req)
	if !handled {
		t.Fatal("registered command should be handled")
	}
	if reply == nil {
		t.Fatal("handled command must produce a reply")
	}
	if *reply.ID != 9 || reply.SessionID != "flat-1" {
		t.Error("reply must carry the request id and sessionId")
	}
}

func TestDispatcher_HandlerError(t *testing.T) {
	d := NewDispatcher(zap.NewNop())
	dom := testDomain(t)
	if err := d.AddDomain(dom); err != nil {
		t.Fatal(err)
	}
	err := d.Register(dom, "keepAlive", func(ctx context.Context, req *Message) (interface{}, *Error) {
		return nil, &Error{Code: CodeInvalidParams, Message: CodeInvalidParams.Message()}
	})
	if err != nil {
		t.Fatal(err)
	}

	id := int64(2)
	reply, handled := d.Dispatch(context.Background(), &Message{ID: &id, Method: "HeadlessService.keepAlive"})
	if !handled {
		t.Fatal("expected command to be handled")
	}
	if reply.Error == nil || reply.Error.Code != CodeInvalidParams {
		t.Errorf("expected invalid params error, got %+v", reply.Error)
	}
	if *reply.ID != 2 {
		t.Error("error reply must carry the request id")
	}
}

func TestDispatcher_PanickingHandlerStillReplies(t *testing.T) {
	d := NewDispatcher(zap.NewNop())
	dom := testDomain(t)
	if err := d.AddDomain(dom); err != nil {
		t.Fatal(err)
	}
	err := d.Register(dom, "browserId", func(ctx context.Context, req *Message) (interface{}, *Error) {
		panic("boom")
	})
	if err != nil {
		t.Fatal(err)
	}

	id := int64(5)
	reply, handled := d.Dispatch(context.Background(), &Message{ID: &id, Method: "HeadlessService.browserId"})
	if !handled {
		t.Fatal("expected command to be handled")
	}
	if reply == nil {
		t.Fatal("panicking handler must still produce a reply")
	}
	if reply.Error == nil || reply.Error.Code != CodeInternalError {
		t.Errorf("expected internal error reply, got %+v", reply)
	}
	if *reply.ID != 5 {
		t.Error("panic reply must carry the request id")
	}
}

func TestConnInfoRoundTrip(t *testing.T) {
	ctx := WithConnInfo(context.Background(), ConnInfo{SessionID: "s", PageID: "p"})

	info, ok := ConnInfoFrom(ctx)
	if !ok {
		t.Fatal("conn info missing from context")
	}
	if info.SessionID != "s" || info.PageID != "p" {
		t.Errorf("unexpected conn info: %+v", info)
	}

	if _, ok := ConnInfoFrom(context.Background()); ok {
		t.Error("empty context should have no conn info")
	}
}
