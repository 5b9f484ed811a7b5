// Package execute compiles client-submitted Go scripts and runs them
// against a live browser page inside a restricted interpreter.
package execute

import (
	"context"
	"errors"
	"fmt"
	"go/parser"
	"go/token"
	"reflect"
	"runtime/debug"
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
	"go.uber.org/zap"

	"github.com/autocrawlerHQ/browserhub/internal/chrome"
	"github.com/autocrawlerHQ/browserhub/internal/execute/sandbox"
	"github.com/autocrawlerHQ/browserhub/internal/session"
)

var (
	// ErrBadScript marks scripts that fail to parse or evaluate.
	ErrBadScript = errors.New("script failed to compile")
	// ErrNoHandler marks scripts without a usable Handler entrypoint.
	ErrNoHandler = errors.New("script does not export Handler(*sandbox.Page) (interface{}, error)")
	// ErrForbiddenImport marks scripts importing outside the whitelist.
	ErrForbiddenImport = errors.New("import not permitted in sandbox")
)

// sandboxImport is the path scripts use to reach the page proxy.
const sandboxImport = "browserhub/sandbox"

// allowedImports is the interpreter whitelist. Filesystem, process, and
// network packages stay out; the page proxy is the only way to touch the
// outside world.
var allowedImports = map[string]bool{
	"bytes":           true,
	"encoding/base64": true,
	"encoding/json":   true,
	"errors":          true,
	"fmt":             true,
	"math":            true,
	"math/rand":       true,
	"regexp":          true,
	"sort":            true,
	"strconv":         true,
	"strings":         true,
	"time":            true,
	"unicode":         true,
	sandboxImport:     true,
}

// HandlerFunc is the entrypoint shape scripts must export.
type HandlerFunc func(*sandbox.Page) (interface{}, error)

// Request is one execution job. An empty SessionID launches a disposable
// browser that is torn down when the job ends; a populated one runs
// against that existing session.
type Request struct {
	Script    string
	SessionID string
	Options   chrome.LaunchOptions
	Features  chrome.Features
}

// Result is the structured outcome of a handler invocation.
type Result struct {
	Data  interface{} `json:"data,omitempty"`
	Error string      `json:"error,omitempty"`
	Stack string      `json:"stack,omitempty"`
}

// sandboxSymbols exposes the page proxy to interpreted scripts.
func sandboxSymbols() interp.Exports {
	return interp.Exports{
		sandboxImport + "/sandbox": {
			"Page":    reflect.ValueOf((*sandbox.Page)(nil)),
			"NewPage": reflect.ValueOf(sandbox.NewPage),
		},
	}
}

// Compile parses and evaluates a script in a fresh interpreter and
// returns its Handler entrypoint. Nothing browser-side happens here:
// compile failures are caught before any session is touched.
func Compile(script string) (HandlerFunc, error) {
	src := wrapScript(script)

	if err := checkImports(src); err != nil {
		return nil, err
	}

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("interpreter setup: %w", err)
	}
	if err := i.Use(sandboxSymbols()); err != nil {
		return nil, fmt.Errorf("interpreter setup: %w", err)
	}

	if _, err := i.Eval(src); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadScript, err)
	}

	v, err := i.Eval("main.Handler")
	if err != nil {
		return nil, ErrNoHandler
	}
	h, ok := v.Interface().(func(*sandbox.Page) (interface{}, error))
	if !ok {
		return nil, ErrNoHandler
	}
	return HandlerFunc(h), nil
}

// wrapScript prepends a package clause when the script omits one, so
// clients can submit bare function definitions.
func wrapScript(script string) string {
	for _, line := range strings.Split(script, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "//") {
			continue
		}
		if strings.HasPrefix(trimmed, "package ") {
			return script
		}
		break
	}
	return "package main\n\n" + script
}

// checkImports rejects any import outside the whitelist before the
// interpreter sees the script.
func checkImports(src string) error {
	f, err := parser.ParseFile(token.NewFileSet(), "script.go", src, parser.ImportsOnly)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadScript, err)
	}
	for _, imp := range f.Imports {
		path := strings.Trim(imp.Path.Value, `"`)
		if !allowedImports[path] {
			return fmt.Errorf("%w: %q", ErrForbiddenImport, path)
		}
	}
	return nil
}

// Runner executes compiled scripts against sessions from the manager.
type Runner struct {
	sessions *session.Manager
	log      *zap.Logger
}

func NewRunner(sessions *session.Manager, log *zap.Logger) *Runner {
	return &Runner{
		sessions: sessions,
		log:      log.Named("execute"),
	}
}

// Run compiles the script, resolves a session, hands the handler a fresh
// page, and returns the structured outcome. The browser is always torn
// down afterward: a disposable session is closed outright, an existing
// one goes through its normal completion path. Pre-execution failures
// (compile, missing handler, session resolution) come back as errors;
// handler failures come back inside the Result.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	h, err := Compile(req.Script)
	if err != nil {
		return nil, err
	}

	sess, err := r.sessions.Request(ctx, req.SessionID, req.Options, req.Features)
	if err != nil {
		return nil, err
	}
	disposable := req.SessionID == ""
	defer func() {
		if disposable {
			if cerr := r.sessions.Close(sess); cerr != nil {
				r.log.Warn("session teardown failed", zap.Error(cerr))
			}
		} else {
			r.sessions.Complete(sess)
		}
	}()

	page, cleanup, err := r.openPage(sess)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	res := invoke(ctx, h, page)
	if res.Error != "" {
		r.log.Warn("handler failed",
			zap.String("session_id", sess.ID()), zap.String("error", res.Error))
	}
	return res, nil
}

// openPage dials the session's browser and creates a blank tab for the
// handler.
func (r *Runner) openPage(sess *session.Session) (*sandbox.Page, func(), error) {
	client := rod.New().ControlURL(sess.WSEndpoint())
	if err := client.Connect(); err != nil {
		return nil, nil, fmt.Errorf("connect to session %s: %w", sess.ID(), err)
	}

	page, err := client.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("create page: %w", err)
	}

	cleanup := func() {
		if err := page.Close(); err != nil {
			r.log.Debug("page close failed", zap.Error(err))
		}
		if err := client.Close(); err != nil {
			r.log.Debug("client close failed", zap.Error(err))
		}
	}
	return sandbox.NewPage(page), cleanup, nil
}

// invoke runs the handler in its own goroutine so a wedged script cannot
// pin the caller past its deadline. Panics are converted to structured
// failures with the interpreter stack attached.
func invoke(ctx context.Context, h HandlerFunc, page *sandbox.Page) *Result {
	type outcome struct {
		data  interface{}
		err   error
		stack string
	}

	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				ch <- outcome{
					err:   fmt.Errorf("handler panic: %v", rec),
					stack: string(debug.Stack()),
				}
			}
		}()
		data, err := h(page)
		ch <- outcome{data: data, err: err}
	}()

	select {
	case out := <-ch:
		if out.err != nil {
			return &Result{Error: out.err.Error(), Stack: out.stack}
		}
		return &Result{Data: out.data}
	case <-ctx.Done():
		return &Result{Error: fmt.Sprintf("execution aborted: %v", ctx.Err())}
	}
}
