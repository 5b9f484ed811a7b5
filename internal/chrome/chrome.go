// Package chrome wraps one real browser process behind the go-rod automation
// driver: launch-argument assembly, feature toggles, target enumeration and
// forceful teardown.
package chrome

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"
)

// Target is one inspectable page-level target of a browser.
type Target struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Title string `json:"title"`
	URL   string `json:"url"`
}

// Launcher launches browser processes with a shared binary path and
// extensions root.
type Launcher struct {
	bin    string
	extDir string
	log    *zap.Logger
}

func NewLauncher(bin, extDir string, log *zap.Logger) *Launcher {
	return &Launcher{bin: bin, extDir: extDir, log: log}
}

// Launch starts a browser process with the merged argument set and connects
// to its CDP endpoint. The returned Browser owns the process.
func (l *Launcher) Launch(ctx context.Context, opts LaunchOptions, feats Features) (*Browser, error) {
	lc := launcher.New().Headless(opts.Headless).Leakless(true)
	if l.bin != "" {
		lc = lc.Bin(l.bin)
	}

	for _, arg := range BuildArgs(opts, feats, l.extDir) {
		name, val := splitFlag(arg)
		if val == "" {
			lc = lc.Set(flags.Flag(name))
		} else {
			lc = lc.Set(flags.Flag(name), val)
		}
	}

	wsURL, err := lc.Context(ctx).Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	client := rod.New().ControlURL(wsURL)
	if err := client.Connect(); err != nil {
		lc.Kill()
		lc.Cleanup()
		return nil, fmt.Errorf("connect to browser: %w", err)
	}

	b := &Browser{
		id:       idFromEndpoint(wsURL),
		wsURL:    wsURL,
		launcher: lc,
		client:   client,
		features: feats,
		options:  opts,
		log:      l.log.With(zap.String("browser_id", idFromEndpoint(wsURL))),
	}
	b.log.Info("browser launched", zap.String("endpoint", wsURL))
	return b, nil
}

// Browser owns one running browser process and its CDP connection.
type Browser struct {
	id       string
	wsURL    string
	launcher *launcher.Launcher
	client   *rod.Browser
	features Features
	options  LaunchOptions
	log      *zap.Logger
}

// ID is derived from the vendor CDP endpoint path and is stable for the
// process lifetime.
func (b *Browser) ID() string {
	return b.id
}

func (b *Browser) WSEndpoint() string {
	return b.wsURL
}

func (b *Browser) Features() Features {
	return b.features
}

func (b *Browser) Options() LaunchOptions {
	return b.options
}

// PID returns the OS process id, for forced kills and diagnostics.
func (b *Browser) PID() int {
	return b.launcher.PID()
}

// HTTPBase returns the vendor discovery base URL (http://host:port) derived
// from the CDP endpoint.
func (b *Browser) HTTPBase() string {
	u, err := url.Parse(b.wsURL)
	if err != nil {
		return ""
	}
	return "http://" + u.Host
}

// Version reports the vendor browser version record.
func (b *Browser) Version(ctx context.Context) (*proto.BrowserGetVersionResult, error) {
	return proto.BrowserGetVersion{}.Call(b.client.Context(ctx))
}

// Targets enumerates the page-level targets currently open in the browser.
func (b *Browser) Targets(ctx context.Context) ([]Target, error) {
	res, err := proto.TargetGetTargets{}.Call(b.client.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}

	targets := make([]Target, 0, len(res.TargetInfos))
	for _, info := range res.TargetInfos {
		if info.Type != "page" {
			continue
		}
		targets = append(targets, Target{
			ID:    string(info.TargetID),
			Type:  string(info.Type),
			Title: info.Title,
			URL:   info.URL,
		})
	}
	return targets, nil
}

// NewTarget opens a new page target. An empty url opens about:blank.
func (b *Browser) NewTarget(ctx context.Context, targetURL string) (Target, error) {
	if targetURL == "" {
		targetURL = "about:blank"
	}
	res, err := proto.TargetCreateTarget{URL: targetURL}.Call(b.client.Context(ctx))
	if err != nil {
		return Target{}, fmt.Errorf("create target: %w", err)
	}
	return Target{ID: string(res.TargetID), Type: "page", URL: targetURL}, nil
}

// ActivateTarget brings a page target to the foreground.
func (b *Browser) ActivateTarget(ctx context.Context, targetID string) error {
	return proto.TargetActivateTarget{TargetID: proto.TargetTargetID(targetID)}.Call(b.client.Context(ctx))
}

// CloseTarget closes a page target.
func (b *Browser) CloseTarget(ctx context.Context, targetID string) error {
	_, err := proto.TargetCloseTarget{TargetID: proto.TargetTargetID(targetID)}.Call(b.client.Context(ctx))
	return err
}

// Close detaches the CDP client, asks the browser to exit, then
// unconditionally kills the OS process. Kill failures are logged and
// swallowed.
func (b *Browser) Close() error {
	if err := b.client.Close(); err != nil && !isConnClosed(err) {
		b.log.Warn("graceful browser close failed", zap.Error(err))
	}
	b.launcher.Kill()
	b.launcher.Cleanup()
	b.log.Info("browser closed")
	return nil
}

// idFromEndpoint extracts the stable browser id from a vendor endpoint like
// ws://127.0.0.1:9222/devtools/browser/<uuid>.
func idFromEndpoint(wsURL string) string {
	u, err := url.Parse(wsURL)
	if err != nil {
		return wsURL
	}
	return path.Base(u.Path)
}

func isConnClosed(err error) bool {
	return err != nil && strings.Contains(err.Error(), "use of closed network connection")
}
