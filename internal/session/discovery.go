package session

import (
	"context"
	"fmt"
)

// DiscoveryTarget mirrors one entry of the vendor /json/list response, with
// debugger URLs rewritten to the service's externally reachable host.
type DiscoveryTarget struct {
	ID                   string `json:"id"`
	SessionID            string `json:"sessionId"`
	Type                 string `json:"type"`
	Title                string `json:"title"`
	URL                  string `json:"url"`
	Description          string `json:"description"`
	DevtoolsFrontendURL  string `json:"devtoolsFrontendUrl"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// DiscoveryVersion mirrors the vendor /json/version response.
type DiscoveryVersion struct {
	Browser              string `json:"Browser"`
	ProtocolVersion      string `json:"Protocol-Version"`
	UserAgent            string `json:"User-Agent"`
	V8Version            string `json:"V8-Version"`
	WebKitVersion        string `json:"WebKit-Version"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// ListForDiscovery maps every live session's pages to vendor-compatible
// discovery records, pointing debugger URLs at externalHost instead of the
// process-local vendor endpoint.
func (m *Manager) ListForDiscovery(ctx context.Context, externalHost string) []DiscoveryTarget {
	m.mu.RLock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.RUnlock()

	out := make([]DiscoveryTarget, 0)
	for _, s := range all {
		targets, err := s.Targets(ctx)
		if err != nil {
			continue
		}
		for _, t := range targets {
			out = append(out, DiscoveryTarget{
				ID:                   t.ID,
				SessionID:            s.ID(),
				Type:                 t.Type,
				Title:                t.Title,
				URL:                  t.URL,
				DevtoolsFrontendURL:  frontendURL(externalHost, t.ID),
				WebSocketDebuggerURL: PageDebuggerURL(externalHost, t.ID),
			})
		}
	}
	return out
}

// VersionForDiscovery reports the version record of one live session with
// the browser debugger URL rewritten to externalHost. Fails with
// ErrSessionNotFound when no session is live.
func (m *Manager) VersionForDiscovery(ctx context.Context, externalHost string) (*DiscoveryVersion, error) {
	m.mu.RLock()
	var first *Session
	for _, s := range m.sessions {
		first = s
		break
	}
	m.mu.RUnlock()

	if first == nil {
		return nil, ErrSessionNotFound
	}

	v, err := first.Version(ctx)
	if err != nil {
		return nil, fmt.Errorf("browser version: %w", err)
	}

	return &DiscoveryVersion{
		Browser:              v.Product,
		ProtocolVersion:      v.ProtocolVersion,
		UserAgent:            v.UserAgent,
		V8Version:            v.JsVersion,
		WebKitVersion:        v.Revision,
		WebSocketDebuggerURL: BrowserDebuggerURL(externalHost, first.ID()),
	}, nil
}

// BrowserDebuggerURL is the externally reachable browser-level CDP URL.
func BrowserDebuggerURL(externalHost, sessionID string) string {
	return fmt.Sprintf("ws://%s/devtools/browser/%s", externalHost, sessionID)
}

// PageDebuggerURL is the externally reachable page-level CDP URL.
func PageDebuggerURL(externalHost, pageID string) string {
	return fmt.Sprintf("ws://%s/devtools/page/%s", externalHost, pageID)
}

func frontendURL(externalHost, pageID string) string {
	return fmt.Sprintf("http://%s/devtools/inspector.html?ws=%s/devtools/page/%s",
		externalHost, externalHost, pageID)
}
