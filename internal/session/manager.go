// Package session owns the registry of live browser sessions: launch on
// demand, lookup by id, expiry leases, keep-alive extension and teardown.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/autocrawlerHQ/browserhub/internal/chrome"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrTooManySessions = errors.New("session limit reached")
)

// Browser is the slice of the process wrapper the manager depends on.
// *chrome.Browser satisfies it.
type Browser interface {
	ID() string
	WSEndpoint() string
	HTTPBase() string
	PID() int
	Version(ctx context.Context) (*proto.BrowserGetVersionResult, error)
	Targets(ctx context.Context) ([]chrome.Target, error)
	NewTarget(ctx context.Context, url string) (chrome.Target, error)
	ActivateTarget(ctx context.Context, targetID string) error
	CloseTarget(ctx context.Context, targetID string) error
	Close() error
}

// LaunchFunc starts a new browser process. Wired to chrome.Launcher.Launch
// in production.
type LaunchFunc func(ctx context.Context, opts chrome.LaunchOptions, feats chrome.Features) (Browser, error)

// Session is one live browser instance plus its expiry lease. A nil
// expiresAt means the session is request-scoped and closes when its request
// or connection completes; a future expiresAt keeps it alive until that
// deadline or an explicit kill.
type Session struct {
	Browser

	CreatedAt time.Time
	Features  chrome.Features

	mu        sync.Mutex
	expiresAt *time.Time
	timer     *time.Timer
	closed    bool
}

// ExpiresAt returns the current lease deadline, nil when request-scoped.
func (s *Session) ExpiresAt() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expiresAt == nil {
		return nil
	}
	t := *s.expiresAt
	return &t
}

func (s *Session) expired(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expiresAt != nil && now.After(*s.expiresAt)
}

// Summary is the management-API view of a session.
type Summary struct {
	ID         string          `json:"id"`
	CreatedAt  time.Time       `json:"created_at"`
	ExpiresAt  *time.Time      `json:"expires_at,omitempty"`
	WSEndpoint string          `json:"ws_endpoint"`
	PID        int             `json:"pid"`
	Features   chrome.Features `json:"features"`
}

// Manager is the exclusive owner of the live-session map. All mutation goes
// through its methods.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	launch LaunchFunc
	sem    *semaphore.Weighted
	log    *zap.Logger
}

func NewManager(maxSessions int64, launch LaunchFunc, log *zap.Logger) *Manager {
	if maxSessions <= 0 {
		maxSessions = 10
	}
	return &Manager{
		sessions: make(map[string]*Session),
		launch:   launch,
		sem:      semaphore.NewWeighted(maxSessions),
		log:      log,
	}
}

// Request resolves a session for one request or connection. A non-empty id
// looks up an existing session and fails with ErrSessionNotFound when absent
// or past its deadline; an empty id launches a new session, subject to the
// admission ceiling.
func (m *Manager) Request(ctx context.Context, id string, opts chrome.LaunchOptions, feats chrome.Features) (*Session, error) {
	if id != "" {
		return m.Get(id)
	}

	if !m.sem.TryAcquire(1) {
		return nil, ErrTooManySessions
	}

	browser, err := m.launch(ctx, opts, feats)
	if err != nil {
		m.sem.Release(1)
		return nil, fmt.Errorf("launch session: %w", err)
	}

	s := &Session{
		Browser:   browser,
		CreatedAt: time.Now(),
		Features:  feats,
	}

	m.mu.Lock()
	m.sessions[s.ID()] = s
	m.mu.Unlock()

	m.log.Info("session created", zap.String("session_id", s.ID()))
	return s, nil
}

// Get looks up a live, unexpired session.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()

	if !ok || s.expired(time.Now()) {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Complete is called when a request or connection naturally ends. Sessions
// without a future deadline close now; the rest get their expiry timer
// (re-)armed.
func (m *Manager) Complete(s *Session) {
	s.mu.Lock()
	deadline := s.expiresAt
	s.mu.Unlock()

	if deadline == nil || !deadline.After(time.Now()) {
		m.Close(s)
		return
	}
	m.armTimer(s, *deadline)
}

// KeepAlive moves the session's deadline to now+ms and re-arms its timer.
// The previously armed timer never fires at its old deadline.
func (m *Manager) KeepAlive(id string, ms int64) (time.Time, error) {
	s, err := m.Get(id)
	if err != nil {
		return time.Time{}, err
	}

	deadline := time.Now().Add(time.Duration(ms) * time.Millisecond)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return time.Time{}, ErrSessionNotFound
	}
	s.expiresAt = &deadline
	s.mu.Unlock()

	m.armTimer(s, deadline)
	m.log.Debug("session lease extended",
		zap.String("session_id", id),
		zap.Time("expires_at", deadline))
	return deadline, nil
}

func (m *Manager) armTimer(s *Session, deadline time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(time.Until(deadline), func() {
		m.log.Info("session lease expired", zap.String("session_id", s.ID()))
		m.Close(s)
	})
}

// Close tears a session down: cancel its timer, close the browser (graceful
// then force-kill), remove it from the registry. Idempotent and safe under
// concurrent calls; kill failures are logged and swallowed since the map
// entry must go regardless.
func (m *Manager) Close(s *Session) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	if err := s.Browser.Close(); err != nil {
		m.log.Warn("browser close failed",
			zap.String("session_id", s.ID()),
			zap.Error(err))
	}

	m.mu.Lock()
	delete(m.sessions, s.ID())
	m.mu.Unlock()
	m.sem.Release(1)

	m.log.Info("session closed", zap.String("session_id", s.ID()))
	return nil
}

// CloseByID force-closes a session by id.
func (m *Manager) CloseByID(id string) error {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return ErrSessionNotFound
	}
	return m.Close(s)
}

// Shutdown closes all live sessions in parallel.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.RUnlock()

	g, _ := errgroup.WithContext(ctx)
	for _, s := range all {
		s := s
		g.Go(func() error {
			return m.Close(s)
		})
	}
	return g.Wait()
}

// List returns summaries of all live sessions.
func (m *Manager) List() []Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Summary, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, Summary{
			ID:         s.ID(),
			CreatedAt:  s.CreatedAt,
			ExpiresAt:  s.ExpiresAt(),
			WSEndpoint: s.WSEndpoint(),
			PID:        s.PID(),
			Features:   s.Features,
		})
	}
	return out
}

func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// FindByPage locates the session owning a page target. Linear scan across
// sessions and their targets; session counts are small and bounded by the
// admission ceiling, and there is no secondary index to keep consistent.
func (m *Manager) FindByPage(ctx context.Context, pageID string) (*Session, chrome.Target, error) {
	m.mu.RLock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.RUnlock()

	for _, s := range all {
		targets, err := s.Targets(ctx)
		if err != nil {
			m.log.Warn("target listing failed",
				zap.String("session_id", s.ID()),
				zap.Error(err))
			continue
		}
		for _, t := range targets {
			if t.ID == pageID {
				return s, t, nil
			}
		}
	}
	return nil, chrome.Target{}, ErrSessionNotFound
}
