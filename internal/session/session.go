// Package session keeps browser pages alive across requests so that login
// state and cookies survive between page runs.
package session

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/Rorqualx/pagepilot/internal/config"
	"github.com/Rorqualx/pagepilot/internal/metrics"
	"github.com/Rorqualx/pagepilot/internal/types"
)

// BrowserSource lends browsers to sessions. *browser.Pool satisfies it.
type BrowserSource interface {
	Acquire(ctx context.Context) (*rod.Browser, error)
	Release(b *rod.Browser)
}

// PageOpener creates a session's page. The returned cleanup runs before the
// page is closed.
type PageOpener func(ctx context.Context, b *rod.Browser) (*rod.Page, func(), error)

// Session is a persistent page. Only one run may use it at a time.
type Session struct {
	ID        string
	Browser   *rod.Browser
	Page      *rod.Page
	CreatedAt time.Time

	cleanup  func()
	lastUsed atomic.Int64
	inUse    sync.Mutex
}

// Manager owns sessions and expires idle ones.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	config   *config.Config
	source   BrowserSource
	open     PageOpener
	stopCh   chan struct{}
	wg       sync.WaitGroup
	closed   atomic.Bool
}

// NewManager starts a manager with a background cleanup routine.
func NewManager(cfg *config.Config, source BrowserSource, open PageOpener) *Manager {
	m := &Manager{
		sessions: make(map[string]*Session),
		config:   cfg,
		source:   source,
		open:     open,
		stopCh:   make(chan struct{}),
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.cleanupRoutine()
	}()

	log.Info().
		Dur("ttl", cfg.SessionTTL).
		Dur("cleanup_interval", cfg.SessionCleanupInterval).
		Int("max_sessions", cfg.MaxSessions).
		Msg("Session manager initialized")

	return m
}

// Create takes a browser from the source and opens a page for a new session.
func (m *Manager) Create(ctx context.Context, id string) (*Session, error) {
	if m.closed.Load() || m.source == nil {
		return nil, types.ErrBrowserPoolClosed
	}

	// Reserve the slot first so concurrent creates cannot overshoot.
	m.mu.Lock()
	if _, exists := m.sessions[id]; exists {
		m.mu.Unlock()
		return nil, types.ErrSessionAlreadyExists
	}
	if len(m.sessions) >= m.config.MaxSessions {
		m.mu.Unlock()
		return nil, types.ErrTooManySessions
	}
	s := &Session{ID: id, CreatedAt: time.Now()}
	s.Touch()
	s.inUse.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	b, err := m.source.Acquire(ctx)
	if err != nil {
		m.forget(id)
		return nil, err
	}

	page, cleanup, err := m.open(ctx, b)
	if err != nil {
		m.source.Release(b)
		m.forget(id)
		return nil, err
	}

	s.Browser = b
	s.Page = page
	s.cleanup = cleanup
	s.inUse.Unlock()

	m.mu.RLock()
	current := m.sessions[id]
	m.mu.RUnlock()
	if current != s {
		// Destroyed or closed while the page was opening.
		m.teardown(s)
		return nil, types.ErrSessionNotFound
	}

	count := m.Count()
	metrics.UpdateSessionMetrics(count)
	log.Info().Str("session_id", id).Int("total_sessions", count).Msg("Session created")
	return s, nil
}

func (m *Manager) forget(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

// Get returns the session and marks it used.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, types.ErrSessionNotFound
	}
	s.Touch()
	return s, nil
}

// Acquire returns the session locked for a run. Release it with Session.Release.
func (m *Manager) Acquire(id string) (*Session, error) {
	s, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	if !s.inUse.TryLock() {
		return nil, types.ErrSessionInUse
	}
	if s.Page == nil {
		s.inUse.Unlock()
		return nil, types.ErrSessionPageNil
	}
	return s, nil
}

// Destroy removes the session and returns its browser.
func (m *Manager) Destroy(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	remaining := len(m.sessions)
	m.mu.Unlock()

	if !ok {
		return types.ErrSessionNotFound
	}
	m.teardown(s)
	metrics.UpdateSessionMetrics(remaining)

	log.Info().
		Str("session_id", id).
		Dur("lifetime", time.Since(s.CreatedAt)).
		Msg("Session destroyed")
	return nil
}

func (m *Manager) teardown(s *Session) {
	if s.cleanup != nil {
		s.cleanup()
	}
	if s.Page != nil {
		if err := s.Page.Close(); err != nil {
			log.Debug().Err(err).Str("session_id", s.ID).Msg("Error closing session page")
		}
	}
	if s.Browser != nil && m.source != nil {
		m.source.Release(s.Browser)
	}
}

// List returns active session IDs in sorted order.
func (m *Manager) List() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Count returns the number of active sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) cleanupRoutine() {
	ticker := time.NewTicker(m.config.SessionCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.cleanupExpired()
		case <-m.stopCh:
			return
		}
	}
}

// cleanupExpired drops idle sessions. Sessions busy with a run are skipped.
func (m *Manager) cleanupExpired() {
	now := time.Now()

	m.mu.Lock()
	var expired []*Session
	for id, s := range m.sessions {
		if now.Sub(s.LastUsedTime()) <= m.config.SessionTTL {
			continue
		}
		if !s.inUse.TryLock() {
			continue
		}
		expired = append(expired, s)
		delete(m.sessions, id)
	}
	remaining := len(m.sessions)
	m.mu.Unlock()

	if len(expired) == 0 {
		return
	}
	m.teardownAll(expired)
	metrics.UpdateSessionMetrics(remaining)

	log.Debug().
		Int("expired_count", len(expired)).
		Int("remaining", remaining).
		Msg("Session cleanup completed")
}

func (m *Manager) teardownAll(sessions []*Session) {
	eg := new(errgroup.Group)
	eg.SetLimit(4)
	for _, s := range sessions {
		eg.Go(func() error {
			m.teardown(s)
			return nil
		})
	}
	_ = eg.Wait()
}

// Close stops the cleanup routine and tears down every session.
func (m *Manager) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	close(m.stopCh)
	m.wg.Wait()

	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	m.teardownAll(sessions)
	metrics.UpdateSessionMetrics(0)
	log.Info().Int("closed", len(sessions)).Msg("Session manager closed")
	return nil
}

// Touch marks the session as used now.
func (s *Session) Touch() {
	s.lastUsed.Store(time.Now().UnixNano())
}

// LastUsedTime returns when the session was last used.
func (s *Session) LastUsedTime() time.Time {
	return time.Unix(0, s.lastUsed.Load())
}

// Release ends a run started with Manager.Acquire.
func (s *Session) Release() {
	s.Touch()
	s.inUse.Unlock()
}
