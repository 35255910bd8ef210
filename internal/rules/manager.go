package rules

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/Rorqualx/pagepilot/internal/metrics"
	"github.com/Rorqualx/pagepilot/pkg/version"
)

// Maximum size for remote rules response (1MB)
const maxRemoteResponseSize = 1 << 20

// ErrNoRulesFile is returned by Reload when no external file is configured.
var ErrNoRulesFile = errors.New("no external rules path configured")

// ReloadStats contains statistics about rule reloads.
type ReloadStats struct {
	Source             string    `json:"source"`
	LastReloadTime     time.Time `json:"lastReloadTime,omitempty"`
	ReloadCount        int64     `json:"reloadCount"`
	LastError          error     `json:"-"`
	LastErrorStr       string    `json:"lastError,omitempty"`
	RemoteSuccesses    int64     `json:"remoteSuccesses,omitempty"`
	RemoteFailures     int64     `json:"remoteFailures,omitempty"`
	LastRemoteFetch    time.Time `json:"lastRemoteFetch,omitempty"`
	LastRemoteError    error     `json:"-"`
	LastRemoteErrorStr string    `json:"lastRemoteError,omitempty"`
}

// Options configures a Manager.
type Options struct {
	// Path of an external YAML file overriding the embedded rules.
	Path      string
	HotReload bool
	// RemoteURL is polled every RefreshInterval when no Path is set.
	RemoteURL       string
	RefreshInterval time.Duration
}

// Manager holds the active rules. The embedded defaults are always loaded;
// an external file or remote URL can override them at runtime. Reads are
// lock-free.
type Manager struct {
	embedded *Rules
	current  atomic.Pointer[Rules]
	opts     Options
	watcher  *fsnotify.Watcher
	client   *http.Client
	stopCh   chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex // serializes reloads and guards stats
	stats    ReloadStats
	closed   bool
}

// NewManager creates a Manager. Failing to read the external file or remote
// URL is logged and the embedded rules stay in effect.
func NewManager(opts Options) (*Manager, error) {
	m := &Manager{
		embedded: Default(),
		opts:     opts,
		stopCh:   make(chan struct{}),
	}
	m.current.Store(m.embedded)
	m.stats.Source = "embedded"

	if opts.Path != "" {
		if err := m.Reload(); err != nil {
			log.Warn().
				Err(err).
				Str("path", opts.Path).
				Msg("Failed to load external rules, using embedded defaults")
		}

		if opts.HotReload {
			if err := m.startWatcher(); err != nil {
				log.Warn().
					Err(err).
					Str("path", opts.Path).
					Msg("Failed to start file watcher, hot-reload disabled")
			} else {
				log.Info().Str("path", opts.Path).Msg("Hot-reload enabled for rules file")
			}
		}
	}

	if opts.RemoteURL != "" && opts.RefreshInterval > 0 {
		m.client = &http.Client{Timeout: 30 * time.Second}
		m.refreshFromRemote()
		m.startRemoteRefresh()
	}

	return m, nil
}

// Static returns a Manager serving r without any reload source.
func Static(r *Rules) *Manager {
	m := &Manager{embedded: r, stopCh: make(chan struct{})}
	m.current.Store(r)
	m.stats.Source = "static"
	return m
}

// Get returns the active rules. The returned value must not be modified.
func (m *Manager) Get() *Rules {
	return m.current.Load()
}

// Reload re-reads the external file. On failure the previous rules stay
// in effect.
func (m *Manager) Reload() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.opts.Path == "" {
		return ErrNoRulesFile
	}

	err := m.reloadFileLocked()
	metrics.RecordRulesReload("file", err == nil)
	return err
}

func (m *Manager) reloadFileLocked() error {
	data, err := os.ReadFile(m.opts.Path)
	if err != nil {
		m.stats.LastError = err
		return fmt.Errorf("failed to read rules file: %w", err)
	}

	r, err := m.overlay(data)
	if err != nil {
		m.stats.LastError = err
		return fmt.Errorf("failed to parse rules file: %w", err)
	}

	m.current.Store(r)
	m.stats.Source = "file"
	m.stats.LastReloadTime = time.Now()
	m.stats.ReloadCount++
	m.stats.LastError = nil

	log.Info().
		Str("path", m.opts.Path).
		Int64("reload_count", m.stats.ReloadCount).
		Msg("Rules reloaded")

	return nil
}

// overlay decodes a possibly partial document on top of the embedded rules.
func (m *Manager) overlay(data []byte) (*Rules, error) {
	var ext Rules
	if err := yaml.Unmarshal(data, &ext); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	r := merge(m.embedded, &ext)
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// Stats returns the current reload statistics.
func (m *Manager) Stats() ReloadStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := m.stats
	if stats.LastError != nil {
		stats.LastErrorStr = stats.LastError.Error()
	}
	if stats.LastRemoteError != nil {
		stats.LastRemoteErrorStr = stats.LastRemoteError.Error()
	}
	return stats
}

// Close stops the watcher and the refresh loop. Safe to call multiple times.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()

	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}

func (m *Manager) fetchRemote(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.opts.RemoteURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "pagepilot/"+version.Full())
	req.Header.Set("Accept", "application/yaml, application/x-yaml, text/yaml, */*")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRemoteResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return body, nil
}

// refreshFromRemote fetches remote rules. A configured file takes priority,
// so the fetch only replaces the active rules when there is none.
func (m *Manager) refreshFromRemote() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	data, err := m.fetchRemote(ctx)
	var r *Rules
	if err == nil {
		r, err = m.overlay(data)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.stats.LastRemoteFetch = time.Now()
	metrics.RecordRulesReload("remote", err == nil)

	if err != nil {
		m.stats.RemoteFailures++
		m.stats.LastRemoteError = err
		log.Warn().
			Err(err).
			Str("url", m.opts.RemoteURL).
			Int64("failures", m.stats.RemoteFailures).
			Msg("Remote rules fetch failed, keeping previous rules")
		return
	}

	m.stats.RemoteSuccesses++
	m.stats.LastRemoteError = nil
	if m.opts.Path != "" {
		log.Debug().Str("url", m.opts.RemoteURL).Msg("Remote rules fetched but file rules take priority")
		return
	}
	m.current.Store(r)
	m.stats.Source = "remote"
	log.Info().Int64("successes", m.stats.RemoteSuccesses).Msg("Remote rules refreshed")
}

func (m *Manager) startRemoteRefresh() {
	ticker := time.NewTicker(m.opts.RefreshInterval)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer ticker.Stop()

		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.refreshFromRemote()
			}
		}
	}()
}

func (m *Manager) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(m.opts.Path); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch file: %w", err)
	}
	m.watcher = watcher

	m.wg.Add(1)
	go m.watchFile()
	return nil
}

// watchFile reloads after writes settle for debounceDelay.
func (m *Manager) watchFile() {
	defer m.wg.Done()

	const debounceDelay = 100 * time.Millisecond
	debounce := time.NewTimer(debounceDelay)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			log.Debug().
				Str("event", event.Op.String()).
				Str("file", event.Name).
				Msg("Rules file changed")
			debounce.Reset(debounceDelay)

		case <-debounce.C:
			if err := m.Reload(); err != nil {
				log.Warn().
					Err(err).
					Str("path", m.opts.Path).
					Msg("Hot-reload failed, keeping previous rules")
			}

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("File watcher error")

		case <-m.stopCh:
			return
		}
	}
}
