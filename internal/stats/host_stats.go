// Package stats tracks page-run statistics per host.
package stats

import (
	"net/url"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/pagepilot/internal/scripts"
)

// DefaultMaxHosts bounds the number of hosts tracked before the least
// recently used one is evicted.
const DefaultMaxHosts = 1000

// OfflineHost collects runs against submitted HTML.
const OfflineHost = "(offline)"

// maxCounterValue leaves headroom below int64 overflow.
const maxCounterValue int64 = 1 << 62

// HostStats holds counters for one host.
type HostStats struct {
	mu sync.Mutex

	runs            int64
	errors          int64
	totalDurationMs int64
	// outcomes counts terminal statuses per script.
	outcomes  map[string]map[scripts.Status]int64
	alerts    int64
	lastRun   time.Time
	lastError string
}

// HostStatsJSON is the serializable view of HostStats.
type HostStatsJSON struct {
	Host          string                      `json:"host"`
	Runs          int64                       `json:"runs"`
	Errors        int64                       `json:"errors"`
	ErrorRate     float64                     `json:"errorRate"`
	AvgDurationMs int64                       `json:"avgDurationMs"`
	Alerts        int64                       `json:"alerts"`
	Outcomes      map[string]map[string]int64 `json:"outcomes,omitempty"`
	LastRun       time.Time                   `json:"lastRun"`
	LastError     string                      `json:"lastError,omitempty"`
}

func (s *HostStats) snapshot(host string) HostStatsJSON {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := HostStatsJSON{
		Host:      host,
		Runs:      s.runs,
		Errors:    s.errors,
		Alerts:    s.alerts,
		LastRun:   s.lastRun,
		LastError: s.lastError,
	}
	if s.runs > 0 {
		out.ErrorRate = float64(s.errors) / float64(s.runs)
		out.AvgDurationMs = s.totalDurationMs / s.runs
	}
	if len(s.outcomes) > 0 {
		out.Outcomes = make(map[string]map[string]int64, len(s.outcomes))
		for script, counts := range s.outcomes {
			m := make(map[string]int64, len(counts))
			for status, n := range counts {
				m[string(status)] = n
			}
			out.Outcomes[script] = m
		}
	}
	return out
}

// Manager tracks statistics for every host that has been run against.
type Manager struct {
	hosts *lru.Cache[string, *HostStats]

	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewManager creates a Manager tracking at most maxHosts hosts and starts a
// routine that drops hosts idle for longer than maxAge. maxAge <= 0 keeps
// hosts until they are evicted.
func NewManager(maxHosts int, maxAge time.Duration) *Manager {
	if maxHosts <= 0 {
		maxHosts = DefaultMaxHosts
	}
	cache, err := lru.New[string, *HostStats](maxHosts)
	if err != nil {
		// Only a non-positive size fails.
		panic(err)
	}
	m := &Manager{
		hosts:  cache,
		stopCh: make(chan struct{}),
	}

	if maxAge > 0 {
		m.wg.Add(1)
		go m.cleanupRoutine(maxAge)
	}
	return m
}

func (m *Manager) cleanupRoutine(maxAge time.Duration) {
	defer m.wg.Done()

	interval := maxAge / 6
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.cleanupStale(maxAge)
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) cleanupStale(maxAge time.Duration) {
	now := time.Now()
	var removed int
	for _, host := range m.hosts.Keys() {
		s, ok := m.hosts.Peek(host)
		if !ok {
			continue
		}
		s.mu.Lock()
		last := s.lastRun
		s.mu.Unlock()
		if now.Sub(last) > maxAge {
			m.hosts.Remove(host)
			removed++
		}
	}
	if removed > 0 {
		log.Debug().
			Int("removed", removed).
			Int("remaining", m.hosts.Len()).
			Msg("Cleaned up stale host stats")
	}
}

// Close stops the cleanup routine.
func (m *Manager) Close() {
	m.closeOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// HostOf extracts the hostname from a URL. An empty rawURL maps to
// OfflineHost.
func HostOf(rawURL string) string {
	if rawURL == "" {
		return OfflineHost
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

func (m *Manager) getOrCreate(host string) *HostStats {
	if s, ok := m.hosts.Get(host); ok {
		return s
	}
	s := &HostStats{outcomes: make(map[string]map[scripts.Status]int64)}
	// Another run may have added the host in between; keep whichever won.
	if prev, ok, _ := m.hosts.PeekOrAdd(host, s); ok {
		return prev
	}
	return s
}

// RecordRun adds one page run. runErr is the error that ended the run before
// any outcome was produced, if any.
func (m *Manager) RecordRun(host string, duration time.Duration, outcomes []scripts.Outcome, runErr error) {
	if host == "" {
		return
	}
	s := m.getOrCreate(host)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.runs >= maxCounterValue {
		log.Warn().Str("host", host).Msg("Counter overflow protection triggered, resetting stats")
		*s = HostStats{outcomes: make(map[string]map[scripts.Status]int64)}
	}

	s.runs++
	if ms := duration.Milliseconds(); s.totalDurationMs < maxCounterValue-ms {
		s.totalDurationMs += ms
	}
	s.lastRun = time.Now()

	if runErr != nil {
		s.errors++
		s.lastError = runErr.Error()
		return
	}
	for _, o := range outcomes {
		counts := s.outcomes[o.Script]
		if counts == nil {
			counts = make(map[scripts.Status]int64)
			s.outcomes[o.Script] = counts
		}
		counts[o.Status]++
		if o.Alert != "" {
			s.alerts++
		}
	}
}

// Get returns a snapshot for host.
func (m *Manager) Get(host string) (HostStatsJSON, bool) {
	s, ok := m.hosts.Peek(host)
	if !ok {
		return HostStatsJSON{}, false
	}
	return s.snapshot(host), true
}

// All returns snapshots for every tracked host, sorted by host.
func (m *Manager) All() []HostStatsJSON {
	keys := m.hosts.Keys()
	out := make([]HostStatsJSON, 0, len(keys))
	for _, host := range keys {
		if s, ok := m.hosts.Peek(host); ok {
			out = append(out, s.snapshot(host))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Host < out[j].Host })
	return out
}

// Len returns the number of tracked hosts.
func (m *Manager) Len() int {
	return m.hosts.Len()
}

// Reset forgets host, or every host when host is empty.
func (m *Manager) Reset(host string) {
	if host == "" {
		m.hosts.Purge()
		return
	}
	m.hosts.Remove(host)
}
