// Package browser manages the Chrome instances that page runs execute in.
// The pool keeps a fixed number of warm browsers that are reused across
// requests; each run gets its own page and releases it afterwards.
package browser

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/Rorqualx/pagepilot/internal/config"
	"github.com/Rorqualx/pagepilot/internal/metrics"
	"github.com/Rorqualx/pagepilot/internal/types"
)

const (
	maxBrowserAge       = 30 * time.Minute
	healthCheckInterval = time.Minute
	memoryCheckInterval = 30 * time.Second
	closeTimeout        = 10 * time.Second
	spawnTimeout        = 30 * time.Second
)

// Spawner launches a browser. Tests replace it to avoid starting Chrome.
type Spawner func(ctx context.Context) (*rod.Browser, error)

// Pool manages reusable browser instances.
//
// Lock ordering: mu is never held across browser I/O.
type Pool struct {
	mu        sync.Mutex
	browsers  []*browserEntry
	available chan *rod.Browser
	config    *config.Config
	spawn     Spawner
	closed    atomic.Bool

	stopCh chan struct{}
	wg     sync.WaitGroup

	availableCount atomic.Int32
	recycleSem     chan struct{}

	stats PoolStats
}

type browserEntry struct {
	browser   *rod.Browser
	createdAt time.Time
	useCount  atomic.Int64
}

// PoolStats counts pool activity.
type PoolStats struct {
	Acquired atomic.Int64
	Released atomic.Int64
	Recycled atomic.Int64
	Errors   atomic.Int64
}

// NewPool launches cfg.BrowserPoolSize browsers and starts the background
// health and memory monitors. It blocks until every browser is ready.
func NewPool(cfg *config.Config) (*Pool, error) {
	opts := LaunchOptionsFrom(cfg)
	return newPool(cfg, func(ctx context.Context) (*rod.Browser, error) {
		return Launch(ctx, opts)
	})
}

func newPool(cfg *config.Config, spawn Spawner) (*Pool, error) {
	log.Info().
		Int("pool_size", cfg.BrowserPoolSize).
		Bool("headless", cfg.Headless).
		Str("browser_path", cfg.BrowserPath).
		Msg("Initializing browser pool")

	p := &Pool{
		config:     cfg,
		spawn:      spawn,
		available:  make(chan *rod.Browser, cfg.BrowserPoolSize),
		browsers:   make([]*browserEntry, 0, cfg.BrowserPoolSize),
		stopCh:     make(chan struct{}),
		recycleSem: make(chan struct{}, 4),
	}

	for i := 0; i < cfg.BrowserPoolSize; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), spawnTimeout)
		browser, err := p.spawn(ctx)
		cancel()
		if err != nil {
			log.Error().Err(err).Int("browser_index", i).Msg("Failed to spawn browser during pool initialization")
			if closeErr := p.Close(); closeErr != nil {
				log.Error().Err(closeErr).Msg("Failed to close pool during cleanup")
			}
			return nil, fmt.Errorf("failed to spawn browser %d: %w", i, err)
		}

		p.browsers = append(p.browsers, &browserEntry{browser: browser, createdAt: time.Now()})
		p.available <- browser
		p.availableCount.Add(1)
	}
	p.publish()

	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		p.monitorMemory()
	}()
	go func() {
		defer p.wg.Done()
		p.healthCheckRoutine()
	}()

	log.Info().Int("pool_size", cfg.BrowserPoolSize).Msg("Browser pool initialized")
	return p, nil
}

// Acquire takes a healthy browser from the pool, waiting up to the pool
// timeout. The caller must Release it.
func (p *Pool) Acquire(ctx context.Context) (*rod.Browser, error) {
	if p.closed.Load() {
		return nil, types.ErrBrowserPoolClosed
	}

	const maxRetries = 5

	for retry := 0; retry < maxRetries; retry++ {
		select {
		case browser, ok := <-p.available:
			if !ok || p.closed.Load() {
				if browser != nil {
					_ = browser.Close()
				}
				return nil, types.ErrBrowserPoolClosed
			}

			p.stats.Acquired.Add(1)
			metrics.BrowserPoolAcquired.Inc()

			if !p.isHealthy(browser) {
				log.Warn().Int("retry", retry).Msg("Acquired unhealthy browser, recycling")
				p.stats.Errors.Add(1)
				go p.recycleBrowser(browser)
				continue
			}

			p.availableCount.Add(-1)
			p.publish()

			p.mu.Lock()
			for _, entry := range p.browsers {
				if entry.browser == browser {
					entry.useCount.Add(1)
					break
				}
			}
			p.mu.Unlock()

			return browser, nil

		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", types.ErrContextCanceled, ctx.Err())

		case <-time.After(p.config.BrowserPoolTimeout):
			p.stats.Errors.Add(1)
			return nil, types.NewPoolAcquireError("timed out", types.ErrBrowserPoolTimeout)
		}
	}

	p.stats.Errors.Add(1)
	return nil, fmt.Errorf("%w: all browsers unhealthy after %d retries", types.ErrBrowserUnhealthy, maxRetries)
}

// Release closes the browser's pages and returns it to the pool.
// It is safe to call on a nil browser.
func (p *Pool) Release(browser *rod.Browser) {
	if browser == nil {
		return
	}
	if p.closed.Load() {
		_ = browser.Close()
		return
	}
	p.stats.Released.Add(1)

	cleanupFailed := false
	pages, err := browser.Pages()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to list pages for cleanup")
		cleanupFailed = true
	} else {
		for _, page := range pages {
			if err := page.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close page during cleanup")
				cleanupFailed = true
			}
		}
	}

	if cleanupFailed {
		go p.recycleBrowser(browser)
		return
	}

	p.addBrowserToPool(browser)
}

func (p *Pool) isHealthy(browser *rod.Browser) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	page, err := browser.Context(ctx).Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		log.Debug().Err(err).Msg("Browser health check failed")
		return false
	}
	_ = page.Close()
	return true
}

// recycleBrowser replaces browser with a fresh one. Must not be called with mu held.
func (p *Pool) recycleBrowser(old *rod.Browser) {
	if p.closed.Load() {
		return
	}

	p.stats.Recycled.Add(1)
	metrics.BrowserPoolRecycled.Inc()
	log.Info().Int64("total_recycled", p.stats.Recycled.Load()).Msg("Recycling browser")

	p.closeBrowserWithTimeout(old)

	ctx, cancel := context.WithTimeout(context.Background(), spawnTimeout)
	defer cancel()
	go func() {
		select {
		case <-p.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	fresh, err := p.spawn(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to spawn replacement browser")
		p.removeBrowserEntry(old)
		return
	}

	p.mu.Lock()
	replaced := false
	for i, entry := range p.browsers {
		if entry.browser == old {
			p.browsers[i] = &browserEntry{browser: fresh, createdAt: time.Now()}
			replaced = true
			break
		}
	}
	p.mu.Unlock()
	if !replaced {
		_ = fresh.Close()
		return
	}

	p.addBrowserToPool(fresh)
}

func (p *Pool) closeBrowserWithTimeout(browser *rod.Browser) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := browser.Close(); err != nil {
			log.Warn().Err(err).Msg("Error closing browser")
		}
	}()

	select {
	case <-done:
	case <-p.stopCh:
	case <-time.After(closeTimeout):
		p.stats.Errors.Add(1)
		log.Warn().Msg("Browser close timed out")
	}
}

func (p *Pool) addBrowserToPool(browser *rod.Browser) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed.Load() {
		_ = browser.Close()
		return
	}

	select {
	case p.available <- browser:
		p.availableCount.Add(1)
		p.publish()
	default:
		log.Warn().Msg("Pool is full, closing excess browser")
		_ = browser.Close()
	}
}

func (p *Pool) monitorMemory() {
	ticker := time.NewTicker(memoryCheckInterval)
	defer ticker.Stop()

	maxBytes := uint64(p.config.MaxMemoryMB) * 1024 * 1024

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			if m.Alloc > maxBytes {
				log.Warn().
					Uint64("current_mb", m.Alloc/1024/1024).
					Int("max_mb", p.config.MaxMemoryMB).
					Msg("Memory threshold exceeded, recycling browsers")
				p.recycleAll()
			}
		}
	}
}

func (p *Pool) healthCheckRoutine() {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			now := time.Now()
			var stale []*rod.Browser

			p.mu.Lock()
			for _, entry := range p.browsers {
				if now.Sub(entry.createdAt) > maxBrowserAge {
					stale = append(stale, entry.browser)
				}
			}
			p.mu.Unlock()

			for _, browser := range stale {
				log.Info().Msg("Recycling stale browser")
				p.recycleBrowser(browser)
			}
		}
	}
}

func (p *Pool) recycleAll() {
	p.mu.Lock()
	toRecycle := make([]*rod.Browser, len(p.browsers))
	for i, entry := range p.browsers {
		toRecycle[i] = entry.browser
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, browser := range toRecycle {
		if p.closed.Load() {
			break
		}
		wg.Add(1)
		go func(b *rod.Browser) {
			defer wg.Done()
			select {
			case p.recycleSem <- struct{}{}:
				defer func() { <-p.recycleSem }()
				p.recycleBrowser(b)
			case <-p.stopCh:
			}
		}(browser)
	}
	wg.Wait()
}

func (p *Pool) removeBrowserEntry(old *rod.Browser) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, entry := range p.browsers {
		if entry.browser == old {
			last := len(p.browsers) - 1
			p.browsers[i] = p.browsers[last]
			p.browsers = p.browsers[:last]
			return
		}
	}
}

func (p *Pool) publish() {
	metrics.UpdatePoolMetrics(p.config.BrowserPoolSize, int(p.availableCount.Load()))
}

// Size returns the configured pool size.
func (p *Pool) Size() int {
	return p.config.BrowserPoolSize
}

// Available returns the number of idle browsers.
func (p *Pool) Available() int {
	if p.closed.Load() {
		return 0
	}
	return int(p.availableCount.Load())
}

// PoolStatsSnapshot is a point-in-time copy of PoolStats.
type PoolStatsSnapshot struct {
	Acquired int64 `json:"acquired"`
	Released int64 `json:"released"`
	Recycled int64 `json:"recycled"`
	Errors   int64 `json:"errors"`
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() PoolStatsSnapshot {
	return PoolStatsSnapshot{
		Acquired: p.stats.Acquired.Load(),
		Released: p.stats.Released.Load(),
		Recycled: p.stats.Recycled.Load(),
		Errors:   p.stats.Errors.Load(),
	}
}

// Close shuts the pool down and closes every browser. It is safe to call
// more than once.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed.Swap(true) {
		p.mu.Unlock()
		return nil
	}
	close(p.available)
	browsers := p.browsers
	p.browsers = nil
	p.mu.Unlock()

	log.Info().Msg("Closing browser pool")
	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		log.Warn().Msg("Timeout waiting for background goroutines to stop")
	}

	eg := new(errgroup.Group)
	eg.SetLimit(4)
	for _, entry := range browsers {
		browser := entry.browser
		eg.Go(func() error {
			return browser.Close()
		})
	}
	closeErr := eg.Wait()

	// Browsers still queued are tracked in p.browsers and already closed.
	for range p.available {
	}

	metrics.UpdatePoolMetrics(p.config.BrowserPoolSize, 0)
	log.Info().
		Int64("total_acquired", p.stats.Acquired.Load()).
		Int64("total_recycled", p.stats.Recycled.Load()).
		Msg("Browser pool closed")

	return closeErr
}
