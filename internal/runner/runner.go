// Package runner applies the page automations to live browser pages and to
// offline HTML.
package runner

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/Rorqualx/pagepilot/internal/browser"
	"github.com/Rorqualx/pagepilot/internal/config"
	"github.com/Rorqualx/pagepilot/internal/dom"
	"github.com/Rorqualx/pagepilot/internal/dom/htmldoc"
	"github.com/Rorqualx/pagepilot/internal/metrics"
	"github.com/Rorqualx/pagepilot/internal/rules"
	"github.com/Rorqualx/pagepilot/internal/scripts"
	"github.com/Rorqualx/pagepilot/internal/scripts/redirect"
	"github.com/Rorqualx/pagepilot/internal/scripts/visibility"
	"github.com/Rorqualx/pagepilot/internal/security"
	"github.com/Rorqualx/pagepilot/internal/types"
)

// OfflineSettle bounds an offline run when no timeout is requested. Nothing
// mutates an offline document, so waiting longer only burns retry ticks.
const OfflineSettle = time.Second

// RulesSource supplies the current rules.
type RulesSource interface {
	Get() *rules.Rules
}

// Options describe one run.
type Options struct {
	URL     string
	Timeout time.Duration
	// Scripts names the automations to run. Empty selects every automation
	// whose host filter matches.
	Scripts      []string
	Cookies      []types.RequestCookie
	DisableMedia bool
	ReturnHTML   bool
	Sink         scripts.Sink
}

// Runner runs automations on pages from a browser pool.
type Runner struct {
	pool      *browser.Pool
	rules     RulesSource
	cfg       *config.Config
	targets   security.TargetPolicy
	userAgent string
}

// New creates a Runner. pool may be nil for a runner that only does offline runs.
func New(pool *browser.Pool, rules RulesSource, cfg *config.Config, userAgent string) *Runner {
	return &Runner{
		pool:      pool,
		rules:     rules,
		cfg:       cfg,
		targets:   security.TargetPolicy{AllowPrivate: cfg.AllowPrivateTargets},
		userAgent: userAgent,
	}
}

// Select resolves the automations for a page on host. Explicit names bypass
// the host filters. An empty host skips filtering.
func Select(r *rules.Rules, names []string, host string, sink scripts.Sink) ([]scripts.Script, error) {
	all := []scripts.Script{
		visibility.Script{Rules: r.Visibility, Sink: sink},
		redirect.Script{Rules: r.Redirect, Sink: sink},
	}

	if len(names) > 0 {
		byName := make(map[string]scripts.Script, len(all))
		for _, s := range all {
			byName[s.Name()] = s
		}
		selected := make([]scripts.Script, 0, len(names))
		seen := make(map[string]bool, len(names))
		for _, name := range names {
			s, ok := byName[name]
			if !ok {
				return nil, types.NewUnknownScriptError(name)
			}
			if !seen[name] {
				seen[name] = true
				selected = append(selected, s)
			}
		}
		return selected, nil
	}

	if host == "" {
		return all, nil
	}
	hosts := map[string][]string{
		visibility.Name: r.Visibility.Hosts,
		redirect.Name:   r.Redirect.Hosts,
	}
	var selected []scripts.Script
	for _, s := range all {
		if rules.MatchHost(hosts[s.Name()], host) {
			selected = append(selected, s)
		}
	}
	if len(selected) == 0 {
		return nil, types.ErrNoScripts
	}
	return selected, nil
}

// Execute runs every script on doc concurrently and returns their outcomes in
// the order given. Outcomes are recorded in metrics.
func Execute(ctx context.Context, doc dom.Document, list []scripts.Script) []scripts.Outcome {
	outcomes := make([]scripts.Outcome, len(list))

	var g errgroup.Group
	for i, s := range list {
		g.Go(func() error {
			out := s.Run(ctx, doc)
			metrics.RecordScriptOutcome(out.Script, string(out.Status), out.Attempts, out.Alert != "")
			log.Debug().
				Str("script", out.Script).
				Str("status", string(out.Status)).
				Int("attempts", out.Attempts).
				Int64("duration_ms", out.DurationMs).
				Msg("Script finished")
			outcomes[i] = out
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// Timeout resolves a requested timeout against the configured bounds.
func (r *Runner) Timeout(requested time.Duration) time.Duration {
	if requested <= 0 {
		return r.cfg.DefaultTimeout
	}
	if requested > r.cfg.MaxTimeout {
		return r.cfg.MaxTimeout
	}
	return requested
}

// Run navigates a pooled browser to opts.URL and runs the automations until
// each reaches a terminal state or the timeout ends the page's lifetime.
func (r *Runner) Run(ctx context.Context, opts *Options) (*types.Result, error) {
	if r.pool == nil {
		return nil, types.ErrBrowserPoolClosed
	}
	if err := r.targets.Check(ctx, opts.URL); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidURL, err)
	}

	list, err := r.selectFor(opts)
	if err != nil {
		return nil, err
	}

	b, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer r.pool.Release(b)

	runCtx, cancel := context.WithTimeout(ctx, r.Timeout(opts.Timeout))
	defer cancel()

	page, cleanup, err := browser.OpenPage(runCtx, b, r.pageOptions(opts))
	if err != nil {
		return nil, &types.RunError{URL: opts.URL, Stage: "prepare", Message: err.Error(), Err: err}
	}
	defer cleanup()

	return r.runOnPage(runCtx, page, opts, list)
}

// RunOnPage navigates an existing page, such as a session's, and runs the
// automations on it. The page stays open afterwards.
func (r *Runner) RunOnPage(ctx context.Context, page *rod.Page, opts *Options) (*types.Result, error) {
	if err := r.targets.Check(ctx, opts.URL); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidURL, err)
	}
	list, err := r.selectFor(opts)
	if err != nil {
		return nil, err
	}

	if len(opts.Cookies) > 0 {
		if err := page.SetCookies(cookieParams(opts.Cookies, opts.URL)); err != nil {
			log.Warn().Err(err).Msg("Failed to set cookies")
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, r.Timeout(opts.Timeout))
	defer cancel()
	return r.runOnPage(runCtx, page, opts, list)
}

func (r *Runner) runOnPage(ctx context.Context, page *rod.Page, opts *Options, list []scripts.Script) (*types.Result, error) {
	log.Info().
		Str("url", security.RedactURL(opts.URL)).
		Int("scripts", len(list)).
		Bool("disable_media", opts.DisableMedia).
		Msg("Starting page run")

	if err := page.Context(ctx).Navigate(opts.URL); err != nil {
		return nil, types.NewNavigationError(opts.URL, err)
	}

	doc, err := browser.NewPageDocument(page, browser.DocumentOptions{
		AutoDismissDialogs: r.cfg.AutoDismissDialogs,
	})
	if err != nil {
		return nil, &types.RunError{URL: opts.URL, Stage: "prepare", Message: err.Error(), Err: err}
	}
	defer doc.Close()

	outcomes := Execute(ctx, doc, list)

	// The run context may be spent; reading the final state gets its own budget.
	readCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result := &types.Result{URL: opts.URL, Outcomes: outcomes}
	if info, err := page.Context(readCtx).Info(); err == nil {
		result.URL = info.URL
	}
	if path, err := doc.Path(readCtx); err == nil {
		result.Path = path
	}
	if opts.ReturnHTML {
		html, err := doc.HTML(readCtx)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to read final HTML")
		} else {
			result.HTML = html
		}
	}
	return result, nil
}

// RunOffline runs the automations on markup without a browser. path is what
// location.pathname reports.
func (r *Runner) RunOffline(ctx context.Context, markup, path string, opts *Options) (*types.Result, error) {
	list, err := Select(r.rules.Get(), opts.Scripts, "", opts.Sink)
	if err != nil {
		return nil, err
	}

	doc, err := htmldoc.Parse(markup, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidRequest, err)
	}

	timeout := OfflineSettle
	if opts.Timeout > 0 && opts.Timeout < timeout {
		timeout = opts.Timeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	outcomes := Execute(runCtx, doc, list)

	result := &types.Result{Path: path, Offline: true, Outcomes: outcomes}
	if result.Path == "" {
		result.Path = "/"
	}
	if opts.ReturnHTML {
		html, err := doc.HTML()
		if err != nil {
			return nil, err
		}
		result.HTML = html
	}
	return result, nil
}

func (r *Runner) selectFor(opts *Options) ([]scripts.Script, error) {
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidURL, err)
	}
	return Select(r.rules.Get(), opts.Scripts, u.Hostname(), opts.Sink)
}

func (r *Runner) pageOptions(opts *Options) browser.PageOptions {
	_, creds := browser.SplitProxyURL(r.cfg.ProxyURL)
	return browser.PageOptions{
		Stealth:    r.cfg.StealthEnabled,
		BlockMedia: opts.DisableMedia,
		UserAgent:  r.userAgent,
		Cookies:    cookieParams(opts.Cookies, opts.URL),
		Proxy:      creds,
	}
}

func cookieParams(cookies []types.RequestCookie, targetURL string) []*proto.NetworkCookieParam {
	if len(cookies) == 0 {
		return nil
	}
	var host string
	if u, err := url.Parse(targetURL); err == nil {
		host = u.Hostname()
	}

	params := make([]*proto.NetworkCookieParam, 0, len(cookies))
	for _, c := range cookies {
		path := c.Path
		if path == "" {
			path = "/"
		}
		params = append(params, &proto.NetworkCookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   security.SanitizeCookieDomain(c.Domain, host),
			Path:     path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
		})
	}
	return params
}
