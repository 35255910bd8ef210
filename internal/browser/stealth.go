package browser

import (
	"context"
	"fmt"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/rs/zerolog/log"
)

// PageOptions configures a page before navigation.
type PageOptions struct {
	// Stealth injects go-rod/stealth's evasions on every new document.
	Stealth bool
	// BlockMedia fails image, font and media requests.
	BlockMedia bool
	UserAgent  string
	Cookies    []*proto.NetworkCookieParam
	// Proxy answers auth challenges from the browser's upstream proxy.
	Proxy *ProxyCredentials
}

// OpenPage creates a page on browser and prepares it for navigation. The
// returned cleanup stops request interception; closing the page is the
// caller's job.
func OpenPage(ctx context.Context, browser *rod.Browser, opts PageOptions) (*rod.Page, func(), error) {
	var (
		page *rod.Page
		err  error
	)
	if opts.Stealth {
		page, err = stealth.Page(browser.Context(ctx))
	} else {
		page, err = browser.Context(ctx).Page(proto.TargetCreateTarget{})
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create page: %w", err)
	}

	cleanup := func() {}
	fail := func(err error) (*rod.Page, func(), error) {
		cleanup()
		_ = page.Close()
		return nil, nil, err
	}

	if err := SetViewport(page, 1920, 1080); err != nil {
		log.Debug().Err(err).Msg("Failed to set viewport")
	}

	if opts.UserAgent != "" {
		if err := SetUserAgent(page, opts.UserAgent); err != nil {
			return fail(fmt.Errorf("failed to set user agent: %w", err))
		}
	}

	if len(opts.Cookies) > 0 {
		if err := page.SetCookies(opts.Cookies); err != nil {
			return fail(fmt.Errorf("failed to set cookies: %w", err))
		}
	}

	stop, err := interceptRequests(ctx, page, opts.BlockMedia, opts.Proxy)
	if err != nil {
		if opts.Proxy != nil {
			return fail(fmt.Errorf("failed to enable proxy auth: %w", err))
		}
		log.Warn().Err(err).Msg("Media blocking unavailable, continuing without it")
	} else {
		cleanup = stop
	}

	return page, cleanup, nil
}

// SetUserAgent overrides the page's user agent.
func SetUserAgent(page *rod.Page, userAgent string) error {
	return proto.NetworkSetUserAgentOverride{UserAgent: userAgent}.Call(page)
}

// SetViewport sets the page viewport size.
func SetViewport(page *rod.Page, width, height int) error {
	return page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             width,
		Height:            height,
		DeviceScaleFactor: 1,
	})
}
