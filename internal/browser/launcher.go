package browser

import (
	"context"
	"fmt"
	"runtime"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/pagepilot/internal/config"
	"github.com/Rorqualx/pagepilot/internal/security"
)

// LaunchOptions configures a Chrome process.
type LaunchOptions struct {
	BrowserPath      string
	Headless         bool
	ProxyURL         string
	IgnoreCertErrors bool
	// UserDataDir keeps a profile across launches. Empty uses a temp profile.
	UserDataDir string
}

// LaunchOptionsFrom derives launch options from the service config.
func LaunchOptionsFrom(cfg *config.Config) LaunchOptions {
	return LaunchOptions{
		BrowserPath:      cfg.BrowserPath,
		Headless:         cfg.Headless,
		ProxyURL:         cfg.ProxyURL,
		IgnoreCertErrors: cfg.IgnoreCertErrors,
	}
}

// NewLauncher builds a launcher with realistic desktop flags.
// A launcher can only launch once.
func NewLauncher(opts LaunchOptions) *launcher.Launcher {
	l := launcher.New()

	if opts.BrowserPath != "" {
		l = l.Bin(opts.BrowserPath)
	}

	// Rod defaults to headless; a headed browser needs it turned off explicitly.
	if opts.Headless {
		l = l.Set("headless", "new")
	} else {
		l = l.Headless(false)
	}

	if opts.UserDataDir != "" {
		l = l.UserDataDir(opts.UserDataDir)
	}

	l = l.Set("no-sandbox").
		Set("disable-setuid-sandbox").
		Set("disable-dev-shm-usage")

	if server, _ := SplitProxyURL(opts.ProxyURL); server != "" {
		l = l.Set("proxy-server", server)
		log.Debug().Str("proxy", security.RedactProxyURL(opts.ProxyURL)).Msg("Browser proxy configured")
	}

	l = l.Set("force-webrtc-ip-handling-policy", "disable_non_proxied_udp")

	l = l.Set("disable-blink-features", "AutomationControlled")
	l = l.Delete("enable-automation")
	l = l.Set("disable-features", "Translate,TranslateUI,WebRtcHideLocalIpsWithMdns")

	if opts.IgnoreCertErrors {
		l = l.Set("ignore-certificate-errors")
	}

	// Pages under automation are Japanese-language UIs.
	l = l.Set("accept-lang", "ja-JP,ja;q=0.9,en-US;q=0.8")

	l = l.Set("no-first-run").
		Set("no-default-browser-check").
		Set("disable-infobars").
		Set("disable-search-engine-choice-screen").
		Set("window-size", "1920,1080")

	l = l.Set("disable-background-networking").
		Set("disable-default-apps").
		Set("disable-sync").
		Set("mute-audio").
		Set("js-flags", "--max-old-space-size=256").
		Set("disable-renderer-backgrounding")

	if isARM() {
		l = l.Set("disable-gpu-compositing")
	}

	return l
}

// Launch starts a browser process and connects to it over CDP.
// The caller owns the returned browser.
func Launch(ctx context.Context, opts LaunchOptions) (*rod.Browser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	controlURL, err := NewLauncher(opts).Context(ctx).Launch()
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}

	if opts.IgnoreCertErrors {
		log.Warn().Msg("Certificate validation disabled - MITM attacks possible")
		if err := browser.IgnoreCertErrors(true); err != nil {
			log.Warn().Err(err).Msg("Failed to set IgnoreCertErrors")
		}
	}

	log.Debug().Str("url", controlURL).Msg("Browser spawned successfully")
	return browser, nil
}

func isARM() bool {
	arch := runtime.GOARCH
	return arch == "arm" || arch == "arm64"
}
