// Package main provides the entry point for the pagepilot service.
package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof" // registers pprof handlers on DefaultServeMux
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-rod/rod"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/pagepilot/internal/browser"
	"github.com/Rorqualx/pagepilot/internal/config"
	"github.com/Rorqualx/pagepilot/internal/handlers"
	"github.com/Rorqualx/pagepilot/internal/metrics"
	"github.com/Rorqualx/pagepilot/internal/middleware"
	"github.com/Rorqualx/pagepilot/internal/rules"
	"github.com/Rorqualx/pagepilot/internal/runner"
	"github.com/Rorqualx/pagepilot/internal/session"
	"github.com/Rorqualx/pagepilot/internal/stats"
	"github.com/Rorqualx/pagepilot/pkg/version"
)

func main() {
	cfg := config.Load()

	// Logging first so validation warnings are visible.
	setupLogging(cfg.LogLevel)
	cfg.Validate()

	printBanner()

	ruleMgr, err := rules.NewManager(rules.Options{
		Path:            cfg.RulesPath,
		HotReload:       cfg.RulesHotReload,
		RemoteURL:       cfg.RulesRemoteURL,
		RefreshInterval: cfg.RulesRefreshInterval,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load rules")
	}

	log.Info().Msg("Initializing browser pool...")
	pool, err := browser.NewPool(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize browser pool")
	}

	sessionMgr := session.NewManager(cfg, pool, sessionOpener(cfg))
	run := runner.New(pool, ruleMgr, cfg, "")
	hostStats := stats.NewManager(stats.DefaultMaxHosts, 24*time.Hour)
	handler := handlers.New(pool, run, sessionMgr, ruleMgr, hostStats, cfg)

	chain := []func(http.Handler) http.Handler{
		middleware.Recovery,
		middleware.Logging,
		middleware.SecurityHeaders,
		middleware.CORS(middleware.CORSConfig{AllowedOrigins: cfg.CORSAllowedOrigins}),
	}
	if cfg.RateLimitEnabled {
		log.Info().
			Int("requests_per_minute", cfg.RateLimitRPM).
			Bool("trust_proxy", cfg.TrustProxy).
			Msg("Rate limiting enabled")
		chain = append(chain, middleware.RateLimit(cfg.RateLimitRPM, cfg.TrustProxy))
	}
	chain = append(chain, middleware.APIKey(cfg))

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      middleware.Chain(chain...)(handler),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.MaxTimeout + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	stopCh := make(chan struct{})

	var metricsServer *http.Server
	if cfg.PrometheusEnabled {
		metrics.SetBuildInfo(version.Full(), version.GoVersion())
		go metrics.StartMemoryCollector(10*time.Second, stopCh)

		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metrics.Handler())
		metricsServer = &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.PrometheusPort),
			Handler:      metricsMux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}

		go func() {
			log.Info().Int("port", cfg.PrometheusPort).Msg("Prometheus metrics server started")
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	// pprof exposes runtime internals; keep it on loopback outside debugging.
	var pprofServer *http.Server
	if cfg.PProfEnabled {
		pprofAddr := fmt.Sprintf("%s:%d", cfg.PProfBindAddr, cfg.PProfPort)
		pprofServer = &http.Server{
			Addr:         pprofAddr,
			Handler:      http.DefaultServeMux,
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 60 * time.Second,
		}

		go func() {
			log.Warn().Str("addr", pprofAddr).Msg("pprof profiling server started, use for debugging only")
			if err := pprofServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("pprof server failed")
			}
		}()
	}

	go func() {
		log.Info().
			Str("address", addr).
			Int("pool_size", cfg.BrowserPoolSize).
			Bool("metrics_enabled", cfg.PrometheusEnabled).
			Bool("rate_limit_enabled", cfg.RateLimitEnabled).
			Bool("api_key_enabled", cfg.APIKeyEnabled).
			Msg("pagepilot is ready to accept requests")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")
	close(stopCh)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("Metrics server shutdown error")
		}
	}
	if pprofServer != nil {
		if err := pprofServer.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("pprof server shutdown error")
		}
	}

	// Sessions hand their browsers back to the pool, so they close first.
	if err := sessionMgr.Close(); err != nil {
		log.Error().Err(err).Msg("Session manager close error")
	}
	if err := pool.Close(); err != nil {
		log.Error().Err(err).Msg("Browser pool close error")
	}
	if err := ruleMgr.Close(); err != nil {
		log.Error().Err(err).Msg("Rules manager close error")
	}
	hostStats.Close()

	log.Info().Msg("Shutdown complete")
}

// sessionOpener prepares session pages the same way the runner prepares
// one-off pages.
func sessionOpener(cfg *config.Config) session.PageOpener {
	_, creds := browser.SplitProxyURL(cfg.ProxyURL)
	return func(ctx context.Context, b *rod.Browser) (*rod.Page, func(), error) {
		return browser.OpenPage(ctx, b, browser.PageOptions{
			Stealth: cfg.StealthEnabled,
			Proxy:   creds,
		})
	}
}

// setupLogging configures zerolog based on the log level.
func setupLogging(level string) {
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	})

	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

func printBanner() {
	banner := `
                                  _ _       _
 _ __   __ _  __ _  ___ _ __ (_) | ___ | |_
| '_ \ / _' |/ _' |/ _ \ '_ \| | |/ _ \| __|
| |_) | (_| | (_| |  __/ |_) | | | (_) | |_
| .__/ \__,_|\__, |\___| .__/|_|_|\___/ \__|
|_|          |___/     |_|
`
	fmt.Println(banner)
	log.Info().
		Str("version", version.Full()).
		Str("go_version", version.GoVersion()).
		Msg("Starting pagepilot")
}
