// Command pagewatch opens a page in a local browser, runs the automations on
// it and shows their progress in the terminal.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/pagepilot/internal/browser"
	"github.com/Rorqualx/pagepilot/internal/config"
	"github.com/Rorqualx/pagepilot/internal/rules"
	"github.com/Rorqualx/pagepilot/internal/runner"
	"github.com/Rorqualx/pagepilot/internal/scripts"
	"github.com/Rorqualx/pagepilot/internal/tui"
	"github.com/Rorqualx/pagepilot/pkg/version"
)

type options struct {
	url        string
	scripts    string
	timeout    time.Duration
	headless   bool
	profile    string
	browserBin string
	rulesPath  string
	logFile    string
	plain      bool
}

func main() {
	var opts options
	flag.StringVar(&opts.url, "url", "", "page to open (required)")
	flag.StringVar(&opts.scripts, "scripts", "", "comma separated automations to run; empty runs all that match the host")
	flag.DurationVar(&opts.timeout, "timeout", 2*time.Minute, "how long the page stays under automation")
	flag.BoolVar(&opts.headless, "headless", false, "run the browser without a window")
	flag.StringVar(&opts.profile, "profile", "", "browser profile directory to keep logins between runs")
	flag.StringVar(&opts.browserBin, "browser", "", "path to Chrome or Chromium")
	flag.StringVar(&opts.rulesPath, "rules", "", "YAML file overriding the embedded rules")
	flag.StringVar(&opts.logFile, "log", "", "write debug logs to this file")
	flag.BoolVar(&opts.plain, "plain", false, "print events as log lines instead of the TUI")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Full())
		return
	}
	if opts.url == "" {
		fmt.Fprintln(os.Stderr, "pagewatch: -url is required")
		flag.Usage()
		os.Exit(2)
	}

	cfg := config.Load()
	closeLog, err := setupLogging(opts, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pagewatch: %v\n", err)
		os.Exit(1)
	}

	err = run(opts, cfg)
	closeLog()
	if err != nil {
		fmt.Fprintf(os.Stderr, "pagewatch: %v\n", err)
		os.Exit(1)
	}
}

func run(opts options, cfg *config.Config) error {
	cfg.Headless = opts.headless
	if opts.browserBin != "" {
		cfg.BrowserPath = opts.browserBin
	}
	// A window lets the user read and dismiss alerts themselves.
	cfg.AutoDismissDialogs = opts.headless
	cfg.Validate()
	cfg.MaxTimeout = max(cfg.MaxTimeout, opts.timeout)

	ruleMgr, err := rules.NewManager(rules.Options{Path: opts.rulesPath})
	if err != nil {
		return err
	}
	defer ruleMgr.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	launch := browser.LaunchOptionsFrom(cfg)
	launch.UserDataDir = opts.profile
	b, err := browser.Launch(ctx, launch)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Close(); err != nil {
			log.Debug().Err(err).Msg("Browser close error")
		}
	}()

	_, creds := browser.SplitProxyURL(cfg.ProxyURL)
	page, cleanup, err := browser.OpenPage(ctx, b, browser.PageOptions{
		Stealth: cfg.StealthEnabled,
		Proxy:   creds,
	})
	if err != nil {
		return err
	}
	defer cleanup()

	runOpts := &runner.Options{
		URL:     opts.url,
		Timeout: opts.timeout,
		Scripts: splitList(opts.scripts),
	}
	pageRunner := runner.New(nil, ruleMgr, cfg, "")

	if opts.plain {
		runOpts.Sink = func(e scripts.Event) {
			fmt.Println(formatPlain(e))
		}
		result, err := pageRunner.RunOnPage(ctx, page, runOpts)
		if err != nil {
			return err
		}
		for _, o := range result.Outcomes {
			fmt.Printf("%s: %s (attempts %d)\n", o.Script, o.Status, o.Attempts)
		}
		holdOpen(ctx, opts.headless, os.Stderr)
		return nil
	}

	program := tea.NewProgram(tui.New(opts.url), tea.WithContext(ctx))
	runOpts.Sink = tui.Sink(program)

	go func() {
		result, err := pageRunner.RunOnPage(ctx, page, runOpts)
		program.Send(tui.DoneMsg{Result: result, Err: err})
	}()

	final, err := program.Run()
	if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return err
	}
	if m, ok := final.(tui.Model); ok && m.Err() != nil {
		return m.Err()
	}
	return nil
}

// holdOpen keeps a headed browser around until ctx ends, normally on
// SIGINT or SIGTERM.
func holdOpen(ctx context.Context, headless bool, w io.Writer) {
	if headless || ctx.Err() != nil {
		return
	}
	fmt.Fprintln(w, "browser left open, press Ctrl+C to close")
	<-ctx.Done()
}

func formatPlain(e scripts.Event) string {
	line := fmt.Sprintf("%s %s %s", e.Time.Format("15:04:05.000"), e.Script, e.Kind)
	if e.Attempt > 0 {
		line += fmt.Sprintf(" #%d", e.Attempt)
	}
	if e.Detail != "" {
		line += " " + e.Detail
	}
	return line
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// setupLogging keeps the terminal for the TUI. Logs go to -log, or to
// stderr in plain mode, and are dropped otherwise. level is LOG_LEVEL.
func setupLogging(opts options, level string) (func(), error) {
	var out io.Writer = io.Discard
	closeFn := func() {}

	switch {
	case opts.logFile != "":
		f, err := os.OpenFile(opts.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		out = f
		closeFn = func() { _ = f.Close() }
	case opts.plain:
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}

	log.Logger = zerolog.New(out).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(parseLevel(level))
	return closeFn, nil
}

// parseLevel maps LOG_LEVEL the same way the server does.
func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
