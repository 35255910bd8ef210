package types

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/Rorqualx/pagepilot/internal/rules"
	"github.com/Rorqualx/pagepilot/internal/scripts"
	"github.com/Rorqualx/pagepilot/internal/stats"
)

// Request validation limits.
const (
	MaxCmdLength         = 64
	MaxURLLength         = 8192
	MaxHTMLLength        = 2 << 20 // 2MB
	MaxPathLength        = 2048
	MaxSessionIDLength   = 128
	MaxTimeoutMs         = 1800000 // 30 minutes
	MaxScripts           = 8
	MaxCookies           = 100
	MaxCookieNameLength  = 256
	MaxCookieValueLength = 4096
)

// Commands supported by the API.
const (
	CmdPageRun         = "page.run"
	CmdSessionsCreate  = "sessions.create"
	CmdSessionsList    = "sessions.list"
	CmdSessionsDestroy = "sessions.destroy"
	CmdRulesGet        = "rules.get"
	CmdRulesReload     = "rules.reload"
	CmdStatsGet        = "stats.get"
)

// Status values for API responses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Request is the command envelope accepted on POST /v1.
type Request struct {
	Cmd     string `json:"cmd"`
	URL     string `json:"url,omitempty"`
	Session string `json:"session,omitempty"`
	// HTML runs the scripts offline against this markup instead of a browser.
	HTML string `json:"html,omitempty"`
	// Path is the location.pathname reported for offline runs.
	Path string `json:"path,omitempty"`
	// Scripts restricts the run to these names. Empty runs every script
	// whose host filter matches.
	Scripts      []string        `json:"scripts,omitempty"`
	MaxTimeout   int             `json:"maxTimeout,omitempty"`
	Cookies      []RequestCookie `json:"cookies,omitempty"`
	ReturnHTML   bool            `json:"returnHtml,omitempty"`
	DisableMedia bool            `json:"disableMedia,omitempty"`
}

// RequestCookie is set before navigation, for pages behind a login.
type RequestCookie struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	Domain   string `json:"domain,omitempty"`
	Path     string `json:"path,omitempty"`
	Secure   bool   `json:"secure,omitempty"`
	HTTPOnly bool   `json:"httpOnly,omitempty"`
}

// Validate checks field bounds and command-specific requirements.
func (r *Request) Validate() error {
	if r.Cmd == "" {
		return fmt.Errorf("cmd is required")
	}
	if len(r.Cmd) > MaxCmdLength {
		return fmt.Errorf("cmd exceeds maximum length of %d", MaxCmdLength)
	}

	switch r.Cmd {
	case CmdPageRun:
		if err := r.validateRun(); err != nil {
			return err
		}
	case CmdSessionsCreate, CmdSessionsList, CmdRulesGet, CmdRulesReload, CmdStatsGet:
	case CmdSessionsDestroy:
		if r.Session == "" {
			return fmt.Errorf("session is required")
		}
	default:
		return fmt.Errorf("Unknown command: %q", r.Cmd)
	}

	if len(r.Session) > MaxSessionIDLength {
		return fmt.Errorf("session exceeds maximum length of %d", MaxSessionIDLength)
	}
	if r.MaxTimeout < 0 {
		return fmt.Errorf("maxTimeout cannot be negative")
	}
	if r.MaxTimeout > MaxTimeoutMs {
		return fmt.Errorf("maxTimeout exceeds maximum of %d ms", MaxTimeoutMs)
	}
	return nil
}

func (r *Request) validateRun() error {
	switch {
	case r.URL == "" && r.HTML == "":
		return ErrURLRequired
	case r.URL != "" && r.HTML != "":
		return fmt.Errorf("url and html are mutually exclusive")
	case r.HTML != "" && r.Session != "":
		return fmt.Errorf("offline runs cannot use a session")
	}

	if r.URL != "" {
		if len(r.URL) > MaxURLLength {
			return fmt.Errorf("url exceeds maximum length of %d", MaxURLLength)
		}
		u, err := url.Parse(r.URL)
		if err != nil {
			return fmt.Errorf("invalid url: %w", err)
		}
		scheme := strings.ToLower(u.Scheme)
		if scheme != "http" && scheme != "https" {
			return fmt.Errorf("url scheme must be http or https, got: %s", scheme)
		}
	}

	if len(r.HTML) > MaxHTMLLength {
		return fmt.Errorf("html exceeds maximum length of %d", MaxHTMLLength)
	}
	if r.Path != "" {
		if r.URL != "" {
			return fmt.Errorf("path only applies to offline runs")
		}
		if len(r.Path) > MaxPathLength || !strings.HasPrefix(r.Path, "/") {
			return fmt.Errorf("path must start with / and be at most %d bytes", MaxPathLength)
		}
	}

	if len(r.Scripts) > MaxScripts {
		return fmt.Errorf("too many scripts (maximum %d)", MaxScripts)
	}

	if len(r.Cookies) > MaxCookies {
		return fmt.Errorf("too many cookies (maximum %d)", MaxCookies)
	}
	for i, c := range r.Cookies {
		if c.Name == "" {
			return fmt.Errorf("cookie[%d]: name is required", i)
		}
		if len(c.Name) > MaxCookieNameLength {
			return fmt.Errorf("cookie[%d]: name exceeds maximum length of %d", i, MaxCookieNameLength)
		}
		if len(c.Value) > MaxCookieValueLength {
			return fmt.Errorf("cookie[%d]: value exceeds maximum length of %d", i, MaxCookieValueLength)
		}
	}
	return nil
}

// Response is the envelope returned for every command.
type Response struct {
	Status     string             `json:"status"`
	Message    string             `json:"message"`
	StartTime  int64              `json:"startTimestamp"`
	EndTime    int64              `json:"endTimestamp"`
	Version    string             `json:"version"`
	Result     *Result            `json:"result,omitempty"`
	Sessions   []string           `json:"sessions,omitempty"`
	Rules      *rules.Rules       `json:"rules,omitempty"`
	RulesStats *rules.ReloadStats `json:"rulesStats,omitempty"`
	// Stats lists per-host run statistics for stats.get.
	Stats []stats.HostStatsJSON `json:"stats,omitempty"`
}

// Result is the outcome of a page run.
type Result struct {
	URL      string            `json:"url,omitempty"`
	Path     string            `json:"path"`
	Offline  bool              `json:"offline"`
	Outcomes []scripts.Outcome `json:"outcomes"`
	HTML     string            `json:"html,omitempty"`
}
