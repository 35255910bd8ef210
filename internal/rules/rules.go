// Package rules loads the labels, selectors and timings the page automations use.
package rules

import (
	"embed"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/cascadia"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

//go:embed rules.yaml
var defaultRulesFS embed.FS

// Rules configures both automations.
type Rules struct {
	Visibility Visibility `yaml:"visibility" json:"visibility"`
	Redirect   Redirect   `yaml:"redirect" json:"redirect"`
}

// Visibility configures the visibility override.
type Visibility struct {
	Label                string        `yaml:"label" json:"label"`
	HiddenSelectSelector string        `yaml:"hidden_select_selector" json:"hiddenSelectSelector"`
	SelectSelector       string        `yaml:"select_selector" json:"selectSelector"`
	Interval             time.Duration `yaml:"interval" json:"interval"`
	MaxAttempts          int           `yaml:"max_attempts" json:"maxAttempts"`
	AlertTemplate        string        `yaml:"alert_template" json:"alertTemplate"`
	UnknownLabel         string        `yaml:"unknown_label" json:"unknownLabel"`
	Hosts                []string      `yaml:"hosts" json:"hosts,omitempty"`
}

// Redirect configures the redirect click.
type Redirect struct {
	PathPrefix        string   `yaml:"path_prefix" json:"pathPrefix"`
	ContainerSelector string   `yaml:"container_selector" json:"containerSelector"`
	LinkSelector      string   `yaml:"link_selector" json:"linkSelector"`
	Hosts             []string `yaml:"hosts" json:"hosts,omitempty"`
}

// LinkQuery is the selector for the redirect link, scoped under its container.
func (r Redirect) LinkQuery() string {
	return r.ContainerSelector + " " + r.LinkSelector
}

// FormatAlert renders the alert template. from is the previous label or ""
// when it is unknown.
func (v Visibility) FormatAlert(from, to string) string {
	prev := v.UnknownLabel
	if from != "" {
		prev = "「" + from + "」"
	}
	return strings.NewReplacer("{to}", to, "{from}", prev).Replace(v.AlertTemplate)
}

var (
	instance *Rules
	once     sync.Once
	loadErr  error
)

// Default returns the embedded rules.
func Default() *Rules {
	once.Do(func() {
		instance, loadErr = load()
		if loadErr != nil {
			log.Error().Err(loadErr).Msg("Failed to load embedded rules, using defaults")
			instance = defaultRules()
		}
	})
	return instance
}

func load() (*Rules, error) {
	data, err := defaultRulesFS.ReadFile("rules.yaml")
	if err != nil {
		return nil, err
	}
	r, err := Parse(data)
	if err != nil {
		return nil, err
	}

	log.Debug().
		Str("label", r.Visibility.Label).
		Dur("interval", r.Visibility.Interval).
		Int("max_attempts", r.Visibility.MaxAttempts).
		Str("path_prefix", r.Redirect.PathPrefix).
		Msg("Rules loaded")

	return r, nil
}

// Parse decodes and validates a complete rules document.
func Parse(data []byte) (*Rules, error) {
	var r Rules
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

func defaultRules() *Rules {
	return &Rules{
		Visibility: Visibility{
			Label:                "あなたのみ",
			HiddenSelectSelector: `select[aria-hidden="true"]`,
			SelectSelector:       "select",
			Interval:             200 * time.Millisecond,
			MaxAttempts:          50,
			AlertTemplate:        "公開範囲を「{to}」に上書きしました。旧設定: {from}",
			UnknownLabel:         "（不明）",
		},
		Redirect: Redirect{
			PathPrefix:        "/archives/",
			ContainerSelector: `[data-qa="ssb_redirect_loading_page"]`,
			LinkSelector:      `a.c-link[target="_self"][href^="/messages/"]`,
		},
	}
}

// Validate checks that selectors compile and timings are usable.
func (r *Rules) Validate() error {
	var errs []error

	v := r.Visibility
	if strings.TrimSpace(v.Label) == "" {
		errs = append(errs, errors.New("visibility.label must not be empty"))
	}
	errs = append(errs,
		checkSelector("visibility.hidden_select_selector", v.HiddenSelectSelector),
		checkSelector("visibility.select_selector", v.SelectSelector),
		checkHosts("visibility.hosts", v.Hosts),
	)
	if v.Interval <= 0 {
		errs = append(errs, fmt.Errorf("visibility.interval must be positive, got %s", v.Interval))
	}
	if v.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("visibility.max_attempts must not be negative, got %d", v.MaxAttempts))
	}

	rd := r.Redirect
	if !strings.HasPrefix(rd.PathPrefix, "/") {
		errs = append(errs, fmt.Errorf("redirect.path_prefix must start with /, got %q", rd.PathPrefix))
	}
	errs = append(errs,
		checkSelector("redirect.container_selector", rd.ContainerSelector),
		checkSelector("redirect.link_selector", rd.LinkSelector),
		checkHosts("redirect.hosts", rd.Hosts),
	)
	if rd.ContainerSelector != "" && rd.LinkSelector != "" {
		errs = append(errs, checkSelector("redirect link query", rd.LinkQuery()))
	}

	return errors.Join(errs...)
}

func checkSelector(field, sel string) error {
	if strings.TrimSpace(sel) == "" {
		return fmt.Errorf("%s must not be empty", field)
	}
	if _, err := cascadia.ParseGroup(sel); err != nil {
		return fmt.Errorf("%s: invalid selector %q: %w", field, sel, err)
	}
	return nil
}

func checkHosts(field string, hosts []string) error {
	for _, h := range hosts {
		if _, err := path.Match(h, ""); err != nil {
			return fmt.Errorf("%s: invalid pattern %q: %w", field, h, err)
		}
	}
	return nil
}

// MatchHost reports whether host matches any of the glob patterns.
// An empty pattern list matches every host.
func MatchHost(patterns []string, host string) bool {
	if len(patterns) == 0 {
		return true
	}
	host = strings.ToLower(host)
	for _, p := range patterns {
		if ok, _ := path.Match(strings.ToLower(p), host); ok {
			return true
		}
	}
	return false
}

// merge returns external with empty fields filled from base.
func merge(base, external *Rules) *Rules {
	out := *external

	v, bv := &out.Visibility, base.Visibility
	v.Label = orString(v.Label, bv.Label)
	v.HiddenSelectSelector = orString(v.HiddenSelectSelector, bv.HiddenSelectSelector)
	v.SelectSelector = orString(v.SelectSelector, bv.SelectSelector)
	v.AlertTemplate = orString(v.AlertTemplate, bv.AlertTemplate)
	v.UnknownLabel = orString(v.UnknownLabel, bv.UnknownLabel)
	if v.Interval == 0 {
		v.Interval = bv.Interval
	}
	if v.MaxAttempts == 0 {
		v.MaxAttempts = bv.MaxAttempts
	}
	if v.Hosts == nil {
		v.Hosts = bv.Hosts
	}

	rd, br := &out.Redirect, base.Redirect
	rd.PathPrefix = orString(rd.PathPrefix, br.PathPrefix)
	rd.ContainerSelector = orString(rd.ContainerSelector, br.ContainerSelector)
	rd.LinkSelector = orString(rd.LinkSelector, br.LinkSelector)
	if rd.Hosts == nil {
		rd.Hosts = br.Hosts
	}

	return &out
}

func orString(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
