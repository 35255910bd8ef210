package rules

import (
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	r := Default()
	if r.Visibility.Label != "あなたのみ" {
		t.Errorf("Label = %q", r.Visibility.Label)
	}
	if r.Visibility.Interval != 200*time.Millisecond {
		t.Errorf("Interval = %s, want 200ms", r.Visibility.Interval)
	}
	if r.Visibility.MaxAttempts != 50 {
		t.Errorf("MaxAttempts = %d, want 50", r.Visibility.MaxAttempts)
	}
	if r.Redirect.PathPrefix != "/archives/" {
		t.Errorf("PathPrefix = %q", r.Redirect.PathPrefix)
	}
	if err := r.Validate(); err != nil {
		t.Errorf("embedded rules invalid: %v", err)
	}
}

func TestDefaultMatchesFallback(t *testing.T) {
	embedded, fallback := Default(), defaultRules()
	if embedded.Visibility.AlertTemplate != fallback.Visibility.AlertTemplate {
		t.Error("embedded and fallback alert templates differ")
	}
	if embedded.Redirect.LinkQuery() != fallback.Redirect.LinkQuery() {
		t.Error("embedded and fallback link queries differ")
	}
}

func TestFormatAlert(t *testing.T) {
	v := Default().Visibility

	tests := []struct {
		name string
		from string
		want string
	}{
		{"known", "全員", "公開範囲を「あなたのみ」に上書きしました。旧設定: 「全員」"},
		{"unknown", "", "公開範囲を「あなたのみ」に上書きしました。旧設定: （不明）"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := v.FormatAlert(tt.from, "あなたのみ"); got != tt.want {
				t.Errorf("FormatAlert() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(r *Rules)
		wantErr string
	}{
		{"valid", func(r *Rules) {}, ""},
		{"empty label", func(r *Rules) { r.Visibility.Label = "  " }, "visibility.label"},
		{"bad selector", func(r *Rules) { r.Visibility.SelectSelector = "select[" }, "select_selector"},
		{"zero interval", func(r *Rules) { r.Visibility.Interval = 0 }, "interval"},
		{"negative attempts", func(r *Rules) { r.Visibility.MaxAttempts = -1 }, "max_attempts"},
		{"relative prefix", func(r *Rules) { r.Redirect.PathPrefix = "archives/" }, "path_prefix"},
		{"bad host", func(r *Rules) { r.Redirect.Hosts = []string{"[a-"} }, "redirect.hosts"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := defaultRules()
			tt.mutate(r)
			err := r.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestParse(t *testing.T) {
	data := []byte(`
visibility:
  label: "Only me"
  hidden_select_selector: "select[aria-hidden]"
  select_selector: "select"
  interval: 50ms
  max_attempts: 3
  alert_template: "{from} -> {to}"
  unknown_label: "?"
redirect:
  path_prefix: "/r/"
  container_selector: "#c"
  link_selector: "a"
`)
	r, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if r.Visibility.Interval != 50*time.Millisecond {
		t.Errorf("Interval = %s", r.Visibility.Interval)
	}
	if r.Redirect.LinkQuery() != "#c a" {
		t.Errorf("LinkQuery() = %q", r.Redirect.LinkQuery())
	}

	if _, err := Parse([]byte("visibility: [")); err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestMatchHost(t *testing.T) {
	tests := []struct {
		patterns []string
		host     string
		want     bool
	}{
		{nil, "example.com", true},
		{[]string{"*.slack.com"}, "acme.slack.com", true},
		{[]string{"*.slack.com"}, "slack.com", false},
		{[]string{"chatgpt.com"}, "ChatGPT.com", true},
		{[]string{"chatgpt.com"}, "example.com", false},
	}
	for _, tt := range tests {
		if got := MatchHost(tt.patterns, tt.host); got != tt.want {
			t.Errorf("MatchHost(%v, %q) = %v, want %v", tt.patterns, tt.host, got, tt.want)
		}
	}
}

func TestMergeFillsGaps(t *testing.T) {
	base := defaultRules()
	ext := &Rules{Visibility: Visibility{Label: "Private"}}

	got := merge(base, ext)
	if got.Visibility.Label != "Private" {
		t.Errorf("Label = %q, want override", got.Visibility.Label)
	}
	if got.Visibility.Interval != base.Visibility.Interval {
		t.Errorf("Interval = %s, want base value", got.Visibility.Interval)
	}
	if got.Redirect.LinkSelector != base.Redirect.LinkSelector {
		t.Error("redirect rules should come from base")
	}
	if ext.Visibility.Interval != 0 {
		t.Error("merge must not modify its input")
	}
}
