package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T) string {
	t.Helper()
	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	return w.Body.String()
}

func TestHandler(t *testing.T) {
	RecordRequest("test", "ok", time.Second)
	UpdatePoolMetrics(3, 2)
	UpdateSessionMetrics(1)

	body := scrape(t)
	for _, metric := range []string{
		"pagepilot_browser_pool_size",
		"pagepilot_browser_pool_available",
		"pagepilot_active_sessions",
		"pagepilot_requests_total",
	} {
		if !strings.Contains(body, metric) {
			t.Errorf("Expected metric %q not found in output", metric)
		}
	}
}

func TestSetBuildInfo(t *testing.T) {
	SetBuildInfo("1.0.0", "go1.24")

	body := scrape(t)
	if !strings.Contains(body, `version="1.0.0"`) {
		t.Error("Expected version label in build_info")
	}
	if !strings.Contains(body, `go_version="go1.24"`) {
		t.Error("Expected go_version label in build_info")
	}
}

func TestRecordScriptOutcome(t *testing.T) {
	RecordScriptOutcome("visibility", "applied", 3, true)
	RecordScriptOutcome("redirect", "inactive", 0, false)

	body := scrape(t)
	if !strings.Contains(body, `pagepilot_script_outcomes_total{script="visibility",status="applied"} 1`) {
		t.Error("Expected visibility/applied outcome")
	}
	if !strings.Contains(body, `pagepilot_script_attempts_count{script="visibility"}`) {
		t.Error("Expected attempts histogram")
	}
	if !strings.Contains(body, "pagepilot_alerts_raised_total 1") {
		t.Error("Expected one alert recorded")
	}
}

func TestRecordRulesReload(t *testing.T) {
	RecordRulesReload("file", false)

	body := scrape(t)
	if !strings.Contains(body, `pagepilot_rules_reloads_total{source="file",success="false"}`) {
		t.Error("Expected rules reload counter")
	}
}

func TestUpdatePoolMetrics(t *testing.T) {
	UpdatePoolMetrics(4, 1)

	body := scrape(t)
	if !strings.Contains(body, "pagepilot_browser_pool_size 4") {
		t.Error("Expected browser_pool_size to be 4")
	}
	if !strings.Contains(body, "pagepilot_browser_pool_available 1") {
		t.Error("Expected browser_pool_available to be 1")
	}
}

func TestStartMemoryCollector(t *testing.T) {
	stopCh := make(chan struct{})
	go StartMemoryCollector(20*time.Millisecond, stopCh)
	time.Sleep(80 * time.Millisecond)
	close(stopCh)

	body := scrape(t)
	for _, metric := range []string{
		"pagepilot_memory_usage_bytes",
		"pagepilot_memory_sys_bytes",
		"pagepilot_goroutines",
	} {
		if !strings.Contains(body, metric) {
			t.Errorf("Expected metric %q", metric)
		}
	}
}
