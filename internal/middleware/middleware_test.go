package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Rorqualx/pagepilot/internal/config"
	"github.com/Rorqualx/pagepilot/internal/types"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := Recovery(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	}))

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", w.Code)
	}
	var resp types.Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("body is not an envelope: %v", err)
	}
	if resp.Status != types.StatusError || resp.Version == "" {
		t.Errorf("unexpected envelope: %+v", resp)
	}
}

func TestRecoveryMiddlewareNoPanic(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	w := httptest.NewRecorder()
	Recovery(okHandler()).ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
}

func TestLoggingAssignsRequestID(t *testing.T) {
	var seen string
	handler := Logging(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFrom(r.Context())
		w.WriteHeader(http.StatusNotFound)
	}))

	req := httptest.NewRequest(http.MethodGet, "/notfound?token=secret", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
	if _, err := uuid.Parse(seen); err != nil {
		t.Errorf("request id %q is not a UUID", seen)
	}
	if w.Header().Get(RequestIDHeader) != seen {
		t.Errorf("response header = %q, context = %q", w.Header().Get(RequestIDHeader), seen)
	}
}

func TestLoggingRequestIDPropagation(t *testing.T) {
	var seen string
	handler := Logging(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFrom(r.Context())
	}))

	given := uuid.NewString()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, given)
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if seen != given {
		t.Errorf("valid id not propagated: %q != %q", seen, given)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "forged\nline")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if seen == "forged\nline" {
		t.Error("non-UUID id was accepted")
	}
}

func TestMaskIP(t *testing.T) {
	tests := map[string]string{
		"203.0.113.55:4242":    "203.0.113.0/24",
		"[2001:db8:1:2::5]:80": "2001:db8:1::/48",
		"not-an-ip":            "[redacted]",
	}
	for in, want := range tests {
		if got := maskIP(in); got != want {
			t.Errorf("maskIP(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCORSMiddleware(t *testing.T) {
	handler := CORS(CORSConfig{AllowedOrigins: []string{"https://ops.example"}})(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/v1", nil)
	req.Header.Set("Origin", "https://ops.example")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://ops.example" {
		t.Errorf("Allow-Origin = %q", got)
	}
	if w.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Error("credentials not allowed for a listed origin")
	}

	req = httptest.NewRequest(http.MethodPost, "/v1", nil)
	req.Header.Set("Origin", "https://evil.example")
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("unlisted origin got Allow-Origin %q", got)
	}
}

func TestCORSMiddlewareWildcard(t *testing.T) {
	handler := CORS(CORSConfig{AllowedOrigins: []string{"*"}})(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://anything.example")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Allow-Origin = %q, want *", got)
	}
	if w.Header().Get("Access-Control-Allow-Credentials") != "" {
		t.Error("credentials must not be combined with a wildcard")
	}
}

func TestCORSMiddlewareRejectsWithoutConfig(t *testing.T) {
	handler := CORS(CORSConfig{})(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://ops.example")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Error("no CORS headers expected without configured origins")
	}
}

func TestCORSMiddlewareOptionsPreflight(t *testing.T) {
	called := false
	handler := CORS(CORSConfig{AllowedOrigins: []string{"https://ops.example"}})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodOptions, "/v1", nil)
	req.Header.Set("Origin", "https://ops.example")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if called {
		t.Error("preflight reached the handler")
	}
	if w.Code != http.StatusOK || w.Header().Get("Access-Control-Max-Age") != "600" {
		t.Errorf("preflight code=%d headers=%v", w.Code, w.Header())
	}
	if !strings.Contains(w.Header().Get("Access-Control-Allow-Headers"), "X-API-Key") {
		t.Error("X-API-Key not allowed in preflight")
	}
}

func TestSecurityHeaders(t *testing.T) {
	w := httptest.NewRecorder()
	SecurityHeaders(okHandler()).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	for _, h := range []string{"X-Content-Type-Options", "X-Frame-Options", "Content-Security-Policy", "Referrer-Policy"} {
		if w.Header().Get(h) == "" {
			t.Errorf("missing %s", h)
		}
	}
}

func TestChainMiddleware(t *testing.T) {
	var order []string
	mw := func(name string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	handler := Chain(mw("a"), mw("b"), mw("c"))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		order = append(order, "handler")
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	if got := strings.Join(order, ","); got != "a,b,c,handler" {
		t.Errorf("order = %s", got)
	}
}

func TestRateLimiterAllowsUnderLimit(t *testing.T) {
	rl := NewRateLimiter(3, time.Minute, false)
	for i := 0; i < 3; i++ {
		if ok, _ := rl.Allow("10.0.0.1"); !ok {
			t.Fatalf("request %d rejected", i+1)
		}
	}
	ok, wait := rl.Allow("10.0.0.1")
	if ok {
		t.Fatal("fourth request allowed")
	}
	if wait <= 0 || wait > time.Minute {
		t.Errorf("wait = %v", wait)
	}
}

func TestRateLimiterResetsAfterWindow(t *testing.T) {
	rl := NewRateLimiter(1, 50*time.Millisecond, false)
	if ok, _ := rl.Allow("10.0.0.1"); !ok {
		t.Fatal("first request rejected")
	}
	if ok, _ := rl.Allow("10.0.0.1"); ok {
		t.Fatal("second request allowed inside the window")
	}
	time.Sleep(60 * time.Millisecond)
	if ok, _ := rl.Allow("10.0.0.1"); !ok {
		t.Error("request rejected after the window reset")
	}
}

func TestRateLimiterDifferentIPs(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute, false)
	if ok, _ := rl.Allow("10.0.0.1"); !ok {
		t.Fatal("first IP rejected")
	}
	if ok, _ := rl.Allow("10.0.0.2"); !ok {
		t.Error("second IP shares the first one's budget")
	}
}

func TestRateLimiterBoundsClients(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute, false)
	for i := 0; i < maxClients+50; i++ {
		rl.Allow(fmt.Sprintf("10.%d.%d.%d", i>>16&0xff, i>>8&0xff, i&0xff))
	}
	if rl.Len() != maxClients {
		t.Errorf("Len() = %d, want %d", rl.Len(), maxClients)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	handler := RateLimit(1, false)(okHandler())

	send := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		req.RemoteAddr = "192.0.2.9:5000"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w
	}

	if w := send("/v1"); w.Code != http.StatusOK {
		t.Fatalf("first request = %d", w.Code)
	}
	w := send("/v1")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}
	if w := send("/health"); w.Code != http.StatusOK {
		t.Errorf("health check limited: %d", w.Code)
	}
}

func TestGetClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	req.Header.Set("X-Forwarded-For", "198.51.100.7, 10.0.0.1")

	if got := getClientIP(req, false); got != "192.0.2.1" {
		t.Errorf("untrusted = %q", got)
	}
	if got := getClientIP(req, true); got != "198.51.100.7" {
		t.Errorf("trusted = %q", got)
	}
	req.Header.Set("X-Forwarded-For", "::ffff:198.51.100.8")
	if got := getClientIP(req, true); got != "198.51.100.8" {
		t.Errorf("mapped = %q", got)
	}
}

func TestAPIKeyMiddleware(t *testing.T) {
	const key = "0123456789abcdef-secret"
	cfg := &config.Config{APIKeyEnabled: true, APIKey: key}
	handler := APIKey(cfg)(okHandler())

	tests := []struct {
		name   string
		path   string
		header map[string]string
		query  string
		want   int
	}{
		{"valid header", "/v1", map[string]string{"X-API-Key": key}, "", http.StatusOK},
		{"valid bearer", "/v1", map[string]string{"Authorization": "Bearer " + key}, "", http.StatusOK},
		{"wrong key", "/v1", map[string]string{"X-API-Key": "nope"}, "", http.StatusUnauthorized},
		{"missing key", "/v1", nil, "", http.StatusUnauthorized},
		{"query param ignored", "/v1", nil, "?api_key=" + key, http.StatusUnauthorized},
		{"health open", "/health", nil, "", http.StatusOK},
		{"metrics open", "/metrics", nil, "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, tt.path+tt.query, nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("code = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestAPIKeyMiddlewareDisabled(t *testing.T) {
	handler := APIKey(&config.Config{})(okHandler())
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1", nil))
	if w.Code != http.StatusOK {
		t.Errorf("code = %d", w.Code)
	}
}

func TestAPIKeyMiddlewareEmptyConfigKey(t *testing.T) {
	handler := APIKey(&config.Config{APIKeyEnabled: true})(okHandler())
	req := httptest.NewRequest(http.MethodPost, "/v1", nil)
	req.Header.Set("X-API-Key", "")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("empty configured key must reject everything, got %d", w.Code)
	}
}
