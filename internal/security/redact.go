package security

import (
	"net/url"
	"strings"
)

const redacted = "[REDACTED]"

// sensitiveParamPatterns match query and fragment keys that carry secrets.
// OAuth implicit flows put tokens in the fragment, so both are scrubbed.
var sensitiveParamPatterns = []string{
	"password", "passwd", "pwd", "secret", "token", "api_key", "apikey",
	"api-key", "auth", "bearer", "credential", "key", "session", "sid",
	"code", "private",
}

// RedactURL strips credentials and secret-looking parameters from a URL
// before it is logged. Unparseable input is replaced entirely.
func RedactURL(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "[invalid-url]"
	}

	if u.User != nil {
		u.User = url.User(redacted)
	}
	if u.RawQuery != "" {
		u.RawQuery = redactValues(u.Query()).Encode()
	}
	if strings.Contains(u.Fragment, "=") {
		if values, err := url.ParseQuery(u.Fragment); err == nil {
			u.Fragment = redactValues(values).Encode()
			u.RawFragment = ""
		}
	}
	return u.String()
}

func redactValues(values url.Values) url.Values {
	out := make(url.Values, len(values))
	for key, v := range values {
		if isSensitiveKey(key) {
			out[key] = []string{redacted}
			continue
		}
		out[key] = v
	}
	return out
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, pattern := range sensitiveParamPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

// RedactProxyURL hides the password of a proxy URL and keeps the user name.
func RedactProxyURL(proxyURL string) string {
	if proxyURL == "" {
		return ""
	}
	u, err := url.Parse(proxyURL)
	if err != nil {
		return "[invalid-proxy-url]"
	}
	if u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), redacted)
		}
	}
	return u.String()
}
