// Package security guards what the browser may be pointed at and what ends
// up in logs.
package security

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
)

// Target URL errors.
var (
	ErrInvalidURL       = errors.New("invalid URL")
	ErrBlockedScheme    = errors.New("URL scheme not allowed")
	ErrPrivateIPBlocked = errors.New("private/internal IP addresses are not allowed")
	ErrLocalhostBlocked = errors.New("localhost URLs are not allowed")
	ErrMetadataBlocked  = errors.New("cloud metadata URLs are not allowed")
)

// AllowedSchemes are the schemes a page run may navigate to.
var AllowedSchemes = map[string]bool{
	"http":  true,
	"https": true,
}

// metadataHosts resolve to cloud credentials on most providers.
var metadataHosts = map[string]bool{
	"metadata.google.internal": true,
	"metadata":                 true,
	"instance-data":            true,
}

var metadataAddrs = []netip.Addr{
	netip.MustParseAddr("169.254.169.254"), // AWS, GCP, Azure, DigitalOcean, OpenStack
	netip.MustParseAddr("169.254.170.2"),   // AWS ECS task metadata
	netip.MustParseAddr("100.100.100.200"), // Alibaba Cloud
	netip.MustParseAddr("192.0.0.192"),     // Oracle Cloud
	netip.MustParseAddr("fd00:ec2::254"),   // AWS IPv6
	netip.MustParseAddr("fc00:ec2::254"),
}

// TargetPolicy decides which URLs a browser may be sent to.
type TargetPolicy struct {
	// AllowPrivate admits loopback and private networks, for intranet or
	// development pages. Cloud metadata endpoints stay blocked.
	AllowPrivate bool
	// Resolve looks up hostnames. Nil uses net.DefaultResolver. Lookup
	// failures are not errors here; the browser reports them on navigation.
	Resolve func(ctx context.Context, host string) ([]netip.Addr, error)
}

// Check validates rawURL against the policy. Numeric hosts in decimal,
// octal, hex or shortened form are decoded the way browsers decode them.
func (p TargetPolicy) Check(ctx context.Context, rawURL string) error {
	if rawURL == "" {
		return ErrInvalidURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return ErrInvalidURL
	}
	if !AllowedSchemes[strings.ToLower(u.Scheme)] {
		return ErrBlockedScheme
	}

	host := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
	if host == "" {
		return ErrInvalidURL
	}
	if metadataHosts[host] {
		return ErrMetadataBlocked
	}
	if isLocalName(host) {
		if p.AllowPrivate {
			return nil
		}
		return ErrLocalhostBlocked
	}

	if addr, ok := parseHostAddr(host); ok {
		return p.checkAddr(addr)
	}

	addrs, err := p.resolve(ctx, host)
	if err != nil {
		return nil
	}
	for _, a := range addrs {
		if err := p.checkAddr(a); err != nil {
			return err
		}
	}
	return nil
}

func (p TargetPolicy) resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	if p.Resolve != nil {
		return p.Resolve(ctx, host)
	}
	return net.DefaultResolver.LookupNetIP(ctx, "ip", host)
}

func (p TargetPolicy) checkAddr(a netip.Addr) error {
	a = a.Unmap().WithZone("")
	for _, m := range metadataAddrs {
		if a == m {
			return ErrMetadataBlocked
		}
	}
	if p.AllowPrivate {
		return nil
	}
	switch {
	case a.IsLoopback():
		return ErrLocalhostBlocked
	case a.IsPrivate(), a.IsLinkLocalUnicast(), a.IsLinkLocalMulticast(), a.IsUnspecified():
		return ErrPrivateIPBlocked
	}
	return nil
}

func isLocalName(host string) bool {
	switch host {
	case "localhost", "localhost.localdomain", "local", "ip6-localhost", "ip6-loopback":
		return true
	}
	return strings.HasSuffix(host, ".localhost") || strings.HasPrefix(host, "localhost.")
}

// parseHostAddr parses standard IP literals and the legacy IPv4 forms
// (2130706433, 0x7f.1, 0177.0.0.1) that browsers still accept.
func parseHostAddr(host string) (netip.Addr, bool) {
	if a, err := netip.ParseAddr(host); err == nil {
		return a, true
	}

	parts := strings.Split(host, ".")
	if len(parts) > 4 {
		return netip.Addr{}, false
	}
	var v uint64
	for i, part := range parts[:len(parts)-1] {
		x, ok := parseIPv4Part(part, 0xff)
		if !ok {
			return netip.Addr{}, false
		}
		v |= x << (24 - 8*i)
	}
	last, ok := parseIPv4Part(parts[len(parts)-1], 1<<(8*(5-len(parts)))-1)
	if !ok {
		return netip.Addr{}, false
	}
	v |= last
	return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}), true
}

func parseIPv4Part(s string, limit uint64) (uint64, bool) {
	if s == "" || strings.ContainsRune(s, '_') {
		return 0, false
	}
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil || v > limit {
		return 0, false
	}
	return v, true
}

// Proxy URL errors.
var (
	ErrInvalidProxyURL    = errors.New("invalid proxy URL")
	ErrBlockedProxyScheme = errors.New("proxy URL scheme not allowed (must be http, https, socks4, or socks5)")
)

// AllowedProxySchemes are the schemes PROXY_URL may use.
var AllowedProxySchemes = map[string]bool{
	"http":   true,
	"https":  true,
	"socks4": true,
	"socks5": true,
}

// ValidateProxyURL checks PROXY_URL. Local proxies are common, so private
// addresses are only rejected when allowPrivate is false. Hostnames are not
// resolved since the browser reaches them directly.
func ValidateProxyURL(proxyURL string, allowPrivate bool) error {
	if proxyURL == "" {
		return nil
	}
	u, err := url.Parse(proxyURL)
	if err != nil || u.Host == "" {
		return ErrInvalidProxyURL
	}
	if !AllowedProxySchemes[strings.ToLower(u.Scheme)] {
		return ErrBlockedProxyScheme
	}

	p := TargetPolicy{AllowPrivate: allowPrivate}
	host := strings.ToLower(u.Hostname())
	if isLocalName(host) && !allowPrivate {
		return ErrLocalhostBlocked
	}
	if addr, ok := parseHostAddr(host); ok {
		return p.checkAddr(addr)
	}
	return nil
}

// SanitizeCookieDomain returns domain when it is targetHost or a parent of
// it with at least two labels, and targetHost otherwise. The result is
// lowercase without a leading dot.
func SanitizeCookieDomain(domain, targetHost string) string {
	targetHost = strings.ToLower(targetHost)
	domain = strings.ToLower(strings.TrimPrefix(domain, "."))

	switch {
	case domain == "":
		return targetHost
	case domain == targetHost:
		return domain
	case strings.HasSuffix(targetHost, "."+domain) && strings.Contains(domain, "."):
		return domain
	}
	return targetHost
}
