package security

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// LookupFunc resolves a host name to IP addresses.
type LookupFunc func(ctx context.Context, host string) ([]string, error)

// URLPolicy validates repository clone URLs before anything is fetched.
type URLPolicy struct {
	AllowedHosts []string
	Lookup       LookupFunc // nil = net.DefaultResolver; set to skip DNS in tests.
}

// ValidateCloneURL accepts https URLs on an allowlisted host, without
// credentials, whose host does not resolve to a private address.
func (u URLPolicy) ValidateCloneURL(ctx context.Context, raw string) (*url.URL, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrURLNotAllowed, err)
	}
	if parsed.Scheme != "https" {
		return nil, fmt.Errorf("%w: scheme %q (https required)", ErrURLNotAllowed, parsed.Scheme)
	}
	if parsed.User != nil {
		return nil, fmt.Errorf("%w: credentials in url", ErrURLNotAllowed)
	}
	if parsed.RawQuery != "" || parsed.Fragment != "" {
		return nil, fmt.Errorf("%w: query or fragment in url", ErrURLNotAllowed)
	}
	host := strings.ToLower(parsed.Hostname())
	if !isDomainAllowed(host, u.AllowedHosts) {
		return nil, fmt.Errorf("%w: host %q is not allowlisted", ErrURLNotAllowed, host)
	}
	segments := strings.Split(strings.Trim(parsed.Path, "/"), "/")
	if len(segments) < 2 || segments[0] == "" || segments[1] == "" {
		return nil, fmt.Errorf("%w: path must name owner and repository", ErrURLNotAllowed)
	}
	for _, s := range segments {
		if s == ".." || strings.HasPrefix(s, "-") {
			return nil, fmt.Errorf("%w: invalid path segment %q", ErrURLNotAllowed, s)
		}
	}
	if err := u.checkSSRF(ctx, host); err != nil {
		return nil, err
	}
	return parsed, nil
}

func (u URLPolicy) checkSSRF(ctx context.Context, host string) error {
	lookup := u.Lookup
	if lookup == nil {
		lookup = net.DefaultResolver.LookupHost
	}
	ips, err := lookup(ctx, host)
	if err != nil {
		return fmt.Errorf("%w: DNS resolution failed for %q: %v", ErrURLNotAllowed, host, err)
	}
	for _, ipStr := range ips {
		ip := net.ParseIP(ipStr)
		if ip == nil {
			return fmt.Errorf("%w: invalid IP %q for host %q", ErrURLNotAllowed, ipStr, host)
		}
		if isPrivateIP(ip) {
			return fmt.Errorf("%w: host %q resolves to private IP %s", ErrURLNotAllowed, host, ipStr)
		}
	}
	return nil
}

// isPrivateIP checks if an IP is in a private, loopback, or link-local range.
func isPrivateIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast()
}

func isDomainAllowed(host string, allowed []string) bool {
	for _, d := range allowed {
		if strings.EqualFold(d, host) {
			return true
		}
	}
	return false
}
