// Package egress restricts outbound HTTP made by action handlers to public
// addresses. The check runs after DNS resolution and on every redirect.
package egress

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultMaxRedirects       = 3
	DefaultMaxBodyBytes int64 = 2 << 20
)

var ErrBlockedDestination = errors.New("destination address is not allowed")

var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
}

type Policy struct {
	// AllowPrivate permits loopback and private ranges, for operators whose
	// action webhooks run on an internal network.
	AllowPrivate bool
	MaxRedirects int
}

func (p Policy) maxRedirects() int {
	if p.MaxRedirects <= 0 {
		return DefaultMaxRedirects
	}
	return p.MaxRedirects
}

// CheckAddr reports whether addr may be dialed under p.
func (p Policy) CheckAddr(addr netip.Addr) error {
	if !addr.IsValid() {
		return fmt.Errorf("invalid address")
	}
	addr = addr.Unmap()
	if addr.Zone() != "" {
		return ErrBlockedDestination
	}
	if p.AllowPrivate {
		return nil
	}
	for _, prefix := range blockedPrefixes {
		if prefix.Contains(addr) {
			return ErrBlockedDestination
		}
	}
	return nil
}

// CheckURL validates scheme, credentials and, for literal IPs, the address.
// Host names are checked at dial time, after resolution.
func (p Policy) CheckURL(u *url.URL) error {
	if u == nil {
		return fmt.Errorf("url is required")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if u.User != nil {
		return fmt.Errorf("url credentials are not allowed")
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("url host is required")
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		return p.CheckAddr(addr)
	}
	return nil
}

// NewClient returns a copy of base whose transport resolves each host and
// dials only addresses p allows. Proxies are disabled so the check applies
// to the real destination.
func NewClient(base *http.Client, p Policy) *http.Client {
	if base == nil {
		base = &http.Client{}
	}
	out := *base

	var tr *http.Transport
	switch t := out.Transport.(type) {
	case nil:
		tr = http.DefaultTransport.(*http.Transport).Clone()
	case *http.Transport:
		tr = t.Clone()
	}
	if tr != nil {
		tr.Proxy = nil
		tr.ProxyConnectHeader = nil
		tr.GetProxyConnectHeader = nil
		tr.DialTLSContext = nil
		dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
		tr.DialContext = func(ctx context.Context, network, address string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(address)
			if err != nil {
				return nil, err
			}
			if _, err := strconv.Atoi(port); err != nil {
				return nil, fmt.Errorf("invalid port %q", port)
			}
			addr, err := p.resolve(ctx, host)
			if err != nil {
				return nil, err
			}
			return dialer.DialContext(ctx, network, net.JoinHostPort(addr.String(), port))
		}
		out.Transport = tr
	}

	limit := p.maxRedirects()
	out.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) > limit {
			return fmt.Errorf("redirect limit exceeded (max %d)", limit)
		}
		return p.CheckURL(req.URL)
	}
	return &out
}

// resolve returns the first address for host, failing if any answer is
// blocked.
func (p Policy) resolve(ctx context.Context, host string) (netip.Addr, error) {
	host = strings.TrimSpace(host)
	if host == "" || strings.Contains(host, "%") {
		return netip.Addr{}, fmt.Errorf("invalid host %q", host)
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr, p.CheckAddr(addr)
	}
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return netip.Addr{}, err
	}
	if len(addrs) == 0 {
		return netip.Addr{}, fmt.Errorf("no addresses for %q", host)
	}
	for _, addr := range addrs {
		if err := p.CheckAddr(addr); err != nil {
			return netip.Addr{}, fmt.Errorf("%s: %w", host, err)
		}
	}
	return addrs[0].Unmap(), nil
}

// ReadLimited reads at most limit bytes of body and fails if more remain.
func ReadLimited(body io.Reader, limit int64) ([]byte, error) {
	if body == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = DefaultMaxBodyBytes
	}
	b, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > limit {
		return nil, fmt.Errorf("response exceeds %d bytes", limit)
	}
	return b, nil
}
