// Package guard validates outbound scan targets and rejects anything that
// resolves into loopback, private, link-local, CGNAT, multicast or
// unspecified address space.
package guard

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"

	"golang.org/x/net/idna"
)

// Reject reasons. They are surfaced verbatim as a failed scan's error.
const (
	ReasonScheme       = "Only http/https allowed"
	ReasonInvalidHost  = "Invalid host"
	ReasonBlockedHost  = "Blocked hostname"
	ReasonUnresolvable = "Cannot resolve host"
	reasonBlockedIP    = "Blocked resolved IP: "
)

var blockedHostnames = map[string]struct{}{
	"localhost": {},
}

var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"), // link-local, includes cloud metadata
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("100.64.0.0/10"), // CGNAT
	netip.MustParsePrefix("224.0.0.0/4"),
	netip.MustParsePrefix("::/128"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("fec0::/10"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("ff00::/8"),
	netip.MustParsePrefix("2001:db8::/32"),
	netip.MustParsePrefix("100::/64"),
	netip.MustParsePrefix("2001::/23"),      // IETF protocol assignments, includes Teredo
	netip.MustParsePrefix("2002::/16"),      // 6to4
	netip.MustParsePrefix("64:ff9b:1::/48"), // local-use NAT64
}

// UnsafeTargetError is returned for every rejected target.
type UnsafeTargetError struct {
	Reason string
}

func (e *UnsafeTargetError) Error() string {
	return e.Reason
}

func reject(reason string) *UnsafeTargetError {
	return &UnsafeTargetError{Reason: reason}
}

// Resolver looks up every address for a host. *net.Resolver satisfies it.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Target is a validated destination.
type Target struct {
	URL    *url.URL
	Scheme string
	Host   string
	Port   string
	Addrs  []netip.Addr
}

// Guard validates targets. The zero value is not usable; call New.
type Guard struct {
	resolver Resolver
	allowed  []netip.Prefix
	onReject func(err *UnsafeTargetError)
}

// Option configures a Guard
type Option func(*Guard)

// WithResolver replaces the system resolver.
func WithResolver(r Resolver) Option {
	return func(g *Guard) { g.resolver = r }
}

// WithAllowedPrefixes exempts prefixes from the blocklist. Only tests that
// target httptest servers on loopback should use this.
func WithAllowedPrefixes(prefixes ...netip.Prefix) Option {
	return func(g *Guard) { g.allowed = append(g.allowed, prefixes...) }
}

// WithRejectHook is called for every rejection.
func WithRejectHook(fn func(err *UnsafeTargetError)) Option {
	return func(g *Guard) { g.onReject = fn }
}

// New creates a Guard backed by net.DefaultResolver unless overridden.
func New(opts ...Option) *Guard {
	g := &Guard{resolver: net.DefaultResolver}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Validate parses rawURL, normalizes its host and checks every resolved address.
func (g *Guard) Validate(ctx context.Context, rawURL string) (*Target, error) {
	target, err := g.validate(ctx, rawURL)
	if err != nil {
		if g.onReject != nil {
			g.onReject(err)
		}
		return nil, err
	}
	return target, nil
}

func (g *Guard) validate(ctx context.Context, rawURL string) (*Target, *UnsafeTargetError) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, reject(ReasonInvalidHost)
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, reject(ReasonScheme)
	}

	host, ok := NormalizeHost(u.Hostname())
	if !ok {
		return nil, reject(ReasonInvalidHost)
	}
	if _, blocked := blockedHostnames[host]; blocked {
		return nil, reject(ReasonBlockedHost)
	}

	addrs, uerr := g.resolve(ctx, host)
	if uerr != nil {
		return nil, uerr
	}
	for _, addr := range addrs {
		if err := g.CheckAddr(addr); err != nil {
			return nil, err
		}
	}

	port := u.Port()
	if port == "" {
		port = "80"
		if scheme == "https" {
			port = "443"
		}
	}

	return &Target{URL: u, Scheme: scheme, Host: host, Port: port, Addrs: addrs}, nil
}

func (g *Guard) resolve(ctx context.Context, host string) ([]netip.Addr, *UnsafeTargetError) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr.Unmap().WithZone("")}, nil
	}

	ipAddrs, err := g.resolver.LookupIPAddr(ctx, host)
	if err != nil || len(ipAddrs) == 0 {
		return nil, reject(ReasonUnresolvable)
	}

	addrs := make([]netip.Addr, 0, len(ipAddrs))
	seen := make(map[netip.Addr]struct{}, len(ipAddrs))
	for _, ia := range ipAddrs {
		addr, ok := netip.AddrFromSlice(ia.IP)
		if !ok {
			return nil, reject(reasonBlockedIP + ia.IP.String())
		}
		addr = addr.Unmap()
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

// CheckAddr rejects addr if it is blocked and not explicitly allowed.
func (g *Guard) CheckAddr(addr netip.Addr) *UnsafeTargetError {
	// Prefix.Contains never matches a zoned address
	addr = addr.Unmap().WithZone("")
	for _, p := range g.allowed {
		if p.Contains(addr) {
			return nil
		}
	}
	if IsBlockedAddr(addr) {
		return reject(reasonBlockedIP + addr.String())
	}
	return nil
}

// CheckConnectedAddr is for dialer Control hooks: address is the "ip:port"
// the socket is about to connect to.
func (g *Guard) CheckConnectedAddr(address string) error {
	ap, err := netip.ParseAddrPort(address)
	if err != nil {
		return fmt.Errorf("unexpected dial address %q: %w", address, err)
	}
	if uerr := g.CheckAddr(ap.Addr()); uerr != nil {
		if g.onReject != nil {
			g.onReject(uerr)
		}
		return uerr
	}
	return nil
}

// IsBlockedAddr reports whether addr falls in any blocked range.
func IsBlockedAddr(addr netip.Addr) bool {
	addr = addr.Unmap().WithZone("")
	if !addr.IsValid() {
		return true
	}
	for _, p := range blockedPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// NormalizeHost lowercases host, strips trailing dots and converts IDNs to
// their ASCII form. It reports false for an empty or malformed host.
func NormalizeHost(host string) (string, bool) {
	host = strings.TrimRight(strings.ToLower(strings.TrimSpace(host)), ".")
	if host == "" {
		return "", false
	}
	if _, err := netip.ParseAddr(host); err == nil {
		return host, true
	}
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil || ascii == "" {
		return "", false
	}
	return ascii, true
}
