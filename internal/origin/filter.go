// Package origin decides whether a request came from an allowed network.
package origin

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// DefaultHeader is the proxy header consulted when proxies are trusted.
const DefaultHeader = "X-Forwarded-For"

// GitHubHookRanges are the source ranges GitHub delivered hooks from when
// this list was written. `hookbuild ranges` prints the current set.
var GitHubHookRanges = []string{
	"192.30.252.0/22",
	"185.199.108.0/22",
	"140.82.112.0/20",
	"143.55.64.0/20",
}

// ParseRanges parses CIDR ranges. A bare address is accepted as a
// single-address range.
func ParseRanges(ranges []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(ranges))

	for _, raw := range ranges {
		s := strings.TrimSpace(raw)
		if s == "" {
			return nil, fmt.Errorf("empty range")
		}

		if strings.Contains(s, "/") {
			p, err := netip.ParsePrefix(s)
			if err != nil {
				return nil, fmt.Errorf("invalid range %q: %w", raw, err)
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}

		addr, err := netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("invalid range %q: %w", raw, err)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}

	return prefixes, nil
}

// Filter is an allowlist of network ranges. It holds no mutable state and
// is safe for concurrent use.
type Filter struct {
	ranges     []netip.Prefix
	trustProxy bool
	header     string
}

// NewFilter creates a filter. With trustProxy set, the client address is
// taken from header (DefaultHeader when empty) when the request carries it.
func NewFilter(ranges []netip.Prefix, trustProxy bool, header string) *Filter {
	if header == "" {
		header = DefaultHeader
	}
	return &Filter{
		ranges:     ranges,
		trustProxy: trustProxy,
		header:     http.CanonicalHeaderKey(header),
	}
}

// ClientAddress returns the apparent client address of r.
//
// When proxies are trusted and the forwarded header is present, the
// right-most entry is used: it was appended by our own reverse proxy,
// while entries to its left are whatever the client chose to send.
// Otherwise the host part of the connection's remote address is used.
func (f *Filter) ClientAddress(r *http.Request) string {
	if f.trustProxy {
		if values := r.Header.Values(f.header); len(values) > 0 {
			last := values[len(values)-1]
			if i := strings.LastIndex(last, ","); i >= 0 {
				last = last[i+1:]
			}
			return strings.TrimSpace(last)
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Allowed reports whether addr falls inside one of the filter's ranges.
// Addresses that cannot be parsed are never allowed.
func (f *Filter) Allowed(addr string) bool {
	ip, err := parseAddr(addr)
	if err != nil {
		return false
	}

	for _, p := range f.ranges {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

// Check extracts the client address from r and reports whether it is allowed.
func (f *Filter) Check(r *http.Request) (string, bool) {
	addr := f.ClientAddress(r)
	return addr, f.Allowed(addr)
}

// Ranges returns a copy of the configured ranges.
func (f *Filter) Ranges() []netip.Prefix {
	return append([]netip.Prefix(nil), f.ranges...)
}

func parseAddr(s string) (netip.Addr, error) {
	s = strings.TrimSpace(s)
	// Tolerate "[::1]" and "1.2.3.4:port" forms some proxies emit
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap.Addr().Unmap().WithZone(""), nil
	}
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")

	ip, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, err
	}
	return ip.Unmap().WithZone(""), nil
}
