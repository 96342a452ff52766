package request

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// privateRanges expands the "private" allowlist keyword.
var privateRanges = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),     // RFC1918 Class A
	netip.MustParsePrefix("172.16.0.0/12"),  // RFC1918 Class B
	netip.MustParsePrefix("192.168.0.0/16"), // RFC1918 Class C
	netip.MustParsePrefix("127.0.0.0/8"),    // Loopback
	netip.MustParsePrefix("169.254.0.0/16"), // Link-local (RFC3927)
	netip.MustParsePrefix("100.64.0.0/10"),  // CGNAT (RFC6598)
	netip.MustParsePrefix("::1/128"),        // IPv6 loopback
	netip.MustParsePrefix("fe80::/10"),      // IPv6 link-local
	netip.MustParsePrefix("fc00::/7"),       // IPv6 unique local (RFC4193)
}

// IsPrivate returns true if the address falls within a private or loopback
// range. Unparseable input is not private.
func IsPrivate(s string) bool {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range privateRanges {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// NormalizeAddress strips a port, the IPv4-mapped IPv6 prefix
// ("::ffff:") and surrounding whitespace. Input that is not an IP address is
// returned trimmed but otherwise unchanged.
func NormalizeAddress(s string) string {
	s = strings.TrimSpace(s)
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return strings.TrimPrefix(s, "::ffff:")
	}
	return addr.Unmap().String()
}

// ClientAddress returns the address to count r against. With trustProxy set
// the first X-Forwarded-For hop wins; otherwise the TCP peer is used.
func ClientAddress(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if first = strings.TrimSpace(first); first != "" {
				return NormalizeAddress(first)
			}
		}
		if xr := strings.TrimSpace(r.Header.Get("X-Real-IP")); xr != "" {
			return NormalizeAddress(xr)
		}
	}
	return NormalizeAddress(r.RemoteAddr)
}

// Allowlist is a set of prefixes whose addresses bypass admission counting.
type Allowlist []netip.Prefix

// ParseAllowlist parses a comma-separated list of CIDRs and bare addresses.
// The keyword "private" adds the private and loopback ranges.
func ParseAllowlist(csv string) (Allowlist, error) {
	var out Allowlist
	var bad []string
	for _, item := range strings.Split(csv, ",") {
		item = strings.TrimSpace(item)
		switch {
		case item == "":
			continue
		case strings.EqualFold(item, "private"):
			out = append(out, privateRanges...)
		case strings.Contains(item, "/"):
			p, err := netip.ParsePrefix(item)
			if err != nil {
				bad = append(bad, item)
				continue
			}
			out = append(out, p.Masked())
		default:
			a, err := netip.ParseAddr(item)
			if err != nil {
				bad = append(bad, item)
				continue
			}
			a = a.Unmap()
			out = append(out, netip.PrefixFrom(a, a.BitLen()))
		}
	}
	if len(bad) > 0 {
		return nil, fmt.Errorf("invalid allowlist entries: %s", strings.Join(bad, ", "))
	}
	return out, nil
}

// Contains reports whether addr falls within any prefix.
func (a Allowlist) Contains(addr string) bool {
	if len(a) == 0 {
		return false
	}
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return false
	}
	ip = ip.Unmap()
	for _, p := range a {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}
