// Package session manages the lifecycle of authenticated sessions:
// creation, fingerprint tracking, refresh rotation, re-keying, and
// revocation.
package session

import (
	"net/netip"
	"strings"
)

// Fingerprint is the coarse client identity attached to a session. It
// detects hijacking, it is not a security boundary on its own.
type Fingerprint struct {
	IP        string
	UserAgent string
}

// Normalized is the comparable form of a fingerprint: the IP reduced to
// its subnet and the user agent reduced to its product family, so
// ordinary address churn inside one network does not trip detection.
type Normalized struct {
	IPPrefix string
	UAFamily string
}

// Normalize reduces the fingerprint to its comparable form. IPv4
// addresses compare at /24, IPv6 at /64. Unparseable addresses are kept
// verbatim so they still compare stably against themselves.
func (f Fingerprint) Normalize() Normalized {
	return Normalized{
		IPPrefix: normalizeIP(f.IP),
		UAFamily: uaFamily(f.UserAgent),
	}
}

func normalizeIP(raw string) string {
	addr, err := netip.ParseAddr(strings.TrimSpace(raw))
	if err != nil {
		return raw
	}
	bits := 64
	if addr.Is4() || addr.Is4In6() {
		addr = addr.Unmap()
		bits = 24
	}
	prefix, err := addr.Prefix(bits)
	if err != nil {
		return addr.String()
	}
	return prefix.String()
}

// uaFamily extracts the leading product token of a user-agent string,
// e.g. "Mozilla" from "Mozilla/5.0 (...)". Version and platform details
// change across ordinary browser updates and are ignored.
func uaFamily(ua string) string {
	ua = strings.TrimSpace(ua)
	if ua == "" {
		return ""
	}
	if i := strings.IndexAny(ua, "/ "); i > 0 {
		ua = ua[:i]
	}
	return strings.ToLower(ua)
}
