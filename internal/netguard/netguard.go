// Package netguard classifies IP literals against the IANA special-purpose
// address registries. Everything here is pure: no I/O, no shared state.
package netguard

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// reservedV4 lists the IPv4 special-purpose blocks that must never be used
// as outbound destinations. Membership is tested with explicit numeric
// comparisons on a strictly parsed dotted quad.
var reservedV4 = mustV4Blocks(
	"0.0.0.0/8",       // "This" network (RFC 1122)
	"10.0.0.0/8",      // Private-Use (RFC 1918)
	"100.64.0.0/10",   // Shared Address / CGN (RFC 6598)
	"127.0.0.0/8",     // Loopback (RFC 1122)
	"169.254.0.0/16",  // Link-Local, cloud metadata (RFC 3927)
	"172.16.0.0/12",   // Private-Use (RFC 1918)
	"192.0.0.0/24",    // IETF Protocol Assignments (RFC 6890)
	"192.0.2.0/24",    // TEST-NET-1 (RFC 5737)
	"192.168.0.0/16",  // Private-Use (RFC 1918)
	"198.18.0.0/15",   // Benchmarking (RFC 2544)
	"198.51.100.0/24", // TEST-NET-2 (RFC 5737)
	"203.0.113.0/24",  // TEST-NET-3 (RFC 5737)
	"224.0.0.0/4",     // Multicast (RFC 5771)
	"240.0.0.0/4",     // Reserved + limited broadcast (RFC 1112, RFC 919)
)

// reservedV6 lists the IPv6 special-purpose blocks. IPv4-mapped addresses
// never reach this table; they are unmapped and checked against reservedV4.
var reservedV6 = []netip.Prefix{
	netip.MustParsePrefix("::/128"),        // Unspecified
	netip.MustParsePrefix("::1/128"),       // Loopback
	netip.MustParsePrefix("64:ff9b::/96"),  // NAT64 (RFC 6052)
	netip.MustParsePrefix("100::/64"),      // Discard-Only (RFC 6666)
	netip.MustParsePrefix("2001:db8::/32"), // Documentation (RFC 3849)
	netip.MustParsePrefix("fc00::/7"),      // Unique-Local (RFC 4193)
	netip.MustParsePrefix("fe80::/10"),     // Link-Local (RFC 4291)
	netip.MustParsePrefix("ff00::/8"),      // Multicast (RFC 4291)
}

type v4Block struct {
	prefix netip.Prefix
	base   uint32
	mask   uint32
}

func (b v4Block) contains(ip uint32) bool {
	return ip&b.mask == b.base
}

func mustV4Blocks(cidrs ...string) []v4Block {
	blocks := make([]v4Block, 0, len(cidrs))
	for _, cidr := range cidrs {
		addr, bits, ok := strings.Cut(cidr, "/")
		if !ok {
			panic(fmt.Sprintf("netguard: malformed block %q", cidr))
		}
		base, ok := parseDottedQuad(addr)
		n, err := strconv.Atoi(bits)
		if !ok || err != nil || n < 0 || n > 32 {
			panic(fmt.Sprintf("netguard: malformed block %q", cidr))
		}
		mask := uint32(0)
		if n > 0 {
			mask = ^uint32(0) << (32 - n)
		}
		blocks = append(blocks, v4Block{
			prefix: netip.MustParsePrefix(cidr),
			base:   base & mask,
			mask:   mask,
		})
	}
	return blocks
}

// IsPrivateOrReserved reports whether ip is a non-public address.
//
// ip must be a syntactically valid IPv4 dotted quad or IPv6 literal,
// optionally wrapped in brackets. Anything else, including hostnames that
// merely start with numeric labels, returns false: syntax validation is the
// caller's concern and a hostname must go through resolution instead.
func IsPrivateOrReserved(ip string) bool {
	_, ok := Match(ip)
	return ok
}

// Match returns the special-purpose block containing ip, if any.
// It follows the same input rules as IsPrivateOrReserved.
func Match(ip string) (netip.Prefix, bool) {
	s := stripBrackets(ip)
	if !strings.Contains(s, ":") {
		v, ok := parseDottedQuad(s)
		if !ok {
			return netip.Prefix{}, false
		}
		return matchV4(v)
	}

	addr, ok := parseV6(s)
	if !ok {
		return netip.Prefix{}, false
	}
	// ::ffff:a.b.c.d and ::ffff:HHHH:HHHH both land here.
	if addr.Is4In6() {
		a4 := addr.Unmap().As4()
		return matchV4(binary.BigEndian.Uint32(a4[:]))
	}
	for _, p := range reservedV6 {
		if p.Contains(addr) {
			return p, true
		}
	}
	return netip.Prefix{}, false
}

// ParseLiteral reports whether host is an IP literal and returns it.
// IPv4 must be a strict dotted quad; IPv6 may be bracketed and may carry a
// zone, which is dropped.
func ParseLiteral(host string) (netip.Addr, bool) {
	s := stripBrackets(host)
	if !strings.Contains(s, ":") {
		v, ok := parseDottedQuad(s)
		if !ok {
			return netip.Addr{}, false
		}
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], v)
		return netip.AddrFrom4(b), true
	}
	return parseV6(s)
}

// LooksLikeAlternativeIP detects numeric host spellings that some resolvers
// (inet_aton and friends) turn into IPv4 addresses but that are not strict
// dotted quads: packed decimal (2130706433), hex (0x7f000001), dotted hex
// (0x7f.0.0.1), leading-zero octal (0177.0.0.1), short forms (127.1) and a
// dotted quad with a trailing dot.
func LooksLikeAlternativeIP(host string) bool {
	trimmed := strings.TrimSuffix(host, ".")
	if trimmed == "" {
		return false
	}
	if trimmed == host {
		if _, ok := parseDottedQuad(host); ok {
			return false
		}
	}
	parts := strings.Split(trimmed, ".")
	if len(parts) > 4 {
		return false
	}
	for _, p := range parts {
		if !isNumericPart(p) {
			return false
		}
	}
	return true
}

func matchV4(ip uint32) (netip.Prefix, bool) {
	for _, b := range reservedV4 {
		if b.contains(ip) {
			return b.prefix, true
		}
	}
	return netip.Prefix{}, false
}

func stripBrackets(s string) string {
	if len(s) >= 2 && s[0] == '[' && s[len(s)-1] == ']' {
		return s[1 : len(s)-1]
	}
	return s
}

func parseV6(s string) (netip.Addr, bool) {
	if i := strings.IndexByte(s, '%'); i >= 0 {
		s = s[:i]
	}
	addr, err := netip.ParseAddr(s)
	if err != nil || !addr.Is6() {
		return netip.Addr{}, false
	}
	return addr, true
}

// parseDottedQuad accepts exactly four decimal octets in 0-255 with no
// leading zeros and no surrounding whitespace.
func parseDottedQuad(s string) (uint32, bool) {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return 0, false
	}
	var out uint32
	for _, p := range parts {
		if len(p) == 0 || len(p) > 3 || !isAllDigits(p) {
			return 0, false
		}
		if len(p) > 1 && p[0] == '0' {
			return 0, false
		}
		n := 0
		for _, c := range p {
			n = n*10 + int(c-'0')
		}
		if n > 255 {
			return 0, false
		}
		out = out<<8 | uint32(n)
	}
	return out, true
}

func isNumericPart(p string) bool {
	if len(p) > 2 && (p[:2] == "0x" || p[:2] == "0X") {
		return isAllHex(p[2:])
	}
	return isAllDigits(p)
}

func isAllDigits(s string) bool {
	if len(s) == 0 {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func isAllHex(s string) bool {
	if len(s) == 0 {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
