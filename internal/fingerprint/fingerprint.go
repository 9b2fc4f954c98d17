// Package fingerprint derives a stable identifier for an anonymous client
// from deterministic request signals. The fingerprint is the partition key
// for all rate, ban, and cost state; it is opaque and never mutated after
// creation.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net"
	"net/netip"
	"strings"
)

// ErrInvalid means the request signals were insufficient to derive a
// stable identifier (no parseable client address).
var ErrInvalid = errors.New("fingerprint: invalid request signals")

// Fingerprint is a 64-char hex string; stable for a given set of signals.
type Fingerprint string

func (f Fingerprint) String() string { return string(f) }

// Inputs are the raw request signals a fingerprint is derived from. The
// address is truncated to its routing prefix before hashing so a client
// cannot cheaply rotate through a subnet, and it is combined with browser
// signals so a NAT does not collapse every user into one identity.
type Inputs struct {
	RemoteAddr     string // host:port or bare host
	ForwardedFor   string // X-Forwarded-For, first hop wins
	UserAgent      string
	AcceptLanguage string
}

// Prefix widths for address truncation.
const (
	v4Bits = 24
	v6Bits = 48
)

// Derive computes the fingerprint for the given signals.
func Derive(in Inputs) (Fingerprint, error) {
	addr, err := clientAddr(in)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString(addr.String())
	b.WriteByte('|')
	b.WriteString(strings.TrimSpace(in.UserAgent))
	b.WriteByte('|')
	b.WriteString(normalizeLanguage(in.AcceptLanguage))

	sum := sha256.Sum256([]byte(b.String()))
	return Fingerprint(hex.EncodeToString(sum[:])), nil
}

// clientAddr picks the client IP (first X-Forwarded-For hop, falling back
// to the socket address) and truncates it to its prefix.
func clientAddr(in Inputs) (netip.Prefix, error) {
	candidates := make([]string, 0, 2)
	if xff := strings.TrimSpace(in.ForwardedFor); xff != "" {
		first := xff
		if i := strings.IndexByte(xff, ','); i >= 0 {
			first = xff[:i]
		}
		candidates = append(candidates, strings.TrimSpace(first))
	}
	if in.RemoteAddr != "" {
		host := in.RemoteAddr
		if h, _, err := net.SplitHostPort(in.RemoteAddr); err == nil {
			host = h
		}
		candidates = append(candidates, host)
	}

	for _, c := range candidates {
		ip, err := netip.ParseAddr(c)
		if err != nil {
			continue
		}
		ip = ip.Unmap()
		bits := v6Bits
		if ip.Is4() {
			bits = v4Bits
		}
		return ip.Prefix(bits)
	}
	return netip.Prefix{}, ErrInvalid
}

// normalizeLanguage keeps only the primary language tag, lowercased, so
// quality-factor noise does not split one client into many identities.
func normalizeLanguage(al string) string {
	al = strings.TrimSpace(al)
	if i := strings.IndexByte(al, ','); i >= 0 {
		al = al[:i]
	}
	if i := strings.IndexByte(al, ';'); i >= 0 {
		al = al[:i]
	}
	return strings.ToLower(strings.TrimSpace(al))
}
