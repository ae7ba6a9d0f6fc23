package core

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"net"
	"strings"
)

// ErrNoIdentity is returned when a resolver cannot derive an identity.
var ErrNoIdentity = errors.New("no identity for origin")

// identityIDLength is the number of hex characters kept from the digest.
const identityIDLength = 20

// IdentityResolver derives a stable identity id from a connection origin.
type IdentityResolver interface {
	Resolve(origin Origin) (string, error)
}

// AddressResolver hashes the client's network address. Clients sharing a
// NAT gateway collapse into one identity.
type AddressResolver struct {
	// TrustForwarded uses the left-most X-Forwarded-For entry when present.
	// Only enable behind a proxy that overwrites the header.
	TrustForwarded bool
}

// Resolve implements IdentityResolver.
func (r AddressResolver) Resolve(origin Origin) (string, error) {
	ip := ""
	if r.TrustForwarded {
		ip = firstForwarded(origin.ForwardedFor)
	}
	if ip == "" {
		ip = hostOnly(origin.RemoteAddr)
	}
	if ip == "" {
		return "", ErrNoIdentity
	}
	return hashID(ip), nil
}

// TokenResolver uses an explicit client-issued token. Connections without a
// token fall back to Fallback when it is set.
type TokenResolver struct {
	Fallback IdentityResolver
}

// Resolve implements IdentityResolver.
func (r TokenResolver) Resolve(origin Origin) (string, error) {
	token := strings.TrimSpace(origin.Token)
	if token != "" {
		return hashID("token:" + token), nil
	}
	if r.Fallback != nil {
		return r.Fallback.Resolve(origin)
	}
	return "", ErrNoIdentity
}

func hashID(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])[:identityIDLength]
}

func firstForwarded(header string) string {
	for _, part := range strings.Split(header, ",") {
		part = strings.Trim(strings.TrimSpace(part), `"`)
		if part == "" || strings.EqualFold(part, "unknown") {
			continue
		}
		if ip := net.ParseIP(hostOnly(part)); ip != nil {
			return ip.String()
		}
	}
	return ""
}

func hostOnly(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	if strings.HasPrefix(addr, "[") {
		if end := strings.Index(addr, "]"); end != -1 {
			return addr[1:end]
		}
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
