// Package identity turns what a client presents at connection time into a
// stable name for its conversation store.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"strings"

	"golang.org/x/crypto/ssh"
)

// Kind tells how an Identity was derived.
type Kind int

const (
	// Fingerprint identities come from a presented public key.
	Fingerprint Kind = iota
	// NetworkAddress identities come from the peer address when no key was offered.
	NetworkAddress
)

func (k Kind) String() string {
	switch k {
	case Fingerprint:
		return "fingerprint"
	case NetworkAddress:
		return "address"
	default:
		return "unknown"
	}
}

// KeyDirPrefix prefixes directory names of key-derived identities.
const KeyDirPrefix = "key_"

const unknownAddress = "unknown"

// Identity is computed once per connection and never changes.
type Identity struct {
	Kind Kind
	// Raw is the hex SHA-256 of the key's wire encoding, or the peer host.
	Raw string
	// Dir is safe to use as a single path segment.
	Dir string
}

func (i Identity) String() string {
	return i.Kind.String() + ":" + i.Dir
}

// Resolve derives an Identity. key may be nil. No authorization happens here.
func Resolve(key ssh.PublicKey, peerAddr string) Identity {
	if key != nil {
		sum := sha256.Sum256(key.Marshal())
		digest := hex.EncodeToString(sum[:])
		return Identity{
			Kind: Fingerprint,
			Raw:  digest,
			Dir:  KeyDirPrefix + digest,
		}
	}

	host := normalizeAddress(peerAddr)
	return Identity{
		Kind: NetworkAddress,
		Raw:  host,
		Dir:  sanitize(host),
	}
}

// normalizeAddress strips the port and IPv6 brackets.
func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	addr = strings.TrimSuffix(strings.TrimPrefix(addr, "["), "]")
	if addr == "" {
		return unknownAddress
	}
	return addr
}

// sanitize maps anything outside [A-Za-z0-9._-] to '_' and refuses names
// that would be interpreted as relative paths.
func sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	if strings.Trim(out, ".") == "" {
		return strings.Repeat("_", len(out))
	}
	if strings.HasPrefix(out, KeyDirPrefix) {
		// Addresses must never collide with key-derived directories.
		out = "addr_" + out
	}
	return out
}

// ValidDir reports whether name could have been produced by Resolve. It
// guards directory names that come from outside, such as URL parameters.
func ValidDir(name string) bool {
	if name == "" || strings.Trim(name, ".") == "" {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

// DisplayFingerprint is the ssh-keygen style fingerprint used in diagnostics.
func DisplayFingerprint(key ssh.PublicKey) string {
	if key == nil {
		return ""
	}
	return ssh.FingerprintSHA256(key)
}
