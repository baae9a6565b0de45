package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"hash"
	"net/netip"
	"strings"
)

// AllowList is a set of trusted source networks
type AllowList struct {
	prefixes []netip.Prefix
}

// MustAllowList parses CIDRs or bare addresses and panics on malformed input
func MustAllowList(entries ...string) AllowList {
	list, err := NewAllowList(entries...)
	if err != nil {
		panic(err)
	}
	return list
}

// NewAllowList parses CIDRs or bare addresses
func NewAllowList(entries ...string) (AllowList, error) {
	prefixes := make([]netip.Prefix, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if strings.Contains(e, "/") {
			p, err := netip.ParsePrefix(e)
			if err != nil {
				return AllowList{}, fmt.Errorf("invalid prefix %q: %w", e, err)
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(e)
		if err != nil {
			return AllowList{}, fmt.Errorf("invalid address %q: %w", e, err)
		}
		prefixes = append(prefixes, netip.PrefixFrom(a, a.BitLen()))
	}
	return AllowList{prefixes: prefixes}, nil
}

// Contains reports whether addr belongs to any trusted network
func (l AllowList) Contains(addr netip.Addr) bool {
	if !addr.IsValid() {
		return false
	}
	addr = addr.Unmap()
	for _, p := range l.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func (l AllowList) check(req *WebhookRequest) error {
	if !l.Contains(req.RemoteIP) {
		return fmt.Errorf("%w: address %s not allowed", ErrUntrustedSource, req.RemoteIP)
	}
	return nil
}

// VerifyHMACSHA256 checks a hex signature of payload
func VerifyHMACSHA256(payload []byte, signature, secret string) bool {
	return verifyHMAC(payload, signature, secret, sha256.New)
}

func verifyHMAC(payload []byte, signature, secret string, hashFunc func() hash.Hash) bool {
	sig := strings.TrimSpace(signature)
	if sig == "" || secret == "" {
		return false
	}
	expected, err := hex.DecodeString(strings.ToLower(sig))
	if err != nil {
		return false
	}
	mac := hmac.New(hashFunc, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), expected)
}

// SignHMACSHA256 returns the hex signature of payload
func SignHMACSHA256(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func secretEqual(got, want string) bool {
	if want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
