package principal

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"

	"github.com/vango-go/vai-bridge/pkg/gateway/auth"
)

type Kind string

const (
	KindTrusted  Kind = "trusted"
	KindExternal Kind = "external"
)

// Actor is the identity of the party on a call. It is fixed when the call
// starts and never changes for the life of the session.
type Actor struct {
	Kind  Kind   `json:"kind"`
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

func (a Actor) Trusted() bool { return a.Kind == KindTrusted }

// String renders the actor as "kind:phone" (or just "kind"). ParseActor reverses it.
func (a Actor) String() string {
	kind := a.Kind
	if kind == "" {
		kind = KindExternal
	}
	if a.Phone == "" {
		return string(kind)
	}
	return string(kind) + ":" + a.Phone
}

func ParseActor(s string) Actor {
	s = strings.TrimSpace(s)
	kind, phone, _ := strings.Cut(s, ":")
	switch Kind(kind) {
	case KindTrusted:
		return Actor{Kind: KindTrusted, Phone: phone}
	default:
		return Actor{Kind: KindExternal, Phone: phone}
	}
}

// ResolveCaller maps a calling number onto an Actor. Numbers compare on
// digits only so "+1 (555) 010-0000" matches "15550100000".
func ResolveCaller(from string, trustedNumbers []string) Actor {
	phone := strings.TrimSpace(from)
	norm := normalizeNumber(phone)
	if norm != "" {
		for _, n := range trustedNumbers {
			if normalizeNumber(n) == norm {
				return Actor{Kind: KindTrusted, Phone: phone}
			}
		}
	}
	return Actor{Kind: KindExternal, Phone: phone}
}

func normalizeNumber(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Approver returns a stable identifier for whoever is deciding an approval
// over HTTP. API keys are hashed; the raw key is never returned.
func Approver(r *http.Request, trustProxyHeaders bool) string {
	if r == nil {
		return "anonymous"
	}
	if p, ok := auth.PrincipalFrom(r.Context()); ok && p != nil && strings.TrimSpace(p.APIKey) != "" {
		sum := sha256.Sum256([]byte(p.APIKey))
		return "key:" + hex.EncodeToString(sum[:8])
	}
	if ip := resolveClientIP(r, trustProxyHeaders); ip != "" {
		return "ip:" + ip
	}
	return "anonymous"
}

func resolveClientIP(r *http.Request, trustProxyHeaders bool) string {
	if trustProxyHeaders {
		if ip := parseIP(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
		if raw := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); raw != "" {
			// Left-most entry is the client.
			if ip := parseIP(strings.Split(raw, ",")[0]); ip != "" {
				return ip
			}
		}
	}
	host := strings.TrimSpace(r.RemoteAddr)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return parseIP(host)
}

func parseIP(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if h, _, err := net.SplitHostPort(s); err == nil {
		s = h
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return ""
	}
	return ip.String()
}
