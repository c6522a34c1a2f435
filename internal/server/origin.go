package server

import (
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// OriginPolicy decides which browser origins may open WebSocket connections
// and receive CORS headers. Entries are exact origins ("https://app.example")
// or single-label wildcards ("https://*.vercel.app").
type OriginPolicy struct {
	allowAll bool
	exact    map[string]struct{}
	suffixes []wildcardOrigin
}

type wildcardOrigin struct {
	scheme string
	suffix string
}

// NewOriginPolicy builds a policy from configured origins. "*" allows every
// origin. Invalid entries are ignored.
func NewOriginPolicy(origins []string) *OriginPolicy {
	p := &OriginPolicy{exact: make(map[string]struct{})}
	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			p.allowAll = true
			continue
		}
		if scheme, rest, ok := strings.Cut(trimmed, "://*."); ok {
			rest = strings.ToLower(strings.TrimRight(rest, "/"))
			if scheme == "" || rest == "" || strings.ContainsAny(rest, "/*") {
				continue
			}
			p.suffixes = append(p.suffixes, wildcardOrigin{
				scheme: strings.ToLower(scheme),
				suffix: "." + rest,
			})
			continue
		}
		normalized, ok := normalizeOrigin(trimmed)
		if !ok {
			continue
		}
		p.exact[normalized] = struct{}{}
	}
	return p
}

// AllowAll reports whether every origin is accepted.
func (p *OriginPolicy) AllowAll() bool {
	return p.allowAll
}

// Empty reports whether the policy rejects every origin.
func (p *OriginPolicy) Empty() bool {
	return !p.allowAll && len(p.exact) == 0 && len(p.suffixes) == 0
}

// Allowed reports whether origin may connect. A missing origin is only
// accepted when every origin is.
func (p *OriginPolicy) Allowed(origin string) bool {
	if p.allowAll {
		return true
	}
	if origin == "" {
		return false
	}

	normalized, ok := normalizeOrigin(origin)
	if !ok {
		return false
	}
	if _, exists := p.exact[normalized]; exists {
		return true
	}

	if len(p.suffixes) == 0 {
		return false
	}
	parsed, err := url.Parse(normalized)
	if err != nil {
		return false
	}
	hostname := parsed.Hostname()
	for _, w := range p.suffixes {
		if parsed.Scheme != w.scheme || !strings.HasSuffix(hostname, w.suffix) {
			continue
		}
		label := strings.TrimSuffix(hostname, w.suffix)
		if label != "" && !strings.Contains(label, ".") {
			return true
		}
	}
	return false
}

// CheckOrigin adapts the policy to websocket.Upgrader.CheckOrigin and logs
// rejected upgrades.
func (p *OriginPolicy) CheckOrigin(logger *zap.Logger) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if p.Allowed(origin) {
			return true
		}
		logger.Warn("Blocked WebSocket connection from disallowed origin",
			zap.String("origin", origin),
			zap.String("remote_addr", r.RemoteAddr),
		)
		return false
	}
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil {
		return "", false
	}

	if parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}

	normalized := strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host)
	return normalized, true
}
