package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// originPolicy holds the browser origins permitted to open gateway sockets.
// An empty allowlist accepts every origin, which suits non-browser clients
// and same-origin deployments behind a proxy.
type originPolicy struct {
	allowed map[string]struct{}
}

func newOriginPolicy(origins []string) (originPolicy, error) {
	policy := originPolicy{}
	for _, origin := range origins {
		normalized, err := normalizeOrigin(origin)
		if err != nil {
			return originPolicy{}, fmt.Errorf("parse origin %q: %w", origin, err)
		}
		if normalized == "" {
			continue
		}
		if policy.allowed == nil {
			policy.allowed = make(map[string]struct{})
		}
		policy.allowed[normalized] = struct{}{}
	}
	return policy, nil
}

func (p originPolicy) permits(origin string) bool {
	if p.allowed == nil {
		return true
	}
	normalized, err := normalizeOrigin(origin)
	if err != nil || normalized == "" {
		return false
	}
	_, ok := p.allowed[normalized]
	return ok
}

func normalizeOrigin(origin string) (string, error) {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return "", nil
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return "", err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("origin must include scheme and host")
	}
	return fmt.Sprintf("%s://%s", strings.ToLower(parsed.Scheme), strings.ToLower(parsed.Host)), nil
}

// originMiddleware rejects cross-origin socket requests before the upgrade.
// Requests without an Origin header pass through untouched.
func originMiddleware(policy originPolicy, logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin != "" && !policy.permits(origin) {
			if logger != nil {
				logger.Warn("rejected socket origin", "origin", origin, "path", r.URL.Path)
			}
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
