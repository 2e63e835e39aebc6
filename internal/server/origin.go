package server

import (
	"net/http"
	"net/url"
	"slices"
	"strings"
)

// OriginChecker accepts websocket upgrades from the configured origins, or
// from any origin when none are configured.
type OriginChecker struct {
	allowedOrigins []string
}

func NewOriginChecker(allowedOrigins []string) *OriginChecker {
	normalized := make([]string, 0, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		origin = strings.TrimSpace(strings.ToLower(origin))
		if origin != "" {
			normalized = append(normalized, strings.TrimRight(origin, "/"))
		}
	}

	return &OriginChecker{
		allowedOrigins: normalized,
	}
}

func (c *OriginChecker) Check(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(c.allowedOrigins) == 0 || slices.Contains(c.allowedOrigins, "*") {
		return true
	}

	u, err := url.Parse(origin)
	if err != nil {
		return false
	}

	return slices.Contains(c.allowedOrigins, strings.ToLower(u.Scheme+"://"+u.Host))
}
