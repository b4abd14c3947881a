// Package origin decides which cross-origin callers may read responses and
// stamps the gateway's security headers on every response.
package origin

import (
	"net/http"

	"github.com/rs/zerolog/log"

	"guardpost/gateway-service/internal/monitor"
)

const (
	csp               = "default-src 'self'; frame-ancestors 'none'; base-uri 'self'"
	permissionsPolicy = "camera=(), microphone=(), geolocation=(), payment=()"
	hsts              = "max-age=31536000; includeSubDomains"
)

// EventSink receives cross-origin violation events. Satisfied by
// *monitor.Monitor.
type EventSink interface {
	Record(monitor.Event) string
}

type Policy struct {
	allowed    map[string]struct{}
	production bool
	events     EventSink
}

// NewPolicy builds an enforcer over an explicit allow-list. The caller
// passes the environment-effective list (development lists are a superset
// of production's).
func NewPolicy(origins []string, production bool, events EventSink) *Policy {
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}
	return &Policy{allowed: allowed, production: production, events: events}
}

func (p *Policy) IsAllowed(origin string) bool {
	_, ok := p.allowed[origin]
	return ok
}

// Decorate attaches the fixed security headers unconditionally, and CORS
// headers only when the request's origin is allow-listed. A disallowed
// origin gets no CORS headers at all — never a wildcard — and the attempt
// is recorded.
func (p *Policy) Decorate(w http.ResponseWriter, r *http.Request) {
	h := w.Header()
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "DENY")
	h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
	h.Set("Content-Security-Policy", csp)
	h.Set("Permissions-Policy", permissionsPolicy)
	if p.production {
		h.Set("Strict-Transport-Security", hsts)
	}

	reqOrigin := r.Header.Get("Origin")
	if reqOrigin == "" {
		return
	}
	if p.IsAllowed(reqOrigin) {
		h.Set("Access-Control-Allow-Origin", reqOrigin)
		h.Set("Access-Control-Allow-Credentials", "true")
		h.Add("Vary", "Origin")
		if r.Method == http.MethodOptions {
			h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
			h.Set("Access-Control-Max-Age", "600")
		}
		return
	}

	log.Warn().Str("origin", reqOrigin).Str("path", r.URL.Path).Msg("cross-origin request from disallowed origin")
	if p.events != nil {
		p.events.Record(monitor.Event{
			Type:     monitor.EventCSRF,
			Severity: monitor.SeverityLow,
			Source:   reqOrigin,
			Detail: monitor.SystemDetail{
				Component: "origin",
				Message:   "disallowed origin attempted " + r.Method + " " + r.URL.Path,
			},
		})
	}
}
