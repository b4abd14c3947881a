// Package gateway composes the security pipeline every inbound request
// passes through: origin policy, rate limiting, threat scanning,
// authentication, authorization, and event recording, in that order, with
// the first failing stage short-circuiting the rest.
package gateway

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"guardpost/gateway-service/internal/authz"
	"guardpost/gateway-service/internal/config"
	"guardpost/gateway-service/internal/httputil"
	"guardpost/gateway-service/internal/metrics"
	"guardpost/gateway-service/internal/monitor"
	"guardpost/gateway-service/internal/origin"
	"guardpost/gateway-service/internal/rate"
	"guardpost/gateway-service/internal/threat"
	"guardpost/gateway-service/internal/token"
)

// Error codes surfaced in JSON error bodies.
const (
	CodeAuthRequired            = "AUTH_REQUIRED"
	CodeInsufficientPermissions = "INSUFFICIENT_PERMISSIONS"
	CodeRateLimited             = "RATE_LIMITED"
	CodeThreatDetected          = "THREAT_DETECTED"
	CodeInternalError           = "INTERNAL_ERROR"
)

type errorBody struct {
	Error      string `json:"error"`
	Code       string `json:"code"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

// RouteOptions configures the pipeline per route group.
type RouteOptions struct {
	// Class picks the rate-limit policy (config.ClassAuth/API/Upload).
	Class string
	// RequireAuth gates the route behind credential verification.
	RequireAuth bool
	// Resource enables authorization against the policy table; empty
	// skips the authz stage. The action is derived from the HTTP method.
	Resource string
}

type Handler struct {
	origin         *origin.Policy
	limiter        rate.Limiter
	verifier       *token.Verifier
	resolver       *authz.Resolver
	events         *monitor.Monitor
	trustedProxies []*net.IPNet
	ipHashKey      []byte
}

// New wires the pipeline stages. ipHashKey keys the pseudonymized client IP
// in log lines; events keep the full IP inside the ledger.
func New(op *origin.Policy, limiter rate.Limiter, verifier *token.Verifier, resolver *authz.Resolver, events *monitor.Monitor, trustedProxies []*net.IPNet, ipHashKey []byte) *Handler {
	return &Handler{
		origin:         op,
		limiter:        limiter,
		verifier:       verifier,
		resolver:       resolver,
		events:         events,
		trustedProxies: trustedProxies,
		ipHashKey:      ipHashKey,
	}
}

func (h *Handler) logIP(ip string) string {
	return httputil.HMACIP(ip, h.ipHashKey)
}

type authCtxKey struct{}

// AuthFromContext returns the AuthContext the pipeline resolved, or nil on
// unauthenticated routes.
func AuthFromContext(ctx context.Context) *token.AuthContext {
	auth, _ := ctx.Value(authCtxKey{}).(*token.AuthContext)
	return auth
}

// Wrap runs the pipeline in front of next. Security headers are attached
// before any stage runs, so every outcome — including panics — leaves with
// them.
func (h *Handler) Wrap(next http.Handler, opts RouteOptions) http.Handler {
	if opts.Class == "" {
		opts.Class = config.ClassAPI
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		clientIP := httputil.ClientIP(r, h.trustedProxies)

		defer func() {
			if rec := recover(); rec != nil {
				h.recordPanic(r.Context(), rec, clientIP, r.URL.Path)
				metrics.PipelineDecision.WithLabelValues("internal", "deny").Inc()
				httputil.WriteJSON(w, http.StatusInternalServerError, errorBody{
					Error: "internal error",
					Code:  CodeInternalError,
				})
			}
		}()

		// Headers first: even error responses carry the security set.
		h.origin.Decorate(w, r)

		// Preflight never reaches the application.
		if r.Method == http.MethodOptions && r.Header.Get("Origin") != "" {
			if h.origin.IsAllowed(r.Header.Get("Origin")) {
				metrics.PipelineDecision.WithLabelValues("origin", "allow").Inc()
				w.WriteHeader(http.StatusNoContent)
				return
			}
			metrics.PipelineDecision.WithLabelValues("origin", "deny").Inc()
			httputil.WriteJSON(w, http.StatusForbidden, errorBody{
				Error: "origin not allowed",
				Code:  CodeInsufficientPermissions,
			})
			return
		}

		if !h.checkRate(w, r, clientIP, opts.Class) {
			return
		}
		if !h.checkThreats(w, r, clientIP) {
			return
		}

		ctx := r.Context()
		if opts.RequireAuth {
			auth, ok := h.authenticate(w, r, clientIP)
			if !ok {
				return
			}
			if opts.Resource != "" && !h.authorize(w, r, auth, opts.Resource, clientIP) {
				return
			}
			ctx = context.WithValue(ctx, authCtxKey{}, auth)
		}

		metrics.PipelineDecision.WithLabelValues("pipeline", "allow").Inc()
		metrics.PipelineDuration.Observe(time.Since(start).Seconds())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) checkRate(w http.ResponseWriter, r *http.Request, clientIP, class string) bool {
	d := h.limiter.CheckClass(r.Context(), clientIP, class)
	if d.Allowed {
		return true
	}
	retryAfter := int(time.Until(d.ResetAt).Seconds()) + 1

	metrics.PipelineDecision.WithLabelValues("rate", "deny").Inc()
	metrics.RateLimitRejected.WithLabelValues(class).Inc()
	h.events.Record(monitor.Event{
		Type:      monitor.EventRateLimit,
		Severity:  monitor.SeverityMedium,
		Source:    clientIP,
		IPAddress: clientIP,
		Detail: monitor.RateLimitDetail{
			Class:      class,
			RetryAfter: time.Duration(retryAfter) * time.Second,
		},
	})

	httputil.GetLogger(r.Context()).Warn().
		Str("client", h.logIP(clientIP)).
		Str("class", class).
		Int("retry_after", retryAfter).
		Msg("rate limit exceeded")

	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	httputil.WriteJSON(w, http.StatusTooManyRequests, errorBody{
		Error:      "rate limit exceeded",
		Code:       CodeRateLimited,
		RetryAfter: retryAfter,
	})
	return false
}

func (h *Handler) checkThreats(w http.ResponseWriter, r *http.Request, clientIP string) bool {
	threats := threat.Scan(r)
	if len(threats) == 0 {
		return true
	}

	blocked := threat.HasCritical(threats)
	for _, th := range threats {
		metrics.ThreatsDetected.WithLabelValues(string(th.Type), th.Severity.String()).Inc()
		h.events.Record(monitor.Event{
			Type:      th.Type,
			Severity:  th.Severity,
			Source:    clientIP,
			IPAddress: clientIP,
			Detail: monitor.ThreatDetail{
				Pattern:     th.Pattern,
				Description: th.Description,
				Path:        r.URL.Path,
				Blocked:     blocked,
			},
		})
	}
	logger := httputil.GetLogger(r.Context())
	for _, th := range threats {
		logger.Warn().
			Str("client", h.logIP(clientIP)).
			Str("type", string(th.Type)).
			Str("severity", th.Severity.String()).
			Str("pattern", th.Pattern).
			Bool("blocked", blocked).
			Msg("threat signature matched")
	}
	if !blocked {
		// Non-critical matches are logged and allowed through; blocking on
		// low-confidence heuristics trades availability for nothing.
		return true
	}

	metrics.PipelineDecision.WithLabelValues("threat", "deny").Inc()
	httputil.WriteJSON(w, http.StatusForbidden, errorBody{
		Error: "request blocked",
		Code:  CodeThreatDetected,
	})
	return false
}

func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request, clientIP string) (*token.AuthContext, bool) {
	auth, err := h.verifier.Verify(r.Context(), r, clientIP)
	if err == nil {
		return auth, true
	}

	metrics.PipelineDecision.WithLabelValues("auth", "deny").Inc()

	// Failed attempts burn the caller's tight auth budget so credential
	// stuffing trips the limiter long before the anomaly monitor.
	if d := h.limiter.CheckClass(r.Context(), clientIP, config.ClassAuth); !d.Allowed {
		retryAfter := int(time.Until(d.ResetAt).Seconds()) + 1
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		httputil.WriteJSON(w, http.StatusTooManyRequests, errorBody{
			Error:      "too many authentication attempts",
			Code:       CodeRateLimited,
			RetryAfter: retryAfter,
		})
		return nil, false
	}

	httputil.GetLogger(r.Context()).Debug().
		Str("client", h.logIP(clientIP)).
		Err(err).
		Msg("credential verification failed")

	// One generic message for every failure mode: the distinction between
	// "no such user" and "bad credential" is not this layer's to leak.
	httputil.WriteJSON(w, http.StatusUnauthorized, errorBody{
		Error: "authentication required",
		Code:  CodeAuthRequired,
	})
	return nil, false
}

func (h *Handler) authorize(w http.ResponseWriter, r *http.Request, auth *token.AuthContext, resource, clientIP string) bool {
	action := actionForMethod(r.Method)
	if h.resolver.Authorize(auth, resource, action) {
		return true
	}

	metrics.PipelineDecision.WithLabelValues("authz", "deny").Inc()
	h.events.Record(monitor.Event{
		Type:      monitor.EventAuth,
		Severity:  monitor.SeverityMedium,
		Source:    clientIP,
		IPAddress: clientIP,
		UserID:    auth.UserID,
		Detail: monitor.AuthDetail{
			Step:   "authorize",
			Reason: "denied " + action + " on " + resource,
			Path:   r.URL.Path,
		},
	})
	httputil.WriteJSON(w, http.StatusForbidden, errorBody{
		Error: "insufficient permissions",
		Code:  CodeInsufficientPermissions,
	})
	return false
}

func (h *Handler) recordPanic(ctx context.Context, rec any, clientIP, path string) {
	msg := "panic in pipeline or handler"
	if err, ok := rec.(error); ok {
		msg = err.Error()
	}
	requestID := httputil.GetRequestID(ctx)
	httputil.GetLogger(ctx).Error().
		Str("client", h.logIP(clientIP)).
		Any("panic", rec).
		Msg("recovered panic in request pipeline")
	h.events.Record(monitor.Event{
		Type:      monitor.EventSystem,
		Severity:  monitor.SeverityHigh,
		Source:    clientIP,
		IPAddress: clientIP,
		Detail: monitor.SystemDetail{
			Component: "gateway",
			Message:   msg + " at " + path + " (request " + requestID + ")",
		},
	})
}

func actionForMethod(method string) string {
	switch method {
	case http.MethodGet, http.MethodHead:
		return "read"
	case http.MethodDelete:
		return "delete"
	default:
		return "write"
	}
}
