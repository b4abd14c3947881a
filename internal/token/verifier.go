package token

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"guardpost/gateway-service/internal/identity"
	"guardpost/gateway-service/internal/monitor"
)

// Verification failure taxonomy. Each step of Verify fails with exactly one
// of these; the orchestrator maps them all to the same opaque 401.
var (
	ErrMissingCredential   = errors.New("no credential presented")
	ErrMalformedCredential = errors.New("credential is not a well-formed token")
	ErrInvalidCredential   = errors.New("credential rejected")
	ErrIncompleteClaims    = errors.New("credential claims incomplete")
	ErrExpiredCredential   = errors.New("credential expired")
	ErrSubjectMismatch     = errors.New("claims subject does not match verified identity")
	ErrSessionExpired      = errors.New("session expired")
)

// defaultPermissions is substituted when the permission store is down.
// Authorization degradation must never become a denial of service against
// legitimate users during a partial outage.
var defaultPermissions = []string{"read:own"}

// EventSink receives the auth events the verifier emits. Satisfied by
// *monitor.Monitor.
type EventSink interface {
	Record(monitor.Event) string
}

// Verifier resolves a request's bearer credential to an AuthContext.
type Verifier struct {
	ids        identity.Verifier
	perms      identity.PermissionStore
	sessions   *SessionStore
	events     EventSink
	cookieName string
	// allowQueryParam permits ?access_token= extraction. Development only:
	// query strings end up in access logs.
	allowQueryParam bool
	nowFunc         func() time.Time // for tests
}

func NewVerifier(ids identity.Verifier, perms identity.PermissionStore, sessions *SessionStore, events EventSink, cookieName string, allowQueryParam bool) *Verifier {
	return &Verifier{
		ids:             ids,
		perms:           perms,
		sessions:        sessions,
		events:          events,
		cookieName:      cookieName,
		allowQueryParam: allowQueryParam,
		nowFunc:         time.Now,
	}
}

// Verify runs the credential through extraction, structural validation,
// external verification, claims validation, and session refresh, in that
// order. Every failure is recorded as an auth event with severity scaled to
// how suspicious the failure is.
func (v *Verifier) Verify(ctx context.Context, r *http.Request, sourceIP string) (*AuthContext, error) {
	credential := v.extract(r)
	if credential == "" {
		v.fail(sourceIP, "", "extract", monitor.SeverityLow, r.URL.Path, ErrMissingCredential)
		return nil, ErrMissingCredential
	}

	// Shape check before any network call: garbage is rejected cheaply.
	if !CheckShape(credential) {
		v.fail(sourceIP, "", "structure", monitor.SeverityLow, r.URL.Path, ErrMalformedCredential)
		return nil, ErrMalformedCredential
	}

	id, err := v.ids.VerifyCredential(ctx, credential)
	if err != nil {
		v.fail(sourceIP, "", "verify", monitor.SeverityMedium, r.URL.Path, err)
		return nil, ErrInvalidCredential
	}

	claims, err := DecodeClaims(credential)
	if err != nil {
		v.fail(sourceIP, id.UserID, "claims", monitor.SeverityMedium, r.URL.Path, err)
		return nil, ErrMalformedCredential
	}
	if claims.Subject == "" || claims.Email == "" || claims.SessionID == "" {
		v.fail(sourceIP, id.UserID, "claims", monitor.SeverityMedium, r.URL.Path, ErrIncompleteClaims)
		return nil, ErrIncompleteClaims
	}
	if claims.ExpiresAt != nil && !v.nowFunc().Before(claims.ExpiresAt.Time) {
		v.fail(sourceIP, id.UserID, "claims", monitor.SeverityMedium, r.URL.Path, ErrExpiredCredential)
		return nil, ErrExpiredCredential
	}
	if claims.Subject != id.UserID {
		// A signed token whose subject disagrees with the verifier's answer
		// smells like token tampering or a confused-deputy bug upstream.
		v.fail(sourceIP, id.UserID, "claims", monitor.SeverityHigh, r.URL.Path, ErrSubjectMismatch)
		return nil, ErrSubjectMismatch
	}

	if !v.sessions.Touch(claims.SessionID, id.UserID) {
		v.fail(sourceIP, id.UserID, "session", monitor.SeverityMedium, r.URL.Path, ErrSessionExpired)
		return nil, ErrSessionExpired
	}

	perms, err := v.perms.GetPermissions(ctx, id.UserID)
	if err != nil {
		log.Warn().Err(err).Str("user_id", id.UserID).Msg("permission lookup failed; using minimal default")
		perms = defaultPermissions
	}

	return &AuthContext{
		UserID:      id.UserID,
		Email:       claims.Email,
		Role:        claims.Role,
		Permissions: perms,
		SessionID:   claims.SessionID,
	}, nil
}

// extract pulls the credential from the authorization header, then the
// session cookie, then (outside production) a query parameter.
func (v *Verifier) extract(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if rest, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(rest)
		}
	}
	if c, err := r.Cookie(v.cookieName); err == nil && c.Value != "" {
		return c.Value
	}
	if v.allowQueryParam {
		return r.URL.Query().Get("access_token")
	}
	return ""
}

func (v *Verifier) fail(sourceIP, userID, step string, sev monitor.Severity, path string, err error) {
	if v.events == nil {
		return
	}
	v.events.Record(monitor.Event{
		Type:      monitor.EventAuth,
		Severity:  sev,
		Source:    sourceIP,
		IPAddress: sourceIP,
		UserID:    userID,
		Detail: monitor.AuthDetail{
			Step:   step,
			Reason: err.Error(),
			Path:   path,
		},
	})
}
