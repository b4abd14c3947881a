// Package authz maps (role, resource, action) to an allow/deny decision.
// The policy is a small explicit table; unknown resources fail closed.
package authz

import (
	"guardpost/gateway-service/internal/monitor"
	"guardpost/gateway-service/internal/token"
)

// rule is the allow set for one (resource, action) pair.
type rule struct {
	resource string
	action   string // "*" matches any action
	roles    []string
	// anyAuthenticated allows every caller that passed verification,
	// regardless of role.
	anyAuthenticated bool
}

var policyTable = []rule{
	{resource: "projects", action: "read", anyAuthenticated: true},
	{resource: "projects", action: "write", anyAuthenticated: true},
	{resource: "projects", action: "delete", roles: []string{"admin", "owner"}},
	{resource: "profile", action: "*", anyAuthenticated: true},
	{resource: "reports", action: "read", roles: []string{"admin", "analyst"}},
	{resource: "admin", action: "*", roles: []string{"admin"}},
	{resource: "security", action: "*", roles: []string{"admin"}},
}

// EventSink receives the warning events the resolver emits on unknown
// resources. Satisfied by *monitor.Monitor.
type EventSink interface {
	Record(monitor.Event) string
}

type Resolver struct {
	events EventSink
}

func NewResolver(events EventSink) *Resolver {
	return &Resolver{events: events}
}

// Authorize decides whether user may perform action on resource.
// Administrators pass every check. A resource missing from the table is a
// policy gap, not an open door: it denies and records a system event so the
// gap gets noticed.
func (r *Resolver) Authorize(user *token.AuthContext, resource, action string) bool {
	if user == nil {
		return false
	}
	if user.IsAdmin() {
		return true
	}

	known := false
	for _, rl := range r.rules() {
		if rl.resource != resource {
			continue
		}
		known = true
		if rl.action != "*" && rl.action != action {
			continue
		}
		if rl.anyAuthenticated {
			return true
		}
		for _, role := range rl.roles {
			if user.Role == role {
				return true
			}
		}
	}

	if !known && r.events != nil {
		r.events.Record(monitor.Event{
			Type:     monitor.EventSystem,
			Severity: monitor.SeverityMedium,
			Source:   "authz",
			UserID:   user.UserID,
			Detail: monitor.SystemDetail{
				Component: "authz",
				Message:   "authorization requested for unknown resource " + resource,
			},
		})
	}
	return false
}

func (r *Resolver) rules() []rule { return policyTable }
