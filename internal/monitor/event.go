package monitor

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType classifies a security event.
type EventType string

const (
	EventAuth      EventType = "auth"
	EventXSS       EventType = "xss"
	EventCSRF      EventType = "csrf"
	EventInjection EventType = "injection"
	EventRateLimit EventType = "rate_limit"
	EventAnomaly   EventType = "anomaly"
	EventThreat    EventType = "threat"
	EventSystem    EventType = "system"
)

// Severity is the four-level ordinal driving blocking and alert escalation.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// MarshalJSON emits the severity name rather than the ordinal so ledger
// exports and alert payloads stay readable.
func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Severity) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	parsed, ok := ParseSeverity(name)
	if !ok {
		return fmt.Errorf("unknown severity %q", name)
	}
	*s = parsed
	return nil
}

// ParseSeverity maps a severity name back to its ordinal.
func ParseSeverity(s string) (Severity, bool) {
	switch s {
	case "low":
		return SeverityLow, true
	case "medium":
		return SeverityMedium, true
	case "high":
		return SeverityHigh, true
	case "critical":
		return SeverityCritical, true
	default:
		return SeverityLow, false
	}
}

// Detail is the per-kind payload of an event. Each event type carries a
// concrete variant so consumers can switch on the type instead of digging
// through untyped maps.
type Detail interface {
	detail()
}

// AuthDetail describes an authentication failure.
type AuthDetail struct {
	Step   string `json:"step"` // extract | structure | verify | claims | session | permissions
	Reason string `json:"reason"`
	Path   string `json:"path,omitempty"`
}

// ThreatDetail describes a matched threat signature.
type ThreatDetail struct {
	Pattern     string `json:"pattern"`
	Description string `json:"description"`
	Path        string `json:"path,omitempty"`
	Blocked     bool   `json:"blocked"`
}

// RateLimitDetail describes a throttled request.
type RateLimitDetail struct {
	Class      string        `json:"class"`
	Limit      int           `json:"limit"`
	RetryAfter time.Duration `json:"retry_after"`
}

// AnomalyDetail describes a burst that crossed a pattern threshold.
type AnomalyDetail struct {
	PatternKey string `json:"pattern_key"`
	Count      int    `json:"count"`
	Threshold  int    `json:"threshold"`
}

// SystemDetail describes an internal gateway condition.
type SystemDetail struct {
	Component string `json:"component"`
	Message   string `json:"message"`
}

func (AuthDetail) detail()      {}
func (ThreatDetail) detail()    {}
func (RateLimitDetail) detail() {}
func (AnomalyDetail) detail()   {}
func (SystemDetail) detail()    {}

// Event is one entry in the process-lifetime security ledger. Immutable once
// recorded except for the resolve transition.
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	Severity   Severity  `json:"severity"`
	Source     string    `json:"source"`
	Detail     Detail    `json:"detail,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	IPAddress  string    `json:"ip_address,omitempty"`
	UserID     string    `json:"user_id,omitempty"`
	Resolved   bool      `json:"resolved"`
	Resolution string    `json:"resolution,omitempty"`
	ResolvedAt time.Time `json:"resolved_at,omitempty"`
}

// AlertKind says how an alert should be delivered.
type AlertKind string

const (
	AlertImmediate AlertKind = "immediate"
	AlertDelayed   AlertKind = "delayed"
	AlertBatch     AlertKind = "batch"
)

// Alert references exactly one triggering event.
type Alert struct {
	ID           string    `json:"id"`
	EventID      string    `json:"event_id"`
	Kind         AlertKind `json:"kind"`
	Message      string    `json:"message"`
	Recipients   []string  `json:"recipients"`
	Sent         bool      `json:"sent"`
	Acknowledged bool      `json:"acknowledged"`
	CreatedAt    time.Time `json:"created_at"`
}

// pattern tracks occurrence bursts per type:source:severity key.
type pattern struct {
	key            string
	threshold      int
	window         time.Duration
	currentCount   int
	lastOccurrence time.Time
	isAnomaly      bool
}

// ThreatLevel is the worst-case aggregate over the ledger.
type ThreatLevel string

const (
	ThreatLow      ThreatLevel = "low"
	ThreatMedium   ThreatLevel = "medium"
	ThreatHigh     ThreatLevel = "high"
	ThreatCritical ThreatLevel = "critical"
)

// Metrics is the aggregate view served to operators.
type Metrics struct {
	TotalEvents        int            `json:"total_events"`
	ByType             map[string]int `json:"by_type"`
	BySeverity         map[string]int `json:"by_severity"`
	BySource           map[string]int `json:"by_source"`
	ActiveAlerts       int            `json:"active_alerts"`
	ResolvedEvents     int            `json:"resolved_events"`
	MeanResolutionMs   int64          `json:"mean_resolution_ms"`
	ThreatLevel        ThreatLevel    `json:"threat_level"`
	TrackedPatterns    int            `json:"tracked_patterns"`
	ActiveAnomalies    int            `json:"active_anomalies"`
	OldestEventAt      time.Time      `json:"oldest_event_at,omitempty"`
}
