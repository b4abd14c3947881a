package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"guardpost/gateway-service/internal/config"
	"guardpost/gateway-service/internal/metrics"
)

/*
Package monitor keeps the process-lifetime security event ledger, detects
bursts of same-pattern events, and raises alerts for high and critical
events.

Alert delivery is decoupled from the request path: Record only enqueues onto
a buffered channel; a dispatcher goroutine hands alerts to the Delivery
backend with its own timeout, so a slow alert sink can never slow a request.
*/

// Delivery sends an alert to the outside world. Fire-and-forget from the
// monitor's perspective: failures are logged, not retried.
type Delivery interface {
	Send(ctx context.Context, a Alert) error
}

// Options configures a Monitor.
type Options struct {
	Thresholds map[string]int // event type -> burst threshold
	Window     time.Duration  // anomaly pattern window
	Retention  time.Duration  // ledger retention horizon
	Recipients config.RecipientsCfg
	Delivery   Delivery
	SweepEvery time.Duration // 0 disables the background sweep
	QueueSize  int           // alert queue depth, default 256
}

// Monitor is safe for concurrent use by all in-flight requests.
type Monitor struct {
	mu       sync.Mutex
	events   []*Event
	byID     map[string]*Event
	patterns map[string]*pattern
	alerts   map[string]*Alert

	opts    Options
	alertCh chan Alert
	stop    chan struct{}
	done    sync.WaitGroup
	nowFunc func() time.Time // for tests
}

func New(opts Options) *Monitor {
	if opts.Window <= 0 {
		opts.Window = 5 * time.Minute
	}
	if opts.Retention <= 0 {
		opts.Retention = 30 * 24 * time.Hour
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	m := &Monitor{
		byID:     make(map[string]*Event),
		patterns: make(map[string]*pattern),
		alerts:   make(map[string]*Alert),
		opts:     opts,
		alertCh:  make(chan Alert, opts.QueueSize),
		stop:     make(chan struct{}),
		nowFunc:  time.Now,
	}
	m.done.Add(1)
	go m.dispatchLoop()
	if opts.SweepEvery > 0 {
		m.done.Add(1)
		go m.sweepLoop(opts.SweepEvery)
	}
	return m
}

// Record appends an event to the ledger, raises an alert for high/critical
// severities, and updates the matching anomaly pattern. Returns the event ID.
func (m *Monitor) Record(e Event) string {
	now := m.nowFunc()
	e.ID = uuid.NewString()
	e.Timestamp = now
	e.Resolved = false

	metrics.SecurityEvents.WithLabelValues(string(e.Type), e.Severity.String()).Inc()

	m.mu.Lock()
	stored := e
	m.events = append(m.events, &stored)
	m.byID[stored.ID] = &stored

	patternCount := 0
	var synthetic *Event
	// Anomaly events have their own pattern key space but are excluded from
	// escalation, so a burst of anomalies cannot spawn anomalies of
	// anomalies.
	if e.Type != EventAnomaly {
		patternCount, synthetic = m.updatePatternLocked(&stored, now)
	}

	var queued *Alert
	if e.Severity >= SeverityHigh {
		queued = m.buildAlertLocked(&stored, patternCount, now)
	}
	m.mu.Unlock()

	if queued != nil {
		m.enqueue(*queued)
	}
	if synthetic != nil {
		m.Record(*synthetic)
	}

	log.Debug().
		Str("event_id", stored.ID).
		Str("type", string(stored.Type)).
		Str("severity", stored.Severity.String()).
		Str("source", stored.Source).
		Msg("security event recorded")
	return stored.ID
}

// updatePatternLocked bumps the pattern counter for the event and returns
// the current count plus a synthetic anomaly event when the threshold is
// first crossed within the window.
func (m *Monitor) updatePatternLocked(e *Event, now time.Time) (int, *Event) {
	threshold, ok := m.opts.Thresholds[string(e.Type)]
	if !ok {
		return 0, nil
	}

	key := fmt.Sprintf("%s:%s:%s", e.Type, e.Source, e.Severity)
	p, ok := m.patterns[key]
	if !ok {
		p = &pattern{key: key, threshold: threshold, window: m.opts.Window}
		m.patterns[key] = p
	}

	if now.Sub(p.lastOccurrence) > p.window {
		// Window elapsed: this occurrence starts a fresh burst of one.
		p.currentCount = 1
		p.isAnomaly = false
	} else {
		p.currentCount++
	}
	p.lastOccurrence = now

	if p.currentCount > p.threshold && !p.isAnomaly {
		p.isAnomaly = true
		return p.currentCount, &Event{
			Type:      EventAnomaly,
			Severity:  SeverityHigh,
			Source:    e.Source,
			IPAddress: e.IPAddress,
			Detail: AnomalyDetail{
				PatternKey: key,
				Count:      p.currentCount,
				Threshold:  p.threshold,
			},
		}
	}
	return p.currentCount, nil
}

func (m *Monitor) buildAlertLocked(e *Event, patternCount int, now time.Time) *Alert {
	kind := AlertDelayed
	if e.Severity == SeverityCritical {
		kind = AlertImmediate
	}

	recipients := append([]string(nil), m.opts.Recipients.Security...)
	if e.Severity == SeverityCritical {
		recipients = append(recipients, m.opts.Recipients.Critical...)
	}
	if e.Type == EventAuth && patternCount > 1 {
		recipients = append(recipients, m.opts.Recipients.Auth...)
	}

	a := &Alert{
		ID:         uuid.NewString(),
		EventID:    e.ID,
		Kind:       kind,
		Message:    fmt.Sprintf("%s/%s security event from %s", e.Type, e.Severity, e.Source),
		Recipients: recipients,
		CreatedAt:  now,
	}
	m.alerts[a.ID] = a
	metrics.ActiveAlerts.Inc()
	return a
}

func (m *Monitor) enqueue(a Alert) {
	select {
	case m.alertCh <- a:
	default:
		// A full queue means the delivery backend is badly behind; the
		// alert stays in the ledger either way.
		metrics.AlertDeliveries.WithLabelValues("dropped").Inc()
		log.Warn().Str("alert_id", a.ID).Msg("alert queue full; delivery skipped")
	}
}

func (m *Monitor) dispatchLoop() {
	defer m.done.Done()
	for {
		select {
		case a := <-m.alertCh:
			m.deliver(a)
		case <-m.stop:
			// Drain what is already queued before exiting.
			for {
				select {
				case a := <-m.alertCh:
					m.deliver(a)
				default:
					return
				}
			}
		}
	}
}

func (m *Monitor) deliver(a Alert) {
	if m.opts.Delivery == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.opts.Delivery.Send(ctx, a); err != nil {
		metrics.AlertDeliveries.WithLabelValues("error").Inc()
		log.Error().Err(err).Str("alert_id", a.ID).Msg("alert delivery failed")
		return
	}
	metrics.AlertDeliveries.WithLabelValues("ok").Inc()
	m.mu.Lock()
	if stored, ok := m.alerts[a.ID]; ok {
		stored.Sent = true
	}
	m.mu.Unlock()
}

// Resolve marks an event resolved. Returns false for unknown or already
// resolved events.
func (m *Monitor) Resolve(eventID, resolution, actor string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byID[eventID]
	if !ok || e.Resolved {
		return false
	}
	e.Resolved = true
	e.Resolution = fmt.Sprintf("%s: %s", actor, resolution)
	e.ResolvedAt = m.nowFunc()
	return true
}

// Acknowledge marks an alert acknowledged by an operator.
func (m *Monitor) Acknowledge(alertID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[alertID]
	if !ok || a.Acknowledged {
		return false
	}
	a.Acknowledged = true
	metrics.ActiveAlerts.Dec()
	return true
}

// Filter narrows the Events listing. Zero values match everything.
type Filter struct {
	Type        EventType
	MinSeverity Severity
	Unresolved  bool
	Limit       int
}

// Events returns ledger entries newest first.
func (m *Monitor) Events(f Filter) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, 0, 64)
	for i := len(m.events) - 1; i >= 0; i-- {
		e := m.events[i]
		if f.Type != "" && e.Type != f.Type {
			continue
		}
		if e.Severity < f.MinSeverity {
			continue
		}
		if f.Unresolved && e.Resolved {
			continue
		}
		out = append(out, *e)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

// Metrics aggregates the ledger for the operator surface.
func (m *Monitor) Metrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	agg := Metrics{
		ByType:     make(map[string]int),
		BySeverity: make(map[string]int),
		BySource:   make(map[string]int),
	}
	var highUnresolved, mediumUnresolved int
	var criticalUnresolved bool
	var resolutionTotal time.Duration

	for _, e := range m.events {
		agg.TotalEvents++
		agg.ByType[string(e.Type)]++
		agg.BySeverity[e.Severity.String()]++
		agg.BySource[e.Source]++
		if agg.OldestEventAt.IsZero() || e.Timestamp.Before(agg.OldestEventAt) {
			agg.OldestEventAt = e.Timestamp
		}
		if e.Resolved {
			agg.ResolvedEvents++
			resolutionTotal += e.ResolvedAt.Sub(e.Timestamp)
			continue
		}
		switch e.Severity {
		case SeverityCritical:
			criticalUnresolved = true
		case SeverityHigh:
			highUnresolved++
		case SeverityMedium:
			mediumUnresolved++
		}
	}
	if agg.ResolvedEvents > 0 {
		agg.MeanResolutionMs = resolutionTotal.Milliseconds() / int64(agg.ResolvedEvents)
	}

	for _, a := range m.alerts {
		if !a.Acknowledged {
			agg.ActiveAlerts++
		}
	}
	agg.TrackedPatterns = len(m.patterns)
	for _, p := range m.patterns {
		if p.isAnomaly {
			agg.ActiveAnomalies++
		}
	}

	// Worst-case rule over unresolved events.
	switch {
	case criticalUnresolved:
		agg.ThreatLevel = ThreatCritical
	case highUnresolved > 5:
		agg.ThreatLevel = ThreatHigh
	case mediumUnresolved > 10:
		agg.ThreatLevel = ThreatMedium
	default:
		agg.ThreatLevel = ThreatLow
	}
	return agg
}

// Sweep drops events past the retention horizon and resets patterns whose
// window elapsed with no new occurrences. Exposed for tests; normally driven
// by the background ticker.
func (m *Monitor) Sweep() (dropped, resetPatterns int) {
	now := m.nowFunc()
	cutoff := now.Add(-m.opts.Retention)

	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.events[:0]
	for _, e := range m.events {
		if e.Timestamp.Before(cutoff) {
			delete(m.byID, e.ID)
			dropped++
			continue
		}
		kept = append(kept, e)
	}
	m.events = kept

	for _, p := range m.patterns {
		if p.currentCount > 0 && now.Sub(p.lastOccurrence) > p.window {
			p.currentCount = 0
			p.isAnomaly = false
			resetPatterns++
		}
	}
	return dropped, resetPatterns
}

func (m *Monitor) sweepLoop(every time.Duration) {
	defer m.done.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			dropped, reset := m.Sweep()
			if dropped > 0 || reset > 0 {
				log.Debug().Int("dropped", dropped).Int("patterns_reset", reset).Msg("monitor sweep")
			}
		case <-m.stop:
			return
		}
	}
}

// Stop terminates background goroutines, draining queued alerts first.
func (m *Monitor) Stop() {
	select {
	case <-m.stop:
		return
	default:
		close(m.stop)
	}
	m.done.Wait()
}
