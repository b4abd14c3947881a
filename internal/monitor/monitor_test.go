package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guardpost/gateway-service/internal/config"
)

type captureDelivery struct {
	mu    sync.Mutex
	sent  []Alert
	gotCh chan struct{}
}

func newCaptureDelivery() *captureDelivery {
	return &captureDelivery{gotCh: make(chan struct{}, 64)}
}

func (c *captureDelivery) Send(_ context.Context, a Alert) error {
	c.mu.Lock()
	c.sent = append(c.sent, a)
	c.mu.Unlock()
	c.gotCh <- struct{}{}
	return nil
}

func (c *captureDelivery) wait(t *testing.T, n int) []Alert {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-c.gotCh:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for alert %d of %d", i+1, n)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Alert(nil), c.sent...)
}

func testOptions(d Delivery) Options {
	return Options{
		Thresholds: map[string]int{
			"auth": 5, "xss": 3, "csrf": 3, "injection": 2, "rate_limit": 10,
		},
		Window:    5 * time.Minute,
		Retention: 30 * 24 * time.Hour,
		Recipients: config.RecipientsCfg{
			Security: []string{"security-team"},
			Critical: []string{"admin", "cto"},
			Auth:     []string{"auth-channel"},
		},
		Delivery: d,
	}
}

func TestRecord_AssignsIDAndStores(t *testing.T) {
	m := New(testOptions(nil))
	defer m.Stop()

	id := m.Record(Event{Type: EventThreat, Severity: SeverityLow, Source: "1.2.3.4"})
	require.NotEmpty(t, id)

	got := m.Events(Filter{})
	require.Len(t, got, 1)
	assert.Equal(t, id, got[0].ID)
	assert.False(t, got[0].Resolved)
}

func TestRecord_AuthBurstEmitsOneAnomaly(t *testing.T) {
	m := New(testOptions(nil))
	defer m.Stop()

	for i := 0; i < 6; i++ {
		m.Record(Event{Type: EventAuth, Severity: SeverityHigh, Source: "10.0.0.9"})
	}

	anomalies := m.Events(Filter{Type: EventAnomaly})
	require.Len(t, anomalies, 1, "threshold 5 is boundary-exclusive: 6th event trips once")

	d, ok := anomalies[0].Detail.(AnomalyDetail)
	require.True(t, ok)
	assert.Equal(t, "auth:10.0.0.9:high", d.PatternKey)
	assert.Equal(t, 6, d.Count)
	assert.Equal(t, 5, d.Threshold)

	// Further events in the same window must not re-trip the flagged pattern.
	for i := 0; i < 4; i++ {
		m.Record(Event{Type: EventAuth, Severity: SeverityHigh, Source: "10.0.0.9"})
	}
	assert.Len(t, m.Events(Filter{Type: EventAnomaly}), 1)
}

func TestRecord_WindowElapseResetsCountToOne(t *testing.T) {
	m := New(testOptions(nil))
	defer m.Stop()
	now := time.Now()
	m.nowFunc = func() time.Time { return now }

	// 5 events, gap beyond the window, then 5 more: no single window ever
	// exceeds the threshold, so no anomaly fires.
	for i := 0; i < 5; i++ {
		m.Record(Event{Type: EventAuth, Severity: SeverityHigh, Source: "src"})
	}
	now = now.Add(6 * time.Minute)
	for i := 0; i < 5; i++ {
		m.Record(Event{Type: EventAuth, Severity: SeverityHigh, Source: "src"})
	}
	assert.Empty(t, m.Events(Filter{Type: EventAnomaly}))

	// One more inside the second window pushes its count past the threshold.
	m.Record(Event{Type: EventAuth, Severity: SeverityHigh, Source: "src"})
	assert.Len(t, m.Events(Filter{Type: EventAnomaly}), 1)
}

func TestRecord_AnomalyEventsDoNotEscalateRecursively(t *testing.T) {
	opts := testOptions(nil)
	opts.Thresholds["anomaly"] = 1 // even a hostile config must not recurse
	m := New(opts)
	defer m.Stop()

	for i := 0; i < 10; i++ {
		m.Record(Event{Type: EventAnomaly, Severity: SeverityHigh, Source: "src"})
	}
	assert.Len(t, m.Events(Filter{Type: EventAnomaly}), 10, "no synthetic anomalies of anomalies")
}

func TestRecord_AlertEscalation(t *testing.T) {
	d := newCaptureDelivery()
	m := New(testOptions(d))
	defer m.Stop()

	m.Record(Event{Type: EventInjection, Severity: SeverityCritical, Source: "6.6.6.6"})
	sent := d.wait(t, 1)
	require.Len(t, sent, 1)
	assert.Equal(t, AlertImmediate, sent[0].Kind)
	assert.ElementsMatch(t, []string{"security-team", "admin", "cto"}, sent[0].Recipients)

	m.Record(Event{Type: EventXSS, Severity: SeverityHigh, Source: "6.6.6.6"})
	sent = d.wait(t, 1)
	require.Len(t, sent, 2)
	assert.Equal(t, AlertDelayed, sent[1].Kind)
	assert.ElementsMatch(t, []string{"security-team"}, sent[1].Recipients)
}

func TestRecord_RepeatedAuthFailuresAddAuthChannel(t *testing.T) {
	d := newCaptureDelivery()
	m := New(testOptions(d))
	defer m.Stop()

	m.Record(Event{Type: EventAuth, Severity: SeverityHigh, Source: "src"})
	m.Record(Event{Type: EventAuth, Severity: SeverityHigh, Source: "src"})
	sent := d.wait(t, 2)
	require.Len(t, sent, 2)
	assert.NotContains(t, sent[0].Recipients, "auth-channel")
	assert.Contains(t, sent[1].Recipients, "auth-channel")
}

func TestRecord_LowSeverityNeverAlerts(t *testing.T) {
	d := newCaptureDelivery()
	m := New(testOptions(d))
	m.Record(Event{Type: EventThreat, Severity: SeverityMedium, Source: "src"})
	m.Stop() // drains the queue

	d.mu.Lock()
	defer d.mu.Unlock()
	assert.Empty(t, d.sent)
}

func TestResolve(t *testing.T) {
	m := New(testOptions(nil))
	defer m.Stop()

	id := m.Record(Event{Type: EventThreat, Severity: SeverityMedium, Source: "src"})
	require.True(t, m.Resolve(id, "false positive", "alice"))

	got := m.Events(Filter{})[0]
	assert.True(t, got.Resolved)
	assert.Equal(t, "alice: false positive", got.Resolution)
	assert.False(t, got.ResolvedAt.IsZero())

	assert.False(t, m.Resolve(id, "again", "bob"), "already resolved")
	assert.False(t, m.Resolve("missing", "x", "bob"), "unknown id")
}

func TestAcknowledge(t *testing.T) {
	d := newCaptureDelivery()
	m := New(testOptions(d))
	defer m.Stop()

	m.Record(Event{Type: EventInjection, Severity: SeverityCritical, Source: "src"})
	sent := d.wait(t, 1)

	assert.Equal(t, 1, m.Metrics().ActiveAlerts)
	require.True(t, m.Acknowledge(sent[0].ID))
	assert.Equal(t, 0, m.Metrics().ActiveAlerts)
	assert.False(t, m.Acknowledge(sent[0].ID), "double ack")
}

func TestMetrics_ThreatLevelRules(t *testing.T) {
	m := New(testOptions(nil))
	defer m.Stop()

	assert.Equal(t, ThreatLow, m.Metrics().ThreatLevel)

	for i := 0; i < 11; i++ {
		m.Record(Event{Type: EventThreat, Severity: SeverityMedium, Source: "src"})
	}
	assert.Equal(t, ThreatMedium, m.Metrics().ThreatLevel)

	for i := 0; i < 6; i++ {
		m.Record(Event{Type: EventThreat, Severity: SeverityHigh, Source: "src"})
	}
	assert.Equal(t, ThreatHigh, m.Metrics().ThreatLevel)

	id := m.Record(Event{Type: EventInjection, Severity: SeverityCritical, Source: "src"})
	assert.Equal(t, ThreatCritical, m.Metrics().ThreatLevel)

	// Resolving the critical event drops the level back.
	m.Resolve(id, "handled", "ops")
	assert.Equal(t, ThreatHigh, m.Metrics().ThreatLevel)
}

func TestMetrics_MeanResolutionLatency(t *testing.T) {
	m := New(testOptions(nil))
	defer m.Stop()
	now := time.Now()
	m.nowFunc = func() time.Time { return now }

	id := m.Record(Event{Type: EventThreat, Severity: SeverityMedium, Source: "src"})
	now = now.Add(90 * time.Second)
	m.Resolve(id, "ok", "ops")

	got := m.Metrics()
	assert.Equal(t, 1, got.ResolvedEvents)
	assert.Equal(t, int64(90_000), got.MeanResolutionMs)
}

func TestSweep_DropsOldEventsAndResetsPatterns(t *testing.T) {
	m := New(testOptions(nil))
	defer m.Stop()
	now := time.Now()
	m.nowFunc = func() time.Time { return now }

	oldID := m.Record(Event{Type: EventThreat, Severity: SeverityLow, Source: "src"})
	m.Record(Event{Type: EventAuth, Severity: SeverityHigh, Source: "src"})

	now = now.Add(31 * 24 * time.Hour)
	keptID := m.Record(Event{Type: EventThreat, Severity: SeverityLow, Source: "src"})

	dropped, reset := m.Sweep()
	assert.Equal(t, 2, dropped)
	assert.Equal(t, 1, reset, "idle auth pattern resets; threat has no threshold")

	ids := make([]string, 0, 2)
	for _, e := range m.Events(Filter{}) {
		ids = append(ids, e.ID)
	}
	assert.Contains(t, ids, keptID)
	assert.NotContains(t, ids, oldID)
}
