package threat

import (
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"

	"guardpost/gateway-service/internal/monitor"
)

func TestScan_CleanRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/api/projects?page=2", nil)
	r.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64)")
	if got := Scan(r); len(got) != 0 {
		t.Fatalf("expected no threats, got %+v", got)
	}
}

func TestScan_XSSInQuery(t *testing.T) {
	r := httptest.NewRequest("GET", "/search?q=%3Cscript%3Ealert(1)%3C/script%3E", nil)
	got := Scan(r)
	if len(got) != 1 {
		t.Fatalf("expected 1 threat, got %d: %+v", len(got), got)
	}
	if got[0].Type != monitor.EventXSS || got[0].Severity != monitor.SeverityHigh {
		t.Errorf("got %s/%s, want xss/high", got[0].Type, got[0].Severity)
	}
	if HasCritical(got) {
		t.Error("xss is high, not critical; must not block")
	}
}

func TestScan_SQLInjectionIsCritical(t *testing.T) {
	r := httptest.NewRequest("GET", "/items?id=1+UNION+SELECT+password+FROM+users", nil)
	got := Scan(r)
	if len(got) == 0 {
		t.Fatal("expected injection threat")
	}
	if got[0].Type != monitor.EventInjection || got[0].Severity != monitor.SeverityCritical {
		t.Errorf("got %s/%s, want injection/critical", got[0].Type, got[0].Severity)
	}
	if !HasCritical(got) {
		t.Error("injection must mandate a block")
	}
}

func TestScan_SQLInjectionInHeader(t *testing.T) {
	r := httptest.NewRequest("GET", "/api/projects", nil)
	r.Header.Set("Referer", "https://evil.test/?x='; DROP TABLE users")
	got := Scan(r)
	if !HasCritical(got) {
		t.Fatalf("expected critical injection from header, got %+v", got)
	}
}

func TestScan_ScannerUserAgent(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("User-Agent", "sqlmap/1.7#stable (https://sqlmap.org)")
	got := Scan(r)
	if len(got) != 1 || got[0].Type != monitor.EventThreat || got[0].Severity != monitor.SeverityMedium {
		t.Fatalf("expected one threat/medium match, got %+v", got)
	}
}

func TestScan_URLLengthAnomaly(t *testing.T) {
	r := httptest.NewRequest("GET", "/api/projects?pad="+strings.Repeat("a", 3000), nil)
	got := Scan(r)
	if len(got) != 1 || got[0].Type != monitor.EventAnomaly || got[0].Severity != monitor.SeverityLow {
		t.Fatalf("expected one anomaly/low match, got %+v", got)
	}
}

func TestScan_QueryParamCountAnomaly(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("/api/projects?p0=1")
	for i := 1; i <= 55; i++ {
		fmt.Fprintf(&sb, "&p%d=1", i)
	}
	r := httptest.NewRequest("GET", sb.String(), nil)
	got := Scan(r)
	if len(got) != 1 || got[0].Pattern != "query_params" || got[0].Severity != monitor.SeverityMedium {
		t.Fatalf("expected one query_params anomaly at medium, got %+v", got)
	}
}
