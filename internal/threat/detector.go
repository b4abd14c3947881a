// Package threat is a stateless signature scan over the request line,
// headers, and user agent. It runs before authentication so obviously
// hostile traffic never costs a verifier round trip.
package threat

import (
	"net/http"
	"net/url"
	"strings"

	"guardpost/gateway-service/internal/monitor"
)

// Threat is one matched signature.
type Threat struct {
	Type        monitor.EventType
	Severity    monitor.Severity
	Description string
	Pattern     string
}

const (
	maxURLLength   = 2048
	maxQueryParams = 50
)

// signature tables are matched against lowercased input. Substring matching
// keeps the scan allocation-free and fast enough to run on every request.
var (
	xssPatterns = []string{
		"<script", "</script", "javascript:", "vbscript:",
		"onerror=", "onload=", "onmouseover=", "<iframe", "<embed",
		"document.cookie", "document.write", "eval(",
	}
	sqlPatterns = []string{
		"union select", "union all select", "drop table", "drop database",
		"insert into", "delete from", "truncate table",
		"' or '1'='1", "or 1=1", "xp_cmdshell", "information_schema",
		"; exec", "waitfor delay",
	}
	scannerAgents = []string{
		"sqlmap", "nikto", "nmap", "masscan", "dirbuster", "gobuster",
		"wfuzz", "acunetix", "nessus", "metasploit", "hydra", "zgrab",
	}
)

// Scan inspects a request and returns every matched threat. Pure function
// of the request; no state, no side effects.
func Scan(r *http.Request) []Threat {
	var found []Threat

	rawURL := r.URL.RequestURI()
	haystack := strings.ToLower(rawURL)
	// Attackers URL-encode payloads; scan the decoded form as well.
	if decoded, err := url.QueryUnescape(haystack); err == nil && decoded != haystack {
		haystack += "\x00" + decoded
	}
	found = scanText(found, haystack, "url")

	for name, values := range r.Header {
		if name == "Cookie" || name == "Authorization" {
			continue // credentials are not payloads; scanned elsewhere
		}
		for _, v := range values {
			found = scanText(found, strings.ToLower(v), "header:"+name)
		}
	}

	ua := strings.ToLower(r.UserAgent())
	for _, sig := range scannerAgents {
		if strings.Contains(ua, sig) {
			found = append(found, Threat{
				Type:        monitor.EventThreat,
				Severity:    monitor.SeverityMedium,
				Description: "known scanner user agent",
				Pattern:     sig,
			})
			break
		}
	}

	if len(rawURL) > maxURLLength {
		found = append(found, Threat{
			Type:        monitor.EventAnomaly,
			Severity:    monitor.SeverityLow,
			Description: "excessive URL length",
			Pattern:     "url_length",
		})
	}
	if len(r.URL.Query()) > maxQueryParams {
		found = append(found, Threat{
			Type:        monitor.EventAnomaly,
			Severity:    monitor.SeverityMedium,
			Description: "excessive query parameter count",
			Pattern:     "query_params",
		})
	}

	return found
}

func scanText(found []Threat, text, where string) []Threat {
	for _, sig := range xssPatterns {
		if strings.Contains(text, sig) {
			found = append(found, Threat{
				Type:        monitor.EventXSS,
				Severity:    monitor.SeverityHigh,
				Description: "script injection attempt in " + where,
				Pattern:     sig,
			})
			break
		}
	}
	for _, sig := range sqlPatterns {
		if strings.Contains(text, sig) {
			found = append(found, Threat{
				Type:        monitor.EventInjection,
				Severity:    monitor.SeverityCritical,
				Description: "SQL injection attempt in " + where,
				Pattern:     sig,
			})
			break
		}
	}
	return found
}

// HasCritical reports whether any matched threat mandates a synchronous
// block. Only critical blocks; lower severities are logged and allowed
// through, because over-blocking on low-confidence heuristics is an
// availability bug.
func HasCritical(threats []Threat) bool {
	for _, t := range threats {
		if t.Severity == monitor.SeverityCritical {
			return true
		}
	}
	return false
}
