package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveValidation("verified", time.Millisecond)
	m.BudgetExceeded()
	m.CacheLookup(true)
	m.SemanticCheck("safe")
	m.ToolDecision("send_email", false)
	m.SanitizerAction("markdown_image", 2)
	m.Route("privileged")
	m.HTTPRequest("/v1/validate", 200)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Errorf("nil handler status = %d, want 404", rec.Code)
	}
}

func TestMetrics_Exposition(t *testing.T) {
	m := New()
	m.ObserveValidation("blocked", 2*time.Millisecond)
	m.CacheLookup(false)
	m.ToolDecision("delete_ticket", false)
	m.SanitizerAction("external_url", 3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	for _, want := range []string{
		`warden_validations_total{outcome="blocked"} 1`,
		`warden_validation_cache_lookups_total{result="miss"} 1`,
		`warden_tool_access_total{decision="deny",tool="delete_ticket"} 1`,
		`warden_sanitizer_actions_total{action="external_url"} 3`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}
