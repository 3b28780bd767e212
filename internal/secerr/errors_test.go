package secerr

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/triage-ai/warden/internal/trust"
)

func TestTaxonomy_ErrorsAs(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		mitigation string
	}{
		{"prompt injection", NewPromptInjectionDetected("jailbreak", 0.98), MitigationPromptInjection},
		{"exfiltration", NewDataExfiltrationAttempt("markdown_image", "![x](http://e)"), MitigationExfiltration},
		{"unauthorized", NewUnauthorizedToolAccess("delete_ticket", trust.Trusted, trust.Verified, ""), MitigationUnauthorized},
		{"quarantine", NewQuarantineRequired(0.4, []string{"trust_score_low: 0.40"}), MitigationQuarantine},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("pipeline: %w", tt.err)
			if !Is(wrapped) {
				t.Fatal("Is() = false for wrapped taxonomy error")
			}
			base, ok := Base(wrapped)
			if !ok {
				t.Fatal("Base() found nothing")
			}
			if base.Mitigation != tt.mitigation {
				t.Errorf("Mitigation = %q, want %q", base.Mitigation, tt.mitigation)
			}
			if base.Error() == "" || len(base.Details) == 0 {
				t.Errorf("base = %+v", base)
			}
		})
	}
}

func TestUnauthorizedToolAccess_Fields(t *testing.T) {
	err := fmt.Errorf("exec: %w", NewUnauthorizedToolAccess("refund_payment", trust.Trusted, trust.Untrusted, "not approved"))

	var uta *UnauthorizedToolAccess
	if !errors.As(err, &uta) {
		t.Fatal("errors.As failed")
	}
	if uta.ToolName != "refund_payment" || uta.RequiredTrust != trust.Trusted || uta.ActualTrust != trust.Untrusted {
		t.Errorf("fields = %+v", uta)
	}
	if !strings.Contains(uta.Error(), "not approved") {
		t.Errorf("message %q missing reason", uta.Error())
	}

	var pid *PromptInjectionDetected
	if errors.As(err, &pid) {
		t.Error("UnauthorizedToolAccess matched PromptInjectionDetected")
	}
}

func TestIs_ForeignError(t *testing.T) {
	if Is(io.EOF) {
		t.Error("Is(io.EOF) = true")
	}
	if Is(nil) {
		t.Error("Is(nil) = true")
	}
}
