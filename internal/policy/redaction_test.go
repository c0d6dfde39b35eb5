package policy

import (
	"strings"
	"testing"
)

func TestRedactPII(t *testing.T) {
	input := "Email me at sam@example.com or +1 (555) 123-9876 and use 4242 4242 4242 4242."
	out, changed := RedactPII(input)
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	for _, marker := range []string{"[REDACTED_EMAIL]", "[REDACTED_PHONE]", "[REDACTED_CARD]"} {
		if !strings.Contains(out, marker) {
			t.Fatalf("output missing marker %q: %q", marker, out)
		}
	}
}

func TestRedactPIICredentials(t *testing.T) {
	input := "my header is Bearer abc.def-123 and token eyJhbGciOiJIUzI1NiJ9.eyJzdWIiOiIxIn0.sig_value"
	out, changed := RedactPII(input)
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	if strings.Contains(out, "abc.def-123") || strings.Contains(out, "eyJ") {
		t.Fatalf("credential leaked: %q", out)
	}
	if got := strings.Count(out, "[REDACTED_TOKEN]"); got != 2 {
		t.Fatalf("token markers = %d, want 2 in %q", got, out)
	}
}

func TestRedactPIIUnchanged(t *testing.T) {
	out, changed := RedactPII("summarize the quarterly report")
	if changed {
		t.Fatalf("changed = true for %q", out)
	}
}
