package redact

import (
	"strings"
	"testing"
)

func TestRedactHidesConfiguredSecret(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-abc123")
	f := New()

	got := f.Redact("connecting with key sk-ant-abc123 please don't log this")
	if want := "[REDACTED:ANTHROPIC_API_KEY]"; !strings.Contains(got, want) {
		t.Errorf("redacted output %q does not contain %q", got, want)
	}
	if strings.Contains(got, "sk-ant-abc123") {
		t.Errorf("secret leaked into output: %q", got)
	}
}

func TestRedactNoopWithoutSecret(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	f := New()
	in := "nothing secret here"
	if got := f.Redact(in); got != in {
		t.Errorf("Redact() = %q, want unchanged %q", got, in)
	}
}
