package shared

import "testing"

func TestRedactBearerToken(t *testing.T) {
	got := Redact("Bearer abc123def456ghi789jkl0")
	if got != "Bearer [REDACTED]" {
		t.Fatalf("got %q", got)
	}
}

func TestRedactAPIKey(t *testing.T) {
	input := `api_key=abcdef1234567890abcdef`
	if got := Redact(input); got == input {
		t.Fatalf("expected redaction, got %q", got)
	}
}

func TestRedactAnthropicKey(t *testing.T) {
	input := "failed with key sk-ant-REDACTED"
	got := Redact(input)
	if got == input {
		t.Fatalf("expected redaction, got %q", got)
	}
}

func TestRedactGoogleKey(t *testing.T) {
	input := "key is AIzaSyA1234567890abcdefghijklmnopqrstuvwx"
	if got := Redact(input); got == input {
		t.Fatalf("expected redaction, got %q", got)
	}
}

func TestRedactLeavesPlainText(t *testing.T) {
	input := "patch rejected for main.go"
	if got := Redact(input); got != input {
		t.Fatalf("got %q", got)
	}
}

func TestRedactEmpty(t *testing.T) {
	if got := Redact(""); got != "" {
		t.Fatalf("got %q", got)
	}
}

func TestRedactEnvValue(t *testing.T) {
	cases := []struct {
		key, value, want string
	}{
		{"ANTHROPIC_API_KEY", "some-secret", "[REDACTED]"},
		{"auth_token", "abc123", "[REDACTED]"},
		{"password", "s3cret", "[REDACTED]"},
		{"DESKCORE_DATA_DIR", "/tmp/deskcore", "/tmp/deskcore"},
		{"LOG_LEVEL", "info", "info"},
	}
	for _, tc := range cases {
		if got := RedactEnvValue(tc.key, tc.value); got != tc.want {
			t.Errorf("RedactEnvValue(%q, %q) = %q, want %q", tc.key, tc.value, got, tc.want)
		}
	}
}
