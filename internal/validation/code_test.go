package validation

import (
	"strings"
	"testing"
)

func TestGenerateCode(t *testing.T) {
	seen := make(map[string]bool)

	for i := 0; i < 1000; i++ {
		code := GenerateCode()

		if len(code) != CodeLength {
			t.Fatalf("len(%q) = %d, want %d", code, len(code), CodeLength)
		}
		if !IsValidCode(code) {
			t.Fatalf("generated code %q is not valid by IsValidCode", code)
		}
		if seen[code] {
			t.Fatalf("duplicate code generated: %q", code)
		}
		seen[code] = true
	}
}

func TestIsValidCode(t *testing.T) {
	tests := []struct {
		name  string
		code  string
		valid bool
	}{
		{
			name:  "valid base32 code",
			code:  "ABCDEFGH23456722",
			valid: true,
		},
		{
			name:  "lowercase accepted",
			code:  "abcdefgh23456722",
			valid: true,
		},
		{
			name:  "too short",
			code:  "ABCDEFG",
			valid: false,
		},
		{
			name:  "contains digit outside alphabet",
			code:  "ABCDEFGH23456701",
			valid: false,
		},
		{
			name:  "contains punctuation",
			code:  "ABCDEFGH2345672!",
			valid: false,
		},
		{
			name:  "empty string",
			code:  "",
			valid: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsValidCode(tt.code)
			if got != tt.valid {
				t.Fatalf("IsValidCode(%q) = %v, want %v", tt.code, got, tt.valid)
			}
		})
	}
}

func TestNormalizeCode(t *testing.T) {
	code := GenerateCode()
	messy := "  " + strings.ToLower(code) + "\n"

	if got := NormalizeCode(messy); got != code {
		t.Fatalf("NormalizeCode(%q) = %q, want %q", messy, got, code)
	}
}
