package util

import (
	"strings"
	"testing"
)

func TestSafeTruncate(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		maxLen int
		want   string
	}{
		{
			name:   "string shorter than maxLen",
			input:  "short",
			maxLen: 10,
			want:   "short",
		},
		{
			name:   "string longer than maxLen",
			input:  "0a1b2c3d4e5f:ac",
			maxLen: 8,
			want:   "0a1b2c3d",
		},
		{
			name:   "empty string",
			input:  "",
			maxLen: 5,
			want:   "",
		},
		{
			name:   "maxLen is negative",
			input:  "test",
			maxLen: -1,
			want:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SafeTruncate(tt.input, tt.maxLen)
			if got != tt.want {
				t.Errorf("SafeTruncate(%q, %d) = %q, want %q", tt.input, tt.maxLen, got, tt.want)
			}
		})
	}
}

func TestGenerateID(t *testing.T) {
	id := GenerateID("ci")

	prefix, suffix, ok := strings.Cut(id, ":")
	if !ok {
		t.Fatalf("GenerateID() = %q, missing separator", id)
	}
	if suffix != "ci" {
		t.Errorf("suffix = %q, want %q", suffix, "ci")
	}
	if len(prefix) != 64 {
		t.Errorf("len(prefix) = %d, want 64", len(prefix))
	}
	if strings.ContainsAny(prefix, "-:") {
		t.Errorf("prefix %q contains separators", prefix)
	}

	if other := GenerateID("ci"); other == id {
		t.Errorf("GenerateID() returned the same value twice: %q", id)
	}
}
