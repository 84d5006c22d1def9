package util

import (
	"slices"
	"testing"
)

func TestParseScopes(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{name: "empty", input: "", want: nil},
		{name: "whitespace only", input: "   ", want: nil},
		{name: "single", input: "bar", want: []string{"bar"}},
		{name: "sorted and deduplicated", input: "openid bar  bar baz", want: []string{"bar", "baz", "openid"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseScopes(tt.input)
			if !slices.Equal(got, tt.want) {
				t.Errorf("ParseScopes(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestIsSubset(t *testing.T) {
	set := []string{"bar", "baz", "foo"}

	tests := []struct {
		name   string
		subset []string
		want   bool
	}{
		{name: "empty subset", subset: nil, want: true},
		{name: "proper subset", subset: []string{"bar", "baz"}, want: true},
		{name: "equal", subset: set, want: true},
		{name: "extra element", subset: []string{"bar", "qux"}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsSubset(tt.subset, set); got != tt.want {
				t.Errorf("IsSubset(%v, %v) = %v, want %v", tt.subset, set, got, tt.want)
			}
		})
	}
}

func TestWithout(t *testing.T) {
	got := Without([]string{"bar", "openid"}, "openid")
	if !slices.Equal(got, []string{"bar"}) {
		t.Errorf("Without() = %v, want [bar]", got)
	}

	if got := JoinScopes([]string{"bar", "openid"}); got != "bar openid" {
		t.Errorf("JoinScopes() = %q, want %q", got, "bar openid")
	}
}
