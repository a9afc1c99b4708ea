package uuid

import "testing"

func TestNewProducesValidV4(t *testing.T) {
	for i := 0; i < 100; i++ {
		id := New()
		if !IsValid(id) {
			t.Fatalf("New() = %q, not a valid UUID v4", id)
		}
	}
}

func TestNewUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := New()
		if seen[id] {
			t.Fatalf("duplicate UUID generated: %s", id)
		}
		seen[id] = true
	}
}

func TestIsValid(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"f47ac10b-58cc-4372-a567-0e02b2c3d479", true},
		{"F47AC10B-58CC-4372-A567-0E02B2C3D479", true},
		{"f47ac10b-58cc-1372-a567-0e02b2c3d479", false}, // wrong version
		{"f47ac10b-58cc-4372-c567-0e02b2c3d479", false}, // wrong variant
		{"f47ac10b58cc4372a5670e02b2c3d479", false},     // missing dashes
		{"", false},
		{"not-a-uuid", false},
	}
	for _, tc := range cases {
		if got := IsValid(tc.in); got != tc.want {
			t.Errorf("IsValid(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestValidate(t *testing.T) {
	if err := Validate(New()); err != nil {
		t.Errorf("Validate of generated id failed: %v", err)
	}
	if err := Validate("bogus"); err == nil {
		t.Error("Validate accepted a malformed id")
	}
}
