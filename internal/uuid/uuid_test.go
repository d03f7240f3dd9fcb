package uuid

import "testing"

func TestNewIsValid(t *testing.T) {
	for i := 0; i < 10; i++ {
		id := New()
		if !IsValid(id) {
			t.Errorf("New() produced invalid UUID: %q", id)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		input   string
		wantErr bool
	}{
		{"d94f9b1e-3c7a-4f3b-8a2e-1b2c3d4e5f6a", false},
		{"d94f9b1e-3c7a-1f3b-8a2e-1b2c3d4e5f6a", true}, // v1, not v4
		{"not-a-uuid", true},
		{"", true},
	}
	for _, tt := range tests {
		err := Validate(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("Validate(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
		}
	}
}
