package validation

import (
	"testing"
)

func TestIsValidID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"wal_1a2b3c4d5e6f7a8b", true},
		{"pay_ABCDEF1234567890", true},
		{"cra_0000000011112222", true},

		// Invalid cases
		{"1a2b3c4d5e6f7a8b", false},     // No prefix
		{"wallet-1a2b3c4d", false},      // Wrong separator
		{"wal_", false},                 // No body
		{"wal_short", false},            // Body too short
		{"WAL_1a2b3c4d5e6f7a8b", false}, // Uppercase prefix
		{"", false},
	}

	for _, tc := range tests {
		result := IsValidID(tc.id)
		if result != tc.valid {
			t.Errorf("IsValidID(%q) = %v, want %v", tc.id, result, tc.valid)
		}
	}
}

func TestIsValidOwnerID(t *testing.T) {
	tests := []struct {
		owner string
		valid bool
	}{
		{"shipper-1", true},
		{"acme.logistics", true},
		{"carrier_42", true},
		{"A1", true},

		// Invalid
		{"", false},
		{"-leading-dash", false},
		{"has space", false},
		{"null\x00byte", false},
	}

	for _, tc := range tests {
		result := IsValidOwnerID(tc.owner)
		if result != tc.valid {
			t.Errorf("IsValidOwnerID(%q) = %v, want %v", tc.owner, result, tc.valid)
		}
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"hello", 10, "hello"},
		{"  hello  ", 10, "hello"},
		{"hello world", 5, "hello"},
		{"hello\x00world", 20, "helloworld"},
	}

	for _, tc := range tests {
		result := SanitizeString(tc.input, tc.maxLen)
		if result != tc.expected {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tc.input, tc.maxLen, result, tc.expected)
		}
	}
}

func TestValidate(t *testing.T) {
	// Test valid input
	errors := Validate(
		Required("description", "booking fee"),
		ValidAmount("amount", "25.00"),
	)
	if len(errors) != 0 {
		t.Errorf("Expected no errors, got %v", errors)
	}

	// Test invalid input
	errors = Validate(
		Required("description", ""),
		ValidAmount("amount", "abc"),
	)
	if len(errors) != 2 {
		t.Errorf("Expected 2 errors, got %d", len(errors))
	}
}

func TestValidAmount(t *testing.T) {
	tests := []struct {
		value string
		valid bool
	}{
		{"1.00", true},
		{"0.50", true},
		{"100", true},
		{"0.000001", true},

		// Invalid
		{".50", false},
		{"1.", false},
		{"abc", false},
		{"-1.00", false},
		{"1.2.3", false},
	}

	for _, tc := range tests {
		err := ValidAmount("amount", tc.value)()
		valid := err == nil
		if valid != tc.valid {
			t.Errorf("ValidAmount(%q) valid=%v, want %v", tc.value, valid, tc.valid)
		}
	}
}

func TestMaxLength(t *testing.T) {
	// Under limit
	err := MaxLength("field", "hello", 10)()
	if err != nil {
		t.Error("Expected no error for string under limit")
	}

	// At limit
	err = MaxLength("field", "hello", 5)()
	if err != nil {
		t.Error("Expected no error for string at limit")
	}

	// Over limit
	err = MaxLength("field", "hello world", 5)()
	if err == nil {
		t.Error("Expected error for string over limit")
	}
}
