package sync

import (
	"errors"
	"testing"
)

func TestParseCursor(t *testing.T) {
	valid := []string{"0", "150", " 42 ", "000123", "18446744073709551616123"}
	for _, raw := range valid {
		if _, err := ParseCursor(raw); err != nil {
			t.Errorf("ParseCursor(%q): %v", raw, err)
		}
	}
	invalid := []string{"", "  ", "-1", "1.5", "12a", "abc", "1e5"}
	for _, raw := range invalid {
		_, err := ParseCursor(raw)
		if !errors.Is(err, ErrInvalidCursor) {
			t.Errorf("ParseCursor(%q) error = %v, want ErrInvalidCursor", raw, err)
		}
	}
}

func TestCompare(t *testing.T) {
	tests := []struct {
		a, b Cursor
		want int
	}{
		{"100", "150", -1},
		{"150", "100", 1},
		{"150", "150", 0},
		{"0150", "150", 0},
		{"99", "100", -1},
		{"0", "000", 0},
		{"18446744073709551616", "18446744073709551615", 1},
	}
	for _, tt := range tests {
		if got := Compare(tt.a, tt.b); got != tt.want {
			t.Errorf("Compare(%s, %s) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
	if !Cursor("150").After("100") || Cursor("100").After("100") {
		t.Fatal("After is not strict")
	}
}
