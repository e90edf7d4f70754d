package sync

import (
	"fmt"
	"strings"
)

// Cursor is a mailbox history id: a string of decimal digits compared numerically.
// Values are compared with arbitrary precision, so leading zeros and length beyond
// uint64 are handled.
type Cursor string

// ParseCursor validates raw as a non-negative integer string.
func ParseCursor(raw string) (Cursor, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("%w: empty cursor", ErrInvalidCursor)
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return "", fmt.Errorf("%w: %q is not a non-negative integer", ErrInvalidCursor, raw)
		}
	}
	return Cursor(s), nil
}

func (c Cursor) String() string {
	return string(c)
}

// IsZero reports whether the cursor is unset
func (c Cursor) IsZero() bool {
	return c == ""
}

func (c Cursor) digits() string {
	s := strings.TrimLeft(string(c), "0")
	if s == "" {
		return "0"
	}
	return s
}

// Compare returns -1, 0 or 1 as a is numerically less than, equal to or greater than b.
func Compare(a, b Cursor) int {
	da, db := a.digits(), b.digits()
	if len(da) != len(db) {
		if len(da) < len(db) {
			return -1
		}
		return 1
	}
	return strings.Compare(da, db)
}

// After reports whether c is strictly newer than other
func (c Cursor) After(other Cursor) bool {
	return Compare(c, other) > 0
}
