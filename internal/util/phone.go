package util

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// nonDigitRegex strips everything except digits from a phone number.
var nonDigitRegex = regexp.MustCompile(`[^0-9]`)

// E.164 bounds on the digit count (country code included).
const (
	minPhoneDigits = 8
	maxPhoneDigits = 15
)

// ErrEmptyPhone is returned when no phone number was provided.
var ErrEmptyPhone = errors.New("phone number cannot be empty")

// CanonicalizePhone normalizes a phone number to E.164 ("+15551234567").
// Provider prefixes such as "sms:" or "whatsapp:" are dropped. Ten-digit numbers
// without a leading "+" are treated as North American numbers.
func CanonicalizePhone(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", ErrEmptyPhone
	}
	if i := strings.Index(s, ":"); i >= 0 {
		s = s[i+1:]
	}
	hasPlus := strings.HasPrefix(strings.TrimSpace(s), "+")
	digits := nonDigitRegex.ReplaceAllString(s, "")
	if strings.HasPrefix(digits, "00") && !hasPlus {
		digits = digits[2:]
		hasPlus = true
	}
	if !hasPlus && len(digits) == 10 {
		digits = "1" + digits
	}
	if len(digits) < minPhoneDigits || len(digits) > maxPhoneDigits {
		return "", fmt.Errorf("invalid phone number %q: expected %d-%d digits, got %d", raw, minPhoneDigits, maxPhoneDigits, len(digits))
	}
	if digits[0] == '0' {
		return "", fmt.Errorf("invalid phone number %q: country code cannot start with 0", raw)
	}
	return "+" + digits, nil
}
