// Package validation checks user-supplied location queries before they reach
// the cache or any upstream.
package validation

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// Location length bounds, in runes.
const (
	MinLocationLen = 1
	MaxLocationLen = 100
)

// ErrInvalidLocation is wrapped by every rejection so callers can map it to 400 INVALID_LOCATION.
var ErrInvalidLocation = errors.New("invalid location")

var (
	ErrLocationEmpty        = fmt.Errorf("%w: location is required", ErrInvalidLocation)
	ErrLocationTooShort     = fmt.Errorf("%w: location too short", ErrInvalidLocation)
	ErrLocationTooLong      = fmt.Errorf("%w: location too long", ErrInvalidLocation)
	ErrLocationInvalidChars = fmt.Errorf("%w: location contains invalid characters", ErrInvalidLocation)
)

// Location validates a query with the default bounds.
func Location(input string) (string, error) {
	return ValidateLocation(input, MinLocationLen, MaxLocationLen)
}

// ValidateLocation trims the input and enforces rune-length bounds (0 disables a bound).
// Letters, digits, space, comma, hyphen, period and apostrophe are allowed, which
// covers queries such as "St. John's,ca". Case is preserved; the cache key lowercases.
func ValidateLocation(input string, minLen, maxLen int) (string, error) {
	s := strings.TrimSpace(input)
	n := len([]rune(s))
	switch {
	case n == 0:
		return "", ErrLocationEmpty
	case minLen > 0 && n < minLen:
		return "", ErrLocationTooShort
	case maxLen > 0 && n > maxLen:
		return "", ErrLocationTooLong
	}
	if strings.IndexFunc(s, func(r rune) bool { return !allowed(r) }) >= 0 {
		return "", ErrLocationInvalidChars
	}
	return s, nil
}

func allowed(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsNumber(r) {
		return true
	}
	switch r {
	case ' ', ',', '-', '.', '\'':
		return true
	}
	return false
}
