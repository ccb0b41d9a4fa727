package verify

import (
	"regexp"
	"unicode"
)

// Strength buckets for a candidate master password, 0 (very weak) to 4
// (very strong).
type Strength int

const (
	VeryWeak Strength = iota
	Weak
	Moderate
	Strong
	VeryStrong
)

func (s Strength) String() string {
	switch s {
	case VeryWeak:
		return "Very weak"
	case Weak:
		return "Weak"
	case Moderate:
		return "Moderate"
	case Strong:
		return "Strong"
	case VeryStrong:
		return "Very strong"
	default:
		return "Unknown"
	}
}

var commonPattern = regexp.MustCompile(`(?i)(password|123456|qwerty|admin)`)

// Score rates a candidate password: a point each for length >= 8 and >= 12,
// a point per character class present, minus two for well-known patterns,
// clamped to [0,4].
func Score(password string) Strength {
	score := 0
	if len(password) >= 8 {
		score++
	}
	if len(password) >= 12 {
		score++
	}
	var hasUpper, hasLower, hasDigit, hasSymbol bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		default:
			hasSymbol = true
		}
	}
	for _, ok := range []bool{hasUpper, hasLower, hasDigit, hasSymbol} {
		if ok {
			score++
		}
	}
	if commonPattern.MatchString(password) {
		score -= 2
	}
	if score < 0 {
		score = 0
	}
	if score > 4 {
		score = 4
	}
	return Strength(score)
}
