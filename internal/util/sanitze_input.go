package util

import (
	"os"
	"regexp"
	"strings"
	"unicode"
)

var phonePattern = regexp.MustCompile(`^\+[1-9][0-9]{7,14}$`)

// CleanText trims s and drops control characters other than newline and tab.
func CleanText(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, strings.TrimSpace(s))
}

// ContainsSuspicious flags free text that looks like markup or template injection.
func ContainsSuspicious(s string) bool {
	lower := strings.ToLower(s)
	for _, c := range []string{"<", ">", "${", "{{", "script", "onerror", "onload"} {
		if strings.Contains(lower, c) {
			return true
		}
	}
	return false
}

// NormalizePhone strips spaces, dashes, dots and parentheses.
func NormalizePhone(phone string) string {
	return strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", ".", "").Replace(strings.TrimSpace(phone))
}

// IsInternationalPhone reports whether phone (already normalized) is E.164.
func IsInternationalPhone(phone string) bool {
	return phonePattern.MatchString(phone)
}

// MaskPhone keeps only the last four digits visible.
func MaskPhone(phone string) string {
	digits := NormalizePhone(phone)
	if len(digits) <= 4 {
		return strings.Repeat("*", len(digits))
	}
	return strings.Repeat("*", len(digits)-4) + digits[len(digits)-4:]
}

func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
