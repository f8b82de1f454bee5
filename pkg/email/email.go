package email

import (
	"strings"
	"unicode"
)

// RecipientName resolves the display name for outbound notifications. It
// prefers the staged person name and falls back to deriving one from the
// contact email's local part.
func RecipientName(first, last, address string) string {
	first = strings.TrimSpace(first)
	last = strings.TrimSpace(last)
	if first != "" || last != "" {
		return strings.TrimSpace(first + " " + last)
	}
	df, dl := deriveFromAddress(address)
	return strings.TrimSpace(df + " " + dl)
}

func deriveFromAddress(address string) (string, string) {
	localPart := address
	if at := strings.IndexByte(address, '@'); at > 0 {
		localPart = address[:at]
	}

	parts := strings.FieldsFunc(localPart, func(r rune) bool {
		return r == '.' || r == '_' || r == '-' || r == '+'
	})

	if len(parts) == 0 {
		return "Member", ""
	}

	first := capitalize(parts[0])
	last := ""
	if len(parts) > 1 {
		last = capitalize(parts[len(parts)-1])
	}

	return first, last
}

// Normalize lowercases and trims an address for use as a natural key.
func Normalize(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

func capitalize(s string) string {
	if s == "" {
		return s
	}

	runes := []rune(s)
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}
