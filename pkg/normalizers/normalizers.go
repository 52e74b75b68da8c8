// Package normalizers canonicalizes raw contact values into comparable keys
package normalizers

import (
	"strings"
	"unicode"
)

// Normalizer is a function that normalizes a string value
type Normalizer func(string) string

// registry holds all registered normalizers
var registry = make(map[string]Normalizer)

func init() {
	Register("lowercase", Lowercase)
	Register("trim", Trim)
	Register("nphone", NormalizePhone)
	Register("nemail", NormalizeEmail)
	Register("ncompany", NormalizeCompany)
	Register("collapse_whitespace", CollapseWhitespace)
	Register("digits_only", DigitsOnly)
}

// Register adds a normalizer to the registry
func Register(name string, fn Normalizer) {
	registry[name] = fn
}

// Get retrieves a normalizer by name
func Get(name string) (Normalizer, bool) {
	fn, ok := registry[name]
	return fn, ok
}

// Apply applies a named normalizer to a value. Unknown names leave the value untouched.
func Apply(value, normalizer string) string {
	fn, ok := registry[normalizer]
	if !ok {
		return value
	}
	return fn(value)
}

// ApplyChain applies multiple normalizers in sequence
func ApplyChain(value string, normalizers ...string) string {
	result := value
	for _, name := range normalizers {
		result = Apply(result, name)
	}
	return result
}

// gmailDomains ignore dots in the local part and route +aliases to the base mailbox.
var gmailDomains = map[string]struct{}{
	"gmail.com":      {},
	"googlemail.com": {},
}

// Lowercase converts string to lowercase
func Lowercase(s string) string {
	return strings.ToLower(s)
}

// Trim removes leading and trailing whitespace
func Trim(s string) string {
	return strings.TrimSpace(s)
}

// NormalizeEmail produces the dedup key for an email address.
//   - lowercase and trim
//   - gmail-style domains: drop every dot in the local part, then cut at the first '+'
//   - other domains: cut the local part at the first '+'
//
// Input without an '@' is only lowercased and trimmed.
func NormalizeEmail(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ""
	}

	at := strings.LastIndex(s, "@")
	if at < 0 {
		return s
	}
	local, domain := s[:at], s[at+1:]

	if _, ok := gmailDomains[domain]; ok {
		local = strings.ReplaceAll(local, ".", "")
	}
	if plus := strings.Index(local, "+"); plus >= 0 {
		local = local[:plus]
	}

	return local + "@" + domain
}

// EmailParts splits a normalized email into local part and domain.
// ok is false when either side is empty.
func EmailParts(email string) (local, domain string, ok bool) {
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return "", "", false
	}
	return email[:at], email[at+1:], true
}

// NormalizePhone removes all non-digit characters and folds the US country code:
// eleven digits starting with 1 lose the leading 1. Anything else is kept as-is.
func NormalizePhone(s string) string {
	digits := DigitsOnly(s)
	if len(digits) == 11 && digits[0] == '1' {
		return digits[1:]
	}
	return digits
}

// NormalizeCompany lowercases and collapses whitespace so company names compare on content.
func NormalizeCompany(s string) string {
	return CollapseWhitespace(strings.ToLower(s))
}

// CollapseWhitespace trims and squeezes internal runs of whitespace to single spaces
func CollapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Tokens lowercases s and splits it on whitespace.
func Tokens(s string) []string {
	return strings.Fields(strings.ToLower(s))
}

// DigitsOnly keeps only digit characters
func DigitsOnly(s string) string {
	var result strings.Builder
	for _, r := range s {
		if unicode.IsDigit(r) {
			result.WriteRune(r)
		}
	}
	return result.String()
}
