// Package phone normalizes raw phone identifiers into canonical digit strings
// and expands them into the small set of equivalent variants used as the join
// key for conversation and profile lookups.
//
// The deployment is pinned to one country code; variants cover the number
// with and without that prefix so a customer is matched no matter which form
// the gateway delivers.
package phone

import "strings"

// CountryCode is the fixed country code for this deployment.
const CountryCode = "91"

// nationalNumberLength is the digit length of a national number without the
// country code.
const nationalNumberLength = 10

// Normalize strips everything but digits from a raw phone identifier.
// WhatsApp JIDs ("919876543210@s.whatsapp.net"), E.164 ("+919876543210") and
// Twilio-prefixed forms ("whatsapp:+919876543210") all reduce to the same
// canonical digit string.
func Normalize(raw string) string {
	if i := strings.IndexByte(raw, '@'); i >= 0 {
		raw = raw[:i]
	}
	var b strings.Builder
	b.Grow(len(raw))
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if c >= '0' && c <= '9' {
			b.WriteByte(c)
		}
	}
	return b.String()
}

// Variants returns the set of digit strings equivalent to raw: the canonical
// form first, then the form with the country code stripped or prepended.
// Empty input yields an empty set; downstream lookups treat that as
// "not found" rather than erroring.
func Variants(raw string) []string {
	canonical := Normalize(raw)
	if canonical == "" {
		return nil
	}

	variants := []string{canonical}
	seen := map[string]bool{canonical: true}

	add := func(v string) {
		if v != "" && !seen[v] {
			variants = append(variants, v)
			seen[v] = true
		}
	}

	if strings.HasPrefix(canonical, CountryCode) && len(canonical) == len(CountryCode)+nationalNumberLength {
		add(canonical[len(CountryCode):])
	}
	if len(canonical) == nationalNumberLength {
		add(CountryCode + canonical)
	}

	return variants
}

// NationalSuffix returns the trailing national-number digits of raw, used as
// the loose fallback key when no exact variant matches. Numbers shorter than
// a national number are returned as-is.
func NationalSuffix(raw string) string {
	canonical := Normalize(raw)
	if len(canonical) <= nationalNumberLength {
		return canonical
	}
	return canonical[len(canonical)-nationalNumberLength:]
}
