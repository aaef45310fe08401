// Package util provides utility functions for the ShopFlow application.
package util

import (
	"math/rand/v2"
	"strings"
)

// GenerateRandomID generates a random ID with the specified prefix and hex length.
// The returned ID will be in the format: "{prefix}{hex_string}".
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex generates a random hexadecimal string of the specified length.
// Uses math/rand/v2; not suitable for cryptographic purposes.
func GenerateRandomHex(length int) string {
	if length <= 0 {
		return ""
	}

	const hexChars = "0123456789abcdef"
	var builder strings.Builder
	builder.Grow(length)

	for i := 0; i < length; i++ {
		builder.WriteByte(hexChars[rand.IntN(16)])
	}

	return builder.String()
}

// GenerateConversationID generates a unique conversation ID with "conv_" prefix.
func GenerateConversationID() string {
	return GenerateRandomID("conv_", 32)
}

// GenerateProfileID generates a unique customer profile ID with "cust_" prefix.
func GenerateProfileID() string {
	return GenerateRandomID("cust_", 32)
}

// GenerateOrderID generates a unique order ID with "ord_" prefix.
func GenerateOrderID() string {
	return GenerateRandomID("ord_", 32)
}
