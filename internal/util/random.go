// Package util provides ID generation and environment parsing helpers for WhatsHook.
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
// It is not suitable for secrets.
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

// GenerateMessageRecordID generates the internal store id of a message, "msg_" plus 32 hex chars.
func GenerateMessageRecordID() string {
	return GenerateRandomID("msg_", 32)
}

// GenerateInjectedMessageID generates a transport message id for synthetic events.
func GenerateInjectedMessageID() string {
	return GenerateRandomID("INJ", 20)
}
