// Package util provides utility functions for the DripFlow application.
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
// Uses math/rand/v2; identifiers are not security sensitive.
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

// GenerateSequenceID generates a unique sequence ID with "seq_" prefix.
func GenerateSequenceID() string {
	return GenerateRandomID("seq_", 32)
}

// GenerateStepID generates a unique step ID with "step_" prefix.
func GenerateStepID() string {
	return GenerateRandomID("step_", 32)
}

// GenerateExecutionID generates a unique execution ID with "exec_" prefix.
func GenerateExecutionID() string {
	return GenerateRandomID("exec_", 32)
}

// GenerateConversationID generates a unique conversation ID with "conv_" prefix.
func GenerateConversationID() string {
	return GenerateRandomID("conv_", 32)
}
