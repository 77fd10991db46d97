// Package fingerprint computes stable deduplication signatures for
// server-side failures. Two occurrences of "the same" failure must hash
// identically even when the message embeds volatile identifiers, so the
// message is normalized before hashing.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
)

var (
	uuidPattern    = regexp.MustCompile(`(?i)[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)
	longNumPattern = regexp.MustCompile(`\b\d{5,}\b`)
	ipv4Pattern    = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
)

// NormalizeMessage replaces UUIDs, numeric ids of 5+ digits, and IPv4
// addresses with fixed placeholders, in that order. Shorter numeric ids
// are left alone; the 5-digit threshold is deliberate dedup behavior.
func NormalizeMessage(message string) string {
	message = uuidPattern.ReplaceAllString(message, "<UUID>")
	message = longNumPattern.ReplaceAllString(message, "<ID>")
	message = ipv4Pattern.ReplaceAllString(message, "<IP>")
	return message
}

// Signature returns the SHA-256 hex digest identifying a failure class.
// errorKind may be empty, in which case "HTTP5xx" is used so that plain
// 5xx responses without a recovered error still dedup by path+message.
func Signature(errorKind, path, message string) string {
	if errorKind == "" {
		errorKind = "HTTP5xx"
	}
	sum := sha256.Sum256([]byte(errorKind + "|" + path + "|" + NormalizeMessage(message)))
	return hex.EncodeToString(sum[:])
}
