// Package device implements the device-identity half of C5 (core spec
// §4.5): a three-tier device id resolution (session id, telemetry device
// id, stable fingerprint) plus the persistent device registry mentioned in
// §5 ("Device registry (persistent): accessed only by dashboard and by
// sink workers opportunistically ... last-write-wins semantics").
package device

import (
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// osTokens maps a substring found in a User-Agent to a normalized OS
// token. Order matters: more specific substrings are checked first.
var osTokens = []struct {
	substr string
	token  string
}{
	{"Windows", "windows"},
	{"iPhone", "ios"},
	{"iPad", "ios"},
	{"Mac OS X", "macos"},
	{"Macintosh", "macos"},
	{"Android", "android"},
	{"Linux", "linux"},
}

// OSToken parses the OS family out of a User-Agent string. Unknown
// User-Agents map to "other", per core spec §4.5.
func OSToken(userAgent string) string {
	for _, o := range osTokens {
		if strings.Contains(userAgent, o.substr) {
			return o.token
		}
	}
	return "other"
}

// Fingerprint computes the stable truncated hash described in core spec
// §4.5: a 128-bit BLAKE2b digest (preferred explicitly over truncated
// SHA-256 per the spec's own wording, "128-bit BLAKE2 / SHA-256 first 16
// bytes") of clientIP || osToken || userAgentToken, hex-encoded.
func Fingerprint(clientIP, osToken, userAgentToken string) string {
	h, err := blake2b.New(16, nil)
	if err != nil {
		// blake2b.New only errors for an out-of-range key, never for a
		// nil key with a valid size; unreachable in practice.
		panic(err)
	}
	h.Write([]byte(clientIP))
	h.Write([]byte{0})
	h.Write([]byte(osToken))
	h.Write([]byte{0})
	h.Write([]byte(userAgentToken))
	return hex.EncodeToString(h.Sum(nil))
}

// ResolveID implements the three-tier fallback in core spec §4.5:
// session id from the request body, then a telemetry device id, then the
// fingerprint. Empty sessionID/telemetryDeviceID are treated as absent.
func ResolveID(sessionID, telemetryDeviceID, clientIP, userAgent string) string {
	if sessionID != "" {
		return sessionID
	}
	if telemetryDeviceID != "" {
		return telemetryDeviceID
	}
	return Fingerprint(clientIP, OSToken(userAgent), userAgentToken(userAgent))
}

// userAgentToken extracts the leading product token of a User-Agent
// string (e.g. "Mozilla/5.0" -> "Mozilla/5.0", "claude-code/1.2" ->
// "claude-code/1.2"), used as the third fingerprint input.
func userAgentToken(userAgent string) string {
	fields := strings.Fields(userAgent)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
