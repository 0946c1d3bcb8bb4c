package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOSToken_KnownAndUnknown(t *testing.T) {
	assert.Equal(t, "windows", OSToken("Mozilla/5.0 (Windows NT 10.0; Win64; x64)"))
	assert.Equal(t, "macos", OSToken("Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7)"))
	assert.Equal(t, "linux", OSToken("Mozilla/5.0 (X11; Linux x86_64)"))
	assert.Equal(t, "other", OSToken("SomeExoticClient/1.0"))
}

func TestFingerprint_StableForSameInputs(t *testing.T) {
	a := Fingerprint("1.2.3.4", "linux", "claude-code/1.0")
	b := Fingerprint("1.2.3.4", "linux", "claude-code/1.0")
	assert.Equal(t, a, b)
	assert.Len(t, a, 32) // 16 bytes hex-encoded
}

func TestFingerprint_DiffersOnIPChange(t *testing.T) {
	a := Fingerprint("1.2.3.4", "linux", "claude-code/1.0")
	b := Fingerprint("5.6.7.8", "linux", "claude-code/1.0")
	assert.NotEqual(t, a, b)
}

func TestResolveID_PrefersSessionIDThenTelemetryThenFingerprint(t *testing.T) {
	assert.Equal(t, "sess-1", ResolveID("sess-1", "dev-2", "1.2.3.4", "ua"))
	assert.Equal(t, "dev-2", ResolveID("", "dev-2", "1.2.3.4", "ua"))
	assert.Equal(t, Fingerprint("1.2.3.4", OSToken("ua"), "ua"), ResolveID("", "", "1.2.3.4", "ua"))
}
