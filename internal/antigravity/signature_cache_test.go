package antigravity

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validSignature(seed string) string {
	return seed + strings.Repeat("A", MinSignatureLength)
}

func TestSignatureCacheToolRoundTrip(t *testing.T) {
	c := NewSignatureCache()
	sig := validSignature("tool")

	c.CacheToolSignature("toolu_01", sig)
	assert.Equal(t, sig, c.GetToolSignature("toolu_01"))
	assert.Empty(t, c.GetToolSignature("toolu_missing"))
}

func TestSignatureCacheRejectsShortSignatures(t *testing.T) {
	c := NewSignatureCache()

	c.CacheToolSignature("toolu_01", "short")
	assert.Empty(t, c.GetToolSignature("toolu_01"))

	c.CacheSessionSignature("session-1", "short")
	assert.Empty(t, c.GetSessionSignature("session-1"))
}

func TestSignatureCacheTTLExpiry(t *testing.T) {
	c := NewSignatureCache()
	base := time.Now()
	c.now = func() time.Time { return base }

	sig := validSignature("ttl")
	c.CacheToolSignature("toolu_01", sig)
	c.CacheSessionSignature("session-1", sig)
	c.CacheTextSignature("session-1", "some thinking text", sig)
	c.CacheSignatureFamily(sig, "gemini-3-pro")

	c.now = func() time.Time { return base.Add(SignatureCacheTTL + time.Minute) }

	assert.Empty(t, c.GetToolSignature("toolu_01"))
	assert.Empty(t, c.GetSessionSignature("session-1"))
	assert.Empty(t, c.GetTextSignature("session-1", "some thinking text"))
	assert.Empty(t, c.GetSignatureFamily(sig))

	// Expired entries are removed on lookup; a second lookup behaves the same.
	assert.Empty(t, c.GetToolSignature("toolu_01"))
	assert.Empty(t, c.GetSessionSignature("session-1"))
}

func TestSessionSignatureLongerWins(t *testing.T) {
	c := NewSignatureCache()

	longer := validSignature("longer-seed")
	shorter := validSignature("s")
	require.Greater(t, len(longer), len(shorter))

	c.CacheSessionSignature("session-1", longer)
	c.CacheSessionSignature("session-1", shorter)
	assert.Equal(t, longer, c.GetSessionSignature("session-1"))

	evenLonger := validSignature("much-longer-seed-text")
	c.CacheSessionSignature("session-1", evenLonger)
	assert.Equal(t, evenLonger, c.GetSessionSignature("session-1"))
}

func TestSessionSignatureExpiredEntryIsReplaceable(t *testing.T) {
	c := NewSignatureCache()
	base := time.Now()
	c.now = func() time.Time { return base }

	c.CacheSessionSignature("session-1", validSignature("original-longer"))

	c.now = func() time.Time { return base.Add(SignatureCacheTTL + time.Minute) }

	shorter := validSignature("s")
	c.CacheSessionSignature("session-1", shorter)
	assert.Equal(t, shorter, c.GetSessionSignature("session-1"))
}

func TestTextSignatureLookup(t *testing.T) {
	c := NewSignatureCache()
	sig := validSignature("text")

	c.CacheTextSignature("session-1", "the exact thinking text", sig)

	assert.Equal(t, sig, c.GetTextSignature("session-1", "the exact thinking text"))
	assert.Empty(t, c.GetTextSignature("session-1", "different text"))
	assert.Empty(t, c.GetTextSignature("session-2", "the exact thinking text"))
}

func TestSignatureFamilyCompatibility(t *testing.T) {
	c := NewSignatureCache()
	sig := validSignature("family")

	c.CacheSignatureFamily(sig, "gemini-3-pro-preview")
	assert.Equal(t, "gemini-3", c.GetSignatureFamily(sig))
	assert.Empty(t, c.GetSignatureFamily(validSignature("unknown")))
}

func TestSignatureCacheSurfaceEviction(t *testing.T) {
	c := NewSignatureCache()
	base := time.Now()
	step := 0
	c.now = func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Second)
	}

	for i := 0; i < MaxEntriesPerSurface+10; i++ {
		c.CacheToolSignature(fmt.Sprintf("toolu_%04d", i), validSignature("evict"))
	}

	c.mu.Lock()
	size := len(c.toolSignatures)
	c.mu.Unlock()
	assert.LessOrEqual(t, size, MaxEntriesPerSurface)

	// The newest entry survives; the very oldest was evicted.
	assert.NotEmpty(t, c.GetToolSignature(fmt.Sprintf("toolu_%04d", MaxEntriesPerSurface+9)))
	assert.Empty(t, c.GetToolSignature("toolu_0000"))
}

func TestSignatureCachePerSessionEviction(t *testing.T) {
	c := NewSignatureCache()
	base := time.Now()
	step := 0
	c.now = func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Second)
	}

	for i := 0; i < MaxEntriesPerSession; i++ {
		c.CacheTextSignature("session-1", fmt.Sprintf("thinking %d", i), validSignature("per-session"))
	}
	c.CacheTextSignature("session-1", "one more", validSignature("per-session"))

	c.mu.Lock()
	size := len(c.sessionByText["session-1"])
	c.mu.Unlock()
	assert.LessOrEqual(t, size, MaxEntriesPerSession)
	assert.NotEmpty(t, c.GetTextSignature("session-1", "one more"))
}

func TestSignatureCacheClearSession(t *testing.T) {
	c := NewSignatureCache()
	sig := validSignature("clear")

	c.CacheSessionSignature("session-1", sig)
	c.CacheTextSignature("session-1", "text", sig)
	c.ClearSession("session-1")

	assert.Empty(t, c.GetSessionSignature("session-1"))
	assert.Empty(t, c.GetTextSignature("session-1", "text"))
}

func TestHasValidSignature(t *testing.T) {
	assert.True(t, HasValidSignature(validSignature("x")))
	assert.False(t, HasValidSignature("short"))
	assert.False(t, HasValidSignature(""))
	assert.False(t, HasValidSignature(SkipSignatureValidator))
}
