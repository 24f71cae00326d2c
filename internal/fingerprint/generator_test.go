package fingerprint

import (
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/netguise/api/schemas"
	"github.com/xkilldash9x/netguise/internal/config"
)

func newTestGenerator(t *testing.T, shuffle float64) *Generator {
	t.Helper()
	cfg := config.NewDefaultConfig().Fingerprint
	cfg.ShuffleProbability = shuffle
	return NewGenerator(cfg, NewCatalogStore(), zap.NewNop())
}

func TestSelectProfile_ExactMatch(t *testing.T) {
	g := newTestGenerator(t, 0)

	p := g.SelectProfile("firefox", "latest", "linux")
	require.NotNil(t, p)
	assert.Equal(t, "firefox-latest-linux", p.Name)
}

func TestSelectProfile_FallbackIsDeterministicAndCounted(t *testing.T) {
	g := newTestGenerator(t, 0)

	first := g.SelectProfile("netscape", "4.7", "beos")
	second := g.SelectProfile("netscape", "4.7", "beos")
	require.NotNil(t, first)
	assert.Equal(t, first.Name, second.Name, "fallback must never be random")
	assert.Equal(t, "chrome-latest-windows", first.Name)
	assert.Equal(t, int64(2), g.Stats().ProfileFallback)
}

func TestBuildFingerprint_DeterministicWithoutShuffle(t *testing.T) {
	g := newTestGenerator(t, 0)
	profile, ok := NewCatalogStore().Get("chrome-latest-windows")
	require.True(t, ok)

	a := g.BuildFingerprint(profile, "sess-1")
	b := g.BuildFingerprint(profile, "sess-1")

	assert.Equal(t, a.JA3, b.JA3)
	assert.Equal(t, a.JA4, b.JA4)
	assert.Equal(t, a.Ciphers, b.Ciphers)
	assert.Equal(t, a.Extensions, b.Extensions)
}

func TestBuildFingerprint_ShufflePreservesCipherMultiset(t *testing.T) {
	g := newTestGenerator(t, 1.0)
	g.SetRandSource(rand.NewSource(42))
	profile, ok := NewCatalogStore().Get("chrome-latest-windows")
	require.True(t, ok)

	for i := 0; i < 50; i++ {
		fp := g.BuildFingerprint(profile, "sess-1")

		got := append([]uint16(nil), fp.Ciphers...)
		want := append([]uint16(nil), profile.CipherSuites...)
		sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
		sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })
		require.Equal(t, want, got, "shuffle must never add, drop or duplicate a suite")

		// Swaps are confined to the head window.
		assert.Equal(t, profile.CipherSuites[shuffleWindow:], fp.Ciphers[shuffleWindow:])
	}
}

func TestBuildFingerprint_ExtensionsSortedByType(t *testing.T) {
	g := newTestGenerator(t, 0)
	profile, ok := NewCatalogStore().Get("chrome-latest-windows")
	require.True(t, ok)

	fp := g.BuildFingerprint(profile, "sess-1")
	assert.True(t, sort.SliceIsSorted(fp.Extensions, func(i, j int) bool {
		return fp.Extensions[i] < fp.Extensions[j]
	}))
	assert.Contains(t, fp.Extensions, extServerName)
	assert.Contains(t, fp.Extensions, extSupportedVersions)
	assert.Contains(t, fp.Extensions, extKeyShare, "TLS 1.3 profile must offer key_share")
	assert.Contains(t, fp.Extensions, extPSKKeyExchangeModes)
}

func TestBuildFingerprint_TLS12ProfileSkipsKeyShare(t *testing.T) {
	g := newTestGenerator(t, 0)
	profile, ok := NewCatalogStore().Get("chrome-91-windows")
	require.True(t, ok)

	fp := g.BuildFingerprint(profile, "sess-1")
	assert.Equal(t, VersionTLS12, fp.TLSVersion)
	assert.NotContains(t, fp.Extensions, extKeyShare)
	assert.NotContains(t, fp.Extensions, extPSKKeyExchangeModes)
}

func TestGetOrCreate_ReturnsIdenticalBinding(t *testing.T) {
	g := newTestGenerator(t, 0)

	first := g.GetOrCreate("sess-7", schemas.ScopeSession)
	second := g.GetOrCreate("sess-7", schemas.ScopeSession)

	assert.Same(t, first, second, "unexpired binding must be returned unchanged")
}

func TestGetOrCreate_ScopesAreIndependent(t *testing.T) {
	g := newTestGenerator(t, 0)

	session := g.GetOrCreate("key-1", schemas.ScopeSession)
	user := g.GetOrCreate("key-1", schemas.ScopeUser)
	global := g.GetOrCreate("anything", schemas.ScopeGlobal)
	globalAgain := g.GetOrCreate("something-else", schemas.ScopeGlobal)

	assert.NotSame(t, session, user)
	assert.Same(t, global, globalAgain, "global scope shares one binding")
}

func TestGetOrCreate_ExpiredBindingIsRebuilt(t *testing.T) {
	cfg := config.NewDefaultConfig().Fingerprint
	cfg.ShuffleProbability = 0
	cfg.BindingTTL = time.Nanosecond
	g := NewGenerator(cfg, NewCatalogStore(), zap.NewNop())

	first := g.GetOrCreate("sess-9", schemas.ScopeSession)
	time.Sleep(2 * time.Millisecond)
	second := g.GetOrCreate("sess-9", schemas.ScopeSession)

	assert.NotSame(t, first, second)
}

func TestRotate_NeverReturnsPreviousProfile(t *testing.T) {
	g := newTestGenerator(t, 0)
	g.SetRandSource(rand.NewSource(7))

	fp := g.GetOrCreate("sess-2", schemas.ScopeSession)
	previous := fp.ProfileName
	for i := 0; i < 25; i++ {
		rotated, record := g.Rotate("sess-2", schemas.ScopeSession, "scheduled")
		assert.NotEqual(t, previous, rotated.ProfileName)
		assert.Equal(t, "scheduled", record.Reason)
		assert.Equal(t, rotated.JA3, record.NewValue)
		previous = rotated.ProfileName
	}
}

func TestRotate_RecordsOldAndNewJA3(t *testing.T) {
	g := newTestGenerator(t, 0)

	fp := g.GetOrCreate("sess-3", schemas.ScopeSession)
	rotated, record := g.Rotate("sess-3", schemas.ScopeSession, "emergency")

	assert.Equal(t, fp.JA3, record.OldValue)
	assert.Equal(t, rotated.JA3, record.NewValue)
	assert.Equal(t, "fingerprint", record.Kind)
	assert.False(t, record.Timestamp.IsZero())
}

func TestStats_TracksGeneratedAndRotations(t *testing.T) {
	g := newTestGenerator(t, 0)

	g.GetOrCreate("a", schemas.ScopeSession)
	g.GetOrCreate("b", schemas.ScopeSession)
	g.Rotate("a", schemas.ScopeSession, "scheduled")

	stats := g.Stats()
	assert.Equal(t, int64(3), stats.Generated)
	assert.Equal(t, int64(1), stats.Rotations)
	assert.Equal(t, 2, stats.ActiveBindings)
}
