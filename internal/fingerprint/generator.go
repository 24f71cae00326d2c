package fingerprint

import (
	"hash/fnv"
	"math/rand"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/netguise/api/schemas"
	"github.com/xkilldash9x/netguise/internal/config"
	"github.com/xkilldash9x/netguise/internal/metrics"
)

// shuffleWindow confines the randomized cipher swaps to the head of the list,
// where real browser builds also vary between releases.
const shuffleWindow = 8

// maxShuffleSwaps caps how many pairwise swaps a single build may apply.
const maxShuffleSwaps = 3

type binding struct {
	fp        *schemas.TLSFingerprint
	profile   string
	createdAt time.Time
}

// Generator owns fingerprint construction, per-scope binding reuse and
// rotation. All methods are safe for concurrent use.
type Generator struct {
	cfg      config.FingerprintConfig
	profiles ProfileStore
	log      *zap.Logger

	mu       sync.Mutex
	bindings map[string]*binding
	rng      *rand.Rand

	generated int64
	rotations int64
	fallbacks int64
	byProfile map[string]int
}

// NewGenerator creates a Generator over the given catalog.
func NewGenerator(cfg config.FingerprintConfig, profiles ProfileStore, logger *zap.Logger) *Generator {
	return &Generator{
		cfg:       cfg,
		profiles:  profiles,
		log:       logger.Named("fingerprint"),
		bindings:  make(map[string]*binding),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		byProfile: make(map[string]int),
	}
}

// SetRandSource replaces the generator's randomness. Tests use this to make
// the cipher shuffle reproducible.
func (g *Generator) SetRandSource(src rand.Source) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rng = rand.New(src)
}

// SelectProfile returns the catalog entry exactly matching the requested
// browser build, or the configured default. An unknown browser is never an
// error: availability wins over strictness, and the fallback is logged.
func (g *Generator) SelectProfile(browser, version, platform string) *schemas.BrowserProfile {
	if p, ok := g.profiles.Find(browser, version, platform); ok {
		return p
	}

	g.mu.Lock()
	g.fallbacks++
	g.mu.Unlock()
	g.log.Warn("No profile for requested browser, using default",
		zap.String("browser", browser),
		zap.String("version", version),
		zap.String("platform", platform),
		zap.String("default", g.cfg.DefaultProfile))

	if p, ok := g.profiles.Get(g.cfg.DefaultProfile); ok {
		return p
	}
	// The default itself is missing from the catalog; take the first entry
	// in name order so the choice stays deterministic.
	names := g.profiles.Names()
	if len(names) == 0 {
		return nil
	}
	p, _ := g.profiles.Get(names[0])
	return p
}

// BuildFingerprint realizes a session-bound TLSFingerprint from a profile.
// The cipher multiset, the extension set and both hashes are fully determined
// by the profile except for the bounded head shuffle.
func (g *Generator) BuildFingerprint(profile *schemas.BrowserProfile, sessionID string) *schemas.TLSFingerprint {
	version := profile.MaxTLSVersion
	if version > VersionTLS13 {
		version = VersionTLS13
	}
	if version < VersionTLS12 {
		version = VersionTLS12
	}

	ciphers := make([]uint16, len(profile.CipherSuites))
	copy(ciphers, profile.CipherSuites)
	g.maybeShuffle(ciphers)

	extensions := assembleExtensions(profile, version)

	rawJA3 := ja3String(version, ciphers, extensions, profile.SupportedGroups, profile.ECPointFormats)

	primaryALPN := ""
	if len(profile.ALPNProtocols) > 0 {
		primaryALPN = profile.ALPNProtocols[0]
	}
	a := ja4A(true, len(ciphers), len(extensions), primaryALPN)

	fp := &schemas.TLSFingerprint{
		SessionID:   sessionID,
		ProfileName: profile.Name,
		TLSVersion:  version,
		Ciphers:     ciphers,
		Extensions:  extensions,
		Curves:      append([]uint16(nil), profile.SupportedGroups...),
		PointFmts:   append([]uint8(nil), profile.ECPointFormats...),
		ALPN:        append([]string(nil), profile.ALPNProtocols...),
		SNIPresent:  true,
		JA3:         ja3Hash(rawJA3),
		JA4:         ja4Hash(a, ja4B(ciphers), ja4C(extensions)),
		CreatedAt:   time.Now().UTC(),
	}

	g.mu.Lock()
	g.generated++
	g.byProfile[profile.Name]++
	g.mu.Unlock()
	metrics.FingerprintsGenerated.Inc()
	return fp
}

// maybeShuffle applies up to maxShuffleSwaps pairwise swaps inside the head
// window with the configured probability. Swaps never add, drop or duplicate
// a suite.
func (g *Generator) maybeShuffle(ciphers []uint16) {
	if g.cfg.ShuffleProbability <= 0 || len(ciphers) < 2 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.rng.Float64() >= g.cfg.ShuffleProbability {
		return
	}
	window := shuffleWindow
	if len(ciphers) < window {
		window = len(ciphers)
	}
	swaps := 1 + g.rng.Intn(maxShuffleSwaps)
	for n := 0; n < swaps; n++ {
		i := g.rng.Intn(window)
		j := g.rng.Intn(window)
		ciphers[i], ciphers[j] = ciphers[j], ciphers[i]
	}
}

// assembleExtensions builds the extension type list: the mandatory structural
// set, the profile-conditional set, and the TLS 1.3 key exchange extensions,
// sorted ascending by type code.
func assembleExtensions(profile *schemas.BrowserProfile, version uint16) []uint16 {
	exts := []uint16{
		extServerName,
		extSupportedGroups,
		extECPointFormats,
		extSignatureAlgorithms,
		extSupportedVersions,
	}
	if profile.ExtendedMasterSecret {
		exts = append(exts, extExtendedMasterSecret)
	}
	if profile.SessionTicket {
		exts = append(exts, extSessionTicket)
	}
	if len(profile.ALPNProtocols) > 0 {
		exts = append(exts, extALPN)
	}
	if profile.StatusRequest {
		exts = append(exts, extStatusRequest)
	}
	if version >= VersionTLS13 {
		exts = append(exts, extKeyShare, extPSKKeyExchangeModes)
	}
	sort.Slice(exts, func(i, j int) bool { return exts[i] < exts[j] })
	return exts
}

// GetOrCreate returns the live binding for (scope, key) unchanged, or builds
// and stores a new one. The profile for a fresh binding is derived
// deterministically from the key so the same key always starts from the same
// identity.
func (g *Generator) GetOrCreate(key string, scope schemas.ConsistencyScope) *schemas.TLSFingerprint {
	bk := bindingKey(scope, key)

	g.mu.Lock()
	if b, ok := g.bindings[bk]; ok && !g.expiredLocked(b) {
		fp := b.fp
		g.mu.Unlock()
		return fp
	}
	g.mu.Unlock()

	profile := g.profileForKey(key)
	fp := g.BuildFingerprint(profile, key)
	fp.Scope = scope

	g.mu.Lock()
	defer g.mu.Unlock()
	// A concurrent caller may have bound first; honor its binding so both
	// callers observe the identical fingerprint.
	if b, ok := g.bindings[bk]; ok && !g.expiredLocked(b) {
		return b.fp
	}
	g.bindings[bk] = &binding{fp: fp, profile: profile.Name, createdAt: time.Now()}
	return fp
}

// Rotate replaces the binding for the session with a fingerprint built from a
// different profile and returns the new fingerprint plus the history record.
// Reason is free-form ("scheduled", "emergency", "advanced", ...).
func (g *Generator) Rotate(key string, scope schemas.ConsistencyScope, reason string) (*schemas.TLSFingerprint, schemas.RotationRecord) {
	bk := bindingKey(scope, key)

	g.mu.Lock()
	oldJA3 := ""
	exclude := ""
	if b, ok := g.bindings[bk]; ok {
		oldJA3 = b.fp.JA3
		exclude = b.profile
	}

	names := g.profiles.Names()
	candidates := names[:0:0]
	for _, name := range names {
		if name != exclude {
			candidates = append(candidates, name)
		}
	}
	if len(candidates) == 0 {
		candidates = names
	}
	next := candidates[g.rng.Intn(len(candidates))]
	g.mu.Unlock()

	profile, _ := g.profiles.Get(next)
	fp := g.BuildFingerprint(profile, key)
	fp.Scope = scope

	g.mu.Lock()
	g.bindings[bk] = &binding{fp: fp, profile: profile.Name, createdAt: time.Now()}
	g.rotations++
	g.mu.Unlock()

	record := schemas.RotationRecord{
		SessionID: key,
		Kind:      "fingerprint",
		OldValue:  oldJA3,
		NewValue:  fp.JA3,
		Reason:    reason,
		Timestamp: time.Now().UTC(),
	}
	metrics.Rotations.WithLabelValues("fingerprint", reason).Inc()
	g.log.Debug("Rotated fingerprint",
		zap.String("session_id", key),
		zap.String("reason", reason),
		zap.String("old_ja3", oldJA3),
		zap.String("new_ja3", fp.JA3))
	return fp, record
}

// Release drops every binding for the key across all scopes that belong to
// it. Session teardown calls this.
func (g *Generator) Release(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.bindings, bindingKey(schemas.ScopeSession, key))
	delete(g.bindings, bindingKey(schemas.ScopeUser, key))
}

// Stats returns a snapshot for dashboards.
func (g *Generator) Stats() schemas.FingerprintStats {
	g.mu.Lock()
	defer g.mu.Unlock()
	byProfile := make(map[string]int, len(g.byProfile))
	for k, v := range g.byProfile {
		byProfile[k] = v
	}
	return schemas.FingerprintStats{
		ActiveBindings:  len(g.bindings),
		Generated:       g.generated,
		Rotations:       g.rotations,
		ProfileFallback: g.fallbacks,
		ByProfile:       byProfile,
	}
}

func (g *Generator) expiredLocked(b *binding) bool {
	return g.cfg.BindingTTL > 0 && time.Since(b.createdAt) > g.cfg.BindingTTL
}

// profileForKey maps a binding key onto the catalog deterministically.
func (g *Generator) profileForKey(key string) *schemas.BrowserProfile {
	names := g.profiles.Names()
	if len(names) == 0 {
		return nil
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	p, _ := g.profiles.Get(names[int(h.Sum32())%len(names)])
	return p
}

func bindingKey(scope schemas.ConsistencyScope, key string) string {
	if scope == schemas.ScopeGlobal {
		return "global"
	}
	return string(scope) + ":" + key
}
