package fingerprint

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/xkilldash9x/netguise/api/schemas"
)

// TLS extension type codes assembled into fingerprints. Order on the wire is
// itself fingerprint-relevant, which is why the builder stable-sorts by these
// numeric values.
const (
	extServerName           uint16 = 0
	extStatusRequest        uint16 = 5
	extSupportedGroups      uint16 = 10
	extECPointFormats       uint16 = 11
	extSignatureAlgorithms  uint16 = 13
	extALPN                 uint16 = 16
	extExtendedMasterSecret uint16 = 23
	extSessionTicket        uint16 = 35
	extSupportedVersions    uint16 = 43
	extPSKKeyExchangeModes  uint16 = 45
	extKeyShare             uint16 = 51
)

// TLS protocol versions we are willing to offer.
const (
	VersionTLS12 uint16 = 0x0303
	VersionTLS13 uint16 = 0x0304
)

// ProfileStore provides read access to the immutable browser profile catalog.
type ProfileStore interface {
	// Get returns the profile with the given catalog name.
	Get(name string) (*schemas.BrowserProfile, bool)
	// Find returns the profile exactly matching browser, version and platform.
	Find(browser, version, platform string) (*schemas.BrowserProfile, bool)
	// Names returns all catalog names in sorted order.
	Names() []string
}

// CatalogStore is the in-memory ProfileStore. Profiles never change after
// load, so reads need no copying beyond the map lookup.
type CatalogStore struct {
	mu       sync.RWMutex
	profiles map[string]*schemas.BrowserProfile
}

// NewCatalogStore returns a store seeded with the built-in profiles.
func NewCatalogStore() *CatalogStore {
	s := &CatalogStore{profiles: make(map[string]*schemas.BrowserProfile)}
	for i := range builtinProfiles {
		p := builtinProfiles[i]
		s.profiles[p.Name] = &p
	}
	return s
}

// LoadFile merges profiles from a JSON catalog file, overriding built-ins
// with the same name.
func (s *CatalogStore) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read profile catalog: %w", err)
	}
	var profiles []schemas.BrowserProfile
	if err := json.Unmarshal(data, &profiles); err != nil {
		return fmt.Errorf("failed to parse profile catalog: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range profiles {
		p := profiles[i]
		s.profiles[p.Name] = &p
	}
	return nil
}

func (s *CatalogStore) Get(name string) (*schemas.BrowserProfile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[name]
	return p, ok
}

func (s *CatalogStore) Find(browser, version, platform string) (*schemas.BrowserProfile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, name := range s.sortedNamesLocked() {
		p := s.profiles[name]
		if p.Browser == browser && p.Version == version && p.Platform == platform {
			return p, true
		}
	}
	return nil, false
}

func (s *CatalogStore) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedNamesLocked()
}

func (s *CatalogStore) sortedNamesLocked() []string {
	names := make([]string, 0, len(s.profiles))
	for name := range s.profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Common algorithm lists shared between the built-in profiles.
var (
	chromeCiphers = []uint16{
		4865, 4866, 4867, 49195, 49199, 49196, 49200,
		52393, 52392, 49171, 49172, 156, 157, 47, 53,
	}
	firefoxCiphers = []uint16{
		4865, 4867, 4866, 49195, 49199, 52393, 52392, 49196, 49200,
		49162, 49161, 49171, 49172, 156, 157, 47, 53, 10,
	}
	safariCiphers = []uint16{
		4865, 4866, 4867, 49196, 49195, 52393, 49200, 49199, 52392,
		49162, 49161, 49171, 49172, 156, 157, 47, 53,
	}
	legacyCiphers = []uint16{
		49195, 49199, 49196, 49200, 52393, 52392,
		49171, 49172, 156, 157, 47, 53, 10,
	}

	chromeGroups  = []uint16{29, 23, 24}
	firefoxGroups = []uint16{29, 23, 24, 25, 256, 257}
	safariGroups  = []uint16{29, 23, 24, 25}

	defaultSigAlgs = []uint16{1027, 2052, 1025, 1283, 2053, 1281, 2054, 1537}

	defaultPointFormats = []uint8{0}
)

// builtinProfiles mirrors current release builds of the major browsers.
// Cipher and group orderings follow real ClientHello captures.
var builtinProfiles = []schemas.BrowserProfile{
	{
		Name: "chrome-latest-windows", Browser: "chrome", Version: "latest", Platform: "windows",
		CipherSuites: chromeCiphers, SupportedGroups: chromeGroups,
		SignatureAlgorithms: defaultSigAlgs, ECPointFormats: defaultPointFormats,
		ALPNProtocols: []string{"h2", "http/1.1"}, MaxTLSVersion: VersionTLS13,
		ExtendedMasterSecret: true, SessionTicket: true, StatusRequest: true,
		ViewportWidth: 1920, ViewportHeight: 1080,
	},
	{
		Name: "chrome-latest-macos", Browser: "chrome", Version: "latest", Platform: "macos",
		CipherSuites: chromeCiphers, SupportedGroups: chromeGroups,
		SignatureAlgorithms: defaultSigAlgs, ECPointFormats: defaultPointFormats,
		ALPNProtocols: []string{"h2", "http/1.1"}, MaxTLSVersion: VersionTLS13,
		ExtendedMasterSecret: true, SessionTicket: true, StatusRequest: true,
		ViewportWidth: 1680, ViewportHeight: 1050,
	},
	{
		Name: "chrome-latest-linux", Browser: "chrome", Version: "latest", Platform: "linux",
		CipherSuites: chromeCiphers, SupportedGroups: chromeGroups,
		SignatureAlgorithms: defaultSigAlgs, ECPointFormats: defaultPointFormats,
		ALPNProtocols: []string{"h2", "http/1.1"}, MaxTLSVersion: VersionTLS13,
		ExtendedMasterSecret: true, SessionTicket: true, StatusRequest: true,
		ViewportWidth: 1920, ViewportHeight: 1080,
	},
	{
		Name: "firefox-latest-windows", Browser: "firefox", Version: "latest", Platform: "windows",
		CipherSuites: firefoxCiphers, SupportedGroups: firefoxGroups,
		SignatureAlgorithms: defaultSigAlgs, ECPointFormats: defaultPointFormats,
		ALPNProtocols: []string{"h2", "http/1.1"}, MaxTLSVersion: VersionTLS13,
		ExtendedMasterSecret: true, SessionTicket: false, StatusRequest: true,
		ViewportWidth: 1920, ViewportHeight: 1080,
	},
	{
		Name: "firefox-latest-linux", Browser: "firefox", Version: "latest", Platform: "linux",
		CipherSuites: firefoxCiphers, SupportedGroups: firefoxGroups,
		SignatureAlgorithms: defaultSigAlgs, ECPointFormats: defaultPointFormats,
		ALPNProtocols: []string{"h2", "http/1.1"}, MaxTLSVersion: VersionTLS13,
		ExtendedMasterSecret: true, SessionTicket: false, StatusRequest: true,
		ViewportWidth: 1920, ViewportHeight: 1080,
	},
	{
		Name: "safari-latest-macos", Browser: "safari", Version: "latest", Platform: "macos",
		CipherSuites: safariCiphers, SupportedGroups: safariGroups,
		SignatureAlgorithms: defaultSigAlgs, ECPointFormats: defaultPointFormats,
		ALPNProtocols: []string{"h2", "http/1.1"}, MaxTLSVersion: VersionTLS13,
		ExtendedMasterSecret: true, SessionTicket: true, StatusRequest: true,
		ViewportWidth: 1440, ViewportHeight: 900,
	},
	{
		Name: "edge-latest-windows", Browser: "edge", Version: "latest", Platform: "windows",
		CipherSuites: chromeCiphers, SupportedGroups: chromeGroups,
		SignatureAlgorithms: defaultSigAlgs, ECPointFormats: defaultPointFormats,
		ALPNProtocols: []string{"h2", "http/1.1"}, MaxTLSVersion: VersionTLS13,
		ExtendedMasterSecret: true, SessionTicket: true, StatusRequest: true,
		ViewportWidth: 1920, ViewportHeight: 1080,
	},
	{
		Name: "chrome-91-windows", Browser: "chrome", Version: "91", Platform: "windows",
		CipherSuites: legacyCiphers, SupportedGroups: chromeGroups,
		SignatureAlgorithms: defaultSigAlgs, ECPointFormats: defaultPointFormats,
		ALPNProtocols: []string{"h2", "http/1.1"}, MaxTLSVersion: VersionTLS12,
		ExtendedMasterSecret: true, SessionTicket: true, StatusRequest: true,
		ViewportWidth: 1366, ViewportHeight: 768,
	},
}
