package schemas

import "time"

// -- Fingerprint Models --
// These types describe the TLS-layer portion of a session's network identity.

// ConsistencyScope controls the key granularity at which a fingerprint
// binding is reused rather than regenerated.
type ConsistencyScope string

const (
	ScopeSession ConsistencyScope = "session"
	ScopeUser    ConsistencyScope = "user"
	ScopeGlobal  ConsistencyScope = "global"
)

// BrowserProfile is an immutable catalog entry describing the TLS surface a
// real browser build presents: the ordered cipher list, extension behavior,
// curves, signature algorithms and ALPN set.
type BrowserProfile struct {
	Name                string   `json:"name"`
	Browser             string   `json:"browser"`
	Version             string   `json:"version"`
	Platform            string   `json:"platform"`
	CipherSuites        []uint16 `json:"cipher_suites"`
	SupportedGroups     []uint16 `json:"supported_groups"`
	SignatureAlgorithms []uint16 `json:"signature_algorithms"`
	ECPointFormats      []uint8  `json:"ec_point_formats"`
	ALPNProtocols       []string `json:"alpn_protocols"`
	MaxTLSVersion       uint16   `json:"max_tls_version"`

	// Profile-conditional extension behavior.
	ExtendedMasterSecret bool `json:"extended_master_secret"`
	SessionTicket        bool `json:"session_ticket"`
	StatusRequest        bool `json:"status_request"`

	ViewportWidth  int `json:"viewport_width"`
	ViewportHeight int `json:"viewport_height"`
}

// TLSFingerprint is one realized, session-bound ClientHello descriptor built
// from a BrowserProfile. The hash fields are pure functions of the realized
// cipher and extension lists.
type TLSFingerprint struct {
	SessionID   string           `json:"session_id"`
	ProfileName string           `json:"profile_name"`
	TLSVersion  uint16           `json:"tls_version"`
	Ciphers     []uint16         `json:"ciphers"`
	Extensions  []uint16         `json:"extensions"`
	Curves      []uint16         `json:"curves"`
	PointFmts   []uint8          `json:"point_formats"`
	ALPN        []string         `json:"alpn"`
	SNIPresent  bool             `json:"sni_present"`
	JA3         string           `json:"ja3"`
	JA4         string           `json:"ja4"`
	CreatedAt   time.Time        `json:"created_at"`
	Scope       ConsistencyScope `json:"scope"`
}

// -- Proxy Models --

// ProxyType distinguishes the provenance class of a proxy endpoint.
type ProxyType string

const (
	ProxyResidential ProxyType = "residential"
	ProxyDatacenter  ProxyType = "datacenter"
	ProxyMobile      ProxyType = "mobile"
)

// Geography is the location snapshot attached to proxies and identities.
type Geography struct {
	Country string `json:"country"`
	Region  string `json:"region"`
	City    string `json:"city"`
}

// ProxyRecord is one pool member. Reliability is our own health tracking;
// Reputation is the externally sourced trust score. Once FailureCount crosses
// the configured threshold the record is disabled and stays disabled until an
// external reset.
type ProxyRecord struct {
	ID             string    `json:"id"`
	Type           ProxyType `json:"type"`
	Endpoint       string    `json:"endpoint"`
	Username       string    `json:"username,omitempty"`
	Password       string    `json:"password,omitempty"`
	Geography      Geography `json:"geography"`
	Reliability    float64   `json:"reliability"`
	Reputation     float64   `json:"reputation"`
	ResponseTimeMs int       `json:"response_time_ms"`
	Enabled        bool      `json:"enabled"`
	FailureCount   int       `json:"failure_count"`
}

// ProxyConstraints narrows proxy selection for one session.
type ProxyConstraints struct {
	Type          ProxyType `json:"type,omitempty"`
	Country       string    `json:"country,omitempty"`
	Region        string    `json:"region,omitempty"`
	City          string    `json:"city,omitempty"`
	ForceRotation bool      `json:"force_rotation,omitempty"`
	ExcludeProxy  string    `json:"exclude_proxy,omitempty"`
}

// -- Session Identity --

// RotationRecord is one append-only entry in an identity's rotation history.
type RotationRecord struct {
	SessionID string    `json:"session_id"`
	Kind      string    `json:"kind"` // "fingerprint" or "proxy"
	OldValue  string    `json:"old_value"`
	NewValue  string    `json:"new_value"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionIdentity binds one fingerprint and one proxy into the coherent tuple
// a session presents to the network. BoundGeography is snapshotted from the
// proxy at bind time.
type SessionIdentity struct {
	SessionID      string           `json:"session_id"`
	Fingerprint    *TLSFingerprint  `json:"fingerprint"`
	Proxy          *ProxyRecord     `json:"proxy"`
	BoundGeography Geography        `json:"bound_geography"`
	CreatedAt      time.Time        `json:"created_at"`
	History        []RotationRecord `json:"history"`
}

// FingerprintDescriptor is the fingerprint half of the descriptor handed to
// the network layer.
type FingerprintDescriptor struct {
	JA3          string   `json:"ja3"`
	JA4          string   `json:"ja4"`
	TLSVersion   uint16   `json:"tls_version"`
	CipherSuites []uint16 `json:"cipher_suites"`
	Extensions   []uint16 `json:"extensions"`
}

// ProxyDescriptor is the proxy half of the descriptor handed to the network
// layer.
type ProxyDescriptor struct {
	Endpoint  string    `json:"endpoint"`
	Username  string    `json:"username,omitempty"`
	Password  string    `json:"password,omitempty"`
	Geography Geography `json:"geography"`
}

// SessionIdentityDescriptor is the external contract: everything the network
// and automation layer must apply to the actual connection.
type SessionIdentityDescriptor struct {
	SessionID   string                `json:"session_id"`
	Fingerprint FingerprintDescriptor `json:"fingerprint"`
	Proxy       ProxyDescriptor       `json:"proxy"`
}
