// Package identity binds one fingerprint and one proxy into the coherent
// session identity a network layer applies to the wire. The coordinator
// enforces geographic consistency between the two halves and serializes all
// rotations for a session, whether forced by adaptation or scheduled.
package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/netguise/api/schemas"
	"github.com/xkilldash9x/netguise/internal/config"
	"github.com/xkilldash9x/netguise/internal/fingerprint"
	"github.com/xkilldash9x/netguise/internal/metrics"
	"github.com/xkilldash9x/netguise/internal/proxy"
)

// ErrIdentityUnavailable means no consistent identity could be bound even
// after the documented fallbacks. Callers handle it by deferral or backoff;
// they never receive a partially bound identity.
var ErrIdentityUnavailable = errors.New("no consistent session identity available")

// ErrSessionUnknown means the session has no bound identity.
var ErrSessionUnknown = errors.New("session has no bound identity")

// maxPendingRotations bounds the undrained rotation buffer.
const maxPendingRotations = 1000

// Coordinator owns the per-session identity bindings. Safe for concurrent
// use; each session's bind and rotate operations are serialized on a
// per-session lock so a forced rotation cannot race a scheduled one.
type Coordinator struct {
	cfg      config.IdentityConfig
	gen      *fingerprint.Generator
	selector *proxy.Selector
	log      *zap.Logger

	mu           sync.Mutex
	identities   map[string]*schemas.SessionIdentity
	sessionLocks map[string]*sync.Mutex
	pending      []schemas.RotationRecord
	issued       int64
	mismatches   int64
	unavailable  int64
}

// NewCoordinator wires the generator and selector into one identity surface.
func NewCoordinator(cfg config.IdentityConfig, gen *fingerprint.Generator, selector *proxy.Selector, logger *zap.Logger) *Coordinator {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 50
	}
	return &Coordinator{
		cfg:          cfg,
		gen:          gen,
		selector:     selector,
		log:          logger.Named("identity"),
		identities:   make(map[string]*schemas.SessionIdentity),
		sessionLocks: make(map[string]*sync.Mutex),
	}
}

// NewIdentity returns the session's bound identity, creating one when none
// exists. The result is always a complete (fingerprint, proxy, geography)
// tuple or ErrIdentityUnavailable. When the proxy the selector picked
// violates the configured consistency mode, selection is retried once with
// the offender excluded before giving up.
func (c *Coordinator) NewIdentity(ctx context.Context, sessionID string, constraints schemas.ProxyConstraints) (schemas.SessionIdentity, error) {
	lock := c.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	c.mu.Lock()
	if existing, ok := c.identities[sessionID]; ok && !constraints.ForceRotation {
		snapshot := copyIdentity(existing)
		c.mu.Unlock()
		return snapshot, nil
	}
	c.mu.Unlock()

	fp := c.gen.GetOrCreate(sessionID, schemas.ScopeSession)

	record, err := c.selector.GetProxyForSession(sessionID, constraints)
	if err != nil {
		return c.fail(sessionID, fmt.Errorf("selecting proxy: %w", err))
	}

	if !c.geoConsistent(record.Geography, constraints) {
		c.mu.Lock()
		c.mismatches++
		c.mu.Unlock()
		c.log.Warn("Proxy geography violates consistency mode, reselecting",
			zap.String("session_id", sessionID),
			zap.String("proxy_id", record.ID),
			zap.String("got_country", record.Geography.Country),
			zap.String("want_country", constraints.Country),
			zap.String("mode", string(c.cfg.ConsistencyMode)))

		retry := constraints
		retry.ForceRotation = true
		retry.ExcludeProxy = record.ID
		record, err = c.selector.GetProxyForSession(sessionID, retry)
		if err != nil {
			return c.fail(sessionID, fmt.Errorf("reselecting proxy: %w", err))
		}
		if !c.geoConsistent(record.Geography, constraints) {
			c.selector.Release(sessionID)
			return c.fail(sessionID, fmt.Errorf("proxy %s geography %q still inconsistent with requested %q",
				record.ID, record.Geography.Country, constraints.Country))
		}
	}

	identity := &schemas.SessionIdentity{
		SessionID:      sessionID,
		Fingerprint:    fp,
		Proxy:          &record,
		BoundGeography: record.Geography,
		CreatedAt:      time.Now().UTC(),
	}

	c.mu.Lock()
	c.identities[sessionID] = identity
	c.issued++
	snapshot := copyIdentity(identity)
	c.mu.Unlock()
	metrics.IdentitiesIssued.Inc()

	c.log.Info("Session identity bound",
		zap.String("session_id", sessionID),
		zap.String("profile", fp.ProfileName),
		zap.String("ja3", fp.JA3),
		zap.String("proxy_id", record.ID),
		zap.String("country", record.Geography.Country))
	return snapshot, nil
}

// Descriptor returns the external contract for the session: everything the
// network layer must apply to the actual connection.
func (c *Coordinator) Descriptor(sessionID string) (schemas.SessionIdentityDescriptor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	identity, ok := c.identities[sessionID]
	if !ok {
		return schemas.SessionIdentityDescriptor{}, fmt.Errorf("descriptor for %s: %w", sessionID, ErrSessionUnknown)
	}
	fp := identity.Fingerprint
	px := identity.Proxy
	return schemas.SessionIdentityDescriptor{
		SessionID: sessionID,
		Fingerprint: schemas.FingerprintDescriptor{
			JA3:          fp.JA3,
			JA4:          fp.JA4,
			TLSVersion:   fp.TLSVersion,
			CipherSuites: append([]uint16(nil), fp.Ciphers...),
			Extensions:   append([]uint16(nil), fp.Extensions...),
		},
		Proxy: schemas.ProxyDescriptor{
			Endpoint:  px.Endpoint,
			Username:  px.Username,
			Password:  px.Password,
			Geography: identity.BoundGeography,
		},
	}, nil
}

// RotateFingerprint forcibly rotates the session's fingerprint. Implements
// the adaptation controller's fingerprint rotator.
func (c *Coordinator) RotateFingerprint(sessionID, mode string) error {
	lock := c.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	c.mu.Lock()
	identity, ok := c.identities[sessionID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("rotating fingerprint for %s: %w", sessionID, ErrSessionUnknown)
	}

	fp, record := c.gen.Rotate(sessionID, schemas.ScopeSession, mode)

	c.mu.Lock()
	identity.Fingerprint = fp
	c.appendHistoryLocked(identity, record)
	c.mu.Unlock()
	return nil
}

// RotateProxy forcibly rotates the session's proxy. Implements the
// adaptation controller's proxy rotator.
func (c *Coordinator) RotateProxy(_ context.Context, sessionID, mode string) error {
	lock := c.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()
	_, _, err := c.rotateProxyLocked(sessionID, mode)
	return err
}

func (c *Coordinator) rotateProxyLocked(sessionID, reason string) (schemas.ProxyRecord, schemas.RotationRecord, error) {
	c.mu.Lock()
	identity, ok := c.identities[sessionID]
	c.mu.Unlock()
	if !ok {
		return schemas.ProxyRecord{}, schemas.RotationRecord{}, fmt.Errorf("rotating proxy for %s: %w", sessionID, ErrSessionUnknown)
	}

	record, rotation, err := c.selector.RotateProxy(sessionID, reason)
	if err != nil {
		return schemas.ProxyRecord{}, schemas.RotationRecord{}, fmt.Errorf("rotating proxy for %s: %w", sessionID, err)
	}

	c.mu.Lock()
	identity.Proxy = &record
	identity.BoundGeography = record.Geography
	c.appendHistoryLocked(identity, rotation)
	c.mu.Unlock()
	return record, rotation, nil
}

// ScheduledRotator adapts the coordinator for the proxy rotation sweeper so
// scheduled rotations take the same per-session locks as forced ones.
func (c *Coordinator) ScheduledRotator() proxy.SessionRotator {
	return scheduledRotator{c}
}

type scheduledRotator struct {
	c *Coordinator
}

func (s scheduledRotator) BoundSessionsOlderThan(age time.Duration) []string {
	return s.c.selector.BoundSessionsOlderThan(age)
}

func (s scheduledRotator) RotateProxy(sessionID, reason string) (schemas.ProxyRecord, schemas.RotationRecord, error) {
	lock := s.c.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()
	return s.c.rotateProxyLocked(sessionID, reason)
}

// Release tears the session's identity down and frees both bindings.
func (c *Coordinator) Release(sessionID string) {
	lock := c.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	c.gen.Release(sessionID)
	c.selector.Release(sessionID)

	c.mu.Lock()
	delete(c.identities, sessionID)
	delete(c.sessionLocks, sessionID)
	c.mu.Unlock()
	c.log.Debug("Session identity released", zap.String("session_id", sessionID))
}

// History returns the session's append-only rotation history.
func (c *Coordinator) History(sessionID string) []schemas.RotationRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	if identity, ok := c.identities[sessionID]; ok {
		return append([]schemas.RotationRecord(nil), identity.History...)
	}
	return nil
}

// Stats returns a snapshot of coordinator activity.
func (c *Coordinator) Stats() schemas.IdentityStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return schemas.IdentityStats{
		ActiveIdentities: len(c.identities),
		Issued:           c.issued,
		GeoMismatches:    c.mismatches,
		Unavailable:      c.unavailable,
	}
}

func (c *Coordinator) fail(sessionID string, err error) (schemas.SessionIdentity, error) {
	c.mu.Lock()
	c.unavailable++
	c.mu.Unlock()
	metrics.IdentityUnavailable.Inc()
	c.log.Warn("Identity unavailable",
		zap.String("session_id", sessionID),
		zap.Error(err))
	return schemas.SessionIdentity{}, fmt.Errorf("%w: %v", ErrIdentityUnavailable, err)
}

// geoConsistent checks the selected proxy's geography against the requested
// constraints under the configured mode: strict compares every requested
// field, relaxed compares country only, disabled always passes.
func (c *Coordinator) geoConsistent(got schemas.Geography, constraints schemas.ProxyConstraints) bool {
	switch c.cfg.ConsistencyMode {
	case config.ConsistencyDisabled:
		return true
	case config.ConsistencyRelaxed:
		return constraints.Country == "" || got.Country == constraints.Country
	default:
		if constraints.Country != "" && got.Country != constraints.Country {
			return false
		}
		if constraints.Region != "" && got.Region != constraints.Region {
			return false
		}
		if constraints.City != "" && got.City != constraints.City {
			return false
		}
		return true
	}
}

func (c *Coordinator) appendHistoryLocked(identity *schemas.SessionIdentity, record schemas.RotationRecord) {
	identity.History = append(identity.History, record)
	if len(identity.History) > c.cfg.HistoryLimit {
		identity.History = identity.History[len(identity.History)-c.cfg.HistoryLimit:]
	}
	c.pending = append(c.pending, record)
	if len(c.pending) > maxPendingRotations {
		c.pending = c.pending[len(c.pending)-maxPendingRotations:]
	}
}

// DrainRotations returns every rotation recorded since the last drain and
// empties the buffer. The persistence flusher calls this; when nothing
// drains, the buffer drops its oldest entries past the cap.
func (c *Coordinator) DrainRotations() []schemas.RotationRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.pending
	c.pending = nil
	return out
}

func (c *Coordinator) lockFor(sessionID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.sessionLocks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		c.sessionLocks[sessionID] = lock
	}
	return lock
}

func copyIdentity(identity *schemas.SessionIdentity) schemas.SessionIdentity {
	snapshot := *identity
	snapshot.History = append([]schemas.RotationRecord(nil), identity.History...)
	return snapshot
}
