package proxy

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/netguise/api/schemas"
	"github.com/xkilldash9x/netguise/internal/config"
)

// ProbeFunc checks one proxy endpoint and reports the observed latency.
// A timed-out probe returns an error and counts as a failure.
type ProbeFunc func(ctx context.Context, endpoint string) (time.Duration, error)

// DialProbe is the default probe: a plain TCP dial with the configured
// timeout.
func DialProbe(ctx context.Context, endpoint string) (time.Duration, error) {
	start := time.Now()
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", endpoint)
	if err != nil {
		return 0, err
	}
	_ = conn.Close()
	return time.Since(start), nil
}

// probeConcurrency bounds how many probes run at once during a sweep.
const probeConcurrency = 8

// HealthChecker periodically probes enabled pool members. It snapshots the
// candidate set, probes outside any lock, then applies results through the
// store and selector. It never blocks identity requests.
type HealthChecker struct {
	cfg      config.ProxyConfig
	store    Store
	selector *Selector
	probe    ProbeFunc
	log      *zap.Logger
}

// NewHealthChecker builds a checker using DialProbe unless probe overrides it.
func NewHealthChecker(cfg config.ProxyConfig, store Store, selector *Selector, probe ProbeFunc, logger *zap.Logger) *HealthChecker {
	if probe == nil {
		probe = DialProbe
	}
	return &HealthChecker{
		cfg:      cfg,
		store:    store,
		selector: selector,
		probe:    probe,
		log:      logger.Named("proxy_health"),
	}
}

// Run executes the sweep loop until the context is cancelled.
func (h *HealthChecker) Run(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.HealthCheckInterval)
	defer ticker.Stop()
	h.log.Info("Proxy health checker started",
		zap.Duration("interval", h.cfg.HealthCheckInterval))
	for {
		select {
		case <-ctx.Done():
			h.log.Info("Proxy health checker stopped")
			return
		case <-ticker.C:
			h.Sweep(ctx)
		}
	}
}

// Sweep probes every enabled proxy once and applies the results.
func (h *HealthChecker) Sweep(ctx context.Context) {
	var candidates []schemas.ProxyRecord
	for _, r := range h.store.List() {
		if r.Enabled {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return
	}

	sem := make(chan struct{}, probeConcurrency)
	var wg sync.WaitGroup
	for _, record := range candidates {
		wg.Add(1)
		sem <- struct{}{}
		go func(r schemas.ProxyRecord) {
			defer wg.Done()
			defer func() { <-sem }()
			h.probeOne(ctx, r)
		}(record)
	}
	wg.Wait()
}

func (h *HealthChecker) probeOne(ctx context.Context, r schemas.ProxyRecord) {
	probeCtx, cancel := context.WithTimeout(ctx, h.cfg.ProbeTimeout)
	defer cancel()

	latency, err := h.probe(probeCtx, r.Endpoint)
	if err != nil {
		// Best effort: a timeout or refusal is a failure observation, not a
		// crash.
		h.selector.HandleProxyFailure(r.ID, err)
		return
	}

	h.store.Update(r.ID, func(rec *schemas.ProxyRecord) {
		rec.ResponseTimeMs = int(latency.Milliseconds())
		// Exponential moving average pulls reliability toward 1 on success.
		rec.Reliability = 0.8*rec.Reliability + 0.2
		if rec.Reliability > 1 {
			rec.Reliability = 1
		}
	})
}

// SessionRotator is what the rotation sweeper drives. Selector satisfies it
// directly; the identity coordinator wraps it to serialize scheduled
// rotations with forced ones.
type SessionRotator interface {
	BoundSessionsOlderThan(age time.Duration) []string
	RotateProxy(sessionID, reason string) (schemas.ProxyRecord, schemas.RotationRecord, error)
}

// RotationSweeper rebinds sessions whose proxy binding has outlived the
// rotation interval. Runs independently of the health checker.
type RotationSweeper struct {
	cfg      config.ProxyConfig
	selector SessionRotator
	log      *zap.Logger
}

// NewRotationSweeper builds the scheduled rotation loop.
func NewRotationSweeper(cfg config.ProxyConfig, selector SessionRotator, logger *zap.Logger) *RotationSweeper {
	return &RotationSweeper{
		cfg:      cfg,
		selector: selector,
		log:      logger.Named("proxy_rotation"),
	}
}

// Run executes the rotation loop until the context is cancelled.
func (r *RotationSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.RotationInterval)
	defer ticker.Stop()
	r.log.Info("Proxy rotation sweeper started",
		zap.Duration("interval", r.cfg.RotationInterval))
	for {
		select {
		case <-ctx.Done():
			r.log.Info("Proxy rotation sweeper stopped")
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Sweep rotates every stale binding once.
func (r *RotationSweeper) Sweep() {
	for _, sessionID := range r.selector.BoundSessionsOlderThan(r.cfg.RotationInterval) {
		if _, _, err := r.selector.RotateProxy(sessionID, "scheduled"); err != nil {
			r.log.Warn("Scheduled proxy rotation failed",
				zap.String("session_id", sessionID),
				zap.Error(err))
		}
	}
}
