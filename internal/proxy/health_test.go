package proxy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/netguise/api/schemas"
	"github.com/xkilldash9x/netguise/internal/config"
)

func TestHealthSweep_SuccessUpdatesHealthFields(t *testing.T) {
	r := record("p1", "US")
	r.Reliability = 0.5
	s, store := newTestSelector(t, r)

	probe := func(ctx context.Context, endpoint string) (time.Duration, error) {
		return 150 * time.Millisecond, nil
	}
	h := NewHealthChecker(config.NewDefaultConfig().Proxy, store, s, probe, zap.NewNop())
	h.Sweep(context.Background())

	got, _ := store.Get("p1")
	assert.Equal(t, 150, got.ResponseTimeMs)
	assert.InDelta(t, 0.6, got.Reliability, 0.001, "success pulls reliability toward 1")
}

func TestHealthSweep_FailureCountsAgainstProxy(t *testing.T) {
	s, store := newTestSelector(t, record("p1", "US"))

	probe := func(ctx context.Context, endpoint string) (time.Duration, error) {
		return 0, errors.New("dial timeout")
	}
	h := NewHealthChecker(config.NewDefaultConfig().Proxy, store, s, probe, zap.NewNop())

	// Three failed sweeps cross the threshold and disable the proxy.
	for i := 0; i < 3; i++ {
		h.Sweep(context.Background())
	}
	got, _ := store.Get("p1")
	assert.False(t, got.Enabled)
	assert.Equal(t, 3, got.FailureCount)

	// Disabled proxies drop out of subsequent sweeps entirely.
	h.Sweep(context.Background())
	got, _ = store.Get("p1")
	assert.Equal(t, 3, got.FailureCount)
}

func TestHealthSweep_ProbeRespectsContextTimeout(t *testing.T) {
	cfg := config.NewDefaultConfig().Proxy
	cfg.ProbeTimeout = 10 * time.Millisecond
	s, store := newTestSelector(t, record("p1", "US"))

	probe := func(ctx context.Context, endpoint string) (time.Duration, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	h := NewHealthChecker(cfg, store, s, probe, zap.NewNop())

	done := make(chan struct{})
	go func() {
		h.Sweep(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweep did not return; probe timeout not enforced")
	}

	got, _ := store.Get("p1")
	assert.Equal(t, 1, got.FailureCount, "a timed-out probe counts as a failure")
}

func TestRotationSweeper_RotatesOnlyStaleBindings(t *testing.T) {
	cfg := config.NewDefaultConfig().Proxy
	cfg.RotationInterval = 50 * time.Millisecond

	store := NewInMemoryStore()
	require.NoError(t, store.Add(record("p1", "US")))
	require.NoError(t, store.Add(record("p2", "US")))
	s := NewSelector(cfg, store, zap.NewNop())

	first, err := s.GetProxyForSession("stale", schemas.ProxyConstraints{})
	require.NoError(t, err)
	time.Sleep(60 * time.Millisecond)
	_, err = s.GetProxyForSession("fresh", schemas.ProxyConstraints{})
	require.NoError(t, err)

	sweeper := NewRotationSweeper(cfg, s, zap.NewNop())
	sweeper.Sweep()

	rotated, err := s.GetProxyForSession("stale", schemas.ProxyConstraints{})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, rotated.ID, "stale binding must be rotated")
	assert.Equal(t, int64(1), s.Stats().Rotations)
}
