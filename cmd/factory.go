package cmd

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/xkilldash9x/netguise/api/schemas"
	"github.com/xkilldash9x/netguise/internal/adaptation"
	"github.com/xkilldash9x/netguise/internal/config"
	"github.com/xkilldash9x/netguise/internal/fingerprint"
	"github.com/xkilldash9x/netguise/internal/identity"
	"github.com/xkilldash9x/netguise/internal/observability"
	"github.com/xkilldash9x/netguise/internal/proxy"
	"github.com/xkilldash9x/netguise/internal/store"
	"github.com/xkilldash9x/netguise/internal/threat"
)

// Components holds all the initialized services of the identity subsystem.
// This struct centralizes lifecycle management: construction wires the
// dependency graph bottom-up and Shutdown tears it down in reverse.
type Components struct {
	Profiles    *fingerprint.CatalogStore
	Generator   *fingerprint.Generator
	ProxyStore  *proxy.InMemoryStore
	Selector    *proxy.Selector
	Coordinator *identity.Coordinator
	ThreatStore *threat.MemoryStore
	Controller  *adaptation.Controller
	Bus         *adaptation.Bus

	// Optional collaborators; nil when not configured.
	Persistence *store.Store
	DBPool      *pgxpool.Pool
	Kafka       *adaptation.KafkaPublisher
	geoResolver *proxy.MaxMindResolver

	cancelBackground context.CancelFunc
	backgroundWG     sync.WaitGroup
}

// NewComponents builds and wires every component from the configuration.
func NewComponents(ctx context.Context, cfg *config.Config) (*Components, error) {
	logger := observability.GetLogger()
	c := &Components{}

	// Reference data first.
	c.Profiles = fingerprint.NewCatalogStore()
	if cfg.Fingerprint.ProfileFile != "" {
		if err := c.Profiles.LoadFile(cfg.Fingerprint.ProfileFile); err != nil {
			return nil, fmt.Errorf("loading profile catalog: %w", err)
		}
	}
	c.ProxyStore = proxy.NewInMemoryStore()
	if cfg.Proxy.PoolFile != "" {
		if err := c.ProxyStore.LoadFile(cfg.Proxy.PoolFile); err != nil {
			return nil, fmt.Errorf("loading proxy pool: %w", err)
		}
	}
	if cfg.GeoIP.Database != "" {
		resolver, err := proxy.NewMaxMindResolver(cfg.GeoIP.Database)
		if err != nil {
			return nil, fmt.Errorf("opening geoip database: %w", err)
		}
		c.geoResolver = resolver
		c.ProxyStore.EnrichGeography(resolver, logger)
	}

	// Selection and identity.
	c.Generator = fingerprint.NewGenerator(cfg.Fingerprint, c.Profiles, logger)
	c.Selector = proxy.NewSelector(cfg.Proxy, c.ProxyStore, logger)
	c.Coordinator = identity.NewCoordinator(cfg.Identity, c.Generator, c.Selector, logger)

	// Threat knowledge base, optionally seeded from persistence.
	c.ThreatStore = threat.NewMemoryStore(cfg.Threat, logger)
	if cfg.Postgres.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Postgres.URL)
		if err != nil {
			return nil, fmt.Errorf("connecting postgres pool: %w", err)
		}
		c.DBPool = pool
		persistence, err := store.New(ctx, pool, logger)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("initializing persistence store: %w", err)
		}
		c.Persistence = persistence

		sigs, err := persistence.LoadSignatures(ctx)
		if err != nil {
			logger.Warn("Could not load persisted threat signatures", zap.Error(err))
		} else if len(sigs) > 0 {
			c.ThreatStore.Load(sigs)
			logger.Info("Restored threat knowledge base", zap.Int("signatures", len(sigs)))
		}
	}

	// Adaptation loop.
	c.Bus = adaptation.NewBus(cfg.Adaptation.QueueSize)
	c.Controller = adaptation.NewController(cfg.Threat, c.ThreatStore,
		c.Coordinator, c.Coordinator, nil, c.Bus, logger)

	backgroundCtx, cancel := context.WithCancel(context.Background())
	c.cancelBackground = cancel

	if cfg.Adaptation.Kafka.Enabled {
		kafka, err := adaptation.NewKafkaPublisher(cfg.Adaptation.Kafka, logger)
		if err != nil {
			c.Shutdown()
			return nil, fmt.Errorf("initializing kafka publisher: %w", err)
		}
		c.Kafka = kafka
		events := c.Bus.Subscribe()
		c.backgroundWG.Add(1)
		go func() {
			defer c.backgroundWG.Done()
			kafka.Run(backgroundCtx, events)
		}()
	}

	if c.Persistence != nil {
		events := c.Bus.Subscribe()
		c.backgroundWG.Add(2)
		go func() {
			defer c.backgroundWG.Done()
			c.persistEvents(backgroundCtx, events)
		}()
		go func() {
			defer c.backgroundWG.Done()
			c.flushRotations(backgroundCtx)
		}()
	}

	// Background sweeps run outside the request path.
	health := proxy.NewHealthChecker(cfg.Proxy, c.ProxyStore, c.Selector, nil, logger)
	rotation := proxy.NewRotationSweeper(cfg.Proxy, c.Coordinator.ScheduledRotator(), logger)
	c.backgroundWG.Add(2)
	go func() {
		defer c.backgroundWG.Done()
		health.Run(backgroundCtx)
	}()
	go func() {
		defer c.backgroundWG.Done()
		rotation.Run(backgroundCtx)
	}()

	logger.Info("Components initialized",
		zap.Int("profiles", len(c.Profiles.Names())),
		zap.Int("proxies", len(c.ProxyStore.List())),
		zap.Bool("persistence", c.Persistence != nil),
		zap.Bool("kafka", c.Kafka != nil))
	return c, nil
}

// persistEvents drains the bus subscription into the adaptation ledger.
func (c *Components) persistEvents(ctx context.Context, events <-chan schemas.AdaptationEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := c.Persistence.AppendAdaptationEvents(writeCtx, []schemas.AdaptationEvent{event}); err != nil {
				observability.GetLogger().Warn("Failed to persist adaptation event", zap.Error(err))
			}
			cancel()
		}
	}
}

// flushRotations periodically persists the rotation ledger.
func (c *Components) flushRotations(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			records := c.Coordinator.DrainRotations()
			if len(records) == 0 {
				continue
			}
			writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := c.Persistence.AppendRotationRecords(writeCtx, records); err != nil {
				observability.GetLogger().Warn("Failed to persist rotation records", zap.Error(err))
			}
			cancel()
		}
	}
}

// Shutdown gracefully closes all components in reverse dependency order.
func (c *Components) Shutdown() {
	logger := observability.GetLogger()
	logger.Debug("Beginning components shutdown sequence.")

	// 1. Stop background loops and wait for them to drain.
	if c.cancelBackground != nil {
		c.cancelBackground()
	}
	if c.Bus != nil {
		c.Bus.Close()
	}
	c.backgroundWG.Wait()

	// 2. Flush the knowledge base and rotation ledger for restart continuity.
	if c.Persistence != nil && c.ThreatStore != nil {
		saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := c.Persistence.SaveSignatures(saveCtx, c.ThreatStore.All()); err != nil {
			logger.Error("Failed to persist threat signatures on shutdown", zap.Error(err))
		} else {
			logger.Debug("Threat knowledge base persisted.")
		}
		if records := c.Coordinator.DrainRotations(); len(records) > 0 {
			if err := c.Persistence.AppendRotationRecords(saveCtx, records); err != nil {
				logger.Error("Failed to persist rotation records on shutdown", zap.Error(err))
			}
		}
		cancel()
	}

	// 3. Release external resources.
	if c.Kafka != nil {
		if err := c.Kafka.Close(); err != nil {
			logger.Warn("Kafka publisher close failed", zap.Error(err))
		}
	}
	if c.DBPool != nil {
		c.DBPool.Close()
		logger.Debug("Database pool closed.")
	}
	if c.geoResolver != nil {
		_ = c.geoResolver.Close()
	}

	logger.Debug("Components shutdown complete.")
}
