package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/echelon-core/echelon/internal/agent"
	"github.com/echelon-core/echelon/internal/clock"
	"github.com/echelon-core/echelon/internal/crypto"
	"github.com/echelon-core/echelon/internal/domain"
	"github.com/echelon-core/echelon/internal/feed"
	"github.com/echelon-core/echelon/internal/market"
	"github.com/echelon-core/echelon/internal/notify"
	"github.com/echelon-core/echelon/internal/orchestrator"
	"github.com/echelon-core/echelon/internal/paradox"
	"github.com/echelon-core/echelon/internal/pipeline"
	"github.com/echelon-core/echelon/internal/platform"
	"github.com/echelon-core/echelon/internal/platform/kalshi"
	"github.com/echelon-core/echelon/internal/platform/polymarket"
	"github.com/echelon-core/echelon/internal/server"
	"github.com/echelon-core/echelon/internal/server/handler"
	"github.com/echelon-core/echelon/internal/server/ws"
	"github.com/echelon-core/echelon/internal/service"
	"github.com/echelon-core/echelon/internal/signal"
	"github.com/echelon-core/echelon/internal/timeline"
)

// genesisTimelineID is the well-known id of the root Global timeline every
// deployment shares.
const genesisTimelineID = "tl-genesis"

// core bundles the assembled Event Orchestration Core.
type core struct {
	clk        clock.Clock
	provider   *clock.Provider
	bus        *orchestrator.Bus
	signals    *signal.Store
	engine     *market.Engine
	registry   *timeline.Registry
	supervisor *orchestrator.Supervisor
	orch       *orchestrator.Orchestrator
}

// buildCore assembles the always-on components: clock, bus, signal store,
// market engine, timeline registry, mode supervisor, and the orchestrator
// that supervises them.
func (a *App) buildCore(deps *Dependencies) *core {
	clk := clock.System{}
	provider := clock.NewProvider(clk)

	bus := orchestrator.NewBus(deps.RedisEventBus, 50*time.Millisecond, a.logger)

	signals := signal.New(deps.SignalStore, deps.RecencyIndex, deps.FeedStatusStore, a.logger)

	engineCfg := market.Config{
		IdemTTL:             a.cfg.Engine.IdemTTL.Duration,
		MultiOutcomeEnabled: a.cfg.Engine.MultiOutcomeEnabled,
	}
	engine := market.New(
		deps.MarketStore, deps.PositionStore, deps.OrderStore, deps.TradeStore,
		deps.MarketCache, deps.IdempotencyCache, deps.IdempotencyStore,
		deps.LockManager, bus, engineCfg, a.logger,
	)

	registry := timeline.New(deps.TimelineStore, deps.ParticipantStore, deps.PositionStore, engine, bus, a.logger)

	supCfg := orchestrator.DefaultSupervisorConfig()
	supCfg.CheckInterval = time.Duration(a.cfg.Orchestrator.ModeCheckIntervalS) * time.Second
	supervisor := orchestrator.NewSupervisor(supCfg, deps.FeedStatusStore, deps.ModeStateStore, provider, bus, clk, a.logger)

	orchCfg := orchestrator.Config{
		DisputeWindow:      time.Duration(a.cfg.Orchestrator.DisputeWindowS) * time.Second,
		MaxPositionSizeUSD: a.cfg.Orchestrator.MaxPositionSizeUSD,
		MinPositionSizeUSD: a.cfg.Orchestrator.MinPositionSizeUSD,
	}
	orch := orchestrator.New(orchCfg, bus, supervisor, engine, registry, deps.MarketStore, clk, a.logger)

	return &core{
		clk:        clk,
		provider:   provider,
		bus:        bus,
		signals:    signals,
		engine:     engine,
		registry:   registry,
		supervisor: supervisor,
		orch:       orch,
	}
}

// buildAdapter assembles the external platform adapter from whichever
// venues are configured. Returns nil when no venue credentials exist
// (simulation-only deployments).
func (a *App) buildAdapter(deps *Dependencies, c *core) (*platform.Adapter, error) {
	var venues []platform.Venue

	if a.cfg.Wallet.PrivateKey != "" || a.cfg.Wallet.EncryptedKeyPath != "" {
		keyHex, err := crypto.LoadKey(crypto.KeyConfig{
			RawPrivateKey:    a.cfg.Wallet.PrivateKey,
			EncryptedKeyPath: a.cfg.Wallet.EncryptedKeyPath,
			KeyPassword:      a.cfg.Wallet.KeyPassword,
		})
		if err != nil {
			return nil, fmt.Errorf("app: load wallet key: %w", err)
		}
		signer, err := crypto.NewSigner(keyHex, a.cfg.Polymarket.ChainID)
		if err != nil {
			return nil, fmt.Errorf("app: polymarket signer: %w", err)
		}
		var hmacAuth *crypto.HMACAuth
		if a.cfg.Builder.ApiKey != "" {
			hmacAuth = &crypto.HMACAuth{
				Key:        a.cfg.Builder.ApiKey,
				Secret:     a.cfg.Builder.ApiSecret,
				Passphrase: a.cfg.Builder.ApiPassphrase,
			}
		}
		venues = append(venues, polymarket.NewVenue(
			polymarket.NewGammaClient(a.cfg.Polymarket.GammaHost),
			polymarket.NewClobClient(a.cfg.Polymarket.ClobHost, a.cfg.Polymarket.DataHost, signer, hmacAuth),
			polymarket.NewWSClient(a.cfg.Polymarket.WsHost),
		))
	}

	if a.cfg.Kalshi.ApiKey != "" {
		client := kalshi.NewClient(a.cfg.Kalshi.BaseURL, a.cfg.Kalshi.ApiKey)
		if a.cfg.Kalshi.RsaPrivateKeyPath != "" {
			pemBytes, err := os.ReadFile(a.cfg.Kalshi.RsaPrivateKeyPath)
			if err != nil {
				return nil, fmt.Errorf("app: read kalshi key: %w", err)
			}
			if err := client.SetRSAPrivateKey(pemBytes); err != nil {
				return nil, fmt.Errorf("app: kalshi key: %w", err)
			}
		}
		venues = append(venues, kalshi.NewVenue(client, kalshi.NewWSClient(a.cfg.Kalshi.WsURL)))
	}

	if len(venues) == 0 {
		return nil, nil
	}

	adapterCfg := platform.Config{
		BuilderCode:      a.cfg.Builder.Code,
		PolymarketLimit:  a.cfg.Polymarket.RateLimit,
		PolymarketWindow: time.Duration(a.cfg.Polymarket.RateWindowS) * time.Second,
		KalshiLimit:      a.cfg.Kalshi.RateLimit,
		KalshiWindow:     time.Duration(a.cfg.Kalshi.RateWindowS) * time.Second,
	}
	return platform.New(adapterCfg, venues, deps.RateLimiter, deps.AttributionStore, c.bus, a.logger), nil
}

// buildScheduler assembles the agent scheduler.
func (a *App) buildScheduler(deps *Dependencies, c *core, adapter *platform.Adapter) *agent.Scheduler {
	schedCfg := agent.DefaultConfig()
	schedCfg.TickInterval = time.Duration(a.cfg.Agents.TickMS) * time.Millisecond
	schedCfg.SabotageCapPerHour = a.cfg.Agents.SabotageCapPerHour
	schedCfg.PnLFloor = a.cfg.Agents.PnLFloor

	var external agent.ExternalRouter
	if adapter != nil {
		external = adapter
	}
	return agent.NewScheduler(
		schedCfg, agent.DefaultRegistry(),
		deps.AgentStore, deps.AgentRelationStore, deps.MarketStore, deps.TimelineStore,
		deps.PositionStore, c.signals, c.orch, external, deps.RateLimiter,
		c.provider.FallbackRandomness(), c.clk, c.bus, a.logger,
	)
}

// buildPipeline assembles the OSINT signal pipeline from the configured
// sources.
func (a *App) buildPipeline(deps *Dependencies, c *core, adapter *platform.Adapter) *pipeline.Orchestrator {
	var ingesters []pipeline.Ingester
	if adapter != nil {
		ingesters = append(ingesters, pipeline.NewVenueIngester(platform.VenuePolymarket, adapter, 100, 10))
		if a.cfg.Kalshi.ApiKey != "" {
			ingesters = append(ingesters, pipeline.NewVenueIngester(platform.VenueKalshi, adapter, 100, 5))
		}
	}
	if a.cfg.Pipeline.SubgraphURL != "" {
		fetcher := pipeline.NewSubgraphClient(a.cfg.Pipeline.SubgraphURL, a.cfg.Pipeline.SubgraphAPIKey)
		ingesters = append(ingesters, pipeline.NewChainIngester(fetcher, time.Now().UTC().Add(-24*time.Hour)))
	}

	var archiver *pipeline.Archiver
	if deps.Archiver != nil {
		archiver = pipeline.NewArchiver(deps.Archiver, a.cfg.Pipeline.ArchiveRetentionDays, c.bus, a.logger)
	}

	if len(ingesters) == 0 && archiver == nil {
		return nil
	}
	return pipeline.NewOrchestrator(
		ingesters, c.signals, archiver,
		a.cfg.Pipeline.PollInterval.Duration, a.cfg.Pipeline.ArchiveCron,
		c.bus, a.logger,
	)
}

// buildServer assembles the HTTP + WebSocket edge.
func (a *App) buildServer(deps *Dependencies, c *core) (*server.Server, *ws.Hub) {
	marketSvc := service.NewMarketService(deps.MarketStore, deps.TradeStore, deps.MarketCache, a.logger)
	positionSvc := service.NewPositionService(deps.PositionStore, a.logger)
	riskSvc := service.NewRiskService(deps.PositionStore, c.orch, service.RiskConfig{
		MaxOpenPositions: 256,
		MaxExposure:      a.cfg.Orchestrator.MaxPositionSizeUSD * 10,
	}, a.logger)

	hub := ws.NewHub(c.bus, a.logger)

	handlers := server.Handlers{
		Health:    handler.NewHealthHandler(a.logger),
		Markets:   handler.NewMarketHandler(marketSvc, c.orch, riskSvc, a.logger),
		Timelines: handler.NewTimelineHandler(c.orch, c.registry, c.provider, a.logger),
		Positions: handler.NewPositionHandler(positionSvc, a.logger),
		Status:    handler.NewStatusHandler(c.orch, deps.FeedStatusStore, time.Now().UTC(), a.logger),
	}

	srv := server.NewServer(server.Config{
		Port:             a.cfg.Server.Port,
		CORSOrigins:      a.cfg.Server.CORSOrigins,
		APIKey:           a.cfg.Server.APIKey,
		Limiter:          deps.RateLimiter,
		ClientRateLimit:  60,
		ClientRateWindow: time.Minute,
	}, handlers, hub, a.logger)
	return srv, hub
}

// ensureGenesis creates the root Global timeline if this is a fresh
// database, so forks and markets always have a parent to hang off.
func (a *App) ensureGenesis(ctx context.Context, deps *Dependencies) error {
	_, err := deps.TimelineStore.GetByID(ctx, genesisTimelineID)
	if err == nil {
		return nil
	}
	now := time.Now().UTC()
	genesis := domain.Timeline{
		ID:             genesisTimelineID,
		Visibility:     domain.TimelineVisibilityGlobalOnChain,
		Status:         domain.TimelineStatusActive,
		CapitalMode:    domain.CapitalModeReal,
		CreatorRef:     "system:genesis",
		Stability:      1,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err := deps.TimelineStore.Create(ctx, genesis); err != nil {
		return fmt.Errorf("app: create genesis timeline: %w", err)
	}
	a.logger.InfoContext(ctx, "created genesis timeline", slog.String("timeline_id", genesisTimelineID))
	return nil
}

// seedGenesisAgents populates one agent per archetype on the genesis
// timeline when that timeline has no active agents, so a fresh simulate/full
// deployment has traders from the first tick.
func (a *App) seedGenesisAgents(ctx context.Context, deps *Dependencies) {
	existing, err := deps.AgentStore.ListActiveByTimeline(ctx, genesisTimelineID)
	if err != nil || len(existing) > 0 {
		return
	}
	now := time.Now().UTC()
	budget := a.cfg.Orchestrator.MaxPositionSizeUSD
	for i, archetype := range []domain.Archetype{
		domain.ArchetypeShark, domain.ArchetypeSpy, domain.ArchetypeDiplomat, domain.ArchetypeSaboteur,
	} {
		seeded := domain.Agent{
			ID:              fmt.Sprintf("agent-genesis-%d", i),
			TimelineID:      genesisTimelineID,
			Archetype:       archetype,
			Traits:          domain.Traits{RiskTolerance: 0.5, SignalTrust: 0.5, Aggression: 0.5},
			Sanity:          1,
			BudgetRemaining: budget,
			CreatedAt:       now,
		}
		if err := deps.AgentStore.Create(ctx, seeded); err != nil {
			a.logger.WarnContext(ctx, "seed agent failed",
				slog.String("archetype", string(archetype)), slog.String("error", err.Error()))
		}
	}
}

// runWithServer runs the orchestrator and, when enabled, the HTTP server
// side by side until either fails or ctx is cancelled.
func (a *App) runWithServer(ctx context.Context, c *core, srv *server.Server) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return c.orch.Run(gctx)
	})

	if srv != nil {
		g.Go(func() error {
			return srv.Start()
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

// FullMode runs everything: ingestion, agents, paradox detection, external
// venues, archival, notifications, and the API edge.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	c := a.buildCore(deps)
	if err := a.ensureGenesis(ctx, deps); err != nil {
		return err
	}

	adapter, err := a.buildAdapter(deps, c)
	if err != nil {
		return err
	}

	if a.cfg.Pipeline.Enabled {
		if pipe := a.buildPipeline(deps, c, adapter); pipe != nil {
			c.orch.Register(pipe)
		}
		if adapter != nil && len(a.cfg.Pipeline.StreamSymbols) > 0 {
			feeder := feed.NewStreamFeeder(platform.VenuePolymarket, a.cfg.Pipeline.StreamSymbols, adapter, c.signals, c.bus, a.logger)
			c.orch.Register(feeder)
		}
	}

	if a.cfg.Agents.Enabled {
		a.seedGenesisAgents(ctx, deps)
		c.orch.Register(a.buildScheduler(deps, c, adapter))
	}

	detector := paradox.NewDetector(paradox.DefaultConfig(), deps.TimelineStore, deps.MarketStore, c.signals, c.registry, c.clk, c.bus, a.logger)
	c.orch.Register(detector)

	c.orch.Register(notify.NewBridge(c.bus, deps.Notifier, a.logger))

	var srv *server.Server
	if a.cfg.Server.Enabled {
		var hub *ws.Hub
		srv, hub = a.buildServer(deps, c)
		c.orch.Register(hub)
	}

	return a.runWithServer(ctx, c, srv)
}

// SimulateMode runs the core and agents against simulated timelines only:
// no external venues, no external order flow.
func (a *App) SimulateMode(ctx context.Context, deps *Dependencies) error {
	c := a.buildCore(deps)
	if err := a.ensureGenesis(ctx, deps); err != nil {
		return err
	}

	if a.cfg.Agents.Enabled {
		a.seedGenesisAgents(ctx, deps)
		c.orch.Register(a.buildScheduler(deps, c, nil))
	}

	detector := paradox.NewDetector(paradox.DefaultConfig(), deps.TimelineStore, deps.MarketStore, c.signals, c.registry, c.clk, c.bus, a.logger)
	c.orch.Register(detector)

	var srv *server.Server
	if a.cfg.Server.Enabled {
		var hub *ws.Hub
		srv, hub = a.buildServer(deps, c)
		c.orch.Register(hub)
	}

	return a.runWithServer(ctx, c, srv)
}

// IngestMode runs the signal pipeline and mode supervision without agents
// or the trading edge.
func (a *App) IngestMode(ctx context.Context, deps *Dependencies) error {
	c := a.buildCore(deps)
	if err := a.ensureGenesis(ctx, deps); err != nil {
		return err
	}

	adapter, err := a.buildAdapter(deps, c)
	if err != nil {
		return err
	}
	pipe := a.buildPipeline(deps, c, adapter)
	if pipe == nil {
		return fmt.Errorf("app: ingest mode requires at least one configured source")
	}
	c.orch.Register(pipe)
	c.orch.Register(notify.NewBridge(c.bus, deps.Notifier, a.logger))

	return a.runWithServer(ctx, c, nil)
}

// ServerMode runs only the API edge over an existing database; the mode
// supervisor still runs so the status endpoint reflects live health.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	c := a.buildCore(deps)
	if err := a.ensureGenesis(ctx, deps); err != nil {
		return err
	}

	srv, hub := a.buildServer(deps, c)
	c.orch.Register(hub)
	return a.runWithServer(ctx, c, srv)
}
