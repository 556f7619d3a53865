package bootstrap

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"

	"sanad/internal/breaker"
	"sanad/internal/coldpath"
	"sanad/internal/core"
	"sanad/internal/feed"
	"sanad/internal/flags"
	"sanad/internal/heartbeat"
	"sanad/internal/llm"
	"sanad/internal/monitor"
	"sanad/internal/notify"
	"sanad/internal/oms"
	"sanad/internal/pipeline"
	"sanad/internal/policy"
	"sanad/internal/portfolio"
	"sanad/internal/router"
	"sanad/internal/store"
	"sanad/internal/strategy"
	"sanad/pkg/concurrency"
)

// Components is the fully wired graph a worker binary picks its pieces
// from. Construction order matters only in that everything hangs off the
// store and the breaker pool.
type Components struct {
	Store     *store.Store
	Breakers  *breaker.Pool
	Notifier  *notify.Manager
	Prices    *feed.PriceCache
	Portfolio *portfolio.Tracker
	LLM       *llm.Client
	Spend     *llm.Spend
	OMS       *oms.OMS
	Policy    *policy.Engine
	Pipeline  *pipeline.Pipeline
	Router    *router.Router
	Monitor   *monitor.Monitor
	ColdPath  *coldpath.Worker
	Heartbeat *heartbeat.Heartbeat
	Stream    *feed.Stream
}

// defaultStartingBalance seeds a fresh paper portfolio.
var defaultStartingBalance = decimal.NewFromInt(10_000)

// Wire builds the component graph from configuration. Exchanges for live
// execution are registered by the caller when live mode is in play; paper
// mode needs none.
func Wire(ctx context.Context, app *App, exchanges map[string]oms.Exchange) (*Components, error) {
	cfg := app.Cfg
	logger := app.Logger
	clock := core.RealClock{}

	st, err := store.Open(ctx, cfg.Store.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}

	breakers := breaker.NewPool(cfg.CircuitBreaker, st, clock, logger)

	notifier := notify.NewManager(logger)
	if cfg.Notify.SlackWebhookURL.Reveal() != "" {
		notifier.AddChannel(notify.NewSlackChannel(cfg.Notify.SlackWebhookURL.Reveal()))
	}
	if cfg.Notify.TelegramBotToken.Reveal() != "" {
		notifier.AddChannel(notify.NewTelegramChannel(cfg.Notify.TelegramBotToken.Reveal(), cfg.Notify.TelegramChatID))
	}

	prices := feed.NewPriceCache(cfg.Feeds.PriceCacheFile, clock)
	tracker := portfolio.NewTracker(filepath.Join(cfg.System.DataDir, "portfolio.json"), st, clock, defaultStartingBalance, cfg.Mode)

	spend := llm.NewSpend(clock)
	oracle := llm.NewHTTPOracle(cfg.LLM.Endpoint, cfg.LLM.APIKey.Reveal(), time.Duration(cfg.ColdPath.TimeoutSeconds)*time.Second)
	llmClient := llm.NewClient(oracle, breakers, spend, logger, time.Duration(cfg.ColdPath.TimeoutSeconds)*time.Second)

	omsEngine := oms.New(st, breakers, notifier, logger, clock, cfg.Risk, cfg.PolicyGates, exchanges)

	policyEngine := policy.New(cfg.Risk, cfg.PolicyGates, cfg.Scoring, cfg.Budget, cfg.CircuitBreaker, st, logger)

	registry := strategy.DefaultRegistry(cfg.Risk)
	selector := strategy.NewSelector(registry, st, rand.New(rand.NewSource(clock.Now().UnixNano())), logger)

	enrichPool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:       "sanad_enrichment",
		MaxWorkers: cfg.Concurrency.SanadEnrichmentPoolSize,
	}, logger)

	onchain := feed.NewOnchainClient(cfg.Feeds.OnchainAPIURL, breakers, logger)
	stream := feed.NewStream(cfg.Feeds.PriceStreamURL, cfg.Feeds.WatchedSymbols, prices, breakers, logger)

	pipe := pipeline.New(pipeline.Deps{
		Cfg:        cfg,
		Store:      st,
		Policy:     policyEngine,
		LLM:        llmClient,
		OMS:        omsEngine,
		Breakers:   breakers,
		Enricher:   onchain,
		Prices:     prices,
		Portfolio:  tracker,
		Selector:   selector,
		Registry:   registry,
		KillSwitch: flags.KillSwitch{Path: cfg.System.KillSwitchFile},
		FastPath:   flags.Flag{Path: cfg.System.FastPathFlagFile},
		Logger:     logger,
		Clock:      clock,
		Pool:       enrichPool,

		ExchangeHealth:     stream,
		Spend:              spend,
		ReconciliationFile: filepath.Join(cfg.System.DataDir, "reconciliation.json"),
	})

	rtr := router.New(cfg, pipe, st, tracker, nil, logger, clock)

	mon := monitor.New(cfg, st, omsEngine, prices, tracker, notifier, nil, logger, clock)

	debatePool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:       "bull_bear_debate",
		MaxWorkers: cfg.Concurrency.DebatePoolSize,
	}, logger)
	cold := coldpath.New(cfg, st, llmClient, notifier, debatePool, logger, clock)

	hb := heartbeat.New(cfg, st, prices, tracker, mon, notifier, nil, logger, clock)

	return &Components{
		Store:     st,
		Breakers:  breakers,
		Notifier:  notifier,
		Prices:    prices,
		Portfolio: tracker,
		LLM:       llmClient,
		Spend:     spend,
		OMS:       omsEngine,
		Policy:    policyEngine,
		Pipeline:  pipe,
		Router:    rtr,
		Monitor:   mon,
		ColdPath:  cold,
		Heartbeat: hb,
		Stream:    stream,
	}, nil
}
