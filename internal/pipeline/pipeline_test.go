package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sanad/internal/config"
	"sanad/internal/core"
	"sanad/internal/feed"
	"sanad/internal/flags"
	"sanad/internal/ids"
	"sanad/internal/llm"
	"sanad/internal/oms"
	"sanad/internal/policy"
	"sanad/internal/portfolio"
	"sanad/internal/strategy"
)

type noopLogger struct{}

func (noopLogger) Debug(string, ...interface{})                     {}
func (noopLogger) Info(string, ...interface{})                      {}
func (noopLogger) Warn(string, ...interface{})                      {}
func (noopLogger) Error(string, ...interface{})                     {}
func (noopLogger) Fatal(string, ...interface{})                     {}
func (l noopLogger) WithField(string, interface{}) core.ILogger     { return l }
func (l noopLogger) WithFields(map[string]interface{}) core.ILogger { return l }

type fixedClock struct{ at time.Time }

func (c fixedClock) Now() time.Time { return c.at }

// memStore satisfies both the pipeline Store and the narrow collaborator
// interfaces the wired components need.
type memStore struct {
	mu        sync.Mutex
	decisions map[string]core.Decision
	positions map[string]core.Position // keyed by decision_id
	tasks     int
}

func newMemStore() *memStore {
	return &memStore{decisions: map[string]core.Decision{}, positions: map[string]core.Position{}}
}

func (m *memStore) InsertDecision(_ context.Context, d core.Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.decisions[d.DecisionID]; !ok {
		m.decisions[d.DecisionID] = d
	}
	return nil
}

func (m *memStore) TryOpenPositionAtomic(_ context.Context, d core.Decision, pos core.Position) (*core.Position, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.decisions[d.DecisionID]; !ok {
		m.decisions[d.DecisionID] = d
	}
	if existing, ok := m.positions[d.DecisionID]; ok {
		cp := existing
		return &cp, true, nil
	}
	pos.Status = core.PositionOpen
	m.positions[d.DecisionID] = pos
	m.tasks++
	cp := pos
	return &cp, false, nil
}

func (m *memStore) GetKillSwitch(context.Context) (core.KillSwitch, error) {
	return core.KillSwitch{}, nil
}

func (m *memStore) GetOpenPositions(context.Context) ([]core.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.Position
	for _, p := range m.positions {
		if p.Status == core.PositionOpen {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memStore) GetBanditStat(_ context.Context, strategyID, regimeTag string) (core.BanditStat, error) {
	return core.BanditStat{StrategyID: strategyID, RegimeTag: regimeTag, Alpha: 1, Beta: 1}, nil
}

func (m *memStore) ListOpenCircuitBreakers(context.Context) ([]core.CircuitBreakerState, error) {
	return nil, nil
}

// memOrders satisfies oms.Store.
type memOrders struct {
	mu     sync.Mutex
	orders map[string]*core.Order
}

func (m *memOrders) InsertOrderIntent(_ context.Context, o core.Order) (*core.Order, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.orders == nil {
		m.orders = map[string]*core.Order{}
	}
	if existing, ok := m.orders[o.ClientOrderID]; ok {
		cp := *existing
		return &cp, true, nil
	}
	cp := o
	m.orders[o.ClientOrderID] = &cp
	out := cp
	return &out, false, nil
}

func (m *memOrders) GetOrder(_ context.Context, id string) (*core.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.orders[id]; ok {
		cp := *o
		return &cp, nil
	}
	return nil, nil
}

func (m *memOrders) UpdateOrderState(_ context.Context, id string, state core.OrderState, exchangeOrderID string, filled, avg decimal.Decimal, fills []core.Fill) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o := m.orders[id]
	o.State = state
	if exchangeOrderID != "" {
		o.ExchangeOrderID = exchangeOrderID
	}
	o.FilledQuantity = filled
	o.AvgFillPrice = avg
	o.Fills = fills
	return nil
}

func (m *memOrders) IncrementOrderRetries(context.Context, string) error { return nil }

func (m *memOrders) ListOpenOrders(context.Context, string) ([]core.Order, error) { return nil, nil }

// scriptedOracle plays back canned responses keyed on the system prompt's
// role.
type scriptedOracle struct {
	mu        sync.Mutex
	responses map[string]string // substring of system prompt -> response
	errOn     string            // substring whose call errors
}

func (o *scriptedOracle) Complete(_ context.Context, model, systemPrompt, _ string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.errOn != "" && containsSub(systemPrompt, o.errOn) {
		return "", errors.New("oracle unavailable")
	}
	for key, resp := range o.responses {
		if containsSub(systemPrompt, key) {
			return resp, nil
		}
	}
	return "", errors.New("no scripted response")
}

func containsSub(s, sub string) bool {
	return len(sub) > 0 && len(s) >= len(sub) && indexOf(s, sub) >= 0
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

func happyOracle() *scriptedOracle {
	return &scriptedOracle{responses: map[string]string{
		"credibility analyst": `{"trust_score": 72, "grade": "Mashhur", "corroboration_level": "MASHHUR", "corroboration_points": 15, "rugpull_flags": [], "sybil_risk": "LOW", "recommendation": "PROCEED", "reasoning": "solid"}`,
		"argue FOR":           `{"conviction": 70, "thesis": "momentum", "evidence": {"onchain_flow": "inflows", "holder_distribution": "healthy", "liquidity_depth": "deep", "macro_context": "supportive", "tokenomics": "sane", "narrative": "strong", "unlock_schedule": "clear", "catalyst": "listing"}, "risks": []}`,
		"argue AGAINST":       `{"conviction": 35, "thesis": "overheated", "attack_points": ["crowded"], "risks": ["pullback"]}`,
		"adversarial reviewer": `{"verdict": "APPROVE", "confidence": 80, "reasoning": "bull case holds"}`,
	}}
}

type fakeEnricher struct {
	honeypot string
	rugpull  string
	sybil    string
}

func (f fakeEnricher) HolderAnalysis(context.Context, string, string) (int, float64, error) {
	return 4000, 22, nil
}

func (f fakeEnricher) HoneypotCheck(context.Context, string, string) (string, []string, error) {
	v := f.honeypot
	if v == "" {
		v = "CLEAN"
	}
	return v, nil, nil
}

func (f fakeEnricher) RugpullScan(context.Context, string, string) (string, []string, string, error) {
	v := f.rugpull
	if v == "" {
		v = "CLEAN"
	}
	s := f.sybil
	if s == "" {
		s = "LOW"
	}
	return v, nil, s, nil
}

func (f fakeEnricher) SimulateSell(context.Context, string, string, decimal.Decimal) (bool, decimal.Decimal, error) {
	return false, decimal.NewFromInt(100), nil
}

type env struct {
	pipe   *Pipeline
	store  *memStore
	llm    *llm.Client
	clock  fixedClock
	cfg    *config.Config
	prices *feed.PriceCache
}

func newEnv(t *testing.T, oracle llm.Oracle, enricher Enricher) *env {
	t.Helper()
	cfg := config.DefaultConfig()
	dir := t.TempDir()
	cfg.System.DataDir = dir
	cfg.System.KillSwitchFile = filepath.Join(dir, "kill_switch")
	cfg.System.FastPathFlagFile = filepath.Join(dir, "fast_path")

	clock := fixedClock{at: time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)}
	st := newMemStore()
	logger := noopLogger{}

	llmClient := llm.NewClient(oracle, nil, nil, logger, 10*time.Second)
	omsEngine := oms.New(&memOrders{}, nil, nil, logger, clock, cfg.Risk, cfg.PolicyGates, nil)
	policyEngine := policy.New(cfg.Risk, cfg.PolicyGates, cfg.Scoring, cfg.Budget, cfg.CircuitBreaker, st, logger)
	registry := strategy.DefaultRegistry(cfg.Risk)
	selector := strategy.NewSelector(registry, st, nil, logger)
	tracker := portfolio.NewTracker(filepath.Join(dir, "portfolio.json"), st, clock, decimal.NewFromInt(10_000), "paper")
	prices := feed.NewPriceCache("", clock)
	prices.Put(feed.ExchangeQuote{
		Symbol:    "BONKUSDT",
		Price:     decimal.NewFromFloat(0.25),
		BidPrice:  decimal.NewFromFloat(0.2499),
		AskPrice:  decimal.NewFromFloat(0.2501),
		Volume24h: decimal.NewFromInt(12_000_000),
		DepthOK:   true,
		Timestamp: clock.at.Add(-5 * time.Second),
	})

	if enricher == nil {
		enricher = fakeEnricher{}
	}

	pipe := New(Deps{
		Cfg:        cfg,
		Store:      st,
		Policy:     policyEngine,
		LLM:        llmClient,
		OMS:        omsEngine,
		Enricher:   enricher,
		Prices:     prices,
		Portfolio:  tracker,
		Selector:   selector,
		Registry:   registry,
		KillSwitch: flags.KillSwitch{Path: cfg.System.KillSwitchFile},
		FastPath:   flags.Flag{Path: cfg.System.FastPathFlagFile},
		Logger:     logger,
		Clock:      clock,
	})
	return &env{pipe: pipe, store: st, llm: llmClient, clock: clock, cfg: cfg, prices: prices}
}

// tier3Input is a meme signal that takes the full (non-fast-track) path.
func tier3Input(clock fixedClock) Input {
	sig := core.Signal{
		SignalID:      "sig-bonk-1",
		TokenAddress:  "BONK",
		Chain:         "",
		SourcePrimary: "birdeye",
		SignalType:    "MEME_GAINER",
		Thesis:        "bonk volume breakout with cross-source confirmation",
		Timestamp:     clock.at.Add(-5 * time.Minute),
		Price:         decimal.NewFromFloat(0.25),
		Volume24h:     decimal.NewFromInt(12_000_000),
		Liquidity:     decimal.NewFromInt(800_000),
		TokenAgeHours: 24 * 90,
		IsCEXListed:   true,
		RugcheckScore: 85,
	}
	return Input{
		Signal:           sig,
		CrossSources:     []string{"birdeye"},
		CrossSourceCount: 1, // single source: no fast-track
		RouterScore:      90,
		RegimeTag:        "NEUTRAL",
		RegimeFactor:     1,
		Venue:            "CEX",
		Exchange:         "binance",
	}
}

func TestRun_FullPathExecutes(t *testing.T) {
	e := newEnv(t, happyOracle(), nil)
	out, err := e.pipe.Run(context.Background(), tier3Input(e.clock))
	require.NoError(t, err)

	assert.Equal(t, core.DecisionExecute, out.Decision.Result)
	assert.False(t, out.FastTrack)
	require.NotNil(t, out.Position)
	assert.Equal(t, core.PositionOpen, out.Position.Status)
	assert.Equal(t, 1, e.store.tasks, "execution enqueues exactly one analyze task")

	// Four oracle calls: sanad, bull, bear, judge.
	assert.Equal(t, int64(4), e.llm.Calls())
}

func TestRun_KillSwitchBlocksBeforeAnyLLMCall(t *testing.T) {
	e := newEnv(t, happyOracle(), nil)
	ks := flags.KillSwitch{Path: e.cfg.System.KillSwitchFile}
	require.NoError(t, ks.Activate("test halt"))

	out, err := e.pipe.Run(context.Background(), tier3Input(e.clock))
	require.NoError(t, err)

	assert.Equal(t, core.DecisionBlock, out.Decision.Result)
	assert.Equal(t, 1, out.Decision.GateFailed)
	assert.Equal(t, "KILL_SWITCH", out.Decision.GateFailedName)
	assert.Equal(t, int64(0), e.llm.Calls(), "gate 1 precedes all LLM-dependent stages")
	assert.Empty(t, e.store.positions)
}

func TestRun_BearFailureFailsClosed(t *testing.T) {
	oracle := happyOracle()
	oracle.errOn = "argue AGAINST"
	e := newEnv(t, oracle, nil)

	out, err := e.pipe.Run(context.Background(), tier3Input(e.clock))
	require.NoError(t, err)
	assert.Equal(t, core.DecisionBlock, out.Decision.Result)
	assert.Equal(t, StageDebate, out.Decision.TerminalStage)
	assert.Empty(t, e.store.positions)
}

func TestRun_HoneypotHardBlocksBeforeLLM(t *testing.T) {
	e := newEnv(t, happyOracle(), fakeEnricher{honeypot: "HONEYPOT"})

	out, err := e.pipe.Run(context.Background(), tier3Input(e.clock))
	require.NoError(t, err)
	assert.Equal(t, core.DecisionBlock, out.Decision.Result)
	assert.Equal(t, int64(0), e.llm.Calls(), "hard gates run before oracle spend")
	assert.Equal(t, true, out.Decision.Packet["hard_gate"])
}

func TestRun_UnparseableLLMFailsClosed(t *testing.T) {
	oracle := happyOracle()
	oracle.responses["credibility analyst"] = "I think this token looks great!"
	e := newEnv(t, oracle, nil)

	out, err := e.pipe.Run(context.Background(), tier3Input(e.clock))
	require.NoError(t, err)
	assert.Equal(t, core.DecisionBlock, out.Decision.Result)
	assert.Equal(t, StageSanad, out.Decision.TerminalStage)
}

func TestRun_StaleSignalBlocksAtIntake(t *testing.T) {
	e := newEnv(t, happyOracle(), nil)
	in := tier3Input(e.clock)
	in.Signal.Timestamp = e.clock.at.Add(-2 * time.Hour)

	out, err := e.pipe.Run(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, core.DecisionBlock, out.Decision.Result)
	assert.Equal(t, StageIntake, out.Decision.TerminalStage)
	assert.Equal(t, int64(0), e.llm.Calls())
}

func TestRun_FastTrackSkipsAllOracles(t *testing.T) {
	e := newEnv(t, happyOracle(), nil)
	in := tier3Input(e.clock)
	// Tier 2 profile: large cap via enrichment is absent, so CEX-listed
	// non-meme symbol classifies TIER_2; corroborated by three sources.
	in.Signal.TokenAddress = "LINK"
	in.Signal.SignalType = "TRENDING_GAINER"
	in.Signal.MarketCap = decimal.New(8, 9) // $8B: TIER_2 alt large
	in.CrossSources = []string{"birdeye", "coingecko", "dexscreener"}
	in.CrossSourceCount = 3

	e.prices.Put(feed.ExchangeQuote{
		Symbol:    "LINKUSDT",
		Price:     decimal.NewFromFloat(14.2),
		BidPrice:  decimal.NewFromFloat(14.19),
		AskPrice:  decimal.NewFromFloat(14.21),
		DepthOK:   true,
		Timestamp: e.clock.at.Add(-5 * time.Second),
	})

	out, err := e.pipe.Run(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, out.FastTrack)
	assert.Equal(t, core.DecisionExecute, out.Decision.Result)
	assert.Equal(t, int64(0), e.llm.Calls(), "fast-track bypasses sanad, debate, and judge")
	require.NotNil(t, out.Position)
}

func TestRun_DeterministicDecisionID(t *testing.T) {
	e := newEnv(t, happyOracle(), nil)
	in := tier3Input(e.clock)
	want := ids.MakeDecisionID(in.Signal.SignalID, PolicyVersion)

	out, err := e.pipe.Run(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, want, out.Decision.DecisionID)
	if out.Position != nil {
		assert.Equal(t, ids.MakePositionID(want, 1), out.Position.PositionID)
	}
}

func TestRun_PaperOverrideDowngradesLowConfidenceReject(t *testing.T) {
	oracle := happyOracle()
	oracle.responses["adversarial reviewer"] = `{"verdict": "REJECT", "confidence": 60, "reasoning": "weak case"}`
	e := newEnv(t, oracle, nil)

	out, err := e.pipe.Run(context.Background(), tier3Input(e.clock))
	require.NoError(t, err)

	// REJECT at confidence 60 < catastrophic 85 becomes REVISE in paper
	// mode; the trade executes micro-sized.
	assert.Equal(t, core.DecisionExecute, out.Decision.Result)
	assert.Equal(t, true, out.Decision.Packet["paper_override"])
	assert.Equal(t, true, out.Decision.Packet["micro_sized"])
}

func TestRun_HighConfidenceRejectStandsInPaperMode(t *testing.T) {
	oracle := happyOracle()
	oracle.responses["adversarial reviewer"] = `{"verdict": "REJECT", "confidence": 95, "reasoning": "rug pattern"}`
	e := newEnv(t, oracle, nil)

	out, err := e.pipe.Run(context.Background(), tier3Input(e.clock))
	require.NoError(t, err)
	assert.Equal(t, core.DecisionBlock, out.Decision.Result)
	assert.Equal(t, 15, out.Decision.GateFailed)
}
