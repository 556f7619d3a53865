// Package router implements the Signal Router: each cycle it
// reads the freshest signals from every feed directory, annotates
// cross-source corroboration, scores and filters candidates, and hands the
// single best survivor to the Pipeline under a timeout. Router state
// (processed hashes, daily run count) is persisted atomically on every exit
// path after the early pause-flag exit, which leaves it untouched.
package router

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"sanad/internal/config"
	"sanad/internal/core"
	"sanad/internal/feed"
	"sanad/internal/flags"
	"sanad/internal/ids"
	"sanad/internal/pipeline"
	"sanad/internal/store"
)

// Pipeline is the narrow downstream contract; the concrete pipeline and a
// test recorder both satisfy it.
type Pipeline interface {
	Run(ctx context.Context, in pipeline.Input) (*pipeline.Outcome, error)
}

// PortfolioView supplies the open-token and daily-loss state the router
// filters on.
type PortfolioView interface {
	DailyPnLPct() float64
	LastTradeTimes() map[string]time.Time
}

// Router selects one candidate per cycle.
type Router struct {
	cfg       *config.Config
	readers   []*feed.DirReader
	pipe      Pipeline
	store     *store.Store
	portfolio PortfolioView
	pause     flags.Flag
	lease     flags.LeaseFile
	state     *State
	regime    RegimeSource
	logger    core.ILogger
	clock     core.Clock
}

// RegimeSource supplies the market-regime adjustment (fear/greed). The
// concrete reader is a feed collaborator; nil means no adjustment.
type RegimeSource interface {
	Regime() (tag string, scoreAdjustment int, sizeFactor float64)
}

func New(cfg *config.Config, pipe Pipeline, st *store.Store, portfolio PortfolioView, regime RegimeSource, logger core.ILogger, clock core.Clock) *Router {
	if clock == nil {
		clock = core.RealClock{}
	}
	readers := make([]*feed.DirReader, 0, len(cfg.Router.FeedDirs))
	for _, dir := range cfg.Router.FeedDirs {
		source := sourceNameFromDir(dir)
		readers = append(readers, feed.NewDirReader(dir, source, logger))
	}
	return &Router{
		cfg:       cfg,
		readers:   readers,
		pipe:      pipe,
		store:     st,
		portfolio: portfolio,
		pause:     flags.Flag{Path: cfg.System.PauseFlagFile},
		lease:     flags.LeaseFile{Dir: cfg.System.LeaseDir, Owner: "signal_router"},
		state:     NewState(cfg.Router.StateFile),
		regime:    regime,
		logger:    logger.WithField("component", "signal_router"),
		clock:     clock,
	}
}

func sourceNameFromDir(dir string) string {
	parts := strings.Split(strings.TrimRight(dir, "/"), "/")
	return parts[len(parts)-1]
}

// candidate pairs a scored signal with its corroboration context.
type candidate struct {
	raw        feed.RawSignal
	signal     core.Signal
	score      int
	sources    []string
	crossCount int
	sourceAge  time.Duration
}

// RunCycle executes one router pass. Every exit path after the pause-flag
// check persists router state.
func (r *Router) RunCycle(ctx context.Context) error {
	now := r.clock.Now()

	if r.pause.Set() {
		r.logger.Info("pause flag present, exiting early")
		return nil
	}

	if err := r.lease.Start(int((2 * time.Minute).Seconds()), now); err != nil {
		r.logger.Warn("lease write failed", "error", err)
	}
	defer r.lease.Complete(r.clock.Now())

	if err := r.store.UpsertLease(ctx, core.Lease{Owner: "signal_router", StartedAt: now, HeartbeatAt: now, TTLSeconds: 120}); err != nil {
		r.logger.Warn("store lease write failed", "error", err)
	}

	r.state.Load()
	r.state.RollDay(now)
	defer func() {
		if err := r.state.Save(now); err != nil {
			r.logger.Error("router state save failed", "error", err)
		}
	}()

	if r.state.DailyRuns() >= r.cfg.Router.DailyRunBudget {
		r.logger.Info("daily pipeline budget exhausted",
			"runs", r.state.DailyRuns(), "budget", r.cfg.Router.DailyRunBudget)
		return nil
	}

	if r.portfolio.DailyPnLPct() <= -r.cfg.Risk.DailyLossLimitPct {
		r.logger.Warn("daily loss limit hit, skipping all signals")
		return nil
	}

	candidates, err := r.gather(ctx, now)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		r.logger.Info("no actionable signals after filtering")
		return nil
	}

	regimeTag, regimeAdj, regimeFactor := "UNKNOWN", 0, 1.0
	if r.regime != nil {
		regimeTag, regimeAdj, regimeFactor = r.regime.Regime()
	}
	for i := range candidates {
		candidates[i].score += regimeAdj
	}

	r.rank(candidates)
	selected := candidates[0]
	r.logger.Info("selected signal",
		"token", selected.signal.TokenAddress, "score", selected.score,
		"cross_sources", selected.crossCount, "source", selected.signal.SourcePrimary)

	return r.invokePipeline(ctx, selected, regimeTag, regimeFactor)
}

// gather reads every feed directory, annotates corroboration, and applies
// the pre-LLM filters.
func (r *Router) gather(ctx context.Context, now time.Time) ([]candidate, error) {
	staleThreshold := time.Duration(r.cfg.Router.StaleThresholdMinutes) * time.Minute

	type sourced struct {
		raw feed.RawSignal
		age time.Duration
		src string
	}
	var all []sourced
	tokenSources := map[string]map[string]bool{}

	for _, reader := range r.readers {
		signals, age, err := reader.Latest(now)
		if err != nil {
			r.logger.Warn("feed read failed", "source", reader.Source, "error", err)
			continue
		}
		if age > staleThreshold {
			r.logger.Info("feed stale, skipping", "source", reader.Source, "age", age)
			continue
		}
		for _, s := range signals {
			token := strings.ToUpper(s.Token)
			if tokenSources[token] == nil {
				tokenSources[token] = map[string]bool{}
			}
			tokenSources[token][reader.Source] = true
			all = append(all, sourced{raw: s, age: age, src: reader.Source})
		}
	}

	openTokens, err := r.openTokens(ctx)
	if err != nil {
		return nil, err
	}
	lastTrades := r.portfolio.LastTradeTimes()
	cooldown := time.Duration(r.cfg.PolicyGates.CooldownMinutes) * time.Minute
	rejectCooldown := time.Duration(r.cfg.Router.PerTokenRejectCooldownMinutes) * time.Minute

	var out []candidate
	for _, s := range all {
		token := strings.ToUpper(s.raw.Token)
		sig := s.raw.ToSignal()

		if token == "" || sig.Thesis == "" {
			continue
		}
		ts := s.raw.ParsedTimestamp()
		if ts.IsZero() || now.Sub(ts) > staleThreshold {
			continue
		}
		if openTokens[sig.TokenAddress] || openTokens[token] {
			continue
		}
		if last, ok := lastTrades[sig.TokenAddress]; ok && now.Sub(last) < cooldown {
			continue
		}
		if r.state.Processed(sig.SignalID) {
			continue
		}
		if r.state.RecentlyRejected(token, now, rejectCooldown) {
			continue
		}
		if r.state.Blacklisted(token) {
			continue
		}
		// Paid-promotion-only signals carry no organic interest.
		if s.raw.PaidPromotion && len(tokenSources[token]) < 2 {
			continue
		}
		// Rugcheck floor for non-premium (DEX-only) tiers.
		if s.raw.RugcheckScore != nil && *s.raw.RugcheckScore < 30 && !s.raw.CEXListed {
			continue
		}

		var srcs []string
		for src := range tokenSources[token] {
			srcs = append(srcs, src)
		}
		sort.Strings(srcs)
		crossCount := len(srcs)

		sig.Sources = srcs
		sig.CorroborationCnt = crossCount

		out = append(out, candidate{
			raw:        s.raw,
			signal:     sig,
			score:      Score(s.raw, s.age, crossCount >= 2),
			sources:    srcs,
			crossCount: crossCount,
			sourceAge:  s.age,
		})
	}
	return out, nil
}

func (r *Router) openTokens(ctx context.Context) (map[string]bool, error) {
	positions, err := r.store.GetOpenPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("load open positions: %w", err)
	}
	open := make(map[string]bool, len(positions))
	for _, p := range positions {
		open[p.TokenAddress] = true
	}
	return open, nil
}

// rank orders candidates best-first: score, then CEX listing, then
// cross-source corroboration, then survived age (older wins).
func (r *Router) rank(cands []candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.signal.IsCEXListed != b.signal.IsCEXListed {
			return a.signal.IsCEXListed
		}
		if a.crossCount != b.crossCount {
			return a.crossCount > b.crossCount
		}
		return a.signal.TokenAgeHours > b.signal.TokenAgeHours
	})
}

// invokePipeline runs the pipeline under the configured timeout. A timeout
// or crash records a SKIP decision with the reason; the signal is marked
// processed either way so the next cycle moves on.
func (r *Router) invokePipeline(ctx context.Context, c candidate, regimeTag string, regimeFactor float64) error {
	r.state.MarkProcessed(c.signal.SignalID)
	r.state.CountRun()

	venue, exchange := "DEX", "raydium"
	if c.signal.IsCEXListed {
		venue, exchange = "CEX", "binance"
	}

	in := pipeline.Input{
		Signal:           c.signal,
		CrossSources:     c.sources,
		CrossSourceCount: c.crossCount,
		RouterScore:      c.score,
		RegimeTag:        regimeTag,
		RegimeFactor:     regimeFactor,
		Venue:            venue,
		Exchange:         exchange,
	}

	timeout := time.Duration(r.cfg.Router.PipelineTimeoutSeconds) * time.Second
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := r.pipe.Run(runCtx, in)
	if err != nil {
		reason := fmt.Sprintf("pipeline error: %v", err)
		if runCtx.Err() == context.DeadlineExceeded {
			reason = fmt.Sprintf("pipeline timeout after %s", timeout)
		}
		r.logger.Error("pipeline run failed, recording SKIP", "error", err)
		skip := core.Decision{
			DecisionID:    ids.MakeDecisionID(c.signal.SignalID, pipeline.PolicyVersion),
			SignalID:      c.signal.SignalID,
			PolicyVersion: pipeline.PolicyVersion,
			Result:        core.DecisionSkip,
			TerminalStage: "ROUTER",
			ReasonCode:    reason,
			CreatedAt:     r.clock.Now(),
		}
		if insertErr := r.store.InsertDecision(ctx, skip); insertErr != nil {
			r.logger.Error("record SKIP decision failed", "error", insertErr)
		}
		return nil
	}

	if out.Decision.Result != core.DecisionExecute {
		r.state.MarkRejected(strings.ToUpper(c.raw.Token), r.clock.Now())
	}
	r.logger.Info("pipeline finished",
		"result", out.Decision.Result, "stage", out.Decision.TerminalStage,
		"reason", out.Decision.ReasonCode, "fast_track", out.FastTrack)
	return nil
}
