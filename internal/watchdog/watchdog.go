// Package watchdog implements the self-healing observer: it
// reads scheduler leases and output freshness, and auto-remediates stuck
// components in escalating tiers. Attempt counters persist in the State
// Store because cron restarts must not reset the escalation ladder.
package watchdog

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"sanad/internal/config"
	"sanad/internal/core"
	"sanad/internal/flags"
	"sanad/internal/notify"
	"sanad/internal/store"
)

// Tier numbers for the escalation ladder. Tier 3.5 is stored as 35 in the
// persisted counter to keep the column integral.
const (
	Tier1        = 1
	Tier2        = 2
	Tier3        = 3
	Tier35       = 35
	Tier4        = 4
)

// Watched describes one component under watchdog supervision.
type Watched struct {
	Name           string
	ProcessPattern string        // pkill -f pattern for tiers 1-3
	LockFile       string        // stale lock to clear at tier 1
	OutputGlob     string        // freshness fallback when the lease is stale
	LeaseTTL       time.Duration // grace beyond the lease's own TTL
	ForceRunCmd    []string      // tier 2 synchronous re-run
	FastPathFlag   string        // tier 3 emergency fast-path flag
	PauseFlag      string        // tier 4 pause flag
}

// Runner abstracts process control so tests can observe kills and runs
// without touching real processes.
type Runner interface {
	Kill(pattern string) error
	Run(ctx context.Context, cmd []string) error
}

// ExecRunner is the production Runner.
type ExecRunner struct{}

func (ExecRunner) Kill(pattern string) error {
	// pkill returns 1 when nothing matched; that is a success here.
	err := exec.Command("pkill", "-f", pattern).Run()
	if err != nil {
		var exitErr *exec.ExitError
		if ok := asExitError(err, &exitErr); ok && exitErr.ExitCode() == 1 {
			return nil
		}
	}
	return err
}

func (ExecRunner) Run(ctx context.Context, cmd []string) error {
	if len(cmd) == 0 {
		return nil
	}
	c := exec.CommandContext(ctx, cmd[0], cmd[1:]...)
	return c.Run()
}

func asExitError(err error, target **exec.ExitError) bool {
	e, ok := err.(*exec.ExitError)
	if ok {
		*target = e
	}
	return ok
}

// Watchdog sweeps the watched components each cycle.
type Watchdog struct {
	cfg      *config.Config
	store    *store.Store
	notifier *notify.Manager
	runner   Runner
	watched  []Watched
	logger   core.ILogger
	clock    core.Clock
	diagDir  string
	resetDir string
}

func New(cfg *config.Config, st *store.Store, notifier *notify.Manager, runner Runner, watched []Watched, logger core.ILogger, clock core.Clock) *Watchdog {
	if clock == nil {
		clock = core.RealClock{}
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Watchdog{
		cfg:      cfg,
		store:    st,
		notifier: notifier,
		runner:   runner,
		watched:  watched,
		logger:   logger.WithField("component", "watchdog"),
		clock:    clock,
		diagDir:  filepath.Join(cfg.System.DataDir, "diagnostics"),
		resetDir: filepath.Join(cfg.System.DataDir, "reset_queue"),
	}
}

// RunCycle checks every watched component and remediates the stuck ones.
func (w *Watchdog) RunCycle(ctx context.Context) error {
	now := w.clock.Now()
	for _, target := range w.watched {
		healthy, why := w.healthy(ctx, target, now)
		if healthy {
			w.recover(ctx, target, now)
			continue
		}
		w.logger.Warn("component unhealthy", "component", target.Name, "reason", why)
		if err := w.remediate(ctx, target, why, now); err != nil {
			w.logger.Error("remediation failed", "component", target.Name, "error", err)
		}
	}
	w.sweepStaleLocks(now)
	return nil
}

// healthy applies the lease-based check: a component is healthy iff its
// lease is fresh OR its output files are fresh within TTL. Both stale
// additionally queues a reset request for the reset daemon.
func (w *Watchdog) healthy(ctx context.Context, target Watched, now time.Time) (bool, string) {
	leaseFresh := false
	lease := flags.LeaseFile{Dir: w.cfg.System.LeaseDir, Owner: target.Name}
	if l, err := lease.Read(); err == nil && l != nil {
		ttl := time.Duration(l.TTLSeconds)*time.Second + target.LeaseTTL
		if now.Sub(l.HeartbeatAt) <= ttl {
			leaseFresh = true
		}
	}
	if !leaseFresh {
		// Fall back to the store lease; a worker whose disk write failed
		// may still have heartbeat through the store.
		if l, err := w.store.GetLease(ctx, target.Name); err == nil && l != nil {
			ttl := time.Duration(l.TTLSeconds)*time.Second + target.LeaseTTL
			if now.Sub(l.HeartbeatAt) <= ttl {
				leaseFresh = true
			}
		}
	}
	if leaseFresh {
		return true, ""
	}

	if target.OutputGlob != "" {
		if mtime, ok := latestMtime(target.OutputGlob); ok && now.Sub(mtime) <= target.LeaseTTL {
			return true, ""
		}
	}

	w.queueReset(target, now)
	return false, "lease and output both stale"
}

// remediate escalates through the tier ladder, one tier per cycle, counter
// persisted across restarts.
func (w *Watchdog) remediate(ctx context.Context, target Watched, why string, now time.Time) error {
	attempt, err := w.store.GetWatchdogAttempt(ctx, target.Name)
	if err != nil {
		return fmt.Errorf("load attempt counter: %w", err)
	}

	nextTier := nextTierAfter(attempt.Tier)
	if err := w.store.BumpWatchdogTier(ctx, target.Name, nextTier, now); err != nil {
		return fmt.Errorf("persist tier bump: %w", err)
	}
	w.logger.Warn("escalating", "component", target.Name, "tier", tierLabel(nextTier), "attempts", attempt.Attempts+1)

	switch nextTier {
	case Tier1:
		if err := w.runner.Kill(target.ProcessPattern); err != nil {
			return err
		}
		if target.LockFile != "" {
			lock := flags.Lock{Path: target.LockFile}
			if lock.Stale(now) {
				_ = lock.Release()
			}
		}
	case Tier2:
		if err := w.runner.Kill(target.ProcessPattern); err != nil {
			return err
		}
		if err := w.runner.Run(ctx, target.ForceRunCmd); err != nil {
			return fmt.Errorf("forced synchronous run: %w", err)
		}
	case Tier3:
		if err := w.runner.Kill(target.ProcessPattern); err != nil {
			return err
		}
		if target.FastPathFlag != "" {
			if err := (flags.Flag{Path: target.FastPathFlag}).Raise("watchdog tier 3"); err != nil {
				return fmt.Errorf("raise fast-path flag: %w", err)
			}
		}
	case Tier35:
		return w.shipDiagnostics(ctx, target, why, now)
	case Tier4:
		if target.PauseFlag != "" {
			if err := (flags.Flag{Path: target.PauseFlag}).Raise("watchdog tier 4: " + why); err != nil {
				return fmt.Errorf("raise pause flag: %w", err)
			}
		}
		if w.notifier != nil {
			w.notifier.Send(ctx, "Watchdog tier 4: component paused",
				fmt.Sprintf("component=%s reason=%s — operator intervention required", target.Name, why),
				notify.L4, map[string]string{"component": target.Name})
		}
	}
	return nil
}

// recover resets the persisted counter once a previously failing component
// is observed healthy again — reset is an explicit recovery signal keyed on
// observed health, never implicit in a tier action.
func (w *Watchdog) recover(ctx context.Context, target Watched, now time.Time) {
	attempt, err := w.store.GetWatchdogAttempt(ctx, target.Name)
	if err != nil || attempt.Tier == 0 {
		return
	}
	if err := w.store.ClearWatchdogAttempt(ctx, target.Name, now); err != nil {
		w.logger.Warn("clear attempt counter failed", "component", target.Name, "error", err)
		return
	}
	w.logger.Info("component recovered, escalation ladder reset", "component", target.Name, "from_tier", tierLabel(attempt.Tier))
	// Recovery also clears the tier 3/4 artifacts the ladder raised.
	if target.FastPathFlag != "" {
		_ = (flags.Flag{Path: target.FastPathFlag}).Clear()
	}
	if target.PauseFlag != "" {
		_ = (flags.Flag{Path: target.PauseFlag}).Clear()
	}
}

// shipDiagnostics writes the tier 3.5 diagnostic package to the well-known
// path with a 30-minute operator deadline.
func (w *Watchdog) shipDiagnostics(ctx context.Context, target Watched, why string, now time.Time) error {
	attempts, _ := w.store.ListWatchdogAttempts(ctx)
	leases, _ := w.store.ListLeases(ctx)
	breakers, _ := w.store.ListOpenCircuitBreakers(ctx)

	pkg := map[string]interface{}{
		"component":     target.Name,
		"reason":        why,
		"generated_at":  now.UTC().Format(time.RFC3339),
		"deadline":      now.Add(30 * time.Minute).UTC().Format(time.RFC3339),
		"attempts":      attempts,
		"leases":        leases,
		"open_breakers": breakers,
	}
	path := filepath.Join(w.diagDir, fmt.Sprintf("%s_%s.json", target.Name, now.UTC().Format("20060102_150405")))
	if err := flags.WriteJSONAtomic(path, pkg); err != nil {
		return fmt.Errorf("write diagnostic package: %w", err)
	}

	escalation := map[string]interface{}{
		"pending":   true,
		"component": target.Name,
		"package":   path,
		"deadline":  now.Add(30 * time.Minute).UTC().Format(time.RFC3339),
	}
	if err := flags.WriteJSONAtomic(filepath.Join(w.cfg.System.DataDir, "escalation.json"), escalation); err != nil {
		return fmt.Errorf("write escalation marker: %w", err)
	}

	if w.notifier != nil {
		w.notifier.Send(ctx, "Watchdog escalation (tier 3.5)",
			fmt.Sprintf("component=%s diagnostic=%s deadline=30m", target.Name, path),
			notify.L3, map[string]string{"component": target.Name})
	}
	return nil
}

// queueReset drops a reset request for the reset daemon when both liveness
// signals are stale.
func (w *Watchdog) queueReset(target Watched, now time.Time) {
	req := map[string]string{
		"component":    target.Name,
		"requested_at": now.UTC().Format(time.RFC3339),
		"reason":       "lease and output stale",
	}
	path := filepath.Join(w.resetDir, target.Name+".json")
	if err := flags.WriteJSONAtomic(path, req); err != nil {
		w.logger.Warn("queue reset request failed", "component", target.Name, "error", err)
	}
}

// sweepStaleLocks reclaims .lock markers past their TTL anywhere under the
// data directory.
func (w *Watchdog) sweepStaleLocks(now time.Time) {
	matches, err := filepath.Glob(filepath.Join(w.cfg.System.DataDir, "*.lock"))
	if err != nil {
		return
	}
	for _, path := range matches {
		lock := flags.Lock{Path: path}
		if lock.Stale(now) {
			if err := lock.Release(); err == nil {
				w.logger.Info("reclaimed stale lock", "path", path)
			}
		}
	}
}

func nextTierAfter(current int) int {
	switch current {
	case 0:
		return Tier1
	case Tier1:
		return Tier2
	case Tier2:
		return Tier3
	case Tier3:
		return Tier35
	default:
		return Tier4
	}
}

func tierLabel(tier int) string {
	if tier == Tier35 {
		return "3.5"
	}
	return strconv.Itoa(tier)
}

func latestMtime(glob string) (time.Time, bool) {
	matches, err := filepath.Glob(glob)
	if err != nil || len(matches) == 0 {
		return time.Time{}, false
	}
	var newest time.Time
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil {
			continue
		}
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
	}
	return newest, !newest.IsZero()
}

// DefaultWatched builds the standard watch list from configuration.
func DefaultWatched(cfg *config.Config) []Watched {
	dataDir := cfg.System.DataDir
	return []Watched{
		{
			Name:           "signal_router",
			ProcessPattern: "sanad-router",
			LockFile:       filepath.Join(dataDir, "router.lock"),
			OutputGlob:     strings.TrimRight(cfg.Router.StateFile, "/"),
			LeaseTTL:       10 * time.Minute,
			ForceRunCmd:    []string{"sanad-router", "--config", filepath.Join(dataDir, "config.yaml"), "--once"},
			FastPathFlag:   cfg.System.FastPathFlagFile,
			PauseFlag:      cfg.System.PauseFlagFile,
		},
		{
			Name:           "position_monitor",
			ProcessPattern: "sanad-monitor",
			LockFile:       filepath.Join(dataDir, "monitor.lock"),
			OutputGlob:     filepath.Join(dataDir, "trade_history.jsonl"),
			LeaseTTL:       10 * time.Minute,
			ForceRunCmd:    []string{"sanad-monitor", "--config", filepath.Join(dataDir, "config.yaml"), "--once"},
		},
		{
			Name:           "async_worker",
			ProcessPattern: "sanad-async-worker",
			LockFile:       filepath.Join(dataDir, "async_worker.lock"),
			LeaseTTL:       15 * time.Minute,
			ForceRunCmd:    []string{"sanad-async-worker", "--config", filepath.Join(dataDir, "config.yaml"), "--once"},
		},
	}
}
