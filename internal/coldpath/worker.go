// Package coldpath implements the Async Analysis Queue: the
// durable cold-path worker that runs the deep Sanad check, the Bull/Bear
// debate, and the Judge verdict for every newly opened position. The
// atomic PENDING→RUNNING claim is the critical section; the post-claim
// attempts value is the sole authority for every retry decision.
package coldpath

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"sanad/internal/apperrors"
	"sanad/internal/config"
	"sanad/internal/core"
	"sanad/internal/flags"
	"sanad/internal/llm"
	"sanad/internal/notify"
	"sanad/internal/store"
	"sanad/pkg/concurrency"
)

// RetryDelays is the backoff ladder indexed by attempts_now - 1: first
// failure retries in 300s, second in 900s, third in 3600s. attempts >= MAX
// is a permanent failure.
var RetryDelays = []time.Duration{300 * time.Second, 900 * time.Second, 3600 * time.Second}

// Worker polls, claims, and processes ANALYZE tasks.
type Worker struct {
	cfg      *config.Config
	store    *store.Store
	llm      *llm.Client
	notifier *notify.Manager
	pool     *concurrency.WorkerPool
	lease    flags.LeaseFile
	logger   core.ILogger
	clock    core.Clock
}

func New(cfg *config.Config, st *store.Store, llmClient *llm.Client, notifier *notify.Manager, pool *concurrency.WorkerPool, logger core.ILogger, clock core.Clock) *Worker {
	if clock == nil {
		clock = core.RealClock{}
	}
	return &Worker{
		cfg:      cfg,
		store:    st,
		llm:      llmClient,
		notifier: notifier,
		pool:     pool,
		lease:    flags.LeaseFile{Dir: cfg.System.LeaseDir, Owner: "async_worker"},
		logger:   logger.WithField("component", "async_worker"),
		clock:    clock,
	}
}

// RunCycle polls for due tasks and processes each in turn. One cycle is one
// cron invocation; long LLM calls keep the lease fresh between tasks.
func (w *Worker) RunCycle(ctx context.Context) error {
	now := w.clock.Now()
	if err := w.lease.Start(int((5 * time.Minute).Seconds()), now); err != nil {
		w.logger.Warn("lease write failed", "error", err)
	}
	defer w.lease.Complete(w.clock.Now())

	tasks, err := w.store.PollPendingTasks(ctx, w.cfg.ColdPath.PollBatchSize, now)
	if err != nil {
		if errors.Is(err, apperrors.ErrDBBusy) {
			w.logger.Warn("store busy, abandoning cycle")
			return nil
		}
		return fmt.Errorf("poll pending tasks: %w", err)
	}

	for _, task := range tasks {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.processOne(ctx, task)
		_ = w.lease.Touch(w.clock.Now())
	}
	return nil
}

// processOne claims and executes a single task. Every path out of here is
// a guarded store transition keyed on the claim's post-increment attempts.
func (w *Worker) processOne(ctx context.Context, task core.AsyncTask) {
	claimed, err := w.store.ClaimAsyncTask(ctx, task.TaskID, w.clock.Now())
	if err != nil {
		w.logger.Warn("claim failed", "task_id", task.TaskID, "error", err)
		return
	}
	if claimed == nil {
		// Another worker raced us to it, or it is no longer due.
		return
	}
	attemptsNow := claimed.Attempts
	logger := w.logger.WithField("task_id", claimed.TaskID).WithField("attempt", attemptsNow)
	logger.Info("claimed task", "type", claimed.TaskType, "entity_id", claimed.EntityID)

	result, procErr := w.analyze(ctx, claimed)
	if procErr == nil {
		if err := w.store.SetAsyncAnalysisResult(ctx, claimed.EntityID, result.JSON()); err != nil {
			logger.Error("attach analysis result failed", "error", err)
		}
		w.applyVerdictFlags(ctx, claimed.EntityID, result, logger)
		if err := w.store.MarkTaskDone(ctx, claimed.TaskID); err != nil {
			logger.Error("mark done failed", "error", err)
		}
		logger.Info("task done", "verdict", result.Judge.Verdict, "risk_flagged", result.RiskFlag != "")
		return
	}

	code := errorCode(procErr)
	w.retryOrFail(ctx, claimed.TaskID, attemptsNow, code, procErr.Error(), logger)
}

// retryOrFail applies the retry ladder: attempts >= MAX fails permanently
// (flagging the position inside the same guarded transaction); otherwise
// the task returns to PENDING with the ladder delay.
func (w *Worker) retryOrFail(ctx context.Context, taskID string, attemptsNow int, code, msg string, logger core.ILogger) {
	if attemptsNow >= w.cfg.ColdPath.MaxAttempts {
		if err := w.store.MarkTaskFailedPermanent(ctx, taskID, code, msg); err != nil {
			logger.Error("mark failed-permanent failed", "error", err)
			return
		}
		logger.Error("task failed permanently", "code", code, "attempts", attemptsNow)
		if w.notifier != nil {
			w.notifier.Send(ctx, "Cold-path analysis failed permanently",
				fmt.Sprintf("task=%s code=%s attempts=%d", taskID, code, attemptsNow),
				notify.L3, nil)
		}
		return
	}

	idx := attemptsNow - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(RetryDelays) {
		idx = len(RetryDelays) - 1
	}
	delay := RetryDelays[idx]
	nextRun := w.clock.Now().Add(delay)
	if err := w.store.MarkTaskRetry(ctx, taskID, code, msg, nextRun); err != nil {
		logger.Error("mark retry failed", "error", err)
		return
	}
	logger.Warn("task retry scheduled", "code", code, "delay", delay, "attempt", attemptsNow, "max", w.cfg.ColdPath.MaxAttempts)
}

// applyVerdictFlags raises FLAG_JUDGE_HIGH_CONF_REJECT when the Judge
// rejected with confidence at or above the catastrophic threshold. The
// analysis itself succeeded, so the task still completes as DONE.
func (w *Worker) applyVerdictFlags(ctx context.Context, positionID string, result *Analysis, logger core.ILogger) {
	if result.RiskFlag == "" {
		return
	}
	if err := w.store.SetPositionRiskFlag(ctx, positionID, result.RiskFlag); err != nil {
		logger.Error("set risk flag failed", "flag", result.RiskFlag, "error", err)
		return
	}
	if w.notifier != nil && result.RiskFlag == core.FlagJudgeHighConfReject {
		w.notifier.Send(ctx, "Judge high-confidence REJECT on open position",
			fmt.Sprintf("position=%s confidence=%d reasoning=%s", positionID, result.Judge.Confidence, result.Judge.Reasoning),
			notify.L4, map[string]string{"position_id": positionID})
	}
}

func errorCode(err error) string {
	var classified *apperrors.Classified
	switch {
	case errors.As(err, &classified) && classified.Kind == apperrors.KindParseFault:
		return core.ErrJSONParse
	case errors.Is(err, errJudgeParse):
		return core.ErrJudgeParse
	case errors.Is(err, apperrors.ErrParseFailure):
		return core.ErrJSONParse
	case errors.Is(err, errValidation):
		return core.ErrValidation
	default:
		return core.ErrWorker
	}
}

var (
	errJudgeParse = errors.New("judge response parse failure")
	errValidation = errors.New("analysis validation failure")
)

// Analysis is the attached cold-path result.
type Analysis struct {
	Sanad    llm.SanadResponse  `json:"sanad"`
	Bull     llm.DebateResponse `json:"bull"`
	Bear     llm.DebateResponse `json:"bear"`
	Judge    llm.JudgeResponse  `json:"judge"`
	RiskFlag string             `json:"risk_flag,omitempty"`
	RanAt    string             `json:"ran_at"`
}

func (a *Analysis) JSON() string {
	data, _ := json.Marshal(a)
	return string(data)
}
