package coldpath

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dbos-inc/dbos-transact-golang/dbos"

	"sanad/internal/core"
	"sanad/internal/llm"
)

// DurableWorker wraps the analysis in a DBOS workflow so a worker killed
// mid-analysis (watchdog tier 2, host crash) resumes from the last
// completed step instead of re-running finished oracle calls. Each oracle
// call is one RunAsStep checkpoint; the task-row transitions stay in the
// plain Worker, which remains the fallback when no DBOS runtime is
// configured.
type DurableWorker struct {
	dbosCtx dbos.DBOSContext
	worker  *Worker
	logger  core.ILogger
}

func NewDurableWorker(dbosCtx dbos.DBOSContext, worker *Worker, logger core.ILogger) *DurableWorker {
	return &DurableWorker{
		dbosCtx: dbosCtx,
		worker:  worker,
		logger:  logger.WithField("component", "durable_async_worker"),
	}
}

// Start launches the DBOS runtime.
func (d *DurableWorker) Start(ctx context.Context) error {
	d.logger.Info("starting durable async worker")
	return d.dbosCtx.Launch()
}

// Stop shuts the runtime down, draining in-flight workflows.
func (d *DurableWorker) Stop() error {
	d.logger.Info("stopping durable async worker")
	d.dbosCtx.Shutdown(30 * time.Second)
	return nil
}

// analysisInput is the serializable workflow input.
type analysisInput struct {
	TaskID   string `json:"task_id"`
	EntityID string `json:"entity_id"`
}

// Analyze runs the analysis workflow for one claimed task and returns the
// attached result.
func (d *DurableWorker) Analyze(ctx context.Context, task *core.AsyncTask) (*Analysis, error) {
	handle, err := d.dbosCtx.RunWorkflow(d.dbosCtx, d.analysisWorkflow, &analysisInput{TaskID: task.TaskID, EntityID: task.EntityID})
	if err != nil {
		return nil, fmt.Errorf("start analysis workflow: %w", err)
	}
	result, err := handle.GetResult()
	if err != nil {
		return nil, err
	}
	analysis, ok := result.(*Analysis)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected workflow result type", errValidation)
	}
	return analysis, nil
}

// analysisWorkflow checkpoints each oracle call independently.
func (d *DurableWorker) analysisWorkflow(ctx dbos.DBOSContext, input any) (any, error) {
	in := input.(*analysisInput)
	w := d.worker
	analysis := &Analysis{RanAt: w.clock.Now().UTC().Format(time.RFC3339)}

	payloadRaw, err := ctx.RunAsStep(ctx, func(ctx context.Context) (any, error) {
		return w.positionPayload(ctx, in.EntityID)
	})
	if err != nil {
		return nil, err
	}
	position := payloadRaw.(string)

	sanadRaw, err := ctx.RunAsStep(ctx, func(ctx context.Context) (any, error) {
		return w.llm.Complete(ctx, w.cfg.ColdPath.Model, deepSanadSystemPrompt, position)
	})
	if err != nil {
		return nil, fmt.Errorf("deep sanad: %w", err)
	}
	if err := llm.ExtractJSON(sanadRaw.(string), &analysis.Sanad); err != nil {
		return nil, err
	}

	bullRaw, err := ctx.RunAsStep(ctx, func(ctx context.Context) (any, error) {
		return w.llm.Complete(ctx, w.cfg.ColdPath.Model, deepBullSystemPrompt, position)
	})
	if err != nil {
		return nil, fmt.Errorf("bull: %w", err)
	}
	if err := llm.ExtractJSON(bullRaw.(string), &analysis.Bull); err != nil {
		return nil, err
	}

	bearRaw, err := ctx.RunAsStep(ctx, func(ctx context.Context) (any, error) {
		return w.llm.Complete(ctx, w.cfg.ColdPath.Model, deepBearSystemPrompt, position)
	})
	if err != nil {
		return nil, fmt.Errorf("bear: %w", err)
	}
	if err := llm.ExtractJSON(bearRaw.(string), &analysis.Bear); err != nil {
		return nil, err
	}

	judgeRaw, err := ctx.RunAsStep(ctx, func(ctx context.Context) (any, error) {
		judgeInput, _ := json.Marshal(map[string]interface{}{
			"position": json.RawMessage(position),
			"sanad":    analysis.Sanad,
			"bull":     analysis.Bull,
			"bear":     analysis.Bear,
		})
		return w.llm.Complete(ctx, w.cfg.ColdPath.JudgeModel, deepJudgeSystemPrompt, string(judgeInput))
	})
	if err != nil {
		return nil, fmt.Errorf("judge: %w", err)
	}
	if err := llm.ExtractJSON(judgeRaw.(string), &analysis.Judge); err != nil {
		return nil, fmt.Errorf("%w: %v", errJudgeParse, err)
	}
	if err := analysis.Judge.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", errJudgeParse, err)
	}

	if analysis.Judge.Verdict == "REJECT" && analysis.Judge.Confidence >= w.cfg.ColdPath.CatastrophicConfidenceThreshold {
		analysis.RiskFlag = core.FlagJudgeHighConfReject
	}
	return analysis, nil
}
