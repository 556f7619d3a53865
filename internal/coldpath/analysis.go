package coldpath

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"sanad/internal/core"
	"sanad/internal/llm"
)

// analyze runs the deep analysis for one claimed task: Sanad deep-check,
// then Bull and Bear (in parallel when configured), then the Judge over
// the full transcript. Both debaters must return before the Judge runs.
func (w *Worker) analyze(ctx context.Context, task *core.AsyncTask) (*Analysis, error) {
	runCtx, cancel := context.WithTimeout(ctx, time.Duration(w.cfg.ColdPath.TimeoutSeconds)*time.Second)
	defer cancel()

	position, err := w.positionPayload(runCtx, task.EntityID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errValidation, err)
	}

	analysis := &Analysis{RanAt: w.clock.Now().UTC().Format(time.RFC3339)}

	sanadRaw, err := w.llm.Complete(runCtx, w.cfg.ColdPath.Model, deepSanadSystemPrompt, position)
	if err != nil {
		return nil, fmt.Errorf("deep sanad: %w", err)
	}
	if err := llm.ExtractJSON(sanadRaw, &analysis.Sanad); err != nil {
		return nil, err
	}
	if err := analysis.Sanad.Validate(); err != nil {
		return nil, err
	}

	if err := w.runDebate(runCtx, position, analysis); err != nil {
		return nil, err
	}

	judgeInput, _ := json.Marshal(map[string]interface{}{
		"position": json.RawMessage(position),
		"sanad":    analysis.Sanad,
		"bull":     analysis.Bull,
		"bear":     analysis.Bear,
	})
	judgeRaw, err := w.llm.Complete(runCtx, w.cfg.ColdPath.JudgeModel, deepJudgeSystemPrompt, string(judgeInput))
	if err != nil {
		return nil, fmt.Errorf("judge: %w", err)
	}
	if err := llm.ExtractJSON(judgeRaw, &analysis.Judge); err != nil {
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

// runDebate executes Bull and Bear, concurrently on the worker pool when
// parallel_bull_bear is enabled, serially otherwise. Either failing fails
// the analysis.
func (w *Worker) runDebate(ctx context.Context, position string, analysis *Analysis) error {
	bull := func() error {
		raw, err := w.llm.Complete(ctx, w.cfg.ColdPath.Model, deepBullSystemPrompt, position)
		if err != nil {
			return fmt.Errorf("bull: %w", err)
		}
		if err := llm.ExtractJSON(raw, &analysis.Bull); err != nil {
			return fmt.Errorf("bull: %w", err)
		}
		return analysis.Bull.Validate()
	}
	bear := func() error {
		raw, err := w.llm.Complete(ctx, w.cfg.ColdPath.Model, deepBearSystemPrompt, position)
		if err != nil {
			return fmt.Errorf("bear: %w", err)
		}
		if err := llm.ExtractJSON(raw, &analysis.Bear); err != nil {
			return fmt.Errorf("bear: %w", err)
		}
		return analysis.Bear.Validate()
	}

	if !w.cfg.ColdPath.ParallelBullBear || w.pool == nil {
		if err := bull(); err != nil {
			return err
		}
		return bear()
	}

	var wg sync.WaitGroup
	var bullErr, bearErr error
	wg.Add(2)
	_ = w.pool.Submit(func() { defer wg.Done(); bullErr = bull() })
	_ = w.pool.Submit(func() { defer wg.Done(); bearErr = bear() })
	wg.Wait()

	if bullErr != nil {
		return bullErr
	}
	return bearErr
}

// positionPayload serializes the position (entry context included) for the
// oracle prompts.
func (w *Worker) positionPayload(ctx context.Context, positionID string) (string, error) {
	positions, err := w.store.GetOpenPositions(ctx)
	if err != nil {
		return "", err
	}
	for _, p := range positions {
		if p.PositionID == positionID {
			payload, _ := json.Marshal(map[string]interface{}{
				"position_id": p.PositionID,
				"symbol":      p.Symbol,
				"token":       p.TokenAddress,
				"strategy":    p.Strategy,
				"entry_price": p.EntryPrice,
				"size":        p.Size,
				"opened_at":   p.OpenedAt.UTC().Format(time.RFC3339),
			})
			return string(payload), nil
		}
	}
	// A position closed before its analysis ran is still analyzable; use a
	// minimal payload rather than failing validation forever.
	payload, _ := json.Marshal(map[string]string{"position_id": positionID, "status": "CLOSED"})
	return string(payload), nil
}

const deepSanadSystemPrompt = `You are running a post-execution deep credibility review of an opened trading position. Respond with ONLY a JSON object: {"trust_score": 0-100, "grade": "...", "corroboration_level": "...", "corroboration_points": 0-30, "rugpull_flags": [...], "sybil_risk": "LOW|MEDIUM|HIGH|CRITICAL", "recommendation": "PROCEED|CAUTION|REJECT", "reasoning": "..."}`

const deepBullSystemPrompt = `You argue FOR keeping this open position. Respond with ONLY a JSON object: {"conviction": 0-100, "thesis": "...", "evidence": {}, "risks": [...]}`

const deepBearSystemPrompt = `You argue AGAINST keeping this open position. Attack the entry thesis. Respond with ONLY a JSON object: {"conviction": 0-100, "thesis": "...", "attack_points": [...], "risks": [...]}`

const deepJudgeSystemPrompt = `You are the adversarial reviewer of an already-executed trade. Rule on whether the entry should have happened. Respond with ONLY a JSON object: {"verdict": "APPROVE|REJECT|REVISE", "confidence": 0-100, "reasoning": "..."}`
