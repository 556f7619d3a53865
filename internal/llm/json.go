package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"sanad/internal/apperrors"
)

// ExtractJSON pulls the first JSON object out of raw oracle text. Models
// wrap their JSON in prose and markdown fences often enough that a strict
// json.Unmarshal of the whole body would reject most valid responses. A
// failure here is a parse fault (ERR_JSON_PARSE) — fail closed, never
// guess.
func ExtractJSON(raw string, v interface{}) error {
	candidate := strings.TrimSpace(raw)

	// Strip a ```json ... ``` fence if present.
	if strings.HasPrefix(candidate, "```") {
		if idx := strings.Index(candidate, "\n"); idx >= 0 {
			candidate = candidate[idx+1:]
		}
		if idx := strings.LastIndex(candidate, "```"); idx >= 0 {
			candidate = candidate[:idx]
		}
		candidate = strings.TrimSpace(candidate)
	}

	if err := json.Unmarshal([]byte(candidate), v); err == nil {
		return nil
	}

	// Fall back to the outermost braces.
	start := strings.Index(candidate, "{")
	end := strings.LastIndex(candidate, "}")
	if start < 0 || end <= start {
		return fmt.Errorf("%w: no JSON object in oracle output", apperrors.ErrParseFailure)
	}
	if err := json.Unmarshal([]byte(candidate[start:end+1]), v); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrParseFailure, err)
	}
	return nil
}

// SanadResponse is the strict schema the Sanad deep-check oracle must
// produce.
type SanadResponse struct {
	TrustScore         int      `json:"trust_score"`
	Grade              string   `json:"grade"`
	CorroborationLevel string   `json:"corroboration_level"`
	CorroborationPts   int      `json:"corroboration_points"`
	RugpullFlags       []string `json:"rugpull_flags"`
	SybilRisk          string   `json:"sybil_risk"`
	Recommendation     string   `json:"recommendation"`
	Reasoning          string   `json:"reasoning"`
}

// Validate enforces the trust_score range; everything else is re-derived
// deterministically by the caller.
func (r *SanadResponse) Validate() error {
	if r.TrustScore < 0 || r.TrustScore > 100 {
		return fmt.Errorf("%w: trust_score %d out of [0,100]", apperrors.ErrParseFailure, r.TrustScore)
	}
	return nil
}

// DebateResponse is the Bull/Bear argument schema.
type DebateResponse struct {
	Conviction   int               `json:"conviction"`
	Thesis       string            `json:"thesis"`
	Evidence     map[string]string `json:"evidence"`
	AttackPoints []string          `json:"attack_points"`
	Risks        []string          `json:"risks"`
}

func (r *DebateResponse) Validate() error {
	if r.Conviction < 0 || r.Conviction > 100 {
		return fmt.Errorf("%w: conviction %d out of [0,100]", apperrors.ErrParseFailure, r.Conviction)
	}
	return nil
}

// JudgeResponse is the adversarial reviewer's verdict schema.
type JudgeResponse struct {
	Verdict    string `json:"verdict"` // APPROVE | REJECT | REVISE
	Confidence int    `json:"confidence"`
	Reasoning  string `json:"reasoning"`
}

func (r *JudgeResponse) Validate() error {
	switch r.Verdict {
	case "APPROVE", "REJECT", "REVISE":
	default:
		return fmt.Errorf("%w: judge verdict %q", apperrors.ErrParseFailure, r.Verdict)
	}
	if r.Confidence < 0 || r.Confidence > 100 {
		return fmt.Errorf("%w: judge confidence %d out of [0,100]", apperrors.ErrParseFailure, r.Confidence)
	}
	return nil
}
