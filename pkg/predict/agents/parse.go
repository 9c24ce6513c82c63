package agents

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/tacticore/tacticore/pkg/llm"
	"github.com/tacticore/tacticore/pkg/predict/markets"
)

var scoreRe = regexp.MustCompile(`^\d{1,2}\s*-\s*\d{1,2}$`)

// parseAgentResponse fills pred from a model response. An error means the
// output was unusable and the agent should reattempt or abstain. A response
// that parses but carries no market call at all is also treated as
// malformed; an explicit per-market omission is a valid abstention.
func parseAgentResponse(response string, pred *AgentPrediction) error {
	raw, err := llm.ExtractJSON(response)
	if err != nil {
		return err
	}

	pred.Result = parseCall(raw, "match_result", markets.MatchResult)
	pred.OverUnder = parseCall(raw, "over_under_25", markets.OverUnder25)
	pred.BTTS = parseCall(raw, "btts", markets.BTTS)

	if s, ok := llm.String(raw, "score"); ok {
		s = strings.ReplaceAll(s, " ", "")
		if scoreRe.MatchString(s) {
			pred.Score = s
		}
	}

	if pred.Result == nil && pred.OverUnder == nil && pred.BTTS == nil {
		return fmt.Errorf("no usable market call in response")
	}
	return nil
}

// parseCall reads one market object from the loose map. Unknown selections
// and missing confidence make the agent abstain on that market only.
func parseCall(raw map[string]interface{}, key string, market markets.Market) *MarketCall {
	obj, ok := llm.Object(raw, key)
	if !ok {
		return nil
	}

	rawSel, ok := llm.String(obj, "selection")
	if !ok || rawSel == "" {
		rawSel, ok = llm.String(obj, "prediction")
		if !ok || rawSel == "" {
			return nil
		}
	}
	sel, err := markets.NormalizeSelection(market, rawSel)
	if err != nil {
		return nil
	}

	conf, ok := llm.Float(obj, "confidence")
	if !ok {
		return nil
	}
	// Models occasionally answer on a 0-1 scale.
	if conf > 0 && conf <= 1 {
		conf *= 100
	}
	if conf < 0 {
		conf = 0
	}
	if conf > 100 {
		conf = 100
	}

	reasoning, _ := llm.String(obj, "reasoning")
	return &MarketCall{Selection: sel, Confidence: conf, Reasoning: reasoning}
}
