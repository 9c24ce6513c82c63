// Package consensus reduces per-market opinions from multiple prediction
// sources into a single calibrated call per market, with explicit tie-break,
// quorum and cross-market consistency rules.
package consensus

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/tacticore/tacticore/pkg/predict/markets"
)

// Status qualifies a market consensus.
type Status string

const (
	// StatusOK is a normal consensus meeting the confidence floor.
	StatusOK Status = "ok"
	// StatusUnclear marks a tie or a consistency-demoted call; confidence
	// is capped at the unclear ceiling.
	StatusUnclear Status = "unclear"
	// StatusAvoid marks a consensus below the confidence floor.
	StatusAvoid Status = "avoid"
	// StatusInsufficientData means fewer than the quorum voted.
	StatusInsufficientData Status = "insufficient_data"
)

// MarketVote is one source's opinion on one market.
type MarketVote struct {
	Source     string // agent role or model name, for the audit trail
	Market     markets.Market
	Selection  markets.Selection
	Confidence float64 // 0-100
	// Arbiter votes are held to the higher arbiter floor before they are
	// allowed to count.
	Arbiter bool
}

// FormSignals are the form-derived signals the consistency layer checks
// the votes against.
type FormSignals struct {
	HomeAvgGoals float64
	AwayAvgGoals float64
	// HomePositiveLast5 / AwayPositiveLast5 count wins+draws in the last
	// five matches.
	HomePositiveLast5 int
	AwayPositiveLast5 int
	// H2HGoallessTrend is set when the recent head-to-head meetings trend
	// goalless (literal 0-0s or one side blanked in most meetings).
	H2HGoallessTrend bool
}

// GoalExpectancy is the combined expected total used by the over/under rule.
func (s FormSignals) GoalExpectancy() float64 {
	return s.HomeAvgGoals + s.AwayAvgGoals
}

// MarketConsensus is the combined call for one market.
type MarketConsensus struct {
	Market         markets.Market    `json:"market"`
	Prediction     markets.Selection `json:"prediction"`
	Confidence     float64           `json:"confidence"`
	Status         Status            `json:"status"`
	AgreementCount int               `json:"agreement_count"`
	TotalVotes     int               `json:"total_votes"`
	Unanimous      bool              `json:"unanimous"`
	Reasoning      string            `json:"reasoning,omitempty"`
}

// BestBet is the single strongest recommendation across markets.
type BestBet struct {
	Market     markets.Market    `json:"market"`
	Selection  markets.Selection `json:"selection"`
	Confidence float64           `json:"confidence"`
	Reasoning  string            `json:"reasoning"`
}

// ConsistencyReport records what the cross-market layer did.
type ConsistencyReport struct {
	Check string   `json:"check"` // "passed" or "failed"
	Notes []string `json:"notes,omitempty"`
}

// RiskLevel classifies the overall consensus.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Prediction is the engine's full output for a fixture.
type Prediction struct {
	Markets           map[markets.Market]*MarketConsensus `json:"markets"`
	BestBet           *BestBet                            `json:"best_bet,omitempty"`
	ScorePrediction   string                              `json:"score_prediction,omitempty"`
	Consistency       ConsistencyReport                   `json:"consistency"`
	Agreement         float64                             `json:"agreement"` // 0-100
	OverallConfidence float64                             `json:"overall_confidence"`
	Risk              RiskLevel                           `json:"risk"`
}

// Config holds the engine thresholds. The canonical set: floor 60, arbiter
// floor 65, unclear ceiling 65, goal expectancy bounds 2.0 and 3.0,
// quorum 2.
type Config struct {
	ConfidenceFloor   float64
	ArbiterFloor      float64
	UnclearCeiling    float64
	GoalExpectancyLow float64
	GoalExpectancyHi  float64
	Quorum            int
}

// DefaultConfig returns the canonical thresholds.
func DefaultConfig() Config {
	return Config{
		ConfidenceFloor:   60,
		ArbiterFloor:      65,
		UnclearCeiling:    65,
		GoalExpectancyLow: 2.0,
		GoalExpectancyHi:  3.0,
		Quorum:            2,
	}
}

// Engine combines votes into a consensus prediction.
type Engine struct {
	cfg Config
}

// NewEngine creates an engine; a zero Config is replaced with the defaults.
func NewEngine(cfg Config) *Engine {
	if cfg.Quorum == 0 {
		cfg = DefaultConfig()
	}
	return &Engine{cfg: cfg}
}

// WithQuorum returns a copy of the engine with a different vote quorum.
// Quorum 1 is the single-model fallback: one configured agent, its calls
// taken at face value against the usual floors.
func (e *Engine) WithQuorum(n int) *Engine {
	cfg := e.cfg
	if n > 0 {
		cfg.Quorum = n
	}
	return &Engine{cfg: cfg}
}

// Reduce combines all votes into one Prediction. Markets with fewer than the
// quorum of votes come back as insufficient data; the pipeline still returns
// partial results for the markets that have enough.
func (e *Engine) Reduce(votes []MarketVote, signals FormSignals) *Prediction {
	byMarket := make(map[markets.Market][]MarketVote)
	for _, v := range votes {
		if v.Selection == "" {
			continue
		}
		if v.Arbiter && v.Confidence < e.cfg.ArbiterFloor {
			continue
		}
		byMarket[v.Market] = append(byMarket[v.Market], v)
	}

	pred := &Prediction{
		Markets:     make(map[markets.Market]*MarketConsensus),
		Consistency: ConsistencyReport{Check: "passed"},
	}

	for _, m := range []markets.Market{markets.MatchResult, markets.OverUnder25, markets.BTTS} {
		pred.Markets[m] = e.reduceMarket(m, byMarket[m])
	}

	e.applyConsistency(pred, signals)
	e.applyFloors(pred)
	pred.BestBet = e.pickBestBet(pred)
	pred.ScorePrediction = predictScore(pred)
	pred.Agreement = agreement(pred)
	pred.OverallConfidence = overallConfidence(pred)
	pred.Risk = riskLevel(pred.Agreement, pred.OverallConfidence)

	return pred
}

// reduceMarket applies the plurality algorithm to one market's votes.
func (e *Engine) reduceMarket(m markets.Market, votes []MarketVote) *MarketConsensus {
	mc := &MarketConsensus{Market: m, TotalVotes: len(votes)}

	if len(votes) < e.cfg.Quorum {
		mc.Status = StatusInsufficientData
		mc.Reasoning = fmt.Sprintf("only %d of %d required votes", len(votes), e.cfg.Quorum)
		return mc
	}

	type tally struct {
		count     int
		confSum   float64
		supporter []string
	}
	tallies := make(map[markets.Selection]*tally)
	for _, v := range votes {
		t := tallies[v.Selection]
		if t == nil {
			t = &tally{}
			tallies[v.Selection] = t
		}
		t.count++
		t.confSum += clamp(v.Confidence, 0, 100)
		t.supporter = append(t.supporter, v.Source)
	}

	// Deterministic ordering: count desc, then mean confidence desc, then
	// selection string for stability.
	type ranked struct {
		sel      markets.Selection
		count    int
		meanConf float64
		sources  []string
	}
	order := make([]ranked, 0, len(tallies))
	for sel, t := range tallies {
		order = append(order, ranked{sel, t.count, t.confSum / float64(t.count), t.supporter})
	}
	sort.Slice(order, func(i, j int) bool {
		if order[i].count != order[j].count {
			return order[i].count > order[j].count
		}
		if order[i].meanConf != order[j].meanConf {
			return order[i].meanConf > order[j].meanConf
		}
		return order[i].sel < order[j].sel
	})

	top := order[0]
	mc.Prediction = top.sel
	mc.AgreementCount = top.count
	mc.Unanimous = top.count == len(votes)
	mc.Confidence = math.Round(top.meanConf)
	mc.Status = StatusOK
	mc.Reasoning = fmt.Sprintf("%d/%d sources back %s (%s)", top.count, len(votes), top.sel, strings.Join(top.sources, ", "))

	// Tie on plurality: higher mean confidence among its voters wins; a
	// full tie makes the market unclear with capped confidence.
	if len(order) > 1 && order[1].count == top.count {
		if order[1].meanConf == top.meanConf {
			mc.Status = StatusUnclear
			mc.Confidence = math.Min(mc.Confidence, e.cfg.UnclearCeiling)
			mc.Reasoning = fmt.Sprintf("tied vote between %s and %s", top.sel, order[1].sel)
		} else {
			mc.Reasoning = fmt.Sprintf("tie on votes, %s wins on mean confidence (%.0f vs %.0f)", top.sel, top.meanConf, order[1].meanConf)
		}
	}

	return mc
}

// applyConsistency enforces the cross-market rules. It never raises an
// error: inconsistent votes are resolved by demoting confidence and flagging
// the report, not by picking a side arbitrarily.
func (e *Engine) applyConsistency(pred *Prediction, signals FormSignals) {
	ou := pred.Markets[markets.OverUnder25]
	btts := pred.Markets[markets.BTTS]

	expect := signals.GoalExpectancy()
	if ou != nil && ou.Status != StatusInsufficientData && expect > 0 {
		switch {
		case expect >= e.cfg.GoalExpectancyHi:
			if ou.Prediction != markets.SelOver {
				e.overrideOU(ou, markets.SelOver, expect)
			}
		case expect <= e.cfg.GoalExpectancyLow:
			if ou.Prediction != markets.SelUnder {
				e.overrideOU(ou, markets.SelUnder, expect)
			}
		default:
			// Dead zone: confident calls in either direction are demoted
			// to unclear rather than kept.
			ou.Status = StatusUnclear
			ou.Confidence = math.Min(ou.Confidence, e.cfg.UnclearCeiling)
			ou.Reasoning = fmt.Sprintf("goal expectancy %.1f sits in the 2.0-3.0 dead zone", expect)
			pred.Consistency.Notes = append(pred.Consistency.Notes, fmt.Sprintf("over/under marked unclear at expectancy %.1f", expect))
		}
	}

	// BTTS vs per-team scoring signal. Both sides on a positive run leans
	// Yes; a goalless head-to-head trend cuts confidence but never flips
	// the call silently.
	if btts != nil && btts.Status != StatusInsufficientData {
		bothInForm := signals.HomePositiveLast5 >= 3 && signals.AwayPositiveLast5 >= 3
		if bothInForm && btts.Prediction == markets.SelNo {
			btts.Confidence = math.Min(btts.Confidence, e.cfg.UnclearCeiling)
			btts.Status = StatusUnclear
			pred.Consistency.Notes = append(pred.Consistency.Notes, "btts No contradicts both teams' positive form")
		}
		if signals.H2HGoallessTrend && btts.Prediction == markets.SelYes {
			btts.Confidence = math.Max(0, btts.Confidence-10)
			pred.Consistency.Notes = append(pred.Consistency.Notes, "btts Yes demoted by goalless head-to-head trend")
		}
	}

	// Over + BTTS No (or Under + BTTS Yes with high confidence) is the
	// self-contradictory pair the engine must never emit confidently.
	if ou != nil && btts != nil && ou.Status == StatusOK && btts.Status == StatusOK {
		contradiction := (ou.Prediction == markets.SelOver && btts.Prediction == markets.SelNo && ou.Confidence >= 70 && btts.Confidence >= 70) ||
			(ou.Prediction == markets.SelUnder && btts.Prediction == markets.SelYes && ou.Confidence >= 70 && btts.Confidence >= 70)
		if contradiction {
			ou.Confidence = math.Min(ou.Confidence, e.cfg.UnclearCeiling)
			btts.Confidence = math.Min(btts.Confidence, e.cfg.UnclearCeiling)
			ou.Status = StatusUnclear
			btts.Status = StatusUnclear
			pred.Consistency.Check = "failed"
			pred.Consistency.Notes = append(pred.Consistency.Notes, fmt.Sprintf("contradictory pair: %s with BTTS %s", ou.Prediction, btts.Prediction))
		}
	}

	if len(pred.Consistency.Notes) > 0 && pred.Consistency.Check != "failed" {
		pred.Consistency.Check = "passed"
	}
}

func (e *Engine) overrideOU(ou *MarketConsensus, forced markets.Selection, expect float64) {
	ou.Prediction = forced
	ou.Status = StatusOK
	ou.Confidence = math.Max(ou.Confidence, e.cfg.ConfidenceFloor)
	ou.Reasoning = fmt.Sprintf("goal expectancy %.1f forces %s", expect, forced)
}

// applyFloors marks below-floor markets as avoid rather than keeping a
// forced pick.
func (e *Engine) applyFloors(pred *Prediction) {
	for _, mc := range pred.Markets {
		if mc.Status != StatusOK {
			continue
		}
		if mc.Confidence < e.cfg.ConfidenceFloor {
			mc.Status = StatusAvoid
			mc.Reasoning = fmt.Sprintf("confidence %.0f below floor %.0f", mc.Confidence, e.cfg.ConfidenceFloor)
		}
	}
}

// pickBestBet selects the highest-confidence market meeting the floor,
// preferring match result over the derived markets on ties.
func (e *Engine) pickBestBet(pred *Prediction) *BestBet {
	priority := map[markets.Market]int{
		markets.MatchResult: 0,
		markets.OverUnder25: 1,
		markets.BTTS:        2,
	}

	var best *MarketConsensus
	for _, mc := range pred.Markets {
		if mc.Status != StatusOK {
			continue
		}
		if best == nil ||
			mc.Confidence > best.Confidence ||
			(mc.Confidence == best.Confidence && priority[mc.Market] < priority[best.Market]) {
			best = mc
		}
	}
	if best == nil {
		return nil
	}
	return &BestBet{
		Market:     best.Market,
		Selection:  best.Prediction,
		Confidence: best.Confidence,
		Reasoning:  fmt.Sprintf("highest confidence across markets (%.0f%%)", best.Confidence),
	}
}

// predictScore picks the most plausible scoreline consistent with the match
// result and over/under calls.
func predictScore(pred *Prediction) string {
	mr := pred.Markets[markets.MatchResult]
	ou := pred.Markets[markets.OverUnder25]
	if mr == nil || mr.Status == StatusInsufficientData {
		return ""
	}
	over := ou != nil && ou.Prediction == markets.SelOver
	switch mr.Prediction {
	case markets.SelHome:
		if over {
			return "2-1"
		}
		return "1-0"
	case markets.SelAway:
		if over {
			return "1-2"
		}
		return "0-1"
	default:
		if over {
			return "2-2"
		}
		return "1-1"
	}
}

// agreement is the share of markets whose vote was unanimous, 0-100.
func agreement(pred *Prediction) float64 {
	total, unanimous := 0, 0
	for _, mc := range pred.Markets {
		if mc.TotalVotes == 0 {
			continue
		}
		total++
		if mc.Unanimous {
			unanimous++
		}
	}
	if total == 0 {
		return 0
	}
	return math.Round(float64(unanimous) / float64(total) * 100)
}

func overallConfidence(pred *Prediction) float64 {
	sum, n := 0.0, 0
	for _, mc := range pred.Markets {
		if mc.Status == StatusInsufficientData {
			continue
		}
		sum += mc.Confidence
		n++
	}
	if n == 0 {
		return 0
	}
	return math.Round(sum / float64(n))
}

func riskLevel(agreement, confidence float64) RiskLevel {
	switch {
	case agreement >= 75 && confidence >= 70:
		return RiskLow
	case agreement >= 50 && confidence >= 60:
		return RiskMedium
	default:
		return RiskHigh
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
