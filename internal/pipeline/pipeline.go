// Package pipeline coordinates one full analysis run: fetch the match
// context, run the agent panel, reduce the votes into a consensus and
// persist the session.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tacticore/tacticore/pkg/footdata"
	"github.com/tacticore/tacticore/pkg/metrics"
	"github.com/tacticore/tacticore/pkg/predict/agents"
	"github.com/tacticore/tacticore/pkg/predict/consensus"
	"github.com/tacticore/tacticore/pkg/predict/tracking"
	"github.com/tacticore/tacticore/pkg/store"
	"github.com/tacticore/tacticore/pkg/stream"
)

// Stage names a step of the analysis workflow, for latency metrics.
type Stage string

const (
	StageContextFetch Stage = "context_fetch"
	StageAgentPanel   Stage = "agent_panel"
	StageConsensus    Stage = "consensus"
	StagePersist      Stage = "persist"
)

// Config holds the analyzer knobs.
type Config struct {
	// Lang is the prompt and context language ("tr", "en", "de").
	Lang string
	// SessionTTL is how long an existing unsettled session for a fixture
	// keeps being served instead of running a fresh analysis.
	SessionTTL time.Duration
	// CouponSize caps the number of picks assembled into the daily coupon.
	CouponSize int
	// Concurrency bounds the parallel fixture analyses in DailyCoupon.
	Concurrency int
	// CouponUserID owns the system-generated daily coupon.
	CouponUserID string
}

// DefaultConfig returns the default analyzer configuration.
func DefaultConfig() Config {
	return Config{
		Lang:         "en",
		SessionTTL:   2 * time.Hour,
		CouponSize:   3,
		Concurrency:  5,
		CouponUserID: "system",
	}
}

// Result is one analysis run's output.
type Result struct {
	Session    *store.PredictionSession
	Prediction *consensus.Prediction
	Match      *footdata.MatchContext
	Reports    []agents.AgentPrediction
	// FromCache marks a result served from an existing session inside the
	// TTL instead of a fresh panel run.
	FromCache bool
}

// Analyzer runs the prediction pipeline for fixtures.
type Analyzer struct {
	provider footdata.Provider
	panel    *agents.Panel
	engine   *consensus.Engine
	st       store.Store
	rec      *tracking.Recorder
	hub      *stream.Hub
	met      *metrics.PredictionMetrics
	cfg      Config
	log      *logrus.Entry
	now      func() time.Time

	mu      sync.Mutex
	running map[int64]struct{}
}

// NewAnalyzer creates an analyzer. hub may be nil when streaming is off.
func NewAnalyzer(
	provider footdata.Provider,
	panel *agents.Panel,
	engine *consensus.Engine,
	st store.Store,
	rec *tracking.Recorder,
	hub *stream.Hub,
	cfg Config,
	log *logrus.Logger,
) *Analyzer {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultConfig().SessionTTL
	}
	if cfg.CouponSize <= 0 {
		cfg.CouponSize = DefaultConfig().CouponSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConfig().Concurrency
	}
	if cfg.CouponUserID == "" {
		cfg.CouponUserID = DefaultConfig().CouponUserID
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	// Single-model fallback: with one configured agent a quorum of two
	// would mark every market insufficient.
	if panel != nil && panel.Size() == 1 {
		engine = engine.WithQuorum(1)
	}
	return &Analyzer{
		provider: provider,
		panel:    panel,
		engine:   engine,
		st:       st,
		rec:      rec,
		hub:      hub,
		met:      metrics.Default(),
		cfg:      cfg,
		log:      log.WithField("component", "pipeline"),
		now:      time.Now,
		running:  make(map[int64]struct{}),
	}
}

// ErrAnalysisRunning is returned when a second analysis for the same
// fixture arrives while the first is still in flight.
var ErrAnalysisRunning = errors.New("pipeline: analysis already running for fixture")

// Analyze runs the full pipeline for one fixture. When an unsettled
// session for the fixture exists inside the TTL and refresh is false, it
// is returned as-is instead of burning model calls.
func (a *Analyzer) Analyze(ctx context.Context, fixtureID int64, refresh bool) (*Result, error) {
	if !refresh {
		if res := a.cachedSession(ctx, fixtureID); res != nil {
			a.met.RecordCache(true)
			return res, nil
		}
		a.met.RecordCache(false)
	}

	if err := a.acquire(fixtureID); err != nil {
		return nil, err
	}
	defer a.release(fixtureID)

	start := a.now()
	res, err := a.run(ctx, fixtureID)
	if err != nil {
		a.met.RecordAnalysis("error", a.now().Sub(start).Seconds())
		if a.hub != nil {
			a.hub.BroadcastError(err, fmt.Sprintf("analysis fixture %d", fixtureID))
		}
		return nil, err
	}
	a.met.RecordAnalysis("ok", a.now().Sub(start).Seconds())
	return res, nil
}

func (a *Analyzer) cachedSession(ctx context.Context, fixtureID int64) *Result {
	s, err := a.st.SessionByFixture(ctx, fixtureID)
	if err != nil || s == nil || s.IsSettled {
		return nil
	}
	if a.now().Sub(s.CreatedAt) > a.cfg.SessionTTL {
		return nil
	}
	var pred consensus.Prediction
	if err := json.Unmarshal(s.Consensus, &pred); err != nil {
		return nil
	}
	var reports []agents.AgentPrediction
	_ = json.Unmarshal(s.AgentReports, &reports)
	return &Result{Session: s, Prediction: &pred, Reports: reports, FromCache: true}
}

func (a *Analyzer) run(ctx context.Context, fixtureID int64) (*Result, error) {
	matchCtx, err := stage(a, StageContextFetch, func() (*footdata.MatchContext, error) {
		return a.provider.MatchContext(ctx, fixtureID, a.cfg.Lang)
	})
	if err != nil {
		return nil, fmt.Errorf("fetch context for fixture %d: %w", fixtureID, err)
	}

	reports, _ := stage(a, StageAgentPanel, func() ([]agents.AgentPrediction, error) {
		return a.panel.Run(ctx, matchCtx), nil
	})
	for _, r := range reports {
		a.met.RecordAgentCall(string(r.Role), r.Model, r.Abstained, float64(r.LatencyMs)/1000)
	}

	pred, _ := stage(a, StageConsensus, func() (*consensus.Prediction, error) {
		return a.engine.Reduce(votesFrom(reports), signalsFrom(matchCtx)), nil
	})
	a.met.RecordConsensus(string(pred.Risk), pred.Agreement)
	for m, mc := range pred.Markets {
		a.met.RecordMarketConsensus(string(m), string(mc.Status), mc.Confidence)
	}

	session, err := stage(a, StagePersist, func() (*store.PredictionSession, error) {
		return a.persist(ctx, fixtureID, matchCtx, pred, reports)
	})
	if err != nil {
		return nil, err
	}

	if a.hub != nil {
		a.hub.BroadcastPrediction(session)
	}

	a.log.WithFields(logrus.Fields{
		"fixture":    fixtureID,
		"home":       matchCtx.HomeTeam,
		"away":       matchCtx.AwayTeam,
		"risk":       pred.Risk,
		"confidence": pred.OverallConfidence,
	}).Info("analysis complete")

	return &Result{Session: session, Prediction: pred, Match: matchCtx, Reports: reports}, nil
}

// stage times a pipeline step.
func stage[T any](a *Analyzer, name Stage, fn func() (T, error)) (T, error) {
	start := a.now()
	out, err := fn()
	a.met.RecordStage(string(name), a.now().Sub(start).Seconds())
	return out, err
}

func (a *Analyzer) persist(ctx context.Context, fixtureID int64, matchCtx *footdata.MatchContext, pred *consensus.Prediction, reports []agents.AgentPrediction) (*store.PredictionSession, error) {
	consensusJSON, err := json.Marshal(pred)
	if err != nil {
		return nil, fmt.Errorf("marshal consensus: %w", err)
	}
	reportsJSON, err := json.Marshal(reports)
	if err != nil {
		return nil, fmt.Errorf("marshal agent reports: %w", err)
	}

	session := &store.PredictionSession{
		ID:           uuid.New(),
		FixtureID:    fixtureID,
		HomeTeam:     matchCtx.HomeTeam,
		AwayTeam:     matchCtx.AwayTeam,
		League:       matchCtx.League,
		KickoffTime:  matchCtx.KickoffTime,
		Lang:         a.cfg.Lang,
		Consensus:    consensusJSON,
		AgentReports: reportsJSON,
		CreatedAt:    a.now(),
	}
	if err := a.st.SaveSession(ctx, session); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}

	for _, r := range reports {
		if r.Abstained {
			continue
		}
		for m := range r.Calls() {
			if err := a.rec.PredictionMade(ctx, session.ID, r.Model, m); err != nil {
				a.log.WithError(err).WithField("model", r.Model).Warn("record prediction")
			}
		}
	}
	return session, nil
}

func (a *Analyzer) acquire(fixtureID int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.running[fixtureID]; ok {
		return ErrAnalysisRunning
	}
	a.running[fixtureID] = struct{}{}
	return nil
}

func (a *Analyzer) release(fixtureID int64) {
	a.mu.Lock()
	delete(a.running, fixtureID)
	a.mu.Unlock()
}

// votesFrom converts the panel reports into consensus votes. Abstained
// agents contribute nothing; the arbiter's votes are flagged so the engine
// holds them to the higher floor.
func votesFrom(reports []agents.AgentPrediction) []consensus.MarketVote {
	var votes []consensus.MarketVote
	for _, r := range reports {
		if r.Abstained {
			continue
		}
		for m, call := range r.Calls() {
			votes = append(votes, consensus.MarketVote{
				Source:     string(r.Role),
				Market:     m,
				Selection:  call.Selection,
				Confidence: call.Confidence,
				Arbiter:    r.Role == agents.RoleArbiter,
			})
		}
	}
	return votes
}

// signalsFrom derives the form signals the consistency layer checks the
// votes against. Missing form leaves the matching signals at zero, which
// disables the goal-expectancy rule downstream.
func signalsFrom(m *footdata.MatchContext) consensus.FormSignals {
	s := consensus.FormSignals{
		H2HGoallessTrend: goallessTrend(m.H2H),
	}
	if m.HomeForm != nil {
		s.HomeAvgGoals = m.HomeForm.AvgGoalsScored
		s.HomePositiveLast5 = m.HomeForm.Wins + m.HomeForm.Draws
	}
	if m.AwayForm != nil {
		s.AwayAvgGoals = m.AwayForm.AvgGoalsScored
		s.AwayPositiveLast5 = m.AwayForm.Wins + m.AwayForm.Draws
	}
	return s
}

// goallessTrend reports whether at least two of the last five meetings
// ended goalless.
func goallessTrend(h2h []footdata.H2HMatch) bool {
	goalless := 0
	for i, h := range h2h {
		if i == 5 {
			break
		}
		if h.HomeScore == 0 && h.AwayScore == 0 {
			goalless++
		}
	}
	return goalless >= 2
}
