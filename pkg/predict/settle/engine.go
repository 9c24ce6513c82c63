// Package settle grades pending picks and prediction sessions against
// final scores and keeps coupon state and points in sync.
package settle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tacticore/tacticore/pkg/footdata"
	"github.com/tacticore/tacticore/pkg/predict/agents"
	"github.com/tacticore/tacticore/pkg/predict/consensus"
	"github.com/tacticore/tacticore/pkg/predict/markets"
	"github.com/tacticore/tacticore/pkg/predict/tracking"
	"github.com/tacticore/tacticore/pkg/store"
)

const (
	// graceWindow is how long after kickoff a fixture stays untouched when
	// the provider has not reported full time. A provider "finished" always
	// settles immediately regardless of the window.
	graceWindow = 2 * time.Hour

	// couponLookback bounds the pending-coupon scan.
	couponLookback = 48 * time.Hour

	// scoreBatchSize bounds concurrent provider lookups per sweep.
	scoreBatchSize = 5
	batchDelay     = 300 * time.Millisecond
)

// Report summarizes one settlement sweep.
type Report struct {
	Settled      int      `json:"settled"` // sessions settled
	PicksUpdated int      `json:"picks_updated"`
	CouponsWon   int      `json:"coupons_won"`
	CouponsLost  int      `json:"coupons_lost"`
	Skipped      int      `json:"skipped"`
	Errors       []string `json:"errors,omitempty"`
}

// Engine runs settlement sweeps. Safe to rerun: state-checked updates make
// double grading impossible.
type Engine struct {
	provider footdata.Provider
	st       store.Store
	rec      *tracking.Recorder
	log      *logrus.Entry
	now      func() time.Time
}

// NewEngine creates a settlement engine.
func NewEngine(provider footdata.Provider, st store.Store, rec *tracking.Recorder, log *logrus.Logger) *Engine {
	e := &Engine{
		provider: provider,
		st:       st,
		rec:      rec,
		log:      logrus.StandardLogger().WithField("component", "settle"),
		now:      time.Now,
	}
	if log != nil {
		e.log = log.WithField("component", "settle")
	}
	return e
}

// SettlePending settles every session and coupon pick whose fixture has
// finished. Fixtures in play inside the grace window are skipped quietly.
func (e *Engine) SettlePending(ctx context.Context) (*Report, error) {
	report := &Report{}
	now := e.now().UTC()

	sessions, err := e.st.PendingSessions(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("pending sessions: %w", err)
	}
	coupons, err := e.st.PendingCoupons(ctx, now.Add(-couponLookback))
	if err != nil {
		return nil, fmt.Errorf("pending coupons: %w", err)
	}

	scores := e.fetchScores(ctx, fixtureIDs(sessions, coupons, now), report)

	for _, sess := range sessions {
		fs, ok := scores[sess.FixtureID]
		if !ok || !fs.Finished {
			if e.pastGrace(sess.KickoffTime, now) {
				report.Skipped++
			}
			continue
		}
		if err := e.settleSession(ctx, sess, fs); err != nil {
			if errors.Is(err, store.ErrStateConflict) {
				report.Skipped++
				continue
			}
			report.Errors = append(report.Errors, fmt.Sprintf("session %s: %v", sess.ID, err))
			continue
		}
		report.Settled++
	}

	for _, c := range coupons {
		e.settleCoupon(ctx, c, scores, report)
	}

	e.log.WithFields(logrus.Fields{
		"settled":      report.Settled,
		"picksUpdated": report.PicksUpdated,
		"couponsWon":   report.CouponsWon,
		"couponsLost":  report.CouponsLost,
		"skipped":      report.Skipped,
		"errors":       len(report.Errors),
	}).Info("settlement sweep complete")

	return report, nil
}

// pastGrace reports whether a missing result is worth flagging yet.
func (e *Engine) pastGrace(kickoff, now time.Time) bool {
	return now.After(kickoff.Add(graceWindow))
}

// fixtureIDs collects the unique fixtures eligible for a score lookup:
// sessions are pre-filtered by kickoff, coupon picks must be past kickoff.
func fixtureIDs(sessions []*store.PredictionSession, coupons []*store.Coupon, now time.Time) []int64 {
	seen := make(map[int64]bool)
	var ids []int64
	add := func(id int64) {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for _, s := range sessions {
		add(s.FixtureID)
	}
	for _, c := range coupons {
		for _, p := range c.Picks {
			if p.Status == store.PickPending && now.After(p.KickoffTime) {
				add(p.FixtureID)
			}
		}
	}
	return ids
}

// fetchScores looks fixtures up in bounded batches with a short pause
// between batches. Lookup failures are recorded and the fixture skipped.
func (e *Engine) fetchScores(ctx context.Context, ids []int64, report *Report) map[int64]*footdata.FinalScore {
	scores := make(map[int64]*footdata.FinalScore, len(ids))
	var mu sync.Mutex

	for start := 0; start < len(ids); start += scoreBatchSize {
		end := start + scoreBatchSize
		if end > len(ids) {
			end = len(ids)
		}

		var wg sync.WaitGroup
		for _, id := range ids[start:end] {
			wg.Add(1)
			go func(fixtureID int64) {
				defer wg.Done()
				fs, err := e.provider.FinalScore(ctx, fixtureID)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					report.Errors = append(report.Errors, fmt.Sprintf("fixture %d: %v", fixtureID, err))
					return
				}
				scores[fixtureID] = fs
			}(id)
		}
		wg.Wait()

		if end < len(ids) {
			select {
			case <-ctx.Done():
				return scores
			case <-time.After(batchDelay):
			}
		}
	}
	return scores
}

// settleSession grades the consensus calls, persists the settlement facts
// and feeds the per-model counters from the agent audit trail.
func (e *Engine) settleSession(ctx context.Context, sess *store.PredictionSession, fs *footdata.FinalScore) error {
	out := markets.DeriveOutcome(fs.HomeScore, fs.AwayScore)

	var pred consensus.Prediction
	if err := json.Unmarshal(sess.Consensus, &pred); err != nil {
		return fmt.Errorf("decode consensus: %w", err)
	}

	settlement := store.SessionSettlement{
		HomeScore: fs.HomeScore,
		AwayScore: fs.AwayScore,
		SettledAt: e.now().UTC(),
	}
	settlement.ResultCorrect = gradeConsensus(pred.Markets[markets.MatchResult], markets.MatchResult, out)
	settlement.OverUnderCorrect = gradeConsensus(pred.Markets[markets.OverUnder25], markets.OverUnder25, out)
	settlement.BTTSCorrect = gradeConsensus(pred.Markets[markets.BTTS], markets.BTTS, out)

	if err := e.st.SettleSession(ctx, sess.ID, settlement); err != nil {
		return err
	}

	if e.rec != nil && len(sess.AgentReports) > 0 {
		var reports []agents.AgentPrediction
		if err := json.Unmarshal(sess.AgentReports, &reports); err == nil {
			for _, r := range reports {
				if r.Abstained {
					continue
				}
				for market, call := range r.Calls() {
					won, err := markets.Grade(market, call.Selection, out)
					if err != nil {
						continue
					}
					if err := e.rec.PredictionSettled(ctx, sess.ID, r.Model, market, won); err != nil {
						e.log.WithError(err).Warn("record settlement")
					}
				}
			}
		}
	}
	return nil
}

// gradeConsensus grades one consensus market; markets without a usable call
// stay ungraded.
func gradeConsensus(mc *consensus.MarketConsensus, market markets.Market, out markets.Outcome) *bool {
	if mc == nil || mc.Prediction == "" {
		return nil
	}
	switch mc.Status {
	case consensus.StatusInsufficientData, consensus.StatusAvoid:
		return nil
	}
	won, err := markets.Grade(market, mc.Prediction, out)
	if err != nil {
		return nil
	}
	return &won
}

// settleCoupon grades the coupon's finished picks and recomputes the
// coupon status; points are awarded once on the first full win.
func (e *Engine) settleCoupon(ctx context.Context, c *store.Coupon, scores map[int64]*footdata.FinalScore, report *Report) {
	now := e.now().UTC()
	changed := false

	for i := range c.Picks {
		p := &c.Picks[i]
		if p.Status != store.PickPending {
			continue
		}
		fs, ok := scores[p.FixtureID]
		if !ok || !fs.Finished {
			if e.pastGrace(p.KickoffTime, now) {
				report.Skipped++
			}
			continue
		}

		out := markets.DeriveOutcome(fs.HomeScore, fs.AwayScore)
		won, err := markets.GradeRaw(p.Market, p.Selection, out)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("pick %s: %v", p.ID, err))
			continue
		}
		to := store.PickLost
		if won {
			to = store.PickWon
		}

		if err := e.st.SettlePick(ctx, p.ID, store.PickPending, to, now); err != nil {
			if errors.Is(err, store.ErrStateConflict) {
				report.Skipped++
				continue
			}
			report.Errors = append(report.Errors, fmt.Sprintf("pick %s: %v", p.ID, err))
			continue
		}
		p.Status = to
		t := now
		p.SettledAt = &t
		report.PicksUpdated++
		changed = true
	}

	if !changed {
		return
	}

	status := DeriveCouponStatus(c.Picks)
	if status == c.Status {
		return
	}

	awardPoints := status == store.CouponWon && !c.PointsAwarded
	var settledAt *time.Time
	if status != store.CouponPending {
		settledAt = &now
	}
	if err := e.st.UpdateCouponStatus(ctx, c.ID, status, settledAt, awardPoints); err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("coupon %s: %v", c.ID, err))
		return
	}

	switch status {
	case store.CouponWon:
		report.CouponsWon++
		if awardPoints {
			if err := e.st.AddPoints(ctx, c.UserID, c.Points()); err != nil {
				report.Errors = append(report.Errors, fmt.Sprintf("points for %s: %v", c.UserID, err))
			}
		}
	case store.CouponLost:
		report.CouponsLost++
	}
}

// DeriveCouponStatus computes the coupon state from its picks. The coupon
// stays PENDING while any pick is unsettled, even when another pick has
// already lost; it only finalizes once every pick is settled.
func DeriveCouponStatus(picks []store.Pick) store.CouponStatus {
	anyLost, anyPending, anyVoid := false, false, false
	wonCount := 0
	for _, p := range picks {
		switch p.Status {
		case store.PickLost:
			anyLost = true
		case store.PickPending:
			anyPending = true
		case store.PickVoid:
			anyVoid = true
		case store.PickWon:
			wonCount++
		}
	}
	switch {
	case anyPending:
		return store.CouponPending
	case anyLost:
		return store.CouponLost
	case wonCount == len(picks):
		return store.CouponWon
	case anyVoid && wonCount > 0:
		return store.CouponPartial
	default:
		return store.CouponPartial
	}
}
