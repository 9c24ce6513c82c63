package pipeline

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/tacticore/tacticore/pkg/footdata"
	"github.com/tacticore/tacticore/pkg/predict/markets"
	"github.com/tacticore/tacticore/pkg/store"
)

// ErrNoQualifyingPicks is returned when no analyzed fixture produced a
// best bet with a usable price.
var ErrNoQualifyingPicks = errors.New("pipeline: no qualifying picks for coupon")

type candidate struct {
	pick       store.Pick
	confidence float64
}

// DailyCoupon analyzes the given fixtures with bounded concurrency and
// assembles a system coupon from the strongest best bets. Fixtures whose
// analysis fails or whose best bet has no bookmaker price are skipped.
func (a *Analyzer) DailyCoupon(ctx context.Context, fixtureIDs []int64) (*store.Coupon, error) {
	sem := make(chan struct{}, a.cfg.Concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var candidates []candidate

	for _, id := range fixtureIDs {
		wg.Add(1)
		go func(fixtureID int64) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}

			res, err := a.Analyze(ctx, fixtureID, false)
			if err != nil {
				a.log.WithError(err).WithField("fixture", fixtureID).Warn("daily coupon: analysis failed")
				return
			}
			cand, ok := a.candidateFrom(ctx, fixtureID, res)
			if !ok {
				return
			}
			mu.Lock()
			candidates = append(candidates, cand)
			mu.Unlock()
		}(id)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, ErrNoQualifyingPicks
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].confidence > candidates[j].confidence
	})
	if len(candidates) > a.cfg.CouponSize {
		candidates = candidates[:a.cfg.CouponSize]
	}

	coupon := &store.Coupon{
		ID:        uuid.New(),
		UserID:    a.cfg.CouponUserID,
		Status:    store.CouponPending,
		CreatedAt: a.now(),
	}
	for _, c := range candidates {
		p := c.pick
		p.CouponID = coupon.ID
		coupon.Picks = append(coupon.Picks, p)
	}
	if err := coupon.Validate(); err != nil {
		return nil, err
	}
	if err := a.st.CreateCoupon(ctx, coupon); err != nil {
		return nil, err
	}

	if a.hub != nil {
		a.hub.BroadcastCoupon(coupon)
	}
	a.log.WithFields(logrus.Fields{
		"coupon":     coupon.ID,
		"picks":      len(coupon.Picks),
		"total_odds": coupon.TotalOdds,
	}).Info("daily coupon created")

	return coupon, nil
}

// candidateFrom turns a fixture's best bet into a coupon pick. Cached
// results carry no match context, so it is refetched for the price.
func (a *Analyzer) candidateFrom(ctx context.Context, fixtureID int64, res *Result) (candidate, bool) {
	bb := res.Prediction.BestBet
	if bb == nil {
		return candidate{}, false
	}
	match := res.Match
	if match == nil {
		m, err := a.provider.MatchContext(ctx, fixtureID, a.cfg.Lang)
		if err != nil {
			a.log.WithError(err).WithField("fixture", fixtureID).Warn("daily coupon: context refetch failed")
			return candidate{}, false
		}
		match = m
	}
	odds := oddsFor(match.Odds, bb.Market, bb.Selection)
	if odds.LessThan(decimal.NewFromFloat(1.01)) {
		a.log.WithField("fixture", fixtureID).Debug("daily coupon: no price for best bet")
		return candidate{}, false
	}
	return candidate{
		confidence: bb.Confidence,
		pick: store.Pick{
			ID:          uuid.New(),
			FixtureID:   fixtureID,
			HomeTeam:    match.HomeTeam,
			AwayTeam:    match.AwayTeam,
			Market:      bb.Market,
			Selection:   string(bb.Selection),
			Odds:        odds,
			Status:      store.PickPending,
			KickoffTime: match.KickoffTime,
			CreatedAt:   a.now(),
		},
	}, true
}

// oddsFor looks up the bookmaker price for a market selection. Zero means
// unavailable.
func oddsFor(o *footdata.MarketOdds, market markets.Market, sel markets.Selection) decimal.Decimal {
	if o == nil {
		return decimal.Decimal{}
	}
	switch market {
	case markets.MatchResult:
		switch sel {
		case markets.SelHome:
			return o.Home
		case markets.SelDraw:
			return o.Draw
		case markets.SelAway:
			return o.Away
		}
	case markets.OverUnder25:
		switch sel {
		case markets.SelOver:
			return o.Over25
		case markets.SelUnder:
			return o.Under25
		}
	case markets.BTTS:
		switch sel {
		case markets.SelYes:
			return o.BTTSYes
		case markets.SelNo:
			return o.BTTSNo
		}
	}
	return decimal.Decimal{}
}
