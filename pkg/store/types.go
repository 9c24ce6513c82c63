// Package store persists coupons, picks, prediction sessions and accuracy
// counters.
package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tacticore/tacticore/pkg/predict/markets"
)

// PickStatus is the settlement state of one pick. PENDING moves to WON or
// LOST exactly once; VOID only happens through explicit cancellation.
type PickStatus string

const (
	PickPending PickStatus = "PENDING"
	PickWon     PickStatus = "WON"
	PickLost    PickStatus = "LOST"
	PickVoid    PickStatus = "VOID"
)

// Terminal reports whether the status can no longer change.
func (s PickStatus) Terminal() bool {
	return s == PickWon || s == PickLost || s == PickVoid
}

// CouponStatus is the derived state of a coupon.
type CouponStatus string

const (
	CouponPending   CouponStatus = "PENDING"
	CouponWon       CouponStatus = "WON"
	CouponLost      CouponStatus = "LOST"
	CouponPartial   CouponStatus = "PARTIAL"
	CouponCancelled CouponStatus = "CANCELLED"
)

// Pick is one selection on one fixture inside a coupon.
type Pick struct {
	ID          uuid.UUID       `json:"id"`
	CouponID    uuid.UUID       `json:"coupon_id"`
	FixtureID   int64           `json:"fixture_id"`
	HomeTeam    string          `json:"home_team"`
	AwayTeam    string          `json:"away_team"`
	Market      markets.Market  `json:"market"`
	Selection   string          `json:"selection"` // raw, normalized at grade time
	Odds        decimal.Decimal `json:"odds"`
	Status      PickStatus      `json:"status"`
	KickoffTime time.Time       `json:"kickoff_time"`
	SettledAt   *time.Time      `json:"settled_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Coupon is a set of picks by one user. TotalOdds is the product of the
// pick odds and is validated on create.
type Coupon struct {
	ID            uuid.UUID       `json:"id"`
	UserID        string          `json:"user_id"`
	Picks         []Pick          `json:"picks"`
	TotalOdds     decimal.Decimal `json:"total_odds"`
	Status        CouponStatus    `json:"status"`
	PointsAwarded bool            `json:"points_awarded"`
	CreatedAt     time.Time       `json:"created_at"`
	SettledAt     *time.Time      `json:"settled_at,omitempty"`
}

// Validate checks a coupon before persisting it.
func (c *Coupon) Validate() error {
	if c.UserID == "" {
		return fmt.Errorf("coupon: missing user")
	}
	if len(c.Picks) == 0 {
		return fmt.Errorf("coupon: no picks")
	}
	product := decimal.NewFromInt(1)
	for i, p := range c.Picks {
		if p.Odds.LessThan(decimal.NewFromFloat(1.01)) {
			return fmt.Errorf("coupon: pick %d has invalid odds %s", i, p.Odds)
		}
		if p.Selection == "" {
			return fmt.Errorf("coupon: pick %d has no selection", i)
		}
		product = product.Mul(p.Odds)
	}
	if !c.TotalOdds.IsZero() && !c.TotalOdds.Round(2).Equal(product.Round(2)) {
		return fmt.Errorf("coupon: total odds %s do not match pick product %s", c.TotalOdds, product.Round(2))
	}
	c.TotalOdds = product.Round(2)
	return nil
}

// Points returns the award for a fully won coupon. The multiplier grows
// with the combination size: 10 for a single, 15 for a double, 25 for a
// treble, 50 from four picks up.
func (c *Coupon) Points() int {
	mult := int64(10)
	switch {
	case len(c.Picks) == 2:
		mult = 15
	case len(c.Picks) == 3:
		mult = 25
	case len(c.Picks) >= 4:
		mult = 50
	}
	return int(c.TotalOdds.Mul(decimal.NewFromInt(mult)).Round(0).IntPart())
}

// PredictionSession is the persisted snapshot of one consensus run: the
// combined prediction plus the per-agent audit trail, and later the
// settlement facts.
type PredictionSession struct {
	ID           uuid.UUID       `json:"id"`
	FixtureID    int64           `json:"fixture_id"`
	HomeTeam     string          `json:"home_team"`
	AwayTeam     string          `json:"away_team"`
	League       string          `json:"league"`
	KickoffTime  time.Time       `json:"kickoff_time"`
	Lang         string          `json:"lang"`
	Consensus    json.RawMessage `json:"consensus"`
	AgentReports json.RawMessage `json:"agent_reports"`

	IsSettled        bool       `json:"is_settled"`
	ActualHomeScore  *int       `json:"actual_home_score,omitempty"`
	ActualAwayScore  *int       `json:"actual_away_score,omitempty"`
	ResultCorrect    *bool      `json:"result_correct,omitempty"`
	OverUnderCorrect *bool      `json:"over_under_correct,omitempty"`
	BTTSCorrect      *bool      `json:"btts_correct,omitempty"`
	SettledAt        *time.Time `json:"settled_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// SessionSettlement carries settlement facts into SettleSession.
type SessionSettlement struct {
	HomeScore        int
	AwayScore        int
	ResultCorrect    *bool
	OverUnderCorrect *bool
	BTTSCorrect      *bool
	SettledAt        time.Time
}

// ModelAccuracy is the per model+market counter row. Counters only grow;
// Pending = Made - Settled.
type ModelAccuracy struct {
	Model   string         `json:"model"`
	Market  markets.Market `json:"market"`
	Made    int            `json:"made"`
	Settled int            `json:"settled"`
	Correct int            `json:"correct"`
}

// Pending is the number of predictions not yet settled.
func (a ModelAccuracy) Pending() int {
	return a.Made - a.Settled
}

// HitRate is correct/settled, 0 when nothing has settled.
func (a ModelAccuracy) HitRate() float64 {
	if a.Settled == 0 {
		return 0
	}
	return float64(a.Correct) / float64(a.Settled)
}

// UserScore is one leaderboard row.
type UserScore struct {
	UserID string `json:"user_id"`
	Points int    `json:"points"`
}
