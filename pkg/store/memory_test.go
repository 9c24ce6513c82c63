package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tacticore/tacticore/pkg/predict/markets"
)

func newTestCoupon(userID string) *Coupon {
	return &Coupon{
		UserID: userID,
		Picks: []Pick{
			{
				FixtureID:   100,
				HomeTeam:    "Beşiktaş",
				AwayTeam:    "Sivasspor",
				Market:      markets.MatchResult,
				Selection:   "1",
				Odds:        decimal.NewFromFloat(1.85),
				KickoffTime: time.Now().Add(3 * time.Hour),
			},
			{
				FixtureID:   101,
				HomeTeam:    "Ajax",
				AwayTeam:    "PSV",
				Market:      markets.OverUnder25,
				Selection:   "Over",
				Odds:        decimal.NewFromFloat(1.70),
				KickoffTime: time.Now().Add(5 * time.Hour),
			},
		},
	}
}

func TestCouponValidate(t *testing.T) {
	c := newTestCoupon("u1")
	require.NoError(t, c.Validate())
	// 1.85 * 1.70 = 3.145 -> 3.15 rounded
	assert.Equal(t, "3.15", c.TotalOdds.StringFixed(2))
	// Double multiplier: round(3.15 * 15).
	assert.Equal(t, 47, c.Points())

	empty := &Coupon{UserID: "u1"}
	assert.Error(t, empty.Validate())

	badOdds := newTestCoupon("u1")
	badOdds.Picks[0].Odds = decimal.NewFromFloat(1.0)
	assert.Error(t, badOdds.Validate())
}

func TestCouponPointsMultiplier(t *testing.T) {
	couponWith := func(n int) *Coupon {
		c := &Coupon{UserID: "u1"}
		for i := 0; i < n; i++ {
			c.Picks = append(c.Picks, Pick{
				FixtureID: int64(100 + i),
				Market:    markets.MatchResult,
				Selection: "1",
				Odds:      decimal.NewFromFloat(2.0),
			})
		}
		require.NoError(t, c.Validate())
		return c
	}

	assert.Equal(t, 20, couponWith(1).Points())  // 2.0 * 10
	assert.Equal(t, 60, couponWith(2).Points())  // 4.0 * 15
	assert.Equal(t, 200, couponWith(3).Points()) // 8.0 * 25
	assert.Equal(t, 800, couponWith(4).Points()) // 16.0 * 50

	mismatch := newTestCoupon("u1")
	mismatch.TotalOdds = decimal.NewFromFloat(9.99)
	assert.Error(t, mismatch.Validate())
}

func TestMemoryStore_CouponLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	c := newTestCoupon("u1")
	require.NoError(t, s.CreateCoupon(ctx, c))
	require.NotEqual(t, uuid.Nil, c.ID)

	got, err := s.Coupon(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, CouponPending, got.Status)
	assert.Len(t, got.Picks, 2)
	for _, p := range got.Picks {
		assert.Equal(t, PickPending, p.Status)
		assert.Equal(t, c.ID, p.CouponID)
	}

	pending, err := s.PendingCoupons(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	now := time.Now().UTC()
	require.NoError(t, s.SettlePick(ctx, got.Picks[0].ID, PickPending, PickWon, now))

	// Second settlement of the same pick must hit the state check.
	err = s.SettlePick(ctx, got.Picks[0].ID, PickPending, PickLost, now)
	assert.ErrorIs(t, err, ErrStateConflict)

	got, err = s.Coupon(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, PickWon, got.Picks[0].Status)
	assert.Equal(t, PickPending, got.Picks[1].Status)
}

func TestMemoryStore_CancelCoupon(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	c := newTestCoupon("u1")
	require.NoError(t, s.CreateCoupon(ctx, c))
	require.NoError(t, s.CancelCoupon(ctx, c.ID))

	got, err := s.Coupon(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, CouponCancelled, got.Status)
	for _, p := range got.Picks {
		assert.Equal(t, PickVoid, p.Status)
	}

	// A coupon with a settled pick cannot be cancelled.
	c2 := newTestCoupon("u2")
	require.NoError(t, s.CreateCoupon(ctx, c2))
	got2, err := s.Coupon(ctx, c2.ID)
	require.NoError(t, err)
	require.NoError(t, s.SettlePick(ctx, got2.Picks[0].ID, PickPending, PickWon, time.Now()))
	assert.ErrorIs(t, s.CancelCoupon(ctx, c2.ID), ErrStateConflict)
}

func TestMemoryStore_SessionSettleOnce(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	sess := &PredictionSession{
		FixtureID:    500,
		HomeTeam:     "Arsenal",
		AwayTeam:     "Chelsea",
		KickoffTime:  time.Now().Add(-3 * time.Hour),
		Consensus:    json.RawMessage(`{}`),
		AgentReports: json.RawMessage(`[]`),
	}
	require.NoError(t, s.SaveSession(ctx, sess))

	pending, err := s.PendingSessions(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, pending, 1)

	ok := true
	settlement := SessionSettlement{
		HomeScore:     2,
		AwayScore:     1,
		ResultCorrect: &ok,
		SettledAt:     time.Now().UTC(),
	}
	require.NoError(t, s.SettleSession(ctx, sess.ID, settlement))
	assert.ErrorIs(t, s.SettleSession(ctx, sess.ID, settlement), ErrStateConflict)

	got, err := s.SessionByFixture(ctx, 500)
	require.NoError(t, err)
	assert.True(t, got.IsSettled)
	require.NotNil(t, got.ActualHomeScore)
	assert.Equal(t, 2, *got.ActualHomeScore)

	pending, err = s.PendingSessions(ctx, time.Now())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestMemoryStore_AccuracyIdempotency(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	// Same key twice only counts once.
	require.NoError(t, s.RecordPrediction(ctx, "s1|m1|match_result", "m1", "match_result"))
	require.NoError(t, s.RecordPrediction(ctx, "s1|m1|match_result", "m1", "match_result"))
	require.NoError(t, s.RecordSettlement(ctx, "s1|m1|match_result", "m1", "match_result", true))
	require.NoError(t, s.RecordSettlement(ctx, "s1|m1|match_result", "m1", "match_result", true))

	accs, err := s.Accuracy(ctx)
	require.NoError(t, err)
	require.Len(t, accs, 1)
	assert.Equal(t, 1, accs[0].Made)
	assert.Equal(t, 1, accs[0].Settled)
	assert.Equal(t, 1, accs[0].Correct)
	assert.Equal(t, 0, accs[0].Pending())
	assert.Equal(t, 1.0, accs[0].HitRate())
}

func TestMemoryStore_Leaderboard(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.AddPoints(ctx, "alice", 31))
	require.NoError(t, s.AddPoints(ctx, "bob", 18))
	require.NoError(t, s.AddPoints(ctx, "alice", 12))

	board, err := s.Leaderboard(ctx, 10)
	require.NoError(t, err)
	require.Len(t, board, 2)
	assert.Equal(t, UserScore{UserID: "alice", Points: 43}, board[0])
	assert.Equal(t, UserScore{UserID: "bob", Points: 18}, board[1])
}
