package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrStateConflict is returned when a state-checked update finds the row in
// a different state than expected. Settlement treats it as already handled.
var ErrStateConflict = errors.New("store: state conflict")

// CouponStore persists coupons and their picks.
type CouponStore interface {
	CreateCoupon(ctx context.Context, c *Coupon) error
	Coupon(ctx context.Context, id uuid.UUID) (*Coupon, error)
	UserCoupons(ctx context.Context, userID string, limit int) ([]*Coupon, error)
	// PendingCoupons returns coupons that still have at least one pending
	// pick, created after since.
	PendingCoupons(ctx context.Context, since time.Time) ([]*Coupon, error)
	// SettlePick moves a pick from an expected state to a new one. Returns
	// ErrStateConflict when the pick is no longer in the expected state.
	SettlePick(ctx context.Context, pickID uuid.UUID, from, to PickStatus, settledAt time.Time) error
	// UpdateCouponStatus sets the derived coupon status. awardPoints marks
	// PointsAwarded in the same update so the award happens at most once.
	UpdateCouponStatus(ctx context.Context, id uuid.UUID, status CouponStatus, settledAt *time.Time, awardPoints bool) error
	// CancelCoupon voids all pending picks and cancels the coupon. Fails
	// with ErrStateConflict when any pick is already settled.
	CancelCoupon(ctx context.Context, id uuid.UUID) error
}

// SessionStore persists prediction sessions.
type SessionStore interface {
	SaveSession(ctx context.Context, s *PredictionSession) error
	// SessionByFixture returns the latest session for a fixture.
	SessionByFixture(ctx context.Context, fixtureID int64) (*PredictionSession, error)
	// PendingSessions returns unsettled sessions whose kickoff is before
	// the given time.
	PendingSessions(ctx context.Context, kickoffBefore time.Time) ([]*PredictionSession, error)
	// SettleSession records the final score and correctness flags; the
	// session flips to settled exactly once.
	SettleSession(ctx context.Context, id uuid.UUID, settlement SessionSettlement) error
}

// AccuracyStore keeps per model+market counters. Idempotency keys make both
// recording paths safe to rerun.
type AccuracyStore interface {
	// RecordPrediction increments Made for the model+market unless the key
	// was already recorded.
	RecordPrediction(ctx context.Context, key string, model string, market string) error
	// RecordSettlement increments Settled (and Correct when correct) unless
	// the key was already settled.
	RecordSettlement(ctx context.Context, key string, model string, market string, correct bool) error
	Accuracy(ctx context.Context) ([]ModelAccuracy, error)
}

// UserPoints tracks the leaderboard.
type UserPoints interface {
	AddPoints(ctx context.Context, userID string, points int) error
	Leaderboard(ctx context.Context, limit int) ([]UserScore, error)
}

// Store bundles the four persistence concerns.
type Store interface {
	CouponStore
	SessionStore
	AccuracyStore
	UserPoints
}
