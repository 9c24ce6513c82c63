package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tacticore/tacticore/pkg/predict/markets"
)

// memoryStore is the in-process Store used by tests and the one-shot CLI.
type memoryStore struct {
	mu sync.RWMutex

	coupons  map[uuid.UUID]*Coupon
	sessions map[uuid.UUID]*PredictionSession

	accuracy    map[string]*ModelAccuracy // model+market
	madeKeys    map[string]bool
	settledKeys map[string]bool
	points      map[string]int
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() Store {
	return &memoryStore{
		coupons:     make(map[uuid.UUID]*Coupon),
		sessions:    make(map[uuid.UUID]*PredictionSession),
		accuracy:    make(map[string]*ModelAccuracy),
		madeKeys:    make(map[string]bool),
		settledKeys: make(map[string]bool),
		points:      make(map[string]int),
	}
}

func (s *memoryStore) CreateCoupon(_ context.Context, c *Coupon) error {
	if err := c.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	c.Status = CouponPending
	for i := range c.Picks {
		if c.Picks[i].ID == uuid.Nil {
			c.Picks[i].ID = uuid.New()
		}
		c.Picks[i].CouponID = c.ID
		c.Picks[i].Status = PickPending
		c.Picks[i].CreatedAt = c.CreatedAt
	}
	s.coupons[c.ID] = cloneCoupon(c)
	return nil
}

func (s *memoryStore) Coupon(_ context.Context, id uuid.UUID) (*Coupon, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.coupons[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneCoupon(c), nil
}

func (s *memoryStore) UserCoupons(_ context.Context, userID string, limit int) ([]*Coupon, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Coupon
	for _, c := range s.coupons {
		if c.UserID == userID {
			out = append(out, cloneCoupon(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memoryStore) PendingCoupons(_ context.Context, since time.Time) ([]*Coupon, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Coupon
	for _, c := range s.coupons {
		if c.Status == CouponCancelled || c.CreatedAt.Before(since) {
			continue
		}
		for _, p := range c.Picks {
			if p.Status == PickPending {
				out = append(out, cloneCoupon(c))
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memoryStore) SettlePick(_ context.Context, pickID uuid.UUID, from, to PickStatus, settledAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.coupons {
		for i := range c.Picks {
			if c.Picks[i].ID != pickID {
				continue
			}
			if c.Picks[i].Status != from {
				return ErrStateConflict
			}
			c.Picks[i].Status = to
			t := settledAt
			c.Picks[i].SettledAt = &t
			return nil
		}
	}
	return ErrNotFound
}

func (s *memoryStore) UpdateCouponStatus(_ context.Context, id uuid.UUID, status CouponStatus, settledAt *time.Time, awardPoints bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.coupons[id]
	if !ok {
		return ErrNotFound
	}
	c.Status = status
	if settledAt != nil {
		t := *settledAt
		c.SettledAt = &t
	}
	if awardPoints {
		c.PointsAwarded = true
	}
	return nil
}

func (s *memoryStore) CancelCoupon(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.coupons[id]
	if !ok {
		return ErrNotFound
	}
	for _, p := range c.Picks {
		if p.Status.Terminal() && p.Status != PickVoid {
			return ErrStateConflict
		}
	}
	now := time.Now().UTC()
	for i := range c.Picks {
		if c.Picks[i].Status == PickPending {
			c.Picks[i].Status = PickVoid
			t := now
			c.Picks[i].SettledAt = &t
		}
	}
	c.Status = CouponCancelled
	c.SettledAt = &now
	return nil
}

func (s *memoryStore) SaveSession(_ context.Context, sess *PredictionSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess.ID == uuid.Nil {
		sess.ID = uuid.New()
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	s.sessions[sess.ID] = cloneSession(sess)
	return nil
}

func (s *memoryStore) SessionByFixture(_ context.Context, fixtureID int64) (*PredictionSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *PredictionSession
	for _, sess := range s.sessions {
		if sess.FixtureID != fixtureID {
			continue
		}
		if latest == nil || sess.CreatedAt.After(latest.CreatedAt) {
			latest = sess
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return cloneSession(latest), nil
}

func (s *memoryStore) PendingSessions(_ context.Context, kickoffBefore time.Time) ([]*PredictionSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*PredictionSession
	for _, sess := range s.sessions {
		if !sess.IsSettled && sess.KickoffTime.Before(kickoffBefore) {
			out = append(out, cloneSession(sess))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].KickoffTime.Before(out[j].KickoffTime) })
	return out, nil
}

func (s *memoryStore) SettleSession(_ context.Context, id uuid.UUID, settlement SessionSettlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if sess.IsSettled {
		return ErrStateConflict
	}
	h, a := settlement.HomeScore, settlement.AwayScore
	sess.IsSettled = true
	sess.ActualHomeScore = &h
	sess.ActualAwayScore = &a
	sess.ResultCorrect = settlement.ResultCorrect
	sess.OverUnderCorrect = settlement.OverUnderCorrect
	sess.BTTSCorrect = settlement.BTTSCorrect
	t := settlement.SettledAt
	sess.SettledAt = &t
	return nil
}

func (s *memoryStore) RecordPrediction(_ context.Context, key, model, market string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.madeKeys[key] {
		return nil
	}
	s.madeKeys[key] = true
	s.acc(model, market).Made++
	return nil
}

func (s *memoryStore) RecordSettlement(_ context.Context, key, model, market string, correct bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.settledKeys[key] {
		return nil
	}
	s.settledKeys[key] = true
	a := s.acc(model, market)
	a.Settled++
	if correct {
		a.Correct++
	}
	return nil
}

func (s *memoryStore) Accuracy(_ context.Context) ([]ModelAccuracy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ModelAccuracy, 0, len(s.accuracy))
	for _, a := range s.accuracy {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Model != out[j].Model {
			return out[i].Model < out[j].Model
		}
		return out[i].Market < out[j].Market
	})
	return out, nil
}

func (s *memoryStore) AddPoints(_ context.Context, userID string, points int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.points[userID] += points
	return nil
}

func (s *memoryStore) Leaderboard(_ context.Context, limit int) ([]UserScore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]UserScore, 0, len(s.points))
	for u, p := range s.points {
		out = append(out, UserScore{UserID: u, Points: p})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Points != out[j].Points {
			return out[i].Points > out[j].Points
		}
		return out[i].UserID < out[j].UserID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memoryStore) acc(model, market string) *ModelAccuracy {
	key := model + "|" + market
	a, ok := s.accuracy[key]
	if !ok {
		a = &ModelAccuracy{Model: model, Market: marketFrom(market)}
		s.accuracy[key] = a
	}
	return a
}

func marketFrom(s string) markets.Market {
	return markets.Market(s)
}

func cloneCoupon(c *Coupon) *Coupon {
	out := *c
	out.Picks = make([]Pick, len(c.Picks))
	copy(out.Picks, c.Picks)
	return &out
}

func cloneSession(s *PredictionSession) *PredictionSession {
	out := *s
	return &out
}
