package settle

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tacticore/tacticore/pkg/footdata"
	"github.com/tacticore/tacticore/pkg/predict/markets"
	"github.com/tacticore/tacticore/pkg/predict/tracking"
	"github.com/tacticore/tacticore/pkg/store"
)

// scoreProvider serves canned final scores by fixture.
type scoreProvider struct {
	scores map[int64]*footdata.FinalScore
	calls  int
}

func (p *scoreProvider) MatchContext(context.Context, int64, string) (*footdata.MatchContext, error) {
	panic("not used")
}

func (p *scoreProvider) FinalScore(_ context.Context, fixtureID int64) (*footdata.FinalScore, error) {
	p.calls++
	if fs, ok := p.scores[fixtureID]; ok {
		return fs, nil
	}
	return &footdata.FinalScore{}, nil
}

func fixedNow() time.Time {
	return time.Date(2026, 3, 8, 22, 0, 0, 0, time.UTC)
}

func newEngine(t *testing.T, provider footdata.Provider, st store.Store) *Engine {
	t.Helper()
	e := NewEngine(provider, st, tracking.NewRecorder(st), nil)
	e.now = fixedNow
	return e
}

func makeCoupon(t *testing.T, st store.Store, picks []store.Pick) *store.Coupon {
	t.Helper()
	c := &store.Coupon{UserID: "u1", Picks: picks}
	if err := st.CreateCoupon(context.Background(), c); err != nil {
		t.Fatalf("CreateCoupon: %v", err)
	}
	return c
}

func pick(fixture int64, market markets.Market, sel string, odds float64, kickoff time.Time) store.Pick {
	return store.Pick{
		FixtureID:   fixture,
		HomeTeam:    "Home",
		AwayTeam:    "Away",
		Market:      market,
		Selection:   sel,
		Odds:        decimal.NewFromFloat(odds),
		KickoffTime: kickoff,
	}
}

func TestSettlePending_GradesCouponAndAwardsPoints(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	kickoff := fixedNow().Add(-3 * time.Hour)

	c := makeCoupon(t, st, []store.Pick{
		pick(100, markets.MatchResult, "Ev Sahibi", 1.85, kickoff), // home wins 2-1
		pick(100, markets.OverUnder25, "Üst", 1.70, kickoff),       // 3 goals
	})

	provider := &scoreProvider{scores: map[int64]*footdata.FinalScore{
		100: {Finished: true, HomeScore: 2, AwayScore: 1},
	}}
	e := newEngine(t, provider, st)

	report, err := e.SettlePending(ctx)
	if err != nil {
		t.Fatalf("SettlePending: %v", err)
	}
	if report.PicksUpdated != 2 {
		t.Errorf("picks updated = %d, want 2", report.PicksUpdated)
	}
	if report.CouponsWon != 1 {
		t.Errorf("coupons won = %d, want 1", report.CouponsWon)
	}

	got, err := st.Coupon(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.CouponWon {
		t.Errorf("coupon status = %q, want WON", got.Status)
	}
	if !got.PointsAwarded {
		t.Error("points should be marked awarded")
	}

	board, err := st.Leaderboard(ctx, 5)
	if err != nil {
		t.Fatal(err)
	}
	// 1.85 * 1.70 = 3.15, double multiplier: round(3.15 * 15) = 47
	if len(board) != 1 || board[0].Points != 47 {
		t.Errorf("leaderboard = %+v, want u1 with 47 points", board)
	}
}

func TestSettlePending_IdempotentRerun(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	kickoff := fixedNow().Add(-3 * time.Hour)

	makeCoupon(t, st, []store.Pick{
		pick(100, markets.MatchResult, "1", 2.10, kickoff),
	})
	provider := &scoreProvider{scores: map[int64]*footdata.FinalScore{
		100: {Finished: true, HomeScore: 1, AwayScore: 0},
	}}
	e := newEngine(t, provider, st)

	if _, err := e.SettlePending(ctx); err != nil {
		t.Fatal(err)
	}
	second, err := e.SettlePending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if second.PicksUpdated != 0 || second.CouponsWon != 0 {
		t.Errorf("rerun changed state: %+v", second)
	}

	board, _ := st.Leaderboard(ctx, 5)
	if len(board) != 1 || board[0].Points != 21 {
		t.Errorf("points double-awarded: %+v", board)
	}
}

func TestSettlePending_LostPickWaitsForOpenPicks(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	kickoff := fixedNow().Add(-3 * time.Hour)

	c := makeCoupon(t, st, []store.Pick{
		pick(100, markets.MatchResult, "1", 1.50, kickoff),                        // home wins: WON
		pick(101, markets.BTTS, "KG Var", 1.80, kickoff),                          // 0-0: LOST
		pick(102, markets.OverUnder25, "Over", 1.60, fixedNow().Add(2*time.Hour)), // not kicked off
	})
	provider := &scoreProvider{scores: map[int64]*footdata.FinalScore{
		100: {Finished: true, HomeScore: 2, AwayScore: 0},
		101: {Finished: true, HomeScore: 0, AwayScore: 0},
	}}
	e := newEngine(t, provider, st)

	report, err := e.SettlePending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.CouponsLost != 0 {
		t.Errorf("coupons lost = %d, want 0", report.CouponsLost)
	}

	// An unsettled pick keeps the coupon open even after a loss.
	got, _ := st.Coupon(ctx, c.ID)
	if got.Status != store.CouponPending {
		t.Errorf("coupon status = %q, want PENDING", got.Status)
	}
}

func TestSettlePending_LostPickDoomsSettledCoupon(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	kickoff := fixedNow().Add(-3 * time.Hour)

	c := makeCoupon(t, st, []store.Pick{
		pick(100, markets.MatchResult, "1", 1.50, kickoff), // home wins: WON
		pick(101, markets.BTTS, "KG Var", 1.80, kickoff),   // 0-0: LOST
	})
	provider := &scoreProvider{scores: map[int64]*footdata.FinalScore{
		100: {Finished: true, HomeScore: 2, AwayScore: 0},
		101: {Finished: true, HomeScore: 0, AwayScore: 0},
	}}
	e := newEngine(t, provider, st)

	report, err := e.SettlePending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.CouponsLost != 1 {
		t.Errorf("coupons lost = %d, want 1", report.CouponsLost)
	}

	got, _ := st.Coupon(ctx, c.ID)
	if got.Status != store.CouponLost {
		t.Errorf("coupon status = %q, want LOST", got.Status)
	}
	if got.PointsAwarded {
		t.Error("lost coupon must not award points")
	}
}

func TestSettlePending_UnfinishedFixtureWaits(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	// Kicked off 30 minutes ago: inside the grace window, no result yet.
	makeCoupon(t, st, []store.Pick{
		pick(100, markets.MatchResult, "1", 1.90, fixedNow().Add(-30*time.Minute)),
	})
	provider := &scoreProvider{scores: map[int64]*footdata.FinalScore{}}
	e := newEngine(t, provider, st)

	report, err := e.SettlePending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.PicksUpdated != 0 {
		t.Errorf("picks updated = %d, want 0", report.PicksUpdated)
	}
	if report.Skipped != 0 {
		t.Errorf("skipped = %d, want 0 inside grace window", report.Skipped)
	}
}

func TestSettlePending_FinishedBeatsGraceWindow(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	// Provider already reports full time 75 minutes after kickoff.
	c := makeCoupon(t, st, []store.Pick{
		pick(100, markets.MatchResult, "2", 2.40, fixedNow().Add(-75*time.Minute)),
	})
	provider := &scoreProvider{scores: map[int64]*footdata.FinalScore{
		100: {Finished: true, HomeScore: 0, AwayScore: 1},
	}}
	e := newEngine(t, provider, st)

	report, err := e.SettlePending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.PicksUpdated != 1 {
		t.Errorf("picks updated = %d, want 1", report.PicksUpdated)
	}
	got, _ := st.Coupon(ctx, c.ID)
	if got.Picks[0].Status != store.PickWon {
		t.Errorf("pick status = %q, want WON", got.Picks[0].Status)
	}
}

func TestSettlePending_SettlesSession(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	consensusJSON := []byte(`{
		"markets": {
			"match_result": {"market": "match_result", "prediction": "1", "confidence": 74, "status": "ok"},
			"over_under_25": {"market": "over_under_25", "prediction": "Under", "confidence": 66, "status": "ok"},
			"btts": {"market": "btts", "prediction": "Yes", "confidence": 40, "status": "avoid"}
		},
		"consistency": {"check": "passed"}
	}`)
	reportsJSON := []byte(`[
		{"role": "scout", "model": "claude", "match_result": {"selection": "1", "confidence": 74}},
		{"role": "odds", "model": "gpt", "abstained": true}
	]`)

	sess := &store.PredictionSession{
		FixtureID:    200,
		HomeTeam:     "Lyon",
		AwayTeam:     "Lille",
		KickoffTime:  fixedNow().Add(-4 * time.Hour),
		Consensus:    consensusJSON,
		AgentReports: reportsJSON,
	}
	if err := st.SaveSession(ctx, sess); err != nil {
		t.Fatal(err)
	}

	provider := &scoreProvider{scores: map[int64]*footdata.FinalScore{
		200: {Finished: true, HomeScore: 2, AwayScore: 1},
	}}
	e := newEngine(t, provider, st)

	report, err := e.SettlePending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Settled != 1 {
		t.Fatalf("settled = %d, want 1", report.Settled)
	}

	got, err := st.SessionByFixture(ctx, 200)
	if err != nil {
		t.Fatal(err)
	}
	if !got.IsSettled {
		t.Fatal("session should be settled")
	}
	if got.ResultCorrect == nil || !*got.ResultCorrect {
		t.Error("home prediction should grade correct for 2-1")
	}
	// 3 goals: Under was wrong.
	if got.OverUnderCorrect == nil || *got.OverUnderCorrect {
		t.Error("under prediction should grade incorrect for 2-1")
	}
	// Avoid status markets stay ungraded.
	if got.BTTSCorrect != nil {
		t.Error("avoided market must not be graded")
	}

	// The non-abstaining agent's call lands in the accuracy counters.
	accs, err := st.Accuracy(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(accs) != 1 || accs[0].Model != "claude" || accs[0].Correct != 1 {
		t.Errorf("accuracy rows = %+v", accs)
	}
}

func TestDeriveCouponStatus(t *testing.T) {
	p := func(status store.PickStatus) store.Pick { return store.Pick{Status: status} }

	tests := []struct {
		name  string
		picks []store.Pick
		want  store.CouponStatus
	}{
		{"all won", []store.Pick{p(store.PickWon), p(store.PickWon)}, store.CouponWon},
		{"all settled with a loss", []store.Pick{p(store.PickWon), p(store.PickLost)}, store.CouponLost},
		{"lost but still open", []store.Pick{p(store.PickWon), p(store.PickLost), p(store.PickPending)}, store.CouponPending},
		{"any pending", []store.Pick{p(store.PickWon), p(store.PickPending)}, store.CouponPending},
		{"won plus void", []store.Pick{p(store.PickWon), p(store.PickVoid)}, store.CouponPartial},
		{"all void", []store.Pick{p(store.PickVoid)}, store.CouponPartial},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DeriveCouponStatus(tt.picks); got != tt.want {
				t.Errorf("DeriveCouponStatus = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestReportSerializes(t *testing.T) {
	r := &Report{Settled: 2, PicksUpdated: 3, Errors: []string{"fixture 9: timeout"}}
	raw, err := json.Marshal(r)
	if err != nil {
		t.Fatal(err)
	}
	var back Report
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatal(err)
	}
	if back.Settled != 2 || len(back.Errors) != 1 {
		t.Errorf("round trip = %+v", back)
	}
}
