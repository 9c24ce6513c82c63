package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tacticore/tacticore/pkg/footdata"
	"github.com/tacticore/tacticore/pkg/llm"
	"github.com/tacticore/tacticore/pkg/predict/agents"
	"github.com/tacticore/tacticore/pkg/predict/consensus"
	"github.com/tacticore/tacticore/pkg/predict/markets"
	"github.com/tacticore/tacticore/pkg/predict/tracking"
	"github.com/tacticore/tacticore/pkg/store"
)

type stubProvider struct {
	contexts map[int64]*footdata.MatchContext
}

func (p *stubProvider) MatchContext(_ context.Context, fixtureID int64, _ string) (*footdata.MatchContext, error) {
	ctx, ok := p.contexts[fixtureID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return ctx, nil
}

func (p *stubProvider) FinalScore(context.Context, int64) (*footdata.FinalScore, error) {
	panic("not used")
}

type cannedClient struct {
	model    string
	response string
}

func (c *cannedClient) Complete(context.Context, string, string) (string, error) {
	return c.response, nil
}

func (c *cannedClient) Model() string { return c.model }

const agentResponse = `{
	"match_result": {"selection": "1", "confidence": 80, "reasoning": "home form"},
	"over_under_25": {"selection": "Over", "confidence": 72},
	"btts": {"selection": "Yes", "confidence": 70},
	"score": "2-1"
}`

func testContext(home, away string) *footdata.MatchContext {
	return &footdata.MatchContext{
		FixtureID:   1001,
		HomeTeam:    home,
		AwayTeam:    away,
		League:      "Premier League",
		KickoffTime: time.Now().Add(6 * time.Hour),
		HomeForm: &footdata.TeamForm{
			Sequence: "WWDWL", Wins: 3, Draws: 1, Losses: 1,
			AvgGoalsScored: 1.8, AvgGoalsAgainst: 0.9,
		},
		AwayForm: &footdata.TeamForm{
			Sequence: "LDWLL", Wins: 1, Draws: 1, Losses: 3,
			AvgGoalsScored: 1.4, AvgGoalsAgainst: 1.7,
		},
		Odds: &footdata.MarketOdds{
			Home:    decimal.NewFromFloat(1.85),
			Draw:    decimal.NewFromFloat(3.60),
			Away:    decimal.NewFromFloat(4.20),
			Over25:  decimal.NewFromFloat(1.70),
			Under25: decimal.NewFromFloat(2.10),
			BTTSYes: decimal.NewFromFloat(1.75),
			BTTSNo:  decimal.NewFromFloat(2.00),
		},
	}
}

func newTestAnalyzer(t *testing.T, contexts map[int64]*footdata.MatchContext) (*Analyzer, store.Store) {
	t.Helper()
	clients := map[agents.Role]llm.Client{
		agents.RoleScout:      &cannedClient{model: "m-scout", response: agentResponse},
		agents.RoleStatistics: &cannedClient{model: "m-stats", response: agentResponse},
		agents.RoleOdds:       &cannedClient{model: "m-odds", response: agentResponse},
		agents.RoleStrategy:   &cannedClient{model: "m-strategy", response: agentResponse},
		agents.RoleArbiter:    &cannedClient{model: "m-arbiter", response: agentResponse},
	}
	panel := agents.NewPanel(agents.PanelConfig{Clients: clients, Lang: "en", Timeout: time.Second})
	st := store.NewMemoryStore()
	a := NewAnalyzer(
		&stubProvider{contexts: contexts},
		panel,
		consensus.NewEngine(consensus.DefaultConfig()),
		st,
		tracking.NewRecorder(st),
		nil,
		DefaultConfig(),
		nil,
	)
	return a, st
}

func TestAnalyzePersistsSessionAndCounters(t *testing.T) {
	a, st := newTestAnalyzer(t, map[int64]*footdata.MatchContext{
		1001: testContext("Arsenal", "Everton"),
	})

	res, err := a.Analyze(context.Background(), 1001, false)
	require.NoError(t, err)
	require.NotNil(t, res.Prediction)
	assert.False(t, res.FromCache)
	assert.Len(t, res.Reports, 5)

	mr := res.Prediction.Markets[markets.MatchResult]
	require.NotNil(t, mr)
	assert.Equal(t, markets.SelHome, mr.Prediction)
	assert.Equal(t, consensus.StatusOK, mr.Status)
	assert.True(t, mr.Unanimous)

	require.NotNil(t, res.Prediction.BestBet)
	assert.Equal(t, markets.MatchResult, res.Prediction.BestBet.Market)

	saved, err := st.SessionByFixture(context.Background(), 1001)
	require.NoError(t, err)
	assert.Equal(t, "Arsenal", saved.HomeTeam)
	assert.NotEmpty(t, saved.Consensus)
	assert.NotEmpty(t, saved.AgentReports)

	rows, err := st.Accuracy(context.Background())
	require.NoError(t, err)
	// 5 models, 3 markets each, one prediction apiece.
	assert.Len(t, rows, 15)
	for _, row := range rows {
		assert.Equal(t, 1, row.Made, "model %s market %s", row.Model, row.Market)
		assert.Equal(t, 1, row.Pending())
	}
}

func TestAnalyzeServesSessionFromTTL(t *testing.T) {
	a, _ := newTestAnalyzer(t, map[int64]*footdata.MatchContext{
		1001: testContext("Arsenal", "Everton"),
	})

	first, err := a.Analyze(context.Background(), 1001, false)
	require.NoError(t, err)

	second, err := a.Analyze(context.Background(), 1001, false)
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, first.Session.ID, second.Session.ID)

	refreshed, err := a.Analyze(context.Background(), 1001, true)
	require.NoError(t, err)
	assert.False(t, refreshed.FromCache)
	assert.NotEqual(t, first.Session.ID, refreshed.Session.ID)
}

func TestAnalyzeSingleModelFallback(t *testing.T) {
	clients := map[agents.Role]llm.Client{
		agents.RoleScout: &cannedClient{model: "m-solo", response: agentResponse},
	}
	panel := agents.NewPanel(agents.PanelConfig{Clients: clients, Lang: "en", Timeout: time.Second})
	st := store.NewMemoryStore()
	a := NewAnalyzer(
		&stubProvider{contexts: map[int64]*footdata.MatchContext{1001: testContext("Arsenal", "Everton")}},
		panel,
		consensus.NewEngine(consensus.DefaultConfig()),
		st,
		tracking.NewRecorder(st),
		nil,
		DefaultConfig(),
		nil,
	)

	res, err := a.Analyze(context.Background(), 1001, false)
	require.NoError(t, err)

	mr := res.Prediction.Markets[markets.MatchResult]
	require.NotNil(t, mr)
	// One vote is enough in fallback mode.
	assert.Equal(t, consensus.StatusOK, mr.Status)
	assert.Equal(t, 1, mr.TotalVotes)
}

func TestAnalyzeUnknownFixture(t *testing.T) {
	a, _ := newTestAnalyzer(t, map[int64]*footdata.MatchContext{})

	_, err := a.Analyze(context.Background(), 999, false)
	require.Error(t, err)
}

func TestAnalyzeDegradesWithoutFormData(t *testing.T) {
	ctx := testContext("Arsenal", "Everton")
	ctx.HomeForm = nil
	ctx.AwayForm = nil
	a, _ := newTestAnalyzer(t, map[int64]*footdata.MatchContext{1001: ctx})

	res, err := a.Analyze(context.Background(), 1001, false)
	require.NoError(t, err)
	require.NotNil(t, res.Prediction)

	// Zero signals disable the goal-expectancy override: the over/under
	// call stands on the votes alone.
	ou := res.Prediction.Markets[markets.OverUnder25]
	require.NotNil(t, ou)
	assert.Equal(t, markets.SelOver, ou.Prediction)
}

func TestDailyCouponAssemblesBestBets(t *testing.T) {
	a, st := newTestAnalyzer(t, map[int64]*footdata.MatchContext{
		1001: testContext("Arsenal", "Everton"),
		1002: testContext("Leverkusen", "Bochum"),
	})

	coupon, err := a.DailyCoupon(context.Background(), []int64{1001, 1002})
	require.NoError(t, err)
	require.Len(t, coupon.Picks, 2)
	assert.Equal(t, "system", coupon.UserID)
	assert.Equal(t, store.CouponPending, coupon.Status)

	for _, p := range coupon.Picks {
		assert.Equal(t, markets.MatchResult, p.Market)
		assert.Equal(t, "1", p.Selection)
		assert.True(t, p.Odds.Equal(decimal.NewFromFloat(1.85)))
	}
	// 1.85 * 1.85 rounded to two places.
	assert.Equal(t, "3.42", coupon.TotalOdds.StringFixed(2))

	saved, err := st.Coupon(context.Background(), coupon.ID)
	require.NoError(t, err)
	assert.Len(t, saved.Picks, 2)
}

func TestDailyCouponNoQualifyingPicks(t *testing.T) {
	ctx := testContext("Arsenal", "Everton")
	ctx.Odds = nil
	a, _ := newTestAnalyzer(t, map[int64]*footdata.MatchContext{1001: ctx})

	_, err := a.DailyCoupon(context.Background(), []int64{1001})
	require.ErrorIs(t, err, ErrNoQualifyingPicks)
}

func TestGoallessTrend(t *testing.T) {
	h2h := []footdata.H2HMatch{
		{HomeScore: 0, AwayScore: 0},
		{HomeScore: 1, AwayScore: 1},
		{HomeScore: 0, AwayScore: 0},
	}
	assert.True(t, goallessTrend(h2h))
	assert.False(t, goallessTrend(h2h[:2]))
}
