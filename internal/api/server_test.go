package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tacticore/tacticore/internal/pipeline"
	"github.com/tacticore/tacticore/pkg/footdata"
	"github.com/tacticore/tacticore/pkg/metrics"
	"github.com/tacticore/tacticore/pkg/llm"
	"github.com/tacticore/tacticore/pkg/predict/agents"
	"github.com/tacticore/tacticore/pkg/predict/consensus"
	"github.com/tacticore/tacticore/pkg/predict/settle"
	"github.com/tacticore/tacticore/pkg/predict/tracking"
	"github.com/tacticore/tacticore/pkg/store"
)

type stubProvider struct {
	contexts map[int64]*footdata.MatchContext
	scores   map[int64]*footdata.FinalScore
}

func (p *stubProvider) MatchContext(_ context.Context, fixtureID int64, _ string) (*footdata.MatchContext, error) {
	ctx, ok := p.contexts[fixtureID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return ctx, nil
}

func (p *stubProvider) FinalScore(_ context.Context, fixtureID int64) (*footdata.FinalScore, error) {
	fs, ok := p.scores[fixtureID]
	if !ok {
		return &footdata.FinalScore{}, nil
	}
	return fs, nil
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
	"match_result": {"selection": "1", "confidence": 78},
	"over_under_25": {"selection": "Over", "confidence": 71},
	"btts": {"selection": "Yes", "confidence": 68}
}`

func fixtureContext() *footdata.MatchContext {
	return &footdata.MatchContext{
		FixtureID:   1001,
		HomeTeam:    "Galatasaray",
		AwayTeam:    "Rizespor",
		League:      "Super Lig",
		KickoffTime: time.Now().Add(4 * time.Hour),
		HomeForm:    &footdata.TeamForm{AvgGoalsScored: 2.1, Wins: 4, Draws: 1},
		AwayForm:    &footdata.TeamForm{AvgGoalsScored: 1.1, Wins: 1, Draws: 1},
		Odds: &footdata.MarketOdds{
			Home: decimal.NewFromFloat(1.45), Draw: decimal.NewFromFloat(4.50), Away: decimal.NewFromFloat(7.00),
			Over25: decimal.NewFromFloat(1.60), Under25: decimal.NewFromFloat(2.30),
			BTTSYes: decimal.NewFromFloat(1.80), BTTSNo: decimal.NewFromFloat(1.95),
		},
	}
}

func newTestServer(t *testing.T) (*Server, store.Store) {
	t.Helper()
	provider := &stubProvider{
		contexts: map[int64]*footdata.MatchContext{1001: fixtureContext()},
		scores:   map[int64]*footdata.FinalScore{},
	}
	clients := map[agents.Role]llm.Client{
		agents.RoleScout:    &cannedClient{model: "m-scout", response: agentResponse},
		agents.RoleOdds:     &cannedClient{model: "m-odds", response: agentResponse},
		agents.RoleStrategy: &cannedClient{model: "m-strategy", response: agentResponse},
		agents.RoleArbiter:  &cannedClient{model: "m-arbiter", response: agentResponse},
	}
	panel := agents.NewPanel(agents.PanelConfig{Clients: clients, Lang: "en", Timeout: time.Second})
	st := store.NewMemoryStore()
	rec := tracking.NewRecorder(st)
	analyzer := pipeline.NewAnalyzer(provider, panel, consensus.NewEngine(consensus.DefaultConfig()), st, rec, nil, pipeline.DefaultConfig(), nil)
	settler := settle.NewEngine(provider, st, rec, nil)
	return NewServer(analyzer, settler, st, rec, nil, nil), st
}

func doJSON(t *testing.T, router http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	w := doJSON(t, s.Router(), http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRunConsensusAndSession(t *testing.T) {
	s, _ := newTestServer(t)
	router := s.Router()

	w := doJSON(t, router, http.MethodGet, "/api/v1/sessions/1001", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, router, http.MethodPost, "/api/v1/consensus/1001", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var first struct {
		SessionID string `json:"session_id"`
		Cached    bool   `json:"cached"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &first))
	assert.False(t, first.Cached)

	w = doJSON(t, router, http.MethodPost, "/api/v1/consensus/1001", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var second struct {
		SessionID string `json:"session_id"`
		Cached    bool   `json:"cached"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &second))
	assert.True(t, second.Cached)
	assert.Equal(t, first.SessionID, second.SessionID)

	w = doJSON(t, router, http.MethodGet, "/api/v1/sessions/1001", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRunConsensusUnknownFixture(t *testing.T) {
	s, _ := newTestServer(t)
	w := doJSON(t, s.Router(), http.MethodPost, "/api/v1/consensus/4242", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCouponLifecycle(t *testing.T) {
	s, _ := newTestServer(t)
	router := s.Router()

	body := map[string]interface{}{
		"user_id": "u1",
		"picks": []map[string]interface{}{
			{"fixture_id": 1001, "market": "match_result", "selection": "1", "odds": 1.85},
			{"fixture_id": 1002, "market": "btts", "selection": "Yes", "odds": 1.70},
		},
	}
	w := doJSON(t, router, http.MethodPost, "/api/v1/coupons", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var coupon store.Coupon
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &coupon))
	assert.Equal(t, "3.15", coupon.TotalOdds.StringFixed(2))

	w = doJSON(t, router, http.MethodGet, "/api/v1/coupons/"+coupon.ID.String(), nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodGet, "/api/v1/users/u1/coupons", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), coupon.ID.String())

	w = doJSON(t, router, http.MethodDelete, "/api/v1/coupons/"+coupon.ID.String(), nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCreateCouponRejectsBadOdds(t *testing.T) {
	s, _ := newTestServer(t)
	body := map[string]interface{}{
		"user_id": "u1",
		"picks": []map[string]interface{}{
			{"fixture_id": 1001, "market": "match_result", "selection": "1", "odds": 0.95},
		},
	}
	w := doJSON(t, s.Router(), http.MethodPost, "/api/v1/coupons", body)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateCouponRejectsUnknownMarket(t *testing.T) {
	s, _ := newTestServer(t)
	body := map[string]interface{}{
		"user_id": "u1",
		"picks": []map[string]interface{}{
			{"fixture_id": 1001, "market": "first_goalscorer", "selection": "Kane", "odds": 4.0},
		},
	}
	w := doJSON(t, s.Router(), http.MethodPost, "/api/v1/coupons", body)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "unknown market")
}

func TestCancelUnknownCoupon(t *testing.T) {
	s, _ := newTestServer(t)
	w := doJSON(t, s.Router(), http.MethodDelete, "/api/v1/coupons/6b1e6d3e-0000-0000-0000-000000000000", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRunSettlementEmpty(t *testing.T) {
	s, _ := newTestServer(t)
	w := doJSON(t, s.Router(), http.MethodPost, "/api/v1/settlement/run", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var report settle.Report
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Zero(t, report.Settled)
	assert.Zero(t, report.PicksUpdated)
}

func TestAccuracyAndLeaderboard(t *testing.T) {
	s, st := newTestServer(t)
	router := s.Router()

	w := doJSON(t, router, http.MethodPost, "/api/v1/consensus/1001", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodGet, "/api/v1/accuracy", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "m-scout")

	require.NoError(t, st.AddPoints(context.Background(), "u1", 32))
	w = doJSON(t, router, http.MethodGet, "/api/v1/leaderboard", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"u1"`)
}

func TestDailyCouponEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	w := doJSON(t, s.Router(), http.MethodPost, "/api/v1/coupons/daily", map[string]interface{}{
		"fixture_ids": []int64{1001},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var coupon store.Coupon
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &coupon))
	require.Len(t, coupon.Picks, 1)
	assert.Equal(t, "system", coupon.UserID)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	metrics.Default().RecordAnalysis("ok", 0.1)
	w := doJSON(t, s.Router(), http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "tacticore_analysis_runs_total")
}
