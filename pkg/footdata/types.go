// Package footdata provides the football data provider client: fixtures,
// team form, head-to-head history, odds and final scores, served through a
// TTL cache with ordered source fallback.
package footdata

import (
	"time"

	"github.com/shopspring/decimal"
)

// TeamForm summarizes a team's recent matches.
type TeamForm struct {
	// Sequence is the recent result string, newest first, e.g. "WWDLW".
	Sequence        string        `json:"sequence"`
	Wins            int           `json:"wins"`
	Draws           int           `json:"draws"`
	Losses          int           `json:"losses"`
	Points          int           `json:"points"`
	AvgGoalsScored  float64       `json:"avg_goals_scored"`
	AvgGoalsAgainst float64       `json:"avg_goals_against"`
	BTTSRate        float64       `json:"btts_rate"`   // 0-100, share of recent matches with both teams scoring
	Over25Rate      float64       `json:"over25_rate"` // 0-100
	CleanSheetRate  float64       `json:"clean_sheet_rate"`
	Recent          []RecentMatch `json:"recent,omitempty"`
}

// RecentMatch is one entry of a team's recent form. Date is the source's
// ISO date string, kept as-is.
type RecentMatch struct {
	Opponent     string `json:"opponent"`
	Home         bool   `json:"home"`
	GoalsFor     int    `json:"goals_for"`
	GoalsAgainst int    `json:"goals_against"`
	Date         string `json:"date"`
}

// H2HMatch is one prior meeting between the two teams.
type H2HMatch struct {
	Date      string `json:"date"`
	HomeTeam  string `json:"home_team"`
	AwayTeam  string `json:"away_team"`
	HomeScore int    `json:"home_score"`
	AwayScore int    `json:"away_score"`
}

// MarketOdds carries the current bookmaker prices for the core markets.
// A zero decimal means the price is unavailable; valid prices are >= 1.01.
type MarketOdds struct {
	Home    decimal.Decimal `json:"home"`
	Draw    decimal.Decimal `json:"draw"`
	Away    decimal.Decimal `json:"away"`
	Over25  decimal.Decimal `json:"over25"`
	Under25 decimal.Decimal `json:"under25"`
	BTTSYes decimal.Decimal `json:"btts_yes"`
	BTTSNo  decimal.Decimal `json:"btts_no"`
}

// HasMatchResult reports whether the 1X2 prices are all present.
func (o MarketOdds) HasMatchResult() bool {
	min := decimal.NewFromFloat(1.01)
	return o.Home.GreaterThanOrEqual(min) && o.Draw.GreaterThanOrEqual(min) && o.Away.GreaterThanOrEqual(min)
}

// MatchContext is the immutable data snapshot handed to the prediction
// agents. It is built fresh per analysis request and never mutated. Form
// and odds are nil when the source has no data for them.
type MatchContext struct {
	FixtureID   int64       `json:"fixture_id"`
	HomeTeam    string      `json:"home_team"`
	AwayTeam    string      `json:"away_team"`
	HomeTeamID  int64       `json:"home_team_id,omitempty"`
	AwayTeamID  int64       `json:"away_team_id,omitempty"`
	League      string      `json:"league"`
	KickoffTime time.Time   `json:"kickoff_time"`
	HomeForm    *TeamForm   `json:"home_form,omitempty"`
	AwayForm    *TeamForm   `json:"away_form,omitempty"`
	H2H         []H2HMatch  `json:"h2h,omitempty"`
	Odds        *MarketOdds `json:"odds,omitempty"`
}

// GoalExpectancy is the sum of both sides' average scored goals, the
// signal the consensus engine uses for its over/under consistency check.
// Zero when either side's form is missing.
func (m *MatchContext) GoalExpectancy() float64 {
	if m.HomeForm == nil || m.AwayForm == nil {
		return 0
	}
	return m.HomeForm.AvgGoalsScored + m.AwayForm.AvgGoalsScored
}

// FinalScore is the provider's view of a fixture's result.
type FinalScore struct {
	Finished  bool `json:"finished"`
	HomeScore int  `json:"home_score"`
	AwayScore int  `json:"away_score"`
}
