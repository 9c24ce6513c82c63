package footdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	// Rate limits keep us inside the free-tier quota of the fixture APIs.
	defaultRateLimit = 5.0 // requests per second
	defaultBurst     = 3
)

// Provider fetches match context and final scores for a fixture. The HTTP
// client implements it against a real data API; tests swap in fakes.
type Provider interface {
	// MatchContext assembles everything the prediction panel needs for one
	// fixture. lang selects localized team/league naming where the source
	// supports it.
	MatchContext(ctx context.Context, fixtureID int64, lang string) (*MatchContext, error)
	// FinalScore returns the full-time score; Finished is false while the
	// match is still running or the source has no result yet.
	FinalScore(ctx context.Context, fixtureID int64) (*FinalScore, error)
}

// Client is an HTTP fixture-data client with source fallback: each lookup
// tries the configured sources in order and returns the first success.
type Client struct {
	sources    []Source
	httpClient *http.Client
	limiter    *rate.Limiter
	log        *logrus.Entry
}

// Source is one upstream fixture API endpoint.
type Source struct {
	Name    string
	BaseURL string
	APIKey  string
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithRateLimit sets custom rate limiting shared across all sources.
func WithRateLimit(rps float64, burst int) ClientOption {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithLogger sets the logger.
func WithLogger(log *logrus.Logger) ClientOption {
	return func(c *Client) {
		c.log = log.WithField("component", "footdata")
	}
}

// NewClient creates a fixture-data client over the given sources, tried in
// the order given.
func NewClient(sources []Source, opts ...ClientOption) *Client {
	c := &Client{
		sources: sources,
		httpClient: &http.Client{
			Timeout: 20 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(rate.Limit(defaultRateLimit), defaultBurst),
		log:     logrus.StandardLogger().WithField("component", "footdata"),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// fixturePayload is the wire shape shared by the supported sources.
type fixturePayload struct {
	FixtureID  int64  `json:"fixture_id"`
	HomeTeam   string `json:"home_team"`
	AwayTeam   string `json:"away_team"`
	HomeTeamID int64  `json:"home_team_id"`
	AwayTeamID int64  `json:"away_team_id"`
	League     string `json:"league"`
	KickoffUTC string `json:"kickoff_utc"`

	HomeForm *formPayload  `json:"home_form"`
	AwayForm *formPayload  `json:"away_form"`
	H2H      []h2hPayload  `json:"h2h"`
	Odds     *oddsPayload  `json:"odds"`
	Status   statusPayload `json:"status"`
}

type formPayload struct {
	Sequence         string  `json:"sequence"`
	Wins             int     `json:"wins"`
	Draws            int     `json:"draws"`
	Losses           int     `json:"losses"`
	AvgGoalsScored   float64 `json:"avg_goals_scored"`
	AvgGoalsAgainst  float64 `json:"avg_goals_against"`
	BTTSRate         float64 `json:"btts_rate"`
	Over25Rate       float64 `json:"over25_rate"`
	CleanSheetRate   float64 `json:"clean_sheet_rate"`
	Recent           []struct {
		Opponent  string `json:"opponent"`
		Home      bool   `json:"home"`
		GoalsFor  int    `json:"goals_for"`
		GoalsAway int    `json:"goals_against"`
		Date      string `json:"date"`
	} `json:"recent"`
}

type h2hPayload struct {
	Date      string `json:"date"`
	HomeTeam  string `json:"home_team"`
	AwayTeam  string `json:"away_team"`
	HomeScore int    `json:"home_score"`
	AwayScore int    `json:"away_score"`
}

type oddsPayload struct {
	Home    string `json:"home"`
	Draw    string `json:"draw"`
	Away    string `json:"away"`
	Over25  string `json:"over25"`
	Under25 string `json:"under25"`
	BTTSYes string `json:"btts_yes"`
	BTTSNo  string `json:"btts_no"`
}

type statusPayload struct {
	Short     string `json:"short"` // "NS", "1H", "FT", ...
	HomeScore *int   `json:"home_score"`
	AwayScore *int   `json:"away_score"`
}

// MatchContext implements Provider.
func (c *Client) MatchContext(ctx context.Context, fixtureID int64, lang string) (*MatchContext, error) {
	params := url.Values{}
	params.Set("fixture", strconv.FormatInt(fixtureID, 10))
	if lang != "" {
		params.Set("lang", lang)
	}

	var payload fixturePayload
	if err := c.getWithFallback(ctx, "/fixtures/context", params, &payload); err != nil {
		return nil, fmt.Errorf("match context for fixture %d: %w", fixtureID, err)
	}
	return buildMatchContext(&payload)
}

// FixturesByDate lists the fixture IDs scheduled for the given day (UTC).
func (c *Client) FixturesByDate(ctx context.Context, date time.Time) ([]int64, error) {
	params := url.Values{}
	params.Set("date", date.UTC().Format("2006-01-02"))

	var payload struct {
		Fixtures []struct {
			FixtureID int64 `json:"fixture_id"`
		} `json:"fixtures"`
	}
	if err := c.getWithFallback(ctx, "/fixtures", params, &payload); err != nil {
		return nil, fmt.Errorf("fixtures for %s: %w", date.Format("2006-01-02"), err)
	}
	ids := make([]int64, 0, len(payload.Fixtures))
	for _, f := range payload.Fixtures {
		ids = append(ids, f.FixtureID)
	}
	return ids, nil
}

// FinalScore implements Provider.
func (c *Client) FinalScore(ctx context.Context, fixtureID int64) (*FinalScore, error) {
	params := url.Values{}
	params.Set("fixture", strconv.FormatInt(fixtureID, 10))

	var payload fixturePayload
	if err := c.getWithFallback(ctx, "/fixtures/status", params, &payload); err != nil {
		return nil, fmt.Errorf("final score for fixture %d: %w", fixtureID, err)
	}

	fs := &FinalScore{}
	if payload.Status.Short == "FT" || payload.Status.Short == "AET" || payload.Status.Short == "PEN" {
		if payload.Status.HomeScore == nil || payload.Status.AwayScore == nil {
			return nil, fmt.Errorf("fixture %d finished without a score", fixtureID)
		}
		fs.Finished = true
		fs.HomeScore = *payload.Status.HomeScore
		fs.AwayScore = *payload.Status.AwayScore
	}
	return fs, nil
}

func buildMatchContext(p *fixturePayload) (*MatchContext, error) {
	if p.HomeTeam == "" || p.AwayTeam == "" {
		return nil, fmt.Errorf("incomplete fixture payload")
	}

	kickoff, err := time.Parse(time.RFC3339, p.KickoffUTC)
	if err != nil {
		return nil, fmt.Errorf("parse kickoff %q: %w", p.KickoffUTC, err)
	}

	mc := &MatchContext{
		FixtureID:   p.FixtureID,
		HomeTeam:    p.HomeTeam,
		AwayTeam:    p.AwayTeam,
		HomeTeamID:  p.HomeTeamID,
		AwayTeamID:  p.AwayTeamID,
		League:      p.League,
		KickoffTime: kickoff.UTC(),
	}

	if p.HomeForm != nil {
		mc.HomeForm = buildForm(p.HomeForm)
	}
	if p.AwayForm != nil {
		mc.AwayForm = buildForm(p.AwayForm)
	}
	for _, h := range p.H2H {
		mc.H2H = append(mc.H2H, H2HMatch{
			Date:      h.Date,
			HomeTeam:  h.HomeTeam,
			AwayTeam:  h.AwayTeam,
			HomeScore: h.HomeScore,
			AwayScore: h.AwayScore,
		})
	}
	if p.Odds != nil {
		mc.Odds = buildOdds(p.Odds)
	}
	return mc, nil
}

func buildForm(f *formPayload) *TeamForm {
	tf := &TeamForm{
		Sequence:        f.Sequence,
		Wins:            f.Wins,
		Draws:           f.Draws,
		Losses:          f.Losses,
		Points:          f.Wins*3 + f.Draws,
		AvgGoalsScored:  f.AvgGoalsScored,
		AvgGoalsAgainst: f.AvgGoalsAgainst,
		BTTSRate:        f.BTTSRate,
		Over25Rate:      f.Over25Rate,
		CleanSheetRate:  f.CleanSheetRate,
	}
	for _, r := range f.Recent {
		tf.Recent = append(tf.Recent, RecentMatch{
			Opponent:     r.Opponent,
			Home:         r.Home,
			GoalsFor:     r.GoalsFor,
			GoalsAgainst: r.GoalsAway,
			Date:         r.Date,
		})
	}
	return tf
}

func buildOdds(o *oddsPayload) *MarketOdds {
	parse := func(s string) decimal.Decimal {
		if s == "" {
			return decimal.Zero
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return decimal.Zero
		}
		return d
	}
	return &MarketOdds{
		Home:    parse(o.Home),
		Draw:    parse(o.Draw),
		Away:    parse(o.Away),
		Over25:  parse(o.Over25),
		Under25: parse(o.Under25),
		BTTSYes: parse(o.BTTSYes),
		BTTSNo:  parse(o.BTTSNo),
	}
}

// getWithFallback tries each source in order, returning the first success.
// Every failed attempt is logged; the final error wraps the last failure.
func (c *Client) getWithFallback(ctx context.Context, path string, params url.Values, result interface{}) error {
	if len(c.sources) == 0 {
		return fmt.Errorf("no data sources configured")
	}

	var lastErr error
	for _, src := range c.sources {
		if err := c.get(ctx, src, path, params, result); err != nil {
			c.log.WithFields(logrus.Fields{
				"source": src.Name,
				"path":   path,
			}).WithError(err).Warn("data source failed, trying next")
			lastErr = err
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		return nil
	}
	return fmt.Errorf("all %d sources failed: %w", len(c.sources), lastErr)
}

// get performs a GET request against one source with rate limiting.
func (c *Client) get(ctx context.Context, src Source, path string, params url.Values, result interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	u := src.BaseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if src.APIKey != "" {
		req.Header.Set("X-API-Key", src.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("api error %d: %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
