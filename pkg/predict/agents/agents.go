// Package agents runs the multi-model prediction panel for a fixture.
package agents

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tacticore/tacticore/pkg/footdata"
	"github.com/tacticore/tacticore/pkg/llm"
	"github.com/tacticore/tacticore/pkg/predict/markets"
)

// Role identifies an agent's analytical angle.
type Role string

const (
	RoleScout      Role = "scout"      // form and squad news
	RoleStatistics Role = "statistics" // goal rates, xG style numbers
	RoleOdds       Role = "odds"       // market-implied probabilities
	RoleStrategy   Role = "strategy"   // game-state and matchup reading
	RoleArbiter    Role = "arbiter"    // reviews the other reports
	RoleLive       Role = "live"       // in-play reassessment
	RoleArbitrage  Role = "arbitrage"  // cross-bookmaker value
	RoleLearning   Role = "learning"   // feedback from settled history
)

// independentRoles are the phase-1 roles that analyze the fixture without
// seeing each other's output. The arbiter runs after them.
var independentRoles = []Role{RoleScout, RoleStatistics, RoleOdds, RoleStrategy}

// MarketCall is one agent's call on one market. Confidence is 0-100.
type MarketCall struct {
	Selection  markets.Selection `json:"selection"`
	Confidence float64           `json:"confidence"`
	Reasoning  string            `json:"reasoning,omitempty"`
}

// AgentPrediction is one agent's full report for a fixture. A nil market
// call is an abstention on that market; Abstained marks a full abstention
// (model failure or unparseable output after the reattempt).
type AgentPrediction struct {
	Role      Role        `json:"role"`
	Model     string      `json:"model"`
	Abstained bool        `json:"abstained"`
	Error     string      `json:"error,omitempty"`
	LatencyMs int64       `json:"latency_ms"`
	Result    *MarketCall `json:"match_result,omitempty"`
	OverUnder *MarketCall `json:"over_under_25,omitempty"`
	BTTS      *MarketCall `json:"btts,omitempty"`
	// Score is the optional correct-score guess, e.g. "2-1".
	Score string `json:"score,omitempty"`
}

// Calls returns the non-abstained market calls keyed by market.
func (p *AgentPrediction) Calls() map[markets.Market]*MarketCall {
	out := make(map[markets.Market]*MarketCall, 3)
	if p.Result != nil {
		out[markets.MatchResult] = p.Result
	}
	if p.OverUnder != nil {
		out[markets.OverUnder25] = p.OverUnder
	}
	if p.BTTS != nil {
		out[markets.BTTS] = p.BTTS
	}
	return out
}

// Panel fans a fixture out to the configured agents and collects their
// reports.
type Panel struct {
	clients map[Role]llm.Client
	lang    string
	timeout time.Duration
	log     *logrus.Entry
}

// PanelConfig configures a Panel.
type PanelConfig struct {
	// Clients maps each role to its model client. Roles without a client
	// simply don't run.
	Clients map[Role]llm.Client
	// Lang is the BCP 47 tag of the prompt language ("tr", "en", "de");
	// unknown tags fall back to English.
	Lang string
	// Timeout bounds each individual agent call.
	Timeout time.Duration
	Logger  *logrus.Logger
}

// NewPanel creates a panel.
func NewPanel(cfg PanelConfig) *Panel {
	p := &Panel{
		clients: cfg.Clients,
		lang:    cfg.Lang,
		timeout: cfg.Timeout,
		log:     logrus.StandardLogger().WithField("component", "panel"),
	}
	if p.timeout == 0 {
		p.timeout = 45 * time.Second
	}
	if cfg.Logger != nil {
		p.log = cfg.Logger.WithField("component", "panel")
	}
	return p
}

// Size returns the number of configured agent clients.
func (p *Panel) Size() int {
	return len(p.clients)
}

// Run executes the panel in two phases: the independent roles concurrently,
// then the arbiter with the phase-1 reports as extra input. It never returns
// an error while at least one agent produced a report; failed agents come
// back as abstentions so the audit trail stays complete.
func (p *Panel) Run(ctx context.Context, matchCtx *footdata.MatchContext) []AgentPrediction {
	lang := matchLanguage(p.lang)

	var wg sync.WaitGroup
	results := make(chan AgentPrediction, len(independentRoles))

	for _, role := range independentRoles {
		client, ok := p.clients[role]
		if !ok {
			continue
		}
		wg.Add(1)
		go func(r Role, c llm.Client) {
			defer wg.Done()
			results <- p.runAgent(ctx, r, c, matchCtx, lang, nil)
		}(role, client)
	}

	wg.Wait()
	close(results)

	preds := make([]AgentPrediction, 0, len(p.clients))
	for pred := range results {
		preds = append(preds, pred)
	}

	if arbiter, ok := p.clients[RoleArbiter]; ok {
		preds = append(preds, p.runAgent(ctx, RoleArbiter, arbiter, matchCtx, lang, preds))
	}

	return preds
}

// runAgent executes one agent call with a single reattempt on malformed
// output. Reports are abstentions rather than errors.
func (p *Panel) runAgent(ctx context.Context, role Role, client llm.Client, matchCtx *footdata.MatchContext, lang promptLanguage, priorReports []AgentPrediction) AgentPrediction {
	pred := AgentPrediction{Role: role, Model: client.Model()}

	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	prompt := buildPrompt(role, matchCtx, lang, priorReports)
	system := systemPrompt(role, lang)

	start := time.Now()
	for attempt := 0; attempt < 2; attempt++ {
		response, err := client.Complete(callCtx, prompt, system)
		if err != nil {
			pred.Abstained = true
			pred.Error = err.Error()
			break // transport errors are retried inside the client already
		}

		if err := parseAgentResponse(response, &pred); err != nil {
			pred.Abstained = true
			pred.Error = err.Error()
			p.log.WithFields(logrus.Fields{
				"role":    role,
				"model":   client.Model(),
				"attempt": attempt + 1,
			}).WithError(err).Warn("malformed agent output")
			continue
		}

		pred.Abstained = false
		pred.Error = ""
		break
	}
	pred.LatencyMs = time.Since(start).Milliseconds()

	if pred.Abstained {
		p.log.WithFields(logrus.Fields{
			"role":  role,
			"model": client.Model(),
		}).Warn("agent abstained")
	}
	return pred
}
