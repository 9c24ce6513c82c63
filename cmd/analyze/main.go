// analyze runs a one-shot consensus analysis for a fixture and prints the
// prediction as JSON. It uses an in-memory store and the same agent panel
// as the daemon.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tacticore/tacticore/internal/config"
	"github.com/tacticore/tacticore/internal/pipeline"
	"github.com/tacticore/tacticore/pkg/footdata"
	"github.com/tacticore/tacticore/pkg/llm"
	"github.com/tacticore/tacticore/pkg/predict/agents"
	"github.com/tacticore/tacticore/pkg/predict/consensus"
	"github.com/tacticore/tacticore/pkg/predict/tracking"
	"github.com/tacticore/tacticore/pkg/store"
)

var (
	configPath = flag.String("config", "", "Path to YAML config")
	fixtureID  = flag.Int64("fixture", 0, "Fixture ID to analyze (required)")
	lang       = flag.String("lang", "", "Prompt language (overrides config)")
	timeout    = flag.Duration("timeout", 3*time.Minute, "Overall analysis timeout")
	verbose    = flag.Bool("verbose", false, "Debug logging")
)

func main() {
	flag.Parse()

	log := logrus.New()
	log.SetOutput(os.Stderr)
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	if *fixtureID == 0 {
		log.Fatal("-fixture is required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *lang != "" {
		cfg.Lang = *lang
	}
	if len(cfg.Provider.Sources) == 0 {
		log.Fatal("no data sources configured")
	}

	sources := make([]footdata.Source, 0, len(cfg.Provider.Sources))
	for _, s := range cfg.Provider.Sources {
		sources = append(sources, footdata.Source{Name: s.Name, BaseURL: s.BaseURL, APIKey: s.APIKey})
	}
	provider := footdata.NewClient(sources,
		footdata.WithRateLimit(cfg.Provider.RateLimit, cfg.Provider.Burst),
		footdata.WithLogger(log),
	)

	clients := make(map[agents.Role]llm.Client)
	for role, ac := range cfg.Agents.Roles {
		key := config.APIKeyFor(ac.Provider)
		if key == "" {
			log.WithField("role", role).Warn("no API key, role skipped")
			continue
		}
		var base llm.Config
		switch ac.Provider {
		case "anthropic":
			base = llm.DefaultAnthropicConfig()
		case "openai":
			base = llm.DefaultOpenAIConfig()
		case "deepseek":
			base = llm.DefaultDeepSeekConfig()
		}
		base.APIKey = key
		if ac.Model != "" {
			base.Model = ac.Model
		}
		client, err := llm.NewHTTPClient(base)
		if err != nil {
			log.Fatalf("client for role %s: %v", role, err)
		}
		clients[agents.Role(role)] = client
	}
	if len(clients) == 0 {
		log.Fatal("no agent clients available, set ANTHROPIC_API_KEY / OPENAI_API_KEY / DEEPSEEK_API_KEY")
	}

	panel := agents.NewPanel(agents.PanelConfig{
		Clients: clients,
		Lang:    cfg.Lang,
		Timeout: cfg.Agents.Timeout.Std(),
		Logger:  log,
	})

	st := store.NewMemoryStore()
	analyzer := pipeline.NewAnalyzer(
		provider,
		panel,
		consensus.NewEngine(consensus.DefaultConfig()),
		st,
		tracking.NewRecorder(st),
		nil,
		pipeline.Config{Lang: cfg.Lang},
		log,
	)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	res, err := analyzer.Analyze(ctx, *fixtureID, true)
	if err != nil {
		log.Fatalf("analysis failed: %v", err)
	}

	out := struct {
		Fixture    string                `json:"fixture"`
		Kickoff    time.Time             `json:"kickoff"`
		Prediction *consensus.Prediction `json:"prediction"`
		Agents     json.RawMessage       `json:"agents"`
	}{
		Fixture:    res.Match.HomeTeam + " v " + res.Match.AwayTeam,
		Kickoff:    res.Match.KickoffTime,
		Prediction: res.Prediction,
		Agents:     res.Session.AgentReports,
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		log.Fatalf("encode output: %v", err)
	}
}
