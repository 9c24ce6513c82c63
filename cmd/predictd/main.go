// predictd is the football prediction daemon. It serves the consensus
// API, streams events over WebSocket and runs the settlement sweep.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/tacticore/tacticore/internal/api"
	"github.com/tacticore/tacticore/internal/config"
	"github.com/tacticore/tacticore/internal/pipeline"
	"github.com/tacticore/tacticore/pkg/footdata"
	"github.com/tacticore/tacticore/pkg/llm"
	"github.com/tacticore/tacticore/pkg/predict/agents"
	"github.com/tacticore/tacticore/pkg/predict/consensus"
	"github.com/tacticore/tacticore/pkg/predict/settle"
	"github.com/tacticore/tacticore/pkg/predict/tracking"
	"github.com/tacticore/tacticore/pkg/store"
	"github.com/tacticore/tacticore/pkg/stream"
)

var (
	configPath = flag.String("config", "", "Path to YAML config (defaults apply when empty)")
	httpAddr   = flag.String("http", "", "HTTP listen address (overrides config)")
	verbose    = flag.Bool("verbose", false, "Debug logging")
	noSettle   = flag.Bool("no-settle", false, "Disable the settlement sweep")
)

func main() {
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *httpAddr != "" {
		cfg.HTTPAddr = *httpAddr
	}
	if *verbose {
		cfg.LogLevel = "debug"
	}
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(lvl)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d, err := newDaemon(ctx, cfg, log)
	if err != nil {
		log.Fatalf("init: %v", err)
	}

	go d.hub.Run()

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: api.NewServer(d.analyzer, d.settler, d.st, d.rec, d.hub, log).Router(),
	}
	go func() {
		log.WithField("addr", cfg.HTTPAddr).Info("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("http server")
		}
	}()

	if cfg.Settlement.Enabled && !*noSettle {
		go d.settleLoop(ctx, cfg.Settlement.SweepInterval.Std())
	}
	if cfg.Pipeline.DailyCoupon {
		go d.dailyCouponLoop(ctx, cfg.Pipeline.DailyCouponHour)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	cancel()
}

type daemon struct {
	st       store.Store
	client   *footdata.Client
	provider footdata.Provider
	analyzer *pipeline.Analyzer
	settler  *settle.Engine
	rec      *tracking.Recorder
	hub      *stream.Hub
	log      *logrus.Logger
}

func newDaemon(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*daemon, error) {
	d := &daemon{hub: stream.NewHub(), log: log}

	switch cfg.Store.Backend {
	case "postgres":
		st, err := store.OpenPostgres(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		d.st = st
	default:
		d.st = store.NewMemoryStore()
		log.Warn("using in-memory store, data does not survive restarts")
	}

	sources := make([]footdata.Source, 0, len(cfg.Provider.Sources))
	for _, s := range cfg.Provider.Sources {
		sources = append(sources, footdata.Source{Name: s.Name, BaseURL: s.BaseURL, APIKey: s.APIKey})
	}
	d.client = footdata.NewClient(sources,
		footdata.WithRateLimit(cfg.Provider.RateLimit, cfg.Provider.Burst),
		footdata.WithLogger(log),
	)

	var cache footdata.Cache
	switch cfg.Cache.Backend {
	case "redis":
		opts, err := redis.ParseURL(cfg.Cache.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		rdb := redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		cache = footdata.NewRedisCache(rdb, "tacticore")
	default:
		cache = footdata.NewMemoryCache(cfg.Cache.MaxEntries)
	}
	d.provider = footdata.NewCachingProvider(d.client, cache, cfg.Cache.TTL.Std())

	clients, err := buildPanelClients(cfg)
	if err != nil {
		return nil, err
	}
	if len(clients) == 0 {
		log.Warn("no agent clients configured, analysis requests will produce insufficient data")
	}
	panel := agents.NewPanel(agents.PanelConfig{
		Clients: clients,
		Lang:    cfg.Lang,
		Timeout: cfg.Agents.Timeout.Std(),
		Logger:  log,
	})

	engine := consensus.NewEngine(consensusConfig(cfg))
	d.rec = tracking.NewRecorder(d.st)
	d.analyzer = pipeline.NewAnalyzer(d.provider, panel, engine, d.st, d.rec, d.hub, pipeline.Config{
		Lang:         cfg.Lang,
		SessionTTL:   cfg.Pipeline.SessionTTL.Std(),
		CouponSize:   cfg.Pipeline.CouponSize,
		Concurrency:  cfg.Pipeline.Concurrency,
		CouponUserID: cfg.Pipeline.CouponUserID,
	}, log)
	d.settler = settle.NewEngine(d.provider, d.st, d.rec, log)

	return d, nil
}

func buildPanelClients(cfg *config.Config) (map[agents.Role]llm.Client, error) {
	clients := make(map[agents.Role]llm.Client)
	for role, ac := range cfg.Agents.Roles {
		key := config.APIKeyFor(ac.Provider)
		if key == "" {
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
			return nil, fmt.Errorf("client for role %s: %w", role, err)
		}
		clients[agents.Role(role)] = client
	}
	return clients, nil
}

func consensusConfig(cfg *config.Config) consensus.Config {
	c := consensus.DefaultConfig()
	if cfg.Consensus.ConfidenceFloor > 0 {
		c.ConfidenceFloor = cfg.Consensus.ConfidenceFloor
	}
	if cfg.Consensus.ArbiterFloor > 0 {
		c.ArbiterFloor = cfg.Consensus.ArbiterFloor
	}
	if cfg.Consensus.UnclearCeiling > 0 {
		c.UnclearCeiling = cfg.Consensus.UnclearCeiling
	}
	if cfg.Consensus.GoalExpectancyLow > 0 {
		c.GoalExpectancyLow = cfg.Consensus.GoalExpectancyLow
	}
	if cfg.Consensus.GoalExpectancyHi > 0 {
		c.GoalExpectancyHi = cfg.Consensus.GoalExpectancyHi
	}
	if cfg.Consensus.Quorum > 0 {
		c.Quorum = cfg.Consensus.Quorum
	}
	return c
}

func (d *daemon) settleLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := d.settler.SettlePending(ctx)
			if err != nil {
				d.log.WithError(err).Error("settlement sweep")
				d.hub.BroadcastError(err, "settlement")
				continue
			}
			if report.Settled > 0 || report.PicksUpdated > 0 {
				d.hub.BroadcastSettlement(report)
			}
		}
	}
}

// dailyCouponLoop assembles the system coupon once a day at the given UTC
// hour from that day's fixtures.
func (d *daemon) dailyCouponLoop(ctx context.Context, hour int) {
	for {
		now := time.Now().UTC()
		next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, time.UTC)
		if !next.After(now) {
			next = next.Add(24 * time.Hour)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(next.Sub(now)):
		}

		ids, err := d.client.FixturesByDate(ctx, time.Now().UTC())
		if err != nil {
			d.log.WithError(err).Error("daily coupon: list fixtures")
			continue
		}
		if len(ids) == 0 {
			d.log.Info("daily coupon: no fixtures today")
			continue
		}
		coupon, err := d.analyzer.DailyCoupon(ctx, ids)
		if err != nil {
			if !errors.Is(err, pipeline.ErrNoQualifyingPicks) {
				d.log.WithError(err).Error("daily coupon")
			}
			continue
		}
		d.log.WithFields(logrus.Fields{"coupon": coupon.ID, "picks": len(coupon.Picks)}).Info("daily coupon published")
	}
}
