// Package api exposes the prediction pipeline over HTTP.
package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/tacticore/tacticore/internal/pipeline"
	"github.com/tacticore/tacticore/pkg/metrics"
	"github.com/tacticore/tacticore/pkg/predict/markets"
	"github.com/tacticore/tacticore/pkg/predict/settle"
	"github.com/tacticore/tacticore/pkg/predict/tracking"
	"github.com/tacticore/tacticore/pkg/store"
	"github.com/tacticore/tacticore/pkg/stream"
)

// Server wires the HTTP routes to the pipeline, store and settlement
// engine.
type Server struct {
	analyzer *pipeline.Analyzer
	settler  *settle.Engine
	st       store.Store
	rec      *tracking.Recorder
	hub      *stream.Hub
	log      *logrus.Entry
}

// NewServer creates the API server. hub may be nil when streaming is off.
func NewServer(analyzer *pipeline.Analyzer, settler *settle.Engine, st store.Store, rec *tracking.Recorder, hub *stream.Hub, log *logrus.Logger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{
		analyzer: analyzer,
		settler:  settler,
		st:       st,
		rec:      rec,
		hub:      hub,
		log:      log.WithField("component", "api"),
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())

	r.GET("/health", s.health)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metrics.Default().Registry(), promhttp.HandlerOpts{})))
	if s.hub != nil {
		r.GET("/ws", func(c *gin.Context) {
			s.hub.ServeWS(c.Writer, c.Request)
		})
	}

	v1 := r.Group("/api/v1")
	{
		v1.POST("/consensus/:fixtureID", s.runConsensus)
		v1.GET("/sessions/:fixtureID", s.getSession)
		v1.POST("/settlement/run", s.runSettlement)
		v1.GET("/accuracy", s.getAccuracy)
		v1.GET("/leaderboard", s.getLeaderboard)

		v1.POST("/coupons", s.createCoupon)
		v1.POST("/coupons/daily", s.createDailyCoupon)
		v1.GET("/coupons/:id", s.getCoupon)
		v1.DELETE("/coupons/:id", s.cancelCoupon)
		v1.GET("/users/:id/coupons", s.getUserCoupons)
	}
	return r
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.FullPath(),
			"status":  c.Writer.Status(),
			"elapsed": time.Since(start).String(),
		}).Debug("request")
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
}

func (s *Server) runConsensus(c *gin.Context) {
	fixtureID, err := strconv.ParseInt(c.Param("fixtureID"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid fixture id"})
		return
	}
	refresh := c.Query("refresh") == "true"

	res, err := s.analyzer.Analyze(c.Request.Context(), fixtureID, refresh)
	if err != nil {
		switch {
		case errors.Is(err, pipeline.ErrAnalysisRunning):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, store.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "fixture not found"})
		default:
			s.log.WithError(err).WithField("fixture", fixtureID).Error("analysis failed")
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id": res.Session.ID,
		"fixture_id": res.Session.FixtureID,
		"cached":     res.FromCache,
		"consensus":  res.Prediction,
	})
}

func (s *Server) getSession(c *gin.Context) {
	fixtureID, err := strconv.ParseInt(c.Param("fixtureID"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid fixture id"})
		return
	}
	sess, err := s.st.SessionByFixture(c.Request.Context(), fixtureID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no session for fixture"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) runSettlement(c *gin.Context) {
	report, err := s.settler.SettlePending(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if s.hub != nil {
		s.hub.BroadcastSettlement(report)
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) getAccuracy(c *gin.Context) {
	rows, err := s.rec.Accuracy(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	type accuracyRow struct {
		store.ModelAccuracy
		Pending int     `json:"pending"`
		HitRate float64 `json:"hit_rate"`
	}
	out := make([]accuracyRow, 0, len(rows))
	for _, r := range rows {
		out = append(out, accuracyRow{ModelAccuracy: r, Pending: r.Pending(), HitRate: r.HitRate()})
	}
	c.JSON(http.StatusOK, gin.H{"models": out, "daily": s.rec.DailySummaries()})
}

func (s *Server) getLeaderboard(c *gin.Context) {
	limit := 20
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}
	rows, err := s.st.Leaderboard(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"leaderboard": rows})
}

// createCouponRequest is the POST /coupons payload.
type createCouponRequest struct {
	UserID string `json:"user_id" binding:"required"`
	Picks  []struct {
		FixtureID   int64     `json:"fixture_id" binding:"required"`
		HomeTeam    string    `json:"home_team"`
		AwayTeam    string    `json:"away_team"`
		Market      string    `json:"market" binding:"required"`
		Selection   string    `json:"selection" binding:"required"`
		Odds        float64   `json:"odds" binding:"required"`
		KickoffTime time.Time `json:"kickoff_time"`
	} `json:"picks" binding:"required,min=1"`
}

func (s *Server) createCoupon(c *gin.Context) {
	var req createCouponRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	coupon := &store.Coupon{
		ID:        uuid.New(),
		UserID:    req.UserID,
		Status:    store.CouponPending,
		CreatedAt: time.Now().UTC(),
	}
	for i, p := range req.Picks {
		if _, err := markets.NormalizeSelection(markets.Market(p.Market), p.Selection); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("pick %d: %v", i, err)})
			return
		}
		coupon.Picks = append(coupon.Picks, store.Pick{
			ID:          uuid.New(),
			CouponID:    coupon.ID,
			FixtureID:   p.FixtureID,
			HomeTeam:    p.HomeTeam,
			AwayTeam:    p.AwayTeam,
			Market:      markets.Market(p.Market),
			Selection:   p.Selection,
			Odds:        decimal.NewFromFloat(p.Odds),
			Status:      store.PickPending,
			KickoffTime: p.KickoffTime,
			CreatedAt:   coupon.CreatedAt,
		})
	}
	if err := coupon.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.st.CreateCoupon(c.Request.Context(), coupon); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if s.hub != nil {
		s.hub.BroadcastCoupon(coupon)
	}
	c.JSON(http.StatusCreated, coupon)
}

// createDailyCouponRequest is the POST /coupons/daily payload.
type createDailyCouponRequest struct {
	FixtureIDs []int64 `json:"fixture_ids" binding:"required,min=1"`
}

func (s *Server) createDailyCoupon(c *gin.Context) {
	var req createDailyCouponRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	coupon, err := s.analyzer.DailyCoupon(c.Request.Context(), req.FixtureIDs)
	if err != nil {
		if errors.Is(err, pipeline.ErrNoQualifyingPicks) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, coupon)
}

func (s *Server) getCoupon(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid coupon id"})
		return
	}
	coupon, err := s.st.Coupon(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "coupon not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, coupon)
}

func (s *Server) cancelCoupon(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid coupon id"})
		return
	}
	if err := s.st.CancelCoupon(c.Request.Context(), id); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "coupon not found"})
		case errors.Is(err, store.ErrStateConflict):
			c.JSON(http.StatusConflict, gin.H{"error": "coupon has settled picks"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

func (s *Server) getUserCoupons(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	coupons, err := s.st.UserCoupons(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"coupons": coupons})
}
