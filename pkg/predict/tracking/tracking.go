// Package tracking keeps per-model accuracy bookkeeping for the
// leaderboard and performance API.
package tracking

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tacticore/tacticore/pkg/predict/markets"
	"github.com/tacticore/tacticore/pkg/store"
)

// DailyModelSummary is a per-day, per-model rollup of settled calls.
type DailyModelSummary struct {
	Date    string `json:"date"` // YYYY-MM-DD
	Model   string `json:"model"`
	Settled int    `json:"settled"`
	Correct int    `json:"correct"`
}

// Recorder increments accuracy counters exactly once per session, model and
// market on each side of the lifecycle. The store's idempotency keys make
// both paths safe to rerun; abstentions are never recorded at all.
type Recorder struct {
	acc store.AccuracyStore

	mu    sync.Mutex
	daily map[string]*DailyModelSummary // date|model
	now   func() time.Time
}

// NewRecorder creates a Recorder over the accuracy store.
func NewRecorder(acc store.AccuracyStore) *Recorder {
	return &Recorder{
		acc:   acc,
		daily: make(map[string]*DailyModelSummary),
		now:   time.Now,
	}
}

func key(sessionID uuid.UUID, model string, market markets.Market) string {
	return fmt.Sprintf("%s|%s|%s", sessionID, model, market)
}

// PredictionMade records that a model issued a call on a market.
func (r *Recorder) PredictionMade(ctx context.Context, sessionID uuid.UUID, model string, market markets.Market) error {
	return r.acc.RecordPrediction(ctx, key(sessionID, model, market), model, string(market))
}

// PredictionSettled records the outcome of a previously made call.
func (r *Recorder) PredictionSettled(ctx context.Context, sessionID uuid.UUID, model string, market markets.Market, correct bool) error {
	if err := r.acc.RecordSettlement(ctx, key(sessionID, model, market), model, string(market), correct); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	date := r.now().UTC().Format("2006-01-02")
	k := date + "|" + model
	s, ok := r.daily[k]
	if !ok {
		s = &DailyModelSummary{Date: date, Model: model}
		r.daily[k] = s
	}
	s.Settled++
	if correct {
		s.Correct++
	}
	return nil
}

// Accuracy returns the per model+market counters.
func (r *Recorder) Accuracy(ctx context.Context) ([]store.ModelAccuracy, error) {
	return r.acc.Accuracy(ctx)
}

// DailySummaries returns the rollups recorded since process start, newest
// date first.
func (r *Recorder) DailySummaries() []DailyModelSummary {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]DailyModelSummary, 0, len(r.daily))
	for _, s := range r.daily {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date > out[j].Date
		}
		return out[i].Model < out[j].Model
	})
	return out
}
