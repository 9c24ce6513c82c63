package tracking

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tacticore/tacticore/pkg/predict/markets"
	"github.com/tacticore/tacticore/pkg/store"
)

func TestRecorder_IdempotentCounters(t *testing.T) {
	ctx := context.Background()
	r := NewRecorder(store.NewMemoryStore())
	sessionID := uuid.New()

	// Rerunning either side of the lifecycle must not double count.
	for i := 0; i < 3; i++ {
		if err := r.PredictionMade(ctx, sessionID, "claude", markets.MatchResult); err != nil {
			t.Fatalf("PredictionMade: %v", err)
		}
	}
	for i := 0; i < 3; i++ {
		if err := r.PredictionSettled(ctx, sessionID, "claude", markets.MatchResult, true); err != nil {
			t.Fatalf("PredictionSettled: %v", err)
		}
	}

	accs, err := r.Accuracy(ctx)
	if err != nil {
		t.Fatalf("Accuracy: %v", err)
	}
	if len(accs) != 1 {
		t.Fatalf("got %d rows, want 1", len(accs))
	}
	a := accs[0]
	if a.Made != 1 || a.Settled != 1 || a.Correct != 1 {
		t.Errorf("counters = made %d settled %d correct %d, want 1/1/1", a.Made, a.Settled, a.Correct)
	}
}

func TestRecorder_SeparateMarketsTracked(t *testing.T) {
	ctx := context.Background()
	r := NewRecorder(store.NewMemoryStore())
	sessionID := uuid.New()

	for _, m := range []markets.Market{markets.MatchResult, markets.OverUnder25, markets.BTTS} {
		if err := r.PredictionMade(ctx, sessionID, "gpt", m); err != nil {
			t.Fatalf("PredictionMade(%s): %v", m, err)
		}
	}
	if err := r.PredictionSettled(ctx, sessionID, "gpt", markets.MatchResult, false); err != nil {
		t.Fatalf("PredictionSettled: %v", err)
	}

	accs, err := r.Accuracy(ctx)
	if err != nil {
		t.Fatalf("Accuracy: %v", err)
	}
	if len(accs) != 3 {
		t.Fatalf("got %d rows, want 3", len(accs))
	}

	totalPending := 0
	for _, a := range accs {
		totalPending += a.Pending()
	}
	if totalPending != 2 {
		t.Errorf("pending = %d, want 2", totalPending)
	}
}

func TestRecorder_DailySummaries(t *testing.T) {
	ctx := context.Background()
	r := NewRecorder(store.NewMemoryStore())
	r.now = func() time.Time { return time.Date(2026, 3, 8, 10, 0, 0, 0, time.UTC) }

	s1, s2 := uuid.New(), uuid.New()
	if err := r.PredictionSettled(ctx, s1, "claude", markets.MatchResult, true); err != nil {
		t.Fatal(err)
	}
	if err := r.PredictionSettled(ctx, s2, "claude", markets.MatchResult, false); err != nil {
		t.Fatal(err)
	}

	daily := r.DailySummaries()
	if len(daily) != 1 {
		t.Fatalf("got %d summaries, want 1", len(daily))
	}
	d := daily[0]
	if d.Date != "2026-03-08" || d.Settled != 2 || d.Correct != 1 {
		t.Errorf("summary = %+v", d)
	}
}
