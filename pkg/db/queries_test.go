package db

import (
	"context"
	"testing"
	"time"
)

func newTestDB(t *testing.T) *Queries {
	t.Helper()
	database, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := ApplyMigrations(database); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}
	return database.Queries()
}

func TestBracketResultsFirstWriteWins(t *testing.T) {
	q := newTestDB(t)
	ctx := context.Background()

	t.Run("missing token", func(t *testing.T) {
		if err := q.SaveBracketResult(ctx, BracketRecord{}); err != ErrTokenRequired {
			t.Errorf("expected ErrTokenRequired, got %v", err)
		}
		if _, err := q.GetBracketResult(ctx, ""); err != ErrTokenRequired {
			t.Errorf("expected ErrTokenRequired, got %v", err)
		}
	})

	t.Run("unknown token", func(t *testing.T) {
		if _, err := q.GetBracketResult(ctx, "nope"); err != ErrNotFound {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("round trip", func(t *testing.T) {
		first := BracketRecord{Token: "tok-1", Symbol: "BTCUSD", Side: "BUY", Outcome: "filled",
			EntryOrderID: "1", StopLossOrderID: "2", TakeProfitOrderID: "3", FilledSize: 1, FilledPrice: 107100, Payload: `{"a":1}`}
		if err := q.SaveBracketResult(ctx, first); err != nil {
			t.Fatalf("SaveBracketResult: %v", err)
		}
		second := first
		second.Outcome = "failed"
		second.Payload = `{"a":2}`
		if err := q.SaveBracketResult(ctx, second); err != nil {
			t.Fatalf("SaveBracketResult (dup): %v", err)
		}
		got, err := q.GetBracketResult(ctx, "tok-1")
		if err != nil {
			t.Fatalf("GetBracketResult: %v", err)
		}
		if got.Outcome != "filled" || got.Payload != `{"a":1}` || got.TakeProfitOrderID != "3" {
			t.Errorf("expected first write to win, got %+v", got)
		}
	})
}

func TestStrategyRunsUpsertAndList(t *testing.T) {
	q := newTestDB(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"a", "b"} {
		if err := q.UpsertStrategyRun(ctx, StrategyRun{
			ID: id, Symbol: "BTCUSD", Timeframe: "1h", Config: "{}", State: "ARMING",
			StartedAt: base.Add(time.Duration(i) * time.Hour),
		}); err != nil {
			t.Fatalf("UpsertStrategyRun: %v", err)
		}
	}
	stopped := base.Add(3 * time.Hour)
	if err := q.UpsertStrategyRun(ctx, StrategyRun{
		ID: "a", Symbol: "BTCUSD", Timeframe: "1h", Config: "{}", State: "STOPPED", Trades: 2,
		StartedAt: base, StoppedAt: &stopped,
	}); err != nil {
		t.Fatalf("UpsertStrategyRun update: %v", err)
	}

	runs, err := q.ListStrategyRuns(ctx, 10)
	if err != nil {
		t.Fatalf("ListStrategyRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].ID != "b" {
		t.Errorf("expected newest first, got %s", runs[0].ID)
	}
	a := runs[1]
	if a.State != "STOPPED" || a.Trades != 2 || a.StoppedAt == nil {
		t.Errorf("update not applied: %+v", a)
	}
}
