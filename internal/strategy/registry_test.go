package strategy

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"breakout-core/internal/order"
	exchange "breakout-core/pkg/exchanges/common"
	"breakout-core/pkg/db"
)

func newTestRegistry(t *testing.T, runs RunStore) *Registry {
	t.Helper()
	return NewRegistry(RegistryConfig{
		Gateways:    func(Config) (exchange.Gateway, error) { return seededGateway(), nil },
		Store:       order.NewMemoryStore(),
		Runs:        runs,
		CallTimeout: time.Second,
		StopTimeout: 2 * time.Second,
	})
}

func TestRegistryConcurrentStarts(t *testing.T) {
	r := newTestRegistry(t, nil)
	defer r.StopAll(context.Background())

	symbols := []string{"BTCUSD", "ETHUSD"}
	ids := make([]string, len(symbols))
	var wg sync.WaitGroup
	for i, sym := range symbols {
		wg.Add(1)
		go func(i int, sym string) {
			defer wg.Done()
			cfg := fastConfig()
			cfg.Trading.Symbol = sym
			id, err := r.Start(context.Background(), cfg)
			if err != nil {
				t.Errorf("Start %s: %v", sym, err)
			}
			ids[i] = id
		}(i, sym)
	}
	wg.Wait()

	if ids[0] == "" || ids[0] == ids[1] {
		t.Fatalf("want distinct ids, got %v", ids)
	}
	for i, id := range ids {
		st, err := r.Status(id)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if st.ID != id || st.Symbol != symbols[i] {
			t.Fatalf("status %d mixed up: %+v", i, st)
		}
	}
	if n := len(r.List()); n != 2 {
		t.Fatalf("List returned %d", n)
	}
}

func TestRegistryStopReachesTerminalState(t *testing.T) {
	r := newTestRegistry(t, nil)
	id, err := r.Start(context.Background(), fastConfig())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "monitoring", func() bool {
		st, _ := r.Status(id)
		return st.State == StateMonitoringBreakout
	})

	if err := r.Stop(id); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	st, err := r.Status(id)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !st.State.Terminal() {
		t.Fatalf("state after stop = %s", st.State)
	}
	if err := r.Stop(id); err != nil {
		t.Fatalf("second Stop should be a no-op, got %v", err)
	}
	if lines, err := r.Logs(id, 0); err != nil || len(lines) == 0 {
		t.Fatalf("Logs = %d lines, %v", len(lines), err)
	}
	if err := r.Remove(id); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := r.Status(id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound after remove, got %v", err)
	}
}

func TestRegistryErrors(t *testing.T) {
	r := newTestRegistry(t, nil)
	defer r.StopAll(context.Background())

	if err := r.Stop("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Stop unknown: %v", err)
	}
	if _, err := r.Status("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Status unknown: %v", err)
	}

	bad := fastConfig()
	bad.Trading.OrderSize = 0
	if _, err := r.Start(context.Background(), bad); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("Start invalid: %v", err)
	}

	id, err := r.Start(context.Background(), fastConfig())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := r.Remove(id); !errors.Is(err, ErrRunning) {
		t.Fatalf("Remove running: %v", err)
	}
}

func TestRegistryPersistsRuns(t *testing.T) {
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	q := database.Queries()

	r := newTestRegistry(t, q)
	cfg := fastConfig()
	cfg.API.APISecret = "secret"
	id, err := r.Start(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := r.Stop(id); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	runs, err := q.ListStrategyRuns(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListStrategyRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != id || runs[0].State != string(StateStopped) || runs[0].StoppedAt == nil {
		t.Fatalf("unexpected runs %+v", runs)
	}
	if strings.Contains(runs[0].Config, "secret") {
		t.Fatalf("credentials persisted: %s", runs[0].Config)
	}
}

func TestRegistryStopTimeoutCoversVenueCalls(t *testing.T) {
	tests := []struct {
		name        string
		callTimeout time.Duration
		stop        time.Duration
		want        time.Duration
	}{
		{"raised to cover retried calls", time.Second, 2 * time.Second, 14 * time.Second},
		{"default raised for slow venues", 5 * time.Second, 0, 62 * time.Second},
		{"long enough is kept", time.Second, time.Minute, time.Minute},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := NewRegistry(RegistryConfig{CallTimeout: tc.callTimeout, StopTimeout: tc.stop})
			if r.cfg.StopTimeout != tc.want {
				t.Fatalf("StopTimeout = %s, want %s", r.cfg.StopTimeout, tc.want)
			}
		})
	}
}
