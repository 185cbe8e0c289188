package strategy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"breakout-core/internal/events"
	"breakout-core/internal/monitor"
	"breakout-core/internal/order"
	exchange "breakout-core/pkg/exchanges/common"
	"breakout-core/pkg/db"
)

var (
	ErrNotFound    = errors.New("strategy not found")
	ErrStopTimeout = errors.New("strategy did not stop in time")
	ErrRunning     = errors.New("strategy is still running")
)

// GatewayFactory returns the gateway an instance trades through.
type GatewayFactory func(cfg Config) (exchange.Gateway, error)

// RunStore persists instance summaries.
type RunStore interface {
	UpsertStrategyRun(ctx context.Context, r db.StrategyRun) error
}

// RegistryConfig wires a Registry.
type RegistryConfig struct {
	Gateways    GatewayFactory
	Store       order.ResultStore
	Runs        RunStore // optional
	Bus         *events.Bus
	CallTimeout time.Duration
	StopTimeout time.Duration
}

type entry struct {
	inst   *Instance
	cancel context.CancelFunc
	done   chan struct{}
}

// Registry owns the running instances. The id map is only touched under mu;
// instance status is read through snapshots so no call here waits on an
// instance's polling.
type Registry struct {
	cfg RegistryConfig

	mu      sync.Mutex
	entries map[string]*entry
	wg      sync.WaitGroup
}

// MinStopTimeout bounds the venue work an instance may still do after a
// stop request, with every call retried and running to callTimeout.
// Twelve calls: cancel the entry, poll it three times, cancel a partial
// remainder, three attempts per protective leg and the final cancel-all.
func MinStopTimeout(callTimeout time.Duration) time.Duration {
	if callTimeout <= 0 {
		callTimeout = 10 * time.Second
	}
	return 12*callTimeout + 2*time.Second
}

func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 30 * time.Second
	}
	if floor := MinStopTimeout(cfg.CallTimeout); cfg.StopTimeout < floor {
		log.Printf("registry: stop timeout %s is below %s needed to settle venue calls; using %s", cfg.StopTimeout, floor, floor)
		cfg.StopTimeout = floor
	}
	return &Registry{cfg: cfg, entries: make(map[string]*entry)}
}

// Start validates cfg, launches a new instance and returns its id. The
// instance outlives ctx; only Stop ends it.
func (r *Registry) Start(ctx context.Context, cfg Config) (string, error) {
	cfg, err := cfg.Normalize()
	if err != nil {
		return "", err
	}
	gw, err := r.cfg.Gateways(cfg)
	if err != nil {
		return "", fmt.Errorf("gateway for %s: %w", cfg.Trading.Symbol, err)
	}

	id := uuid.NewString()
	inst := NewInstance(id, cfg, Deps{
		Gateway:     gw,
		Store:       r.cfg.Store,
		Bus:         r.cfg.Bus,
		CallTimeout: r.cfg.CallTimeout,
	})
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e := &entry{inst: inst, cancel: cancel, done: make(chan struct{})}

	r.mu.Lock()
	r.entries[id] = e
	r.wg.Add(1)
	go r.run(runCtx, e)
	r.mu.Unlock()

	r.persist(inst)
	log.Printf("registry: started %s %s %s", id, cfg.Trading.Symbol, cfg.Schedule.Timeframe)
	return id, nil
}

func (r *Registry) run(ctx context.Context, e *entry) {
	defer r.wg.Done()
	defer close(e.done)
	defer r.persist(e.inst)
	if err := e.inst.Run(ctx); err != nil && ctx.Err() == nil {
		log.Printf("registry: %s ended: %v", e.inst.ID(), err)
	}
}

// Stop cancels the instance and waits for it to finish. Stopping an
// instance that already finished is a no-op.
func (r *Registry) Stop(id string) error {
	e, err := r.get(id)
	if err != nil {
		return err
	}
	e.cancel()

	t := time.NewTimer(r.cfg.StopTimeout)
	defer t.Stop()
	select {
	case <-e.done:
		return nil
	case <-t.C:
		return fmt.Errorf("%s: %w", id, ErrStopTimeout)
	}
}

// Status returns the latest snapshot of an instance.
func (r *Registry) Status(id string) (Status, error) {
	e, err := r.get(id)
	if err != nil {
		return Status{}, err
	}
	return e.inst.Status(), nil
}

// List returns every instance's snapshot, oldest first.
func (r *Registry) List() []Status {
	r.mu.Lock()
	out := make([]Status, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.inst.Status())
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Logs returns the last n log lines of an instance.
func (r *Registry) Logs(id string, n int) ([]LogLine, error) {
	e, err := r.get(id)
	if err != nil {
		return nil, err
	}
	return e.inst.Logs(n), nil
}

// Remove forgets a finished instance.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	select {
	case <-e.done:
	default:
		return fmt.Errorf("%s: %w", id, ErrRunning)
	}
	delete(r.entries, id)
	monitor.MoveInstanceState(string(e.inst.Status().State), "")
	return nil
}

// StopAll cancels every instance and waits for them until ctx ends.
func (r *Registry) StopAll(ctx context.Context) error {
	r.mu.Lock()
	for _, e := range r.entries {
		e.cancel()
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop all: %w", ctx.Err())
	}
}

func (r *Registry) get(id string) (*entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return e, nil
}

func (r *Registry) persist(inst *Instance) {
	if r.cfg.Runs == nil {
		return
	}
	st := inst.Status()
	cfgJSON, err := json.Marshal(inst.Config().Redacted())
	if err != nil {
		log.Printf("registry: encode config %s: %v", st.ID, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = r.cfg.Runs.UpsertStrategyRun(ctx, db.StrategyRun{
		ID:           st.ID,
		Name:         st.Name,
		Symbol:       st.Symbol,
		Timeframe:    st.Timeframe,
		Config:       string(cfgJSON),
		State:        string(st.State),
		ErrorMessage: st.Error,
		Trades:       st.Trades,
		StartedAt:    st.StartedAt,
		StoppedAt:    st.StoppedAt,
	})
	if err != nil {
		log.Printf("registry: persist run %s: %v", st.ID, err)
	}
}
