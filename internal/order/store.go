package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"breakout-core/pkg/db"
)

// ResultStore keeps terminal results by idempotency token.
type ResultStore interface {
	Load(ctx context.Context, token string) (BracketResult, bool, error)
	Save(ctx context.Context, token string, r BracketResult) error
}

// MemoryStore is a process-local ResultStore.
type MemoryStore struct {
	mu      sync.RWMutex
	results map[string]BracketResult
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{results: make(map[string]BracketResult)}
}

func (m *MemoryStore) Load(_ context.Context, token string) (BracketResult, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.results[token]
	return r, ok, nil
}

// Save keeps the first result stored for a token.
func (m *MemoryStore) Save(_ context.Context, token string, r BracketResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.results[token]; !ok {
		m.results[token] = r
	}
	return nil
}

// SQLStore persists results in the bracket_results table so retried
// requests are recognised across restarts.
type SQLStore struct {
	q *db.Queries
}

func NewSQLStore(q *db.Queries) *SQLStore {
	return &SQLStore{q: q}
}

func (s *SQLStore) Load(ctx context.Context, token string) (BracketResult, bool, error) {
	rec, err := s.q.GetBracketResult(ctx, token)
	if errors.Is(err, db.ErrNotFound) {
		return BracketResult{}, false, nil
	}
	if err != nil {
		return BracketResult{}, false, err
	}
	var r BracketResult
	if err := json.Unmarshal([]byte(rec.Payload), &r); err != nil {
		return BracketResult{}, false, fmt.Errorf("decode stored result %s: %w", token, err)
	}
	return r, true, nil
}

func (s *SQLStore) Save(ctx context.Context, token string, r BracketResult) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return s.q.SaveBracketResult(ctx, db.BracketRecord{
		Token:             token,
		Symbol:            r.Symbol,
		Side:              string(r.Side),
		Outcome:           string(r.Outcome),
		EntryOrderID:      r.EntryOrderID,
		StopLossOrderID:   r.StopLossOrderID,
		TakeProfitOrderID: r.TakeProfitOrderID,
		FilledSize:        r.FilledSize,
		FilledPrice:       r.FilledPrice,
		Message:           r.Message,
		LegError:          r.LegError,
		Payload:           string(payload),
	})
}
