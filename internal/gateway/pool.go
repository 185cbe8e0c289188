// Package gateway caches exchange gateways per credential set so strategy
// instances trading with the same account share one client.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	exchange "breakout-core/pkg/exchanges/common"
)

var (
	ErrGatewayUnhealthy = errors.New("gateway is unhealthy")
	ErrPoolFull         = errors.New("gateway pool is full")
)

// Credentials identify one venue account.
type Credentials struct {
	BaseURL   string
	APIKey    string
	APISecret string
}

// key derives a cache key that does not contain the secret.
func (c Credentials) key() string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(c.BaseURL+"|"+c.APIKey)).String()
}

// Factory creates a Gateway for a credential set.
type Factory func(creds Credentials) (exchange.Gateway, error)

type cachedGateway struct {
	gw        *Tracked
	createdAt time.Time
	lastUsed  time.Time
	openedAt  time.Time // when the circuit last opened
	failures  int
}

// Config holds configuration for the Pool.
type Config struct {
	MaxSize          int           // Maximum number of cached gateways (LRU eviction)
	IdleTimeout      time.Duration // Time before idle gateway is removed
	FailureThreshold int           // Consecutive failures before the circuit opens
	CircuitTimeout   time.Duration // Time to wait before handing out an unhealthy gateway again
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		MaxSize:          100,
		IdleTimeout:      30 * time.Minute,
		FailureThreshold: 5,
		CircuitTimeout:   time.Minute,
	}
}

// Pool manages Gateway instances with LRU eviction and a per-gateway
// circuit breaker.
type Pool struct {
	mu       sync.Mutex
	gateways map[string]*cachedGateway
	lruOrder []string // oldest first

	config  Config
	factory Factory

	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// NewPool creates a pool.
func NewPool(factory Factory, cfg Config) *Pool {
	def := DefaultConfig()
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = def.MaxSize
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.CircuitTimeout <= 0 {
		cfg.CircuitTimeout = def.CircuitTimeout
	}
	return &Pool{
		gateways: make(map[string]*cachedGateway),
		config:   cfg,
		factory:  factory,
		stopCh:   make(chan struct{}),
	}
}

// Start begins background idle cleanup.
func (p *Pool) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.config.IdleTimeout / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.cleanupIdle()
			}
		}
	}()
}

// Stop shuts down background work and forgets every gateway.
func (p *Pool) Stop() {
	p.once.Do(func() { close(p.stopCh) })
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.gateways = make(map[string]*cachedGateway)
	p.lruOrder = nil
}

// Get returns the cached gateway for creds, creating it if needed.
func (p *Pool) Get(creds Credentials) (exchange.Gateway, error) {
	key := creds.key()

	p.mu.Lock()
	defer p.mu.Unlock()

	if cached, ok := p.gateways[key]; ok {
		if cached.failures >= p.config.FailureThreshold && time.Since(cached.openedAt) < p.config.CircuitTimeout {
			return nil, ErrGatewayUnhealthy
		}
		p.touchLRULocked(key)
		return cached.gw, nil
	}

	if len(p.gateways) >= p.config.MaxSize && !p.evictOldestLocked() {
		return nil, ErrPoolFull
	}

	gw, err := p.factory(creds)
	if err != nil {
		return nil, fmt.Errorf("create gateway: %w", err)
	}
	now := time.Now()
	tracked := &Tracked{inner: gw, pool: p, key: key}
	p.gateways[key] = &cachedGateway{gw: tracked, createdAt: now, lastUsed: now}
	p.lruOrder = append(p.lruOrder, key)
	return tracked, nil
}

// Stats returns current pool statistics.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	stats := PoolStats{TotalGateways: len(p.gateways), MaxSize: p.config.MaxSize}
	for _, cached := range p.gateways {
		if cached.failures >= p.config.FailureThreshold {
			stats.UnhealthyCount++
		}
	}
	return stats
}

// PoolStats contains gateway pool statistics.
type PoolStats struct {
	TotalGateways  int `json:"total_gateways"`
	MaxSize        int `json:"max_size"`
	UnhealthyCount int `json:"unhealthy_count"`
}

func (p *Pool) recordResult(key string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cached, ok := p.gateways[key]
	if !ok {
		return
	}
	cached.lastUsed = time.Now()
	if err == nil {
		cached.failures = 0
		return
	}
	cached.failures++
	// a failure after the timeout reopens the circuit
	if cached.failures >= p.config.FailureThreshold {
		cached.openedAt = cached.lastUsed
	}
}

// --- Internal helpers ---

func (p *Pool) touchLRULocked(key string) {
	if cached, ok := p.gateways[key]; ok {
		cached.lastUsed = time.Now()
	}
	p.removeLRULocked(key)
	p.lruOrder = append(p.lruOrder, key)
}

func (p *Pool) removeLRULocked(key string) {
	for i, id := range p.lruOrder {
		if id == key {
			p.lruOrder = append(p.lruOrder[:i], p.lruOrder[i+1:]...)
			break
		}
	}
}

func (p *Pool) evictOldestLocked() bool {
	if len(p.lruOrder) == 0 {
		return false
	}
	oldest := p.lruOrder[0]
	delete(p.gateways, oldest)
	p.lruOrder = p.lruOrder[1:]
	return true
}

func (p *Pool) cleanupIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	for key, cached := range p.gateways {
		if now.Sub(cached.lastUsed) > p.config.IdleTimeout {
			delete(p.gateways, key)
			p.removeLRULocked(key)
		}
	}
}
