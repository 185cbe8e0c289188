package api

import (
	"context"
	"net/http"

	"breakout-core/internal/events"
	"breakout-core/internal/order"
	"breakout-core/internal/strategy"
	"breakout-core/pkg/db"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// OrderPlacer runs one entry-wait placement to completion.
type OrderPlacer interface {
	PlaceAndWait(ctx context.Context, intent order.OrderIntent) order.BracketResult
}

// RunHistory lists persisted strategy runs, newest first.
type RunHistory interface {
	ListStrategyRuns(ctx context.Context, limit int) ([]db.StrategyRun, error)
}

// PriceSource quotes the last traded price of a symbol.
type PriceSource interface {
	GetPrice(ctx context.Context, symbol string) (float64, error)
}

// Server wires HTTP endpoints around the strategy registry and the event bus.
type Server struct {
	Router   *gin.Engine
	Bus      *events.Bus
	Registry *strategy.Registry
	Placer   OrderPlacer
	History  RunHistory
	Prices   PriceSource // nil disables /ticker
	Auth     AuthConfig
	Meta     SystemMeta
	limiter  *ipLimiter
}

// SystemMeta describes runtime status exposed on /health.
type SystemMeta struct {
	DryRun  bool   `json:"dry_run"`
	Venue   string `json:"venue"`
	Version string `json:"version"`
}

// AuthConfig toggles bearer-token checks on /api/v1.
type AuthConfig struct {
	Enabled bool
	Secret  string
}

func NewServer(bus *events.Bus, registry *strategy.Registry, placer OrderPlacer, history RunHistory, auth AuthConfig, meta SystemMeta) *Server {
	r := gin.New()

	s := &Server{
		Router:   r,
		Bus:      bus,
		Registry: registry,
		Placer:   placer,
		History:  history,
		Auth:     auth,
		Meta:     meta,
		limiter:  newIPLimiter(20, 50),
	}

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())                 // Panic recovery (first)
	r.Use(RequestIDMiddleware())          // Request ID tracking
	r.Use(RequestLogger())                // Request logging (after ID is set)
	r.Use(RateLimitMiddleware(s.limiter)) // Per-IP rate limiting
	r.Use(CORSMiddleware())               // CORS (last before routes)

	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api/v1")
	if s.Auth.Enabled {
		api.Use(AuthMiddleware(s.Auth.Secret))
	}
	{
		api.POST("/orders/limit-wait", s.placeLimitWait)
		api.GET("/ticker/:symbol", s.ticker)

		api.POST("/strategies", s.startStrategy)
		api.GET("/strategies", s.listStrategies)
		api.GET("/strategies/history", s.strategyHistory)
		api.GET("/strategies/:id", s.getStrategy)
		api.POST("/strategies/:id/stop", s.stopStrategy)
		api.DELETE("/strategies/:id", s.removeStrategy)
		api.GET("/strategies/:id/logs", s.strategyLogs)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"dry_run":    s.Meta.DryRun,
		"venue":      s.Meta.Venue,
		"version":    s.Meta.Version,
		"strategies": len(s.Registry.List()),
	})
}

func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}

// Handler exposes the router for an http.Server owned by the caller.
func (s *Server) Handler() http.Handler {
	return s.Router
}
