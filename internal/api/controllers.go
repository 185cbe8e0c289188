package api

import (
	"errors"
	"log"
	"net/http"
	"strings"

	"breakout-core/internal/order"
	"breakout-core/internal/strategy"
	exchange "breakout-core/pkg/exchanges/common"

	"github.com/gin-gonic/gin"
)

const defaultWaitSeconds = 60

type limitWaitRequest struct {
	Symbol          string   `json:"symbol" binding:"required,min=1"`
	ProductID       int      `json:"product_id"`
	Side            string   `json:"side" binding:"required"`
	EntryPrice      float64  `json:"entry_price" binding:"gt=0"`
	Size            float64  `json:"size" binding:"gt=0"`
	StopLoss        *float64 `json:"stop_loss"`
	TakeProfit      *float64 `json:"take_profit"`
	ClientOrderID   string   `json:"client_order_id"`
	WaitTimeSeconds *int     `json:"wait_time_seconds"`
}

func (r limitWaitRequest) intent() order.OrderIntent {
	wait := defaultWaitSeconds
	if r.WaitTimeSeconds != nil {
		wait = *r.WaitTimeSeconds
	}
	return order.OrderIntent{
		Symbol:          strings.ToUpper(strings.TrimSpace(r.Symbol)),
		ProductID:       r.ProductID,
		Side:            exchange.Side(strings.ToUpper(r.Side)),
		EntryPrice:      r.EntryPrice,
		Size:            r.Size,
		StopLoss:        r.StopLoss,
		TakeProfit:      r.TakeProfit,
		Token:           r.ClientOrderID,
		WaitTimeSeconds: wait,
	}
}

type limitQuery struct {
	Limit int `form:"limit"`
}

func (q *limitQuery) normalize(def, max int) {
	if q.Limit <= 0 {
		q.Limit = def
	}
	if q.Limit > max {
		q.Limit = max
	}
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// placeLimitWait submits a stop-limit entry, waits for the fill and
// brackets it. The request blocks until the placement is terminal.
func (s *Server) placeLimitWait(c *gin.Context) {
	if s.Placer == nil {
		respondError(c, http.StatusServiceUnavailable, "PLACER_UNAVAILABLE", "order placement is not configured")
		return
	}
	var req limitWaitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	intent := req.intent()
	if err := intent.Validate(); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	res := s.Placer.PlaceAndWait(c.Request.Context(), intent)
	status := http.StatusOK
	if res.Outcome == order.OutcomeFailed {
		status = http.StatusBadGateway
	}
	c.JSON(status, res)
}

func (s *Server) startStrategy(c *gin.Context) {
	var cfg strategy.Config
	if err := c.ShouldBindJSON(&cfg); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	id, err := s.Registry.Start(c.Request.Context(), cfg)
	if err != nil {
		if errors.Is(err, strategy.ErrInvalidConfig) {
			respondError(c, http.StatusBadRequest, "INVALID_CONFIG", err.Error())
			return
		}
		log.Printf("api: start strategy: %v", err)
		respondError(c, http.StatusBadGateway, "GATEWAY_ERROR", err.Error())
		return
	}
	st, _ := s.Registry.Status(id)
	c.JSON(http.StatusCreated, gin.H{"id": id, "status": st})
}

func (s *Server) listStrategies(c *gin.Context) {
	c.JSON(http.StatusOK, s.Registry.List())
}

func (s *Server) getStrategy(c *gin.Context) {
	st, err := s.Registry.Status(c.Param("id"))
	if err != nil {
		s.registryError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) stopStrategy(c *gin.Context) {
	id := c.Param("id")
	if err := s.Registry.Stop(id); err != nil {
		s.registryError(c, err)
		return
	}
	st, _ := s.Registry.Status(id)
	c.JSON(http.StatusOK, st)
}

func (s *Server) removeStrategy(c *gin.Context) {
	id := c.Param("id")
	if err := s.Registry.Remove(id); err != nil {
		s.registryError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": id})
}

func (s *Server) ticker(c *gin.Context) {
	if s.Prices == nil {
		respondError(c, http.StatusServiceUnavailable, "TICKER_UNAVAILABLE", "no default gateway configured")
		return
	}
	symbol := strings.ToUpper(c.Param("symbol"))
	price, err := s.Prices.GetPrice(c.Request.Context(), symbol)
	if err != nil {
		respondError(c, http.StatusBadGateway, "PRICE_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "price": price})
}

func (s *Server) strategyLogs(c *gin.Context) {
	var q limitQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	q.normalize(100, 500)
	lines, err := s.Registry.Logs(c.Param("id"), q.Limit)
	if err != nil {
		s.registryError(c, err)
		return
	}
	c.JSON(http.StatusOK, lines)
}

func (s *Server) strategyHistory(c *gin.Context) {
	if s.History == nil {
		respondError(c, http.StatusServiceUnavailable, "HISTORY_UNAVAILABLE", "run history is not configured")
		return
	}
	var q limitQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	q.normalize(50, 500)
	runs, err := s.History.ListStrategyRuns(c.Request.Context(), q.Limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, runs)
}

func (s *Server) registryError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, strategy.ErrNotFound):
		respondError(c, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, strategy.ErrRunning):
		respondError(c, http.StatusConflict, "STILL_RUNNING", err.Error())
	case errors.Is(err, strategy.ErrStopTimeout):
		respondError(c, http.StatusGatewayTimeout, "STOP_TIMEOUT", err.Error())
	default:
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}
