package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"futures-trading-bot/config"
	"futures-trading-bot/internal/bot"
	"futures-trading-bot/internal/exchange"
)

// CreateBotRequest is the body for POST /api/bots
type CreateBotRequest struct {
	Symbol            string  `json:"symbol" binding:"required"`
	Side              string  `json:"side" binding:"required,oneof=LONG SHORT"`
	Quantity          float64 `json:"quantity"`
	StopLossPercent   float64 `json:"stop_loss_percent"`
	TakeProfitPercent float64 `json:"take_profit_percent"`
}

// handleStatus returns the engine status summary
// GET /api/status
func (s *Server) handleStatus(c *gin.Context) {
	status := s.engine.Status()
	status["ws_clients"] = s.hub.GetClientCount()
	c.JSON(http.StatusOK, status)
}

// handleListBots returns all bot records
// GET /api/bots
func (s *Server) handleListBots(c *gin.Context) {
	bots := s.engine.ListBots()
	c.JSON(http.StatusOK, gin.H{
		"bots":  bots,
		"count": len(bots),
	})
}

// handleGetBot returns one bot record
// GET /api/bots/:symbol
func (s *Server) handleGetBot(c *gin.Context) {
	symbol := strings.ToUpper(c.Param("symbol"))

	record, ok := s.engine.GetBot(symbol)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "BOT_NOT_FOUND",
			"message": "no bot for " + symbol,
		})
		return
	}
	c.JSON(http.StatusOK, record)
}

// handleCreateBot opens a bot on operator request
// POST /api/bots
func (s *Server) handleCreateBot(c *gin.Context) {
	var req CreateBotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "VALIDATION_ERROR",
			"message": err.Error(),
		})
		return
	}

	symbol := strings.ToUpper(req.Symbol)
	record, err := s.engine.CreateManualBot(c.Request.Context(), symbol, bot.ManualBotParams{
		Side:              exchange.PositionSide(req.Side),
		Quantity:          req.Quantity,
		StopLossPercent:   req.StopLossPercent,
		TakeProfitPercent: req.TakeProfitPercent,
	})
	if err != nil {
		switch {
		case errors.Is(err, bot.ErrBotExists):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "BOT_EXISTS",
				"message": err.Error(),
			})
		case errors.Is(err, bot.ErrCapacityExceeded):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "CAPACITY_EXCEEDED",
				"message": err.Error(),
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "CREATE_FAILED",
				"message": err.Error(),
			})
		}
		return
	}

	c.JSON(http.StatusCreated, record)
}

// handleCloseBot closes a bot on operator request
// DELETE /api/bots/:symbol
func (s *Server) handleCloseBot(c *gin.Context) {
	symbol := strings.ToUpper(c.Param("symbol"))

	if err := s.engine.CloseBot(c.Request.Context(), symbol); err != nil {
		if errors.Is(err, bot.ErrBotNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "BOT_NOT_FOUND",
				"message": err.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "CLOSE_FAILED",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"symbol": symbol,
		"status": "closed",
	})
}

// handleGetSignal returns the current signal snapshot for a symbol
// GET /api/signals/:symbol
func (s *Server) handleGetSignal(c *gin.Context) {
	symbol := strings.ToUpper(c.Param("symbol"))
	sig := s.engine.SignalSnapshot(c.Request.Context(), symbol)
	c.JSON(http.StatusOK, sig)
}

// handleGetConfig returns the current engine configuration
// GET /api/config
func (s *Server) handleGetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version": s.store.Version(),
		"config":  s.store.Engine(),
	})
}

// handleUpdateConfig merges a partial configuration document. The merged
// result is validated as a whole; a rejected update changes nothing.
// PATCH /api/config
func (s *Server) handleUpdateConfig(c *gin.Context) {
	patch, err := c.GetRawData()
	if err != nil || len(patch) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "VALIDATION_ERROR",
			"message": "empty request body",
		})
		return
	}

	updated, err := s.store.Update(c.Request.Context(), patch, "operator")
	if err != nil {
		if errors.Is(err, config.ErrInvalidConfig) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "INVALID_CONFIG",
				"message": err.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "UPDATE_FAILED",
			"message": err.Error(),
		})
		return
	}

	version := s.store.Version()
	s.bus.PublishConfigUpdated(version, patchedFields(patch))

	c.JSON(http.StatusOK, gin.H{
		"version": version,
		"config":  updated,
	})
}

// patchedFields lists the top-level keys of an update document for the
// config-updated event
func patchedFields(patch []byte) []string {
	var doc map[string]interface{}
	if err := json.Unmarshal(patch, &doc); err != nil {
		return nil
	}
	fields := make([]string, 0, len(doc))
	for k := range doc {
		fields = append(fields, k)
	}
	return fields
}

// handleListMaturity returns the mature-coin entries
// GET /api/maturity
func (s *Server) handleListMaturity(c *gin.Context) {
	if s.maturity == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "NOT_AVAILABLE",
			"message": "maturity tracking is not enabled",
		})
		return
	}

	entries := s.maturity.Entries()
	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

// handleRefreshMaturity force re-verifies maturity for the configured
// symbol universe
// POST /api/maturity/refresh
func (s *Server) handleRefreshMaturity(c *gin.Context) {
	eligible := s.engine.ActivateTradingRules(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"eligible": eligible,
	})
}

// handleSyncReport returns the most recent reconciliation report
// GET /api/sync/report
func (s *Server) handleSyncReport(c *gin.Context) {
	report := s.engine.LastSyncReport()
	if report == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "NO_REPORT",
			"message": "no sync cycle has completed yet",
		})
		return
	}
	c.JSON(http.StatusOK, report)
}

// handleForceSync runs a reconciliation cycle immediately
// POST /api/sync/force
func (s *Server) handleForceSync(c *gin.Context) {
	report := s.engine.SyncOnce(c.Request.Context())
	c.JSON(http.StatusOK, report)
}

// handleBreakerStats returns circuit breaker state
// GET /api/breaker
func (s *Server) handleBreakerStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.BreakerStats())
}

// handleResetBreaker manually closes the circuit breaker. The breaker
// publishes its own state-change event.
// POST /api/breaker/reset
func (s *Server) handleResetBreaker(c *gin.Context) {
	s.engine.ResetBreaker()
	c.JSON(http.StatusOK, gin.H{
		"status": "reset",
	})
}

// handleTradeHistory returns closed trades, newest first
// GET /api/trades?limit=50&offset=0
func (s *Server) handleTradeHistory(c *gin.Context) {
	if s.trades == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "NOT_AVAILABLE",
			"message": "trade history requires the database",
		})
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		offset = 0
	}

	trades, err := s.trades.GetTradeHistory(c.Request.Context(), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "QUERY_FAILED",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"trades": trades,
		"count":  len(trades),
		"limit":  limit,
		"offset": offset,
	})
}

// handleTradeStats returns aggregate closed-trade statistics
// GET /api/trades/stats
func (s *Server) handleTradeStats(c *gin.Context) {
	if s.trades == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "NOT_AVAILABLE",
			"message": "trade stats require the database",
		})
		return
	}

	stats, err := s.trades.GetTradeStats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "QUERY_FAILED",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, stats)
}
