package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"trading-decision-engine/internal/market"
)

// handleEvaluate runs one evaluation. The body is a raw snapshot; the
// response is always exactly one decision, whatever went wrong inside.
func (s *Server) handleEvaluate(c *gin.Context) {
	var raw market.RawRequest
	if err := c.ShouldBindJSON(&raw); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	dec := s.engine.Evaluate(c.Request.Context(), &raw)
	successResponse(c, dec)
}

// riskQuery carries an account snapshot in query parameters
type riskQuery struct {
	Balance         float64 `form:"balance"`
	Equity          float64 `form:"equity" binding:"required"`
	DayStartBalance float64 `form:"day_start_balance" binding:"required"`
	PeakBalance     float64 `form:"peak_balance" binding:"required"`
}

// handleRiskState computes the risk view for the given account snapshot
func (s *Server) handleRiskState(c *gin.Context) {
	var q riskQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		errorResponse(c, http.StatusBadRequest,
			"equity, day_start_balance, and peak_balance query parameters are required")
		return
	}

	state := s.engine.RiskState(market.AccountState{
		Balance:         q.Balance,
		Equity:          q.Equity,
		DayStartBalance: q.DayStartBalance,
		PeakBalance:     q.PeakBalance,
		DailyPnL:        q.Equity - q.DayStartBalance,
	})
	successResponse(c, state)
}

// handleGetModels returns the active model registry generation
func (s *Server) handleGetModels(c *gin.Context) {
	successResponse(c, s.registry.Stats())
}

// handleReloadModels swaps in a fresh model generation from disk
func (s *Server) handleReloadModels(c *gin.Context) {
	if err := s.engine.ReloadModels(); err != nil {
		errorResponse(c, http.StatusInternalServerError, "model reload failed: "+err.Error())
		return
	}

	s.logger.Info().Str("version", s.registry.Version()).Msg("Models reloaded via API")
	successResponse(c, gin.H{"version": s.registry.Version()})
}

// handleGetDecisions returns recent decisions from the audit trail
func (s *Server) handleGetDecisions(c *gin.Context) {
	if s.audit == nil {
		errorResponse(c, http.StatusServiceUnavailable, "decision audit log is disabled")
		return
	}

	limit := 50
	if v := c.Query("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}

	records, err := s.audit.Recent(c.Request.Context(), c.Query("instrument"), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to query decision audit trail")
		errorResponse(c, http.StatusInternalServerError, "failed to query decisions")
		return
	}
	successResponse(c, records)
}

// handleStats returns the engine state summary
func (s *Server) handleStats(c *gin.Context) {
	stats := s.engine.Stats()
	stats["ws_clients"] = wsHub.GetClientCount()
	successResponse(c, stats)
}

// tradeResultRequest reports one realized trade outcome
type tradeResultRequest struct {
	PnLPercent *float64 `json:"pnl_percent" binding:"required"`
}

// handleTradeResult feeds a realized trade back into the adaptive entry
// threshold and the circuit breaker
func (s *Server) handleTradeResult(c *gin.Context) {
	var req tradeResultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "pnl_percent is required")
		return
	}

	s.engine.RecordTradeResult(*req.PnLPercent)
	successResponse(c, gin.H{"recorded": true})
}
