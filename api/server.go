package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"perpagent/account"
	"perpagent/logger"
	"perpagent/manager"
	"perpagent/trader"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// performanceLookback window for win rate / payoff statistics
const performanceLookback = 30 * 24 * time.Hour

// Server HTTP control API server
type Server struct {
	router        *gin.Engine
	httpServer    *http.Server
	traderManager *manager.TraderManager
	port          int
	log           zerolog.Logger
}

// NewServer creates API server. gatherer backs /metrics; nil uses the default registry.
func NewServer(traderManager *manager.TraderManager, gatherer prometheus.Gatherer, port int, log zerolog.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(log))
	router.Use(corsMiddleware())

	s := &Server{
		router:        router,
		traderManager: traderManager,
		port:          port,
		log:           log,
	}
	s.setupRoutes(gatherer)
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler the router, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

func requestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("client", c.ClientIP()).
			Msg("📥 request")
	}
}

// corsMiddleware CORS middleware
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Cache-Control")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusOK)
			return
		}

		c.Next()
	}
}

// setupRoutes sets up routes
func (s *Server) setupRoutes(gatherer prometheus.Gatherer) {
	s.router.Any("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	api := s.router.Group("/api")
	{
		// Agent overview
		api.GET("/agents", s.handleAgentList)

		// Agent-specific data (use query parameter ?agent_id=xxx)
		api.GET("/status", s.handleStatus)
		api.GET("/account", s.handleAccount)
		api.GET("/positions", s.handlePositions)
		api.POST("/positions/close", s.handleClosePosition)
		api.GET("/trades", s.handleTrades)
		api.GET("/activity", s.handleActivity)
		api.GET("/performance", s.handlePerformance)
		api.GET("/health/full", s.handleFullHealth)

		// Engine control
		api.POST("/agent/start", s.handleStart)
		api.POST("/agent/stop", s.handleStop)
		api.POST("/agent/emergency-stop", s.handleEmergencyStop)
		api.POST("/agent/reset-emergency", s.handleResetEmergency)

		// Risk
		api.GET("/risk", s.handleRisk)
		api.POST("/risk/reset-breaker", s.handleResetBreaker)
	}

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": fmt.Sprintf("route not found: %s %s", c.Request.Method, c.Request.URL.Path),
		})
	})
}

// handleHealth liveness check
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC(),
		"agents": len(s.traderManager.GetTraderIDs()),
	})
}

// agentFromQuery resolves ?agent_id=, defaulting to the first agent. It writes the error
// response itself and returns nil when the agent cannot be resolved.
func (s *Server) agentFromQuery(c *gin.Context) *manager.Agent {
	agentID := c.Query("agent_id")
	if agentID == "" {
		ids := s.traderManager.GetTraderIDs()
		if len(ids) == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "no available agent"})
			return nil
		}
		agentID = ids[0]
	}
	a, err := s.traderManager.GetTrader(agentID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":         err.Error(),
			"agent_id":      agentID,
			"available_ids": s.traderManager.GetTraderIDs(),
		})
		return nil
	}
	return a
}

// handleAgentList one comparison row per agent
func (s *Server) handleAgentList(c *gin.Context) {
	rows := s.traderManager.GetComparisonData(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"agents": rows, "count": len(rows)})
}

func (s *Server) handleStatus(c *gin.Context) {
	a := s.agentFromQuery(c)
	if a == nil {
		return
	}
	c.JSON(http.StatusOK, a.Trader.Status(c.Request.Context()))
}

func (s *Server) handleAccount(c *gin.Context) {
	a := s.agentFromQuery(c)
	if a == nil {
		return
	}
	bal, err := a.Trader.GetGateway().Balance(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": fmt.Sprintf("failed to get account info: %v", err)})
		return
	}

	totalPnL := bal.TotalEquity - a.Config.InitialBalance
	totalPnLPct := 0.0
	if a.Config.InitialBalance > 0 {
		totalPnLPct = totalPnL / a.Config.InitialBalance * 100
	}
	marginUsedPct := 0.0
	if bal.TotalEquity > 0 {
		marginUsedPct = bal.MarginUsed / bal.TotalEquity * 100
	}
	c.JSON(http.StatusOK, gin.H{
		"total_equity":    bal.TotalEquity,
		"available":       bal.Available,
		"margin_used":     bal.MarginUsed,
		"margin_used_pct": marginUsedPct,
		"unrealized_pnl":  bal.UnrealizedPnL,
		"initial_balance": a.Config.InitialBalance,
		"total_pnl":       totalPnL,
		"total_pnl_pct":   totalPnLPct,
	})
}

func (s *Server) handlePositions(c *gin.Context) {
	a := s.agentFromQuery(c)
	if a == nil {
		return
	}
	positions, err := a.Trader.GetGateway().Positions(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": fmt.Sprintf("failed to get positions: %v", err)})
		return
	}
	if positions == nil {
		positions = []account.Position{}
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions, "count": len(positions)})
}

// handleClosePosition closes one position (body: {symbol, side})
func (s *Server) handleClosePosition(c *gin.Context) {
	a := s.agentFromQuery(c)
	if a == nil {
		return
	}

	var req struct {
		Symbol string `json:"symbol" binding:"required"`
		Side   string `json:"side" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request: %v", err)})
		return
	}
	side, ok := account.ParseSide(req.Side)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("side must be 'long' or 'short', got '%s'", req.Side),
		})
		return
	}
	symbol := strings.ToUpper(req.Symbol)

	res, err := a.Trader.ClosePosition(c.Request.Context(), symbol, side)
	switch {
	case errors.Is(err, trader.ErrPositionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	case !res.Success:
		c.JSON(http.StatusBadGateway, gin.H{"error": fmt.Sprintf("failed to close position: %s", res.Error), "result": res})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "symbol": symbol, "side": side, "result": res})
}

func (s *Server) handleTrades(c *gin.Context) {
	a := s.agentFromQuery(c)
	if a == nil {
		return
	}
	limit, offset := pagination(c, 20)
	trades, err := a.Trader.GetDecisionLogger().RecentTrades(c.Request.Context(), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("failed to get trades: %v", err)})
		return
	}
	if trades == nil {
		trades = []logger.TradeRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades, "limit": limit, "offset": offset})
}

func (s *Server) handleActivity(c *gin.Context) {
	a := s.agentFromQuery(c)
	if a == nil {
		return
	}
	limit, offset := pagination(c, 50)
	entries, total, err := a.Trader.GetDecisionLogger().Activity(c.Request.Context(), logger.ActivityFilter{
		Category: strings.ToUpper(c.Query("category")),
		Severity: strings.ToUpper(c.Query("severity")),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("failed to get activity: %v", err)})
		return
	}
	if entries == nil {
		entries = []logger.ActivityEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"activity": entries, "total": total, "limit": limit, "offset": offset})
}

func (s *Server) handlePerformance(c *gin.Context) {
	a := s.agentFromQuery(c)
	if a == nil {
		return
	}
	stats, err := a.Trader.GetDecisionLogger().PerformanceStats(c.Request.Context(), performanceLookback)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("failed to get performance: %v", err)})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleFullHealth(c *gin.Context) {
	a := s.agentFromQuery(c)
	if a == nil {
		return
	}
	c.JSON(http.StatusOK, a.Health.Run(c.Request.Context()))
}

func (s *Server) handleStart(c *gin.Context) {
	a := s.agentFromQuery(c)
	if a == nil {
		return
	}
	id := a.Trader.GetID()
	err := s.traderManager.StartTrader(c.Request.Context(), id)

	var pre *manager.PreStartError
	switch {
	case err == nil:
		s.log.Info().Str("agent", id).Msg("▶️  engine started via API")
		c.JSON(http.StatusOK, gin.H{"success": true, "message": "Trading engine started", "agent_id": id})
	case errors.As(err, &pre):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Pre-start health check failed", "failures": pre.Failures})
	case errors.Is(err, trader.ErrAlreadyRunning), errors.Is(err, trader.ErrEmergencyStop):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (s *Server) handleStop(c *gin.Context) {
	a := s.agentFromQuery(c)
	if a == nil {
		return
	}
	if err := a.Trader.Stop(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Trading engine stopped", "agent_id": a.Trader.GetID()})
}

// handleEmergencyStop closes every position and latches emergency_stop.
// An optional body {"confirm": "..."} must read CONFIRM when present.
func (s *Server) handleEmergencyStop(c *gin.Context) {
	a := s.agentFromQuery(c)
	if a == nil {
		return
	}
	var req struct {
		Confirm string `json:"confirm"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid request: %v", err)})
			return
		}
		if req.Confirm != "CONFIRM" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "confirmation must be CONFIRM"})
			return
		}
	}

	s.log.Warn().Str("agent", a.Trader.GetID()).Msg("🚨 emergency stop requested via API")
	result := a.Trader.EmergencyStop(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"success":          result.Success,
		"message":          "Emergency stop executed",
		"closed_positions": result.Closed,
		"failed":           result.Failed,
		"total_pnl":        result.TotalPnL,
		"failed_positions": result.FailedPositions,
	})
}

func (s *Server) handleResetEmergency(c *gin.Context) {
	a := s.agentFromQuery(c)
	if a == nil {
		return
	}
	err := a.Trader.ResetEmergency(c.Request.Context())
	switch {
	case errors.Is(err, trader.ErrNotInEmergency):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"success": true, "message": "Emergency stop cleared, agent is stopped"})
	}
}

func (s *Server) handleRisk(c *gin.Context) {
	a := s.agentFromQuery(c)
	if a == nil {
		return
	}
	ctx := c.Request.Context()
	gw := a.Trader.GetGateway()
	bal, err := gw.Balance(ctx)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": fmt.Sprintf("failed to get account info: %v", err)})
		return
	}
	positions, err := gw.Positions(ctx)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": fmt.Sprintf("failed to get positions: %v", err)})
		return
	}
	perf, err := a.Trader.GetDecisionLogger().PerformanceStats(ctx, performanceLookback)
	if err != nil {
		s.log.Warn().Err(err).Msg("⚠️  performance stats unavailable for risk metrics")
	}
	c.JSON(http.StatusOK, a.Trader.GetRiskEngine().Metrics(bal, positions, perf))
}

func (s *Server) handleResetBreaker(c *gin.Context) {
	a := s.agentFromQuery(c)
	if a == nil {
		return
	}
	a.Trader.ResetBreaker(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Circuit breaker reset"})
}

func pagination(c *gin.Context, defaultLimit int) (int, int) {
	limit, err := strconv.Atoi(c.Query("limit"))
	if err != nil || limit <= 0 {
		limit = defaultLimit
	}
	if limit > 500 {
		limit = 500
	}
	offset, err := strconv.Atoi(c.Query("offset"))
	if err != nil || offset < 0 {
		offset = 0
	}
	return limit, offset
}

// Start serves until Shutdown
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.httpServer.Addr).Msg("🌐 API server started")
	s.log.Info().Msg("  • GET  /api/agents                    - Agent overview")
	s.log.Info().Msg("  • GET  /api/status?agent_id=xxx       - Engine status")
	s.log.Info().Msg("  • POST /api/agent/start?agent_id=xxx  - Start the engine")
	s.log.Info().Msg("  • POST /api/agent/emergency-stop      - Close everything and latch")
	s.log.Info().Msg("  • GET  /api/risk?agent_id=xxx         - Risk metrics")
	s.log.Info().Msg("  • GET  /metrics                       - Prometheus metrics")

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve API: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
