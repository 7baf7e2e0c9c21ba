package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"perpagent/account"
	"perpagent/config"
	"perpagent/health"
	"perpagent/logger"
	"perpagent/manager"
	"perpagent/market"
	"perpagent/metrics"
	"perpagent/risk"
	"perpagent/trader"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

type idleAnalyzer struct{}

func (idleAnalyzer) Analyze(ctx context.Context, symbol string) (*market.Data, error) {
	return nil, errors.New("no market data in tests")
}

type testEnv struct {
	server *Server
	tm     *manager.TraderManager
	agent  *manager.Agent
	venue  *trader.PaperVenue
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	store, err := logger.OpenStore(ctx, "sqlite", ":memory:", zerolog.Nop())
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	reg := prometheus.NewRegistry()
	rec := metrics.New(reg)
	tm := manager.NewTraderManager(store, nil, rec, zerolog.Nop())

	venue := trader.NewPaperVenue(1000, nil, zerolog.Nop())
	venue.SetFeeRate(0)
	venue.SetSlippage(0)
	venue.SetPrice("BTC", 100)
	gw := trader.NewGateway(venue, trader.GatewayConfig{}, zerolog.Nop())
	limits := config.RiskLimits{
		MaxPositionSizePct: 10, MaxPortfolioHeatPct: 25, MaxDailyLossPct: 5, MaxDrawdownPct: 15,
		MaxConsecutiveLosses: 3, MaxLeverage: 5, MaxOpenPositions: 3, MinConfidence: 65,
		MinRiskReward: 1.5, CooldownMinutes: 60, MaxOrderSizeUSD: 50000, MinOrderSizeUSD: 10, MaxSlippagePct: 0.5,
	}
	at := trader.NewAutoTrader(trader.AutoTraderConfig{ID: "a1", Symbol: "BTC", Exchange: "paper", ScanInterval: time.Hour},
		idleAnalyzer{}, nil, risk.NewEngine(limits, zerolog.Nop()), gw, store.Agent("a1"), rec, zerolog.Nop())
	agent := &manager.Agent{
		Trader:  at,
		Health:  health.NewChecker(store, gw, nil, "BTC", "paper", zerolog.Nop()),
		Config:  config.AgentConfig{ID: "a1", Exchange: "paper", InitialBalance: 1000},
		Enabled: true,
	}
	if err := tm.Register(agent); err != nil {
		t.Fatalf("Register: %v", err)
	}
	t.Cleanup(func() {
		tm.StopAll(ctx)
		store.Close()
	})
	return &testEnv{server: NewServer(tm, reg, 0, zerolog.Nop()), tm: tm, agent: agent, venue: venue}
}

func (e *testEnv) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)

	out := map[string]any{}
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
			t.Fatalf("%s %s: invalid JSON %q: %v", method, path, w.Body.String(), err)
		}
	}
	return w.Code, out
}

func TestRoutes(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		method   string
		path     string
		expected int
	}{
		{http.MethodGet, "/health", http.StatusOK},
		{http.MethodGet, "/api/agents", http.StatusOK},
		{http.MethodGet, "/api/status?agent_id=a1", http.StatusOK},
		{http.MethodGet, "/api/status?agent_id=nope", http.StatusNotFound},
		{http.MethodGet, "/api/account", http.StatusOK},
		{http.MethodGet, "/api/positions", http.StatusOK},
		{http.MethodGet, "/api/trades?limit=5", http.StatusOK},
		{http.MethodGet, "/api/activity?category=engine", http.StatusOK},
		{http.MethodGet, "/api/performance", http.StatusOK},
		{http.MethodGet, "/api/risk", http.StatusOK},
		{http.MethodGet, "/api/health/full", http.StatusOK},
		{http.MethodGet, "/api/unknown", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			if code, body := env.do(t, tt.method, tt.path, ""); code != tt.expected {
				t.Fatalf("code=%d, expected %d (%v)", code, tt.expected, body)
			}
		})
	}
}

func TestStatusDefaultsToFirstAgent(t *testing.T) {
	env := newTestEnv(t)
	_, body := env.do(t, http.MethodGet, "/api/status", "")
	if body["agent_id"] != "a1" || body["agent_status"] != "stopped" {
		t.Fatalf("status=%v, expected stopped a1", body)
	}
}

func TestStartStop(t *testing.T) {
	env := newTestEnv(t)

	if code, body := env.do(t, http.MethodPost, "/api/agent/start", ""); code != http.StatusOK {
		t.Fatalf("start code=%d, expected 200 (%v)", code, body)
	}
	if !env.agent.Trader.IsRunning() {
		t.Fatalf("expected the engine to be running")
	}
	if code, _ := env.do(t, http.MethodPost, "/api/agent/start", ""); code != http.StatusConflict {
		t.Fatalf("second start code=%d, expected 409", code)
	}
	if code, _ := env.do(t, http.MethodPost, "/api/agent/stop", ""); code != http.StatusOK {
		t.Fatalf("stop code=%d, expected 200", code)
	}
	if env.agent.Trader.IsRunning() {
		t.Fatalf("expected the engine to be stopped")
	}
}

func TestEmergencyStopLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if res := env.agent.Trader.GetGateway().PlaceMarketOrder(ctx, "BTC", account.Long, 1, 1, 0); !res.Success {
		t.Fatalf("open failed: %s", res.Error)
	}

	if code, _ := env.do(t, http.MethodPost, "/api/agent/emergency-stop", `{"confirm":"yes"}`); code != http.StatusBadRequest {
		t.Fatalf("code=%d, expected 400 for a wrong confirmation", code)
	}
	code, body := env.do(t, http.MethodPost, "/api/agent/emergency-stop", `{"confirm":"CONFIRM"}`)
	if code != http.StatusOK || body["closed_positions"] != float64(1) {
		t.Fatalf("code=%d body=%v, expected one closed position", code, body)
	}
	if positions, _ := env.venue.Positions(ctx); len(positions) != 0 {
		t.Fatalf("positions=%d, expected flat", len(positions))
	}

	if code, _ := env.do(t, http.MethodPost, "/api/agent/start", ""); code != http.StatusConflict {
		t.Fatalf("start code=%d, expected 409 while latched", code)
	}
	if code, _ := env.do(t, http.MethodPost, "/api/agent/reset-emergency", ""); code != http.StatusOK {
		t.Fatalf("reset code=%d, expected 200", code)
	}
	if code, _ := env.do(t, http.MethodPost, "/api/agent/reset-emergency", ""); code != http.StatusConflict {
		t.Fatalf("second reset code=%d, expected 409", code)
	}
}

func TestResetBreaker(t *testing.T) {
	env := newTestEnv(t)
	env.agent.Trader.GetRiskEngine().Trip("manual test trip")

	_, body := env.do(t, http.MethodGet, "/api/risk", "")
	if body["circuit_breaker_active"] != true {
		t.Fatalf("risk=%v, expected an active breaker", body)
	}
	if code, _ := env.do(t, http.MethodPost, "/api/risk/reset-breaker", ""); code != http.StatusOK {
		t.Fatalf("code=%d, expected 200", code)
	}
	if env.agent.Trader.GetRiskEngine().Snapshot().BreakerActive {
		t.Fatalf("expected the breaker to be cleared")
	}
}

func TestClosePosition(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if code, _ := env.do(t, http.MethodPost, "/api/positions/close", `{"symbol":"BTC","side":"up"}`); code != http.StatusBadRequest {
		t.Fatalf("code=%d, expected 400 for a bad side", code)
	}
	if code, _ := env.do(t, http.MethodPost, "/api/positions/close", `{"symbol":"BTC","side":"long"}`); code != http.StatusNotFound {
		t.Fatalf("code=%d, expected 404 with no position", code)
	}

	if res := env.agent.Trader.GetGateway().PlaceMarketOrder(ctx, "BTC", account.Short, 2, 1, 0); !res.Success {
		t.Fatalf("open failed: %s", res.Error)
	}
	env.venue.SetPrice("BTC", 90)
	if code, body := env.do(t, http.MethodPost, "/api/positions/close", `{"symbol":"btc","side":"SHORT"}`); code != http.StatusOK {
		t.Fatalf("code=%d, expected 200 (%v)", code, body)
	}
	if got := env.venue.Equity(); got != 1020 {
		t.Fatalf("Equity=%v, expected 1020", got)
	}
	if losses := env.agent.Trader.GetRiskEngine().Snapshot().ConsecutiveLosses; losses != 0 {
		t.Fatalf("ConsecutiveLosses=%d, expected 0 after a win", losses)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("code=%d, expected 200", w.Code)
	}
}
