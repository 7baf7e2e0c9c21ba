package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"perpagent/account"
	"perpagent/mcp"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// CheckStatus outcome of one subsystem check
type CheckStatus string

const (
	StatusPass CheckStatus = "pass"
	StatusFail CheckStatus = "fail"
	StatusWarn CheckStatus = "warn"
	StatusSkip CheckStatus = "skip"
)

// Check names; Database and Exchange Auth are critical
const (
	CheckDatabase     = "Database"
	CheckExchangeAPI  = "Exchange API"
	CheckExchangeAuth = "Exchange Auth"
	CheckAdvisory     = "AI Service"
)

// SubsystemCheck result of one check
type SubsystemCheck struct {
	Name      string         `json:"name"`
	Status    CheckStatus    `json:"status"`
	LatencyMs int64          `json:"latency_ms"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
}

// Report full diagnostics result
type Report struct {
	Timestamp    time.Time        `json:"timestamp"`
	Overall      CheckStatus      `json:"overall"`
	Checks       []SubsystemCheck `json:"checks"`
	ReadyToTrade bool             `json:"ready_to_trade"`
}

// Database store connectivity; *logger.Store satisfies it
type Database interface {
	Ping(ctx context.Context) error
}

// Exchange venue access; *trader.Gateway satisfies it
type Exchange interface {
	EnsureConnected(ctx context.Context) error
	MidPrice(ctx context.Context, symbol string) (float64, error)
	Balance(ctx context.Context) (account.Balance, error)
}

// Advisory advisory service; *mcp.Client satisfies it
type Advisory interface {
	Configured() bool
	Ping(ctx context.Context) (string, error)
}

// Checker runs subsystem diagnostics for one agent. One run at a time.
type Checker struct {
	db       Database
	exchange Exchange
	advisory Advisory
	symbol   string
	venue    string
	timeout  time.Duration
	log      zerolog.Logger

	running atomic.Bool
	mu      sync.RWMutex
	last    *Report
}

// NewChecker creates a checker. advisory may be nil when no advisory is configured.
func NewChecker(db Database, exchange Exchange, advisory Advisory, symbol, venue string, log zerolog.Logger) *Checker {
	return &Checker{
		db:       db,
		exchange: exchange,
		advisory: advisory,
		symbol:   symbol,
		venue:    venue,
		timeout:  15 * time.Second,
		log:      log,
	}
}

// Run runs every check concurrently. While another run is in flight it returns the
// last report, or a warning report when there is none yet.
func (c *Checker) Run(ctx context.Context) Report {
	if !c.running.CompareAndSwap(false, true) {
		if last := c.LastReport(); last != nil {
			return *last
		}
		return Report{
			Timestamp: time.Now(),
			Overall:   StatusWarn,
			Checks:    []SubsystemCheck{{Name: "System", Status: StatusWarn, Message: "Another check is already running"}},
		}
	}
	defer c.running.Store(false)

	c.log.Info().Msg("🩺 running full health check")
	checks := make([]SubsystemCheck, 4)
	g, gctx := errgroup.WithContext(ctx)
	for i, fn := range []func(context.Context) SubsystemCheck{
		c.checkDatabase, c.checkExchangeAPI, c.checkExchangeAuth, c.checkAdvisory,
	} {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, c.timeout)
			defer cancel()
			checks[i] = fn(cctx)
			return nil
		})
	}
	g.Wait()

	report := Report{Timestamp: time.Now(), Checks: checks, Overall: StatusPass, ReadyToTrade: true}
	for _, ch := range checks {
		switch ch.Status {
		case StatusFail:
			report.Overall = StatusFail
			if critical(ch.Name) {
				report.ReadyToTrade = false
			}
		case StatusWarn:
			if report.Overall == StatusPass {
				report.Overall = StatusWarn
			}
		}
	}

	c.mu.Lock()
	c.last = &report
	c.mu.Unlock()

	summary := make([]string, 0, len(checks))
	for _, ch := range checks {
		summary = append(summary, fmt.Sprintf("%s: %s", ch.Name, ch.Status))
	}
	c.log.Info().Str("overall", string(report.Overall)).Strs("checks", summary).
		Bool("ready_to_trade", report.ReadyToTrade).Msg("🩺 health check complete")
	return report
}

// PreStart runs the checks and returns the critical failures that must block an engine start
func (c *Checker) PreStart(ctx context.Context) []string {
	report := c.Run(ctx)
	var failures []string
	for _, ch := range report.Checks {
		if ch.Status == StatusFail && critical(ch.Name) {
			failures = append(failures, fmt.Sprintf("%s: %s", ch.Name, ch.Message))
		}
	}
	return failures
}

// LastReport the most recent completed report, nil before the first run
func (c *Checker) LastReport() *Report {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.last == nil {
		return nil
	}
	r := *c.last
	return &r
}

func critical(name string) bool {
	return name == CheckDatabase || name == CheckExchangeAuth
}

func (c *Checker) checkDatabase(ctx context.Context) SubsystemCheck {
	start := time.Now()
	if err := c.db.Ping(ctx); err != nil {
		return SubsystemCheck{Name: CheckDatabase, Status: StatusFail, LatencyMs: since(start),
			Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	latency := since(start)
	return SubsystemCheck{Name: CheckDatabase, Status: StatusPass, LatencyMs: latency,
		Message: fmt.Sprintf("Connected (%dms)", latency)}
}

func (c *Checker) checkExchangeAPI(ctx context.Context) SubsystemCheck {
	start := time.Now()
	if err := c.exchange.EnsureConnected(ctx); err != nil {
		return SubsystemCheck{Name: CheckExchangeAPI, Status: StatusFail, LatencyMs: since(start),
			Message: fmt.Sprintf("Unreachable: %v", err)}
	}
	price, err := c.exchange.MidPrice(ctx, c.symbol)
	if err != nil {
		return SubsystemCheck{Name: CheckExchangeAPI, Status: StatusFail, LatencyMs: since(start),
			Message: fmt.Sprintf("Unreachable: %v", err)}
	}
	latency := since(start)
	return SubsystemCheck{
		Name:      CheckExchangeAPI,
		Status:    StatusPass,
		LatencyMs: latency,
		Message:   fmt.Sprintf("Reachable (%s $%.2f, %dms)", c.symbol, price, latency),
		Details:   map[string]any{"venue": c.venue, "symbol": c.symbol, "price": price},
	}
}

func (c *Checker) checkExchangeAuth(ctx context.Context) SubsystemCheck {
	start := time.Now()
	bal, err := c.exchange.Balance(ctx)
	latency := since(start)
	if err != nil {
		return SubsystemCheck{Name: CheckExchangeAuth, Status: StatusFail, LatencyMs: latency,
			Message: fmt.Sprintf("Authentication failed: %v", err)}
	}
	details := map[string]any{"venue": c.venue, "balance": bal.TotalEquity, "available": bal.Available}
	if bal.TotalEquity == 0 && bal.Available == 0 {
		return SubsystemCheck{Name: CheckExchangeAuth, Status: StatusWarn, LatencyMs: latency,
			Message: "Authenticated but balance is $0.00, fund the account to trade", Details: details}
	}
	return SubsystemCheck{Name: CheckExchangeAuth, Status: StatusPass, LatencyMs: latency,
		Message: fmt.Sprintf("Authenticated, balance: $%.2f (%dms)", bal.TotalEquity, latency), Details: details}
}

func (c *Checker) checkAdvisory(ctx context.Context) SubsystemCheck {
	if c.advisory == nil || !c.advisory.Configured() {
		return SubsystemCheck{Name: CheckAdvisory, Status: StatusWarn,
			Message: "Advisory API key not configured, using technical-only fallback"}
	}
	start := time.Now()
	reply, err := c.advisory.Ping(ctx)
	latency := since(start)
	if err == nil {
		return SubsystemCheck{Name: CheckAdvisory, Status: StatusPass, LatencyMs: latency,
			Message: fmt.Sprintf("Connected (%dms)", latency), Details: map[string]any{"test_reply": reply}}
	}

	code := mcp.StatusCode(err)
	msg := err.Error()
	switch code {
	case http.StatusUnauthorized:
		msg = "Invalid API key"
	case http.StatusPaymentRequired:
		msg = "Insufficient credits"
	case http.StatusTooManyRequests:
		msg = "Rate limited"
	case http.StatusBadRequest:
		msg = "Bad request, the model may be invalid: " + err.Error()
	}
	status := StatusFail
	if code == http.StatusTooManyRequests {
		status = StatusWarn
	}
	return SubsystemCheck{Name: CheckAdvisory, Status: status, LatencyMs: latency,
		Message: "Failed: " + msg, Details: map[string]any{"http_status": code}}
}

func since(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
