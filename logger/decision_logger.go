package logger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// AgentStatus control-plane status of one agent
type AgentStatus string

const (
	StatusStopped       AgentStatus = "stopped"
	StatusRunning       AgentStatus = "running"
	StatusEmergencyStop AgentStatus = "emergency_stop"
	StatusCooldown      AgentStatus = "cooldown"
)

// Valid reports whether s is a known status
func (s AgentStatus) Valid() bool {
	switch s {
	case StatusStopped, StatusRunning, StatusEmergencyStop, StatusCooldown:
		return true
	}
	return false
}

// Activity severities
const (
	SeverityInfo    = "INFO"
	SeveritySuccess = "SUCCESS"
	SeverityWarning = "WARNING"
	SeverityError   = "ERROR"
)

// AgentState persisted agent status
type AgentState struct {
	Status         AgentStatus `json:"status"`
	LastAnalysisAt *time.Time  `json:"last_analysis_at,omitempty"`
	LastTradeAt    *time.Time  `json:"last_trade_at,omitempty"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// TradeRecord one executed trade (open or closed)
type TradeRecord struct {
	ID            string     `json:"id"`
	Symbol        string     `json:"symbol"`
	Side          string     `json:"side"` // "long" or "short"
	EntryPrice    float64    `json:"entry_price"`
	ExitPrice     *float64   `json:"exit_price,omitempty"`
	Size          float64    `json:"size"`
	Leverage      int        `json:"leverage"`
	StopLoss      float64    `json:"stop_loss"`
	TakeProfit    float64    `json:"take_profit"`
	EntryTime     time.Time  `json:"entry_time"`
	ExitTime      *time.Time `json:"exit_time,omitempty"`
	RealizedPnL   *float64   `json:"realized_pnl,omitempty"`
	Strategy      string     `json:"strategy"`
	Reasoning     string     `json:"reasoning"`
	MarketContext string     `json:"market_context"` // JSON
	ExitReason    string     `json:"exit_reason,omitempty"`
	Evaluation    string     `json:"evaluation,omitempty"` // "good" or "bad"
}

// AnalysisRecord one cycle's decision and whether it was acted on
type AnalysisRecord struct {
	Timestamp       time.Time      `json:"timestamp"`
	CycleID         int64          `json:"cycle_id"`
	Symbol          string         `json:"symbol"`
	Decision        string         `json:"decision"`
	Confidence      float64        `json:"confidence"`
	Source          string         `json:"source"`
	Reasoning       string         `json:"reasoning"`
	ActionTaken     bool           `json:"action_taken"`
	RejectionReason string         `json:"rejection_reason,omitempty"`
	MarketData      map[string]any `json:"market_data,omitempty"`
}

// ActivityEntry append-only activity log line
type ActivityEntry struct {
	ID        int64          `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Category  string         `json:"category"`
	Event     string         `json:"event"`
	Message   string         `json:"message"`
	Severity  string         `json:"severity"`
	Details   map[string]any `json:"details,omitempty"`
	CycleID   int64          `json:"cycle_id,omitempty"`
}

// ActivityFilter filters for activity listing
type ActivityFilter struct {
	Category string
	Severity string
	Limit    int
	Offset   int
}

// PerformanceStats closed-trade statistics over a lookback window
type PerformanceStats struct {
	Trades       int     `json:"trades"`
	Wins         int     `json:"wins"`
	Losses       int     `json:"losses"`
	WinRate      float64 `json:"win_rate"` // percent
	AvgWin       float64 `json:"avg_win"`
	AvgLoss      float64 `json:"avg_loss"` // absolute value
	ProfitFactor float64 `json:"profit_factor"`
	TotalPnL     float64 `json:"total_pnl"`
}

// AvgWinLossRatio payoff ratio used by Kelly sizing; 0 when undefined
func (p PerformanceStats) AvgWinLossRatio() float64 {
	if p.AvgLoss <= 0 {
		return 0
	}
	return p.AvgWin / p.AvgLoss
}

// Store shared database handle (SQLite or PostgreSQL)
type Store struct {
	db         *sql.DB
	isPostgres bool
	log        zerolog.Logger
}

// OpenStore opens the database and creates the schema.
// driver is "sqlite" or "postgres"; for sqlite the DSN is a file path or ":memory:".
func OpenStore(ctx context.Context, driver, dsn string, log zerolog.Logger) (*Store, error) {
	s := &Store{isPostgres: driver == "postgres", log: log}

	var db *sql.DB
	var err error
	if s.isPostgres {
		connString := dsn
		if !strings.Contains(connString, "connect_timeout") {
			sep := "?"
			if strings.Contains(connString, "?") {
				sep = "&"
			}
			connString += sep + "connect_timeout=30"
		}
		db, err = sql.Open("postgres", connString)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres database: %w", err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(10 * time.Minute)
	} else {
		path := dsn
		if path != ":memory:" {
			if dir := filepath.Dir(path); dir != "." {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return nil, fmt.Errorf("failed to create database directory: %w", err)
				}
			}
			path += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
		}
		db, err = sql.Open("sqlite", path)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		// one writer; also keeps a :memory: database on a single connection
		db.SetMaxOpenConns(1)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("database connection failed (%s): %w", maskConnectionString(dsn), err)
	}
	s.db = db

	if err := s.initDB(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	log.Info().Str("driver", driver).Msg("✅ database ready")
	return s, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks database connectivity and that the schema exists
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return err
	}
	var n int
	return s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM agent_state").Scan(&n)
}

// Agent returns the recorder/state view for one agent
func (s *Store) Agent(agentID string) *DecisionLogger {
	return &DecisionLogger{store: s, agentID: agentID}
}

// maskConnectionString masks the password in a connection string for logging
func maskConnectionString(connStr string) string {
	idx := strings.Index(connStr, "://")
	if idx == -1 {
		return connStr
	}
	start := idx + 3
	at := strings.Index(connStr[start:], "@")
	if at == -1 {
		return connStr
	}
	colon := strings.Index(connStr[start:start+at], ":")
	if colon == -1 {
		return connStr
	}
	return connStr[:start+colon+1] + "***" + connStr[start+at:]
}

func (s *Store) initDB(ctx context.Context) error {
	pk := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.isPostgres {
		pk = "BIGSERIAL PRIMARY KEY"
	}
	schema := `
	CREATE TABLE IF NOT EXISTS agent_state (
		agent_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		last_analysis_at BIGINT,
		last_trade_at BIGINT,
		updated_at BIGINT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS trades (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		entry_price DOUBLE PRECISION NOT NULL,
		exit_price DOUBLE PRECISION,
		size DOUBLE PRECISION NOT NULL,
		leverage INTEGER NOT NULL DEFAULT 1,
		stop_loss DOUBLE PRECISION NOT NULL DEFAULT 0,
		take_profit DOUBLE PRECISION NOT NULL DEFAULT 0,
		entry_time BIGINT NOT NULL,
		exit_time BIGINT,
		realized_pnl DOUBLE PRECISION,
		strategy TEXT,
		reasoning TEXT,
		market_context TEXT,
		exit_reason TEXT,
		evaluation TEXT
	);

	CREATE TABLE IF NOT EXISTS ai_analyses (
		id ` + pk + `,
		agent_id TEXT NOT NULL,
		timestamp BIGINT NOT NULL,
		cycle_id BIGINT NOT NULL,
		symbol TEXT NOT NULL,
		decision TEXT NOT NULL,
		confidence DOUBLE PRECISION NOT NULL,
		source TEXT,
		reasoning TEXT,
		action_taken BOOLEAN NOT NULL,
		rejection_reason TEXT,
		market_data TEXT
	);

	CREATE TABLE IF NOT EXISTS activity_logs (
		id ` + pk + `,
		agent_id TEXT NOT NULL,
		timestamp BIGINT NOT NULL,
		category TEXT NOT NULL,
		event TEXT NOT NULL,
		message TEXT NOT NULL,
		severity TEXT NOT NULL,
		details TEXT,
		cycle_id BIGINT
	);

	CREATE TABLE IF NOT EXISTS system_logs (
		id ` + pk + `,
		agent_id TEXT NOT NULL,
		timestamp BIGINT NOT NULL,
		event_type TEXT NOT NULL,
		severity TEXT NOT NULL,
		details TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_trades_agent_symbol ON trades(agent_id, symbol);
	CREATE INDEX IF NOT EXISTS idx_trades_exit_time ON trades(exit_time);
	CREATE INDEX IF NOT EXISTS idx_analyses_agent ON ai_analyses(agent_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_activity_agent ON activity_logs(agent_id, timestamp);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// rebind converts ? placeholders to $n for PostgreSQL
func (s *Store) rebind(query string) string {
	if !s.isPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) exec(ctx context.Context, query string, args ...any) error {
	_, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	return err
}

// DecisionLogger per-agent persistence: agent state, trades, analyses and activity
type DecisionLogger struct {
	store   *Store
	agentID string
}

// AgentID the agent this logger writes for
func (l *DecisionLogger) AgentID() string {
	return l.agentID
}

// GetState returns the agent's state, creating a stopped row on first use
func (l *DecisionLogger) GetState(ctx context.Context) (AgentState, error) {
	var (
		state        AgentState
		status       string
		lastAnalysis sql.NullInt64
		lastTrade    sql.NullInt64
		updatedAt    int64
	)
	err := l.store.db.QueryRowContext(ctx, l.store.rebind(
		"SELECT status, last_analysis_at, last_trade_at, updated_at FROM agent_state WHERE agent_id = ?"),
		l.agentID).Scan(&status, &lastAnalysis, &lastTrade, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		if err := l.SetStatus(ctx, StatusStopped); err != nil {
			return state, err
		}
		return AgentState{Status: StatusStopped, UpdatedAt: time.Now()}, nil
	}
	if err != nil {
		return state, fmt.Errorf("failed to get agent state: %w", err)
	}
	state.Status = AgentStatus(status)
	state.LastAnalysisAt = fromNullMillis(lastAnalysis)
	state.LastTradeAt = fromNullMillis(lastTrade)
	state.UpdatedAt = time.UnixMilli(updatedAt)
	return state, nil
}

// SetStatus writes the agent status
func (l *DecisionLogger) SetStatus(ctx context.Context, status AgentStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid agent status: %q", status)
	}
	err := l.store.exec(ctx, `INSERT INTO agent_state (agent_id, status, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (agent_id) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at`,
		l.agentID, string(status), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to update agent status: %w", err)
	}
	return nil
}

// TouchAnalysis stamps the last analysis time
func (l *DecisionLogger) TouchAnalysis(ctx context.Context) error {
	return l.touch(ctx, "last_analysis_at")
}

// TouchTrade stamps the last trade time
func (l *DecisionLogger) TouchTrade(ctx context.Context) error {
	return l.touch(ctx, "last_trade_at")
}

func (l *DecisionLogger) touch(ctx context.Context, column string) error {
	now := time.Now().UnixMilli()
	return l.store.exec(ctx, "UPDATE agent_state SET "+column+" = ?, updated_at = ? WHERE agent_id = ?",
		now, now, l.agentID)
}

// RecordTrade inserts a trade; an empty ID gets a fresh UUID
func (l *DecisionLogger) RecordTrade(ctx context.Context, t TradeRecord) (string, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.EntryTime.IsZero() {
		t.EntryTime = time.Now()
	}
	err := l.store.exec(ctx, `INSERT INTO trades (id, agent_id, symbol, side, entry_price, exit_price, size, leverage,
		stop_loss, take_profit, entry_time, exit_time, realized_pnl, strategy, reasoning, market_context, exit_reason, evaluation)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, l.agentID, t.Symbol, t.Side, t.EntryPrice, nullFloat(t.ExitPrice), t.Size, t.Leverage,
		t.StopLoss, t.TakeProfit, t.EntryTime.UnixMilli(), toNullMillis(t.ExitTime), nullFloat(t.RealizedPnL),
		t.Strategy, t.Reasoning, t.MarketContext, t.ExitReason, t.Evaluation)
	if err != nil {
		return "", fmt.Errorf("failed to record trade: %w", err)
	}
	return t.ID, nil
}

// CloseTrade marks the most recent open trade on symbol as closed. pnl is added to any
// profit already realized by partial closes. Returns false when no open trade exists.
func (l *DecisionLogger) CloseTrade(ctx context.Context, symbol string, exitPrice, pnl float64, reason string) (bool, error) {
	id, realized, err := l.openTrade(ctx, symbol)
	if err != nil || id == "" {
		return false, err
	}
	total := realized + pnl
	evaluation := "bad"
	if total > 0 {
		evaluation = "good"
	}
	err = l.store.exec(ctx, `UPDATE trades SET exit_price = ?, exit_time = ?, realized_pnl = ?, exit_reason = ?, evaluation = ?
		WHERE id = ?`, exitPrice, time.Now().UnixMilli(), total, reason, evaluation, id)
	if err != nil {
		return false, fmt.Errorf("failed to update trade exit: %w", err)
	}
	return true, nil
}

// ReduceOpenTrade records a partial close on the most recent open trade on symbol: the size
// becomes remaining and pnl accumulates into the realized profit. Returns false when no open
// trade exists.
func (l *DecisionLogger) ReduceOpenTrade(ctx context.Context, symbol string, remaining, pnl float64) (bool, error) {
	id, realized, err := l.openTrade(ctx, symbol)
	if err != nil || id == "" {
		return false, err
	}
	if err := l.store.exec(ctx, "UPDATE trades SET size = ?, realized_pnl = ? WHERE id = ?", remaining, realized+pnl, id); err != nil {
		return false, fmt.Errorf("failed to update trade size: %w", err)
	}
	return true, nil
}

// openTrade id and partial realized profit of the newest open trade on symbol; empty id if none
func (l *DecisionLogger) openTrade(ctx context.Context, symbol string) (string, float64, error) {
	var (
		id       string
		realized sql.NullFloat64
	)
	err := l.store.db.QueryRowContext(ctx, l.store.rebind(
		`SELECT id, realized_pnl FROM trades WHERE agent_id = ? AND symbol = ? AND exit_time IS NULL
		ORDER BY entry_time DESC LIMIT 1`), l.agentID, symbol).Scan(&id, &realized)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, nil
	}
	if err != nil {
		return "", 0, fmt.Errorf("failed to find open trade: %w", err)
	}
	return id, realized.Float64, nil
}

// OpenTrades trades with no exit yet, newest first
func (l *DecisionLogger) OpenTrades(ctx context.Context) ([]TradeRecord, error) {
	return l.queryTrades(ctx, "WHERE agent_id = ? AND exit_time IS NULL ORDER BY entry_time DESC", l.agentID)
}

// RecentTrades newest trades first
func (l *DecisionLogger) RecentTrades(ctx context.Context, limit, offset int) ([]TradeRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	return l.queryTrades(ctx, "WHERE agent_id = ? ORDER BY entry_time DESC LIMIT ? OFFSET ?", l.agentID, limit, offset)
}

func (l *DecisionLogger) queryTrades(ctx context.Context, where string, args ...any) ([]TradeRecord, error) {
	rows, err := l.store.db.QueryContext(ctx, l.store.rebind(`SELECT id, symbol, side, entry_price, exit_price, size, leverage,
		stop_loss, take_profit, entry_time, exit_time, realized_pnl, strategy, reasoning, market_context, exit_reason, evaluation
		FROM trades `+where), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var trades []TradeRecord
	for rows.Next() {
		var (
			t                                    TradeRecord
			exitPrice, pnl                       sql.NullFloat64
			entryTime                            int64
			exitTime                             sql.NullInt64
			strategy, reasoning, mctx, reason, ev sql.NullString
		)
		if err := rows.Scan(&t.ID, &t.Symbol, &t.Side, &t.EntryPrice, &exitPrice, &t.Size, &t.Leverage,
			&t.StopLoss, &t.TakeProfit, &entryTime, &exitTime, &pnl, &strategy, &reasoning, &mctx, &reason, &ev); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		t.EntryTime = time.UnixMilli(entryTime)
		t.ExitTime = fromNullMillis(exitTime)
		if exitPrice.Valid {
			t.ExitPrice = &exitPrice.Float64
		}
		if pnl.Valid {
			t.RealizedPnL = &pnl.Float64
		}
		t.Strategy, t.Reasoning, t.MarketContext = strategy.String, reasoning.String, mctx.String
		t.ExitReason, t.Evaluation = reason.String, ev.String
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// RecordAnalysis stores one cycle decision outcome
func (l *DecisionLogger) RecordAnalysis(ctx context.Context, a AnalysisRecord) error {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}
	marketData, _ := json.Marshal(a.MarketData)
	err := l.store.exec(ctx, `INSERT INTO ai_analyses (agent_id, timestamp, cycle_id, symbol, decision, confidence, source,
		reasoning, action_taken, rejection_reason, market_data) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.agentID, a.Timestamp.UnixMilli(), a.CycleID, a.Symbol, a.Decision, a.Confidence, a.Source,
		a.Reasoning, a.ActionTaken, a.RejectionReason, string(marketData))
	if err != nil {
		return fmt.Errorf("failed to record analysis: %w", err)
	}
	return nil
}

// LogActivity appends one activity entry
func (l *DecisionLogger) LogActivity(ctx context.Context, e ActivityEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.Severity == "" {
		e.Severity = SeverityInfo
	}
	var details []byte
	if e.Details != nil {
		details, _ = json.Marshal(e.Details)
	}
	err := l.store.exec(ctx, `INSERT INTO activity_logs (agent_id, timestamp, category, event, message, severity, details, cycle_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		l.agentID, e.Timestamp.UnixMilli(), e.Category, e.Event, e.Message, e.Severity, string(details), e.CycleID)
	if err != nil {
		return fmt.Errorf("failed to log activity: %w", err)
	}
	return nil
}

// LogSystemEvent records a system-level event (auto-stop, execution failure)
func (l *DecisionLogger) LogSystemEvent(ctx context.Context, eventType, severity string, details map[string]any) error {
	payload, _ := json.Marshal(details)
	err := l.store.exec(ctx, `INSERT INTO system_logs (agent_id, timestamp, event_type, severity, details) VALUES (?, ?, ?, ?, ?)`,
		l.agentID, time.Now().UnixMilli(), eventType, severity, string(payload))
	if err != nil {
		return fmt.Errorf("failed to log system event: %w", err)
	}
	return nil
}

// Activity lists activity entries newest first with the total match count
func (l *DecisionLogger) Activity(ctx context.Context, f ActivityFilter) ([]ActivityEntry, int, error) {
	where := "WHERE agent_id = ?"
	args := []any{l.agentID}
	if f.Category != "" {
		where += " AND category = ?"
		args = append(args, f.Category)
	}
	if f.Severity != "" {
		where += " AND severity = ?"
		args = append(args, f.Severity)
	}

	var total int
	if err := l.store.db.QueryRowContext(ctx, l.store.rebind("SELECT COUNT(*) FROM activity_logs "+where), args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count activity: %w", err)
	}

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := l.store.db.QueryContext(ctx, l.store.rebind(`SELECT id, timestamp, category, event, message, severity, details, cycle_id
		FROM activity_logs `+where+` ORDER BY id DESC LIMIT ? OFFSET ?`), append(args, limit, f.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query activity: %w", err)
	}
	defer rows.Close()

	var entries []ActivityEntry
	for rows.Next() {
		var (
			e       ActivityEntry
			ts      int64
			details sql.NullString
			cycleID sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &ts, &e.Category, &e.Event, &e.Message, &e.Severity, &details, &cycleID); err != nil {
			return nil, 0, fmt.Errorf("failed to scan activity: %w", err)
		}
		e.Timestamp = time.UnixMilli(ts)
		e.CycleID = cycleID.Int64
		if details.Valid && details.String != "" {
			_ = json.Unmarshal([]byte(details.String), &e.Details)
		}
		entries = append(entries, e)
	}
	return entries, total, rows.Err()
}

// PerformanceStats closed-trade statistics since now-lookback.
// Win rate defaults to 50 when there are no closed trades.
func (l *DecisionLogger) PerformanceStats(ctx context.Context, lookback time.Duration) (PerformanceStats, error) {
	stats := PerformanceStats{WinRate: 50}
	since := time.Now().Add(-lookback).UnixMilli()

	rows, err := l.store.db.QueryContext(ctx, l.store.rebind(
		`SELECT realized_pnl FROM trades WHERE agent_id = ? AND exit_time IS NOT NULL AND exit_time > ? AND realized_pnl IS NOT NULL`),
		l.agentID, since)
	if err != nil {
		return stats, fmt.Errorf("failed to query performance: %w", err)
	}
	defer rows.Close()

	var totalWins, totalLosses float64
	for rows.Next() {
		var pnl float64
		if err := rows.Scan(&pnl); err != nil {
			return stats, fmt.Errorf("failed to scan pnl: %w", err)
		}
		stats.TotalPnL += pnl
		switch {
		case pnl > 0:
			stats.Wins++
			totalWins += pnl
		case pnl < 0:
			stats.Losses++
			totalLosses += -pnl
		}
	}
	if err := rows.Err(); err != nil {
		return stats, err
	}

	stats.Trades = stats.Wins + stats.Losses
	if stats.Trades > 0 {
		stats.WinRate = float64(stats.Wins) / float64(stats.Trades) * 100
	}
	if stats.Wins > 0 {
		stats.AvgWin = totalWins / float64(stats.Wins)
	}
	if stats.Losses > 0 {
		stats.AvgLoss = totalLosses / float64(stats.Losses)
	}
	if totalLosses > 0 {
		stats.ProfitFactor = totalWins / totalLosses
	}
	return stats, nil
}

// PurgeCounts rows removed by Purge, per table
type PurgeCounts struct {
	Trades   int64 `json:"trades"`
	Analyses int64 `json:"analyses"`
	Activity int64 `json:"activity"`
	System   int64 `json:"system"`
}

// Purge deletes history recorded before cutoff. Open trades are kept whatever their age.
func (l *DecisionLogger) Purge(ctx context.Context, cutoff time.Time) (PurgeCounts, error) {
	var counts PurgeCounts
	ts := cutoff.UnixMilli()
	steps := []struct {
		query string
		n     *int64
	}{
		{"DELETE FROM trades WHERE agent_id = ? AND exit_time IS NOT NULL AND entry_time < ?", &counts.Trades},
		{"DELETE FROM ai_analyses WHERE agent_id = ? AND timestamp < ?", &counts.Analyses},
		{"DELETE FROM activity_logs WHERE agent_id = ? AND timestamp < ?", &counts.Activity},
		{"DELETE FROM system_logs WHERE agent_id = ? AND timestamp < ?", &counts.System},
	}

	tx, err := l.store.db.BeginTx(ctx, nil)
	if err != nil {
		return counts, fmt.Errorf("failed to begin transaction: %w", err)
	}
	for _, step := range steps {
		res, err := tx.ExecContext(ctx, l.store.rebind(step.query), l.agentID, ts)
		if err != nil {
			tx.Rollback()
			return PurgeCounts{}, fmt.Errorf("failed to purge history: %w", err)
		}
		*step.n, _ = res.RowsAffected()
	}
	if err := tx.Commit(); err != nil {
		return PurgeCounts{}, fmt.Errorf("failed to commit purge: %w", err)
	}
	return counts, nil
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func toNullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}
