package decision

import (
	"context"
	"errors"

	"perpagent/market"
)

// Source where a decision came from
type Source string

const (
	SourceAdvisory  Source = "advisory"
	SourceTechnical Source = "technical"
)

// ErrAdvisorUnavailable advisory not configured
var ErrAdvisorUnavailable = errors.New("advisor unavailable")

// TechnicalConfidenceCap ceiling on confidence for technical-only decisions
const TechnicalConfidenceCap = 75

// Advisor external advisory service
type Advisor interface {
	Advise(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// TradeDecision fused actionable decision
type TradeDecision struct {
	Symbol            string        `json:"symbol"`
	Action            market.Action `json:"action"`
	Confidence        float64       `json:"confidence"`
	SuggestedSize     float64       `json:"suggested_size"` // USD notional
	SuggestedLeverage int           `json:"suggested_leverage"`
	StopLoss          float64       `json:"stop_loss"`
	TakeProfit        float64       `json:"take_profit"`
	TrailingStop      float64       `json:"trailing_stop"` // percent, 0 when unset
	Strategy          string        `json:"strategy"`
	RiskReward        float64       `json:"risk_reward"`
	Regime            market.Regime `json:"regime"`
	Reasoning         string        `json:"reasoning"`
	Source            Source        `json:"source"`
}
