package decision

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"perpagent/logger"
	"perpagent/market"
)

// Clamp ranges applied to advisory fields
const (
	MinSizePct      = 1.0
	MaxSizePct      = 10.0
	MinStopPct      = 0.5
	MaxStopPct      = 5.0
	MinTargetPct    = 1.0
	MaxTargetPct    = 10.0
	MaxTrailingPct  = 5.0
	maxReasonLength = 2000
)

// Advisory validated advisory recommendation, all fields already clamped
type Advisory struct {
	Action      market.Action
	Confidence  float64
	SizePct     float64 // margin as % of available balance
	Leverage    int
	StopPct     float64
	TargetPct   float64
	TrailingPct float64
	Strategy    string
	Regime      market.Regime
	Reasoning   string
}

// ParseResult outcome of parsing advisory text. OK=false carries the reason instead of an error
// so the caller can fall back without unwinding.
type ParseResult struct {
	OK       bool
	Reason   string
	Advisory Advisory
}

func parseFailure(format string, args ...interface{}) ParseResult {
	return ParseResult{OK: false, Reason: fmt.Sprintf(format, args...)}
}

// number accepts 12, 12.5, "12", "12.5%" and "5x"
type number struct {
	value float64
	set   bool
}

func (n *number) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		return nil
	}
	s = strings.Trim(s, `"`)
	v, ok := parseNumber(s)
	if !ok {
		return fmt.Errorf("not a number: %s", s)
	}
	n.value, n.set = v, true
	return nil
}

func parseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "%")
	s = strings.TrimSuffix(strings.TrimSuffix(s, "x"), "X")
	s = strings.TrimPrefix(s, "$")
	s = strings.ReplaceAll(s, ",", "")
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

type rawAdvisory struct {
	Action      string `json:"action"`
	Confidence  number `json:"confidence"`
	SizePct     number `json:"position_size_pct"`
	Leverage    number `json:"leverage"`
	StopPct     number `json:"stop_loss_pct"`
	TargetPct   number `json:"take_profit_pct"`
	TrailingPct number `json:"trailing_stop_pct"`
	Strategy    string `json:"strategy"`
	Regime      string `json:"market_regime"`
	Reasoning   string `json:"reasoning"`
}

// ParseAdvisory extracts and validates the structured block from an advisory reply.
// A JSON object (fenced or embedded in prose) is preferred; "KEY: value" lines are
// accepted as a fallback. Numeric fields are clamped to their allowed ranges.
func ParseAdvisory(text string, maxLeverage int) ParseResult {
	if strings.TrimSpace(text) == "" {
		return parseFailure("empty advisory response")
	}

	raw, jsonErr := extractObject(text)
	if jsonErr != nil {
		var ok bool
		raw, ok = parseLines(text)
		if !ok {
			return parseFailure("no structured decision found: %v", jsonErr)
		}
	}
	return validate(raw, maxLeverage)
}

func validate(raw rawAdvisory, maxLeverage int) ParseResult {
	action, ok := normalizeAction(raw.Action)
	if !ok {
		if raw.Action == "" {
			return parseFailure("missing action")
		}
		return parseFailure("unknown action %q", raw.Action)
	}
	if !raw.Confidence.set {
		return parseFailure("missing confidence")
	}
	if maxLeverage < 1 {
		maxLeverage = 1
	}

	a := Advisory{
		Action:     action,
		Confidence: clamp(raw.Confidence.value, 0, 100),
		Strategy:   strings.TrimSpace(raw.Strategy),
		Regime:     normalizeRegime(raw.Regime),
		Reasoning:  logger.Truncate(strings.TrimSpace(raw.Reasoning), maxReasonLength),
	}

	if action.IsOpen() {
		if !raw.StopPct.set {
			return parseFailure("missing stop_loss_pct for %s", action)
		}
		if !raw.TargetPct.set {
			return parseFailure("missing take_profit_pct for %s", action)
		}
		size := MinSizePct
		if raw.SizePct.set {
			size = raw.SizePct.value
		}
		lev := 1.0
		if raw.Leverage.set {
			lev = math.Floor(raw.Leverage.value)
		}
		a.SizePct = clamp(size, MinSizePct, MaxSizePct)
		a.Leverage = int(clamp(lev, 1, float64(maxLeverage)))
		a.StopPct = clamp(raw.StopPct.value, MinStopPct, MaxStopPct)
		a.TargetPct = clamp(raw.TargetPct.value, MinTargetPct, MaxTargetPct)
		if raw.TrailingPct.set {
			a.TrailingPct = clamp(raw.TrailingPct.value, 0, MaxTrailingPct)
		}
	}
	return ParseResult{OK: true, Advisory: a}
}

func normalizeAction(s string) (market.Action, bool) {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.Trim(s, "[]`*\"' ")
	s = strings.NewReplacer(" ", "_", "-", "_").Replace(s)
	switch s {
	case "OPEN_LONG", "LONG", "BUY":
		return market.ActionOpenLong, true
	case "OPEN_SHORT", "SHORT", "SELL":
		return market.ActionOpenShort, true
	case "CLOSE", "CLOSE_LONG", "CLOSE_SHORT", "CLOSE_ALL", "EXIT":
		return market.ActionClose, true
	case "HOLD", "WAIT", "NONE":
		return market.ActionHold, true
	}
	return "", false
}

func normalizeRegime(s string) market.Regime {
	r := market.Regime(strings.ToLower(strings.NewReplacer(" ", "_", "-", "_").Replace(strings.TrimSpace(s))))
	switch r {
	case market.RegimeTrendingUp, market.RegimeTrendingDown, market.RegimeRanging,
		market.RegimeVolatile, market.RegimeLowVolatility:
		return r
	}
	return ""
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// extractObject finds the decision object: ```json fence, then any fence, then the
// first balanced object in free text that decodes.
func extractObject(response string) (rawAdvisory, error) {
	var candidates []string
	if body, ok := fencedBlock(response, "```json"); ok {
		candidates = append(candidates, body)
	}
	if body, ok := fencedBlock(response, "```"); ok {
		candidates = append(candidates, body)
	}
	candidates = append(candidates, response)

	var lastErr error
	for _, c := range candidates {
		for start := strings.IndexByte(c, '{'); start != -1; {
			end := findMatchingBrace(c, start)
			if end == -1 {
				lastErr = fmt.Errorf("unmatched brace at position %d: %s", start, logger.Truncate(c[start:], 120))
				break
			}
			var raw rawAdvisory
			err := json.Unmarshal([]byte(cleanJSON(c[start:end+1])), &raw)
			if err == nil && raw.Action != "" {
				return raw, nil
			}
			if err != nil {
				lastErr = fmt.Errorf("JSON parsing failed: %w", err)
			} else {
				lastErr = fmt.Errorf("object has no action field")
			}
			next := strings.IndexByte(c[start+1:], '{')
			if next == -1 {
				break
			}
			start += 1 + next
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no JSON object in response: %s", logger.Truncate(response, 200))
	}
	return rawAdvisory{}, lastErr
}

// fencedBlock returns the body of the first code fence opened by marker.
// For the bare ``` marker an info string on the opening line is skipped.
func fencedBlock(s, marker string) (string, bool) {
	i := strings.Index(s, marker)
	if i == -1 {
		return "", false
	}
	rest := s[i+len(marker):]
	if marker == "```" {
		if nl := strings.IndexByte(rest, '\n'); nl != -1 && !strings.ContainsAny(rest[:nl], "{[") {
			rest = rest[nl+1:]
		}
	}
	end := strings.Index(rest, "```")
	if end == -1 {
		return "", false
	}
	return strings.TrimSpace(rest[:end]), true
}

// cleanJSON repairs smart quotes and trailing commas, leaving valid JSON untouched
func cleanJSON(s string) string {
	s = fixMissingQuotes(s)
	for {
		before := s
		s = strings.ReplaceAll(s, ",}", "}")
		s = strings.ReplaceAll(s, ", }", " }")
		s = strings.ReplaceAll(s, ",\n}", "\n}")
		s = strings.ReplaceAll(s, ",]", "]")
		s = strings.ReplaceAll(s, ", ]", " ]")
		if s == before {
			return s
		}
	}
}

func fixMissingQuotes(s string) string {
	return strings.NewReplacer("“", "\"", "”", "\"", "‘", "'", "’", "'").Replace(s)
}

// findMatchingBrace returns the index of the '}' closing the object at start, -1 if none.
// Braces inside string literals do not count.
func findMatchingBrace(s string, start int) int {
	if start >= len(s) || s[start] != '{' {
		return -1
	}
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// parseLines reads the "ACTION: OPEN_LONG" style format
func parseLines(text string) (rawAdvisory, bool) {
	var raw rawAdvisory
	setNum := func(n *number, v string) {
		if f, ok := parseNumber(v); ok {
			n.value, n.set = f, true
		}
	}
	for _, line := range strings.Split(text, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok {
			continue
		}
		key = strings.ToUpper(strings.Trim(strings.TrimSpace(key), "-*# "))
		value = strings.TrimSpace(value)
		switch key {
		case "ACTION":
			raw.Action = value
		case "CONFIDENCE":
			setNum(&raw.Confidence, value)
		case "POSITION_SIZE_PCT", "SIZE_PCT", "SUGGESTED_SIZE_PCT":
			setNum(&raw.SizePct, value)
		case "LEVERAGE":
			setNum(&raw.Leverage, value)
		case "STOP_LOSS_PCT", "STOP_PCT":
			setNum(&raw.StopPct, value)
		case "TAKE_PROFIT_PCT", "TARGET_PCT":
			setNum(&raw.TargetPct, value)
		case "TRAILING_STOP_PCT":
			setNum(&raw.TrailingPct, value)
		case "STRATEGY":
			raw.Strategy = value
		case "MARKET_REGIME", "REGIME":
			raw.Regime = value
		case "REASONING":
			raw.Reasoning = value
		}
	}
	return raw, raw.Action != ""
}
