// Package parsing turns free-form analysis backend responses into structured
// recommendation records through an ordered fallback chain: strict JSON
// first, then pattern extraction, finally a stub record. The chain never
// fails outright; the stage that produced a record is recorded on it.
package parsing

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// Stage identifies which parser stage produced a report.
type Stage string

const (
	// StageStrict means the whole response was valid JSON with valid fields.
	StageStrict Stage = "strict"
	// StageExtract means the report was pulled out of surrounding prose or
	// markdown fences.
	StageExtract Stage = "extract"
	// StageStub means nothing usable was found and a neutral record was
	// produced from the raw text.
	StageStub Stage = "stub"
)

// Recommendation actions.
const (
	ActionBuy  = "buy"
	ActionSell = "sell"
	ActionHold = "hold"
)

const maxSummaryLen = 280

// Report is a structured recommendation derived from a raw analysis response.
type Report struct {
	Symbol     string   `json:"symbol"`
	Action     string   `json:"action"`
	Confidence float64  `json:"confidence"`
	Summary    string   `json:"summary,omitempty"`
	Risks      []string `json:"risks,omitempty"`
	Stage      Stage    `json:"parse_stage"`
}

type reportPayload struct {
	Action     string   `json:"action"`
	Confidence float64  `json:"confidence"`
	Summary    string   `json:"summary"`
	Risks      []string `json:"risks"`
}

var (
	fencedJSONRe = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")
	inlineJSONRe = regexp.MustCompile(`(?s)\{.*\}`)
	actionRe     = regexp.MustCompile(`(?i)\baction\b"?\s*[:=]?\s*"?(buy|sell|hold)\b`)
	confidenceRe = regexp.MustCompile(`(?i)\bconfidence\b"?\s*[:=]?\s*"?([0-9]*\.?[0-9]+)`)
)

// Parser implements the staged fallback chain.
type Parser struct {
	log zerolog.Logger
}

// NewParser creates a parser.
func NewParser(log zerolog.Logger) *Parser {
	return &Parser{
		log: log.With().Str("component", "parser").Logger(),
	}
}

// Parse produces a report for the symbol from a raw response. It always
// returns a report; degraded parses are logged, not surfaced as errors.
func (p *Parser) Parse(symbol, raw string) *Report {
	if report, ok := parseStrict(symbol, raw); ok {
		report.Stage = StageStrict
		return report
	}

	if report, ok := extract(symbol, raw); ok {
		report.Stage = StageExtract
		p.log.Debug().Str("symbol", symbol).Msg("Analysis response parsed via extraction")
		return report
	}

	p.log.Warn().Str("symbol", symbol).Msg("Analysis response unparseable, producing stub record")
	return &Report{
		Symbol:  symbol,
		Action:  ActionHold,
		Summary: truncate(strings.TrimSpace(raw)),
		Stage:   StageStub,
	}
}

// parseStrict accepts only a response whose whole body is valid JSON with a
// valid action and an in-range confidence.
func parseStrict(symbol, raw string) (*Report, bool) {
	var payload reportPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, false
	}

	action, ok := normalizeAction(payload.Action)
	if !ok {
		return nil, false
	}
	if payload.Confidence < 0 || payload.Confidence > 1 {
		return nil, false
	}

	return &Report{
		Symbol:     symbol,
		Action:     action,
		Confidence: payload.Confidence,
		Summary:    truncate(payload.Summary),
		Risks:      payload.Risks,
	}, true
}

// extract tries progressively looser readings: a fenced JSON block, any inline
// JSON object, then bare field patterns in the prose.
func extract(symbol, raw string) (*Report, bool) {
	if m := fencedJSONRe.FindStringSubmatch(raw); m != nil {
		if report, ok := parseStrict(symbol, m[1]); ok {
			return report, true
		}
	}

	if m := inlineJSONRe.FindString(raw); m != "" {
		if report, ok := parseStrict(symbol, m); ok {
			return report, true
		}
	}

	actionMatch := actionRe.FindStringSubmatch(raw)
	if actionMatch == nil {
		return nil, false
	}
	action, ok := normalizeAction(actionMatch[1])
	if !ok {
		return nil, false
	}

	// Without an explicit confidence the extraction is treated as uncertain.
	confidence := 0.5
	if m := confidenceRe.FindStringSubmatch(raw); m != nil {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			if v > 1 {
				v /= 100
			}
			confidence = clamp(v)
		}
	}

	return &Report{
		Symbol:     symbol,
		Action:     action,
		Confidence: confidence,
		Summary:    truncate(strings.TrimSpace(raw)),
	}, true
}

func normalizeAction(action string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(action)) {
	case ActionBuy:
		return ActionBuy, true
	case ActionSell:
		return ActionSell, true
	case ActionHold:
		return ActionHold, true
	default:
		return "", false
	}
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func truncate(s string) string {
	if len(s) <= maxSummaryLen {
		return s
	}
	return s[:maxSummaryLen]
}
