package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/vigil/internal/clients"
	"github.com/aristath/vigil/internal/config"
	"github.com/aristath/vigil/internal/events"
	"github.com/aristath/vigil/internal/parsing"
	"github.com/aristath/vigil/internal/task"
)

type analysisHandlers struct {
	cfg      *config.Config
	analysis Analyzer
	parser   *parsing.Parser
	bus      *events.Bus
	log      zerolog.Logger
}

func registerAnalysis(registry *task.Registry, d Deps) {
	h := &analysisHandlers{
		cfg:      d.Config,
		analysis: d.Analysis,
		parser:   d.Parser,
		bus:      d.Bus,
		log:      d.Log.With().Str("component", "analysis_handlers").Logger(),
	}

	registry.Register(&task.Descriptor{
		Type:        task.TypeRecommendationGeneration,
		Queue:       task.QueueAnalysis,
		Priority:    task.PriorityHigh,
		Timeout:     20 * time.Minute,
		MaxAttempts: 2,
		Description: "Generate an AI recommendation for one symbol",
		Handler:     h.generateRecommendation,
	})

	registry.Register(&task.Descriptor{
		Type:        task.TypeAnalysisBatch,
		Queue:       task.QueueAnalysis,
		Priority:    task.PriorityLow,
		Interval:    24 * time.Hour,
		Timeout:     45 * time.Minute,
		MaxAttempts: 2,
		Description: "Run AI analysis across the whole symbol universe",
		Handler:     h.runBatch,
	})
}

func (h *analysisHandlers) generateRecommendation(ctx context.Context, t *task.Task) error {
	symbol := metadataString(t, "symbol")
	if symbol == "" {
		return fmt.Errorf("recommendation task requires a symbol in metadata")
	}

	report, err := h.analyzeOne(ctx, symbol, analysisContext(t))
	if err != nil {
		return err
	}

	h.log.Info().
		Str("symbol", symbol).
		Str("action", report.Action).
		Float64("confidence", report.Confidence).
		Str("stage", string(report.Stage)).
		Msg("Recommendation generated")
	return nil
}

// runBatch analyzes the whole universe. A rate limit pauses the batch so the
// retry honors the provider's window; any other per-symbol failure is logged
// and the batch moves on.
func (h *analysisHandlers) runBatch(ctx context.Context, t *task.Task) error {
	symbols := symbolsFromMetadata(t, h.cfg.Universe)
	if len(symbols) == 0 {
		h.log.Debug().Msg("No symbols to analyze")
		return nil
	}

	analyzed := 0
	failed := 0
	var lastErr error
	for _, symbol := range symbols {
		if err := ctx.Err(); err != nil {
			return err
		}

		if _, err := h.analyzeOne(ctx, symbol, nil); err != nil {
			if _, ok := clients.AsRateLimit(err); ok {
				return err
			}
			h.log.Warn().Err(err).Str("symbol", symbol).Msg("Analysis failed for symbol")
			failed++
			lastErr = err
			continue
		}
		analyzed++
	}

	if analyzed == 0 && lastErr != nil {
		return fmt.Errorf("analysis batch produced no recommendations: %w", lastErr)
	}

	h.log.Info().Int("analyzed", analyzed).Int("failed", failed).Msg("Analysis batch finished")
	return nil
}

func (h *analysisHandlers) analyzeOne(ctx context.Context, symbol string, extra map[string]interface{}) (*parsing.Report, error) {
	raw, err := h.analysis.Analyze(ctx, symbol, extra)
	if err != nil {
		return nil, err
	}

	report := h.parser.Parse(symbol, raw)
	h.bus.EmitTyped("analysis", &events.RecommendationsReadyData{
		Symbol:     report.Symbol,
		Action:     report.Action,
		Confidence: report.Confidence,
		ParseStage: string(report.Stage),
	})
	return report, nil
}

// analysisContext passes task metadata through to the backend, minus the
// symbol itself.
func analysisContext(t *task.Task) map[string]interface{} {
	extra := make(map[string]interface{})
	for k, v := range t.Metadata {
		if k == "symbol" {
			continue
		}
		extra[k] = v
	}
	if len(extra) == 0 {
		return nil
	}
	return extra
}
