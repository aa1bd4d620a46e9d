package handlers

import (
	"context"
	"math"
	"time"

	"github.com/markcheno/go-talib"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/aristath/vigil/internal/config"
	"github.com/aristath/vigil/internal/events"
	"github.com/aristath/vigil/internal/prices"
	"github.com/aristath/vigil/internal/task"
)

const (
	// riskWindowDays is the close-price window risk metrics are computed over.
	riskWindowDays = 60
	rsiLength      = 14
	// minClosesForRisk is rsiLength+1: RSI needs one extra point for the
	// first delta.
	minClosesForRisk   = rsiLength + 1
	tradingDaysPerYear = 252

	// Alert thresholds. Volatility is annualized realized volatility of
	// daily log returns; RSI bounds are the conventional 70/30.
	volatilityAlertThreshold = 0.60
	rsiOverbought            = 70.0
	rsiOversold              = 30.0
)

type riskHandlers struct {
	cfg    *config.Config
	prices *prices.Repository
	bus    *events.Bus
	log    zerolog.Logger
}

func registerRisk(registry *task.Registry, d Deps) {
	h := &riskHandlers{
		cfg:    d.Config,
		prices: d.Prices,
		bus:    d.Bus,
		log:    d.Log.With().Str("component", "risk_handlers").Logger(),
	}

	registry.Register(&task.Descriptor{
		Type:        task.TypeRiskMonitoring,
		Queue:       task.QueueRisk,
		Priority:    task.PriorityHigh,
		Interval:    10 * time.Minute,
		Timeout:     90 * time.Second,
		Description: "Scan the universe for volatility and RSI alerts",
		Handler:     h.monitor,
	})
}

func (h *riskHandlers) monitor(ctx context.Context, t *task.Task) error {
	symbols := symbolsFromMetadata(t, h.cfg.Universe)
	if len(symbols) == 0 {
		h.log.Debug().Msg("No symbols to scan")
		return nil
	}

	scanned := 0
	alerts := 0
	for _, symbol := range symbols {
		if err := ctx.Err(); err != nil {
			return err
		}

		closes, err := h.prices.RecentCloses(symbol, riskWindowDays)
		if err != nil {
			return err
		}
		if len(closes) < minClosesForRisk {
			h.log.Debug().Str("symbol", symbol).Int("closes", len(closes)).Msg("Not enough history for risk metrics")
			continue
		}

		closeVals := make([]float64, len(closes))
		for i, c := range closes {
			closeVals[i] = c.Close
		}

		returns, ok := logReturns(closeVals)
		if !ok {
			h.log.Warn().Str("symbol", symbol).Msg("Non-positive close in history, skipping symbol")
			continue
		}
		volatility := stat.StdDev(returns, nil) * math.Sqrt(tradingDaysPerYear)

		rsi, hasRSI := latestRSI(closeVals)
		scanned++

		reason := ""
		switch {
		case volatility > volatilityAlertThreshold:
			reason = "high_volatility"
		case hasRSI && rsi >= rsiOverbought:
			reason = "overbought"
		case hasRSI && rsi <= rsiOversold:
			reason = "oversold"
		}
		if reason == "" {
			continue
		}

		h.bus.EmitTyped("risk", &events.RiskAlertData{
			Symbol:     symbol,
			Volatility: volatility,
			RSI:        rsi,
			Reason:     reason,
		})
		h.log.Warn().
			Str("symbol", symbol).
			Float64("volatility", volatility).
			Float64("rsi", rsi).
			Str("reason", reason).
			Msg("Risk alert")
		alerts++
	}

	h.log.Info().Int("scanned", scanned).Int("alerts", alerts).Msg("Risk scan finished")
	return nil
}

// logReturns computes daily log returns, oldest first. Non-positive closes
// mean corrupt data; the caller skips the symbol.
func logReturns(closes []float64) ([]float64, bool) {
	returns := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] <= 0 || closes[i] <= 0 {
			return nil, false
		}
		returns = append(returns, math.Log(closes[i]/closes[i-1]))
	}
	return returns, true
}

// latestRSI returns the most recent RSI value, if there is enough history to
// compute one.
func latestRSI(closes []float64) (float64, bool) {
	if len(closes) < rsiLength+1 {
		return 0, false
	}

	rsi := talib.Rsi(closes, rsiLength)
	if len(rsi) == 0 {
		return 0, false
	}
	last := rsi[len(rsi)-1]
	if math.IsNaN(last) {
		return 0, false
	}
	return last, true
}
