// Command replaylog replays the stored forced-order event log through the
// rolling volume windows and reports every threshold crossing, so window
// and threshold settings can be tuned against recorded cascades without
// touching the venue.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"liqCascadeBot/config"
	"liqCascadeBot/internal/adapters/logger"
	"liqCascadeBot/internal/adapters/sqlite"
	"liqCascadeBot/internal/aggregator"
	"liqCascadeBot/internal/domain"
	"liqCascadeBot/internal/ports"
)

// replayClock feeds the aggregator the event timestamps instead of wall
// time, so pruning behaves as it did live.
type replayClock struct {
	now time.Time
}

func (c *replayClock) Now() time.Time { return c.now }

func main() {
	since := flag.Duration("since", 24*time.Hour, "replay events newer than this age")
	flag.Parse()

	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}

	// 2. Initialize Logger
	appLogger := logger.NewStdLogger(cfg.LogLevel)
	appLogger.Info(context.Background(), "Logger initialized", map[string]interface{}{"level": cfg.LogLevel.String()})

	// 3. Initialize Repository (Database Adapter)
	repo, err := sqlite.NewRepository(sqlite.Config{
		DBPath: cfg.DBPath,
		Logger: appLogger,
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize database repository: %v", err)
	}
	defer repo.Close()

	ctx := context.Background()
	events, err := repo.LiquidationsSince(ctx, time.Now().Add(-*since))
	if err != nil {
		log.Fatalf("FATAL: Failed to load liquidation log: %v", err)
	}
	fmt.Printf("Replaying %d events through a %s window...\n", len(events), cfg.WindowDuration)

	clock := &replayClock{}
	windows := aggregator.New(cfg.WindowDuration, clock)

	crossings := 0
	above := make(map[string]bool) // (symbol+side) currently over threshold
	for _, e := range events {
		clock.now = e.EventTime
		windows.Add(e)

		settings, ok := cfg.Symbols[e.Symbol]
		if !ok {
			continue
		}
		threshold := thresholdFor(settings, e.Side)
		if threshold <= 0 {
			continue
		}

		key := e.Symbol + "/" + string(e.Side)
		volume := windows.Current(e.Symbol, e.Side)
		if volume >= threshold && !above[key] {
			above[key] = true
			crossings++
			fmt.Printf("%s  %-12s forced-%-4s window=%12.2f USDT  threshold=%12.2f  (event %s @ %.2f)\n",
				e.EventTime.Format(time.RFC3339), e.Symbol, e.Side, volume, threshold,
				e.EventID, e.Price)
		} else if volume < threshold {
			above[key] = false
		}
	}

	fmt.Printf("Done: %d threshold crossings across %d events.\n", crossings, len(events))
}

// thresholdFor picks the threshold that would gate an entry triggered by
// this forced-order side under the contrarian default mapping.
func thresholdFor(s config.SymbolSettings, side domain.OrderSide) float64 {
	liquidated := (&domain.Liquidation{Side: side}).LiquidatedPositionSide()
	entry := liquidated
	if s.TradeSide != domain.TradeSame {
		if liquidated == domain.Long {
			entry = domain.Short
		} else {
			entry = domain.Long
		}
	}
	if entry == domain.Long {
		return s.VolumeThresholdLong
	}
	return s.VolumeThresholdShort
}

var _ ports.Clock = (*replayClock)(nil)
