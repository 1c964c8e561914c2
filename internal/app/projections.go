package app

import (
	"context"
	"fmt"

	"liqCascadeBot/internal/domain"
	"liqCascadeBot/internal/ports"
)

// PositionSummary is one (symbol, position side) aggregate for dashboards.
type PositionSummary struct {
	Symbol        string
	PositionSide  domain.PositionSide
	TrancheCount  int
	TotalQuantity float64
	AvgEntry      float64
	NotionalUSDT  float64
	Unprotected   bool
}

// PositionDetail expands one key into its tranches and recent activity.
type PositionDetail struct {
	Summary     PositionSummary
	Tranches    []domain.Tranche
	Companions  []*domain.OrderRelationship
	RecentFills []*domain.Fill
}

// EngineHealth is a point-in-time health snapshot.
type EngineHealth struct {
	WeightUsed        int
	OrderCountUsed    int
	Banned            bool
	DroppedEvents     int64
	PriceFeedStale    bool
	TotalExposureUSDT float64
}

// ListPositions returns a summary per key that currently holds tranches.
func (s *Service) ListPositions(ctx context.Context) []PositionSummary {
	var out []PositionSummary
	for _, k := range s.engine.Keys() {
		out = append(out, s.summarize(k.Symbol, k.Side))
	}
	return out
}

func (s *Service) summarize(symbol string, side domain.PositionSide) PositionSummary {
	tranches := s.engine.Snapshot(symbol, side)
	sum := PositionSummary{Symbol: symbol, PositionSide: side, TrancheCount: len(tranches)}
	ptrs := make([]*domain.Tranche, len(tranches))
	for i := range tranches {
		ptrs[i] = &tranches[i]
		if tranches[i].Unprotected {
			sum.Unprotected = true
		}
	}
	sum.AvgEntry, sum.TotalQuantity = domain.WeightedAvgEntry(ptrs)
	sum.NotionalUSDT = sum.AvgEntry * sum.TotalQuantity
	return sum
}

// GetPositionDetail returns the full view of one key.
func (s *Service) GetPositionDetail(ctx context.Context, symbol string, side domain.PositionSide) (*PositionDetail, error) {
	tranches := s.engine.Snapshot(symbol, side)
	if len(tranches) == 0 {
		return nil, fmt.Errorf("no position for %s %s: %w", symbol, side, ports.ErrPositionNotFound)
	}

	detail := &PositionDetail{
		Summary:  s.summarize(symbol, side),
		Tranches: tranches,
	}

	fills, err := s.orderRepo.RecentFills(ctx, 50)
	if err != nil {
		s.logger.Warn(ctx, "failed to load recent fills for detail view", map[string]interface{}{
			"symbol": symbol, "error": err.Error()})
	} else {
		detail.RecentFills = fills
	}

	for _, t := range tranches {
		for _, orderID := range []int64{t.TPOrderID, t.SLOrderID} {
			if orderID == 0 {
				continue
			}
			rel, err := s.relRepo.FindCompanions(ctx, orderID)
			if err != nil || rel == nil {
				continue
			}
			detail.Companions = append(detail.Companions, rel)
			break
		}
	}
	return detail, nil
}

// ListRecentLiquidations returns the newest stored forced-order events.
func (s *Service) ListRecentLiquidations(ctx context.Context, limit int) ([]*domain.Liquidation, error) {
	return s.liqRepo.RecentLiquidations(ctx, limit)
}

// ListRecentFills returns the newest execution reports.
func (s *Service) ListRecentFills(ctx context.Context, limit int) ([]*domain.Fill, error) {
	return s.orderRepo.RecentFills(ctx, limit)
}

// Health reports rate-limit usage, stream state and exposure.
func (s *Service) Health(ctx context.Context) EngineHealth {
	weight, _, orders, _, _ := s.governor.Usage()
	return EngineHealth{
		WeightUsed:        weight,
		OrderCountUsed:    orders,
		Banned:            s.governor.Banned(),
		DroppedEvents:     s.intake.Dropped(),
		PriceFeedStale:    s.engine.PriceFeedStale(),
		TotalExposureUSDT: s.risk.TotalExposure(),
	}
}

// ClosePosition market-closes every tranche of a key. This is the only
// mutating command exposed to operators.
func (s *Service) ClosePosition(ctx context.Context, symbol string, side domain.PositionSide) error {
	s.logger.Info(ctx, "operator close requested", map[string]interface{}{
		"symbol": symbol, "positionSide": string(side)})
	return s.engine.ForceClose(ctx, symbol, side)
}
