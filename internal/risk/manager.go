// Package risk tracks outstanding notional exposure and vetoes entries that
// would breach the per-symbol or account-wide caps.
package risk

import (
	"context"
	"fmt"
	"sync"

	"liqCascadeBot/internal/domain"
	"liqCascadeBot/internal/ports"
)

// Config holds the exposure limits.
type Config struct {
	MaxTotalExposureUSDT float64
	MaxPositionUSDT      map[string]float64 // per symbol
	Logger               ports.Logger
}

type posKey struct {
	symbol string
	side   domain.PositionSide
}

// Manager tracks open and pending notional. Pending exposure covers the gap
// between submitting an entry and seeing its fill, so rapid-fire
// evaluations during a cascade account for in-flight orders.
type Manager struct {
	mu      sync.Mutex
	cfg     Config
	logger  ports.Logger
	open    map[posKey]float64 // filled notional per (symbol, side)
	pending map[string]float64 // in-flight entry notional per symbol
}

// NewManager creates an exposure manager.
func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg:     cfg,
		logger:  cfg.Logger,
		open:    make(map[posKey]float64),
		pending: make(map[string]float64),
	}
}

// CanOpen checks a prospective entry notional against the symbol cap and
// the account-wide cap. Returns nil when the entry is admissible.
func (m *Manager) CanOpen(ctx context.Context, symbol string, notional float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	symbolOpen := m.symbolNotionalLocked(symbol) + m.pending[symbol]
	if limit, ok := m.cfg.MaxPositionUSDT[symbol]; ok && symbolOpen+notional > limit {
		return fmt.Errorf("symbol exposure %.2f + %.2f exceeds cap %.2f for %s",
			symbolOpen, notional, limit, symbol)
	}

	total := m.totalNotionalLocked() + m.totalPendingLocked()
	if total+notional > m.cfg.MaxTotalExposureUSDT {
		return fmt.Errorf("total exposure %.2f + %.2f exceeds cap %.2f",
			total, notional, m.cfg.MaxTotalExposureUSDT)
	}
	return nil
}

// AddPending reserves notional for an in-flight entry order.
func (m *Manager) AddPending(symbol string, notional float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[symbol] += notional
}

// RemovePending releases a reservation after the entry fills or dies.
func (m *Manager) RemovePending(symbol string, notional float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[symbol] -= notional
	if m.pending[symbol] <= 0 {
		delete(m.pending, symbol)
	}
}

// SetPosition records the filled notional for a (symbol, side). The fill
// router and the reconciler both feed this, so the value tracks venue truth.
func (m *Manager) SetPosition(symbol string, side domain.PositionSide, notional float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := posKey{symbol: symbol, side: side}
	if notional <= 0 {
		delete(m.open, k)
		return
	}
	m.open[k] = notional
}

// AddPosition increments the filled notional for a (symbol, side).
func (m *Manager) AddPosition(symbol string, side domain.PositionSide, notional float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := posKey{symbol: symbol, side: side}
	v := m.open[k] + notional
	if v <= 0 {
		delete(m.open, k)
		return
	}
	m.open[k] = v
}

// TotalExposure returns the summed open notional across all keys.
func (m *Manager) TotalExposure() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalNotionalLocked()
}

// SymbolExposure returns the open notional for one symbol, both sides.
func (m *Manager) SymbolExposure(symbol string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.symbolNotionalLocked(symbol)
}

func (m *Manager) symbolNotionalLocked(symbol string) float64 {
	var sum float64
	for k, v := range m.open {
		if k.symbol == symbol {
			sum += v
		}
	}
	return sum
}

func (m *Manager) totalNotionalLocked() float64 {
	var sum float64
	for _, v := range m.open {
		sum += v
	}
	return sum
}

func (m *Manager) totalPendingLocked() float64 {
	var sum float64
	for _, v := range m.pending {
		sum += v
	}
	return sum
}
