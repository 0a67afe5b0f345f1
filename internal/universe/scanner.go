// Package universe builds the day's trading list from volume leaders,
// filtered by traded value and fundamentals.
package universe

import (
	"context"
	"fmt"

	"github.com/greatjins/si-trading-system-sub000/internal/core"
)

// Config bounds the scan. MaxPER and MinROE of zero disable the
// fundamental filters.
type Config struct {
	Size              int
	MinLiquidityValue float64
	MaxPER            float64
	MinROE            float64
	ScanLimit         int
}

type Scanner struct {
	cfg     Config
	broker  core.IBroker
	journal core.IJournal
	clock   core.IClock
	logger  core.ILogger
}

// NewScanner wires a scanner. The journal is optional; when present
// every scan is persisted under its date.
func NewScanner(cfg Config, broker core.IBroker, journal core.IJournal, clock core.IClock, logger core.ILogger) *Scanner {
	if cfg.Size <= 0 {
		cfg.Size = 20
	}
	if cfg.ScanLimit <= 0 {
		cfg.ScanLimit = cfg.Size * 3
	}
	return &Scanner{
		cfg:     cfg,
		broker:  broker,
		journal: journal,
		clock:   clock,
		logger:  logger.WithField("component", "universe_scanner"),
	}
}

// Scan pulls the volume ranking, applies the liquidity and fundamental
// filters and returns up to Size symbols in rank order.
func (s *Scanner) Scan(ctx context.Context) ([]string, error) {
	ranks, err := s.broker.GetTopVolume(ctx, s.cfg.ScanLimit)
	if err != nil {
		return nil, fmt.Errorf("volume ranking: %w", err)
	}

	useFundamentals := s.cfg.MaxPER > 0 || s.cfg.MinROE > 0
	var selected []string
	for _, rank := range ranks {
		if len(selected) >= s.cfg.Size {
			break
		}
		if float64(rank.Value) < s.cfg.MinLiquidityValue {
			continue
		}
		if useFundamentals && !s.passesFundamentals(ctx, rank.Symbol) {
			continue
		}
		selected = append(selected, rank.Symbol)
	}

	s.logger.Info("Universe scanned",
		"candidates", len(ranks), "selected", len(selected))

	if s.journal != nil && len(selected) > 0 {
		day := core.Today(s.clock)
		if err := s.journal.SaveUniverse(ctx, day, selected); err != nil {
			s.logger.Error("Universe persistence failed", "date", day, "error", err)
		}
	}
	return selected, nil
}

// passesFundamentals applies the PER and ROE screens. A symbol with no
// financial data is excluded rather than guessed at.
func (s *Scanner) passesFundamentals(ctx context.Context, symbol string) bool {
	fin, err := s.broker.GetFinancials(ctx, symbol)
	if err != nil {
		s.logger.Warn("Financials unavailable, excluding symbol", "symbol", symbol, "error", err)
		return false
	}
	if s.cfg.MaxPER > 0 && (fin.PER <= 0 || fin.PER > s.cfg.MaxPER) {
		return false
	}
	if s.cfg.MinROE > 0 && fin.ROE < s.cfg.MinROE {
		return false
	}
	return true
}
