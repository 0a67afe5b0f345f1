// Package strategy holds the bar-driven trading strategies, their
// shared indicator pre-pass and the name-to-factory registry the engine
// and backtester instantiate them through.
package strategy

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/greatjins/si-trading-system-sub000/internal/core"
)

// Params is the free-form parameter bundle from a strategy config
// block. Values arrive as whatever the decoder produced, so accessors
// normalize the numeric types.
type Params map[string]interface{}

// Int reads an integer parameter, falling back to def.
func (p Params) Int(key string, def int) int {
	switch v := p[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

// Float reads a float parameter, falling back to def.
func (p Params) Float(key string, def float64) float64 {
	switch v := p[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return def
}

// Str reads a string parameter, falling back to def.
func (p Params) Str(key string, def string) string {
	if v, ok := p[key].(string); ok && v != "" {
		return v
	}
	return def
}

// Spec declares one strategy instance: which factory, which symbol it
// is pinned to (empty trades every frame it receives), its parameters
// and, for dynamic strategies, the condition tree.
type Spec struct {
	Name       string          `json:"name" yaml:"name"`
	Symbol     string          `json:"symbol,omitempty" yaml:"symbol,omitempty"`
	Params     Params          `json:"params,omitempty" yaml:"params,omitempty"`
	Conditions json.RawMessage `json:"conditions,omitempty" yaml:"-"`
}

// Factory builds a bar strategy from its spec.
type Factory func(spec Spec, logger core.ILogger) (core.IStrategy, error)

// PortfolioFactory builds a portfolio strategy from its spec.
type PortfolioFactory func(spec Spec, logger core.ILogger) (core.IPortfolioStrategy, error)

var (
	registryMu         sync.RWMutex
	factories          = make(map[string]Factory)
	portfolioFactories = make(map[string]PortfolioFactory)
)

// Register adds a bar-strategy factory under name. Later registrations
// replace earlier ones.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	factories[name] = f
}

// RegisterPortfolio adds a portfolio-strategy factory under name.
func RegisterPortfolio(name string, f PortfolioFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	portfolioFactories[name] = f
}

// IsPortfolio reports whether name belongs to a portfolio-kind
// strategy, which rebalances daily instead of emitting per-bar intents.
func IsPortfolio(name string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := portfolioFactories[name]
	return ok
}

// Names lists every registered strategy, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(factories)+len(portfolioFactories))
	for name := range factories {
		names = append(names, name)
	}
	for name := range portfolioFactories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Create instantiates the named bar strategy.
func Create(spec Spec, logger core.ILogger) (core.IStrategy, error) {
	registryMu.RLock()
	f, ok := factories[spec.Name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q (have %s)", spec.Name, strings.Join(Names(), ", "))
	}
	return f(spec, logger)
}

// CreatePortfolio instantiates the named portfolio strategy.
func CreatePortfolio(spec Spec, logger core.ILogger) (core.IPortfolioStrategy, error) {
	registryMu.RLock()
	f, ok := portfolioFactories[spec.Name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown portfolio strategy %q (have %s)", spec.Name, strings.Join(Names(), ", "))
	}
	return f(spec, logger)
}

// ColumnUser is implemented by strategies that read indicator columns,
// letting the engine attach them ahead of OnBar.
type ColumnUser interface {
	Columns() []string
}
