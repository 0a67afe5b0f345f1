package strategy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/greatjins/si-trading-system-sub000/internal/core"
)

func init() {
	Register("dynamic", func(spec Spec, logger core.ILogger) (core.IStrategy, error) {
		if len(spec.Conditions) == 0 {
			return nil, errors.New("dynamic strategy requires a conditions block")
		}
		var conds Conditions
		if err := json.Unmarshal(spec.Conditions, &conds); err != nil {
			return nil, fmt.Errorf("parse conditions: %w", err)
		}
		return NewDynamic(spec.Params.Str("label", "dynamic"), spec.Symbol, conds, logger)
	})
}

// Condition node kinds. Logical and cmp nodes are boolean; the rest
// produce a value read at the current bar.
const (
	KindLogical   = "logical"
	KindCmp       = "cmp"
	KindIndicator = "indicator"
	KindPrice     = "price"
	KindVolume    = "volume"
	KindLiteral   = "literal"
)

// Logical operators. Comparison nodes use the operator literally
// (">", "<", ">=", "<=", "==").
const (
	OpAnd = "AND"
	OpOr  = "OR"
	OpNot = "NOT"
)

const maxConditionDepth = 20

// Node is one vertex of a declarative condition tree.
type Node struct {
	Kind  string  `json:"kind"`
	Op    string  `json:"op,omitempty"`
	Left  *Node   `json:"left,omitempty"`
	Right *Node   `json:"right,omitempty"`
	Name  string  `json:"name,omitempty"`
	Value float64 `json:"value,omitempty"`
}

// Conditions is the declarative bundle a dynamic strategy interprets.
// Exit is optional; without one the position is only ever closed by the
// risk layer.
type Conditions struct {
	Entry *Node `json:"entry"`
	Exit  *Node `json:"exit,omitempty"`
}

func validateBool(n *Node, depth int) error {
	if n == nil {
		return errors.New("missing condition node")
	}
	if depth > maxConditionDepth {
		return fmt.Errorf("condition tree deeper than %d", maxConditionDepth)
	}
	switch n.Kind {
	case KindLogical:
		switch n.Op {
		case OpAnd, OpOr:
			if err := validateBool(n.Left, depth+1); err != nil {
				return err
			}
			return validateBool(n.Right, depth+1)
		case OpNot:
			if n.Right != nil {
				return errors.New("NOT takes a single operand")
			}
			return validateBool(n.Left, depth+1)
		default:
			return fmt.Errorf("unknown logical op %q", n.Op)
		}
	case KindCmp:
		switch n.Op {
		case ">", "<", ">=", "<=", "==":
		default:
			return fmt.Errorf("unknown comparison op %q", n.Op)
		}
		if err := validateValue(n.Left, depth+1); err != nil {
			return err
		}
		return validateValue(n.Right, depth+1)
	}
	return fmt.Errorf("expected a boolean node, got kind %q", n.Kind)
}

func validateValue(n *Node, depth int) error {
	if n == nil {
		return errors.New("missing value node")
	}
	if depth > maxConditionDepth {
		return fmt.Errorf("condition tree deeper than %d", maxConditionDepth)
	}
	switch n.Kind {
	case KindIndicator:
		_, err := parseName(n.Name)
		return err
	case KindPrice, KindVolume, KindLiteral:
		return nil
	}
	return fmt.Errorf("expected a value node, got kind %q", n.Kind)
}

// evalBool assumes a validated tree. A comparison touching NaN (masked
// warmup, missing structure) is false, so no signal fires on undefined
// data.
func evalBool(n *Node, f *core.Frame, i int) bool {
	switch n.Kind {
	case KindLogical:
		switch n.Op {
		case OpAnd:
			return evalBool(n.Left, f, i) && evalBool(n.Right, f, i)
		case OpOr:
			return evalBool(n.Left, f, i) || evalBool(n.Right, f, i)
		case OpNot:
			return !evalBool(n.Left, f, i)
		}
	case KindCmp:
		l, r := evalValue(n.Left, f, i), evalValue(n.Right, f, i)
		if math.IsNaN(l) || math.IsNaN(r) {
			return false
		}
		switch n.Op {
		case ">":
			return l > r
		case "<":
			return l < r
		case ">=":
			return l >= r
		case "<=":
			return l <= r
		case "==":
			return l == r
		}
	}
	return false
}

func evalValue(n *Node, f *core.Frame, i int) float64 {
	switch n.Kind {
	case KindIndicator:
		return f.ColAt(n.Name, i)
	case KindPrice:
		return f.Close[i]
	case KindVolume:
		return float64(f.Volume[i])
	case KindLiteral:
		return n.Value
	}
	return math.NaN()
}

func collectColumns(n *Node, set map[string]struct{}) {
	if n == nil {
		return
	}
	if n.Kind == KindIndicator {
		set[n.Name] = struct{}{}
	}
	collectColumns(n.Left, set)
	collectColumns(n.Right, set)
}

// Dynamic interprets a declarative condition tree against the indicator
// columns it references. Entry fires while flat, exit while holding.
type Dynamic struct {
	label   string
	symbol  string
	entry   *Node
	exit    *Node
	columns []string
	warmup  int
	states  *States
	logger  core.ILogger
}

// NewDynamic validates the condition trees and precomputes the column
// set and warmup they imply.
func NewDynamic(label, symbol string, conds Conditions, logger core.ILogger) (*Dynamic, error) {
	if err := validateBool(conds.Entry, 1); err != nil {
		return nil, fmt.Errorf("entry: %w", err)
	}
	if conds.Exit != nil {
		if err := validateBool(conds.Exit, 1); err != nil {
			return nil, fmt.Errorf("exit: %w", err)
		}
	}
	set := make(map[string]struct{})
	collectColumns(conds.Entry, set)
	collectColumns(conds.Exit, set)
	columns := make([]string, 0, len(set))
	for name := range set {
		columns = append(columns, name)
	}
	sort.Strings(columns)
	warmup := Warmup(columns)
	if warmup < 1 {
		warmup = 1
	}
	return &Dynamic{
		label:   label,
		symbol:  symbol,
		entry:   conds.Entry,
		exit:    conds.Exit,
		columns: columns,
		warmup:  warmup,
		states:  NewStates(),
		logger:  logger.WithField("component", "dynamic_strategy").WithField("strategy", label),
	}, nil
}

func (s *Dynamic) Name() string { return s.label }

func (s *Dynamic) WarmupBars() int { return s.warmup }

// Columns lists the indicator columns the condition trees reference.
func (s *Dynamic) Columns() []string { return s.columns }

func (s *Dynamic) OnBar(ctx context.Context, f *core.Frame) ([]core.OrderIntent, error) {
	if s.symbol != "" && f.Symbol != s.symbol {
		return nil, nil
	}
	if f.Len() < s.warmup {
		return nil, nil
	}
	if err := Apply(f, s.columns); err != nil {
		return nil, err
	}
	i := f.Len() - 1
	st := s.states.Get(f.Symbol)
	if st.TotalUnits > 0 {
		if s.exit != nil && evalBool(s.exit, f, i) {
			return []core.OrderIntent{{
				Symbol:   f.Symbol,
				Action:   core.ActionSell,
				Quantity: st.TotalUnits,
				Reason:   "exit conditions met",
				Strategy: s.label,
			}}, nil
		}
		return nil, nil
	}
	if evalBool(s.entry, f, i) {
		st.LastEntryBar = i
		return []core.OrderIntent{{
			Symbol:   f.Symbol,
			Action:   core.ActionBuy,
			Reason:   "entry conditions met",
			Strategy: s.label,
		}}, nil
	}
	return nil, nil
}

func (s *Dynamic) OnFill(ctx context.Context, trade *core.Trade) {
	if st := s.states.ApplyFill(trade); st == nil {
		s.logger.Info("Position exited", "symbol", trade.Symbol, "price", trade.Price)
	}
}
