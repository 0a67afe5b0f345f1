package strategy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/greatjins/si-trading-system-sub000/internal/core"
)

func lit(v float64) *Node { return &Node{Kind: KindLiteral, Value: v} }

func ind(name string) *Node { return &Node{Kind: KindIndicator, Name: name} }

func priceRef() *Node { return &Node{Kind: KindPrice} }

func volRef() *Node { return &Node{Kind: KindVolume} }

func cmpNode(op string, l, r *Node) *Node {
	return &Node{Kind: KindCmp, Op: op, Left: l, Right: r}
}

func logical(op string, l, r *Node) *Node {
	return &Node{Kind: KindLogical, Op: op, Left: l, Right: r}
}

func notChain(n *Node, depth int) *Node {
	for range depth {
		n = &Node{Kind: KindLogical, Op: OpNot, Left: n}
	}
	return n
}

func TestDynamicValidation(t *testing.T) {
	logger := testLogger()
	valid := cmpNode(">", priceRef(), lit(100))

	tests := []struct {
		name    string
		entry   *Node
		wantErr string
	}{
		{"nil entry", nil, "missing condition"},
		{"unknown logical op", logical("XOR", valid, valid), "unknown logical op"},
		{"unknown cmp op", cmpNode("!=", priceRef(), lit(1)), "unknown comparison op"},
		{"logical child of cmp", cmpNode(">", logical(OpAnd, valid, valid), lit(1)), "expected a value node"},
		{"bad indicator name", cmpNode(">", ind("WOBBLE_1"), lit(1)), "WOBBLE_1"},
		{"NOT with two operands", logical(OpNot, valid, valid), "single operand"},
		{"too deep", notChain(valid, 21), "deeper than 20"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewDynamic("x", "", Conditions{Entry: tc.entry}, logger)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}

	// A moderately nested tree is fine.
	_, err := NewDynamic("x", "", Conditions{Entry: notChain(valid, 10)}, logger)
	assert.NoError(t, err)

	// A broken exit tree is rejected too.
	_, err = NewDynamic("x", "", Conditions{Entry: valid, Exit: logical("XOR", valid, valid)}, logger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exit:")
}

func TestDynamicPriceWalk(t *testing.T) {
	conds := Conditions{
		Entry: cmpNode(">", priceRef(), lit(105)),
		Exit:  cmpNode("<", priceRef(), lit(95)),
	}
	s, err := NewDynamic("breakout_105", "005930", conds, testLogger())
	require.NoError(t, err)
	assert.Equal(t, "breakout_105", s.Name())
	assert.Equal(t, 1, s.WarmupBars())

	ctx := context.Background()

	intents, err := s.OnBar(ctx, frameFromCloses("005930", []float64{100}))
	require.NoError(t, err)
	assert.Empty(t, intents)

	// Frames for other symbols are ignored when the strategy is pinned.
	intents, err = s.OnBar(ctx, frameFromCloses("000660", []float64{200}))
	require.NoError(t, err)
	assert.Empty(t, intents)

	intents, err = s.OnBar(ctx, frameFromCloses("005930", []float64{100, 106}))
	require.NoError(t, err)
	require.Len(t, intents, 1)
	assert.Equal(t, core.ActionBuy, intents[0].Action)
	assert.Equal(t, int64(0), intents[0].Quantity, "sizing is left to the risk layer")
	assert.Equal(t, "breakout_105", intents[0].Strategy)

	s.OnFill(ctx, mkTrade("005930", core.SideBuy, 10, 106))

	intents, err = s.OnBar(ctx, frameFromCloses("005930", []float64{100, 106, 94}))
	require.NoError(t, err)
	require.Len(t, intents, 1)
	assert.Equal(t, core.ActionSell, intents[0].Action)
	assert.Equal(t, int64(10), intents[0].Quantity)

	s.OnFill(ctx, mkTrade("005930", core.SideSell, 10, 94))

	// Flat again; 94 is under the entry level, so nothing fires.
	intents, err = s.OnBar(ctx, frameFromCloses("005930", []float64{100, 106, 94}))
	require.NoError(t, err)
	assert.Empty(t, intents)
}

func TestDynamicIndicatorCondition(t *testing.T) {
	entry := logical(OpAnd,
		cmpNode(">", ind("MA_2"), lit(102)),
		cmpNode(">", volRef(), lit(0)),
	)
	s, err := NewDynamic("ma_gate", "", Conditions{Entry: entry}, testLogger())
	require.NoError(t, err)
	assert.Equal(t, []string{"MA_2"}, s.Columns())
	assert.Equal(t, 2, s.WarmupBars())

	ctx := context.Background()

	// Below warmup nothing is evaluated.
	intents, err := s.OnBar(ctx, frameFromCloses("005930", []float64{100}))
	require.NoError(t, err)
	assert.Empty(t, intents)

	// MA_2 = 100.5, below the gate.
	intents, err = s.OnBar(ctx, frameFromCloses("005930", []float64{100, 101}))
	require.NoError(t, err)
	assert.Empty(t, intents)

	// MA_2 = 102.5 with positive volume.
	intents, err = s.OnBar(ctx, frameFromCloses("005930", []float64{100, 101, 104}))
	require.NoError(t, err)
	require.Len(t, intents, 1)
	assert.Equal(t, core.ActionBuy, intents[0].Action)
}

func TestDynamicNaNComparesFalse(t *testing.T) {
	f := frameFromCloses("005930", []float64{100, 101, 102})

	// MA_2 was never attached, so the lookup yields NaN.
	n := cmpNode(">", ind("MA_2"), lit(0))
	assert.False(t, evalBool(n, f, 2))
	assert.False(t, evalBool(cmpNode("<", ind("MA_2"), lit(1e9)), f, 2))
}

func TestDynamicHoldingWithoutExit(t *testing.T) {
	s, err := NewDynamic("entry_only", "005930", Conditions{
		Entry: cmpNode(">", priceRef(), lit(105)),
	}, testLogger())
	require.NoError(t, err)

	ctx := context.Background()
	s.OnFill(ctx, mkTrade("005930", core.SideBuy, 10, 106))

	// Holding with no exit tree never emits a close.
	intents, err := s.OnBar(ctx, frameFromCloses("005930", []float64{100, 106, 50}))
	require.NoError(t, err)
	assert.Empty(t, intents)
}
