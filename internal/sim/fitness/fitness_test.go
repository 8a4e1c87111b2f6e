package fitness_test

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"

	"dynstack.ai/internal/sim/fitness"
	"dynstack.ai/internal/sim/hotstorage"
	"dynstack.ai/internal/sim/stack"
	"dynstack.ai/internal/sim/worldtest"
)

func TestWeights_Normalized(t *testing.T) {
	w := fitness.Weights{Arrival: 2, Handover: 2, OverReady: 1, DueOrder: -3}.Normalized()
	require.InDelta(t, 0.4, w.Arrival, 1e-12)
	require.InDelta(t, 0.4, w.Handover, 1e-12)
	require.InDelta(t, 0.2, w.OverReady, 1e-12)
	require.Zero(t, w.DueOrder)

	require.Equal(t, fitness.DefaultWeights().Normalized(), fitness.Weights{}.Normalized())
}

func TestEvaluate_EmptyBuffersOverReadyIsOne(t *testing.T) {
	st := worldtest.New(t).Buffer(3).Buffer(3).State()
	ev := fitness.NewEvaluator(fitness.DefaultWeights(), nil, 0, 0)

	sc := ev.Evaluate(st)
	require.Equal(t, 1.0, sc.OverReady)
	require.False(t, math.IsNaN(sc.Fitness))
	require.Zero(t, sc.Handover)
}

func TestEvaluate_ArrivalTable(t *testing.T) {
	ev := fitness.NewEvaluator(fitness.DefaultWeights(), nil, 4, 0)
	cases := []struct {
		filled int
		want   float64
	}{
		{0, 0},
		{1, 0.5}, // 0.25 is inclusive
		{2, 0.5},
		{3, 1.0},
		{4, 0.8},
	}
	for _, tc := range cases {
		var blocks []stack.Block
		for i := 0; i < tc.filled; i++ {
			blocks = append(blocks, worldtest.N(i+1))
		}
		st := worldtest.New(t).Production(4, blocks...).Buffer(2).State()
		require.Equal(t, tc.want, ev.Evaluate(st).Arrival, "filled=%d", tc.filled)
	}
}

func TestEvaluate_HandoverFraction(t *testing.T) {
	b := worldtest.New(t).Buffer(3, worldtest.R(1), worldtest.R(2))
	st := b.State()
	var err error
	for i := 0; i < 2; i++ {
		st, err = st.Apply(hotstorage.CraneMove{Source: 1, Target: b.HandoverID()})
		require.NoError(t, err)
	}
	ev := fitness.NewEvaluator(fitness.DefaultWeights(), nil, 4, 0)
	require.Equal(t, 0.5, ev.Evaluate(st).Handover)

	short := fitness.NewEvaluator(fitness.DefaultWeights(), nil, 1, 0)
	require.Equal(t, 1.0, short.Evaluate(st).Handover)
}

func TestOverReady(t *testing.T) {
	bufs := []stack.Stack{
		mustStack(t, 1, 4, worldtest.R(1), worldtest.N(2), worldtest.N(3)),
		mustStack(t, 2, 4, worldtest.N(4)),
	}
	require.InDelta(t, 0.5, fitness.OverReady(bufs), 1e-12)
}

func TestDueOrder(t *testing.T) {
	// bottom to top: latest due at the bottom is the ideal order
	sorted := mustStack(t, 1, 4,
		worldtest.Due(worldtest.N(1), 300),
		worldtest.Due(worldtest.N(2), 200),
		worldtest.Due(worldtest.N(3), 100))
	require.Equal(t, 1.0, fitness.DueOrder([]stack.Stack{sorted}, 1))

	reversed := mustStack(t, 1, 4,
		worldtest.Due(worldtest.N(1), 100),
		worldtest.Due(worldtest.N(2), 200),
		worldtest.Due(worldtest.N(3), 300))
	got := fitness.DueOrder([]stack.Stack{reversed}, 1)
	want := (2*math.Exp(-2) + 1) / 3
	require.InDelta(t, want, got, 1e-12)

	require.Equal(t, 1.0, fitness.DueOrder(nil, 1))
}

func TestEvaluate_FitnessBounded(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 5))
	ev := fitness.NewEvaluator(fitness.Weights{Arrival: 1, Handover: 1, OverReady: 1, DueOrder: 1}, nil, 5, 1.5)
	for i := 0; i < 300; i++ {
		st := worldtest.Random(t, rng, worldtest.RandomConfig{Buffers: 4, BufferCap: 4, ProdCap: 4, ReadyChance: 0.4}).State()
		for step := 0; step < 5; step++ {
			moves, err := st.EnumerateMoves(false)
			if err != nil || len(moves) == 0 {
				break
			}
			st, err = st.Apply(moves[rng.IntN(len(moves))])
			require.NoError(t, err)
		}
		sc := ev.Evaluate(st)
		for _, v := range []float64{sc.Arrival, sc.Handover, sc.OverReady, sc.DueOrder, sc.Fitness} {
			require.GreaterOrEqual(t, v, 0.0)
			require.LessOrEqual(t, v, 1.0+1e-12)
		}
	}
}

func mustStack(t *testing.T, id, capacity int, blocks ...stack.Block) stack.Stack {
	t.Helper()
	s, err := stack.New(id, capacity, blocks)
	require.NoError(t, err)
	return s
}
