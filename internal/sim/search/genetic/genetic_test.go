package genetic_test

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"dynstack.ai/internal/sim/fitness"
	"dynstack.ai/internal/sim/hotstorage"
	"dynstack.ai/internal/sim/search"
	"dynstack.ai/internal/sim/search/genetic"
	"dynstack.ai/internal/sim/worldtest"
)

func yard(t *testing.T) *hotstorage.State {
	return worldtest.New(t).
		Now(0).
		Production(4, worldtest.N(1), worldtest.N(2), worldtest.N(3)).
		Buffer(4, worldtest.R(4), worldtest.N(5), worldtest.N(6)).
		Buffer(4, worldtest.N(7)).
		Buffer(4, worldtest.R(8)).
		Buffer(4).
		State()
}

func newSearch(t *testing.T, cfg genetic.Config) *genetic.Search {
	t.Helper()
	g, err := genetic.New(cfg, fitness.NewEvaluator(fitness.DefaultWeights(), nil, 0, 0))
	require.NoError(t, err)
	return g
}

func TestSearch_BestFitnessNeverDecreases(t *testing.T) {
	cfg := genetic.DefaultConfig()
	cfg.Generations = 25
	cfg.Workers = 4
	g := newSearch(t, cfg)

	for seed := uint64(1); seed <= 5; seed++ {
		res, err := g.Search(context.Background(), yard(t), search.NewRand(seed))
		require.NoError(t, err)
		require.Len(t, res.BestPerIteration, cfg.Generations+1)
		for i := 1; i < len(res.BestPerIteration); i++ {
			if res.BestPerIteration[i] < res.BestPerIteration[i-1] {
				t.Fatalf("seed %d: best fitness dropped at generation %d: %v", seed, i, res.BestPerIteration)
			}
		}
		require.Equal(t, res.BestPerIteration[len(res.BestPerIteration)-1], res.Score)
	}
}

func TestSearch_ReproducibleForSeed(t *testing.T) {
	cfg := genetic.DefaultConfig()
	cfg.Workers = 8
	g := newSearch(t, cfg)

	a, err := g.Search(context.Background(), yard(t), search.NewRand(42))
	require.NoError(t, err)
	b, err := g.Search(context.Background(), yard(t), search.NewRand(42))
	require.NoError(t, err)
	if diff := cmp.Diff(a.Moves, b.Moves); diff != "" {
		t.Fatalf("moves differ for equal seeds (-a +b):\n%s", diff)
	}
	require.Equal(t, a.Score, b.Score)
}

func TestSearch_ResultReplaysFromOrigin(t *testing.T) {
	g := newSearch(t, genetic.DefaultConfig())
	origin := yard(t)
	res, err := g.Search(context.Background(), origin, search.NewRand(7))
	require.NoError(t, err)
	require.NotEmpty(t, res.Moves)
	require.LessOrEqual(t, len(res.Moves), genetic.DefaultConfig().ChromosomeLength)

	_, applied := origin.ApplyAll(res.Moves)
	if diff := cmp.Diff(res.Moves, applied); diff != "" {
		t.Fatalf("result does not replay (-want +got):\n%s", diff)
	}
}

func TestSearch_DeadOriginReportsNoLegalMove(t *testing.T) {
	stuck := worldtest.New(t).
		Buffer(2, worldtest.N(1), worldtest.N(4)).
		Buffer(2, worldtest.N(2), worldtest.N(5)).
		Production(2, worldtest.N(3)).
		State()
	g := newSearch(t, genetic.DefaultConfig())
	res, err := g.Search(context.Background(), stuck, search.NewRand(1))
	require.ErrorIs(t, err, hotstorage.ErrNoLegalMove)
	require.Empty(t, res.Moves)
	require.Equal(t, genetic.DeadFitness, res.Score)
}

func TestSearch_ExpiredContextReturnsBestSoFar(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	g := newSearch(t, genetic.DefaultConfig())
	res, err := g.Search(ctx, yard(t), search.NewRand(3))
	require.NoError(t, err)
	require.True(t, res.Truncated)
	require.Zero(t, res.Iterations)
	require.NotEmpty(t, res.Moves)
}

func TestSearch_SolvedOriginYieldsNoMoves(t *testing.T) {
	g := newSearch(t, genetic.DefaultConfig())
	res, err := g.Search(context.Background(), worldtest.New(t).Buffer(2).State(), search.NewRand(1))
	require.NoError(t, err)
	require.Empty(t, res.Moves)
}

func TestNew_RejectsBadConfig(t *testing.T) {
	ev := fitness.NewEvaluator(fitness.DefaultWeights(), nil, 0, 0)
	bad := []func(*genetic.Config){
		func(c *genetic.Config) { c.ChromosomeLength = 0 },
		func(c *genetic.Config) { c.PopulationSize = 1 },
		func(c *genetic.Config) { c.EliteFraction = 0 },
		func(c *genetic.Config) { c.MutationRate = 1.5 },
	}
	for i, mut := range bad {
		cfg := genetic.DefaultConfig()
		mut(&cfg)
		if _, err := genetic.New(cfg, ev); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}
