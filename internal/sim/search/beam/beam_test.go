package beam_test

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"dynstack.ai/internal/sim/hotstorage"
	"dynstack.ai/internal/sim/search/beam"
	"dynstack.ai/internal/sim/worldtest"
)

func TestSearch_DeliversReadyTopFirst(t *testing.T) {
	b := worldtest.New(t).
		Production(4, worldtest.N(1)).
		Buffer(3, worldtest.N(2), worldtest.R(3)).
		Buffer(3)
	s, err := beam.New(beam.Config{Depth: 2, Width: 4, BranchFactor: 3, Workers: 2})
	require.NoError(t, err)

	res, err := s.Search(context.Background(), b.State(), nil)
	require.NoError(t, err)
	require.NotEmpty(t, res.Moves)
	require.Equal(t, hotstorage.CraneMove{Source: 1, Target: b.HandoverID(), Block: 3}, res.Moves[0])
	require.Equal(t, 2, res.Iterations)
	require.Len(t, res.BestPerIteration, 2)
}

func TestSearch_DigsOutBuriedReady(t *testing.T) {
	b := worldtest.New(t).
		Production(4).
		Buffer(3, worldtest.R(1), worldtest.N(2)).
		Buffer(3)
	s, err := beam.New(beam.Config{Depth: 2, Width: 3, BranchFactor: 2})
	require.NoError(t, err)

	res, err := s.Search(context.Background(), b.State(), nil)
	require.NoError(t, err)
	want := []hotstorage.CraneMove{
		{Source: 1, Target: 2, Block: 2},
		{Source: 1, Target: b.HandoverID(), Block: 1},
	}
	if diff := cmp.Diff(want, res.Moves); diff != "" {
		t.Fatalf("moves mismatch (-want +got):\n%s", diff)
	}
}

func TestSearch_Deterministic(t *testing.T) {
	build := func() *hotstorage.State {
		return worldtest.New(t).
			Production(4, worldtest.N(1), worldtest.N(2), worldtest.N(3)).
			Buffer(4, worldtest.R(4), worldtest.N(5)).
			Buffer(4, worldtest.N(6)).
			Buffer(4).
			State()
	}
	s, err := beam.New(beam.Config{Depth: 5, Width: 6, BranchFactor: 3, Workers: 8})
	require.NoError(t, err)
	a, err := s.Search(context.Background(), build(), nil)
	require.NoError(t, err)
	c, err := s.Search(context.Background(), build(), nil)
	require.NoError(t, err)
	require.Equal(t, a.Moves, c.Moves)
	require.Equal(t, a.Score, c.Score)

	_, applied := build().ApplyAll(a.Moves)
	require.Equal(t, a.Moves, applied)
}

func TestSearch_SolvedAndStuck(t *testing.T) {
	s, err := beam.New(beam.DefaultConfig())
	require.NoError(t, err)

	res, err := s.Search(context.Background(), worldtest.New(t).Buffer(2).State(), nil)
	require.NoError(t, err)
	require.Empty(t, res.Moves)

	stuck := worldtest.New(t).Buffer(2, worldtest.N(1), worldtest.N(3)).Production(2, worldtest.N(2)).State()
	_, err = s.Search(context.Background(), stuck, nil)
	require.ErrorIs(t, err, hotstorage.ErrNoLegalMove)
}

func TestSearch_ExpiredContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s, err := beam.New(beam.DefaultConfig())
	require.NoError(t, err)
	res, err := s.Search(ctx, worldtest.New(t).Production(4, worldtest.N(1)).Buffer(2).State(), nil)
	require.NoError(t, err)
	require.True(t, res.Truncated)
	require.Empty(t, res.Moves)
}

func TestNew_Validates(t *testing.T) {
	_, err := beam.New(beam.Config{Depth: 0, Width: 1, BranchFactor: 1})
	require.Error(t, err)
	_, err = beam.New(beam.Config{Depth: 1, Width: 0, BranchFactor: 1})
	require.Error(t, err)
}
