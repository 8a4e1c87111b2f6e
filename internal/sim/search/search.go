// Package search holds what the planning strategies share.
package search

import (
	"context"
	"math/rand/v2"

	"dynstack.ai/internal/sim/hotstorage"
)

// Result is the outcome of one search invocation.
type Result struct {
	Moves []hotstorage.CraneMove
	// Score is strategy specific: fitness for genetic, accumulated move
	// reward for beam, 0 for the rule planner.
	Score float64
	// Iterations completed (generations or depth steps).
	Iterations int
	// Evaluations counts fitness evaluations or expanded moves.
	Evaluations int
	// BestPerIteration records the best score after each iteration.
	BestPerIteration []float64
	// Truncated is set when the context expired before the budget was used.
	Truncated bool
}

// Strategy searches for a move sequence starting at origin. Implementations
// must not retain rng after returning.
type Strategy interface {
	Name() string
	Search(ctx context.Context, origin *hotstorage.State, rng *rand.Rand) (Result, error)
}

// NewRand returns a PCG-backed generator for seed.
func NewRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// Fork derives an independent generator from rng. Calls on rng are made in
// the caller's goroutine so that forks are reproducible.
func Fork(rng *rand.Rand) *rand.Rand {
	return rand.New(rand.NewPCG(rng.Uint64(), rng.Uint64()))
}

// RandomWalk extends moves from st by up to n uniformly random legal moves.
// It stops early when st becomes solved. dead reports that the walk reached
// an unsolved state without any legal move.
func RandomWalk(st *hotstorage.State, moves []hotstorage.CraneMove, n int, rng *rand.Rand) (end *hotstorage.State, out []hotstorage.CraneMove, dead bool) {
	for i := 0; i < n; i++ {
		cands, err := st.EnumerateMoves(true)
		if err != nil {
			return st, moves, true
		}
		if len(cands) == 0 {
			break
		}
		next, err := st.Apply(cands[rng.IntN(len(cands))])
		if err != nil {
			return st, moves, true
		}
		m, _ := next.LastMove()
		moves = append(moves, m)
		st = next
	}
	return st, moves, false
}
