// Package beam implements a bounded depth/width tree search ranked by the
// per-move reward heuristic.
package beam

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime"

	"golang.org/x/sync/errgroup"

	"dynstack.ai/internal/sim/fitness"
	"dynstack.ai/internal/sim/hotstorage"
	"dynstack.ai/internal/sim/search"
)

const Name = "beam"

type Config struct {
	Depth int
	Width int
	// BranchFactor is how many top-ranked moves each branch proposes.
	BranchFactor int
	Workers      int
}

func DefaultConfig() Config {
	return Config{Depth: 6, Width: 5, BranchFactor: 3}
}

func (c Config) validate() error {
	switch {
	case c.Depth < 1:
		return fmt.Errorf("depth must be >= 1, got %d", c.Depth)
	case c.Width < 1:
		return fmt.Errorf("width must be >= 1, got %d", c.Width)
	case c.BranchFactor < 1:
		return fmt.Errorf("branch_factor must be >= 1, got %d", c.BranchFactor)
	}
	return nil
}

type Search struct {
	cfg Config
}

func New(cfg Config) (*Search, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Search{cfg: cfg}, nil
}

func (s *Search) Name() string { return Name }

// branch is a partial plan. reward accumulates MoveReward along its moves;
// tie is StateReward of the reached state.
type branch struct {
	state  *hotstorage.State
	reward float64
	tie    float64
	solved bool
	order  int
}

// better orders branches: higher reward, then higher tie, then earlier order.
func better(a, b *branch) bool {
	if a.reward != b.reward {
		return a.reward > b.reward
	}
	if a.tie != b.tie {
		return a.tie > b.tie
	}
	return a.order < b.order
}

// worstFirst is a min-heap on better, so the root is the weakest kept branch.
type worstFirst []*branch

func (h worstFirst) Len() int           { return len(h) }
func (h worstFirst) Less(i, j int) bool { return better(h[j], h[i]) }
func (h worstFirst) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *worstFirst) Push(x any)        { *h = append(*h, x.(*branch)) }
func (h *worstFirst) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Search expands the beam Depth times. Branches that reach a state without a
// legal move are dropped; solved branches are carried over unchanged. rng is
// unused, the beam is deterministic.
func (s *Search) Search(ctx context.Context, origin *hotstorage.State, _ *rand.Rand) (search.Result, error) {
	beam := []*branch{{state: origin, tie: fitness.StateReward(origin), solved: origin.IsSolved()}}
	var res search.Result

	for d := 0; d < s.cfg.Depth; d++ {
		if ctx.Err() != nil {
			res.Truncated = true
			break
		}
		next, expanded, err := s.step(ctx, beam)
		if err != nil {
			res.Truncated = true
			break
		}
		res.Evaluations += expanded
		if len(next) == 0 {
			// every branch is stuck; keep the previous level unless that is
			// the origin itself
			if d == 0 {
				beam = nil
			}
			break
		}
		beam = next
		res.Iterations++
		res.BestPerIteration = append(res.BestPerIteration, top(beam).reward)
		if allSolved(beam) {
			break
		}
	}

	if len(beam) == 0 {
		return res, hotstorage.ErrNoLegalMove
	}
	b := top(beam)
	res.Score = b.reward
	res.Moves = b.state.Moves()
	return res, nil
}

// step expands every branch in parallel and keeps the global top Width.
func (s *Search) step(ctx context.Context, beam []*branch) ([]*branch, int, error) {
	proposals := make([][]*branch, len(beam))
	counts := make([]int, len(beam))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers())
	for i, b := range beam {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if b.solved {
				proposals[i] = []*branch{b}
				return nil
			}
			ranked, err := fitness.TopMoves(b.state, s.cfg.BranchFactor)
			if errors.Is(err, hotstorage.ErrNoLegalMove) {
				return nil
			}
			if err != nil {
				return err
			}
			counts[i] = len(ranked)
			for _, rm := range ranked {
				st, err := b.state.Apply(rm.Move)
				if err != nil {
					continue
				}
				proposals[i] = append(proposals[i], &branch{
					state:  st,
					reward: b.reward + rm.Reward,
					tie:    fitness.StateReward(st),
					solved: st.IsSolved(),
				})
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}

	h := make(worstFirst, 0, s.cfg.Width+1)
	order, expanded := 0, 0
	for i, ps := range proposals {
		expanded += counts[i]
		for _, p := range ps {
			c := *p
			c.order = order
			order++
			heap.Push(&h, &c)
			if h.Len() > s.cfg.Width {
				heap.Pop(&h)
			}
		}
	}
	out := make([]*branch, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(&h).(*branch)
	}
	return out, expanded, nil
}

func (s *Search) workers() int {
	if s.cfg.Workers > 0 {
		return s.cfg.Workers
	}
	return runtime.GOMAXPROCS(0)
}

func top(beam []*branch) *branch {
	b := beam[0]
	for _, c := range beam[1:] {
		if better(c, b) {
			b = c
		}
	}
	return b
}

func allSolved(beam []*branch) bool {
	for _, b := range beam {
		if !b.solved {
			return false
		}
	}
	return true
}
