// Package genetic implements a generational genetic search over fixed-length
// crane move sequences.
package genetic

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"

	"dynstack.ai/internal/sim/fitness"
	"dynstack.ai/internal/sim/hotstorage"
	"dynstack.ai/internal/sim/search"
)

const Name = "genetic"

// DeadFitness is assigned to individuals whose walk ran into a state with no
// legal move. It is below every reachable fitness.
const DeadFitness = -1.0

type Config struct {
	ChromosomeLength int
	PopulationSize   int
	Generations      int
	EliteFraction    float64
	MutationRate     float64
	// Workers bounds parallel evaluation and breeding; <= 0 uses GOMAXPROCS.
	Workers int
}

func DefaultConfig() Config {
	return Config{
		ChromosomeLength: 10,
		PopulationSize:   40,
		Generations:      30,
		EliteFraction:    0.2,
		MutationRate:     0.2,
	}
}

func (c Config) validate() error {
	switch {
	case c.ChromosomeLength < 1:
		return fmt.Errorf("chromosome_length must be >= 1, got %d", c.ChromosomeLength)
	case c.PopulationSize < 2:
		return fmt.Errorf("population_size must be >= 2, got %d", c.PopulationSize)
	case c.Generations < 0:
		return fmt.Errorf("generations must be >= 0, got %d", c.Generations)
	case c.EliteFraction <= 0 || c.EliteFraction > 1:
		return fmt.Errorf("elite_fraction must be in (0,1], got %v", c.EliteFraction)
	case c.MutationRate < 0 || c.MutationRate > 1:
		return fmt.Errorf("mutation_rate must be in [0,1], got %v", c.MutationRate)
	}
	return nil
}

type individual struct {
	moves []hotstorage.CraneMove
	state *hotstorage.State
	score fitness.Score
	dead  bool
	// evaluated individuals are elites carried over unchanged
	evaluated bool
}

func (ind *individual) fitness() float64 {
	if ind.dead {
		return DeadFitness
	}
	return ind.score.Fitness
}

type Search struct {
	cfg  Config
	eval fitness.Evaluator
}

// New returns a genetic search. The evaluator's Length is forced to the
// chromosome length.
func New(cfg Config, eval fitness.Evaluator) (*Search, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	eval.Length = cfg.ChromosomeLength
	return &Search{cfg: cfg, eval: eval}, nil
}

func (s *Search) Name() string { return Name }

func (s *Search) workers() int {
	if s.cfg.Workers > 0 {
		return s.cfg.Workers
	}
	return runtime.GOMAXPROCS(0)
}

func (s *Search) eliteCount() int {
	n := int(math.Ceil(float64(s.cfg.PopulationSize) * s.cfg.EliteFraction))
	return min(max(n, 1), s.cfg.PopulationSize)
}

// Search runs the generations and returns the best individual of the last
// complete generation. When ctx expires between or during a generation the
// best individual found so far is returned with Truncated set.
func (s *Search) Search(ctx context.Context, origin *hotstorage.State, rng *rand.Rand) (search.Result, error) {
	pop := make([]*individual, s.cfg.PopulationSize)
	for i := range pop {
		end, moves, dead := search.RandomWalk(origin, make([]hotstorage.CraneMove, 0, s.cfg.ChromosomeLength), s.cfg.ChromosomeLength, rng)
		pop[i] = &individual{moves: moves, state: end, dead: dead}
	}

	res := search.Result{}
	// the first generation is always scored so there is a best-so-far
	if err := s.evaluate(context.WithoutCancel(ctx), pop); err != nil {
		return res, fmt.Errorf("initial population: %w", err)
	}
	res.Evaluations += len(pop)
	res.BestPerIteration = append(res.BestPerIteration, best(pop).fitness())

	for gen := 0; gen < s.cfg.Generations; gen++ {
		if ctx.Err() != nil {
			res.Truncated = true
			break
		}
		next, err := s.advance(ctx, origin, pop, rng)
		if err != nil {
			res.Truncated = true
			break
		}
		res.Evaluations += len(next) - s.eliteCount()
		pop = next
		res.Iterations++
		res.BestPerIteration = append(res.BestPerIteration, best(pop).fitness())
	}

	b := best(pop)
	res.Score = b.fitness()
	if b.dead {
		return res, hotstorage.ErrNoLegalMove
	}
	res.Moves = b.moves
	return res, nil
}

// advance builds and evaluates the next generation: elites survive and the
// rest is bred from them.
func (s *Search) advance(ctx context.Context, origin *hotstorage.State, pop []*individual, rng *rand.Rand) ([]*individual, error) {
	ranked := rank(pop)
	elites := ranked[:s.eliteCount()]

	next := make([]*individual, 0, len(pop))
	next = append(next, elites...)

	n := len(pop) - len(elites)
	children := make([]*individual, n)
	rngs := make([]*rand.Rand, n)
	for i := range rngs {
		rngs[i] = search.Fork(rng)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers())
	for i := range children {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			r := rngs[i]
			a, b := pickParents(elites, r)
			child := s.crossover(origin, a, b, r)
			if r.Float64() < s.cfg.MutationRate {
				child = s.mutate(origin, child, r)
			}
			child.score = s.eval.Evaluate(child.state)
			child.evaluated = true
			children[i] = child
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return append(next, children...), nil
}

func (s *Search) evaluate(ctx context.Context, pop []*individual) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers())
	for _, ind := range pop {
		if ind.evaluated {
			continue
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			ind.score = s.eval.Evaluate(ind.state)
			ind.evaluated = true
			return nil
		})
	}
	return g.Wait()
}

// crossover takes each position from either parent with equal probability
// and keeps what applies to the child's state, then tops the child up with a
// random walk.
func (s *Search) crossover(origin *hotstorage.State, a, b *individual, rng *rand.Rand) *individual {
	l := s.cfg.ChromosomeLength
	cur := origin
	moves := make([]hotstorage.CraneMove, 0, l)
	for i := 0; i < l; i++ {
		parent := a
		if rng.IntN(2) == 1 {
			parent = b
		}
		if i >= len(parent.moves) {
			continue
		}
		ok, corrected, next := cur.TryApplyMove(parent.moves[i])
		if !ok {
			continue
		}
		moves = append(moves, corrected)
		cur = next
	}
	end, moves, dead := search.RandomWalk(cur, moves, l-len(moves), rng)
	return &individual{moves: moves, state: end, dead: dead}
}

// mutate discards the moves from a random position on and regenerates them.
func (s *Search) mutate(origin *hotstorage.State, ind *individual, rng *rand.Rand) *individual {
	l := s.cfg.ChromosomeLength
	i := rng.IntN(l)
	if i > len(ind.moves) {
		i = len(ind.moves)
	}
	cur, prefix := origin.ApplyAll(ind.moves[:i])
	moves := make([]hotstorage.CraneMove, len(prefix), l)
	copy(moves, prefix)
	end, moves, dead := search.RandomWalk(cur, moves, l-len(moves), rng)
	return &individual{moves: moves, state: end, dead: dead}
}

func pickParents(elites []*individual, rng *rand.Rand) (*individual, *individual) {
	if len(elites) == 1 {
		return elites[0], elites[0]
	}
	i := rng.IntN(len(elites))
	j := rng.IntN(len(elites) - 1)
	if j >= i {
		j++
	}
	return elites[i], elites[j]
}

// rank orders by fitness, best first; equal fitness keeps population order.
func rank(pop []*individual) []*individual {
	out := make([]*individual, len(pop))
	copy(out, pop)
	sort.SliceStable(out, func(i, j int) bool { return out[i].fitness() > out[j].fitness() })
	return out
}

func best(pop []*individual) *individual {
	b := pop[0]
	for _, ind := range pop[1:] {
		if ind.fitness() > b.fitness() {
			b = ind
		}
	}
	return b
}
