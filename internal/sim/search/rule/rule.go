// Package rule is a single-move planner driven by fixed priorities. It is
// cheap enough to serve as the fallback when a search produces nothing.
package rule

import (
	"context"
	"fmt"
	"math/rand/v2"

	"dynstack.ai/internal/sim/hotstorage"
	"dynstack.ai/internal/sim/search"
	"dynstack.ai/internal/sim/stack"
)

const Name = "rule"

type Config struct {
	// DepositionWeight splits a buffer's deposition score between how few
	// ready blocks it holds and how late its blocks are due.
	DepositionWeight float64
	// ArrivalLimit is the production utilisation above which clearing the
	// production stack takes precedence over shuffling.
	ArrivalLimit float64
}

func DefaultConfig() Config {
	return Config{DepositionWeight: 0.8, ArrivalLimit: 0.5}
}

func (c Config) validate() error {
	if c.DepositionWeight < 0 || c.DepositionWeight > 1 {
		return fmt.Errorf("deposition_weight must be in [0,1], got %v", c.DepositionWeight)
	}
	if c.ArrivalLimit < 0 || c.ArrivalLimit > 1 {
		return fmt.Errorf("arrival_limit must be in [0,1], got %v", c.ArrivalLimit)
	}
	return nil
}

type Planner struct {
	cfg Config
}

func New(cfg Config) (*Planner, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Planner{cfg: cfg}, nil
}

func (p *Planner) Name() string { return Name }

func (p *Planner) Search(_ context.Context, origin *hotstorage.State, _ *rand.Rand) (search.Result, error) {
	m, ok := p.Next(origin)
	if !ok {
		return search.Result{Iterations: 1}, nil
	}
	return search.Result{Moves: []hotstorage.CraneMove{m}, Iterations: 1, Evaluations: 1}, nil
}

// Next picks one move:
//
//  1. a ready block on top of a buffer goes to the handover when it is ready;
//  2. when production free space drops below capacity*ArrivalLimit+1, its
//     top block goes to the buffer with the best deposition score;
//  3. otherwise, if any buffer holds a ready block, the top of the buffer with
//     the best ready score moves to the best other deposition buffer.
//
// Overdue blocks are not treated as ready.
func (p *Planner) Next(st *hotstorage.State) (hotstorage.CraneMove, bool) {
	now := st.Now()
	buffers := st.Buffers()
	ready := func(b stack.Block) bool { return b.Ready && b.Due > now }

	if st.HandoverReady() {
		for _, b := range buffers {
			if top, ok := b.Top(); ok && ready(top) {
				return hotstorage.CraneMove{Source: b.ID, Target: st.HandoverID(), Block: top.ID}, true
			}
		}
	}

	minDue, maxDue := dueRange(buffers)
	deposition := func(b stack.Stack) float64 {
		return p.depositionScore(b, ready, minDue, maxDue)
	}

	prod := st.Production()
	free := float64(prod.Capacity - prod.Len())
	if top, ok := prod.Top(); ok && free < float64(prod.Capacity)*p.cfg.ArrivalLimit+1 {
		if dst, ok := bestBy(buffers, -1, deposition); ok {
			return hotstorage.CraneMove{Source: prod.ID, Target: dst.ID, Block: top.ID}, true
		}
	}

	anyReady := false
	for _, b := range buffers {
		for _, blk := range b.TopToBottom() {
			if ready(blk) {
				anyReady = true
				break
			}
		}
	}
	if !anyReady {
		return hotstorage.CraneMove{}, false
	}
	src, ok := bestBy(buffers, -1, func(b stack.Stack) float64 { return readyScore(b, ready) })
	if !ok {
		return hotstorage.CraneMove{}, false
	}
	dst, ok := bestBy(buffers, src.ID, deposition)
	if !ok {
		return hotstorage.CraneMove{}, false
	}
	top, _ := src.Top()
	return hotstorage.CraneMove{Source: src.ID, Target: dst.ID, Block: top.ID}, true
}

// depositionScore is 1 for an empty buffer, 0 for a full one and otherwise
// w/(ready+1) + (1-w)*normalised average due.
func (p *Planner) depositionScore(b stack.Stack, ready func(stack.Block) bool, minDue, maxDue int64) float64 {
	switch {
	case b.Full():
		return 0
	case b.Empty():
		return 1
	}
	var nReady int
	var sum float64
	for _, blk := range b.TopToBottom() {
		if ready(blk) {
			nReady++
		}
		sum += float64(blk.Due)
	}
	avg := sum / float64(b.Len())
	var dueScore float64
	if maxDue > minDue {
		dueScore = (avg - float64(minDue)) / float64(maxDue-minDue)
	}
	w := p.cfg.DepositionWeight
	return w/float64(nReady+1) + (1-w)*dueScore
}

// readyScore favours buffers holding many ready blocks close to the top:
// ready count divided by the mean depth of the ready blocks.
func readyScore(b stack.Stack, ready func(stack.Block) bool) float64 {
	var n, depth int
	for i, blk := range b.TopToBottom() {
		if ready(blk) {
			n++
			depth += i + 2
		}
	}
	if n == 0 {
		return 0
	}
	return float64(n) / (float64(depth) / float64(n))
}

func dueRange(buffers []stack.Stack) (lo, hi int64) {
	first := true
	for _, b := range buffers {
		for _, blk := range b.TopToBottom() {
			if first || blk.Due < lo {
				lo = blk.Due
			}
			if first || blk.Due > hi {
				hi = blk.Due
			}
			first = false
		}
	}
	return lo, hi
}

// bestBy returns the first buffer with the highest positive score, skipping
// the buffer with id skip.
func bestBy(buffers []stack.Stack, skip int, score func(stack.Stack) float64) (stack.Stack, bool) {
	var best stack.Stack
	bestScore := 0.0
	found := false
	for _, b := range buffers {
		if b.ID == skip {
			continue
		}
		if s := score(b); s > bestScore {
			best, bestScore, found = b, s, true
		}
	}
	return best, found
}
