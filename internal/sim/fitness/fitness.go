// Package fitness scores yards reached by candidate move sequences.
//
// Evaluator is the sequence-level fitness used by the genetic search. The
// per-move and per-state rewards in reward.go drive the beam search.
package fitness

import (
	"math"
	"sort"

	"dynstack.ai/internal/sim/hotstorage"
	"dynstack.ai/internal/sim/stack"
)

// Weights of the sub-scores. A weight <= 0 disables its sub-score; the
// remaining weights are normalised to sum to 1.
type Weights struct {
	Arrival   float64 `json:"arrival" yaml:"arrival"`
	Handover  float64 `json:"handover" yaml:"handover"`
	OverReady float64 `json:"over_ready" yaml:"over_ready"`
	DueOrder  float64 `json:"due_order" yaml:"due_order"`
}

func DefaultWeights() Weights {
	return Weights{Arrival: 0.4, Handover: 0.4, OverReady: 0.2}
}

// Normalized returns the weights scaled to sum to 1. Negative weights count
// as 0; all-zero weights fall back to the defaults.
func (w Weights) Normalized() Weights {
	w.Arrival = math.Max(w.Arrival, 0)
	w.Handover = math.Max(w.Handover, 0)
	w.OverReady = math.Max(w.OverReady, 0)
	w.DueOrder = math.Max(w.DueOrder, 0)
	sum := w.Arrival + w.Handover + w.OverReady + w.DueOrder
	if sum == 0 {
		return DefaultWeights().Normalized()
	}
	return Weights{
		Arrival:   w.Arrival / sum,
		Handover:  w.Handover / sum,
		OverReady: w.OverReady / sum,
		DueOrder:  w.DueOrder / sum,
	}
}

// ArrivalStep maps production fill ratios above Above (or at Above when
// Inclusive) to Score. Steps are checked in order; the first match wins.
type ArrivalStep struct {
	Above     float64 `json:"above" yaml:"above"`
	Inclusive bool    `json:"inclusive,omitempty" yaml:"inclusive,omitempty"`
	Score     float64 `json:"score" yaml:"score"`
}

func DefaultArrivalTable() []ArrivalStep {
	return []ArrivalStep{
		{Above: 0.75, Score: 0.8},
		{Above: 0.5, Score: 1.0},
		{Above: 0.25, Inclusive: true, Score: 0.5},
	}
}

const DefaultDueSigma = 1.0

// Score holds the sub-scores (each in [0,1]) and their weighted sum.
type Score struct {
	Arrival   float64 `json:"arrival"`
	Handover  float64 `json:"handover"`
	OverReady float64 `json:"over_ready"`
	DueOrder  float64 `json:"due_order"`
	Fitness   float64 `json:"fitness"`
}

// Evaluator rates the state reached after a sequence of Length moves. It is a
// pure function of its configuration and the state.
type Evaluator struct {
	Weights      Weights
	ArrivalTable []ArrivalStep
	Length       int
	// DueSigma is the standard deviation (in ranks) of the due-order falloff.
	DueSigma float64
}

func NewEvaluator(w Weights, table []ArrivalStep, length int, sigma float64) Evaluator {
	if len(table) == 0 {
		table = DefaultArrivalTable()
	}
	if sigma <= 0 {
		sigma = DefaultDueSigma
	}
	return Evaluator{Weights: w.Normalized(), ArrivalTable: table, Length: length, DueSigma: sigma}
}

func (e Evaluator) Evaluate(s *hotstorage.State) Score {
	w := e.Weights
	var sc Score
	sc.Arrival = e.arrival(s.Production())
	sc.Handover = e.handover(s.Handovers())
	sc.OverReady = OverReady(s.Buffers())
	if w.DueOrder > 0 {
		sc.DueOrder = DueOrder(s.Buffers(), e.sigma())
	}
	sc.Fitness = w.Arrival*sc.Arrival + w.Handover*sc.Handover + w.OverReady*sc.OverReady + w.DueOrder*sc.DueOrder
	return sc
}

func (e Evaluator) sigma() float64 {
	if e.DueSigma <= 0 {
		return DefaultDueSigma
	}
	return e.DueSigma
}

func (e Evaluator) arrival(prod stack.Stack) float64 {
	if prod.Capacity <= 0 {
		return 0
	}
	f := float64(prod.Len()) / float64(prod.Capacity)
	table := e.ArrivalTable
	if len(table) == 0 {
		table = DefaultArrivalTable()
	}
	for _, st := range table {
		if f > st.Above || (st.Inclusive && f == st.Above) {
			return clamp01(st.Score)
		}
	}
	return 0
}

func (e Evaluator) handover(n int) float64 {
	if e.Length <= 0 {
		return 0
	}
	return clamp01(float64(n) / float64(e.Length))
}

// OverReady is 1 - (blocks stacked above a ready block / buffered blocks).
// Empty buffers score 1.
func OverReady(buffers []stack.Stack) float64 {
	var above, total int
	for _, b := range buffers {
		above += b.BlocksAboveReady()
		total += b.Len()
	}
	if total == 0 {
		return 1
	}
	return 1 - float64(above)/float64(total)
}

// DueOrder compares each buffer's top-to-bottom order with the ideal order
// (earliest due on top). Every position scores exp(-d²/2σ²) where d is its
// distance from the ideal rank; scores are averaged per buffer, then across
// non-empty buffers. No non-empty buffer scores 1.
func DueOrder(buffers []stack.Stack, sigma float64) float64 {
	var sum float64
	var n int
	for _, b := range buffers {
		if b.Empty() {
			continue
		}
		n++
		if b.Len() == 1 || b.IsSorted() {
			sum++
			continue
		}
		blocks := b.TopToBottom()
		ideal := make([]int, len(blocks))
		for i := range ideal {
			ideal[i] = i
		}
		sort.SliceStable(ideal, func(i, j int) bool { return blocks[ideal[i]].Due < blocks[ideal[j]].Due })
		rank := make([]int, len(blocks))
		for r, pos := range ideal {
			rank[pos] = r
		}
		var bs float64
		for pos := range blocks {
			d := float64(pos - rank[pos])
			bs += math.Exp(-d * d / (2 * sigma * sigma))
		}
		sum += bs / float64(len(blocks))
	}
	if n == 0 {
		return 1
	}
	return sum / float64(n)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
