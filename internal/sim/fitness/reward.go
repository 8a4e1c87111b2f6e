package fitness

import (
	"math"
	"sort"

	"dynstack.ai/internal/sim/hotstorage"
)

// Reward constants of the beam heuristic.
const (
	HandoverReward = 500.0

	productionBase      = 15.0
	productionFull      = 600.0
	productionHigh      = 150.0
	productionMid       = 25.0
	productionOnReady   = -100.0
	productionOnBuried  = -25.0
	bufferClearTarget   = 20.0
	bufferOnReady       = -100.0
	bufferOnBuried      = -30.0
	bufferOnUrgent      = -10.0
	bufferBuries        = -20.0
	bufferDigs          = 40.0
	bufferDigPerSlot    = 10.0
	bufferExposesReady  = 100.0
	urgentWindowMs      = 5 * 60_000
	buriedPenaltyPerBlk = 10.0
	balanceReward       = 10.0
	freeProductionSlot  = 10.0
)

// MoveReward is the incremental heuristic value of applying m to s. Moves that
// cannot be applied score -Inf.
func MoveReward(s *hotstorage.State, m hotstorage.CraneMove) float64 {
	next, err := s.Apply(m)
	if err != nil {
		return math.Inf(-1)
	}
	if m.Target == s.HandoverID() {
		return HandoverReward
	}

	oldTarget, _ := s.Buffer(m.Target)
	newTarget, _ := next.Buffer(m.Target)

	var r float64
	if m.Source == s.Production().ID {
		prod := s.Production()
		r += productionBase
		switch fill := float64(prod.Len()) / float64(prod.Capacity); {
		case fill >= 1:
			r += productionFull
		case fill >= 0.75:
			r += productionHigh
		case fill > 0.25:
			r += productionMid
		}
		if oldTarget.ContainsReady() {
			if top, _ := oldTarget.Top(); top.Ready {
				r += productionOnReady
			} else {
				r += productionOnBuried
			}
		}
		return r
	}

	oldSource, _ := s.Buffer(m.Source)
	newSource, _ := next.Buffer(m.Source)

	if !oldTarget.ContainsReady() {
		r += bufferClearTarget
	} else if top, _ := oldTarget.Top(); top.Ready {
		r += bufferOnReady
	} else {
		r += bufferOnBuried
	}
	if oldTarget.ContainsDueBefore(s.Now() + urgentWindowMs) {
		r += bufferOnUrgent
	}
	if oldTarget.BlocksAboveReady() < newTarget.BlocksAboveReady() {
		r += bufferBuries
	}
	if oldSource.BlocksAboveReady() > newSource.BlocksAboveReady() {
		r += bufferDigs
	}
	if oldSource.ContainsReady() {
		r += float64(oldSource.Capacity-oldSource.BlocksAboveReady()) * bufferDigPerSlot
	}
	if top, ok := newSource.Top(); ok && top.Ready {
		r += bufferExposesReady
	}
	return r
}

// StateReward rates a whole state; beam search uses it to break ties between
// branches with equal accumulated move reward. It rewards deliveries and
// their remaining slack (in seconds), free production slots and evenly
// filled buffers, and penalises blocks buried above ready ones.
func StateReward(s *hotstorage.State) float64 {
	var r float64
	buffers := s.Buffers()
	fills := make([]float64, 0, len(buffers))
	for _, b := range buffers {
		fills = append(fills, float64(b.Len()))
		if b.ContainsReady() {
			r -= buriedPenaltyPerBlk * float64(b.BlocksAboveReady())
		}
	}
	if len(buffers) > 0 {
		if maxDev := stdDev([]float64{0, float64(buffers[0].Capacity)}); maxDev > 0 {
			r += (1 - stdDev(fills)/maxDev) * balanceReward
		}
	}
	prod := s.Production()
	r += freeProductionSlot * float64(prod.Capacity-prod.Len())
	r += HandoverReward * float64(s.Handovers())
	r += float64(s.DeliveredSlack()) / 1000
	return r
}

// stdDev is the population standard deviation; fewer than two values give 0.
func stdDev(vs []float64) float64 {
	if len(vs) < 2 {
		return 0
	}
	var mean float64
	for _, v := range vs {
		mean += v
	}
	mean /= float64(len(vs))
	var sq float64
	for _, v := range vs {
		sq += (v - mean) * (v - mean)
	}
	return math.Sqrt(sq / float64(len(vs)))
}

// TopMoves returns up to k moves of the narrowed enumeration ranked by
// MoveReward, best first. Ties keep enumeration order.
func TopMoves(s *hotstorage.State, k int) ([]RankedMove, error) {
	moves, err := s.EnumerateMoves(false)
	if err != nil {
		return nil, err
	}
	ranked := make([]RankedMove, 0, len(moves))
	for _, m := range moves {
		r := MoveReward(s, m)
		if math.IsInf(r, -1) {
			continue
		}
		ranked = append(ranked, RankedMove{Move: m, Reward: r})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Reward > ranked[j].Reward })
	if k > 0 && len(ranked) > k {
		ranked = ranked[:k]
	}
	return ranked, nil
}

type RankedMove struct {
	Move   hotstorage.CraneMove
	Reward float64
}
