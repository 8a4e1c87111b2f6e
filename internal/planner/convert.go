package planner

import (
	"fmt"

	"dynstack.ai/internal/protocol"
	"dynstack.ai/internal/sim/hotstorage"
	"dynstack.ai/internal/sim/stack"
)

// StateFromWorld builds the engine state for a snapshot. Missing sections or
// inconsistent stacks are reported as ErrMalformedSnapshot.
func StateFromWorld(w protocol.World) (*hotstorage.State, error) {
	switch {
	case w.Production == nil:
		return nil, fmt.Errorf("%w: no production stack", ErrMalformedSnapshot)
	case w.Buffers == nil:
		return nil, fmt.Errorf("%w: no buffer list", ErrMalformedSnapshot)
	case w.Handover == nil:
		return nil, fmt.Errorf("%w: no handover", ErrMalformedSnapshot)
	}

	prod, err := toStack(*w.Production)
	if err != nil {
		return nil, err
	}
	buffers := make([]stack.Stack, 0, len(w.Buffers))
	for _, b := range w.Buffers {
		s, err := toStack(b)
		if err != nil {
			return nil, err
		}
		buffers = append(buffers, s)
	}
	st, err := hotstorage.NewState(hotstorage.Layout{
		Now:           w.NowMs,
		Production:    prod,
		Buffers:       buffers,
		HandoverID:    w.Handover.ID,
		HandoverReady: w.Handover.Ready,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSnapshot, err)
	}
	return st, nil
}

func toStack(s protocol.Stack) (stack.Stack, error) {
	blocks := make([]stack.Block, 0, len(s.BottomToTop))
	for _, b := range s.BottomToTop {
		blocks = append(blocks, stack.Block{ID: b.ID, Ready: b.Ready, Due: b.DueMs})
	}
	st, err := stack.New(s.ID, s.MaxHeight, blocks)
	if err != nil {
		return st, fmt.Errorf("%w: stack %d holds %d blocks, max height %d", ErrMalformedSnapshot, s.ID, len(blocks), s.MaxHeight)
	}
	return st, nil
}

func toWire(moves []hotstorage.CraneMove) []protocol.CraneMove {
	out := make([]protocol.CraneMove, 0, len(moves))
	for _, m := range moves {
		out = append(out, protocol.CraneMove{SourceID: m.Source, TargetID: m.Target, BlockID: m.Block})
	}
	return out
}

// FromWire converts scheduled moves back to engine moves.
func FromWire(moves []protocol.CraneMove) []hotstorage.CraneMove {
	out := make([]hotstorage.CraneMove, 0, len(moves))
	for _, m := range moves {
		out = append(out, hotstorage.CraneMove{Source: m.SourceID, Target: m.TargetID, Block: m.BlockID})
	}
	return out
}
