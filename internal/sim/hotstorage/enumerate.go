package hotstorage

// EnumerateMoves lists candidate moves in priority order:
//
//  1. production -> buffer, one per non-full buffer (the first one only when
//     narrowing);
//  2. buffer -> handover for every buffer with a ready block on top;
//  3. dig moves: the non-ready top of a buffer that buries a ready block is
//     relocated to another non-full buffer;
//  4. only when 1-3 found nothing: shuffle moves between buffers without any
//     ready block;
//  5. only when 4 found nothing either: any buffer top onto any other
//     non-full buffer.
//
// With exhaustive=false the branching is narrowed: dig moves prefer targets
// that hold no ready block and fall back to any other non-full buffer, and
// shuffles pick the least filled target per source.
//
// A solved state yields no moves and no error. A state that is not solved
// but has no move yields ErrNoLegalMove.
func (s *State) EnumerateMoves(exhaustive bool) ([]CraneMove, error) {
	if s.IsSolved() {
		return nil, nil
	}

	var notFull []int
	for i := range s.buffers {
		if !s.buffers[i].Full() {
			notFull = append(notFull, i)
		}
	}

	var moves []CraneMove

	if top, ok := s.production.Top(); ok {
		for _, i := range notFull {
			moves = append(moves, CraneMove{Source: s.production.ID, Target: s.buffers[i].ID, Block: top.ID})
			if !exhaustive {
				break
			}
		}
	}

	for i := range s.buffers {
		src := s.buffers[i]
		top, ok := src.Top()
		if !ok || !src.ContainsReady() {
			continue
		}
		if top.Ready {
			moves = append(moves, CraneMove{Source: src.ID, Target: s.handoverID, Block: top.ID})
			continue
		}

		var targets []int
		if exhaustive {
			targets = s.others(notFull, i, nil)
		} else {
			targets = s.others(notFull, i, func(j int) bool { return !s.buffers[j].ContainsReady() })
			if len(targets) == 0 {
				targets = s.others(notFull, i, nil)
			}
		}
		for _, j := range targets {
			moves = append(moves, CraneMove{Source: src.ID, Target: s.buffers[j].ID, Block: top.ID})
		}
	}

	if len(moves) > 0 {
		return moves, nil
	}

	noReady := func(j int) bool { return !s.buffers[j].ContainsReady() }
	moves = s.shuffles(notFull, exhaustive, noReady)
	if len(moves) == 0 {
		moves = s.shuffles(notFull, exhaustive, nil)
	}

	if len(moves) == 0 {
		return nil, ErrNoLegalMove
	}
	return moves, nil
}

// shuffles relocates buffer tops between buffers. keep restricts both the
// sources and the targets (nil allows every buffer). Narrowed, each source
// gets only its least filled target.
func (s *State) shuffles(notFull []int, exhaustive bool, keep func(int) bool) []CraneMove {
	var moves []CraneMove
	for i := range s.buffers {
		src := s.buffers[i]
		top, ok := src.Top()
		if !ok || (keep != nil && !keep(i)) {
			continue
		}
		targets := s.others(notFull, i, keep)
		if !exhaustive && len(targets) > 1 {
			best := targets[0]
			for _, j := range targets[1:] {
				if s.buffers[j].Len() < s.buffers[best].Len() {
					best = j
				}
			}
			targets = []int{best}
		}
		for _, j := range targets {
			moves = append(moves, CraneMove{Source: src.ID, Target: s.buffers[j].ID, Block: top.ID})
		}
	}
	return moves
}

// others filters buffer indexes from candidates, dropping self and those
// rejected by keep (nil keeps everything).
func (s *State) others(candidates []int, self int, keep func(int) bool) []int {
	var out []int
	for _, j := range candidates {
		if j == self {
			continue
		}
		if keep != nil && !keep(j) {
			continue
		}
		out = append(out, j)
	}
	return out
}
