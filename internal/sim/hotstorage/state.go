package hotstorage

import (
	"fmt"
	"strings"

	"dynstack.ai/internal/sim/stack"
)

type history struct {
	move CraneMove
	prev *history
}

// State is an immutable snapshot of the yard: the production (arrival)
// stack, the buffer stacks, the handover id and the moves applied since the
// snapshot was taken. Transitions return a new State; the receiver stays
// valid, so speculative search branches can share one origin.
type State struct {
	now        int64
	production stack.Stack
	buffers    []stack.Stack
	handoverID int
	// handoverReady mirrors the snapshot; moves to the handover are legal
	// either way, only schedule truncation and the rule planner consult it.
	handoverReady bool

	hist      *history
	histLen   int
	handovers int
	// sum of (due - now) over blocks delivered to the handover
	deliveredSlack int64
}

// Layout describes a yard for NewState. Buffers keep their order.
type Layout struct {
	Now           int64
	Production    stack.Stack
	Buffers       []stack.Stack
	HandoverID    int
	HandoverReady bool
}

// MinCapacity is the smallest production or buffer capacity NewState accepts.
const MinCapacity = 2

func NewState(l Layout) (*State, error) {
	if l.Production.Capacity < MinCapacity {
		return nil, fmt.Errorf("production %d: capacity %d", l.Production.ID, l.Production.Capacity)
	}
	seen := map[int]struct{}{l.Production.ID: {}, l.HandoverID: {}}
	if len(seen) != 2 {
		return nil, fmt.Errorf("handover id %d collides with production", l.HandoverID)
	}
	for _, b := range l.Buffers {
		if _, dup := seen[b.ID]; dup {
			return nil, fmt.Errorf("duplicate stack id %d", b.ID)
		}
		seen[b.ID] = struct{}{}
		if b.Capacity < MinCapacity {
			return nil, fmt.Errorf("buffer %d: capacity %d", b.ID, b.Capacity)
		}
	}
	buffers := make([]stack.Stack, len(l.Buffers))
	copy(buffers, l.Buffers)
	return &State{
		now:           l.Now,
		production:    l.Production,
		buffers:       buffers,
		handoverID:    l.HandoverID,
		handoverReady: l.HandoverReady,
	}, nil
}

func (s *State) Now() int64              { return s.now }
func (s *State) Production() stack.Stack { return s.production }
func (s *State) HandoverID() int         { return s.handoverID }
func (s *State) HandoverReady() bool     { return s.handoverReady }
func (s *State) NumBuffers() int         { return len(s.buffers) }

// Buffers returns a copy of the buffer list; the stacks themselves are values.
func (s *State) Buffers() []stack.Stack {
	out := make([]stack.Stack, len(s.buffers))
	copy(out, s.buffers)
	return out
}

func (s *State) Buffer(id int) (stack.Stack, bool) {
	if i := s.bufferIndex(id); i >= 0 {
		return s.buffers[i], true
	}
	return stack.Stack{}, false
}

func (s *State) bufferIndex(id int) int {
	for i := range s.buffers {
		if s.buffers[i].ID == id {
			return i
		}
	}
	return -1
}

// Moves returns the moves applied since the origin state, oldest first.
func (s *State) Moves() []CraneMove {
	out := make([]CraneMove, s.histLen)
	i := s.histLen - 1
	for h := s.hist; h != nil; h = h.prev {
		out[i] = h.move
		i--
	}
	return out
}

// LastMove is the most recently applied move.
func (s *State) LastMove() (CraneMove, bool) {
	if s.hist == nil {
		return CraneMove{}, false
	}
	return s.hist.move, true
}

func (s *State) Depth() int     { return s.histLen }
func (s *State) Handovers() int { return s.handovers }

// DeliveredSlack is the summed remaining time (due - now, ms) of the blocks
// this state delivered. Late deliveries contribute negatively.
func (s *State) DeliveredSlack() int64 { return s.deliveredSlack }

// BufferedBlocks counts blocks held by all buffers.
func (s *State) BufferedBlocks() int {
	n := 0
	for _, b := range s.buffers {
		n += b.Len()
	}
	return n
}

func (s *State) IsSolved() bool {
	if !s.production.Empty() {
		return false
	}
	for _, b := range s.buffers {
		if !b.Empty() {
			return false
		}
	}
	return true
}

func (s *State) IsValidSource(id int) bool {
	if id == s.production.ID {
		return !s.production.Empty()
	}
	if i := s.bufferIndex(id); i >= 0 {
		return !s.buffers[i].Empty()
	}
	return false
}

// IsValidTarget is true for a non-full buffer and for the handover, which
// takes blocks out of the yard immediately.
func (s *State) IsValidTarget(id int) bool {
	if id == s.handoverID {
		return true
	}
	if i := s.bufferIndex(id); i >= 0 {
		return !s.buffers[i].Full()
	}
	return false
}

func (s *State) check(m CraneMove) error {
	switch {
	case m.Source == m.Target:
		return &InvalidMoveError{Move: m, Reason: "source equals target"}
	case !s.IsValidSource(m.Source):
		return &InvalidMoveError{Move: m, Reason: "source empty or not a source stack"}
	case !s.IsValidTarget(m.Target):
		return &InvalidMoveError{Move: m, Reason: "target full or not a target stack"}
	}
	return nil
}

// Apply moves the top block of the source onto the target and records the
// move (with the block id of the block that actually moved).
func (s *State) Apply(m CraneMove) (*State, error) {
	if err := s.check(m); err != nil {
		return nil, err
	}

	next := *s
	owned := false
	own := func() {
		if !owned {
			next.buffers = make([]stack.Stack, len(s.buffers))
			copy(next.buffers, s.buffers)
			owned = true
		}
	}

	var block stack.Block
	if m.Source == s.production.ID {
		next.production, block, _ = s.production.Pop()
	} else {
		own()
		i := s.bufferIndex(m.Source)
		next.buffers[i], block, _ = s.buffers[i].Pop()
	}

	if m.Target == s.handoverID {
		next.handovers++
		next.deliveredSlack += block.Due - s.now
	} else {
		own()
		i := s.bufferIndex(m.Target)
		var err error
		if next.buffers[i], err = next.buffers[i].Push(block); err != nil {
			return nil, &InvalidMoveError{Move: m, Reason: err.Error()}
		}
	}

	m.Block = block.ID
	next.hist = &history{move: m, prev: s.hist}
	next.histLen = s.histLen + 1
	return &next, nil
}

// TryApplyMove validates m against this state and applies it with the block
// id corrected to the block actually on top of the source. It never fails
// loudly; ok is false when the move is not applicable here.
func (s *State) TryApplyMove(m CraneMove) (ok bool, corrected CraneMove, next *State) {
	if s.check(m) != nil {
		return false, m, s
	}
	next, err := s.Apply(m)
	if err != nil {
		return false, m, s
	}
	return true, next.hist.move, next
}

// ApplyAll applies moves best-effort: invalid moves are skipped and the rest
// of the batch continues. The applied moves are returned in order.
func (s *State) ApplyAll(moves []CraneMove) (*State, []CraneMove) {
	cur := s
	applied := make([]CraneMove, 0, len(moves))
	for _, m := range moves {
		next, err := cur.Apply(m)
		if err != nil {
			continue
		}
		applied = append(applied, next.hist.move)
		cur = next
	}
	return cur, applied
}

// Rebase returns a copy of the state with an empty move history, used when a
// reached state becomes the origin of a new search.
func (s *State) Rebase() *State {
	next := *s
	next.hist = nil
	next.histLen = 0
	next.handovers = 0
	next.deliveredSlack = 0
	return &next
}

func (s *State) String() string {
	var b strings.Builder
	writeStack := func(name string, st stack.Stack) {
		fmt.Fprintf(&b, "%s %d (%d/%d):", name, st.ID, st.Len(), st.Capacity)
		for _, blk := range st.BottomToTop() {
			r := "N"
			if blk.Ready {
				r = "R"
			}
			fmt.Fprintf(&b, " B%d:%s", blk.ID, r)
		}
		b.WriteByte('\n')
	}
	writeStack("production", s.production)
	for _, buf := range s.buffers {
		writeStack("buffer", buf)
	}
	fmt.Fprintf(&b, "handover %d, %d moves", s.handoverID, s.histLen)
	return b.String()
}
