package stack

import "errors"

var (
	ErrFull  = errors.New("stack full")
	ErrEmpty = errors.New("stack empty")
)

// Block is a unit of cargo. Due is a timestamp in milliseconds.
type Block struct {
	ID    int
	Ready bool
	Due   int64
}

type node struct {
	block Block
	next  *node
}

// Stack is a capacity-bounded LIFO of blocks.
//
// Stacks are persistent: Push and Pop return new values that share the
// unchanged part of the list with the receiver, so a Stack can be copied
// freely and never observes changes made through another copy.
type Stack struct {
	ID       int
	Capacity int

	top *node
	n   int
}

// New builds a stack from blocks listed bottom to top.
func New(id, capacity int, bottomToTop []Block) (Stack, error) {
	s := Stack{ID: id, Capacity: capacity}
	if len(bottomToTop) > capacity {
		return s, ErrFull
	}
	for _, b := range bottomToTop {
		s.top = &node{block: b, next: s.top}
		s.n++
	}
	return s, nil
}

func (s Stack) Len() int    { return s.n }
func (s Stack) Empty() bool { return s.n == 0 }
func (s Stack) Full() bool  { return s.n >= s.Capacity }

// Top returns the top block; ok is false for an empty stack.
func (s Stack) Top() (Block, bool) {
	if s.top == nil {
		return Block{}, false
	}
	return s.top.block, true
}

func (s Stack) Push(b Block) (Stack, error) {
	if s.Full() {
		return s, ErrFull
	}
	s.top = &node{block: b, next: s.top}
	s.n++
	return s, nil
}

func (s Stack) Pop() (Stack, Block, error) {
	if s.top == nil {
		return s, Block{}, ErrEmpty
	}
	b := s.top.block
	s.top = s.top.next
	s.n--
	return s, b, nil
}

// TopToBottom returns a fresh slice of the blocks, top first.
func (s Stack) TopToBottom() []Block {
	out := make([]Block, 0, s.n)
	for it := s.top; it != nil; it = it.next {
		out = append(out, it.block)
	}
	return out
}

// BottomToTop returns a fresh slice of the blocks, bottom first.
func (s Stack) BottomToTop() []Block {
	out := make([]Block, s.n)
	i := s.n - 1
	for it := s.top; it != nil; it = it.next {
		out[i] = it.block
		i--
	}
	return out
}

func (s Stack) ContainsReady() bool {
	for it := s.top; it != nil; it = it.next {
		if it.block.Ready {
			return true
		}
	}
	return false
}

// BlocksAboveReady counts the non-ready blocks stacked on top of the topmost
// ready block. Stacks without a ready block report 0.
func (s Stack) BlocksAboveReady() int {
	above := 0
	for it := s.top; it != nil; it = it.next {
		if it.block.Ready {
			return above
		}
		above++
	}
	return 0
}

// ContainsDueBefore reports whether any block is due strictly before due.
func (s Stack) ContainsDueBefore(due int64) bool {
	for it := s.top; it != nil; it = it.next {
		if it.block.Due < due {
			return true
		}
	}
	return false
}

// IsSorted reports whether due times strictly increase from top to bottom,
// i.e. the block that must leave first is always on top. An empty stack is
// not considered sorted so that searches do not favour emptying buffers.
func (s Stack) IsSorted() bool {
	if s.top == nil {
		return false
	}
	for it := s.top; it.next != nil; it = it.next {
		if it.next.block.Due <= it.block.Due {
			return false
		}
	}
	return true
}

// Equal compares identity, capacity and content.
func (s Stack) Equal(o Stack) bool {
	if s.ID != o.ID || s.Capacity != o.Capacity || s.n != o.n {
		return false
	}
	a, b := s.top, o.top
	for a != nil && b != nil {
		if a == b {
			return true
		}
		if a.block != b.block {
			return false
		}
		a, b = a.next, b.next
	}
	return a == nil && b == nil
}
