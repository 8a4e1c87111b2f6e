package hotstorage

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidMove is returned when a move cannot be applied to the current
	// state: unknown ids, empty source, full target or a self-move.
	ErrInvalidMove = errors.New("invalid move")
	// ErrNoLegalMove is returned by EnumerateMoves when the state is not
	// solved and no top block can go onto another non-full buffer or, when
	// ready, to the handover. Searches treat it as a dead end.
	ErrNoLegalMove = errors.New("no legal move available")
)

// CraneMove relocates the top block of Source onto Target. Block is the id
// the proposer expected to move; it is corrected at application time.
type CraneMove struct {
	Source int `json:"source"`
	Target int `json:"target"`
	Block  int `json:"block"`
}

func (m CraneMove) String() string {
	return fmt.Sprintf("b%d %d->%d", m.Block, m.Source, m.Target)
}

// SameRoute reports whether both moves use the same source and target.
func (m CraneMove) SameRoute(o CraneMove) bool {
	return m.Source == o.Source && m.Target == o.Target
}

type InvalidMoveError struct {
	Move   CraneMove
	Reason string
}

func (e *InvalidMoveError) Error() string {
	return fmt.Sprintf("invalid move %s: %s", e.Move, e.Reason)
}

func (e *InvalidMoveError) Unwrap() error { return ErrInvalidMove }

// Consolidate folds back-to-back relocations of the same block into a single
// move from its first source to its last target. A chain that ends where it
// started is dropped. Only adjacent moves are merged: an intervening move may
// depend on the intermediate stack.
func Consolidate(moves []CraneMove) []CraneMove {
	out := make([]CraneMove, 0, len(moves))
	for _, m := range moves {
		if n := len(out); n > 0 && out[n-1].Block == m.Block && out[n-1].Target == m.Source {
			out[n-1].Target = m.Target
			if out[n-1].Source == out[n-1].Target {
				out = out[:n-1]
			}
			continue
		}
		out = append(out, m)
	}
	return out
}
