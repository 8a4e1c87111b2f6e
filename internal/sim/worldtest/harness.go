package worldtest

import (
	"math/rand/v2"
	"testing"

	"dynstack.ai/internal/protocol"
	"dynstack.ai/internal/sim/hotstorage"
	"dynstack.ai/internal/sim/stack"
)

// Builder assembles yards for tests with the simulator's id convention:
// production is stack 0, buffers are numbered from 1 and the handover takes
// the next id after the last buffer.
//
//	st := worldtest.New(t).Production(4, worldtest.N(1)).Buffer(2).State()
type Builder struct {
	T testing.TB

	now       int64
	prodCap   int
	prod      []stack.Block
	bufCaps   []int
	bufs      [][]stack.Block
	handover  *stack.Block
	hoReady   bool
	pending   []protocol.CraneMove
	craneLoad *stack.Block
	kpis      map[string]float64
}

func New(t testing.TB) *Builder {
	return &Builder{T: t, prodCap: 4, hoReady: true}
}

// R is a ready block, N a non-ready one. Due defaults to 10 minutes.
func R(id int) stack.Block { return stack.Block{ID: id, Ready: true, Due: 600_000} }
func N(id int) stack.Block { return stack.Block{ID: id, Due: 600_000} }

// Due returns b with a different due time.
func Due(b stack.Block, due int64) stack.Block {
	b.Due = due
	return b
}

func (b *Builder) Now(ms int64) *Builder { b.now = ms; return b }

func (b *Builder) Production(capacity int, bottomToTop ...stack.Block) *Builder {
	b.prodCap = capacity
	b.prod = bottomToTop
	return b
}

func (b *Builder) Buffer(capacity int, bottomToTop ...stack.Block) *Builder {
	b.bufCaps = append(b.bufCaps, capacity)
	b.bufs = append(b.bufs, bottomToTop)
	return b
}

func (b *Builder) HandoverBlock(blk stack.Block) *Builder { b.handover = &blk; return b }
func (b *Builder) HandoverReady(ready bool) *Builder    { b.hoReady = ready; return b }
func (b *Builder) Pending(m ...protocol.CraneMove) *Builder {
	b.pending = append(b.pending, m...)
	return b
}
func (b *Builder) CraneLoad(blk stack.Block) *Builder { b.craneLoad = &blk; return b }
func (b *Builder) KPI(name string, v float64) *Builder {
	if b.kpis == nil {
		b.kpis = map[string]float64{}
	}
	b.kpis[name] = v
	return b
}

func (b *Builder) HandoverID() int { return len(b.bufs) + 1 }

func (b *Builder) State() *hotstorage.State {
	b.T.Helper()
	prod, err := stack.New(0, b.prodCap, b.prod)
	if err != nil {
		b.T.Fatalf("production: %v", err)
	}
	bufs := make([]stack.Stack, len(b.bufs))
	for i := range b.bufs {
		bufs[i], err = stack.New(i+1, b.bufCaps[i], b.bufs[i])
		if err != nil {
			b.T.Fatalf("buffer %d: %v", i+1, err)
		}
	}
	st, err := hotstorage.NewState(hotstorage.Layout{
		Now:           b.now,
		Production:    prod,
		Buffers:       bufs,
		HandoverID:    b.HandoverID(),
		HandoverReady: b.hoReady,
	})
	if err != nil {
		b.T.Fatalf("NewState: %v", err)
	}
	return st
}

// World renders the builder as a decoded wire snapshot.
func (b *Builder) World() protocol.World {
	w := protocol.World{
		NowMs: b.now,
		Production: &protocol.Stack{
			ID:          0,
			MaxHeight:   b.prodCap,
			BottomToTop: toWire(b.prod),
		},
		Buffers: make([]protocol.Stack, 0, len(b.bufs)),
		Handover: &protocol.Handover{
			ID:    b.HandoverID(),
			Ready: b.hoReady,
		},
		Crane: protocol.Crane{
			Schedule: protocol.CraneSchedule{Moves: b.pending},
		},
		KPIs: b.kpis,
	}
	for i := range b.bufs {
		w.Buffers = append(w.Buffers, protocol.Stack{ID: i + 1, MaxHeight: b.bufCaps[i], BottomToTop: toWire(b.bufs[i])})
	}
	if b.handover != nil {
		blk := toWire([]stack.Block{*b.handover})[0]
		w.Handover.Block = &blk
	}
	if b.craneLoad != nil {
		blk := toWire([]stack.Block{*b.craneLoad})[0]
		w.Crane.Load = &blk
	}
	return w
}

func toWire(blocks []stack.Block) []protocol.Block {
	out := make([]protocol.Block, 0, len(blocks))
	for _, blk := range blocks {
		out = append(out, protocol.Block{ID: blk.ID, Ready: blk.Ready, DueMs: blk.Due})
	}
	return out
}

// RandomConfig bounds Random yards.
type RandomConfig struct {
	Buffers     int
	BufferCap   int
	ProdCap     int
	ReadyChance float64
}

// Random fills a yard with uniformly random content; capacities are respected
// so the result is always a valid state.
func Random(t testing.TB, rng *rand.Rand, cfg RandomConfig) *Builder {
	t.Helper()
	b := New(t).Now(0)
	id := 1
	next := func() stack.Block {
		blk := stack.Block{ID: id, Ready: rng.Float64() < cfg.ReadyChance, Due: int64(rng.IntN(1_200_000))}
		id++
		return blk
	}
	var prod []stack.Block
	for n := rng.IntN(cfg.ProdCap + 1); n > 0; n-- {
		prod = append(prod, next())
	}
	b.Production(cfg.ProdCap, prod...)
	for i := 0; i < cfg.Buffers; i++ {
		var blocks []stack.Block
		for n := rng.IntN(cfg.BufferCap + 1); n > 0; n-- {
			blocks = append(blocks, next())
		}
		b.Buffer(cfg.BufferCap, blocks...)
	}
	return b
}
