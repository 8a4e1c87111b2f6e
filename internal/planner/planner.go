// Package planner turns world snapshots into short crane schedules.
package planner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"dynstack.ai/internal/metrics"
	"dynstack.ai/internal/protocol"
	"dynstack.ai/internal/sim/encoding"
	"dynstack.ai/internal/sim/fitness"
	"dynstack.ai/internal/sim/hotstorage"
	"dynstack.ai/internal/sim/search"
	"dynstack.ai/internal/sim/search/beam"
	"dynstack.ai/internal/sim/search/genetic"
	"dynstack.ai/internal/sim/search/rule"
	"dynstack.ai/internal/sim/tuning"
)

var (
	// ErrMalformedSnapshot means required sections are missing or
	// inconsistent. No plan is produced.
	ErrMalformedSnapshot = errors.New("malformed snapshot")
	// ErrSchedulePending means the crane still has moves to execute. No plan
	// is produced.
	ErrSchedulePending = errors.New("schedule already pending")
)

// Outcome labels used for metrics and records.
const (
	OutcomePlanned   = "planned"
	OutcomeNoPlan    = "no_plan"
	OutcomePending   = "pending"
	OutcomeMalformed = "malformed"
	OutcomeCorrected = "corrected"
	OutcomeError     = "error"
)

// Record describes one planning call. Sinks persist it.
type Record struct {
	SessionID    string                 `json:"session_id"`
	Seq          int                    `json:"seq"`
	WorldNowMs   int64                  `json:"world_now_ms"`
	Strategy     string                 `json:"strategy"`
	Outcome      string                 `json:"outcome"`
	Moves        []hotstorage.CraneMove `json:"moves,omitempty"`
	Encoded      string                 `json:"encoded,omitempty"`
	Score        float64                `json:"score"`
	ElapsedMs    int64                  `json:"elapsed_ms"`
	Iterations   int                    `json:"iterations"`
	Evaluations  int                    `json:"evaluations"`
	Fallback     bool                   `json:"fallback,omitempty"`
	Truncated    bool                   `json:"truncated,omitempty"`
	TuningDigest string                 `json:"tuning_digest"`
	KPIs         map[string]float64     `json:"kpis,omitempty"`
}

// Sink receives a Record after every planning call, on the planning
// goroutine. Implementations should return quickly.
type Sink interface {
	RecordPlan(Record)
}

// Decision is the full result of Plan.
type Decision struct {
	Schedule *protocol.CraneSchedule
	Record   Record
}

type Planner struct {
	store    *tuning.Store
	log      *zap.Logger
	sinks    []Sink
	session  string
	strategy string

	mu    sync.Mutex
	seq   int
	calls uint64
}

type Option func(*Planner)

// WithStrategy overrides planner.strategy from the tuning.
func WithStrategy(name string) Option {
	return func(p *Planner) { p.strategy = name }
}

func WithSink(s Sink) Option {
	return func(p *Planner) {
		if s != nil {
			p.sinks = append(p.sinks, s)
		}
	}
}

func WithSession(id string) Option {
	return func(p *Planner) { p.session = id }
}

func New(store *tuning.Store, log *zap.Logger, opts ...Option) (*Planner, error) {
	if log == nil {
		log = zap.NewNop()
	}
	p := &Planner{store: store, log: log}
	for _, o := range opts {
		o(p)
	}
	if p.strategy != "" {
		switch p.strategy {
		case tuning.StrategyGenetic, tuning.StrategyBeam, tuning.StrategyRule:
		default:
			return nil, fmt.Errorf("unknown strategy %q", p.strategy)
		}
	}
	return p, nil
}

// Strategy is the strategy the next call will use.
func (p *Planner) Strategy() string {
	if p.strategy != "" {
		return p.strategy
	}
	return p.store.Get().Planner.Strategy
}

// PlanMoves returns the schedule to send for w. A nil schedule with a nil
// error means the search found nothing worth doing. ErrMalformedSnapshot and
// ErrSchedulePending also mean no plan.
func (p *Planner) PlanMoves(ctx context.Context, w protocol.World) (*protocol.CraneSchedule, error) {
	d, err := p.Plan(ctx, w)
	return d.Schedule, err
}

func (p *Planner) Plan(ctx context.Context, w protocol.World) (Decision, error) {
	t := p.store.Get()
	strategy := p.Strategy()
	start := time.Now()
	rec := Record{
		SessionID:    p.session,
		WorldNowMs:   w.NowMs,
		Strategy:     strategy,
		TuningDigest: t.Digest(),
		KPIs:         w.KPIs,
	}

	d, err := p.plan(ctx, w, t, strategy, &rec)
	rec.ElapsedMs = time.Since(start).Milliseconds()
	d.Record = rec

	metrics.RecordPlan(strategy, rec.Outcome, time.Since(start).Seconds())
	switch rec.Outcome {
	case OutcomePlanned, OutcomeCorrected:
		metrics.RecordMoves(strategy, len(rec.Moves))
		metrics.RecordScore(strategy, rec.Score)
	default:
		metrics.RecordDeclined(rec.Outcome)
	}
	if rec.Fallback {
		metrics.RecordFallback(strategy)
	}
	if rec.Truncated {
		metrics.RecordTruncation(strategy)
	}

	p.log.Debug("plan",
		zap.String("session", rec.SessionID),
		zap.Int("seq", rec.Seq),
		zap.String("strategy", strategy),
		zap.String("outcome", rec.Outcome),
		zap.String("moves", rec.Encoded),
		zap.Float64("fitness", rec.Score),
		zap.Int64("elapsed_ms", rec.ElapsedMs),
	)
	for _, s := range p.sinks {
		s.RecordPlan(rec)
	}
	return d, err
}

func (p *Planner) plan(ctx context.Context, w protocol.World, t tuning.Tuning, strategy string, rec *Record) (Decision, error) {
	if len(w.Crane.Schedule.Moves) > 0 {
		if m, ok := correctiveMove(w); ok {
			rec.Outcome = OutcomeCorrected
			return p.emit(w, []hotstorage.CraneMove{m}, rec), nil
		}
		rec.Outcome = OutcomePending
		return Decision{}, ErrSchedulePending
	}

	st, err := StateFromWorld(w)
	if err != nil {
		rec.Outcome = OutcomeMalformed
		return Decision{}, err
	}

	s, err := buildStrategy(strategy, t)
	if err != nil {
		rec.Outcome = OutcomeError
		return Decision{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(t.Planner.DeadlineMs)*time.Millisecond)
	defer cancel()

	p.mu.Lock()
	p.calls++
	rng := search.NewRand(t.Planner.Seed + p.calls)
	p.mu.Unlock()

	res, err := s.Search(ctx, st, rng)
	switch {
	case errors.Is(err, hotstorage.ErrNoLegalMove):
		p.log.Debug("search hit a dead end", zap.String("strategy", strategy))
	case err != nil:
		p.log.Warn("search failed", zap.String("strategy", strategy), zap.Error(err))
	}
	rec.Score = res.Score
	rec.Iterations = res.Iterations
	rec.Evaluations = res.Evaluations
	rec.Truncated = res.Truncated

	moves := res.Moves
	if len(moves) == 0 && strategy != tuning.StrategyRule && t.FallbackEnabled() {
		rp, err := rule.New(rule.Config{DepositionWeight: t.Rule.DepositionWeight, ArrivalLimit: t.Rule.ArrivalLimit})
		if err == nil {
			if m, ok := rp.Next(st); ok {
				moves = []hotstorage.CraneMove{m}
				rec.Fallback = true
			}
		}
	}

	moves = Truncate(hotstorage.Consolidate(moves), t.Planner.MovesPerSchedule, w.Handover.ID, w.Handover.Ready)
	if len(moves) == 0 {
		rec.Outcome = OutcomeNoPlan
		return Decision{}, nil
	}
	rec.Outcome = OutcomePlanned
	return p.emit(w, moves, rec), nil
}

func (p *Planner) emit(w protocol.World, moves []hotstorage.CraneMove, rec *Record) Decision {
	p.mu.Lock()
	p.seq = max(p.seq, w.Crane.Schedule.SequenceNr) + 1
	seq := p.seq
	p.mu.Unlock()

	rec.Seq = seq
	rec.Moves = moves
	rec.Encoded = encoding.FormatMoves(moves, true)
	return Decision{Schedule: &protocol.CraneSchedule{Moves: toWire(moves), SequenceNr: seq}}
}

// correctiveMove covers a crane that picked up a ready block while the
// handover was busy: once the handover is ready, the block is sent there
// instead of to the pending target.
func correctiveMove(w protocol.World) (hotstorage.CraneMove, bool) {
	load, ho := w.Crane.Load, w.Handover
	if load == nil || ho == nil || !load.Ready || !ho.Ready {
		return hotstorage.CraneMove{}, false
	}
	first := w.Crane.Schedule.Moves[0]
	if first.TargetID == ho.ID {
		return hotstorage.CraneMove{}, false
	}
	return hotstorage.CraneMove{Source: first.SourceID, Target: ho.ID, Block: load.ID}, true
}

// Truncate keeps the first n moves and stops before the first move into the
// handover when the handover is not ready.
func Truncate(moves []hotstorage.CraneMove, n, handoverID int, handoverReady bool) []hotstorage.CraneMove {
	out := make([]hotstorage.CraneMove, 0, min(n, len(moves)))
	for _, m := range moves {
		if len(out) == n {
			break
		}
		if m.Target == handoverID && !handoverReady {
			break
		}
		out = append(out, m)
	}
	return out
}

func buildStrategy(name string, t tuning.Tuning) (search.Strategy, error) {
	switch name {
	case tuning.StrategyGenetic:
		ev := fitness.NewEvaluator(t.Fitness.Weights, t.Fitness.ArrivalTable, t.Genetic.ChromosomeLength, t.Fitness.DueSigma)
		return genetic.New(genetic.Config{
			ChromosomeLength: t.Genetic.ChromosomeLength,
			PopulationSize:   t.Genetic.PopulationSize,
			Generations:      t.Genetic.Generations,
			EliteFraction:    t.Genetic.EliteFraction,
			MutationRate:     t.Genetic.MutationRate,
			Workers:          t.Planner.Workers,
		}, ev)
	case tuning.StrategyBeam:
		return beam.New(beam.Config{
			Depth:        t.Beam.Depth,
			Width:        t.Beam.Width,
			BranchFactor: t.Beam.BranchFactor,
			Workers:      t.Planner.Workers,
		})
	case tuning.StrategyRule:
		return rule.New(rule.Config{DepositionWeight: t.Rule.DepositionWeight, ArrivalLimit: t.Rule.ArrivalLimit})
	}
	return nil, fmt.Errorf("unknown strategy %q", name)
}
