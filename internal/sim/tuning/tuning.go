package tuning

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"dynstack.ai/internal/sim/fitness"
)

// Strategy names accepted by planner.strategy.
const (
	StrategyGenetic = "genetic"
	StrategyBeam    = "beam"
	StrategyRule    = "rule"
)

type Tuning struct {
	Planner    Planner    `yaml:"planner" json:"planner"`
	Genetic    Genetic    `yaml:"genetic" json:"genetic"`
	Beam       Beam       `yaml:"beam" json:"beam"`
	Fitness    Fitness    `yaml:"fitness" json:"fitness"`
	Rule       Rule       `yaml:"rule" json:"rule"`
	RateLimits RateLimits `yaml:"rate_limits" json:"rate_limits"`
}

type Planner struct {
	Strategy         string `yaml:"strategy" json:"strategy"`
	MovesPerSchedule int    `yaml:"moves_per_schedule" json:"moves_per_schedule"`
	DeadlineMs       int    `yaml:"deadline_ms" json:"deadline_ms"`
	Workers          int    `yaml:"workers" json:"workers"`
	Seed             uint64 `yaml:"seed" json:"seed"`
	// Fallback runs the rule planner when the search yields no move.
	Fallback *bool `yaml:"fallback,omitempty" json:"fallback,omitempty"`
}

type Genetic struct {
	ChromosomeLength int     `yaml:"chromosome_length" json:"chromosome_length"`
	PopulationSize   int     `yaml:"population_size" json:"population_size"`
	Generations      int     `yaml:"generations" json:"generations"`
	EliteFraction    float64 `yaml:"elite_fraction" json:"elite_fraction"`
	MutationRate     float64 `yaml:"mutation_rate" json:"mutation_rate"`
}

type Beam struct {
	Depth        int `yaml:"depth" json:"depth"`
	Width        int `yaml:"width" json:"width"`
	BranchFactor int `yaml:"branch_factor" json:"branch_factor"`
}

type Fitness struct {
	Weights      fitness.Weights       `yaml:"weights" json:"weights"`
	ArrivalTable []fitness.ArrivalStep `yaml:"arrival_table" json:"arrival_table"`
	DueSigma     float64               `yaml:"due_sigma" json:"due_sigma"`
}

type Rule struct {
	DepositionWeight float64 `yaml:"deposition_weight" json:"deposition_weight"`
	ArrivalLimit     float64 `yaml:"arrival_limit" json:"arrival_limit"`
}

// RateLimits bound inbound WORLD messages per connection.
type RateLimits struct {
	WorldPerSecond float64 `yaml:"world_per_second" json:"world_per_second"`
	WorldBurst     int     `yaml:"world_burst" json:"world_burst"`
}

func Defaults() Tuning {
	fallback := true
	return Tuning{
		Planner: Planner{
			Strategy:         StrategyGenetic,
			MovesPerSchedule: 2,
			DeadlineMs:       800,
			Fallback:         &fallback,
		},
		Genetic: Genetic{
			ChromosomeLength: 10,
			PopulationSize:   40,
			Generations:      30,
			EliteFraction:    0.2,
			MutationRate:     0.2,
		},
		Beam: Beam{Depth: 6, Width: 5, BranchFactor: 3},
		Fitness: Fitness{
			Weights:      fitness.DefaultWeights(),
			ArrivalTable: fitness.DefaultArrivalTable(),
			DueSigma:     fitness.DefaultDueSigma,
		},
		Rule:       Rule{DepositionWeight: 0.8, ArrivalLimit: 0.5},
		RateLimits: RateLimits{WorldPerSecond: 20, WorldBurst: 40},
	}
}

// Load reads a YAML file over Defaults. Keys missing from the file keep
// their default values.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	t.Normalize()
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

// Normalize replaces zero values that have no meaning with defaults.
func (t *Tuning) Normalize() {
	d := Defaults()
	if t.Planner.Strategy == "" {
		t.Planner.Strategy = d.Planner.Strategy
	}
	if t.Planner.MovesPerSchedule <= 0 {
		t.Planner.MovesPerSchedule = d.Planner.MovesPerSchedule
	}
	if t.Planner.DeadlineMs <= 0 {
		t.Planner.DeadlineMs = d.Planner.DeadlineMs
	}
	if t.Planner.Fallback == nil {
		t.Planner.Fallback = d.Planner.Fallback
	}
	if len(t.Fitness.ArrivalTable) == 0 {
		t.Fitness.ArrivalTable = d.Fitness.ArrivalTable
	}
	if t.Fitness.DueSigma <= 0 {
		t.Fitness.DueSigma = d.Fitness.DueSigma
	}
	t.Fitness.Weights = t.Fitness.Weights.Normalized()
	if t.RateLimits.WorldPerSecond <= 0 {
		t.RateLimits.WorldPerSecond = d.RateLimits.WorldPerSecond
	}
	if t.RateLimits.WorldBurst <= 0 {
		t.RateLimits.WorldBurst = d.RateLimits.WorldBurst
	}
}

func (t Tuning) Validate() error {
	switch t.Planner.Strategy {
	case StrategyGenetic, StrategyBeam, StrategyRule:
	default:
		return fmt.Errorf("planner.strategy: unknown %q", t.Planner.Strategy)
	}
	g := t.Genetic
	switch {
	case g.ChromosomeLength < 1:
		return fmt.Errorf("genetic.chromosome_length: must be >= 1")
	case g.PopulationSize < 2:
		return fmt.Errorf("genetic.population_size: must be >= 2")
	case g.Generations < 0:
		return fmt.Errorf("genetic.generations: must be >= 0")
	case g.EliteFraction <= 0 || g.EliteFraction > 1:
		return fmt.Errorf("genetic.elite_fraction: must be in (0,1]")
	case g.MutationRate < 0 || g.MutationRate > 1:
		return fmt.Errorf("genetic.mutation_rate: must be in [0,1]")
	}
	b := t.Beam
	if b.Depth < 1 || b.Width < 1 || b.BranchFactor < 1 {
		return fmt.Errorf("beam: depth, width and branch_factor must be >= 1")
	}
	for i, st := range t.Fitness.ArrivalTable {
		if st.Score < 0 || st.Score > 1 {
			return fmt.Errorf("fitness.arrival_table[%d].score: must be in [0,1]", i)
		}
	}
	if t.Rule.DepositionWeight < 0 || t.Rule.DepositionWeight > 1 {
		return fmt.Errorf("rule.deposition_weight: must be in [0,1]")
	}
	if t.Rule.ArrivalLimit < 0 || t.Rule.ArrivalLimit > 1 {
		return fmt.Errorf("rule.arrival_limit: must be in [0,1]")
	}
	return nil
}

// FallbackEnabled reports planner.fallback, defaulting to true.
func (t Tuning) FallbackEnabled() bool {
	return t.Planner.Fallback == nil || *t.Planner.Fallback
}

// Digest is the hex sha256 of the canonical JSON form. Sessions report it so
// plan records can be tied to the tuning that produced them.
func (t Tuning) Digest() string {
	raw, _ := json.Marshal(t)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// JSON is the canonical form hashed by Digest.
func (t Tuning) JSON() []byte {
	raw, _ := json.Marshal(t)
	return raw
}
