package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	persistlog "dynstack.ai/internal/persistence/log"
	"dynstack.ai/internal/persistence/snapshot"
	"dynstack.ai/internal/planner"
	"dynstack.ai/internal/sim/encoding"
	"dynstack.ai/internal/sim/tuning"
)

var (
	tuningPath string
	strategy   string
	verbose    bool

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "dynstack-replay",
	Short: "Offline tools for recordings and plan logs",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		config.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	SilenceUsage: true,
}

var planCmd = &cobra.Command{
	Use:   "plan [recording.snap.zst]",
	Short: "Plan every snapshot of a recording offline",
	Long: `Runs the planner over each snapshot of a recording in order, as a live
session would, and prints one line per snapshot plus a summary.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rec, err := snapshot.Read(args[0])
		if err != nil {
			return fmt.Errorf("read recording: %w", err)
		}
		tune := tuning.Defaults()
		if tuningPath != "" {
			if tune, err = tuning.Load(tuningPath); err != nil {
				return err
			}
		}
		p, err := planner.New(tuning.NewStore(tune), logger, planner.WithStrategy(strategy), planner.WithSession(rec.Header.SessionID))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "recording v%d session=%s snapshots=%d now=[%d,%d]\n",
			rec.Header.Version, rec.Header.SessionID, rec.Header.Count, rec.Header.FirstMs, rec.Header.LastMs)
		sum, err := planRecording(cmd.Context(), p, rec, cmd.OutOrStdout())
		if err != nil {
			return err
		}
		sum.print(cmd.OutOrStdout())
		return nil
	},
}

var logCmd = &cobra.Command{
	Use:   "log [plans-*.jsonl.zst ...]",
	Short: "Summarise and verify plan log files",
	Long: `Reads plan log files, checks that every record's encoded move string
matches its moves, and prints outcome and strategy counts.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sum := newSummary()
		for _, path := range args {
			if err := summarizeLog(path, sum); err != nil {
				return err
			}
		}
		sum.print(cmd.OutOrStdout())
		return nil
	},
}

func init() {
	planCmd.Flags().StringVar(&tuningPath, "tuning", "", "tuning.yaml (default: built-in defaults)")
	planCmd.Flags().StringVar(&strategy, "strategy", "", "strategy override (genetic, beam, rule)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.AddCommand(planCmd, logCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

type summary struct {
	Outcomes   map[string]int
	Strategies map[string]int
	Moves      int
	Elapsed    time.Duration
	Records    int
}

func newSummary() *summary {
	return &summary{Outcomes: map[string]int{}, Strategies: map[string]int{}}
}

func (s *summary) add(r planner.Record) {
	s.Records++
	s.Outcomes[r.Outcome]++
	s.Strategies[r.Strategy]++
	s.Moves += len(r.Moves)
	s.Elapsed += time.Duration(r.ElapsedMs) * time.Millisecond
}

func (s *summary) print(w io.Writer) {
	fmt.Fprintf(w, "records=%d moves=%d", s.Records, s.Moves)
	if s.Records > 0 {
		fmt.Fprintf(w, " avg_elapsed=%s", s.Elapsed/time.Duration(s.Records))
	}
	fmt.Fprintln(w)
	for _, k := range sortedKeys(s.Outcomes) {
		fmt.Fprintf(w, "  outcome %-10s %d\n", k, s.Outcomes[k])
	}
	for _, k := range sortedKeys(s.Strategies) {
		fmt.Fprintf(w, "  strategy %-9s %d\n", k, s.Strategies[k])
	}
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// planRecording feeds the recording through p in order. Declined snapshots
// are counted, not treated as failures.
func planRecording(ctx context.Context, p *planner.Planner, rec snapshot.Recording, out io.Writer) (*summary, error) {
	sum := newSummary()
	for i, w := range rec.Worlds {
		d, err := p.Plan(ctx, w)
		switch {
		case errors.Is(err, planner.ErrMalformedSnapshot), errors.Is(err, planner.ErrSchedulePending):
		case err != nil:
			return sum, fmt.Errorf("snapshot %d (now=%d): %w", i, w.NowMs, err)
		}
		sum.add(d.Record)
		fmt.Fprintf(out, "%5d now=%-9d %-9s %s\n", i, w.NowMs, d.Record.Outcome, d.Record.Encoded)
	}
	return sum, nil
}

// summarizeLog adds every record of a plan log to sum, failing on records
// whose encoded moves disagree with the structured ones.
func summarizeLog(path string, sum *summary) error {
	return persistlog.ReadPlans(path, func(r planner.Record) error {
		if r.Encoded != "" {
			moves, err := encoding.ParseMoves(r.Encoded)
			if err != nil {
				return fmt.Errorf("session %s seq %d: %w", r.SessionID, r.Seq, err)
			}
			if diff := cmp.Diff(r.Moves, moves); diff != "" {
				return fmt.Errorf("session %s seq %d: encoded moves mismatch (-moves +encoded):\n%s", r.SessionID, r.Seq, diff)
			}
		}
		sum.add(r)
		return nil
	})
}
