package log

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dynstack.ai/internal/planner"
	"dynstack.ai/internal/sim/hotstorage"
)

func TestPlanLogger_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	l := NewPlanLogger(dir, nil)
	for i := 1; i <= 3; i++ {
		l.RecordPlan(planner.Record{
			SessionID: "s",
			Seq:       i,
			Strategy:  "beam",
			Outcome:   planner.OutcomePlanned,
			Moves:     []hotstorage.CraneMove{{Source: 0, Target: i, Block: 10 + i}},
		})
	}
	require.NoError(t, l.Close())

	files, err := filepath.Glob(filepath.Join(dir, "plans", "plans-*.jsonl.zst"))
	require.NoError(t, err)
	require.Len(t, files, 1)

	var got []planner.Record
	require.NoError(t, ReadPlans(files[0], func(r planner.Record) error {
		got = append(got, r)
		return nil
	}))
	require.Len(t, got, 3)
	for i, r := range got {
		require.Equal(t, i+1, r.Seq)
		require.Equal(t, []hotstorage.CraneMove{{Source: 0, Target: i + 1, Block: 11 + i}}, r.Moves)
	}
}

func TestJSONLZstdWriter_RotatesHourly(t *testing.T) {
	dir := t.TempDir()
	w := NewJSONLZstdWriter(dir, "x")
	clock := time.Date(2024, 3, 1, 10, 59, 0, 0, time.UTC)
	w.now = func() time.Time { return clock }

	require.NoError(t, w.Write(map[string]int{"a": 1}))
	clock = clock.Add(2 * time.Minute)
	require.NoError(t, w.Write(map[string]int{"a": 2}))
	require.NoError(t, w.Close())

	for _, name := range []string{"x-2024-03-01-10.jsonl.zst", "x-2024-03-01-11.jsonl.zst"} {
		n := 0
		require.NoError(t, ReadPlans(filepath.Join(dir, name), func(planner.Record) error { n++; return nil }))
		require.Equal(t, 1, n, name)
	}
}

func TestJSONLZstdWriter_AppendsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	clock := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 2; i++ {
		w := NewJSONLZstdWriter(dir, "plans")
		w.now = func() time.Time { return clock }
		require.NoError(t, w.Write(planner.Record{Seq: i}))
		require.NoError(t, w.Close())
	}
	n := 0
	require.NoError(t, ReadPlans(filepath.Join(dir, "plans-2024-03-01-10.jsonl.zst"), func(planner.Record) error { n++; return nil }))
	require.Equal(t, 2, n)
}
