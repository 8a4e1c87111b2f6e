package main

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"dynstack.ai/internal/persistence/indexdb"
	"dynstack.ai/internal/persistence/snapshot"
	"dynstack.ai/internal/planner"
	"dynstack.ai/internal/protocol"
	"dynstack.ai/internal/sim/hotstorage"
	"dynstack.ai/internal/sim/tuning"
)

func seededIndex(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plans.sqlite")
	idx, err := indexdb.OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, idx.UpsertTuning(tuning.Defaults()))
	idx.RecordPlan(planner.Record{
		SessionID:  "s1",
		Seq:        1,
		WorldNowMs: 1000,
		Strategy:   tuning.StrategyBeam,
		Outcome:    planner.OutcomePlanned,
		Moves:      []hotstorage.CraneMove{{Source: 1, Target: 3, Block: 2}},
		Encoded:    "s1-d3:b2",
		KPIs:       map[string]float64{"service_level": 0.75},
	})
	idx.RecordPlan(planner.Record{SessionID: "s2", WorldNowMs: 2000, Strategy: tuning.StrategyRule, Outcome: planner.OutcomeNoPlan})
	idx.RecordRecording("/data/recordings/s1.snap.zst", snapshot.Header{Version: snapshot.Version, SessionID: "s1", Count: 3, FirstMs: 1000, LastMs: 3000})
	require.NoError(t, idx.Close())

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func lines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, l := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if l == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(l), &m), l)
		out = append(out, m)
	}
	return out
}

func TestRunQuery_Plans(t *testing.T) {
	db := seededIndex(t)

	var buf bytes.Buffer
	require.NoError(t, runQuery(db, &buf, "plans", queryOpts{}))
	rows := lines(t, &buf)
	require.Len(t, rows, 2)
	require.Equal(t, "s2", rows[0]["session"])

	buf.Reset()
	require.NoError(t, runQuery(db, &buf, "plans", queryOpts{Outcome: planner.OutcomePlanned}))
	rows = lines(t, &buf)
	require.Len(t, rows, 1)
	require.Equal(t, "s1", rows[0]["session"])
	require.Equal(t, tuning.StrategyBeam, rows[0]["strategy"])
	require.Equal(t, false, rows[0]["fallback"])
	require.Equal(t, "s1-d3:b2", rows[0]["moves"])
	require.Equal(t, []any{map[string]any{"source": 1.0, "target": 3.0, "block": 2.0}}, rows[0]["decoded"])

	buf.Reset()
	require.NoError(t, runQuery(db, &buf, "plans", queryOpts{Outcome: planner.OutcomeNoPlan}))
	rows = lines(t, &buf)
	require.Len(t, rows, 1)
	require.NotContains(t, rows[0], "decoded")
}

func TestRunQuery_PlansRejectsCorruptPackedMoves(t *testing.T) {
	db := seededIndex(t)
	_, err := db.Exec(`UPDATE plans SET packed='!!' WHERE session='s1'`)
	require.NoError(t, err)

	var buf bytes.Buffer
	err = runQuery(db, &buf, "plans", queryOpts{Session: "s1"})
	require.ErrorContains(t, err, "decode packed moves")
}

func TestRunQuery_Aggregates(t *testing.T) {
	db := seededIndex(t)

	var buf bytes.Buffer
	require.NoError(t, runQuery(db, &buf, "outcomes", queryOpts{}))
	require.Len(t, lines(t, &buf), 2)

	buf.Reset()
	require.NoError(t, runQuery(db, &buf, "kpis", queryOpts{Session: "s1"}))
	rows := lines(t, &buf)
	require.Len(t, rows, 1)
	require.Equal(t, "service_level", rows[0]["name"])
	require.InDelta(t, 0.75, rows[0]["value"], 1e-9)

	buf.Reset()
	require.NoError(t, runQuery(db, &buf, "tunings", queryOpts{}))
	rows = lines(t, &buf)
	require.Len(t, rows, 1)
	require.Equal(t, tuning.Defaults().Digest(), rows[0]["digest"])
	require.Equal(t, true, rows[0]["current"])

	buf.Reset()
	require.NoError(t, runQuery(db, &buf, "recordings", queryOpts{}))
	rows = lines(t, &buf)
	require.Len(t, rows, 1)
	require.EqualValues(t, 3, rows[0]["count"])

	require.Error(t, runQuery(db, &buf, "agents", queryOpts{}))
}

func TestListRecordings(t *testing.T) {
	dir := t.TempDir()
	worlds := []protocol.World{{NowMs: 10}, {NowMs: 20}}
	require.NoError(t, snapshot.Write(filepath.Join(dir, "b"+snapshot.Ext), snapshot.NewRecording("b", "bot", worlds)))
	require.NoError(t, snapshot.Write(filepath.Join(dir, "a"+snapshot.Ext), snapshot.NewRecording("a", "bot", worlds[:1])))

	var buf bytes.Buffer
	require.NoError(t, listRecordings(&buf, dir))
	rows := lines(t, &buf)
	require.Len(t, rows, 2)
	require.Equal(t, "a"+snapshot.Ext, rows[0]["file"])
	require.Equal(t, "b", rows[1]["session_id"])
	require.EqualValues(t, 2, rows[1]["count"])
}

func TestFetchState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/admin/v1/state" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"sessions":2}`))
	}))
	defer srv.Close()

	var buf bytes.Buffer
	require.NoError(t, fetchState(&buf, srv.URL+"/"))
	require.Equal(t, "{\"sessions\":2}\n", buf.String())

	require.Error(t, fetchState(&buf, srv.URL+"/nope"))
}
