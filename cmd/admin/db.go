package main

import (
	"database/sql"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"dynstack.ai/internal/sim/encoding"
	"dynstack.ai/internal/sim/hotstorage"
)

var dbCmd = &cobra.Command{
	Use:   "db [plans|outcomes|kpis|tunings|recordings]",
	Short: "Query the plan index",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q := "plans"
		if len(args) > 0 {
			q = strings.TrimSpace(args[0])
		}
		path := strings.TrimSpace(dbPath)
		if path == "" {
			path = filepath.Join(dataDir, "index", "plans.sqlite")
		}
		db, err := sql.Open("sqlite", path)
		if err != nil {
			return fmt.Errorf("open: %w", err)
		}
		defer db.Close()
		return runQuery(db, cmd.OutOrStdout(), q, queryOpts{Limit: limit, Session: session, Outcome: outcome})
	},
}

type queryOpts struct {
	Limit   int
	Session string
	Outcome string
}

func runQuery(db *sql.DB, w io.Writer, q string, o queryOpts) error {
	if o.Limit <= 0 {
		o.Limit = 20
	}
	switch q {
	case "plans":
		return queryPlans(db, w, o)
	case "outcomes":
		return queryOutcomes(db, w)
	case "kpis":
		return queryKPIs(db, w, o)
	case "tunings":
		return queryTunings(db, w)
	case "recordings":
		return queryRecordings(db, w, o)
	default:
		return fmt.Errorf("unknown query %q (want plans|outcomes|kpis|tunings|recordings)", q)
	}
}

func queryPlans(db *sql.DB, w io.Writer, o queryOpts) error {
	where, args := []string{}, []any{}
	if s := strings.TrimSpace(o.Session); s != "" {
		where = append(where, "session=?")
		args = append(args, s)
	}
	if s := strings.TrimSpace(o.Outcome); s != "" {
		where = append(where, "outcome=?")
		args = append(args, s)
	}
	q := `SELECT session,seq,world_now_ms,strategy,outcome,moves,packed,score,elapsed_ms,fallback,truncated,tuning_digest FROM plans`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += ` ORDER BY id DESC LIMIT ?`
	args = append(args, o.Limit)

	rows, err := db.Query(q, args...)
	if err != nil {
		return fmt.Errorf("query: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var r struct {
			Session      string                 `json:"session"`
			Seq          int                    `json:"seq"`
			WorldNowMs   int64                  `json:"world_now_ms"`
			Strategy     string                 `json:"strategy"`
			Outcome      string                 `json:"outcome"`
			Moves        string                 `json:"moves"`
			Decoded      []hotstorage.CraneMove `json:"decoded,omitempty"`
			Score        float64                `json:"score"`
			ElapsedMs    int64                  `json:"elapsed_ms"`
			Fallback     bool                   `json:"fallback"`
			Truncated    bool                   `json:"truncated"`
			TuningDigest string                 `json:"tuning_digest"`
		}
		var packed string
		if err := rows.Scan(&r.Session, &r.Seq, &r.WorldNowMs, &r.Strategy, &r.Outcome, &r.Moves, &packed, &r.Score, &r.ElapsedMs, &r.Fallback, &r.Truncated, &r.TuningDigest); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		if r.Decoded, err = encoding.DecodePacked(packed); err != nil {
			return fmt.Errorf("session %s seq %d: decode packed moves: %w", r.Session, r.Seq, err)
		}
		printJSON(w, r)
	}
	return rows.Err()
}

func queryOutcomes(db *sql.DB, w io.Writer) error {
	rows, err := db.Query(`SELECT strategy,outcome,COUNT(*),AVG(elapsed_ms),AVG(n_moves) FROM plans GROUP BY strategy,outcome ORDER BY strategy,outcome`)
	if err != nil {
		return fmt.Errorf("query: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var r struct {
			Strategy   string  `json:"strategy"`
			Outcome    string  `json:"outcome"`
			Count      int     `json:"count"`
			AvgElapsed float64 `json:"avg_elapsed_ms"`
			AvgMoves   float64 `json:"avg_moves"`
		}
		if err := rows.Scan(&r.Strategy, &r.Outcome, &r.Count, &r.AvgElapsed, &r.AvgMoves); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		printJSON(w, r)
	}
	return rows.Err()
}

func queryKPIs(db *sql.DB, w io.Writer, o queryOpts) error {
	q := `SELECT session,world_now_ms,name,value FROM kpis ORDER BY world_now_ms DESC, name LIMIT ?`
	args := []any{o.Limit}
	if s := strings.TrimSpace(o.Session); s != "" {
		q = `SELECT session,world_now_ms,name,value FROM kpis WHERE session=? ORDER BY world_now_ms DESC, name LIMIT ?`
		args = []any{s, o.Limit}
	}
	rows, err := db.Query(q, args...)
	if err != nil {
		return fmt.Errorf("query: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var r struct {
			Session    string  `json:"session"`
			WorldNowMs int64   `json:"world_now_ms"`
			Name       string  `json:"name"`
			Value      float64 `json:"value"`
		}
		if err := rows.Scan(&r.Session, &r.WorldNowMs, &r.Name, &r.Value); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		printJSON(w, r)
	}
	return rows.Err()
}

func queryTunings(db *sql.DB, w io.Writer) error {
	var current string
	if err := db.QueryRow(`SELECT COALESCE((SELECT value FROM meta WHERE key='current_tuning'),'')`).Scan(&current); err != nil {
		return fmt.Errorf("current tuning: %w", err)
	}
	rows, err := db.Query(`SELECT digest,recorded_at,json FROM tunings ORDER BY recorded_at DESC`)
	if err != nil {
		return fmt.Errorf("query: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var r struct {
			Digest     string `json:"digest"`
			RecordedAt string `json:"recorded_at"`
			Current    bool   `json:"current"`
			JSON       string `json:"json"`
		}
		if err := rows.Scan(&r.Digest, &r.RecordedAt, &r.JSON); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		r.Current = r.Digest == current
		printJSON(w, r)
	}
	return rows.Err()
}

func queryRecordings(db *sql.DB, w io.Writer, o queryOpts) error {
	rows, err := db.Query(`SELECT path,session,client,count,first_now_ms,last_now_ms FROM recordings ORDER BY last_now_ms DESC LIMIT ?`, o.Limit)
	if err != nil {
		return fmt.Errorf("query: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var r struct {
			Path    string `json:"path"`
			Session string `json:"session"`
			Client  string `json:"client,omitempty"`
			Count   int    `json:"count"`
			FirstMs int64  `json:"first_now_ms"`
			LastMs  int64  `json:"last_now_ms"`
		}
		if err := rows.Scan(&r.Path, &r.Session, &r.Client, &r.Count, &r.FirstMs, &r.LastMs); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		printJSON(w, r)
	}
	return rows.Err()
}
