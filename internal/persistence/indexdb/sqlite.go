// Package indexdb keeps a queryable SQLite index of planning activity. The
// plan log files stay the source of truth; the index may drop rows under load.
package indexdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"dynstack.ai/internal/persistence/snapshot"
	"dynstack.ai/internal/planner"
	"dynstack.ai/internal/sim/encoding"
	"dynstack.ai/internal/sim/tuning"
)

type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropPlan      atomic.Uint64
	dropRecording atomic.Uint64
}

type reqKind int

const (
	reqPlan reqKind = iota + 1
	reqRecording
)

type req struct {
	kind reqKind

	plan      planner.Record
	recording recordingRow
}

type recordingRow struct {
	Path   string
	Header snapshot.Header
}

// Stats reports queue pressure.
type Stats struct {
	QueueDepth         int
	QueueCapacity      int
	DropPlanTotal      uint64
	DropRecordingTotal uint64
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, 16384),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS tunings (
			digest TEXT PRIMARY KEY,
			json TEXT NOT NULL,
			recorded_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS plans (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session TEXT NOT NULL,
			seq INTEGER NOT NULL,
			world_now_ms INTEGER NOT NULL,
			strategy TEXT NOT NULL,
			outcome TEXT NOT NULL,
			moves TEXT NOT NULL,
			packed TEXT NOT NULL,
			n_moves INTEGER NOT NULL,
			score REAL NOT NULL,
			elapsed_ms INTEGER NOT NULL,
			iterations INTEGER NOT NULL,
			evaluations INTEGER NOT NULL,
			fallback INTEGER NOT NULL,
			truncated INTEGER NOT NULL,
			tuning_digest TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_plans_session_now ON plans(session, world_now_ms);`,
		`CREATE INDEX IF NOT EXISTS idx_plans_outcome ON plans(outcome);`,
		`CREATE TABLE IF NOT EXISTS kpis (
			session TEXT NOT NULL,
			world_now_ms INTEGER NOT NULL,
			name TEXT NOT NULL,
			value REAL NOT NULL,
			PRIMARY KEY (session, world_now_ms, name)
		);`,
		`CREATE TABLE IF NOT EXISTS recordings (
			path TEXT PRIMARY KEY,
			session TEXT NOT NULL,
			client TEXT NOT NULL,
			count INTEGER NOT NULL,
			first_now_ms INTEGER NOT NULL,
			last_now_ms INTEGER NOT NULL
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) Stats() Stats {
	return Stats{
		QueueDepth:         len(s.ch),
		QueueCapacity:      cap(s.ch),
		DropPlanTotal:      s.dropPlan.Load(),
		DropRecordingTotal: s.dropRecording.Load(),
	}
}

// RecordPlan queues a plan row and the snapshot's KPIs. It implements
// planner.Sink and never blocks.
func (s *SQLiteIndex) RecordPlan(r planner.Record) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- req{kind: reqPlan, plan: r}:
	default:
		s.dropPlan.Add(1)
	}
}

// RecordRecording indexes a snapshot recording written to path.
func (s *SQLiteIndex) RecordRecording(path string, h snapshot.Header) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- req{kind: reqRecording, recording: recordingRow{Path: path, Header: h}}:
	default:
		s.dropRecording.Add(1)
	}
}

// UpsertTuning stores the tuning values in effect under their digest.
func (s *SQLiteIndex) UpsertTuning(t tuning.Tuning) error {
	if s == nil {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('current_tuning',?)`, t.Digest()); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT OR IGNORE INTO tunings(digest,json,recorded_at) VALUES(?,?,?)`, t.Digest(), string(t.JSON()), now); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertPlan, _ := s.db.Prepare(`INSERT INTO plans(session,seq,world_now_ms,strategy,outcome,moves,packed,n_moves,score,elapsed_ms,iterations,evaluations,fallback,truncated,tuning_digest) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	insertKPI, _ := s.db.Prepare(`INSERT OR REPLACE INTO kpis(session,world_now_ms,name,value) VALUES(?,?,?,?)`)
	insertRecording, _ := s.db.Prepare(`INSERT OR REPLACE INTO recordings(path,session,client,count,first_now_ms,last_now_ms) VALUES(?,?,?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertPlan, insertKPI, insertRecording} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 500
		commitMaxWait = time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	flushIfNeeded := func() {
		if tx == nil {
			return
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqPlan:
			p := r.plan
			if insertPlan != nil {
				if _, err := tx.Stmt(insertPlan).Exec(
					p.SessionID,
					p.Seq,
					p.WorldNowMs,
					p.Strategy,
					p.Outcome,
					encoding.FormatMoves(p.Moves, true),
					encoding.EncodePacked(p.Moves),
					len(p.Moves),
					p.Score,
					p.ElapsedMs,
					p.Iterations,
					p.Evaluations,
					boolInt(p.Fallback),
					boolInt(p.Truncated),
					p.TuningDigest,
				); err != nil {
					rollback()
					continue
				}
				opCount++
			}
			names := make([]string, 0, len(p.KPIs))
			for name := range p.KPIs {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				if insertKPI == nil {
					break
				}
				if _, err := tx.Stmt(insertKPI).Exec(p.SessionID, p.WorldNowMs, name, p.KPIs[name]); err != nil {
					rollback()
					break
				}
				opCount++
			}

		case reqRecording:
			rc := r.recording
			if insertRecording != nil {
				if _, err := tx.Stmt(insertRecording).Exec(
					rc.Path,
					rc.Header.SessionID,
					rc.Header.Client,
					rc.Header.Count,
					rc.Header.FirstMs,
					rc.Header.LastMs,
				); err != nil {
					rollback()
					continue
				}
				opCount++
			}
		}
		flushIfNeeded()
	}

	commit()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
