package indexdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"strataguard/internal/sim/catalogs"
	"strataguard/internal/sim/tuning"
	"strataguard/internal/sim/visibility"
)

// SQLiteIndex is a queryable secondary index of guard activity. Writes are queued
// and applied by one goroutine; the compressed audit log stays the source of truth.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropTransition atomic.Uint64
	dropStats      atomic.Uint64
}

type reqKind int

const (
	reqTransition reqKind = iota + 1
	reqStats
	reqSync
)

type req struct {
	kind reqKind

	transition visibility.Transition
	stats      StatsRow
	done       chan struct{}
}

// StatsRow is one periodic sample of guard counters.
type StatsRow struct {
	At                 time.Time
	Tracked            int
	Transitions        uint64
	Refreshes          uint64
	CooldownSkips      uint64
	TeleportsPreempted uint64
	AreasResent        uint64
	CellsRewritten     uint64
	TPS                float64
}

type QueueStats struct {
	QueueDepth          int
	QueueCapacity       int
	DropTransitionTotal uint64
	DropStatsTotal      uint64
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
		ch: make(chan req, 65536),
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
		`CREATE TABLE IF NOT EXISTS catalogs (
			name TEXT PRIMARY KEY,
			digest TEXT NOT NULL,
			json TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS transitions (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			at TEXT NOT NULL,
			conn TEXT NOT NULL,
			from_state TEXT NOT NULL,
			to_state TEXT NOT NULL,
			cause TEXT NOT NULL,
			world TEXT NOT NULL,
			x REAL NOT NULL,
			y REAL NOT NULL,
			z REAL NOT NULL,
			refreshed INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_transitions_conn ON transitions(conn, seq);`,
		`CREATE INDEX IF NOT EXISTS idx_transitions_cause ON transitions(cause, seq);`,
		`CREATE TABLE IF NOT EXISTS stats (
			at TEXT PRIMARY KEY,
			tracked INTEGER NOT NULL,
			transitions INTEGER NOT NULL,
			refreshes INTEGER NOT NULL,
			cooldown_skips INTEGER NOT NULL,
			teleports_preempted INTEGER NOT NULL,
			areas_resent INTEGER NOT NULL,
			cells_rewritten INTEGER NOT NULL,
			tps REAL NOT NULL
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

// OnTransition queues t. Drops when the indexer falls behind.
func (s *SQLiteIndex) OnTransition(t visibility.Transition) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- req{kind: reqTransition, transition: t}:
	default:
		s.dropTransition.Add(1)
	}
}

func (s *SQLiteIndex) RecordStats(r StatsRow) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- req{kind: reqStats, stats: r}:
	default:
		s.dropStats.Add(1)
	}
}

func (s *SQLiteIndex) Stats() QueueStats {
	if s == nil {
		return QueueStats{}
	}
	return QueueStats{
		QueueDepth:          len(s.ch),
		QueueCapacity:       cap(s.ch),
		DropTransitionTotal: s.dropTransition.Load(),
		DropStatsTotal:      s.dropStats.Load(),
	}
}

// Sync blocks until every queued write is committed.
func (s *SQLiteIndex) Sync(ctx context.Context) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	done := make(chan struct{})
	select {
	case s.ch <- req{kind: reqSync, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UpsertCatalogs stores the block palette and the effective tuning so a reader can
// tell which configuration produced the rows that follow.
func (s *SQLiteIndex) UpsertCatalogs(configDir string, cats *catalogs.Catalogs, tune tuning.Tuning) error {
	if s == nil {
		return nil
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	type kv struct {
		name   string
		digest string
		json   []byte
	}
	var rows []kv
	if configDir != "" {
		if b, err := os.ReadFile(filepath.Join(configDir, "blocks.json")); err == nil {
			rows = append(rows, kv{name: "blocks_defs", digest: cats.Blocks.DefsDigest, json: b})
		}
	}
	if b, _ := json.Marshal(cats.Blocks.Palette); len(b) > 0 {
		rows = append(rows, kv{name: "blocks_palette", digest: cats.Blocks.PaletteDigest, json: b})
	}
	{
		b, _ := json.Marshal(tune)
		sum := sha256.Sum256(b)
		rows = append(rows, kv{name: "tuning", digest: hex.EncodeToString(sum[:]), json: b})
	}

	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO catalogs(name,digest,json,updated_at) VALUES(?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range rows {
		if r.name == "" || r.digest == "" || len(r.json) == 0 {
			continue
		}
		if _, err := stmt.Exec(r.name, r.digest, string(r.json), now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// TransitionRow is a stored transition as returned by queries.
type TransitionRow struct {
	Seq       int64
	At        string
	Conn      string
	From      string
	To        string
	Cause     string
	World     string
	Y         float64
	Refreshed bool
}

// Transitions returns the latest rows, newest first. An empty conn matches all.
func (s *SQLiteIndex) Transitions(ctx context.Context, conn string, limit int) ([]TransitionRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, at, conn, from_state, to_state, cause, world, y, refreshed FROM transitions
		 WHERE (? = '' OR conn = ?) ORDER BY seq DESC LIMIT ?`, conn, conn, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TransitionRow
	for rows.Next() {
		var r TransitionRow
		var refreshed int
		if err := rows.Scan(&r.Seq, &r.At, &r.Conn, &r.From, &r.To, &r.Cause, &r.World, &r.Y, &refreshed); err != nil {
			return nil, err
		}
		r.Refreshed = refreshed != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountByCause aggregates transitions per cause.
func (s *SQLiteIndex) CountByCause(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT cause, COUNT(*) FROM transitions GROUP BY cause`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var cause string
		var n int
		if err := rows.Scan(&cause, &n); err != nil {
			return nil, err
		}
		out[cause] = n
	}
	return out, rows.Err()
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertTransition, _ := s.db.Prepare(`INSERT INTO transitions(at,conn,from_state,to_state,cause,world,x,y,z,refreshed) VALUES(?,?,?,?,?,?,?,?,?,?)`)
	insertStats, _ := s.db.Prepare(`INSERT OR REPLACE INTO stats(at,tracked,transitions,refreshes,cooldown_skips,teleports_preempted,areas_resent,cells_rewritten,tps) VALUES(?,?,?,?,?,?,?,?,?)`)
	defer func() {
		if insertTransition != nil {
			_ = insertTransition.Close()
		}
		if insertStats != nil {
			_ = insertStats.Close()
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second
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

	tick := time.NewTicker(commitMaxWait)
	defer tick.Stop()
	for {
		var r req
		select {
		case <-tick.C:
			if time.Since(lastCommit) >= commitMaxWait {
				commit()
			}
			continue
		case next, ok := <-s.ch:
			if !ok {
				commit()
				return
			}
			r = next
		}
		if r.kind == reqSync {
			commit()
			close(r.done)
			continue
		}
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqTransition:
			t := r.transition
			if insertTransition == nil {
				continue
			}
			refreshed := 0
			if t.Refreshed {
				refreshed = 1
			}
			if _, err := tx.Stmt(insertTransition).Exec(
				t.At.UTC().Format(time.RFC3339Nano),
				t.Conn.String(),
				t.From.String(),
				t.To.String(),
				string(t.Cause),
				t.Location.World,
				t.Location.X, t.Location.Y, t.Location.Z,
				refreshed,
			); err != nil {
				rollback()
				continue
			}
			opCount++

		case reqStats:
			st := r.stats
			if insertStats == nil {
				continue
			}
			if _, err := tx.Stmt(insertStats).Exec(
				st.At.UTC().Format(time.RFC3339Nano),
				st.Tracked,
				int64(st.Transitions),
				int64(st.Refreshes),
				int64(st.CooldownSkips),
				int64(st.TeleportsPreempted),
				int64(st.AreasResent),
				int64(st.CellsRewritten),
				st.TPS,
			); err != nil {
				rollback()
				continue
			}
			opCount++
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}
}
