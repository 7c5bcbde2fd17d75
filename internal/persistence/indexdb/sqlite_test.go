package indexdb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"strataguard/internal/sim/catalogs"
	"strataguard/internal/sim/geom"
	"strataguard/internal/sim/tuning"
	"strataguard/internal/sim/visibility"
)

func TestSQLiteIndex_Transitions(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "index", "guard.sqlite"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	a, b := uuid.New(), uuid.New()
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s.OnTransition(visibility.Transition{Conn: a, From: visibility.NotTracked, To: visibility.Hidden, Cause: visibility.CauseConnect, At: at,
		Location: geom.Location{World: "world", Y: 70}})
	s.OnTransition(visibility.Transition{Conn: a, From: visibility.Hidden, To: visibility.Visible, Cause: visibility.CauseMove, At: at.Add(time.Second),
		Location: geom.Location{World: "world", Y: 20}, Refreshed: true})
	s.OnTransition(visibility.Transition{Conn: b, From: visibility.NotTracked, To: visibility.Visible, Cause: visibility.CauseConnect, At: at,
		Location: geom.Location{World: "world", Y: 5}})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}

	rows, err := s.Transitions(ctx, a.String(), 10)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows for a: %d", len(rows))
	}
	if rows[0].To != "visible" || !rows[0].Refreshed || rows[0].Y != 20 {
		t.Fatalf("newest row: %+v", rows[0])
	}
	all, _ := s.Transitions(ctx, "", 0)
	if len(all) != 3 {
		t.Fatalf("all rows: %d", len(all))
	}
	by, err := s.CountByCause(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if by["connect"] != 2 || by["move"] != 1 {
		t.Fatalf("by cause: %v", by)
	}
}

func TestSQLiteIndex_StatsAndCatalogs(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "guard.sqlite"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	cats, err := catalogs.Load("../../../configs")
	if err != nil {
		t.Fatalf("catalogs: %v", err)
	}
	if err := s.UpsertCatalogs("../../../configs", cats, tuning.Defaults()); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	s.RecordStats(StatsRow{At: time.Now(), Tracked: 3, Transitions: 10, TPS: 19.5})

	ctx := context.Background()
	if err := s.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM catalogs`).Scan(&n); err != nil || n != 3 {
		t.Fatalf("catalog rows: %d err=%v", n, err)
	}
	var tracked int
	if err := s.db.QueryRowContext(ctx, `SELECT tracked FROM stats`).Scan(&tracked); err != nil || tracked != 3 {
		t.Fatalf("stats row: %d err=%v", tracked, err)
	}
}

func TestSQLiteIndex_QueueDropStats(t *testing.T) {
	s := &SQLiteIndex{ch: make(chan req, 1)}
	s.ch <- req{kind: reqStats}

	s.OnTransition(visibility.Transition{})
	s.RecordStats(StatsRow{})

	st := s.Stats()
	if st.DropTransitionTotal != 1 || st.DropStatsTotal != 1 {
		t.Fatalf("drops: %+v", st)
	}
	if st.QueueDepth != 1 || st.QueueCapacity != 1 {
		t.Fatalf("queue stats mismatch: depth=%d cap=%d", st.QueueDepth, st.QueueCapacity)
	}
}
