package indexdb

import (
	"database/sql"
	"path/filepath"
	"testing"

	"voxelstream.ai/internal/persistence/log"
	"voxelstream.ai/internal/persistence/snapshot"
	"voxelstream.ai/internal/sim/dynworld"
	"voxelstream.ai/internal/sim/streaming"
	"voxelstream.ai/internal/sim/tuning"
)

func TestSQLiteIndex_QueueDropStats(t *testing.T) {
	s := &SQLiteIndex{ch: make(chan req, 1)}
	s.ch <- req{kind: reqTick, tick: log.TickEntry{Tick: 1}}

	_ = s.WriteTick(log.TickEntry{Tick: 2})
	s.RecordSnapshot("/tmp/2.snap.zst", snapshot.SnapshotV1{})

	st := s.Stats()
	if st.DropTickTotal != 1 || st.DropSnapshotTotal != 1 {
		t.Fatalf("drops: %+v", st)
	}
	if st.QueueDepth != 1 || st.QueueCapacity != 1 {
		t.Fatalf("queue stats mismatch: depth=%d cap=%d", st.QueueDepth, st.QueueCapacity)
	}
}

func TestSQLiteIndex_WritesRows(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "index", "world.sqlite")
	idx, err := OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := idx.UpsertTuning(tuning.Defaults()); err != nil {
		t.Fatalf("tuning: %v", err)
	}
	for tick := uint64(1); tick <= 3; tick++ {
		_ = idx.WriteTick(log.TickEntry{
			Tick:         tick,
			BrickChanges: 512,
			Stats: streaming.TickStats{
				Observer:  dynworld.WorldChunkPos{X: int32(tick), Z: -1},
				Submitted: 2,
				Applied:   1,
			},
		})
	}
	idx.RecordSnapshot("/data/snapshots/3.snap.zst", snapshot.SnapshotV1{
		Header:   snapshot.Header{Version: snapshot.Version, Tick: 3},
		Seed:     9,
		Observer: [3]int32{3, 0, -1},
		World:    snapshot.WorldV1{Side: 8, LiveBricks: 4},
	})
	if err := idx.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()

	var n, x, changes int
	if err := db.QueryRow(`SELECT COUNT(*) FROM ticks`).Scan(&n); err != nil || n != 3 {
		t.Fatalf("ticks=%d err=%v", n, err)
	}
	if err := db.QueryRow(`SELECT observer_x, brick_changes FROM ticks WHERE tick=2`).Scan(&x, &changes); err != nil {
		t.Fatalf("tick row: %v", err)
	}
	if x != 2 || changes != 512 {
		t.Fatalf("tick row: x=%d changes=%d", x, changes)
	}
	var side, live int
	var path string
	if err := db.QueryRow(`SELECT path, side, live_bricks FROM snapshots WHERE tick=3`).Scan(&path, &side, &live); err != nil {
		t.Fatalf("snapshot row: %v", err)
	}
	if path != "/data/snapshots/3.snap.zst" || side != 8 || live != 4 {
		t.Fatalf("snapshot row: %s %d %d", path, side, live)
	}
	var digest string
	if err := db.QueryRow(`SELECT digest FROM config WHERE name='tuning'`).Scan(&digest); err != nil || len(digest) != 64 {
		t.Fatalf("tuning digest=%q err=%v", digest, err)
	}
}
