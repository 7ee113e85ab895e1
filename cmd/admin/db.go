package main

import (
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	worldID := fs.String("world", "", "world id (required unless -db)")
	dbPath := fs.String("db", "", "sqlite db path (optional)")
	limit := fs.Int("limit", 20, "result limit")
	_ = fs.Parse(args)

	q := "snapshots"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}

	path := strings.TrimSpace(*dbPath)
	if path == "" {
		if strings.TrimSpace(*worldID) == "" {
			fmt.Fprintln(os.Stderr, "missing -world or -db")
			os.Exit(2)
		}
		path = filepath.Join(*dataDir, "worlds", *worldID, "index", "world.sqlite")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := runQuery(db, q, *limit, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "query:", err)
		os.Exit(1)
	}
}

type snapshotRow struct {
	Tick           int64    `json:"tick"`
	Path           string   `json:"path"`
	Seed           int64    `json:"seed"`
	Observer       [3]int32 `json:"observer"`
	LastFrame      int64    `json:"last_frame"`
	Side           int      `json:"side"`
	BrickSlots     int      `json:"brick_slots"`
	LiveBricks     int      `json:"live_bricks"`
	PaletteEntries int      `json:"palette_entries"`
}

type tickRow struct {
	Tick         int64    `json:"tick"`
	Observer     [3]int32 `json:"observer"`
	Frame        int64    `json:"frame"`
	Submitted    int      `json:"submitted"`
	Applied      int      `json:"applied"`
	Discarded    int      `json:"discarded"`
	InFlight     int      `json:"in_flight"`
	BrickChanges int      `json:"brick_changes"`
	LiveBricks   int      `json:"live_bricks"`
}

// runQuery prints one JSON object per row of the named read-model query.
func runQuery(db *sql.DB, q string, limit int, out io.Writer) error {
	if limit <= 0 {
		limit = 20
	}
	enc := json.NewEncoder(out)

	switch q {
	case "snapshots":
		rows, err := db.Query(`SELECT tick,path,seed,observer_x,observer_y,observer_z,last_frame,side,brick_slots,live_bricks,palette_entries FROM snapshots ORDER BY tick DESC LIMIT ?`, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var r snapshotRow
			if err := rows.Scan(&r.Tick, &r.Path, &r.Seed, &r.Observer[0], &r.Observer[1], &r.Observer[2], &r.LastFrame, &r.Side, &r.BrickSlots, &r.LiveBricks, &r.PaletteEntries); err != nil {
				return err
			}
			_ = enc.Encode(r)
		}
		return rows.Err()

	case "ticks":
		rows, err := db.Query(`SELECT tick,observer_x,observer_y,observer_z,frame,submitted,applied,discarded,in_flight,brick_changes,live_bricks FROM ticks ORDER BY tick DESC LIMIT ?`, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var r tickRow
			if err := rows.Scan(&r.Tick, &r.Observer[0], &r.Observer[1], &r.Observer[2], &r.Frame, &r.Submitted, &r.Applied, &r.Discarded, &r.InFlight, &r.BrickChanges, &r.LiveBricks); err != nil {
				return err
			}
			_ = enc.Encode(r)
		}
		return rows.Err()

	case "tuning":
		var digest, raw, updated string
		err := db.QueryRow(`SELECT digest,json,updated_at FROM config WHERE name='tuning'`).Scan(&digest, &raw, &updated)
		if err == sql.ErrNoRows {
			return fmt.Errorf("no tuning recorded")
		}
		if err != nil {
			return err
		}
		return enc.Encode(map[string]any{"digest": digest, "updated_at": updated, "tuning": json.RawMessage(raw)})

	default:
		return fmt.Errorf("unknown query %q (snapshots|ticks|tuning)", q)
	}
}
