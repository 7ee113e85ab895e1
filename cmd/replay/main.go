package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"

	persistlog "voxelstream.ai/internal/persistence/log"
	"voxelstream.ai/internal/persistence/snapshot"
	"voxelstream.ai/internal/sim/chunkgen"
	"voxelstream.ai/internal/sim/tuning"
)

func main() {
	var (
		snapPath   = flag.String("snapshot", "", "path to .snap.zst")
		ticksDir   = flag.String("ticks", "", "ticks dir containing ticks-*.jsonl.zst (optional)")
		tuningPath = flag.String("tuning", "./configs/tuning.yaml", "tuning.yaml holding the terrain parameters")
		toTick     = flag.Uint64("to_tick", 0, "stop reading tick logs after this tick (inclusive, optional)")
	)
	flag.Parse()

	if *snapPath == "" {
		fmt.Fprintln(os.Stderr, "missing -snapshot")
		os.Exit(2)
	}

	snap, err := snapshot.ReadSnapshot(*snapPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read snapshot:", err)
		os.Exit(1)
	}
	fmt.Printf("snapshot v%d world=%s tick=%d seed=%d radius=%d side=%d observer=%v live_bricks=%s palette=%s\n",
		snap.Header.Version, snap.Header.WorldID, snap.Header.Tick, snap.Seed, snap.WindowRadius, snap.World.Side,
		snap.Observer, humanize.Comma(int64(snap.World.LiveBricks)), humanize.Comma(int64(len(snap.World.Palette))))

	tune, err := tuning.Load(*tuningPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load tuning:", err)
		os.Exit(1)
	}
	terrain := chunkgen.NewTerrain(chunkgen.TerrainParams{
		Seed:       snap.Seed,
		BaseHeight: tune.Terrain.BaseHeight,
		Amplitude:  tune.Terrain.Amplitude,
		Scale:      tune.Terrain.Scale,
		Octaves:    tune.Terrain.Octaves,
	})
	rep, err := verifySnapshot(snap, terrain)
	if err != nil {
		fmt.Fprintln(os.Stderr, "verify:", err)
		os.Exit(1)
	}
	fmt.Printf("regenerated chunks=%d bricks=%s mismatches=%d\n", rep.Chunks, humanize.Comma(int64(rep.Bricks)), rep.Mismatches)
	if rep.Mismatches > 0 {
		fmt.Fprintln(os.Stderr, "first mismatch:", rep.First)
		os.Exit(1)
	}

	if *ticksDir == "" {
		return
	}
	files, err := listTickFiles(*ticksDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "list ticks:", err)
		os.Exit(1)
	}
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "no tick files found in", *ticksDir)
		os.Exit(1)
	}
	var sum tickSummary
	for _, path := range files {
		entries, err := persistlog.ReadTicks(path)
		if err != nil {
			fmt.Fprintln(os.Stderr, "read ticks:", err)
			os.Exit(1)
		}
		if err := sum.add(entries, snap.Header.Tick, *toTick); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", filepath.Base(path), err)
			os.Exit(1)
		}
	}
	fmt.Printf("ticks ok: %d..%d count=%d brick_changes=%s applied=%d empty=%d dropped=%d discarded=%d moves=%d max_in_flight=%d\n",
		sum.First, sum.Last, sum.Count, humanize.Comma(int64(sum.BrickChanges)),
		sum.Applied, sum.AppliedEmpty, sum.Dropped, sum.Discarded, sum.Moves, sum.MaxInFlight)
}

func listTickFiles(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, "ticks-") && strings.HasSuffix(name, ".jsonl.zst") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, name := range names {
		out = append(out, filepath.Join(dir, name))
	}
	return out, nil
}
