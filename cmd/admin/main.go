package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"voxelstream.ai/internal/persistence/snapshot"
	"voxelstream.ai/internal/sim/dynworld"
	"voxelstream.ai/internal/sim/grid"
	"voxelstream.ai/internal/sim/morton"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "evict":
			evictCmd(os.Args[2:])
			return
		case "db":
			dbCmd(os.Args[2:])
			return
		case "state":
			stateCmd(os.Args[2:])
			return
		case "snapshot":
			snapshotCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	worldID := fs.String("world", "", "world id (optional)")
	_ = fs.Parse(args)

	base := filepath.Join(*dataDir, "worlds")
	if *worldID != "" {
		base = filepath.Join(base, *worldID)
	}

	entries, err := os.ReadDir(base)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	for _, e := range entries {
		fmt.Println(e.Name())
	}
}

// evictCmd rewrites a snapshot with the resident chunks inside a chunk-space
// box unloaded, so a resumed server regenerates them.
func evictCmd(args []string) {
	fs := flag.NewFlagSet("evict", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	worldID := fs.String("world", "", "world id")
	snapPath := fs.String("snapshot", "", "snapshot path (optional; defaults to latest)")
	aabb := fs.String("aabb", "", "chunk box: x1,y1,z1:x2,y2,z2 (required)")
	outPath := fs.String("out", "", "output snapshot path (optional)")
	_ = fs.Parse(args)

	if strings.TrimSpace(*worldID) == "" {
		fmt.Fprintln(os.Stderr, "missing -world")
		os.Exit(2)
	}
	if strings.TrimSpace(*aabb) == "" {
		fmt.Fprintln(os.Stderr, "missing -aabb")
		os.Exit(2)
	}

	worldDir := filepath.Join(*dataDir, "worlds", *worldID)
	snapshotToLoad := strings.TrimSpace(*snapPath)
	if snapshotToLoad == "" {
		snapshotToLoad = latestSnapshot(worldDir)
	}
	if snapshotToLoad == "" {
		fmt.Fprintln(os.Stderr, "no snapshot found; provide -snapshot or run server until it writes one")
		os.Exit(2)
	}

	snap, err := snapshot.ReadSnapshot(snapshotToLoad)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read snapshot:", err)
		os.Exit(1)
	}
	lo, hi, err := parseAABB(*aabb)
	if err != nil {
		fmt.Fprintln(os.Stderr, "bad -aabb:", err)
		os.Exit(2)
	}

	evicted, err := evictChunks(&snap, lo, hi)
	if err != nil {
		fmt.Fprintln(os.Stderr, "evict:", err)
		os.Exit(1)
	}
	if evicted == 0 {
		fmt.Println("no resident chunks in box; nothing to evict")
		return
	}

	out := strings.TrimSpace(*outPath)
	if out == "" {
		// A later tick sorts ahead of the source when the server looks for
		// the latest snapshot.
		snap.Header.Tick++
		out = filepath.Join(worldDir, "snapshots", fmt.Sprintf("%d.snap.zst", snap.Header.Tick))
	}
	if err := snapshot.WriteSnapshot(out, snap); err != nil {
		fmt.Fprintln(os.Stderr, "write snapshot:", err)
		os.Exit(1)
	}
	fmt.Printf("evicted=%d chunks from=%s out=%s\n", evicted, filepath.Base(snapshotToLoad), out)
}

// evictChunks unloads every Loaded or LoadedEmpty chunk whose world chunk
// position lies in [lo, hi] and stores the result back into snap.
func evictChunks(snap *snapshot.SnapshotV1, lo, hi dynworld.WorldChunkPos) (int, error) {
	w, err := dynworld.New(dynworld.Config{WindowRadius: snap.WindowRadius})
	if err != nil {
		return 0, err
	}
	if err := w.Import(snap.World); err != nil {
		return 0, err
	}
	observer := dynworld.WorldChunkPos{X: snap.Observer[0], Y: snap.Observer[1], Z: snap.Observer[2]}

	evicted := 0
	chunks := w.ChunkOccupancyGrid()
	for code := morton.Code(0); code < morton.Code(chunks.Len()); code++ {
		st := chunks.Get(code)
		if st != grid.Loaded && st != grid.LoadedEmpty {
			continue
		}
		m := dynworld.MemChunkFromMorton(code)
		if !withinAABB(w.MemToWorld(m, observer), lo, hi) {
			continue
		}
		w.UnloadChunk(m)
		evicted++
	}
	snap.World = w.Export()
	return evicted, nil
}

func withinAABB(p, lo, hi dynworld.WorldChunkPos) bool {
	return p.X >= lo.X && p.X <= hi.X &&
		p.Y >= lo.Y && p.Y <= hi.Y &&
		p.Z >= lo.Z && p.Z <= hi.Z
}

func parseAABB(s string) (lo, hi dynworld.WorldChunkPos, err error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return lo, hi, fmt.Errorf("expected x1,y1,z1:x2,y2,z2")
	}
	a, err := parseChunkPos(parts[0])
	if err != nil {
		return lo, hi, err
	}
	b, err := parseChunkPos(parts[1])
	if err != nil {
		return lo, hi, err
	}
	lo = dynworld.WorldChunkPos{X: min(a.X, b.X), Y: min(a.Y, b.Y), Z: min(a.Z, b.Z)}
	hi = dynworld.WorldChunkPos{X: max(a.X, b.X), Y: max(a.Y, b.Y), Z: max(a.Z, b.Z)}
	return lo, hi, nil
}

func parseChunkPos(s string) (dynworld.WorldChunkPos, error) {
	parts := strings.Split(strings.TrimSpace(s), ",")
	if len(parts) != 3 {
		return dynworld.WorldChunkPos{}, fmt.Errorf("expected x,y,z")
	}
	var v [3]int32
	for i := range parts {
		n, err := strconv.ParseInt(strings.TrimSpace(parts[i]), 10, 32)
		if err != nil {
			return dynworld.WorldChunkPos{}, err
		}
		v[i] = int32(n)
	}
	return dynworld.WorldChunkPos{X: v[0], Y: v[1], Z: v[2]}, nil
}

func latestSnapshot(worldDir string) string {
	dir := filepath.Join(worldDir, "snapshots")
	ents, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var best string
	var bestTick uint64
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".snap.zst") {
			continue
		}
		tick, err := strconv.ParseUint(strings.TrimSuffix(name, ".snap.zst"), 10, 64)
		if err != nil {
			continue
		}
		if best == "" || tick > bestTick {
			bestTick = tick
			best = filepath.Join(dir, name)
		}
	}
	return best
}
