package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-gl/mathgl/mgl32"

	persistlog "voxelstream.ai/internal/persistence/log"
	"voxelstream.ai/internal/persistence/snapshot"
	"voxelstream.ai/internal/sim/arena"
	"voxelstream.ai/internal/sim/dynworld"
	"voxelstream.ai/internal/sim/streaming"
	"voxelstream.ai/internal/sim/tuning"
	"voxelstream.ai/internal/transport/mirror"
)

// hostMetrics is what /metrics reports. It is replaced after every tick so
// HTTP handlers never touch the world directly.
type hostMetrics struct {
	Tick      uint64              `json:"tick"`
	Stats     streaming.TickStats `json:"stats"`
	Mirrors   int                 `json:"mirrors"`
	StepMS    float64             `json:"step_ms"`
	Generated uint64              `json:"generated"`
	Discarded uint64              `json:"discarded"`
}

type snapshotReply struct {
	tick uint64
	err  error
}

// host drives one coordinator on the tick goroutine and fans its output out
// to the mirror hub, tick logs and snapshots.
type host struct {
	worldID string
	tune    tuning.Tuning
	coord   *streaming.Coordinator
	hub     *mirror.Hub
	logs    []tickWriter
	snaps   chan<- snapshot.SnapshotV1
	snapReq chan chan snapshotReply
	logger  *log.Logger
	now     func() time.Time

	tick     uint64
	observer mgl32.Vec3
	velocity mgl32.Vec3

	snapshots atomic.Uint64
	metrics   atomic.Pointer[hostMetrics]
}

// step advances the observer and runs one streaming tick. Errors are fatal to
// the loop; persistence and transport failures are only logged.
func (h *host) step() error {
	start := h.now()
	h.tick++
	h.observer = h.observer.Add(h.velocity)

	stats, err := h.coord.Tick(h.observer)
	if err != nil {
		return fmt.Errorf("tick %d: %w", h.tick, err)
	}
	w := h.coord.World()
	changes := w.CollectBrickChanges()
	gridDirty := w.TakeGridDirty()
	mirrors := h.hub.Publish(h.tick, h.coord, changes, gridDirty)

	entry := persistlog.TickEntry{
		Tick:         h.tick,
		WorldID:      h.worldID,
		UnixMs:       start.UnixMilli(),
		BrickChanges: len(changes),
		GridSent:     gridDirty && mirrors > 0,
		Mirrors:      mirrors,
		Stats:        stats,
	}
	for _, l := range h.logs {
		if err := l.WriteTick(entry); err != nil {
			h.logf("tick log: %v", err)
		}
	}

	if every := h.tune.SnapshotEveryTicks; every > 0 && h.tick%uint64(every) == 0 {
		h.queueSnapshot()
	}

	svc := h.coord.Service()
	h.metrics.Store(&hostMetrics{
		Tick:      h.tick,
		Stats:     stats,
		Mirrors:   mirrors,
		StepMS:    float64(h.now().Sub(start).Microseconds()) / 1000,
		Generated: svc.Generated(),
		Discarded: svc.Discarded(),
	})
	return nil
}

func (h *host) snapshot() snapshot.SnapshotV1 {
	snap := h.coord.Snapshot()
	snap.Header.WorldID = h.worldID
	snap.Header.Tick = h.tick
	snap.Seed = h.tune.Terrain.Seed
	snap.TickRate = h.tune.TickRateHz
	return snap
}

func (h *host) queueSnapshot() bool {
	if h.snaps == nil {
		return false
	}
	select {
	case h.snaps <- h.snapshot():
		return true
	default:
		h.logf("snapshot writer busy; skipping tick %d", h.tick)
		return false
	}
}

// requestSnapshot asks the tick goroutine to queue a snapshot of its current
// tick.
func (h *host) requestSnapshot(ctx context.Context) (uint64, error) {
	reply := make(chan snapshotReply, 1)
	select {
	case h.snapReq <- reply:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case r := <-reply:
		return r.tick, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (h *host) serveSnapshotRequest(reply chan<- snapshotReply) {
	if !h.queueSnapshot() {
		reply <- snapshotReply{tick: h.tick, err: errors.New("snapshot writer busy")}
		return
	}
	reply <- snapshotReply{tick: h.tick}
}

// resume restores the coordinator and places the observer at the center of
// the snapshot's observer chunk.
func (h *host) resume(snap snapshot.SnapshotV1) error {
	if snap.Header.WorldID != "" && snap.Header.WorldID != h.worldID {
		return fmt.Errorf("snapshot world id mismatch: want %s, got %s", h.worldID, snap.Header.WorldID)
	}
	if snap.WindowRadius != h.tune.Streaming.WindowRadius {
		return fmt.Errorf("snapshot window radius %d does not match tuning %d", snap.WindowRadius, h.tune.Streaming.WindowRadius)
	}
	if err := h.coord.Restore(snap); err != nil {
		return err
	}
	h.tick = snap.Header.Tick
	h.observer = chunkCenter(h.coord.Observer())
	return nil
}

func (h *host) logf(format string, args ...any) {
	if h.logger != nil {
		h.logger.Printf(format, args...)
	}
}

func chunkCenter(c dynworld.WorldChunkPos) mgl32.Vec3 {
	const half = dynworld.ChunkWorldLength / 2
	return mgl32.Vec3{
		float32(c.X)*dynworld.ChunkWorldLength + half,
		float32(c.Y)*dynworld.ChunkWorldLength + half,
		float32(c.Z)*dynworld.ChunkWorldLength + half,
	}
}

// snapshotWriter persists queued snapshots until snaps is closed.
func snapshotWriter(worldDir string, snaps <-chan snapshot.SnapshotV1, idx runtimeIndex, counter *atomic.Uint64, logger *log.Logger) {
	for snap := range snaps {
		path := filepath.Join(worldDir, "snapshots", fmt.Sprintf("%d.snap.zst", snap.Header.Tick))
		if err := snapshot.WriteSnapshot(path, snap); err != nil {
			logger.Printf("snapshot write: %v", err)
			continue
		}
		counter.Add(1)
		size := "?"
		if fi, err := os.Stat(path); err == nil {
			size = humanize.Bytes(uint64(fi.Size()))
		}
		logger.Printf("snapshot tick=%d live_bricks=%s size=%s", snap.Header.Tick, humanize.Comma(int64(snap.World.LiveBricks)), size)
		if idx != nil {
			idx.RecordSnapshot(path, snap)
		}
	}
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

// arenaBudget describes the configured arena ceilings.
func arenaBudget(s tuning.Streaming) string {
	const brickBytes = 4 + 1 + arena.OccupancyBytes + 2*arena.BrickVolume
	bricks := "unbounded"
	if s.MaxBrickSlots > 0 {
		bricks = humanize.Bytes(uint64(s.MaxBrickSlots) * brickBytes)
	}
	palette := "unbounded"
	if s.MaxPaletteEntries > 0 {
		palette = humanize.Bytes(uint64(s.MaxPaletteEntries) * 4)
	}
	return fmt.Sprintf("bricks<=%s palette<=%s", bricks, palette)
}

// parseVec3 reads "x,y,z".
func parseVec3(s string) (mgl32.Vec3, error) {
	var v mgl32.Vec3
	s = strings.TrimSpace(s)
	if s == "" {
		return v, nil
	}
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return v, fmt.Errorf("want x,y,z, got %q", s)
	}
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return v, fmt.Errorf("component %d: %w", i, err)
		}
		v[i] = float32(f)
	}
	return v, nil
}
