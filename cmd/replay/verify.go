package main

import (
	"fmt"

	persistlog "voxelstream.ai/internal/persistence/log"
	"voxelstream.ai/internal/persistence/snapshot"
	"voxelstream.ai/internal/sim/chunkgen"
	"voxelstream.ai/internal/sim/dynworld"
	"voxelstream.ai/internal/sim/grid"
	"voxelstream.ai/internal/sim/morton"
)

type verifyReport struct {
	Chunks     int
	Bricks     int
	Mismatches int
	First      string
}

func (r *verifyReport) mismatch(format string, args ...any) {
	if r.Mismatches == 0 {
		r.First = fmt.Sprintf(format, args...)
	}
	r.Mismatches++
}

// verifySnapshot regenerates every resident chunk and compares it brick by
// brick with the stored payloads.
func verifySnapshot(snap snapshot.SnapshotV1, gen chunkgen.Generator) (verifyReport, error) {
	var rep verifyReport
	w, err := dynworld.New(dynworld.Config{WindowRadius: snap.WindowRadius})
	if err != nil {
		return rep, err
	}
	if err := w.Import(snap.World); err != nil {
		return rep, err
	}
	observer := dynworld.WorldChunkPos{X: snap.Observer[0], Y: snap.Observer[1], Z: snap.Observer[2]}

	chunks := w.ChunkOccupancyGrid()
	for code := morton.Code(0); code < morton.Code(chunks.Len()); code++ {
		st := chunks.Get(code)
		if st != grid.Loaded && st != grid.LoadedEmpty {
			continue
		}
		rep.Chunks++
		m := dynworld.MemChunkFromMorton(code)
		pos := w.MemToWorld(m, observer)
		g := gen.Generate(pos)
		if st == grid.LoadedEmpty {
			if !g.Empty() {
				rep.mismatch("chunk %v stored empty but generates voxels", pos)
			}
			continue
		}
		if g.Empty() {
			rep.mismatch("chunk %v stored loaded but generates empty", pos)
			continue
		}
		for local := morton.Code(0); local < dynworld.ChunkVolume; local++ {
			rep.Bricks++
			want, err := dynworld.BuildBrickPayload(g.BrickVoxels(local))
			if err != nil {
				return rep, fmt.Errorf("chunk %v brick %d: %w", pos, local, err)
			}
			if msg := compareBrick(w, m.BrickMorton(local), want); msg != "" {
				rep.mismatch("chunk %v brick %d: %s", pos, local, msg)
			}
		}
	}
	return rep, nil
}

func compareBrick(w *dynworld.World, code morton.Code, want *dynworld.BrickPayload) string {
	idx := w.BrickIndices()[code]
	if want == nil {
		if idx.Status() != grid.LoadedEmpty {
			return fmt.Sprintf("want empty, stored %s", idx.Status())
		}
		return ""
	}
	if idx.Status() != grid.Loaded {
		return fmt.Sprintf("want loaded, stored %s", idx.Status())
	}
	b := w.BrickData().Get(idx.Slot())
	if b.Occupancy != want.Occupancy {
		return "occupancy differs"
	}
	run := w.BrickPaletteList().Run(b.PaletteIndex, b.PaletteClass)
	for i := range b.Materials {
		if !b.Occupied(i) {
			continue
		}
		if got, exp := run[b.Materials[i]], want.Palette[want.Materials[i]]; got != exp {
			return fmt.Sprintf("voxel %d color %08x, want %08x", i, uint32(got), uint32(exp))
		}
	}
	return ""
}

type tickSummary struct {
	First, Last  uint64
	Count        int
	BrickChanges int
	Applied      int
	AppliedEmpty int
	Dropped      int
	Discarded    int
	Moves        int
	MaxInFlight  int
}

// add folds entries after fromTick into the summary. Ticks must be
// contiguous across calls.
func (s *tickSummary) add(entries []persistlog.TickEntry, fromTick, toTick uint64) error {
	for _, e := range entries {
		if e.Tick <= fromTick {
			continue
		}
		if toTick != 0 && e.Tick > toTick {
			return nil
		}
		if s.Count > 0 && e.Tick != s.Last+1 {
			return fmt.Errorf("tick gap: %d follows %d", e.Tick, s.Last)
		}
		if s.Count == 0 {
			s.First = e.Tick
		}
		s.Last = e.Tick
		s.Count++
		s.BrickChanges += e.BrickChanges
		s.Applied += e.Stats.Applied
		s.AppliedEmpty += e.Stats.AppliedEmpty
		s.Dropped += e.Stats.Dropped
		s.Discarded += e.Stats.Discarded
		if e.Stats.Moved {
			s.Moves++
		}
		s.MaxInFlight = max(s.MaxInFlight, e.Stats.InFlight)
	}
	return nil
}
