package dynworld

import (
	"fmt"

	"voxelstream.ai/internal/persistence/snapshot"
	"voxelstream.ai/internal/sim/arena"
	"voxelstream.ai/internal/sim/grid"
	"voxelstream.ai/internal/sim/morton"
)

// Export copies the resident state. Loading chunks are written as Unloaded
// since their requests do not survive a restart.
func (w *World) Export() snapshot.WorldV1 {
	out := snapshot.WorldV1{
		Side:          w.window.Side,
		Translation:   w.translation.Vec(),
		BrickIndices:  make([]uint32, len(w.brickIndices)),
		BrickFreeHead: w.bricks.FreeHead(),
		LiveBricks:    w.bricks.Live(),
		PaletteRuns:   w.palettes.LiveRuns(),
	}

	status := grid.NewStatusGrid(w.chunks.Len())
	status.Load(w.chunks.Bytes())
	for code := morton.Code(0); code < morton.Code(status.Len()); code++ {
		if status.Get(code) == grid.Loading {
			status.Set(code, grid.Unloaded)
		}
	}
	out.ChunkStatus = status.Bytes()

	for i, b := range w.brickIndices {
		out.BrickIndices[i] = uint32(b)
	}
	data := w.bricks.Data()
	out.Bricks = make([]snapshot.BrickV1, len(data))
	for i := range data {
		b := &data[i]
		out.Bricks[i] = snapshot.BrickV1{
			PaletteIndex: b.PaletteIndex,
			PaletteClass: b.PaletteClass,
			Occupancy:    append([]byte(nil), b.Occupancy[:]...),
			Materials:    append([]uint16(nil), b.Materials[:]...),
		}
	}
	entries := w.palettes.Entries()
	out.Palette = make([]uint32, len(entries))
	for i, e := range entries {
		out.Palette[i] = uint32(e)
	}
	out.PaletteFreeHeads = w.palettes.FreeHeads()
	return out
}

// Import replaces the resident state with s. The window size must match.
func (w *World) Import(s snapshot.WorldV1) error {
	if s.Side != w.window.Side {
		return fmt.Errorf("snapshot window side %d, world side %d", s.Side, w.window.Side)
	}
	if len(s.BrickIndices) != len(w.brickIndices) {
		return fmt.Errorf("snapshot has %d brick indices, want %d", len(s.BrickIndices), len(w.brickIndices))
	}
	if len(s.ChunkStatus) != len(w.chunks.Bytes()) {
		return fmt.Errorf("snapshot chunk grid has %d bytes, want %d", len(s.ChunkStatus), len(w.chunks.Bytes()))
	}
	if err := checkBrickRefs(s); err != nil {
		return err
	}

	bricks := make([]arena.BrickData, len(s.Bricks))
	for i, b := range s.Bricks {
		if len(b.Occupancy) != arena.OccupancyBytes || len(b.Materials) != arena.BrickVolume {
			return fmt.Errorf("snapshot brick %d is malformed", i)
		}
		bricks[i].PaletteIndex = b.PaletteIndex
		bricks[i].PaletteClass = b.PaletteClass
		copy(bricks[i].Occupancy[:], b.Occupancy)
		copy(bricks[i].Materials[:], b.Materials)
	}
	if err := w.bricks.Restore(bricks, s.BrickFreeHead, s.LiveBricks); err != nil {
		return err
	}
	entries := make([]arena.PaletteEntry, len(s.Palette))
	for i, e := range s.Palette {
		entries[i] = arena.PaletteEntry(e)
	}
	if err := w.palettes.Restore(entries, s.PaletteFreeHeads, s.PaletteRuns); err != nil {
		return err
	}

	w.chunks.Load(s.ChunkStatus)
	for i, b := range s.BrickIndices {
		w.brickIndices[i] = BrickIndex(b)
	}
	w.translation = Translation{X: s.Translation[0], Y: s.Translation[1], Z: s.Translation[2]}
	w.changes = nil
	w.recount()
	w.gridDirty = true
	return nil
}

// checkBrickRefs verifies that every Loaded index entry owns a distinct brick
// slot and that the palette run of that brick lies inside the palette.
func checkBrickRefs(s snapshot.WorldV1) error {
	owned := make([]bool, len(s.Bricks))
	loaded := 0
	for i, raw := range s.BrickIndices {
		idx := BrickIndex(raw)
		if idx.Status() != grid.Loaded {
			continue
		}
		slot := idx.Slot()
		if int(slot) >= len(s.Bricks) {
			return fmt.Errorf("brick index %d: slot %d out of range %d", i, slot, len(s.Bricks))
		}
		if owned[slot] {
			return fmt.Errorf("brick index %d: slot %d is shared", i, slot)
		}
		owned[slot] = true
		loaded++

		b := s.Bricks[slot]
		if b.PaletteClass >= arena.PaletteClasses {
			return fmt.Errorf("brick slot %d: palette class %d", slot, b.PaletteClass)
		}
		if end := uint64(b.PaletteIndex) + uint64(arena.ClassLen(b.PaletteClass)); end > uint64(len(s.Palette)) {
			return fmt.Errorf("brick slot %d: palette run %d+%d out of range %d", slot, b.PaletteIndex, arena.ClassLen(b.PaletteClass), len(s.Palette))
		}
	}
	if loaded != s.LiveBricks {
		return fmt.Errorf("snapshot has %d loaded bricks, header says %d", loaded, s.LiveBricks)
	}
	return nil
}

func (w *World) recount() {
	w.statusCount = [4]int{}
	clear(w.superCounts)
	w.superChunks.Reset()
	for code := morton.Code(0); code < morton.Code(w.chunks.Len()); code++ {
		s := w.chunks.Get(code)
		if s == grid.Loading {
			s = grid.Unloaded
			w.chunks.Set(code, s)
		}
		w.statusCount[s]++
		if s == grid.Loaded {
			super := code.Parent(SuperChunkMortonShift)
			w.superCounts[super]++
			w.superChunks.Set(super, true)
		}
	}
}
