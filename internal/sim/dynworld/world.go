// Package dynworld is the resident working set: a toroidally addressed window
// of chunks around the observer, the brick index table and the arenas that
// back brick payloads. All methods must be called from one goroutine.
package dynworld

import (
	"errors"
	"fmt"

	"voxelstream.ai/internal/sim/arena"
	"voxelstream.ai/internal/sim/grid"
	"voxelstream.ai/internal/sim/morton"
)

type Config struct {
	WindowRadius      uint32
	MaxBrickSlots     int
	MaxPaletteEntries int
	// Center is the initial observer chunk; the translation starts at
	// Center mod side.
	Center WorldChunkPos
}

type World struct {
	window      Window
	translation Translation

	chunks      *grid.StatusGrid
	superChunks *grid.BitGrid
	superCounts []uint16
	statusCount [4]int

	brickIndices []BrickIndex
	bricks       *arena.BrickArena
	palettes     *arena.PaletteArena

	changes   []BrickChange
	gridDirty bool
}

func New(cfg Config) (*World, error) {
	win := NewWindow(cfg.WindowRadius)
	if cfg.MaxBrickSlots > MaxBrickSlot+1 {
		return nil, fmt.Errorf("max brick slots %d exceeds index range %d", cfg.MaxBrickSlots, MaxBrickSlot+1)
	}
	vol := win.Volume()
	superVol := (vol + SuperChunkVolume - 1) / SuperChunkVolume
	w := &World{
		window:       win,
		translation:  win.TranslationFor(cfg.Center),
		chunks:       grid.NewStatusGrid(vol),
		superChunks:  grid.NewBitGrid(superVol),
		superCounts:  make([]uint16, superVol),
		brickIndices: make([]BrickIndex, vol*ChunkVolume),
		bricks:       arena.NewBrickArena(cfg.MaxBrickSlots),
		palettes:     arena.NewPaletteArena(cfg.MaxPaletteEntries),
		gridDirty:    true,
	}
	w.statusCount[grid.Unloaded] = vol
	return w, nil
}

func (w *World) Window() Window { return w.window }

func (w *World) ChunkTranslation() Translation { return w.translation }

// ToMemory maps a world chunk to its storage address for a window centered on
// center. ok is false when the chunk is outside the window.
func (w *World) ToMemory(world, center WorldChunkPos) (MemChunkPos, bool) {
	d, ok := w.window.ToDyn(world, center)
	if !ok {
		return MemChunkPos{}, false
	}
	return w.window.Translate(d, w.translation), true
}

func (w *World) MemToWorld(m MemChunkPos, center WorldChunkPos) WorldChunkPos {
	return w.window.ToWorld(m, w.translation, center)
}

func (w *World) ChunkStatus(m MemChunkPos) grid.Status {
	return w.chunks.Get(m.Morton())
}

// SetChunkLoading marks a chunk as requested so it is not submitted twice.
func (w *World) SetChunkLoading(m MemChunkPos) {
	w.setChunkStatus(m.Morton(), grid.Loading)
}

// ResetChunkLoading returns a Loading chunk to Unloaded, e.g. when its
// request could not be queued or was discarded.
func (w *World) ResetChunkLoading(m MemChunkPos) {
	code := m.Morton()
	if w.chunks.Get(code) == grid.Loading {
		w.setChunkStatus(code, grid.Unloaded)
	}
}

// ApplyGeneratedChunk stores generated content at m. Every brick of a
// non-empty chunk is rewritten and reported as a change. The only error is a
// capacity violation of the brick or palette arena.
func (w *World) ApplyGeneratedChunk(m MemChunkPos, src VoxelSource) error {
	code := m.Morton()
	if src.Empty() {
		w.setChunkStatus(code, grid.LoadedEmpty)
		return nil
	}
	w.setChunkStatus(code, grid.Loaded)
	for b := morton.Code(0); b < ChunkVolume; b++ {
		payload, err := BuildBrickPayload(src.BrickVoxels(b))
		if err != nil {
			return fmt.Errorf("chunk %v brick %d: %w", m, b, err)
		}
		if err := w.SetBrick(m.BrickMorton(b), payload); err != nil {
			return fmt.Errorf("chunk %v brick %d: %w", m, b, err)
		}
	}
	return nil
}

// SetBrick rewrites one brick index entry. A nil payload marks the brick
// LoadedEmpty. Any payload previously held by the entry is released first so
// its slot is the next one reused. When an arena is full, payloads left behind
// by chunks that are no longer Loaded are reclaimed before giving up.
func (w *World) SetBrick(code morton.Code, p *BrickPayload) error {
	if prev := w.brickIndices[code]; prev.Status() == grid.Loaded {
		w.releaseBrick(prev.Slot())
	}
	w.brickIndices[code] = UnloadedBrick

	idx := LoadedEmptyBrick
	if p != nil {
		slot, err := w.storeBrick(p)
		if errors.Is(err, arena.ErrCapacityExceeded) && w.reclaimStaleBricks() > 0 {
			slot, err = w.storeBrick(p)
		}
		if err != nil {
			w.changes = append(w.changes, BrickChange{Brick: code, Index: UnloadedBrick})
			return err
		}
		idx = NewLoadedBrick(slot)
	}
	w.brickIndices[code] = idx
	w.changes = append(w.changes, BrickChange{Brick: code, Index: idx})
	return nil
}

func (w *World) storeBrick(p *BrickPayload) (uint32, error) {
	start, class, err := w.palettes.Alloc(p.Palette)
	if err != nil {
		return 0, err
	}
	slot, err := w.bricks.Insert(arena.BrickData{
		PaletteIndex: start,
		PaletteClass: class,
		Occupancy:    p.Occupancy,
		Materials:    p.Materials,
	})
	if err != nil {
		w.palettes.Free(start, class)
		return 0, err
	}
	return slot, nil
}

// reclaimStaleBricks frees the payloads still held by bricks of chunks that
// are not Loaded, resets those entries to Unloaded and reports how many it
// freed. Each reset entry is queued as a change.
func (w *World) reclaimStaleBricks() int {
	n := 0
	for chunk := morton.Code(0); chunk < morton.Code(w.chunks.Len()); chunk++ {
		if w.chunks.Get(chunk) == grid.Loaded {
			continue
		}
		base := chunk.Child(ChunkMortonShift, 0)
		for code := base; code < base+ChunkVolume; code++ {
			idx := w.brickIndices[code]
			if idx.Status() != grid.Loaded {
				continue
			}
			w.releaseBrick(idx.Slot())
			w.brickIndices[code] = UnloadedBrick
			w.changes = append(w.changes, BrickChange{Brick: code, Index: UnloadedBrick})
			n++
		}
	}
	return n
}

func (w *World) releaseBrick(slot uint32) {
	b := w.bricks.Get(slot)
	w.palettes.Free(b.PaletteIndex, b.PaletteClass)
	w.bricks.Free(slot)
}

func (w *World) IsBrickLoaded(code morton.Code) bool {
	return w.brickIndices[code].Status().IsLoaded()
}

// UnloadChunk forgets a chunk's status. Brick slots are left in place; they
// are released when the memory cell is loaded again or reclaimed when an arena
// runs out of room.
func (w *World) UnloadChunk(m MemChunkPos) {
	w.setChunkStatus(m.Morton(), grid.Unloaded)
}

// CollectBrickChanges drains the pending change queue.
func (w *World) CollectBrickChanges() []BrickChange {
	out := w.changes
	w.changes = nil
	return out
}

// PendingBrickChanges reports the queue length without draining it.
func (w *World) PendingBrickChanges() int { return len(w.changes) }

// TakeGridDirty reports whether any chunk status changed since the last call.
func (w *World) TakeGridDirty() bool {
	d := w.gridDirty
	w.gridDirty = false
	return d
}

func (w *World) setChunkStatus(code morton.Code, s grid.Status) {
	prev := w.chunks.Get(code)
	if prev == s {
		return
	}
	w.chunks.Set(code, s)
	w.statusCount[prev]--
	w.statusCount[s]++
	w.gridDirty = true

	super := code.Parent(SuperChunkMortonShift)
	switch {
	case s == grid.Loaded:
		w.superCounts[super]++
		w.superChunks.Set(super, true)
	case prev == grid.Loaded:
		w.superCounts[super]--
		if w.superCounts[super] == 0 {
			w.superChunks.Set(super, false)
		}
	}
}

// Read-only views for mirroring. Callers must not modify them.

func (w *World) ChunkOccupancyGrid() *grid.StatusGrid { return w.chunks }

func (w *World) SuperChunkBitGrid() *grid.BitGrid { return w.superChunks }

func (w *World) BrickIndices() []BrickIndex { return w.brickIndices }

func (w *World) BrickData() *arena.BrickArena { return w.bricks }

func (w *World) BrickPaletteList() *arena.PaletteArena { return w.palettes }

type Stats struct {
	Unloaded       int `json:"unloaded"`
	Loading        int `json:"loading"`
	Loaded         int `json:"loaded"`
	LoadedEmpty    int `json:"loaded_empty"`
	BrickSlots     int `json:"brick_slots"`
	LiveBricks     int `json:"live_bricks"`
	PaletteEntries int `json:"palette_entries"`
}

func (w *World) Stats() Stats {
	return Stats{
		Unloaded:       w.statusCount[grid.Unloaded],
		Loading:        w.statusCount[grid.Loading],
		Loaded:         w.statusCount[grid.Loaded],
		LoadedEmpty:    w.statusCount[grid.LoadedEmpty],
		BrickSlots:     w.bricks.Len(),
		LiveBricks:     w.bricks.Live(),
		PaletteEntries: w.palettes.Len(),
	}
}
