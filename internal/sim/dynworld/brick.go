package dynworld

import (
	"fmt"

	"voxelstream.ai/internal/sim/arena"
	"voxelstream.ai/internal/sim/grid"
	"voxelstream.ai/internal/sim/morton"
)

// BrickIndex is one entry of the brick index table: the top two bits hold a
// grid.Status and the low 30 bits the brick arena slot (Loaded only).
type BrickIndex uint32

const (
	brickStatusShift = 30
	brickSlotMask    = 1<<brickStatusShift - 1

	// MaxBrickSlot is the largest slot an index entry can address.
	MaxBrickSlot = brickSlotMask

	UnloadedBrick    BrickIndex = 0
	LoadedEmptyBrick            = BrickIndex(uint32(grid.LoadedEmpty) << brickStatusShift)
)

func NewLoadedBrick(slot uint32) BrickIndex {
	return BrickIndex(uint32(grid.Loaded)<<brickStatusShift | slot&brickSlotMask)
}

func (b BrickIndex) Status() grid.Status {
	return grid.Status(b >> brickStatusShift)
}

func (b BrickIndex) Slot() uint32 {
	return uint32(b) & brickSlotMask
}

// Voxel is a packed RGBA8 color; zero means no voxel.
type Voxel uint32

func PackRGBA(r, g, b, a uint8) Voxel {
	return Voxel(uint32(r) | uint32(g)<<8 | uint32(b)<<16 | uint32(a)<<24)
}

// VoxelSource is generated chunk content addressed by in-chunk brick code.
type VoxelSource interface {
	Empty() bool
	BrickVoxels(local morton.Code) []Voxel
}

// BrickPayload is a brick ready to be stored: occupancy, per-voxel palette
// indices and the distinct colors in first-seen order.
type BrickPayload struct {
	Occupancy [arena.OccupancyBytes]byte
	Materials [arena.BrickVolume]uint16
	Palette   []arena.PaletteEntry
}

// BuildBrickPayload compacts voxels (indexed by in-brick morton code) into a
// payload. It returns nil when no voxel is set.
func BuildBrickPayload(voxels []Voxel) (*BrickPayload, error) {
	if len(voxels) != BrickVolume {
		return nil, fmt.Errorf("brick has %d voxels, want %d", len(voxels), BrickVolume)
	}
	var p *BrickPayload
	var lut map[Voxel]uint16
	for i, v := range voxels {
		if v == 0 {
			continue
		}
		if p == nil {
			p = &BrickPayload{}
			lut = make(map[Voxel]uint16, 8)
		}
		idx, ok := lut[v]
		if !ok {
			idx = uint16(len(p.Palette))
			lut[v] = idx
			p.Palette = append(p.Palette, arena.PaletteEntry(v))
		}
		p.Occupancy[i>>3] |= 1 << (i & 0b111)
		p.Materials[i] = idx
	}
	return p, nil
}

// BrickChange reports that the index entry of Brick was rewritten.
type BrickChange struct {
	Brick morton.Code
	Index BrickIndex
}
