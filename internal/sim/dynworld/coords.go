package dynworld

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"

	"voxelstream.ai/internal/sim/mathx"
	"voxelstream.ai/internal/sim/morton"
)

const (
	VoxelWorldLength = 1.0

	BrickLength      = 8
	BrickArea        = BrickLength * BrickLength
	BrickVolume      = BrickArea * BrickLength
	BrickMortonShift = 3 // log2(BrickLength)

	// ChunkLength is measured in bricks.
	ChunkLength      = 8
	ChunkArea        = ChunkLength * ChunkLength
	ChunkVolume      = ChunkArea * ChunkLength
	ChunkMortonShift = 3

	ChunkVoxelLength = ChunkLength * BrickLength
	ChunkWorldLength = ChunkVoxelLength * VoxelWorldLength

	// SuperChunkLength is measured in chunks.
	SuperChunkLength      = 4
	SuperChunkVolume      = SuperChunkLength * SuperChunkLength * SuperChunkLength
	SuperChunkMortonShift = 2
)

// WorldChunkPos is a chunk coordinate in the unbounded world.
type WorldChunkPos struct {
	X int32 `json:"x"`
	Y int32 `json:"y"`
	Z int32 `json:"z"`
}

func (p WorldChunkPos) Add(d [3]int32) WorldChunkPos {
	return WorldChunkPos{X: p.X + d[0], Y: p.Y + d[1], Z: p.Z + d[2]}
}

func (p WorldChunkPos) Sub(o WorldChunkPos) [3]int32 {
	return [3]int32{p.X - o.X, p.Y - o.Y, p.Z - o.Z}
}

func (p WorldChunkPos) Vec() [3]int32 { return [3]int32{p.X, p.Y, p.Z} }

// VoxelMin is the world voxel coordinate of the chunk's minimum corner.
func (p WorldChunkPos) VoxelMin() [3]int {
	return [3]int{int(p.X) * ChunkVoxelLength, int(p.Y) * ChunkVoxelLength, int(p.Z) * ChunkVoxelLength}
}

// ChunkAt returns the chunk containing a world-space position.
func ChunkAt(pos mgl32.Vec3) WorldChunkPos {
	f := func(v float32) int32 {
		return int32(math.Floor(float64(v) / ChunkWorldLength))
	}
	return WorldChunkPos{X: f(pos.X()), Y: f(pos.Y()), Z: f(pos.Z())}
}

// DynChunkPos is a position inside the sliding window before the wrap-around
// translation is applied. It is only valid when produced by Window.ToDyn.
type DynChunkPos struct {
	X, Y, Z uint32
}

// MemChunkPos is a translated window position: the storage address of a
// chunk in every grid.
type MemChunkPos struct {
	X, Y, Z uint32
}

func (p MemChunkPos) Morton() morton.Code {
	return morton.Encode(p.X, p.Y, p.Z)
}

func MemChunkFromMorton(c morton.Code) MemChunkPos {
	x, y, z := morton.Decode(c)
	return MemChunkPos{X: x, Y: y, Z: z}
}

// BrickMorton returns the brick-index address of the brick with in-chunk
// code local.
func (p MemChunkPos) BrickMorton(local morton.Code) morton.Code {
	return p.Morton().Child(ChunkMortonShift, local)
}

// Translation is the current wrap-around offset of the window.
type Translation struct {
	X, Y, Z uint32
}

func (t Translation) Vec() [3]uint32 { return [3]uint32{t.X, t.Y, t.Z} }

// Window describes the fixed-size sliding region of resident chunks.
type Window struct {
	Radius uint32
	Side   uint32
	Half   uint32
}

// NewWindow derives the power-of-two side length from a chunk radius.
func NewWindow(radius uint32) Window {
	side := mathx.NextPow2(2 * max(radius, 1))
	return Window{Radius: radius, Side: side, Half: side / 2}
}

func (w Window) Volume() int {
	return int(w.Side) * int(w.Side) * int(w.Side)
}

// ToDyn maps a world chunk into the untranslated window around center. The
// bounds check must happen here, before translating.
func (w Window) ToDyn(world, center WorldChunkPos) (DynChunkPos, bool) {
	var out [3]uint32
	wv, cv := world.Vec(), center.Vec()
	for i := 0; i < 3; i++ {
		local := int64(wv[i]) - int64(cv[i]) + int64(w.Half)
		if local < 0 || local >= int64(w.Side) {
			return DynChunkPos{}, false
		}
		out[i] = uint32(local)
	}
	return DynChunkPos{X: out[0], Y: out[1], Z: out[2]}, true
}

func (w Window) Translate(d DynChunkPos, t Translation) MemChunkPos {
	return MemChunkPos{
		X: (d.X + t.X) % w.Side,
		Y: (d.Y + t.Y) % w.Side,
		Z: (d.Z + t.Z) % w.Side,
	}
}

// ToWorld inverts Translate and ToDyn.
func (w Window) ToWorld(m MemChunkPos, t Translation, center WorldChunkPos) WorldChunkPos {
	f := func(mv, tv uint32, cv int32) int32 {
		local := int32((mv + w.Side - tv%w.Side) % w.Side)
		return local + cv - int32(w.Half)
	}
	return WorldChunkPos{
		X: f(m.X, t.X, center.X),
		Y: f(m.Y, t.Y, center.Y),
		Z: f(m.Z, t.Z, center.Z),
	}
}

// TranslationFor is the wrap offset matching a window centered on center.
func (w Window) TranslationFor(center WorldChunkPos) Translation {
	s := int(w.Side)
	return Translation{
		X: uint32(mathx.Mod(int(center.X), s)),
		Y: uint32(mathx.Mod(int(center.Y), s)),
		Z: uint32(mathx.Mod(int(center.Z), s)),
	}
}
