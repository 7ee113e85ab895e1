package chunkgen

import (
	"github.com/go-gl/mathgl/mgl32"

	"voxelstream.ai/internal/sim/dynworld"
	"voxelstream.ai/internal/sim/mathx"
)

type TerrainParams struct {
	Seed       int64
	BaseHeight int
	Amplitude  int
	// Scale is the lattice spacing of the first octave, in voxels.
	Scale   int
	Octaves int
}

// Terrain is a heightfield generator: a column is solid below its height,
// grass on top, a few voxels of dirt and stone underneath.
type Terrain struct {
	p TerrainParams
}

const (
	dirtDepth    = 4
	colorJitters = 4
)

var (
	grassColor = mgl32.Vec4{0.33, 0.62, 0.21, 1}
	dirtColor  = mgl32.Vec4{0.47, 0.33, 0.20, 1}
	stoneColor = mgl32.Vec4{0.50, 0.50, 0.52, 1}
	shadeColor = mgl32.Vec4{0.10, 0.10, 0.10, 1}
)

func NewTerrain(p TerrainParams) *Terrain {
	if p.Scale <= 0 {
		p.Scale = 64
	}
	if p.Octaves <= 0 {
		p.Octaves = 1
	}
	return &Terrain{p: p}
}

// HeightAt is the number of solid voxels in the world column (x, z) above
// y = 0; it may be negative.
func (t *Terrain) HeightAt(x, z int) int {
	var sum, norm float32
	amp := float32(1)
	scale := t.p.Scale
	for o := 0; o < t.p.Octaves && scale > 0; o++ {
		sum += amp * t.valueNoise(int64(o), x, z, scale)
		norm += amp
		amp /= 2
		scale /= 2
	}
	if norm == 0 {
		return t.p.BaseHeight
	}
	n := sum/norm*2 - 1
	return t.p.BaseHeight + int(n*float32(t.p.Amplitude))
}

func (t *Terrain) valueNoise(octave int64, x, z, scale int) float32 {
	seed := t.p.Seed + octave*7919
	gx, gz := mathx.FloorDiv(x, scale), mathx.FloorDiv(z, scale)
	fx := smooth(float32(mathx.Mod(x, scale)) / float32(scale))
	fz := smooth(float32(mathx.Mod(z, scale)) / float32(scale))

	v00 := mathx.Unit01(mathx.Hash2(seed, gx, gz))
	v10 := mathx.Unit01(mathx.Hash2(seed, gx+1, gz))
	v01 := mathx.Unit01(mathx.Hash2(seed, gx, gz+1))
	v11 := mathx.Unit01(mathx.Hash2(seed, gx+1, gz+1))
	a := v00 + (v10-v00)*fx
	b := v01 + (v11-v01)*fx
	return a + (b-a)*fz
}

func smooth(f float32) float32 { return f * f * (3 - 2*f) }

// ColorAt is the voxel color depth voxels below the column surface.
func (t *Terrain) ColorAt(x, y, z, depth int) dynworld.Voxel {
	base := stoneColor
	switch {
	case depth == 0:
		base = grassColor
	case depth < dirtDepth:
		base = dirtColor
	}
	j := float32(mathx.Hash3(t.p.Seed, x, y, z)%colorJitters) / colorJitters
	c := base.Mul(1 - j*0.5).Add(shadeColor.Mul(j * 0.5))
	return dynworld.PackRGBA(unorm(c.X()), unorm(c.Y()), unorm(c.Z()), 255)
}

func unorm(v float32) uint8 {
	return uint8(mgl32.Clamp(v, 0, 1)*255 + 0.5)
}

func (t *Terrain) Generate(pos dynworld.WorldChunkPos) *GeneratedChunk {
	const n = dynworld.ChunkVoxelLength
	origin := pos.VoxelMin()
	out := &GeneratedChunk{Pos: pos}

	var heights [n * n]int
	top := origin[1] - 1
	for lz := 0; lz < n; lz++ {
		for lx := 0; lx < n; lx++ {
			h := t.HeightAt(origin[0]+lx, origin[2]+lz)
			heights[lz*n+lx] = h
			top = max(top, h)
		}
	}
	if top <= origin[1] {
		out.IsEmpty = true
		return out
	}

	out.Voxels = make([]dynworld.Voxel, ChunkVoxels)
	for lz := 0; lz < n; lz++ {
		for lx := 0; lx < n; lx++ {
			h := heights[lz*n+lx]
			wx, wz := origin[0]+lx, origin[2]+lz
			for ly := 0; ly < n; ly++ {
				wy := origin[1] + ly
				if wy >= h {
					break
				}
				out.Voxels[VoxelIndex(lx, ly, lz)] = t.ColorAt(wx, wy, wz, h-1-wy)
			}
		}
	}
	return out
}
