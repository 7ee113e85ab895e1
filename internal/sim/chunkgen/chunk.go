package chunkgen

import (
	"voxelstream.ai/internal/sim/dynworld"
	"voxelstream.ai/internal/sim/morton"
)

// ChunkVoxels is the voxel count of one chunk.
const ChunkVoxels = dynworld.ChunkVolume * dynworld.BrickVolume

// GeneratedChunk is one generation result. Voxels are indexed by in-chunk
// voxel morton code, so brick b owns Voxels[b<<9 : (b+1)<<9]. Voxels is nil
// for empty and discarded chunks.
type GeneratedChunk struct {
	Pos       dynworld.WorldChunkPos
	IsEmpty   bool
	Discarded bool
	Voxels    []dynworld.Voxel
}

func (c *GeneratedChunk) Empty() bool { return c.IsEmpty }

func (c *GeneratedChunk) BrickVoxels(local morton.Code) []dynworld.Voxel {
	lo := local << 9
	return c.Voxels[lo : lo+dynworld.BrickVolume]
}

// VoxelIndex returns the position of an in-chunk voxel in Voxels.
func VoxelIndex(x, y, z int) int {
	return int(morton.Encode(uint32(x), uint32(y), uint32(z)))
}
