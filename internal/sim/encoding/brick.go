package encoding

import (
	"fmt"

	"voxelstream.ai/internal/sim/arena"
)

// EncodeBrick writes a brick's occupancy and materials as one RLE stream in
// in-brick morton order: 0 is an empty voxel, k+1 is palette index k.
func EncodeBrick(b *arena.BrickData) string {
	var vals [arena.BrickVolume]uint16
	for i := range vals {
		if b.Occupied(i) {
			vals[i] = b.Materials[i] + 1
		}
	}
	return EncodeRLE(vals[:])
}

// DecodeBrick rebuilds occupancy and materials from EncodeBrick output. The
// palette fields of the result are left zero.
func DecodeBrick(s string) (arena.BrickData, error) {
	var b arena.BrickData
	vals, err := DecodeRLE(s, arena.BrickVolume)
	if err != nil {
		return b, err
	}
	if len(vals) != arena.BrickVolume {
		return b, fmt.Errorf("brick has %d voxels, want %d", len(vals), arena.BrickVolume)
	}
	for i, v := range vals {
		if v == 0 {
			continue
		}
		b.SetOccupied(i)
		b.Materials[i] = v - 1
	}
	return b, nil
}
