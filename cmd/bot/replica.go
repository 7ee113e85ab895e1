package main

import (
	"encoding/base64"
	"fmt"

	"voxelstream.ai/internal/mirrorproto"
	"voxelstream.ai/internal/sim/arena"
	"voxelstream.ai/internal/sim/dynworld"
	"voxelstream.ai/internal/sim/encoding"
	"voxelstream.ai/internal/sim/grid"
	"voxelstream.ai/internal/sim/morton"
)

type replicaBrick struct {
	slot    uint32
	palette []uint32
	data    arena.BrickData
}

// replica is a client-side copy of the mirrored working set.
type replica struct {
	side        uint32
	chunks      *grid.StatusGrid
	supers      *grid.BitGrid
	observer    [3]int32
	translation [3]uint32
	bricks      map[uint32]replicaBrick
	empty       map[uint32]struct{}
	tick        uint64
}

func newReplica(h mirrorproto.HelloMsg) (*replica, error) {
	if h.WindowSide == 0 || h.WindowSide&(h.WindowSide-1) != 0 {
		return nil, fmt.Errorf("window side %d is not a power of two", h.WindowSide)
	}
	vol := int(h.WindowSide) * int(h.WindowSide) * int(h.WindowSide)
	return &replica{
		side:   h.WindowSide,
		chunks: grid.NewStatusGrid(vol),
		supers: grid.NewBitGrid((vol + dynworld.SuperChunkVolume - 1) / dynworld.SuperChunkVolume),
		bricks: map[uint32]replicaBrick{},
		empty:  map[uint32]struct{}{},
		tick:   h.Tick,
	}, nil
}

func (r *replica) applyGrids(m mirrorproto.GridsMsg) error {
	if m.StatusEncoding != mirrorproto.EncodingStatus2Bit || m.SuperEncoding != mirrorproto.EncodingBits1 {
		return fmt.Errorf("unsupported grid encodings %s/%s", m.StatusEncoding, m.SuperEncoding)
	}
	status, err := base64.StdEncoding.DecodeString(m.ChunkStatus)
	if err != nil {
		return fmt.Errorf("chunk_status: %w", err)
	}
	supers, err := base64.StdEncoding.DecodeString(m.SuperChunks)
	if err != nil {
		return fmt.Errorf("super_chunks: %w", err)
	}
	if !r.chunks.Load(status) {
		return fmt.Errorf("chunk_status has %d bytes, want %d", len(status), len(r.chunks.Bytes()))
	}
	if !r.supers.Load(supers) {
		return fmt.Errorf("super_chunks has %d bytes, want %d", len(supers), len(r.supers.Bytes()))
	}
	r.observer = m.Observer
	r.translation = m.Translation
	r.tick = max(r.tick, m.Tick)
	return nil
}

func (r *replica) applyBricks(m mirrorproto.BricksMsg) error {
	limit := uint32(r.chunks.Len()) * dynworld.ChunkVolume
	for _, u := range m.Bricks {
		if u.Index >= limit {
			return fmt.Errorf("brick index %d outside window", u.Index)
		}
		delete(r.bricks, u.Index)
		delete(r.empty, u.Index)
		switch u.Status {
		case grid.Loaded.String():
			if u.Slot == nil || u.Encoding != mirrorproto.EncodingBrickRLE {
				return fmt.Errorf("brick %d: loaded entry without payload", u.Index)
			}
			data, err := encoding.DecodeBrick(u.Data)
			if err != nil {
				return fmt.Errorf("brick %d: %w", u.Index, err)
			}
			for i := range data.Materials {
				if data.Occupied(i) && int(data.Materials[i]) >= len(u.Palette) {
					return fmt.Errorf("brick %d: material %d outside palette of %d", u.Index, data.Materials[i], len(u.Palette))
				}
			}
			r.bricks[u.Index] = replicaBrick{slot: *u.Slot, palette: u.Palette, data: data}
		case grid.LoadedEmpty.String():
			r.empty[u.Index] = struct{}{}
		}
	}
	r.tick = max(r.tick, m.Tick)
	return nil
}

// colorAt returns the packed color of one voxel, or false if it is empty or
// not mirrored.
func (r *replica) colorAt(brick uint32, voxel morton.Code) (uint32, bool) {
	b, ok := r.bricks[brick]
	if !ok || !b.data.Occupied(int(voxel)) {
		return 0, false
	}
	return b.palette[b.data.Materials[voxel]], true
}

// demand picks up to limit Unloaded chunks and names the first brick of
// each, the way a renderer reports bricks it could not draw.
func (r *replica) demand(limit int) []uint32 {
	var out []uint32
	for c := morton.Code(0); c < morton.Code(r.chunks.Len()) && len(out) < limit; c++ {
		if r.chunks.Get(c) != grid.Unloaded {
			continue
		}
		out = append(out, uint32(c.Child(dynworld.ChunkMortonShift, 0)))
	}
	return out
}

func (r *replica) counts() (loaded, empty, unloaded int) {
	for c := morton.Code(0); c < morton.Code(r.chunks.Len()); c++ {
		switch r.chunks.Get(c) {
		case grid.Loaded:
			loaded++
		case grid.LoadedEmpty:
			empty++
		case grid.Unloaded:
			unloaded++
		}
	}
	return loaded, empty, unloaded
}
