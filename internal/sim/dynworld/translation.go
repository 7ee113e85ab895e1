package dynworld

import (
	"voxelstream.ai/internal/sim/grid"
	"voxelstream.ai/internal/sim/morton"
)

// UpdateTranslation shifts the window by delta chunks away from oldCenter.
// The chunks that fall out of the window are unloaded: on each moving axis
// that is the band of |d| memory planes starting at the old translation (d>0)
// or ending at it (d<0). The new translation is (oldCenter+delta) mod side.
func (w *World) UpdateTranslation(delta [3]int32, oldCenter WorldChunkPos) {
	side := int64(w.window.Side)
	old := w.translation.Vec()

	var bands [3][]bool
	moved := false
	for axis, d := range delta {
		if d == 0 {
			continue
		}
		n := int64(d)
		if n < 0 {
			n = -n
		}
		n = min(n, side)
		start := int64(old[axis])
		if d < 0 {
			start += side - n
		}
		band := make([]bool, side)
		for i := int64(0); i < n; i++ {
			band[(start+i)%side] = true
		}
		bands[axis] = band
		moved = true
	}

	w.translation = w.window.TranslationFor(oldCenter.Add(delta))
	if !moved {
		return
	}

	vol := morton.Code(w.window.Volume())
	for code := morton.Code(0); code < vol; code++ {
		m := code.Vec()
		evict := false
		for axis, band := range bands {
			if band != nil && band[m[axis]] {
				evict = true
				break
			}
		}
		if evict {
			w.setChunkStatus(code, grid.Unloaded)
		}
	}
}
