package arena

import (
	"fmt"

	"voxelstream.ai/internal/sim/mathx"
)

// PaletteEntry is a packed RGBA8 color.
type PaletteEntry uint32

const (
	MinPaletteLen = 64
	MaxPaletteLen = 512
	// PaletteClasses are 64, 128, 256 and 512 entries.
	PaletteClasses = 4
)

// ClassLen returns the run length of a size class.
func ClassLen(class uint8) int {
	return MinPaletteLen << class
}

// ClassFor rounds n up to the next power of two in [64,512].
func ClassFor(n int) (uint8, error) {
	if n > MaxPaletteLen {
		return 0, fmt.Errorf("palette of %d entries exceeds %d", n, MaxPaletteLen)
	}
	l := mathx.NextPow2(uint32(max(n, MinPaletteLen)))
	var c uint8
	for MinPaletteLen<<c < int(l) {
		c++
	}
	return c, nil
}

// PaletteArena reserves contiguous power-of-two runs of palette entries.
// Freed runs are kept on one free list per size class and are only reused for
// palettes of the same class; larger runs are never split.
type PaletteArena struct {
	maxEntries int
	freeHeads  [PaletteClasses]uint32
	runs       [PaletteClasses]int
	entries    []PaletteEntry
}

func NewPaletteArena(maxEntries int) *PaletteArena {
	a := &PaletteArena{maxEntries: maxEntries}
	for i := range a.freeHeads {
		a.freeHeads[i] = NullSlot
	}
	return a
}

// Alloc copies entries into a run of the matching size class and returns the
// run start and class. The unused tail of the run is zeroed.
func (a *PaletteArena) Alloc(entries []PaletteEntry) (uint32, uint8, error) {
	class, err := ClassFor(len(entries))
	if err != nil {
		return 0, 0, err
	}
	n := ClassLen(class)

	var start uint32
	if head := a.freeHeads[class]; head != NullSlot {
		start = head
		a.freeHeads[class] = uint32(a.entries[head])
	} else {
		if a.maxEntries > 0 && len(a.entries)+n > a.maxEntries {
			return 0, 0, fmt.Errorf("palette entries (max %d, need %d more): %w", a.maxEntries, n, ErrCapacityExceeded)
		}
		start = uint32(len(a.entries))
		a.entries = append(a.entries, make([]PaletteEntry, n)...)
	}
	run := a.entries[start : int(start)+n]
	copy(run, entries)
	clear(run[len(entries):])
	a.runs[class]++
	return start, class, nil
}

// Free returns a run to its class free list; the first entry becomes the link.
func (a *PaletteArena) Free(start uint32, class uint8) {
	run := a.Run(start, class)
	clear(run)
	run[0] = PaletteEntry(a.freeHeads[class])
	a.freeHeads[class] = start
	a.runs[class]--
}

func (a *PaletteArena) Run(start uint32, class uint8) []PaletteEntry {
	return a.entries[start : int(start)+ClassLen(class)]
}

func (a *PaletteArena) Len() int { return len(a.entries) }

func (a *PaletteArena) MaxEntries() int { return a.maxEntries }

// LiveRuns counts allocated runs per size class.
func (a *PaletteArena) LiveRuns() [PaletteClasses]int { return a.runs }

func (a *PaletteArena) FreeHeads() [PaletteClasses]uint32 { return a.freeHeads }

// Entries is the backing array, for upload. Callers must not modify it.
func (a *PaletteArena) Entries() []PaletteEntry { return a.entries }

func (a *PaletteArena) Restore(entries []PaletteEntry, freeHeads [PaletteClasses]uint32, runs [PaletteClasses]int) error {
	if a.maxEntries > 0 && len(entries) > a.maxEntries {
		return fmt.Errorf("restore %d palette entries (max %d): %w", len(entries), a.maxEntries, ErrCapacityExceeded)
	}
	for c, h := range freeHeads {
		if h != NullSlot && int(h)+ClassLen(uint8(c)) > len(entries) {
			return fmt.Errorf("palette free head %d for class %d out of range", h, c)
		}
	}
	a.entries = append(a.entries[:0], entries...)
	a.freeHeads = freeHeads
	a.runs = runs
	return nil
}
