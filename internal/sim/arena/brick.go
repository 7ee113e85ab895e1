// Package arena provides stable-index storage with free-list reuse for brick
// payloads and their palettes. Slots are never moved once assigned so mirrors
// can cache slot -> GPU offset mappings.
package arena

import (
	"errors"
	"fmt"
)

var ErrCapacityExceeded = errors.New("arena capacity exceeded")

const (
	BrickVolume    = 512
	OccupancyBytes = BrickVolume / 8

	// NullSlot terminates a free list.
	NullSlot uint32 = 0x7FFF_FFFF
)

// BrickData is one brick payload. While a slot is free its PaletteIndex holds
// the next free slot instead; liveness is tracked by the owning brick index.
type BrickData struct {
	PaletteIndex uint32
	PaletteClass uint8
	Occupancy    [OccupancyBytes]byte
	Materials    [BrickVolume]uint16
}

func (b *BrickData) SetOccupied(i int) {
	b.Occupancy[i>>3] |= 1 << (i & 0b111)
}

func (b *BrickData) Occupied(i int) bool {
	return b.Occupancy[i>>3]&(1<<(i&0b111)) != 0
}

func (b *BrickData) OccupiedCount() int {
	n := 0
	for i := 0; i < BrickVolume; i++ {
		if b.Occupied(i) {
			n++
		}
	}
	return n
}

type BrickArena struct {
	maxSlots int
	freeHead uint32
	live     int
	data     []BrickData
}

// NewBrickArena returns an empty arena. maxSlots <= 0 means unbounded.
func NewBrickArena(maxSlots int) *BrickArena {
	return &BrickArena{
		maxSlots: maxSlots,
		freeHead: NullSlot,
	}
}

// Insert stores b, reusing the most recently freed slot when there is one.
func (a *BrickArena) Insert(b BrickData) (uint32, error) {
	if a.freeHead != NullSlot {
		slot := a.freeHead
		a.freeHead = a.data[slot].PaletteIndex
		a.data[slot] = b
		a.live++
		return slot, nil
	}
	if a.maxSlots > 0 && len(a.data) >= a.maxSlots {
		return 0, fmt.Errorf("brick slots (max %d): %w", a.maxSlots, ErrCapacityExceeded)
	}
	a.data = append(a.data, b)
	a.live++
	return uint32(len(a.data) - 1), nil
}

func (a *BrickArena) Get(slot uint32) *BrickData {
	return &a.data[slot]
}

// Free links slot into the free list. The payload is overwritten.
func (a *BrickArena) Free(slot uint32) {
	a.data[slot] = BrickData{PaletteIndex: a.freeHead}
	a.freeHead = slot
	a.live--
}

// Len is the high-water slot count, including free slots.
func (a *BrickArena) Len() int { return len(a.data) }

// Live is the number of slots currently holding payloads.
func (a *BrickArena) Live() int { return a.live }

func (a *BrickArena) MaxSlots() int { return a.maxSlots }

func (a *BrickArena) FreeHead() uint32 { return a.freeHead }

// Data is the backing array, for upload. Callers must not modify it.
func (a *BrickArena) Data() []BrickData { return a.data }

// Restore replaces the arena contents with a previously exported state.
func (a *BrickArena) Restore(data []BrickData, freeHead uint32, live int) error {
	if a.maxSlots > 0 && len(data) > a.maxSlots {
		return fmt.Errorf("restore %d brick slots (max %d): %w", len(data), a.maxSlots, ErrCapacityExceeded)
	}
	if freeHead != NullSlot && int(freeHead) >= len(data) {
		return fmt.Errorf("free head %d out of range %d", freeHead, len(data))
	}
	a.data = append(a.data[:0], data...)
	a.freeHead = freeHead
	a.live = live
	return nil
}
