// Package grid holds fixed-size packed status arrays addressed by Morton code.
package grid

import "voxelstream.ai/internal/sim/morton"

type Status uint8

const (
	Unloaded    Status = 0b00
	Loading     Status = 0b01
	Loaded      Status = 0b10
	LoadedEmpty Status = 0b11
)

func (s Status) IsLoaded() bool {
	return s == Loaded || s == LoadedEmpty
}

func (s Status) String() string {
	switch s {
	case Unloaded:
		return "UNLOADED"
	case Loading:
		return "LOADING"
	case Loaded:
		return "LOADED"
	case LoadedEmpty:
		return "LOADED_EMPTY"
	default:
		return "INVALID"
	}
}

// StatusGrid stores one 2-bit Status per cell, four cells per byte.
type StatusGrid struct {
	cells int
	bits  []byte
}

func NewStatusGrid(cells int) *StatusGrid {
	return &StatusGrid{
		cells: cells,
		bits:  make([]byte, (cells*2+7)/8),
	}
}

func (g *StatusGrid) Set(i morton.Code, s Status) {
	shift := (uint(i) & 0b11) * 2
	b := &g.bits[i>>2]
	*b = *b&^(0b11<<shift) | byte(s&0b11)<<shift
}

func (g *StatusGrid) Get(i morton.Code) Status {
	shift := (uint(i) & 0b11) * 2
	return Status(g.bits[i>>2]>>shift) & 0b11
}

func (g *StatusGrid) Len() int { return g.cells }

// Bytes is the backing store, for mirroring. Callers must not modify it.
func (g *StatusGrid) Bytes() []byte { return g.bits }

func (g *StatusGrid) Reset() { clear(g.bits) }

// Load replaces the backing store; b must have the same length.
func (g *StatusGrid) Load(b []byte) bool {
	if len(b) != len(g.bits) {
		return false
	}
	copy(g.bits, b)
	return true
}

// BitGrid stores one flag per cell.
type BitGrid struct {
	cells int
	bits  []byte
}

func NewBitGrid(cells int) *BitGrid {
	return &BitGrid{
		cells: cells,
		bits:  make([]byte, (cells+7)/8),
	}
}

func (g *BitGrid) Set(i morton.Code, v bool) {
	mask := byte(1) << (uint(i) & 0b111)
	if v {
		g.bits[i>>3] |= mask
	} else {
		g.bits[i>>3] &^= mask
	}
}

func (g *BitGrid) Get(i morton.Code) bool {
	return g.bits[i>>3]&(1<<(uint(i)&0b111)) != 0
}

func (g *BitGrid) Len() int { return g.cells }

func (g *BitGrid) Bytes() []byte { return g.bits }

func (g *BitGrid) Reset() { clear(g.bits) }

func (g *BitGrid) Load(b []byte) bool {
	if len(b) != len(g.bits) {
		return false
	}
	copy(g.bits, b)
	return true
}
