// Package morton interleaves 3D coordinates into a single index. Every flat
// grid in the working set (chunk status, super-chunk bits, brick indices) is
// addressed by these codes.
package morton

// Code is a 63-bit interleaved index, 21 bits per axis: bit 3i is x_i, 3i+1
// is y_i and 3i+2 is z_i.
type Code uint64

const (
	AxisBits = 21
	AxisMax  = 1<<AxisBits - 1
)

// split spreads the low 21 bits of x so that two zero bits sit between
// consecutive source bits.
func split(x uint32) uint64 {
	v := uint64(x) & 0x1f_ffff
	v = (v | v<<32) & 0x001f_0000_0000_ffff
	v = (v | v<<16) & 0x001f_0000_ff00_00ff
	v = (v | v<<8) & 0x100f_00f0_0f00_f00f
	v = (v | v<<4) & 0x10c3_0c30_c30c_30c3
	v = (v | v<<2) & 0x1249_2492_4924_9249
	return v
}

// compact is the inverse of split.
func compact(v uint64) uint32 {
	v &= 0x1249_2492_4924_9249
	v = (v | v>>2) & 0x10c3_0c30_c30c_30c3
	v = (v | v>>4) & 0x100f_00f0_0f00_f00f
	v = (v | v>>8) & 0x001f_0000_ff00_00ff
	v = (v | v>>16) & 0x001f_0000_0000_ffff
	v = (v | v>>32) & 0x1f_ffff
	return uint32(v)
}

func Encode(x, y, z uint32) Code {
	return Code(split(x) | split(y)<<1 | split(z)<<2)
}

func Decode(c Code) (x, y, z uint32) {
	v := uint64(c)
	return compact(v), compact(v >> 1), compact(v >> 2)
}

func EncodeVec(v [3]uint32) Code {
	return Encode(v[0], v[1], v[2])
}

func (c Code) Vec() [3]uint32 {
	x, y, z := Decode(c)
	return [3]uint32{x, y, z}
}

// Child returns the code of a cell inside c when every cell is subdivided
// into 2^levels cells per axis, with local being the in-cell code.
func (c Code) Child(levels uint, local Code) Code {
	return c<<(3*levels) | local
}

// Parent drops the lowest levels of subdivision.
func (c Code) Parent(levels uint) Code {
	return c >> (3 * levels)
}
