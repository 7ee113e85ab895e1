package morton

import "testing"

func TestEncodeDecode_RoundTrip(t *testing.T) {
	vals := []uint32{0, 1, 2, 3, 7, 8, 63, 64, 1000, 65535, 1 << 20, AxisMax}
	for _, x := range vals {
		for _, y := range vals {
			for _, z := range vals {
				gx, gy, gz := Decode(Encode(x, y, z))
				if gx != x || gy != y || gz != z {
					t.Fatalf("roundtrip (%d,%d,%d) -> (%d,%d,%d)", x, y, z, gx, gy, gz)
				}
			}
		}
	}
}

func TestEncode_BitLayout(t *testing.T) {
	if Encode(1, 0, 0) != 1 || Encode(0, 1, 0) != 2 || Encode(0, 0, 1) != 4 {
		t.Fatalf("unexpected low bits")
	}
	if Encode(2, 0, 0) != 8 {
		t.Fatalf("x bit 1 should land at bit 3: got %d", Encode(2, 0, 0))
	}
	if Encode(AxisMax, AxisMax, AxisMax) != Code(1<<63-1) {
		t.Fatalf("full domain should fill 63 bits")
	}
}

func TestEncode_DenseForPow2Cube(t *testing.T) {
	const side = 8
	seen := make([]bool, side*side*side)
	for x := uint32(0); x < side; x++ {
		for y := uint32(0); y < side; y++ {
			for z := uint32(0); z < side; z++ {
				c := Encode(x, y, z)
				if int(c) >= len(seen) {
					t.Fatalf("code %d out of dense range for (%d,%d,%d)", c, x, y, z)
				}
				if seen[c] {
					t.Fatalf("duplicate code %d", c)
				}
				seen[c] = true
			}
		}
	}
}

func TestChildParent(t *testing.T) {
	chunk := Encode(3, 1, 2)
	local := Encode(5, 6, 7)
	brick := chunk.Child(3, local)
	if got := Encode(3*8+5, 1*8+6, 2*8+7); got != brick {
		t.Fatalf("Child mismatch: got %d want %d", brick, got)
	}
	if brick.Parent(3) != chunk {
		t.Fatalf("Parent mismatch")
	}
}
