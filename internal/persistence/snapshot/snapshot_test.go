package snapshot

import (
	"path/filepath"
	"testing"
)

func TestSnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshots", "42.snap.zst")
	want := SnapshotV1{
		Header:       Header{Version: Version, WorldID: "w1", Tick: 42},
		Seed:         7,
		WindowRadius: 2,
		Observer:     [3]int32{1, -2, 3},
		LastFrame:    9,
		World: WorldV1{
			Side:         4,
			Translation:  [3]uint32{1, 2, 3},
			ChunkStatus:  []byte{0b10, 0, 0, 0},
			BrickIndices: []uint32{0, 2 << 30},
			Bricks: []BrickV1{{
				PaletteIndex: 0,
				PaletteClass: 0,
				Occupancy:    make([]byte, 64),
				Materials:    make([]uint16, 512),
			}},
			LiveBricks:  1,
			Palette:     make([]uint32, 64),
			PaletteRuns: [4]int{1, 0, 0, 0},
		},
	}
	if err := WriteSnapshot(path, want); err != nil {
		t.Fatalf("write: %v", err)
	}

	h, err := ReadHeader(path)
	if err != nil {
		t.Fatalf("header: %v", err)
	}
	if h != want.Header {
		t.Fatalf("header mismatch: got %+v want %+v", h, want.Header)
	}

	got, err := ReadSnapshot(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Observer != want.Observer || got.LastFrame != want.LastFrame || got.Seed != want.Seed {
		t.Fatalf("scalar mismatch: %+v", got)
	}
	if got.World.Translation != want.World.Translation || got.World.Side != 4 {
		t.Fatalf("world mismatch: %+v", got.World)
	}
	if len(got.World.Bricks) != 1 || len(got.World.Bricks[0].Materials) != 512 {
		t.Fatalf("bricks mismatch: %d", len(got.World.Bricks))
	}
	if got.World.BrickIndices[1] != 2<<30 {
		t.Fatalf("brick index mismatch: %v", got.World.BrickIndices)
	}
}

func TestReadSnapshot_RejectsUnknownVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "v9.snap.zst")
	if err := WriteSnapshot(path, SnapshotV1{Header: Header{Version: 9}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := ReadSnapshot(path); err == nil {
		t.Fatalf("expected version error")
	}
}
