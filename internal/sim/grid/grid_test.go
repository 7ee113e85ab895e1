package grid

import (
	"testing"

	"voxelstream.ai/internal/sim/morton"
)

func TestStatusGrid_SetGetNoBleed(t *testing.T) {
	g := NewStatusGrid(64)
	if len(g.Bytes()) != 16 {
		t.Fatalf("backing size: got %d want 16", len(g.Bytes()))
	}
	all := []Status{Unloaded, Loading, Loaded, LoadedEmpty}
	for i := 0; i < g.Len(); i++ {
		if g.Get(morton.Code(i)) != Unloaded {
			t.Fatalf("cell %d not zero-initialized", i)
		}
	}
	for i := 0; i < g.Len(); i++ {
		for _, s := range all {
			before := make([]Status, g.Len())
			for j := range before {
				before[j] = g.Get(morton.Code(j))
			}
			g.Set(morton.Code(i), s)
			if got := g.Get(morton.Code(i)); got != s {
				t.Fatalf("cell %d: got %v want %v", i, got, s)
			}
			for j := range before {
				if j == i {
					continue
				}
				if got := g.Get(morton.Code(j)); got != before[j] {
					t.Fatalf("set %d bled into %d: got %v want %v", i, j, got, before[j])
				}
			}
		}
	}
}

func TestStatusGrid_OddCellCountRoundsUp(t *testing.T) {
	g := NewStatusGrid(5)
	if len(g.Bytes()) != 2 {
		t.Fatalf("backing size: got %d want 2", len(g.Bytes()))
	}
	g.Set(4, LoadedEmpty)
	if g.Get(4) != LoadedEmpty || g.Get(3) != Unloaded {
		t.Fatalf("unexpected values after set")
	}
	g.Reset()
	if g.Get(4) != Unloaded {
		t.Fatalf("reset should clear")
	}
}

func TestBitGrid_SetGetNoBleed(t *testing.T) {
	g := NewBitGrid(20)
	if len(g.Bytes()) != 3 {
		t.Fatalf("backing size: got %d want 3", len(g.Bytes()))
	}
	g.Set(9, true)
	g.Set(10, true)
	g.Set(9, false)
	for i := 0; i < g.Len(); i++ {
		want := i == 10
		if g.Get(morton.Code(i)) != want {
			t.Fatalf("cell %d: got %v want %v", i, !want, want)
		}
	}
}

func TestStatus_IsLoaded(t *testing.T) {
	if Unloaded.IsLoaded() || Loading.IsLoaded() || !Loaded.IsLoaded() || !LoadedEmpty.IsLoaded() {
		t.Fatalf("IsLoaded mismatch")
	}
	if LoadedEmpty.String() != "LOADED_EMPTY" {
		t.Fatalf("String mismatch: %s", LoadedEmpty)
	}
}
